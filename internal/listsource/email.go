package listsource

import (
	"bytes"
	"path/filepath"
	"strings"

	"github.com/jhillyerd/enmime"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

type Email struct {
	Subject     string
	Entries     []Entry
	Attachments []string
	Detection   DetectResult
}

func FromEmail(raw []byte) (Email, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return Email{}, eris.Wrap(err, "listsource: read envelope")
	}

	entries := make([]Entry, 0)
	if env.Text != "" {
		for _, e := range FromText(env.Text) {
			e.Source = SourceEmail
			entries = append(entries, e)
		}
	}
	if env.HTML != "" && env.Text == "" {
		entries = append(entries, FromHTML(env.HTML)...)
	} else if env.HTML != "" {
		entries = append(entries, tablesOnly(FromHTML(env.HTML))...)
	}

	attachments := make([]string, 0, len(env.Attachments))
	for _, att := range env.Attachments {
		filename := strings.TrimSpace(att.FileName)
		if filename == "" {
			filename = "attachment"
		}
		attachments = append(attachments, filename)

		extra, err := fromAttachment(filename, att.Content)
		if err != nil {
			zap.L().Debug("listsource: skip attachment", zap.String("file", filename), zap.Error(err))
			continue
		}
		for i := range extra {
			extra[i].Attachment = filename
		}
		entries = append(entries, extra...)
	}

	subject := env.GetHeader("Subject")
	return Email{
		Subject:     subject,
		Entries:     number(dedupe(entries)),
		Attachments: attachments,
		Detection:   DetectShoppingList(subject, env.Text, env.HTML, attachments),
	}, nil
}

func fromAttachment(filename string, content []byte) ([]Entry, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".xlsx":
		return FromXLSX(content)
	case ".pdf":
		return FromPDF(content)
	case ".txt":
		return FromText(string(content)), nil
	default:
		return nil, nil
	}
}

// tablesOnly keeps HTML table rows. A message with both parts repeats its
// prose in the HTML part, so only the tables add anything.
func tablesOnly(entries []Entry) []Entry {
	out := entries[:0]
	for _, e := range entries {
		if e.Source == SourceHTML {
			out = append(out, e)
		}
	}
	return out
}
