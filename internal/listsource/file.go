package listsource

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"

	"savery/internal"
)

func FromFile(path string) ([]Entry, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "listsource: read %s", path)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		return FromXLSX(blob)
	case ".pdf":
		return FromPDF(blob)
	case ".html", ".htm":
		return FromHTML(string(blob)), nil
	case ".eml":
		email, err := FromEmail(blob)
		if err != nil {
			return nil, err
		}
		return email.Entries, nil
	default:
		return FromText(string(blob)), nil
	}
}

func Inputs(entries []Entry) []internal.ListItemInput {
	out := make([]internal.ListItemInput, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Item)
	}
	return out
}
