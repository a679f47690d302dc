// Package listsource pulls shopping-list lines out of the formats people send
// them in: plain text, HTML tables, spreadsheets, PDFs and e-mail.
package listsource

import (
	"bytes"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	pdf "github.com/ledongthuc/pdf"
	"github.com/rotisserie/eris"
	"github.com/xuri/excelize/v2"

	"savery/internal"
)

type Source string

const (
	SourceText  Source = "text"
	SourceHTML  Source = "html_table"
	SourceList  Source = "html_list"
	SourceXLSX  Source = "xlsx"
	SourcePDF   Source = "pdf"
	SourceEmail Source = "email_text"
)

type Entry struct {
	LineNo     int
	Source     Source
	Raw        string
	Item       internal.ListItemInput
	Attachment string
}

var ignorePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^[-=_*]{2,}$`),
	regexp.MustCompile(`(?i)^thanks?\b`),
	regexp.MustCompile(`(?i)^thank you`),
	regexp.MustCompile(`(?i)^(best|kind|warm)? ?regards`),
	regexp.MustCompile(`(?i)^cheers[,!]?$`),
	regexp.MustCompile(`(?i)^sent from my`),
	regexp.MustCompile(`(?i)^(tel|phone)[:\s]`),
	regexp.MustCompile(`(?i)^e-?mail[:\s]`),
	regexp.MustCompile(`(?i)^https?:`),
	regexp.MustCompile(`(?i)^(my |our )?(shopping|grocery) list:?$`),
	regexp.MustCompile(`(?i)^(hi|hello|hey|dear)\b.*[,!:]$`),
	regexp.MustCompile(`(?i)^(subject|from|to|date):`),
}

var (
	reBullet  = regexp.MustCompile(`^\s*(?:[-*•·+]|\d{1,3}[.)]|\[[ xX]?\])\s+`)
	reSpaces  = regexp.MustCompile(`\s+`)
	reLetters = regexp.MustCompile(`\pL`)
	reDigit   = regexp.MustCompile(`\d`)
)

func FromText(text string) []Entry {
	return fromLines(SourceText, splitLines(text))
}

func fromLines(source Source, lines []string) []Entry {
	out := make([]Entry, 0, len(lines))
	for _, line := range lines {
		entry := lineToEntry(source, line)
		if entry == nil {
			continue
		}
		out = append(out, *entry)
	}
	return number(dedupe(out))
}

func FromHTML(html string) []Entry {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil
	}

	out := []Entry{}
	doc.Find("table").Each(func(_ int, table *goquery.Selection) {
		rows := table.Find("tr")
		if rows.Length() < 2 {
			return
		}

		headers := []string{}
		rows.First().Find("th,td").Each(func(_ int, cell *goquery.Selection) {
			headers = append(headers, strings.ToLower(normalizeSpaces(cell.Text())))
		})
		nameIdx, qtyIdx, unitIdx := inferColumns(headers)

		rows.Slice(1, rows.Length()).Each(func(_ int, row *goquery.Selection) {
			cells := []string{}
			row.Find("th,td").Each(func(_ int, cell *goquery.Selection) {
				cells = append(cells, normalizeSpaces(cell.Text()))
			})
			if entry := rowToEntry(SourceHTML, cells, nameIdx, qtyIdx, unitIdx); entry != nil {
				out = append(out, *entry)
			}
		})
	})

	if len(out) == 0 {
		var lines []string
		doc.Find("li").Each(func(_ int, li *goquery.Selection) {
			lines = append(lines, normalizeSpaces(li.Text()))
		})
		return fromLines(SourceList, lines)
	}
	return number(dedupe(out))
}

func FromXLSX(content []byte) ([]Entry, error) {
	f, err := excelize.OpenReader(bytes.NewReader(content))
	if err != nil {
		return nil, eris.Wrap(err, "listsource: open xlsx")
	}
	defer f.Close()

	out := []Entry{}
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil || len(rows) == 0 {
			continue
		}

		nameIdx, qtyIdx, unitIdx := -1, -1, -1
		for i, row := range rows {
			cells := normalizeCells(row)
			if len(cells) == 0 {
				continue
			}
			if i < 3 && nameIdx < 0 {
				nameIdx, qtyIdx, unitIdx = inferColumns(lower(cells))
				if nameIdx >= 0 || qtyIdx >= 0 {
					continue
				}
			}
			if nameIdx < 0 {
				nameIdx, qtyIdx, unitIdx = 0, 1, 2
			}
			if entry := rowToEntry(SourceXLSX, cells, nameIdx, qtyIdx, unitIdx); entry != nil {
				out = append(out, *entry)
			}
		}
	}
	return number(dedupe(out)), nil
}

func FromPDF(content []byte) ([]Entry, error) {
	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return nil, eris.Wrap(err, "listsource: open pdf")
	}

	var lines []string
	for i := 1; i <= r.NumPage(); i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			continue
		}
		lines = append(lines, splitLines(text)...)
	}
	return fromLines(SourcePDF, lines), nil
}

func lineToEntry(source Source, raw string) *Entry {
	compact := normalizeSpaces(reBullet.ReplaceAllString(raw, ""))
	compact = strings.Trim(compact, ",;")
	if compact == "" || isLikelyNoise(compact) || !reLetters.MatchString(compact) {
		return nil
	}
	return &Entry{Source: source, Raw: compact, Item: internal.ListItemInput{Name: compact}}
}

func rowToEntry(source Source, cells []string, nameIdx, qtyIdx, unitIdx int) *Entry {
	if len(cells) == 0 {
		return nil
	}
	name := pickCell(cells, nameIdx, 0)
	if name == "" || !reLetters.MatchString(name) || isLikelyNoise(name) {
		return nil
	}

	entry := &Entry{Source: source, Raw: strings.Join(cells, " | "), Item: internal.ListItemInput{Name: name}}
	qtyCell := pickCell(cells, qtyIdx, -1)
	unitCell := pickCell(cells, unitIdx, -1)

	if qty, err := strconv.ParseFloat(strings.ReplaceAll(qtyCell, ",", "."), 64); err == nil && qty >= 0 {
		entry.Item.Quantity = &qty
		if unitCell != "" {
			entry.Item.Unit = &unitCell
		}
		return entry
	}

	// "2 lb" in one cell: hand the whole phrase to the parser as text.
	if reDigit.MatchString(qtyCell) {
		entry.Item.Name = normalizeSpaces(qtyCell + " " + unitCell + " " + name)
	}
	return entry
}

func splitLines(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	parts := strings.Split(text, "\n")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func normalizeSpaces(input string) string {
	return strings.TrimSpace(reSpaces.ReplaceAllString(input, " "))
}

func normalizeCells(row []string) []string {
	out := make([]string, 0, len(row))
	for _, c := range row {
		out = append(out, normalizeSpaces(c))
	}
	return out
}

func lower(cells []string) []string {
	out := make([]string, 0, len(cells))
	for _, c := range cells {
		out = append(out, strings.ToLower(c))
	}
	return out
}

func isLikelyNoise(line string) bool {
	for _, re := range ignorePatterns {
		if re.MatchString(strings.TrimSpace(line)) {
			return true
		}
	}
	return false
}

func dedupe(entries []Entry) []Entry {
	seen := map[string]struct{}{}
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		key := strings.ToLower(e.Raw)
		if _, exists := seen[key]; exists {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, e)
	}
	return out
}

func number(entries []Entry) []Entry {
	for i := range entries {
		entries[i].LineNo = i + 1
	}
	return entries
}

func findHeaderIndex(headers []string, probes []string) int {
	for i, h := range headers {
		for _, probe := range probes {
			if strings.Contains(h, probe) {
				return i
			}
		}
	}
	return -1
}

func inferColumns(headers []string) (nameIdx, qtyIdx, unitIdx int) {
	nameIdx = findHeaderIndex(headers, []string{"item", "name", "product", "description"})
	qtyIdx = findHeaderIndex(headers, []string{"qty", "quantity", "amount"})
	unitIdx = findHeaderIndex(headers, []string{"unit", "uom", "measure"})
	return
}

func pickCell(cells []string, idx int, fallback int) string {
	if idx >= 0 && idx < len(cells) {
		return strings.TrimSpace(cells[idx])
	}
	if fallback >= 0 && fallback < len(cells) {
		return strings.TrimSpace(cells[fallback])
	}
	return ""
}
