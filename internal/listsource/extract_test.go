package listsource

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/jhillyerd/enmime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func mkXLSX(t *testing.T, rows [][]any) []byte {
	t.Helper()
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	for r, row := range rows {
		for c, v := range row {
			cell, _ := excelize.CoordinatesToCellName(c+1, r+1)
			require.NoError(t, f.SetCellValue(sheet, cell, v))
		}
	}
	buf := bytes.NewBuffer(nil)
	_, err := f.WriteTo(buf)
	require.NoError(t, err)
	return buf.Bytes()
}

func names(entries []Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Item.Name)
	}
	return out
}

func TestFromText(t *testing.T) {
	text := "Hi Sam,\n\nShopping list:\n- 2 lbs chicken breast\n* 1 gallon milk\n3) eggs\n[ ] 2 lbs chicken breast\n----\n42\nThanks!\nSent from my phone\n"
	entries := FromText(text)
	assert.Equal(t, []string{"2 lbs chicken breast", "1 gallon milk", "eggs"}, names(entries))
	assert.Equal(t, 1, entries[0].LineNo)
	assert.Equal(t, 3, entries[2].LineNo)
	assert.Equal(t, SourceText, entries[0].Source)
	assert.Nil(t, entries[0].Item.Quantity)
}

func TestFromTextKeepsDecimalQuantities(t *testing.T) {
	entries := FromText("1.5 kg flour\n2. bananas")
	assert.Equal(t, []string{"1.5 kg flour", "bananas"}, names(entries))
}

func TestFromHTMLTable(t *testing.T) {
	html := `<table>
<tr><th>Item</th><th>Qty</th><th>Unit</th></tr>
<tr><td>Chicken breast</td><td>2</td><td>lb</td></tr>
<tr><td>Flour</td><td>1,5 kg</td><td></td></tr>
<tr><td>Bananas</td><td></td><td></td></tr>
<tr><td></td><td>3</td><td></td></tr>
</table>`
	entries := FromHTML(html)
	require.Len(t, entries, 3)

	assert.Equal(t, "Chicken breast", entries[0].Item.Name)
	require.NotNil(t, entries[0].Item.Quantity)
	assert.Equal(t, 2.0, *entries[0].Item.Quantity)
	assert.Equal(t, "lb", *entries[0].Item.Unit)

	assert.Equal(t, "1,5 kg Flour", entries[1].Item.Name)
	assert.Nil(t, entries[1].Item.Quantity)

	assert.Equal(t, "Bananas", entries[2].Item.Name)
	assert.Equal(t, SourceHTML, entries[2].Source)
}

func TestFromHTMLListFallback(t *testing.T) {
	entries := FromHTML(`<p>Grocery list:</p><ul><li>2 lbs chicken</li><li>milk</li><li>milk</li></ul>`)
	assert.Equal(t, []string{"2 lbs chicken", "milk"}, names(entries))
	assert.Equal(t, SourceList, entries[0].Source)
}

func TestFromXLSX(t *testing.T) {
	blob := mkXLSX(t, [][]any{
		{"Product", "Quantity", "Unit"},
		{"Whole milk", 1, "gallon"},
		{"Eggs", 2, "dozen"},
		{"Total", "", ""},
	})
	entries, err := FromXLSX(blob)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "Whole milk", entries[0].Item.Name)
	assert.Equal(t, 1.0, *entries[0].Item.Quantity)
	assert.Equal(t, "dozen", *entries[1].Item.Unit)
	assert.Nil(t, entries[2].Item.Quantity)
}

func TestFromXLSXWithoutHeader(t *testing.T) {
	blob := mkXLSX(t, [][]any{
		{"Bananas", 3},
		{"Cilantro", 1, "bunch"},
	})
	entries, err := FromXLSX(blob)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, 3.0, *entries[0].Item.Quantity)
	assert.Nil(t, entries[0].Item.Unit)
	assert.Equal(t, "bunch", *entries[1].Item.Unit)
}

func TestFromXLSXRejectsGarbage(t *testing.T) {
	_, err := FromXLSX([]byte("not a workbook"))
	require.Error(t, err)
}

func TestFromPDFRejectsGarbage(t *testing.T) {
	_, err := FromPDF([]byte("not a pdf"))
	require.Error(t, err)
}

func TestFromEmail(t *testing.T) {
	sheet := mkXLSX(t, [][]any{
		{"Item", "Qty"},
		{"Black beans", 2},
	})
	part, err := enmime.Builder().
		From("Sam", "sam@example.test").
		To("Alex", "alex@example.test").
		Subject("Grocery list for Saturday").
		Text([]byte("Hi Alex,\n2 lbs chicken breast\n1 gallon milk\n\nThanks!\n")).
		HTML([]byte("<p>2 lbs chicken breast</p><table><tr><th>Item</th><th>Qty</th></tr><tr><td>Cilantro</td><td>1</td></tr></table>")).
		AddAttachment(sheet, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", "extra.xlsx").
		Build()
	require.NoError(t, err)
	raw := bytes.NewBuffer(nil)
	require.NoError(t, part.Encode(raw))

	email, err := FromEmail(raw.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "Grocery list for Saturday", email.Subject)
	assert.Equal(t, []string{"extra.xlsx"}, email.Attachments)
	assert.Equal(t, []string{"2 lbs chicken breast", "1 gallon milk", "Cilantro", "Black beans"}, names(email.Entries))
	assert.Equal(t, SourceEmail, email.Entries[0].Source)
	assert.Equal(t, "extra.xlsx", email.Entries[3].Attachment)
	assert.Equal(t, 4, email.Entries[3].LineNo)
	assert.True(t, email.Detection.IsList)
}

func TestDetectShoppingList(t *testing.T) {
	res := DetectShoppingList("Lunch on Friday?", "Are you free at noon", "", nil)
	assert.False(t, res.IsList)
	assert.Equal(t, "rules_negative", res.Reason)

	res = DetectShoppingList("Shopping list", "2 lbs chicken\n3 bananas", "", nil)
	assert.True(t, res.IsList)
	assert.LessOrEqual(t, res.Score, 1.0)
}

func TestFromFile(t *testing.T) {
	dir := t.TempDir()
	txt := filepath.Join(dir, "list.txt")
	require.NoError(t, os.WriteFile(txt, []byte("milk\neggs\n"), 0o644))
	entries, err := FromFile(txt)
	require.NoError(t, err)
	assert.Len(t, Inputs(entries), 2)

	html := filepath.Join(dir, "list.html")
	require.NoError(t, os.WriteFile(html, []byte("<ol><li>flour</li></ol>"), 0o644))
	entries, err = FromFile(html)
	require.NoError(t, err)
	assert.Equal(t, []string{"flour"}, names(entries))

	_, err = FromFile(filepath.Join(dir, "missing.txt"))
	require.Error(t, err)
}
