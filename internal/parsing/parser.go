package parsing

import (
	"math"
	"strconv"
	"strings"

	"savery/internal"
	"savery/internal/util"
)

const (
	NoteEmptyItem  = "Empty item text."
	NoteNoQuantity = "No quantity detected."
)

type Parser struct {
	catalog    *Catalog
	normalizer *Normalizer
}

func NewParser(catalog *Catalog) *Parser {
	return &Parser{catalog: catalog, normalizer: NewNormalizer(catalog)}
}

// Parse never fails; ambiguity is reported through Notes.
//
// The first whitespace-separated token that reads as a number is the quantity.
// A known unit right after it wins over one right before it; with neither the
// unit defaults to count.
func (p *Parser) Parse(text string) internal.ParsedItem {
	text = strings.TrimSpace(text)
	if text == "" {
		return internal.ParsedItem{Name: "", Notes: util.StringPtr(NoteEmptyItem)}
	}

	tokens := strings.Fields(text)
	qtyIdx, unitIdx := -1, -1
	var quantity float64
	unit := UnitCount

	for i, tok := range tokens {
		q, ok := parseNumber(tok)
		if !ok {
			continue
		}
		qtyIdx, quantity = i, q
		if i+1 < len(tokens) {
			if def, ok := p.catalog.Lookup(tokens[i+1]); ok {
				unitIdx, unit = i+1, def.Token
				break
			}
		}
		if i-1 >= 0 {
			if def, ok := p.catalog.Lookup(tokens[i-1]); ok {
				unitIdx, unit = i-1, def.Token
			}
		}
		break
	}

	item := internal.ParsedItem{OriginalText: text}
	if qtyIdx < 0 {
		item.Name = strings.Join(tokens, " ")
		item.Notes = util.StringPtr(NoteNoQuantity)
		return item
	}

	rest := make([]string, 0, len(tokens))
	for i, tok := range tokens {
		if i == qtyIdx || i == unitIdx {
			continue
		}
		rest = append(rest, tok)
	}
	item.Name = strings.TrimSpace(strings.Join(rest, " "))
	item.Quantity = util.FloatPtr(quantity)
	item.Unit = util.StringPtr(unit)

	return p.normalizer.Normalize(item)
}

func (p *Parser) ParseList(lines []string) []internal.ParsedItem {
	out := make([]internal.ParsedItem, 0, len(lines))
	for _, line := range lines {
		out = append(out, p.Parse(line))
	}
	return out
}

func (p *Parser) FromInput(in internal.ListItemInput) internal.ParsedItem {
	if in.Quantity == nil {
		item := p.Parse(in.Name)
		if in.Unit != nil && strings.TrimSpace(*in.Unit) != "" {
			item.Notes = appendNote(item.Notes, "Unit given without quantity was ignored.")
		}
		item.Notes = mergeNotes(item.Notes, in.Notes)
		return item
	}

	unit := UnitCount
	if in.Unit != nil && strings.TrimSpace(*in.Unit) != "" {
		unit = strings.TrimSpace(*in.Unit)
		if def, ok := p.catalog.Lookup(unit); ok {
			unit = def.Token
		}
	}
	name := strings.Join(strings.Fields(in.Name), " ")
	item := internal.ParsedItem{
		OriginalText: name,
		Name:         name,
		Quantity:     util.FloatPtr(*in.Quantity),
		Unit:         util.StringPtr(unit),
		Notes:        mergeNotes(nil, in.Notes),
	}
	return p.normalizer.Normalize(item)
}

func parseNumber(token string) (float64, bool) {
	q, err := strconv.ParseFloat(token, 64)
	if err != nil || math.IsInf(q, 0) || math.IsNaN(q) {
		return 0, false
	}
	return q, true
}

func mergeNotes(notes, extra *string) *string {
	if extra == nil || strings.TrimSpace(*extra) == "" {
		return notes
	}
	return appendNote(notes, strings.TrimSpace(*extra))
}
