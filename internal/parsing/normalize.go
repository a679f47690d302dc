package parsing

import (
	"math"

	"github.com/rotisserie/eris"

	"savery/internal"
	"savery/internal/util"
)

type Normalizer struct {
	catalog *Catalog
}

func NewNormalizer(catalog *Catalog) *Normalizer {
	return &Normalizer{catalog: catalog}
}

// Normalize returns a copy of item with the normalized fields filled in. It
// never fails: unknown units pass through and conversion problems are recorded
// in Notes with the original quantity and unit kept.
func (n *Normalizer) Normalize(item internal.ParsedItem) internal.ParsedItem {
	if item.Quantity == nil || item.Unit == nil {
		return item
	}

	def, ok := n.catalog.Lookup(*item.Unit)
	base := def.Category.BaseUnit()
	if !ok || base == "" {
		return passThrough(item)
	}

	converted, err := convert(*item.Quantity, def)
	if err != nil {
		out := passThrough(item)
		out.Notes = appendNote(item.Notes, "Conversion error: "+err.Error())
		return out
	}

	item.NormalizedQuantity = util.FloatPtr(converted)
	item.NormalizedUnit = util.StringPtr(base)
	return item
}

func convert(quantity float64, def UnitDefinition) (float64, error) {
	if !validFactor(def.FactorToBase) {
		return 0, eris.Errorf("unit %s has no usable conversion factor", def.Token)
	}
	out := quantity * def.FactorToBase
	if math.IsInf(out, 0) || math.IsNaN(out) {
		return 0, eris.Errorf("%g %s is out of range when converted to %s", quantity, def.Token, def.Category.BaseUnit())
	}
	return out, nil
}

func passThrough(item internal.ParsedItem) internal.ParsedItem {
	item.NormalizedQuantity = util.FloatPtr(*item.Quantity)
	item.NormalizedUnit = util.StringPtr(*item.Unit)
	return item
}

func appendNote(notes *string, note string) *string {
	if notes == nil || *notes == "" {
		return util.StringPtr(note)
	}
	return util.StringPtr(*notes + " " + note)
}
