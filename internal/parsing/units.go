package parsing

import (
	"math"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"
	"gopkg.in/yaml.v3"
)

type Category string

const (
	CategoryMass   Category = "mass"
	CategoryVolume Category = "volume"
	CategoryCount  Category = "count"
	// CategoryPortion units are recognized while parsing but never converted.
	CategoryPortion Category = "portion"
)

const (
	UnitGram       = "g"
	UnitMilliliter = "ml"
	UnitCount      = "count"
)

func (c Category) BaseUnit() string {
	switch c {
	case CategoryMass:
		return UnitGram
	case CategoryVolume:
		return UnitMilliliter
	case CategoryCount:
		return UnitCount
	default:
		return ""
	}
}

func (c Category) valid() bool {
	switch c {
	case CategoryMass, CategoryVolume, CategoryCount, CategoryPortion:
		return true
	default:
		return false
	}
}

type UnitDefinition struct {
	Token        string   `yaml:"token"`
	Aliases      []string `yaml:"aliases"`
	Category     Category `yaml:"category"`
	FactorToBase float64  `yaml:"factor"`
}

type Catalog struct {
	byToken map[string]UnitDefinition
	tokens  []string
}

func DefaultDefinitions() []UnitDefinition {
	return []UnitDefinition{
		{Token: "g", Aliases: []string{"gram", "grams"}, Category: CategoryMass, FactorToBase: 1},
		{Token: "kg", Aliases: []string{"kilogram", "kilograms"}, Category: CategoryMass, FactorToBase: 1000},
		{Token: "lb", Aliases: []string{"lbs", "pound", "pounds"}, Category: CategoryMass, FactorToBase: 453.59237},
		{Token: "oz", Aliases: []string{"ounce", "ounces"}, Category: CategoryMass, FactorToBase: 28.349523125},

		{Token: "ml", Aliases: []string{"milliliter", "milliliters"}, Category: CategoryVolume, FactorToBase: 1},
		{Token: "l", Aliases: []string{"liter", "liters"}, Category: CategoryVolume, FactorToBase: 1000},
		{Token: "fl_oz", Aliases: []string{"fluid_ounce", "fluid_ounces"}, Category: CategoryVolume, FactorToBase: 29.5735295625},
		{Token: "cup", Aliases: []string{"cups"}, Category: CategoryVolume, FactorToBase: 236.5882365},
		{Token: "tbsp", Aliases: []string{"tablespoon", "tablespoons"}, Category: CategoryVolume, FactorToBase: 14.78676478125},
		{Token: "tsp", Aliases: []string{"teaspoon", "teaspoons"}, Category: CategoryVolume, FactorToBase: 4.92892159375},
		{Token: "pint", Aliases: []string{"pints"}, Category: CategoryVolume, FactorToBase: 473.176473},
		{Token: "quart", Aliases: []string{"quarts"}, Category: CategoryVolume, FactorToBase: 946.352946},
		{Token: "gallon", Aliases: []string{"gallons"}, Category: CategoryVolume, FactorToBase: 3785.411784},

		{Token: "count", Category: CategoryCount, FactorToBase: 1},
		{Token: "bunch", Aliases: []string{"bunches"}, Category: CategoryCount, FactorToBase: 1},
		{Token: "head", Aliases: []string{"heads"}, Category: CategoryCount, FactorToBase: 1},
		{Token: "package", Aliases: []string{"packages", "pkg", "pkgs"}, Category: CategoryCount, FactorToBase: 1},
		{Token: "bag", Aliases: []string{"bags"}, Category: CategoryCount, FactorToBase: 1},
		{Token: "box", Aliases: []string{"boxes"}, Category: CategoryCount, FactorToBase: 1},
		{Token: "can", Aliases: []string{"cans"}, Category: CategoryCount, FactorToBase: 1},
		{Token: "jar", Aliases: []string{"jars"}, Category: CategoryCount, FactorToBase: 1},
		{Token: "bottle", Aliases: []string{"bottles"}, Category: CategoryCount, FactorToBase: 1},
		{Token: "loaf", Aliases: []string{"loaves"}, Category: CategoryCount, FactorToBase: 1},
		{Token: "dozen", Aliases: []string{"dozens"}, Category: CategoryCount, FactorToBase: 12},

		{Token: "clove", Aliases: []string{"cloves"}, Category: CategoryPortion},
		{Token: "slice", Aliases: []string{"slices"}, Category: CategoryPortion},
		{Token: "piece", Aliases: []string{"pieces"}, Category: CategoryPortion},
		{Token: "stick", Aliases: []string{"sticks"}, Category: CategoryPortion},
	}
}

func DefaultCatalog() *Catalog {
	c, err := NewCatalog(DefaultDefinitions()...)
	if err != nil {
		panic(err)
	}
	return c
}

// NewCatalog builds a catalog. A later definition with an existing token
// replaces the earlier one; an alias claimed by two different tokens is an error.
func NewCatalog(defs ...UnitDefinition) (*Catalog, error) {
	byCanonical := map[string]UnitDefinition{}
	order := []string{}
	for _, def := range defs {
		def.Token = fold(def.Token)
		if def.Token == "" {
			return nil, eris.New("units: definition with empty token")
		}
		if !def.Category.valid() {
			return nil, eris.Errorf("units: %s has unknown category %q", def.Token, def.Category)
		}
		if def.Category != CategoryPortion && !validFactor(def.FactorToBase) {
			return nil, eris.Errorf("units: %s has invalid factor %v", def.Token, def.FactorToBase)
		}
		aliases := make([]string, 0, len(def.Aliases))
		for _, a := range def.Aliases {
			if a = fold(a); a != "" && a != def.Token {
				aliases = append(aliases, a)
			}
		}
		def.Aliases = aliases
		if _, seen := byCanonical[def.Token]; !seen {
			order = append(order, def.Token)
		}
		byCanonical[def.Token] = def
	}

	c := &Catalog{byToken: map[string]UnitDefinition{}, tokens: order}
	for _, token := range order {
		def := byCanonical[token]
		for _, key := range append([]string{def.Token}, def.Aliases...) {
			if existing, ok := c.byToken[key]; ok && existing.Token != def.Token {
				return nil, eris.Errorf("units: %q is claimed by both %s and %s", key, existing.Token, def.Token)
			}
			c.byToken[key] = def
		}
	}
	return c, nil
}

func (c *Catalog) Lookup(token string) (UnitDefinition, bool) {
	def, ok := c.byToken[fold(token)]
	return def, ok
}

func (c *Catalog) IsUnit(token string) bool {
	_, ok := c.Lookup(token)
	return ok
}

func (c *Catalog) Definitions() []UnitDefinition {
	out := make([]UnitDefinition, 0, len(c.tokens))
	for _, t := range c.tokens {
		out = append(out, c.byToken[t])
	}
	return out
}

type unitFile struct {
	Units []UnitDefinition `yaml:"units"`
}

// LoadUnitFile reads extra unit definitions from a YAML file of the form
//
//	units:
//	  - token: stone
//	    aliases: [stones, st]
//	    category: mass
//	    factor: 6350.29318
func LoadUnitFile(path string) ([]UnitDefinition, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "units: read %s", path)
	}
	var f unitFile
	if err := yaml.Unmarshal(blob, &f); err != nil {
		return nil, eris.Wrapf(err, "units: parse %s", path)
	}
	return f.Units, nil
}

func LoadCatalog(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultCatalog(), nil
	}
	extra, err := LoadUnitFile(path)
	if err != nil {
		return nil, err
	}
	return NewCatalog(append(DefaultDefinitions(), extra...)...)
}

func fold(token string) string {
	return cases.Fold().String(strings.TrimSpace(token))
}

func validFactor(f float64) bool {
	return f > 0 && !math.IsInf(f, 0) && !math.IsNaN(f)
}
