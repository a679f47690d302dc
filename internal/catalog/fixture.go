package catalog

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"savery/internal"
	"savery/internal/util"
)

type Fixture struct {
	Stores []FixtureStore `yaml:"stores"`

	path string
}

type FixtureStore struct {
	ID        string           `yaml:"id"`
	Name      string           `yaml:"name"`
	Address   string           `yaml:"address"`
	Latitude  *float64         `yaml:"latitude"`
	Longitude *float64         `yaml:"longitude"`
	Products  []FixtureProduct `yaml:"products"`
}

type FixtureProduct struct {
	ID       string   `yaml:"id"`
	Name     string   `yaml:"name"`
	Brand    string   `yaml:"brand"`
	Size     string   `yaml:"size"`
	Price    *float64 `yaml:"price"`
	Currency string   `yaml:"currency"`
}

func LoadFixture(path string) (*Fixture, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "catalog: read fixture %s", path)
	}
	var f Fixture
	if err := yaml.Unmarshal(blob, &f); err != nil {
		return nil, eris.Wrapf(err, "catalog: decode fixture %s", path)
	}

	seen := map[string]struct{}{}
	for _, s := range f.Stores {
		if strings.TrimSpace(s.ID) == "" || strings.TrimSpace(s.Name) == "" {
			return nil, eris.Errorf("catalog: fixture store without id or name in %s", path)
		}
		if _, dup := seen[s.ID]; dup {
			return nil, eris.Errorf("catalog: duplicate fixture store %q", s.ID)
		}
		seen[s.ID] = struct{}{}
	}
	f.path = path
	return &f, nil
}

func (f *Fixture) Label() string {
	if f.path == "" {
		return "fixture"
	}
	return "fixture:" + filepath.Base(f.path)
}

func (f *Fixture) ListStores(context.Context) ([]internal.Store, error) {
	out := make([]internal.Store, 0, len(f.Stores))
	for _, s := range f.Stores {
		out = append(out, s.store())
	}
	return out, nil
}

func (f *Fixture) ListProducts(_ context.Context, storeID string) ([]Listing, error) {
	fetchedAt := time.Now().UTC()
	for _, s := range f.Stores {
		if s.ID != storeID {
			continue
		}
		out := make([]Listing, 0, len(s.Products))
		for _, p := range s.Products {
			if strings.TrimSpace(p.ID) == "" || strings.TrimSpace(p.Name) == "" {
				continue
			}
			product := internal.StoreProduct{
				ID:       storeID + ":" + p.ID,
				StoreID:  storeID,
				Name:     strings.TrimSpace(p.Name),
				Brand:    optional(p.Brand),
				SizeText: optional(p.Size),
			}
			listing := Listing{Product: product}
			if p.Price != nil && *p.Price >= 0 {
				currency := strings.ToUpper(strings.TrimSpace(p.Currency))
				if currency == "" {
					currency = "USD"
				}
				listing.Price = &internal.PriceEntry{
					StoreProductID: product.ID,
					Price:          *p.Price,
					Currency:       currency,
					Source:         f.Label(),
					FetchedAt:      fetchedAt,
				}
			}
			out = append(out, listing)
		}
		return out, nil
	}
	return nil, eris.Errorf("catalog: unknown fixture store %q", storeID)
}

func (s FixtureStore) store() internal.Store {
	return internal.Store{
		ID:        s.ID,
		Name:      s.Name,
		Address:   optional(s.Address),
		Latitude:  s.Latitude,
		Longitude: s.Longitude,
	}
}

// DemoStores is served by the store listing while the catalog is empty.
func DemoStores() []internal.Store {
	return []internal.Store{
		{
			ID:        "kroger-demo",
			Name:      "Kroger Demo Store",
			Address:   util.StringPtr("123 Demo Ave, Albany, NY"),
			Latitude:  util.FloatPtr(42.6526),
			Longitude: util.FloatPtr(-73.7562),
		},
		{
			ID:        "walmart-demo",
			Name:      "Walmart Demo Supercenter",
			Address:   util.StringPtr("456 Sample Rd, Albany, NY"),
			Latitude:  util.FloatPtr(42.6895),
			Longitude: util.FloatPtr(-73.8503),
		},
	}
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
