package stages

import (
	"context"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"savery/internal"
	"savery/internal/catalog"
	"savery/internal/parsing"
	"savery/internal/util"
)

type staticIndex struct{ idx *catalog.Index }

func (s staticIndex) Index(context.Context) (*catalog.Index, error) { return s.idx, nil }

type priceMap map[string]internal.PriceEntry

func (p priceMap) LatestPrices(_ context.Context, ids ...string) (map[string]internal.PriceEntry, error) {
	out := map[string]internal.PriceEntry{}
	for _, id := range ids {
		if e, ok := p[id]; ok {
			out[id] = e
		}
	}
	return out, nil
}

type storeList []internal.Store

func (s storeList) ListStores(_ context.Context, ids ...string) ([]internal.Store, error) {
	want := map[string]bool{}
	for _, id := range ids {
		want[id] = true
	}
	var out []internal.Store
	for _, st := range s {
		if want[st.ID] {
			out = append(out, st)
		}
	}
	return out, nil
}

var testStores = storeList{
	{ID: "kroger-demo", Name: "Kroger Demo Store", Latitude: util.FloatPtr(42.6526), Longitude: util.FloatPtr(-73.7562)},
	{ID: "walmart-demo", Name: "Walmart Demo Supercenter", Latitude: util.FloatPtr(42.6895), Longitude: util.FloatPtr(-73.8503)},
}

func product(parser *parsing.Parser, storeID, id, name, size string) internal.StoreProduct {
	p := internal.StoreProduct{ID: storeID + ":" + id, StoreID: storeID, Name: name}
	if size != "" {
		p.SizeText = util.StringPtr(size)
	}
	return catalog.DescribePackage(parser, p)
}

func testIndex(parser *parsing.Parser) *catalog.Index {
	return catalog.BuildIndex(testStores, []internal.StoreProduct{
		product(parser, "kroger-demo", "chicken", "Boneless Chicken Breast", "1 lb"),
		product(parser, "kroger-demo", "milk", "Whole Milk", "1 gallon"),
		product(parser, "kroger-demo", "bananas", "Bananas", ""),
		product(parser, "walmart-demo", "chicken", "Chicken Breast Family Pack", "3 lb"),
		product(parser, "walmart-demo", "milk", "Whole Milk", "64 fl_oz"),
		product(parser, "walmart-demo", "soap", "Dish Soap", "16 fl_oz"),
	})
}

var testPrices = priceMap{
	"kroger-demo:chicken":  {StoreProductID: "kroger-demo:chicken", Price: 4.49, Currency: "USD"},
	"kroger-demo:milk":     {StoreProductID: "kroger-demo:milk", Price: 3.79, Currency: "USD"},
	"kroger-demo:bananas":  {StoreProductID: "kroger-demo:bananas", Price: 0.25, Currency: "USD"},
	"walmart-demo:chicken": {StoreProductID: "walmart-demo:chicken", Price: 10.97, Currency: "USD"},
	"walmart-demo:milk":    {StoreProductID: "walmart-demo:milk", Price: 2.18, Currency: "USD"},
}

func planContext(prefs internal.Preferences, origin *internal.Coordinates) internal.PlanContext {
	return internal.PlanContext{PlanID: "plan-1", Origin: origin, Preferences: prefs}
}

func TestMatcherRanksPerStore(t *testing.T) {
	parser := parsing.NewParser(parsing.DefaultCatalog())
	m := NewMatcher(staticIndex{testIndex(parser)}, 0.35)

	out, err := m.Run(context.Background(), internal.MatchingInput{
		Plan:     planContext(internal.DefaultPreferences(), nil),
		Items:    parser.ParseList([]string{"2 lbs chicken breast", "1 gallon whole milk", "caviar"}),
		StoreIDs: []string{"kroger-demo", "walmart-demo"},
	})
	require.NoError(t, err)
	require.Len(t, out.MatchedItems, 3)
	assert.Equal(t, "plan-1", out.Plan.PlanID)

	chicken := out.MatchedItems[0]
	require.NotEmpty(t, chicken.Candidates)
	stores := map[string]bool{}
	for _, c := range chicken.Candidates {
		stores[c.StoreID] = true
		assert.Contains(t, c.ProductID, "chicken")
	}
	assert.Len(t, stores, 2)

	milk := out.MatchedItems[1]
	require.Len(t, milk.Candidates, 2)
	assert.Equal(t, 1.0, milk.Candidates[0].Score)
	assert.Equal(t, "g", *out.MatchedItems[0].Candidates[0].PackageUnit)

	caviar := out.MatchedItems[2]
	assert.Empty(t, caviar.Candidates)
	require.NotNil(t, caviar.Notes)
	assert.Equal(t, noteNoMatch, *caviar.Notes)
}

func TestMatcherUnknownStores(t *testing.T) {
	parser := parsing.NewParser(parsing.DefaultCatalog())
	m := NewMatcher(staticIndex{testIndex(parser)}, 0)

	_, err := m.Run(context.Background(), internal.MatchingInput{
		Items:    parser.ParseList([]string{"milk"}),
		StoreIDs: []string{"nowhere"},
	})
	require.Error(t, err)

	out, err := m.Run(context.Background(), internal.MatchingInput{
		Items:    parser.ParseList([]string{"whole milk"}),
		StoreIDs: []string{"kroger-demo", "nowhere"},
	})
	require.NoError(t, err)
	require.NotNil(t, out.MatchedItems[0].Notes)
	assert.Contains(t, *out.MatchedItems[0].Notes, "nowhere")
}

func TestPricerPackagesAndBulk(t *testing.T) {
	parser := parsing.NewParser(parsing.DefaultCatalog())
	m := NewMatcher(staticIndex{testIndex(parser)}, 0.35)
	matched, err := m.Run(context.Background(), internal.MatchingInput{
		Plan:     planContext(internal.DefaultPreferences(), nil),
		Items:    parser.ParseList([]string{"2 lbs chicken breast", "3 bananas"}),
		StoreIDs: []string{"kroger-demo", "walmart-demo"},
	})
	require.NoError(t, err)

	priced, err := NewPricer(testPrices, 1.2).Run(context.Background(), matched)
	require.NoError(t, err)
	require.Len(t, priced.PricedItems, 2)

	chicken := priced.PricedItems[0]
	require.Len(t, chicken.Offers, 1, "the 3 lb pack overshoots 2 lb by more than the bulk ratio")
	assert.Equal(t, "kroger-demo:chicken", chicken.Offers[0].ProductID)
	assert.Equal(t, 2.0, chicken.Offers[0].Packages)
	assert.Equal(t, 8.98, chicken.Offers[0].LineCost)
	require.NotNil(t, chicken.Offers[0].UnitPrice)
	assert.Equal(t, "g", *chicken.Offers[0].UnitPriceUnit)

	bananas := priced.PricedItems[1]
	require.Len(t, bananas.Offers, 1)
	assert.Equal(t, 3.0, bananas.Offers[0].Packages)
	assert.Equal(t, 0.75, bananas.Offers[0].LineCost)
	assert.Nil(t, bananas.Offers[0].UnitPrice)

	matched.Plan.Preferences.AllowBulk = true
	priced, err = NewPricer(testPrices, 1.2).Run(context.Background(), matched)
	require.NoError(t, err)
	require.Len(t, priced.PricedItems[0].Offers, 2)
	assert.Equal(t, 8.98, priced.PricedItems[0].Offers[0].LineCost)
	assert.Equal(t, 10.97, priced.PricedItems[0].Offers[1].LineCost)
}

func TestPricerSkipsUnpricedProducts(t *testing.T) {
	in := internal.MatchingOutput{MatchedItems: []internal.MatchedItem{{
		Item:       internal.ParsedItem{Name: "dish soap"},
		Candidates: []internal.ProductCandidate{{StoreID: "walmart-demo", ProductID: "walmart-demo:soap", Score: 1}},
	}}}
	out, err := NewPricer(testPrices, 0).Run(context.Background(), in)
	require.NoError(t, err)
	assert.Empty(t, out.PricedItems[0].Offers)
}

func offer(storeID, productID string, cost float64) internal.PriceOffer {
	return internal.PriceOffer{StoreID: storeID, ProductID: productID, ProductName: productID, Price: cost, Currency: "USD", Packages: 1, LineCost: cost}
}

func TestOptimizerCostPriority(t *testing.T) {
	origin := &internal.Coordinates{Latitude: 42.6526, Longitude: -73.7562}
	items := []internal.PricedItem{
		{Item: internal.ParsedItem{Name: "milk"}, Offers: []internal.PriceOffer{offer("walmart-demo", "w-milk", 2.18), offer("kroger-demo", "k-milk", 3.79)}},
		{Item: internal.ParsedItem{Name: "caviar"}, Offers: []internal.PriceOffer{}},
	}

	cheap, err := NewOptimizer(testStores).Run(context.Background(), internal.PricingOutput{
		Plan:        planContext(internal.Preferences{CostPriority: 1}, origin),
		PricedItems: items,
	})
	require.NoError(t, err)
	require.Len(t, cheap.Stores, 1)
	assert.Equal(t, "walmart-demo", cheap.Stores[0].StoreID)
	assert.Equal(t, 1, cheap.Stores[0].Sequence)
	assert.Equal(t, 2.18, *cheap.TotalCost)
	require.NotNil(t, cheap.TotalDistanceKM)
	assert.InDelta(t, 8.7, *cheap.TotalDistanceKM, 0.5)
	require.Len(t, cheap.Unassigned, 1)
	assert.Equal(t, "caviar", cheap.Unassigned[0].Name)

	near, err := NewOptimizer(testStores).Run(context.Background(), internal.PricingOutput{
		Plan:        planContext(internal.Preferences{CostPriority: 0}, origin),
		PricedItems: items,
	})
	require.NoError(t, err)
	require.Len(t, near.Stores, 1)
	assert.Equal(t, "kroger-demo", near.Stores[0].StoreID)
	assert.Equal(t, 0.0, *near.TotalDistanceKM)
}

func TestOptimizerMaxStores(t *testing.T) {
	items := []internal.PricedItem{
		{Item: internal.ParsedItem{Name: "milk"}, Offers: []internal.PriceOffer{offer("walmart-demo", "w-milk", 2.18), offer("kroger-demo", "k-milk", 3.79)}},
		{Item: internal.ParsedItem{Name: "eggs"}, Offers: []internal.PriceOffer{offer("kroger-demo", "k-eggs", 2.99), offer("walmart-demo", "w-eggs", 3.67)}},
		{Item: internal.ParsedItem{Name: "bread"}, Offers: []internal.PriceOffer{offer("kroger-demo", "k-bread", 1.99)}},
		{Item: internal.ParsedItem{Name: "cilantro"}, Offers: []internal.PriceOffer{offer("walmart-demo", "w-cilantro", 0.68)}},
		{Item: internal.ParsedItem{Name: "salsa"}, Offers: []internal.PriceOffer{offer("kroger-demo", "k-salsa", 2.5)}},
	}

	out, err := NewOptimizer(testStores).Run(context.Background(), internal.PricingOutput{
		Plan:        planContext(internal.Preferences{CostPriority: 1, MaxStores: util.IntPtr(1)}, nil),
		PricedItems: items,
	})
	require.NoError(t, err)
	require.Len(t, out.Stores, 1)
	assert.Equal(t, "kroger-demo", out.Stores[0].StoreID)
	assert.Len(t, out.Stores[0].Items, 4)
	assert.Equal(t, 11.27, out.Stores[0].Subtotal)
	require.Len(t, out.Unassigned, 1)
	assert.Equal(t, "cilantro", out.Unassigned[0].Name)
	assert.Nil(t, out.Stores[0].DistanceKM)
	assert.Nil(t, out.TotalDistanceKM)
}

func TestOptimizerRouteOrder(t *testing.T) {
	origin := &internal.Coordinates{Latitude: 42.70, Longitude: -73.86}
	items := []internal.PricedItem{
		{Item: internal.ParsedItem{Name: "milk"}, Offers: []internal.PriceOffer{offer("kroger-demo", "k-milk", 3.79)}},
		{Item: internal.ParsedItem{Name: "cilantro"}, Offers: []internal.PriceOffer{offer("walmart-demo", "w-cilantro", 0.68)}},
		{Item: internal.ParsedItem{Name: "bread"}, Offers: []internal.PriceOffer{offer("corner-shop", "c-bread", 1.5)}},
	}

	out, err := NewOptimizer(testStores).Run(context.Background(), internal.PricingOutput{
		Plan:        planContext(internal.DefaultPreferences(), origin),
		PricedItems: items,
	})
	require.NoError(t, err)
	require.Len(t, out.Stores, 3)
	assert.Equal(t, []string{"walmart-demo", "kroger-demo", "corner-shop"},
		[]string{out.Stores[0].StoreID, out.Stores[1].StoreID, out.Stores[2].StoreID})
	assert.Equal(t, "corner-shop", out.Stores[2].StoreName)
	assert.Nil(t, out.Stores[2].DistanceKM)
	require.NotNil(t, out.Stores[0].EstimatedDurationMinutes)
	assert.Equal(t, 5.97, *out.TotalCost)
}

func TestOptimizerRejectsMixedCurrencies(t *testing.T) {
	eur := offer("kroger-demo", "k-bread", 1.5)
	eur.Currency = "EUR"
	_, err := NewOptimizer(testStores).Run(context.Background(), internal.PricingOutput{
		PricedItems: []internal.PricedItem{
			{Item: internal.ParsedItem{Name: "milk"}, Offers: []internal.PriceOffer{offer("kroger-demo", "k-milk", 3.79)}},
			{Item: internal.ParsedItem{Name: "bread"}, Offers: []internal.PriceOffer{eur}},
		},
	})
	require.Error(t, err)
}

type failingStores struct{}

func (failingStores) ListStores(context.Context, ...string) ([]internal.Store, error) {
	return nil, eris.New("db down")
}

func TestOptimizerPropagatesStoreErrors(t *testing.T) {
	_, err := NewOptimizer(failingStores{}).Run(context.Background(), internal.PricingOutput{
		PricedItems: []internal.PricedItem{{Item: internal.ParsedItem{Name: "milk"}, Offers: []internal.PriceOffer{offer("kroger-demo", "k-milk", 3.79)}}},
	})
	require.Error(t, err)
}

func TestOptimizerEmptyPlan(t *testing.T) {
	out, err := NewOptimizer(testStores).Run(context.Background(), internal.PricingOutput{})
	require.NoError(t, err)
	assert.Empty(t, out.Stores)
	assert.Nil(t, out.TotalCost)
	assert.Equal(t, "USD", out.Currency)
}
