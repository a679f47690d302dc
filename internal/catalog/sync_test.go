package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"savery/internal"
	"savery/internal/parsing"
	"savery/internal/storage"
	"savery/internal/util"
)

const testFixture = `
stores:
  - id: kroger-demo
    name: Kroger Demo Store
    address: 123 Demo Ave, Albany, NY
    latitude: 42.6526
    longitude: -73.7562
    products:
      - {id: milk, name: Whole Milk, size: 1 gallon, price: 3.79}
      - {id: beans, name: Black Beans, size: 15 oz, price: 0.99}
      - {id: bag, name: Reusable Bag}
  - id: walmart-demo
    name: Walmart Demo Supercenter
    products:
      - {id: milk, name: Whole Milk, size: 64 fl_oz, price: 2.18, currency: usd}
`

func writeFixture(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func newTestDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "savery.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSyncFromFixture(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	fixture, err := LoadFixture(writeFixture(t, testFixture))
	require.NoError(t, err)

	svc := NewSyncService(db, fixture, parsing.NewParser(parsing.DefaultCatalog()))
	res, err := svc.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, SyncResult{Stores: 2, Products: 4, Prices: 3}, res)

	last, err := svc.LastSync(ctx)
	require.NoError(t, err)
	assert.NotNil(t, last)

	products, err := db.ListStoreProducts(ctx, "kroger-demo")
	require.NoError(t, err)
	require.Len(t, products, 3)
	byID := map[string]internal.StoreProduct{}
	for _, p := range products {
		byID[p.ID] = p
	}
	beans := byID["kroger-demo:beans"]
	require.NotNil(t, beans.NormalizedQuantity)
	assert.Equal(t, "oz", *beans.PackageUnit)
	assert.Equal(t, "g", *beans.NormalizedUnit)
	assert.InDelta(t, 425.24, *beans.NormalizedQuantity, 0.01)
	assert.Nil(t, byID["kroger-demo:bag"].PackageQuantity)

	prices, err := db.LatestPrices(ctx, "walmart-demo:milk")
	require.NoError(t, err)
	assert.Equal(t, "USD", prices["walmart-demo:milk"].Currency)
	assert.Equal(t, "fixture:catalog.yaml", prices["walmart-demo:milk"].Source)
}

func TestCacheReload(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	fixture, err := LoadFixture(writeFixture(t, testFixture))
	require.NoError(t, err)

	cache := NewCache(db)
	idx, err := cache.Index(ctx)
	require.NoError(t, err)
	assert.Empty(t, idx.ProductsByID)

	refresher := NewRefresher(NewSyncService(db, fixture, parsing.NewParser(parsing.DefaultCatalog())), cache, 0)
	require.NoError(t, refresher.RunOnce(ctx))

	idx, err = cache.Index(ctx)
	require.NoError(t, err)
	assert.Len(t, idx.Stores, 2)
	assert.Len(t, idx.ByStore["kroger-demo"], 3)
	assert.Len(t, idx.ByName["whole milk"], 2)
	assert.Contains(t, idx.TokenToProductIDs["bean"], "kroger-demo:beans")
}

func TestLoadFixtureRejectsBadStores(t *testing.T) {
	_, err := LoadFixture(writeFixture(t, "stores:\n  - {id: a, name: A}\n  - {id: a, name: B}\n"))
	require.Error(t, err)

	_, err = LoadFixture(writeFixture(t, "stores:\n  - {id: '', name: A}\n"))
	require.Error(t, err)

	_, err = LoadFixture(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestFixtureUnknownStore(t *testing.T) {
	fixture, err := LoadFixture(writeFixture(t, testFixture))
	require.NoError(t, err)
	_, err = fixture.ListProducts(context.Background(), "nope")
	require.Error(t, err)
}

func TestDescribePackage(t *testing.T) {
	parser := parsing.NewParser(parsing.DefaultCatalog())

	p := DescribePackage(parser, internal.StoreProduct{ID: "x", SizeText: util.StringPtr("2 lb")})
	require.NotNil(t, p.NormalizedQuantity)
	assert.InDelta(t, 907.18474, *p.NormalizedQuantity, 1e-6)

	p = DescribePackage(parser, internal.StoreProduct{ID: "x", SizeText: util.StringPtr("family size")})
	assert.Nil(t, p.PackageQuantity)

	p = DescribePackage(parser, internal.StoreProduct{ID: "x"})
	assert.Nil(t, p.PackageQuantity)
}
