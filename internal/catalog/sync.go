package catalog

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"savery/internal"
	"savery/internal/parsing"
	"savery/internal/storage"
)

const (
	lastSyncKey      = "catalog.last_sync"
	syncConcurrency  = 4
	syncSourceRemote = "remote"
)

type Source interface {
	ListStores(ctx context.Context) ([]internal.Store, error)
	ListProducts(ctx context.Context, storeID string) ([]Listing, error)
}

type SyncResult struct {
	Stores   int
	Products int
	Prices   int
}

type SyncService struct {
	db     *storage.DB
	source Source
	parser *parsing.Parser
	label  string
}

func NewSyncService(db *storage.DB, source Source, parser *parsing.Parser) *SyncService {
	label := syncSourceRemote
	if f, ok := source.(*Fixture); ok {
		label = f.Label()
	}
	return &SyncService{db: db, source: source, parser: parser, label: label}
}

func (s *SyncService) Sync(ctx context.Context) (SyncResult, error) {
	stores, err := s.source.ListStores(ctx)
	if err != nil {
		return SyncResult{}, err
	}
	if err := s.db.UpsertStores(ctx, stores); err != nil {
		return SyncResult{}, err
	}

	var (
		mu       sync.Mutex
		products []internal.StoreProduct
		prices   []internal.PriceEntry
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(syncConcurrency)
	for _, store := range stores {
		g.Go(func() error {
			listings, err := s.source.ListProducts(gctx, store.ID)
			if err != nil {
				return eris.Wrapf(err, "catalog: products of %s", store.ID)
			}
			mu.Lock()
			defer mu.Unlock()
			for _, l := range listings {
				products = append(products, DescribePackage(s.parser, l.Product))
				if l.Price != nil {
					prices = append(prices, *l.Price)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return SyncResult{}, err
	}

	if err := s.db.UpsertStoreProducts(ctx, products); err != nil {
		return SyncResult{}, err
	}
	if err := s.db.InsertPrices(ctx, prices); err != nil {
		return SyncResult{}, err
	}
	if err := s.db.SetMetadata(ctx, lastSyncKey, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return SyncResult{}, err
	}

	res := SyncResult{Stores: len(stores), Products: len(products), Prices: len(prices)}
	zap.L().Info("catalog synced",
		zap.String("source", s.label),
		zap.Int("stores", res.Stores),
		zap.Int("products", res.Products),
		zap.Int("prices", res.Prices),
	)
	return res, nil
}

func (s *SyncService) LastSync(ctx context.Context) (*time.Time, error) {
	raw, err := s.db.GetMetadata(ctx, lastSyncKey)
	if err != nil || raw == nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339, *raw)
	if err != nil {
		return nil, eris.Wrapf(err, "catalog: parse %s", lastSyncKey)
	}
	return &t, nil
}

// DescribePackage fills the package and normalized size of p from its size
// text, e.g. "16 oz" becomes 16 oz and 453.59 g. Products whose size carries no
// quantity are returned unchanged.
func DescribePackage(parser *parsing.Parser, p internal.StoreProduct) internal.StoreProduct {
	if p.SizeText == nil || parser == nil {
		return p
	}
	item := parser.Parse(*p.SizeText)
	if item.Quantity == nil || *item.Quantity <= 0 {
		return p
	}
	p.PackageQuantity = item.Quantity
	p.PackageUnit = item.Unit
	p.NormalizedQuantity = item.NormalizedQuantity
	p.NormalizedUnit = item.NormalizedUnit
	return p
}
