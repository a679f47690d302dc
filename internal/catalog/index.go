package catalog

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"

	"savery/internal"
	"savery/internal/util"
)

type Index struct {
	Stores             map[string]internal.Store
	ProductsByID       map[string]internal.StoreProduct
	ByStore            map[string][]internal.StoreProduct
	ByName             map[string][]internal.StoreProduct
	TokenToProductIDs  map[string]map[string]struct{}
	NormalizedNameByID map[string]string
}

func BuildIndex(stores []internal.Store, products []internal.StoreProduct) *Index {
	idx := &Index{
		Stores:             map[string]internal.Store{},
		ProductsByID:       map[string]internal.StoreProduct{},
		ByStore:            map[string][]internal.StoreProduct{},
		ByName:             map[string][]internal.StoreProduct{},
		TokenToProductIDs:  map[string]map[string]struct{}{},
		NormalizedNameByID: map[string]string{},
	}

	for _, s := range stores {
		idx.Stores[s.ID] = s
	}

	for _, p := range products {
		idx.ProductsByID[p.ID] = p
		idx.ByStore[p.StoreID] = append(idx.ByStore[p.StoreID], p)

		normName := util.NormalizeName(p.Name)
		idx.NormalizedNameByID[p.ID] = normName
		idx.ByName[normName] = append(idx.ByName[normName], p)

		for _, token := range util.Tokenize(p.Name) {
			if _, ok := idx.TokenToProductIDs[token]; !ok {
				idx.TokenToProductIDs[token] = map[string]struct{}{}
			}
			idx.TokenToProductIDs[token][p.ID] = struct{}{}
		}
	}

	return idx
}

type Repository interface {
	ListStores(ctx context.Context, ids ...string) ([]internal.Store, error)
	ListStoreProducts(ctx context.Context, storeIDs ...string) ([]internal.StoreProduct, error)
}

type Cache struct {
	repo Repository

	mu  sync.RWMutex
	idx *Index
}

func NewCache(repo Repository) *Cache {
	return &Cache{repo: repo}
}

func (c *Cache) Index(ctx context.Context) (*Index, error) {
	c.mu.RLock()
	idx := c.idx
	c.mu.RUnlock()
	if idx != nil {
		return idx, nil
	}
	return c.Reload(ctx)
}

func (c *Cache) Reload(ctx context.Context) (*Index, error) {
	stores, err := c.repo.ListStores(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "catalog: load stores")
	}
	products, err := c.repo.ListStoreProducts(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "catalog: load products")
	}

	idx := BuildIndex(stores, products)
	c.mu.Lock()
	c.idx = idx
	c.mu.Unlock()
	return idx, nil
}
