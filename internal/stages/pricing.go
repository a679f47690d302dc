package stages

import (
	"context"
	"math"
	"sort"

	"savery/internal"
	"savery/internal/parsing"
	"savery/internal/util"
)

const (
	defaultBulkRatio = 3.0
	packageEpsilon   = 1e-9
)

type PriceSource interface {
	LatestPrices(ctx context.Context, productIDs ...string) (map[string]internal.PriceEntry, error)
}

type Pricer struct {
	prices    PriceSource
	bulkRatio float64
}

func NewPricer(prices PriceSource, bulkRatio float64) *Pricer {
	if bulkRatio < 1 {
		bulkRatio = defaultBulkRatio
	}
	return &Pricer{prices: prices, bulkRatio: bulkRatio}
}

func (p *Pricer) Run(ctx context.Context, in internal.MatchingOutput) (internal.PricingOutput, error) {
	ids := make([]string, 0)
	seen := map[string]struct{}{}
	for _, m := range in.MatchedItems {
		for _, c := range m.Candidates {
			if _, ok := seen[c.ProductID]; ok {
				continue
			}
			seen[c.ProductID] = struct{}{}
			ids = append(ids, c.ProductID)
		}
	}

	prices, err := p.prices.LatestPrices(ctx, ids...)
	if err != nil {
		return internal.PricingOutput{}, err
	}

	out := internal.PricingOutput{Plan: in.Plan, PricedItems: make([]internal.PricedItem, 0, len(in.MatchedItems))}
	for _, m := range in.MatchedItems {
		priced := internal.PricedItem{Item: m.Item, Offers: []internal.PriceOffer{}}
		for _, c := range m.Candidates {
			entry, ok := prices[c.ProductID]
			if !ok {
				continue
			}
			offer := priceOffer(m.Item, c, entry)
			if !in.Plan.Preferences.AllowBulk && p.isBulk(m.Item, c, offer.Packages) {
				continue
			}
			priced.Offers = append(priced.Offers, offer)
		}
		sort.SliceStable(priced.Offers, func(i, j int) bool {
			a, b := priced.Offers[i], priced.Offers[j]
			if a.LineCost != b.LineCost {
				return a.LineCost < b.LineCost
			}
			return a.Score > b.Score
		})
		out.PricedItems = append(out.PricedItems, priced)
	}
	return out, nil
}

func priceOffer(item internal.ParsedItem, c internal.ProductCandidate, entry internal.PriceEntry) internal.PriceOffer {
	packages := packagesNeeded(item, c)
	offer := internal.PriceOffer{
		StoreID:     c.StoreID,
		ProductID:   c.ProductID,
		ProductName: c.ProductName,
		Score:       c.Score,
		Price:       entry.Price,
		Currency:    entry.Currency,
		Packages:    packages,
		LineCost:    round(entry.Price*packages, 2),
	}
	if c.PackageQuantity != nil && *c.PackageQuantity > 0 && c.PackageUnit != nil {
		offer.UnitPrice = util.FloatPtr(round(entry.Price / *c.PackageQuantity, 6))
		offer.UnitPriceUnit = util.StringPtr(*c.PackageUnit)
	}
	return offer
}

// packagesNeeded is the smallest whole number of packages covering the item.
// Quantities in different base units fall back to one package, or to one per
// counted item when the product has no size.
func packagesNeeded(item internal.ParsedItem, c internal.ProductCandidate) float64 {
	if item.NormalizedQuantity == nil || *item.NormalizedQuantity <= 0 || item.NormalizedUnit == nil {
		return 1
	}
	want := *item.NormalizedQuantity

	if sameBase(item, c) {
		return math.Max(1, math.Ceil(want / *c.PackageQuantity - packageEpsilon))
	}
	if *item.NormalizedUnit == parsing.UnitCount && c.PackageQuantity == nil {
		return math.Max(1, math.Ceil(want-packageEpsilon))
	}
	return 1
}

func (p *Pricer) isBulk(item internal.ParsedItem, c internal.ProductCandidate, packages float64) bool {
	if !sameBase(item, c) || item.NormalizedQuantity == nil || *item.NormalizedQuantity <= 0 {
		return false
	}
	bought := packages * *c.PackageQuantity
	return bought > *item.NormalizedQuantity*p.bulkRatio
}

func sameBase(item internal.ParsedItem, c internal.ProductCandidate) bool {
	return item.NormalizedUnit != nil &&
		c.PackageUnit != nil &&
		c.PackageQuantity != nil &&
		*c.PackageQuantity > 0 &&
		*item.NormalizedUnit == *c.PackageUnit
}

func round(v float64, places int) float64 {
	pow := math.Pow(10, float64(places))
	return math.Round(v*pow) / pow
}
