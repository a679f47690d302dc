package stages

import (
	"context"
	"math"
	"sort"

	"github.com/rotisserie/eris"

	"savery/internal"
	"savery/internal/util"
)

const (
	earthRadiusKM     = 6371.0
	averageSpeedKMH   = 40.0
	defaultCurrency   = "USD"
	purchasedUnitName = "package"
)

type StoreSource interface {
	ListStores(ctx context.Context, ids ...string) ([]internal.Store, error)
}

type Optimizer struct {
	stores StoreSource
}

func NewOptimizer(stores StoreSource) *Optimizer {
	return &Optimizer{stores: stores}
}

type choice struct {
	item  internal.ParsedItem
	offer internal.PriceOffer
	offers []internal.PriceOffer
}

func (o *Optimizer) Run(ctx context.Context, in internal.PricingOutput) (internal.OptimizationOutput, error) {
	storeIDs := offeredStores(in.PricedItems)
	stores, err := o.lookupStores(ctx, storeIDs)
	if err != nil {
		return internal.OptimizationOutput{}, err
	}

	prefs := in.Plan.Preferences
	distances := distancesFrom(in.Plan.Origin, stores)

	out := internal.OptimizationOutput{Stores: []internal.StoreAssignment{}, Currency: defaultCurrency}
	var choices []*choice
	for _, priced := range in.PricedItems {
		if len(priced.Offers) == 0 {
			out.Unassigned = append(out.Unassigned, priced.Item)
			continue
		}
		ranked := rankOffers(priced.Offers, prefs.CostPriority, distances)
		choices = append(choices, &choice{item: priced.Item, offer: ranked[0], offers: ranked})
	}

	if prefs.MaxStores != nil && *prefs.MaxStores > 0 {
		out.Unassigned = append(out.Unassigned, limitStores(choices, *prefs.MaxStores)...)
		kept := choices[:0]
		for _, c := range choices {
			if c.offer.ProductID != "" {
				kept = append(kept, c)
			}
		}
		choices = kept
	}

	if len(choices) == 0 {
		return out, nil
	}

	currency := choices[0].offer.Currency
	for _, c := range choices {
		if c.offer.Currency != currency {
			return internal.OptimizationOutput{}, eris.Errorf("mixed currencies in plan: %s and %s", currency, c.offer.Currency)
		}
	}
	out.Currency = currency

	byStore := map[string]*internal.StoreAssignment{}
	for _, c := range choices {
		a, ok := byStore[c.offer.StoreID]
		if !ok {
			store := stores[c.offer.StoreID]
			a = &internal.StoreAssignment{StoreID: store.ID, StoreName: store.Name, Items: []internal.PurchasedItem{}}
			byStore[c.offer.StoreID] = a
		}
		a.Items = append(a.Items, internal.PurchasedItem{
			ListItem:    c.item,
			ProductID:   util.StringPtr(c.offer.ProductID),
			ProductName: util.StringPtr(c.offer.ProductName),
			Price:       util.FloatPtr(c.offer.LineCost),
			Currency:    c.offer.Currency,
			Quantity:    util.FloatPtr(c.offer.Packages),
			Unit:        util.StringPtr(purchasedUnitName),
		})
		a.Subtotal = round(a.Subtotal+c.offer.LineCost, 2)
	}

	route, total := orderRoute(in.Plan.Origin, stores, byStore)
	var cost float64
	for i := range route {
		route[i].Sequence = i + 1
		cost += route[i].Subtotal
	}
	out.Stores = route
	out.TotalCost = util.FloatPtr(round(cost, 2))
	out.TotalDistanceKM = total
	return out, nil
}

func (o *Optimizer) lookupStores(ctx context.Context, ids []string) (map[string]internal.Store, error) {
	out := make(map[string]internal.Store, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	found, err := o.stores.ListStores(ctx, ids...)
	if err != nil {
		return nil, err
	}
	for _, s := range found {
		out[s.ID] = s
	}
	for _, id := range ids {
		if _, ok := out[id]; !ok {
			out[id] = internal.Store{ID: id, Name: id}
		}
	}
	return out, nil
}

func offeredStores(items []internal.PricedItem) []string {
	seen := map[string]struct{}{}
	var ids []string
	for _, it := range items {
		for _, offer := range it.Offers {
			if _, ok := seen[offer.StoreID]; ok {
				continue
			}
			seen[offer.StoreID] = struct{}{}
			ids = append(ids, offer.StoreID)
		}
	}
	sort.Strings(ids)
	return ids
}

func distancesFrom(origin *internal.Coordinates, stores map[string]internal.Store) map[string]float64 {
	out := map[string]float64{}
	if origin == nil {
		return out
	}
	for id, s := range stores {
		if p, ok := coordinates(s); ok {
			out[id] = haversineKM(*origin, p)
		}
	}
	return out
}

// rankOffers orders offers by a weighted score: costPriority times the cost
// relative to the cheapest offer, plus the remainder times the distance
// relative to the farthest store. Unknown distances count as the farthest.
func rankOffers(offers []internal.PriceOffer, costPriority float64, distances map[string]float64) []internal.PriceOffer {
	minCost := math.Inf(1)
	maxDist := 0.0
	for _, o := range offers {
		minCost = math.Min(minCost, o.LineCost)
		if d, ok := distances[o.StoreID]; ok {
			maxDist = math.Max(maxDist, d)
		}
	}

	score := func(o internal.PriceOffer) float64 {
		costTerm := 1.0
		if minCost > 0 {
			costTerm = o.LineCost / minCost
		} else if o.LineCost > 0 {
			costTerm = 2
		}
		distTerm := 0.0
		if maxDist > 0 {
			d, ok := distances[o.StoreID]
			if !ok {
				d = maxDist
			}
			distTerm = d / maxDist
		}
		return costPriority*costTerm + (1-costPriority)*distTerm
	}

	ranked := append([]internal.PriceOffer(nil), offers...)
	sort.SliceStable(ranked, func(i, j int) bool {
		si, sj := score(ranked[i]), score(ranked[j])
		if si != sj {
			return si < sj
		}
		if ranked[i].LineCost != ranked[j].LineCost {
			return ranked[i].LineCost < ranked[j].LineCost
		}
		return ranked[i].StoreID < ranked[j].StoreID
	})
	return ranked
}

// limitStores drops the store serving the fewest items until at most limit
// remain, moving those items to their next best offer among the kept stores.
// Items left without an offer are cleared and returned.
func limitStores(choices []*choice, limit int) []internal.ParsedItem {
	allowed := map[string]bool{}
	for _, c := range choices {
		allowed[c.offer.StoreID] = true
	}

	for len(allowed) > limit {
		counts := map[string]int{}
		for id := range allowed {
			counts[id] = 0
		}
		for _, c := range choices {
			if c.offer.ProductID != "" {
				counts[c.offer.StoreID]++
			}
		}
		drop := ""
		for id, n := range counts {
			if drop == "" || n < counts[drop] || (n == counts[drop] && id > drop) {
				drop = id
			}
		}
		delete(allowed, drop)

		for _, c := range choices {
			if c.offer.ProductID == "" || allowed[c.offer.StoreID] {
				continue
			}
			c.offer = internal.PriceOffer{}
			for _, alt := range c.offers {
				if allowed[alt.StoreID] {
					c.offer = alt
					break
				}
			}
		}
	}

	var dropped []internal.ParsedItem
	for _, c := range choices {
		if c.offer.ProductID == "" {
			dropped = append(dropped, c.item)
		}
	}
	return dropped
}

func orderRoute(origin *internal.Coordinates, stores map[string]internal.Store, byStore map[string]*internal.StoreAssignment) ([]internal.StoreAssignment, *float64) {
	var located, unlocated []string
	for id := range byStore {
		if _, ok := coordinates(stores[id]); ok {
			located = append(located, id)
		} else {
			unlocated = append(unlocated, id)
		}
	}
	byName := func(ids []string) {
		sort.Slice(ids, func(i, j int) bool {
			a, b := byStore[ids[i]], byStore[ids[j]]
			if a.StoreName != b.StoreName {
				return a.StoreName < b.StoreName
			}
			return a.StoreID < b.StoreID
		})
	}
	byName(located)
	byName(unlocated)

	route := make([]internal.StoreAssignment, 0, len(byStore))
	var (
		total    float64
		measured bool
		current  *internal.Coordinates
	)
	if origin != nil {
		current = origin
	}

	for len(located) > 0 {
		next := 0
		if current != nil {
			best := math.Inf(1)
			for i, id := range located {
				p, _ := coordinates(stores[id])
				if d := haversineKM(*current, p); d < best {
					best, next = d, i
				}
			}
		}
		id := located[next]
		located = append(located[:next], located[next+1:]...)

		a := *byStore[id]
		p, _ := coordinates(stores[id])
		if current != nil {
			leg := round(haversineKM(*current, p), 3)
			a.DistanceKM = util.FloatPtr(leg)
			a.EstimatedDurationMinutes = util.FloatPtr(round(leg/averageSpeedKMH*60, 1))
			total += leg
			measured = true
		}
		current = &p
		route = append(route, a)
	}
	for _, id := range unlocated {
		route = append(route, *byStore[id])
	}

	if !measured {
		return route, nil
	}
	return route, util.FloatPtr(round(total, 3))
}

func coordinates(s internal.Store) (internal.Coordinates, bool) {
	if s.Latitude == nil || s.Longitude == nil {
		return internal.Coordinates{}, false
	}
	return internal.Coordinates{Latitude: *s.Latitude, Longitude: *s.Longitude}, true
}

func haversineKM(a, b internal.Coordinates) float64 {
	lat1, lat2 := a.Latitude*math.Pi/180, b.Latitude*math.Pi/180
	dLat := lat2 - lat1
	dLng := (b.Longitude - a.Longitude) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKM * math.Asin(math.Sqrt(h))
}
