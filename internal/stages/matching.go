package stages

import (
	"context"
	"sort"
	"strings"

	"github.com/rotisserie/eris"

	"savery/internal"
	"savery/internal/catalog"
	"savery/internal/util"
)

const (
	defaultMinScore    = 0.35
	candidatesPerStore = 3

	noteEmptyName    = "Empty item name."
	noteNoMatch      = "No matching products found."
	noteUnknownStore = "Unknown store: "
)

type IndexSource interface {
	Index(ctx context.Context) (*catalog.Index, error)
}

type Matcher struct {
	indexes  IndexSource
	minScore float64
	perStore int
}

func NewMatcher(indexes IndexSource, minScore float64) *Matcher {
	if minScore <= 0 || minScore > 1 {
		minScore = defaultMinScore
	}
	return &Matcher{indexes: indexes, minScore: minScore, perStore: candidatesPerStore}
}

func (m *Matcher) Run(ctx context.Context, in internal.MatchingInput) (internal.MatchingOutput, error) {
	idx, err := m.indexes.Index(ctx)
	if err != nil {
		return internal.MatchingOutput{}, err
	}

	var known, unknown []string
	for _, id := range in.StoreIDs {
		if len(idx.ByStore[id]) == 0 {
			unknown = append(unknown, id)
			continue
		}
		known = append(known, id)
	}
	if len(known) == 0 {
		return internal.MatchingOutput{}, eris.Errorf("no catalog products for stores %s", strings.Join(in.StoreIDs, ", "))
	}

	out := internal.MatchingOutput{Plan: in.Plan, MatchedItems: make([]internal.MatchedItem, 0, len(in.Items))}
	for _, item := range in.Items {
		if err := ctx.Err(); err != nil {
			return internal.MatchingOutput{}, eris.Wrap(err, "matching interrupted")
		}
		matched := internal.MatchedItem{Item: item, Candidates: []internal.ProductCandidate{}}

		query := util.NormalizeName(item.Name)
		if query == "" {
			matched.Notes = util.StringPtr(noteEmptyName)
			out.MatchedItems = append(out.MatchedItems, matched)
			continue
		}

		for _, storeID := range known {
			matched.Candidates = append(matched.Candidates, m.rankStore(idx, storeID, query)...)
		}
		sort.SliceStable(matched.Candidates, func(i, j int) bool {
			a, b := matched.Candidates[i], matched.Candidates[j]
			if a.Score != b.Score {
				return a.Score > b.Score
			}
			if a.StoreID != b.StoreID {
				return a.StoreID < b.StoreID
			}
			return a.ProductID < b.ProductID
		})

		var notes []string
		if len(matched.Candidates) == 0 {
			notes = append(notes, noteNoMatch)
		}
		for _, id := range unknown {
			notes = append(notes, noteUnknownStore+id)
		}
		if len(notes) > 0 {
			matched.Notes = util.StringPtr(strings.Join(notes, " "))
		}
		out.MatchedItems = append(out.MatchedItems, matched)
	}
	return out, nil
}

// rankStore scores the products of one store against query. An exact name
// match scores 1; everything else is a blend of character bigram and token
// overlap.
func (m *Matcher) rankStore(idx *catalog.Index, storeID, query string) []internal.ProductCandidate {
	queryTokens := util.Tokenize(query)

	out := make([]internal.ProductCandidate, 0)
	for _, product := range idx.ByStore[storeID] {
		name := idx.NormalizedNameByID[product.ID]
		score := 1.0
		if name != query {
			score = scoreName(query, name, queryTokens, util.Tokenize(name))
		}
		if score < m.minScore {
			continue
		}
		out = append(out, internal.ProductCandidate{
			StoreID:         storeID,
			ProductID:       product.ID,
			ProductName:     product.Name,
			Score:           round(score, 4),
			PackageQuantity: product.NormalizedQuantity,
			PackageUnit:     product.NormalizedUnit,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ProductID < out[j].ProductID
	})
	if len(out) > m.perStore {
		out = out[:m.perStore]
	}
	return out
}

func scoreName(query, candidate string, queryTokens, candidateTokens []string) float64 {
	dice := util.DiceCoefficient(query, candidate)
	if len(queryTokens) == 0 || len(candidateTokens) == 0 {
		return dice
	}

	set := map[string]struct{}{}
	for _, t := range candidateTokens {
		set[t] = struct{}{}
	}
	overlap := 0
	for _, t := range queryTokens {
		if _, ok := set[t]; ok {
			overlap++
		}
	}
	tokenScore := float64(overlap) / float64(len(queryTokens))
	return 0.65*dice + 0.35*tokenScore
}
