package util

import (
	"regexp"
	"strings"

	"github.com/kljensen/snowball"
)

const stemLanguage = "english"

var (
	reQuotes     = regexp.MustCompile(`["'` + "`" + `’]`)
	reNonAllowed = regexp.MustCompile(`[^a-z0-9%\s.]`)
	reSpaces     = regexp.MustCompile(`\s+`)
)

var nameStopwords = map[string]struct{}{
	"of": {}, "the": {}, "a": {}, "an": {}, "and": {}, "fresh": {},
}

func NormalizeName(input string) string {
	s := strings.ToLower(input)
	s = strings.NewReplacer("&", " and ", "-", " ", "/", " ", "_", " ").Replace(s)
	s = reQuotes.ReplaceAllString(s, "")
	s = reNonAllowed.ReplaceAllString(s, " ")
	s = reSpaces.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// Tokenize splits a name into Snowball stems, dropping stopwords and single
// characters. List items and catalog products must go through the same call.
func Tokenize(input string) []string {
	norm := NormalizeName(input)
	parts := strings.Split(norm, " ")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if len([]rune(p)) < 2 {
			continue
		}
		if _, stop := nameStopwords[p]; stop {
			continue
		}
		out = append(out, stem(p))
	}
	return out
}

func stem(token string) string {
	stemmed, err := snowball.Stem(token, stemLanguage, true)
	if err != nil || stemmed == "" {
		return token
	}
	return stemmed
}

func DiceCoefficient(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}

	pairs := func(s string) []string {
		r := []rune(s)
		if len(r) < 2 {
			return nil
		}
		out := make([]string, 0, len(r)-1)
		for i := 0; i < len(r)-1; i++ {
			out = append(out, string(r[i:i+2]))
		}
		return out
	}

	aPairs := pairs(a)
	bPairs := pairs(b)
	if len(aPairs) == 0 || len(bPairs) == 0 {
		return 0
	}

	bCount := map[string]int{}
	for _, p := range bPairs {
		bCount[p]++
	}
	inter := 0
	for _, p := range aPairs {
		if bCount[p] > 0 {
			inter++
			bCount[p]--
		}
	}

	return float64(2*inter) / float64(len(aPairs)+len(bPairs))
}
