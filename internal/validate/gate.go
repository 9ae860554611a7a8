// Package validate decides whether a crawled product may answer a query.
// The gate runs only for results produced by structural fallback candidates,
// where the search string no longer equals what the user asked for.
package validate

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nulpointcorp/price-engine/internal/normalize"
)

// ErrRejected is wrapped by every gate rejection.
var ErrRejected = errors.New("result rejected by validation gate")

// MinSimilarity is the floor for the name-similarity score.
const MinSimilarity = 0.30

// Gate checks category compatibility, name similarity, brand equality and
// price sanity between the user's query and a crawled result.
type Gate struct {
	rules *normalize.Rules
}

func NewGate(rules *normalize.Rules) *Gate {
	return &Gate{rules: rules}
}

// Validate returns nil when the crawled product name and price are an
// acceptable answer for the original query.
func (g *Gate) Validate(originalQuery, resultName string, price int64) error {
	if price <= 0 {
		return fmt.Errorf("%w: non-positive price %d", ErrRejected, price)
	}

	qCat := g.rules.DetectCategory(originalQuery)
	rCat := g.rules.DetectCategory(resultName)
	if !categoriesCompatible(qCat, rCat) {
		return fmt.Errorf("%w: category mismatch %s vs %s", ErrRejected, qCat, rCat)
	}

	qBrand := g.rules.DetectBrand(originalQuery)
	rBrand := g.rules.DetectBrand(resultName)
	if qBrand != "" && rBrand != "" && qBrand != rBrand {
		return fmt.Errorf("%w: brand mismatch %s vs %s", ErrRejected, qBrand, rBrand)
	}

	if sim := Similarity(originalQuery, resultName); sim < MinSimilarity {
		return fmt.Errorf("%w: similarity %.2f below %.2f for %q vs %q",
			ErrRejected, sim, MinSimilarity, originalQuery, resultName)
	}

	return nil
}

// categoriesCompatible treats an undetected category as a wildcard; two
// detected categories must agree.
func categoriesCompatible(a, b string) bool {
	if a == normalize.CategoryOther || b == normalize.CategoryOther {
		return true
	}
	return a == b
}

// Similarity scores two product names in [0,1]. It takes the better of a
// token Jaccard and a damped space-free bigram Jaccard, so spacing
// differences ("갤럭시 북" vs "갤럭시북") do not sink the score. When one
// space-free form contains the other and the contained form is at least six
// runes, the names are near-certainly the same product.
func Similarity(a, b string) float64 {
	na, nb := normalize.Norm(a), normalize.Norm(b)
	if na == "" || nb == "" {
		return 0
	}

	sa, sb := strings.ReplaceAll(na, " ", ""), strings.ReplaceAll(nb, " ", "")
	if shorter := min(len([]rune(sa)), len([]rune(sb))); shorter >= 6 {
		if strings.Contains(sa, sb) || strings.Contains(sb, sa) {
			return 0.98
		}
	}

	tokenSim := jaccard(tokenSet(na), tokenSet(nb))
	bigramSim := jaccard(bigramSet(sa), bigramSet(sb)) * 0.85
	return max(tokenSim, bigramSim)
}

func tokenSet(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, tok := range normalize.Tokens(s) {
		out[tok] = struct{}{}
	}
	return out
}

func bigramSet(s string) map[string]struct{} {
	runes := []rune(s)
	out := make(map[string]struct{})
	for i := 0; i+1 < len(runes); i++ {
		out[string(runes[i:i+2])] = struct{}{}
	}
	return out
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for k := range a {
		if _, ok := b[k]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
