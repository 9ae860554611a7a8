package normalize

import (
	"errors"
	"strings"
)

// ErrEmpty is returned when a query normalizes to nothing.
var ErrEmpty = errors.New("query normalizes to empty string")

// Candidate is one search string plus the normalization level that produced
// it. Level 2 candidates are structural guesses, so any result they yield
// must pass the validation gate before it is trusted.
type Candidate struct {
	Text  string
	Level int
}

// Normalized is the output of the normalizer for one query.
type Normalized struct {
	Primary    string
	Candidates []Candidate // primary first, at most 8
	Category   string
	Brand      string
	Model      string
	HardMapped bool
	Broad      bool
}

// Normalizer applies the three normalization levels using a loaded rule set.
type Normalizer struct {
	rules *Rules
}

func New(rules *Rules) *Normalizer {
	return &Normalizer{rules: rules}
}

// Rules exposes the underlying tables for components that share them, such
// as the validation gate.
func (n *Normalizer) Rules() *Rules { return n.rules }

const maxCandidates = 8

// Normalize runs the pipeline: hard map first, then synonym expansion, then
// structural fallback candidates.
func (n *Normalizer) Normalize(raw string) (Normalized, error) {
	primary := Norm(raw)
	if primary == "" {
		return Normalized{}, ErrEmpty
	}

	if out, ok := n.hardMap(primary); ok {
		return out, nil
	}

	out := Normalized{
		Primary:  primary,
		Category: n.rules.DetectCategory(primary),
		Brand:    n.rules.DetectBrand(primary),
		Broad:    n.rules.IsBroad(primary),
	}

	add := func(text string, level int) {
		text = strings.TrimSpace(text)
		if text == "" || len(out.Candidates) >= maxCandidates {
			return
		}
		for _, c := range out.Candidates {
			if c.Text == text {
				return
			}
		}
		out.Candidates = append(out.Candidates, Candidate{Text: text, Level: level})
	}

	add(primary, 1)

	// Level 1: strip noise tokens, then script variants of the result.
	stripped := n.stripNoise(primary)
	if preservesGrades(primary, stripped) {
		add(stripped, 1)
	} else {
		stripped = primary
	}
	if v := n.hangulVariant(stripped); preservesGrades(primary, v) {
		add(v, 1)
	}
	if v := n.latinVariant(stripped); preservesGrades(primary, v) {
		add(v, 1)
	}

	// Level 2: structural fallbacks, gated downstream.
	toks := Tokens(stripped)
	noYear := dropYears(toks)
	add(strings.Join(noYear, " "), 2)

	brandTok, modelToks := n.splitBrandModel(noYear)
	out.Model = strings.Join(modelToks, " ")
	if brandTok != "" && len(modelToks) > 0 {
		add(brandTok+" "+out.Model, 2)
	}
	if len(modelToks) > 0 {
		add(out.Model, 2)
	}
	if brandTok != "" {
		add(brandTok, 2)
	}
	if tag := n.categoryToken(primary); tag != "" {
		add(tag, 2)
	}

	return out, nil
}

// hardMap attempts a Level-0 rewrite. It refuses accessory queries, matches
// keys by exact normalized equality in descending raw-key length, and
// accepts only canonicals that carry a known brand and keep every grade
// token of the input. Containment is not enough: a query that merely
// contains a key ("신라면 순한맛") names a different product than the key's
// canonical, and nothing behind Level 0 would catch the rewrite.
func (n *Normalizer) hardMap(primary string) (Normalized, bool) {
	if n.rules.hasAccessoryToken(primary) {
		return Normalized{}, false
	}
	for _, m := range n.rules.mappings {
		key := Norm(m.Match)
		if key == "" || key != primary {
			continue
		}
		if skipMapping(primary, m.SkipIfContains) {
			continue
		}
		if n.rules.DetectBrand(m.Canonical) == "" {
			continue
		}
		if !preservesGrades(primary, m.Canonical) {
			continue
		}
		canon := Norm(m.Canonical)
		return Normalized{
			Primary:    canon,
			Candidates: []Candidate{{Text: canon, Level: 0}},
			Category:   n.rules.DetectCategory(canon),
			Brand:      n.rules.DetectBrand(canon),
			HardMapped: true,
			Broad:      n.rules.IsBroad(canon),
		}, true
	}
	return Normalized{}, false
}

func skipMapping(primary string, skip []string) bool {
	for _, s := range skip {
		if s != "" && strings.Contains(primary, Norm(s)) {
			return true
		}
	}
	return false
}

// stripNoise removes color and purchase-condition tokens.
func (n *Normalizer) stripNoise(s string) string {
	var kept []string
	for _, tok := range Tokens(s) {
		if _, ok := n.rules.colors[tok]; ok {
			continue
		}
		if _, ok := n.rules.conditions[tok]; ok {
			continue
		}
		kept = append(kept, tok)
	}
	return strings.Join(kept, " ")
}

// latinVariant rewrites Hangul tokens to their Latin spellings.
func (n *Normalizer) latinVariant(s string) string {
	toks := Tokens(s)
	for i, tok := range toks {
		for _, tr := range n.rules.translits {
			if Norm(tr.Hangul) == tok {
				toks[i] = Norm(tr.Latin)
				break
			}
		}
	}
	return strings.Join(toks, " ")
}

// hangulVariant rewrites Latin tokens to Hangul. Grade words stay Latin so
// the variant still carries them.
func (n *Normalizer) hangulVariant(s string) string {
	toks := Tokens(s)
	for i, tok := range toks {
		if _, isGrade := gradeWords[tok]; isGrade {
			continue
		}
		for _, tr := range n.rules.translits {
			if Norm(tr.Latin) == tok {
				toks[i] = Norm(tr.Hangul)
				break
			}
		}
	}
	return strings.Join(toks, " ")
}

func dropYears(toks []string) []string {
	out := make([]string, 0, len(toks))
	for _, tok := range toks {
		if isYear(tok) {
			continue
		}
		out = append(out, tok)
	}
	if len(out) == 0 {
		return toks
	}
	return out
}

// splitBrandModel picks the brand token (a lexicon hit, else the leading
// token when more than one remains) and up to three model tokens after it.
func (n *Normalizer) splitBrandModel(toks []string) (string, []string) {
	if len(toks) == 0 {
		return "", nil
	}
	brandIdx := -1
	for i, tok := range toks {
		if _, ok := n.rules.brandAlias[tok]; ok {
			brandIdx = i
			break
		}
	}
	if brandIdx == -1 {
		if len(toks) < 2 {
			return "", toks
		}
		brandIdx = 0
	}
	brand := toks[brandIdx]
	var model []string
	for i, tok := range toks {
		if i == brandIdx {
			continue
		}
		model = append(model, tok)
		if len(model) == 3 {
			break
		}
	}
	return brand, model
}

// categoryToken returns the query token that triggered category detection.
func (n *Normalizer) categoryToken(normalized string) string {
	for _, c := range n.rules.categories {
		for _, kw := range c.keywords {
			if kw != "" && containsToken(normalized, kw) {
				return kw
			}
		}
	}
	return ""
}
