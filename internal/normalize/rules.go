package normalize

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

//go:embed resources/*.yaml
var defaultResources embed.FS

// Category labels assigned by detection. DetectCategory returns
// CategoryOther when nothing matches.
const (
	CategoryPhone     = "phone"
	CategoryLaptop    = "laptop"
	CategoryAudio     = "audio"
	CategoryFood      = "food"
	CategoryAppliance = "appliance"
	CategoryOther     = "other"
)

// HardMapping is one learned query → canonical-name rewrite. Match is stored
// raw in the YAML and compared through Norm, so authors can write keys the
// way users type them.
type HardMapping struct {
	Match          string   `yaml:"match"`
	Canonical      string   `yaml:"canonical"`
	SkipIfContains []string `yaml:"skip_if_contains,omitempty"`
}

// Transliteration pairs a Hangul spelling with its Latin counterpart.
type Transliteration struct {
	Hangul string `yaml:"hangul"`
	Latin  string `yaml:"latin"`
}

type hardMappingsFile struct {
	Mappings []HardMapping `yaml:"mappings"`
}

type synonymsFile struct {
	Colors           []string          `yaml:"colors"`
	Conditions       []string          `yaml:"conditions"`
	Transliterations []Transliteration `yaml:"transliterations"`
}

type accessoriesFile struct {
	Tokens []string `yaml:"tokens"`
}

type categoriesFile struct {
	Categories []struct {
		Name     string   `yaml:"name"`
		Keywords []string `yaml:"keywords"`
	} `yaml:"categories"`
	BroadKeywords []string `yaml:"broad_keywords"`
}

type brandsFile struct {
	Brands []struct {
		Canonical string   `yaml:"canonical"`
		Aliases   []string `yaml:"aliases"`
	} `yaml:"brands"`
}

type categoryPattern struct {
	name     string
	keywords []string
}

// Rules holds every static table the normalizer and the validation gate
// consult. Loaded once at startup, read-only afterwards.
type Rules struct {
	mappings    []HardMapping // sorted by descending raw key length
	colors      map[string]struct{}
	conditions  map[string]struct{}
	translits   []Transliteration
	accessories map[string]struct{}
	categories  []categoryPattern
	brandAlias  map[string]string // Norm(alias) -> Norm(canonical)
	broad       map[string]struct{}
}

// LoadRules reads the rule tables from dir, falling back to the embedded
// defaults for dir == "".
func LoadRules(dir string) (*Rules, error) {
	read := func(name string) ([]byte, error) {
		if dir == "" {
			return fs.ReadFile(defaultResources, filepath.Join("resources", name))
		}
		return os.ReadFile(filepath.Join(dir, name))
	}

	var hm hardMappingsFile
	var syn synonymsFile
	var acc accessoriesFile
	var cat categoriesFile
	var br brandsFile

	for _, f := range []struct {
		name string
		dst  any
	}{
		{"hard_mappings.yaml", &hm},
		{"synonyms.yaml", &syn},
		{"accessories.yaml", &acc},
		{"categories.yaml", &cat},
		{"brands.yaml", &br},
	} {
		raw, err := read(f.name)
		if err != nil {
			return nil, fmt.Errorf("normalize: read %s: %w", f.name, err)
		}
		if err := yaml.Unmarshal(raw, f.dst); err != nil {
			return nil, fmt.Errorf("normalize: parse %s: %w", f.name, err)
		}
	}

	r := &Rules{
		mappings:    hm.Mappings,
		colors:      tokenSet(syn.Colors),
		conditions:  tokenSet(syn.Conditions),
		translits:   syn.Transliterations,
		accessories: tokenSet(acc.Tokens),
		brandAlias:  make(map[string]string),
		broad:       tokenSet(cat.BroadKeywords),
	}

	// Longest raw key first so "갤럭시 s24 울트라" wins over "갤럭시 s24".
	sort.SliceStable(r.mappings, func(i, j int) bool {
		return len(r.mappings[i].Match) > len(r.mappings[j].Match)
	})

	for _, c := range cat.Categories {
		kws := make([]string, 0, len(c.Keywords))
		for _, kw := range c.Keywords {
			kws = append(kws, Norm(kw))
		}
		r.categories = append(r.categories, categoryPattern{name: c.Name, keywords: kws})
	}

	for _, b := range br.Brands {
		canon := Norm(b.Canonical)
		r.brandAlias[canon] = canon
		for _, a := range b.Aliases {
			r.brandAlias[Norm(a)] = canon
		}
	}

	return r, nil
}

func tokenSet(in []string) map[string]struct{} {
	out := make(map[string]struct{}, len(in))
	for _, s := range in {
		out[Norm(s)] = struct{}{}
	}
	return out
}

// DetectCategory returns the first category whose keyword table matches s,
// or CategoryOther.
func (r *Rules) DetectCategory(s string) string {
	norm := Norm(s)
	for _, c := range r.categories {
		for _, kw := range c.keywords {
			if kw != "" && containsToken(norm, kw) {
				return c.name
			}
		}
	}
	return CategoryOther
}

// DetectBrand returns the canonical brand found in s, or "".
func (r *Rules) DetectBrand(s string) string {
	for _, tok := range Tokens(Norm(s)) {
		if canon, ok := r.brandAlias[tok]; ok {
			return canon
		}
	}
	return ""
}

// IsBroad reports whether a normalized query is too generic to crawl deeply:
// two tokens or fewer, one of which is a broad category word.
func (r *Rules) IsBroad(normalized string) bool {
	toks := Tokens(normalized)
	if len(toks) == 0 || len(toks) > 2 {
		return false
	}
	for _, tok := range toks {
		if _, ok := r.broad[tok]; ok {
			return true
		}
	}
	return false
}

// IsAccessoryToken reports whether a single normalized token is an
// accessory word.
func (r *Rules) IsAccessoryToken(tok string) bool {
	_, ok := r.accessories[tok]
	return ok
}

// hasAccessoryToken reports whether any token of a normalized string is an
// accessory word. Accessory queries must never hard-map to the base product.
func (r *Rules) hasAccessoryToken(normalized string) bool {
	for _, tok := range Tokens(normalized) {
		if _, ok := r.accessories[tok]; ok {
			return true
		}
	}
	return false
}

// containsToken reports whether needle appears in haystack as a whole token
// sequence (both already normalized).
func containsToken(haystack, needle string) bool {
	if haystack == needle {
		return true
	}
	hToks := Tokens(haystack)
	nToks := Tokens(needle)
	if len(nToks) == 0 || len(nToks) > len(hToks) {
		return false
	}
outer:
	for i := 0; i+len(nToks) <= len(hToks); i++ {
		for j, nt := range nToks {
			if hToks[i+j] != nt {
				continue outer
			}
		}
		return true
	}
	return false
}
