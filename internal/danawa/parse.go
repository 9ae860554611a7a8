package danawa

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/nulpointcorp/price-engine/internal/engine"
	"github.com/nulpointcorp/price-engine/internal/normalize"
	"github.com/nulpointcorp/price-engine/internal/validate"
)

// Text signatures of anti-bot interstitials. Matched case-insensitively
// against the whole document.
var blockKeywords = []string{
	"로봇",
	"robot",
	"captcha",
	"캡차",
	"접근이 제한",
	"access denied",
	"차단",
	"cloudflare",
	"just a moment",
	"challenge",
	"verify you are human",
}

var noResultsKeywords = []string{
	"검색 결과가 없습니다",
	"검색결과가 없습니다",
	"검색 결과가 없",
	"검색결과가 없",
	"결과가 없습니다",
}

// DefaultMinHTMLLength is the floor under which a 200 response is treated
// as a challenge or empty shell rather than a real page.
const DefaultMinHTMLLength = 5000

// Parser turns aggregator HTML into domain values. It carries the shared
// rule tables so candidate scoring can spot accessory traps.
type Parser struct {
	rules      *normalize.Rules
	minHTMLLen int
}

func NewParser(rules *normalize.Rules, minHTMLLen int) *Parser {
	if minHTMLLen <= 0 {
		minHTMLLen = DefaultMinHTMLLength
	}
	return &Parser{rules: rules, minHTMLLen: minHTMLLen}
}

// BlockedKeyword returns the anti-bot signature found in html, or "".
func BlockedKeyword(html string) string {
	lowered := strings.ToLower(html)
	for _, k := range blockKeywords {
		if strings.Contains(lowered, k) {
			return k
		}
	}
	return ""
}

// IsProbablyInvalid reports whether a 200 response is not worth parsing:
// empty, suspiciously short, or carrying a block signature.
func (p *Parser) IsProbablyInvalid(html string) bool {
	if html == "" || len(html) < p.minHTMLLen {
		return true
	}
	return BlockedKeyword(html) != ""
}

// IsNoResults reports whether the page is the aggregator's own "no search
// results" answer. This is a real answer, not a failure.
func IsNoResults(html string) bool {
	lowered := strings.ToLower(html)
	for _, k := range noResultsKeywords {
		if strings.Contains(lowered, k) {
			return true
		}
	}
	return false
}

// HasSearchFingerprint reports whether html looks like a real search page.
func HasSearchFingerprint(doc *goquery.Document) bool {
	return doc.Find(".prod_item").Length() > 0 || doc.Find(`a[href*="pcode="]`).Length() > 0
}

// HasProductFingerprint reports whether html looks like a real detail page.
func HasProductFingerprint(doc *goquery.Document) bool {
	return doc.Find("#lowPriceCompanyArea").Length() > 0 || doc.Find(".prod_tit").Length() > 0
}

// Document parses raw HTML into a goquery document.
func Document(html string) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("danawa: parse html: %w", err)
	}
	return doc, nil
}

const maxPcodeCandidates = 12

// SearchCandidates extracts product codes from a search page, scored by how
// well each anchor text matches the query, best first.
func (p *Parser) SearchCandidates(doc *goquery.Document, query string) []string {
	links := doc.Find(".prod_item .prod_name a")
	if links.Length() == 0 {
		links = doc.Find(`a[href*="pcode="]`)
	}

	type scored struct {
		score float64
		pcode string
	}
	var out []scored
	seen := map[string]bool{}

	links.EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		href, _ := sel.Attr("href")
		pcode := ExtractPcode(href)
		if pcode == "" || seen[pcode] {
			return true
		}
		seen[pcode] = true
		out = append(out, scored{
			score: p.MatchScore(query, strings.TrimSpace(sel.Text())),
			pcode: pcode,
		})
		return len(out) < maxPcodeCandidates*3
	})

	sort.SliceStable(out, func(i, j int) bool { return out[i].score > out[j].score })
	if len(out) > maxPcodeCandidates {
		out = out[:maxPcodeCandidates]
	}
	pcodes := make([]string, len(out))
	for i, s := range out {
		pcodes[i] = s.pcode
	}
	return pcodes
}

// MatchScore rates candidate text against the query in [0,1]. Accessory
// traps (candidate is an accessory for the queried product) score zero, and
// losing a grade token costs most of the score.
func (p *Parser) MatchScore(query, candidate string) float64 {
	if query == "" || candidate == "" {
		return 0
	}
	if p.isAccessoryTrap(query, candidate) {
		return 0
	}
	score := validate.Similarity(query, candidate)
	if !gradeSubset(query, candidate) {
		score *= 0.3
	}
	return score
}

// isAccessoryTrap catches the classic listing trap: the user asks for a
// product and the anchor is a case/film/charger for it.
func (p *Parser) isAccessoryTrap(query, candidate string) bool {
	qCat := p.rules.DetectCategory(query)
	if qCat == normalize.CategoryOther {
		return false
	}
	qToks := tokenSet(query)
	for tok := range tokenSet(candidate) {
		if !p.rules.IsAccessoryToken(tok) {
			continue
		}
		if _, inQuery := qToks[tok]; !inQuery {
			return true
		}
	}
	return false
}

func gradeSubset(query, candidate string) bool {
	have := normalize.GradeTokens(candidate)
	for tok := range normalize.GradeTokens(query) {
		if _, ok := have[tok]; !ok {
			return false
		}
	}
	return true
}

func tokenSet(s string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, tok := range normalize.Tokens(normalize.Norm(s)) {
		out[tok] = struct{}{}
	}
	return out
}

var priceNumRe = regexp.MustCompile(`[\d,]+`)

// ExtractPrice pulls the integer price out of display text like
// "1,390,000원". Returns 0 when no usable number is present.
func ExtractPrice(text string) int64 {
	nums := priceNumRe.FindAllString(text, -1)
	if len(nums) == 0 {
		return 0
	}
	longest := nums[0]
	for _, n := range nums[1:] {
		if len(n) > len(longest) {
			longest = n
		}
	}
	v, err := strconv.ParseInt(strings.ReplaceAll(longest, ",", ""), 10, 64)
	if err != nil || v > 1_000_000_000 {
		return 0
	}
	return v
}

// ProductOffers parses the detail page's price-compare table into the top
// seller offers. Rows with unusable prices are dropped, not fatal; an empty
// table returns engine.ErrParse.
func (p *Parser) ProductOffers(doc *goquery.Document, fallbackName, productURL string) (string, []engine.Offer, error) {
	name := strings.TrimSpace(doc.Find(".prod_tit").First().Text())
	if name == "" {
		name = fallbackName
	}

	var offers []engine.Offer
	doc.Find("#lowPriceCompanyArea .box__mall-price .list__mall-price .list-item").
		EachWithBreak(func(i int, item *goquery.Selection) bool {
			price := ExtractPrice(strings.TrimSpace(item.Find(".sell-price .text__num").Text()))
			if price <= 0 {
				return true
			}

			mall, _ := item.Find(".box__logo img").Attr("alt")
			if mall == "" {
				mall = "알 수 없음"
			}

			delivery := strings.TrimSpace(item.Find(".box__delivery").Text())

			href, _ := item.Find("a.link__full-cover").Attr("href")
			link := NormalizeHref(href)
			if link == "" {
				link = productURL
			}

			offers = append(offers, engine.Offer{
				Rank:         len(offers) + 1,
				Mall:         mall,
				Price:        price,
				FreeShipping: strings.Contains(delivery, "무료"),
				Delivery:     delivery,
				Link:         link,
			})
			return len(offers) < 3
		})

	if len(offers) == 0 {
		return "", nil, fmt.Errorf("%w: no sellers in price table", engine.ErrParse)
	}
	return name, offers, nil
}
