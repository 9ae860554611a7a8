package main

import (
	"fmt"
	"strings"
)

// product is one entry in the mock catalog.
type product struct {
	pcode  string
	name   string
	tokens []string // query must contain at least one to match
	offers []offer
}

type offer struct {
	mall     string
	price    string
	delivery string
}

// catalog is a tiny fixed set of products covering the common demo queries.
var catalog = []product{
	{
		pcode:  "18223344",
		name:   "LG전자 그램 16 16Z90R-GA5HK",
		tokens: []string{"그램", "gram", "16z90r"},
		offers: []offer{
			{"쿠팡", "1,490,000", "무료배송"},
			{"11번가", "1,520,000", "배송비 3,000원"},
			{"G마켓", "1,535,000", "무료배송"},
		},
	},
	{
		pcode:  "19887766",
		name:   "삼성전자 갤럭시북4 프로 NT940XGK",
		tokens: []string{"갤럭시북", "갤럭시북4", "nt940xgk"},
		offers: []offer{
			{"쿠팡", "1,890,000", "무료배송"},
			{"옥션", "1,905,000", "무료배송"},
		},
	},
	{
		pcode:  "20112233",
		name:   "Apple 에어팟 프로 2세대 USB-C",
		tokens: []string{"에어팟", "airpods"},
		offers: []offer{
			{"11번가", "289,000", "무료배송"},
			{"쿠팡", "295,000", "무료배송"},
			{"G마켓", "299,000", "배송비 2,500원"},
		},
	},
}

// filler pads pages past the crawler's minimum-length gate so the mock is
// not mistaken for an empty challenge shell.
var filler = "<!-- " + strings.Repeat("mock aggregator page body padding. ", 200) + "-->"

const blockedPage = `<!DOCTYPE html>
<html><head><title>captcha</title></head>
<body><p>로봇이 아닌지 확인해 주세요.</p></body></html>`

// searchPage renders a list page in the aggregator's markup for every
// catalog product matching the query. No match renders the aggregator's own
// no-results answer.
func searchPage(query string) string {
	lowered := strings.ToLower(query)

	var items []string
	for _, p := range catalog {
		for _, tok := range p.tokens {
			if strings.Contains(lowered, tok) {
				items = append(items, fmt.Sprintf(
					`<li class="prod_item"><p class="prod_name"><a href="/product?pcode=%s">%s</a></p></li>`,
					p.pcode, p.name))
				break
			}
		}
	}

	if len(items) == 0 {
		return `<!DOCTYPE html>
<html><body><div class="search_result"><p>검색 결과가 없습니다.</p></div></body></html>`
	}

	return fmt.Sprintf(`<!DOCTYPE html>
<html><head><title>검색: %s</title></head>
<body>
<ul class="product_list">
%s
</ul>
%s
</body></html>`, query, strings.Join(items, "\n"), filler)
}

// productPage renders a detail page with the price-compare table. Unknown
// pcodes render a shell with no offers, which the parser reports as a parse
// failure.
func productPage(pcode string) string {
	var p *product
	for i := range catalog {
		if catalog[i].pcode == pcode {
			p = &catalog[i]
			break
		}
	}
	if p == nil {
		return `<!DOCTYPE html>
<html><body><h3 class="prod_tit">알 수 없는 상품</h3>
<div id="lowPriceCompanyArea"></div></body></html>` + filler
	}

	var rows []string
	for _, o := range p.offers {
		rows = append(rows, fmt.Sprintf(`<li class="list-item">
<a class="link__full-cover" href="/product?pcode=%s"></a>
<div class="box__logo"><img alt="%s" src="/logo.png"></div>
<div class="sell-price"><span class="text__num">%s</span>원</div>
<div class="box__delivery">%s</div>
</li>`, p.pcode, o.mall, o.price, o.delivery))
	}

	return fmt.Sprintf(`<!DOCTYPE html>
<html><head><title>%s</title></head>
<body>
<h3 class="prod_tit">%s</h3>
<div id="lowPriceCompanyArea">
<div class="box__mall-price">
<ul class="list__mall-price">
%s
</ul>
</div>
</div>
%s
</body></html>`, p.name, p.name, strings.Join(rows, "\n"), filler)
}
