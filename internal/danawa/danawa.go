// Package danawa knows the aggregator's page anatomy: URL formats, the CSS
// selectors of the search and product pages, and the text signatures of
// blocked and empty pages. Both crawl paths share this package — the fast
// path feeds it fetched HTML, the slow path feeds it rendered HTML.
package danawa

import (
	"fmt"
	"net/url"
	"regexp"
)

// Origin is the circuit-breaker key for this aggregator.
const Origin = "danawa"

const (
	searchBase  = "https://search.danawa.com/dsearch.php"
	productBase = "https://prod.danawa.com/info/"
)

// SearchURL builds the list-page URL for a query.
func SearchURL(query string) string {
	return SearchURLAt(searchBase, query)
}

// SearchURLAt builds the list-page URL against an alternate base, used when
// crawling through a mirror or a test server.
func SearchURLAt(base, query string) string {
	q := url.QueryEscape(query)
	return fmt.Sprintf("%s?query=%s&originalQuery=%s", base, q, q)
}

// ProductURL builds the detail-page URL for a product code.
func ProductURL(pcode, query string) string {
	return ProductURLAt(productBase, pcode, query)
}

// ProductURLAt builds the detail-page URL against an alternate base.
func ProductURLAt(base, pcode, query string) string {
	return fmt.Sprintf("%s?pcode=%s&keyword=%s", base, pcode, url.QueryEscape(query))
}

var pcodeRe = regexp.MustCompile(`(?:pcode|prod_id)=(\d+)`)

// ExtractPcode pulls the product code out of an href or full URL.
func ExtractPcode(href string) string {
	m := pcodeRe.FindStringSubmatch(href)
	if m == nil {
		return ""
	}
	return m[1]
}

// NormalizeHref resolves relative and protocol-relative hrefs against the
// product host.
func NormalizeHref(href string) string {
	switch {
	case href == "":
		return ""
	case len(href) >= 2 && href[:2] == "//":
		return "https:" + href
	case href[0] == '/':
		return "https://prod.danawa.com" + href
	default:
		return href
	}
}
