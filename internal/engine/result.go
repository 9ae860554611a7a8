package engine

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Status discriminates the outcome envelope. Exactly one terminal status is
// produced per request.
type Status string

const (
	StatusCacheHit        Status = "cache_hit"
	StatusFastPathSuccess Status = "fastpath_success"
	StatusSlowPathSuccess Status = "slowpath_success"
	StatusTimeout         Status = "timeout"
	StatusParseError      Status = "parse_error"
	StatusBlocked         Status = "blocked"
	StatusNoResults       Status = "no_results"
	StatusBudgetExhausted Status = "budget_exhausted"
	StatusNotFound        Status = "not_found"
)

// Success reports whether the status carries an offer payload.
func (s Status) Success() bool {
	switch s {
	case StatusCacheHit, StatusFastPathSuccess, StatusSlowPathSuccess:
		return true
	}
	return false
}

// Source tags which pipeline stage produced a successful result.
type Source string

const (
	SourceCache    Source = "cache"
	SourceFastPath Source = "fastpath"
	SourceSlowPath Source = "slowpath"
)

const maxPrice = 1_000_000_000

// Query is the immutable input bundle built by the HTTP adapter.
type Query struct {
	ProductName  string
	CurrentPrice int64  // 0 when absent
	CurrentURL   string // "" when absent
	ProductCode  string // "" when absent
}

// forbidden substrings in product names; a raw query is user input headed
// for an outbound URL, so script-ish tokens are rejected outright.
var forbiddenTokens = []string{"<", ">", "script", "javascript"}

// Validate checks the input constraints on a query.
func (q Query) Validate() error {
	name := strings.TrimSpace(q.ProductName)
	if name == "" || len(name) > 500 {
		return fmt.Errorf("%w: product_name must be 1..500 chars", ErrInvalidQuery)
	}
	lower := strings.ToLower(name)
	for _, tok := range forbiddenTokens {
		if strings.Contains(lower, tok) {
			return fmt.Errorf("%w: product_name contains %q", ErrInvalidQuery, tok)
		}
	}
	if q.CurrentPrice < 0 || q.CurrentPrice > maxPrice {
		return fmt.Errorf("%w: current_price out of range", ErrInvalidQuery)
	}
	if q.CurrentURL != "" {
		u, err := url.Parse(q.CurrentURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("%w: current_url must be http or https", ErrInvalidQuery)
		}
	}
	return nil
}

// Offer is one seller's listing on the aggregator's price-compare table.
type Offer struct {
	Rank         int    `json:"rank"`
	Mall         string `json:"mall"`
	Price        int64  `json:"price"`
	FreeShipping bool   `json:"free_shipping"`
	Delivery     string `json:"delivery"`
	Link         string `json:"link"`
}

// Result is the engine's outcome envelope. Failure variants carry only
// Status, Reason and ElapsedMS; success variants carry the offer payload.
type Result struct {
	Status Status `json:"status"`

	ProductID    string  `json:"product_id,omitempty"`
	ProductName  string  `json:"product_name,omitempty"`
	LowestPrice  int64   `json:"lowest_price,omitempty"`
	Link         string  `json:"link,omitempty"`
	TopOffers    []Offer `json:"top_offers,omitempty"`
	Mall         string  `json:"mall,omitempty"`
	FreeShipping bool    `json:"free_shipping,omitempty"`
	Source       Source  `json:"source,omitempty"`

	ElapsedMS int64  `json:"elapsed_ms"`
	Reason    string `json:"reason,omitempty"`
}

// NewSuccess builds a success envelope from raw offers: sorts ascending by
// price (stable, so source rank breaks ties), keeps the top three and derives
// the lowest-price fields from the head offer.
func NewSuccess(status Status, source Source, productID, productName string, offers []Offer) (Result, error) {
	if !status.Success() {
		return Result{}, fmt.Errorf("status %q is not a success variant", status)
	}
	if len(offers) == 0 {
		return Result{}, fmt.Errorf("success result requires at least one offer")
	}
	sorted := make([]Offer, len(offers))
	copy(sorted, offers)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Price < sorted[j].Price })
	if len(sorted) > 3 {
		sorted = sorted[:3]
	}
	for i := range sorted {
		sorted[i].Rank = i + 1
	}
	head := sorted[0]
	return Result{
		Status:       status,
		ProductID:    productID,
		ProductName:  productName,
		LowestPrice:  head.Price,
		Link:         head.Link,
		TopOffers:    sorted,
		Mall:         head.Mall,
		FreeShipping: head.FreeShipping,
		Source:       source,
	}, nil
}

// NewFailure builds a failure envelope.
func NewFailure(status Status, reason string) Result {
	return Result{Status: status, Reason: reason}
}
