package engine

import "context"

// Finding is what an executor returns for one candidate query: the product
// it settled on and the top seller offers, unsorted and untrusted until the
// orchestrator validates and normalizes them.
type Finding struct {
	ProductID   string
	ProductName string
	Offers      []Offer
}

// Searcher is one crawl path. Implementations must honor ctx deadlines on
// every network and page operation and return errors wrapping the sentinel
// taxonomy so the orchestrator can route on them.
type Searcher interface {
	Search(ctx context.Context, query string) (Finding, error)
}

// CodeSearcher is the optional direct-detail capability: when the caller
// already knows the product code, the list page can be skipped entirely.
type CodeSearcher interface {
	SearchByCode(ctx context.Context, productCode, query string) (Finding, error)
}
