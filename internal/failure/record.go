// Package failure persists every terminal search failure so the query
// tables can learn from them. Writes are asynchronous and out-of-band: the
// search hot path enqueues and moves on, a background writer batches rows
// into the store.
package failure

import (
	"time"
)

// Record statuses. New rows start pending; the analytics/curation surface
// moves them onward.
const (
	StatusPending     = "pending"
	StatusManualFixed = "manual_fixed"
	StatusAutoLearned = "auto_learned"
	StatusNotProduct  = "not_product"
)

// Record is one terminal failure row.
type Record struct {
	ID               int64     `db:"id" json:"id"`
	OriginalQuery    string    `db:"original_query" json:"original_query"`
	NormalizedQuery  string    `db:"normalized_query" json:"normalized_query"`
	Candidates       string    `db:"candidates" json:"candidates"` // JSON array of tried candidates
	AttemptedCount   int       `db:"attempted_count" json:"attempted_count"`
	ErrorMessage     string    `db:"error_message" json:"error_message"`
	Category         string    `db:"category" json:"category"`
	Brand            string    `db:"brand" json:"brand"`
	Model            string    `db:"model" json:"model"`
	Status           string    `db:"status" json:"status"`
	CorrectName      *string   `db:"correct_name" json:"correct_name,omitempty"`
	CorrectProductID *string   `db:"correct_product_id" json:"correct_product_id,omitempty"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time `db:"updated_at" json:"updated_at"`
}

// Stats summarizes failures inside a time window for the dashboard.
type Stats struct {
	WindowHours int            `json:"window_hours"`
	Total       int            `json:"total"`
	Pending     int            `json:"pending"`
	Resolved    int            `json:"resolved"`
	ByCategory  map[string]int `json:"by_category"`
}

// CommonFailure is one repeatedly failing (original, normalized) query pair.
type CommonFailure struct {
	OriginalQuery   string    `db:"original_query" json:"original_query"`
	NormalizedQuery string    `db:"normalized_query" json:"normalized_query"`
	Category        string    `db:"category" json:"category"`
	Count           int       `db:"cnt" json:"count"`
	LastSeen        time.Time `db:"last_seen" json:"last_seen"`
}

// Suggestion is a curation hint derived from repeated failures: a query
// that keeps failing probably needs a hard-mapping entry.
type Suggestion struct {
	OriginalQuery   string `json:"original_query"`
	Count           int    `json:"count"`
	Priority        string `json:"priority"`
	SuggestedAction string `json:"suggested_action"`
}
