// Package ledger contains the core domain types for the LinkedIn job watcher.
package ledger

import "time"

// Listing status values. Reconciliation sets StatusNotApplied on creation and
// never changes status afterwards; only a user action moves a listing to
// StatusApplied.
const (
	StatusNotApplied = "not_applied"
	StatusApplied    = "applied"
)

// RawRecord is a single job card as observed by the extractor during one run.
type RawRecord struct {
	ExternalID string // stable job id assigned by the source
	Title      string
	Company    string
	Location   string
	URL        string
	PostedAt   string // datetime string as supplied by the source, may be empty
}

// Query describes one configured job search. Either Keywords+Location or a
// raw search URL.
type Query struct {
	Keywords string `yaml:"keywords"`
	Location string `yaml:"location"`
	URL      string `yaml:"url,omitempty"`
}

// Label returns a short human-readable identifier for logs and summaries.
func (q Query) Label() string {
	if q.Keywords != "" {
		return q.Keywords + " / " + q.Location
	}
	return q.URL
}

// Listing is one tracked job posting with its lifecycle state.
type Listing struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Company   string    `json:"company"`
	Location  string    `json:"location"`
	URL       string    `json:"url"`
	PostedAt  string    `json:"posted_at,omitempty"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	Status    string    `json:"status"`
	AppliedOn time.Time `json:"applied_on,omitzero"`
	Active    bool      `json:"active"`
}

// QueryOutcome records how a single query fared during a run.
type QueryOutcome struct {
	Query   string `json:"query"`
	Records int    `json:"records"`
	Partial bool   `json:"partial,omitempty"`
	Failed  bool   `json:"failed,omitempty"`
	Error   string `json:"error,omitempty"`
}

// RunSummary reports what one run changed in the ledger.
type RunSummary struct {
	RunDate          time.Time      `json:"run_date"`
	Observed         int            `json:"observed"`
	Inserted         int            `json:"inserted"`
	Refreshed        int            `json:"refreshed"`
	Resurrected      int            `json:"resurrected"`
	Expired          int            `json:"expired"`
	Skipped          int            `json:"skipped"`
	ExpirySkipped    bool           `json:"expiry_skipped"`
	ExpirySkipReason string         `json:"expiry_skip_reason,omitempty"`
	Queries          []QueryOutcome `json:"queries"`
	NewListings      []*Listing     `json:"-"`
}

// Stats summarizes the ledger as a whole.
type Stats struct {
	Total      int `json:"total"`
	Active     int `json:"active"`
	Expired    int `json:"expired"`
	Applied    int `json:"applied"`
	NotApplied int `json:"not_applied"`
}
