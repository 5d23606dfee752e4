// Package reconcile folds the records observed during one run into the
// listing ledger: new listings are inserted, known ones refreshed, vanished
// ones expired. Expiry is guarded so a degraded run cannot mass-expire
// listings that are in fact still posted.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"linkedin-watcher/pkg/ledger"
)

// DefaultDegradedThreshold is the fraction of zero-or-failed queries above
// which a run is considered too degraded to expire anything.
const DefaultDegradedThreshold = 0.5

// Store is the ledger access the engine needs. Implemented by store.DB.
type Store interface {
	// Get returns the listing with the given id, or (nil, nil) when absent.
	Get(ctx context.Context, id string) (*ledger.Listing, error)

	// ActiveIDs returns the ids of all listings currently marked active.
	ActiveIDs(ctx context.Context) ([]string, error)

	// ApplyBatch commits the run's changes in one transaction: upserts first,
	// then expiry of the given ids. All or nothing.
	ApplyBatch(ctx context.Context, upserts []*ledger.Listing, expire []string) error
}

// Config controls engine behavior.
type Config struct {
	// DegradedThreshold is the zero-or-failed query fraction above which
	// expiry is skipped. Zero means DefaultDegradedThreshold.
	DegradedThreshold float64
}

// Engine reconciles observation sets against the ledger.
type Engine struct {
	store  Store
	cfg    Config
	logger *slog.Logger
}

// New creates a reconciliation engine.
func New(store Store, cfg Config, logger *slog.Logger) *Engine {
	if cfg.DegradedThreshold <= 0 {
		cfg.DegradedThreshold = DefaultDegradedThreshold
	}
	return &Engine{store: store, cfg: cfg, logger: logger}
}

// Run accumulates one run's observations across all queries. Records are
// deduplicated by external id; when two queries observe the same listing,
// the later query's non-empty display fields win.
type Run struct {
	engine *Engine

	seen  map[string]ledger.RawRecord
	order []string // insertion order of first sightings, for stable output

	outcomes []ledger.QueryOutcome
	failed   int // queries that yielded nothing usable
	empty    int // queries that succeeded with zero records
	skipped  int // records dropped for missing external id
}

// NewRun starts an empty observation set.
func (e *Engine) NewRun() *Run {
	return &Run{
		engine: e,
		seen:   make(map[string]ledger.RawRecord),
	}
}

// Merge adds one query's records to the observation set and records its
// outcome. Call once per configured query, in query order; partial results
// merge like successful ones.
func (r *Run) Merge(records []ledger.RawRecord, outcome ledger.QueryOutcome) {
	for _, rec := range records {
		if rec.ExternalID == "" {
			r.skipped++
			continue
		}
		prev, ok := r.seen[rec.ExternalID]
		if !ok {
			r.seen[rec.ExternalID] = rec
			r.order = append(r.order, rec.ExternalID)
			continue
		}
		// Last writer wins, but an empty field never clobbers a filled one.
		if rec.Title != "" {
			prev.Title = rec.Title
		}
		if rec.Company != "" {
			prev.Company = rec.Company
		}
		if rec.Location != "" {
			prev.Location = rec.Location
		}
		if rec.URL != "" {
			prev.URL = rec.URL
		}
		if rec.PostedAt != "" {
			prev.PostedAt = rec.PostedAt
		}
		r.seen[rec.ExternalID] = prev
	}

	outcome.Records = len(records)
	r.outcomes = append(r.outcomes, outcome)
	switch {
	case outcome.Failed:
		r.failed++
	case len(records) == 0:
		r.empty++
	}
}

// Commit reconciles the accumulated observation set against the ledger and
// applies all changes in a single batch. Listings observed for the first time
// are inserted as active and not applied; known active listings get their
// last-seen and display fields refreshed; known expired listings that
// reappear are resurrected with their original first-seen date preserved.
// Active listings absent from the whole run's union expire, unless the
// degraded-run guard trips. Status and applied-on are never touched here.
func (r *Run) Commit(ctx context.Context) (*ledger.RunSummary, error) {
	e := r.engine
	now := time.Now()
	summary := &ledger.RunSummary{
		RunDate:  now,
		Observed: len(r.seen),
		Skipped:  r.skipped,
		Queries:  r.outcomes,
	}

	upserts := make([]*ledger.Listing, 0, len(r.order))
	for _, id := range r.order {
		rec := r.seen[id]
		existing, err := e.store.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("look up listing %s: %w", id, err)
		}

		switch {
		case existing == nil:
			listing := &ledger.Listing{
				ID:        id,
				Title:     rec.Title,
				Company:   rec.Company,
				Location:  rec.Location,
				URL:       rec.URL,
				PostedAt:  rec.PostedAt,
				FirstSeen: now,
				LastSeen:  now,
				Status:    ledger.StatusNotApplied,
				Active:    true,
			}
			upserts = append(upserts, listing)
			summary.Inserted++
			summary.NewListings = append(summary.NewListings, listing)
		case !existing.Active:
			refresh(existing, rec, now)
			existing.Active = true
			upserts = append(upserts, existing)
			summary.Resurrected++
			e.logger.Info("Listing resurrected", "id", id, "title", existing.Title)
		default:
			refresh(existing, rec, now)
			upserts = append(upserts, existing)
			summary.Refreshed++
		}
	}

	expire, err := r.expiryCandidates(ctx, summary)
	if err != nil {
		return nil, err
	}
	summary.Expired = len(expire)

	if err := e.store.ApplyBatch(ctx, upserts, expire); err != nil {
		return nil, fmt.Errorf("apply reconciliation batch: %w", err)
	}

	e.logger.Info("Reconciliation committed",
		"observed", summary.Observed,
		"inserted", summary.Inserted,
		"refreshed", summary.Refreshed,
		"resurrected", summary.Resurrected,
		"expired", summary.Expired,
		"skipped", summary.Skipped,
		"expiry_skipped", summary.ExpirySkipped)
	return summary, nil
}

// expiryCandidates returns the active listing ids to expire, or nothing when
// the degraded-run guard decides the observation set cannot be trusted as a
// complete picture.
func (r *Run) expiryCandidates(ctx context.Context, summary *ledger.RunSummary) ([]string, error) {
	if reason := r.degradedReason(); reason != "" {
		summary.ExpirySkipped = true
		summary.ExpirySkipReason = reason
		r.engine.logger.Warn("Expiry skipped for degraded run", "reason", reason)
		return nil, nil
	}

	activeIDs, err := r.engine.store.ActiveIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active listings: %w", err)
	}

	var expire []string
	for _, id := range activeIDs {
		if _, ok := r.seen[id]; !ok {
			expire = append(expire, id)
		}
	}
	return expire, nil
}

// degradedReason decides whether expiry is safe. Any fully failed query means
// a whole slice of the union is missing, so expiry is always skipped then.
// Otherwise the zero-or-failed fraction must stay at or below the threshold,
// and an entirely empty observation set never expires anything.
func (r *Run) degradedReason() string {
	if len(r.seen) == 0 {
		return "no listings observed"
	}
	if r.failed > 0 {
		return fmt.Sprintf("%d of %d queries failed", r.failed, len(r.outcomes))
	}
	if len(r.outcomes) == 0 {
		return "no queries ran"
	}
	frac := float64(r.failed+r.empty) / float64(len(r.outcomes))
	if frac > r.engine.cfg.DegradedThreshold {
		return fmt.Sprintf("%d of %d queries returned nothing", r.failed+r.empty, len(r.outcomes))
	}
	return ""
}

// refresh updates the sighting timestamp and display fields of a known
// listing. First-seen, status and applied-on are preserved.
func refresh(l *ledger.Listing, rec ledger.RawRecord, now time.Time) {
	l.LastSeen = now
	if rec.Title != "" {
		l.Title = rec.Title
	}
	if rec.Company != "" {
		l.Company = rec.Company
	}
	if rec.Location != "" {
		l.Location = rec.Location
	}
	if rec.URL != "" {
		l.URL = rec.URL
	}
	if rec.PostedAt != "" {
		l.PostedAt = rec.PostedAt
	}
}
