// Package watch orchestrates a single run: authenticate, execute every
// configured query, reconcile the observations into the ledger, persist the
// session, and send the new-listing digest.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"linkedin-watcher/extract"
	"linkedin-watcher/pkg/ledger"
	"linkedin-watcher/reconcile"
	"linkedin-watcher/session"
)

// Extractor runs one configured query against the source.
// Implemented by extract.Client.
type Extractor interface {
	RunQuery(ctx context.Context, q ledger.Query) ([]ledger.RawRecord, error)
	RestoreSession(blob []byte) error
}

// Sessions is the authentication state machine driving the run.
// Implemented by session.Manager.
type Sessions interface {
	EnsureAuthenticated(ctx context.Context) (session.State, error)
	ReportUnauthenticated(ctx context.Context) (session.State, error)
	ReportChallenge(ctx context.Context) (session.State, error)
	Artifact() *session.Artifact
	Persist(ctx context.Context) error
}

// Notifier sends the per-run digest of newly discovered listings.
type Notifier interface {
	SendDigest(ctx context.Context, summary *ledger.RunSummary) error
}

// Config controls run-level policy.
type Config struct {
	// RequireAuth aborts the run when authentication cannot be established
	// or recovered. When false the run falls back to unauthenticated mode
	// and takes whatever the public result pages yield.
	RequireAuth bool
}

// Runner executes watch runs. RunOnce serializes itself: the source allows
// one session at a time, so the scheduler and the HTTP trigger may both fire
// and simply queue.
type Runner struct {
	extractor Extractor
	sessions  Sessions
	engine    *reconcile.Engine
	notifier  Notifier
	queries   []ledger.Query
	cfg       Config
	logger    *slog.Logger

	runMu sync.Mutex
}

// New creates a runner. notifier may be nil to disable the digest.
func New(extractor Extractor, sessions Sessions, engine *reconcile.Engine,
	notifier Notifier, queries []ledger.Query, cfg Config, logger *slog.Logger,
) *Runner {
	return &Runner{
		extractor: extractor,
		sessions:  sessions,
		engine:    engine,
		notifier:  notifier,
		queries:   queries,
		cfg:       cfg,
		logger:    logger,
	}
}

// queryResult carries one finished query from the fetch goroutine to the
// merge loop.
type queryResult struct {
	records []ledger.RawRecord
	outcome ledger.QueryOutcome
	fatal   error // aborts the run; nothing is committed
}

// RunOnce performs one complete run and returns its summary. Queries execute
// sequentially against the one authenticated context while the previous
// query's records are merged, and cancellation is honored at query
// boundaries. A failed query never stops the others; authentication failures
// follow the RequireAuth policy.
func (r *Runner) RunOnce(ctx context.Context) (*ledger.RunSummary, error) {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	state, err := r.sessions.EnsureAuthenticated(ctx)
	if err != nil {
		if r.cfg.RequireAuth {
			return nil, fmt.Errorf("establish session: %w", err)
		}
		r.logger.Warn("Proceeding unauthenticated after session failure", "error", err)
	}
	if state == session.Authenticated {
		if art := r.sessions.Artifact(); art != nil {
			if err := r.extractor.RestoreSession(art.Blob); err != nil {
				r.logger.Warn("Failed to restore session into extractor", "error", err)
			}
		}
	}
	r.logger.Info("Run started", "queries", len(r.queries), "auth_state", state.String())

	// Depth-2 pipeline: the goroutine fetches the next query while the
	// previous one is merged here. The channel capacity bounds the depth.
	results := make(chan queryResult, 1)
	go r.fetchQueries(ctx, results)

	run := r.engine.NewRun()
	for res := range results {
		if res.fatal != nil {
			return nil, res.fatal
		}
		run.Merge(res.records, res.outcome)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	summary, err := run.Commit(ctx)
	if err != nil {
		return nil, err
	}

	// The run's data is committed; artifact and digest failures only warn.
	if err := r.sessions.Persist(ctx); err != nil {
		r.logger.Warn("Failed to persist session artifact", "error", err)
	}
	if r.notifier != nil && len(summary.NewListings) > 0 {
		if err := r.notifier.SendDigest(ctx, summary); err != nil {
			r.logger.Warn("Failed to send digest", "error", err)
		}
	}

	r.logger.Info("Run finished",
		"observed", summary.Observed,
		"inserted", summary.Inserted,
		"expired", summary.Expired,
		"expiry_skipped", summary.ExpirySkipped)
	return summary, nil
}

// fetchQueries executes every configured query in order and streams results.
// It is the only goroutine touching the extractor and the session manager.
func (r *Runner) fetchQueries(ctx context.Context, out chan<- queryResult) {
	defer close(out)

	authAbandoned := false
	for _, q := range r.queries {
		if ctx.Err() != nil {
			return
		}

		records, err := r.runQuery(ctx, q, &authAbandoned)
		res := queryResult{records: records, outcome: ledger.QueryOutcome{Query: q.Label()}}
		switch {
		case err == nil:
		case extract.IsBlocked(err) && r.cfg.RequireAuth:
			res.fatal = fmt.Errorf("query %q blocked and authentication required: %w", q.Label(), err)
		default:
			if partial, ok := extract.AsPartial(err); ok {
				res.outcome.Partial = true
				res.outcome.Error = partial.Error()
			} else {
				res.outcome.Failed = true
				res.outcome.Error = err.Error()
				r.logger.Warn("Query failed", "query", q.Label(), "error", err)
			}
		}

		select {
		case out <- res:
		case <-ctx.Done():
			return
		}
		if res.fatal != nil {
			return
		}
	}
}

// runQuery executes one query, recovering from a blocked signal by driving
// the session machine and retrying the query once. After recovery fails once,
// later blocked queries are reported without contacting the source again.
func (r *Runner) runQuery(ctx context.Context, q ledger.Query, authAbandoned *bool) ([]ledger.RawRecord, error) {
	records, err := r.extractor.RunQuery(ctx, q)
	if err == nil || !extract.IsBlocked(err) {
		return records, err
	}
	if *authAbandoned {
		return nil, err
	}

	var state session.State
	var serr error
	if extract.IsChallengeBlocked(err) {
		r.logger.Warn("Query hit a verification challenge", "query", q.Label())
		state, serr = r.sessions.ReportChallenge(ctx)
	} else {
		r.logger.Warn("Query rejected as unauthenticated", "query", q.Label())
		state, serr = r.sessions.ReportUnauthenticated(ctx)
	}
	if serr != nil || state != session.Authenticated {
		*authAbandoned = true
		// Join keeps the blocked signal detectable for the RequireAuth
		// policy while carrying the recovery failure.
		return nil, errors.Join(err, serr)
	}

	return r.extractor.RunQuery(ctx, q)
}
