package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"linkedin-watcher/pkg/ledger"
	"linkedin-watcher/store"
)

type fakeRunner struct {
	summary *ledger.RunSummary
	err     error
	runs    int
}

func (f *fakeRunner) RunOnce(_ context.Context) (*ledger.RunSummary, error) {
	f.runs++
	return f.summary, f.err
}

type fakeLedger struct {
	listings []*ledger.Listing
	applied  []string
	stats    ledger.Stats
}

func (f *fakeLedger) ListActive(_ context.Context) ([]*ledger.Listing, error) {
	return f.listings, nil
}

func (f *fakeLedger) MarkApplied(_ context.Context, id string) error {
	for _, l := range f.listings {
		if l.ID == id {
			f.applied = append(f.applied, id)
			return nil
		}
	}
	return store.ErrNotFound
}

func (f *fakeLedger) Stats(_ context.Context) (ledger.Stats, error) {
	return f.stats, nil
}

func testServer(runner *fakeRunner, lg *fakeLedger) *Server {
	logger := slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(&Config{Runner: runner, Ledger: lg, Logger: logger})
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func TestHealthEndpoint(t *testing.T) {
	srv := testServer(&fakeRunner{}, &fakeLedger{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "healthy") {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestRunEndpoint(t *testing.T) {
	runner := &fakeRunner{summary: &ledger.RunSummary{RunDate: time.Now(), Observed: 5, Inserted: 2}}
	srv := testServer(runner, &fakeLedger{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/runz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if runner.runs != 1 {
		t.Errorf("runs = %d, want 1", runner.runs)
	}

	var summary ledger.RunSummary
	if err := json.NewDecoder(rec.Body).Decode(&summary); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if summary.Observed != 5 || summary.Inserted != 2 {
		t.Errorf("summary = %+v", summary)
	}
}

func TestRunEndpointFailure(t *testing.T) {
	runner := &fakeRunner{err: errors.New("store unavailable")}
	srv := testServer(runner, &fakeLedger{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/runz", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestRunEndpointRejectsGet(t *testing.T) {
	srv := testServer(&fakeRunner{}, &fakeLedger{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runz", nil))

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestListingsEndpoint(t *testing.T) {
	lg := &fakeLedger{listings: []*ledger.Listing{
		{ID: "101", Title: "Backend Engineer", Active: true, Status: ledger.StatusNotApplied},
	}}
	srv := testServer(&fakeRunner{}, lg)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/listings", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var listings []*ledger.Listing
	if err := json.NewDecoder(rec.Body).Decode(&listings); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(listings) != 1 || listings[0].ID != "101" {
		t.Errorf("listings = %+v", listings)
	}
}

func TestListingsEndpointEmpty(t *testing.T) {
	srv := testServer(&fakeRunner{}, &fakeLedger{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/listings", nil))

	if got := strings.TrimSpace(rec.Body.String()); got != "[]" {
		t.Errorf("body = %q, want empty JSON array", got)
	}
}

func TestMarkAppliedEndpoint(t *testing.T) {
	lg := &fakeLedger{listings: []*ledger.Listing{{ID: "101", Title: "Backend Engineer"}}}
	srv := testServer(&fakeRunner{}, lg)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/listings/101/applied", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(lg.applied) != 1 || lg.applied[0] != "101" {
		t.Errorf("applied = %v, want [101]", lg.applied)
	}
}

func TestMarkAppliedMissingListing(t *testing.T) {
	srv := testServer(&fakeRunner{}, &fakeLedger{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/listings/999/applied", nil))

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestStatsEndpoint(t *testing.T) {
	lg := &fakeLedger{stats: ledger.Stats{Total: 10, Active: 7, Expired: 3, Applied: 2, NotApplied: 8}}
	srv := testServer(&fakeRunner{}, lg)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var stats ledger.Stats
	if err := json.NewDecoder(rec.Body).Decode(&stats); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if stats != lg.stats {
		t.Errorf("stats = %+v, want %+v", stats, lg.stats)
	}
}
