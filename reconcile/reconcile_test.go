package reconcile

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"linkedin-watcher/pkg/ledger"
)

type fakeStore struct {
	listings map[string]*ledger.Listing

	upserts []*ledger.Listing
	expired []string
	applied bool
}

func newFakeStore(listings ...*ledger.Listing) *fakeStore {
	s := &fakeStore{listings: make(map[string]*ledger.Listing)}
	for _, l := range listings {
		s.listings[l.ID] = l
	}
	return s
}

func (s *fakeStore) Get(_ context.Context, id string) (*ledger.Listing, error) {
	l, ok := s.listings[id]
	if !ok {
		return nil, nil
	}
	cp := *l
	return &cp, nil
}

func (s *fakeStore) ActiveIDs(_ context.Context) ([]string, error) {
	var ids []string
	for id, l := range s.listings {
		if l.Active {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *fakeStore) ApplyBatch(_ context.Context, upserts []*ledger.Listing, expire []string) error {
	s.applied = true
	s.upserts = upserts
	s.expired = expire
	for _, l := range upserts {
		cp := *l
		s.listings[l.ID] = &cp
	}
	for _, id := range expire {
		if l, ok := s.listings[id]; ok {
			l.Active = false
		}
	}
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func activeListing(id, title string, firstSeen time.Time) *ledger.Listing {
	return &ledger.Listing{
		ID:        id,
		Title:     title,
		FirstSeen: firstSeen,
		LastSeen:  firstSeen,
		Status:    ledger.StatusNotApplied,
		Active:    true,
	}
}

func okOutcome(label string) ledger.QueryOutcome {
	return ledger.QueryOutcome{Query: label}
}

func TestCommitInsertsNewListings(t *testing.T) {
	store := newFakeStore()
	engine := New(store, Config{}, testLogger())

	run := engine.NewRun()
	run.Merge([]ledger.RawRecord{
		{ExternalID: "101", Title: "Backend Engineer", Company: "Acme", URL: "https://example.com/101"},
		{ExternalID: "102", Title: "SRE", Company: "Initech"},
	}, okOutcome("go / remote"))

	summary, err := run.Commit(context.Background())
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if summary.Inserted != 2 {
		t.Errorf("Inserted = %d, want 2", summary.Inserted)
	}
	if len(summary.NewListings) != 2 {
		t.Errorf("NewListings = %d, want 2", len(summary.NewListings))
	}

	l := store.listings["101"]
	if l == nil {
		t.Fatal("listing 101 not stored")
	}
	if !l.Active {
		t.Error("new listing not active")
	}
	if l.Status != ledger.StatusNotApplied {
		t.Errorf("Status = %q, want %q", l.Status, ledger.StatusNotApplied)
	}
	if l.FirstSeen.IsZero() || !l.FirstSeen.Equal(l.LastSeen) {
		t.Errorf("new listing FirstSeen/LastSeen = %v/%v, want equal and set", l.FirstSeen, l.LastSeen)
	}
}

func TestCommitRefreshesKnownListings(t *testing.T) {
	firstSeen := time.Now().Add(-72 * time.Hour)
	existing := activeListing("101", "Backend Engineer", firstSeen)
	existing.Status = ledger.StatusApplied
	existing.AppliedOn = firstSeen.Add(24 * time.Hour)
	store := newFakeStore(existing)
	engine := New(store, Config{}, testLogger())

	run := engine.NewRun()
	run.Merge([]ledger.RawRecord{
		{ExternalID: "101", Title: "Backend Engineer II", Company: "Acme"},
	}, okOutcome("go / remote"))

	summary, err := run.Commit(context.Background())
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if summary.Refreshed != 1 || summary.Inserted != 0 {
		t.Errorf("Refreshed/Inserted = %d/%d, want 1/0", summary.Refreshed, summary.Inserted)
	}

	l := store.listings["101"]
	if l.Title != "Backend Engineer II" {
		t.Errorf("Title = %q, want refreshed title", l.Title)
	}
	if !l.FirstSeen.Equal(firstSeen) {
		t.Errorf("FirstSeen changed on refresh: %v", l.FirstSeen)
	}
	if l.LastSeen.Equal(firstSeen) {
		t.Error("LastSeen not advanced on refresh")
	}
	if l.Status != ledger.StatusApplied || l.AppliedOn.IsZero() {
		t.Error("refresh must not touch status or applied-on")
	}
}

func TestCommitResurrectsExpiredListing(t *testing.T) {
	firstSeen := time.Now().Add(-30 * 24 * time.Hour)
	expired := activeListing("200", "Data Engineer", firstSeen)
	expired.Active = false
	store := newFakeStore(expired)
	engine := New(store, Config{}, testLogger())

	run := engine.NewRun()
	run.Merge([]ledger.RawRecord{
		{ExternalID: "200", Title: "Data Engineer"},
	}, okOutcome("data / berlin"))

	summary, err := run.Commit(context.Background())
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if summary.Resurrected != 1 {
		t.Errorf("Resurrected = %d, want 1", summary.Resurrected)
	}

	l := store.listings["200"]
	if !l.Active {
		t.Error("resurrected listing not active")
	}
	if !l.FirstSeen.Equal(firstSeen) {
		t.Errorf("FirstSeen not preserved on resurrect: %v", l.FirstSeen)
	}
}

func TestCommitExpiresUnobservedListings(t *testing.T) {
	old := time.Now().Add(-48 * time.Hour)
	store := newFakeStore(
		activeListing("101", "Kept", old),
		activeListing("102", "Gone", old),
	)
	engine := New(store, Config{}, testLogger())

	run := engine.NewRun()
	run.Merge([]ledger.RawRecord{{ExternalID: "101", Title: "Kept"}}, okOutcome("go / remote"))

	summary, err := run.Commit(context.Background())
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if summary.Expired != 1 {
		t.Errorf("Expired = %d, want 1", summary.Expired)
	}
	if store.listings["102"].Active {
		t.Error("unobserved listing still active")
	}
	if !store.listings["101"].Active {
		t.Error("observed listing expired")
	}
}

func TestExpiryGuard(t *testing.T) {
	tests := []struct {
		name       string
		merge      func(r *Run)
		wantSkip   bool
		wantExpire int
	}{
		{
			name:     "empty observation set",
			merge:    func(r *Run) { r.Merge(nil, okOutcome("go / remote")) },
			wantSkip: true,
		},
		{
			name: "one query failed entirely",
			merge: func(r *Run) {
				r.Merge([]ledger.RawRecord{{ExternalID: "900", Title: "New"}}, okOutcome("go / remote"))
				r.Merge(nil, ledger.QueryOutcome{Query: "data / berlin", Failed: true, Error: "extraction unavailable"})
			},
			wantSkip: true,
		},
		{
			name: "too many empty queries",
			merge: func(r *Run) {
				r.Merge([]ledger.RawRecord{{ExternalID: "900", Title: "New"}}, okOutcome("q1"))
				r.Merge(nil, okOutcome("q2"))
				r.Merge(nil, okOutcome("q3"))
			},
			wantSkip: true,
		},
		{
			name: "healthy run expires",
			merge: func(r *Run) {
				r.Merge([]ledger.RawRecord{{ExternalID: "900", Title: "New"}}, okOutcome("q1"))
				r.Merge([]ledger.RawRecord{{ExternalID: "901", Title: "Other"}}, okOutcome("q2"))
			},
			wantSkip:   false,
			wantExpire: 2,
		},
		{
			name: "partial result still counts as observed",
			merge: func(r *Run) {
				r.Merge([]ledger.RawRecord{{ExternalID: "900", Title: "New"}},
					ledger.QueryOutcome{Query: "q1", Partial: true, Error: "partial after page 2"})
				r.Merge([]ledger.RawRecord{{ExternalID: "901", Title: "Other"}}, okOutcome("q2"))
			},
			wantSkip:   false,
			wantExpire: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			old := time.Now().Add(-48 * time.Hour)
			store := newFakeStore(
				activeListing("101", "Old A", old),
				activeListing("102", "Old B", old),
			)
			engine := New(store, Config{}, testLogger())

			run := engine.NewRun()
			tt.merge(run)

			summary, err := run.Commit(context.Background())
			if err != nil {
				t.Fatalf("Commit() error = %v", err)
			}
			if summary.ExpirySkipped != tt.wantSkip {
				t.Errorf("ExpirySkipped = %v, want %v (reason %q)",
					summary.ExpirySkipped, tt.wantSkip, summary.ExpirySkipReason)
			}
			if summary.Expired != tt.wantExpire {
				t.Errorf("Expired = %d, want %d", summary.Expired, tt.wantExpire)
			}
			if !store.applied {
				t.Error("batch never applied; upserts must commit even when expiry is skipped")
			}
		})
	}
}

func TestMergeDeduplicatesAcrossQueries(t *testing.T) {
	store := newFakeStore()
	engine := New(store, Config{}, testLogger())

	run := engine.NewRun()
	run.Merge([]ledger.RawRecord{
		{ExternalID: "300", Title: "Platform Engineer", Company: "Acme", Location: "Remote"},
	}, okOutcome("q1"))
	run.Merge([]ledger.RawRecord{
		{ExternalID: "300", Title: "Platform Engineer (Senior)", Company: ""},
	}, okOutcome("q2"))

	summary, err := run.Commit(context.Background())
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if summary.Observed != 1 || summary.Inserted != 1 {
		t.Errorf("Observed/Inserted = %d/%d, want 1/1", summary.Observed, summary.Inserted)
	}

	l := store.listings["300"]
	if l.Title != "Platform Engineer (Senior)" {
		t.Errorf("Title = %q, want later query's value", l.Title)
	}
	if l.Company != "Acme" {
		t.Errorf("Company = %q, empty field must not clobber", l.Company)
	}
}

func TestMergeSkipsRecordsWithoutID(t *testing.T) {
	store := newFakeStore()
	engine := New(store, Config{}, testLogger())

	run := engine.NewRun()
	run.Merge([]ledger.RawRecord{
		{ExternalID: "", Title: "Broken card"},
		{ExternalID: "400", Title: "Good card"},
	}, okOutcome("q1"))

	summary, err := run.Commit(context.Background())
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if summary.Skipped != 1 {
		t.Errorf("Skipped = %d, want 1", summary.Skipped)
	}
	if summary.Inserted != 1 {
		t.Errorf("Inserted = %d, want 1", summary.Inserted)
	}
}

func TestCommitIsIdempotentAcrossRuns(t *testing.T) {
	store := newFakeStore()
	engine := New(store, Config{}, testLogger())

	records := []ledger.RawRecord{{ExternalID: "500", Title: "Repeat"}}

	run := engine.NewRun()
	run.Merge(records, okOutcome("q1"))
	if _, err := run.Commit(context.Background()); err != nil {
		t.Fatalf("first Commit() error = %v", err)
	}
	firstSeen := store.listings["500"].FirstSeen

	run = engine.NewRun()
	run.Merge(records, okOutcome("q1"))
	summary, err := run.Commit(context.Background())
	if err != nil {
		t.Fatalf("second Commit() error = %v", err)
	}
	if summary.Inserted != 0 || summary.Refreshed != 1 {
		t.Errorf("second run Inserted/Refreshed = %d/%d, want 0/1", summary.Inserted, summary.Refreshed)
	}
	if !store.listings["500"].FirstSeen.Equal(firstSeen) {
		t.Error("FirstSeen drifted across identical runs")
	}
}
