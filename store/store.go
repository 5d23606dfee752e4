// Package store persists the listing ledger in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"linkedin-watcher/pkg/ledger"
)

// dateLayout matches how sighting dates are kept in the database. Day
// granularity is all reconciliation needs.
const dateLayout = "2006-01-02"

// ErrNotFound is returned by operations that require an existing listing.
var ErrNotFound = errors.New("listing not found")

// DB is the SQLite-backed ledger.
type DB struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or opens the ledger database at dbPath.
func Open(dbPath string, logger *slog.Logger) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL mode so a serve-mode HTTP read never blocks behind a run's write.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &DB{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *DB) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS listings (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		company TEXT,
		location TEXT,
		url TEXT,
		posted_at TEXT,
		first_seen TEXT NOT NULL,
		last_seen TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'not_applied',
		applied_on TEXT,
		active INTEGER NOT NULL DEFAULT 1
	);
	CREATE INDEX IF NOT EXISTS idx_listings_active ON listings(active);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *DB) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

const listingColumns = `id, title, company, location, url, posted_at,
	first_seen, last_seen, status, applied_on, active`

// Get retrieves one listing by id, or (nil, nil) when absent.
func (s *DB) Get(ctx context.Context, id string) (*ledger.Listing, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+listingColumns+` FROM listings WHERE id = ?`, id)
	l, err := scanListing(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan listing row: %w", err)
	}
	return l, nil
}

// ActiveIDs returns the ids of all active listings.
func (s *DB) ActiveIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM listings WHERE active = 1`)
	if err != nil {
		return nil, fmt.Errorf("query active ids: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			s.logger.Warn("Failed to close active id rows", "error", closeErr)
		}
	}()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan active id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate active ids: %w", err)
	}
	return ids, nil
}

// ApplyBatch commits one run's changes in a single transaction: all upserts,
// then expiry of the given ids. Re-running the same batch is harmless.
func (s *DB) ApplyBatch(ctx context.Context, upserts []*ledger.Listing, expire []string) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				s.logger.Warn("Failed to roll back batch", "error", rbErr)
			}
		}
	}()

	upsertQuery := `
	INSERT INTO listings (` + listingColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		title = excluded.title,
		company = excluded.company,
		location = excluded.location,
		url = excluded.url,
		posted_at = excluded.posted_at,
		last_seen = excluded.last_seen,
		active = excluded.active`

	for _, l := range upserts {
		var appliedOn any
		if !l.AppliedOn.IsZero() {
			appliedOn = l.AppliedOn.Format(dateLayout)
		}
		if _, err = tx.ExecContext(ctx, upsertQuery,
			l.ID, l.Title, l.Company, l.Location, l.URL, l.PostedAt,
			l.FirstSeen.Format(dateLayout), l.LastSeen.Format(dateLayout),
			l.Status, appliedOn, boolInt(l.Active),
		); err != nil {
			return fmt.Errorf("upsert listing %s: %w", l.ID, err)
		}
	}

	for _, id := range expire {
		if _, err = tx.ExecContext(ctx,
			`UPDATE listings SET active = 0 WHERE id = ?`, id); err != nil {
			return fmt.Errorf("expire listing %s: %w", id, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

// ListActive returns all active listings, newest first sighting first.
func (s *DB) ListActive(ctx context.Context) ([]*ledger.Listing, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+listingColumns+` FROM listings WHERE active = 1
		 ORDER BY first_seen DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("query active listings: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			s.logger.Warn("Failed to close listing rows", "error", closeErr)
		}
	}()

	var listings []*ledger.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, fmt.Errorf("scan listing row: %w", err)
		}
		listings = append(listings, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate listings: %w", err)
	}
	return listings, nil
}

// MarkApplied records that the user applied to a listing today.
func (s *DB) MarkApplied(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE listings SET status = ?, applied_on = ? WHERE id = ?`,
		ledger.StatusApplied, time.Now().Format(dateLayout), id)
	if err != nil {
		return fmt.Errorf("mark applied: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("mark applied %s: %w", id, ErrNotFound)
	}
	s.logger.Info("Listing marked applied", "id", id)
	return nil
}

// Stats summarizes the whole ledger.
func (s *DB) Stats(ctx context.Context) (ledger.Stats, error) {
	var stats ledger.Stats
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(active), 0),
		       COALESCE(SUM(1 - active), 0),
		       COALESCE(SUM(status = 'applied'), 0),
		       COALESCE(SUM(status != 'applied'), 0)
		FROM listings`)
	if err := row.Scan(&stats.Total, &stats.Active, &stats.Expired,
		&stats.Applied, &stats.NotApplied); err != nil {
		return ledger.Stats{}, fmt.Errorf("scan stats: %w", err)
	}
	return stats, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanListing(row rowScanner) (*ledger.Listing, error) {
	var l ledger.Listing
	var company, location, url, postedAt, appliedOn sql.NullString
	var firstSeen, lastSeen string
	var active int

	err := row.Scan(&l.ID, &l.Title, &company, &location, &url, &postedAt,
		&firstSeen, &lastSeen, &l.Status, &appliedOn, &active)
	if err != nil {
		return nil, err
	}

	l.Company = company.String
	l.Location = location.String
	l.URL = url.String
	l.PostedAt = postedAt.String
	l.Active = active != 0

	if l.FirstSeen, err = time.Parse(dateLayout, firstSeen); err != nil {
		return nil, fmt.Errorf("parse first_seen %q: %w", firstSeen, err)
	}
	if l.LastSeen, err = time.Parse(dateLayout, lastSeen); err != nil {
		return nil, fmt.Errorf("parse last_seen %q: %w", lastSeen, err)
	}
	if appliedOn.Valid && appliedOn.String != "" {
		if l.AppliedOn, err = time.Parse(dateLayout, appliedOn.String); err != nil {
			return nil, fmt.Errorf("parse applied_on %q: %w", appliedOn.String, err)
		}
	}
	return &l, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
