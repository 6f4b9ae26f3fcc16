// Package quarantine holds intercepted messages and their review
// lifecycle. Records move Pending→Approved or Pending→Deleted exactly
// once; Deleted is a tombstone, never a physical purge, so the audit
// history survives. The store is shared by all proxy sessions and the
// admin API and is internally synchronized: status transitions are
// single-statement compare-and-set updates, so concurrent Approve/Delete
// calls on the same record race safely and exactly one wins.
package quarantine

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mailkeep/mailkeep/consts"
	"github.com/mailkeep/mailkeep/pkg/metrics"
	"github.com/mailkeep/mailkeep/server/classifier"
	"github.com/mailkeep/mailkeep/server/idgen"
	"lukechampine.com/blake3"
)

// Status is the review state of a quarantined message.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDeleted  Status = "deleted"
)

// Record is one quarantined message.
type Record struct {
	ID          string
	Identity    string
	ContentHash string // BLAKE3 of the originally captured bytes; immutable
	RawContent  []byte // Replaceable while Pending (an edit)
	Metadata    classifier.Metadata
	Status      Status
	CapturedAt  time.Time
}

// ContentHash returns the hex BLAKE3 hash used to identify a message's
// upstream bytes across fetches.
func ContentHash(raw []byte) string {
	sum := blake3.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Store is the SQLite-backed quarantine store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the quarantine database at path. The
// pragmas ride on the DSN so every pooled connection gets them; a
// busy_timeout applied with Exec would only reach the one connection
// that ran it, and concurrent writers on the others would surface
// SQLITE_BUSY instead of waiting.
func Open(path string) (*Store, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open quarantine DB: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS quarantine (
		id TEXT PRIMARY KEY,
		identity TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		raw_content BLOB NOT NULL,
		sender TEXT NOT NULL DEFAULT '',
		recipient TEXT NOT NULL DEFAULT '',
		subject TEXT NOT NULL DEFAULT '',
		sent_date TIMESTAMP,
		amount REAL,
		invoice_number TEXT NOT NULL DEFAULT '',
		vendor TEXT NOT NULL DEFAULT '',
		currency TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		captured_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_quarantine_identity ON quarantine(identity, captured_at DESC);
	CREATE INDEX IF NOT EXISTS idx_quarantine_hash ON quarantine(identity, content_hash);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create quarantine schema: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("quarantine DB ping failed: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put creates a Pending record for identity, timestamped now, and
// returns its id.
func (s *Store) Put(ctx context.Context, identity string, raw []byte, md classifier.Metadata) (string, error) {
	id := idgen.New()

	var amount any
	if md.AmountFound {
		amount = md.Amount
	}
	var sentDate any
	if !md.Date.IsZero() {
		sentDate = md.Date.UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO quarantine
			(id, identity, content_hash, raw_content, sender, recipient, subject,
			 sent_date, amount, invoice_number, vendor, currency, status, captured_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, identity, ContentHash(raw), raw, md.Sender, md.Recipient, md.Subject,
		sentDate, amount, md.InvoiceNumber, md.Vendor, md.Currency,
		string(StatusPending), time.Now().UTC())
	if err != nil {
		metrics.StoreOperations.WithLabelValues("put", "error").Inc()
		return "", fmt.Errorf("failed to store quarantined message: %w", err)
	}
	metrics.StoreOperations.WithLabelValues("put", "ok").Inc()
	return id, nil
}

const recordColumns = `id, identity, content_hash, raw_content, sender, recipient, subject,
	sent_date, amount, invoice_number, vendor, currency, status, captured_at`

func scanRecord(row interface{ Scan(...any) error }) (*Record, error) {
	var rec Record
	var status string
	var sentDate sql.NullTime
	var amount sql.NullFloat64
	err := row.Scan(&rec.ID, &rec.Identity, &rec.ContentHash, &rec.RawContent,
		&rec.Metadata.Sender, &rec.Metadata.Recipient, &rec.Metadata.Subject,
		&sentDate, &amount, &rec.Metadata.InvoiceNumber, &rec.Metadata.Vendor,
		&rec.Metadata.Currency, &status, &rec.CapturedAt)
	if err != nil {
		return nil, err
	}
	if sentDate.Valid {
		rec.Metadata.Date = sentDate.Time
	}
	if amount.Valid {
		rec.Metadata.Amount = amount.Float64
		rec.Metadata.AmountFound = true
	}
	rec.Status = Status(status)
	return &rec, nil
}

// Get returns the record with the given id.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM quarantine WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		metrics.StoreOperations.WithLabelValues("get", "not_found").Inc()
		return nil, consts.ErrStoreNotFound
	}
	if err != nil {
		metrics.StoreOperations.WithLabelValues("get", "error").Inc()
		return nil, fmt.Errorf("failed to load quarantine record: %w", err)
	}
	metrics.StoreOperations.WithLabelValues("get", "ok").Inc()
	return rec, nil
}

// FindByContentHash returns the newest record for identity whose
// originally captured bytes hash to contentHash, or ErrStoreNotFound.
func (s *Store) FindByContentHash(ctx context.Context, identity, contentHash string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM quarantine
		 WHERE identity = ? AND content_hash = ?
		 ORDER BY captured_at DESC LIMIT 1`, identity, contentHash)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, consts.ErrStoreNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up quarantine record: %w", err)
	}
	return rec, nil
}

// List returns records ordered newest-first by capture time. An empty
// identity lists all identities.
func (s *Store) List(ctx context.Context, identity string) ([]*Record, error) {
	query := `SELECT ` + recordColumns + ` FROM quarantine`
	var args []any
	if identity != "" {
		query += ` WHERE identity = ?`
		args = append(args, identity)
	}
	query += ` ORDER BY captured_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		metrics.StoreOperations.WithLabelValues("list", "error").Inc()
		return nil, fmt.Errorf("failed to list quarantine records: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			metrics.StoreOperations.WithLabelValues("list", "error").Inc()
			return nil, fmt.Errorf("failed to scan quarantine record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		metrics.StoreOperations.WithLabelValues("list", "error").Inc()
		return nil, fmt.Errorf("failed to read quarantine records: %w", err)
	}
	metrics.StoreOperations.WithLabelValues("list", "ok").Inc()
	return records, nil
}

// Approve transitions a Pending record to Approved. An approved message
// joins the identity's cleared set: the next retrieval of the same
// upstream bytes delivers the record's current (possibly edited) content.
// Returns ErrStoreConflict if the record is already Approved or Deleted.
func (s *Store) Approve(ctx context.Context, id string) error {
	return s.transition(ctx, "approve", id, StatusApproved)
}

// Delete transitions a Pending record to Deleted. The record remains in
// storage as a tombstone and the message stays permanently withheld.
// Returns ErrStoreConflict if the record is already Approved or Deleted.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.transition(ctx, "delete", id, StatusDeleted)
}

// transition is the atomic compare-and-set at the heart of the lifecycle:
// the UPDATE only matches while the record is still Pending, so of two
// racing callers exactly one observes RowsAffected == 1.
func (s *Store) transition(ctx context.Context, op, id string, to Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE quarantine SET status = ? WHERE id = ? AND status = ?`,
		string(to), id, string(StatusPending))
	if err != nil {
		metrics.StoreOperations.WithLabelValues(op, "error").Inc()
		return fmt.Errorf("failed to update quarantine status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		metrics.StoreOperations.WithLabelValues(op, "error").Inc()
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 1 {
		metrics.StoreOperations.WithLabelValues(op, "ok").Inc()
		return nil
	}

	// Lost the race or bad id: disambiguate.
	var exists int
	err = s.db.QueryRowContext(ctx,
		`SELECT 1 FROM quarantine WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		metrics.StoreOperations.WithLabelValues(op, "not_found").Inc()
		return consts.ErrStoreNotFound
	}
	if err != nil {
		metrics.StoreOperations.WithLabelValues(op, "error").Inc()
		return fmt.Errorf("failed to check quarantine record: %w", err)
	}
	metrics.StoreOperations.WithLabelValues(op, "conflict").Inc()
	return consts.ErrStoreConflict
}

// UpdateContent replaces the raw content of a Pending record. Metadata is
// deliberately not re-derived: an edited message must be re-approved by
// the caller and is delivered with its edited bytes, not re-classified.
func (s *Store) UpdateContent(ctx context.Context, id string, raw []byte) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE quarantine SET raw_content = ? WHERE id = ? AND status = ?`,
		raw, id, string(StatusPending))
	if err != nil {
		metrics.StoreOperations.WithLabelValues("update", "error").Inc()
		return fmt.Errorf("failed to update quarantine content: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		metrics.StoreOperations.WithLabelValues("update", "error").Inc()
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 1 {
		metrics.StoreOperations.WithLabelValues("update", "ok").Inc()
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx,
		`SELECT 1 FROM quarantine WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		metrics.StoreOperations.WithLabelValues("update", "not_found").Inc()
		return consts.ErrStoreNotFound
	}
	if err != nil {
		metrics.StoreOperations.WithLabelValues("update", "error").Inc()
		return fmt.Errorf("failed to check quarantine record: %w", err)
	}
	metrics.StoreOperations.WithLabelValues("update", "conflict").Inc()
	return consts.ErrStoreConflict
}

// Stats returns aggregate counts for the admin stats endpoint.
func (s *Store) Stats(ctx context.Context) (pending, approved, deleted int64, err error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM quarantine GROUP BY status`)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("failed to read quarantine stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return 0, 0, 0, fmt.Errorf("failed to scan quarantine stats: %w", err)
		}
		switch Status(status) {
		case StatusPending:
			pending = count
		case StatusApproved:
			approved = count
		case StatusDeleted:
			deleted = count
		}
	}
	return pending, approved, deleted, rows.Err()
}
