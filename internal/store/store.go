// Package store keeps imported detection rules in a SQLite signature store.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Signature statuses.
const (
	StatusDeployed = "DEPLOYED"
	StatusNoisy    = "NOISY"
	StatusDisabled = "DISABLED"
)

// Signature is one stored rule.
type Signature struct {
	ID             int64     `json:"id"`
	Source         string    `json:"source"`
	Type           string    `json:"type"`
	Name           string    `json:"name"`
	SignatureID    string    `json:"signature_id"`
	Status         string    `json:"status"`
	Classification string    `json:"classification"`
	Order          int       `json:"order"`
	Data           string    `json:"data"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Store is a signature store backed by one SQLite database file.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS signatures (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	source TEXT NOT NULL,
	type TEXT NOT NULL,
	name TEXT NOT NULL,
	signature_id TEXT NOT NULL,
	status TEXT NOT NULL,
	classification TEXT NOT NULL,
	sig_order INTEGER NOT NULL DEFAULT 0,
	data TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_signatures_sid ON signatures (type, source, signature_id);
CREATE INDEX IF NOT EXISTS idx_signatures_name ON signatures (type, source, name);
`

// Open opens (creating if needed) the signature store at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open signature store: %w", err)
	}
	// one writer; the driver serializes access per connection
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create signatures table: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// AddOrUpdate upserts records under source and ruleType in one transaction
// and returns how many succeeded. Records are matched on name when
// dedupByName is set, otherwise on signature id. A record that fails is
// skipped; only a failure to commit fails the whole batch.
func (s *Store) AddOrUpdate(ctx context.Context, source, ruleType string, records []Signature, dedupByName bool) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	lookup := `SELECT id FROM signatures WHERE type = ? AND source = ? AND signature_id = ?`
	if dedupByName {
		lookup = `SELECT id FROM signatures WHERE type = ? AND source = ? AND name = ?`
	}
	now := time.Now().UTC().Format(time.RFC3339)

	succeeded := 0
	for _, r := range records {
		if r.SignatureID == "" && r.Name == "" {
			continue
		}
		key := r.SignatureID
		if dedupByName {
			key = r.Name
		}

		var id int64
		err := tx.QueryRowContext(ctx, lookup, ruleType, source, key).Scan(&id)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			_, err = tx.ExecContext(ctx,
				`INSERT INTO signatures (source, type, name, signature_id, status, classification, sig_order, data, updated_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				source, ruleType, r.Name, r.SignatureID, r.Status, r.Classification, r.Order, r.Data, now)
		case err == nil:
			_, err = tx.ExecContext(ctx,
				`UPDATE signatures SET name = ?, signature_id = ?, status = ?, classification = ?, sig_order = ?, data = ?, updated_at = ?
				 WHERE id = ?`,
				r.Name, r.SignatureID, r.Status, r.Classification, r.Order, r.Data, now, id)
		}
		if err != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			continue
		}
		succeeded++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return succeeded, nil
}

// List returns the signatures stored under source, or all signatures when
// source is empty, ordered by source and order.
func (s *Store) List(ctx context.Context, source string) ([]Signature, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := `SELECT id, source, type, name, signature_id, status, classification, sig_order, data, updated_at FROM signatures`
	var args []any
	if source != "" {
		q += ` WHERE source = ?`
		args = append(args, source)
	}
	q += ` ORDER BY source, sig_order, id`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query signatures: %w", err)
	}
	defer rows.Close()

	var out []Signature
	for rows.Next() {
		var sig Signature
		var updated string
		if err := rows.Scan(&sig.ID, &sig.Source, &sig.Type, &sig.Name, &sig.SignatureID,
			&sig.Status, &sig.Classification, &sig.Order, &sig.Data, &updated); err != nil {
			return nil, fmt.Errorf("scan signature: %w", err)
		}
		sig.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
		out = append(out, sig)
	}
	return out, rows.Err()
}

// Count returns the number of signatures per status under source.
func (s *Store) Count(ctx context.Context, source string) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM signatures WHERE source = ? GROUP BY status`, source)
	if err != nil {
		return nil, fmt.Errorf("count signatures: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}
