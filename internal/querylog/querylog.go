// Package querylog persists the audit trail of processed queries and the
// documentation-gap flags derived from low-confidence retrievals. It lives
// in a local SQLite database: the log is operational data, not part of the
// knowledge corpus.
package querylog

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrEntryNotFound indicates the referenced log entry does not exist.
var ErrEntryNotFound = errors.New("query log entry not found")

const schema = `
CREATE TABLE IF NOT EXISTS query_log (
	id          TEXT PRIMARY KEY,
	query       TEXT NOT NULL,
	chunk_ids   TEXT NOT NULL,
	response    TEXT NOT NULL,
	user_hash   TEXT NOT NULL,
	language    TEXT NOT NULL,
	latency_ms  INTEGER NOT NULL,
	fallback    INTEGER NOT NULL DEFAULT 0,
	feedback    TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_query_log_created ON query_log(created_at);

CREATE TABLE IF NOT EXISTS gap_flags (
	id          TEXT PRIMARY KEY,
	query       TEXT NOT NULL,
	confidence  REAL NOT NULL,
	language    TEXT NOT NULL,
	created_at  TIMESTAMP NOT NULL
);
`

// Entry is one processed query's audit record.
type Entry struct {
	ID        string
	Query     string
	ChunkIDs  []string
	Response  string
	UserHash  string
	Language  string
	Latency   time.Duration
	Fallback  bool
	Feedback  string
	CreatedAt time.Time
}

// GapFlag marks a query whose retrieval confidence fell below the
// documentation-gap threshold; flags feed later clustering, not responses.
type GapFlag struct {
	ID         string
	Query      string
	Confidence float64
	Language   string
	CreatedAt  time.Time
}

// AnonymizeUser hashes a user identifier for storage. The log needs to
// correlate a user's queries, not identify the user.
func AnonymizeUser(userID string) string {
	sum := sha256.Sum256([]byte(userID))
	return hex.EncodeToString(sum[:8])
}

// Store is the SQLite-backed query log.
// Safe for concurrent use; database/sql serializes access.
type Store struct {
	db *sql.DB
}

// Open creates or opens the query log database at path and applies the
// schema. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("create query log directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open query log: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply query log schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Insert writes one entry and returns its assigned ID.
func (s *Store) Insert(ctx context.Context, e Entry) (string, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	chunkIDs, err := json.Marshal(e.ChunkIDs)
	if err != nil {
		return "", fmt.Errorf("encode chunk ids: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO query_log (id, query, chunk_ids, response, user_hash, language, latency_ms, fallback, feedback, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Query, string(chunkIDs), e.Response, e.UserHash, e.Language,
		e.Latency.Milliseconds(), boolToInt(e.Fallback), e.Feedback, e.CreatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("insert query log entry: %w", err)
	}
	return e.ID, nil
}

// SetFeedback records user feedback on an existing entry. Feedback is the
// only mutable field of an entry.
func (s *Store) SetFeedback(ctx context.Context, id, feedback string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE query_log SET feedback = ? WHERE id = ?`, feedback, id)
	if err != nil {
		return fmt.Errorf("set feedback on %q: %w", id, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set feedback on %q: %w", id, err)
	}
	if rows == 0 {
		return fmt.Errorf("set feedback on %q: %w", id, ErrEntryNotFound)
	}
	return nil
}

// Get returns one entry by ID.
func (s *Store) Get(ctx context.Context, id string) (Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, query, chunk_ids, response, user_hash, language, latency_ms, fallback, feedback, created_at
		FROM query_log WHERE id = ?`, id)
	return scanEntry(row)
}

// Recent returns the newest entries, most recent first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, query, chunk_ids, response, user_hash, language, latency_ms, fallback, feedback, created_at
		FROM query_log ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return entries, nil
}

// FlagGap records a potential documentation gap.
func (s *Store) FlagGap(ctx context.Context, query string, confidence float64, language string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO gap_flags (id, query, confidence, language, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), query, confidence, language, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("flag documentation gap: %w", err)
	}
	return nil
}

// ListGaps returns flagged gaps, newest first.
func (s *Store) ListGaps(ctx context.Context, limit int) ([]GapFlag, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, query, confidence, language, created_at
		FROM gap_flags ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list gap flags: %w", err)
	}
	defer rows.Close()

	var gaps []GapFlag
	for rows.Next() {
		var g GapFlag
		if err := rows.Scan(&g.ID, &g.Query, &g.Confidence, &g.Language, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan gap flag: %w", err)
		}
		gaps = append(gaps, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate gap flags: %w", err)
	}
	return gaps, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (Entry, error) {
	var (
		e         Entry
		chunkIDs  string
		latencyMS int64
		fallback  int
	)
	err := row.Scan(&e.ID, &e.Query, &chunkIDs, &e.Response, &e.UserHash,
		&e.Language, &latencyMS, &fallback, &e.Feedback, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrEntryNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("scan query log entry: %w", err)
	}

	if err := json.Unmarshal([]byte(chunkIDs), &e.ChunkIDs); err != nil {
		return Entry{}, fmt.Errorf("decode chunk ids of %q: %w", e.ID, err)
	}
	e.Latency = time.Duration(latencyMS) * time.Millisecond
	e.Fallback = fallback != 0
	return e, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
