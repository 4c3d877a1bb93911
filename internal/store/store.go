// Package store keeps a SQLite log of feed fetches and the last document
// each session displayed.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ppiankov/feedsync/internal/render"
)

// ErrNotFound is returned when no stored document exists.
var ErrNotFound = errors.New("not found")

// Outcome values recorded for each fetch.
const (
	OutcomeSuccess         = "success"
	OutcomeConnectionError = "connection_error"
	OutcomeParseError      = "parse_error"
)

type Store struct {
	db *sql.DB
}

// Fetch is one completed fetch attempt as recorded.
type Fetch struct {
	ID         int64
	SessionID  string
	URL        string
	Network    string
	Outcome    string
	Entries    int
	Bytes      int64
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Duration is how long the fetch took end to end.
func (f Fetch) Duration() time.Duration {
	return f.FinishedAt.Sub(f.StartedAt)
}

type FetchInput struct {
	SessionID  string
	URL        string
	Network    string
	Outcome    string
	Entries    int
	Bytes      int64
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// StoredDocument is a rendered document plus where and when it was shown.
type StoredDocument struct {
	SessionID  string
	URL        string
	RenderedAt time.Time
	Document   render.Document
}

// NewSessionID returns a random identifier for one watch or fetch run.
func NewSessionID() string {
	return uuid.NewString()
}

func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("path is required")
	}

	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// The coordinator and CLI share one handle; SQLite serializes writers
	// anyway and a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}

	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) ready() error {
	if s == nil || s.db == nil {
		return errors.New("store is not initialized")
	}
	return nil
}

// RecordFetch appends one fetch to the log.
func (s *Store) RecordFetch(ctx context.Context, in FetchInput) (Fetch, error) {
	if err := s.ready(); err != nil {
		return Fetch{}, err
	}
	if strings.TrimSpace(in.SessionID) == "" {
		return Fetch{}, errors.New("session_id is required")
	}
	if strings.TrimSpace(in.URL) == "" {
		return Fetch{}, errors.New("url is required")
	}
	switch in.Outcome {
	case OutcomeSuccess, OutcomeConnectionError, OutcomeParseError:
	default:
		return Fetch{}, fmt.Errorf("unknown outcome %q", in.Outcome)
	}
	if in.StartedAt.IsZero() {
		return Fetch{}, errors.New("started_at is required")
	}
	if in.FinishedAt.IsZero() {
		in.FinishedAt = in.StartedAt
	}

	var errVal sql.NullString
	if in.Error != "" {
		errVal = sql.NullString{String: in.Error, Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO fetches (session_id, url, network, outcome, entries, bytes, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		in.SessionID,
		in.URL,
		in.Network,
		in.Outcome,
		in.Entries,
		in.Bytes,
		errVal,
		formatTime(in.StartedAt),
		formatTime(in.FinishedAt),
	)
	if err != nil {
		return Fetch{}, fmt.Errorf("record fetch: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Fetch{}, fmt.Errorf("record fetch id: %w", err)
	}

	return Fetch{
		ID:         id,
		SessionID:  in.SessionID,
		URL:        in.URL,
		Network:    in.Network,
		Outcome:    in.Outcome,
		Entries:    in.Entries,
		Bytes:      in.Bytes,
		Error:      in.Error,
		StartedAt:  in.StartedAt.UTC(),
		FinishedAt: in.FinishedAt.UTC(),
	}, nil
}

// SaveDocument stores doc as the session's current document, replacing
// whatever the session showed before.
func (s *Store) SaveDocument(ctx context.Context, sessionID, url string, doc render.Document, at time.Time) error {
	if err := s.ready(); err != nil {
		return err
	}
	if strings.TrimSpace(sessionID) == "" {
		return errors.New("session_id is required")
	}
	if at.IsZero() {
		return errors.New("rendered_at is required")
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (session_id, url, kind, body, rendered_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			url = excluded.url,
			kind = excluded.kind,
			body = excluded.body,
			rendered_at = excluded.rendered_at
	`, sessionID, url, string(doc.Kind), string(body), formatTime(at))
	if err != nil {
		return fmt.Errorf("save document: %w", err)
	}
	return nil
}

// LatestDocument returns the most recently rendered document across all
// sessions, optionally only documents of the given kinds.
func (s *Store) LatestDocument(ctx context.Context, kinds ...render.Kind) (StoredDocument, error) {
	if err := s.ready(); err != nil {
		return StoredDocument{}, err
	}

	query := "SELECT session_id, url, body, rendered_at FROM documents"
	var args []any
	if len(kinds) > 0 {
		placeholders := make([]string, len(kinds))
		for i, k := range kinds {
			placeholders[i] = "?"
			args = append(args, string(k))
		}
		query += " WHERE kind IN (" + strings.Join(placeholders, ",") + ")"
	}
	query += " ORDER BY rendered_at DESC LIMIT 1"

	var (
		sd         StoredDocument
		body       string
		renderedAt string
	)
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&sd.SessionID, &sd.URL, &body, &renderedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return StoredDocument{}, ErrNotFound
	}
	if err != nil {
		return StoredDocument{}, fmt.Errorf("latest document: %w", err)
	}
	if err := json.Unmarshal([]byte(body), &sd.Document); err != nil {
		return StoredDocument{}, fmt.Errorf("decode document: %w", err)
	}
	if sd.RenderedAt, err = parseTime(renderedAt); err != nil {
		return StoredDocument{}, fmt.Errorf("parse rendered_at: %w", err)
	}
	return sd, nil
}

// FetchFilter narrows ListFetches. Zero fields match everything.
type FetchFilter struct {
	URL       string
	SessionID string
	Outcome   string
	Since     time.Time
	Limit     int
}

// ListFetches returns recorded fetches, newest first.
func (s *Store) ListFetches(ctx context.Context, filter FetchFilter) ([]Fetch, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	query := `
		SELECT id, session_id, url, network, outcome, entries, bytes, error, started_at, finished_at
		FROM fetches
		WHERE started_at >= ?`
	args := []any{formatTime(filter.Since)}

	if filter.URL != "" {
		query += " AND url = ?"
		args = append(args, filter.URL)
	}
	if filter.SessionID != "" {
		query += " AND session_id = ?"
		args = append(args, filter.SessionID)
	}
	if filter.Outcome != "" {
		query += " AND outcome = ?"
		args = append(args, filter.Outcome)
	}
	query += " ORDER BY started_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list fetches: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var fetches []Fetch
	for rows.Next() {
		f, err := scanFetch(rows)
		if err != nil {
			return nil, err
		}
		fetches = append(fetches, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fetches: %w", err)
	}
	return fetches, nil
}

// FetchStats aggregates fetch outcomes for one URL.
type FetchStats struct {
	URL              string
	Total            int
	Success          int
	ConnectionErrors int
	ParseErrors      int
	Bytes            int64
	LastFetch        time.Time
	LastSuccess      time.Time
}

// GetFetchStats returns per-URL aggregates for fetches since the given time.
func (s *Store) GetFetchStats(ctx context.Context, since time.Time) ([]FetchStats, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT url,
			COUNT(*) AS total,
			SUM(CASE WHEN outcome = 'success' THEN 1 ELSE 0 END) AS success,
			SUM(CASE WHEN outcome = 'connection_error' THEN 1 ELSE 0 END) AS conn_errors,
			SUM(CASE WHEN outcome = 'parse_error' THEN 1 ELSE 0 END) AS parse_errors,
			SUM(bytes) AS bytes,
			MAX(started_at) AS last_fetch,
			COALESCE(MAX(CASE WHEN outcome = 'success' THEN started_at END), '') AS last_success
		FROM fetches
		WHERE started_at >= ?
		GROUP BY url
		ORDER BY url
	`, formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("get fetch stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var stats []FetchStats
	for rows.Next() {
		var (
			fs                     FetchStats
			lastFetch, lastSuccess string
		)
		if err := rows.Scan(&fs.URL, &fs.Total, &fs.Success, &fs.ConnectionErrors, &fs.ParseErrors, &fs.Bytes, &lastFetch, &lastSuccess); err != nil {
			return nil, fmt.Errorf("scan fetch stats: %w", err)
		}
		if fs.LastFetch, err = parseTime(lastFetch); err != nil {
			return nil, fmt.Errorf("parse last_fetch: %w", err)
		}
		if fs.LastSuccess, err = parseTime(lastSuccess); err != nil {
			return nil, fmt.Errorf("parse last_success: %w", err)
		}
		stats = append(stats, fs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fetch stats: %w", err)
	}
	return stats, nil
}

// PruneOld deletes fetches and documents older than retainDays. Returns the
// number of fetch rows removed.
func (s *Store) PruneOld(ctx context.Context, retainDays int) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	if retainDays <= 0 {
		return 0, nil
	}

	cutoff := formatTime(time.Now().AddDate(0, 0, -retainDays))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin prune transaction: %w", err)
	}

	res, err := tx.ExecContext(ctx, "DELETE FROM fetches WHERE started_at < ?", cutoff)
	if err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("prune old fetches: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM documents WHERE rendered_at < ?", cutoff); err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("prune old documents: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit prune: %w", err)
	}

	n, _ := res.RowsAffected()
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFetch(scanner rowScanner) (Fetch, error) {
	var (
		f                     Fetch
		errVal                sql.NullString
		startedAt, finishedAt string
	)
	if err := scanner.Scan(
		&f.ID,
		&f.SessionID,
		&f.URL,
		&f.Network,
		&f.Outcome,
		&f.Entries,
		&f.Bytes,
		&errVal,
		&startedAt,
		&finishedAt,
	); err != nil {
		return Fetch{}, fmt.Errorf("scan fetch: %w", err)
	}
	if errVal.Valid {
		f.Error = errVal.String
	}

	var err error
	if f.StartedAt, err = parseTime(startedAt); err != nil {
		return Fetch{}, fmt.Errorf("parse started_at: %w", err)
	}
	if f.FinishedAt, err = parseTime(finishedAt); err != nil {
		return Fetch{}, fmt.Errorf("parse finished_at: %w", err)
	}
	return f, nil
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts, nil
	}
	return time.Parse(time.RFC3339, value)
}
