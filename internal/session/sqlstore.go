package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/triage-ai/palisade/services/trifecta_gate/internal/condition"
	"go.uber.org/zap"
)

// Dialect holds the SQL a backend needs. All statements take their arguments
// in the same order across dialects.
type Dialect struct {
	Name string

	// Schema creates the sessions table. active_mask < 7 keeps the full
	// trifecta out of storage even if application code regresses.
	Schema string

	// Insert creates an empty row if absent. Args: session_id, created_at.
	Insert string

	// Select loads one row. Args: session_id.
	Select string

	// SelectAll loads every row ordered by created_at.
	SelectAll string

	// Update is the compare-and-swap write.
	// Args: active_mask, call_count, tool_history, session_id, expected version.
	Update string

	// TimeArg converts created_at before binding. Nil binds time.Time as is.
	TimeArg func(time.Time) any
}

// Postgres is the dialect for PostgreSQL through pgx's database/sql driver.
var Postgres = Dialect{
	Name: "postgres",
	Schema: `
		CREATE TABLE IF NOT EXISTS trifecta_sessions (
			session_id   TEXT PRIMARY KEY,
			active_mask  SMALLINT NOT NULL DEFAULT 0 CHECK (active_mask >= 0 AND active_mask < 7),
			call_count   INTEGER NOT NULL DEFAULT 0,
			tool_history JSONB NOT NULL DEFAULT '[]'::jsonb,
			created_at   TIMESTAMPTZ NOT NULL,
			version      BIGINT NOT NULL DEFAULT 0
		)`,
	Insert: `
		INSERT INTO trifecta_sessions (session_id, created_at)
		VALUES ($1, $2)
		ON CONFLICT (session_id) DO NOTHING`,
	Select: `
		SELECT session_id, active_mask, call_count, tool_history, created_at, version
		FROM trifecta_sessions WHERE session_id = $1`,
	SelectAll: `
		SELECT session_id, active_mask, call_count, tool_history, created_at, version
		FROM trifecta_sessions ORDER BY created_at, session_id`,
	Update: `
		UPDATE trifecta_sessions SET
			active_mask  = $1,
			call_count   = $2,
			tool_history = $3::jsonb,
			version      = version + 1
		WHERE session_id = $4 AND version = $5`,
}

// SQLite is the dialect for modernc.org/sqlite.
var SQLite = Dialect{
	Name: "sqlite",
	Schema: `
		CREATE TABLE IF NOT EXISTS trifecta_sessions (
			session_id   TEXT PRIMARY KEY,
			active_mask  INTEGER NOT NULL DEFAULT 0 CHECK (active_mask >= 0 AND active_mask < 7),
			call_count   INTEGER NOT NULL DEFAULT 0,
			tool_history TEXT NOT NULL DEFAULT '[]',
			created_at   TEXT NOT NULL,
			version      INTEGER NOT NULL DEFAULT 0
		)`,
	Insert: `
		INSERT INTO trifecta_sessions (session_id, created_at)
		VALUES (?, ?)
		ON CONFLICT (session_id) DO NOTHING`,
	Select: `
		SELECT session_id, active_mask, call_count, tool_history, created_at, version
		FROM trifecta_sessions WHERE session_id = ?`,
	SelectAll: `
		SELECT session_id, active_mask, call_count, tool_history, created_at, version
		FROM trifecta_sessions ORDER BY created_at, session_id`,
	Update: `
		UPDATE trifecta_sessions SET
			active_mask  = ?,
			call_count   = ?,
			tool_history = ?,
			version      = version + 1
		WHERE session_id = ? AND version = ?`,
	TimeArg: func(t time.Time) any { return t.UTC().Format(sqliteTimeLayout) },
}

// sqliteTimeLayout is fixed width so created_at sorts as text.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const (
	defaultMaxAttempts = 16
	defaultBackoff     = 2 * time.Millisecond
	maxBackoff         = 50 * time.Millisecond
)

// SQLStore persists sessions in a SQL table and serializes writers per
// session with optimistic compare-and-swap on the version column. Safe to
// share across processes pointing at the same database.
type SQLStore struct {
	db          *sql.DB
	dialect     Dialect
	maxAttempts int
	backoff     time.Duration
	logger      *zap.Logger
}

// SQLStoreConfig configures an SQLStore.
type SQLStoreConfig struct {
	DB          *sql.DB
	Dialect     Dialect
	MaxAttempts int           // CAS attempts before ErrConflict (default 16)
	Backoff     time.Duration // initial retry backoff, doubled per attempt (default 2ms)
	Logger      *zap.Logger
}

// NewSQLStore creates an SQLStore. Call Migrate before first use.
func NewSQLStore(cfg SQLStoreConfig) *SQLStore {
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLStore{
		db:          cfg.DB,
		dialect:     cfg.Dialect,
		maxAttempts: attempts,
		backoff:     backoff,
		logger:      logger,
	}
}

func (s *SQLStore) Name() string { return s.dialect.Name }

// Migrate creates the sessions table if needed.
func (s *SQLStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.Schema); err != nil {
		return fmt.Errorf("Migrate: %w", err)
	}
	return nil
}

func (s *SQLStore) Load(ctx context.Context, sessionID string) (*Record, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx, s.dialect.Select, sessionID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("Load: %w", err)
	}
	return rec, nil
}

func (s *SQLStore) Update(ctx context.Context, sessionID string, fn UpdateFunc) (*Record, error) {
	now := time.Now().UTC()
	var createdAt any = now
	if s.dialect.TimeArg != nil {
		createdAt = s.dialect.TimeArg(now)
	}
	if _, err := s.db.ExecContext(ctx, s.dialect.Insert, sessionID, createdAt); err != nil {
		return nil, fmt.Errorf("Update: insert: %w", err)
	}

	backoff := s.backoff
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		rec, err := s.Load(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("Update: %w", err)
		}
		if rec == nil {
			return nil, fmt.Errorf("Update: session %q vanished during update", sessionID)
		}

		orig := rec.Clone()
		commit, err := fn(rec)
		if err != nil {
			return nil, err
		}
		if !commit {
			return orig, nil
		}

		history, err := json.Marshal(rec.History)
		if err != nil {
			return nil, fmt.Errorf("Update: marshal history: %w", err)
		}

		res, err := s.db.ExecContext(ctx, s.dialect.Update,
			int64(rec.Active), rec.CallCount, string(history), sessionID, rec.Version)
		if err != nil {
			return nil, fmt.Errorf("Update: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("Update: %w", err)
		}
		if n == 1 {
			rec.Version++
			return rec, nil
		}

		s.logger.Debug("session version conflict, retrying",
			zap.String("session_id", sessionID),
			zap.Int("attempt", attempt),
		)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, fmt.Errorf("Update: %w", ctx.Err())
		}
		if backoff < maxBackoff {
			backoff *= 2
		}
	}
	return nil, fmt.Errorf("Update %q: %w", sessionID, ErrConflict)
}

func (s *SQLStore) List(ctx context.Context) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.SelectAll)
	if err != nil {
		return nil, fmt.Errorf("List: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("List: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("List: %w", err)
	}
	return out, nil
}

// Close closes the underlying database pool.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec       Record
		mask      int64
		callCount int64
		history   []byte
		createdAt any
	)
	if err := row.Scan(&rec.SessionID, &mask, &callCount, &history, &createdAt, &rec.Version); err != nil {
		return nil, err
	}

	active, err := condition.SetFromMask(mask)
	if err != nil {
		return nil, err
	}
	rec.Active = active
	rec.CallCount = int(callCount)

	rec.History = []HistoryEntry{}
	if len(history) > 0 {
		if err := json.Unmarshal(history, &rec.History); err != nil {
			return nil, fmt.Errorf("decode tool_history: %w", err)
		}
	}

	rec.CreatedAt, err = parseTimestamp(createdAt)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// timestampLayouts covers how drivers hand back timestamps stored as text.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	// time.Time.String(), what modernc writes for a bound time.Time.
	"2006-01-02 15:04:05.999999999 -0700 MST",
}

func parseTimestamp(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case string:
		return parseTimestampString(t)
	case []byte:
		return parseTimestampString(string(t))
	case int64:
		return time.Unix(0, t).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported created_at type %T", v)
	}
}

func parseTimestampString(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable created_at %q", s)
}
