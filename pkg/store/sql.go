package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/vosiander/llm-key-requestor/pkg/keyrequest"
)

// Dialect selects placeholder style and row locking.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS key_requests (
	request_id TEXT PRIMARY KEY,
	email TEXT NOT NULL,
	model TEXT NOT NULL,
	state TEXT NOT NULL,
	api_key TEXT NOT NULL DEFAULT '',
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_key_requests_state ON key_requests (state, created_at);
CREATE INDEX IF NOT EXISTS idx_key_requests_email ON key_requests (email, created_at);
`

const selectColumns = "SELECT request_id, email, model, state, api_key, created_at, updated_at FROM key_requests"

// SQL stores requests in one table. Timestamps are unix nanoseconds in UTC.
type SQL struct {
	db      *sql.DB
	dialect Dialect
	opts    options
}

// NewSQL wraps an open database. Call Migrate before first use.
func NewSQL(db *sql.DB, dialect Dialect, opts ...Option) *SQL {
	return &SQL{db: db, dialect: dialect, opts: applyOptions(opts)}
}

// OpenSQLite opens (or creates) a SQLite database and migrates it.
func OpenSQLite(ctx context.Context, dsn string, opts ...Option) (*SQL, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection: ":memory:" databases are per connection and SQLite
	// serialises writers anyway.
	db.SetMaxOpenConns(1)
	s := NewSQL(db, DialectSQLite, opts...)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenPostgres connects through lib/pq and migrates.
func OpenPostgres(ctx context.Context, dsn string, opts ...Option) (*SQL, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := NewSQL(db, DialectPostgres, opts...)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQL) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate key_requests: %w", err)
		}
	}
	return nil
}

// bind rewrites '?' placeholders to $n for Postgres.
func (s *SQL) bind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQL) Create(ctx context.Context, r *keyrequest.Request) error {
	key, err := s.opts.seal(r.APIKey)
	if err != nil {
		return fmt.Errorf("seal api key: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.bind(
		"INSERT INTO key_requests (request_id, email, model, state, api_key, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)"),
		r.ID, r.Requester, r.Model, string(r.State), key, r.CreatedAt.UnixNano(), r.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert key request %s: %w", r.ID, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *SQL) scan(row scanner) (*keyrequest.Request, error) {
	var (
		r                keyrequest.Request
		state, key       string
		created, updated int64
	)
	if err := row.Scan(&r.ID, &r.Requester, &r.Model, &state, &key, &created, &updated); err != nil {
		return nil, err
	}
	st, err := keyrequest.ParseState(state)
	if err != nil {
		return nil, fmt.Errorf("%w %s: %w", errUndecodable, r.ID, err)
	}
	r.State = st
	r.CreatedAt = time.Unix(0, created).UTC()
	r.UpdatedAt = time.Unix(0, updated).UTC()
	if r.APIKey, err = s.opts.open(key); err != nil {
		return nil, fmt.Errorf("%w %s: open api key: %w", errUndecodable, r.ID, err)
	}
	return &r, nil
}

func (s *SQL) Find(ctx context.Context, id string) (*keyrequest.Request, error) {
	r, err := s.scan(s.db.QueryRowContext(ctx, s.bind(selectColumns+" WHERE request_id = ?"), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", keyrequest.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("find key request %s: %w", id, err)
	}
	return r, nil
}

func (s *SQL) FindByRequester(ctx context.Context, requester string) (*keyrequest.Request, error) {
	r, err := s.scan(s.db.QueryRowContext(ctx,
		s.bind(selectColumns+" WHERE email = ? ORDER BY created_at DESC, request_id DESC LIMIT 1"), requester))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: requester %s", keyrequest.ErrNotFound, requester)
	}
	if err != nil {
		return nil, fmt.Errorf("find key request of %s: %w", requester, err)
	}
	return r, nil
}

func (s *SQL) ListByRequester(ctx context.Context, requester string) ([]*keyrequest.Request, error) {
	return s.query(ctx, selectColumns+" WHERE email = ? ORDER BY created_at, request_id", requester)
}

func (s *SQL) FindByState(ctx context.Context, state keyrequest.State) ([]*keyrequest.Request, error) {
	return s.query(ctx, selectColumns+" WHERE state = ? ORDER BY created_at, request_id", string(state))
}

func (s *SQL) List(ctx context.Context) ([]*keyrequest.Request, error) {
	return s.query(ctx, selectColumns+" ORDER BY created_at, request_id")
}

func (s *SQL) query(ctx context.Context, query string, args ...any) ([]*keyrequest.Request, error) {
	rows, err := s.db.QueryContext(ctx, s.bind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query key requests: %w", err)
	}
	defer rows.Close()

	var out []*keyrequest.Request
	for rows.Next() {
		r, err := s.scan(rows)
		if errors.Is(err, errUndecodable) {
			s.opts.skipped(ctx, err)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("scan key request: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQL) Update(ctx context.Context, id string, changes keyrequest.Changes) (*keyrequest.Request, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	lock := ""
	if s.dialect == DialectPostgres {
		lock = " FOR UPDATE"
	}
	r, err := s.scan(tx.QueryRowContext(ctx, s.bind(selectColumns+" WHERE request_id = ?"+lock), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", keyrequest.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("read key request %s: %w", id, err)
	}

	changes.Apply(r, s.opts.now())
	key, err := s.opts.seal(r.APIKey)
	if err != nil {
		return nil, fmt.Errorf("seal api key: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.bind(
		"UPDATE key_requests SET state = ?, api_key = ?, updated_at = ? WHERE request_id = ?"),
		string(r.State), key, r.UpdatedAt.UnixNano(), id); err != nil {
		return nil, fmt.Errorf("update key request %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return r, nil
}

func (s *SQL) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.bind("DELETE FROM key_requests WHERE request_id = ?"), id)
	if err != nil {
		return fmt.Errorf("delete key request %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", keyrequest.ErrNotFound, id)
	}
	return nil
}

func (s *SQL) Close() error { return s.db.Close() }
