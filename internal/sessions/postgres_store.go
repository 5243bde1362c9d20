package sessions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/haasonsaas/nexus-core/internal/errs"
	"github.com/haasonsaas/nexus-core/pkg/models"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    provider TEXT NOT NULL DEFAULT '',
    model TEXT NOT NULL DEFAULT '',
    node_count INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL,
    last_active TIMESTAMPTZ NOT NULL,
    data JSONB NOT NULL
)`

// PostgresConfig holds connection settings for PostgresStore.
type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPostgresConfig returns default pool settings. DSN must still be set.
func DefaultPostgresConfig() PostgresConfig {
	return PostgresConfig{
		MaxOpenConns:    10,
		MaxIdleConns:    2,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// PostgresStore keeps sessions in PostgreSQL (or a wire-compatible database
// such as CockroachDB).
type PostgresStore struct {
	db *sql.DB

	stmtPut    *sql.Stmt
	stmtGet    *sql.Stmt
	stmtList   *sql.Stmt
	stmtDelete *sql.Stmt
}

// OpenPostgresStore connects, applies the schema and prepares statements.
func OpenPostgresStore(cfg PostgresConfig) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, errs.New(errs.InvalidArgument, "postgres dsn is required")
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, errs.Wrap(errs.ConnectionFailed, err, "open session database")
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errs.Wrap(errs.ConnectionFailed, err, "ping session database")
	}

	store, err := newPostgresStore(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func newPostgresStore(ctx context.Context, db *sql.DB) (*PostgresStore, error) {
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		return nil, classifyPostgres(ctx, err, "migrate session database")
	}
	s := &PostgresStore{db: db}
	if err := s.prepareStatements(ctx); err != nil {
		s.closeStatements()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) prepareStatements(ctx context.Context) error {
	var err error

	s.stmtPut, err = s.db.PrepareContext(ctx, `
		INSERT INTO sessions (id, name, provider, model, node_count, created_at, last_active, data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			provider = EXCLUDED.provider,
			model = EXCLUDED.model,
			node_count = EXCLUDED.node_count,
			last_active = EXCLUDED.last_active,
			data = EXCLUDED.data
	`)
	if err != nil {
		return classifyPostgres(ctx, err, "prepare put session")
	}

	s.stmtGet, err = s.db.PrepareContext(ctx, `SELECT data FROM sessions WHERE id = $1`)
	if err != nil {
		return classifyPostgres(ctx, err, "prepare get session")
	}

	s.stmtList, err = s.db.PrepareContext(ctx, `
		SELECT id, name, provider, model, node_count, created_at, last_active
		FROM sessions ORDER BY last_active DESC, id ASC
	`)
	if err != nil {
		return classifyPostgres(ctx, err, "prepare list sessions")
	}

	s.stmtDelete, err = s.db.PrepareContext(ctx, `DELETE FROM sessions WHERE id = $1`)
	if err != nil {
		return classifyPostgres(ctx, err, "prepare delete session")
	}
	return nil
}

func (s *PostgresStore) closeStatements() []error {
	var closeErrs []error
	for _, stmt := range []*sql.Stmt{s.stmtPut, s.stmtGet, s.stmtList, s.stmtDelete} {
		if stmt == nil {
			continue
		}
		if err := stmt.Close(); err != nil {
			closeErrs = append(closeErrs, err)
		}
	}
	return closeErrs
}

func (s *PostgresStore) Put(ctx context.Context, rec *Record) error {
	if rec.ID == "" {
		return errs.New(errs.InvalidArgument, "session id is required")
	}
	data, err := EncodeRecord(rec)
	if err != nil {
		return err
	}
	_, err = s.stmtPut.ExecContext(ctx,
		rec.ID, rec.Name, rec.Provider, rec.Model, len(rec.Tree.Nodes),
		rec.CreatedAt, rec.LastActive, string(data))
	if err != nil {
		return classifyPostgres(ctx, err, fmt.Sprintf("save session %s", rec.ID))
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	var data []byte
	err := s.stmtGet.QueryRowContext(ctx, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, classifyPostgres(ctx, err, fmt.Sprintf("load session %s", id))
	}
	return DecodeRecord(data)
}

func (s *PostgresStore) List(ctx context.Context) ([]models.SessionInfo, error) {
	rows, err := s.stmtList.QueryContext(ctx)
	if err != nil {
		return nil, classifyPostgres(ctx, err, "list sessions")
	}
	defer rows.Close()

	var infos []models.SessionInfo
	for rows.Next() {
		var info models.SessionInfo
		if err := rows.Scan(&info.ID, &info.Name, &info.Provider, &info.Model,
			&info.NodeCount, &info.CreatedAt, &info.LastActive); err != nil {
			return nil, classifyPostgres(ctx, err, "scan session row")
		}
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPostgres(ctx, err, "list sessions")
	}
	return infos, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := s.stmtDelete.ExecContext(ctx, id)
	if err != nil {
		return classifyPostgres(ctx, err, fmt.Sprintf("delete session %s", id))
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return notFound(id)
	}
	return nil
}

// Close closes the prepared statements and the connection pool.
func (s *PostgresStore) Close() error {
	closeErrs := s.closeStatements()
	if err := s.db.Close(); err != nil {
		closeErrs = append(closeErrs, err)
	}
	return errors.Join(closeErrs...)
}

// classifyPostgres maps driver errors onto error kinds. SQLSTATE class 08 is a
// connection exception; 53 and 57 are resource and operator interventions the
// server may recover from.
func classifyPostgres(ctx context.Context, err error, message string) error {
	if ctxErr := errs.FromContext(ctx, message); ctxErr != nil {
		return ctxErr
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		code := string(pqErr.Code)
		switch {
		case strings.HasPrefix(code, "08"):
			return errs.Wrap(errs.ConnectionFailed, err, message)
		case strings.HasPrefix(code, "53"), strings.HasPrefix(code, "57"):
			return errs.Wrap(errs.Network, err, message)
		case strings.HasPrefix(code, "22"), strings.HasPrefix(code, "23"):
			return errs.Wrap(errs.InvalidArgument, err, message)
		}
	}
	if errors.Is(err, sql.ErrConnDone) {
		return errs.Wrap(errs.ConnectionFailed, err, message)
	}
	return errs.Wrap(errs.Unknown, err, message)
}
