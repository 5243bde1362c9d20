package sessions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/haasonsaas/nexus-core/internal/errs"
	"github.com/haasonsaas/nexus-core/pkg/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    provider TEXT NOT NULL DEFAULT '',
    model TEXT NOT NULL DEFAULT '',
    node_count INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    last_active TIMESTAMP NOT NULL,
    data BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_last_active ON sessions(last_active);
`

// sessionRow is the listing projection of the sessions table.
type sessionRow struct {
	ID         string    `db:"id"`
	Name       string    `db:"name"`
	Provider   string    `db:"provider"`
	Model      string    `db:"model"`
	NodeCount  int       `db:"node_count"`
	CreatedAt  time.Time `db:"created_at"`
	LastActive time.Time `db:"last_active"`
}

func (r sessionRow) info() models.SessionInfo {
	return models.SessionInfo{
		ID:         r.ID,
		Name:       r.Name,
		Provider:   r.Provider,
		Model:      r.Model,
		NodeCount:  r.NodeCount,
		CreatedAt:  r.CreatedAt,
		LastActive: r.LastActive,
	}
}

// SQLiteStore keeps sessions in a local SQLite database.
type SQLiteStore struct {
	db   *sqlx.DB
	path string
}

// OpenSQLiteStore opens or creates the database at path and applies the schema.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errs.New(errs.InvalidArgument, "sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, errs.Wrap(errs.PermissionDenied, err, "create database directory")
	}

	db, err := sqlx.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errs.Wrap(errs.ConnectionFailed, err, "open session database")
	}
	return newSQLiteStore(db, path)
}

func newSQLiteStore(db *sqlx.DB, path string) (*SQLiteStore, error) {
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errs.Wrap(errs.ConnectionFailed, err, "ping session database")
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, errs.Wrap(errs.StateParse, err, "migrate session database")
	}
	return &SQLiteStore{db: db, path: path}, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string { return s.path }

func (s *SQLiteStore) Put(ctx context.Context, rec *Record) error {
	data, err := EncodeRecord(rec)
	if err != nil {
		return err
	}
	const query = `
		INSERT INTO sessions (id, name, provider, model, node_count, created_at, last_active, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			provider = excluded.provider,
			model = excluded.model,
			node_count = excluded.node_count,
			last_active = excluded.last_active,
			data = excluded.data`
	_, err = s.db.ExecContext(ctx, query,
		rec.ID, rec.Name, rec.Provider, rec.Model, len(rec.Tree.Nodes),
		rec.CreatedAt.UTC(), rec.LastActive.UTC(), data)
	if err != nil {
		return classifySQL(ctx, err, fmt.Sprintf("save session %s", rec.ID))
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Record, error) {
	var data []byte
	err := s.db.GetContext(ctx, &data, `SELECT data FROM sessions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, classifySQL(ctx, err, fmt.Sprintf("load session %s", id))
	}
	return DecodeRecord(data)
}

func (s *SQLiteStore) List(ctx context.Context) ([]models.SessionInfo, error) {
	var rows []sessionRow
	const query = `
		SELECT id, name, provider, model, node_count, created_at, last_active
		FROM sessions ORDER BY last_active DESC, id ASC`
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, classifySQL(ctx, err, "list sessions")
	}
	infos := make([]models.SessionInfo, len(rows))
	for i, r := range rows {
		infos[i] = r.info()
	}
	return infos, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return classifySQL(ctx, err, fmt.Sprintf("delete session %s", id))
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return notFound(id)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// classifySQL maps a database error to a kinded error. Context errors keep
// their cancellation or timeout kind.
func classifySQL(ctx context.Context, err error, message string) error {
	if ctxErr := errs.FromContext(ctx, message); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, sql.ErrConnDone) {
		return errs.Wrap(errs.ConnectionFailed, err, message)
	}
	return errs.Wrap(errs.Unknown, err, message)
}
