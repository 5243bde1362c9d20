package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/haasonsaas/nexus-core/internal/errs"
	"github.com/haasonsaas/nexus-core/pkg/models"
)

const memorySchema = `
CREATE TABLE IF NOT EXISTS memories (
	id TEXT NOT NULL,
	key TEXT PRIMARY KEY,
	content TEXT NOT NULL,
	category TEXT NOT NULL,
	session_id TEXT,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_memories_category ON memories(category);
CREATE INDEX IF NOT EXISTS idx_memories_session ON memories(session_id);
`

// SQLiteConfig configures the SQLite memory store.
type SQLiteConfig struct {
	// Path is the database file. Empty means an in-memory database.
	Path string
}

// SQLiteStore persists memories in SQLite through the pure-Go driver.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens or creates the database at cfg.Path.
func OpenSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	dsn := cfg.Path
	if dsn == "" {
		dsn = ":memory:"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.Path == "" {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}
	if _, err := db.Exec(memorySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create memories table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Store(ctx context.Context, entry models.MemoryEntry) (models.MemoryEntry, error) {
	entry, err := prepare(entry)
	if err != nil {
		return models.MemoryEntry{}, err
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO memories (id, key, content, category, session_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			content = excluded.content,
			category = excluded.category,
			session_id = excluded.session_id,
			created_at = excluded.created_at
		RETURNING id`,
		entry.ID, entry.Key, entry.Content, string(entry.Category),
		nullString(entry.SessionID), entry.Timestamp.UTC().Format(time.RFC3339Nano))
	if err := row.Scan(&entry.ID); err != nil {
		return models.MemoryEntry{}, classify(ctx, err, "store memory")
	}
	return entry, nil
}

func (s *SQLiteStore) Recall(ctx context.Context, key string) (models.MemoryEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, key, content, category, session_id, created_at FROM memories WHERE key = ?`, key)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.MemoryEntry{}, notFound(key)
	}
	if err != nil {
		return models.MemoryEntry{}, classify(ctx, err, "recall memory")
	}
	return e, nil
}

// Search narrows candidates in SQL with LIKE on each query term and ranks
// them in Go.
func (s *SQLiteStore) Search(ctx context.Context, query string, opts models.MemorySearchOptions) ([]models.MemoryEntry, error) {
	var (
		where []string
		args  []any
	)
	if opts.Category != "" {
		where = append(where, "category = ?")
		args = append(args, string(opts.Category))
	}
	if opts.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, opts.SessionID)
	}
	if q := terms(query); len(q) > 0 {
		var clauses []string
		for _, t := range q {
			clauses = append(clauses, "(lower(content) LIKE ? OR lower(key) LIKE ?)")
			pattern := "%" + t + "%"
			args = append(args, pattern, pattern)
		}
		where = append(where, "("+strings.Join(clauses, " OR ")+")")
	}
	stmt := `SELECT id, key, content, category, session_id, created_at FROM memories`
	if len(where) > 0 {
		stmt += " WHERE " + strings.Join(where, " AND ")
	}
	candidates, err := s.query(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	return rank(query, candidates, opts), nil
}

func (s *SQLiteStore) Forget(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE key = ?`, key)
	if err != nil {
		return false, classify(ctx, err, "forget memory")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, classify(ctx, err, "forget memory")
	}
	return n > 0, nil
}

func (s *SQLiteStore) Backup(ctx context.Context, w io.Writer) error {
	entries, err := s.query(ctx, `SELECT id, key, content, category, session_id, created_at FROM memories ORDER BY key`)
	if err != nil {
		return err
	}
	return writeBackup(ctx, w, entries)
}

// Restore runs in one transaction; a malformed line leaves the store unchanged.
func (s *SQLiteStore) Restore(ctx context.Context, r io.Reader) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, classify(ctx, err, "begin restore")
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO memories (id, key, content, category, session_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, classify(ctx, err, "prepare restore")
	}
	defer stmt.Close()

	n, err := readBackup(ctx, r, func(e models.MemoryEntry) error {
		e, err := prepare(e)
		if err != nil {
			return err
		}
		_, err = stmt.ExecContext(ctx, e.ID, e.Key, e.Content, string(e.Category),
			nullString(e.SessionID), e.Timestamp.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return classify(ctx, err, "restore memory")
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, classify(ctx, err, "commit restore")
	}
	return n, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) query(ctx context.Context, stmt string, args ...any) ([]models.MemoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, classify(ctx, err, "query memories")
	}
	defer rows.Close()

	var out []models.MemoryEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, classify(ctx, err, "scan memory")
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(ctx, err, "query memories")
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (models.MemoryEntry, error) {
	var (
		e        models.MemoryEntry
		category string
		session  sql.NullString
		created  string
	)
	if err := row.Scan(&e.ID, &e.Key, &e.Content, &category, &session, &created); err != nil {
		return models.MemoryEntry{}, err
	}
	e.Category = models.MemoryCategory(category)
	e.SessionID = session.String
	ts, err := time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return models.MemoryEntry{}, errs.Wrapf(errs.StateParse, err, "memory %q timestamp", e.Key)
	}
	e.Timestamp = ts
	return e, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func classify(ctx context.Context, err error, message string) error {
	if ctxErr := errs.FromContext(ctx, message); ctxErr != nil {
		return ctxErr
	}
	if errs.KindOf(err) != errs.Unknown {
		return err
	}
	return fmt.Errorf("%s: %w", message, err)
}
