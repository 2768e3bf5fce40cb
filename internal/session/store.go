package session

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned by Load for unknown session IDs.
var ErrNotFound = errors.New("session not found")

// Summary is a listing entry for a stored session.
type Summary struct {
	ID           string
	StartTime    time.Time
	EndTime      time.Time
	MessageCount int
	TotalTokens  int
}

// Store persists finished sessions in SQLite.
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if needed) the database at path and applies
// migrations. Use ":memory:" for a throwaway store.
func OpenStore(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite
	db.SetConnMaxLifetime(0)

	if err := migrateUp(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return &Store{db: db}, nil
}

// migrateUp applies the embedded migrations. The migrate instance is not
// closed because that would close db.
func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save writes snap, replacing any earlier save of the same session.
func (s *Store) Save(ctx context.Context, snap Snapshot) error {
	files, err := json.Marshal(nonNil(snap.Stats.ModifiedFiles))
	if err != nil {
		return err
	}
	used, err := json.Marshal(nonNil(snap.Stats.UsedVariables))
	if err != nil {
		return err
	}
	vars := snap.Variables
	if vars == nil {
		vars = map[string]string{}
	}
	varsJSON, err := json.Marshal(vars)
	if err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (id, started_at, ended_at, duration_ms, message_count,
				total_tokens, prompt_tokens, completion_tokens, modified_files,
				used_variables, variables, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				started_at = excluded.started_at,
				ended_at = excluded.ended_at,
				duration_ms = excluded.duration_ms,
				message_count = excluded.message_count,
				total_tokens = excluded.total_tokens,
				prompt_tokens = excluded.prompt_tokens,
				completion_tokens = excluded.completion_tokens,
				modified_files = excluded.modified_files,
				used_variables = excluded.used_variables,
				variables = excluded.variables,
				updated_at = excluded.updated_at`,
			snap.ID,
			toMillis(snap.Stats.StartTime),
			nullMillis(snap.Stats.EndTime),
			snap.Stats.Duration.Milliseconds(),
			snap.Stats.MessageCount,
			snap.Stats.TotalTokens,
			snap.Stats.PromptTokens,
			snap.Stats.CompletionTokens,
			string(files),
			string(used),
			string(varsJSON),
			toMillis(time.Now()),
		)
		if err != nil {
			return fmt.Errorf("save session: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, snap.ID); err != nil {
			return fmt.Errorf("clear messages: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO messages (id, session_id, seq, role, content, created_at, metadata)
			VALUES (?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for i, m := range snap.Messages {
			var meta sql.NullString
			if m.Metadata != nil {
				data, err := json.Marshal(m.Metadata)
				if err != nil {
					return err
				}
				meta = sql.NullString{String: string(data), Valid: true}
			}
			if _, err := stmt.ExecContext(ctx, m.ID, snap.ID, i, string(m.Role), m.Content, toMillis(m.Timestamp), meta); err != nil {
				return fmt.Errorf("save message %s: %w", m.ID, err)
			}
		}
		return nil
	})
}

// Load reads a saved session. Flags are not persisted and come back false.
func (s *Store) Load(ctx context.Context, id string) (*Snapshot, error) {
	var (
		snap                  = Snapshot{ID: id}
		started, durationMS   int64
		ended                 sql.NullInt64
		files, used, varsJSON string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT started_at, ended_at, duration_ms, message_count, total_tokens,
			prompt_tokens, completion_tokens, modified_files, used_variables, variables
		FROM sessions WHERE id = ?`, id).Scan(
		&started, &ended, &durationMS,
		&snap.Stats.MessageCount, &snap.Stats.TotalTokens,
		&snap.Stats.PromptTokens, &snap.Stats.CompletionTokens,
		&files, &used, &varsJSON,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	snap.Stats.StartTime = fromMillis(started)
	if ended.Valid {
		snap.Stats.EndTime = fromMillis(ended.Int64)
	}
	snap.Stats.Duration = time.Duration(durationMS) * time.Millisecond
	if err := json.Unmarshal([]byte(files), &snap.Stats.ModifiedFiles); err != nil {
		return nil, fmt.Errorf("decode modified files: %w", err)
	}
	if err := json.Unmarshal([]byte(used), &snap.Stats.UsedVariables); err != nil {
		return nil, fmt.Errorf("decode used variables: %w", err)
	}
	if err := json.Unmarshal([]byte(varsJSON), &snap.Variables); err != nil {
		return nil, fmt.Errorf("decode variables: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, content, created_at, metadata
		FROM messages WHERE session_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			m       Message
			role    string
			created int64
			meta    sql.NullString
		)
		if err := rows.Scan(&m.ID, &role, &m.Content, &created, &meta); err != nil {
			return nil, err
		}
		m.Role = Role(role)
		m.Timestamp = fromMillis(created)
		if meta.Valid {
			m.Metadata = &Metadata{}
			if err := json.Unmarshal([]byte(meta.String), m.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata for %s: %w", m.ID, err)
			}
		}
		snap.Messages = append(snap.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &snap, nil
}

// List returns the most recent sessions, newest first. A limit of zero or
// less returns all of them.
func (s *Store) List(ctx context.Context, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at, ended_at, message_count, total_tokens
		FROM sessions ORDER BY started_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var (
			sum     Summary
			started int64
			ended   sql.NullInt64
		)
		if err := rows.Scan(&sum.ID, &started, &ended, &sum.MessageCount, &sum.TotalTokens); err != nil {
			return nil, err
		}
		sum.StartTime = fromMillis(started)
		if ended.Valid {
			sum.EndTime = fromMillis(ended.Int64)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Delete removes a session and its messages.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func nullMillis(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
