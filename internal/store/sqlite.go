package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"

	"github.com/SPRIME01/homelab-infra/internal/model"
)

// SQLiteStore implements Store on a single SQLite database file. Records are
// stored as JSON blobs alongside the columns the pending-verification scan
// filters on; updates run inside a transaction, which gives the per-record
// serialization the contract requires.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (creating if needed) the database at path and runs
// migrations.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &model.PersistenceError{Op: "open sqlite", Err: err}
	}
	// A single writer avoids SQLITE_BUSY on concurrent verification calls.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		data JSON NOT NULL
	);
	CREATE TABLE IF NOT EXISTS actions (
		id TEXT PRIMARY KEY,
		event_id TEXT NOT NULL,
		status TEXT NOT NULL,
		requires_verification INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		data JSON NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_actions_pending
		ON actions (status, requires_verification);`
	if _, err := s.db.ExecContext(context.Background(), query); err != nil {
		return &model.PersistenceError{Op: "migrate", Err: err}
	}
	return nil
}

// PutEvent writes the event record, replacing any previous version.
func (s *SQLiteStore) PutEvent(ctx context.Context, event *model.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return &model.PersistenceError{Op: "encode event", ID: event.ID, Err: err}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (id, status, created_at, data) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status, data = excluded.data`,
		event.ID, string(event.Status), event.CreatedAt.Format(timeLayout), data)
	if err != nil {
		return &model.PersistenceError{Op: "write event", ID: event.ID, Err: err}
	}
	return nil
}

// GetEvent loads an event by id.
func (s *SQLiteStore) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	return scanEvent(s.db.QueryRowContext(ctx, `SELECT data FROM events WHERE id = ?`, id), id)
}

// UpdateEvent applies mutate to the stored event inside a transaction.
func (s *SQLiteStore) UpdateEvent(ctx context.Context, id string, mutate func(*model.Event) error) (*model.Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &model.PersistenceError{Op: "update event", ID: id, Err: err}
	}
	defer tx.Rollback()

	event, err := scanEvent(tx.QueryRowContext(ctx, `SELECT data FROM events WHERE id = ?`, id), id)
	if err != nil {
		return nil, err
	}
	if err := mutate(event); err != nil {
		return nil, err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return nil, &model.PersistenceError{Op: "encode event", ID: id, Err: err}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE events SET status = ?, data = ? WHERE id = ?`,
		string(event.Status), data, id); err != nil {
		return nil, &model.PersistenceError{Op: "update event", ID: id, Err: err}
	}
	if err := tx.Commit(); err != nil {
		return nil, &model.PersistenceError{Op: "update event", ID: id, Err: err}
	}
	return event, nil
}

// ListEvents loads every event record.
func (s *SQLiteStore) ListEvents(ctx context.Context) ([]*model.Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM events ORDER BY created_at`)
	if err != nil {
		return nil, &model.PersistenceError{Op: "list events", Err: err}
	}
	defer rows.Close()

	var events []*model.Event
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, &model.PersistenceError{Op: "list events", Err: err}
		}
		var event model.Event
		if err := json.Unmarshal(data, &event); err != nil {
			s.logger.Warn("Skipping undecodable event row", "error", err)
			continue
		}
		events = append(events, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, &model.PersistenceError{Op: "list events", Err: err}
	}
	return events, nil
}

// DeleteEvent removes an event record.
func (s *SQLiteStore) DeleteEvent(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE id = ?`, id); err != nil {
		return &model.PersistenceError{Op: "delete event", ID: id, Err: err}
	}
	return nil
}

// PutAction writes the action record, replacing any previous version.
func (s *SQLiteStore) PutAction(ctx context.Context, action *model.ActionRecord) error {
	data, err := json.Marshal(action)
	if err != nil {
		return &model.PersistenceError{Op: "encode action", ID: action.ID, Err: err}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO actions (id, event_id, status, requires_verification, created_at, data)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			requires_verification = excluded.requires_verification,
			data = excluded.data`,
		action.ID, action.EventID, string(action.Status), boolToInt(action.RequiresVerification),
		action.CreatedAt.Format(timeLayout), data)
	if err != nil {
		return &model.PersistenceError{Op: "write action", ID: action.ID, Err: err}
	}
	return nil
}

// GetAction loads an action by id.
func (s *SQLiteStore) GetAction(ctx context.Context, id string) (*model.ActionRecord, error) {
	return scanAction(s.db.QueryRowContext(ctx, `SELECT data FROM actions WHERE id = ?`, id), id)
}

// UpdateAction applies mutate to the stored action inside a transaction.
func (s *SQLiteStore) UpdateAction(ctx context.Context, id string, mutate func(*model.ActionRecord) error) (*model.ActionRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &model.PersistenceError{Op: "update action", ID: id, Err: err}
	}
	defer tx.Rollback()

	action, err := scanAction(tx.QueryRowContext(ctx, `SELECT data FROM actions WHERE id = ?`, id), id)
	if err != nil {
		return nil, err
	}
	if err := mutate(action); err != nil {
		return nil, err
	}
	data, err := json.Marshal(action)
	if err != nil {
		return nil, &model.PersistenceError{Op: "encode action", ID: id, Err: err}
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE actions SET status = ?, requires_verification = ?, data = ? WHERE id = ?`,
		string(action.Status), boolToInt(action.RequiresVerification), data, id); err != nil {
		return nil, &model.PersistenceError{Op: "update action", ID: id, Err: err}
	}
	if err := tx.Commit(); err != nil {
		return nil, &model.PersistenceError{Op: "update action", ID: id, Err: err}
	}
	return action, nil
}

// ListActions loads every action record.
func (s *SQLiteStore) ListActions(ctx context.Context) ([]*model.ActionRecord, error) {
	return s.queryActions(ctx, `SELECT data FROM actions ORDER BY created_at`)
}

// ListPendingActions scans for actions awaiting human verification.
func (s *SQLiteStore) ListPendingActions(ctx context.Context) ([]*model.ActionRecord, error) {
	return s.queryActions(ctx, `
		SELECT data FROM actions
		WHERE status = 'pending' AND requires_verification = 1
		ORDER BY created_at`)
}

// DeleteAction removes an action record.
func (s *SQLiteStore) DeleteAction(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM actions WHERE id = ?`, id); err != nil {
		return &model.PersistenceError{Op: "delete action", ID: id, Err: err}
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) queryActions(ctx context.Context, query string, args ...any) ([]*model.ActionRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &model.PersistenceError{Op: "list actions", Err: err}
	}
	defer rows.Close()

	var actions []*model.ActionRecord
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, &model.PersistenceError{Op: "list actions", Err: err}
		}
		var action model.ActionRecord
		if err := json.Unmarshal(data, &action); err != nil {
			s.logger.Warn("Skipping undecodable action row", "error", err)
			continue
		}
		actions = append(actions, &action)
	}
	if err := rows.Err(); err != nil {
		return nil, &model.PersistenceError{Op: "list actions", Err: err}
	}
	return actions, nil
}

const timeLayout = "2006-01-02T15:04:05.999999999Z07:00"

func scanEvent(row *sql.Row, id string) (*model.Event, error) {
	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("events %s: %w", id, model.ErrNotFound)
		}
		return nil, &model.PersistenceError{Op: "read event", ID: id, Err: err}
	}
	var event model.Event
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, &model.PersistenceError{Op: "decode event", ID: id, Err: err}
	}
	return &event, nil
}

func scanAction(row *sql.Row, id string) (*model.ActionRecord, error) {
	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("actions %s: %w", id, model.ErrNotFound)
		}
		return nil, &model.PersistenceError{Op: "read action", ID: id, Err: err}
	}
	var action model.ActionRecord
	if err := json.Unmarshal(data, &action); err != nil {
		return nil, &model.PersistenceError{Op: "decode action", ID: id, Err: err}
	}
	return &action, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
