package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/SPRIME01/homelab-infra/internal/model"
)

const (
	eventsDir  = "events"
	actionsDir = "actions"

	lockRetryInterval = 25 * time.Millisecond
	lockTimeout       = 5 * time.Second

	// lockStaleAge bounds how long an on-disk lock may outlive its holder
	// before waiters reclaim it.
	lockStaleAge = time.Minute
)

// FileStore keeps one JSON file per record under <root>/events and
// <root>/actions. Records are keyed by id; writes are atomic whole-record
// replacements (temp file + rename). Read-modify-write is serialized by a
// process-local per-record mutex plus an on-disk <id>.lock file so that
// independent process invocations racing on the same record cannot interleave.
type FileStore struct {
	root   string
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewFileStore creates the store, initializing the collection directories.
func NewFileStore(root string, logger *slog.Logger) (*FileStore, error) {
	for _, dir := range []string{filepath.Join(root, eventsDir), filepath.Join(root, actionsDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, &model.PersistenceError{Op: "init store", Err: err}
		}
	}
	return &FileStore{
		root:   root,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

// PutEvent writes the event record, replacing any previous version.
func (s *FileStore) PutEvent(ctx context.Context, event *model.Event) error {
	return s.write(eventsDir, event.ID, event)
}

// GetEvent loads an event by id.
func (s *FileStore) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	var event model.Event
	if err := s.read(eventsDir, id, &event); err != nil {
		return nil, err
	}
	return &event, nil
}

// UpdateEvent applies mutate to the stored event under its record lock and
// persists the result.
func (s *FileStore) UpdateEvent(ctx context.Context, id string, mutate func(*model.Event) error) (*model.Event, error) {
	unlock, err := s.lockRecord(ctx, eventsDir, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var event model.Event
	if err := s.read(eventsDir, id, &event); err != nil {
		return nil, err
	}
	if err := mutate(&event); err != nil {
		return nil, err
	}
	if err := s.write(eventsDir, id, &event); err != nil {
		return nil, err
	}
	return &event, nil
}

// ListEvents loads every event record. Unreadable files are logged and skipped.
func (s *FileStore) ListEvents(ctx context.Context) ([]*model.Event, error) {
	ids, err := s.listIDs(eventsDir)
	if err != nil {
		return nil, err
	}
	events := make([]*model.Event, 0, len(ids))
	for _, id := range ids {
		var event model.Event
		if err := s.read(eventsDir, id, &event); err != nil {
			s.logger.Warn("Skipping unreadable event record", "id", id, "error", err)
			continue
		}
		events = append(events, &event)
	}
	return events, nil
}

// DeleteEvent removes an event record. Deleting a missing record is not an error.
func (s *FileStore) DeleteEvent(ctx context.Context, id string) error {
	return s.remove(eventsDir, id)
}

// PutAction writes the action record, replacing any previous version.
func (s *FileStore) PutAction(ctx context.Context, action *model.ActionRecord) error {
	return s.write(actionsDir, action.ID, action)
}

// GetAction loads an action by id.
func (s *FileStore) GetAction(ctx context.Context, id string) (*model.ActionRecord, error) {
	var action model.ActionRecord
	if err := s.read(actionsDir, id, &action); err != nil {
		return nil, err
	}
	return &action, nil
}

// UpdateAction applies mutate to the stored action under its record lock and
// persists the result.
func (s *FileStore) UpdateAction(ctx context.Context, id string, mutate func(*model.ActionRecord) error) (*model.ActionRecord, error) {
	unlock, err := s.lockRecord(ctx, actionsDir, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var action model.ActionRecord
	if err := s.read(actionsDir, id, &action); err != nil {
		return nil, err
	}
	if err := mutate(&action); err != nil {
		return nil, err
	}
	if err := s.write(actionsDir, id, &action); err != nil {
		return nil, err
	}
	return &action, nil
}

// ListActions loads every action record.
func (s *FileStore) ListActions(ctx context.Context) ([]*model.ActionRecord, error) {
	ids, err := s.listIDs(actionsDir)
	if err != nil {
		return nil, err
	}
	actions := make([]*model.ActionRecord, 0, len(ids))
	for _, id := range ids {
		var action model.ActionRecord
		if err := s.read(actionsDir, id, &action); err != nil {
			s.logger.Warn("Skipping unreadable action record", "id", id, "error", err)
			continue
		}
		actions = append(actions, &action)
	}
	return actions, nil
}

// ListPendingActions scans for actions awaiting human verification.
func (s *FileStore) ListPendingActions(ctx context.Context) ([]*model.ActionRecord, error) {
	actions, err := s.ListActions(ctx)
	if err != nil {
		return nil, err
	}
	pending := actions[:0]
	for _, action := range actions {
		if action.Status == model.ActionStatusPending && action.RequiresVerification {
			pending = append(pending, action)
		}
	}
	return pending, nil
}

// DeleteAction removes an action record. Deleting a missing record is not an error.
func (s *FileStore) DeleteAction(ctx context.Context, id string) error {
	return s.remove(actionsDir, id)
}

// Close releases store resources. The file store holds none.
func (s *FileStore) Close() error { return nil }

func (s *FileStore) path(collection, id string) string {
	return filepath.Join(s.root, collection, id+".json")
}

func (s *FileStore) read(collection, id string, into any) error {
	data, err := os.ReadFile(s.path(collection, id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s %s: %w", collection, id, model.ErrNotFound)
		}
		return &model.PersistenceError{Op: "read " + collection, ID: id, Err: err}
	}
	if err := json.Unmarshal(data, into); err != nil {
		return &model.PersistenceError{Op: "decode " + collection, ID: id, Err: err}
	}
	return nil
}

func (s *FileStore) write(collection, id string, record any) error {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return &model.PersistenceError{Op: "encode " + collection, ID: id, Err: err}
	}
	path := s.path(collection, id)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return &model.PersistenceError{Op: "write " + collection, ID: id, Err: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return &model.PersistenceError{Op: "write " + collection, ID: id, Err: err}
	}
	return nil
}

func (s *FileStore) remove(collection, id string) error {
	if err := os.Remove(s.path(collection, id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &model.PersistenceError{Op: "delete " + collection, ID: id, Err: err}
	}
	return nil
}

func (s *FileStore) listIDs(collection string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, collection))
	if err != nil {
		return nil, &model.PersistenceError{Op: "list " + collection, Err: err}
	}
	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}

// lockRecord takes the process-local mutex for a record, then the on-disk
// lock file. The returned function releases both.
func (s *FileStore) lockRecord(ctx context.Context, collection, id string) (func(), error) {
	key := collection + "/" + id

	s.mu.Lock()
	m, ok := s.locks[key]
	if !ok {
		m = &sync.Mutex{}
		s.locks[key] = m
	}
	s.mu.Unlock()

	m.Lock()

	lockPath := s.path(collection, id) + ".lock"
	deadline := time.Now().Add(lockTimeout)
	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return func() {
				os.Remove(lockPath)
				m.Unlock()
			}, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			m.Unlock()
			return nil, &model.PersistenceError{Op: "lock " + collection, ID: id, Err: err}
		}
		if staleLock(lockPath) {
			s.logger.Warn("Reclaiming stale lock file", "path", lockPath)
			if os.Remove(lockPath) == nil {
				continue
			}
		}
		if time.Now().After(deadline) {
			m.Unlock()
			return nil, &model.PersistenceError{Op: "lock " + collection, ID: id,
				Err: fmt.Errorf("timed out waiting for %s", lockPath)}
		}
		select {
		case <-ctx.Done():
			m.Unlock()
			return nil, &model.PersistenceError{Op: "lock " + collection, ID: id, Err: ctx.Err()}
		case <-time.After(lockRetryInterval):
		}
	}
}

// staleLock reports whether a lock file was abandoned: its recorded pid is
// unreadable or no longer running, or the file has exceeded lockStaleAge.
func staleLock(lockPath string) bool {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return true
	}
	if proc, err := os.FindProcess(pid); err == nil {
		if proc.Signal(syscall.Signal(0)) == nil {
			// Holder is alive, reclaim only past the age bound.
			info, err := os.Stat(lockPath)
			return err == nil && time.Since(info.ModTime()) > lockStaleAge
		}
	}
	return true
}
