package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/jules-scheduler/internal/model"
)

// TaskStore defines the interface for durable scheduled task storage
type TaskStore interface {
	// Load returns the current document, creating an empty one on first use
	Load(ctx context.Context) (*model.StoreDocument, error)

	// Save replaces the persisted document
	Save(ctx context.Context, doc *model.StoreDocument) error

	// UpsertTask inserts or replaces a task by ID
	UpsertTask(ctx context.Context, task model.ScheduledTask) error

	// GetTask returns the task with the given ID, or nil
	GetTask(ctx context.Context, id string) (*model.ScheduledTask, error)

	// GetTaskByName returns the task with the given name, or nil
	GetTaskByName(ctx context.Context, name string) (*model.ScheduledTask, error)

	// ListTasks returns every stored task
	ListTasks(ctx context.Context) ([]model.ScheduledTask, error)

	// DeleteTask removes a task and reports whether it existed
	DeleteTask(ctx context.Context, id string) (bool, error)

	// UpdateLastRun records the outcome of a firing. Unknown IDs are ignored.
	UpdateLastRun(ctx context.Context, id string, at time.Time, sessionID *string) error

	// InvalidateCache forces the next Load to read from disk
	InvalidateCache()
}

// ScheduleStoreConfig configures a ScheduleStore
type ScheduleStoreConfig struct {
	Path string

	// ResetOnCorrupt moves an unreadable file aside and starts empty instead
	// of failing
	ResetOnCorrupt bool
}

// ScheduleStore implements TaskStore on top of a single JSON file
type ScheduleStore struct {
	logger *zap.Logger
	config ScheduleStoreConfig

	mu    sync.Mutex
	cache *model.StoreDocument
}

// NewScheduleStore creates a store backed by the file at config.Path
func NewScheduleStore(config ScheduleStoreConfig, logger *zap.Logger) (*ScheduleStore, error) {
	if config.Path == "" {
		return nil, errors.New("schedule store path is required")
	}
	return &ScheduleStore{
		logger: logger.Named("schedule-store"),
		config: config,
	}, nil
}

// Path returns the location of the backing file
func (s *ScheduleStore) Path() string {
	return s.config.Path
}

// Load implements TaskStore.Load
func (s *ScheduleStore) Load(ctx context.Context) (*model.StoreDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.loadLocked()
	if err != nil {
		return nil, err
	}
	return doc.Clone(), nil
}

// Save implements TaskStore.Save
func (s *ScheduleStore) Save(ctx context.Context, doc *model.StoreDocument) error {
	if doc == nil {
		return ErrNilDocument
	}
	next := doc.Clone()
	if next.Version == "" {
		next.Version = model.SchemaVersion
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(next)
}

// UpsertTask implements TaskStore.UpsertTask
func (s *ScheduleStore) UpsertTask(ctx context.Context, task model.ScheduledTask) error {
	return s.mutate(func(doc *model.StoreDocument) bool {
		doc.Schedules[task.ID] = task.Clone()
		return true
	})
}

// GetTask implements TaskStore.GetTask
func (s *ScheduleStore) GetTask(ctx context.Context, id string) (*model.ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.loadLocked()
	if err != nil {
		return nil, err
	}
	task, ok := doc.Schedules[id]
	if !ok {
		return nil, nil
	}
	out := task.Clone()
	return &out, nil
}

// GetTaskByName implements TaskStore.GetTaskByName
func (s *ScheduleStore) GetTaskByName(ctx context.Context, name string) (*model.ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.loadLocked()
	if err != nil {
		return nil, err
	}
	for _, task := range doc.Schedules {
		if task.Name == name {
			out := task.Clone()
			return &out, nil
		}
	}
	return nil, nil
}

// ListTasks implements TaskStore.ListTasks. Tasks come back ordered by
// creation time; callers that need another order sort themselves.
func (s *ScheduleStore) ListTasks(ctx context.Context) ([]model.ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.loadLocked()
	if err != nil {
		return nil, err
	}
	tasks := make([]model.ScheduledTask, 0, len(doc.Schedules))
	for _, task := range doc.Schedules {
		tasks = append(tasks, task.Clone())
	}
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks, nil
}

// DeleteTask implements TaskStore.DeleteTask
func (s *ScheduleStore) DeleteTask(ctx context.Context, id string) (bool, error) {
	var existed bool
	err := s.mutate(func(doc *model.StoreDocument) bool {
		if _, existed = doc.Schedules[id]; !existed {
			return false
		}
		delete(doc.Schedules, id)
		return true
	})
	return existed, err
}

// UpdateLastRun implements TaskStore.UpdateLastRun
func (s *ScheduleStore) UpdateLastRun(ctx context.Context, id string, at time.Time, sessionID *string) error {
	return s.mutate(func(doc *model.StoreDocument) bool {
		task, ok := doc.Schedules[id]
		if !ok {
			s.logger.Debug("Skipping last run update for deleted schedule", zap.String("id", id))
			return false
		}
		lastRun := at
		task.LastRun = &lastRun
		task.LastSessionID = nil
		if sessionID != nil {
			sid := *sessionID
			task.LastSessionID = &sid
		}
		doc.Schedules[id] = task
		return true
	})
}

// InvalidateCache implements TaskStore.InvalidateCache
func (s *ScheduleStore) InvalidateCache() {
	s.mu.Lock()
	s.cache = nil
	s.mu.Unlock()
}

// mutate runs a load-modify-save cycle. fn reports whether it changed the
// document; unchanged documents are not written back.
func (s *ScheduleStore) mutate(fn func(doc *model.StoreDocument) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.loadLocked()
	if err != nil {
		return err
	}
	next := doc.Clone()
	if !fn(next) {
		return nil
	}
	return s.saveLocked(next)
}

func (s *ScheduleStore) loadLocked() (*model.StoreDocument, error) {
	if s.cache != nil {
		return s.cache, nil
	}

	data, err := os.ReadFile(s.config.Path)
	if errors.Is(err, os.ErrNotExist) {
		doc := model.NewStoreDocument()
		if err := s.saveLocked(doc); err != nil {
			return nil, err
		}
		s.logger.Info("Created empty schedule store", zap.String("path", s.config.Path))
		return s.cache, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read schedule store: %w", err)
	}

	doc, err := decodeDocument(data)
	if err != nil {
		corrupt := &StorageCorruptError{Path: s.config.Path, Err: err}
		if !s.config.ResetOnCorrupt {
			return nil, corrupt
		}
		return s.resetLocked(corrupt)
	}

	s.cache = doc
	return s.cache, nil
}

// resetLocked moves a corrupt file aside and starts from an empty document
func (s *ScheduleStore) resetLocked(corrupt *StorageCorruptError) (*model.StoreDocument, error) {
	backup := fmt.Sprintf("%s.corrupt-%d", s.config.Path, time.Now().Unix())
	if err := os.Rename(s.config.Path, backup); err != nil {
		return nil, fmt.Errorf("failed to move corrupt schedule store aside: %w", err)
	}
	s.logger.Warn("Schedule store was corrupt, starting empty",
		zap.String("path", s.config.Path),
		zap.String("backup", backup),
		zap.Error(corrupt.Err))

	if err := s.saveLocked(model.NewStoreDocument()); err != nil {
		return nil, err
	}
	return s.cache, nil
}

// saveLocked writes doc atomically: a temp file in the same directory is
// synced and renamed over the target
func (s *ScheduleStore) saveLocked(doc *model.StoreDocument) error {
	dir := filepath.Dir(s.config.Path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create schedule store directory: %w", err)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal schedule store: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.config.Path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write schedule store: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync schedule store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close schedule store: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return fmt.Errorf("failed to chmod schedule store: %w", err)
	}
	if err := os.Rename(tmpName, s.config.Path); err != nil {
		return fmt.Errorf("failed to replace schedule store: %w", err)
	}

	s.cache = doc
	return nil
}

func decodeDocument(data []byte) (*model.StoreDocument, error) {
	var doc model.StoreDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc.Version == "" {
		return nil, errors.New("missing version")
	}
	if doc.Version != model.SchemaVersion {
		return nil, fmt.Errorf("unsupported version %q", doc.Version)
	}
	if doc.Schedules == nil {
		return nil, errors.New("missing schedules")
	}
	for id, task := range doc.Schedules {
		if task.ID == "" {
			task.ID = id
			doc.Schedules[id] = task
		}
		if task.ID != id {
			return nil, fmt.Errorf("schedule key %q does not match id %q", id, task.ID)
		}
	}
	return &doc, nil
}
