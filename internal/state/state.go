// Package state records workflow runs so the bot can report what happened
// last.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"
)

// RunStatus is the lifecycle of a single workflow run
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusRejected  RunStatus = "rejected" // refused by the single-flight guard
)

// Run represents one provision or destroy invocation
type Run struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Requester  string    `json:"requester"`
	Status     RunStatus `json:"status"`
	Message    string    `json:"message,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// ErrNotFound is returned when a run is unknown
var ErrNotFound = errors.New("run not found")

// maxRuns bounds the history kept in the file
const maxRuns = 100

// Store keeps run history in memory and mirrors it to a JSON file
type Store struct {
	mu   sync.RWMutex
	path string

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Runs      map[string]Run `json:"runs"`
}

// New creates a new empty store. An empty path keeps history in memory only.
func New(path string) *Store {
	return &Store{
		path:      path,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
		Runs:      make(map[string]Run),
	}
}

// Load loads the store from a file, starting empty if the file is missing
func Load(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(path), nil
		}
		return nil, err
	}

	store := New(path)
	if err := json.Unmarshal(data, store); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	if store.Runs == nil {
		store.Runs = make(map[string]Run)
	}
	return store, nil
}

// SaveRun inserts or replaces a run and persists the store
func (s *Store) SaveRun(ctx context.Context, run Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Runs[run.ID] = run
	s.prune()
	return s.save()
}

// GetRun returns a copy of the run state
func (s *Store) GetRun(ctx context.Context, id string) (Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, exists := s.Runs[id]
	if !exists {
		return Run{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return run, nil
}

// ListRuns returns every run, newest first
func (s *Store) ListRuns(ctx context.Context) ([]Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]Run, 0, len(s.Runs))
	for _, run := range s.Runs {
		runs = append(runs, run)
	}
	SortNewestFirst(runs)
	return runs, nil
}

// Close is a no-op; every change is already on disk
func (s *Store) Close() error {
	return nil
}

// prune drops the oldest runs beyond maxRuns. Caller holds the lock.
func (s *Store) prune() {
	if len(s.Runs) <= maxRuns {
		return
	}
	runs := make([]Run, 0, len(s.Runs))
	for _, run := range s.Runs {
		runs = append(runs, run)
	}
	SortNewestFirst(runs)
	for _, run := range runs[maxRuns:] {
		delete(s.Runs, run.ID)
	}
}

// save writes the store to its file. Caller holds the lock.
func (s *Store) save() error {
	s.UpdatedAt = time.Now()
	if s.path == "" {
		return nil
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write state: %w", err)
	}
	return os.Rename(tmp, s.path)
}

// SortNewestFirst orders runs by start time, most recent first
func SortNewestFirst(runs []Run) {
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
}
