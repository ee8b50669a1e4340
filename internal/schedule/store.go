package schedule

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// ErrNotFound is returned for unknown schedule ids.
var ErrNotFound = errors.New("schedule: not found")

// fileFormat is the whole-file JSON layout on disk.
type fileFormat struct {
	Schedules []Schedule `json:"schedules"`
}

// Store persists schedules as one JSON file, rewritten atomically on every
// mutation.
type Store struct {
	path string

	mu        sync.Mutex
	schedules map[string]Schedule
}

// NewStore opens (or will create) the file at path.
func NewStore(path string) *Store {
	return &Store{path: path, schedules: make(map[string]Schedule)}
}

// Load reads the file. A missing file is an empty store.
func (st *Store) Load() error {
	st.mu.Lock()
	defer st.mu.Unlock()

	data, err := os.ReadFile(st.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read schedules: %w", err)
	}

	var f fileFormat
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse schedules %s: %w", st.path, err)
	}

	st.schedules = make(map[string]Schedule, len(f.Schedules))
	for _, s := range f.Schedules {
		st.schedules[s.ID] = s
	}
	return nil
}

// save writes the whole file. Caller holds st.mu.
func (st *Store) save() error {
	f := fileFormat{Schedules: make([]Schedule, 0, len(st.schedules))}
	for _, s := range st.schedules {
		f.Schedules = append(f.Schedules, s)
	}
	sortSchedules(f.Schedules)

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal schedules: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(st.path), 0o755); err != nil {
		return fmt.Errorf("create schedules dir: %w", err)
	}
	tmp := st.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write schedules: %w", err)
	}
	if err := os.Rename(tmp, st.path); err != nil {
		return fmt.Errorf("replace schedules: %w", err)
	}
	return nil
}

func sortSchedules(list []Schedule) {
	sort.Slice(list, func(i, j int) bool {
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
}

// List returns all schedules, oldest first.
func (st *Store) List() []Schedule {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]Schedule, 0, len(st.schedules))
	for _, s := range st.schedules {
		out = append(out, s)
	}
	sortSchedules(out)
	return out
}

// Get returns one schedule.
func (st *Store) Get(id string) (Schedule, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.schedules[id]
	if !ok {
		return Schedule{}, ErrNotFound
	}
	return s, nil
}

// Put inserts or replaces a schedule and persists.
func (st *Store) Put(s Schedule) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.schedules[s.ID] = s
	return st.save()
}

// Delete removes a schedule and persists.
func (st *Store) Delete(id string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.schedules[id]; !ok {
		return ErrNotFound
	}
	delete(st.schedules, id)
	return st.save()
}
