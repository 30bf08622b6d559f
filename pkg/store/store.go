// Package store holds the in-memory task index. It is the only structure
// mutated from multiple workers; every access goes through one mutex so a
// status query always observes a consistent task.
package store

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nekobot-dev/mangaclaw/pkg/bus"
	"github.com/nekobot-dev/mangaclaw/pkg/logger"
)

type Store struct {
	mu    sync.Mutex
	tasks map[string]*Task
}

func New() *Store {
	return &Store{tasks: make(map[string]*Task)}
}

// Get returns a copy of the task for id.
func (s *Store) Get(id string) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return Task{}, false
	}
	return t.clone(), true
}

// List returns copies of all tasks, oldest first.
func (s *Store) List() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// CreateOrAttach is the dedup point. If a non-terminal task exists for id the
// origin is appended to its fan-out list (once per origin) and created is
// false. Otherwise a fresh Queued task replaces whatever terminal record was
// there and created is true.
func (s *Store) CreateOrAttach(id string, origin bus.Origin) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.tasks[id]; ok && !t.State.Terminal() {
		attachOrigin(t, origin)
		t.UpdatedAt = time.Now()
		return t.clone(), false
	}

	now := time.Now()
	t := &Task{
		ID:        id,
		State:     StateQueued,
		FanOut:    []bus.Origin{origin},
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.tasks[id] = t
	return t.clone(), true
}

// AttachOrigin adds origin to an existing task's fan-out list.
func (s *Store) AttachOrigin(id string, origin bus.Origin) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return false
	}
	attachOrigin(t, origin)
	t.UpdatedAt = time.Now()
	return true
}

func attachOrigin(t *Task, origin bus.Origin) {
	key := origin.Key()
	for _, o := range t.FanOut {
		if o.Key() == key {
			return
		}
	}
	t.FanOut = append(t.FanOut, origin)
}

// SetState transitions the task. Attempt and fan-out survive the transition;
// Error is cleared unless the new state is Failed.
func (s *Store) SetState(id string, state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return
	}
	t.State = state
	if state != StateFailed {
		t.Error = ""
	}
	t.UpdatedAt = time.Now()
}

// MarkFailed moves the task to Failed with the given error summary.
func (s *Store) MarkFailed(id, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return
	}
	t.State = StateFailed
	t.Error = errMsg
	t.UpdatedAt = time.Now()
}

// IncrementAttempt bumps the retry counter and returns the new value.
func (s *Store) IncrementAttempt(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return 0
	}
	t.Attempt++
	t.UpdatedAt = time.Now()
	return t.Attempt
}

// SetArtifacts records the converted artifact paths for the task.
func (s *Store) SetArtifacts(id string, paths []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return
	}
	t.Artifacts = append([]string(nil), paths...)
	t.UpdatedAt = time.Now()
}

// RestoreReady puts back a Ready record for an artifact found on disk after
// its task was evicted. Existing non-terminal tasks are left alone.
func (s *Store) RestoreReady(id string, artifacts []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[id]; ok && !t.State.Terminal() {
		return
	}
	now := time.Now()
	s.tasks[id] = &Task{
		ID:        id,
		State:     StateReady,
		Artifacts: append([]string(nil), artifacts...),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Evict removes the task record. The on-disk artifact, if any, is untouched.
func (s *Store) Evict(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, id)
}

// Sweep evicts terminal tasks older than ttl, then trims the remaining
// terminal set to maxTerminal (oldest updated first). Non-terminal tasks are
// never touched. Returns the number of evicted records.
func (s *Store) Sweep(maxTerminal int, ttl time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var terminal []*Task
	evicted := 0
	cutoff := time.Now().Add(-ttl)
	for id, t := range s.tasks {
		if !t.State.Terminal() {
			continue
		}
		if ttl > 0 && t.UpdatedAt.Before(cutoff) {
			delete(s.tasks, id)
			evicted++
			continue
		}
		terminal = append(terminal, t)
	}

	if maxTerminal > 0 && len(terminal) > maxTerminal {
		sort.Slice(terminal, func(i, j int) bool {
			return terminal[i].UpdatedAt.Before(terminal[j].UpdatedAt)
		})
		for _, t := range terminal[:len(terminal)-maxTerminal] {
			delete(s.tasks, t.ID)
			evicted++
		}
	}
	return evicted
}

// Rehydrate rebuilds Ready tasks from the storage layout: one directory per
// identifier under root, holding the converted PDFs. Queued work is not
// persisted, so only completed downloads come back after a restart.
func (s *Store) Rehydrate(root string) int {
	entries, err := os.ReadDir(root)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.WarnCF("store", "rehydrate: cannot read storage root",
				map[string]any{"root": root, "error": err.Error()})
		}
		return 0
	}

	restored := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id := e.Name()
		pdfs := ArtifactsIn(filepath.Join(root, id))
		if len(pdfs) == 0 {
			continue
		}

		info, _ := e.Info()
		created := time.Now()
		if info != nil {
			created = info.ModTime()
		}

		s.mu.Lock()
		if _, exists := s.tasks[id]; !exists {
			s.tasks[id] = &Task{
				ID:        id,
				State:     StateReady,
				Artifacts: pdfs,
				CreatedAt: created,
				UpdatedAt: created,
			}
			restored++
		}
		s.mu.Unlock()
	}
	if restored > 0 {
		logger.InfoCF("store", "rehydrated completed downloads",
			map[string]any{"count": restored})
	}
	return restored
}

// ArtifactsIn lists the converted PDFs directly under dir, sorted by name.
func ArtifactsIn(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var pdfs []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".pdf") {
			pdfs = append(pdfs, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(pdfs)
	return pdfs
}
