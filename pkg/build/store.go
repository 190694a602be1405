package build

import (
	"sort"
	"sync"
	"time"
)

// Store is the persistence contract the pipeline depends on. The orchestrator
// only cares about the state machine; storage technology is interchangeable.
type Store interface {
	Create(b Build) error
	Get(id string) (Build, error)
	// Update applies fn to the build under the store's lock. Moving a build
	// out of a terminal status is rejected with ErrTerminal.
	Update(id string, fn func(*Build) error) (Build, error)
	List() ([]Build, error)
	ListByStatus(statuses ...Status) ([]Build, error)
	NextBuildNumber(projectID string) (int, error)
	Delete(id string) error

	AppendLog(entry LogEntry) error
	// Logs returns entries in creation order, oldest first.
	Logs(buildID string, limit int) ([]LogEntry, error)
	// RecentLogs returns up to n entries, newest first.
	RecentLogs(buildID string, n int) ([]LogEntry, error)
}

type subscriber chan LogEntry

type buildRecord struct {
	build       Build
	logs        []LogEntry
	subscribers []subscriber
}

// MemStore keeps builds in memory and supports live log subscriptions for
// streaming endpoints.
type MemStore struct {
	mu     sync.RWMutex
	items  map[string]*buildRecord
	nextID int64
}

var _ Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{items: make(map[string]*buildRecord)}
}

func (s *MemStore) Create(b Build) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[b.ID] = &buildRecord{build: b}
	return nil
}

func (s *MemStore) Get(id string) (Build, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.items[id]
	if !ok {
		return Build{}, ErrNotFound
	}
	return rec.build, nil
}

func (s *MemStore) Update(id string, fn func(*Build) error) (Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.items[id]
	if !ok {
		return Build{}, ErrNotFound
	}
	if err := applyUpdate(&rec.build, fn); err != nil {
		return Build{}, err
	}
	return rec.build, nil
}

func (s *MemStore) List() ([]Build, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]Build, 0, len(s.items))
	for _, rec := range s.items {
		result = append(result, rec.build)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemStore) ListByStatus(statuses ...Status) ([]Build, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []Build
	for _, rec := range s.items {
		for _, status := range statuses {
			if rec.build.Status == status {
				result = append(result, rec.build)
				break
			}
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemStore) NextBuildNumber(projectID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	max := 0
	for _, rec := range s.items {
		if rec.build.ProjectID == projectID && rec.build.BuildNumber > max {
			max = rec.build.BuildNumber
		}
	}
	return max + 1, nil
}

func (s *MemStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return ErrNotFound
	}
	delete(s.items, id)
	return nil
}

func (s *MemStore) AppendLog(entry LogEntry) error {
	s.mu.Lock()
	rec, ok := s.items[entry.BuildID]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	s.nextID++
	entry.ID = s.nextID
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	rec.logs = append(rec.logs, entry)
	subs := append([]subscriber(nil), rec.subscribers...)
	s.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub <- entry:
		default:
		}
	}
	return nil
}

func (s *MemStore) Logs(buildID string, limit int) ([]LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.items[buildID]
	if !ok {
		return nil, ErrNotFound
	}
	logs := rec.logs
	if limit > 0 && len(logs) > limit {
		logs = logs[:limit]
	}
	return append([]LogEntry(nil), logs...), nil
}

func (s *MemStore) RecentLogs(buildID string, n int) ([]LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.items[buildID]
	if !ok {
		return nil, ErrNotFound
	}
	result := make([]LogEntry, 0, n)
	for i := len(rec.logs) - 1; i >= 0 && len(result) < n; i-- {
		result = append(result, rec.logs[i])
	}
	return result, nil
}

// Subscribe returns a channel receiving log entries for a build as they are
// appended, after replaying the existing entries.
func (s *MemStore) Subscribe(buildID string) (<-chan LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.items[buildID]
	if !ok {
		return nil, ErrNotFound
	}
	ch := make(subscriber, 64)
	for _, entry := range rec.logs {
		select {
		case ch <- entry:
		default:
		}
	}
	rec.subscribers = append(rec.subscribers, ch)
	return ch, nil
}

// CloseSubscribers terminates every live subscription for a build.
func (s *MemStore) CloseSubscribers(buildID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.items[buildID]
	if !ok {
		return
	}
	for _, sub := range rec.subscribers {
		close(sub)
	}
	rec.subscribers = nil
}
