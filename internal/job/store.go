package job

import (
	"sync"
	"time"

	"github.com/hirefetch/harvester/internal/fault"
)

// Store is the in-memory registry of downloads, in creation order.
type Store struct {
	mu    sync.RWMutex
	jobs  map[string]*Job
	order []string
}

func NewStore() *Store {
	return &Store{
		jobs:  make(map[string]*Job),
		order: make([]string, 0),
	}
}

func (s *Store) Add(j *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.ID] = j
	s.order = append(s.order, j.ID)
}

// Get returns a snapshot of the download.
func (s *Store) Get(id string) (Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	return j.Snapshot(), true
}

// Update runs fn with exclusive access to the download and returns the
// snapshot taken after fn. If fn fails the error is returned along with the
// snapshot; fn is responsible for not leaving partial changes behind.
func (s *Store) Update(id string, fn func(j *Job) error) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return Job{}, fault.New(fault.KindUnknownDownload, "update", "download %s not found", id)
	}
	err := fn(j)
	return j.Snapshot(), err
}

// List returns snapshots, newest first, filtered by status when non-empty.
func (s *Store) List(limit, offset int, status string) ([]Job, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var filtered []Job
	for i := len(s.order) - 1; i >= 0; i-- {
		j := s.jobs[s.order[i]]
		if status == "" || string(j.Status) == status {
			filtered = append(filtered, j.Snapshot())
		}
	}

	total := len(filtered)
	if offset >= total {
		return []Job{}, total
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return filtered[offset:end], total
}

// Stats counts downloads per status.
func (s *Store) Stats() map[Status]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[Status]int, len(Statuses))
	for _, st := range Statuses {
		counts[st] = 0
	}
	for _, j := range s.jobs {
		counts[j.Status]++
	}
	return counts
}

// Evict removes terminal downloads completed before cutoff and returns their ids.
func (s *Store) Evict(cutoff time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var evicted []string
	kept := s.order[:0]
	for _, id := range s.order {
		j := s.jobs[id]
		if j.Status.Terminal() && j.CompletedAt != nil && j.CompletedAt.Before(cutoff) {
			delete(s.jobs, id)
			evicted = append(evicted, id)
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
	return evicted
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}
