package jobs

import (
	"sort"
	"sync"
	"time"
)

// MemoryStore is the authoritative, volatile job map.
type MemoryStore struct {
	mu      sync.RWMutex
	jobs    map[string]*Job
	nextSeq int64
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*Job)}
}

// Create inserts job and stamps its arrival order.
func (s *MemoryStore) Create(job Job) Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSeq++
	job.seq = s.nextSeq
	s.jobs[job.ID] = &job
	return job
}

// Get returns a copy of the job.
func (s *MemoryStore) Get(id string) (Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

// Update applies fn to the stored job under the write lock and returns the
// updated copy.
func (s *MemoryStore) Update(id string, fn func(j *Job)) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	fn(j)
	return *j, true
}

// ListForUser returns the user's jobs, newest first.
func (s *MemoryStore) ListForUser(userID string) []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Job, 0)
	for _, j := range s.jobs {
		if j.UserID == userID {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].seq > out[b].seq })
	return out
}

// OldestQueued returns the earliest arrived queued job not in skip.
func (s *MemoryStore) OldestQueued(skip map[string]struct{}) (Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *Job
	for _, j := range s.jobs {
		if j.Status != StatusQueued {
			continue
		}
		if _, busy := skip[j.ID]; busy {
			continue
		}
		if best == nil || j.seq < best.seq {
			best = j
		}
	}
	if best == nil {
		return Job{}, false
	}
	return *best, true
}

// Sweep deletes terminal jobs completed before cutoff and returns how many
// were removed.
func (s *MemoryStore) Sweep(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, j := range s.jobs {
		if j.Status.Terminal() && j.CompletedAt != nil && j.CompletedAt.Before(cutoff) {
			delete(s.jobs, id)
			n++
		}
	}
	return n
}

// Len returns the number of jobs held.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}
