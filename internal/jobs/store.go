package jobs

import (
	"errors"
	"sort"
	"sync"
	"time"

	"transcript-server/internal/domain"
)

// ErrJobNotFound is returned for unknown job identifiers.
var ErrJobNotFound = errors.New("job not found")

// ErrDuplicateJobID is returned when creating an identifier twice.
var ErrDuplicateJobID = errors.New("duplicate job id")

// record guards one job so that work on one job never waits on another.
type record struct {
	mu  sync.RWMutex
	job domain.Job
}

// Store holds every known job and hands out point-in-time snapshots.
type Store struct {
	mu      sync.RWMutex
	records map[string]*record
	events  *EventBus
	now     func() time.Time
}

// NewStore creates an empty store publishing updates to events (may be nil).
func NewStore(events *EventBus) *Store {
	return &Store{
		records: make(map[string]*record),
		events:  events,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Create registers a new job in the initializing state.
func (s *Store) Create(id string) (domain.Job, error) {
	now := s.now()
	rec := &record{job: domain.Job{
		ID:        id,
		Status:    domain.JobStatusInitializing,
		Progress:  0,
		Message:   "Starting...",
		CreatedAt: now,
		UpdatedAt: now,
	}}

	s.mu.Lock()
	if _, exists := s.records[id]; exists {
		s.mu.Unlock()
		return domain.Job{}, ErrDuplicateJobID
	}
	s.records[id] = rec
	s.mu.Unlock()

	snapshot := rec.job.Clone()
	s.publish(snapshot)
	return snapshot, nil
}

// Update applies mutate to a copy of the job and commits it only when mutate
// succeeds. Readers see either the old or the new record, never a mix.
func (s *Store) Update(id string, mutate func(*domain.Job) error) (domain.Job, error) {
	rec, err := s.lookup(id)
	if err != nil {
		return domain.Job{}, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	working := rec.job.Clone()
	if err := mutate(&working); err != nil {
		return domain.Job{}, err
	}
	working.ID = rec.job.ID
	working.UpdatedAt = s.now()
	rec.job = working
	snapshot := working.Clone()
	// Publishing under the record lock keeps event order equal to commit order.
	s.publish(snapshot)
	return snapshot, nil
}

// Get returns a consistent copy of the job.
func (s *Store) Get(id string) (domain.Job, error) {
	rec, err := s.lookup(id)
	if err != nil {
		return domain.Job{}, err
	}

	rec.mu.RLock()
	defer rec.mu.RUnlock()
	return rec.job.Clone(), nil
}

// List returns snapshots of all jobs ordered by creation time.
func (s *Store) List() []domain.Job {
	s.mu.RLock()
	recs := make([]*record, 0, len(s.records))
	for _, rec := range s.records {
		recs = append(recs, rec)
	}
	s.mu.RUnlock()

	out := make([]domain.Job, 0, len(recs))
	for _, rec := range recs {
		rec.mu.RLock()
		out = append(out, rec.job.Clone())
		rec.mu.RUnlock()
	}
	sort.Slice(out, func(i, k int) bool {
		return out[i].CreatedAt.Before(out[k].CreatedAt)
	})
	return out
}

// Delete forgets a job. Only the retention sweeper calls this.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return ErrJobNotFound
	}
	delete(s.records, id)
	return nil
}

// Events returns the bus that receives every committed update.
func (s *Store) Events() *EventBus {
	return s.events
}

func (s *Store) lookup(id string) (*record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return rec, nil
}

func (s *Store) publish(job domain.Job) {
	if s.events == nil {
		return
	}
	s.events.Publish(Event{
		JobID: job.ID,
		Type:  eventTypeFor(job.Status),
		Job:   job,
	})
}
