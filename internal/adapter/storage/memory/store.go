package memory

import (
	"context"
	"encoding/json"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/AdlarX9/nitflex-sub000/internal/domain"
	"github.com/AdlarX9/nitflex-sub000/internal/port"
)

type entry struct {
	// write serializes updates of one job across the snapshot flush.
	write sync.Mutex
	mu    sync.Mutex
	seq   uint64
	job   *domain.Job
}

// Store keeps jobs in memory. When created with a snapshot path every write
// is also flushed to a JSON file that is loaded back on the next start.
type Store struct {
	mu   sync.RWMutex
	jobs map[string]*entry
	seq  uint64

	path   string
	saveMu sync.Mutex
	now    func() time.Time
}

func NewStore() *Store {
	return &Store{
		jobs: make(map[string]*entry),
		now:  time.Now,
	}
}

// Open returns a store persisted to path. A missing file is not an error.
func Open(path string) (*Store, error) {
	s := NewStore()
	s.path = path
	if err := s.load(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}

	var jobs []*domain.Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range jobs {
		s.seq++
		s.jobs[j.ID] = &entry{seq: s.seq, job: j}
	}
	return nil
}

func (s *Store) save() error {
	if s.path == "" {
		return nil
	}
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	jobs := s.snapshot(domain.JobFilter{})
	data, err := json.MarshalIndent(jobs, "", "  ")
	if err != nil {
		return err
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmpPath, s.path)
}

func (s *Store) Create(ctx context.Context, spec domain.JobSpec) (*domain.Job, error) {
	job, err := domain.NewJob(spec, s.now().UTC())
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.seq++
	s.jobs[job.ID] = &entry{seq: s.seq, job: job}
	s.mu.Unlock()

	if err := s.save(); err != nil {
		s.mu.Lock()
		delete(s.jobs, job.ID)
		s.mu.Unlock()
		return nil, err
	}
	return job.Clone(), nil
}

func (s *Store) lookup(id string) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.jobs[id]
	return e, ok
}

func (s *Store) Get(ctx context.Context, id string) (*domain.Job, error) {
	e, ok := s.lookup(id)
	if !ok {
		return nil, domain.ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job.Clone(), nil
}

func (s *Store) List(ctx context.Context, filter domain.JobFilter) ([]*domain.Job, error) {
	return s.snapshot(filter), nil
}

func (s *Store) snapshot(filter domain.JobFilter) []*domain.Job {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.jobs))
	for _, e := range s.jobs {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	type row struct {
		seq uint64
		job *domain.Job
	}
	rows := make([]row, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if filter.Match(e.job) {
			rows = append(rows, row{seq: e.seq, job: e.job.Clone()})
		}
		e.mu.Unlock()
	}

	sort.Slice(rows, func(i, k int) bool {
		a, b := rows[i].job.CreatedAt, rows[k].job.CreatedAt
		if !a.Equal(b) {
			return a.Before(b)
		}
		return rows[i].seq < rows[k].seq
	})

	jobs := make([]*domain.Job, len(rows))
	for i, r := range rows {
		jobs[i] = r.job
	}
	return jobs
}

// Update swaps in the mutated job and flushes the snapshot. A failed flush
// restores the previous job so memory never runs ahead of the file.
func (s *Store) Update(ctx context.Context, id string, fn port.Mutation) (*domain.Job, error) {
	e, ok := s.lookup(id)
	if !ok {
		return nil, domain.ErrNotFound
	}

	e.write.Lock()
	defer e.write.Unlock()

	e.mu.Lock()
	prev := e.job
	next := prev.Clone()
	if err := fn(next); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	e.job = next
	out := next.Clone()
	e.mu.Unlock()

	if err := s.save(); err != nil {
		e.mu.Lock()
		e.job = prev
		e.mu.Unlock()
		return nil, err
	}
	return out, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	e, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return domain.ErrNotFound
	}
	delete(s.jobs, id)
	s.mu.Unlock()

	if err := s.save(); err != nil {
		s.mu.Lock()
		s.jobs[id] = e
		s.mu.Unlock()
		return err
	}
	return nil
}

var _ port.JobStore = (*Store)(nil)
