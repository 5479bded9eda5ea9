package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/whale-analyst/internal/model"
)

// MemoryStore implements Store in process memory. Jobs are lost on exit;
// it backs tests and the single-binary dev mode.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*model.Job

	nowFunc func() time.Time
}

// NewMemory creates an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		jobs:    make(map[string]*model.Job),
		nowFunc: func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) CreateJob(_ context.Context, subjectKey string, kind model.AnalysisKind, input model.TransactionInput) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, j := range s.jobs {
		if j.SubjectKey == subjectKey && j.Kind == kind && !j.Status.IsTerminal() {
			return nil, eris.Wrapf(ErrDuplicateActive, "memory: create job %s/%s", subjectKey, kind)
		}
	}

	now := s.nowFunc()
	j := &model.Job{
		ID:         uuid.New().String(),
		SubjectKey: subjectKey,
		Kind:       kind,
		Status:     model.JobStatusPending,
		Input:      input,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.jobs[j.ID] = j
	return cloneJob(j), nil
}

func (s *MemoryStore) FindReusable(_ context.Context, subjectKey string, kind model.AnalysisKind, completedSince time.Time) (*model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *model.Job
	for _, j := range s.jobs {
		if j.SubjectKey != subjectKey || j.Kind != kind {
			continue
		}
		reusable := !j.Status.IsTerminal() ||
			(j.Status == model.JobStatusCompleted && !j.UpdatedAt.Before(completedSince))
		if !reusable {
			continue
		}
		if best == nil || j.CreatedAt.After(best.CreatedAt) {
			best = j
		}
	}
	if best == nil {
		return nil, nil
	}
	return cloneJob(best), nil
}

func (s *MemoryStore) GetJob(_ context.Context, id string) (*model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "memory: get job %s", id)
	}
	return cloneJob(j), nil
}

func (s *MemoryStore) ListJobs(_ context.Context, filter JobFilter) ([]model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Job
	for _, j := range s.jobs {
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		if filter.Kind != "" && j.Kind != filter.Kind {
			continue
		}
		if filter.SubjectKey != "" && j.SubjectKey != filter.SubjectKey {
			continue
		}
		if !filter.UpdatedSince.IsZero() && j.UpdatedAt.Before(filter.UpdatedSince) {
			continue
		}
		if !filter.UpdatedBefore.IsZero() && !j.UpdatedAt.Before(filter.UpdatedBefore) {
			continue
		}
		out = append(out, *cloneJob(j))
	}

	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })

	if filter.Offset >= len(out) {
		return nil, nil
	}
	out = out[filter.Offset:]
	if limit := filter.limit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) CountByStatus(_ context.Context, since time.Time) (map[model.JobStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[model.JobStatus]int)
	for _, j := range s.jobs {
		if j.UpdatedAt.Before(since) {
			continue
		}
		counts[j.Status]++
	}
	return counts, nil
}

func (s *MemoryStore) ClaimJob(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return false, eris.Wrapf(ErrNotFound, "memory: claim job %s", id)
	}
	if j.Status != model.JobStatusPending {
		return false, nil
	}
	j.Status = model.JobStatusRunning
	j.UpdatedAt = s.nowFunc()
	return true, nil
}

func (s *MemoryStore) CompleteJob(_ context.Context, id string, result *model.AnalysisResult) error {
	return s.transition(id, model.JobStatusCompleted, func(j *model.Job) {
		j.Result = cloneResult(result)
	})
}

func (s *MemoryStore) FailJob(_ context.Context, id string, reason string) error {
	return s.transition(id, model.JobStatusFailed, func(j *model.Job) {
		j.FailureReason = reason
	})
}

func (s *MemoryStore) FailStale(_ context.Context, runningBefore time.Time, reason string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFunc()
	n := 0
	for _, j := range s.jobs {
		if j.Status == model.JobStatusRunning && j.UpdatedAt.Before(runningBefore) {
			j.Status = model.JobStatusFailed
			j.FailureReason = reason
			j.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) transition(id string, to model.JobStatus, apply func(*model.Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return eris.Wrapf(ErrNotFound, "memory: %s job %s", to, id)
	}
	if !canTransition(j.Status, to) {
		return eris.Wrapf(ErrInvalidTransition, "memory: job %s %s -> %s", id, j.Status, to)
	}
	apply(j)
	j.Status = to
	j.UpdatedAt = s.nowFunc()
	return nil
}

func (s *MemoryStore) Ping(context.Context) error    { return nil }
func (s *MemoryStore) Migrate(context.Context) error { return nil }
func (s *MemoryStore) Close() error                  { return nil }

func cloneJob(j *model.Job) *model.Job {
	c := *j
	c.Result = cloneResult(j.Result)
	return &c
}

// cloneResult copies the result so callers cannot mutate stored state. The
// record map is copied one level deep.
func cloneResult(r *model.AnalysisResult) *model.AnalysisResult {
	if r == nil {
		return nil
	}
	c := *r
	if r.Record != nil {
		c.Record = make(map[string]any, len(r.Record))
		for k, v := range r.Record {
			c.Record[k] = v
		}
	}
	c.Metadata.Attempts = append([]model.AttemptSummary(nil), r.Metadata.Attempts...)
	c.Metadata.Limitations = append([]string(nil), r.Metadata.Limitations...)
	return &c
}
