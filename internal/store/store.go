package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/whale-analyst/internal/model"
)

var (
	// ErrNotFound is returned when no job has the requested id.
	ErrNotFound = eris.New("store: job not found")
	// ErrDuplicateActive is returned by CreateJob when a pending or running
	// job already exists for the same subject and kind.
	ErrDuplicateActive = eris.New("store: active job already exists for subject")
	// ErrInvalidTransition is returned when a status change is not allowed
	// from the job's current status.
	ErrInvalidTransition = eris.New("store: invalid status transition")
)

// JobFilter specifies criteria for listing jobs.
type JobFilter struct {
	Status        model.JobStatus    `json:"status,omitempty"`
	Kind          model.AnalysisKind `json:"kind,omitempty"`
	SubjectKey    string             `json:"subject_key,omitempty"`
	UpdatedSince  time.Time          `json:"updated_since,omitempty"`
	UpdatedBefore time.Time          `json:"updated_before,omitempty"`
	Limit         int                `json:"limit,omitempty"`
	Offset        int                `json:"offset,omitempty"`
}

// defaultListLimit applies when JobFilter.Limit is not positive.
const defaultListLimit = 100

func (f JobFilter) limit() int {
	if f.Limit <= 0 {
		return defaultListLimit
	}
	return f.Limit
}

// Store defines the durable job persistence used by the orchestrator,
// workers and status readers.
type Store interface {
	// CreateJob inserts a pending job. It returns ErrDuplicateActive if a
	// pending or running job exists for (subjectKey, kind).
	CreateJob(ctx context.Context, subjectKey string, kind model.AnalysisKind, input model.TransactionInput) (*model.Job, error)
	// FindReusable returns the newest job for (subjectKey, kind) that is
	// pending, running, or completed at or after completedSince. It returns
	// nil, nil when there is none.
	FindReusable(ctx context.Context, subjectKey string, kind model.AnalysisKind, completedSince time.Time) (*model.Job, error)
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error)
	// CountByStatus counts jobs updated at or after since, by status.
	CountByStatus(ctx context.Context, since time.Time) (map[model.JobStatus]int, error)

	// ClaimJob moves a job from pending to running. It reports false when
	// the job was not pending.
	ClaimJob(ctx context.Context, id string) (bool, error)
	// CompleteJob moves a running job to completed with its result.
	CompleteJob(ctx context.Context, id string, result *model.AnalysisResult) error
	// FailJob moves a pending or running job to failed.
	FailJob(ctx context.Context, id string, reason string) error
	// FailStale fails every running job last updated before runningBefore
	// and returns how many were failed.
	FailStale(ctx context.Context, runningBefore time.Time, reason string) (int, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// canTransition reports whether a job may move from one status to another.
func canTransition(from, to model.JobStatus) bool {
	switch to {
	case model.JobStatusRunning:
		return from == model.JobStatusPending
	case model.JobStatusCompleted:
		return from == model.JobStatusRunning
	case model.JobStatusFailed:
		return from == model.JobStatusPending || from == model.JobStatusRunning
	}
	return false
}
