package job

import (
	"context"
	"time"

	"github.com/sells-group/whale-analyst/internal/model"
	"github.com/sells-group/whale-analyst/internal/store"
)

// Status is the client view of a job.
type Status struct {
	ID            string                `json:"id"`
	SubjectKey    string                `json:"subject_key"`
	Kind          model.AnalysisKind    `json:"kind"`
	Status        model.JobStatus       `json:"status"`
	Result        *model.AnalysisResult `json:"result,omitempty"`
	FailureReason string                `json:"failure_reason,omitempty"`
	CreatedAt     time.Time             `json:"created_at"`
	UpdatedAt     time.Time             `json:"updated_at"`
	// LikelyAbandoned flags a job running far longer than any pipeline can.
	LikelyAbandoned bool `json:"likely_abandoned,omitempty"`
}

// StatusReader answers status polls.
type StatusReader struct {
	store      store.Store
	staleAfter time.Duration
	now        func() time.Time
}

// NewStatusReader creates a StatusReader. staleAfter should be a generous
// multiple of the worst-case pipeline duration.
func NewStatusReader(st store.Store, staleAfter time.Duration) *StatusReader {
	if staleAfter <= 0 {
		staleAfter = 30 * time.Minute
	}
	return &StatusReader{store: st, staleAfter: staleAfter, now: time.Now}
}

// Get returns the job's status. Unknown ids yield store.ErrNotFound.
func (r *StatusReader) Get(ctx context.Context, id string) (*Status, error) {
	j, err := r.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.view(j), nil
}

// List returns status views for jobs matching filter.
func (r *StatusReader) List(ctx context.Context, filter store.JobFilter) ([]Status, error) {
	jobs, err := r.store.ListJobs(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]Status, len(jobs))
	for i := range jobs {
		out[i] = *r.view(&jobs[i])
	}
	return out, nil
}

func (r *StatusReader) view(j *model.Job) *Status {
	return &Status{
		ID:              j.ID,
		SubjectKey:      j.SubjectKey,
		Kind:            j.Kind,
		Status:          j.Status,
		Result:          j.Result,
		FailureReason:   j.FailureReason,
		CreatedAt:       j.CreatedAt,
		UpdatedAt:       j.UpdatedAt,
		LikelyAbandoned: j.Status == model.JobStatusRunning && r.now().Sub(j.UpdatedAt) > r.staleAfter,
	}
}
