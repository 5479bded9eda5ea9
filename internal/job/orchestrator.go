// Package job runs asynchronous analysis jobs: submission with
// de-duplication, background processing and status reads.
package job

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/whale-analyst/internal/analysis"
	"github.com/sells-group/whale-analyst/internal/model"
	"github.com/sells-group/whale-analyst/internal/store"
)

// maxCreateAttempts bounds the create/lookup loop when a duplicate job
// finishes between our lookup and insert.
const maxCreateAttempts = 3

// Scheduler hands a new job to background processing. *Dispatcher
// satisfies it.
type Scheduler interface {
	Dispatch(jobID string)
}

// Submission is the result of Submit.
type Submission struct {
	JobID  string          `json:"job_id"`
	Status model.JobStatus `json:"status"`
	// Reused is true when an existing job was returned.
	Reused bool `json:"reused"`
}

// OrchestratorConfig tunes submission.
type OrchestratorConfig struct {
	// ReuseWindow is how long a completed job is returned for repeat
	// submissions of the same subject and kind.
	ReuseWindow time.Duration
	// KnownProvider validates a preferred provider. Nil accepts any.
	KnownProvider func(name string) bool
}

// Orchestrator accepts analysis requests.
type Orchestrator struct {
	store     store.Store
	kinds     *analysis.Registry
	scheduler Scheduler
	cfg       OrchestratorConfig
	now       func() time.Time
	log       *zap.Logger
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(st store.Store, kinds *analysis.Registry, scheduler Scheduler, cfg OrchestratorConfig) *Orchestrator {
	if cfg.ReuseWindow <= 0 {
		cfg.ReuseWindow = time.Hour
	}
	return &Orchestrator{
		store:     st,
		kinds:     kinds,
		scheduler: scheduler,
		cfg:       cfg,
		now:       time.Now,
		log:       zap.L().With(zap.String("component", "orchestrator")),
	}
}

// Submit returns the id of a job analyzing (subjectKey, kind). An active or
// recently completed job is reused; otherwise a pending job is created and
// scheduled. Submit returns once the job is durably stored.
func (o *Orchestrator) Submit(ctx context.Context, subjectKey string, kind model.AnalysisKind, input model.TransactionInput) (*Submission, error) {
	if err := o.validate(kind, input); err != nil {
		return nil, err
	}
	subjectKey = strings.TrimSpace(subjectKey)
	if subjectKey == "" {
		subjectKey = input.SubjectKey()
	}
	log := o.log.With(zap.String("subject_key", subjectKey), zap.String("kind", string(kind)))

	for range maxCreateAttempts {
		existing, err := o.store.FindReusable(ctx, subjectKey, kind, o.now().Add(-o.cfg.ReuseWindow))
		if err != nil {
			return nil, &StoreError{Op: "find reusable job", Err: err}
		}
		if existing != nil {
			log.Debug("reusing job", zap.String("job_id", existing.ID), zap.String("status", string(existing.Status)))
			return &Submission{JobID: existing.ID, Status: existing.Status, Reused: true}, nil
		}

		created, err := o.store.CreateJob(ctx, subjectKey, kind, input)
		if errors.Is(err, store.ErrDuplicateActive) {
			// Lost a race with a concurrent submission; its job is reusable.
			continue
		}
		if err != nil {
			return nil, &StoreError{Op: "create job", Err: err}
		}

		o.scheduler.Dispatch(created.ID)
		log.Info("job submitted", zap.String("job_id", created.ID))
		return &Submission{JobID: created.ID, Status: created.Status}, nil
	}
	return nil, &StoreError{Op: "create job", Err: store.ErrDuplicateActive}
}

func (o *Orchestrator) validate(kind model.AnalysisKind, input model.TransactionInput) error {
	ve := &ValidationError{Fields: input.MissingFields()}
	if _, ok := o.kinds.Get(kind); !ok {
		ve.Fields = append(ve.Fields, "kind")
	}
	if p := input.PreferredProvider; p != "" && o.cfg.KnownProvider != nil && !o.cfg.KnownProvider(p) {
		ve.Fields = append(ve.Fields, "preferred_provider")
	}
	if len(ve.Fields) > 0 {
		return ve
	}
	return nil
}
