package job

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/whale-analyst/internal/analysis"
	"github.com/sells-group/whale-analyst/internal/cost"
	"github.com/sells-group/whale-analyst/internal/extract"
	"github.com/sells-group/whale-analyst/internal/gather"
	"github.com/sells-group/whale-analyst/internal/model"
	"github.com/sells-group/whale-analyst/internal/provider"
	"github.com/sells-group/whale-analyst/internal/resilience"
	"github.com/sells-group/whale-analyst/internal/store"
)

// terminalWriteTimeout bounds the final status write, which runs even after
// the worker context is canceled.
const terminalWriteTimeout = 10 * time.Second

// Gatherer builds the analysis context. *gather.Aggregator satisfies it.
type Gatherer interface {
	Gather(ctx context.Context, in model.TransactionInput) (*gather.Context, []gather.Note)
}

// Invoker calls providers in order. *provider.Invoker satisfies it.
type Invoker interface {
	Invoke(ctx context.Context, routes []provider.Route, prompt provider.Prompt) (*provider.Outcome, error)
}

// Worker processes one job from pending to a terminal state.
type Worker struct {
	store    store.Store
	kinds    *analysis.Registry
	gatherer Gatherer
	selector *provider.Selector
	invoker  Invoker
	costs    *cost.Calculator
	log      *zap.Logger

	claimRetry resilience.RetryConfig
}

// WorkerDeps are the collaborators of a Worker.
type WorkerDeps struct {
	Store    store.Store
	Kinds    *analysis.Registry
	Gatherer Gatherer
	Selector *provider.Selector
	Invoker  Invoker
	// Costs is optional; without it results carry no cost estimate.
	Costs *cost.Calculator
}

// NewWorker creates a Worker.
func NewWorker(deps WorkerDeps) *Worker {
	return &Worker{
		store:    deps.Store,
		kinds:    deps.Kinds,
		gatherer: deps.Gatherer,
		selector: deps.Selector,
		invoker:  deps.Invoker,
		costs:    deps.Costs,
		log:      zap.L().With(zap.String("component", "worker")),
		claimRetry: resilience.RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     2 * time.Second,
		},
	}
}

// Process claims jobID and runs it. It never panics and, once the job is
// claimed, always leaves it completed or failed. Transient claim errors are
// retried; a claim that still fails fails the job, and if that write fails
// too the job stays pending for the periodic reap to re-dispatch.
func (w *Worker) Process(ctx context.Context, jobID string) {
	log := w.log.With(zap.String("job_id", jobID))

	cfg := w.claimRetry
	cfg.OnRetry = resilience.RetryLogger("store", "claim job")
	claimed, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) (bool, error) {
		return w.store.ClaimJob(ctx, jobID)
	})
	if err != nil {
		if ctx.Err() != nil {
			log.Warn("claim interrupted, job left pending", zap.Error(err))
			return
		}
		log.Error("claim failed", zap.Error(err))
		w.fail(jobID, &StoreError{Op: "claim job", Err: err}, nil, log)
		return
	}
	if !claimed {
		log.Debug("job not pending, skipping duplicate trigger")
		return
	}

	var notes []gather.Note
	defer func() {
		if r := recover(); r != nil {
			log.Error("worker panic", zap.Any("panic", r), zap.Stack("stack"))
			w.fail(jobID, &panicError{value: r}, notes, log)
		}
	}()

	start := time.Now()
	job, err := w.store.GetJob(ctx, jobID)
	if err != nil {
		w.fail(jobID, eris.Wrap(err, "load job"), nil, log)
		return
	}
	log = log.With(zap.String("subject_key", job.SubjectKey), zap.String("kind", string(job.Kind)))

	result, err := w.run(ctx, job, &notes)
	if err != nil {
		w.fail(jobID, err, notes, log)
		return
	}
	result.Metadata.DurationMs = time.Since(start).Milliseconds()

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), terminalWriteTimeout)
	defer cancel()
	if err := w.store.CompleteJob(wctx, jobID, result); err != nil {
		log.Error("complete write failed", zap.Error(err))
		w.fail(jobID, eris.Wrap(err, "store completed result"), notes, log)
		return
	}
	log.Info("job completed",
		zap.String("provider", result.Metadata.Provider),
		zap.String("model", result.Metadata.Model),
		zap.String("repair_stage", result.Metadata.RepairStage),
		zap.Int("limitations", len(result.Metadata.Limitations)),
		zap.Int64("duration_ms", result.Metadata.DurationMs),
	)
}

func (w *Worker) run(ctx context.Context, job *model.Job, notes *[]gather.Note) (*model.AnalysisResult, error) {
	kind, ok := w.kinds.Get(job.Kind)
	if !ok {
		return nil, &ValidationError{Reason: "unknown analysis kind " + string(job.Kind)}
	}

	gc, gathered := w.gatherer.Gather(ctx, job.Input)
	*notes = gathered

	prompt := analysis.BuildPrompt(kind, gc, gathered)
	routes := w.selector.Select(provider.Signals{
		Kind:         job.Kind,
		AmountUSD:    gc.AmountUSD,
		MaxActivity:  gc.MaxActivity(),
		ContextBytes: len(prompt.Context),
	}, job.Input.PreferredProvider)

	outcome, err := w.invoker.Invoke(ctx, routes, prompt)
	if err != nil {
		return nil, err
	}

	extracted, err := extract.Extract(outcome.Response.Text, kind.Schema)
	if err != nil {
		return nil, err
	}

	resp := outcome.Response
	meta := model.ResultMetadata{
		Provider:     outcome.Route.Provider,
		Model:        resp.Model,
		Tier:         string(outcome.Route.Tier),
		RepairStage:  string(extracted.Stage),
		Attempts:     outcome.Attempts,
		Limitations:  noteStrings(gathered),
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
	}
	if meta.Model == "" {
		meta.Model = outcome.Route.Model
	}
	if w.costs != nil {
		meta.EstimatedCostUSD = w.costs.Estimate(meta.Provider, meta.Model, resp.InputTokens, resp.OutputTokens)
	}
	return &model.AnalysisResult{Record: extracted.Record, Metadata: meta}, nil
}

// fail writes the failed state with a context that outlives cancellation.
func (w *Worker) fail(jobID string, cause error, notes []gather.Note, log *zap.Logger) {
	reason := FailureReason(cause)
	if len(notes) > 0 {
		reason = truncate(reason+" [limitations: "+strings.Join(noteStrings(notes), "; ")+"]", maxFailureReason)
	}

	ctx, cancel := context.WithTimeout(context.Background(), terminalWriteTimeout)
	defer cancel()
	if err := w.store.FailJob(ctx, jobID, reason); err != nil {
		log.Error("fail write failed", zap.String("reason", reason), zap.Error(err))
		return
	}
	log.Error("job failed", zap.String("reason", reason), zap.Error(cause))
}

func noteStrings(notes []gather.Note) []string {
	if len(notes) == 0 {
		return nil
	}
	out := make([]string, len(notes))
	for i, n := range notes {
		out[i] = n.String()
	}
	return out
}
