package job

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/whale-analyst/internal/analysis"
	"github.com/sells-group/whale-analyst/internal/model"
	"github.com/sells-group/whale-analyst/internal/provider"
	"github.com/sells-group/whale-analyst/internal/store"
)

func newTestOrchestrator(st store.Store, sched Scheduler) *Orchestrator {
	sel := provider.NewSelector(provider.SelectorConfig{})
	return NewOrchestrator(st, analysis.DefaultRegistry(), sched, OrchestratorConfig{KnownProvider: sel.Known})
}

func TestSubmit_CreatesAndDispatches(t *testing.T) {
	st := store.NewMemory()
	sched := &recordingScheduler{}
	o := newTestOrchestrator(st, sched)

	sub, err := o.Submit(context.Background(), "", model.KindTransaction, validInput())
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusPending, sub.Status)
	assert.False(t, sub.Reused)
	assert.Equal(t, []string{sub.JobID}, sched.dispatched())

	j, err := st.GetJob(context.Background(), sub.JobID)
	require.NoError(t, err)
	assert.Equal(t, "ethereum:0xabc123", j.SubjectKey)
	assert.Equal(t, validInput(), j.Input)
}

func TestSubmit_ReusesActiveJob(t *testing.T) {
	st := store.NewMemory()
	sched := &recordingScheduler{}
	o := newTestOrchestrator(st, sched)
	ctx := context.Background()

	first, err := o.Submit(ctx, "whale-1", model.KindTransaction, validInput())
	require.NoError(t, err)
	second, err := o.Submit(ctx, "whale-1", model.KindTransaction, validInput())
	require.NoError(t, err)

	assert.Equal(t, first.JobID, second.JobID)
	assert.True(t, second.Reused)
	assert.Len(t, sched.dispatched(), 1)
}

func TestSubmit_ReusesCompletedJob(t *testing.T) {
	st := store.NewMemory()
	o := newTestOrchestrator(st, &recordingScheduler{})
	ctx := context.Background()

	first, err := o.Submit(ctx, "whale-1", model.KindTransaction, validInput())
	require.NoError(t, err)
	_, err = st.ClaimJob(ctx, first.JobID)
	require.NoError(t, err)
	require.NoError(t, st.CompleteJob(ctx, first.JobID, &model.AnalysisResult{Record: map[string]any{"summary": "x"}}))

	again, err := o.Submit(ctx, "whale-1", model.KindTransaction, validInput())
	require.NoError(t, err)
	assert.Equal(t, first.JobID, again.JobID)
	assert.Equal(t, model.JobStatusCompleted, again.Status)
	assert.True(t, again.Reused)
}

func TestSubmit_FailedJobIsNotReused(t *testing.T) {
	st := store.NewMemory()
	o := newTestOrchestrator(st, &recordingScheduler{})
	ctx := context.Background()

	first, err := o.Submit(ctx, "whale-1", model.KindTransaction, validInput())
	require.NoError(t, err)
	require.NoError(t, st.FailJob(ctx, first.JobID, "providers_exhausted: x"))

	again, err := o.Submit(ctx, "whale-1", model.KindTransaction, validInput())
	require.NoError(t, err)
	assert.NotEqual(t, first.JobID, again.JobID)
	assert.False(t, again.Reused)
}

func TestSubmit_DifferentKindsAreIndependent(t *testing.T) {
	st := store.NewMemory()
	o := newTestOrchestrator(st, &recordingScheduler{})
	ctx := context.Background()

	a, err := o.Submit(ctx, "whale-1", model.KindTransaction, validInput())
	require.NoError(t, err)
	b, err := o.Submit(ctx, "whale-1", model.KindCounterparty, validInput())
	require.NoError(t, err)
	assert.NotEqual(t, a.JobID, b.JobID)
}

func TestSubmit_ConcurrentSubmissionsShareOneJob(t *testing.T) {
	st := store.NewMemory()
	sched := &recordingScheduler{}
	o := newTestOrchestrator(st, sched)

	const n = 20
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sub, err := o.Submit(context.Background(), "whale-1", model.KindTransaction, validInput())
			if assert.NoError(t, err) {
				ids[i] = sub.JobID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Len(t, sched.dispatched(), 1)
}

func TestSubmit_Validation(t *testing.T) {
	st := store.NewMemory()
	sched := &recordingScheduler{}
	o := newTestOrchestrator(st, sched)

	in := validInput()
	in.TxHash = ""
	in.Amount = 0
	in.PreferredProvider = "mystery"

	_, err := o.Submit(context.Background(), "", "sentiment", in)
	require.Error(t, err)

	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, []string{"tx_hash", "amount", "kind", "preferred_provider"}, ve.Fields)
	assert.Contains(t, err.Error(), "validation: missing or invalid fields: tx_hash, amount")
	assert.Empty(t, sched.dispatched())

	jobs, err := st.ListJobs(context.Background(), store.JobFilter{})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestSubmit_KnownPreferredProviderAccepted(t *testing.T) {
	o := newTestOrchestrator(store.NewMemory(), &recordingScheduler{})
	in := validInput()
	in.PreferredProvider = provider.NameGemini

	_, err := o.Submit(context.Background(), "", model.KindTransaction, in)
	require.NoError(t, err)
}

type failingStore struct {
	store.Store
	err error
}

func (s *failingStore) FindReusable(context.Context, string, model.AnalysisKind, time.Time) (*model.Job, error) {
	return nil, s.err
}

func TestSubmit_StoreFailure(t *testing.T) {
	sched := &recordingScheduler{}
	o := newTestOrchestrator(&failingStore{Store: store.NewMemory(), err: errors.New("connection refused")}, sched)

	_, err := o.Submit(context.Background(), "", model.KindTransaction, validInput())
	require.Error(t, err)

	var se *StoreError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "find reusable job", se.Op)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Empty(t, sched.dispatched())
}
