package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/whale-analyst/internal/model"
)

func sampleInput(hash string) model.TransactionInput {
	return model.TransactionInput{
		TxHash:      hash,
		Chain:       "ethereum",
		Asset:       "USDT",
		Amount:      25_000_000,
		AmountUSD:   25_000_000,
		FromAddress: "0xabc",
		ToAddress:   "0xdef",
	}
}

func storeTestSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("CreateAndGetJob", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		in := sampleInput("0x01")
		j, err := s.CreateJob(ctx, in.SubjectKey(), model.KindTransaction, in)
		require.NoError(t, err)
		assert.NotEmpty(t, j.ID)
		assert.Equal(t, model.JobStatusPending, j.Status)

		got, err := s.GetJob(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, j.ID, got.ID)
		assert.Equal(t, "ethereum:0x01", got.SubjectKey)
		assert.Equal(t, model.KindTransaction, got.Kind)
		assert.Equal(t, model.JobStatusPending, got.Status)
		assert.Equal(t, in.Asset, got.Input.Asset)
		assert.Equal(t, in.Amount, got.Input.Amount)
		assert.Nil(t, got.Result)
		assert.Empty(t, got.FailureReason)
	})

	t.Run("GetJobNotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetJob(context.Background(), "missing")
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("DuplicateActiveRejected", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		in := sampleInput("0x02")

		_, err := s.CreateJob(ctx, in.SubjectKey(), model.KindTransaction, in)
		require.NoError(t, err)

		_, err = s.CreateJob(ctx, in.SubjectKey(), model.KindTransaction, in)
		assert.True(t, errors.Is(err, ErrDuplicateActive), "got %v", err)

		// A different kind for the same subject is independent.
		_, err = s.CreateJob(ctx, in.SubjectKey(), model.KindCounterparty, in)
		assert.NoError(t, err)
	})

	t.Run("TerminalJobAllowsNewJob", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		in := sampleInput("0x03")

		j, err := s.CreateJob(ctx, in.SubjectKey(), model.KindTransaction, in)
		require.NoError(t, err)
		require.NoError(t, s.FailJob(ctx, j.ID, "provider_exhausted: boom"))

		_, err = s.CreateJob(ctx, in.SubjectKey(), model.KindTransaction, in)
		assert.NoError(t, err)
	})

	t.Run("Lifecycle", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		in := sampleInput("0x04")

		j, err := s.CreateJob(ctx, in.SubjectKey(), model.KindTransaction, in)
		require.NoError(t, err)

		ok, err := s.ClaimJob(ctx, j.ID)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.ClaimJob(ctx, j.ID)
		require.NoError(t, err)
		assert.False(t, ok, "second claim must lose")

		result := &model.AnalysisResult{
			Record: map[string]any{"risk_level": "low", "confidence": 0.8},
			Metadata: model.ResultMetadata{
				Provider:    "anthropic",
				Model:       "claude-haiku-4-5",
				RepairStage: "direct_parse",
				Limitations: []string{"price: upstream unavailable"},
			},
		}
		require.NoError(t, s.CompleteJob(ctx, j.ID, result))

		got, err := s.GetJob(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusCompleted, got.Status)
		require.NotNil(t, got.Result)
		assert.Equal(t, "low", got.Result.Record["risk_level"])
		assert.Equal(t, "anthropic", got.Result.Metadata.Provider)
		assert.Equal(t, []string{"price: upstream unavailable"}, got.Result.Metadata.Limitations)
		assert.Empty(t, got.FailureReason)
		assert.False(t, got.UpdatedAt.Before(got.CreatedAt))
	})

	t.Run("TerminalStatesAreFinal", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		in := sampleInput("0x05")

		j, err := s.CreateJob(ctx, in.SubjectKey(), model.KindTransaction, in)
		require.NoError(t, err)

		// Completing a pending job skips running.
		err = s.CompleteJob(ctx, j.ID, &model.AnalysisResult{})
		assert.True(t, errors.Is(err, ErrInvalidTransition), "got %v", err)

		require.NoError(t, s.FailJob(ctx, j.ID, "validation: bad"))

		err = s.FailJob(ctx, j.ID, "again")
		assert.True(t, errors.Is(err, ErrInvalidTransition), "got %v", err)

		ok, err := s.ClaimJob(ctx, j.ID)
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := s.GetJob(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusFailed, got.Status)
		assert.Equal(t, "validation: bad", got.FailureReason)
		assert.Nil(t, got.Result)
	})

	t.Run("TransitionsOnMissingJob", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.ClaimJob(ctx, "nope")
		assert.True(t, errors.Is(err, ErrNotFound))
		assert.True(t, errors.Is(s.FailJob(ctx, "nope", "x"), ErrNotFound))
		assert.True(t, errors.Is(s.CompleteJob(ctx, "nope", &model.AnalysisResult{}), ErrNotFound))
	})

	t.Run("FindReusable", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		in := sampleInput("0x06")

		none, err := s.FindReusable(ctx, in.SubjectKey(), model.KindTransaction, time.Now().Add(-time.Hour))
		require.NoError(t, err)
		assert.Nil(t, none)

		j, err := s.CreateJob(ctx, in.SubjectKey(), model.KindTransaction, in)
		require.NoError(t, err)

		found, err := s.FindReusable(ctx, in.SubjectKey(), model.KindTransaction, time.Now().Add(-time.Hour))
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, j.ID, found.ID)

		_, err = s.ClaimJob(ctx, j.ID)
		require.NoError(t, err)
		require.NoError(t, s.CompleteJob(ctx, j.ID, &model.AnalysisResult{Record: map[string]any{"ok": true}}))

		found, err = s.FindReusable(ctx, in.SubjectKey(), model.KindTransaction, time.Now().Add(-time.Hour))
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, model.JobStatusCompleted, found.Status)

		// Outside the reuse window the completed job no longer counts.
		found, err = s.FindReusable(ctx, in.SubjectKey(), model.KindTransaction, time.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.Nil(t, found)
	})

	t.Run("FailedJobsAreNotReusable", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		in := sampleInput("0x07")

		j, err := s.CreateJob(ctx, in.SubjectKey(), model.KindTransaction, in)
		require.NoError(t, err)
		require.NoError(t, s.FailJob(ctx, j.ID, "boom"))

		found, err := s.FindReusable(ctx, in.SubjectKey(), model.KindTransaction, time.Time{})
		require.NoError(t, err)
		assert.Nil(t, found)
	})

	t.Run("ListJobs", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		var ids []string
		for _, h := range []string{"0xa1", "0xa2", "0xa3"} {
			in := sampleInput(h)
			j, err := s.CreateJob(ctx, in.SubjectKey(), model.KindTransaction, in)
			require.NoError(t, err)
			ids = append(ids, j.ID)
			time.Sleep(2 * time.Millisecond)
		}
		require.NoError(t, s.FailJob(ctx, ids[0], "boom"))

		all, err := s.ListJobs(ctx, JobFilter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, ids[2], all[0].ID, "newest first")

		failed, err := s.ListJobs(ctx, JobFilter{Status: model.JobStatusFailed})
		require.NoError(t, err)
		require.Len(t, failed, 1)
		assert.Equal(t, ids[0], failed[0].ID)

		page, err := s.ListJobs(ctx, JobFilter{Limit: 1, Offset: 1})
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, ids[1], page[0].ID)

		bySubject, err := s.ListJobs(ctx, JobFilter{SubjectKey: "ethereum:0xa2"})
		require.NoError(t, err)
		require.Len(t, bySubject, 1)
		assert.Equal(t, ids[1], bySubject[0].ID)
	})

	t.Run("CountByStatus", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		for _, h := range []string{"0xb1", "0xb2"} {
			in := sampleInput(h)
			_, err := s.CreateJob(ctx, in.SubjectKey(), model.KindTransaction, in)
			require.NoError(t, err)
		}
		in := sampleInput("0xb3")
		j, err := s.CreateJob(ctx, in.SubjectKey(), model.KindTransaction, in)
		require.NoError(t, err)
		_, err = s.ClaimJob(ctx, j.ID)
		require.NoError(t, err)

		counts, err := s.CountByStatus(ctx, time.Now().Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 2, counts[model.JobStatusPending])
		assert.Equal(t, 1, counts[model.JobStatusRunning])
		assert.Equal(t, 0, counts[model.JobStatusFailed])
	})

	t.Run("FailStale", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		in := sampleInput("0xc1")
		running, err := s.CreateJob(ctx, in.SubjectKey(), model.KindTransaction, in)
		require.NoError(t, err)
		_, err = s.ClaimJob(ctx, running.ID)
		require.NoError(t, err)

		in2 := sampleInput("0xc2")
		pending, err := s.CreateJob(ctx, in2.SubjectKey(), model.KindTransaction, in2)
		require.NoError(t, err)

		n, err := s.FailStale(ctx, time.Now().Add(-time.Hour), "abandoned")
		require.NoError(t, err)
		assert.Equal(t, 0, n, "recent running job is not stale")

		n, err = s.FailStale(ctx, time.Now().Add(time.Minute), "abandoned: worker did not finish")
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		got, err := s.GetJob(ctx, running.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusFailed, got.Status)
		assert.Equal(t, "abandoned: worker did not finish", got.FailureReason)

		got, err = s.GetJob(ctx, pending.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusPending, got.Status)
	})

	t.Run("ConcurrentCreateSingleWinner", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		in := sampleInput("0xd1")

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			created int
			dupes   int
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.CreateJob(ctx, in.SubjectKey(), model.KindTransaction, in)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					created++
				case errors.Is(err, ErrDuplicateActive):
					dupes++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, created)
		assert.Equal(t, 7, dupes)
	})
}

func TestMemoryStore(t *testing.T) {
	storeTestSuite(t, func(t *testing.T) Store {
		return NewMemory()
	})
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	in := sampleInput("0xe1")

	j, err := s.CreateJob(ctx, in.SubjectKey(), model.KindTransaction, in)
	require.NoError(t, err)
	_, err = s.ClaimJob(ctx, j.ID)
	require.NoError(t, err)
	require.NoError(t, s.CompleteJob(ctx, j.ID, &model.AnalysisResult{Record: map[string]any{"k": "v"}}))

	got, err := s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	got.Result.Record["k"] = "mutated"
	got.Status = model.JobStatusPending

	again, err := s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, "v", again.Result.Record["k"])
	assert.Equal(t, model.JobStatusCompleted, again.Status)
}
