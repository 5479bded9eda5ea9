package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/whale-analyst/internal/model"
	"github.com/sells-group/whale-analyst/internal/resilience"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

var jobRowColumns = []string{"id", "subject_key", "kind", "status", "input", "result", "failure_reason", "created_at", "updated_at"}

func TestPostgresStore_CreateJob(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	in := sampleInput("0x01")

	mock.ExpectExec(`INSERT INTO analysis_jobs`).
		WithArgs(pgxmock.AnyArg(), "ethereum:0x01", "transaction", "pending", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	j, err := s.CreateJob(context.Background(), in.SubjectKey(), model.KindTransaction, in)
	require.NoError(t, err)
	assert.NotEmpty(t, j.ID)
	assert.Equal(t, model.JobStatusPending, j.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateJob_DuplicateActive(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	in := sampleInput("0x01")

	mock.ExpectExec(`INSERT INTO analysis_jobs`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: pgerrcode.UniqueViolation, ConstraintName: activeIndex})

	_, err := s.CreateJob(context.Background(), in.SubjectKey(), model.KindTransaction, in)
	assert.True(t, errors.Is(err, ErrDuplicateActive), "got %v", err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateJob_OtherError(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	in := sampleInput("0x01")

	mock.ExpectExec(`INSERT INTO analysis_jobs`).WillReturnError(errors.New("connection reset"))

	_, err := s.CreateJob(context.Background(), in.SubjectKey(), model.KindTransaction, in)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrDuplicateActive))
	assert.Contains(t, err.Error(), "insert job")
}

func TestPostgresStore_GetJob(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT id, subject_key, kind, status, input, result, failure_reason, created_at, updated_at FROM analysis_jobs WHERE id = \$1`).
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows(jobRowColumns).AddRow(
			"job-1", "ethereum:0x01", "transaction", "completed",
			[]byte(`{"tx_hash":"0x01","asset":"USDT","amount":5}`),
			ptr([]byte(`{"record":{"risk_level":"high"},"metadata":{"provider":"openai","model":"gpt-4o","repair_stage":"strip_and_bound","duration_ms":10}}`)),
			(*string)(nil), now, now,
		))

	j, err := s.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, j.Status)
	assert.Equal(t, "USDT", j.Input.Asset)
	require.NotNil(t, j.Result)
	assert.Equal(t, "high", j.Result.Record["risk_level"])
	assert.Equal(t, "strip_and_bound", j.Result.Metadata.RepairStage)
	assert.Empty(t, j.FailureReason)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetJob_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM analysis_jobs WHERE id = \$1`).
		WithArgs("nonexistent").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetJob(context.Background(), "nonexistent")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FindReusable_None(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`status = 'completed' AND updated_at >= \$3`).
		WithArgs("ethereum:0x01", "transaction", pgxmock.AnyArg()).
		WillReturnError(pgx.ErrNoRows)

	j, err := s.FindReusable(context.Background(), "ethereum:0x01", model.KindTransaction, time.Now())
	require.NoError(t, err)
	assert.Nil(t, j)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ClaimJob(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE analysis_jobs SET status = 'running'`).
		WithArgs(pgxmock.AnyArg(), "job-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	ok, err := s.ClaimJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ClaimJob_AlreadyClaimed(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE analysis_jobs SET status = 'running'`).
		WithArgs(pgxmock.AnyArg(), "job-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT status FROM analysis_jobs WHERE id = \$1`).
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("running"))

	ok, err := s.ClaimJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ClaimJob_ConnectionErrorIsTransient(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE analysis_jobs SET status = 'running'`).
		WithArgs(pgxmock.AnyArg(), "job-1").
		WillReturnError(&pgconn.PgError{Code: pgerrcode.UndefinedTable})
	mock.ExpectExec(`UPDATE analysis_jobs SET status = 'running'`).
		WithArgs(pgxmock.AnyArg(), "job-2").
		WillReturnError(&pgconn.PgError{Code: pgerrcode.ConnectionFailure})

	_, err := s.ClaimJob(context.Background(), "job-1")
	require.Error(t, err)
	assert.False(t, resilience.IsTransient(err))

	_, err = s.ClaimJob(context.Background(), "job-2")
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
	assert.Contains(t, err.Error(), "postgres: claim job job-2")

	var pgErr *pgconn.PgError
	require.True(t, errors.As(err, &pgErr))
	assert.Equal(t, pgerrcode.ConnectionFailure, pgErr.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CompleteJob_InvalidTransition(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE analysis_jobs SET status = 'completed'`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), "job-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT status FROM analysis_jobs`).
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("failed"))

	err := s.CompleteJob(context.Background(), "job-1", &model.AnalysisResult{})
	assert.True(t, errors.Is(err, ErrInvalidTransition), "got %v", err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FailJob_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE analysis_jobs SET status = 'failed'`).
		WithArgs("timeout: deadline", pgxmock.AnyArg(), "job-x").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT status FROM analysis_jobs`).
		WithArgs("job-x").
		WillReturnError(pgx.ErrNoRows)

	err := s.FailJob(context.Background(), "job-x", "timeout: deadline")
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FailStale(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	cutoff := time.Now().Add(-30 * time.Minute)

	mock.ExpectExec(`WHERE status = 'running' AND updated_at < \$3`).
		WithArgs("abandoned: worker did not finish", pgxmock.AnyArg(), cutoff.UTC()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))

	n, err := s.FailStale(context.Background(), cutoff, "abandoned: worker did not finish")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListJobs_Filters(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`FROM analysis_jobs WHERE status = \$1 AND kind = \$2 ORDER BY created_at DESC LIMIT \$3 OFFSET \$4`).
		WithArgs("failed", "transaction", 10, 0).
		WillReturnRows(pgxmock.NewRows(jobRowColumns).AddRow(
			"job-2", "ethereum:0x02", "transaction", "failed",
			[]byte(`{"tx_hash":"0x02"}`), (*[]byte)(nil), ptr("provider_exhausted: all providers failed"), now, now,
		))

	jobs, err := s.ListJobs(context.Background(), JobFilter{Status: model.JobStatusFailed, Kind: model.KindTransaction, Limit: 10})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "provider_exhausted: all providers failed", jobs[0].FailureReason)
	assert.Nil(t, jobs[0].Result)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CountByStatus(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT status, COUNT\(\*\) FROM analysis_jobs`).
		WithArgs(pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"status", "count"}).
			AddRow("completed", int64(12)).
			AddRow("failed", int64(3)))

	counts, err := s.CountByStatus(context.Background(), time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 12, counts[model.JobStatusCompleted])
	assert.Equal(t, 3, counts[model.JobStatusFailed])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_analysis_jobs_active`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func ptr[T any](v T) *T { return &v }
