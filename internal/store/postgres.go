package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/whale-analyst/internal/db"
	"github.com/sells-group/whale-analyst/internal/model"
	"github.com/sells-group/whale-analyst/internal/resilience"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// activeIndex is the partial unique index that enforces one active job
// per subject and kind.
const activeIndex = "idx_analysis_jobs_active"

// jobQueries holds the hot-path queries shared by several methods.
var jobQueries = map[string]string{
	"claim_job": `UPDATE analysis_jobs SET status = 'running', updated_at = $1 WHERE id = $2 AND status = 'pending'`,
	"get_job":   `SELECT ` + jobColumns + ` FROM analysis_jobs WHERE id = $1`,
	"find_reusable": `SELECT ` + jobColumns + ` FROM analysis_jobs
		WHERE subject_key = $1 AND kind = $2
		  AND (status IN ('pending', 'running') OR (status = 'completed' AND updated_at >= $3))
		ORDER BY created_at DESC LIMIT 1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS analysis_jobs (
	id             TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	subject_key    TEXT NOT NULL,
	kind           TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'pending'
	               CHECK (status IN ('pending', 'running', 'completed', 'failed')),
	input          JSONB NOT NULL,
	result         JSONB,
	failure_reason TEXT,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_analysis_jobs_active
	ON analysis_jobs(subject_key, kind) WHERE status IN ('pending', 'running');
CREATE INDEX IF NOT EXISTS idx_analysis_jobs_subject ON analysis_jobs(subject_key, kind, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_analysis_jobs_status ON analysis_jobs(status, updated_at);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, subjectKey string, kind model.AnalysisKind, input model.TransactionInput) (*model.Job, error) {
	inputJSON, err := json.Marshal(input)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal input")
	}

	now := time.Now().UTC()
	j := &model.Job{
		ID:         uuid.New().String(),
		SubjectKey: subjectKey,
		Kind:       kind,
		Status:     model.JobStatusPending,
		Input:      input,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO analysis_jobs (id, subject_key, kind, status, input, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		j.ID, subjectKey, string(kind), string(j.Status), inputJSON, now, now,
	)
	if err != nil {
		if db.IsUniqueViolation(err, activeIndex) {
			return nil, eris.Wrapf(ErrDuplicateActive, "postgres: create job %s/%s", subjectKey, kind)
		}
		return nil, markTransient(eris.Wrap(err, "postgres: insert job"))
	}
	return j, nil
}

func (s *PostgresStore) FindReusable(ctx context.Context, subjectKey string, kind model.AnalysisKind, completedSince time.Time) (*model.Job, error) {
	row := s.pool.QueryRow(ctx, jobQueries["find_reusable"], subjectKey, string(kind), completedSince.UTC())
	j, err := scanPgJob(row)
	if db.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, markTransient(eris.Wrap(err, "postgres: find reusable"))
	}
	return j, nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	j, err := scanPgJob(s.pool.QueryRow(ctx, jobQueries["get_job"], id))
	if db.IsNoRows(err) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get job %s", id)
	}
	if err != nil {
		return nil, markTransient(eris.Wrapf(err, "postgres: get job %s", id))
	}
	return j, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	where, args := filterClause(filter, func(n int) string { return fmt.Sprintf("$%d", n) })
	query := `SELECT ` + jobColumns + ` FROM analysis_jobs` + where +
		fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, filter.limit(), filter.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, markTransient(eris.Wrap(err, "postgres: list jobs"))
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		j, err := scanPgJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan job")
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "postgres: list jobs iterate")
}

func (s *PostgresStore) CountByStatus(ctx context.Context, since time.Time) (map[model.JobStatus]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM analysis_jobs WHERE updated_at >= $1 GROUP BY status`, since.UTC())
	if err != nil {
		return nil, markTransient(eris.Wrap(err, "postgres: count by status"))
	}
	defer rows.Close()

	counts := make(map[model.JobStatus]int)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan count")
		}
		counts[model.JobStatus(status)] = int(n)
	}
	return counts, eris.Wrap(rows.Err(), "postgres: count iterate")
}

func (s *PostgresStore) ClaimJob(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, jobQueries["claim_job"], time.Now().UTC(), id)
	if err != nil {
		return false, markTransient(eris.Wrapf(err, "postgres: claim job %s", id))
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := s.currentStatus(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *PostgresStore) CompleteJob(ctx context.Context, id string, result *model.AnalysisResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal result")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE analysis_jobs SET status = 'completed', result = $1, updated_at = $2 WHERE id = $3 AND status = 'running'`,
		resultJSON, time.Now().UTC(), id,
	)
	if err != nil {
		return markTransient(eris.Wrapf(err, "postgres: complete job %s", id))
	}
	return s.checkTransition(ctx, tag.RowsAffected(), id, model.JobStatusCompleted)
}

func (s *PostgresStore) FailJob(ctx context.Context, id string, reason string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE analysis_jobs SET status = 'failed', failure_reason = $1, updated_at = $2 WHERE id = $3 AND status IN ('pending', 'running')`,
		reason, time.Now().UTC(), id,
	)
	if err != nil {
		return markTransient(eris.Wrapf(err, "postgres: fail job %s", id))
	}
	return s.checkTransition(ctx, tag.RowsAffected(), id, model.JobStatusFailed)
}

func (s *PostgresStore) FailStale(ctx context.Context, runningBefore time.Time, reason string) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE analysis_jobs SET status = 'failed', failure_reason = $1, updated_at = $2 WHERE status = 'running' AND updated_at < $3`,
		reason, time.Now().UTC(), runningBefore.UTC(),
	)
	if err != nil {
		return 0, markTransient(eris.Wrap(err, "postgres: fail stale jobs"))
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) checkTransition(ctx context.Context, affected int64, id string, to model.JobStatus) error {
	if affected > 0 {
		return nil
	}
	from, err := s.currentStatus(ctx, id)
	if err != nil {
		return err
	}
	return eris.Wrapf(ErrInvalidTransition, "postgres: job %s %s -> %s", id, from, to)
}

func (s *PostgresStore) currentStatus(ctx context.Context, id string) (model.JobStatus, error) {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM analysis_jobs WHERE id = $1`, id).Scan(&status)
	if db.IsNoRows(err) {
		return "", eris.Wrapf(ErrNotFound, "postgres: job %s", id)
	}
	if err != nil {
		return "", markTransient(eris.Wrapf(err, "postgres: read status %s", id))
	}
	return model.JobStatus(status), nil
}

func scanPgJob(row pgx.Row) (*model.Job, error) {
	var j model.Job
	var kind, status string
	var inputJSON []byte
	var resultJSON *[]byte
	var failure *string

	if err := row.Scan(&j.ID, &j.SubjectKey, &kind, &status, &inputJSON, &resultJSON, &failure, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	j.Kind = model.AnalysisKind(kind)
	j.Status = model.JobStatus(status)
	if failure != nil {
		j.FailureReason = *failure
	}
	if err := json.Unmarshal(inputJSON, &j.Input); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal input")
	}
	if resultJSON != nil {
		j.Result = &model.AnalysisResult{}
		if err := json.Unmarshal(*resultJSON, j.Result); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal result")
		}
	}
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()
	return &j, nil
}

// markTransient flags connection-class failures (SQLSTATE 08, refused dials)
// so retry policies treat them like network errors.
func markTransient(err error) error {
	if db.IsConnectionError(err) {
		return resilience.NewTransientError(err, 0)
	}
	return err
}
