package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/sells-group/whale-analyst/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	// One connection serializes writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS analysis_jobs (
	id             TEXT PRIMARY KEY,
	subject_key    TEXT NOT NULL,
	kind           TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'pending',
	input          TEXT NOT NULL,
	result         TEXT,
	failure_reason TEXT,
	created_at     DATETIME NOT NULL,
	updated_at     DATETIME NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_analysis_jobs_active
	ON analysis_jobs(subject_key, kind) WHERE status IN ('pending', 'running');
CREATE INDEX IF NOT EXISTS idx_analysis_jobs_subject ON analysis_jobs(subject_key, kind, created_at);
CREATE INDEX IF NOT EXISTS idx_analysis_jobs_status ON analysis_jobs(status, updated_at);
`

const jobColumns = `id, subject_key, kind, status, input, result, failure_reason, created_at, updated_at`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateJob(ctx context.Context, subjectKey string, kind model.AnalysisKind, input model.TransactionInput) (*model.Job, error) {
	inputJSON, err := json.Marshal(input)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal input")
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

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO analysis_jobs (id, subject_key, kind, status, input, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		j.ID, subjectKey, string(kind), string(j.Status), string(inputJSON), now, now,
	)
	if err != nil {
		if isSQLiteUnique(err) {
			return nil, eris.Wrapf(ErrDuplicateActive, "sqlite: create job %s/%s", subjectKey, kind)
		}
		return nil, eris.Wrap(err, "sqlite: insert job")
	}
	return j, nil
}

func (s *SQLiteStore) FindReusable(ctx context.Context, subjectKey string, kind model.AnalysisKind, completedSince time.Time) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM analysis_jobs
		 WHERE subject_key = ? AND kind = ?
		   AND (status IN ('pending', 'running') OR (status = 'completed' AND updated_at >= ?))
		 ORDER BY created_at DESC LIMIT 1`,
		subjectKey, string(kind), completedSince.UTC(),
	)
	j, err := scanJob(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find reusable")
	}
	return j, nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM analysis_jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get job %s", id)
	}
	return j, nil
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	where, args := filterClause(filter, func(int) string { return "?" })
	query := `SELECT ` + jobColumns + ` FROM analysis_jobs` + where + ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, filter.limit(), filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "sqlite: list jobs iterate")
}

func (s *SQLiteStore) CountByStatus(ctx context.Context, since time.Time) (map[model.JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM analysis_jobs WHERE updated_at >= ? GROUP BY status`, since.UTC())
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count by status")
	}
	defer rows.Close()

	counts := make(map[model.JobStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan count")
		}
		counts[model.JobStatus(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: count iterate")
}

func (s *SQLiteStore) ClaimJob(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE analysis_jobs SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: claim job %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 1 {
		return true, nil
	}
	if _, err := s.currentStatus(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *SQLiteStore) CompleteJob(ctx context.Context, id string, result *model.AnalysisResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal result")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE analysis_jobs SET status = 'completed', result = ?, updated_at = ? WHERE id = ? AND status = 'running'`,
		string(resultJSON), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete job %s", id)
	}
	return s.checkTransition(ctx, res, id, model.JobStatusCompleted)
}

func (s *SQLiteStore) FailJob(ctx context.Context, id string, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE analysis_jobs SET status = 'failed', failure_reason = ?, updated_at = ? WHERE id = ? AND status IN ('pending', 'running')`,
		reason, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail job %s", id)
	}
	return s.checkTransition(ctx, res, id, model.JobStatusFailed)
}

func (s *SQLiteStore) FailStale(ctx context.Context, runningBefore time.Time, reason string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE analysis_jobs SET status = 'failed', failure_reason = ?, updated_at = ? WHERE status = 'running' AND updated_at < ?`,
		reason, time.Now().UTC(), runningBefore.UTC(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: fail stale jobs")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

// checkTransition turns a zero-row guarded update into ErrNotFound or
// ErrInvalidTransition.
func (s *SQLiteStore) checkTransition(ctx context.Context, res sql.Result, id string, to model.JobStatus) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n > 0 {
		return nil
	}
	from, err := s.currentStatus(ctx, id)
	if err != nil {
		return err
	}
	return eris.Wrapf(ErrInvalidTransition, "sqlite: job %s %s -> %s", id, from, to)
}

func (s *SQLiteStore) currentStatus(ctx context.Context, id string) (model.JobStatus, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM analysis_jobs WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", eris.Wrapf(ErrNotFound, "sqlite: job %s", id)
	}
	if err != nil {
		return "", eris.Wrapf(err, "sqlite: read status %s", id)
	}
	return model.JobStatus(status), nil
}

// helpers

func isSQLiteUnique(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT
	}
	return false
}

// filterClause builds a WHERE clause for filter. placeholder renders the
// n-th (1-based) bind parameter for the dialect.
func filterClause(filter JobFilter, placeholder func(n int) string) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, placeholder(len(args))))
	}

	if filter.Status != "" {
		add("status = %s", string(filter.Status))
	}
	if filter.Kind != "" {
		add("kind = %s", string(filter.Kind))
	}
	if filter.SubjectKey != "" {
		add("subject_key = %s", filter.SubjectKey)
	}
	if !filter.UpdatedSince.IsZero() {
		add("updated_at >= %s", filter.UpdatedSince.UTC())
	}
	if !filter.UpdatedBefore.IsZero() {
		add("updated_at < %s", filter.UpdatedBefore.UTC())
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

type scannable interface {
	Scan(dest ...any) error
}

func scanJob(row scannable) (*model.Job, error) {
	var j model.Job
	var kind, status, inputJSON string
	var resultJSON, failure sql.NullString

	err := row.Scan(&j.ID, &j.SubjectKey, &kind, &status, &inputJSON, &resultJSON, &failure, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan job")
	}

	j.Kind = model.AnalysisKind(kind)
	j.Status = model.JobStatus(status)
	j.FailureReason = failure.String
	if err := json.Unmarshal([]byte(inputJSON), &j.Input); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal input")
	}
	if resultJSON.Valid {
		j.Result = &model.AnalysisResult{}
		if err := json.Unmarshal([]byte(resultJSON.String), j.Result); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal result")
		}
	}
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()
	return &j, nil
}
