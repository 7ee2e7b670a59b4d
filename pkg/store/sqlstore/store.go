package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/3leaps/goscribe/pkg/pipeline"
	"github.com/3leaps/goscribe/pkg/store"
)

// Store is a SQL-backed store.Repository.
type Store struct {
	db      *sql.DB
	dialect dialect
}

// DB exposes the underlying handle (tests, admin commands).
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) q(query string) string {
	return s.dialect.rebind(query)
}

// Fixed-width so lexical order matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

// isUniqueViolation reports a primary-key/unique failure on either dialect.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed: UNIQUE")
}

// --- jobs ---

const jobColumns = `job_id, status, owner, current_stage, brief_json, completed_stages_json,
	budget_limit, actual_cost, tokens_used, failure_json, event_seq,
	created_at, updated_at, started_at, ended_at`

func jobArgs(j *pipeline.Job) ([]any, error) {
	brief, err := json.Marshal(j.Brief)
	if err != nil {
		return nil, fmt.Errorf("marshal brief: %w", err)
	}
	stages := j.CompletedStages
	if stages == nil {
		stages = []pipeline.Stage{}
	}
	completed, err := json.Marshal(stages)
	if err != nil {
		return nil, fmt.Errorf("marshal completed stages: %w", err)
	}
	var failure sql.NullString
	if j.Failure != nil {
		if failure, err = nullJSON(j.Failure); err != nil {
			return nil, fmt.Errorf("marshal failure: %w", err)
		}
	}
	return []any{
		j.ID, string(j.Status), j.Brief.Owner, string(j.CurrentStage), string(brief), string(completed),
		j.BudgetLimit, j.ActualCost, j.TokensUsed, failure, j.EventSeq,
		formatTime(j.CreatedAt), formatTime(j.UpdatedAt), formatTimePtr(j.StartedAt), formatTimePtr(j.EndedAt),
	}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*pipeline.Job, error) {
	var j pipeline.Job
	var status, currentStage, briefJSON, completedJSON, createdAt, updatedAt string
	var owner, failure, started, ended sql.NullString
	if err := row.Scan(&j.ID, &status, &owner, &currentStage, &briefJSON, &completedJSON,
		&j.BudgetLimit, &j.ActualCost, &j.TokensUsed, &failure, &j.EventSeq,
		&createdAt, &updatedAt, &started, &ended); err != nil {
		return nil, err
	}
	j.Status = pipeline.JobStatus(status)
	j.CurrentStage = pipeline.Stage(currentStage)
	if err := json.Unmarshal([]byte(briefJSON), &j.Brief); err != nil {
		return nil, fmt.Errorf("parse brief: %w", err)
	}
	if err := json.Unmarshal([]byte(completedJSON), &j.CompletedStages); err != nil {
		return nil, fmt.Errorf("parse completed stages: %w", err)
	}
	if failure.Valid && failure.String != "" {
		j.Failure = &pipeline.JobFailure{}
		if err := json.Unmarshal([]byte(failure.String), j.Failure); err != nil {
			return nil, fmt.Errorf("parse failure: %w", err)
		}
	}
	var err error
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if j.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	if j.StartedAt, err = parseTimePtr(started); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if j.EndedAt, err = parseTimePtr(ended); err != nil {
		return nil, fmt.Errorf("parse ended_at: %w", err)
	}
	return &j, nil
}

func (s *Store) CreateJob(ctx context.Context, job *pipeline.Job) error {
	args, err := jobArgs(job)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`), args...)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: job %s", store.ErrConflict, job.ID)
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *Store) UpdateJob(ctx context.Context, job *pipeline.Job) error {
	args, err := jobArgs(job)
	if err != nil {
		return err
	}
	// SET columns first, job_id last.
	setArgs := make([]any, 0, len(args))
	setArgs = append(setArgs, args[1:]...)
	setArgs = append(setArgs, args[0])
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE jobs SET
		status=?, owner=?, current_stage=?, brief_json=?, completed_stages_json=?,
		budget_limit=?, actual_cost=?, tokens_used=?, failure_json=?, event_seq=?,
		created_at=?, updated_at=?, started_at=?, ended_at=?
		WHERE job_id=?`), setArgs...)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: job %s", store.ErrNotFound, job.ID)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*pipeline.Job, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+jobColumns+` FROM jobs WHERE job_id=?`), id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: job %s", store.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *Store) ListJobs(ctx context.Context, f store.JobFilter) ([]*pipeline.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var where []string
	var args []any
	if f.Status != "" {
		where = append(where, "status=?")
		args = append(args, string(f.Status))
	}
	if f.Owner != "" {
		where = append(where, "owner=?")
		args = append(args, f.Owner)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, job_id ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*pipeline.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// --- artifacts ---

const artifactColumns = `artifact_id, job_id, stage, artifact_type, unit_key, version, content,
	agent, model, tier, quality_json, created_at`

func scanArtifact(row rowScanner) (*pipeline.Artifact, error) {
	var a pipeline.Artifact
	var stage, typ, createdAt string
	var agent, model, qual sql.NullString
	var tier sql.NullInt64
	if err := row.Scan(&a.ID, &a.JobID, &stage, &typ, &a.Key, &a.Version, &a.Content,
		&agent, &model, &tier, &qual, &createdAt); err != nil {
		return nil, err
	}
	a.Stage = pipeline.Stage(stage)
	a.Type = pipeline.ArtifactType(typ)
	a.Agent = agent.String
	a.Model = model.String
	a.Tier = pipeline.Tier(tier.Int64)
	if qual.Valid && qual.String != "" {
		a.Quality = &pipeline.QualityCheckResult{}
		if err := json.Unmarshal([]byte(qual.String), a.Quality); err != nil {
			return nil, fmt.Errorf("parse quality: %w", err)
		}
	}
	var err error
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	return &a, nil
}

func (s *Store) PutArtifact(ctx context.Context, a *pipeline.Artifact) error {
	var quality sql.NullString
	if a.Quality != nil {
		var err error
		if quality, err = nullJSON(a.Quality); err != nil {
			return fmt.Errorf("marshal quality: %w", err)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var latest int
	if err := tx.QueryRowContext(ctx, s.q(`SELECT COALESCE(MAX(version), 0) FROM artifacts
		WHERE job_id=? AND artifact_type=? AND unit_key=?`), a.JobID, string(a.Type), a.Key).Scan(&latest); err != nil {
		return fmt.Errorf("read artifact version: %w", err)
	}
	version := latest + 1

	_, err = tx.ExecContext(ctx, s.q(`INSERT INTO artifacts (`+artifactColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		a.ID, a.JobID, string(a.Stage), string(a.Type), a.Key, version, a.Content,
		a.Agent, a.Model, int(a.Tier), quality, formatTime(a.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: artifact %s", store.ErrConflict, a.ID)
		}
		return fmt.Errorf("insert artifact: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit artifact: %w", err)
	}
	a.Version = version
	return nil
}

func (s *Store) GetArtifact(ctx context.Context, id string) (*pipeline.Artifact, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+artifactColumns+` FROM artifacts WHERE artifact_id=?`), id)
	a, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: artifact %s", store.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get artifact: %w", err)
	}
	return a, nil
}

func (s *Store) ListArtifacts(ctx context.Context, jobID string, f store.ArtifactFilter) ([]*pipeline.Artifact, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	query := `SELECT ` + artifactColumns + ` FROM artifacts WHERE job_id=?`
	args := []any{jobID}
	if f.Type != "" {
		query += " AND artifact_type=?"
		args = append(args, string(f.Type))
	}
	query += " ORDER BY created_at ASC, artifact_type ASC, unit_key ASC, version ASC"

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*pipeline.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		if f.Match(a) {
			out = append(out, a)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if f.LatestOnly {
		out = store.LatestVersions(out)
	}
	return out, nil
}

// --- cost snapshots ---

func (s *Store) AppendCostSnapshot(ctx context.Context, snap *pipeline.CostSnapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var latest int64
	if err := tx.QueryRowContext(ctx, s.q(`SELECT COALESCE(MAX(seq), 0) FROM cost_snapshots WHERE job_id=?`),
		snap.JobID).Scan(&latest); err != nil {
		return fmt.Errorf("read cost seq: %w", err)
	}
	seq := latest + 1
	_, err = tx.ExecContext(ctx, s.q(`INSERT INTO cost_snapshots
		(snapshot_id, job_id, seq, stage, unit_key, agent, task, model, tier, tokens_in, tokens_out, cost, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		snap.ID, snap.JobID, seq, string(snap.Stage), snap.Unit, snap.Agent, string(snap.Task), snap.Model,
		int(snap.Tier), snap.TokensIn, snap.TokensOut, snap.Cost, formatTime(snap.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: cost snapshot %s", store.ErrConflict, snap.ID)
		}
		return fmt.Errorf("insert cost snapshot: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit cost snapshot: %w", err)
	}
	snap.Seq = seq
	return nil
}

func (s *Store) ListCostSnapshots(ctx context.Context, jobID string) ([]pipeline.CostSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT snapshot_id, job_id, seq, stage, unit_key, agent, task, model,
		tier, tokens_in, tokens_out, cost, created_at FROM cost_snapshots WHERE job_id=? ORDER BY seq ASC`), jobID)
	if err != nil {
		return nil, fmt.Errorf("list cost snapshots: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []pipeline.CostSnapshot{}
	for rows.Next() {
		var c pipeline.CostSnapshot
		var stage, unit, agent, task, model sql.NullString
		var tier sql.NullInt64
		var createdAt string
		if err := rows.Scan(&c.ID, &c.JobID, &c.Seq, &stage, &unit, &agent, &task, &model,
			&tier, &c.TokensIn, &c.TokensOut, &c.Cost, &createdAt); err != nil {
			return nil, fmt.Errorf("scan cost snapshot: %w", err)
		}
		c.Stage = pipeline.Stage(stage.String)
		c.Unit = unit.String
		c.Agent = agent.String
		c.Task = pipeline.TaskKind(task.String)
		c.Model = model.String
		c.Tier = pipeline.Tier(tier.Int64)
		if c.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// --- locks ---

func (s *Store) AcquireJobLock(ctx context.Context, jobID, owner string) error {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return fmt.Errorf("lock owner is required")
	}
	now := formatTime(time.Now())
	if _, err := s.db.ExecContext(ctx, s.q(`INSERT INTO job_locks (job_id, owner, acquired_at, heartbeat_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(job_id) DO NOTHING`), jobID, owner, now, now); err != nil {
		return fmt.Errorf("acquire job lock: %w", err)
	}
	cur, err := s.JobLockOwner(ctx, jobID)
	if err != nil {
		return err
	}
	if cur != owner {
		return fmt.Errorf("%w: %s held by %s", store.ErrLocked, jobID, cur)
	}
	return nil
}

func (s *Store) HeartbeatJobLock(ctx context.Context, jobID, owner string) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE job_locks SET heartbeat_at=? WHERE job_id=? AND owner=?`),
		formatTime(time.Now()), jobID, strings.TrimSpace(owner))
	if err != nil {
		return fmt.Errorf("heartbeat job lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("heartbeat job lock: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s is not held by %s", store.ErrLocked, jobID, owner)
	}
	return nil
}

func (s *Store) ReleaseJobLock(ctx context.Context, jobID, owner string) error {
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM job_locks WHERE job_id=? AND owner=?`),
		jobID, strings.TrimSpace(owner)); err != nil {
		return fmt.Errorf("release job lock: %w", err)
	}
	return nil
}

func (s *Store) JobLockOwner(ctx context.Context, jobID string) (string, error) {
	l, err := s.JobLock(ctx, jobID)
	return l.Owner, err
}

func (s *Store) JobLock(ctx context.Context, jobID string) (store.JobLock, error) {
	var (
		l         store.JobLock
		acquired  string
		heartbeat sql.NullString
	)
	err := s.db.QueryRowContext(ctx, s.q(`SELECT owner, acquired_at, heartbeat_at FROM job_locks WHERE job_id=?`), jobID).
		Scan(&l.Owner, &acquired, &heartbeat)
	if errors.Is(err, sql.ErrNoRows) {
		return store.JobLock{}, nil
	}
	if err != nil {
		return store.JobLock{}, fmt.Errorf("read job lock: %w", err)
	}
	if l.AcquiredAt, err = parseTime(acquired); err != nil {
		return store.JobLock{}, fmt.Errorf("parse acquired_at: %w", err)
	}
	l.HeartbeatAt = l.AcquiredAt
	if heartbeat.Valid {
		if l.HeartbeatAt, err = parseTime(heartbeat.String); err != nil {
			return store.JobLock{}, fmt.Errorf("parse heartbeat_at: %w", err)
		}
	}
	return l, nil
}

func (s *Store) BreakJobLock(ctx context.Context, jobID string) error {
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM job_locks WHERE job_id=?`), jobID); err != nil {
		return fmt.Errorf("break job lock: %w", err)
	}
	return nil
}

var _ store.Repository = (*Store)(nil)
