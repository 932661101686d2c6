// Copyright 2026 The Chainwork Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package postgres implements chainwork.Store on PostgreSQL via
// jackc/pgx/v5, with row-lock re-reads ("SELECT ... FOR UPDATE")
// backing the lease CAS operations the core relies on.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chainwork/chainwork"
)

// Store is a PostgreSQL-backed chainwork.Store.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an existing pool. Run Migrate (schema.go) against a
// database/sql handle to the same database before first use.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// querier abstracts over *pgxpool.Pool and pgx.Tx so read helpers work
// both inside and outside RunInTransaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (s *Store) q(tx chainwork.TxContext) querier {
	if tx != nil {
		return tx.(pgx.Tx)
	}
	return s.pool
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	// Connection-level failures are worth retrying; query/constraint
	// errors (bad input, broken schema) are not (§7).
	var pgErr interface{ SQLState() string }
	transient := !errors.As(err, &pgErr)
	return &chainwork.StoreError{Transient: transient, Err: err}
}

// RunInTransaction implements chainwork.Store.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx chainwork.TxContext) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return classify(err)
	}
	return nil
}

const jobColumns = `id, chain_id, chain_type_name, sequence_index, type_name, input, output, status,
	attempt, scheduled_at, created_at, updated_at, last_attempt_at, last_attempt_error,
	leased_by, leased_until, completed_at, completed_by, dedup_key`

func scanJob(row pgx.Row) (*chainwork.Job, error) {
	var j chainwork.Job
	var status string
	var output []byte
	var leasedBy *string
	var completedBy *string
	err := row.Scan(
		&j.ID, &j.ChainID, &j.ChainTypeName, &j.SequenceIndex, &j.TypeName, &j.Input, &output, &status,
		&j.Attempt, &j.ScheduledAt, &j.CreatedAt, &j.UpdatedAt, &j.LastAttemptAt, &j.LastAttemptError,
		&leasedBy, &j.LeasedUntil, &j.CompletedAt, &completedBy, &j.DedupKey,
	)
	if err != nil {
		return nil, err
	}
	j.Status = chainwork.Status(status)
	if len(output) > 0 {
		j.Output = json.RawMessage(output)
	}
	if leasedBy != nil {
		j.LeasedBy = *leasedBy
	}
	if completedBy != nil {
		j.CompletedBy = *completedBy
	}
	return &j, nil
}

// GetJobByID implements chainwork.Store.
func (s *Store) GetJobByID(ctx context.Context, tx chainwork.TxContext, id string) (*chainwork.Job, error) {
	row := s.q(tx).QueryRow(ctx, `SELECT `+jobColumns+` FROM chainwork_jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}
	return j, nil
}

// GetJobChainByID implements chainwork.Store.
func (s *Store) GetJobChainByID(ctx context.Context, tx chainwork.TxContext, id string) (*chainwork.Chain, error) {
	root, err := s.GetJobByID(ctx, tx, id)
	if err != nil || root == nil {
		return nil, err
	}
	row := s.q(tx).QueryRow(ctx, `SELECT `+jobColumns+` FROM chainwork_jobs WHERE chain_id = $1 ORDER BY sequence_index DESC LIMIT 1`, id)
	tail, err := scanJob(row)
	if err != nil {
		return nil, classify(err)
	}
	return &chainwork.Chain{Root: root, Tail: tail}, nil
}

// CreateJob implements chainwork.Store.
func (s *Store) CreateJob(ctx context.Context, tx chainwork.TxContext, params chainwork.CreateJobParams) (*chainwork.Job, error) {
	row := s.q(tx).QueryRow(ctx, `
		INSERT INTO chainwork_jobs (id, chain_id, chain_type_name, sequence_index, type_name, input, status, scheduled_at, dedup_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+jobColumns,
		params.JobID, params.ChainID, params.ChainTypeName, params.SequenceIndex, params.TypeName,
		[]byte(params.Input), string(params.Status), params.ScheduledAt, params.DedupKey,
	)
	j, err := scanJob(row)
	if err != nil {
		return nil, classify(err)
	}
	return j, nil
}

// AddJobBlockers implements chainwork.Store.
func (s *Store) AddJobBlockers(ctx context.Context, tx chainwork.TxContext, jobID string, blockerRootChainIDs []string) error {
	for _, id := range blockerRootChainIDs {
		if _, err := s.q(tx).Exec(ctx, `
			INSERT INTO chainwork_job_blockers (job_id, blocker_root_chain_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING`, jobID, id); err != nil {
			return classify(err)
		}
	}
	return nil
}

// ScheduleBlockedJobs implements chainwork.Store.
func (s *Store) ScheduleBlockedJobs(ctx context.Context, tx chainwork.TxContext, resolvedChainID string) ([]*chainwork.Job, error) {
	if _, err := s.q(tx).Exec(ctx, `
		DELETE FROM chainwork_job_blockers b
		USING chainwork_jobs root
		WHERE b.blocker_root_chain_id = $1
		  AND (root.id = b.blocker_root_chain_id AND root.status = 'completed')
	`, resolvedChainID); err != nil {
		return nil, classify(err)
	}

	rows, err := s.q(tx).Query(ctx, `
		SELECT `+jobColumns+` FROM chainwork_jobs j
		WHERE j.status = 'blocked'
		  AND NOT EXISTS (SELECT 1 FROM chainwork_job_blockers b WHERE b.job_id = j.id)
		FOR UPDATE OF j
	`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var result []*chainwork.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, classify(err)
		}
		result = append(result, j)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}

	for _, j := range result {
		if _, err := s.q(tx).Exec(ctx, `UPDATE chainwork_jobs SET status = 'pending', updated_at = now() WHERE id = $1`, j.ID); err != nil {
			return nil, classify(err)
		}
		j.Status = chainwork.StatusPending
	}
	return result, nil
}

// GetJobBlockers implements chainwork.Store.
func (s *Store) GetJobBlockers(ctx context.Context, tx chainwork.TxContext, jobID string) ([]*chainwork.Chain, error) {
	rows, err := s.q(tx).Query(ctx, `SELECT blocker_root_chain_id FROM chainwork_job_blockers WHERE job_id = $1`, jobID)
	if err != nil {
		return nil, classify(err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, classify(err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}

	chains := make([]*chainwork.Chain, 0, len(ids))
	for _, id := range ids {
		c, err := s.GetJobChainByID(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		if c != nil {
			chains = append(chains, c)
		}
	}
	return chains, nil
}

// GetNextJobAvailableInMs implements chainwork.Store.
func (s *Store) GetNextJobAvailableInMs(ctx context.Context, typeNames []string) (int64, error) {
	var scheduledAt *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT MIN(scheduled_at) FROM chainwork_jobs
		WHERE status = 'pending' AND (cardinality($1::text[]) = 0 OR type_name = ANY($1::text[]))
	`, typeNames).Scan(&scheduledAt)
	if err != nil {
		return 0, classify(err)
	}
	if scheduledAt == nil {
		return -1, nil
	}
	d := time.Until(*scheduledAt).Milliseconds()
	if d < 0 {
		d = 0
	}
	return d, nil
}

// AcquireJob implements chainwork.Store.
func (s *Store) AcquireJob(ctx context.Context, typeNames []string, workerID string, leaseMs int64) (*chainwork.Job, error) {
	var job *chainwork.Job
	err := s.RunInTransaction(ctx, func(tx chainwork.TxContext) error {
		row := s.q(tx).QueryRow(ctx, `
			SELECT `+jobColumns+` FROM chainwork_jobs
			WHERE status = 'pending'
			  AND scheduled_at <= now()
			  AND (cardinality($1::text[]) = 0 OR type_name = ANY($1::text[]))
			ORDER BY scheduled_at, created_at, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		`, typeNames)
		j, err := scanJob(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return classify(err)
		}

		until := time.Now().UTC().Add(time.Duration(leaseMs) * time.Millisecond)
		if _, err := s.q(tx).Exec(ctx, `
			UPDATE chainwork_jobs
			SET status = 'running', leased_by = $1, leased_until = $2, attempt = attempt + 1, updated_at = now()
			WHERE id = $3
		`, workerID, until, j.ID); err != nil {
			return classify(err)
		}

		j.Status = chainwork.StatusRunning
		j.LeasedBy = workerID
		j.LeasedUntil = &until
		j.Attempt++
		job = j
		return nil
	})
	return job, err
}

// RenewJobLease implements chainwork.Store.
func (s *Store) RenewJobLease(ctx context.Context, jobID, workerID string, leaseMs int64) error {
	until := time.Now().UTC().Add(time.Duration(leaseMs) * time.Millisecond)
	tag, err := s.pool.Exec(ctx, `
		UPDATE chainwork_jobs SET leased_until = $1, updated_at = now()
		WHERE id = $2 AND status = 'running' AND leased_by = $3
	`, until, jobID, workerID)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return chainwork.ErrLeaseLost
	}
	return nil
}

// RescheduleJob implements chainwork.Store.
func (s *Store) RescheduleJob(ctx context.Context, params chainwork.RescheduleJobParams) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE chainwork_jobs
		SET status = 'pending', scheduled_at = $1, last_attempt_at = now(), last_attempt_error = $2,
		    leased_by = NULL, leased_until = NULL, updated_at = now()
		WHERE id = $3 AND status = 'running' AND leased_by = $4
	`, params.ScheduledAt, params.Error, params.JobID, params.WorkerID)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return chainwork.ErrLeaseLost
	}
	return nil
}

// CompleteJob implements chainwork.Store.
func (s *Store) CompleteJob(ctx context.Context, tx chainwork.TxContext, params chainwork.CompleteJobParams) error {
	row := s.q(tx).QueryRow(ctx, `
		SELECT status, leased_by, chain_id, chain_type_name, sequence_index
		FROM chainwork_jobs WHERE id = $1 FOR UPDATE
	`, params.JobID)
	var status, leasedBy, chainID, chainTypeName string
	var seq int
	if err := row.Scan(&status, &leasedBy, &chainID, &chainTypeName, &seq); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return chainwork.ErrLeaseLost
		}
		return classify(err)
	}
	if status != "running" || leasedBy != params.WorkerID {
		return chainwork.ErrLeaseLost
	}

	switch {
	case params.FatalError != "":
		_, err := s.q(tx).Exec(ctx, `
			UPDATE chainwork_jobs
			SET status = 'completed', last_attempt_at = now(), last_attempt_error = $1,
			    completed_at = now(), completed_by = $2, leased_by = NULL, leased_until = NULL, updated_at = now()
			WHERE id = $3
		`, params.FatalError, params.WorkerID, params.JobID)
		if err != nil {
			return classify(err)
		}
	case params.Continuation != nil:
		_, err := s.q(tx).Exec(ctx, `
			UPDATE chainwork_jobs
			SET status = 'completed', completed_at = now(), completed_by = $1, leased_by = NULL, leased_until = NULL, updated_at = now()
			WHERE id = $2
		`, params.WorkerID, params.JobID)
		if err != nil {
			return classify(err)
		}
		_, err = s.q(tx).Exec(ctx, `
			INSERT INTO chainwork_jobs (id, chain_id, chain_type_name, sequence_index, type_name, input, status, scheduled_at)
			VALUES (gen_random_uuid()::text, $1, $2, $3, $4, $5, 'pending', now())
		`, chainID, chainTypeName, seq+1, params.Continuation.TypeName, []byte(params.Continuation.Input))
		if err != nil {
			return classify(err)
		}
	default:
		_, err := s.q(tx).Exec(ctx, `
			UPDATE chainwork_jobs
			SET status = 'completed', output = $1, completed_at = now(), completed_by = $2,
			    leased_by = NULL, leased_until = NULL, updated_at = now()
			WHERE id = $3
		`, []byte(params.Output), params.WorkerID, params.JobID)
		if err != nil {
			return classify(err)
		}
	}
	return nil
}

// RemoveExpiredJobLease implements chainwork.Store.
func (s *Store) RemoveExpiredJobLease(ctx context.Context) ([]chainwork.ReapedJob, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE chainwork_jobs
		SET status = 'pending', leased_by = NULL, leased_until = NULL, updated_at = now()
		WHERE status = 'running' AND leased_until < now()
		RETURNING id, type_name, attempt
	`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var reaped []chainwork.ReapedJob
	for rows.Next() {
		var r chainwork.ReapedJob
		if err := rows.Scan(&r.JobID, &r.TypeName, &r.Attempt); err != nil {
			return nil, classify(err)
		}
		reaped = append(reaped, r)
	}
	return reaped, classify(rows.Err())
}

// DeleteJobsByRootChainIDs implements chainwork.Store.
func (s *Store) DeleteJobsByRootChainIDs(ctx context.Context, tx chainwork.TxContext, rootChainIDs []string) ([]*chainwork.Job, error) {
	if _, err := s.q(tx).Exec(ctx, `
		DELETE FROM chainwork_job_blockers WHERE blocker_root_chain_id = ANY($1::text[])
	`, rootChainIDs); err != nil {
		return nil, classify(err)
	}
	if _, err := s.q(tx).Exec(ctx, `
		DELETE FROM chainwork_jobs WHERE chain_id = ANY($1::text[])
	`, rootChainIDs); err != nil {
		return nil, classify(err)
	}

	rows, err := s.q(tx).Query(ctx, `
		SELECT `+jobColumns+` FROM chainwork_jobs j
		WHERE j.status = 'blocked'
		  AND NOT EXISTS (SELECT 1 FROM chainwork_job_blockers b WHERE b.job_id = j.id)
		FOR UPDATE OF j
	`)
	if err != nil {
		return nil, classify(err)
	}
	var newlyPending []*chainwork.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, classify(err)
		}
		newlyPending = append(newlyPending, j)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}

	for _, j := range newlyPending {
		if _, err := s.q(tx).Exec(ctx, `UPDATE chainwork_jobs SET status = 'pending', updated_at = now() WHERE id = $1`, j.ID); err != nil {
			return nil, classify(err)
		}
		j.Status = chainwork.StatusPending
	}
	return newlyPending, nil
}

// ListJobs implements chainwork.Store.
func (s *Store) ListJobs(ctx context.Context, chainID string, cursor string, limit int) (chainwork.Page[*chainwork.Job], error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM chainwork_jobs
		WHERE chain_id = $1 AND ($2 = '' OR id > $2)
		ORDER BY id LIMIT $3
	`, chainID, cursor, limit)
	if err != nil {
		return chainwork.Page[*chainwork.Job]{}, classify(err)
	}
	defer rows.Close()

	var page chainwork.Page[*chainwork.Job]
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return chainwork.Page[*chainwork.Job]{}, classify(err)
		}
		page.Items = append(page.Items, j)
	}
	if len(page.Items) == limit {
		page.NextCursor = page.Items[len(page.Items)-1].ID
	}
	return page, classify(rows.Err())
}

// ListChains implements chainwork.Store.
func (s *Store) ListChains(ctx context.Context, typeName string, cursor string, limit int) (chainwork.Page[*chainwork.Chain], error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM chainwork_jobs
		WHERE sequence_index = 0 AND ($1 = '' OR type_name = $1) AND ($2 = '' OR id > $2)
		ORDER BY id LIMIT $3
	`, typeName, cursor, limit)
	if err != nil {
		return chainwork.Page[*chainwork.Chain]{}, classify(err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return chainwork.Page[*chainwork.Chain]{}, classify(err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return chainwork.Page[*chainwork.Chain]{}, classify(err)
	}

	var page chainwork.Page[*chainwork.Chain]
	for _, id := range ids {
		c, err := s.GetJobChainByID(ctx, nil, id)
		if err != nil {
			return chainwork.Page[*chainwork.Chain]{}, err
		}
		page.Items = append(page.Items, c)
	}
	if len(page.Items) == limit {
		page.NextCursor = page.Items[len(page.Items)-1].ID()
	}
	return page, nil
}

// FindChainByDedupKey implements chainwork.Store.
func (s *Store) FindChainByDedupKey(ctx context.Context, tx chainwork.TxContext, typeName, dedupKey string, strategy chainwork.DeduplicationStrategy, windowMs int64) (*chainwork.Chain, error) {
	statusFilter := ""
	if strategy == chainwork.DedupFinalized {
		statusFilter = "AND NOT EXISTS (SELECT 1 FROM chainwork_jobs t WHERE t.chain_id = chainwork_jobs.id AND t.status <> 'completed')"
	}
	windowFilter := ""
	if windowMs > 0 {
		windowFilter = fmt.Sprintf("AND created_at >= now() - interval '%d milliseconds'", windowMs)
	}
	row := s.q(tx).QueryRow(ctx, `
		SELECT `+jobColumns+` FROM chainwork_jobs
		WHERE type_name = $1 AND dedup_key = $2 AND sequence_index = 0 `+statusFilter+` `+windowFilter+`
		ORDER BY created_at DESC LIMIT 1
	`, typeName, dedupKey)
	root, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}
	return s.GetJobChainByID(ctx, tx, root.ID)
}
