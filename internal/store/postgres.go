package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"campus-job-queue/internal/models"
)

// Postgres implements JobStore on pgxpool. One table per queue, identical
// schema; the table name is interpolated only after the queue passes
// models.Queue.Valid, never from request input directly.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ JobStore = (*Postgres)(nil)

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const jobColumns = `id, job_type, tenant, chain_id, status, payload, result, last_error, retry_count, max_retries, run_after, created_at, updated_at, started_at, completed_at, last_heartbeat`

func scanJob(row pgx.Row, q models.Queue) (models.Job, error) {
	var (
		job       models.Job
		chainID   pgtype.Text
		payload   []byte
		result    []byte
		lastErr   pgtype.Text
		started   pgtype.Timestamptz
		completed pgtype.Timestamptz
		heartbeat pgtype.Timestamptz
	)
	err := row.Scan(&job.ID, &job.Type, &job.Tenant, &chainID, &job.Status, &payload, &result,
		&lastErr, &job.RetryCount, &job.MaxRetries, &job.RunAfter, &job.CreatedAt, &job.UpdatedAt,
		&started, &completed, &heartbeat)
	if err != nil {
		return models.Job{}, err
	}
	job.Queue = q
	job.ChainID = chainID.String
	job.Payload = json.RawMessage(payload)
	job.Result = json.RawMessage(result)
	job.LastError = textPtr(lastErr)
	job.StartedAt = timePtr(started)
	job.CompletedAt = timePtr(completed)
	job.LastHeartbeat = timePtr(heartbeat)
	return job, nil
}

func (s *Postgres) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
	if !p.Queue.Valid() {
		return models.Job{}, fmt.Errorf("%w: %q", ErrUnknownQueue, p.Queue)
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.Tenant == "" {
		p.Tenant = "default"
	}
	if p.MaxRetries == 0 {
		p.MaxRetries = 3
	}
	if len(p.Payload) == 0 {
		p.Payload = json.RawMessage(`{}`)
	}
	now := time.Now().UTC()
	runAfter := p.RunAfter
	if runAfter.IsZero() {
		runAfter = now
	}

	sql := fmt.Sprintf(`
		INSERT INTO %s (id, job_type, tenant, chain_id, status, payload, retry_count, max_retries, run_after, created_at, updated_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, 0, $7, $8, $9, $9)
	`, p.Queue.Table())
	_, err := s.pool.Exec(ctx, sql, p.ID, p.Type, p.Tenant, p.ChainID, models.StatusPending, []byte(p.Payload), p.MaxRetries, runAfter, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}

	return models.Job{
		ID:         p.ID,
		Queue:      p.Queue,
		Type:       p.Type,
		Tenant:     p.Tenant,
		ChainID:    p.ChainID,
		Status:     models.StatusPending,
		Payload:    p.Payload,
		RetryCount: 0,
		MaxRetries: p.MaxRetries,
		RunAfter:   runAfter,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

func (s *Postgres) GetJob(ctx context.Context, q models.Queue, id string) (models.Job, error) {
	if !q.Valid() {
		return models.Job{}, fmt.Errorf("%w: %q", ErrUnknownQueue, q)
	}
	sql := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, jobColumns, q.Table())
	job, err := scanJob(s.pool.QueryRow(ctx, sql, id), q)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrJobNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

// ClaimNext atomically transitions the oldest eligible job to processing.
// FOR UPDATE SKIP LOCKED keeps concurrent claimers off the same row; the
// outer status predicate re-checks the CAS condition.
func (s *Postgres) ClaimNext(ctx context.Context, q models.Queue, now time.Time) (models.Job, bool, error) {
	if !q.Valid() {
		return models.Job{}, false, fmt.Errorf("%w: %q", ErrUnknownQueue, q)
	}
	tbl := q.Table()
	sql := fmt.Sprintf(`
		UPDATE %s SET status = $2, started_at = COALESCE(started_at, $1), last_heartbeat = $1, updated_at = $1
		WHERE id = (
			SELECT id FROM %s
			WHERE status IN ($3, $4) AND run_after <= $1
			ORDER BY created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		) AND status IN ($3, $4)
		RETURNING %s
	`, tbl, tbl, jobColumns)
	job, err := scanJob(s.pool.QueryRow(ctx, sql, now.UTC(), models.StatusProcessing, models.StatusPending, models.StatusStale), q)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("claim next: %w", err)
	}
	return job, true, nil
}

func (s *Postgres) ClaimJob(ctx context.Context, q models.Queue, id string, now time.Time) (models.Job, error) {
	if !q.Valid() {
		return models.Job{}, fmt.Errorf("%w: %q", ErrUnknownQueue, q)
	}
	sql := fmt.Sprintf(`
		UPDATE %s SET status = $3, started_at = COALESCE(started_at, $2), last_heartbeat = $2, updated_at = $2
		WHERE id = $1 AND status IN ($3, $4, $5)
		RETURNING %s
	`, q.Table(), jobColumns)
	job, err := scanJob(s.pool.QueryRow(ctx, sql, id, now.UTC(), models.StatusProcessing, models.StatusPending, models.StatusStale), q)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := s.GetJob(ctx, q, id); getErr != nil {
			return models.Job{}, getErr
		}
		return models.Job{}, ErrLeaseLost
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("claim job: %w", err)
	}
	return job, nil
}

func (s *Postgres) Heartbeat(ctx context.Context, q models.Queue, id string, now time.Time) error {
	if !q.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownQueue, q)
	}
	sql := fmt.Sprintf(`UPDATE %s SET last_heartbeat = $2, updated_at = $2 WHERE id = $1 AND status = $3`, q.Table())
	tag, err := s.pool.Exec(ctx, sql, id, now.UTC(), models.StatusProcessing)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (s *Postgres) SaveProgress(ctx context.Context, q models.Queue, id string, payload json.RawMessage, yield bool, now time.Time) error {
	if !q.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownQueue, q)
	}
	status := models.StatusProcessing
	if yield {
		status = models.StatusPending
	}
	sql := fmt.Sprintf(`
		UPDATE %s SET payload = $2, status = $3, run_after = $4, last_heartbeat = $4, updated_at = $4
		WHERE id = $1 AND status = $5
	`, q.Table())
	tag, err := s.pool.Exec(ctx, sql, id, []byte(payload), status, now.UTC(), models.StatusProcessing)
	if err != nil {
		return fmt.Errorf("save progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (s *Postgres) MarkDone(ctx context.Context, q models.Queue, id string, result json.RawMessage, now time.Time) (models.Job, error) {
	if !q.Valid() {
		return models.Job{}, fmt.Errorf("%w: %q", ErrUnknownQueue, q)
	}
	if len(result) == 0 {
		result = json.RawMessage(`{}`)
	}
	sql := fmt.Sprintf(`
		UPDATE %s SET status = $3, result = $4, last_error = NULL, completed_at = $2, updated_at = $2
		WHERE id = $1 AND status = $5
		RETURNING %s
	`, q.Table(), jobColumns)
	job, err := scanJob(s.pool.QueryRow(ctx, sql, id, now.UTC(), models.StatusDone, []byte(result), models.StatusProcessing), q)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrLeaseLost
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("mark done: %w", err)
	}
	return job, nil
}

func (s *Postgres) RecordFailure(ctx context.Context, q models.Queue, id, msg string, runAfter, now time.Time) (models.Job, error) {
	if !q.Valid() {
		return models.Job{}, fmt.Errorf("%w: %q", ErrUnknownQueue, q)
	}
	sql := fmt.Sprintf(`
		UPDATE %s SET
			retry_count = retry_count + 1,
			status = CASE WHEN retry_count + 1 > max_retries THEN $4 ELSE $5 END,
			last_error = $6,
			run_after = $3,
			completed_at = CASE WHEN retry_count + 1 > max_retries THEN $2 ELSE completed_at END,
			updated_at = $2
		WHERE id = $1 AND status = $7
		RETURNING %s
	`, q.Table(), jobColumns)
	job, err := scanJob(s.pool.QueryRow(ctx, sql, id, now.UTC(), runAfter.UTC(),
		models.StatusDeadLetter, models.StatusPending, msg, models.StatusProcessing), q)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrLeaseLost
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("record failure: %w", err)
	}
	return job, nil
}

func (s *Postgres) SweepAbandoned(ctx context.Context, q models.Queue, tenant string, cutoff, now time.Time) ([]SweepOutcome, error) {
	if !q.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownQueue, q)
	}
	// The heartbeat predicate is the CAS guard: once a row is swept it is
	// no longer processing, so a concurrent sweep cannot touch it again.
	sql := fmt.Sprintf(`
		UPDATE %s SET
			retry_count = retry_count + 1,
			status = CASE WHEN retry_count + 1 > max_retries THEN $4 ELSE $5 END,
			last_error = $6,
			run_after = $2,
			completed_at = CASE WHEN retry_count + 1 > max_retries THEN $2 ELSE completed_at END,
			updated_at = $2
		WHERE status = $3 AND last_heartbeat < $1 AND ($7 = '' OR tenant = $7)
		RETURNING id, status, retry_count
	`, q.Table())
	rows, err := s.pool.Query(ctx, sql, cutoff.UTC(), now.UTC(), models.StatusProcessing,
		models.StatusDeadLetter, models.StatusPending, StaleLeaseError, tenant)
	if err != nil {
		return nil, fmt.Errorf("sweep abandoned: %w", err)
	}
	return collectSweep(rows)
}

func (s *Postgres) SweepNeverClaimed(ctx context.Context, q models.Queue, tenant string, cutoff, now time.Time) ([]SweepOutcome, error) {
	if !q.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownQueue, q)
	}
	sql := fmt.Sprintf(`
		UPDATE %s SET
			retry_count = retry_count + 1,
			status = CASE WHEN retry_count + 1 > max_retries THEN $4 ELSE $5 END,
			last_error = $6,
			completed_at = CASE WHEN retry_count + 1 > max_retries THEN $2 ELSE completed_at END,
			updated_at = $2
		WHERE status = $3 AND started_at IS NULL AND created_at < $1 AND ($7 = '' OR tenant = $7)
		RETURNING id, status, retry_count
	`, q.Table())
	rows, err := s.pool.Query(ctx, sql, cutoff.UTC(), now.UTC(), models.StatusPending,
		models.StatusDeadLetter, models.StatusStale, StaleNeverClaimedError, tenant)
	if err != nil {
		return nil, fmt.Errorf("sweep never claimed: %w", err)
	}
	return collectSweep(rows)
}

func collectSweep(rows pgx.Rows) ([]SweepOutcome, error) {
	defer rows.Close()
	var out []SweepOutcome
	for rows.Next() {
		var o SweepOutcome
		if err := rows.Scan(&o.JobID, &o.Status, &o.RetryCount); err != nil {
			return nil, fmt.Errorf("scan sweep row: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *Postgres) RequeueDeadLetter(ctx context.Context, q models.Queue, id string, now time.Time) (models.Job, error) {
	if !q.Valid() {
		return models.Job{}, fmt.Errorf("%w: %q", ErrUnknownQueue, q)
	}
	sql := fmt.Sprintf(`
		UPDATE %s SET status = $3, retry_count = 0, last_error = NULL, run_after = $2,
			started_at = NULL, completed_at = NULL, last_heartbeat = NULL, updated_at = $2
		WHERE id = $1 AND status = $4
		RETURNING %s
	`, q.Table(), jobColumns)
	job, err := scanJob(s.pool.QueryRow(ctx, sql, id, now.UTC(), models.StatusPending, models.StatusDeadLetter), q)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := s.GetJob(ctx, q, id); getErr != nil {
			return models.Job{}, getErr
		}
		return models.Job{}, ErrNotDeadLetter
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("requeue dead letter: %w", err)
	}
	return job, nil
}

// AppendEvent inserts the next event in the job's trail. The seq subquery
// can collide under concurrent appends, so unique violations retry.
func (s *Postgres) AppendEvent(ctx context.Context, q models.Queue, ev models.JobEvent) error {
	if !q.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownQueue, q)
	}
	ts := ev.CreatedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	const attempts = 5
	for i := 0; i < attempts; i++ {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO job_events (queue, job_id, seq, status, stage, progress, message, created_at)
			VALUES ($1, $2, (SELECT COALESCE(MAX(seq), 0) + 1 FROM job_events WHERE queue = $1 AND job_id = $2), $3, $4, $5, $6, $7)
		`, string(q), ev.JobID, ev.Status, ev.Stage, ev.Progress, ev.Message, ts)
		if err == nil {
			return nil
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			continue
		}
		return fmt.Errorf("append event: %w", err)
	}
	return fmt.Errorf("append event: seq contention after %d attempts", attempts)
}

func (s *Postgres) ListEvents(ctx context.Context, q models.Queue, jobID string, limit int) ([]models.JobEvent, error) {
	if !q.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownQueue, q)
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, seq, status, stage, progress, message, created_at
		FROM job_events WHERE queue = $1 AND job_id = $2
		ORDER BY seq ASC LIMIT $3
	`, string(q), jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()
	var out []models.JobEvent
	for rows.Next() {
		var ev models.JobEvent
		if err := rows.Scan(&ev.JobID, &ev.Seq, &ev.Status, &ev.Stage, &ev.Progress, &ev.Message, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Postgres) CreateChain(ctx context.Context, p CreateChainParams) (models.Chain, error) {
	if !p.Queue.Valid() {
		return models.Chain{}, fmt.Errorf("%w: %q", ErrUnknownQueue, p.Queue)
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.Tenant == "" {
		p.Tenant = "default"
	}
	now := time.Now().UTC()

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Chain{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	_, err = tx.Exec(ctx, `
		INSERT INTO chains (id, queue, job_type, tenant, chaining_enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, TRUE, $5, $5)
	`, p.ID, string(p.Queue), p.Type, p.Tenant, now)
	if err != nil {
		return models.Chain{}, fmt.Errorf("insert chain: %w", err)
	}

	units := make([]models.ChainUnit, 0, len(p.Payloads))
	for i, payload := range p.Payloads {
		if len(payload) == 0 {
			payload = json.RawMessage(`{}`)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO chain_units (chain_id, unit_index, payload)
			VALUES ($1, $2, $3)
		`, p.ID, i, []byte(payload))
		if err != nil {
			return models.Chain{}, fmt.Errorf("insert chain unit %d: %w", i, err)
		}
		units = append(units, models.ChainUnit{Index: i, Payload: payload})
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Chain{}, fmt.Errorf("commit: %w", err)
	}

	return models.Chain{
		ID:              p.ID,
		Queue:           p.Queue,
		Type:            p.Type,
		Tenant:          p.Tenant,
		ChainingEnabled: true,
		CreatedAt:       now,
		UpdatedAt:       now,
		Units:           units,
	}, nil
}

func (s *Postgres) GetChain(ctx context.Context, id string) (models.Chain, error) {
	var (
		chain models.Chain
		queue string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, queue, job_type, tenant, chaining_enabled, created_at, updated_at
		FROM chains WHERE id = $1
	`, id).Scan(&chain.ID, &queue, &chain.Type, &chain.Tenant, &chain.ChainingEnabled, &chain.CreatedAt, &chain.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Chain{}, ErrChainNotFound
	}
	if err != nil {
		return models.Chain{}, fmt.Errorf("scan chain: %w", err)
	}
	chain.Queue = models.Queue(queue)

	rows, err := s.pool.Query(ctx, `
		SELECT unit_index, payload, job_id FROM chain_units
		WHERE chain_id = $1 ORDER BY unit_index ASC
	`, id)
	if err != nil {
		return models.Chain{}, fmt.Errorf("list chain units: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			unit    models.ChainUnit
			payload []byte
			jobID   pgtype.Text
		)
		if err := rows.Scan(&unit.Index, &payload, &jobID); err != nil {
			return models.Chain{}, fmt.Errorf("scan chain unit: %w", err)
		}
		unit.Payload = json.RawMessage(payload)
		unit.JobID = textPtr(jobID)
		chain.Units = append(chain.Units, unit)
	}
	return chain, rows.Err()
}

func (s *Postgres) SetChainEnabled(ctx context.Context, id string, enabled bool, now time.Time) (models.Chain, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE chains SET chaining_enabled = $2, updated_at = $3 WHERE id = $1
	`, id, enabled, now.UTC())
	if err != nil {
		return models.Chain{}, fmt.Errorf("set chaining: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.Chain{}, ErrChainNotFound
	}
	return s.GetChain(ctx, id)
}

func (s *Postgres) ReserveUnit(ctx context.Context, chainID string, index int, jobID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE chain_units SET job_id = $3 WHERE chain_id = $1 AND unit_index = $2 AND job_id IS NULL
	`, chainID, index, jobID)
	if err != nil {
		return false, fmt.Errorf("reserve unit: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Postgres) ReleaseUnit(ctx context.Context, chainID string, index int, jobID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE chain_units SET job_id = NULL WHERE chain_id = $1 AND unit_index = $2 AND job_id = $3
	`, chainID, index, jobID)
	if err != nil {
		return fmt.Errorf("release unit: %w", err)
	}
	return nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}
