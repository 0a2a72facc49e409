package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"campus-job-queue/internal/models"
)

// Memory is an in-memory JobStore with the same conditional-update
// semantics as the Postgres implementation. It backs unit tests and
// single-process local development; a single mutex stands in for row
// locking.
type Memory struct {
	mu     sync.Mutex
	jobs   map[models.Queue]map[string]*models.Job
	events map[models.Queue]map[string][]models.JobEvent
	chains map[string]*models.Chain
}

var _ JobStore = (*Memory)(nil)

// NewMemory returns an empty in-memory store covering every known queue.
func NewMemory() *Memory {
	jobs := make(map[models.Queue]map[string]*models.Job)
	events := make(map[models.Queue]map[string][]models.JobEvent)
	for _, q := range models.Queues() {
		jobs[q] = make(map[string]*models.Job)
		events[q] = make(map[string][]models.JobEvent)
	}
	return &Memory{
		jobs:   jobs,
		events: events,
		chains: make(map[string]*models.Chain),
	}
}

func cloneJob(j *models.Job) models.Job {
	out := *j
	out.Payload = append(json.RawMessage(nil), j.Payload...)
	out.Result = append(json.RawMessage(nil), j.Result...)
	if j.LastError != nil {
		v := *j.LastError
		out.LastError = &v
	}
	if j.StartedAt != nil {
		v := *j.StartedAt
		out.StartedAt = &v
	}
	if j.CompletedAt != nil {
		v := *j.CompletedAt
		out.CompletedAt = &v
	}
	if j.LastHeartbeat != nil {
		v := *j.LastHeartbeat
		out.LastHeartbeat = &v
	}
	return out
}

func cloneChain(c *models.Chain) models.Chain {
	out := *c
	out.Units = make([]models.ChainUnit, len(c.Units))
	for i, u := range c.Units {
		cu := u
		cu.Payload = append(json.RawMessage(nil), u.Payload...)
		if u.JobID != nil {
			v := *u.JobID
			cu.JobID = &v
		}
		out.Units[i] = cu
	}
	return out
}

func (s *Memory) table(q models.Queue) (map[string]*models.Job, error) {
	tbl, ok := s.jobs[q]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownQueue, q)
	}
	return tbl, nil
}

func (s *Memory) CreateJob(_ context.Context, p CreateJobParams) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tbl, err := s.table(p.Queue)
	if err != nil {
		return models.Job{}, err
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
	job := &models.Job{
		ID:         p.ID,
		Queue:      p.Queue,
		Type:       p.Type,
		Tenant:     p.Tenant,
		ChainID:    p.ChainID,
		Status:     models.StatusPending,
		Payload:    append(json.RawMessage(nil), p.Payload...),
		MaxRetries: p.MaxRetries,
		RunAfter:   runAfter,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	tbl[job.ID] = job
	return cloneJob(job), nil
}

func (s *Memory) GetJob(_ context.Context, q models.Queue, id string) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tbl, err := s.table(q)
	if err != nil {
		return models.Job{}, err
	}
	job, ok := tbl[id]
	if !ok {
		return models.Job{}, ErrJobNotFound
	}
	return cloneJob(job), nil
}

func claimable(status string) bool {
	return status == models.StatusPending || status == models.StatusStale
}

func (s *Memory) ClaimNext(_ context.Context, q models.Queue, now time.Time) (models.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tbl, err := s.table(q)
	if err != nil {
		return models.Job{}, false, err
	}
	var oldest *models.Job
	for _, job := range tbl {
		if !claimable(job.Status) || job.RunAfter.After(now) {
			continue
		}
		if oldest == nil || job.CreatedAt.Before(oldest.CreatedAt) {
			oldest = job
		}
	}
	if oldest == nil {
		return models.Job{}, false, nil
	}
	s.claimLocked(oldest, now)
	return cloneJob(oldest), true, nil
}

func (s *Memory) claimLocked(job *models.Job, now time.Time) {
	now = now.UTC()
	job.Status = models.StatusProcessing
	if job.StartedAt == nil {
		v := now
		job.StartedAt = &v
	}
	hb := now
	job.LastHeartbeat = &hb
	job.UpdatedAt = now
}

func (s *Memory) ClaimJob(_ context.Context, q models.Queue, id string, now time.Time) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tbl, err := s.table(q)
	if err != nil {
		return models.Job{}, err
	}
	job, ok := tbl[id]
	if !ok {
		return models.Job{}, ErrJobNotFound
	}
	if !claimable(job.Status) && job.Status != models.StatusProcessing {
		return models.Job{}, ErrLeaseLost
	}
	s.claimLocked(job, now)
	return cloneJob(job), nil
}

func (s *Memory) Heartbeat(_ context.Context, q models.Queue, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tbl, err := s.table(q)
	if err != nil {
		return err
	}
	job, ok := tbl[id]
	if !ok || job.Status != models.StatusProcessing {
		return ErrLeaseLost
	}
	hb := now.UTC()
	job.LastHeartbeat = &hb
	job.UpdatedAt = hb
	return nil
}

func (s *Memory) SaveProgress(_ context.Context, q models.Queue, id string, payload json.RawMessage, yield bool, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tbl, err := s.table(q)
	if err != nil {
		return err
	}
	job, ok := tbl[id]
	if !ok || job.Status != models.StatusProcessing {
		return ErrLeaseLost
	}
	now = now.UTC()
	job.Payload = append(json.RawMessage(nil), payload...)
	if yield {
		job.Status = models.StatusPending
		job.RunAfter = now
	}
	hb := now
	job.LastHeartbeat = &hb
	job.UpdatedAt = now
	return nil
}

func (s *Memory) MarkDone(_ context.Context, q models.Queue, id string, result json.RawMessage, now time.Time) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tbl, err := s.table(q)
	if err != nil {
		return models.Job{}, err
	}
	job, ok := tbl[id]
	if !ok || job.Status != models.StatusProcessing {
		return models.Job{}, ErrLeaseLost
	}
	if len(result) == 0 {
		result = json.RawMessage(`{}`)
	}
	now = now.UTC()
	job.Status = models.StatusDone
	job.Result = append(json.RawMessage(nil), result...)
	job.LastError = nil
	v := now
	job.CompletedAt = &v
	job.UpdatedAt = now
	return cloneJob(job), nil
}

func failLocked(job *models.Job, msg string, runAfter, now time.Time) {
	now = now.UTC()
	job.RetryCount++
	m := msg
	job.LastError = &m
	job.UpdatedAt = now
	if job.RetryCount > job.MaxRetries {
		job.Status = models.StatusDeadLetter
		v := now
		job.CompletedAt = &v
		return
	}
	job.Status = models.StatusPending
	job.RunAfter = runAfter.UTC()
}

func (s *Memory) RecordFailure(_ context.Context, q models.Queue, id, msg string, runAfter, now time.Time) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tbl, err := s.table(q)
	if err != nil {
		return models.Job{}, err
	}
	job, ok := tbl[id]
	if !ok || job.Status != models.StatusProcessing {
		return models.Job{}, ErrLeaseLost
	}
	failLocked(job, msg, runAfter, now)
	return cloneJob(job), nil
}

func (s *Memory) SweepAbandoned(_ context.Context, q models.Queue, tenant string, cutoff, now time.Time) ([]SweepOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tbl, err := s.table(q)
	if err != nil {
		return nil, err
	}
	var out []SweepOutcome
	for _, job := range tbl {
		if job.Status != models.StatusProcessing {
			continue
		}
		if tenant != "" && job.Tenant != tenant {
			continue
		}
		if job.LastHeartbeat == nil || !job.LastHeartbeat.Before(cutoff) {
			continue
		}
		failLocked(job, StaleLeaseError, now, now)
		out = append(out, SweepOutcome{JobID: job.ID, Status: job.Status, RetryCount: job.RetryCount})
	}
	sortSweep(out)
	return out, nil
}

func (s *Memory) SweepNeverClaimed(_ context.Context, q models.Queue, tenant string, cutoff, now time.Time) ([]SweepOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tbl, err := s.table(q)
	if err != nil {
		return nil, err
	}
	var out []SweepOutcome
	for _, job := range tbl {
		if job.Status != models.StatusPending || job.StartedAt != nil {
			continue
		}
		if tenant != "" && job.Tenant != tenant {
			continue
		}
		if !job.CreatedAt.Before(cutoff) {
			continue
		}
		now := now.UTC()
		job.RetryCount++
		m := StaleNeverClaimedError
		job.LastError = &m
		job.UpdatedAt = now
		if job.RetryCount > job.MaxRetries {
			job.Status = models.StatusDeadLetter
			v := now
			job.CompletedAt = &v
		} else {
			job.Status = models.StatusStale
		}
		out = append(out, SweepOutcome{JobID: job.ID, Status: job.Status, RetryCount: job.RetryCount})
	}
	sortSweep(out)
	return out, nil
}

func sortSweep(out []SweepOutcome) {
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
}

func (s *Memory) RequeueDeadLetter(_ context.Context, q models.Queue, id string, now time.Time) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tbl, err := s.table(q)
	if err != nil {
		return models.Job{}, err
	}
	job, ok := tbl[id]
	if !ok {
		return models.Job{}, ErrJobNotFound
	}
	if job.Status != models.StatusDeadLetter {
		return models.Job{}, ErrNotDeadLetter
	}
	now = now.UTC()
	job.Status = models.StatusPending
	job.RetryCount = 0
	job.LastError = nil
	job.RunAfter = now
	job.StartedAt = nil
	job.CompletedAt = nil
	job.LastHeartbeat = nil
	job.UpdatedAt = now
	return cloneJob(job), nil
}

func (s *Memory) AppendEvent(_ context.Context, q models.Queue, ev models.JobEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byJob, ok := s.events[q]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownQueue, q)
	}
	ev.Seq = len(byJob[ev.JobID]) + 1
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	byJob[ev.JobID] = append(byJob[ev.JobID], ev)
	return nil
}

func (s *Memory) ListEvents(_ context.Context, q models.Queue, jobID string, limit int) ([]models.JobEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byJob, ok := s.events[q]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownQueue, q)
	}
	evs := byJob[jobID]
	if limit <= 0 {
		limit = 100
	}
	if len(evs) > limit {
		evs = evs[:limit]
	}
	out := make([]models.JobEvent, len(evs))
	copy(out, evs)
	return out, nil
}

func (s *Memory) CreateChain(_ context.Context, p CreateChainParams) (models.Chain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
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
	chain := &models.Chain{
		ID:              p.ID,
		Queue:           p.Queue,
		Type:            p.Type,
		Tenant:          p.Tenant,
		ChainingEnabled: true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	for i, payload := range p.Payloads {
		if len(payload) == 0 {
			payload = json.RawMessage(`{}`)
		}
		chain.Units = append(chain.Units, models.ChainUnit{
			Index:   i,
			Payload: append(json.RawMessage(nil), payload...),
		})
	}
	s.chains[chain.ID] = chain
	return cloneChain(chain), nil
}

func (s *Memory) GetChain(_ context.Context, id string) (models.Chain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chain, ok := s.chains[id]
	if !ok {
		return models.Chain{}, ErrChainNotFound
	}
	return cloneChain(chain), nil
}

func (s *Memory) SetChainEnabled(_ context.Context, id string, enabled bool, now time.Time) (models.Chain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chain, ok := s.chains[id]
	if !ok {
		return models.Chain{}, ErrChainNotFound
	}
	chain.ChainingEnabled = enabled
	chain.UpdatedAt = now.UTC()
	return cloneChain(chain), nil
}

func (s *Memory) ReserveUnit(_ context.Context, chainID string, index int, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chain, ok := s.chains[chainID]
	if !ok {
		return false, ErrChainNotFound
	}
	if index < 0 || index >= len(chain.Units) {
		return false, fmt.Errorf("chain %s has no unit %d", chainID, index)
	}
	if chain.Units[index].JobID != nil {
		return false, nil
	}
	v := jobID
	chain.Units[index].JobID = &v
	return true, nil
}

func (s *Memory) ReleaseUnit(_ context.Context, chainID string, index int, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	chain, ok := s.chains[chainID]
	if !ok {
		return ErrChainNotFound
	}
	if index < 0 || index >= len(chain.Units) {
		return nil
	}
	if chain.Units[index].JobID != nil && *chain.Units[index].JobID == jobID {
		chain.Units[index].JobID = nil
	}
	return nil
}
