package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/phuslu/log"

	"campus-job-queue/internal/enqueue"
	"campus-job-queue/internal/models"
	"campus-job-queue/internal/store"
	"campus-job-queue/internal/telemetry"
)

// Controller gates the advancement of composite jobs. A composite is an
// ordered list of units (one job each); while chaining is enabled the
// next unit is enqueued when the previous one completes. Pausing never
// touches the in-flight unit, it only stops the next one from being
// scheduled.
type Controller struct {
	store    store.JobStore
	enqueuer *enqueue.Enqueuer
}

func NewController(st store.JobStore, enq *enqueue.Enqueuer) *Controller {
	return &Controller{store: st, enqueuer: enq}
}

// CreateParams describes a new composite: the queue and job type shared
// by every unit, and the ordered unit payloads.
type CreateParams struct {
	ID       string
	Queue    models.Queue
	Type     string
	Tenant   string
	Payloads []json.RawMessage
}

// Create records the composite and enqueues its first unit.
func (c *Controller) Create(ctx context.Context, p CreateParams) (models.Chain, error) {
	if len(p.Payloads) == 0 {
		return models.Chain{}, errors.New("chain needs at least one unit")
	}
	chain, err := c.store.CreateChain(ctx, store.CreateChainParams{
		ID:       p.ID,
		Queue:    p.Queue,
		Type:     p.Type,
		Tenant:   p.Tenant,
		Payloads: p.Payloads,
	})
	if err != nil {
		return models.Chain{}, fmt.Errorf("create chain: %w", err)
	}
	if _, err := c.Advance(ctx, chain.ID); err != nil {
		return models.Chain{}, err
	}
	return c.store.GetChain(ctx, chain.ID)
}

// Pause stops the composite from advancing past the unit currently in
// flight.
func (c *Controller) Pause(ctx context.Context, id string) (models.Chain, error) {
	chain, err := c.store.SetChainEnabled(ctx, id, false, time.Now().UTC())
	if err != nil {
		return models.Chain{}, err
	}
	log.Info().Str("chain_id", id).Msg("chaining paused")
	return chain, nil
}

// Resume re-enables advancement and immediately tries to enqueue the
// next unit. The next unit is re-derived from the store, never cached.
func (c *Controller) Resume(ctx context.Context, id string) (models.Chain, error) {
	if _, err := c.store.SetChainEnabled(ctx, id, true, time.Now().UTC()); err != nil {
		return models.Chain{}, err
	}
	log.Info().Str("chain_id", id).Msg("chaining resumed")
	if _, err := c.Advance(ctx, id); err != nil {
		return models.Chain{}, err
	}
	return c.store.GetChain(ctx, id)
}

// OnUnitDone is the worker's hook after a chain member reaches done.
func (c *Controller) OnUnitDone(ctx context.Context, chainID string) error {
	_, err := c.Advance(ctx, chainID)
	return err
}

// Advance enqueues at most one unit: the first unbound unit, and only
// once every earlier unit's job has reached done. The unit reservation
// is a conditional update, so two concurrent advancers enqueue the unit
// exactly once between them.
func (c *Controller) Advance(ctx context.Context, chainID string) (bool, error) {
	chain, err := c.store.GetChain(ctx, chainID)
	if err != nil {
		return false, err
	}
	if !chain.ChainingEnabled {
		return false, nil
	}

	next := -1
	for _, unit := range chain.Units {
		if unit.JobID == nil {
			next = unit.Index
			break
		}
	}
	if next == -1 {
		return false, nil
	}

	if next > 0 {
		prev := chain.Units[next-1]
		if prev.JobID == nil {
			return false, nil
		}
		prevJob, err := c.store.GetJob(ctx, chain.Queue, *prev.JobID)
		if err != nil {
			return false, fmt.Errorf("load previous unit job: %w", err)
		}
		if prevJob.Status != models.StatusDone {
			return false, nil
		}
	}

	jobID := uuid.New().String()
	reserved, err := c.store.ReserveUnit(ctx, chainID, next, jobID)
	if err != nil {
		return false, err
	}
	if !reserved {
		// A concurrent advancer won the reservation.
		return false, nil
	}

	_, err = c.enqueuer.Enqueue(ctx, chain.Queue, chain.Type, chain.Tenant, chain.Units[next].Payload, enqueue.Options{
		JobID:   jobID,
		ChainID: chainID,
	})
	if err != nil {
		if relErr := c.store.ReleaseUnit(ctx, chainID, next, jobID); relErr != nil {
			log.Error().Err(relErr).Str("chain_id", chainID).Int("unit", next).Msg("release unit after failed enqueue")
		}
		return false, fmt.Errorf("enqueue unit %d: %w", next, err)
	}
	telemetry.ChainUnitsEnqueued.Inc()
	log.Info().Str("chain_id", chainID).Int("unit", next).Str("job_id", jobID).Msg("chain unit enqueued")
	return true, nil
}
