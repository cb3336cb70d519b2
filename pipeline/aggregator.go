package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Aggregator periodically counts the events persisted since the last
// checkpoint and advances the checkpoint in a single write. Only one cycle
// runs at a time within the process; ticks that fire while a cycle is still
// running are skipped.
type Aggregator struct {
	base
	counter     EventCounter
	checkpoints CheckpointStore
	interval    time.Duration

	running atomic.Bool
	wg      sync.WaitGroup

	mu   sync.RWMutex
	last Checkpoint
}

// NewAggregator creates an aggregator counting through counter and storing its
// progress in checkpoints.
func NewAggregator(s Settings, counter EventCounter, checkpoints CheckpointStore, options ...Option) *Aggregator {
	if counter == nil {
		panic("event counter is mandatory")
	}
	if checkpoints == nil {
		panic("checkpoint store is mandatory")
	}
	validateSettings(&s)
	a := &Aggregator{
		base:        newBase(options),
		counter:     counter,
		checkpoints: checkpoints,
		interval:    s.AggregationInterval,
		last:        *ZeroCheckpoint(),
	}
	propagateLogger(a.logger, counter, checkpoints)
	return a
}

// Checkpoint returns the last checkpoint committed or loaded by this
// aggregator.
func (a *Aggregator) Checkpoint() Checkpoint {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.last
}

// Restore loads the stored checkpoint so Checkpoint reports it before the
// first cycle commits. A missing or unreadable checkpoint restores the zero
// checkpoint.
func (a *Aggregator) Restore(ctx context.Context) error {
	_, err := a.load(ctx)
	return err
}

// Run restores the stored checkpoint and then triggers a cycle on every
// interval tick until ctx is cancelled, then waits for the running cycle to
// finish.
func (a *Aggregator) Run(ctx context.Context) {
	if err := a.Restore(ctx); err != nil {
		a.logger.Error("could not restore the checkpoint", err)
	}

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	a.logger.Info(fmt.Sprintf("aggregator started (interval=%s)", a.interval))
	for {
		select {
		case <-ctx.Done():
			a.wg.Wait()
			a.logger.Info("aggregator stopped")
			return
		case <-ticker.C:
			if !a.running.CompareAndSwap(false, true) {
				a.logger.Debug("previous aggregation cycle still running, skipping tick")
				continue
			}
			a.wg.Add(1)
			go func() {
				defer a.wg.Done()
				defer a.running.Store(false)
				if _, err := a.cycle(ctx); err != nil {
					a.logger.Error("aggregation cycle failed", err)
				}
			}()
		}
	}
}

// RunOnce executes a single cycle unless another one is already running, in
// which case it returns ran=false without doing anything.
func (a *Aggregator) RunOnce(ctx context.Context) (ran bool, err error) {
	if !a.running.CompareAndSwap(false, true) {
		return false, nil
	}
	defer a.running.Store(false)
	return a.cycle(ctx)
}

func (a *Aggregator) cycle(ctx context.Context) (bool, error) {
	old, err := a.load(ctx)
	if err != nil {
		a.errorCtr.Inc(1)
		return true, err
	}

	windowStart := old.LastProcessedTimestamp
	windowEnd := a.clock().UTC()
	if windowEnd.Before(windowStart) {
		a.logger.Warn(fmt.Sprintf("clock is behind the checkpoint (%s < %s), skipping cycle",
			FormatTimestamp(windowEnd), FormatTimestamp(windowStart)))
		return true, nil
	}

	listings, err := a.counter.CountEvents(ctx, ListingEvent, windowStart, windowEnd)
	if err != nil {
		a.errorCtr.Inc(1)
		return true, fmt.Errorf("%w: could not count listing events: %w", ErrQuery, err)
	}
	transactions, err := a.counter.CountEvents(ctx, TransactionEvent, windowStart, windowEnd)
	if err != nil {
		a.errorCtr.Inc(1)
		return true, fmt.Errorf("%w: could not count transaction events: %w", ErrQuery, err)
	}

	next := &Checkpoint{
		NumListings:            old.NumListings + listings,
		NumTransactions:        old.NumTransactions + transactions,
		LastProcessedTimestamp: windowEnd,
	}
	if err := a.checkpoints.SaveCheckpoint(ctx, next); err != nil {
		a.errorCtr.Inc(1)
		return true, fmt.Errorf("could not save the checkpoint: %w", err)
	}

	a.mu.Lock()
	a.last = *next
	a.mu.Unlock()

	a.successCtr.Inc(1)
	a.logger.Info(fmt.Sprintf("aggregated window [%s, %s): listings=%d transactions=%d (totals %d/%d)",
		FormatTimestamp(windowStart), FormatTimestamp(windowEnd), listings, transactions,
		next.NumListings, next.NumTransactions))
	return true, nil
}

// load returns the stored checkpoint, falling back to the zero checkpoint when
// nothing usable was stored yet.
func (a *Aggregator) load(ctx context.Context) (*Checkpoint, error) {
	c, err := a.checkpoints.LoadCheckpoint(ctx)
	switch {
	case err == nil && c != nil:
	case err == nil, errors.Is(err, ErrCheckpointNotFound):
		c = ZeroCheckpoint()
	case errors.Is(err, ErrCheckpointCorrupt):
		a.logger.Warn(fmt.Sprintf("stored checkpoint is unreadable, starting from zero: %v", err))
		c = ZeroCheckpoint()
	default:
		return nil, fmt.Errorf("could not load the checkpoint: %w", err)
	}

	a.mu.Lock()
	a.last = *c
	a.mu.Unlock()
	return c, nil
}
