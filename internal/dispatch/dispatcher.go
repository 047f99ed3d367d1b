// Package dispatch schedules per-position evaluations. Cadence is dynamic:
// each completed evaluation reports the interval for the next one, so a
// level change retunes one position without touching unrelated work.
package dispatch

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/btree"
	"go.uber.org/zap"

	"github.com/Aidin1998/pincex_risk/internal/config"
	errs "github.com/Aidin1998/pincex_risk/pkg/errors"
	"github.com/Aidin1998/pincex_risk/pkg/metrics"
)

// Evaluator runs one evaluation of a position. The returned interval
// schedules the next run; zero or negative means do not reschedule.
type Evaluator interface {
	EvaluatePosition(ctx context.Context, id uuid.UUID) (time.Duration, error)
}

// task is one scheduled evaluation keyed by due time
type task struct {
	due time.Time
	id  uuid.UUID
}

func taskLess(a, b task) bool {
	if !a.due.Equal(b.due) {
		return a.due.Before(b.due)
	}
	return bytes.Compare(a.id[:], b.id[:]) < 0
}

// Dispatcher drives evaluations from a due-time priority queue plus a wake
// channel for event-driven positions.
type Dispatcher struct {
	logger    *zap.Logger
	evaluator Evaluator

	cfgMu sync.RWMutex
	cfg   config.DispatchConfig

	mu    sync.Mutex
	queue *btree.BTreeG[task]
	index map[uuid.UUID]task

	wake chan uuid.UUID
	jobs chan uuid.UUID

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewDispatcher creates a stopped dispatcher
func NewDispatcher(cfg config.DispatchConfig, evaluator Evaluator, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		logger:    logger.Named("dispatch"),
		evaluator: evaluator,
		cfg:       cfg,
		queue:     btree.NewBTreeG(taskLess),
		index:     make(map[uuid.UUID]task),
		wake:      make(chan uuid.UUID, 1024),
		jobs:      make(chan uuid.UUID, 1024),
		stopChan:  make(chan struct{}),
	}
}

// UpdateConfig swaps scheduler settings on hot reload. Worker count changes
// take effect on restart; tick resolution and timeout apply immediately.
func (d *Dispatcher) UpdateConfig(cfg config.DispatchConfig) {
	d.cfgMu.Lock()
	defer d.cfgMu.Unlock()
	d.cfg = cfg
}

func (d *Dispatcher) config() config.DispatchConfig {
	d.cfgMu.RLock()
	defer d.cfgMu.RUnlock()
	return d.cfg
}

// Start launches the scheduler loop and the worker pool
func (d *Dispatcher) Start(ctx context.Context) error {
	cfg := d.config()

	d.wg.Add(1)
	go d.schedulerLoop(ctx)

	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}

	d.logger.Info("Dispatcher started",
		zap.Int("workers", cfg.Workers),
		zap.Duration("tick_resolution", cfg.TickResolution))
	return nil
}

// Stop drains the loops and waits for in-flight evaluations
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopChan)
	})
	d.wg.Wait()
	d.logger.Info("Dispatcher stopped")
}

// Schedule upserts the position's next evaluation at now+delay. A pending
// entry for the same position is replaced, never duplicated.
func (d *Dispatcher) Schedule(id uuid.UUID, delay time.Duration) {
	next := task{due: time.Now().Add(delay), id: id}

	d.mu.Lock()
	defer d.mu.Unlock()
	if old, ok := d.index[id]; ok {
		d.queue.Delete(old)
	}
	d.queue.Set(next)
	d.index[id] = next
}

// Wake requests a near-immediate evaluation, used for event-driven
// Preservation positions and post-trip re-checks. Never blocks: if the wake
// channel is saturated the position is scheduled for the next tick instead.
func (d *Dispatcher) Wake(id uuid.UUID) {
	select {
	case d.wake <- id:
	case <-d.stopChan:
	default:
		d.Schedule(id, 0)
	}
}

// Cancel removes any pending evaluation for a closed position
func (d *Dispatcher) Cancel(id uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if old, ok := d.index[id]; ok {
		d.queue.Delete(old)
		delete(d.index, id)
	}
}

// Pending reports how many positions have a scheduled evaluation
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.index)
}

// schedulerLoop moves due tasks and wakes onto the jobs channel
func (d *Dispatcher) schedulerLoop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config().TickResolution)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopChan:
			return
		case <-ctx.Done():
			return
		case id := <-d.wake:
			metrics.ScheduledEvaluations.WithLabelValues("wake").Inc()
			d.submit(id)
		case <-ticker.C:
			d.dispatchDue(time.Now())
		}
	}
}

// dispatchDue pops every task at or past its due time. A task stays queued
// if the jobs channel is full so nothing is lost under burst.
func (d *Dispatcher) dispatchDue(now time.Time) {
	for {
		d.mu.Lock()
		item, ok := d.queue.Min()
		if !ok || item.due.After(now) {
			d.mu.Unlock()
			return
		}
		d.queue.Delete(item)
		delete(d.index, item.id)
		d.mu.Unlock()

		select {
		case d.jobs <- item.id:
			metrics.ScheduledEvaluations.WithLabelValues("interval").Inc()
		default:
			d.mu.Lock()
			d.queue.Set(item)
			d.index[item.id] = item
			d.mu.Unlock()
			return
		}
	}
}

// submit feeds one woken position to the workers without blocking the loop
func (d *Dispatcher) submit(id uuid.UUID) {
	select {
	case d.jobs <- id:
	default:
		d.Schedule(id, 0)
	}
}

// worker runs evaluations and reschedules from the reported interval
func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()

	for {
		select {
		case <-d.stopChan:
			return
		case <-ctx.Done():
			return
		case id := <-d.jobs:
			d.run(ctx, id)
		}
	}
}

func (d *Dispatcher) run(ctx context.Context, id uuid.UUID) {
	cfg := d.config()

	evalCtx, cancel := context.WithTimeout(ctx, cfg.EvaluationTimeout)
	defer cancel()

	start := time.Now()
	interval, err := d.evaluator.EvaluatePosition(evalCtx, id)
	metrics.EvaluationLatency.Observe(time.Since(start).Seconds())

	if err != nil {
		switch errs.KindOf(err) {
		case errs.KindEscalationConflict:
			// The loser of a concurrent transition retries against the
			// new state on the next tick.
			d.Schedule(id, cfg.TickResolution)
		case errs.KindValidation:
			// Unknown or closed position: nothing left to evaluate.
			d.logger.Debug("Dropping evaluation",
				zap.String("position_id", id.String()),
				zap.Error(err))
		default:
			d.logger.Error("Evaluation failed",
				zap.String("position_id", id.String()),
				zap.Error(err))
			d.Schedule(id, cfg.EvaluationTimeout)
		}
		return
	}

	if interval > 0 {
		d.Schedule(id, interval)
	}
}
