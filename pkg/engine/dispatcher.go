package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/corralhq/corral/pkg/action"
	"github.com/corralhq/corral/pkg/clock"
	"github.com/corralhq/corral/pkg/config"
	"github.com/corralhq/corral/pkg/events"
	"github.com/corralhq/corral/pkg/log"
	"github.com/corralhq/corral/pkg/metrics"
	"github.com/corralhq/corral/pkg/storage"
	"github.com/corralhq/corral/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// pollInterval bounds how long an idle worker sleeps before re-scanning
// the queue when no wake-up arrives
const pollInterval = time.Second

// Handler executes one claimed action and reports how it ended
type Handler interface {
	Execute(ctx context.Context, a *types.Action) (types.Result, string)
}

// Dispatcher runs the worker pool. A claim loop takes a worker slot,
// claims the oldest READY action and executes it on its own goroutine;
// the slot count bounds how many actions run at once. A parent blocked
// on derived actions yields its slot back (action.Slots) so the children
// can run even on a single-slot pool. It also implements action.Notifier
// so a completion or a new action wakes the claim loop immediately
// instead of at the next poll.
type Dispatcher struct {
	store    storage.Store
	actions  *action.Manager
	events   events.Sink
	clock    clock.Clock
	engineID string
	cluster  Handler
	node     Handler
	logger   zerolog.Logger

	wake     chan struct{}
	slots    chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewDispatcher creates a dispatcher; Start launches the claim loop
func NewDispatcher(store storage.Store, actions *action.Manager, sink events.Sink,
	clk clock.Clock, cfg *config.Config, engineID string, cluster, node Handler) *Dispatcher {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	slots := make(chan struct{}, workers)
	for i := 0; i < workers; i++ {
		slots <- struct{}{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		store:    store,
		actions:  actions,
		events:   sink,
		clock:    clk,
		engineID: engineID,
		cluster:  cluster,
		node:     node,
		logger:   log.WithComponent("dispatcher"),
		wake:     make(chan struct{}, 1),
		slots:    slots,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Notify wakes the claim loop. Never blocks; a pending wake-up is enough.
func (d *Dispatcher) Notify() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Yield implements action.Slots: a blocked parent hands its execution
// slot back so the pool can run its derived actions.
func (d *Dispatcher) Yield() {
	d.giveSlot()
	d.Notify()
}

// Reclaim implements action.Slots: take a slot back before resuming
func (d *Dispatcher) Reclaim(ctx context.Context) error {
	return d.takeSlot(ctx)
}

// Start launches the claim loop
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.claimLoop()
	d.logger.Info().Int("workers", cap(d.slots)).Msg("dispatcher started")
}

// Stop cancels in-flight work at its next yield point and waits for the
// claim loop and action goroutines to drain
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(d.cancel)
	d.wg.Wait()
	d.logger.Info().Msg("dispatcher stopped")
}

func (d *Dispatcher) takeSlot(ctx context.Context) error {
	select {
	case <-d.slots:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// giveSlot returns a worker slot. The non-blocking send absorbs the
// double release of a yielded action that could not reclaim its slot
// during shutdown.
func (d *Dispatcher) giveSlot() {
	select {
	case d.slots <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) claimLoop() {
	defer d.wg.Done()

	for {
		if err := d.takeSlot(d.ctx); err != nil {
			return
		}

		a, err := d.store.AcquireFirstReady(d.engineID, d.clock.Now())
		if err != nil {
			d.logger.Error().Err(err).Msg("action claim failed")
		}
		if a == nil {
			d.giveSlot()
			select {
			case <-d.ctx.Done():
				return
			case <-d.wake:
			case <-time.After(pollInterval):
			}
			continue
		}

		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			defer d.giveSlot()
			d.execute(a)
		}()
	}
}

// execute runs one claimed action end to end
func (d *Dispatcher) execute(a *types.Action) {
	metrics.ActionsInFlight.Inc()
	timer := prometheus.NewTimer(metrics.ActionDuration.WithLabelValues(string(a.Verb)))
	defer func() {
		timer.ObserveDuration()
		metrics.ActionsInFlight.Dec()
	}()

	// a CANCEL delivered before the claim wins over execution
	if d.actions.IsCancelled(a.ID) {
		if err := d.actions.SetStatus(d.ctx, a, types.ResultCancel, ""); err != nil {
			d.logger.Error().Err(err).Str("action_id", a.ID).Msg("failed to record cancellation")
		}
		metrics.ActionsTotal.WithLabelValues(string(a.Verb), string(types.ResultCancel)).Inc()
		return
	}

	d.events.Emit(events.LevelInfo, a, events.PhaseStart, fmt.Sprintf("%s started", a.Verb))
	d.logger.Info().
		Str("action_id", a.ID).
		Str("verb", string(a.Verb)).
		Str("target", a.Target).
		Msg("action started")

	res, reason := d.run(a)

	if err := d.actions.SetStatus(d.ctx, a, res, reason); err != nil {
		d.logger.Error().Err(err).Str("action_id", a.ID).Msg("failed to record action result")
	}
	metrics.ActionsTotal.WithLabelValues(string(a.Verb), string(res)).Inc()
}

// run routes the action to its verb family's handler, converting a panic
// into a failed action instead of a dead worker
func (d *Dispatcher) run(a *types.Action) (res types.Result, reason string) {
	defer func() {
		if r := recover(); r != nil {
			res = types.ResultError
			reason = fmt.Sprintf("action panicked: %v", r)
			d.logger.Error().
				Str("action_id", a.ID).
				Interface("panic", r).
				Msg("handler panicked")
		}
	}()

	switch {
	case a.Verb.IsClusterVerb():
		return d.cluster.Execute(d.ctx, a)
	case a.Verb.IsNodeVerb():
		return d.node.Execute(d.ctx, a)
	default:
		return types.ResultError, fmt.Sprintf("unknown action verb '%s'", a.Verb)
	}
}
