package action

import (
	"context"
	"fmt"
	"time"

	"github.com/corralhq/corral/pkg/clock"
	"github.com/corralhq/corral/pkg/config"
	"github.com/corralhq/corral/pkg/events"
	"github.com/corralhq/corral/pkg/log"
	"github.com/corralhq/corral/pkg/storage"
	"github.com/corralhq/corral/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// RetryMax bounds RES_RETRY re-enqueues before an action is failed
const RetryMax = 3

// Notifier wakes the dispatcher when an action becomes READY
type Notifier interface {
	Notify()
}

// Slots is the dispatcher's worker-slot budget. A parent that blocks on
// derived actions yields its slot so the pool can execute them, then
// reclaims one before resuming; without this a single-worker pool would
// wedge with the parent waiting on children nobody can run.
type Slots interface {
	Yield()
	Reclaim(ctx context.Context) error
}

// CreateOptions carries the optional fields for Manager.Create
type CreateOptions struct {
	Name      string
	Inputs    types.ActionInputs
	Data      types.ActionData
	Cause     types.Cause
	Timeout   int // seconds; 0 uses the engine default
	DependsOn []string
}

// Manager owns every action state transition. Handlers report results;
// only the manager writes status.
type Manager struct {
	store    storage.Store
	events   events.Sink
	clock    clock.Clock
	cfg      *config.Config
	notifier Notifier
	slots    Slots
	logger   zerolog.Logger

	// WaitInterval bounds how often a blocked parent polls its children
	WaitInterval time.Duration
}

// NewManager creates an action manager
func NewManager(store storage.Store, sink events.Sink, clk clock.Clock, cfg *config.Config) *Manager {
	return &Manager{
		store:        store,
		events:       sink,
		clock:        clk,
		cfg:          cfg,
		logger:       log.WithComponent("action"),
		WaitInterval: 500 * time.Millisecond,
	}
}

// SetNotifier wires the dispatcher wake-up; called once during engine setup
func (m *Manager) SetNotifier(n Notifier) {
	m.notifier = n
}

// SetSlots wires the dispatcher's worker-slot budget; called once during
// engine setup
func (m *Manager) SetSlots(s Slots) {
	m.slots = s
}

func (m *Manager) notify() {
	if m.notifier != nil {
		m.notifier.Notify()
	}
}

// Create stores a new action. It starts READY unless it depends on other
// actions, in which case it stays INIT until they all succeed.
func (m *Manager) Create(ctx context.Context, target string, verb types.Verb, opts CreateOptions) (string, error) {
	now := m.clock.Now()
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = m.cfg.DefaultActionTimeout
	}
	cause := opts.Cause
	if cause == "" {
		cause = types.CauseRPC
	}
	name := opts.Name
	if name == "" {
		name = fmt.Sprintf("%s-%s", verb, target[:minInt(8, len(target))])
	}

	a := &types.Action{
		ID:        uuid.New().String(),
		Name:      name,
		Verb:      verb,
		Target:    target,
		Cause:     cause,
		Status:    types.ActionReady,
		Timeout:   timeout,
		Interval:  -1,
		Inputs:    opts.Inputs,
		Data:      opts.Data,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if len(opts.DependsOn) > 0 {
		a.Status = types.ActionInit
	}

	if err := m.store.CreateAction(a); err != nil {
		return "", fmt.Errorf("failed to store action: %w", err)
	}
	if len(opts.DependsOn) > 0 {
		if err := m.store.AddDependency(opts.DependsOn, a.ID); err != nil {
			return "", fmt.Errorf("failed to record dependencies: %w", err)
		}
	} else {
		m.notify()
	}
	return a.ID, nil
}

// signal legality: which statuses accept which command
func signalLegal(sig types.Signal, status types.ActionStatus) bool {
	switch sig {
	case types.SignalCancel:
		switch status {
		case types.ActionInit, types.ActionWaiting, types.ActionReady, types.ActionRunning:
			return true
		}
	case types.SignalSuspend:
		return status == types.ActionRunning
	case types.SignalResume:
		return status == types.ActionSuspended
	}
	return false
}

// Signal records an external command on the action. An illegal signal for
// the current status is a no-op that only produces an error event.
func (m *Manager) Signal(id string, sig types.Signal) error {
	a, err := m.store.GetAction(id)
	if err != nil {
		return err
	}
	if !signalLegal(sig, a.Status) {
		m.logger.Warn().
			Str("action_id", id).
			Str("signal", string(sig)).
			Str("status", string(a.Status)).
			Msg("signal rejected for current status")
		m.events.Emit(events.LevelError, a, events.PhaseError,
			fmt.Sprintf("cannot %s an action in status %s", sig, a.Status))
		return nil
	}
	return m.store.SetActionSignal(id, sig)
}

// IsCancelled reports whether a CANCEL signal is pending for the action
func (m *Manager) IsCancelled(id string) bool {
	sig, err := m.store.GetActionSignal(id)
	return err == nil && sig == types.SignalCancel
}

// SetStatus maps a handler result to the action's terminal (or re-enqueued)
// status, emits the corresponding event, and wakes dependents. The context
// bounds the retry backoff sleep so shutdown is not held up.
func (m *Manager) SetStatus(ctx context.Context, a *types.Action, result types.Result, reason string) error {
	now := m.clock.Now()
	switch result {
	case types.ResultOK:
		if reason == "" {
			reason = fmt.Sprintf("%s completed", a.Verb)
		}
		if err := m.store.MarkSucceeded(a.ID, now, reason); err != nil {
			return err
		}
		if err := m.persistOutputs(a); err != nil {
			return err
		}
		m.events.Emit(events.LevelInfo, a, events.PhaseEnd, reason)
		return m.wakeDependents(a.ID, true)

	case types.ResultLifecycleComplete:
		if err := m.store.MarkSucceeded(a.ID, now, reason); err != nil {
			return err
		}
		m.events.Emit(events.LevelInfo, a, events.PhaseEnd, reason)
		return m.wakeDependents(a.ID, true)

	case types.ResultError:
		if err := m.store.MarkFailed(a.ID, now, reason); err != nil {
			return err
		}
		m.events.Emit(events.LevelError, a, events.PhaseError, reason)
		return m.wakeDependents(a.ID, false)

	case types.ResultTimeout:
		if reason == "" {
			reason = "TIMEOUT"
		}
		if err := m.store.MarkFailed(a.ID, now, reason); err != nil {
			return err
		}
		m.events.Emit(events.LevelError, a, events.PhaseError, reason)
		return m.wakeDependents(a.ID, false)

	case types.ResultCancel:
		if reason == "" {
			reason = fmt.Sprintf("%s cancelled", a.Verb)
		}
		if err := m.store.MarkCancelled(a.ID, now, reason); err != nil {
			return err
		}
		m.events.Emit(events.LevelWarning, a, events.PhaseEnd, reason)
		return m.wakeDependents(a.ID, false)

	case types.ResultRetry:
		return m.requeue(ctx, a, reason)

	default:
		return fmt.Errorf("unknown result code '%s'", result)
	}
}

func (m *Manager) persistOutputs(a *types.Action) error {
	stored, err := m.store.GetAction(a.ID)
	if err != nil {
		return err
	}
	stored.Outputs = a.Outputs
	stored.Data = a.Data
	return m.store.UpdateAction(stored)
}

// requeue handles RES_RETRY: bounded attempts, backoff, then back to READY
func (m *Manager) requeue(ctx context.Context, a *types.Action, reason string) error {
	a.Data.Retries++
	if err := m.persistOutputs(a); err != nil {
		return err
	}
	if a.Data.Retries >= RetryMax {
		msg := fmt.Sprintf("retry limit reached: %s", reason)
		if err := m.store.MarkFailed(a.ID, m.clock.Now(), msg); err != nil {
			return err
		}
		m.events.Emit(events.LevelError, a, events.PhaseError, msg)
		return m.wakeDependents(a.ID, false)
	}

	backoff := time.Duration(a.Data.Retries) * time.Second
	if max := time.Duration(m.cfg.LockRetryInterval) * time.Second; backoff > max {
		backoff = max
	}
	// a cancelled context cuts the backoff short; the action still goes
	// back to READY so a live engine can pick it up
	_ = m.clock.Sleep(ctx, backoff)

	if err := m.store.AbandonAction(a.ID); err != nil {
		return err
	}
	m.logger.Info().
		Str("action_id", a.ID).
		Int("retries", a.Data.Retries).
		Str("reason", reason).
		Msg("action re-enqueued")
	m.notify()
	return nil
}

// wakeDependents walks the actions waiting on a finished one. After a
// success, a dependent whose dependencies have all succeeded becomes READY.
// After a failure, blocked dependents are cancelled so the graph cannot
// deadlock; a RUNNING dependent is left to observe the failure itself.
func (m *Manager) wakeDependents(id string, succeeded bool) error {
	dependents, err := m.store.GetDependents(id)
	if err != nil {
		return err
	}

	woke := false
	for _, depID := range dependents {
		dep, err := m.store.GetAction(depID)
		if err != nil {
			continue
		}
		if dep.Status != types.ActionInit && dep.Status != types.ActionWaiting {
			continue
		}

		if !succeeded {
			reason := fmt.Sprintf("depended action %s did not succeed", id)
			if err := m.store.MarkCancelled(depID, m.clock.Now(), reason); err != nil {
				return err
			}
			m.events.Emit(events.LevelWarning, dep, events.PhaseEnd, reason)
			// cascade so transitively blocked actions unwind too
			if err := m.wakeDependents(depID, false); err != nil {
				return err
			}
			continue
		}

		if m.dependenciesSatisfied(dep) {
			if err := m.store.MarkReady(depID, "all depended actions succeeded"); err != nil {
				return err
			}
			woke = true
		}
	}
	if woke {
		m.notify()
	}
	return nil
}

func (m *Manager) dependenciesSatisfied(a *types.Action) bool {
	for _, depID := range a.DependsOn {
		dep, err := m.store.GetAction(depID)
		if err != nil || dep.Status != types.ActionSucceeded {
			return false
		}
	}
	return true
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
