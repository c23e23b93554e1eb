package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/corralhq/corral/pkg/clock"
	"github.com/corralhq/corral/pkg/log"
	"github.com/corralhq/corral/pkg/metrics"
	"github.com/corralhq/corral/pkg/storage"
	"github.com/corralhq/corral/pkg/types"
	"github.com/rs/zerolog"
)

// CheckTarget selects which side of an action a policy hook runs on
type CheckTarget string

const (
	Before CheckTarget = "BEFORE"
	After  CheckTarget = "AFTER"
)

// Target is one (side, verb) pair a policy subscribes to
type Target struct {
	When CheckTarget
	Verb types.Verb
}

// Policy is a pluggable decision module. Hooks read and write only the
// action's inputs and data bag; the engine guarantees ordering, cooldown
// and data hand-off, nothing else.
type Policy interface {
	// Name identifies the policy instance (the binding's policy_id)
	Name() string
	// Type groups policies that conflict with each other; a cluster never
	// has two enabled policies of the same type
	Type() string
	// Targets lists the (side, verb) pairs the policy wants to see
	Targets() []Target
	PreOp(ctx context.Context, clusterID string, a *types.Action) error
	PostOp(ctx context.Context, clusterID string, a *types.Action) error
}

// Registry holds the policy instances known to this engine, keyed by name
type Registry struct {
	mu       sync.RWMutex
	policies map[string]Policy
}

// NewRegistry creates an empty policy registry
func NewRegistry() *Registry {
	return &Registry{policies: make(map[string]Policy)}
}

// Register adds a policy instance
func (r *Registry) Register(p Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[p.Name()] = p
}

// Get returns the policy with the given name
func (r *Registry) Get(name string) (Policy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.policies[name]
	if !ok {
		return nil, types.NewNotFound("policy", name)
	}
	return p, nil
}

func targetMatch(p Policy, when CheckTarget, verb types.Verb) bool {
	for _, t := range p.Targets() {
		if t.When == when && t.Verb == verb {
			return true
		}
	}
	return false
}

// CooldownInProgress reports whether the binding is still cooling down at now
func CooldownInProgress(b *types.Binding, now time.Time) bool {
	if b.Cooldown <= 0 || b.LastOp.IsZero() {
		return false
	}
	return now.Sub(b.LastOp) < time.Duration(b.Cooldown)*time.Second
}

// Engine runs the ordered policy check pipeline for a cluster action
type Engine struct {
	store    storage.Store
	registry *Registry
	clock    clock.Clock
	logger   zerolog.Logger
}

// NewEngine creates a policy engine
func NewEngine(store storage.Store, registry *Registry, clk clock.Clock) *Engine {
	return &Engine{
		store:    store,
		registry: registry,
		clock:    clk,
		logger:   log.WithComponent("policy"),
	}
}

// Check runs the enabled bindings for the cluster in ascending priority
// order, invoking PreOp (BEFORE) or PostOp (AFTER) on each matching policy.
// The verdict is written into a.Data.Status and a.Data.Reason; the first
// failure aborts the remaining checks.
func (e *Engine) Check(ctx context.Context, clusterID string, target CheckTarget, a *types.Action) error {
	bindings, err := e.store.ListBindings(clusterID)
	if err != nil {
		return fmt.Errorf("failed to load policy bindings: %w", err)
	}

	var enabled []*types.Binding
	for _, b := range bindings {
		if b.Enabled {
			enabled = append(enabled, b)
		}
	}
	sort.SliceStable(enabled, func(i, j int) bool {
		return enabled[i].Priority < enabled[j].Priority
	})

	a.Data.Status = types.CheckOK
	a.Data.Reason = "Completed policy checking."

	now := e.clock.Now()
	for _, b := range enabled {
		p, err := e.registry.Get(b.PolicyID)
		if err != nil {
			// binding survives its policy plug-in; skip, don't fail
			e.logger.Warn().Str("policy_id", b.PolicyID).Msg("bound policy not registered")
			continue
		}

		// the AFTER pass stamps last_op on every binding regardless of the
		// policy's targets, so cooldown tracks the most recent action
		prevOp := b.LastOp
		if target == After {
			b.LastOp = now
			if err := e.store.UpdateBinding(b); err != nil {
				return fmt.Errorf("failed to record policy last_op: %w", err)
			}
		}

		if !targetMatch(p, target, a.Verb) {
			continue
		}

		if b.Cooldown > 0 && !prevOp.IsZero() && now.Sub(prevOp) < time.Duration(b.Cooldown)*time.Second {
			a.Data.Status = types.CheckError
			a.Data.Reason = fmt.Sprintf("policy '%s' cooldown is still in progress", b.PolicyID)
			metrics.PolicyCheckFailures.WithLabelValues(string(target)).Inc()
			return nil
		}

		var hookErr error
		if target == Before {
			hookErr = p.PreOp(ctx, clusterID, a)
		} else {
			hookErr = p.PostOp(ctx, clusterID, a)
		}
		if hookErr != nil {
			a.Data.Status = types.CheckError
			a.Data.Reason = fmt.Sprintf("policy '%s' check failed: %v", b.PolicyID, hookErr)
			metrics.PolicyCheckFailures.WithLabelValues(string(target)).Inc()
			return nil
		}
		if a.Data.Status == types.CheckError {
			if a.Data.Reason == "" {
				a.Data.Reason = fmt.Sprintf("policy '%s' rejected the action", b.PolicyID)
			}
			metrics.PolicyCheckFailures.WithLabelValues(string(target)).Inc()
			return nil
		}
	}
	return nil
}

// Attach binds a policy to a cluster, rejecting a second enabled policy of
// the same type.
func (e *Engine) Attach(clusterID, policyID string, priority, cooldown int, enabled bool) error {
	p, err := e.registry.Get(policyID)
	if err != nil {
		return err
	}

	if _, err := e.store.GetBinding(clusterID, policyID); err == nil {
		return fmt.Errorf("policy '%s' is already attached to cluster '%s'", policyID, clusterID)
	}

	if enabled {
		bindings, err := e.store.ListBindings(clusterID)
		if err != nil {
			return err
		}
		for _, b := range bindings {
			if !b.Enabled {
				continue
			}
			other, err := e.registry.Get(b.PolicyID)
			if err != nil {
				continue
			}
			if other.Type() == p.Type() {
				return fmt.Errorf("policy type conflict: '%s' of type '%s' is already attached",
					b.PolicyID, other.Type())
			}
		}
	}

	return e.store.CreateBinding(&types.Binding{
		ClusterID: clusterID,
		PolicyID:  policyID,
		Enabled:   enabled,
		Priority:  priority,
		Cooldown:  cooldown,
		CreatedAt: e.clock.Now(),
	})
}

// Detach removes a policy binding
func (e *Engine) Detach(clusterID, policyID string) error {
	if _, err := e.store.GetBinding(clusterID, policyID); err != nil {
		return err
	}
	return e.store.DeleteBinding(clusterID, policyID)
}

// UpdateBinding adjusts an existing binding's enabled flag, priority or
// cooldown. Nil pointers leave the field unchanged.
func (e *Engine) UpdateBinding(clusterID, policyID string, enabled *bool, priority, cooldown *int) error {
	b, err := e.store.GetBinding(clusterID, policyID)
	if err != nil {
		return err
	}
	if enabled != nil {
		b.Enabled = *enabled
	}
	if priority != nil {
		b.Priority = *priority
	}
	if cooldown != nil {
		b.Cooldown = *cooldown
	}
	return e.store.UpdateBinding(b)
}
