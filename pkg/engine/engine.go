package engine

import (
	"context"
	"fmt"

	"github.com/corralhq/corral/pkg/action"
	"github.com/corralhq/corral/pkg/clock"
	"github.com/corralhq/corral/pkg/config"
	"github.com/corralhq/corral/pkg/events"
	"github.com/corralhq/corral/pkg/lock"
	"github.com/corralhq/corral/pkg/log"
	"github.com/corralhq/corral/pkg/policy"
	"github.com/corralhq/corral/pkg/profile"
	"github.com/corralhq/corral/pkg/registry"
	"github.com/corralhq/corral/pkg/storage"
	"github.com/corralhq/corral/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Engine ties the store, service registry, lock manager, policy pipeline
// and dispatcher into one service instance and exposes the request
// surface. Requests validate their target, queue an action, and return
// its id; callers observe progress through GetAction.
type Engine struct {
	cfg        *config.Config
	store      storage.Store
	clock      clock.Clock
	registry   *registry.Registry
	locks      *lock.Manager
	policies   *policy.Registry
	policyEng  *policy.Engine
	profiles   *profile.Registry
	actions    *action.Manager
	dispatcher *Dispatcher
	logger     zerolog.Logger
}

// New wires an engine instance together. The sink receives action
// transition events; pass events.Discard when nobody listens.
func New(cfg *config.Config, store storage.Store, clk clock.Clock, sink events.Sink, host string) *Engine {
	reg := registry.New(store, clk, cfg, host, "engine")
	locks := lock.NewManager(store, reg, clk, cfg)
	policies := policy.NewRegistry()
	policyEng := policy.NewEngine(store, policies, clk)
	profiles := profile.NewRegistry()
	actions := action.NewManager(store, sink, clk, cfg)

	engineID := reg.ServiceID()
	clusterHandler := NewClusterHandler(store, actions, locks, policyEng, clk, cfg, engineID)
	nodeHandler := NewNodeHandler(store, actions, locks, policyEng, profiles, clk, cfg, engineID)
	dispatcher := NewDispatcher(store, actions, sink, clk, cfg, engineID, clusterHandler, nodeHandler)
	actions.SetNotifier(dispatcher)
	actions.SetSlots(dispatcher)

	return &Engine{
		cfg:        cfg,
		store:      store,
		clock:      clk,
		registry:   reg,
		locks:      locks,
		policies:   policies,
		policyEng:  policyEng,
		profiles:   profiles,
		actions:    actions,
		dispatcher: dispatcher,
		logger:     log.WithComponent("engine"),
	}
}

// Profiles exposes the driver registry so callers can wire drivers at startup
func (e *Engine) Profiles() *profile.Registry { return e.profiles }

// Policies exposes the policy registry for plug-in registration
func (e *Engine) Policies() *policy.Registry { return e.policies }

// ServiceID returns this engine instance's identity
func (e *Engine) ServiceID() string { return e.registry.ServiceID() }

// Start registers the service record and launches the worker pool
func (e *Engine) Start() error {
	if err := e.registry.Start(); err != nil {
		return fmt.Errorf("failed to start service registry: %w", err)
	}
	e.dispatcher.Start()
	e.logger.Info().
		Str("service_id", e.registry.ServiceID()).
		Int("workers", e.cfg.Workers).
		Msg("engine started")
	return nil
}

// Stop drains the workers and deregisters the service record
func (e *Engine) Stop() {
	e.dispatcher.Stop()
	e.registry.Stop()
	e.logger.Info().Msg("engine stopped")
}

// queue validates nothing; it stores an action and returns its id
func (e *Engine) queue(ctx context.Context, target string, verb types.Verb, opts action.CreateOptions) (string, error) {
	return e.actions.Create(ctx, target, verb, opts)
}

// CreateCluster validates the size triple, stores the cluster in INIT and
// queues its creation. Returns the cluster id and the action id.
func (e *Engine) CreateCluster(ctx context.Context, name, profileID string, desired, minSize, maxSize, timeout int, cfgMap map[string]string) (string, string, error) {
	if name == "" {
		return "", "", fmt.Errorf("cluster name is required")
	}
	if profileID == "" {
		return "", "", fmt.Errorf("profile_id is required")
	}

	now := e.clock.Now()
	c := &types.Cluster{
		ID:              uuid.New().String(),
		Name:            name,
		ProfileID:       profileID,
		MinSize:         minSize,
		DesiredCapacity: desired,
		MaxSize:         maxSize,
		Status:          types.ClusterInit,
		StatusReason:    "Initializing",
		Timeout:         timeout,
		Config:          cfgMap,
		InitAt:          now,
		UpdatedAt:       now,
	}
	if err := CheckSize(c, desired, nil, nil, e.cfg); err != nil {
		return "", "", err
	}
	if err := e.store.CreateCluster(c); err != nil {
		return "", "", err
	}

	actionID, err := e.queue(ctx, c.ID, types.ClusterCreateAction, action.CreateOptions{Timeout: timeout})
	if err != nil {
		return "", "", err
	}
	return c.ID, actionID, nil
}

// DeleteCluster queues the destruction of a cluster and its members
func (e *Engine) DeleteCluster(ctx context.Context, clusterID string) (string, error) {
	if _, err := e.store.GetCluster(clusterID); err != nil {
		return "", err
	}
	return e.queue(ctx, clusterID, types.ClusterDeleteAction, action.CreateOptions{})
}

// UpdateCluster queues a cluster update; see ActionInputs for the fields
// CLUSTER_UPDATE honors (name, metadata, timeout, profile_id, profile_only)
func (e *Engine) UpdateCluster(ctx context.Context, clusterID string, in types.ActionInputs) (string, error) {
	c, err := e.store.GetCluster(clusterID)
	if err != nil {
		return "", err
	}
	return e.queue(ctx, clusterID, types.ClusterUpdateAction, action.CreateOptions{
		Inputs:  in,
		Timeout: c.Timeout,
	})
}

// ResizeCluster queues a resize with an explicit adjustment
func (e *Engine) ResizeCluster(ctx context.Context, clusterID string, in types.ActionInputs) (string, error) {
	if _, err := e.store.GetCluster(clusterID); err != nil {
		return "", err
	}
	if in.AdjustmentType == "" {
		return "", fmt.Errorf("resize requires an adjustment_type")
	}
	return e.queue(ctx, clusterID, types.ClusterResizeAction, action.CreateOptions{Inputs: in})
}

// ScaleOut queues the addition of count new nodes (1 when count is 0)
func (e *Engine) ScaleOut(ctx context.Context, clusterID string, count int) (string, error) {
	if _, err := e.store.GetCluster(clusterID); err != nil {
		return "", err
	}
	if count < 0 {
		return "", fmt.Errorf("count must be a non-negative integer")
	}
	return e.queue(ctx, clusterID, types.ClusterScaleOutAction, action.CreateOptions{
		Inputs: types.ActionInputs{Count: count},
	})
}

// ScaleIn queues the removal of count nodes (1 when count is 0)
func (e *Engine) ScaleIn(ctx context.Context, clusterID string, count int, bestEffort bool) (string, error) {
	if _, err := e.store.GetCluster(clusterID); err != nil {
		return "", err
	}
	if count < 0 {
		return "", fmt.Errorf("count must be a non-negative integer")
	}
	return e.queue(ctx, clusterID, types.ClusterScaleInAction, action.CreateOptions{
		Inputs: types.ActionInputs{Count: count, BestEffort: bestEffort},
	})
}

// AddNodes queues the adoption of existing orphan nodes into the cluster
func (e *Engine) AddNodes(ctx context.Context, clusterID string, nodeIDs []string) (string, error) {
	if _, err := e.store.GetCluster(clusterID); err != nil {
		return "", err
	}
	if len(nodeIDs) == 0 {
		return "", fmt.Errorf("no nodes specified")
	}
	return e.queue(ctx, clusterID, types.ClusterAddNodesAction, action.CreateOptions{
		Inputs: types.ActionInputs{Candidates: nodeIDs},
	})
}

// RemoveNodes queues the removal of specific members. A nil destroy keeps
// the default of destroying the backing resources.
func (e *Engine) RemoveNodes(ctx context.Context, clusterID string, nodeIDs []string, destroy *bool) (string, error) {
	if _, err := e.store.GetCluster(clusterID); err != nil {
		return "", err
	}
	if len(nodeIDs) == 0 {
		return "", fmt.Errorf("no nodes specified")
	}
	return e.queue(ctx, clusterID, types.ClusterDelNodesAction, action.CreateOptions{
		Inputs: types.ActionInputs{Candidates: nodeIDs, DestroyAfterDeletion: destroy},
	})
}

// ReplaceNodes queues the swap of members for prepared orphan nodes
func (e *Engine) ReplaceNodes(ctx context.Context, clusterID string, replace map[string]string) (string, error) {
	if _, err := e.store.GetCluster(clusterID); err != nil {
		return "", err
	}
	if len(replace) == 0 {
		return "", fmt.Errorf("no replacement pairs specified")
	}
	return e.queue(ctx, clusterID, types.ClusterReplaceNodesAction, action.CreateOptions{
		Inputs: types.ActionInputs{Replace: replace},
	})
}

// CheckCluster queues a health check across the members
func (e *Engine) CheckCluster(ctx context.Context, clusterID string) (string, error) {
	if _, err := e.store.GetCluster(clusterID); err != nil {
		return "", err
	}
	return e.queue(ctx, clusterID, types.ClusterCheckAction, action.CreateOptions{})
}

// RecoverCluster queues the recovery of every non-ACTIVE member
func (e *Engine) RecoverCluster(ctx context.Context, clusterID string, params *types.RecoverParams) (string, error) {
	if _, err := e.store.GetCluster(clusterID); err != nil {
		return "", err
	}
	return e.queue(ctx, clusterID, types.ClusterRecoverAction, action.CreateOptions{
		Inputs: types.ActionInputs{Recover: params},
	})
}

// ClusterOperation queues a driver-specific operation across members; an
// empty nodes slice targets the whole cluster
func (e *Engine) ClusterOperation(ctx context.Context, clusterID, op string, params map[string]string, nodes []string) (string, error) {
	if _, err := e.store.GetCluster(clusterID); err != nil {
		return "", err
	}
	if op == "" {
		return "", fmt.Errorf("no operation specified")
	}
	return e.queue(ctx, clusterID, types.ClusterOperationAction, action.CreateOptions{
		Inputs: types.ActionInputs{Operation: op, Params: params, Nodes: nodes},
	})
}

// AttachPolicy queues the binding of a registered policy to the cluster
func (e *Engine) AttachPolicy(ctx context.Context, clusterID, policyID string, priority, cooldown int, enabled bool) (string, error) {
	if _, err := e.store.GetCluster(clusterID); err != nil {
		return "", err
	}
	if _, err := e.policies.Get(policyID); err != nil {
		return "", err
	}
	return e.queue(ctx, clusterID, types.ClusterAttachPolicyAction, action.CreateOptions{
		Inputs: types.ActionInputs{PolicyID: policyID, Priority: priority, Cooldown: cooldown, Enabled: &enabled},
	})
}

// DetachPolicy queues the removal of a policy binding
func (e *Engine) DetachPolicy(ctx context.Context, clusterID, policyID string) (string, error) {
	if _, err := e.store.GetCluster(clusterID); err != nil {
		return "", err
	}
	return e.queue(ctx, clusterID, types.ClusterDetachPolicyAction, action.CreateOptions{
		Inputs: types.ActionInputs{PolicyID: policyID},
	})
}

// UpdatePolicy queues the toggle of a policy binding's enabled flag
func (e *Engine) UpdatePolicy(ctx context.Context, clusterID, policyID string, enabled bool) (string, error) {
	if _, err := e.store.GetCluster(clusterID); err != nil {
		return "", err
	}
	return e.queue(ctx, clusterID, types.ClusterUpdatePolicyAction, action.CreateOptions{
		Inputs: types.ActionInputs{PolicyID: policyID, Enabled: &enabled},
	})
}

// CreateNode stores a node in INIT and queues its creation. A non-empty
// clusterID creates the node directly into that cluster.
func (e *Engine) CreateNode(ctx context.Context, name, profileID, clusterID, role string) (string, string, error) {
	if name == "" {
		return "", "", fmt.Errorf("node name is required")
	}
	if profileID == "" {
		return "", "", fmt.Errorf("profile_id is required")
	}

	index := -1
	if clusterID != "" {
		if _, err := e.store.GetCluster(clusterID); err != nil {
			return "", "", err
		}
		var err error
		index, err = e.store.NextIndex(clusterID)
		if err != nil {
			return "", "", err
		}
	}

	now := e.clock.Now()
	n := &types.Node{
		ID:           uuid.New().String(),
		Name:         name,
		ClusterID:    clusterID,
		Index:        index,
		ProfileID:    profileID,
		Status:       types.NodeInit,
		StatusReason: "Initializing",
		Role:         role,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.store.CreateNode(n); err != nil {
		return "", "", err
	}

	actionID, err := e.queue(ctx, n.ID, types.NodeCreateAction, action.CreateOptions{})
	if err != nil {
		return "", "", err
	}
	return n.ID, actionID, nil
}

// DeleteNode queues the destruction of a node
func (e *Engine) DeleteNode(ctx context.Context, nodeID string) (string, error) {
	if _, err := e.store.GetNode(nodeID); err != nil {
		return "", err
	}
	return e.queue(ctx, nodeID, types.NodeDeleteAction, action.CreateOptions{})
}

// UpdateNode queues a node update (name, metadata, new profile)
func (e *Engine) UpdateNode(ctx context.Context, nodeID string, in types.ActionInputs) (string, error) {
	if _, err := e.store.GetNode(nodeID); err != nil {
		return "", err
	}
	return e.queue(ctx, nodeID, types.NodeUpdateAction, action.CreateOptions{Inputs: in})
}

// CheckNode queues a health check for one node
func (e *Engine) CheckNode(ctx context.Context, nodeID string) (string, error) {
	if _, err := e.store.GetNode(nodeID); err != nil {
		return "", err
	}
	return e.queue(ctx, nodeID, types.NodeCheckAction, action.CreateOptions{})
}

// RecoverNode queues the recovery of one node
func (e *Engine) RecoverNode(ctx context.Context, nodeID string, params *types.RecoverParams) (string, error) {
	if _, err := e.store.GetNode(nodeID); err != nil {
		return "", err
	}
	return e.queue(ctx, nodeID, types.NodeRecoverAction, action.CreateOptions{
		Inputs: types.ActionInputs{Recover: params},
	})
}

// NodeOperation queues a driver-specific operation on one node
func (e *Engine) NodeOperation(ctx context.Context, nodeID, op string, params map[string]string) (string, error) {
	if _, err := e.store.GetNode(nodeID); err != nil {
		return "", err
	}
	if op == "" {
		return "", fmt.Errorf("no operation specified")
	}
	return e.queue(ctx, nodeID, types.NodeOperationAction, action.CreateOptions{
		Inputs: types.ActionInputs{Operation: op, Params: params},
	})
}

// CancelAction delivers a CANCEL signal to a live action
func (e *Engine) CancelAction(actionID string) error {
	return e.actions.Signal(actionID, types.SignalCancel)
}

// GetCluster returns a cluster by id
func (e *Engine) GetCluster(id string) (*types.Cluster, error) { return e.store.GetCluster(id) }

// GetNode returns a node by id
func (e *Engine) GetNode(id string) (*types.Node, error) { return e.store.GetNode(id) }

// GetAction returns an action by id, for callers polling progress
func (e *Engine) GetAction(id string) (*types.Action, error) { return e.store.GetAction(id) }

// ListClusters returns every cluster
func (e *Engine) ListClusters() ([]*types.Cluster, error) { return e.store.ListClusters() }

// ListNodes returns every node
func (e *Engine) ListNodes() ([]*types.Node, error) { return e.store.ListNodes() }
