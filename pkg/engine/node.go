package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/corralhq/corral/pkg/action"
	"github.com/corralhq/corral/pkg/clock"
	"github.com/corralhq/corral/pkg/config"
	"github.com/corralhq/corral/pkg/lock"
	"github.com/corralhq/corral/pkg/log"
	"github.com/corralhq/corral/pkg/policy"
	"github.com/corralhq/corral/pkg/profile"
	"github.com/corralhq/corral/pkg/storage"
	"github.com/corralhq/corral/pkg/types"
	"github.com/rs/zerolog"
)

// NodeHandler executes NODE_* actions against the profile driver. Direct
// requests on a cluster member take a node-scope share of the cluster lock
// so they coexist with each other but never with a cluster-scope action;
// derived actions run under their parent's cluster-scope lock and skip it.
type NodeHandler struct {
	store    storage.Store
	actions  *action.Manager
	locks    *lock.Manager
	policy   *policy.Engine
	profiles *profile.Registry
	clock    clock.Clock
	cfg      *config.Config
	engineID string
	logger   zerolog.Logger
}

// NewNodeHandler creates the handler for node-scope actions
func NewNodeHandler(store storage.Store, actions *action.Manager, locks *lock.Manager,
	pe *policy.Engine, profiles *profile.Registry, clk clock.Clock, cfg *config.Config,
	engineID string) *NodeHandler {
	return &NodeHandler{
		store:    store,
		actions:  actions,
		locks:    locks,
		policy:   pe,
		profiles: profiles,
		clock:    clk,
		cfg:      cfg,
		engineID: engineID,
		logger:   log.WithComponent("node-handler"),
	}
}

// Execute implements Handler
func (h *NodeHandler) Execute(ctx context.Context, a *types.Action) (types.Result, string) {
	node, err := h.store.GetNode(a.Target)
	if err != nil {
		return types.ResultError, err.Error()
	}

	clusterID := node.ClusterID
	if a.Verb == types.NodeJoinAction {
		clusterID = a.Inputs.ClusterID
	}

	if clusterID != "" && a.Cause == types.CauseRPC {
		if !h.locks.AcquireCluster(ctx, clusterID, a.ID, h.engineID, types.NodeScope, false) {
			return types.ResultRetry, fmt.Sprintf("cluster '%s' is locked by another action", clusterID)
		}
		defer h.locks.ReleaseCluster(clusterID, a.ID, types.NodeScope)
	}

	if clusterID != "" {
		if err := h.policy.Check(ctx, clusterID, policy.Before, a); err != nil {
			return types.ResultError, err.Error()
		}
		if a.Data.Status == types.CheckError {
			return types.ResultError, fmt.Sprintf("policy check failure: %s", a.Data.Reason)
		}
	}

	forced := a.Verb == types.NodeDeleteAction
	if !h.locks.AcquireNode(ctx, node.ID, a.ID, h.engineID, forced) {
		return types.ResultError, fmt.Sprintf("node '%s' is locked by another action", node.ID)
	}
	defer h.locks.ReleaseNode(node.ID, a.ID)

	res, reason := h.dispatch(ctx, node, a)

	if clusterID != "" {
		if err := h.policy.Check(ctx, clusterID, policy.After, a); err != nil {
			h.logger.Error().Err(err).Str("cluster_id", clusterID).Msg("post-action policy check failed")
		}
	}
	return res, reason
}

func (h *NodeHandler) dispatch(ctx context.Context, n *types.Node, a *types.Action) (types.Result, string) {
	switch a.Verb {
	case types.NodeCreateAction:
		return h.doCreate(ctx, n, a)
	case types.NodeDeleteAction:
		return h.doDelete(ctx, n, a)
	case types.NodeUpdateAction:
		return h.doUpdate(ctx, n, a)
	case types.NodeJoinAction:
		return h.doJoin(ctx, n, a)
	case types.NodeLeaveAction:
		return h.doLeave(ctx, n, a)
	case types.NodeCheckAction:
		return h.doCheck(ctx, n, a)
	case types.NodeRecoverAction:
		return h.doRecover(ctx, n, a)
	case types.NodeOperationAction:
		return h.doOperation(ctx, n, a)
	default:
		return types.ResultError, fmt.Sprintf("unsupported node action '%s'", a.Verb)
	}
}

func (h *NodeHandler) setStatus(n *types.Node, status types.NodeStatus, reason string) {
	n.Status = status
	n.StatusReason = reason
	n.UpdatedAt = h.clock.Now()
	if err := h.store.UpdateNode(n); err != nil {
		h.logger.Error().Err(err).Str("node_id", n.ID).Msg("node status write failed")
	}
}

func (h *NodeHandler) driverFor(n *types.Node) (profile.Driver, error) {
	return h.profiles.DriverFor(n.ProfileID)
}

// reconcileOwner re-evaluates the owning cluster after a direct node
// action, whatever the outcome, so a failed member is reflected in the
// cluster status right away
func (h *NodeHandler) reconcileOwner(clusterID string, a *types.Action) {
	if clusterID == "" || a.Cause != types.CauseRPC {
		return
	}
	c, err := h.store.GetCluster(clusterID)
	if err != nil {
		h.logger.Error().Err(err).Str("cluster_id", clusterID).Msg("cluster reconcile failed")
		return
	}
	evalClusterStatus(h.store, h.clock, h.logger, c, a.Verb)
}

func (h *NodeHandler) doCreate(ctx context.Context, n *types.Node, a *types.Action) (types.Result, string) {
	// a direct create into a cluster must fit its bounds; the node row
	// already exists so the current count includes it
	if n.ClusterID != "" && a.Cause == types.CauseRPC {
		c, err := h.store.GetCluster(n.ClusterID)
		if err != nil {
			return types.ResultError, err.Error()
		}
		current, err := h.store.CountByCluster(c.ID)
		if err != nil {
			return types.ResultError, err.Error()
		}
		if err := CheckSize(c, current, nil, nil, h.cfg); err != nil {
			n.ClusterID = ""
			n.Index = -1
			h.setStatus(n, types.NodeError, err.Error())
			return types.ResultError, err.Error()
		}
	}

	h.setStatus(n, types.NodeCreating, "Creation in progress")

	drv, err := h.driverFor(n)
	if err != nil {
		h.setStatus(n, types.NodeError, err.Error())
		h.reconcileOwner(n.ClusterID, a)
		return types.ResultError, err.Error()
	}
	physicalID, err := drv.Create(ctx, n)
	if err != nil {
		h.setStatus(n, types.NodeError, err.Error())
		h.reconcileOwner(n.ClusterID, a)
		return types.ResultError, fmt.Sprintf("node creation failed: %v", err)
	}

	n.PhysicalID = physicalID
	h.setStatus(n, types.NodeActive, "Creation succeeded")

	if n.ClusterID != "" && a.Cause == types.CauseRPC {
		if c, err := h.store.AdjustDesiredCapacity(n.ClusterID, 1); err == nil {
			evalClusterStatus(h.store, h.clock, h.logger, c, a.Verb)
		} else {
			h.logger.Error().Err(err).Str("cluster_id", n.ClusterID).Msg("capacity adjustment failed")
		}
	}
	return types.ResultOK, "Node created successfully"
}

func (h *NodeHandler) doDelete(ctx context.Context, n *types.Node, a *types.Action) (types.Result, string) {
	if del := a.Data.Deletion; del != nil && del.GracePeriod > 0 {
		if err := h.clock.Sleep(ctx, time.Duration(del.GracePeriod)*time.Second); err != nil {
			return types.ResultCancel, "deletion grace period interrupted"
		}
	}

	clusterID := n.ClusterID
	h.setStatus(n, types.NodeDeleting, "Deletion in progress")

	drv, err := h.driverFor(n)
	if err != nil {
		h.setStatus(n, types.NodeError, err.Error())
		h.reconcileOwner(clusterID, a)
		return types.ResultError, err.Error()
	}
	if err := drv.Delete(ctx, n); err != nil {
		h.setStatus(n, types.NodeError, err.Error())
		h.reconcileOwner(clusterID, a)
		return types.ResultError, fmt.Sprintf("node deletion failed: %v", err)
	}
	if err := h.store.DeleteNode(n.ID); err != nil {
		return types.ResultError, err.Error()
	}

	if clusterID != "" && a.Cause == types.CauseRPC {
		delta := 0
		if a.Data.Deletion.ReduceDesired() {
			delta = -1
		}
		if c, err := h.store.AdjustDesiredCapacity(clusterID, delta); err == nil {
			evalClusterStatus(h.store, h.clock, h.logger, c, a.Verb)
		} else {
			h.logger.Error().Err(err).Str("cluster_id", clusterID).Msg("capacity adjustment failed")
		}
	}
	return types.ResultOK, "Node deleted successfully"
}

func (h *NodeHandler) doUpdate(ctx context.Context, n *types.Node, a *types.Action) (types.Result, string) {
	if a.Inputs.Name != "" {
		n.Name = a.Inputs.Name
	}
	if a.Inputs.Metadata != nil {
		n.Metadata = a.Inputs.Metadata
	}

	newProfile := a.Inputs.NewProfileID
	if newProfile == "" || newProfile == n.ProfileID {
		n.UpdatedAt = h.clock.Now()
		if err := h.store.UpdateNode(n); err != nil {
			return types.ResultError, err.Error()
		}
		return types.ResultOK, "Node updated successfully"
	}

	h.setStatus(n, types.NodeUpdating, "Update in progress")

	drv, err := h.driverFor(n)
	if err != nil {
		h.setStatus(n, types.NodeError, err.Error())
		return types.ResultError, err.Error()
	}
	if err := drv.Update(ctx, n, newProfile); err != nil {
		h.setStatus(n, types.NodeError, err.Error())
		return types.ResultError, fmt.Sprintf("node update failed: %v", err)
	}

	n.ProfileID = newProfile
	h.setStatus(n, types.NodeActive, "Update succeeded")
	return types.ResultOK, "Node updated successfully"
}

func (h *NodeHandler) doJoin(ctx context.Context, n *types.Node, a *types.Action) (types.Result, string) {
	targetID := a.Inputs.ClusterID
	if targetID == "" {
		return types.ResultError, "no cluster specified"
	}
	c, err := h.store.GetCluster(targetID)
	if err != nil {
		return types.ResultError, err.Error()
	}

	if n.ClusterID != "" {
		if n.ClusterID == c.ID {
			return types.ResultOK, "Node is already a member of the cluster"
		}
		return types.ResultError, fmt.Sprintf("node '%s' is already owned by cluster '%s'", n.ID, n.ClusterID)
	}

	current, err := h.store.CountByCluster(c.ID)
	if err != nil {
		return types.ResultError, err.Error()
	}
	if err := CheckSize(c, current+1, nil, nil, h.cfg); err != nil {
		return types.ResultError, err.Error()
	}

	drv, err := h.driverFor(n)
	if err != nil {
		return types.ResultError, err.Error()
	}
	if err := drv.Join(ctx, n, c.ID); err != nil {
		return types.ResultError, fmt.Sprintf("node join failed: %v", err)
	}

	index, err := h.store.NextIndex(c.ID)
	if err != nil {
		return types.ResultError, err.Error()
	}
	n.ClusterID = c.ID
	n.Index = index
	h.setStatus(n, types.NodeActive, "Join succeeded")
	return types.ResultOK, "Node joined cluster successfully"
}

func (h *NodeHandler) doLeave(ctx context.Context, n *types.Node, a *types.Action) (types.Result, string) {
	if n.ClusterID == "" {
		return types.ResultError, fmt.Sprintf("node '%s' is not a member of any cluster", n.ID)
	}
	c, err := h.store.GetCluster(n.ClusterID)
	if err != nil {
		return types.ResultError, err.Error()
	}

	// a direct leave must not breach the cluster floor; a derived leave
	// runs under a parent that already sized the whole operation
	if a.Cause == types.CauseRPC {
		current, err := h.store.CountByCluster(c.ID)
		if err != nil {
			return types.ResultError, err.Error()
		}
		if err := CheckSize(c, current-1, nil, nil, h.cfg); err != nil {
			return types.ResultError, err.Error()
		}
	}

	drv, err := h.driverFor(n)
	if err != nil {
		return types.ResultError, err.Error()
	}
	if err := drv.Leave(ctx, n); err != nil {
		return types.ResultError, fmt.Sprintf("node leave failed: %v", err)
	}

	n.ClusterID = ""
	n.Index = -1
	h.setStatus(n, types.NodeActive, "Leave succeeded")
	return types.ResultOK, "Node left cluster successfully"
}

// doCheck reconciles the node's status with the physical resource. An
// unhealthy node fails the check into ERROR status, but the check action
// itself succeeds so a cluster-wide check covers every member.
func (h *NodeHandler) doCheck(ctx context.Context, n *types.Node, a *types.Action) (types.Result, string) {
	drv, err := h.driverFor(n)
	if err != nil {
		h.setStatus(n, types.NodeError, err.Error())
		return types.ResultError, err.Error()
	}

	if err := drv.Check(ctx, n); err != nil {
		h.setStatus(n, types.NodeError, err.Error())
		return types.ResultOK, fmt.Sprintf("node check found the node unhealthy: %v", err)
	}

	h.setStatus(n, types.NodeActive, "Check: node is healthy")
	return types.ResultOK, "Node check completed"
}

func (h *NodeHandler) doRecover(ctx context.Context, n *types.Node, a *types.Action) (types.Result, string) {
	params := types.RecoverParams{}
	if a.Inputs.Recover != nil {
		params = *a.Inputs.Recover
	}

	h.setStatus(n, types.NodeRecovering, "Recovery in progress")

	drv, err := h.driverFor(n)
	if err != nil {
		h.setStatus(n, types.NodeError, err.Error())
		return types.ResultError, err.Error()
	}
	physicalID, err := drv.Recover(ctx, n, params)
	if err != nil {
		h.setStatus(n, types.NodeError, err.Error())
		return types.ResultError, fmt.Sprintf("node recovery failed: %v", err)
	}
	if physicalID != "" {
		n.PhysicalID = physicalID
	}

	h.setStatus(n, types.NodeActive, "Recovery succeeded")
	return types.ResultOK, "Node recovered successfully"
}

func (h *NodeHandler) doOperation(ctx context.Context, n *types.Node, a *types.Action) (types.Result, string) {
	op := a.Inputs.Operation
	if op == "" {
		return types.ResultError, "no operation specified"
	}

	drv, err := h.driverFor(n)
	if err != nil {
		return types.ResultError, err.Error()
	}
	if err := drv.Operation(ctx, n, op, a.Inputs.Params); err != nil {
		return types.ResultError, fmt.Sprintf("operation '%s' failed: %v", op, err)
	}
	return types.ResultOK, fmt.Sprintf("Operation '%s' completed", op)
}
