package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/corralhq/corral/pkg/action"
	"github.com/corralhq/corral/pkg/clock"
	"github.com/corralhq/corral/pkg/config"
	"github.com/corralhq/corral/pkg/lock"
	"github.com/corralhq/corral/pkg/log"
	"github.com/corralhq/corral/pkg/policy"
	"github.com/corralhq/corral/pkg/storage"
	"github.com/corralhq/corral/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ClusterHandler executes CLUSTER_* actions. Every run brackets the verb
// logic with the cluster-scope lock and the BEFORE/AFTER policy pipeline;
// per-node work is fanned out as derived NODE_* actions the parent waits
// on.
type ClusterHandler struct {
	store    storage.Store
	actions  *action.Manager
	locks    *lock.Manager
	policy   *policy.Engine
	clock    clock.Clock
	cfg      *config.Config
	engineID string
	logger   zerolog.Logger
}

// NewClusterHandler creates the handler for cluster-scope actions
func NewClusterHandler(store storage.Store, actions *action.Manager, locks *lock.Manager,
	pe *policy.Engine, clk clock.Clock, cfg *config.Config, engineID string) *ClusterHandler {
	return &ClusterHandler{
		store:    store,
		actions:  actions,
		locks:    locks,
		policy:   pe,
		clock:    clk,
		cfg:      cfg,
		engineID: engineID,
		logger:   log.WithComponent("cluster-handler"),
	}
}

// Execute implements Handler
func (h *ClusterHandler) Execute(ctx context.Context, a *types.Action) (types.Result, string) {
	cluster, err := h.store.GetCluster(a.Target)
	if err != nil {
		return types.ResultError, err.Error()
	}

	// deletion must win over whatever currently holds the cluster
	forced := a.Verb == types.ClusterDeleteAction
	if !h.locks.AcquireCluster(ctx, cluster.ID, a.ID, h.engineID, types.ClusterScope, forced) {
		return types.ResultRetry, fmt.Sprintf("cluster '%s' is locked by another action", cluster.ID)
	}
	defer h.locks.ReleaseCluster(cluster.ID, a.ID, types.ClusterScope)

	if err := h.policy.Check(ctx, cluster.ID, policy.Before, a); err != nil {
		return types.ResultError, err.Error()
	}
	if a.Data.Status == types.CheckError {
		return types.ResultError, fmt.Sprintf("policy check failure: %s", a.Data.Reason)
	}

	res, reason := h.dispatch(ctx, cluster, a)

	if err := h.policy.Check(ctx, cluster.ID, policy.After, a); err != nil {
		h.logger.Error().Err(err).Str("cluster_id", cluster.ID).Msg("post-action policy check failed")
	}
	return res, reason
}

func (h *ClusterHandler) dispatch(ctx context.Context, c *types.Cluster, a *types.Action) (types.Result, string) {
	switch a.Verb {
	case types.ClusterCreateAction:
		return h.doCreate(ctx, c, a)
	case types.ClusterDeleteAction:
		return h.doDelete(ctx, c, a)
	case types.ClusterUpdateAction:
		return h.doUpdate(ctx, c, a)
	case types.ClusterResizeAction:
		return h.doResize(ctx, c, a)
	case types.ClusterScaleOutAction:
		return h.doScaleOut(ctx, c, a)
	case types.ClusterScaleInAction:
		return h.doScaleIn(ctx, c, a)
	case types.ClusterAddNodesAction:
		return h.doAddNodes(ctx, c, a)
	case types.ClusterDelNodesAction:
		return h.doDelNodes(ctx, c, a)
	case types.ClusterReplaceNodesAction:
		return h.doReplaceNodes(ctx, c, a)
	case types.ClusterCheckAction:
		return h.doCheck(ctx, c, a)
	case types.ClusterRecoverAction:
		return h.doRecover(ctx, c, a)
	case types.ClusterOperationAction:
		return h.doOperation(ctx, c, a)
	case types.ClusterAttachPolicyAction:
		return h.doAttachPolicy(c, a)
	case types.ClusterDetachPolicyAction:
		return h.doDetachPolicy(c, a)
	case types.ClusterUpdatePolicyAction:
		return h.doUpdatePolicy(c, a)
	default:
		return types.ResultError, fmt.Sprintf("unsupported cluster action '%s'", a.Verb)
	}
}

// setStatus writes a cluster status transition
func (h *ClusterHandler) setStatus(c *types.Cluster, status types.ClusterStatus, reason string) {
	c.Status = status
	c.StatusReason = reason
	c.UpdatedAt = h.clock.Now()
	if err := h.store.UpdateCluster(c); err != nil {
		h.logger.Error().Err(err).Str("cluster_id", c.ID).Msg("cluster status write failed")
	}
}

// failStatus records a failed action on the cluster: cancellations leave a
// warning, everything else is an error
func (h *ClusterHandler) failStatus(c *types.Cluster, res types.Result, reason string) {
	if res == types.ResultCancel {
		h.setStatus(c, types.ClusterWarning, reason)
		return
	}
	h.setStatus(c, types.ClusterError, reason)
}

// evalStatus reconciles the cluster's status and member list from the
// ground truth of its node rows
func (h *ClusterHandler) evalStatus(c *types.Cluster, verb types.Verb) {
	evalClusterStatus(h.store, h.clock, h.logger, c, verb)
}

// evalClusterStatus is shared with the node handler, which reconciles the
// owning cluster after membership-changing RPC actions.
func evalClusterStatus(st storage.Store, clk clock.Clock, logger zerolog.Logger, c *types.Cluster, verb types.Verb) {
	nodes, err := st.ListNodesByCluster(c.ID)
	if err != nil {
		logger.Error().Err(err).Str("cluster_id", c.ID).Msg("failed to list cluster nodes")
		return
	}

	ids := make([]string, 0, len(nodes))
	active := 0
	for _, n := range nodes {
		ids = append(ids, n.ID)
		if n.Status == types.NodeActive {
			active++
		}
	}
	c.Nodes = ids

	switch {
	case active == len(nodes) && active == c.DesiredCapacity:
		c.Status = types.ClusterActive
		c.StatusReason = fmt.Sprintf("%s completed", verb)
	case active == c.DesiredCapacity:
		c.Status = types.ClusterWarning
		c.StatusReason = fmt.Sprintf("%d of %d nodes active after %s", active, len(nodes), verb)
	default:
		c.Status = types.ClusterWarning
		c.StatusReason = fmt.Sprintf("active node count (%d) does not match desired capacity (%d)",
			active, c.DesiredCapacity)
	}
	c.UpdatedAt = clk.Now()
	if err := st.UpdateCluster(c); err != nil {
		logger.Error().Err(err).Str("cluster_id", c.ID).Msg("cluster status write failed")
	}
}

// createNodes fans out count derived NODE_CREATE actions and blocks until
// they all finish. Created node ids are appended to the action outputs on
// success.
func (h *ClusterHandler) createNodes(ctx context.Context, c *types.Cluster, a *types.Action, count int) (types.Result, string) {
	if count <= 0 {
		return types.ResultOK, ""
	}

	now := h.clock.Now()
	created := make([]string, 0, count)
	children := make([]string, 0, count)
	for i := 0; i < count; i++ {
		index, err := h.store.NextIndex(c.ID)
		if err != nil {
			return types.ResultError, err.Error()
		}
		n := &types.Node{
			ID:           uuid.New().String(),
			Name:         nodeName(c, index),
			ClusterID:    c.ID,
			Index:        index,
			ProfileID:    c.ProfileID,
			Status:       types.NodeInit,
			StatusReason: "Initializing",
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := h.store.CreateNode(n); err != nil {
			return types.ResultError, err.Error()
		}
		childID, err := h.actions.Create(ctx, n.ID, types.NodeCreateAction, action.CreateOptions{
			Cause:   types.CauseDerived,
			Timeout: a.Timeout,
		})
		if err != nil {
			return types.ResultError, err.Error()
		}
		created = append(created, n.ID)
		children = append(children, childID)
	}
	if err := h.store.AddDependency(children, a.ID); err != nil {
		return types.ResultError, err.Error()
	}

	res, reason := h.actions.WaitForDependents(ctx, a)
	if res == types.ResultOK {
		a.Outputs.NodesAdded = append(a.Outputs.NodesAdded, created...)
	}
	return res, reason
}

// deleteNodes removes the candidate nodes through derived actions, in
// waves when a batch size applies. The deletion grace period is honored
// once, before the first wave; a failed wave stops the remaining ones.
func (h *ClusterHandler) deleteNodes(ctx context.Context, c *types.Cluster, a *types.Action, candidates []string) (types.Result, string) {
	if len(candidates) == 0 {
		return types.ResultOK, ""
	}

	var grace, batch, pause int
	if del := a.Data.Deletion; del != nil {
		grace = del.GracePeriod
		batch = del.BatchSize
		pause = del.PauseTime
	}
	if batch <= 0 {
		batch = h.cfg.MaxActionsPerBatch
	}
	if pause <= 0 {
		pause = h.cfg.BatchInterval
	}

	verb := types.NodeDeleteAction
	if !a.Data.Deletion.Destroy() {
		verb = types.NodeLeaveAction
	}

	if grace > 0 {
		if err := h.clock.Sleep(ctx, time.Duration(grace)*time.Second); err != nil {
			return types.ResultCancel, "deletion grace period interrupted"
		}
	}

	removed := make([]string, 0, len(candidates))
	for start := 0; start < len(candidates); {
		end := len(candidates)
		if batch > 0 && start+batch < end {
			end = start + batch
		}
		wave := candidates[start:end]

		children := make([]string, 0, len(wave))
		for _, nodeID := range wave {
			childID, err := h.actions.Create(ctx, nodeID, verb, action.CreateOptions{
				Cause:   types.CauseDerived,
				Timeout: a.Timeout,
			})
			if err != nil {
				return types.ResultError, err.Error()
			}
			children = append(children, childID)
		}
		if err := h.store.AddDependency(children, a.ID); err != nil {
			return types.ResultError, err.Error()
		}

		res, reason := h.actions.WaitForDependents(ctx, a)
		if res != types.ResultOK {
			return res, reason
		}
		removed = append(removed, wave...)

		start = end
		if start < len(candidates) && pause > 0 {
			if err := h.clock.Sleep(ctx, time.Duration(pause)*time.Second); err != nil {
				return types.ResultCancel, "batch pause interrupted"
			}
		}
	}

	a.Outputs.NodesRemoved = append(a.Outputs.NodesRemoved, removed...)
	return types.ResultOK, ""
}

// updateNodes pushes a new profile to the members, following the update
// policy's batch plan when one was written
func (h *ClusterHandler) updateNodes(ctx context.Context, c *types.Cluster, a *types.Action,
	newProfileID string, members []*types.Node) (types.Result, string) {

	var plan [][]string
	var pause int
	if a.Data.Update != nil && len(a.Data.Update.Plan) > 0 {
		plan = a.Data.Update.Plan
		pause = a.Data.Update.PauseTime
	} else {
		ids := make([]string, 0, len(members))
		for _, n := range members {
			ids = append(ids, n.ID)
		}
		plan = [][]string{ids}
	}

	updated := make([]string, 0, len(members))
	for i, wave := range plan {
		children := make([]string, 0, len(wave))
		for _, nodeID := range wave {
			childID, err := h.actions.Create(ctx, nodeID, types.NodeUpdateAction, action.CreateOptions{
				Cause:   types.CauseDerived,
				Timeout: a.Timeout,
				Inputs:  types.ActionInputs{NewProfileID: newProfileID},
			})
			if err != nil {
				return types.ResultError, err.Error()
			}
			children = append(children, childID)
		}
		if err := h.store.AddDependency(children, a.ID); err != nil {
			return types.ResultError, err.Error()
		}

		res, reason := h.actions.WaitForDependents(ctx, a)
		if res != types.ResultOK {
			return res, reason
		}
		updated = append(updated, wave...)

		if i < len(plan)-1 && pause > 0 {
			if err := h.clock.Sleep(ctx, time.Duration(pause)*time.Second); err != nil {
				return types.ResultCancel, "update pause interrupted"
			}
		}
	}

	a.Outputs.NodesUpdated = append(a.Outputs.NodesUpdated, updated...)
	return types.ResultOK, ""
}

// selectVictims picks count nodes for removal: policy-named candidates
// first, otherwise the newest members so the oldest survive
func (h *ClusterHandler) selectVictims(c *types.Cluster, a *types.Action, count int) []string {
	if a.Data.Deletion != nil && len(a.Data.Deletion.Candidates) > 0 {
		cands := a.Data.Deletion.Candidates
		if len(cands) > count {
			cands = cands[:count]
		}
		return cands
	}

	nodes, err := h.store.ListNodesByCluster(c.ID)
	if err != nil {
		h.logger.Error().Err(err).Str("cluster_id", c.ID).Msg("failed to list victim candidates")
		return nil
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Index > nodes[j].Index })

	ids := make([]string, 0, count)
	for i := 0; i < count && i < len(nodes); i++ {
		ids = append(ids, nodes[i].ID)
	}
	return ids
}

func (h *ClusterHandler) doCreate(ctx context.Context, c *types.Cluster, a *types.Action) (types.Result, string) {
	h.setStatus(c, types.ClusterCreating, "Cluster creation in progress")

	res, reason := h.createNodes(ctx, c, a, c.DesiredCapacity)
	switch res {
	case types.ResultOK:
		c.CreatedAt = h.clock.Now()
		h.evalStatus(c, a.Verb)
		return types.ResultOK, "Cluster creation succeeded"
	case types.ResultTimeout:
		h.setStatus(c, types.ClusterError, "Cluster creation timeout")
		return res, "Cluster creation timeout"
	default:
		h.failStatus(c, res, reason)
		return res, reason
	}
}

func (h *ClusterHandler) doDelete(ctx context.Context, c *types.Cluster, a *types.Action) (types.Result, string) {
	h.setStatus(c, types.ClusterDeleting, "Cluster deletion in progress")

	nodes, err := h.store.ListNodesByCluster(c.ID)
	if err != nil {
		return types.ResultError, err.Error()
	}
	candidates := make([]string, 0, len(nodes))
	for _, n := range nodes {
		candidates = append(candidates, n.ID)
	}

	// cluster deletion always destroys the members
	if a.Data.Deletion == nil {
		a.Data.Deletion = &types.DeletionData{}
	}
	a.Data.Deletion.DestroyAfterDeletion = nil

	res, reason := h.deleteNodes(ctx, c, a, candidates)
	if res != types.ResultOK {
		h.failStatus(c, res, reason)
		return res, reason
	}

	remaining, err := h.store.CountByCluster(c.ID)
	if err != nil {
		return types.ResultError, err.Error()
	}
	if remaining > 0 {
		reason := fmt.Sprintf("%d nodes could not be deleted", remaining)
		h.setStatus(c, types.ClusterError, reason)
		return types.ResultError, reason
	}

	h.setStatus(c, types.ClusterDeleted, "Cluster deletion succeeded")
	if err := h.store.DeleteCluster(c.ID); err != nil {
		return types.ResultError, err.Error()
	}
	return types.ResultOK, "Cluster deletion succeeded"
}

func (h *ClusterHandler) doUpdate(ctx context.Context, c *types.Cluster, a *types.Action) (types.Result, string) {
	h.setStatus(c, types.ClusterUpdating, "Cluster update in progress")

	if a.Inputs.Name != "" {
		c.Name = a.Inputs.Name
	}
	if a.Inputs.Metadata != nil {
		c.Metadata = a.Inputs.Metadata
	}
	if a.Inputs.Timeout > 0 {
		c.Timeout = a.Inputs.Timeout
	}

	newProfile := a.Inputs.ProfileID
	if newProfile == "" || newProfile == c.ProfileID || a.Inputs.ProfileOnly {
		if newProfile != "" {
			c.ProfileID = newProfile
		}
		h.evalStatus(c, a.Verb)
		return types.ResultOK, "Cluster update succeeded"
	}

	members, err := h.store.ListNodesByCluster(c.ID)
	if err != nil {
		return types.ResultError, err.Error()
	}
	// an empty cluster updates its profile without deriving anything
	if len(members) > 0 {
		res, reason := h.updateNodes(ctx, c, a, newProfile, members)
		if res != types.ResultOK {
			h.failStatus(c, res, reason)
			return res, reason
		}
	}

	c.ProfileID = newProfile
	h.evalStatus(c, a.Verb)
	return types.ResultOK, "Cluster update succeeded"
}

func (h *ClusterHandler) doResize(ctx context.Context, c *types.Cluster, a *types.Action) (types.Result, string) {
	current, err := h.store.CountByCluster(c.ID)
	if err != nil {
		return types.ResultError, err.Error()
	}

	// a scaling policy may already have translated the request
	var desired int
	switch {
	case a.Data.Creation != nil && a.Data.Creation.Count > 0:
		desired = current + a.Data.Creation.Count
	case a.Data.Deletion != nil && a.Data.Deletion.Count > 0:
		desired = current - a.Data.Deletion.Count
	default:
		desired, err = ParseResize(a.Inputs, current)
		if err != nil {
			return types.ResultError, err.Error()
		}
	}

	minSize, maxSize := a.Inputs.MinSize, a.Inputs.MaxSize
	if err := CheckSize(c, desired, minSize, maxSize, h.cfg); err != nil {
		if a.Inputs.Strict {
			return types.ResultError, err.Error()
		}
		desired = Truncate(c, desired, minSize, maxSize)
	}
	if minSize != nil {
		c.MinSize = *minSize
	}
	if maxSize != nil {
		c.MaxSize = *maxSize
	}

	h.setStatus(c, types.ClusterResizing, "Cluster resize in progress")

	res := types.ResultOK
	reason := ""
	switch {
	case desired > current:
		res, reason = h.createNodes(ctx, c, a, desired-current)
	case desired < current:
		res, reason = h.deleteNodes(ctx, c, a, h.selectVictims(c, a, current-desired))
	}
	if res != types.ResultOK {
		h.failStatus(c, res, reason)
		return res, reason
	}

	c.DesiredCapacity = desired
	h.evalStatus(c, a.Verb)
	return types.ResultOK, "Cluster resize succeeded"
}

func (h *ClusterHandler) doScaleOut(ctx context.Context, c *types.Cluster, a *types.Action) (types.Result, string) {
	count := a.Inputs.Count
	if a.Data.Creation != nil && a.Data.Creation.Count > 0 {
		count = a.Data.Creation.Count
	}
	if count <= 0 {
		count = 1
	}

	current, err := h.store.CountByCluster(c.ID)
	if err != nil {
		return types.ResultError, err.Error()
	}
	desired := current + count

	if err := CheckSize(c, desired, nil, nil, h.cfg); err != nil {
		if !a.Inputs.BestEffort {
			return types.ResultError, err.Error()
		}
		desired = Truncate(c, desired, nil, nil)
		count = desired - current
		if count <= 0 {
			return types.ResultError, err.Error()
		}
	}

	h.setStatus(c, types.ClusterResizing, "Cluster scale-out in progress")

	res, reason := h.createNodes(ctx, c, a, count)
	if res != types.ResultOK {
		h.failStatus(c, res, reason)
		return res, reason
	}

	c.DesiredCapacity = current + count
	h.evalStatus(c, a.Verb)
	return types.ResultOK, "Cluster scaling succeeded"
}

func (h *ClusterHandler) doScaleIn(ctx context.Context, c *types.Cluster, a *types.Action) (types.Result, string) {
	count := a.Inputs.Count
	if a.Data.Deletion != nil && a.Data.Deletion.Count > 0 {
		count = a.Data.Deletion.Count
	}
	if count <= 0 {
		count = 1
	}

	current, err := h.store.CountByCluster(c.ID)
	if err != nil {
		return types.ResultError, err.Error()
	}
	desired := current - count

	if err := CheckSize(c, desired, nil, nil, h.cfg); err != nil {
		if !a.Inputs.BestEffort {
			return types.ResultError, err.Error()
		}
		desired = Truncate(c, desired, nil, nil)
		count = current - desired
		if count <= 0 {
			return types.ResultError, err.Error()
		}
	}

	victims := h.selectVictims(c, a, count)
	h.setStatus(c, types.ClusterResizing, "Cluster scale-in in progress")

	res, reason := h.deleteNodes(ctx, c, a, victims)
	if res != types.ResultOK {
		h.failStatus(c, res, reason)
		return res, reason
	}

	// a policy may have named fewer candidates than the requested count;
	// only the nodes actually removed leave the desired capacity
	c.DesiredCapacity = current - len(victims)
	h.evalStatus(c, a.Verb)
	return types.ResultOK, "Cluster scaling succeeded"
}

func (h *ClusterHandler) doAddNodes(ctx context.Context, c *types.Cluster, a *types.Action) (types.Result, string) {
	candidates := a.Inputs.Candidates
	if len(candidates) == 0 {
		return types.ResultError, "no nodes specified"
	}

	for _, id := range candidates {
		n, err := h.store.GetNode(id)
		if err != nil {
			return types.ResultError, err.Error()
		}
		if n.ClusterID != "" {
			return types.ResultError, fmt.Sprintf("node '%s' is already owned by cluster '%s'", id, n.ClusterID)
		}
		if n.Status != types.NodeActive {
			return types.ResultError, fmt.Sprintf("node '%s' is not in ACTIVE status", id)
		}
	}

	current, err := h.store.CountByCluster(c.ID)
	if err != nil {
		return types.ResultError, err.Error()
	}
	if err := CheckSize(c, current+len(candidates), nil, nil, h.cfg); err != nil {
		return types.ResultError, err.Error()
	}

	h.setStatus(c, types.ClusterResizing, "Adding nodes to cluster")

	children := make([]string, 0, len(candidates))
	for _, id := range candidates {
		childID, err := h.actions.Create(ctx, id, types.NodeJoinAction, action.CreateOptions{
			Cause:   types.CauseDerived,
			Timeout: a.Timeout,
			Inputs:  types.ActionInputs{ClusterID: c.ID},
		})
		if err != nil {
			return types.ResultError, err.Error()
		}
		children = append(children, childID)
	}
	if err := h.store.AddDependency(children, a.ID); err != nil {
		return types.ResultError, err.Error()
	}

	res, reason := h.actions.WaitForDependents(ctx, a)
	if res != types.ResultOK {
		h.failStatus(c, res, reason)
		return res, reason
	}

	c.DesiredCapacity = current + len(candidates)
	a.Outputs.NodesAdded = append(a.Outputs.NodesAdded, candidates...)
	h.evalStatus(c, a.Verb)
	return types.ResultOK, "Completed adding nodes"
}

func (h *ClusterHandler) doDelNodes(ctx context.Context, c *types.Cluster, a *types.Action) (types.Result, string) {
	candidates := a.Inputs.Candidates
	if a.Data.Deletion != nil && len(a.Data.Deletion.Candidates) > 0 {
		candidates = a.Data.Deletion.Candidates
	}
	if len(candidates) == 0 {
		return types.ResultError, "no nodes specified"
	}

	for _, id := range candidates {
		n, err := h.store.GetNode(id)
		if err != nil {
			return types.ResultError, err.Error()
		}
		if n.ClusterID != c.ID {
			return types.ResultError, fmt.Sprintf("node '%s' is not a member of cluster '%s'", id, c.ID)
		}
	}

	// the request's destroy preference applies unless a policy decided
	if a.Data.Deletion == nil {
		a.Data.Deletion = &types.DeletionData{}
	}
	if a.Data.Deletion.DestroyAfterDeletion == nil {
		a.Data.Deletion.DestroyAfterDeletion = a.Inputs.DestroyAfterDeletion
	}

	current, err := h.store.CountByCluster(c.ID)
	if err != nil {
		return types.ResultError, err.Error()
	}

	h.setStatus(c, types.ClusterResizing, "Deleting nodes from cluster")

	res, reason := h.deleteNodes(ctx, c, a, candidates)
	if res != types.ResultOK {
		h.failStatus(c, res, reason)
		return res, reason
	}

	if a.Data.Deletion.ReduceDesired() {
		c.DesiredCapacity = current - len(candidates)
		if c.DesiredCapacity < 0 {
			c.DesiredCapacity = 0
		}
	}
	h.evalStatus(c, a.Verb)
	return types.ResultOK, "Completed deleting nodes"
}

func (h *ClusterHandler) doReplaceNodes(ctx context.Context, c *types.Cluster, a *types.Action) (types.Result, string) {
	if len(a.Inputs.Replace) == 0 {
		return types.ResultError, "no replacement pairs specified"
	}

	for oldID, newID := range a.Inputs.Replace {
		oldNode, err := h.store.GetNode(oldID)
		if err != nil {
			return types.ResultError, err.Error()
		}
		if oldNode.ClusterID != c.ID {
			return types.ResultError, fmt.Sprintf("node '%s' is not a member of cluster '%s'", oldID, c.ID)
		}
		newNode, err := h.store.GetNode(newID)
		if err != nil {
			return types.ResultError, err.Error()
		}
		if newNode.ClusterID != "" {
			return types.ResultError, fmt.Sprintf("node '%s' is already owned by cluster '%s'", newID, newNode.ClusterID)
		}
		if newNode.Status != types.NodeActive {
			return types.ResultError, fmt.Sprintf("node '%s' is not in ACTIVE status", newID)
		}
	}

	h.setStatus(c, types.ClusterUpdating, "Replacing cluster nodes")

	olds := make([]string, 0, len(a.Inputs.Replace))
	news := make([]string, 0, len(a.Inputs.Replace))
	children := make([]string, 0, 2*len(a.Inputs.Replace))
	for oldID, newID := range a.Inputs.Replace {
		leaveID, err := h.actions.Create(ctx, oldID, types.NodeLeaveAction, action.CreateOptions{
			Cause:   types.CauseDerived,
			Timeout: a.Timeout,
		})
		if err != nil {
			return types.ResultError, err.Error()
		}
		// the join runs only once its departing counterpart succeeded
		joinID, err := h.actions.Create(ctx, newID, types.NodeJoinAction, action.CreateOptions{
			Cause:     types.CauseDerived,
			Timeout:   a.Timeout,
			Inputs:    types.ActionInputs{ClusterID: c.ID},
			DependsOn: []string{leaveID},
		})
		if err != nil {
			return types.ResultError, err.Error()
		}
		children = append(children, leaveID, joinID)
		olds = append(olds, oldID)
		news = append(news, newID)
	}
	if err := h.store.AddDependency(children, a.ID); err != nil {
		return types.ResultError, err.Error()
	}

	res, reason := h.actions.WaitForDependents(ctx, a)
	if res != types.ResultOK {
		h.failStatus(c, res, reason)
		return res, reason
	}

	a.Outputs.NodesRemoved = append(a.Outputs.NodesRemoved, olds...)
	a.Outputs.NodesAdded = append(a.Outputs.NodesAdded, news...)
	h.evalStatus(c, a.Verb)
	return types.ResultOK, "Completed replacing nodes"
}

func (h *ClusterHandler) doCheck(ctx context.Context, c *types.Cluster, a *types.Action) (types.Result, string) {
	nodes, err := h.store.ListNodesByCluster(c.ID)
	if err != nil {
		return types.ResultError, err.Error()
	}
	if len(nodes) == 0 {
		h.evalStatus(c, a.Verb)
		return types.ResultOK, "Cluster checking completed"
	}

	children := make([]string, 0, len(nodes))
	for _, n := range nodes {
		childID, err := h.actions.Create(ctx, n.ID, types.NodeCheckAction, action.CreateOptions{
			Cause:   types.CauseDerived,
			Timeout: a.Timeout,
		})
		if err != nil {
			return types.ResultError, err.Error()
		}
		children = append(children, childID)
	}
	if err := h.store.AddDependency(children, a.ID); err != nil {
		return types.ResultError, err.Error()
	}

	res, reason := h.actions.WaitForDependents(ctx, a)
	if res != types.ResultOK {
		h.failStatus(c, res, reason)
		return res, reason
	}

	h.evalStatus(c, a.Verb)
	return types.ResultOK, "Cluster checking completed"
}

func (h *ClusterHandler) doRecover(ctx context.Context, c *types.Cluster, a *types.Action) (types.Result, string) {
	nodes, err := h.store.ListNodesByCluster(c.ID)
	if err != nil {
		return types.ResultError, err.Error()
	}

	var params *types.RecoverParams
	if a.Data.Health != nil && a.Data.Health.RecoverAction != nil {
		params = a.Data.Health.RecoverAction
	} else if a.Inputs.Recover != nil {
		params = a.Inputs.Recover
	}

	children := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if n.Status == types.NodeActive {
			continue
		}
		childID, err := h.actions.Create(ctx, n.ID, types.NodeRecoverAction, action.CreateOptions{
			Cause:   types.CauseDerived,
			Timeout: a.Timeout,
			Inputs:  types.ActionInputs{Recover: params},
		})
		if err != nil {
			return types.ResultError, err.Error()
		}
		children = append(children, childID)
	}
	if len(children) == 0 {
		h.evalStatus(c, a.Verb)
		return types.ResultOK, "Cluster recovery: no nodes to recover"
	}
	if err := h.store.AddDependency(children, a.ID); err != nil {
		return types.ResultError, err.Error()
	}

	res, reason := h.actions.WaitForDependents(ctx, a)
	if res != types.ResultOK {
		h.failStatus(c, res, reason)
		return res, reason
	}

	h.evalStatus(c, a.Verb)
	return types.ResultOK, "Cluster recovery succeeded"
}

func (h *ClusterHandler) doOperation(ctx context.Context, c *types.Cluster, a *types.Action) (types.Result, string) {
	op := a.Inputs.Operation
	if op == "" {
		return types.ResultError, "no operation specified"
	}

	targets := a.Inputs.Nodes
	if len(targets) == 0 {
		nodes, err := h.store.ListNodesByCluster(c.ID)
		if err != nil {
			return types.ResultError, err.Error()
		}
		for _, n := range nodes {
			targets = append(targets, n.ID)
		}
	} else {
		for _, id := range targets {
			n, err := h.store.GetNode(id)
			if err != nil {
				return types.ResultError, err.Error()
			}
			if n.ClusterID != c.ID {
				return types.ResultError, fmt.Sprintf("node '%s' is not a member of cluster '%s'", id, c.ID)
			}
		}
	}
	if len(targets) == 0 {
		return types.ResultOK, fmt.Sprintf("Cluster operation '%s' completed", op)
	}

	children := make([]string, 0, len(targets))
	for _, id := range targets {
		childID, err := h.actions.Create(ctx, id, types.NodeOperationAction, action.CreateOptions{
			Cause:   types.CauseDerived,
			Timeout: a.Timeout,
			Inputs:  types.ActionInputs{Operation: op, Params: a.Inputs.Params},
		})
		if err != nil {
			return types.ResultError, err.Error()
		}
		children = append(children, childID)
	}
	if err := h.store.AddDependency(children, a.ID); err != nil {
		return types.ResultError, err.Error()
	}

	res, reason := h.actions.WaitForDependents(ctx, a)
	if res != types.ResultOK {
		h.failStatus(c, res, reason)
		return res, reason
	}

	h.evalStatus(c, a.Verb)
	return types.ResultOK, fmt.Sprintf("Cluster operation '%s' completed", op)
}

func (h *ClusterHandler) doAttachPolicy(c *types.Cluster, a *types.Action) (types.Result, string) {
	if a.Inputs.PolicyID == "" {
		return types.ResultError, "no policy specified"
	}
	enabled := true
	if a.Inputs.Enabled != nil {
		enabled = *a.Inputs.Enabled
	}
	if err := h.policy.Attach(c.ID, a.Inputs.PolicyID, a.Inputs.Priority, a.Inputs.Cooldown, enabled); err != nil {
		return types.ResultError, err.Error()
	}
	return types.ResultOK, fmt.Sprintf("policy '%s' attached", a.Inputs.PolicyID)
}

func (h *ClusterHandler) doDetachPolicy(c *types.Cluster, a *types.Action) (types.Result, string) {
	if a.Inputs.PolicyID == "" {
		return types.ResultError, "no policy specified"
	}
	if err := h.policy.Detach(c.ID, a.Inputs.PolicyID); err != nil {
		return types.ResultError, err.Error()
	}
	return types.ResultOK, fmt.Sprintf("policy '%s' detached", a.Inputs.PolicyID)
}

func (h *ClusterHandler) doUpdatePolicy(c *types.Cluster, a *types.Action) (types.Result, string) {
	if a.Inputs.PolicyID == "" {
		return types.ResultError, "no policy specified"
	}
	if err := h.policy.UpdateBinding(c.ID, a.Inputs.PolicyID, a.Inputs.Enabled, nil, nil); err != nil {
		return types.ResultError, err.Error()
	}
	return types.ResultOK, fmt.Sprintf("policy '%s' updated", a.Inputs.PolicyID)
}
