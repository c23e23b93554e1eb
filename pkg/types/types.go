package types

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ClusterStatus represents the lifecycle state of a cluster
type ClusterStatus string

const (
	ClusterInit     ClusterStatus = "INIT"
	ClusterCreating ClusterStatus = "CREATING"
	ClusterActive   ClusterStatus = "ACTIVE"
	ClusterUpdating ClusterStatus = "UPDATING"
	ClusterResizing ClusterStatus = "RESIZING"
	ClusterDeleting ClusterStatus = "DELETING"
	ClusterDeleted  ClusterStatus = "DELETED"
	ClusterWarning  ClusterStatus = "WARNING"
	ClusterError    ClusterStatus = "ERROR"
)

// Cluster is a group of homogeneous nodes driven by lifecycle actions
type Cluster struct {
	ID              string
	Name            string
	ProfileID       string
	MinSize         int
	DesiredCapacity int
	MaxSize         int // -1 means unbounded
	Status          ClusterStatus
	StatusReason    string
	Timeout         int               // seconds; default action timeout for this cluster
	Nodes           []string          // member node IDs
	Data            map[string]string // handler/policy scratch state
	Dependents      map[string]string // external referrers
	Metadata        map[string]string
	Config          map[string]string // e.g. "node.name.format"
	InitAt          time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// NodeStatus represents the lifecycle state of a node
type NodeStatus string

const (
	NodeInit       NodeStatus = "INIT"
	NodeCreating   NodeStatus = "CREATING"
	NodeActive     NodeStatus = "ACTIVE"
	NodeUpdating   NodeStatus = "UPDATING"
	NodeError      NodeStatus = "ERROR"
	NodeRecovering NodeStatus = "RECOVERING"
	NodeDeleting   NodeStatus = "DELETING"
)

// Node is a single member of a cluster, backed by a physical resource
// created through a profile driver
type Node struct {
	ID           string
	Name         string
	ClusterID    string // empty when unattached
	Index        int    // -1 when unattached
	ProfileID    string
	PhysicalID   string // driver handle; empty before the resource exists
	Status       NodeStatus
	StatusReason string
	Role         string
	Data         map[string]string // driver-written state incl. placement hints
	Metadata     map[string]string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ActionStatus represents the state of an action in its FSM
type ActionStatus string

const (
	ActionInit      ActionStatus = "INIT"
	ActionWaiting   ActionStatus = "WAITING"
	ActionReady     ActionStatus = "READY"
	ActionRunning   ActionStatus = "RUNNING"
	ActionSuspended ActionStatus = "SUSPENDED"
	ActionSucceeded ActionStatus = "SUCCEEDED"
	ActionFailed    ActionStatus = "FAILED"
	ActionCancelled ActionStatus = "CANCELLED"
)

// Terminal reports whether the status is final
func (s ActionStatus) Terminal() bool {
	return s == ActionSucceeded || s == ActionFailed || s == ActionCancelled
}

// Result is the code a handler returns to describe how execution ended
type Result string

const (
	ResultOK                Result = "OK"
	ResultError             Result = "ERROR"
	ResultRetry             Result = "RETRY"
	ResultCancel            Result = "CANCEL"
	ResultTimeout           Result = "TIMEOUT"
	ResultLifecycleComplete Result = "LIFECYCLE_COMPLETE"
)

// Signal is an externally injected command on a live action
type Signal string

const (
	SignalNone    Signal = ""
	SignalCancel  Signal = "CANCEL"
	SignalSuspend Signal = "SUSPEND"
	SignalResume  Signal = "RESUME"
)

// Cause records how an action came to exist
type Cause string

const (
	CauseRPC     Cause = "RPC_Request"
	CauseDerived Cause = "Derived_Action"
)

// Verb is the operation an action performs. The set is closed; it is the
// public RPC surface.
type Verb string

const (
	ClusterCreateAction       Verb = "CLUSTER_CREATE"
	ClusterDeleteAction       Verb = "CLUSTER_DELETE"
	ClusterUpdateAction       Verb = "CLUSTER_UPDATE"
	ClusterResizeAction       Verb = "CLUSTER_RESIZE"
	ClusterScaleOutAction     Verb = "CLUSTER_SCALE_OUT"
	ClusterScaleInAction      Verb = "CLUSTER_SCALE_IN"
	ClusterAddNodesAction     Verb = "CLUSTER_ADD_NODES"
	ClusterDelNodesAction     Verb = "CLUSTER_DEL_NODES"
	ClusterReplaceNodesAction Verb = "CLUSTER_REPLACE_NODES"
	ClusterCheckAction        Verb = "CLUSTER_CHECK"
	ClusterRecoverAction      Verb = "CLUSTER_RECOVER"
	ClusterOperationAction    Verb = "CLUSTER_OPERATION"
	ClusterAttachPolicyAction Verb = "CLUSTER_ATTACH_POLICY"
	ClusterDetachPolicyAction Verb = "CLUSTER_DETACH_POLICY"
	ClusterUpdatePolicyAction Verb = "CLUSTER_UPDATE_POLICY"
	NodeCreateAction          Verb = "NODE_CREATE"
	NodeDeleteAction          Verb = "NODE_DELETE"
	NodeUpdateAction          Verb = "NODE_UPDATE"
	NodeJoinAction            Verb = "NODE_JOIN"
	NodeLeaveAction           Verb = "NODE_LEAVE"
	NodeCheckAction           Verb = "NODE_CHECK"
	NodeRecoverAction         Verb = "NODE_RECOVER"
	NodeOperationAction       Verb = "NODE_OPERATION"
)

// IsClusterVerb reports whether v targets a cluster
func (v Verb) IsClusterVerb() bool {
	return strings.HasPrefix(string(v), "CLUSTER_")
}

// IsNodeVerb reports whether v targets a node
func (v Verb) IsNodeVerb() bool {
	return strings.HasPrefix(string(v), "NODE_")
}

// AdjustmentType selects how a resize request is interpreted
type AdjustmentType string

const (
	ExactCapacity      AdjustmentType = "EXACT_CAPACITY"
	ChangeInCapacity   AdjustmentType = "CHANGE_IN_CAPACITY"
	ChangeInPercentage AdjustmentType = "CHANGE_IN_PERCENTAGE"
)

// CheckStatus is the policy pipeline verdict written into action data
type CheckStatus string

const (
	CheckOK    CheckStatus = "CHECK_OK"
	CheckError CheckStatus = "CHECK_ERROR"
)

// RecoverParams carries node recovery instructions for the profile driver
type RecoverParams struct {
	Operation     string            `json:"operation,omitempty"`
	Params        map[string]string `json:"params,omitempty"`
	ForceRecreate bool              `json:"force_recreate,omitempty"`
	DeleteTimeout int               `json:"delete_timeout,omitempty"`
}

// CreationData is written by scaling/placement policies to direct node creation
type CreationData struct {
	Count   int            `json:"count,omitempty"`
	Nodes   []string       `json:"nodes,omitempty"`
	Zones   map[string]int `json:"zones,omitempty"`
	Regions map[string]int `json:"regions,omitempty"`
}

// DeletionData is written by scaling/deletion policies to direct node removal
type DeletionData struct {
	Count                 int      `json:"count,omitempty"`
	Candidates            []string `json:"candidates,omitempty"`
	GracePeriod           int      `json:"grace_period,omitempty"` // seconds
	DestroyAfterDeletion  *bool    `json:"destroy_after_deletion,omitempty"`
	ReduceDesiredCapacity *bool    `json:"reduce_desired_capacity,omitempty"`
	BatchSize             int      `json:"batch_size,omitempty"`
	PauseTime             int      `json:"pause_time,omitempty"` // seconds between batches
}

// Destroy reports whether removed nodes should be destroyed (default true)
func (d *DeletionData) Destroy() bool {
	if d == nil || d.DestroyAfterDeletion == nil {
		return true
	}
	return *d.DestroyAfterDeletion
}

// ReduceDesired reports whether desired_capacity follows the removal (default true)
func (d *DeletionData) ReduceDesired() bool {
	if d == nil || d.ReduceDesiredCapacity == nil {
		return true
	}
	return *d.ReduceDesiredCapacity
}

// UpdateData is written by update policies to plan batched node updates
type UpdateData struct {
	Plan         [][]string `json:"plan,omitempty"` // node-id batches, executed in order
	PauseTime    int        `json:"pause_time,omitempty"`
	MinInService int        `json:"min_in_service,omitempty"`
}

// HealthData is written by health policies to direct recovery
type HealthData struct {
	RecoverAction *RecoverParams `json:"recover_action,omitempty"`
	Fencing       []string       `json:"fencing,omitempty"`
}

// ActionData is the typed scratchpad shared between the policy pipeline and
// the handlers. Policies write to specific fields; handlers read them.
type ActionData struct {
	Status   CheckStatus   `json:"status,omitempty"`
	Reason   string        `json:"reason,omitempty"`
	Retries  int           `json:"retries,omitempty"`
	Creation *CreationData `json:"creation,omitempty"`
	Deletion *DeletionData `json:"deletion,omitempty"`
	Update   *UpdateData   `json:"update,omitempty"`
	Health   *HealthData   `json:"health,omitempty"`
}

// ActionInputs carries caller-supplied parameters. Only the fields relevant
// to the verb are set.
type ActionInputs struct {
	// scaling / resize
	Count          int            `json:"count,omitempty"`
	AdjustmentType AdjustmentType `json:"adjustment_type,omitempty"`
	Number         float64        `json:"number,omitempty"`
	MinStep        int            `json:"min_step,omitempty"`
	MinSize        *int           `json:"min_size,omitempty"`
	MaxSize        *int           `json:"max_size,omitempty"`
	Strict         bool           `json:"strict,omitempty"`
	BestEffort     bool           `json:"best_effort,omitempty"`

	// membership
	Candidates           []string          `json:"candidates,omitempty"` // ADD_NODES / DEL_NODES
	Replace              map[string]string `json:"replace,omitempty"`    // old id -> new id
	DestroyAfterDeletion *bool             `json:"destroy_after_deletion,omitempty"`
	ClusterID            string            `json:"cluster_id,omitempty"` // NODE_JOIN target

	// update
	Name         string            `json:"name,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Timeout      int               `json:"timeout,omitempty"` // seconds
	ProfileID    string            `json:"profile_id,omitempty"`
	ProfileOnly  bool              `json:"profile_only,omitempty"`
	NewProfileID string            `json:"new_profile_id,omitempty"` // NODE_UPDATE

	// operations / recovery
	Operation string            `json:"operation,omitempty"`
	Params    map[string]string `json:"params,omitempty"`
	Nodes     []string          `json:"nodes,omitempty"`
	Recover   *RecoverParams    `json:"recover,omitempty"`

	// policy binding ops
	PolicyID string `json:"policy_id,omitempty"`
	Priority int    `json:"priority,omitempty"`
	Cooldown int    `json:"cooldown,omitempty"` // seconds
	Enabled  *bool  `json:"enabled,omitempty"`
}

// ActionOutputs is written by handlers for the caller to read back
type ActionOutputs struct {
	NodesAdded   []string `json:"nodes_added,omitempty"`
	NodesRemoved []string `json:"nodes_removed,omitempty"`
	NodesUpdated []string `json:"nodes_updated,omitempty"`
}

// Action is a typed unit of work with a status FSM, a target, and a
// dependency relation to other actions
type Action struct {
	ID           string
	Name         string
	Verb         Verb
	Target       string // cluster or node ID
	Cause        Cause
	Owner        string // engine currently executing; empty when unclaimed
	Status       ActionStatus
	StatusReason string
	Timeout      int // seconds; 0 means the engine default applies
	Interval     int // -1 one-shot; positive reschedules after completion
	StartTime    time.Time
	EndTime      time.Time
	Inputs       ActionInputs
	Outputs      ActionOutputs
	Data         ActionData
	DependsOn    []string // this action runs after these succeed
	DependedBy   []string // these actions wait on this one
	Signal       Signal   // pending signal, consumed by the executor
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TimedOut reports whether the action has exceeded its timeout at now
func (a *Action) TimedOut(now time.Time) bool {
	if a.Timeout <= 0 || a.StartTime.IsZero() {
		return false
	}
	return now.Sub(a.StartTime) > time.Duration(a.Timeout)*time.Second
}

// LockScope is the granularity of a cluster lock
type LockScope string

const (
	// ClusterScope admits a single owner and excludes all node-scope holders
	ClusterScope LockScope = "CLUSTER_SCOPE"
	// NodeScope admits many owners but is excluded by a cluster-scope holder
	NodeScope LockScope = "NODE_SCOPE"
)

// ClusterLock is the persisted owner set for a cluster's cooperative lock
type ClusterLock struct {
	ClusterID string
	Scope     LockScope
	Owners    []string // action IDs
}

// NodeLock is the persisted mutex for a node
type NodeLock struct {
	NodeID   string
	ActionID string
}

// Binding associates a policy with a cluster
type Binding struct {
	ClusterID string
	PolicyID  string
	Enabled   bool
	Priority  int // lower runs first
	Cooldown  int // seconds
	LastOp    time.Time
	CreatedAt time.Time
}

// ServiceRecord registers a live engine instance for peer liveness detection
type ServiceRecord struct {
	ID        string
	Name      string
	Host      string
	Topic     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NotFoundError reports a missing cluster, node, action, policy or binding
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("the %s '%s' could not be found", e.Kind, e.ID)
}

// NewNotFound builds a NotFoundError for the given entity kind and id
func NewNotFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// IsNotFound reports whether err is a NotFoundError
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
