package schedulerobjects

import (
	"time"
)

type (
	SessionID    string
	KernelID     string
	AccessKey    string
	UserID       string
	GroupID      string
	DomainName   string
	AgentID      string
	ScalingGroup string
)

// ClusterMode determines how a session's kernels may be spread over agents.
type ClusterMode string

const (
	// SingleNode sessions place all kernels on one agent.
	SingleNode ClusterMode = "single-node"
	// MultiNode sessions place each kernel independently.
	MultiNode ClusterMode = "multi-node"
)

// AgentSelectionStrategy names one of the fixed agent-selection implementations.
type AgentSelectionStrategy string

const (
	AgentSelectionDispersed    AgentSelectionStrategy = "DISPERSED"
	AgentSelectionConcentrated AgentSelectionStrategy = "CONCENTRATED"
	AgentSelectionRoundRobin   AgentSelectionStrategy = "ROUNDROBIN"
	AgentSelectionLegacy       AgentSelectionStrategy = "LEGACY"
)

// ScheduleType names a scheduling phase that can be marked as needing to run.
type ScheduleType string

const (
	ScheduleTypeSchedule                       ScheduleType = "SCHEDULE"
	ScheduleTypeCheckPrecondition              ScheduleType = "CHECK_PRECONDITION"
	ScheduleTypeStart                          ScheduleType = "START"
	ScheduleTypeTerminate                      ScheduleType = "TERMINATE"
	ScheduleTypeDeprioritize                   ScheduleType = "DEPRIORITIZE"
	ScheduleTypeCheckRunningSessionTermination ScheduleType = "CHECK_RUNNING_SESSION_TERMINATION"
)

// KernelRequirement is the resource and architecture requirement of one
// kernel within a session.
type KernelRequirement struct {
	KernelID             KernelID
	RequestedSlots       ResourceSlot
	RequiredArchitecture string
	// Kernels with lower Index start first when sequencing a session.
	Index int
}

// SchedulerStatusData is the scheduler-owned portion of a session's status
// payload: how often scheduling was attempted and why it last failed.
type SchedulerStatusData struct {
	Retries       int       `json:"retries"`
	LastTry       time.Time `json:"last_try"`
	FailureReason string    `json:"msg,omitempty"`
}

// SessionWorkload is one pending session as seen by the scheduler.
type SessionWorkload struct {
	SessionID    SessionID
	AccessKey    AccessKey
	UserID       UserID
	GroupID      GroupID
	DomainName   DomainName
	ScalingGroup ScalingGroup
	ClusterMode  ClusterMode
	// Sum of all kernel requests; used for quota checks.
	RequestedSlots ResourceSlot
	Priority       int
	CreatedAt      time.Time
	Kernels        []KernelRequirement
	// Agents the user pinned this session to, if any.
	DesignatedAgents []AgentID
	// Sessions that must reach a terminal state before this one may start.
	Dependencies []SessionID
	IsPrivate    bool
	StatusData   SchedulerStatusData
}

// KernelRequirementsByID returns the session's kernels keyed by kernel id.
func (w *SessionWorkload) KernelRequirementsByID() map[KernelID]KernelRequirement {
	rv := make(map[KernelID]KernelRequirement, len(w.Kernels))
	for _, k := range w.Kernels {
		rv[k.KernelID] = k
	}
	return rv
}

// AgentMeta describes one agent node's capacity as reported to the scheduler.
type AgentMeta struct {
	AgentID        AgentID
	Addr           string
	Architecture   string
	ScalingGroup   ScalingGroup
	AvailableSlots ResourceSlot
	OccupiedSlots  ResourceSlot
}

// FreeSlots returns the agent's uncommitted capacity.
func (a *AgentMeta) FreeSlots() ResourceSlot {
	return a.AvailableSlots.Sub(a.OccupiedSlots)
}

// SchedulerOpts is the per-scaling-group scheduler configuration.
type SchedulerOpts struct {
	AgentSelectionStrategy AgentSelectionStrategy `json:"agent_selection_strategy"`
	// Slot names in decreasing priority order used to break ties
	// between candidate agents.
	AgentSelectionResourcePriority []string `json:"agent_selection_resource_priority"`
	// FIFO only: sessions that failed scheduling at least this many times
	// are moved behind fresh sessions. Zero disables skipping.
	NumRetriesToSkip int `json:"num_retries_to_skip"`
	// Prefer packing kernels of one session onto few agents even when the
	// strategy would otherwise spread them.
	EnforceSpreading bool `json:"enforce_spreading"`
	// Allow placements that fragment large contiguous capacity.
	AllowFragmentation bool `json:"allow_fragmentation"`
	// Sessions pending longer than this are surfaced to the user.
	PendingTimeout time.Duration `json:"pending_timeout"`
	// Session statuses whose routes are cleaned up after transitions.
	RouteCleanupTargetStatuses []string `json:"route_cleanup_target_statuses"`
}

// ScalingGroupMeta is one named pool of agents sharing a scheduling policy.
type ScalingGroupMeta struct {
	Name ScalingGroup
	// Name of the sequencing policy: "fifo", "lifo" or "drf".
	Scheduler string
	Opts      SchedulerOpts
	// Default fair-share weight for entities without an explicit override.
	DefaultFairShareWeight float64
}

// ResourcePolicy is a resource ceiling at keypair, user, group or domain level.
// Nil limit fields mean "no limit".
type ResourcePolicy struct {
	TotalResourceSlots        ResourceSlot
	MaxConcurrentSessions     *int
	MaxConcurrentSFTPSessions *int
	MaxPendingSessionCount    *int
	MaxPendingResourceSlots   ResourceSlot
}

// PendingSessionInfo is the queue-view entry of one pending session.
type PendingSessionInfo struct {
	SessionID      SessionID
	RequestedSlots ResourceSlot
	CreatedAt      time.Time
}

// ConcurrencySnapshot counts currently active sessions per keypair.
type ConcurrencySnapshot struct {
	SessionsByKeypair     map[AccessKey]int
	SFTPSessionsByKeypair map[AccessKey]int
}

// OccupancySnapshot is the committed resource usage indexed by scope.
type OccupancySnapshot struct {
	ByKeypair map[AccessKey]ResourceSlot
	ByUser    map[UserID]ResourceSlot
	ByGroup   map[GroupID]ResourceSlot
	ByDomain  map[DomainName]ResourceSlot
	ByAgent   map[AgentID]ResourceSlot
}

// PolicySnapshot holds the policy tables in effect for one pass.
type PolicySnapshot struct {
	ByKeypair map[AccessKey]ResourcePolicy
	ByUser    map[UserID]ResourcePolicy
	ByGroup   map[GroupID]ResourcePolicy
	ByDomain  map[DomainName]ResourcePolicy
}

// SystemSnapshot is a point-in-time view of cluster state used for one
// scheduling pass. It is built once per pass and must not be mutated;
// a stale snapshot is discarded, never patched.
type SystemSnapshot struct {
	TakenAt           time.Time
	TotalCapacity     ResourceSlot
	ResourceOccupancy OccupancySnapshot
	ResourcePolicy    PolicySnapshot
	Concurrency       ConcurrencySnapshot
	// Pending sessions per keypair, oldest first.
	PendingSessions map[AccessKey][]PendingSessionInfo
	// Sessions each session depends on, with their completion status.
	SessionDependencies map[SessionID][]SessionDependency
	KnownSlotTypes      []string
}

// SessionDependency is one edge of the session dependency graph.
type SessionDependency struct {
	DependsOn SessionID
	Name      string
	Satisfied bool
}

// RunningSession is one active session contributing to dominant-share
// and fair-share accounting.
type RunningSession struct {
	SessionID     SessionID
	AccessKey     AccessKey
	OccupiedSlots ResourceSlot
}

// SchedulingData bundles everything one provisioning pass needs for one
// scaling group.
type SchedulingData struct {
	ScalingGroup    ScalingGroupMeta
	PendingSessions []*SessionWorkload
	RunningSessions []RunningSession
	Agents          []*AgentMeta
	Snapshot        *SystemSnapshot
}
