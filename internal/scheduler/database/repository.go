// Package database contains the repository abstractions the scheduler reads
// snapshots from and commits allocations through, together with their
// redis-backed implementations.
package database

import (
	"context"
	"time"

	"github.com/sokovanproject/sokovan/internal/scheduler/schedulerobjects"
)

// SchedulingRepository supplies the input bundle for one provisioning pass.
// Implementations must return an internally consistent snapshot: the
// occupancy, policy and pending views must all be read at one point in time.
type SchedulingRepository interface {
	// ListScalingGroups returns the scaling groups known to the cluster.
	ListScalingGroups(ctx context.Context) ([]schedulerobjects.ScalingGroupMeta, error)
	// GetSchedulingData returns everything a pass over one scaling group
	// needs. The contained snapshot is immutable and valid only for the
	// duration of that pass.
	GetSchedulingData(ctx context.Context, scalingGroup schedulerobjects.ScalingGroup) (*schedulerobjects.SchedulingData, error)
	// InvalidateKernelRelatedCache drops cached per-keypair kernel state
	// after a status transition.
	InvalidateKernelRelatedCache(ctx context.Context, accessKeys []schedulerobjects.AccessKey) error
	// RecordSchedulingFailure attaches a failure reason to a pending session
	// and bumps its retry counter. chargeRetry is false for allocation
	// conflicts, which are not the user's fault.
	RecordSchedulingFailure(ctx context.Context, sessionID schedulerobjects.SessionID, reason string, chargeRetry bool) error
	// MarkSessionScheduled removes a session from the pending view once all
	// of its kernels are committed.
	MarkSessionScheduled(ctx context.Context, sessionID schedulerobjects.SessionID) error
}

// OccupancyStore persists committed occupancy per agent. Commit is a
// compare-and-set: it must fail, not overwrite, when a concurrent pass
// committed conflicting occupancy since the snapshot was taken.
type OccupancyStore interface {
	// CommitKernel atomically adds slots to agent's occupancy, failing with
	// ErrAllocationConflict if the result would exceed the agent's available
	// slots or the occupancy changed concurrently, and with ErrStaleSession
	// if the session is no longer pending.
	CommitKernel(ctx context.Context, agent *schedulerobjects.AgentMeta, sessionID schedulerobjects.SessionID, kernelID schedulerobjects.KernelID, slots schedulerobjects.ResourceSlot) error
	// RollbackKernel reverses a previous CommitKernel.
	RollbackKernel(ctx context.Context, agentID schedulerobjects.AgentID, kernelID schedulerobjects.KernelID, slots schedulerobjects.ResourceSlot) error
	// GetOccupancy reads the committed occupancy of the given agents.
	GetOccupancy(ctx context.Context, agentIDs []schedulerobjects.AgentID) (map[schedulerobjects.AgentID]schedulerobjects.ResourceSlot, error)
}

// QueueCache is the ephemeral shared view of per-scaling-group pending
// queues, published after each pass so other replicas observe queue order.
type QueueCache interface {
	SetPendingQueue(ctx context.Context, scalingGroup schedulerobjects.ScalingGroup, sessionIDs []schedulerobjects.SessionID) error
	GetPendingQueue(ctx context.Context, scalingGroup schedulerobjects.ScalingGroup) ([]schedulerobjects.SessionID, error)
}

// UsageRepository stores the append-only fair-share usage buckets.
type UsageRepository interface {
	AppendUsage(ctx context.Context, entries []schedulerobjects.UsageBucketEntry) error
	// GetUsageSince returns all bucket entries for one scope within one
	// resource group with a period at or after since, oldest first.
	GetUsageSince(ctx context.Context, scopeType schedulerobjects.ScopeType, scopeID string, resourceGroup schedulerobjects.ScalingGroup, since time.Time) ([]schedulerobjects.UsageBucketEntry, error)
}

// MarkStore records which scheduling phases need to run next. Post-processors
// write marks after status transitions; the scheduling loop consumes them.
type MarkStore interface {
	MarkSchedulingNeeded(ctx context.Context, types ...schedulerobjects.ScheduleType) error
	// TakeSchedulingMarks returns and clears the pending marks.
	TakeSchedulingMarks(ctx context.Context) ([]schedulerobjects.ScheduleType, error)
}
