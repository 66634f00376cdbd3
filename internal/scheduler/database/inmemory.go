package database

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/sokovanproject/sokovan/internal/scheduler/schedulererrors"
	"github.com/sokovanproject/sokovan/internal/scheduler/schedulerobjects"
)

// InMemoryRepository is a SchedulingRepository, OccupancyStore and QueueCache
// backed by process memory. It exists for tests and for running a single
// scheduler instance without external state; snapshot consistency comes from
// taking every read under one lock.
type InMemoryRepository struct {
	mu sync.Mutex

	scalingGroups map[schedulerobjects.ScalingGroup]schedulerobjects.ScalingGroupMeta
	pending       map[schedulerobjects.ScalingGroup][]*schedulerobjects.SessionWorkload
	running       map[schedulerobjects.ScalingGroup][]schedulerobjects.RunningSession
	agents        map[schedulerobjects.ScalingGroup][]*schedulerobjects.AgentMeta

	policies     schedulerobjects.PolicySnapshot
	concurrency  schedulerobjects.ConcurrencySnapshot
	dependencies map[schedulerobjects.SessionID][]schedulerobjects.SessionDependency

	occupancyByAgent map[schedulerobjects.AgentID]schedulerobjects.ResourceSlot
	pendingQueues    map[schedulerobjects.ScalingGroup][]schedulerobjects.SessionID

	// Access keys whose kernel caches were invalidated, for assertions.
	InvalidatedAccessKeys []schedulerobjects.AccessKey
}

func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		scalingGroups: make(map[schedulerobjects.ScalingGroup]schedulerobjects.ScalingGroupMeta),
		pending:       make(map[schedulerobjects.ScalingGroup][]*schedulerobjects.SessionWorkload),
		running:       make(map[schedulerobjects.ScalingGroup][]schedulerobjects.RunningSession),
		agents:        make(map[schedulerobjects.ScalingGroup][]*schedulerobjects.AgentMeta),
		policies: schedulerobjects.PolicySnapshot{
			ByKeypair: make(map[schedulerobjects.AccessKey]schedulerobjects.ResourcePolicy),
			ByUser:    make(map[schedulerobjects.UserID]schedulerobjects.ResourcePolicy),
			ByGroup:   make(map[schedulerobjects.GroupID]schedulerobjects.ResourcePolicy),
			ByDomain:  make(map[schedulerobjects.DomainName]schedulerobjects.ResourcePolicy),
		},
		concurrency: schedulerobjects.ConcurrencySnapshot{
			SessionsByKeypair:     make(map[schedulerobjects.AccessKey]int),
			SFTPSessionsByKeypair: make(map[schedulerobjects.AccessKey]int),
		},
		dependencies:     make(map[schedulerobjects.SessionID][]schedulerobjects.SessionDependency),
		occupancyByAgent: make(map[schedulerobjects.AgentID]schedulerobjects.ResourceSlot),
		pendingQueues:    make(map[schedulerobjects.ScalingGroup][]schedulerobjects.SessionID),
	}
}

func (r *InMemoryRepository) AddScalingGroup(meta schedulerobjects.ScalingGroupMeta) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scalingGroups[meta.Name] = meta
}

func (r *InMemoryRepository) AddAgent(agent *schedulerobjects.AgentMeta) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[agent.ScalingGroup] = append(r.agents[agent.ScalingGroup], agent)
}

func (r *InMemoryRepository) EnqueueSession(workload *schedulerobjects.SessionWorkload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[workload.ScalingGroup] = append(r.pending[workload.ScalingGroup], workload)
}

func (r *InMemoryRepository) AddRunningSession(scalingGroup schedulerobjects.ScalingGroup, running schedulerobjects.RunningSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running[scalingGroup] = append(r.running[scalingGroup], running)
}

func (r *InMemoryRepository) SetKeypairPolicy(accessKey schedulerobjects.AccessKey, policy schedulerobjects.ResourcePolicy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies.ByKeypair[accessKey] = policy
}

func (r *InMemoryRepository) SetConcurrency(accessKey schedulerobjects.AccessKey, sessions, sftpSessions int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.concurrency.SessionsByKeypair[accessKey] = sessions
	r.concurrency.SFTPSessionsByKeypair[accessKey] = sftpSessions
}

func (r *InMemoryRepository) SetDependencies(sessionID schedulerobjects.SessionID, deps []schedulerobjects.SessionDependency) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dependencies[sessionID] = deps
}

// CancelSession removes a pending session, as the user cancelling it between
// snapshot build and allocation would.
func (r *InMemoryRepository) CancelSession(sessionID schedulerobjects.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removePendingLocked(sessionID)
}

func (r *InMemoryRepository) ListScalingGroups(ctx context.Context) ([]schedulerobjects.ScalingGroupMeta, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rv := make([]schedulerobjects.ScalingGroupMeta, 0, len(r.scalingGroups))
	for _, meta := range r.scalingGroups {
		rv = append(rv, meta)
	}
	return rv, nil
}

func (r *InMemoryRepository) GetSchedulingData(ctx context.Context, scalingGroup schedulerobjects.ScalingGroup) (*schedulerobjects.SchedulingData, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	meta, ok := r.scalingGroups[scalingGroup]
	if !ok {
		return nil, errors.Errorf("unknown scaling group %s", scalingGroup)
	}

	agents := make([]*schedulerobjects.AgentMeta, 0, len(r.agents[scalingGroup]))
	totalCapacity := schedulerobjects.ResourceSlot{}
	occupancyByAgent := make(map[schedulerobjects.AgentID]schedulerobjects.ResourceSlot)
	for _, agent := range r.agents[scalingGroup] {
		copied := *agent
		copied.AvailableSlots = agent.AvailableSlots.DeepCopy()
		copied.OccupiedSlots = r.occupancyByAgent[agent.AgentID].DeepCopy()
		agents = append(agents, &copied)
		totalCapacity = totalCapacity.Add(agent.AvailableSlots)
		occupancyByAgent[agent.AgentID] = copied.OccupiedSlots
	}

	pending := make([]*schedulerobjects.SessionWorkload, len(r.pending[scalingGroup]))
	copy(pending, r.pending[scalingGroup])

	pendingByKeypair := make(map[schedulerobjects.AccessKey][]schedulerobjects.PendingSessionInfo)
	for _, workload := range pending {
		pendingByKeypair[workload.AccessKey] = append(pendingByKeypair[workload.AccessKey], schedulerobjects.PendingSessionInfo{
			SessionID:      workload.SessionID,
			RequestedSlots: workload.RequestedSlots,
			CreatedAt:      workload.CreatedAt,
		})
	}

	occupancyByKeypair := make(map[schedulerobjects.AccessKey]schedulerobjects.ResourceSlot)
	for _, running := range r.running[scalingGroup] {
		occupancyByKeypair[running.AccessKey] = occupancyByKeypair[running.AccessKey].Add(running.OccupiedSlots)
	}

	snapshot := &schedulerobjects.SystemSnapshot{
		TakenAt:       time.Now(),
		TotalCapacity: totalCapacity,
		ResourceOccupancy: schedulerobjects.OccupancySnapshot{
			ByKeypair: occupancyByKeypair,
			ByUser:    make(map[schedulerobjects.UserID]schedulerobjects.ResourceSlot),
			ByGroup:   make(map[schedulerobjects.GroupID]schedulerobjects.ResourceSlot),
			ByDomain:  make(map[schedulerobjects.DomainName]schedulerobjects.ResourceSlot),
			ByAgent:   occupancyByAgent,
		},
		ResourcePolicy:      r.policies,
		Concurrency:         r.concurrency,
		PendingSessions:     pendingByKeypair,
		SessionDependencies: r.dependencies,
	}

	running := make([]schedulerobjects.RunningSession, len(r.running[scalingGroup]))
	copy(running, r.running[scalingGroup])

	return &schedulerobjects.SchedulingData{
		ScalingGroup:    meta,
		PendingSessions: pending,
		RunningSessions: running,
		Agents:          agents,
		Snapshot:        snapshot,
	}, nil
}

func (r *InMemoryRepository) InvalidateKernelRelatedCache(ctx context.Context, accessKeys []schedulerobjects.AccessKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.InvalidatedAccessKeys = append(r.InvalidatedAccessKeys, accessKeys...)
	return nil
}

func (r *InMemoryRepository) RecordSchedulingFailure(ctx context.Context, sessionID schedulerobjects.SessionID, reason string, chargeRetry bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, workloads := range r.pending {
		for _, workload := range workloads {
			if workload.SessionID == sessionID {
				workload.StatusData.FailureReason = reason
				workload.StatusData.LastTry = time.Now()
				if chargeRetry {
					workload.StatusData.Retries++
				}
				return nil
			}
		}
	}
	return nil
}

func (r *InMemoryRepository) MarkSessionScheduled(ctx context.Context, sessionID schedulerobjects.SessionID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removePendingLocked(sessionID)
	return nil
}

func (r *InMemoryRepository) removePendingLocked(sessionID schedulerobjects.SessionID) {
	for scalingGroup, workloads := range r.pending {
		for i, workload := range workloads {
			if workload.SessionID == sessionID {
				r.pending[scalingGroup] = append(workloads[:i:i], workloads[i+1:]...)
				return
			}
		}
	}
}

// CommitKernel implements OccupancyStore with the same compare-and-set
// semantics as the redis store: the check and the write happen atomically
// under the repository lock.
func (r *InMemoryRepository) CommitKernel(
	ctx context.Context,
	agent *schedulerobjects.AgentMeta,
	sessionID schedulerobjects.SessionID,
	kernelID schedulerobjects.KernelID,
	slots schedulerobjects.ResourceSlot,
) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.isPendingLocked(sessionID) {
		return &schedulererrors.ErrStaleSession{SessionID: sessionID}
	}
	projected := r.occupancyByAgent[agent.AgentID].Add(slots)
	if !projected.LessOrEqual(agent.AvailableSlots) {
		return &schedulererrors.ErrAllocationConflict{
			AgentID: agent.AgentID,
			Message: "committed occupancy would exceed available slots",
		}
	}
	r.occupancyByAgent[agent.AgentID] = projected
	return nil
}

func (r *InMemoryRepository) RollbackKernel(
	ctx context.Context,
	agentID schedulerobjects.AgentID,
	kernelID schedulerobjects.KernelID,
	slots schedulerobjects.ResourceSlot,
) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.occupancyByAgent[agentID] = r.occupancyByAgent[agentID].Sub(slots)
	return nil
}

func (r *InMemoryRepository) GetOccupancy(
	ctx context.Context,
	agentIDs []schedulerobjects.AgentID,
) (map[schedulerobjects.AgentID]schedulerobjects.ResourceSlot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rv := make(map[schedulerobjects.AgentID]schedulerobjects.ResourceSlot, len(agentIDs))
	for _, id := range agentIDs {
		rv[id] = r.occupancyByAgent[id].DeepCopy()
	}
	return rv, nil
}

func (r *InMemoryRepository) isPendingLocked(sessionID schedulerobjects.SessionID) bool {
	for _, workloads := range r.pending {
		for _, workload := range workloads {
			if workload.SessionID == sessionID {
				return true
			}
		}
	}
	return false
}

// SetPendingQueue implements QueueCache.
func (r *InMemoryRepository) SetPendingQueue(ctx context.Context, scalingGroup schedulerobjects.ScalingGroup, sessionIDs []schedulerobjects.SessionID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pendingQueues[scalingGroup] = append([]schedulerobjects.SessionID(nil), sessionIDs...)
	return nil
}

func (r *InMemoryRepository) GetPendingQueue(ctx context.Context, scalingGroup schedulerobjects.ScalingGroup) ([]schedulerobjects.SessionID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]schedulerobjects.SessionID(nil), r.pendingQueues[scalingGroup]...), nil
}
