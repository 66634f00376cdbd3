// Package scheduler orchestrates the scheduling and resource-provisioning
// pipeline: snapshot in, validator chain, sequencing policy, agent
// selection, allocation commit, queue publication.
package scheduler

import (
	"context"
	"sort"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/sokovanproject/sokovan/internal/scheduler/admission"
	"github.com/sokovanproject/sokovan/internal/scheduler/allocation"
	"github.com/sokovanproject/sokovan/internal/scheduler/database"
	"github.com/sokovanproject/sokovan/internal/scheduler/fairshare"
	"github.com/sokovanproject/sokovan/internal/scheduler/leader"
	"github.com/sokovanproject/sokovan/internal/scheduler/policy"
	"github.com/sokovanproject/sokovan/internal/scheduler/requirements"
	"github.com/sokovanproject/sokovan/internal/scheduler/schedulererrors"
	"github.com/sokovanproject/sokovan/internal/scheduler/schedulerobjects"
	"github.com/sokovanproject/sokovan/internal/scheduler/selector"
)

// SessionProvisioner runs one provisioning pass over one scaling group.
type SessionProvisioner struct {
	repo       database.SchedulingRepository
	queueCache database.QueueCache
	markStore  database.MarkStore
	allocator  *allocation.Allocator
	policies   *policy.Registry
	selectors  *selector.Registry
	leadership leader.LeaderController
	validators []admission.Validator
	weigher    *fairshare.Weigher
	metrics    *Metrics
}

func NewSessionProvisioner(
	repo database.SchedulingRepository,
	queueCache database.QueueCache,
	markStore database.MarkStore,
	allocator *allocation.Allocator,
	leadership leader.LeaderController,
	weigher *fairshare.Weigher,
	metrics *Metrics,
) *SessionProvisioner {
	return &SessionProvisioner{
		repo:       repo,
		queueCache: queueCache,
		markStore:  markStore,
		allocator:  allocator,
		policies:   policy.NewRegistry(),
		selectors:  selector.NewRegistry(),
		leadership: leadership,
		validators: admission.DefaultChain(),
		weigher:    weigher,
		metrics:    metrics,
	}
}

// PassResult summarizes one pass over one scaling group.
type PassResult struct {
	ScalingGroup schedulerobjects.ScalingGroup
	Scheduled    []*allocation.AllocationResult
	// Reason each rejected session stays pending, keyed by session id.
	FailureReasonBySessionID map[schedulerobjects.SessionID]string
	// Sessions still pending after the pass, in queue order.
	RemainingPending []schedulerobjects.SessionID
}

// ScheduleScalingGroup runs one pass. Ordinary no-capacity conditions are
// part of the expected steady state and never produce an error; only
// programming errors, malformed configuration, repository failures or a
// lost leadership lease abort the pass, to be retried on the next trigger.
func (p *SessionProvisioner) ScheduleScalingGroup(
	ctx context.Context,
	scalingGroup schedulerobjects.ScalingGroup,
	token leader.LeaderToken,
) (*PassResult, error) {
	data, err := p.repo.GetSchedulingData(ctx, scalingGroup)
	if err != nil {
		return nil, errors.WithMessagef(err, "reading scheduling data for %s", scalingGroup)
	}

	sequencing, err := p.policies.Resolve(data.ScalingGroup)
	if err != nil {
		return nil, err
	}
	agentSelector, err := p.selectors.Resolve(data.ScalingGroup.Opts.AgentSelectionStrategy)
	if err != nil {
		return nil, err
	}

	state := policy.NewPassState(data.Snapshot.TotalCapacity)
	if err := sequencing.Apply(data, state); err != nil {
		return nil, err
	}
	if err := p.applyFairShareRanks(ctx, data, state); err != nil {
		return nil, err
	}

	// Pass-local copies: the snapshot itself is never mutated, but the
	// working agent list accrues occupancy as sessions commit so later
	// sessions in the same pass see the reduced capacity.
	agents := make([]*schedulerobjects.AgentMeta, len(data.Agents))
	agentsByID := make(map[schedulerobjects.AgentID]*schedulerobjects.AgentMeta, len(data.Agents))
	for i, agent := range data.Agents {
		copied := *agent
		copied.OccupiedSlots = agent.OccupiedSlots.DeepCopy()
		agents[i] = &copied
		agentsByID[copied.AgentID] = &copied
	}

	result := &PassResult{
		ScalingGroup:             scalingGroup,
		FailureReasonBySessionID: make(map[schedulerobjects.SessionID]string),
	}
	candidates := make([]*schedulerobjects.SessionWorkload, len(data.PendingSessions))
	copy(candidates, data.PendingSessions)
	var stillPending []*schedulerobjects.SessionWorkload
	var scheduledAccessKeys []schedulerobjects.AccessKey

	logger := log.WithField("scalingGroup", scalingGroup)

	for len(candidates) > 0 {
		if !p.leadership.ValidateToken(ctx, scalingGroup, token) {
			return nil, &schedulererrors.ErrLostLeadership{ScalingGroup: scalingGroup}
		}

		picked := sequencing.PickSession(candidates, state)
		if picked == nil {
			break
		}
		workload, remaining := takeSession(candidates, *picked)
		candidates = remaining

		if err := admission.Validate(p.validators, data.Snapshot, workload); err != nil {
			result.FailureReasonBySessionID[workload.SessionID] = err.Error()
			stillPending = append(stillPending, workload)
			p.recordFailure(ctx, workload.SessionID, err.Error(), true)
			if p.metrics != nil {
				p.metrics.ValidationFailuresTotal.WithLabelValues(string(scalingGroup)).Inc()
			}
			continue
		}

		reqs, err := requirements.Aggregate(workload, workload.Kernels)
		if err != nil {
			// Architecture mismatch is user-caused and final for this
			// session, but must not block the rest of the queue.
			result.FailureReasonBySessionID[workload.SessionID] = err.Error()
			stillPending = append(stillPending, workload)
			p.recordFailure(ctx, workload.SessionID, err.Error(), true)
			continue
		}
		if len(reqs) == 0 {
			// Nothing to place.
			if err := p.repo.MarkSessionScheduled(ctx, workload.SessionID); err != nil {
				return nil, err
			}
			continue
		}

		placements := agentSelector.SelectAgentsForBatchRequirements(reqs, agents, data.ScalingGroup.Opts)
		if len(placements) < len(reqs) {
			// No current capacity: the expected steady state, not an error.
			// The retry counter still advances so FIFO skipping can move
			// fresher sessions ahead of this one.
			stillPending = append(stillPending, workload)
			p.recordFailure(ctx, workload.SessionID, "no available agent", true)
			continue
		}

		allocated, err := p.allocator.Allocate(ctx, workload, placements, agentsByID)
		if err != nil {
			var conflict *schedulererrors.ErrAllocationConflict
			var stale *schedulererrors.ErrStaleSession
			switch {
			case errors.As(err, &stale):
				// Cancelled since the snapshot was taken; drop silently.
				logger.WithField("session", workload.SessionID).Debug("session gone at commit time, skipping")
				continue
			case errors.As(err, &conflict):
				// Lost a capacity race to a concurrent pass. Retryable and
				// not charged against the session's retry counter.
				stillPending = append(stillPending, workload)
				p.recordFailure(ctx, workload.SessionID, err.Error(), false)
				if p.metrics != nil {
					p.metrics.AllocationConflictsTotal.WithLabelValues(string(scalingGroup)).Inc()
				}
				continue
			default:
				return nil, err
			}
		}

		if err := p.repo.MarkSessionScheduled(ctx, workload.SessionID); err != nil {
			return nil, err
		}
		sequencing.UpdateAllocation(workload, state)
		for _, placement := range placements {
			agent := agentsByID[placement.AgentID]
			agent.OccupiedSlots = agent.OccupiedSlots.Add(placement.Request.RequestedSlots)
		}
		result.Scheduled = append(result.Scheduled, allocated)
		scheduledAccessKeys = append(scheduledAccessKeys, workload.AccessKey)
		logger.WithFields(log.Fields{
			"session": workload.SessionID,
			"kernels": len(allocated.Kernels),
		}).Info("session allocated")
	}

	stillPending = append(stillPending, candidates...)
	sortByCreation(stillPending)
	for _, workload := range stillPending {
		result.RemainingPending = append(result.RemainingPending, workload.SessionID)
	}

	// Publish the updated queue view so other replicas observe it.
	if err := p.queueCache.SetPendingQueue(ctx, scalingGroup, result.RemainingPending); err != nil {
		return nil, err
	}
	if len(result.Scheduled) > 0 {
		p.postProcessScheduled(ctx, scheduledAccessKeys)
	}
	if p.metrics != nil {
		p.metrics.PendingSessions.WithLabelValues(string(scalingGroup)).Set(float64(len(result.RemainingPending)))
		p.metrics.SessionsScheduledTotal.WithLabelValues(string(scalingGroup)).Add(float64(len(result.Scheduled)))
	}
	return result, nil
}

// applyFairShareRanks breaks dominant-share ties by decayed historical usage:
// each pending keypair gets the rank of its user's fair-share row, lightly
// used users first.
func (p *SessionProvisioner) applyFairShareRanks(
	ctx context.Context,
	data *schedulerobjects.SchedulingData,
	state *policy.PassState,
) error {
	if p.weigher == nil {
		return nil
	}
	userByAccessKey := make(map[schedulerobjects.AccessKey]schedulerobjects.UserID)
	for _, workload := range data.PendingSessions {
		if _, ok := userByAccessKey[workload.AccessKey]; !ok {
			userByAccessKey[workload.AccessKey] = workload.UserID
		}
	}
	if len(userByAccessKey) == 0 {
		return nil
	}
	rows := make([]*fairshare.Row, 0, len(userByAccessKey))
	accessKeysByUser := make(map[schedulerobjects.UserID][]schedulerobjects.AccessKey)
	for accessKey, userID := range userByAccessKey {
		accessKeysByUser[userID] = append(accessKeysByUser[userID], accessKey)
	}
	rowByUser := make(map[schedulerobjects.UserID]*fairshare.Row, len(accessKeysByUser))
	for userID := range accessKeysByUser {
		row, err := p.weigher.RowFor(ctx, schedulerobjects.ScopeUser, string(userID), data.ScalingGroup, data.Snapshot.TotalCapacity, fairshare.WeightOverrides{})
		if err != nil {
			return err
		}
		rows = append(rows, row)
		rowByUser[userID] = row
	}
	fairshare.AssignRanks(rows)
	for userID, row := range rowByUser {
		for _, accessKey := range accessKeysByUser[userID] {
			state.FairShareRankByAccessKey[accessKey] = row.Rank
		}
	}
	return nil
}

// postProcessScheduled marks the follow-up phases to run after sessions moved
// out of PENDING and drops cached per-keypair kernel state.
func (p *SessionProvisioner) postProcessScheduled(ctx context.Context, accessKeys []schedulerobjects.AccessKey) {
	if p.markStore != nil {
		err := p.markStore.MarkSchedulingNeeded(ctx,
			schedulerobjects.ScheduleTypeCheckPrecondition,
			schedulerobjects.ScheduleTypeStart,
		)
		if err != nil {
			log.WithError(err).Warn("failed to mark follow-up scheduling phases")
		}
	}
	if err := p.repo.InvalidateKernelRelatedCache(ctx, accessKeys); err != nil {
		log.WithError(err).Warn("failed to invalidate kernel caches")
	}
}

func (p *SessionProvisioner) recordFailure(ctx context.Context, sessionID schedulerobjects.SessionID, reason string, chargeRetry bool) {
	if err := p.repo.RecordSchedulingFailure(ctx, sessionID, reason, chargeRetry); err != nil {
		log.WithError(err).WithField("session", sessionID).Warn("failed to record scheduling failure")
	}
}

// takeSession removes the session with the given id, preserving order.
func takeSession(
	candidates []*schedulerobjects.SessionWorkload,
	sessionID schedulerobjects.SessionID,
) (*schedulerobjects.SessionWorkload, []*schedulerobjects.SessionWorkload) {
	for i, workload := range candidates {
		if workload.SessionID == sessionID {
			rv := make([]*schedulerobjects.SessionWorkload, 0, len(candidates)-1)
			rv = append(rv, candidates[:i]...)
			rv = append(rv, candidates[i+1:]...)
			return workload, rv
		}
	}
	return nil, candidates
}

func sortByCreation(workloads []*schedulerobjects.SessionWorkload) {
	sort.SliceStable(workloads, func(i, j int) bool {
		return workloads[i].CreatedAt.Before(workloads[j].CreatedAt)
	})
}
