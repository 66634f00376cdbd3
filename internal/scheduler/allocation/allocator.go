// Package allocation commits chosen placements to the occupancy store.
package allocation

import (
	"context"

	"github.com/avast/retry-go"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/sokovanproject/sokovan/internal/scheduler/database"
	"github.com/sokovanproject/sokovan/internal/scheduler/schedulererrors"
	"github.com/sokovanproject/sokovan/internal/scheduler/schedulerobjects"
	"github.com/sokovanproject/sokovan/internal/scheduler/selector"
)

// KernelAllocation records where one kernel was placed.
type KernelAllocation struct {
	KernelID schedulerobjects.KernelID
	AgentID  schedulerobjects.AgentID
	Slots    schedulerobjects.ResourceSlot
}

// AllocationResult is the outcome of committing one session's placements.
type AllocationResult struct {
	SessionID schedulerobjects.SessionID
	Kernels   []KernelAllocation
}

// Allocator commits placements through the occupancy store's compare-and-set
// so concurrent passes across replicas cannot double-book agents. Allocation
// is atomic per session: if any kernel loses a capacity race, everything
// committed for the session so far is rolled back and the session stays
// pending for the next pass.
type Allocator struct {
	store database.OccupancyStore
	// Attempts per kernel commit for transient store failures. Conflicts
	// and stale sessions are never retried here.
	commitAttempts uint
}

func NewAllocator(store database.OccupancyStore) *Allocator {
	return &Allocator{store: store, commitAttempts: 3}
}

// Allocate commits the given placements for one session. agentsByID must
// contain every agent referenced by the placements, carrying the snapshot's
// view of available slots.
//
// Returns ErrAllocationConflict (retryable next pass) if a commit lost a
// capacity race, ErrStaleSession if the session was cancelled since the
// snapshot was taken; both leave no partial occupancy behind.
func (a *Allocator) Allocate(
	ctx context.Context,
	session *schedulerobjects.SessionWorkload,
	placements []selector.Placement,
	agentsByID map[schedulerobjects.AgentID]*schedulerobjects.AgentMeta,
) (*AllocationResult, error) {
	result := &AllocationResult{SessionID: session.SessionID}
	requirementsByID := session.KernelRequirementsByID()
	var committed []KernelAllocation

	for _, placement := range placements {
		agent, ok := agentsByID[placement.AgentID]
		if !ok {
			a.rollback(ctx, session, committed)
			return nil, errors.Errorf("placement references unknown agent %s", placement.AgentID)
		}
		// One occupancy commit per selection request; the request's slots
		// already aggregate its kernels.
		kernelID := placement.Request.KernelIDs[0]
		err := retry.Do(
			func() error {
				return a.store.CommitKernel(ctx, agent, session.SessionID, kernelID, placement.Request.RequestedSlots)
			},
			retry.Attempts(a.commitAttempts),
			retry.LastErrorOnly(true),
			retry.RetryIf(func(err error) bool {
				// Conflicts and stale sessions are definitive answers from
				// the CAS, not transient faults.
				var conflict *schedulererrors.ErrAllocationConflict
				var stale *schedulererrors.ErrStaleSession
				return !errors.As(err, &conflict) && !errors.As(err, &stale)
			}),
		)
		if err != nil {
			a.rollback(ctx, session, committed)
			return nil, err
		}
		for _, id := range placement.Request.KernelIDs {
			entry := KernelAllocation{
				KernelID: id,
				AgentID:  placement.AgentID,
				Slots:    requirementsByID[id].RequestedSlots,
			}
			result.Kernels = append(result.Kernels, entry)
		}
		committed = append(committed, KernelAllocation{
			KernelID: kernelID,
			AgentID:  placement.AgentID,
			Slots:    placement.Request.RequestedSlots,
		})
	}
	return result, nil
}

// rollback reverses all occupancy committed for the session in this call.
// Never start part of a session's containers.
func (a *Allocator) rollback(ctx context.Context, session *schedulerobjects.SessionWorkload, committed []KernelAllocation) {
	var result *multierror.Error
	for _, entry := range committed {
		if err := a.store.RollbackKernel(ctx, entry.AgentID, entry.KernelID, entry.Slots); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		log.WithError(err).WithField("session", session.SessionID).Error("failed to roll back partial allocation")
	}
}
