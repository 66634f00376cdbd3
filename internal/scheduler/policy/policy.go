// Package policy contains the sequencing policies that decide which pending
// session a provisioning pass advances next.
package policy

import (
	"github.com/pkg/errors"

	"github.com/sokovanproject/sokovan/internal/scheduler/schedulerobjects"
)

// PassState is the mutable scheduling state for one provisioning pass.
// Policies read and update it instead of holding per-instance state, so
// concurrent passes over different scaling groups never share mutable data.
type PassState struct {
	TotalCapacity schedulerobjects.ResourceSlot
	// Dominant share per access key, recomputed from running sessions at
	// the start of each pass and charged in-pass as sessions are allocated.
	DominantShareByAccessKey map[schedulerobjects.AccessKey]float64
	// Fair-share ordering rank per access key (lower ranks first).
	// Populated from the fair-share weigher when available.
	FairShareRankByAccessKey map[schedulerobjects.AccessKey]int
}

func NewPassState(totalCapacity schedulerobjects.ResourceSlot) *PassState {
	return &PassState{
		TotalCapacity:            totalCapacity,
		DominantShareByAccessKey: make(map[schedulerobjects.AccessKey]float64),
		FairShareRankByAccessKey: make(map[schedulerobjects.AccessKey]int),
	}
}

// SequencingPolicy picks which pending session to try next.
type SequencingPolicy interface {
	Name() string
	// Apply is the policy-level pre-pass hook, called once before any
	// session is picked. FIFO and LIFO do nothing here; DRF computes
	// dominant shares from the pass's running sessions.
	Apply(data *schedulerobjects.SchedulingData, state *PassState) error
	// PickSession returns the id of the pending session to advance next,
	// or nil if pending is empty. Implementations must not mutate pending.
	PickSession(pending []*schedulerobjects.SessionWorkload, state *PassState) *schedulerobjects.SessionID
	// UpdateAllocation charges a successful allocation against the pass
	// state so later picks within the same pass see it. State never
	// survives into the next pass; Apply starts from ground truth.
	UpdateAllocation(workload *schedulerobjects.SessionWorkload, state *PassState)
}

// Constructor builds a policy instance for one scaling group.
type Constructor func(meta schedulerobjects.ScalingGroupMeta) SequencingPolicy

// Registry maps policy names to constructors. It is built once at startup;
// scheduling passes resolve policies through it rather than matching on
// strings per request.
type Registry struct {
	constructors map[string]Constructor
}

func NewRegistry() *Registry {
	return &Registry{
		constructors: map[string]Constructor{
			FIFOPolicyName: func(meta schedulerobjects.ScalingGroupMeta) SequencingPolicy {
				return &FIFOPolicy{NumRetriesToSkip: meta.Opts.NumRetriesToSkip}
			},
			LIFOPolicyName: func(meta schedulerobjects.ScalingGroupMeta) SequencingPolicy {
				return &LIFOPolicy{}
			},
			DRFPolicyName: func(meta schedulerobjects.ScalingGroupMeta) SequencingPolicy {
				return &DRFPolicy{}
			},
		},
	}
}

// Resolve returns a policy instance for the scaling group's configured
// scheduler name.
func (r *Registry) Resolve(meta schedulerobjects.ScalingGroupMeta) (SequencingPolicy, error) {
	constructor, ok := r.constructors[meta.Scheduler]
	if !ok {
		return nil, errors.Errorf("unknown scheduler %q for scaling group %s", meta.Scheduler, meta.Name)
	}
	return constructor(meta), nil
}
