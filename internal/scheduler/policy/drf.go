package policy

import (
	"github.com/sokovanproject/sokovan/internal/scheduler/schedulerobjects"
)

const DRFPolicyName = "drf"

// DRFPolicy implements dominant-resource fairness: each access key's
// dominant share is the largest fraction of any single resource type it
// consumes relative to total capacity, and the key with the lowest dominant
// share among those with pending work is served first.
//
// All mutable state lives in the PassState. Apply recomputes dominant shares
// from the ground-truth set of running sessions at the start of every pass,
// and UpdateAllocation only charges allocations made within the current pass;
// nothing accumulated here survives the next pass's recomputation.
type DRFPolicy struct{}

func (p *DRFPolicy) Name() string { return DRFPolicyName }

// Apply recomputes the per-key dominant shares from the running sessions in
// data. Called once per pass before any session is picked.
func (p *DRFPolicy) Apply(data *schedulerobjects.SchedulingData, state *PassState) error {
	occupiedByKey := make(map[schedulerobjects.AccessKey]schedulerobjects.ResourceSlot, len(data.RunningSessions))
	for _, running := range data.RunningSessions {
		occupiedByKey[running.AccessKey] = occupiedByKey[running.AccessKey].Add(running.OccupiedSlots)
	}
	state.DominantShareByAccessKey = make(map[schedulerobjects.AccessKey]float64, len(occupiedByKey))
	for accessKey, occupied := range occupiedByKey {
		state.DominantShareByAccessKey[accessKey] = occupied.MaxOver(state.TotalCapacity)
	}
	return nil
}

// PickSession returns the pending session belonging to the access key with
// the lowest dominant share among keys that have pending work. Ties are
// resolved by original list order. When fair-share ranks are present, a
// lower rank wins before dominant shares are compared, giving
// history-aware fairness beyond the current pass.
func (p *DRFPolicy) PickSession(pending []*schedulerobjects.SessionWorkload, state *PassState) *schedulerobjects.SessionID {
	if len(pending) == 0 {
		return nil
	}
	best := pending[0]
	for _, workload := range pending[1:] {
		if p.precedes(workload, best, state) {
			best = workload
		}
	}
	id := best.SessionID
	return &id
}

func (p *DRFPolicy) precedes(a, b *schedulerobjects.SessionWorkload, state *PassState) bool {
	if len(state.FairShareRankByAccessKey) > 0 {
		ra, aok := state.FairShareRankByAccessKey[a.AccessKey]
		rb, bok := state.FairShareRankByAccessKey[b.AccessKey]
		if aok && bok && ra != rb {
			return ra < rb
		}
	}
	return state.DominantShareByAccessKey[a.AccessKey] < state.DominantShareByAccessKey[b.AccessKey]
}

// UpdateAllocation charges the newly allocated request's own dominant-share
// contribution to its access key so later picks in the same pass see it.
func (p *DRFPolicy) UpdateAllocation(workload *schedulerobjects.SessionWorkload, state *PassState) {
	state.DominantShareByAccessKey[workload.AccessKey] += workload.RequestedSlots.MaxOver(state.TotalCapacity)
}
