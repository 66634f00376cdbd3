package selector

import (
	"github.com/sokovanproject/sokovan/internal/scheduler/requirements"
	"github.com/sokovanproject/sokovan/internal/scheduler/schedulerobjects"
)

// DispersedSelector spreads kernels across distinct agents. For each request
// it prefers the agent with the most remaining free capacity in the
// highest-priority slot, breaking ties with the next slot in the configured
// priority order. With EnforceSpreading set, agents not yet used in the call
// are preferred even when a used agent has more free capacity.
type DispersedSelector struct{}

func (s *DispersedSelector) Name() schedulerobjects.AgentSelectionStrategy {
	return schedulerobjects.AgentSelectionDispersed
}

func (s *DispersedSelector) SelectAgentsForBatchRequirements(
	reqs []requirements.AgentSelectionRequest,
	agents []*schedulerobjects.AgentMeta,
	opts schedulerobjects.SchedulerOpts,
) []Placement {
	state := newSelectionState()
	var placements []Placement
	for _, req := range reqs {
		candidates := candidateAgents(agents, req, state, req.DesignatedAgents)
		if len(candidates) == 0 {
			continue
		}
		priority := resourcePriorityOrDefault(opts, req)
		stableSortAgents(candidates, func(a, b *schedulerobjects.AgentMeta) int {
			if opts.EnforceSpreading {
				if d := state.usedCount[a.AgentID] - state.usedCount[b.AgentID]; d != 0 {
					return d
				}
			}
			// Most free capacity first.
			return -byResourcePriority(state.remainingFree(a), state.remainingFree(b), priority)
		})
		chosen := candidates[0]
		state.commit(chosen.AgentID, req.RequestedSlots)
		placements = append(placements, Placement{Request: req, AgentID: chosen.AgentID})
	}
	return placements
}
