package selector

import (
	"github.com/sokovanproject/sokovan/internal/scheduler/requirements"
	"github.com/sokovanproject/sokovan/internal/scheduler/schedulerobjects"
)

// ConcentratedSelector packs kernels onto as few agents as possible, keeping
// the remaining agents fully free for larger future sessions. Agents already
// used within the call are preferred; among the rest, the agent with the
// least remaining free capacity in the priority slots that still fits wins
// (classic bin-packing best-fit). With AllowFragmentation unset this is also
// the ordering that fragments large contiguous capacity the least.
type ConcentratedSelector struct{}

func (s *ConcentratedSelector) Name() schedulerobjects.AgentSelectionStrategy {
	return schedulerobjects.AgentSelectionConcentrated
}

func (s *ConcentratedSelector) SelectAgentsForBatchRequirements(
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
			if d := state.usedCount[b.AgentID] - state.usedCount[a.AgentID]; d != 0 {
				return d
			}
			// Least free capacity first.
			return byResourcePriority(state.remainingFree(a), state.remainingFree(b), priority)
		})
		chosen := candidates[0]
		state.commit(chosen.AgentID, req.RequestedSlots)
		placements = append(placements, Placement{Request: req, AgentID: chosen.AgentID})
	}
	return placements
}
