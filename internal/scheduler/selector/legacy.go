package selector

import (
	"sort"

	"github.com/sokovanproject/sokovan/internal/scheduler/requirements"
	"github.com/sokovanproject/sokovan/internal/scheduler/schedulerobjects"
)

// LegacySelector preserves the selection algorithm earlier deployments used,
// retained for compatibility: among fitting agents, pick the one whose
// remaining capacity is largest when comparing the requested slot types
// one by one in lexicographic slot order. The configured resource-priority
// list is ignored, which is the main behavioural difference from DISPERSED.
type LegacySelector struct{}

func (s *LegacySelector) Name() schedulerobjects.AgentSelectionStrategy {
	return schedulerobjects.AgentSelectionLegacy
}

func (s *LegacySelector) SelectAgentsForBatchRequirements(
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
		requestedTypes := make([]string, 0, len(req.RequestedSlots))
		for t := range req.RequestedSlots {
			requestedTypes = append(requestedTypes, t)
		}
		sort.Strings(requestedTypes)
		stableSortAgents(candidates, func(a, b *schedulerobjects.AgentMeta) int {
			return -byResourcePriority(state.remainingFree(a), state.remainingFree(b), requestedTypes)
		})
		chosen := candidates[0]
		state.commit(chosen.AgentID, req.RequestedSlots)
		placements = append(placements, Placement{Request: req, AgentID: chosen.AgentID})
	}
	return placements
}
