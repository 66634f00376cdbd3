package selector

import (
	"sort"
	"sync"

	"github.com/sokovanproject/sokovan/internal/scheduler/requirements"
	"github.com/sokovanproject/sokovan/internal/scheduler/schedulerobjects"
)

// RoundRobinSelector rotates through agents in a stable, load-independent
// order: agents sorted by id, starting where the previous selection left
// off. The rotation cursor survives across calls for the lifetime of the
// registry, so successive passes keep walking the ring rather than always
// restarting at the first agent.
type RoundRobinSelector struct {
	mu   sync.Mutex
	next int
}

func (s *RoundRobinSelector) Name() schedulerobjects.AgentSelectionStrategy {
	return schedulerobjects.AgentSelectionRoundRobin
}

func (s *RoundRobinSelector) SelectAgentsForBatchRequirements(
	reqs []requirements.AgentSelectionRequest,
	agents []*schedulerobjects.AgentMeta,
	opts schedulerobjects.SchedulerOpts,
) []Placement {
	if len(agents) == 0 {
		return nil
	}
	ring := make([]*schedulerobjects.AgentMeta, len(agents))
	copy(ring, agents)
	sort.Slice(ring, func(i, j int) bool { return ring[i].AgentID < ring[j].AgentID })

	s.mu.Lock()
	defer s.mu.Unlock()

	state := newSelectionState()
	var placements []Placement
	for _, req := range reqs {
		allowed := map[schedulerobjects.AgentID]bool{}
		for _, id := range req.DesignatedAgents {
			allowed[id] = true
		}
		// Walk the ring at most once looking for the next agent that fits.
		for i := 0; i < len(ring); i++ {
			agent := ring[(s.next+i)%len(ring)]
			if len(allowed) > 0 && !allowed[agent.AgentID] {
				continue
			}
			if !state.fits(agent, req) {
				continue
			}
			state.commit(agent.AgentID, req.RequestedSlots)
			placements = append(placements, Placement{Request: req, AgentID: agent.AgentID})
			s.next = (s.next + i + 1) % len(ring)
			break
		}
	}
	return placements
}
