// Package selector maps aggregated resource requirements to candidate
// agents. One strategy implementation exists per agent-selection strategy;
// strategies are resolved once into a fixed table, never by per-request
// string matching.
package selector

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/sokovanproject/sokovan/internal/scheduler/requirements"
	"github.com/sokovanproject/sokovan/internal/scheduler/schedulerobjects"
)

// Placement assigns one selection request to one agent.
type Placement struct {
	Request requirements.AgentSelectionRequest
	AgentID schedulerobjects.AgentID
}

// AgentSelector chooses agents for a batch of selection requests.
//
// A request that cannot fit any agent (architecture mismatch or insufficient
// free capacity after accounting for requests already committed within the
// same call) yields no placement; callers detect partial results by
// comparing lengths. Selectors never mutate the agents they are given.
type AgentSelector interface {
	Name() schedulerobjects.AgentSelectionStrategy
	SelectAgentsForBatchRequirements(
		reqs []requirements.AgentSelectionRequest,
		agents []*schedulerobjects.AgentMeta,
		opts schedulerobjects.SchedulerOpts,
	) []Placement
}

// Registry is the fixed strategy-to-implementation table, built once at
// startup.
type Registry struct {
	selectors map[schedulerobjects.AgentSelectionStrategy]AgentSelector
}

func NewRegistry() *Registry {
	return &Registry{
		selectors: map[schedulerobjects.AgentSelectionStrategy]AgentSelector{
			schedulerobjects.AgentSelectionDispersed:    &DispersedSelector{},
			schedulerobjects.AgentSelectionConcentrated: &ConcentratedSelector{},
			schedulerobjects.AgentSelectionRoundRobin:   &RoundRobinSelector{},
			schedulerobjects.AgentSelectionLegacy:       &LegacySelector{},
		},
	}
}

// Resolve returns the selector for the given strategy. An empty strategy
// resolves to DISPERSED.
func (r *Registry) Resolve(strategy schedulerobjects.AgentSelectionStrategy) (AgentSelector, error) {
	if strategy == "" {
		strategy = schedulerobjects.AgentSelectionDispersed
	}
	s, ok := r.selectors[strategy]
	if !ok {
		return nil, errors.Errorf("unknown agent selection strategy %q", strategy)
	}
	return s, nil
}

// selectionState tracks capacity committed to earlier requests within one
// SelectAgentsForBatchRequirements call, so a batch cannot double-book an
// agent against itself.
type selectionState struct {
	committed map[schedulerobjects.AgentID]schedulerobjects.ResourceSlot
	usedCount map[schedulerobjects.AgentID]int
}

func newSelectionState() *selectionState {
	return &selectionState{
		committed: make(map[schedulerobjects.AgentID]schedulerobjects.ResourceSlot),
		usedCount: make(map[schedulerobjects.AgentID]int),
	}
}

func (s *selectionState) commit(agentID schedulerobjects.AgentID, slots schedulerobjects.ResourceSlot) {
	s.committed[agentID] = s.committed[agentID].Add(slots)
	s.usedCount[agentID]++
}

// remainingFree is the agent's free capacity minus what this call already
// committed to it.
func (s *selectionState) remainingFree(agent *schedulerobjects.AgentMeta) schedulerobjects.ResourceSlot {
	return agent.FreeSlots().Sub(s.committed[agent.AgentID])
}

// fits reports whether req fits agent given the in-call commitments,
// with zero-fill for slots the agent does not expose.
func (s *selectionState) fits(agent *schedulerobjects.AgentMeta, req requirements.AgentSelectionRequest) bool {
	if req.RequiredArchitecture != "" && agent.Architecture != req.RequiredArchitecture {
		return false
	}
	return req.RequestedSlots.LessOrEqual(s.remainingFree(agent))
}

// candidateAgents filters agents down to those the request could run on.
// Designated agents, when present on the session, restrict the candidate set.
func candidateAgents(
	agents []*schedulerobjects.AgentMeta,
	req requirements.AgentSelectionRequest,
	state *selectionState,
	designated []schedulerobjects.AgentID,
) []*schedulerobjects.AgentMeta {
	allowed := map[schedulerobjects.AgentID]bool{}
	for _, id := range designated {
		allowed[id] = true
	}
	var rv []*schedulerobjects.AgentMeta
	for _, agent := range agents {
		if len(allowed) > 0 && !allowed[agent.AgentID] {
			continue
		}
		if state.fits(agent, req) {
			rv = append(rv, agent)
		}
	}
	return rv
}

// byResourcePriority compares two agents' remaining capacity over the
// configured slot-priority list, most significant slot first. Returns a
// negative value if a has less capacity than b.
func byResourcePriority(
	a, b schedulerobjects.ResourceSlot,
	priority []string,
) int {
	for _, t := range priority {
		if c := a.Get(t).Cmp(b.Get(t)); c != 0 {
			return c
		}
	}
	return 0
}

// resourcePriorityOrDefault returns the configured slot-priority list, or a
// stable default derived from the request when none is configured.
func resourcePriorityOrDefault(opts schedulerobjects.SchedulerOpts, req requirements.AgentSelectionRequest) []string {
	if len(opts.AgentSelectionResourcePriority) > 0 {
		return opts.AgentSelectionResourcePriority
	}
	types := make([]string, 0, len(req.RequestedSlots))
	for t := range req.RequestedSlots {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// stableSortAgents sorts agents in place using less, breaking remaining ties
// by agent id for deterministic output.
func stableSortAgents(agents []*schedulerobjects.AgentMeta, less func(a, b *schedulerobjects.AgentMeta) int) {
	sort.SliceStable(agents, func(i, j int) bool {
		if c := less(agents[i], agents[j]); c != 0 {
			return c < 0
		}
		return agents[i].AgentID < agents[j].AgentID
	})
}
