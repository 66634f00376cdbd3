package selector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sokovanproject/sokovan/internal/scheduler/requirements"
	"github.com/sokovanproject/sokovan/internal/scheduler/schedulerobjects"
)

func makeAgent(id string, cpu, mem string) *schedulerobjects.AgentMeta {
	return &schedulerobjects.AgentMeta{
		AgentID:        schedulerobjects.AgentID(id),
		Architecture:   "x86_64",
		AvailableSlots: schedulerobjects.MustParseResourceSlot(map[string]string{"cpu": cpu, "mem": mem}),
		OccupiedSlots:  schedulerobjects.ResourceSlot{},
	}
}

func makeRequest(sessionID, kernelID string, cpu, mem string) requirements.AgentSelectionRequest {
	return requirements.AgentSelectionRequest{
		SessionID:            schedulerobjects.SessionID(sessionID),
		KernelIDs:            []schedulerobjects.KernelID{schedulerobjects.KernelID(kernelID)},
		RequestedSlots:       schedulerobjects.MustParseResourceSlot(map[string]string{"cpu": cpu, "mem": mem}),
		RequiredArchitecture: "x86_64",
	}
}

func agentIDs(placements []Placement) []string {
	rv := make([]string, len(placements))
	for i, p := range placements {
		rv[i] = string(p.AgentID)
	}
	return rv
}

func TestRegistryResolve(t *testing.T) {
	registry := NewRegistry()

	s, err := registry.Resolve(schedulerobjects.AgentSelectionConcentrated)
	require.NoError(t, err)
	assert.Equal(t, schedulerobjects.AgentSelectionConcentrated, s.Name())

	// Empty strategy defaults to DISPERSED.
	s, err = registry.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, schedulerobjects.AgentSelectionDispersed, s.Name())

	_, err = registry.Resolve("BESTFIT")
	assert.Error(t, err)
}

func TestDispersedPrefersMostFreeCapacity(t *testing.T) {
	agents := []*schedulerobjects.AgentMeta{
		makeAgent("agent-1", "4", "8192"),
		makeAgent("agent-2", "16", "32768"),
	}
	reqs := []requirements.AgentSelectionRequest{
		makeRequest("s1", "k1", "2", "2048"),
		makeRequest("s1", "k2", "2", "2048"),
	}

	placements := (&DispersedSelector{}).SelectAgentsForBatchRequirements(reqs, agents, schedulerobjects.SchedulerOpts{
		AgentSelectionResourcePriority: []string{"cpu", "mem"},
	})
	require.Len(t, placements, 2)
	// agent-2 stays the roomiest even after the first commit (14 cpu vs 4).
	assert.Equal(t, []string{"agent-2", "agent-2"}, agentIDs(placements))
}

func TestDispersedEnforceSpreading(t *testing.T) {
	agents := []*schedulerobjects.AgentMeta{
		makeAgent("agent-1", "4", "8192"),
		makeAgent("agent-2", "16", "32768"),
	}
	reqs := []requirements.AgentSelectionRequest{
		makeRequest("s1", "k1", "2", "2048"),
		makeRequest("s1", "k2", "2", "2048"),
	}

	placements := (&DispersedSelector{}).SelectAgentsForBatchRequirements(reqs, agents, schedulerobjects.SchedulerOpts{
		AgentSelectionResourcePriority: []string{"cpu", "mem"},
		EnforceSpreading:               true,
	})
	require.Len(t, placements, 2)
	// Second kernel goes to the unused agent despite agent-2's headroom.
	assert.Equal(t, []string{"agent-2", "agent-1"}, agentIDs(placements))
}

func TestConcentratedPacksBestFit(t *testing.T) {
	agents := []*schedulerobjects.AgentMeta{
		makeAgent("agent-1", "16", "32768"),
		makeAgent("agent-2", "4", "8192"),
	}
	reqs := []requirements.AgentSelectionRequest{
		makeRequest("s1", "k1", "2", "2048"),
		makeRequest("s1", "k2", "2", "2048"),
	}

	placements := (&ConcentratedSelector{}).SelectAgentsForBatchRequirements(reqs, agents, schedulerobjects.SchedulerOpts{
		AgentSelectionResourcePriority: []string{"cpu", "mem"},
	})
	require.Len(t, placements, 2)
	// Tightest fitting agent first, then stick with it.
	assert.Equal(t, []string{"agent-2", "agent-2"}, agentIDs(placements))
}

func TestConcentratedOverflowsToNextAgent(t *testing.T) {
	agents := []*schedulerobjects.AgentMeta{
		makeAgent("agent-1", "16", "32768"),
		makeAgent("agent-2", "3", "8192"),
	}
	reqs := []requirements.AgentSelectionRequest{
		makeRequest("s1", "k1", "2", "2048"),
		makeRequest("s1", "k2", "2", "2048"),
	}

	placements := (&ConcentratedSelector{}).SelectAgentsForBatchRequirements(reqs, agents, schedulerobjects.SchedulerOpts{
		AgentSelectionResourcePriority: []string{"cpu", "mem"},
	})
	require.Len(t, placements, 2)
	// agent-2 cannot take the second kernel (1 cpu left of 3).
	assert.Equal(t, []string{"agent-2", "agent-1"}, agentIDs(placements))
}

func TestRoundRobinRotatesAcrossCalls(t *testing.T) {
	agents := []*schedulerobjects.AgentMeta{
		makeAgent("agent-b", "8", "8192"),
		makeAgent("agent-a", "8", "8192"),
		makeAgent("agent-c", "8", "8192"),
	}
	selector := &RoundRobinSelector{}
	opts := schedulerobjects.SchedulerOpts{}

	var chosen []string
	for i := 0; i < 4; i++ {
		placements := selector.SelectAgentsForBatchRequirements(
			[]requirements.AgentSelectionRequest{makeRequest("s1", "k1", "1", "1024")},
			agents, opts,
		)
		require.Len(t, placements, 1)
		chosen = append(chosen, string(placements[0].AgentID))
	}
	// Ring order is by agent id and wraps around.
	assert.Equal(t, []string{"agent-a", "agent-b", "agent-c", "agent-a"}, chosen)
}

func TestRoundRobinSkipsFullAgents(t *testing.T) {
	agents := []*schedulerobjects.AgentMeta{
		makeAgent("agent-a", "1", "1024"),
		makeAgent("agent-b", "8", "8192"),
	}
	agents[0].OccupiedSlots = schedulerobjects.MustParseResourceSlot(map[string]string{"cpu": "1", "mem": "1024"})

	placements := (&RoundRobinSelector{}).SelectAgentsForBatchRequirements(
		[]requirements.AgentSelectionRequest{makeRequest("s1", "k1", "1", "1024")},
		agents, schedulerobjects.SchedulerOpts{},
	)
	require.Len(t, placements, 1)
	assert.Equal(t, schedulerobjects.AgentID("agent-b"), placements[0].AgentID)
}

func TestLegacyIgnoresConfiguredPriority(t *testing.T) {
	agents := []*schedulerobjects.AgentMeta{
		// agent-1 wins on cpu, agent-2 wins on mem.
		makeAgent("agent-1", "16", "8192"),
		makeAgent("agent-2", "8", "32768"),
	}
	reqs := []requirements.AgentSelectionRequest{makeRequest("s1", "k1", "1", "1024")}

	// The configured priority says mem first; LEGACY compares the
	// requested slots in lexicographic order instead, so cpu decides.
	placements := (&LegacySelector{}).SelectAgentsForBatchRequirements(reqs, agents, schedulerobjects.SchedulerOpts{
		AgentSelectionResourcePriority: []string{"mem", "cpu"},
	})
	require.Len(t, placements, 1)
	assert.Equal(t, schedulerobjects.AgentID("agent-1"), placements[0].AgentID)

	// DISPERSED with the same inputs honours the priority list.
	placements = (&DispersedSelector{}).SelectAgentsForBatchRequirements(reqs, agents, schedulerobjects.SchedulerOpts{
		AgentSelectionResourcePriority: []string{"mem", "cpu"},
	})
	require.Len(t, placements, 1)
	assert.Equal(t, schedulerobjects.AgentID("agent-2"), placements[0].AgentID)
}

func TestArchitectureMismatchYieldsNoPlacement(t *testing.T) {
	agent := makeAgent("agent-1", "8", "8192")
	agent.Architecture = "aarch64"

	placements := (&DispersedSelector{}).SelectAgentsForBatchRequirements(
		[]requirements.AgentSelectionRequest{makeRequest("s1", "k1", "1", "1024")},
		[]*schedulerobjects.AgentMeta{agent},
		schedulerobjects.SchedulerOpts{},
	)
	assert.Empty(t, placements)
}

func TestDesignatedAgentsRestrictCandidates(t *testing.T) {
	agents := []*schedulerobjects.AgentMeta{
		makeAgent("agent-1", "64", "65536"),
		makeAgent("agent-2", "8", "8192"),
	}
	req := makeRequest("s1", "k1", "1", "1024")
	req.DesignatedAgents = []schedulerobjects.AgentID{"agent-2"}

	placements := (&DispersedSelector{}).SelectAgentsForBatchRequirements(
		[]requirements.AgentSelectionRequest{req}, agents, schedulerobjects.SchedulerOpts{},
	)
	require.Len(t, placements, 1)
	assert.Equal(t, schedulerobjects.AgentID("agent-2"), placements[0].AgentID)
}

func TestBatchCannotDoubleBookAgent(t *testing.T) {
	agents := []*schedulerobjects.AgentMeta{makeAgent("agent-1", "4", "4096")}
	reqs := []requirements.AgentSelectionRequest{
		makeRequest("s1", "k1", "3", "2048"),
		makeRequest("s1", "k2", "3", "2048"),
	}

	placements := (&DispersedSelector{}).SelectAgentsForBatchRequirements(reqs, agents, schedulerobjects.SchedulerOpts{})
	// Only the first kernel fits; the second sees the in-call commitment.
	require.Len(t, placements, 1)
	assert.Equal(t, []schedulerobjects.KernelID{"k1"}, placements[0].Request.KernelIDs)
}

func TestSelectorsDoNotMutateAgents(t *testing.T) {
	agent := makeAgent("agent-1", "4", "4096")
	_ = (&ConcentratedSelector{}).SelectAgentsForBatchRequirements(
		[]requirements.AgentSelectionRequest{makeRequest("s1", "k1", "2", "2048")},
		[]*schedulerobjects.AgentMeta{agent},
		schedulerobjects.SchedulerOpts{},
	)
	assert.True(t, agent.OccupiedSlots.IsZero())
	assert.Equal(t, "4", agent.AvailableSlots["cpu"].String())
}
