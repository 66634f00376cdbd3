package allocation

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis"
	"github.com/go-redis/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sokovanproject/sokovan/internal/scheduler/database"
	"github.com/sokovanproject/sokovan/internal/scheduler/requirements"
	"github.com/sokovanproject/sokovan/internal/scheduler/schedulererrors"
	"github.com/sokovanproject/sokovan/internal/scheduler/schedulerobjects"
	"github.com/sokovanproject/sokovan/internal/scheduler/selector"
)

func withOccupancyStore(t *testing.T, action func(store *database.RedisOccupancyStore)) {
	db, err := miniredis.Run()
	require.NoError(t, err)
	defer db.Close()

	client := redis.NewClient(&redis.Options{Addr: db.Addr()})
	defer client.Close()

	action(database.NewRedisOccupancyStore(client))
}

func testAgent(id string, cpu, mem string) *schedulerobjects.AgentMeta {
	return &schedulerobjects.AgentMeta{
		AgentID:        schedulerobjects.AgentID(id),
		Architecture:   "x86_64",
		AvailableSlots: schedulerobjects.MustParseResourceSlot(map[string]string{"cpu": cpu, "mem": mem}),
		OccupiedSlots:  schedulerobjects.ResourceSlot{},
	}
}

func testPlacement(agentID string, kernelIDs []string, cpu, mem string) selector.Placement {
	ids := make([]schedulerobjects.KernelID, len(kernelIDs))
	for i, id := range kernelIDs {
		ids[i] = schedulerobjects.KernelID(id)
	}
	return selector.Placement{
		Request: requirements.AgentSelectionRequest{
			SessionID:      "s1",
			KernelIDs:      ids,
			RequestedSlots: schedulerobjects.MustParseResourceSlot(map[string]string{"cpu": cpu, "mem": mem}),
		},
		AgentID: schedulerobjects.AgentID(agentID),
	}
}

func TestAllocateCommitsOccupancy(t *testing.T) {
	withOccupancyStore(t, func(store *database.RedisOccupancyStore) {
		ctx := context.Background()
		agent := testAgent("agent-1", "8", "16384")
		session := &schedulerobjects.SessionWorkload{
			SessionID: "s1",
			Kernels: []schedulerobjects.KernelRequirement{
				{KernelID: "k1", RequestedSlots: schedulerobjects.MustParseResourceSlot(map[string]string{"cpu": "3", "mem": "4096"})},
				{KernelID: "k2", RequestedSlots: schedulerobjects.MustParseResourceSlot(map[string]string{"cpu": "1", "mem": "4096"})},
			},
		}
		require.NoError(t, store.SetSessionPending(session.SessionID, true))

		allocator := NewAllocator(store)
		result, err := allocator.Allocate(ctx, session, []selector.Placement{
			testPlacement("agent-1", []string{"k1", "k2"}, "4", "8192"),
		}, map[schedulerobjects.AgentID]*schedulerobjects.AgentMeta{"agent-1": agent})
		require.NoError(t, err)

		// Every kernel of the aggregated request maps to the chosen agent and
		// reports its own requested slots, not the aggregate.
		require.Len(t, result.Kernels, 2)
		assert.Equal(t, schedulerobjects.AgentID("agent-1"), result.Kernels[0].AgentID)
		assert.Equal(t, schedulerobjects.AgentID("agent-1"), result.Kernels[1].AgentID)
		assert.Equal(t, "3", result.Kernels[0].Slots["cpu"].String())
		assert.Equal(t, "1", result.Kernels[1].Slots["cpu"].String())

		occupancy, err := store.GetOccupancy(ctx, []schedulerobjects.AgentID{"agent-1"})
		require.NoError(t, err)
		assert.Equal(t, "4", occupancy["agent-1"]["cpu"].String())
		assert.Equal(t, "8192", occupancy["agent-1"]["mem"].String())
	})
}

func TestAllocateConflictWhenAgentFull(t *testing.T) {
	withOccupancyStore(t, func(store *database.RedisOccupancyStore) {
		ctx := context.Background()
		agent := testAgent("agent-1", "8", "16384")
		session := &schedulerobjects.SessionWorkload{SessionID: "s1"}
		require.NoError(t, store.SetSessionPending(session.SessionID, true))

		// Another replica already committed most of the agent.
		other := &schedulerobjects.SessionWorkload{SessionID: "s0"}
		require.NoError(t, store.SetSessionPending(other.SessionID, true))
		require.NoError(t, store.CommitKernel(ctx, agent, other.SessionID, "k0",
			schedulerobjects.MustParseResourceSlot(map[string]string{"cpu": "6", "mem": "1024"})))

		allocator := NewAllocator(store)
		_, err := allocator.Allocate(ctx, session, []selector.Placement{
			testPlacement("agent-1", []string{"k1"}, "4", "1024"),
		}, map[schedulerobjects.AgentID]*schedulerobjects.AgentMeta{"agent-1": agent})

		var conflict *schedulererrors.ErrAllocationConflict
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, schedulerobjects.AgentID("agent-1"), conflict.AgentID)

		// The failed attempt left no partial occupancy behind.
		occupancy, getErr := store.GetOccupancy(ctx, []schedulerobjects.AgentID{"agent-1"})
		require.NoError(t, getErr)
		assert.Equal(t, "6", occupancy["agent-1"]["cpu"].String())
	})
}

func TestAllocateRollsBackOnPartialFailure(t *testing.T) {
	withOccupancyStore(t, func(store *database.RedisOccupancyStore) {
		ctx := context.Background()
		agent1 := testAgent("agent-1", "8", "16384")
		agent2 := testAgent("agent-2", "2", "16384")
		session := &schedulerobjects.SessionWorkload{SessionID: "s1"}
		require.NoError(t, store.SetSessionPending(session.SessionID, true))

		allocator := NewAllocator(store)
		_, err := allocator.Allocate(ctx, session, []selector.Placement{
			testPlacement("agent-1", []string{"k1"}, "4", "8192"),
			// Does not fit agent-2.
			testPlacement("agent-2", []string{"k2"}, "4", "8192"),
		}, map[schedulerobjects.AgentID]*schedulerobjects.AgentMeta{
			"agent-1": agent1,
			"agent-2": agent2,
		})
		require.Error(t, err)

		// The first kernel's commit was rolled back.
		occupancy, getErr := store.GetOccupancy(ctx, []schedulerobjects.AgentID{"agent-1", "agent-2"})
		require.NoError(t, getErr)
		assert.True(t, occupancy["agent-1"].IsZero())
		assert.True(t, occupancy["agent-2"].IsZero())
	})
}

func TestAllocateStaleSession(t *testing.T) {
	withOccupancyStore(t, func(store *database.RedisOccupancyStore) {
		ctx := context.Background()
		agent := testAgent("agent-1", "8", "16384")
		// Session was cancelled: no pending marker.
		session := &schedulerobjects.SessionWorkload{SessionID: "s1"}

		allocator := NewAllocator(store)
		_, err := allocator.Allocate(ctx, session, []selector.Placement{
			testPlacement("agent-1", []string{"k1"}, "1", "1024"),
		}, map[schedulerobjects.AgentID]*schedulerobjects.AgentMeta{"agent-1": agent})

		var stale *schedulererrors.ErrStaleSession
		require.ErrorAs(t, err, &stale)
		assert.Equal(t, schedulerobjects.SessionID("s1"), stale.SessionID)
	})
}

func TestAllocateSequentialSessionsShareAgent(t *testing.T) {
	withOccupancyStore(t, func(store *database.RedisOccupancyStore) {
		ctx := context.Background()
		agent := testAgent("agent-1", "8", "16384")
		allocator := NewAllocator(store)

		for _, sessionID := range []schedulerobjects.SessionID{"s1", "s2"} {
			session := &schedulerobjects.SessionWorkload{SessionID: sessionID}
			require.NoError(t, store.SetSessionPending(sessionID, true))
			_, err := allocator.Allocate(ctx, session, []selector.Placement{
				{
					Request: requirements.AgentSelectionRequest{
						SessionID:      sessionID,
						KernelIDs:      []schedulerobjects.KernelID{"k1"},
						RequestedSlots: schedulerobjects.MustParseResourceSlot(map[string]string{"cpu": "3", "mem": "4096"}),
					},
					AgentID: "agent-1",
				},
			}, map[schedulerobjects.AgentID]*schedulerobjects.AgentMeta{"agent-1": agent})
			require.NoError(t, err)
		}

		occupancy, err := store.GetOccupancy(ctx, []schedulerobjects.AgentID{"agent-1"})
		require.NoError(t, err)
		assert.Equal(t, "6", occupancy["agent-1"]["cpu"].String())
	})
}
