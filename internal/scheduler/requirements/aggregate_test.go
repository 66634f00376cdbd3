package requirements

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sokovanproject/sokovan/internal/scheduler/schedulererrors"
	"github.com/sokovanproject/sokovan/internal/scheduler/schedulerobjects"
)

func kernelReq(kernelID, architecture string, cpu, mem string) schedulerobjects.KernelRequirement {
	return schedulerobjects.KernelRequirement{
		KernelID:             schedulerobjects.KernelID(kernelID),
		RequestedSlots:       schedulerobjects.MustParseResourceSlot(map[string]string{"cpu": cpu, "mem": mem}),
		RequiredArchitecture: architecture,
	}
}

func TestAggregateSingleNodeSumsKernels(t *testing.T) {
	session := &schedulerobjects.SessionWorkload{
		SessionID:   "s1",
		ClusterMode: schedulerobjects.SingleNode,
	}
	kernels := []schedulerobjects.KernelRequirement{
		kernelReq("k2", "x86_64", "0.5", "1024"),
		kernelReq("k1", "x86_64", "2", "4096"),
	}

	reqs, err := Aggregate(session, kernels)
	require.NoError(t, err)
	require.Len(t, reqs, 1)

	assert.Equal(t, schedulerobjects.SessionID("s1"), reqs[0].SessionID)
	assert.Equal(t, []schedulerobjects.KernelID{"k1", "k2"}, reqs[0].KernelIDs)
	assert.Equal(t, "x86_64", reqs[0].RequiredArchitecture)
	assert.Equal(t, "2.5", reqs[0].RequestedSlots["cpu"].String())
	assert.Equal(t, "5120", reqs[0].RequestedSlots["mem"].String())
}

func TestAggregateSingleNodeArchitectureMismatch(t *testing.T) {
	session := &schedulerobjects.SessionWorkload{
		SessionID:   "s1",
		ClusterMode: schedulerobjects.SingleNode,
	}
	kernels := []schedulerobjects.KernelRequirement{
		kernelReq("k1", "x86_64", "1", "1024"),
		kernelReq("k2", "aarch64", "1", "1024"),
	}

	_, err := Aggregate(session, kernels)
	var archErr *schedulererrors.ErrKernelArchitectureMismatch
	require.ErrorAs(t, err, &archErr)
	assert.Equal(t, schedulerobjects.SessionID("s1"), archErr.SessionID)
	assert.Equal(t, []string{"aarch64", "x86_64"}, archErr.Architectures)
}

func TestAggregateMultiNodePerKernelRequests(t *testing.T) {
	session := &schedulerobjects.SessionWorkload{
		SessionID:   "s1",
		ClusterMode: schedulerobjects.MultiNode,
	}
	kernels := []schedulerobjects.KernelRequirement{
		kernelReq("k2", "aarch64", "1", "1024"),
		kernelReq("k1", "x86_64", "2", "2048"),
	}

	reqs, err := Aggregate(session, kernels)
	require.NoError(t, err)
	require.Len(t, reqs, 2)

	// Equal indexes fall back to kernel-id order regardless of input order.
	assert.Equal(t, []schedulerobjects.KernelID{"k1"}, reqs[0].KernelIDs)
	assert.Equal(t, "x86_64", reqs[0].RequiredArchitecture)
	assert.Equal(t, []schedulerobjects.KernelID{"k2"}, reqs[1].KernelIDs)
	assert.Equal(t, "aarch64", reqs[1].RequiredArchitecture)

	// Mixed architectures are fine in multi-node mode.
	assert.Equal(t, "2", reqs[0].RequestedSlots["cpu"].String())
}

func TestAggregateMultiNodeMainKernelFirst(t *testing.T) {
	session := &schedulerobjects.SessionWorkload{
		SessionID:   "s1",
		ClusterMode: schedulerobjects.MultiNode,
	}
	main := kernelReq("k9-main", "x86_64", "4", "8192")
	sub := kernelReq("k1-sub", "x86_64", "1", "1024")
	sub.Index = 1

	// The main kernel (index 0) outranks an id-wise smaller sub-kernel, so
	// agent selection sees its request first.
	reqs, err := Aggregate(session, []schedulerobjects.KernelRequirement{sub, main})
	require.NoError(t, err)
	require.Len(t, reqs, 2)
	assert.Equal(t, []schedulerobjects.KernelID{"k9-main"}, reqs[0].KernelIDs)
	assert.Equal(t, []schedulerobjects.KernelID{"k1-sub"}, reqs[1].KernelIDs)
}

func TestAggregateMultiNodeCopiesSlots(t *testing.T) {
	session := &schedulerobjects.SessionWorkload{SessionID: "s1", ClusterMode: schedulerobjects.MultiNode}
	kernel := kernelReq("k1", "x86_64", "1", "1024")

	reqs, err := Aggregate(session, []schedulerobjects.KernelRequirement{kernel})
	require.NoError(t, err)
	reqs[0].RequestedSlots = reqs[0].RequestedSlots.Add(schedulerobjects.MustParseResourceSlot(map[string]string{"cpu": "100"}))

	assert.Equal(t, "1", kernel.RequestedSlots["cpu"].String())
}

func TestAggregateEmptyKernels(t *testing.T) {
	session := &schedulerobjects.SessionWorkload{SessionID: "s1", ClusterMode: schedulerobjects.SingleNode}
	reqs, err := Aggregate(session, nil)
	require.NoError(t, err)
	assert.Empty(t, reqs)
}

func TestAggregateCarriesDesignatedAgents(t *testing.T) {
	session := &schedulerobjects.SessionWorkload{
		SessionID:        "s1",
		ClusterMode:      schedulerobjects.SingleNode,
		DesignatedAgents: []schedulerobjects.AgentID{"agent-7"},
	}
	kernels := []schedulerobjects.KernelRequirement{
		kernelReq("k1", "x86_64", "1", "1024"),
	}

	reqs, err := Aggregate(session, kernels)
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, []schedulerobjects.AgentID{"agent-7"}, reqs[0].DesignatedAgents)
}
