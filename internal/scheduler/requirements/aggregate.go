// Package requirements combines per-kernel resource requirements into
// agent-selection requests according to a session's cluster topology.
package requirements

import (
	"sort"

	"golang.org/x/exp/maps"

	"github.com/sokovanproject/sokovan/internal/scheduler/schedulererrors"
	"github.com/sokovanproject/sokovan/internal/scheduler/schedulerobjects"
)

// AgentSelectionRequest asks the agent selector for one agent able to host
// the listed kernels.
type AgentSelectionRequest struct {
	SessionID            schedulerobjects.SessionID
	KernelIDs            []schedulerobjects.KernelID
	RequestedSlots       schedulerobjects.ResourceSlot
	RequiredArchitecture string
	// Agents the session is pinned to; empty means any agent.
	DesignatedAgents []schedulerobjects.AgentID
}

// Aggregate turns a session's kernel requirements into agent-selection
// requests.
//
// Single-node sessions produce one request summing all kernel slots; all
// kernels must share one required architecture. Multi-node sessions produce
// one request per kernel, unchanged, so architectures may differ across
// kernels. An empty kernel list produces no requests.
//
// Kernels are ordered by ascending Index with kernel id as the tiebreak, so
// the main kernel (index 0) is matched against agents before any sub-kernel.
// Multi-node requests come out in that order.
func Aggregate(
	session *schedulerobjects.SessionWorkload,
	kernels []schedulerobjects.KernelRequirement,
) ([]AgentSelectionRequest, error) {
	if len(kernels) == 0 {
		return []AgentSelectionRequest{}, nil
	}
	sequenced := make([]schedulerobjects.KernelRequirement, len(kernels))
	copy(sequenced, kernels)
	sort.SliceStable(sequenced, func(i, j int) bool {
		if sequenced[i].Index != sequenced[j].Index {
			return sequenced[i].Index < sequenced[j].Index
		}
		return sequenced[i].KernelID < sequenced[j].KernelID
	})

	switch session.ClusterMode {
	case schedulerobjects.SingleNode:
		architecture := sequenced[0].RequiredArchitecture
		requested := schedulerobjects.ResourceSlot{}
		kernelIDs := make([]schedulerobjects.KernelID, 0, len(sequenced))
		for _, kernel := range sequenced {
			if kernel.RequiredArchitecture != architecture {
				return nil, &schedulererrors.ErrKernelArchitectureMismatch{
					SessionID:     session.SessionID,
					Architectures: distinctArchitectures(sequenced),
				}
			}
			requested = requested.Add(kernel.RequestedSlots)
			kernelIDs = append(kernelIDs, kernel.KernelID)
		}
		return []AgentSelectionRequest{{
			SessionID:            session.SessionID,
			KernelIDs:            kernelIDs,
			RequestedSlots:       requested,
			RequiredArchitecture: architecture,
			DesignatedAgents:     session.DesignatedAgents,
		}}, nil
	default:
		// Multi-node: one request per kernel, in start order.
		rv := make([]AgentSelectionRequest, 0, len(sequenced))
		for _, kernel := range sequenced {
			rv = append(rv, AgentSelectionRequest{
				SessionID:            session.SessionID,
				KernelIDs:            []schedulerobjects.KernelID{kernel.KernelID},
				RequestedSlots:       kernel.RequestedSlots.DeepCopy(),
				RequiredArchitecture: kernel.RequiredArchitecture,
				DesignatedAgents:     session.DesignatedAgents,
			})
		}
		return rv, nil
	}
}

func distinctArchitectures(kernels []schedulerobjects.KernelRequirement) []string {
	seen := make(map[string]bool, len(kernels))
	for _, kernel := range kernels {
		seen[kernel.RequiredArchitecture] = true
	}
	architectures := maps.Keys(seen)
	sort.Strings(architectures)
	return architectures
}
