package policy

import (
	"github.com/sokovanproject/sokovan/internal/scheduler/schedulerobjects"
)

const LIFOPolicyName = "lifo"

// LIFOPolicy picks the most recently enqueued pending session first.
type LIFOPolicy struct{}

func (p *LIFOPolicy) Name() string { return LIFOPolicyName }

func (p *LIFOPolicy) Apply(data *schedulerobjects.SchedulingData, state *PassState) error {
	return nil
}

func (p *LIFOPolicy) PickSession(pending []*schedulerobjects.SessionWorkload, state *PassState) *schedulerobjects.SessionID {
	if len(pending) == 0 {
		return nil
	}
	id := pending[len(pending)-1].SessionID
	return &id
}

func (p *LIFOPolicy) UpdateAllocation(workload *schedulerobjects.SessionWorkload, state *PassState) {
}
