package policy

import (
	"github.com/sokovanproject/sokovan/internal/scheduler/schedulerobjects"
)

const FIFOPolicyName = "fifo"

// FIFOPolicy picks the oldest pending session first. With NumRetriesToSkip
// set, sessions that have already failed scheduling at least that many times
// are passed over in favour of fresher sessions, so one repeatedly
// unschedulable session does not block the whole queue. If every pending
// session qualifies for skipping, the first one is returned anyway:
// scheduling must always make progress rather than starve.
type FIFOPolicy struct {
	NumRetriesToSkip int
}

func (p *FIFOPolicy) Name() string { return FIFOPolicyName }

func (p *FIFOPolicy) Apply(data *schedulerobjects.SchedulingData, state *PassState) error {
	return nil
}

func (p *FIFOPolicy) PickSession(pending []*schedulerobjects.SessionWorkload, state *PassState) *schedulerobjects.SessionID {
	if len(pending) == 0 {
		return nil
	}
	if p.NumRetriesToSkip == 0 {
		id := pending[0].SessionID
		return &id
	}
	// Single pass over pending, collecting skipped sessions separately so
	// the caller's slice is left untouched.
	var skipped []*schedulerobjects.SessionWorkload
	for _, workload := range pending {
		if workload.StatusData.Retries >= p.NumRetriesToSkip {
			skipped = append(skipped, workload)
			continue
		}
		id := workload.SessionID
		return &id
	}
	id := skipped[0].SessionID
	return &id
}

func (p *FIFOPolicy) UpdateAllocation(workload *schedulerobjects.SessionWorkload, state *PassState) {
}
