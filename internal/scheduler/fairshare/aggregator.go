package fairshare

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/sokovanproject/sokovan/internal/scheduler/database"
	"github.com/sokovanproject/sokovan/internal/scheduler/schedulerobjects"
)

// Aggregator turns observed session occupancy into append-only usage bucket
// increments. It runs outside the scheduling pass (typically on a timer) and
// is the only writer of usage data; the weigher only reads.
type Aggregator struct {
	usage database.UsageRepository
	// Accounting-period granularity; increment timestamps are truncated to it.
	decayUnit time.Duration
	now       func() time.Time
}

func NewAggregator(usage database.UsageRepository, decayUnit time.Duration) *Aggregator {
	return &Aggregator{
		usage:     usage,
		decayUnit: decayUnit,
		now:       time.Now,
	}
}

// ScopedUsage names the tenancy scopes one running session's usage accrues to.
type ScopedUsage struct {
	Session schedulerobjects.RunningSession
	UserID  schedulerobjects.UserID
	GroupID schedulerobjects.GroupID
	Domain  schedulerobjects.DomainName
}

// RecordInterval appends usage-seconds for every running session over an
// observation interval of the given length. Each slot of each session
// contributes slot-quantity x seconds to the user, project and domain scopes.
func (a *Aggregator) RecordInterval(
	ctx context.Context,
	resourceGroup schedulerobjects.ScalingGroup,
	running []ScopedUsage,
	interval time.Duration,
) error {
	period := a.now().Truncate(a.decayUnit)
	seconds := interval.Seconds()
	var entries []schedulerobjects.UsageBucketEntry
	for _, scoped := range running {
		for t, q := range scoped.Session.OccupiedSlots {
			quantity, _ := q.Float64()
			usage := quantity * seconds
			if usage == 0 {
				continue
			}
			for _, scope := range []struct {
				scopeType schedulerobjects.ScopeType
				scopeID   string
			}{
				{schedulerobjects.ScopeUser, string(scoped.UserID)},
				{schedulerobjects.ScopeProject, string(scoped.GroupID)},
				{schedulerobjects.ScopeDomain, string(scoped.Domain)},
			} {
				if scope.scopeID == "" {
					continue
				}
				entries = append(entries, schedulerobjects.UsageBucketEntry{
					ScopeType:     scope.scopeType,
					ScopeID:       scope.scopeID,
					ResourceGroup: resourceGroup,
					Period:        period,
					SlotName:      t,
					UsageSeconds:  usage,
				})
			}
		}
	}
	if len(entries) == 0 {
		return nil
	}
	log.WithFields(log.Fields{
		"resourceGroup": resourceGroup,
		"entries":       len(entries),
	}).Debug("recording usage increments")
	return a.usage.AppendUsage(ctx, entries)
}
