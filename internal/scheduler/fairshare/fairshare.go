// Package fairshare maintains decayed historical usage per domain, project
// and user, and turns it into normalized fairness weights consumed by the
// sequencing policies.
package fairshare

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/sokovanproject/sokovan/internal/scheduler/database"
	"github.com/sokovanproject/sokovan/internal/scheduler/schedulerobjects"
)

// Params controls the usage decay model.
type Params struct {
	// LookbackWindow bounds how far back bucket entries are read.
	LookbackWindow time.Duration
	// HalfLife is the age at which usage counts for half its value.
	HalfLife time.Duration
	// DecayUnit is the accounting-period granularity of usage buckets.
	DecayUnit time.Duration
}

func DefaultParams() Params {
	return Params{
		LookbackWindow: 7 * 24 * time.Hour,
		HalfLife:       24 * time.Hour,
		DecayUnit:      time.Hour,
	}
}

// WeightOverrides are the per-entity explicit settings read from the policy
// store. Nil or missing values fall back to the scaling group default.
type WeightOverrides struct {
	// Weight overrides the entity's overall fair-share weight.
	Weight *float64
	// ResourceWeights override the weight per slot type; slots without an
	// entry fall back to the effective overall weight.
	ResourceWeights map[string]float64
}

// Row is the computed fair-share record for one entity within one resource
// group. Rows are derived from usage buckets at read time; the scheduler
// treats them as read-only.
type Row struct {
	ScopeType     schedulerobjects.ScopeType
	ScopeID       string
	ResourceGroup schedulerobjects.ScalingGroup
	// Effective overall weight (override else scaling-group default).
	Weight float64
	// Effective per-slot weights, with DefaultedSlots recording which slots
	// had no explicit override.
	ResourceWeights map[string]float64
	DefaultedSlots  []string
	// Decayed usage-seconds per slot over the lookback window.
	TotalDecayedUsage map[string]float64
	// Capacity-normalized, weight-divided usage. Lower schedules sooner.
	NormalizedUsage float64
	FairShareFactor float64
	// Rank position among the entities ranked together; zero until assigned.
	Rank int
}

// Weigher computes fair-share rows from usage buckets. The read path runs
// once per scheduling pass per entity, so computed rows are cached with a
// short TTL.
type Weigher struct {
	usage  database.UsageRepository
	params Params
	cache  *gocache.Cache
	now    func() time.Time
}

func NewWeigher(usage database.UsageRepository, params Params) *Weigher {
	return &Weigher{
		usage:  usage,
		params: params,
		cache:  gocache.New(30*time.Second, time.Minute),
		now:    time.Now,
	}
}

func rowCacheKey(scopeType schedulerobjects.ScopeType, scopeID string, resourceGroup schedulerobjects.ScalingGroup) string {
	return fmt.Sprintf("%s:%s:%s", scopeType, scopeID, resourceGroup)
}

// RowFor computes (or returns a cached copy of) the fair-share row for one
// entity. capacity is the resource group's total capacity, used to make
// heterogeneous slot types comparable.
func (w *Weigher) RowFor(
	ctx context.Context,
	scopeType schedulerobjects.ScopeType,
	scopeID string,
	group schedulerobjects.ScalingGroupMeta,
	capacity schedulerobjects.ResourceSlot,
	overrides WeightOverrides,
) (*Row, error) {
	key := rowCacheKey(scopeType, scopeID, group.Name)
	if cached, ok := w.cache.Get(key); ok {
		row := cached.(Row)
		return &row, nil
	}

	now := w.now()
	entries, err := w.usage.GetUsageSince(ctx, scopeType, scopeID, group.Name, now.Add(-w.params.LookbackWindow))
	if err != nil {
		return nil, err
	}

	decayed := make(map[string]float64)
	for _, entry := range entries {
		age := now.Sub(entry.Period)
		if age < 0 {
			age = 0
		}
		decayed[entry.SlotName] += entry.UsageSeconds * decayFactor(age, w.params.HalfLife)
	}

	weight := group.DefaultFairShareWeight
	if overrides.Weight != nil {
		weight = *overrides.Weight
	}
	if weight <= 0 {
		weight = 1
	}

	resourceWeights := make(map[string]float64, len(decayed))
	var defaultedSlots []string
	for t := range decayed {
		if override, ok := overrides.ResourceWeights[t]; ok {
			resourceWeights[t] = override
		} else {
			resourceWeights[t] = weight
			defaultedSlots = append(defaultedSlots, t)
		}
	}
	sort.Strings(defaultedSlots)

	row := Row{
		ScopeType:         scopeType,
		ScopeID:           scopeID,
		ResourceGroup:     group.Name,
		Weight:            weight,
		ResourceWeights:   resourceWeights,
		DefaultedSlots:    defaultedSlots,
		TotalDecayedUsage: decayed,
		NormalizedUsage:   normalizeUsage(decayed, resourceWeights, capacity, w.params.LookbackWindow),
		FairShareFactor:   weight,
	}
	w.cache.Set(key, row, gocache.DefaultExpiration)
	return &row, nil
}

// Invalidate drops cached rows for the given entities, e.g. after a status
// transition changed their usage.
func (w *Weigher) Invalidate(scopeType schedulerobjects.ScopeType, scopeIDs []string, resourceGroup schedulerobjects.ScalingGroup) {
	for _, id := range scopeIDs {
		w.cache.Delete(rowCacheKey(scopeType, id, resourceGroup))
	}
}

// decayFactor is the exponential half-life decay multiplier for usage of the
// given age.
func decayFactor(age, halfLife time.Duration) float64 {
	if halfLife <= 0 {
		return 1
	}
	return math.Pow(0.5, float64(age)/float64(halfLife))
}

// normalizeUsage folds per-slot decayed usage-seconds into one comparable
// scalar: each slot's usage is divided by the capacity of that slot and the
// window length (so a fully used slot over the whole window contributes 1),
// weighted by the per-slot weight, and the largest contribution wins. This
// mirrors dominant-share semantics over historical usage.
func normalizeUsage(decayed, weights map[string]float64, capacity schedulerobjects.ResourceSlot, window time.Duration) float64 {
	var rv float64
	windowSeconds := window.Seconds()
	if windowSeconds <= 0 {
		return 0
	}
	for t, usage := range decayed {
		total, _ := capacity.Get(t).Float64()
		if total <= 0 {
			continue
		}
		weight := weights[t]
		if weight <= 0 {
			weight = 1
		}
		contribution := usage / (total * windowSeconds) / weight
		if contribution > rv {
			rv = contribution
		}
	}
	return rv
}

// AssignRanks orders rows by normalized usage (ascending, so lightly used
// entities schedule first) and writes 1-based ranks back into them.
// Ties keep their input order.
func AssignRanks(rows []*Row) {
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].NormalizedUsage < rows[j].NormalizedUsage
	})
	for i, row := range rows {
		row.Rank = i + 1
	}
}
