package fairshare

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	"github.com/go-redis/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sokovanproject/sokovan/internal/scheduler/database"
	"github.com/sokovanproject/sokovan/internal/scheduler/schedulerobjects"
)

func withUsageRepository(t *testing.T, action func(repo database.UsageRepository)) {
	db, err := miniredis.Run()
	require.NoError(t, err)
	defer db.Close()

	client := redis.NewClient(&redis.Options{Addr: db.Addr()})
	defer client.Close()

	action(database.NewRedisUsageRepository(client))
}

func defaultGroup() schedulerobjects.ScalingGroupMeta {
	return schedulerobjects.ScalingGroupMeta{
		Name:                   "default",
		Scheduler:              "drf",
		DefaultFairShareWeight: 1,
	}
}

func floatPtr(f float64) *float64 { return &f }

func TestRowForDecaysByHalfLife(t *testing.T) {
	withUsageRepository(t, func(repo database.UsageRepository) {
		ctx := context.Background()
		now := time.Now().Truncate(time.Hour)
		capacity := schedulerobjects.MustParseResourceSlot(map[string]string{"cpu": "10"})

		require.NoError(t, repo.AppendUsage(ctx, []schedulerobjects.UsageBucketEntry{
			{ScopeType: schedulerobjects.ScopeUser, ScopeID: "user-1", ResourceGroup: "default", Period: now, SlotName: "cpu", UsageSeconds: 1000},
			{ScopeType: schedulerobjects.ScopeUser, ScopeID: "user-1", ResourceGroup: "default", Period: now.Add(-24 * time.Hour), SlotName: "cpu", UsageSeconds: 1000},
		}))

		weigher := NewWeigher(repo, Params{
			LookbackWindow: 7 * 24 * time.Hour,
			HalfLife:       24 * time.Hour,
			DecayUnit:      time.Hour,
		})
		weigher.now = func() time.Time { return now }

		row, err := weigher.RowFor(ctx, schedulerobjects.ScopeUser, "user-1", defaultGroup(), capacity, WeightOverrides{})
		require.NoError(t, err)
		// Fresh usage counts fully, day-old usage counts half.
		assert.InDelta(t, 1500, row.TotalDecayedUsage["cpu"], 1e-6)
	})
}

func TestRowForIgnoresUsageOutsideLookback(t *testing.T) {
	withUsageRepository(t, func(repo database.UsageRepository) {
		ctx := context.Background()
		now := time.Now().Truncate(time.Hour)
		capacity := schedulerobjects.MustParseResourceSlot(map[string]string{"cpu": "10"})

		require.NoError(t, repo.AppendUsage(ctx, []schedulerobjects.UsageBucketEntry{
			{ScopeType: schedulerobjects.ScopeUser, ScopeID: "user-1", ResourceGroup: "default", Period: now.Add(-30 * 24 * time.Hour), SlotName: "cpu", UsageSeconds: 100000},
		}))

		weigher := NewWeigher(repo, DefaultParams())
		weigher.now = func() time.Time { return now }

		row, err := weigher.RowFor(ctx, schedulerobjects.ScopeUser, "user-1", defaultGroup(), capacity, WeightOverrides{})
		require.NoError(t, err)
		assert.Empty(t, row.TotalDecayedUsage)
		assert.Equal(t, 0.0, row.NormalizedUsage)
	})
}

func TestRowForWeightFallback(t *testing.T) {
	withUsageRepository(t, func(repo database.UsageRepository) {
		ctx := context.Background()
		capacity := schedulerobjects.MustParseResourceSlot(map[string]string{"cpu": "10"})
		weigher := NewWeigher(repo, DefaultParams())

		tests := map[string]struct {
			groupDefault   float64
			override       *float64
			expectedWeight float64
		}{
			"group default applies":     {groupDefault: 2, expectedWeight: 2},
			"override wins":             {groupDefault: 2, override: floatPtr(5), expectedWeight: 5},
			"non-positive falls back":   {groupDefault: 0, expectedWeight: 1},
			"negative override ignored": {groupDefault: 3, override: floatPtr(-1), expectedWeight: 1},
			"zero override falls back":  {groupDefault: 0, override: floatPtr(0), expectedWeight: 1},
		}
		for name, tc := range tests {
			t.Run(name, func(t *testing.T) {
				group := defaultGroup()
				group.DefaultFairShareWeight = tc.groupDefault
				// Distinct scope id per case defeats the row cache.
				row, err := weigher.RowFor(ctx, schedulerobjects.ScopeUser, "user-"+name, group, capacity, WeightOverrides{Weight: tc.override})
				require.NoError(t, err)
				assert.Equal(t, tc.expectedWeight, row.Weight)
			})
		}
	})
}

func TestHigherWeightLowersNormalizedUsage(t *testing.T) {
	withUsageRepository(t, func(repo database.UsageRepository) {
		ctx := context.Background()
		now := time.Now().Truncate(time.Hour)
		capacity := schedulerobjects.MustParseResourceSlot(map[string]string{"cpu": "10"})

		for _, scopeID := range []string{"light", "heavy"} {
			require.NoError(t, repo.AppendUsage(ctx, []schedulerobjects.UsageBucketEntry{
				{ScopeType: schedulerobjects.ScopeUser, ScopeID: scopeID, ResourceGroup: "default", Period: now, SlotName: "cpu", UsageSeconds: 3600},
			}))
		}

		weigher := NewWeigher(repo, DefaultParams())
		weigher.now = func() time.Time { return now }

		lightRow, err := weigher.RowFor(ctx, schedulerobjects.ScopeUser, "light", defaultGroup(), capacity, WeightOverrides{Weight: floatPtr(4)})
		require.NoError(t, err)
		heavyRow, err := weigher.RowFor(ctx, schedulerobjects.ScopeUser, "heavy", defaultGroup(), capacity, WeightOverrides{})
		require.NoError(t, err)

		// Same raw usage, but the higher weight divides it down.
		assert.Less(t, lightRow.NormalizedUsage, heavyRow.NormalizedUsage)
	})
}

func TestAssignRanks(t *testing.T) {
	rows := []*Row{
		{ScopeID: "c", NormalizedUsage: 0.9},
		{ScopeID: "a", NormalizedUsage: 0.1},
		{ScopeID: "b", NormalizedUsage: 0.5},
	}
	AssignRanks(rows)

	assert.Equal(t, "a", rows[0].ScopeID)
	assert.Equal(t, 1, rows[0].Rank)
	assert.Equal(t, "b", rows[1].ScopeID)
	assert.Equal(t, 2, rows[1].Rank)
	assert.Equal(t, "c", rows[2].ScopeID)
	assert.Equal(t, 3, rows[2].Rank)
}

func TestInvalidateDropsCachedRow(t *testing.T) {
	withUsageRepository(t, func(repo database.UsageRepository) {
		ctx := context.Background()
		now := time.Now().Truncate(time.Hour)
		capacity := schedulerobjects.MustParseResourceSlot(map[string]string{"cpu": "10"})
		weigher := NewWeigher(repo, DefaultParams())
		weigher.now = func() time.Time { return now }

		row, err := weigher.RowFor(ctx, schedulerobjects.ScopeUser, "user-1", defaultGroup(), capacity, WeightOverrides{})
		require.NoError(t, err)
		assert.Empty(t, row.TotalDecayedUsage)

		require.NoError(t, repo.AppendUsage(ctx, []schedulerobjects.UsageBucketEntry{
			{ScopeType: schedulerobjects.ScopeUser, ScopeID: "user-1", ResourceGroup: "default", Period: now, SlotName: "cpu", UsageSeconds: 100},
		}))

		// Still served from cache until invalidated.
		row, err = weigher.RowFor(ctx, schedulerobjects.ScopeUser, "user-1", defaultGroup(), capacity, WeightOverrides{})
		require.NoError(t, err)
		assert.Empty(t, row.TotalDecayedUsage)

		weigher.Invalidate(schedulerobjects.ScopeUser, []string{"user-1"}, "default")
		row, err = weigher.RowFor(ctx, schedulerobjects.ScopeUser, "user-1", defaultGroup(), capacity, WeightOverrides{})
		require.NoError(t, err)
		assert.InDelta(t, 100, row.TotalDecayedUsage["cpu"], 1e-6)
	})
}

func TestAggregatorRecordsAllScopes(t *testing.T) {
	withUsageRepository(t, func(repo database.UsageRepository) {
		ctx := context.Background()
		aggregator := NewAggregator(repo, time.Hour)
		now := time.Now()
		aggregator.now = func() time.Time { return now }

		running := []ScopedUsage{{
			Session: schedulerobjects.RunningSession{
				SessionID:     "s1",
				AccessKey:     "AKIATEST",
				OccupiedSlots: schedulerobjects.MustParseResourceSlot(map[string]string{"cpu": "2"}),
			},
			UserID:  "user-1",
			GroupID: "group-1",
			Domain:  "default",
		}}
		require.NoError(t, aggregator.RecordInterval(ctx, "default", running, time.Minute))

		since := now.Add(-2 * time.Hour)
		for _, scope := range []struct {
			scopeType schedulerobjects.ScopeType
			scopeID   string
		}{
			{schedulerobjects.ScopeUser, "user-1"},
			{schedulerobjects.ScopeProject, "group-1"},
			{schedulerobjects.ScopeDomain, "default"},
		} {
			entries, err := repo.GetUsageSince(ctx, scope.scopeType, scope.scopeID, "default", since)
			require.NoError(t, err)
			require.Len(t, entries, 1, "scope %s", scope.scopeType)
			// 2 cpu for 60 seconds.
			assert.Equal(t, 120.0, entries[0].UsageSeconds)
		}
	})
}
