package leader

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	"github.com/go-redis/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withLeadershipClient(t *testing.T, action func(db *miniredis.Miniredis, client *RedisLeadershipClient)) {
	db, err := miniredis.Run()
	require.NoError(t, err)
	defer db.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: db.Addr()})
	defer redisClient.Close()

	action(db, NewRedisLeadershipClient(redisClient))
}

func TestLeaseIsExclusive(t *testing.T) {
	withLeadershipClient(t, func(db *miniredis.Miniredis, client *RedisLeadershipClient) {
		ctx := context.Background()

		isLeader, err := client.AcquireOrRenewLeadership(ctx, "server-1", "Scheduler:Leader:default", 10*time.Second)
		require.NoError(t, err)
		assert.True(t, isLeader)

		isLeader, err = client.AcquireOrRenewLeadership(ctx, "server-2", "Scheduler:Leader:default", 10*time.Second)
		require.NoError(t, err)
		assert.False(t, isLeader)

		// The holder itself renews successfully.
		isLeader, err = client.AcquireOrRenewLeadership(ctx, "server-1", "Scheduler:Leader:default", 10*time.Second)
		require.NoError(t, err)
		assert.True(t, isLeader)
	})
}

func TestLeaseTakeoverAfterExpiry(t *testing.T) {
	withLeadershipClient(t, func(db *miniredis.Miniredis, client *RedisLeadershipClient) {
		ctx := context.Background()

		isLeader, err := client.AcquireOrRenewLeadership(ctx, "server-1", "Scheduler:Leader:default", time.Second)
		require.NoError(t, err)
		require.True(t, isLeader)

		db.FastForward(2 * time.Second)

		isLeader, err = client.AcquireOrRenewLeadership(ctx, "server-2", "Scheduler:Leader:default", time.Second)
		require.NoError(t, err)
		assert.True(t, isLeader)

		// The previous holder can no longer renew.
		isLeader, err = client.AcquireOrRenewLeadership(ctx, "server-1", "Scheduler:Leader:default", time.Second)
		require.NoError(t, err)
		assert.False(t, isLeader)
	})
}

func TestReleaseOnlyByHolder(t *testing.T) {
	withLeadershipClient(t, func(db *miniredis.Miniredis, client *RedisLeadershipClient) {
		ctx := context.Background()

		_, err := client.AcquireOrRenewLeadership(ctx, "server-1", "Scheduler:Leader:default", 10*time.Second)
		require.NoError(t, err)

		released, err := client.ReleaseLeadership(ctx, "server-2", "Scheduler:Leader:default")
		require.NoError(t, err)
		assert.False(t, released)

		released, err = client.ReleaseLeadership(ctx, "server-1", "Scheduler:Leader:default")
		require.NoError(t, err)
		assert.True(t, released)

		// The lease is free again.
		isLeader, err := client.AcquireOrRenewLeadership(ctx, "server-2", "Scheduler:Leader:default", 10*time.Second)
		require.NoError(t, err)
		assert.True(t, isLeader)
	})
}

func TestLeaseControllerTokenEpochs(t *testing.T) {
	withLeadershipClient(t, func(db *miniredis.Miniredis, client *RedisLeadershipClient) {
		ctx := context.Background()
		controller := NewLeaseLeaderController(client, time.Second)

		token, isLeader, err := controller.TryBecomeLeaderForGroup(ctx, "default")
		require.NoError(t, err)
		require.True(t, isLeader)
		assert.True(t, controller.ValidateToken(ctx, "default", token))

		// Another server steals the lease after expiry.
		db.FastForward(2 * time.Second)
		_, err = client.AcquireOrRenewLeadership(ctx, "interloper", leaderKey("default"), time.Hour)
		require.NoError(t, err)

		// The old token is now invalid and stays invalid even if
		// leadership is later regained under a new epoch.
		assert.False(t, controller.ValidateToken(ctx, "default", token))

		db.Del(leaderKey("default"))
		newToken, isLeader, err := controller.TryBecomeLeaderForGroup(ctx, "default")
		require.NoError(t, err)
		require.True(t, isLeader)
		assert.False(t, controller.ValidateToken(ctx, "default", token))
		assert.True(t, controller.ValidateToken(ctx, "default", newToken))
	})
}

func TestLeaseControllerIndependentGroups(t *testing.T) {
	withLeadershipClient(t, func(db *miniredis.Miniredis, client *RedisLeadershipClient) {
		ctx := context.Background()
		controllerA := NewLeaseLeaderController(client, 10*time.Second)
		controllerB := NewLeaseLeaderController(client, 10*time.Second)

		_, isLeader, err := controllerA.TryBecomeLeaderForGroup(ctx, "gpu-pool")
		require.NoError(t, err)
		assert.True(t, isLeader)

		// A different replica can lead a different group concurrently.
		_, isLeader, err = controllerB.TryBecomeLeaderForGroup(ctx, "cpu-pool")
		require.NoError(t, err)
		assert.True(t, isLeader)

		// But not a group that is already led.
		_, isLeader, err = controllerB.TryBecomeLeaderForGroup(ctx, "gpu-pool")
		require.NoError(t, err)
		assert.False(t, isLeader)
	})
}

func TestStandaloneControllerAlwaysLeads(t *testing.T) {
	ctx := context.Background()
	controller := NewStandaloneLeaderController()

	token, isLeader, err := controller.TryBecomeLeaderForGroup(ctx, "default")
	require.NoError(t, err)
	assert.True(t, isLeader)
	assert.True(t, controller.ValidateToken(ctx, "default", token))

	// Tokens from elsewhere are rejected.
	assert.False(t, controller.ValidateToken(ctx, "default", InvalidLeaderToken()))
	require.NoError(t, controller.Release(ctx, "default"))
}
