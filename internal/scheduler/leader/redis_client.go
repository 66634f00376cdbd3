package leader

import (
	"context"
	"time"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"
)

// Renewal and release both require comparing the stored holder with the
// caller before mutating, done server-side in Lua so no other command can
// interleave between the read and the write.
const renewLeadershipScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
else
	return 0
end
`

const releaseLeadershipScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
else
	return 0
end
`

// RedisLeadershipClient implements LeadershipClient on a redis key per
// leader: acquisition is SET NX PX, renewal and release are atomic
// compare-and-set scripts.
type RedisLeadershipClient struct {
	db redis.UniversalClient
}

func NewRedisLeadershipClient(db redis.UniversalClient) *RedisLeadershipClient {
	return &RedisLeadershipClient{db: db}
}

func (c *RedisLeadershipClient) AcquireOrRenewLeadership(ctx context.Context, serverID, leaderKey string, leaseDuration time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, errors.WithStack(err)
	}
	acquired, err := c.db.SetNX(leaderKey, serverID, leaseDuration).Result()
	if err != nil {
		return false, errors.WithStack(err)
	}
	if acquired {
		return true, nil
	}
	renewed, err := c.db.Eval(renewLeadershipScript, []string{leaderKey}, serverID, leaseDuration.Milliseconds()).Int()
	if err != nil {
		return false, errors.WithStack(err)
	}
	return renewed > 0, nil
}

func (c *RedisLeadershipClient) ReleaseLeadership(ctx context.Context, serverID, leaderKey string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, errors.WithStack(err)
	}
	released, err := c.db.Eval(releaseLeadershipScript, []string{leaderKey}, serverID).Int()
	if err != nil {
		return false, errors.WithStack(err)
	}
	return released > 0, nil
}
