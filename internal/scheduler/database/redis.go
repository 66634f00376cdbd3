package database

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"

	"github.com/sokovanproject/sokovan/internal/scheduler/schedulererrors"
	"github.com/sokovanproject/sokovan/internal/scheduler/schedulerobjects"
)

const (
	agentOccupancyPrefix = "Agent:Occupancy:"
	sessionPendingPrefix = "Session:Pending:"
	pendingQueuePrefix   = "Scheduler:PendingQueue:"
	usageBucketPrefix    = "Usage:Bucket:"
	schedulingMarksKey   = "Scheduler:Marks"
)

// RedisOccupancyStore implements OccupancyStore on a redis database, using
// optimistic WATCH transactions so that concurrent passes across replicas
// cannot double-book an agent. Occupancy is stored per agent as a hash of
// slot name to exact decimal string.
type RedisOccupancyStore struct {
	db redis.UniversalClient
}

func NewRedisOccupancyStore(db redis.UniversalClient) *RedisOccupancyStore {
	return &RedisOccupancyStore{db: db}
}

func (r *RedisOccupancyStore) CommitKernel(
	ctx context.Context,
	agent *schedulerobjects.AgentMeta,
	sessionID schedulerobjects.SessionID,
	kernelID schedulerobjects.KernelID,
	slots schedulerobjects.ResourceSlot,
) error {
	if err := ctx.Err(); err != nil {
		return errors.WithStack(err)
	}
	occupancyKey := agentOccupancyPrefix + string(agent.AgentID)
	err := r.db.Watch(func(tx *redis.Tx) error {
		alive, err := tx.Exists(sessionPendingPrefix + string(sessionID)).Result()
		if err != nil {
			return errors.WithStack(err)
		}
		if alive == 0 {
			return &schedulererrors.ErrStaleSession{SessionID: sessionID}
		}
		occupied, err := readSlotHash(tx, occupancyKey)
		if err != nil {
			return err
		}
		projected := occupied.Add(slots)
		if !projected.LessOrEqual(agent.AvailableSlots) {
			return &schedulererrors.ErrAllocationConflict{
				AgentID: agent.AgentID,
				Message: "committed occupancy would exceed available slots",
			}
		}
		_, err = tx.Pipelined(func(pipe redis.Pipeliner) error {
			for t, q := range projected {
				pipe.HSet(occupancyKey, t, q.String())
			}
			return nil
		})
		return errors.WithStack(err)
	}, occupancyKey)
	if err == redis.TxFailedErr {
		// Another replica touched this agent's occupancy mid-transaction.
		return &schedulererrors.ErrAllocationConflict{
			AgentID: agent.AgentID,
			Message: "concurrent occupancy update",
		}
	}
	return err
}

func (r *RedisOccupancyStore) RollbackKernel(
	ctx context.Context,
	agentID schedulerobjects.AgentID,
	kernelID schedulerobjects.KernelID,
	slots schedulerobjects.ResourceSlot,
) error {
	if err := ctx.Err(); err != nil {
		return errors.WithStack(err)
	}
	occupancyKey := agentOccupancyPrefix + string(agentID)
	err := r.db.Watch(func(tx *redis.Tx) error {
		occupied, err := readSlotHash(tx, occupancyKey)
		if err != nil {
			return err
		}
		reduced := occupied.Sub(slots)
		_, err = tx.Pipelined(func(pipe redis.Pipeliner) error {
			for t, q := range reduced {
				pipe.HSet(occupancyKey, t, q.String())
			}
			return nil
		})
		return errors.WithStack(err)
	}, occupancyKey)
	if err == redis.TxFailedErr {
		return &schedulererrors.ErrAllocationConflict{
			AgentID: agentID,
			Message: "concurrent occupancy update during rollback",
		}
	}
	return err
}

func (r *RedisOccupancyStore) GetOccupancy(
	ctx context.Context,
	agentIDs []schedulerobjects.AgentID,
) (map[schedulerobjects.AgentID]schedulerobjects.ResourceSlot, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.WithStack(err)
	}
	pipe := r.db.Pipeline()
	cmds := make(map[schedulerobjects.AgentID]*redis.StringStringMapCmd, len(agentIDs))
	for _, id := range agentIDs {
		cmds[id] = pipe.HGetAll(agentOccupancyPrefix + string(id))
	}
	if _, err := pipe.Exec(); err != nil && err != redis.Nil {
		return nil, errors.WithStack(err)
	}
	rv := make(map[schedulerobjects.AgentID]schedulerobjects.ResourceSlot, len(agentIDs))
	for id, cmd := range cmds {
		slots, err := schedulerobjects.NewResourceSlot(cmd.Val())
		if err != nil {
			return nil, err
		}
		rv[id] = slots
	}
	return rv, nil
}

// SetSessionPending maintains the liveness marker CommitKernel checks to
// detect sessions cancelled between snapshot build and allocation. Called by
// the code paths that enqueue and dequeue pending sessions.
func (r *RedisOccupancyStore) SetSessionPending(sessionID schedulerobjects.SessionID, pending bool) error {
	key := sessionPendingPrefix + string(sessionID)
	if pending {
		return errors.WithStack(r.db.Set(key, "1", 0).Err())
	}
	return errors.WithStack(r.db.Del(key).Err())
}

func readSlotHash(tx *redis.Tx, key string) (schedulerobjects.ResourceSlot, error) {
	vals, err := tx.HGetAll(key).Result()
	if err != nil && err != redis.Nil {
		return nil, errors.WithStack(err)
	}
	return schedulerobjects.NewResourceSlot(vals)
}

// RedisQueueCache implements QueueCache on a redis list per scaling group.
type RedisQueueCache struct {
	db redis.UniversalClient
}

func NewRedisQueueCache(db redis.UniversalClient) *RedisQueueCache {
	return &RedisQueueCache{db: db}
}

func (r *RedisQueueCache) SetPendingQueue(
	ctx context.Context,
	scalingGroup schedulerobjects.ScalingGroup,
	sessionIDs []schedulerobjects.SessionID,
) error {
	if err := ctx.Err(); err != nil {
		return errors.WithStack(err)
	}
	key := pendingQueuePrefix + string(scalingGroup)
	pipe := r.db.TxPipeline()
	pipe.Del(key)
	for _, id := range sessionIDs {
		pipe.RPush(key, string(id))
	}
	_, err := pipe.Exec()
	return errors.WithStack(err)
}

func (r *RedisQueueCache) GetPendingQueue(
	ctx context.Context,
	scalingGroup schedulerobjects.ScalingGroup,
) ([]schedulerobjects.SessionID, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.WithStack(err)
	}
	vals, err := r.db.LRange(pendingQueuePrefix+string(scalingGroup), 0, -1).Result()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	rv := make([]schedulerobjects.SessionID, len(vals))
	for i, v := range vals {
		rv[i] = schedulerobjects.SessionID(v)
	}
	return rv, nil
}

// RedisUsageRepository implements UsageRepository on a sorted set per
// (scope, resource group), scored by period start so range reads over the
// lookback window are cheap. Entries are only ever added.
type RedisUsageRepository struct {
	db redis.UniversalClient
}

func NewRedisUsageRepository(db redis.UniversalClient) *RedisUsageRepository {
	return &RedisUsageRepository{db: db}
}

func usageBucketKey(scopeType schedulerobjects.ScopeType, scopeID string, resourceGroup schedulerobjects.ScalingGroup) string {
	return usageBucketPrefix + string(scopeType) + ":" + scopeID + ":" + string(resourceGroup)
}

func (r *RedisUsageRepository) AppendUsage(ctx context.Context, entries []schedulerobjects.UsageBucketEntry) error {
	if err := ctx.Err(); err != nil {
		return errors.WithStack(err)
	}
	pipe := r.db.TxPipeline()
	for _, entry := range entries {
		data, err := json.Marshal(entry)
		if err != nil {
			return errors.WithStack(err)
		}
		pipe.ZAdd(usageBucketKey(entry.ScopeType, entry.ScopeID, entry.ResourceGroup), redis.Z{
			Member: string(data),
			Score:  float64(entry.Period.Unix()),
		})
	}
	_, err := pipe.Exec()
	return errors.WithStack(err)
}

func (r *RedisUsageRepository) GetUsageSince(
	ctx context.Context,
	scopeType schedulerobjects.ScopeType,
	scopeID string,
	resourceGroup schedulerobjects.ScalingGroup,
	since time.Time,
) ([]schedulerobjects.UsageBucketEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.WithStack(err)
	}
	vals, err := r.db.ZRangeByScore(usageBucketKey(scopeType, scopeID, resourceGroup), redis.ZRangeBy{
		Min: formatScore(since),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	rv := make([]schedulerobjects.UsageBucketEntry, 0, len(vals))
	for _, v := range vals {
		var entry schedulerobjects.UsageBucketEntry
		if err := json.Unmarshal([]byte(v), &entry); err != nil {
			return nil, errors.WithStack(err)
		}
		rv = append(rv, entry)
	}
	return rv, nil
}

func formatScore(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}

// RedisMarkStore implements MarkStore on a redis set.
type RedisMarkStore struct {
	db redis.UniversalClient
}

func NewRedisMarkStore(db redis.UniversalClient) *RedisMarkStore {
	return &RedisMarkStore{db: db}
}

func (r *RedisMarkStore) MarkSchedulingNeeded(ctx context.Context, types ...schedulerobjects.ScheduleType) error {
	if err := ctx.Err(); err != nil {
		return errors.WithStack(err)
	}
	members := make([]interface{}, len(types))
	for i, t := range types {
		members[i] = string(t)
	}
	return errors.WithStack(r.db.SAdd(schedulingMarksKey, members...).Err())
}

func (r *RedisMarkStore) TakeSchedulingMarks(ctx context.Context) ([]schedulerobjects.ScheduleType, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.WithStack(err)
	}
	pipe := r.db.TxPipeline()
	members := pipe.SMembers(schedulingMarksKey)
	pipe.Del(schedulingMarksKey)
	if _, err := pipe.Exec(); err != nil {
		return nil, errors.WithStack(err)
	}
	vals := members.Val()
	rv := make([]schedulerobjects.ScheduleType, len(vals))
	for i, v := range vals {
		rv[i] = schedulerobjects.ScheduleType(v)
	}
	return rv, nil
}
