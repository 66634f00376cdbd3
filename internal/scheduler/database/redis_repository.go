package database

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/go-redis/redis"
	gocache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"

	"github.com/sokovanproject/sokovan/internal/scheduler/schedulererrors"
	"github.com/sokovanproject/sokovan/internal/scheduler/schedulerobjects"
)

const (
	scalingGroupsKey      = "Scheduler:ScalingGroups"
	agentMetaPrefix       = "Agent:Meta:"
	sessionWorkloadPrefix = "Session:Workload:"
	pendingListPrefix     = "Session:PendingList:"
	runningPrefix         = "Session:Running:"
	keypairPolicyPrefix   = "Policy:Keypair:"
	userPolicyPrefix      = "Policy:User:"
	groupPolicyPrefix     = "Policy:Group:"
	domainPolicyPrefix    = "Policy:Domain:"
	concurrencyPrefix     = "Keypair:Concurrency:"
	dependencyPrefix      = "Session:Dependencies:"

	kernelCacheExpiry  = time.Minute
	kernelCacheCleanup = 5 * time.Minute
)

// RedisSchedulingRepository implements SchedulingRepository on redis. Scaling
// groups, agents and session workloads are stored as JSON (resource slots
// round-trip as exact decimal strings); the per-group pending list preserves
// submission order. Snapshot reads are pipelined so one pass costs a bounded
// number of round trips.
type RedisSchedulingRepository struct {
	db        redis.UniversalClient
	occupancy *RedisOccupancyStore
	// Per-keypair policy and concurrency state reused across snapshot
	// builds, dropped whenever a session of that keypair changes state.
	kernelCache *gocache.Cache
}

// keypairKernelState is the per-keypair slice of the snapshot that changes
// when one of the keypair's kernels does.
type keypairKernelState struct {
	policy       schedulerobjects.ResourcePolicy
	hasPolicy    bool
	sessions     int
	sftpSessions int
}

func NewRedisSchedulingRepository(db redis.UniversalClient) *RedisSchedulingRepository {
	return &RedisSchedulingRepository{
		db:          db,
		occupancy:   NewRedisOccupancyStore(db),
		kernelCache: gocache.New(kernelCacheExpiry, kernelCacheCleanup),
	}
}

func (r *RedisSchedulingRepository) ListScalingGroups(ctx context.Context) ([]schedulerobjects.ScalingGroupMeta, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.WithStack(err)
	}
	vals, err := r.db.HGetAll(scalingGroupsKey).Result()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	rv := make([]schedulerobjects.ScalingGroupMeta, 0, len(vals))
	for _, v := range vals {
		var meta schedulerobjects.ScalingGroupMeta
		if err := json.Unmarshal([]byte(v), &meta); err != nil {
			return nil, errors.WithStack(err)
		}
		rv = append(rv, meta)
	}
	return rv, nil
}

// RegisterScalingGroup stores or updates one scaling group's metadata.
func (r *RedisSchedulingRepository) RegisterScalingGroup(meta schedulerobjects.ScalingGroupMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(r.db.HSet(scalingGroupsKey, string(meta.Name), string(data)).Err())
}

// RegisterAgent stores or updates one agent's capacity record.
func (r *RedisSchedulingRepository) RegisterAgent(agent *schedulerobjects.AgentMeta) error {
	data, err := json.Marshal(agent)
	if err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(r.db.HSet(agentMetaPrefix+string(agent.ScalingGroup), string(agent.AgentID), string(data)).Err())
}

// EnqueueSession appends a workload to its scaling group's pending list,
// raises the liveness marker allocation checks against and marks that a
// scheduling pass is needed.
func (r *RedisSchedulingRepository) EnqueueSession(workload *schedulerobjects.SessionWorkload) error {
	data, err := json.Marshal(workload)
	if err != nil {
		return errors.WithStack(err)
	}
	pipe := r.db.TxPipeline()
	pipe.Set(sessionWorkloadPrefix+string(workload.SessionID), string(data), 0)
	pipe.Set(sessionPendingPrefix+string(workload.SessionID), "1", 0)
	pipe.RPush(pendingListPrefix+string(workload.ScalingGroup), string(workload.SessionID))
	pipe.SAdd(schedulingMarksKey, string(schedulerobjects.ScheduleTypeSchedule))
	_, err = pipe.Exec()
	return errors.WithStack(err)
}

// CancelSession drops a pending session. Allocation attempts already in
// flight observe the missing liveness marker and abort.
func (r *RedisSchedulingRepository) CancelSession(workload *schedulerobjects.SessionWorkload) error {
	pipe := r.db.TxPipeline()
	pipe.Del(sessionPendingPrefix + string(workload.SessionID))
	pipe.Del(sessionWorkloadPrefix + string(workload.SessionID))
	pipe.LRem(pendingListPrefix+string(workload.ScalingGroup), 0, string(workload.SessionID))
	_, err := pipe.Exec()
	return errors.WithStack(err)
}

// AddRunningSession records an active session for occupancy and fair-share
// accounting.
func (r *RedisSchedulingRepository) AddRunningSession(scalingGroup schedulerobjects.ScalingGroup, session schedulerobjects.RunningSession) error {
	data, err := json.Marshal(session)
	if err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(r.db.HSet(runningPrefix+string(scalingGroup), string(session.SessionID), string(data)).Err())
}

func (r *RedisSchedulingRepository) SetKeypairPolicy(accessKey schedulerobjects.AccessKey, policy schedulerobjects.ResourcePolicy) error {
	return r.setPolicy(keypairPolicyPrefix+string(accessKey), policy)
}

func (r *RedisSchedulingRepository) SetUserPolicy(userID schedulerobjects.UserID, policy schedulerobjects.ResourcePolicy) error {
	return r.setPolicy(userPolicyPrefix+string(userID), policy)
}

func (r *RedisSchedulingRepository) SetGroupPolicy(groupID schedulerobjects.GroupID, policy schedulerobjects.ResourcePolicy) error {
	return r.setPolicy(groupPolicyPrefix+string(groupID), policy)
}

func (r *RedisSchedulingRepository) SetDomainPolicy(domain schedulerobjects.DomainName, policy schedulerobjects.ResourcePolicy) error {
	return r.setPolicy(domainPolicyPrefix+string(domain), policy)
}

func (r *RedisSchedulingRepository) setPolicy(key string, policy schedulerobjects.ResourcePolicy) error {
	data, err := json.Marshal(policy)
	if err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(r.db.Set(key, string(data), 0).Err())
}

// SetConcurrency records a keypair's currently active session counts.
func (r *RedisSchedulingRepository) SetConcurrency(accessKey schedulerobjects.AccessKey, sessions int, sftpSessions int) error {
	return errors.WithStack(r.db.HMSet(concurrencyPrefix+string(accessKey), map[string]interface{}{
		"sessions": sessions,
		"sftp":     sftpSessions,
	}).Err())
}

// SetDependencies records the dependency edges of one session together with
// their current completion status.
func (r *RedisSchedulingRepository) SetDependencies(sessionID schedulerobjects.SessionID, deps []schedulerobjects.SessionDependency) error {
	data, err := json.Marshal(deps)
	if err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(r.db.Set(dependencyPrefix+string(sessionID), string(data), 0).Err())
}

func (r *RedisSchedulingRepository) GetSchedulingData(
	ctx context.Context,
	scalingGroup schedulerobjects.ScalingGroup,
) (*schedulerobjects.SchedulingData, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.WithStack(err)
	}

	metaRaw, err := r.db.HGet(scalingGroupsKey, string(scalingGroup)).Result()
	if err == redis.Nil {
		return nil, &schedulererrors.ErrUnknownScalingGroup{ScalingGroup: scalingGroup}
	} else if err != nil {
		return nil, errors.WithStack(err)
	}
	var meta schedulerobjects.ScalingGroupMeta
	if err := json.Unmarshal([]byte(metaRaw), &meta); err != nil {
		return nil, errors.WithStack(err)
	}

	agents, err := r.readAgents(scalingGroup)
	if err != nil {
		return nil, err
	}
	pending, err := r.readPendingWorkloads(scalingGroup)
	if err != nil {
		return nil, err
	}
	running, err := r.readRunningSessions(scalingGroup)
	if err != nil {
		return nil, err
	}

	agentIDs := make([]schedulerobjects.AgentID, len(agents))
	for i, agent := range agents {
		agentIDs[i] = agent.AgentID
	}
	occupancyByAgent, err := r.occupancy.GetOccupancy(ctx, agentIDs)
	if err != nil {
		return nil, err
	}
	totalCapacity := schedulerobjects.ResourceSlot{}
	for _, agent := range agents {
		agent.OccupiedSlots = occupancyByAgent[agent.AgentID]
		if agent.OccupiedSlots == nil {
			agent.OccupiedSlots = schedulerobjects.ResourceSlot{}
		}
		totalCapacity = totalCapacity.Add(agent.AvailableSlots)
	}

	snapshot, err := r.buildSnapshot(totalCapacity, pending, running, occupancyByAgent)
	if err != nil {
		return nil, err
	}
	return &schedulerobjects.SchedulingData{
		ScalingGroup:    meta,
		PendingSessions: pending,
		RunningSessions: running,
		Agents:          agents,
		Snapshot:        snapshot,
	}, nil
}

func (r *RedisSchedulingRepository) readAgents(scalingGroup schedulerobjects.ScalingGroup) ([]*schedulerobjects.AgentMeta, error) {
	vals, err := r.db.HGetAll(agentMetaPrefix + string(scalingGroup)).Result()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	rv := make([]*schedulerobjects.AgentMeta, 0, len(vals))
	for _, v := range vals {
		agent := &schedulerobjects.AgentMeta{}
		if err := json.Unmarshal([]byte(v), agent); err != nil {
			return nil, errors.WithStack(err)
		}
		rv = append(rv, agent)
	}
	return rv, nil
}

func (r *RedisSchedulingRepository) readPendingWorkloads(scalingGroup schedulerobjects.ScalingGroup) ([]*schedulerobjects.SessionWorkload, error) {
	ids, err := r.db.LRange(pendingListPrefix+string(scalingGroup), 0, -1).Result()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := r.db.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(sessionWorkloadPrefix + id)
	}
	if _, err := pipe.Exec(); err != nil && err != redis.Nil {
		return nil, errors.WithStack(err)
	}
	rv := make([]*schedulerobjects.SessionWorkload, 0, len(ids))
	for _, cmd := range cmds {
		raw, err := cmd.Result()
		if err == redis.Nil {
			// Cancelled after the list read; skip.
			continue
		} else if err != nil {
			return nil, errors.WithStack(err)
		}
		workload := &schedulerobjects.SessionWorkload{}
		if err := json.Unmarshal([]byte(raw), workload); err != nil {
			return nil, errors.WithStack(err)
		}
		rv = append(rv, workload)
	}
	return rv, nil
}

func (r *RedisSchedulingRepository) readRunningSessions(scalingGroup schedulerobjects.ScalingGroup) ([]schedulerobjects.RunningSession, error) {
	vals, err := r.db.HGetAll(runningPrefix + string(scalingGroup)).Result()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	rv := make([]schedulerobjects.RunningSession, 0, len(vals))
	for _, v := range vals {
		var session schedulerobjects.RunningSession
		if err := json.Unmarshal([]byte(v), &session); err != nil {
			return nil, errors.WithStack(err)
		}
		rv = append(rv, session)
	}
	return rv, nil
}

func (r *RedisSchedulingRepository) buildSnapshot(
	totalCapacity schedulerobjects.ResourceSlot,
	pending []*schedulerobjects.SessionWorkload,
	running []schedulerobjects.RunningSession,
	occupancyByAgent map[schedulerobjects.AgentID]schedulerobjects.ResourceSlot,
) (*schedulerobjects.SystemSnapshot, error) {
	snapshot := &schedulerobjects.SystemSnapshot{
		TakenAt:       time.Now(),
		TotalCapacity: totalCapacity,
		ResourceOccupancy: schedulerobjects.OccupancySnapshot{
			ByKeypair: map[schedulerobjects.AccessKey]schedulerobjects.ResourceSlot{},
			ByUser:    map[schedulerobjects.UserID]schedulerobjects.ResourceSlot{},
			ByGroup:   map[schedulerobjects.GroupID]schedulerobjects.ResourceSlot{},
			ByDomain:  map[schedulerobjects.DomainName]schedulerobjects.ResourceSlot{},
			ByAgent:   occupancyByAgent,
		},
		ResourcePolicy: schedulerobjects.PolicySnapshot{
			ByKeypair: map[schedulerobjects.AccessKey]schedulerobjects.ResourcePolicy{},
			ByUser:    map[schedulerobjects.UserID]schedulerobjects.ResourcePolicy{},
			ByGroup:   map[schedulerobjects.GroupID]schedulerobjects.ResourcePolicy{},
			ByDomain:  map[schedulerobjects.DomainName]schedulerobjects.ResourcePolicy{},
		},
		Concurrency: schedulerobjects.ConcurrencySnapshot{
			SessionsByKeypair:     map[schedulerobjects.AccessKey]int{},
			SFTPSessionsByKeypair: map[schedulerobjects.AccessKey]int{},
		},
		PendingSessions:     map[schedulerobjects.AccessKey][]schedulerobjects.PendingSessionInfo{},
		SessionDependencies: map[schedulerobjects.SessionID][]schedulerobjects.SessionDependency{},
		KnownSlotTypes:      totalCapacity.SlotNames(),
	}

	for _, session := range running {
		occupied := snapshot.ResourceOccupancy.ByKeypair[session.AccessKey]
		if occupied == nil {
			occupied = schedulerobjects.ResourceSlot{}
		}
		snapshot.ResourceOccupancy.ByKeypair[session.AccessKey] = occupied.Add(session.OccupiedSlots)
	}

	for _, workload := range pending {
		snapshot.PendingSessions[workload.AccessKey] = append(snapshot.PendingSessions[workload.AccessKey], schedulerobjects.PendingSessionInfo{
			SessionID:      workload.SessionID,
			RequestedSlots: workload.RequestedSlots,
			CreatedAt:      workload.CreatedAt,
		})
		if err := r.loadKeypairState(snapshot, workload.AccessKey); err != nil {
			return nil, err
		}
		if err := r.loadScopedPolicies(snapshot, workload); err != nil {
			return nil, err
		}
		if err := r.loadDependencies(snapshot, workload); err != nil {
			return nil, err
		}
	}
	return snapshot, nil
}

// loadKeypairState fills the keypair-scoped policy and concurrency rows,
// serving repeated reads from kernelCache until a session of that keypair
// changes state and InvalidateKernelRelatedCache drops the entry.
func (r *RedisSchedulingRepository) loadKeypairState(snapshot *schedulerobjects.SystemSnapshot, accessKey schedulerobjects.AccessKey) error {
	if _, ok := snapshot.Concurrency.SessionsByKeypair[accessKey]; ok {
		return nil
	}
	var state keypairKernelState
	if cached, ok := r.kernelCache.Get(string(accessKey)); ok {
		state = cached.(keypairKernelState)
	} else {
		policy, hasPolicy, err := r.getPolicy(keypairPolicyPrefix + string(accessKey))
		if err != nil {
			return err
		}
		vals, err := r.db.HGetAll(concurrencyPrefix + string(accessKey)).Result()
		if err != nil {
			return errors.WithStack(err)
		}
		state = keypairKernelState{
			policy:       policy,
			hasPolicy:    hasPolicy,
			sessions:     atoiOrZero(vals["sessions"]),
			sftpSessions: atoiOrZero(vals["sftp"]),
		}
		r.kernelCache.Set(string(accessKey), state, gocache.DefaultExpiration)
	}
	if state.hasPolicy {
		snapshot.ResourcePolicy.ByKeypair[accessKey] = state.policy
	}
	snapshot.Concurrency.SessionsByKeypair[accessKey] = state.sessions
	snapshot.Concurrency.SFTPSessionsByKeypair[accessKey] = state.sftpSessions
	return nil
}

func (r *RedisSchedulingRepository) loadScopedPolicies(snapshot *schedulerobjects.SystemSnapshot, workload *schedulerobjects.SessionWorkload) error {
	if _, ok := snapshot.ResourcePolicy.ByUser[workload.UserID]; !ok {
		policy, ok, err := r.getPolicy(userPolicyPrefix + string(workload.UserID))
		if err != nil {
			return err
		}
		if ok {
			snapshot.ResourcePolicy.ByUser[workload.UserID] = policy
		}
	}
	if _, ok := snapshot.ResourcePolicy.ByGroup[workload.GroupID]; !ok {
		policy, ok, err := r.getPolicy(groupPolicyPrefix + string(workload.GroupID))
		if err != nil {
			return err
		}
		if ok {
			snapshot.ResourcePolicy.ByGroup[workload.GroupID] = policy
		}
	}
	if _, ok := snapshot.ResourcePolicy.ByDomain[workload.DomainName]; !ok {
		policy, ok, err := r.getPolicy(domainPolicyPrefix + string(workload.DomainName))
		if err != nil {
			return err
		}
		if ok {
			snapshot.ResourcePolicy.ByDomain[workload.DomainName] = policy
		}
	}
	return nil
}

func (r *RedisSchedulingRepository) getPolicy(key string) (schedulerobjects.ResourcePolicy, bool, error) {
	raw, err := r.db.Get(key).Result()
	if err == redis.Nil {
		return schedulerobjects.ResourcePolicy{}, false, nil
	} else if err != nil {
		return schedulerobjects.ResourcePolicy{}, false, errors.WithStack(err)
	}
	var policy schedulerobjects.ResourcePolicy
	if err := json.Unmarshal([]byte(raw), &policy); err != nil {
		return schedulerobjects.ResourcePolicy{}, false, errors.WithStack(err)
	}
	return policy, true, nil
}

func (r *RedisSchedulingRepository) loadDependencies(snapshot *schedulerobjects.SystemSnapshot, workload *schedulerobjects.SessionWorkload) error {
	if len(workload.Dependencies) == 0 {
		return nil
	}
	raw, err := r.db.Get(dependencyPrefix + string(workload.SessionID)).Result()
	if err == redis.Nil {
		return nil
	} else if err != nil {
		return errors.WithStack(err)
	}
	var deps []schedulerobjects.SessionDependency
	if err := json.Unmarshal([]byte(raw), &deps); err != nil {
		return errors.WithStack(err)
	}
	snapshot.SessionDependencies[workload.SessionID] = deps
	return nil
}

func (r *RedisSchedulingRepository) InvalidateKernelRelatedCache(ctx context.Context, accessKeys []schedulerobjects.AccessKey) error {
	if err := ctx.Err(); err != nil {
		return errors.WithStack(err)
	}
	for _, accessKey := range accessKeys {
		r.kernelCache.Delete(string(accessKey))
	}
	return nil
}

// RecordSchedulingFailure rewrites the workload's status data under an
// optimistic transaction so concurrent updates cannot lose retries.
func (r *RedisSchedulingRepository) RecordSchedulingFailure(
	ctx context.Context,
	sessionID schedulerobjects.SessionID,
	reason string,
	chargeRetry bool,
) error {
	if err := ctx.Err(); err != nil {
		return errors.WithStack(err)
	}
	key := sessionWorkloadPrefix + string(sessionID)
	return r.db.Watch(func(tx *redis.Tx) error {
		raw, err := tx.Get(key).Result()
		if err == redis.Nil {
			// Cancelled meanwhile; nothing to record.
			return nil
		} else if err != nil {
			return errors.WithStack(err)
		}
		workload := &schedulerobjects.SessionWorkload{}
		if err := json.Unmarshal([]byte(raw), workload); err != nil {
			return errors.WithStack(err)
		}
		if chargeRetry {
			workload.StatusData.Retries++
		}
		workload.StatusData.LastTry = time.Now()
		workload.StatusData.FailureReason = reason
		data, err := json.Marshal(workload)
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = tx.Pipelined(func(pipe redis.Pipeliner) error {
			pipe.Set(key, string(data), 0)
			return nil
		})
		return errors.WithStack(err)
	}, key)
}

func (r *RedisSchedulingRepository) MarkSessionScheduled(ctx context.Context, sessionID schedulerobjects.SessionID) error {
	if err := ctx.Err(); err != nil {
		return errors.WithStack(err)
	}
	raw, err := r.db.Get(sessionWorkloadPrefix + string(sessionID)).Result()
	if err == redis.Nil {
		return nil
	} else if err != nil {
		return errors.WithStack(err)
	}
	workload := &schedulerobjects.SessionWorkload{}
	if err := json.Unmarshal([]byte(raw), workload); err != nil {
		return errors.WithStack(err)
	}
	pipe := r.db.TxPipeline()
	pipe.LRem(pendingListPrefix+string(workload.ScalingGroup), 0, string(sessionID))
	pipe.Del(sessionWorkloadPrefix + string(sessionID))
	pipe.Del(sessionPendingPrefix + string(sessionID))
	_, err = pipe.Exec()
	return errors.WithStack(err)
}

func atoiOrZero(s string) int {
	rv, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return rv
}
