// Package leader enforces the at-most-one-active-scheduler-per-pool
// invariant through TTL leases held in a shared key-value store.
package leader

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sokovanproject/sokovan/internal/scheduler/schedulerobjects"
)

// LeaderToken is handed out when leadership for a scaling group is acquired.
// Callers keep the token for the duration of a pass and re-validate it at
// suspension points; an invalid token means the lease was lost and the pass
// must abort without further commits.
type LeaderToken struct {
	leader bool
	id     uuid.UUID
}

// InvalidLeaderToken returns a token indicating this instance is not leader.
func InvalidLeaderToken() LeaderToken {
	return LeaderToken{leader: false, id: uuid.New()}
}

func newLeaderToken() LeaderToken {
	return LeaderToken{leader: true, id: uuid.New()}
}

// LeadershipClient is the store-side primitive: an atomic server-side
// compare-and-set keyed lease.
type LeadershipClient interface {
	// AcquireOrRenewLeadership takes the lease if free, renews it if this
	// server already holds it, and reports whether this server is leader.
	AcquireOrRenewLeadership(ctx context.Context, serverID, leaderKey string, leaseDuration time.Duration) (bool, error)
	// ReleaseLeadership gives the lease up if this server holds it.
	ReleaseLeadership(ctx context.Context, serverID, leaderKey string) (bool, error)
}

// LeaderController tracks per-scaling-group leadership for one scheduler
// instance.
type LeaderController interface {
	// TryBecomeLeaderForGroup acquires or renews the group's lease. The
	// returned token stays valid until a later validation fails.
	TryBecomeLeaderForGroup(ctx context.Context, scalingGroup schedulerobjects.ScalingGroup) (LeaderToken, bool, error)
	// ValidateToken re-checks a previously obtained token against the store.
	ValidateToken(ctx context.Context, scalingGroup schedulerobjects.ScalingGroup, token LeaderToken) bool
	// Release gives up the group's lease, e.g. on shutdown.
	Release(ctx context.Context, scalingGroup schedulerobjects.ScalingGroup) error
}

// StandaloneLeaderController is always leader. Used when only a single
// scheduler instance exists.
type StandaloneLeaderController struct {
	token LeaderToken
}

func NewStandaloneLeaderController() *StandaloneLeaderController {
	return &StandaloneLeaderController{token: newLeaderToken()}
}

func (c *StandaloneLeaderController) TryBecomeLeaderForGroup(ctx context.Context, scalingGroup schedulerobjects.ScalingGroup) (LeaderToken, bool, error) {
	return c.token, true, nil
}

func (c *StandaloneLeaderController) ValidateToken(ctx context.Context, scalingGroup schedulerobjects.ScalingGroup, token LeaderToken) bool {
	return token.leader && token.id == c.token.id
}

func (c *StandaloneLeaderController) Release(ctx context.Context, scalingGroup schedulerobjects.ScalingGroup) error {
	return nil
}

// LeaseLeaderController implements LeaderController on a LeadershipClient.
// Each scaling group has its own leader key, so different pools may be led
// by different replicas.
type LeaseLeaderController struct {
	client        LeadershipClient
	serverID      string
	leaseDuration time.Duration

	mu     sync.Mutex
	tokens map[schedulerobjects.ScalingGroup]LeaderToken
}

func NewLeaseLeaderController(client LeadershipClient, leaseDuration time.Duration) *LeaseLeaderController {
	return &LeaseLeaderController{
		client:        client,
		serverID:      uuid.New().String(),
		leaseDuration: leaseDuration,
		tokens:        make(map[schedulerobjects.ScalingGroup]LeaderToken),
	}
}

func leaderKey(scalingGroup schedulerobjects.ScalingGroup) string {
	return "Scheduler:Leader:" + string(scalingGroup)
}

func (c *LeaseLeaderController) TryBecomeLeaderForGroup(ctx context.Context, scalingGroup schedulerobjects.ScalingGroup) (LeaderToken, bool, error) {
	isLeader, err := c.client.AcquireOrRenewLeadership(ctx, c.serverID, leaderKey(scalingGroup), c.leaseDuration)
	if err != nil {
		return InvalidLeaderToken(), false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !isLeader {
		delete(c.tokens, scalingGroup)
		return InvalidLeaderToken(), false, nil
	}
	token, ok := c.tokens[scalingGroup]
	if !ok {
		// Fresh leadership epoch for this group.
		token = newLeaderToken()
		c.tokens[scalingGroup] = token
	}
	return token, true, nil
}

// ValidateToken renews the lease and confirms the token belongs to the
// current leadership epoch. A failed renewal invalidates the epoch: even if
// leadership is regained later, in-flight passes holding the old token stay
// aborted.
func (c *LeaseLeaderController) ValidateToken(ctx context.Context, scalingGroup schedulerobjects.ScalingGroup, token LeaderToken) bool {
	if !token.leader {
		return false
	}
	isLeader, err := c.client.AcquireOrRenewLeadership(ctx, c.serverID, leaderKey(scalingGroup), c.leaseDuration)
	c.mu.Lock()
	defer c.mu.Unlock()
	current, ok := c.tokens[scalingGroup]
	if err != nil || !isLeader {
		delete(c.tokens, scalingGroup)
		return false
	}
	return ok && current.id == token.id
}

func (c *LeaseLeaderController) Release(ctx context.Context, scalingGroup schedulerobjects.ScalingGroup) error {
	c.mu.Lock()
	delete(c.tokens, scalingGroup)
	c.mu.Unlock()
	_, err := c.client.ReleaseLeadership(ctx, c.serverID, leaderKey(scalingGroup))
	return err
}
