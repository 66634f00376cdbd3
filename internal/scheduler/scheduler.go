package scheduler

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/sokovanproject/sokovan/internal/scheduler/database"
	"github.com/sokovanproject/sokovan/internal/scheduler/leader"
	"github.com/sokovanproject/sokovan/internal/scheduler/schedulererrors"
	"github.com/sokovanproject/sokovan/internal/scheduler/schedulerobjects"
)

// Scheduler is the long-running loop driving provisioning passes. Each tick
// it consumes pending scheduling marks and, when a schedule mark was raised,
// runs one pass per scaling group it holds leadership for. A pass is forced
// every forceInterval even without a mark, so a lost mark cannot stall the
// queue. Groups are scheduled concurrently; sessions within one group
// strictly sequentially.
type Scheduler struct {
	provisioner  *SessionProvisioner
	repo         database.SchedulingRepository
	markStore    database.MarkStore
	leadership   leader.LeaderController
	metrics      *Metrics
	tickInterval time.Duration
	passTimeout  time.Duration
	// Upper bound on the time between passes when no marks arrive.
	forceInterval time.Duration
	lastPass      time.Time
	clock         func() time.Time
}

func NewScheduler(
	provisioner *SessionProvisioner,
	repo database.SchedulingRepository,
	markStore database.MarkStore,
	leadership leader.LeaderController,
	metrics *Metrics,
	tickInterval time.Duration,
	passTimeout time.Duration,
) *Scheduler {
	return &Scheduler{
		provisioner:   provisioner,
		repo:          repo,
		markStore:     markStore,
		leadership:    leadership,
		metrics:       metrics,
		tickInterval:  tickInterval,
		passTimeout:   passTimeout,
		forceInterval: 10 * tickInterval,
		clock:         time.Now,
	}
}

// Run ticks until ctx is cancelled. Errors within a tick are logged and do
// not stop the loop.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				log.WithError(err).Error("scheduling tick failed")
			}
		}
	}
}

// Tick consumes the pending marks and runs one round of passes over all
// scaling groups when a schedule mark was raised, or when more than
// forceInterval elapsed since the last round.
func (s *Scheduler) Tick(ctx context.Context) error {
	start := s.clock()

	marks, err := s.markStore.TakeSchedulingMarks(ctx)
	if err != nil {
		return err
	}
	if len(marks) > 0 {
		log.WithField("marks", marks).Debug("consumed scheduling marks")
	}
	marked := false
	for _, mark := range marks {
		if mark == schedulerobjects.ScheduleTypeSchedule {
			marked = true
			break
		}
	}
	if !marked && !s.lastPass.IsZero() && start.Sub(s.lastPass) < s.forceInterval {
		log.Debug("no schedule mark raised, skipping tick")
		return nil
	}
	s.lastPass = start

	groups, err := s.repo.ListScalingGroups(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, group := range groups {
		meta := group
		g.Go(func() error {
			s.scheduleGroup(gctx, meta.Name)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	log.WithField("duration", s.clock().Sub(start)).Debug("scheduling tick complete")
	return nil
}

// scheduleGroup acquires leadership for one group and runs one pass.
// All failure modes are logged rather than propagated: one group's
// trouble must not starve the others.
func (s *Scheduler) scheduleGroup(ctx context.Context, group schedulerobjects.ScalingGroup) {
	logger := log.WithField("scalingGroup", group)

	token, isLeader, err := s.leadership.TryBecomeLeaderForGroup(ctx, group)
	if err != nil {
		logger.WithError(err).Error("leadership acquisition failed")
		return
	}
	if s.metrics != nil {
		leaderValue := 0.0
		if isLeader {
			leaderValue = 1
		}
		s.metrics.IsLeader.WithLabelValues(string(group)).Set(leaderValue)
	}
	if !isLeader {
		logger.Debug("not leader, skipping pass")
		return
	}

	passCtx := ctx
	var cancel context.CancelFunc
	if s.passTimeout > 0 {
		passCtx, cancel = context.WithTimeout(ctx, s.passTimeout)
		defer cancel()
	}

	result, err := s.provisioner.ScheduleScalingGroup(passCtx, group, token)
	outcome := "success"
	if err != nil {
		var lost *schedulererrors.ErrLostLeadership
		if errors.As(err, &lost) {
			outcome = "lost_leadership"
			logger.Warn("lost leadership mid-pass, aborting")
		} else {
			outcome = "error"
			logger.WithError(err).Error("provisioning pass failed")
		}
	} else if len(result.Scheduled) > 0 {
		logger.WithFields(log.Fields{
			"scheduled": len(result.Scheduled),
			"pending":   len(result.RemainingPending),
		}).Info("provisioning pass complete")
	}
	if s.metrics != nil {
		s.metrics.PassesTotal.WithLabelValues(string(group), outcome).Inc()
	}
}
