package scheduler

import (
	"context"

	"github.com/go-redis/redis"
	log "github.com/sirupsen/logrus"

	"github.com/sokovanproject/sokovan/internal/scheduler/allocation"
	"github.com/sokovanproject/sokovan/internal/scheduler/configuration"
	"github.com/sokovanproject/sokovan/internal/scheduler/database"
	"github.com/sokovanproject/sokovan/internal/scheduler/fairshare"
	"github.com/sokovanproject/sokovan/internal/scheduler/leader"
)

// Run wires the redis-backed scheduler from config and ticks until ctx is
// cancelled.
func Run(ctx context.Context, config *configuration.SokovanConfig, metrics *Metrics) error {
	log.Info("Sokovan scheduler starting")
	defer log.Info("Sokovan scheduler shutting down")

	db := redis.NewUniversalClient(&config.Redis)
	defer func() {
		if err := db.Close(); err != nil {
			log.WithError(err).Error("failed to close redis client")
		}
	}()

	repo := database.NewRedisSchedulingRepository(db)
	occupancy := database.NewRedisOccupancyStore(db)
	queueCache := database.NewRedisQueueCache(db)
	markStore := database.NewRedisMarkStore(db)
	usage := database.NewRedisUsageRepository(db)

	fairShareParams := fairshare.DefaultParams()
	if config.FairShare.LookbackWindow > 0 {
		fairShareParams.LookbackWindow = config.FairShare.LookbackWindow
	}
	if config.FairShare.HalfLife > 0 {
		fairShareParams.HalfLife = config.FairShare.HalfLife
	}
	if config.FairShare.DecayUnit > 0 {
		fairShareParams.DecayUnit = config.FairShare.DecayUnit
	}
	weigher := fairshare.NewWeigher(usage, fairShareParams)

	var leadership leader.LeaderController
	if config.Scheduling.Standalone {
		leadership = leader.NewStandaloneLeaderController()
	} else {
		leadership = leader.NewLeaseLeaderController(
			leader.NewRedisLeadershipClient(db),
			config.Scheduling.LeaseDuration,
		)
	}

	provisioner := NewSessionProvisioner(
		repo,
		queueCache,
		markStore,
		allocation.NewAllocator(occupancy),
		leadership,
		weigher,
		metrics,
	)
	scheduler := NewScheduler(
		provisioner,
		repo,
		markStore,
		leadership,
		metrics,
		config.Scheduling.TickInterval,
		config.Scheduling.PassTimeout,
	)
	return scheduler.Run(ctx)
}
