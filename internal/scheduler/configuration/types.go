package configuration

import (
	"time"

	"github.com/go-redis/redis"
)

type SokovanConfig struct {
	MetricsPort uint16
	// Redis holds the occupancy store, pending-session flags, leadership
	// leases, decayed-usage buckets and scheduling marks.
	Redis redis.UniversalOptions

	Scheduling SchedulingConfig
	FairShare  FairShareConfig
}

type SchedulingConfig struct {
	// Interval between scheduling passes when no marks arrive earlier.
	TickInterval time.Duration
	// Upper bound on one pass over one scaling group.
	PassTimeout time.Duration
	// Leadership lease duration per scaling group. Ignored when
	// Standalone is set.
	LeaseDuration time.Duration
	// Standalone disables leader election; every pass assumes leadership.
	// For single-replica deployments and tests.
	Standalone bool
}

type FairShareConfig struct {
	// Usage older than this is ignored entirely.
	LookbackWindow time.Duration
	// Age at which past usage counts half.
	HalfLife time.Duration
	// Granularity of usage buckets.
	DecayUnit time.Duration
}
