package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the prometheus collectors exported by the scheduling pipeline.
type Metrics struct {
	PassesTotal              *prometheus.CounterVec
	SessionsScheduledTotal   *prometheus.CounterVec
	ValidationFailuresTotal  *prometheus.CounterVec
	AllocationConflictsTotal *prometheus.CounterVec
	PendingSessions          *prometheus.GaugeVec
	IsLeader                 *prometheus.GaugeVec
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		PassesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sokovan_scheduler_passes_total",
			Help: "Number of provisioning passes run, by scaling group and outcome.",
		}, []string{"scaling_group", "outcome"}),
		SessionsScheduledTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sokovan_scheduler_sessions_scheduled_total",
			Help: "Number of sessions successfully allocated.",
		}, []string{"scaling_group"}),
		ValidationFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sokovan_scheduler_validation_failures_total",
			Help: "Number of sessions rejected by admission validators.",
		}, []string{"scaling_group"}),
		AllocationConflictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sokovan_scheduler_allocation_conflicts_total",
			Help: "Number of allocation commits lost to concurrent passes.",
		}, []string{"scaling_group"}),
		PendingSessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sokovan_scheduler_pending_sessions",
			Help: "Number of sessions left pending after the latest pass.",
		}, []string{"scaling_group"}),
		IsLeader: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sokovan_scheduler_is_leader",
			Help: "Whether this instance currently holds the scheduling lease.",
		}, []string{"scaling_group"}),
	}
	if registerer != nil {
		registerer.MustRegister(
			m.PassesTotal,
			m.SessionsScheduledTotal,
			m.ValidationFailuresTotal,
			m.AllocationConflictsTotal,
			m.PendingSessions,
			m.IsLeader,
		)
	}
	return m
}
