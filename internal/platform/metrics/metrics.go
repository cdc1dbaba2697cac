// Package metrics defines the Prometheus instrumentation shared by the
// webhook ingress and the task worker.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	WebhooksReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "advisor_webhooks_received_total",
			Help: "Total number of webhook deliveries received, by source.",
		},
		[]string{"source"},
	)

	WebhooksRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "advisor_webhooks_rejected_total",
			Help: "Total number of webhook deliveries rejected, by source and reason.",
		},
		[]string{"source", "reason"}, // auth, invalid_payload, rate_limited
	)

	WebhooksDedupedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "advisor_webhooks_deduped_total",
			Help: "Total number of replayed deliveries absorbed by dedup records.",
		},
		[]string{"source"},
	)

	RulesMatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "advisor_rules_matched_total",
			Help: "Total number of rule matches, by action.",
		},
		[]string{"action"},
	)

	TasksEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "advisor_tasks_enqueued_total",
			Help: "Total number of tasks persisted, by type.",
		},
		[]string{"type"},
	)

	TasksClaimedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "advisor_tasks_claimed_total",
			Help: "Total number of tasks claimed by workers.",
		},
	)

	TasksCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "advisor_tasks_completed_total",
			Help: "Total number of task executions by outcome.",
		},
		[]string{"outcome"}, // done, retried, failed
	)

	OrphansReclaimedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "advisor_orphans_reclaimed_total",
			Help: "Total number of in_progress tasks reset by the orphan sweep.",
		},
	)
)

// MustRegister attaches every collector in this package to the registry.
func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		WebhooksReceivedTotal,
		WebhooksRejectedTotal,
		WebhooksDedupedTotal,
		RulesMatchedTotal,
		TasksEnqueuedTotal,
		TasksClaimedTotal,
		TasksCompletedTotal,
		OrphansReclaimedTotal,
	)
}
