// Package metrics exposes Prometheus counters for the sync pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SyncRuns counts sync passes by kind and outcome.
	SyncRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calendar_sync_runs_total",
		Help: "Sync passes executed, by kind (full/incremental) and result.",
	}, []string{"kind", "result"})

	// EventsApplied counts mirror rows written by sync passes.
	EventsApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "calendar_sync_events_applied_total",
		Help: "Provider events applied to the local mirror.",
	})

	// WebhookNotifications counts received push notifications by state.
	WebhookNotifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calendar_webhook_notifications_total",
		Help: "Google push notifications received, by resource state.",
	}, []string{"state"})

	// WatchRenewals counts renewal sweep outcomes.
	WatchRenewals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calendar_watch_renewals_total",
		Help: "Watch channel renewals, by result.",
	}, []string{"result"})

	// TokenRefreshes counts credential refresh outcomes.
	TokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calendar_token_refreshes_total",
		Help: "OAuth access token refreshes, by result.",
	}, []string{"result"})
)

// RecordSync updates the sync counters for one finished pass.
func RecordSync(full bool, applied int, err error) {
	kind := "incremental"
	if full {
		kind = "full"
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	SyncRuns.WithLabelValues(kind, result).Inc()
	if applied > 0 {
		EventsApplied.Add(float64(applied))
	}
}
