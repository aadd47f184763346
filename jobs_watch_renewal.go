package main

import (
	"context"
	"log"
	"time"

	"caldesk-cloud/metrics"
	"caldesk-cloud/watch"
)

// WatchRenewalJob periodically replaces watch channels that are close to
// expiring, so push delivery never lapses between Google's 7-day channel
// lifetimes.
type WatchRenewalJob struct {
	watches   *watch.Manager
	interval  time.Duration
	lookahead time.Duration
	enabled   bool
}

// NewWatchRenewalJob creates the renewal sweep.
func NewWatchRenewalJob(watches *watch.Manager, interval, lookahead time.Duration, enabled bool) *WatchRenewalJob {
	return &WatchRenewalJob{
		watches:   watches,
		interval:  interval,
		lookahead: lookahead,
		enabled:   enabled,
	}
}

// Start launches the sweep loop. It returns immediately.
func (j *WatchRenewalJob) Start(ctx context.Context) {
	if !j.enabled || !j.watches.Enabled() {
		log.Println("Watch renewal job disabled")
		return
	}
	log.Printf("Watch renewal job started, interval %s, lookahead %s", j.interval, j.lookahead)
	go j.loop(ctx)
}

func (j *WatchRenewalJob) loop(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.runOnce(ctx)
		}
	}
}

// runOnce renews every channel expiring inside the lookahead window. A
// failed renewal is recorded on the channel's last error and retried on the
// next sweep.
func (j *WatchRenewalJob) runOnce(ctx context.Context) {
	expiring, err := j.watches.ExpiringWithin(ctx, j.lookahead)
	if err != nil {
		log.Printf("Warning: renewal sweep failed to list channels: %v", err)
		return
	}
	if len(expiring) == 0 {
		return
	}

	renewed := 0
	for _, channel := range expiring {
		if _, err := j.watches.Renew(ctx, channel); err != nil {
			metrics.WatchRenewals.WithLabelValues("error").Inc()
			j.watches.RecordRenewalFailure(ctx, channel.ID, err)
			log.Printf("Warning: failed to renew channel %s for user %s: %v", channel.ID, channel.UserID, err)
			continue
		}
		metrics.WatchRenewals.WithLabelValues("ok").Inc()
		renewed++
	}
	log.Printf("Renewal sweep: %d/%d channels renewed", renewed, len(expiring))
}
