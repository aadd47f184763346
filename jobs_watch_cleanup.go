package main

import (
	"context"
	"log"
	"time"

	"caldesk-cloud/watch"
)

// WatchCleanupJob keeps the channel inventory tidy: overdue active channels
// are flipped to expired, and terminal records past retention are purged.
type WatchCleanupJob struct {
	watches   *watch.Manager
	interval  time.Duration
	retention time.Duration
	enabled   bool
}

// NewWatchCleanupJob creates the cleanup sweep.
func NewWatchCleanupJob(watches *watch.Manager, interval, retention time.Duration, enabled bool) *WatchCleanupJob {
	return &WatchCleanupJob{
		watches:   watches,
		interval:  interval,
		retention: retention,
		enabled:   enabled,
	}
}

// Start launches the sweep loop. It returns immediately.
func (j *WatchCleanupJob) Start(ctx context.Context) {
	if !j.enabled {
		log.Println("Watch cleanup job disabled")
		return
	}
	log.Printf("Watch cleanup job started, interval %s, retention %s", j.interval, j.retention)
	go j.loop(ctx)
}

func (j *WatchCleanupJob) loop(ctx context.Context) {
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

func (j *WatchCleanupJob) runOnce(ctx context.Context) {
	expired, err := j.watches.MarkExpired(ctx)
	if err != nil {
		log.Printf("Warning: cleanup sweep failed to mark expired channels: %v", err)
		return
	}
	purged, err := j.watches.PurgeTerminal(ctx, j.retention)
	if err != nil {
		log.Printf("Warning: cleanup sweep failed to purge channels: %v", err)
		return
	}
	if expired > 0 || purged > 0 {
		log.Printf("Cleanup sweep: %d channels expired, %d purged", expired, purged)
	}
}
