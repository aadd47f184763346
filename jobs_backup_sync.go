package main

import (
	"context"
	"log"
	"time"

	"caldesk-cloud/metrics"
	"caldesk-cloud/security"
	"caldesk-cloud/syncer"
	"caldesk-cloud/watch"
)

// BackupSyncJob periodically runs an incremental sync for every connected
// account, catching changes whose push notifications were lost.
type BackupSyncJob struct {
	credentials *security.CredentialStore
	engine      *syncer.Engine
	watches     *watch.Manager
	interval    time.Duration
	enabled     bool
}

// NewBackupSyncJob creates the backup sweep.
func NewBackupSyncJob(credentials *security.CredentialStore, engine *syncer.Engine, watches *watch.Manager, interval time.Duration, enabled bool) *BackupSyncJob {
	return &BackupSyncJob{
		credentials: credentials,
		engine:      engine,
		watches:     watches,
		interval:    interval,
		enabled:     enabled,
	}
}

// Start launches the sweep loop. It returns immediately.
func (j *BackupSyncJob) Start(ctx context.Context) {
	if !j.enabled {
		log.Println("Backup sync job disabled")
		return
	}
	log.Printf("Backup sync job started, interval %s", j.interval)
	go j.loop(ctx)
}

func (j *BackupSyncJob) loop(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.runOnce(ctx)
		}
	}
}

// runOnce syncs each account's watched calendars, falling back to the
// primary calendar when no watch exists. One failing account never blocks
// the rest of the sweep.
func (j *BackupSyncJob) runOnce(ctx context.Context) {
	accounts, err := j.credentials.ListActiveAccounts(ctx)
	if err != nil {
		log.Printf("Warning: backup sweep failed to list accounts: %v", err)
		return
	}

	succeeded, failed := 0, 0
	for _, account := range accounts {
		calendars, err := j.watches.ActiveCalendarsForUser(ctx, account.UserID)
		if err != nil {
			log.Printf("Warning: backup sweep failed to list calendars for user %s: %v", account.UserID, err)
		}
		if len(calendars) == 0 {
			calendars = []string{"primary"}
		}

		for _, calendarID := range calendars {
			result, err := j.engine.IncrementalSync(ctx, account.UserID, calendarID)
			if err != nil {
				metrics.RecordSync(false, 0, err)
				log.Printf("Warning: backup sync failed for user %s calendar %s: %v", account.UserID, calendarID, err)
				failed++
				continue
			}
			metrics.RecordSync(result.Full, result.Applied, nil)
			succeeded++
		}
	}
	if succeeded > 0 || failed > 0 {
		log.Printf("Backup sweep: %d syncs succeeded, %d failed", succeeded, failed)
	}
}
