// Package syncer pulls provider changes into the event mirror, either as a
// full re-list or an incremental pass driven by a sync cursor.
package syncer

import (
	"context"
	"fmt"
	"log"

	"caldesk-cloud/gcal"
	"caldesk-cloud/mirror"
	"caldesk-cloud/watch"
)

// Result summarizes one sync pass.
type Result struct {
	Full    bool `json:"full"`
	Pages   int  `json:"pages"`
	Applied int  `json:"applied"`
	Skipped int  `json:"skipped"`
}

// Engine runs sync passes for (user, calendar) pairs.
type Engine struct {
	providers gcal.ProviderFactory
	mirror    *mirror.Service
	channels  *watch.Manager
}

// NewEngine wires the sync engine to its provider, mirror and cursor store.
func NewEngine(providers gcal.ProviderFactory, mirrorService *mirror.Service, channels *watch.Manager) *Engine {
	return &Engine{
		providers: providers,
		mirror:    mirrorService,
		channels:  channels,
	}
}

// Sync runs an incremental pass, or a full pass when forced.
func (e *Engine) Sync(ctx context.Context, userID, calendarID string, force bool) (*Result, error) {
	if force {
		return e.FullSync(ctx, userID, calendarID)
	}
	return e.IncrementalSync(ctx, userID, calendarID)
}

// FullSync re-lists the whole calendar, applies every event to the mirror
// and seeds the sync cursor from the final page.
func (e *Engine) FullSync(ctx context.Context, userID, calendarID string) (*Result, error) {
	provider, err := e.providers(ctx, userID)
	if err != nil {
		return nil, err
	}

	result := &Result{Full: true}
	pageToken := ""
	for {
		page, err := provider.ListEvents(ctx, gcal.ListRequest{
			CalendarID:       calendarID,
			PageToken:        pageToken,
			MaxResults:       gcal.DefaultPageSize,
			ShowDeleted:      true,
			SingleEvents:     true,
			OrderByStartTime: true,
		})
		if err != nil {
			return nil, fmt.Errorf("full sync listing failed: %w", err)
		}
		e.applyPage(ctx, userID, calendarID, page, result)

		if page.NextSyncToken != "" {
			if err := e.channels.SetSyncToken(ctx, userID, calendarID, page.NextSyncToken); err != nil {
				log.Printf("Warning: failed to store sync token for user %s calendar %s: %v", userID, calendarID, err)
			}
		}
		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	log.Printf("Full sync for user %s calendar %s: %d pages, %d applied, %d skipped",
		userID, calendarID, result.Pages, result.Applied, result.Skipped)
	return result, nil
}

// IncrementalSync applies changes since the stored cursor. Without a cursor,
// or when Google reports the cursor stale, it falls back to a full sync
// without surfacing the staleness to the caller.
func (e *Engine) IncrementalSync(ctx context.Context, userID, calendarID string) (*Result, error) {
	syncToken, err := e.channels.SyncToken(ctx, userID, calendarID)
	if err != nil {
		return nil, err
	}
	if syncToken == "" {
		return e.FullSync(ctx, userID, calendarID)
	}

	provider, err := e.providers(ctx, userID)
	if err != nil {
		return nil, err
	}

	result := &Result{}
	pageToken := ""
	for {
		page, err := provider.ListEvents(ctx, gcal.ListRequest{
			CalendarID:   calendarID,
			SyncToken:    syncToken,
			PageToken:    pageToken,
			MaxResults:   gcal.DefaultPageSize,
			ShowDeleted:  true,
			SingleEvents: true,
		})
		if gcal.IsStaleSyncToken(err) {
			log.Printf("Sync token stale for user %s calendar %s, falling back to full sync", userID, calendarID)
			if clearErr := e.channels.ClearSyncToken(ctx, userID, calendarID); clearErr != nil {
				log.Printf("Warning: failed to clear stale sync token: %v", clearErr)
			}
			return e.FullSync(ctx, userID, calendarID)
		}
		if err != nil {
			return nil, fmt.Errorf("incremental sync listing failed: %w", err)
		}
		e.applyPage(ctx, userID, calendarID, page, result)

		if page.NextSyncToken != "" {
			if err := e.channels.SetSyncToken(ctx, userID, calendarID, page.NextSyncToken); err != nil {
				log.Printf("Warning: failed to store sync token for user %s calendar %s: %v", userID, calendarID, err)
			}
		}
		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}
	return result, nil
}

// applyPage feeds one page of events through the mirror. A failing event is
// logged and skipped so it cannot stall the rest of the page.
func (e *Engine) applyPage(ctx context.Context, userID, calendarID string, page *gcal.EventsPage, result *Result) {
	result.Pages++
	for _, event := range page.Events {
		applied, err := e.mirror.UpsertFromProvider(ctx, userID, calendarID, event, false)
		if err != nil {
			log.Printf("Warning: failed to apply event %s for user %s: %v", event.Id, userID, err)
			result.Skipped++
			continue
		}
		if applied {
			result.Applied++
		} else {
			result.Skipped++
		}
	}
}
