package mirror

import (
	"context"
	"fmt"
	"log"
	"time"

	calendar "google.golang.org/api/calendar/v3"

	"caldesk-cloud/gcal"
)

// DefaultAntiLoopWindow is how long after our own write an echoed provider
// notification for that event is ignored.
const DefaultAntiLoopWindow = 30 * time.Second

// Service applies provider events to the local mirror and pushes
// app-originated changes out to Google.
type Service struct {
	store          Store
	providers      gcal.ProviderFactory
	antiLoopWindow time.Duration
}

// NewService wires the mirror store to a provider factory.
func NewService(store Store, providers gcal.ProviderFactory) *Service {
	return &Service{
		store:          store,
		providers:      providers,
		antiLoopWindow: DefaultAntiLoopWindow,
	}
}

// SetAntiLoopWindow overrides the echo suppression window.
func (s *Service) SetAntiLoopWindow(d time.Duration) {
	if d > 0 {
		s.antiLoopWindow = d
	}
}

// Store exposes the underlying store for read paths.
func (s *Service) Store() Store {
	return s.store
}

// isRecentEcho detects our own write coming back through the provider feed:
// it carries the app marker and was updated within the anti-loop window.
func (s *Service) isRecentEcho(event *calendar.Event) bool {
	if !HasSourceMarker(event) {
		return false
	}
	if event.Updated == "" {
		return false
	}
	updated, err := time.Parse(time.RFC3339, event.Updated)
	if err != nil {
		return false
	}
	return time.Since(updated) < s.antiLoopWindow
}

// UpsertFromProvider applies a single provider event to the mirror. It
// returns whether the mirror changed. Malformed events are skipped, not
// failed, so one bad event cannot stall a sync pass. skipAntiLoop is set
// when mirroring our own successful write, where the marker is expected.
func (s *Service) UpsertFromProvider(ctx context.Context, userID, calendarID string, event *calendar.Event, skipAntiLoop bool) (bool, error) {
	if event == nil || event.Id == "" {
		log.Printf("Warning: skipping provider event without id for user %s", userID)
		return false, nil
	}

	if event.Status == StatusCancelled {
		existing, err := s.store.Get(ctx, userID, calendarID, event.Id)
		if err == ErrEventNotFound {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if existing.Status == StatusCancelled {
			return false, nil
		}
		existing.Status = StatusCancelled
		existing.LastSyncedAt = time.Now()
		if event.Etag != "" {
			existing.Etag = event.Etag
		}
		if err := s.store.Upsert(ctx, existing); err != nil {
			return false, err
		}
		return true, nil
	}

	if !skipAntiLoop && s.isRecentEcho(event) {
		return false, nil
	}

	row, err := FromProvider(userID, calendarID, event)
	if err != nil {
		log.Printf("Warning: skipping malformed provider event for user %s: %v", userID, err)
		return false, nil
	}
	if err := s.store.Upsert(ctx, row); err != nil {
		return false, err
	}
	return true, nil
}

// CreateOrUpdate writes an app-originated event to Google and mirrors the
// result. The outgoing event is tagged with the app marker, and the mirror
// write bypasses anti-loop filtering since the marker is our own.
func (s *Service) CreateOrUpdate(ctx context.Context, userID, calendarID string, event *calendar.Event) (*calendar.Event, error) {
	provider, err := s.providers(ctx, userID)
	if err != nil {
		return nil, err
	}

	TagSourceMarker(event)

	var saved *calendar.Event
	if event.Id != "" {
		saved, err = provider.UpdateEvent(ctx, calendarID, event.Id, event)
		if err != nil && gcal.IsNotFound(err) {
			event.Id = ""
			saved, err = provider.InsertEvent(ctx, calendarID, event)
		}
	} else {
		saved, err = provider.InsertEvent(ctx, calendarID, event)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to write event to provider: %w", err)
	}

	if _, err := s.UpsertFromProvider(ctx, userID, calendarID, saved, true); err != nil {
		log.Printf("Warning: event %s saved to provider but mirror update failed: %v", saved.Id, err)
	}
	return saved, nil
}

// DeleteRemote deletes the event on Google first and removes the local row
// only once the remote delete succeeded or the remote copy is already gone.
func (s *Service) DeleteRemote(ctx context.Context, userID, calendarID, eventID string) error {
	provider, err := s.providers(ctx, userID)
	if err != nil {
		return err
	}
	if err := provider.DeleteEvent(ctx, calendarID, eventID); err != nil && !gcal.IsNotFound(err) {
		return fmt.Errorf("failed to delete event from provider: %w", err)
	}
	return s.store.Delete(ctx, userID, calendarID, eventID)
}
