// Package gcal wraps the Google Calendar API behind a small provider
// interface so sync logic can be tested against fakes.
package gcal

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	calendar "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// DefaultPageSize is the page size used for event listing.
const DefaultPageSize = 2500

// ListRequest describes one Events.List call. Exactly one of SyncToken or a
// time-window full listing is used per sync pass; PageToken continues a
// paginated pass.
type ListRequest struct {
	CalendarID       string
	SyncToken        string
	PageToken        string
	MaxResults       int64
	ShowDeleted      bool
	SingleEvents     bool
	OrderByStartTime bool
}

// EventsPage is one page of listed events.
type EventsPage struct {
	Events        []*calendar.Event
	NextPageToken string
	NextSyncToken string
}

// Provider is the calendar operations surface the rest of the system uses.
type Provider interface {
	ListEvents(ctx context.Context, req ListRequest) (*EventsPage, error)
	InsertEvent(ctx context.Context, calendarID string, event *calendar.Event) (*calendar.Event, error)
	UpdateEvent(ctx context.Context, calendarID, eventID string, event *calendar.Event) (*calendar.Event, error)
	DeleteEvent(ctx context.Context, calendarID, eventID string) error
	Watch(ctx context.Context, calendarID string, channel *calendar.Channel) (*calendar.Channel, error)
	StopChannel(ctx context.Context, channel *calendar.Channel) error
}

// ProviderFactory builds an authenticated provider for a user. Credential
// refresh happens inside the factory, so callers get a provider whose token
// is valid at construction time.
type ProviderFactory func(ctx context.Context, userID string) (Provider, error)

// googleProvider is the production Provider over calendar/v3.
type googleProvider struct {
	service *calendar.Service
}

// NewProvider creates a provider from an authenticated HTTP client.
func NewProvider(ctx context.Context, client *http.Client) (Provider, error) {
	service, err := calendar.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	return &googleProvider{service: service}, nil
}

func (p *googleProvider) ListEvents(ctx context.Context, req ListRequest) (*EventsPage, error) {
	call := p.service.Events.List(req.CalendarID).Context(ctx)
	if req.MaxResults > 0 {
		call = call.MaxResults(req.MaxResults)
	} else {
		call = call.MaxResults(DefaultPageSize)
	}
	if req.ShowDeleted {
		call = call.ShowDeleted(true)
	}
	if req.SingleEvents {
		call = call.SingleEvents(true)
	}
	if req.OrderByStartTime {
		call = call.OrderBy("startTime")
	}
	if req.SyncToken != "" {
		call = call.SyncToken(req.SyncToken)
	}
	if req.PageToken != "" {
		call = call.PageToken(req.PageToken)
	}

	events, err := call.Do()
	if err != nil {
		return nil, err
	}
	return &EventsPage{
		Events:        events.Items,
		NextPageToken: events.NextPageToken,
		NextSyncToken: events.NextSyncToken,
	}, nil
}

func (p *googleProvider) InsertEvent(ctx context.Context, calendarID string, event *calendar.Event) (*calendar.Event, error) {
	return p.service.Events.Insert(calendarID, event).Context(ctx).Do()
}

func (p *googleProvider) UpdateEvent(ctx context.Context, calendarID, eventID string, event *calendar.Event) (*calendar.Event, error) {
	return p.service.Events.Update(calendarID, eventID, event).Context(ctx).Do()
}

func (p *googleProvider) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	return p.service.Events.Delete(calendarID, eventID).Context(ctx).Do()
}

func (p *googleProvider) Watch(ctx context.Context, calendarID string, channel *calendar.Channel) (*calendar.Channel, error) {
	return p.service.Events.Watch(calendarID, channel).Context(ctx).Do()
}

func (p *googleProvider) StopChannel(ctx context.Context, channel *calendar.Channel) error {
	return p.service.Channels.Stop(channel).Context(ctx).Do()
}

// IsStaleSyncToken reports whether an Events.List error means the sync token
// is no longer usable and a full re-list is required.
func IsStaleSyncToken(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusGone
}

// IsNotFound reports whether the remote resource is already gone. Google
// answers 410 for previously deleted events, so both count.
func IsNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && (apiErr.Code == http.StatusNotFound || apiErr.Code == http.StatusGone)
}
