package mirror

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	calendar "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"

	"caldesk-cloud/gcal"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	server, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client
}

type fakeProvider struct {
	inserted    []*calendar.Event
	updated     []*calendar.Event
	deleted     []string
	updateErr   error
	deleteErr   error
	nextEventID string
}

func (f *fakeProvider) ListEvents(ctx context.Context, req gcal.ListRequest) (*gcal.EventsPage, error) {
	return &gcal.EventsPage{}, nil
}

func (f *fakeProvider) InsertEvent(ctx context.Context, calendarID string, event *calendar.Event) (*calendar.Event, error) {
	saved := *event
	saved.Id = f.nextEventID
	if saved.Id == "" {
		saved.Id = fmt.Sprintf("generated-%d", len(f.inserted)+1)
	}
	f.inserted = append(f.inserted, &saved)
	return &saved, nil
}

func (f *fakeProvider) UpdateEvent(ctx context.Context, calendarID, eventID string, event *calendar.Event) (*calendar.Event, error) {
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	saved := *event
	saved.Id = eventID
	f.updated = append(f.updated, &saved)
	return &saved, nil
}

func (f *fakeProvider) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, eventID)
	return nil
}

func (f *fakeProvider) Watch(ctx context.Context, calendarID string, channel *calendar.Channel) (*calendar.Channel, error) {
	return channel, nil
}

func (f *fakeProvider) StopChannel(ctx context.Context, channel *calendar.Channel) error {
	return nil
}

func newTestService(t *testing.T, provider *fakeProvider) (*Service, Store) {
	t.Helper()
	store := NewRedisStore(newTestRedis(t))
	service := NewService(store, func(ctx context.Context, userID string) (gcal.Provider, error) {
		return provider, nil
	})
	return service, store
}

func timedEvent(id, summary string, start time.Time) *calendar.Event {
	return &calendar.Event{
		Id:      id,
		Summary: summary,
		Start:   &calendar.EventDateTime{DateTime: start.Format(time.RFC3339)},
		End:     &calendar.EventDateTime{DateTime: start.Add(time.Hour).Format(time.RFC3339)},
	}
}

func markedEvent(id, summary string, start, updated time.Time) *calendar.Event {
	event := timedEvent(id, summary, start)
	event.Updated = updated.Format(time.RFC3339)
	TagSourceMarker(event)
	return event
}

func TestUpsertFromProviderStoresEvent(t *testing.T) {
	service, store := newTestService(t, &fakeProvider{})
	ctx := context.Background()

	start := time.Now().Truncate(time.Second)
	applied, err := service.UpsertFromProvider(ctx, "user-1", "primary", timedEvent("ev-1", "Standup", start), false)
	require.NoError(t, err)
	require.True(t, applied)

	row, err := store.Get(ctx, "user-1", "primary", "ev-1")
	require.NoError(t, err)
	require.Equal(t, "Standup", row.Summary)
	require.Equal(t, "confirmed", row.Status)
	require.Equal(t, SourceGoogle, row.Source)
	require.Equal(t, start.UnixMilli(), row.StartTS)
	require.False(t, row.AllDay)
}

func TestUpsertFromProviderIsIdempotent(t *testing.T) {
	service, store := newTestService(t, &fakeProvider{})
	ctx := context.Background()

	event := timedEvent("ev-1", "Standup", time.Now())
	for i := 0; i < 3; i++ {
		_, err := service.UpsertFromProvider(ctx, "user-1", "primary", event, false)
		require.NoError(t, err)
	}

	rows, err := store.ListByCalendar(ctx, "user-1", "primary")
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestUpsertFromProviderAllDayEvent(t *testing.T) {
	service, store := newTestService(t, &fakeProvider{})
	ctx := context.Background()

	event := &calendar.Event{
		Id:      "ev-allday",
		Summary: "Offsite",
		Start:   &calendar.EventDateTime{Date: "2026-09-01"},
		End:     &calendar.EventDateTime{Date: "2026-09-02"},
	}
	applied, err := service.UpsertFromProvider(ctx, "user-1", "primary", event, false)
	require.NoError(t, err)
	require.True(t, applied)

	row, err := store.Get(ctx, "user-1", "primary", "ev-allday")
	require.NoError(t, err)
	require.True(t, row.AllDay)
	require.Equal(t, "2026-09-01", row.StartTime)
}

func TestUpsertFromProviderSkipsMalformedEvent(t *testing.T) {
	service, store := newTestService(t, &fakeProvider{})
	ctx := context.Background()

	applied, err := service.UpsertFromProvider(ctx, "user-1", "primary", &calendar.Event{Id: "ev-broken", Summary: "No times"}, false)
	require.NoError(t, err)
	require.False(t, applied)

	_, err = store.Get(ctx, "user-1", "primary", "ev-broken")
	require.ErrorIs(t, err, ErrEventNotFound)
}

func TestUpsertFromProviderCancelledMarksRow(t *testing.T) {
	service, store := newTestService(t, &fakeProvider{})
	ctx := context.Background()

	_, err := service.UpsertFromProvider(ctx, "user-1", "primary", timedEvent("ev-1", "Standup", time.Now()), false)
	require.NoError(t, err)

	applied, err := service.UpsertFromProvider(ctx, "user-1", "primary", &calendar.Event{Id: "ev-1", Status: StatusCancelled}, false)
	require.NoError(t, err)
	require.True(t, applied)

	row, err := store.Get(ctx, "user-1", "primary", "ev-1")
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, row.Status)
	require.Equal(t, "Standup", row.Summary)
}

func TestUpsertFromProviderCancelledWithoutRowIsNoop(t *testing.T) {
	service, _ := newTestService(t, &fakeProvider{})

	applied, err := service.UpsertFromProvider(context.Background(), "user-1", "primary", &calendar.Event{Id: "ev-ghost", Status: StatusCancelled}, false)
	require.NoError(t, err)
	require.False(t, applied)
}

func TestUpsertFromProviderSkipsRecentOwnWrite(t *testing.T) {
	service, store := newTestService(t, &fakeProvider{})
	ctx := context.Background()

	event := markedEvent("ev-echo", "Our write", time.Now(), time.Now().Add(-5*time.Second))
	applied, err := service.UpsertFromProvider(ctx, "user-1", "primary", event, false)
	require.NoError(t, err)
	require.False(t, applied)

	_, err = store.Get(ctx, "user-1", "primary", "ev-echo")
	require.ErrorIs(t, err, ErrEventNotFound)
}

func TestUpsertFromProviderAppliesOldMarkedEvent(t *testing.T) {
	service, _ := newTestService(t, &fakeProvider{})

	// Marker present but the edit is well past the echo window, so this is
	// a real external change to an event we once wrote.
	event := markedEvent("ev-old", "Edited later", time.Now(), time.Now().Add(-10*time.Minute))
	applied, err := service.UpsertFromProvider(context.Background(), "user-1", "primary", event, false)
	require.NoError(t, err)
	require.True(t, applied)
}

func TestUpsertFromProviderSkipAntiLoopBypassesEchoFilter(t *testing.T) {
	service, _ := newTestService(t, &fakeProvider{})

	event := markedEvent("ev-direct", "Direct mirror", time.Now(), time.Now())
	applied, err := service.UpsertFromProvider(context.Background(), "user-1", "primary", event, true)
	require.NoError(t, err)
	require.True(t, applied)
}

func TestCreateOrUpdateInsertsTaggedEventAndMirrors(t *testing.T) {
	provider := &fakeProvider{nextEventID: "remote-1"}
	service, store := newTestService(t, provider)
	ctx := context.Background()

	saved, err := service.CreateOrUpdate(ctx, "user-1", "primary", timedEvent("", "New meeting", time.Now()))
	require.NoError(t, err)
	require.Equal(t, "remote-1", saved.Id)

	require.Len(t, provider.inserted, 1)
	require.True(t, HasSourceMarker(provider.inserted[0]))

	row, err := store.Get(ctx, "user-1", "primary", "remote-1")
	require.NoError(t, err)
	require.Equal(t, "New meeting", row.Summary)
}

func TestCreateOrUpdateFallsBackToInsertWhenRemoteRowGone(t *testing.T) {
	provider := &fakeProvider{
		nextEventID: "remote-2",
		updateErr:   &googleapi.Error{Code: http.StatusNotFound},
	}
	service, _ := newTestService(t, provider)

	saved, err := service.CreateOrUpdate(context.Background(), "user-1", "primary", timedEvent("stale-id", "Rescheduled", time.Now()))
	require.NoError(t, err)
	require.Equal(t, "remote-2", saved.Id)
	require.Len(t, provider.inserted, 1)
	require.Empty(t, provider.updated)
}

func TestDeleteRemoteRemovesLocalRowOnSuccess(t *testing.T) {
	provider := &fakeProvider{}
	service, store := newTestService(t, provider)
	ctx := context.Background()

	_, err := service.UpsertFromProvider(ctx, "user-1", "primary", timedEvent("ev-1", "Standup", time.Now()), false)
	require.NoError(t, err)

	require.NoError(t, service.DeleteRemote(ctx, "user-1", "primary", "ev-1"))
	require.Equal(t, []string{"ev-1"}, provider.deleted)

	_, err = store.Get(ctx, "user-1", "primary", "ev-1")
	require.ErrorIs(t, err, ErrEventNotFound)
}

func TestDeleteRemoteKeepsLocalRowOnProviderFailure(t *testing.T) {
	provider := &fakeProvider{deleteErr: &googleapi.Error{Code: http.StatusInternalServerError}}
	service, store := newTestService(t, provider)
	ctx := context.Background()

	_, err := service.UpsertFromProvider(ctx, "user-1", "primary", timedEvent("ev-1", "Standup", time.Now()), false)
	require.NoError(t, err)

	require.Error(t, service.DeleteRemote(ctx, "user-1", "primary", "ev-1"))

	_, err = store.Get(ctx, "user-1", "primary", "ev-1")
	require.NoError(t, err)
}

func TestDeleteRemoteToleratesAlreadyDeleted(t *testing.T) {
	provider := &fakeProvider{deleteErr: &googleapi.Error{Code: http.StatusGone}}
	service, store := newTestService(t, provider)
	ctx := context.Background()

	_, err := service.UpsertFromProvider(ctx, "user-1", "primary", timedEvent("ev-1", "Standup", time.Now()), false)
	require.NoError(t, err)

	require.NoError(t, service.DeleteRemote(ctx, "user-1", "primary", "ev-1"))

	_, err = store.Get(ctx, "user-1", "primary", "ev-1")
	require.ErrorIs(t, err, ErrEventNotFound)
}
