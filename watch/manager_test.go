package watch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	calendar "google.golang.org/api/calendar/v3"

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

type fakeWatchProvider struct {
	watchCalls []*calendar.Channel
	stopped    []string
	watchErr   error
	stopErr    error
	expiration time.Time
}

func (f *fakeWatchProvider) ListEvents(ctx context.Context, req gcal.ListRequest) (*gcal.EventsPage, error) {
	return &gcal.EventsPage{}, nil
}

func (f *fakeWatchProvider) InsertEvent(ctx context.Context, calendarID string, event *calendar.Event) (*calendar.Event, error) {
	return event, nil
}

func (f *fakeWatchProvider) UpdateEvent(ctx context.Context, calendarID, eventID string, event *calendar.Event) (*calendar.Event, error) {
	return event, nil
}

func (f *fakeWatchProvider) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	return nil
}

func (f *fakeWatchProvider) Watch(ctx context.Context, calendarID string, channel *calendar.Channel) (*calendar.Channel, error) {
	if f.watchErr != nil {
		return nil, f.watchErr
	}
	f.watchCalls = append(f.watchCalls, channel)
	expiration := f.expiration
	if expiration.IsZero() {
		expiration = time.Now().Add(7 * 24 * time.Hour)
	}
	return &calendar.Channel{
		Id:         channel.Id,
		ResourceId: "resource-" + channel.Id,
		Expiration: expiration.UnixMilli(),
	}, nil
}

func (f *fakeWatchProvider) StopChannel(ctx context.Context, channel *calendar.Channel) error {
	if f.stopErr != nil {
		return f.stopErr
	}
	f.stopped = append(f.stopped, channel.Id)
	return nil
}

func newTestManager(t *testing.T, provider *fakeWatchProvider) *Manager {
	t.Helper()
	return NewManager(newTestRedis(t), func(ctx context.Context, userID string) (gcal.Provider, error) {
		return provider, nil
	}, "https://app.example.com", true)
}

func TestChannelTokenRoundTrip(t *testing.T) {
	encoded := ChannelToken{UserID: "user-1", CalendarID: "primary"}.Encode()

	token, err := DecodeChannelToken(encoded)
	require.NoError(t, err)
	require.Equal(t, "user-1", token.UserID)
	require.Equal(t, "primary", token.CalendarID)
}

func TestDecodeChannelTokenRejectsIncomplete(t *testing.T) {
	_, err := DecodeChannelToken("%%%")
	require.Error(t, err)

	_, err = DecodeChannelToken(ChannelToken{UserID: "user-1"}.Encode())
	require.Error(t, err)
}

func TestStartDisabledWithoutBaseURL(t *testing.T) {
	provider := &fakeWatchProvider{}
	manager := NewManager(newTestRedis(t), func(ctx context.Context, userID string) (gcal.Provider, error) {
		return provider, nil
	}, "", true)

	channel, err := manager.Start(context.Background(), "user-1", "primary")
	require.NoError(t, err)
	require.Nil(t, channel)
	require.Empty(t, provider.watchCalls)
}

func TestStartRegistersChannelWithTokenAndTTL(t *testing.T) {
	provider := &fakeWatchProvider{}
	manager := newTestManager(t, provider)
	ctx := context.Background()

	channel, err := manager.Start(ctx, "user-1", "primary")
	require.NoError(t, err)
	require.NotNil(t, channel)
	require.Equal(t, StatusActive, channel.Status)
	require.Equal(t, "resource-"+channel.ID, channel.ResourceID)

	require.Len(t, provider.watchCalls, 1)
	request := provider.watchCalls[0]
	require.Equal(t, "web_hook", request.Type)
	require.Equal(t, "https://app.example.com/webhooks/google-calendar", request.Address)
	require.Equal(t, "604800", request.Params["ttl"])

	token, err := DecodeChannelToken(request.Token)
	require.NoError(t, err)
	require.Equal(t, "user-1", token.UserID)
	require.Equal(t, "primary", token.CalendarID)

	active, err := manager.ActiveChannel(ctx, "user-1", "primary")
	require.NoError(t, err)
	require.Equal(t, channel.ID, active.ID)
}

func TestStartSupersedesPreviousChannel(t *testing.T) {
	provider := &fakeWatchProvider{}
	manager := newTestManager(t, provider)
	ctx := context.Background()

	first, err := manager.Start(ctx, "user-1", "primary")
	require.NoError(t, err)
	second, err := manager.Start(ctx, "user-1", "primary")
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)

	require.Equal(t, []string{first.ID}, provider.stopped)

	old, err := manager.FindByChannelID(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, StatusStopped, old.Status)

	active, err := manager.ActiveChannel(ctx, "user-1", "primary")
	require.NoError(t, err)
	require.Equal(t, second.ID, active.ID)
}

func TestStopMarksStoppedEvenWhenProviderFails(t *testing.T) {
	provider := &fakeWatchProvider{}
	manager := newTestManager(t, provider)
	ctx := context.Background()

	channel, err := manager.Start(ctx, "user-1", "primary")
	require.NoError(t, err)

	provider.stopErr = errors.New("upstream unavailable")
	require.NoError(t, manager.Stop(ctx, channel.ID))

	stored, err := manager.FindByChannelID(ctx, channel.ID)
	require.NoError(t, err)
	require.Equal(t, StatusStopped, stored.Status)

	active, err := manager.ActiveChannel(ctx, "user-1", "primary")
	require.NoError(t, err)
	require.Nil(t, active)
}

func TestRenewReplacesChannel(t *testing.T) {
	provider := &fakeWatchProvider{}
	manager := newTestManager(t, provider)
	ctx := context.Background()

	old, err := manager.Start(ctx, "user-1", "primary")
	require.NoError(t, err)

	fresh, err := manager.Renew(ctx, old)
	require.NoError(t, err)
	require.NotEqual(t, old.ID, fresh.ID)
	require.Equal(t, StatusActive, fresh.Status)

	stored, err := manager.FindByChannelID(ctx, old.ID)
	require.NoError(t, err)
	require.Equal(t, StatusStopped, stored.Status)
}

func TestExpiringWithinFiltersByWindowAndStatus(t *testing.T) {
	manager := newTestManager(t, &fakeWatchProvider{})
	ctx := context.Background()

	soon := &Channel{ID: "soon", UserID: "u", CalendarID: "a", Status: StatusActive, Expiration: time.Now().Add(30 * time.Minute)}
	later := &Channel{ID: "later", UserID: "u", CalendarID: "b", Status: StatusActive, Expiration: time.Now().Add(48 * time.Hour)}
	stopped := &Channel{ID: "stopped", UserID: "u", CalendarID: "c", Status: StatusStopped, Expiration: time.Now().Add(30 * time.Minute)}
	for _, channel := range []*Channel{soon, later, stopped} {
		require.NoError(t, manager.store.save(ctx, channel))
	}

	expiring, err := manager.ExpiringWithin(ctx, time.Hour)
	require.NoError(t, err)
	require.Len(t, expiring, 1)
	require.Equal(t, "soon", expiring[0].ID)
}

func TestMarkExpiredFlipsOverdueChannels(t *testing.T) {
	manager := newTestManager(t, &fakeWatchProvider{})
	ctx := context.Background()

	overdue := &Channel{ID: "overdue", UserID: "u", CalendarID: "a", Status: StatusActive, Expiration: time.Now().Add(-time.Hour)}
	healthy := &Channel{ID: "healthy", UserID: "u", CalendarID: "b", Status: StatusActive, Expiration: time.Now().Add(time.Hour)}
	require.NoError(t, manager.store.save(ctx, overdue))
	require.NoError(t, manager.store.save(ctx, healthy))
	require.NoError(t, manager.store.setActive(ctx, "u", "a", "overdue"))

	flipped, err := manager.MarkExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, flipped)

	stored, err := manager.FindByChannelID(ctx, "overdue")
	require.NoError(t, err)
	require.Equal(t, StatusExpired, stored.Status)

	active, err := manager.ActiveChannel(ctx, "u", "a")
	require.NoError(t, err)
	require.Nil(t, active)
}

func TestPurgeTerminalHonorsRetention(t *testing.T) {
	manager := newTestManager(t, &fakeWatchProvider{})
	ctx := context.Background()

	// save stamps UpdatedAt with now, so backdate records directly.
	old := &Channel{ID: "old", UserID: "u", CalendarID: "a", Status: StatusStopped, UpdatedAt: time.Now().Add(-31 * 24 * time.Hour)}
	recent := &Channel{ID: "recent", UserID: "u", CalendarID: "b", Status: StatusExpired, UpdatedAt: time.Now().Add(-time.Hour)}
	active := &Channel{ID: "active", UserID: "u", CalendarID: "c", Status: StatusActive, UpdatedAt: time.Now().Add(-60 * 24 * time.Hour)}
	for _, channel := range []*Channel{old, recent, active} {
		raw, err := json.Marshal(channel)
		require.NoError(t, err)
		require.NoError(t, manager.client.HSet(ctx, channelsKey, channel.ID, raw).Err())
	}

	purged, err := manager.PurgeTerminal(ctx, DefaultRetention)
	require.NoError(t, err)
	require.Equal(t, 1, purged)

	_, err = manager.FindByChannelID(ctx, "old")
	require.ErrorIs(t, err, ErrChannelNotFound)
	_, err = manager.FindByChannelID(ctx, "recent")
	require.NoError(t, err)
	_, err = manager.FindByChannelID(ctx, "active")
	require.NoError(t, err)
}

func TestRecordSyncResultUpdatesActiveChannel(t *testing.T) {
	manager := newTestManager(t, &fakeWatchProvider{})
	ctx := context.Background()

	channel, err := manager.Start(ctx, "user-1", "primary")
	require.NoError(t, err)

	manager.RecordSyncResult(ctx, "user-1", "primary", errors.New("sync exploded"))
	stored, err := manager.FindByChannelID(ctx, channel.ID)
	require.NoError(t, err)
	require.Equal(t, "sync exploded", stored.LastError)

	manager.RecordSyncResult(ctx, "user-1", "primary", nil)
	stored, err = manager.FindByChannelID(ctx, channel.ID)
	require.NoError(t, err)
	require.Empty(t, stored.LastError)
	require.False(t, stored.LastSyncAt.IsZero())
}

func TestSyncTokenLifecycle(t *testing.T) {
	manager := newTestManager(t, &fakeWatchProvider{})
	ctx := context.Background()

	token, err := manager.SyncToken(ctx, "user-1", "primary")
	require.NoError(t, err)
	require.Empty(t, token)

	require.NoError(t, manager.SetSyncToken(ctx, "user-1", "primary", "cursor-1"))
	token, err = manager.SyncToken(ctx, "user-1", "primary")
	require.NoError(t, err)
	require.Equal(t, "cursor-1", token)

	require.NoError(t, manager.ClearSyncToken(ctx, "user-1", "primary"))
	token, err = manager.SyncToken(ctx, "user-1", "primary")
	require.NoError(t, err)
	require.Empty(t, token)
}
