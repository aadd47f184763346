package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	calendar "google.golang.org/api/calendar/v3"

	"caldesk-cloud/gcal"
	"caldesk-cloud/mirror"
	"caldesk-cloud/security"
	"caldesk-cloud/syncer"
	"caldesk-cloud/watch"
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

// stubProvider is a scriptable calendar provider for handler and job tests.
type stubProvider struct {
	list        func(req gcal.ListRequest) (*gcal.EventsPage, error)
	inserted    []*calendar.Event
	deleted     []string
	stopped     []string
	watchCount  int
	watchErr    error
	expiration  time.Time
	nextEventID string
}

func (p *stubProvider) ListEvents(ctx context.Context, req gcal.ListRequest) (*gcal.EventsPage, error) {
	if p.list != nil {
		return p.list(req)
	}
	return &gcal.EventsPage{NextSyncToken: "cursor-stub"}, nil
}

func (p *stubProvider) InsertEvent(ctx context.Context, calendarID string, event *calendar.Event) (*calendar.Event, error) {
	saved := *event
	saved.Id = p.nextEventID
	if saved.Id == "" {
		saved.Id = "stub-event-1"
	}
	p.inserted = append(p.inserted, &saved)
	return &saved, nil
}

func (p *stubProvider) UpdateEvent(ctx context.Context, calendarID, eventID string, event *calendar.Event) (*calendar.Event, error) {
	saved := *event
	saved.Id = eventID
	return &saved, nil
}

func (p *stubProvider) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	p.deleted = append(p.deleted, eventID)
	return nil
}

func (p *stubProvider) Watch(ctx context.Context, calendarID string, channel *calendar.Channel) (*calendar.Channel, error) {
	p.watchCount++
	if p.watchErr != nil {
		return nil, p.watchErr
	}
	expiration := p.expiration
	if expiration.IsZero() {
		expiration = time.Now().Add(7 * 24 * time.Hour)
	}
	return &calendar.Channel{
		Id:         channel.Id,
		ResourceId: "resource-" + channel.Id,
		Expiration: expiration.UnixMilli(),
	}, nil
}

func (p *stubProvider) StopChannel(ctx context.Context, channel *calendar.Channel) error {
	p.stopped = append(p.stopped, channel.Id)
	return nil
}

// testStack wires the full pipeline over miniredis and a stub provider.
type testStack struct {
	redis       *redis.Client
	credentials *security.CredentialStore
	events      *mirror.Service
	engine      *syncer.Engine
	watches     *watch.Manager
	provider    *stubProvider
}

func newTestStack(t *testing.T, tokenURL string) *testStack {
	t.Helper()
	client := newTestRedis(t)
	provider := &stubProvider{}

	cipher, err := security.NewTokenCipher(bytes.Repeat([]byte{0x11}, 32))
	require.NoError(t, err)
	config := &oauth2.Config{
		ClientID:     "test-client",
		ClientSecret: "test-secret",
		RedirectURL:  "http://localhost:8080/auth/google/calendar/callback",
		Endpoint:     oauth2.Endpoint{AuthURL: "https://accounts.example.com/auth", TokenURL: tokenURL},
	}
	credentials := security.NewCredentialStore(client, config, cipher)
	credentials.SetEmailResolver(func(ctx context.Context, accessToken string) (string, error) {
		return "user@example.com", nil
	})

	// Like production, the factory only hands out a provider for a
	// connected account.
	factory := func(ctx context.Context, userID string) (gcal.Provider, error) {
		if _, err := credentials.Account(ctx, userID); err != nil {
			return nil, err
		}
		return provider, nil
	}

	events := mirror.NewService(mirror.NewRedisStore(client), factory)
	watches := watch.NewManager(client, factory, "https://app.example.com", true)
	engine := syncer.NewEngine(factory, events, watches)

	return &testStack{
		redis:       client,
		credentials: credentials,
		events:      events,
		engine:      engine,
		watches:     watches,
		provider:    provider,
	}
}

func (s *testStack) connectAccount(t *testing.T, userID string) {
	t.Helper()
	err := s.credentials.SaveTokens(context.Background(), userID, &oauth2.Token{
		AccessToken:  "access-" + userID,
		RefreshToken: "refresh-" + userID,
		Expiry:       time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
}
