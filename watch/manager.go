package watch

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	calendar "google.golang.org/api/calendar/v3"

	"caldesk-cloud/gcal"
)

const (
	// DefaultChannelTTL is the watch lifetime requested from Google.
	DefaultChannelTTL = 7 * 24 * time.Hour
	// DefaultRetention is how long terminal channel records are kept.
	DefaultRetention = 30 * 24 * time.Hour

	webhookPath = "/webhooks/google-calendar"
)

// Manager owns the watch channel lifecycle. Watches are soft-disabled when
// no public HTTPS base URL is configured, since Google cannot deliver
// notifications to an unreachable address.
type Manager struct {
	store     *channelStore
	client    *redis.Client
	providers gcal.ProviderFactory
	baseURL   string
	enabled   bool
	ttl       time.Duration
}

// NewManager creates a watch manager. An empty baseURL disables watch
// registration without failing callers.
func NewManager(client *redis.Client, providers gcal.ProviderFactory, baseURL string, enabled bool) *Manager {
	return &Manager{
		store:     &channelStore{client: client},
		client:    client,
		providers: providers,
		baseURL:   baseURL,
		enabled:   enabled && baseURL != "",
		ttl:       DefaultChannelTTL,
	}
}

// SetChannelTTL overrides the requested watch lifetime.
func (m *Manager) SetChannelTTL(ttl time.Duration) {
	if ttl > 0 {
		m.ttl = ttl
	}
}

// Enabled reports whether watch registration is active.
func (m *Manager) Enabled() bool {
	return m.enabled
}

// Start registers a new watch channel for a (user, calendar) pair, stopping
// any previous active channel first. Returns nil without error when watches
// are disabled.
func (m *Manager) Start(ctx context.Context, userID, calendarID string) (*Channel, error) {
	if !m.enabled {
		log.Printf("Watch registration disabled, skipping watch for user %s calendar %s", userID, calendarID)
		return nil, nil
	}

	if existingID, err := m.store.activeID(ctx, userID, calendarID); err == nil && existingID != "" {
		if err := m.Stop(ctx, existingID); err != nil {
			log.Printf("Warning: failed to stop previous channel %s: %v", existingID, err)
		}
	}

	provider, err := m.providers(ctx, userID)
	if err != nil {
		return nil, err
	}

	token := ChannelToken{UserID: userID, CalendarID: calendarID}
	request := &calendar.Channel{
		Id:      uuid.NewString(),
		Type:    "web_hook",
		Address: m.baseURL + webhookPath,
		Token:   token.Encode(),
		Params:  map[string]string{"ttl": strconv.FormatInt(int64(m.ttl.Seconds()), 10)},
	}

	response, err := provider.Watch(ctx, calendarID, request)
	if err != nil {
		return nil, fmt.Errorf("failed to register watch: %w", err)
	}

	now := time.Now()
	channel := &Channel{
		ID:         response.Id,
		ResourceID: response.ResourceId,
		UserID:     userID,
		CalendarID: calendarID,
		Token:      request.Token,
		Status:     StatusActive,
		Expiration: time.UnixMilli(response.Expiration),
		CreatedAt:  now,
	}
	if response.Expiration == 0 {
		channel.Expiration = now.Add(m.ttl)
	}

	if err := m.store.save(ctx, channel); err != nil {
		return nil, err
	}
	if err := m.store.setActive(ctx, userID, calendarID, channel.ID); err != nil {
		return nil, err
	}
	log.Printf("Registered watch channel %s for user %s calendar %s, expires %s",
		channel.ID, userID, calendarID, channel.Expiration.Format(time.RFC3339))
	return channel, nil
}

// Stop tells Google to stop a channel and marks the record stopped. The
// local record is marked stopped even when the provider call fails, since a
// channel Google no longer knows about cannot be stopped twice.
func (m *Manager) Stop(ctx context.Context, channelID string) error {
	channel, err := m.store.get(ctx, channelID)
	if err != nil {
		return err
	}

	if provider, err := m.providers(ctx, channel.UserID); err != nil {
		log.Printf("Warning: no provider to stop channel %s: %v", channelID, err)
	} else if err := provider.StopChannel(ctx, &calendar.Channel{Id: channel.ID, ResourceId: channel.ResourceID}); err != nil {
		if !gcal.IsNotFound(err) {
			log.Printf("Warning: provider stop failed for channel %s: %v", channelID, err)
		}
	}

	channel.Status = StatusStopped
	if err := m.store.save(ctx, channel); err != nil {
		return err
	}
	return m.store.clearActive(ctx, channel.UserID, channel.CalendarID, channel.ID)
}

// StopAllForUser stops every active channel of a user, part of the
// disconnect cascade.
func (m *Manager) StopAllForUser(ctx context.Context, userID string) error {
	channels, err := m.store.all(ctx)
	if err != nil {
		return err
	}
	for _, channel := range channels {
		if channel.UserID != userID || channel.Status != StatusActive {
			continue
		}
		if err := m.Stop(ctx, channel.ID); err != nil {
			log.Printf("Warning: failed to stop channel %s for user %s: %v", channel.ID, userID, err)
		}
	}
	return nil
}

// Renew replaces a channel nearing expiry with a fresh one. The old channel
// is stopped best-effort; a stop failure never blocks the new registration.
func (m *Manager) Renew(ctx context.Context, channel *Channel) (*Channel, error) {
	if err := m.Stop(ctx, channel.ID); err != nil && err != ErrChannelNotFound {
		log.Printf("Warning: failed to stop channel %s during renewal: %v", channel.ID, err)
	}
	return m.Start(ctx, channel.UserID, channel.CalendarID)
}

// ActiveChannel returns the active channel for a pair, or nil if none.
func (m *Manager) ActiveChannel(ctx context.Context, userID, calendarID string) (*Channel, error) {
	id, err := m.store.activeID(ctx, userID, calendarID)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, nil
	}
	channel, err := m.store.get(ctx, id)
	if err == ErrChannelNotFound {
		return nil, nil
	}
	return channel, err
}

// FindByChannelID resolves a notification's channel id to its record.
func (m *Manager) FindByChannelID(ctx context.Context, channelID string) (*Channel, error) {
	return m.store.get(ctx, channelID)
}

// ExpiringWithin lists active channels that expire inside the lookahead
// window, the renewal sweep's work queue.
func (m *Manager) ExpiringWithin(ctx context.Context, lookahead time.Duration) ([]*Channel, error) {
	channels, err := m.store.all(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().Add(lookahead)
	var expiring []*Channel
	for _, channel := range channels {
		if channel.Status == StatusActive && channel.Expiration.Before(cutoff) {
			expiring = append(expiring, channel)
		}
	}
	return expiring, nil
}

// MarkExpired flips active channels past their expiration to expired and
// returns how many were flipped.
func (m *Manager) MarkExpired(ctx context.Context) (int, error) {
	channels, err := m.store.all(ctx)
	if err != nil {
		return 0, err
	}
	now := time.Now()
	flipped := 0
	for _, channel := range channels {
		if channel.Status != StatusActive || channel.Expiration.After(now) {
			continue
		}
		channel.Status = StatusExpired
		if err := m.store.save(ctx, channel); err != nil {
			log.Printf("Warning: failed to mark channel %s expired: %v", channel.ID, err)
			continue
		}
		if err := m.store.clearActive(ctx, channel.UserID, channel.CalendarID, channel.ID); err != nil {
			log.Printf("Warning: failed to clear active index for channel %s: %v", channel.ID, err)
		}
		flipped++
	}
	return flipped, nil
}

// PurgeTerminal deletes stopped and expired channel records whose last
// update is older than the retention window. Returns how many were removed.
func (m *Manager) PurgeTerminal(ctx context.Context, retention time.Duration) (int, error) {
	channels, err := m.store.all(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-retention)
	purged := 0
	for _, channel := range channels {
		if channel.Status == StatusActive || channel.UpdatedAt.After(cutoff) {
			continue
		}
		if err := m.store.delete(ctx, channel.ID); err != nil {
			log.Printf("Warning: failed to purge channel %s: %v", channel.ID, err)
			continue
		}
		purged++
	}
	return purged, nil
}

// ActiveCalendarsForUser lists calendars the user has an active watch on.
func (m *Manager) ActiveCalendarsForUser(ctx context.Context, userID string) ([]string, error) {
	channels, err := m.store.all(ctx)
	if err != nil {
		return nil, err
	}
	var calendars []string
	seen := map[string]bool{}
	for _, channel := range channels {
		if channel.UserID != userID || channel.Status != StatusActive || seen[channel.CalendarID] {
			continue
		}
		seen[channel.CalendarID] = true
		calendars = append(calendars, channel.CalendarID)
	}
	return calendars, nil
}

// RecordSyncResult stamps the active channel of a pair with the outcome of
// a sync pass triggered by one of its notifications.
func (m *Manager) RecordSyncResult(ctx context.Context, userID, calendarID string, syncErr error) {
	channel, err := m.ActiveChannel(ctx, userID, calendarID)
	if err != nil || channel == nil {
		return
	}
	if syncErr != nil {
		channel.LastError = syncErr.Error()
	} else {
		channel.LastSyncAt = time.Now()
		channel.LastError = ""
	}
	if err := m.store.save(ctx, channel); err != nil {
		log.Printf("Warning: failed to record sync result for channel %s: %v", channel.ID, err)
	}
}

// RecordRenewalFailure stamps a channel record with the error that kept the
// renewal sweep from replacing it, so the failure shows up on status reads.
func (m *Manager) RecordRenewalFailure(ctx context.Context, channelID string, renewErr error) {
	channel, err := m.store.get(ctx, channelID)
	if err != nil {
		return
	}
	channel.LastError = renewErr.Error()
	if err := m.store.save(ctx, channel); err != nil {
		log.Printf("Warning: failed to record renewal failure for channel %s: %v", channelID, err)
	}
}

// SyncToken returns the stored sync cursor for a pair, empty if none.
func (m *Manager) SyncToken(ctx context.Context, userID, calendarID string) (string, error) {
	token, err := m.client.Get(ctx, syncTokenKey(userID, calendarID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load sync token: %w", err)
	}
	return token, nil
}

// SetSyncToken stores the cursor returned by a completed listing pass. The
// cursor lives under its own key so it survives channel churn; the active
// channel record carries a copy for inspection.
func (m *Manager) SetSyncToken(ctx context.Context, userID, calendarID, token string) error {
	if token == "" {
		return m.ClearSyncToken(ctx, userID, calendarID)
	}
	if err := m.client.Set(ctx, syncTokenKey(userID, calendarID), token, 0).Err(); err != nil {
		return fmt.Errorf("failed to store sync token: %w", err)
	}
	if channel, err := m.ActiveChannel(ctx, userID, calendarID); err == nil && channel != nil && channel.SyncToken != token {
		channel.SyncToken = token
		if err := m.store.save(ctx, channel); err != nil {
			log.Printf("Warning: failed to stamp sync token on channel %s: %v", channel.ID, err)
		}
	}
	return nil
}

// ClearSyncToken drops a stale cursor so the next sync starts full.
func (m *Manager) ClearSyncToken(ctx context.Context, userID, calendarID string) error {
	if err := m.client.Del(ctx, syncTokenKey(userID, calendarID)).Err(); err != nil {
		return fmt.Errorf("failed to clear sync token: %w", err)
	}
	return nil
}

// ClearUserState removes cursors and active index entries for a user, part
// of the disconnect cascade.
func (m *Manager) ClearUserState(ctx context.Context, userID string) error {
	channels, err := m.store.all(ctx)
	if err != nil {
		return err
	}
	for _, channel := range channels {
		if channel.UserID != userID {
			continue
		}
		if err := m.ClearSyncToken(ctx, userID, channel.CalendarID); err != nil {
			log.Printf("Warning: failed to clear sync token for user %s calendar %s: %v", userID, channel.CalendarID, err)
		}
		if err := m.store.clearActive(ctx, userID, channel.CalendarID, channel.ID); err != nil {
			log.Printf("Warning: failed to clear active index for channel %s: %v", channel.ID, err)
		}
	}
	return nil
}
