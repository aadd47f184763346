package watch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Channel lifecycle states.
const (
	StatusActive  = "active"
	StatusExpired = "expired"
	StatusStopped = "stopped"
)

// ErrChannelNotFound means no channel record exists for the given id.
var ErrChannelNotFound = errors.New("watch channel not found")

// Channel is one watch channel record. At most one active channel exists per
// (user, calendar) pair; superseded channels are kept in terminal states for
// a retention window before purge.
type Channel struct {
	ID         string    `json:"id"`
	ResourceID string    `json:"resource_id"`
	UserID     string    `json:"user_id"`
	CalendarID string    `json:"calendar_id"`
	Token      string    `json:"token"`
	SyncToken  string    `json:"sync_token,omitempty"`
	Status     string    `json:"status"`
	Expiration time.Time `json:"expiration"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	LastSyncAt time.Time `json:"last_sync_at,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
}

const (
	channelsKey    = "google_watch_channels"
	activeIndexKey = "google_watch_active"
)

func pairField(userID, calendarID string) string {
	return fmt.Sprintf("%s:%s", userID, calendarID)
}

func syncTokenKey(userID, calendarID string) string {
	return fmt.Sprintf("google_sync_token:%s:%s", userID, calendarID)
}

type channelStore struct {
	client *redis.Client
}

func (s *channelStore) save(ctx context.Context, channel *Channel) error {
	channel.UpdatedAt = time.Now()
	data, err := json.Marshal(channel)
	if err != nil {
		return fmt.Errorf("failed to marshal channel: %w", err)
	}
	if err := s.client.HSet(ctx, channelsKey, channel.ID, data).Err(); err != nil {
		return fmt.Errorf("failed to store channel: %w", err)
	}
	return nil
}

func (s *channelStore) get(ctx context.Context, channelID string) (*Channel, error) {
	data, err := s.client.HGet(ctx, channelsKey, channelID).Result()
	if err == redis.Nil {
		return nil, ErrChannelNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load channel: %w", err)
	}
	var channel Channel
	if err := json.Unmarshal([]byte(data), &channel); err != nil {
		return nil, fmt.Errorf("failed to unmarshal channel: %w", err)
	}
	return &channel, nil
}

func (s *channelStore) delete(ctx context.Context, channelID string) error {
	return s.client.HDel(ctx, channelsKey, channelID).Err()
}

func (s *channelStore) all(ctx context.Context) ([]*Channel, error) {
	entries, err := s.client.HGetAll(ctx, channelsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}
	channels := make([]*Channel, 0, len(entries))
	for id, data := range entries {
		var channel Channel
		if err := json.Unmarshal([]byte(data), &channel); err != nil {
			log.Printf("Warning: skipping malformed channel record %s: %v", id, err)
			continue
		}
		channels = append(channels, &channel)
	}
	return channels, nil
}

func (s *channelStore) setActive(ctx context.Context, userID, calendarID, channelID string) error {
	return s.client.HSet(ctx, activeIndexKey, pairField(userID, calendarID), channelID).Err()
}

func (s *channelStore) activeID(ctx context.Context, userID, calendarID string) (string, error) {
	id, err := s.client.HGet(ctx, activeIndexKey, pairField(userID, calendarID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return id, err
}

// clearActive removes the active index entry only if it still points at the
// given channel, so a newer channel's entry is never clobbered.
func (s *channelStore) clearActive(ctx context.Context, userID, calendarID, channelID string) error {
	current, err := s.activeID(ctx, userID, calendarID)
	if err != nil {
		return err
	}
	if current != channelID {
		return nil
	}
	return s.client.HDel(ctx, activeIndexKey, pairField(userID, calendarID)).Err()
}
