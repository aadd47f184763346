// Package mirror keeps the local projection of each user's Google Calendar
// events and pushes app-originated changes back out.
package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrEventNotFound means no mirrored row exists for the requested event.
var ErrEventNotFound = errors.New("mirrored event not found")

// Event is one mirrored calendar event. Timestamps are kept both as the
// provider's RFC3339 strings and as epoch milliseconds for range queries.
type Event struct {
	UserID       string    `json:"user_id"`
	CalendarID   string    `json:"calendar_id"`
	EventID      string    `json:"event_id"`
	Summary      string    `json:"summary,omitempty"`
	Description  string    `json:"description,omitempty"`
	Location     string    `json:"location,omitempty"`
	StartTime    string    `json:"start_time"`
	EndTime      string    `json:"end_time"`
	StartTS      int64     `json:"start_ts"`
	EndTS        int64     `json:"end_ts"`
	AllDay       bool      `json:"all_day"`
	Status       string    `json:"status"`
	ColorID      string    `json:"color_id,omitempty"`
	Etag         string    `json:"etag,omitempty"`
	Source       string    `json:"source"`
	LastSyncedAt time.Time `json:"last_synced_at"`
}

// RangeQuery narrows a listing to a time window. Zero bounds are open ends;
// Limit 0 means unlimited.
type RangeQuery struct {
	TimeMin time.Time
	TimeMax time.Time
	Limit   int
}

// Store is the persistence surface for mirrored events.
type Store interface {
	Upsert(ctx context.Context, event *Event) error
	Get(ctx context.Context, userID, calendarID, eventID string) (*Event, error)
	ListByCalendar(ctx context.Context, userID, calendarID string) ([]*Event, error)
	ListByUser(ctx context.Context, userID string) ([]*Event, error)
	ListRange(ctx context.Context, userID, calendarID string, query RangeQuery) ([]*Event, error)
	CountForUser(ctx context.Context, userID string) (int, error)
	Delete(ctx context.Context, userID, calendarID, eventID string) error
	DeleteAllForUser(ctx context.Context, userID string) error
}

type redisStore struct {
	client *redis.Client
}

// NewRedisStore creates the production store over Redis hashes, one hash per
// (user, calendar) keyed by event id.
func NewRedisStore(client *redis.Client) Store {
	return &redisStore{client: client}
}

func eventsKey(userID, calendarID string) string {
	return fmt.Sprintf("google_events:%s:%s", userID, calendarID)
}

func calendarsKey(userID string) string {
	return fmt.Sprintf("google_event_calendars:%s", userID)
}

func (s *redisStore) Upsert(ctx context.Context, event *Event) error {
	if event.UserID == "" || event.CalendarID == "" || event.EventID == "" {
		return fmt.Errorf("event requires user, calendar and event IDs")
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, eventsKey(event.UserID, event.CalendarID), event.EventID, data)
	pipe.SAdd(ctx, calendarsKey(event.UserID), event.CalendarID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store event: %w", err)
	}
	return nil
}

func (s *redisStore) Get(ctx context.Context, userID, calendarID, eventID string) (*Event, error) {
	data, err := s.client.HGet(ctx, eventsKey(userID, calendarID), eventID).Result()
	if err == redis.Nil {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load event: %w", err)
	}
	var event Event
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	return &event, nil
}

func (s *redisStore) ListByCalendar(ctx context.Context, userID, calendarID string) ([]*Event, error) {
	entries, err := s.client.HGetAll(ctx, eventsKey(userID, calendarID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	events := make([]*Event, 0, len(entries))
	for id, data := range entries {
		var event Event
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			log.Printf("Warning: skipping malformed mirrored event %s: %v", id, err)
			continue
		}
		events = append(events, &event)
	}
	return events, nil
}

func (s *redisStore) ListByUser(ctx context.Context, userID string) ([]*Event, error) {
	calendarIDs, err := s.client.SMembers(ctx, calendarsKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list calendars: %w", err)
	}
	var events []*Event
	for _, calendarID := range calendarIDs {
		calEvents, err := s.ListByCalendar(ctx, userID, calendarID)
		if err != nil {
			return nil, err
		}
		events = append(events, calEvents...)
	}
	return events, nil
}

// ListRange returns events inside the window ordered by start time. An
// empty calendarID spans all of the user's calendars.
func (s *redisStore) ListRange(ctx context.Context, userID, calendarID string, query RangeQuery) ([]*Event, error) {
	var (
		events []*Event
		err    error
	)
	if calendarID != "" {
		events, err = s.ListByCalendar(ctx, userID, calendarID)
	} else {
		events, err = s.ListByUser(ctx, userID)
	}
	if err != nil {
		return nil, err
	}

	filtered := events[:0]
	for _, event := range events {
		if !query.TimeMin.IsZero() && event.EndTS < query.TimeMin.UnixMilli() {
			continue
		}
		if !query.TimeMax.IsZero() && event.StartTS > query.TimeMax.UnixMilli() {
			continue
		}
		filtered = append(filtered, event)
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].StartTS < filtered[j].StartTS })
	if query.Limit > 0 && len(filtered) > query.Limit {
		filtered = filtered[:query.Limit]
	}
	return filtered, nil
}

func (s *redisStore) CountForUser(ctx context.Context, userID string) (int, error) {
	calendarIDs, err := s.client.SMembers(ctx, calendarsKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list calendars: %w", err)
	}
	total := 0
	for _, calendarID := range calendarIDs {
		count, err := s.client.HLen(ctx, eventsKey(userID, calendarID)).Result()
		if err != nil {
			return 0, fmt.Errorf("failed to count events: %w", err)
		}
		total += int(count)
	}
	return total, nil
}

func (s *redisStore) Delete(ctx context.Context, userID, calendarID, eventID string) error {
	if err := s.client.HDel(ctx, eventsKey(userID, calendarID), eventID).Err(); err != nil {
		return fmt.Errorf("failed to delete event: %w", err)
	}
	return nil
}

func (s *redisStore) DeleteAllForUser(ctx context.Context, userID string) error {
	calendarIDs, err := s.client.SMembers(ctx, calendarsKey(userID)).Result()
	if err != nil {
		return fmt.Errorf("failed to list calendars: %w", err)
	}
	pipe := s.client.TxPipeline()
	for _, calendarID := range calendarIDs {
		pipe.Del(ctx, eventsKey(userID, calendarID))
	}
	pipe.Del(ctx, calendarsKey(userID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete events: %w", err)
	}
	return nil
}
