// Package realtime pushes sync notifications to connected clients.
package realtime

import "time"

// Notification tells a client that its mirror changed and a refetch is
// worthwhile.
type Notification struct {
	Type       string    `json:"type"`
	UserID     string    `json:"user_id"`
	CalendarID string    `json:"calendar_id"`
	Full       bool      `json:"full"`
	Applied    int       `json:"applied"`
	Timestamp  time.Time `json:"timestamp"`
}

// NotificationSink receives per-user notifications. Delivery is best-effort;
// implementations must not block the caller on slow clients.
type NotificationSink interface {
	Notify(userID string, notification Notification)
}

// NoopSink drops notifications, used when no realtime transport is wired.
type NoopSink struct{}

func (NoopSink) Notify(userID string, notification Notification) {}
