package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"caldesk-cloud/metrics"
	"caldesk-cloud/realtime"
	"caldesk-cloud/syncer"
	"caldesk-cloud/watch"
)

// SyncTrigger is the slice of the sync engine the webhook receiver needs.
type SyncTrigger interface {
	IncrementalSync(ctx context.Context, userID, calendarID string) (*syncer.Result, error)
}

// CalendarWebhookHandler receives Google push notifications. It acks before
// doing any work: Google retries slow or failing receivers with backoff, and
// the notification carries no payload worth failing over.
type CalendarWebhookHandler struct {
	engine  SyncTrigger
	watches *watch.Manager
	sink    realtime.NotificationSink

	// afterSync lets tests observe the detached sync pass.
	afterSync func(userID, calendarID string, result *syncer.Result, err error)
}

// NewCalendarWebhookHandler creates the webhook receiver.
func NewCalendarWebhookHandler(engine SyncTrigger, watches *watch.Manager, sink realtime.NotificationSink) *CalendarWebhookHandler {
	if sink == nil {
		sink = realtime.NoopSink{}
	}
	return &CalendarWebhookHandler{
		engine:  engine,
		watches: watches,
		sink:    sink,
	}
}

// RegisterRoutes registers the notification endpoint.
func (h *CalendarWebhookHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/webhooks/google-calendar", h.HandleNotification).Methods("POST")
}

// HandleNotification acknowledges a push notification and triggers an
// incremental sync in the background. It answers 200 even for notifications
// it cannot attribute, since failing them only earns retries of the same
// unusable message.
func (h *CalendarWebhookHandler) HandleNotification(w http.ResponseWriter, r *http.Request) {
	channelID := r.Header.Get("X-Goog-Channel-Id")
	resourceID := r.Header.Get("X-Goog-Resource-Id")
	resourceState := r.Header.Get("X-Goog-Resource-State")
	channelToken := r.Header.Get("X-Goog-Channel-Token")

	w.WriteHeader(http.StatusOK)

	state := resourceState
	if state == "" {
		state = "unknown"
	}
	metrics.WebhookNotifications.WithLabelValues(state).Inc()

	if resourceState == "sync" {
		log.Printf("Watch channel %s confirmed", channelID)
		return
	}

	userID, calendarID := h.resolveIdentity(r.Context(), channelID, resourceID, channelToken)
	if userID == "" {
		log.Printf("Warning: dropping notification for unknown channel %s state %s", channelID, resourceState)
		return
	}

	go h.processNotification(userID, calendarID)
}

// resolveIdentity gates processing on a stored active channel: the endpoint
// is unauthenticated and the token header is forgeable, so a notification
// only counts when its channel id matches a channel this service registered
// and its resource id matches what Google assigned. The token, which Google
// echoes verbatim, then refines the identity of the matched channel.
func (h *CalendarWebhookHandler) resolveIdentity(ctx context.Context, channelID, resourceID, channelToken string) (string, string) {
	if channelID == "" {
		return "", ""
	}
	channel, err := h.watches.FindByChannelID(ctx, channelID)
	if err != nil {
		return "", ""
	}
	if channel.Status != watch.StatusActive {
		return "", ""
	}
	if resourceID != "" && channel.ResourceID != "" && resourceID != channel.ResourceID {
		log.Printf("Warning: resource id mismatch on channel %s", channelID)
		return "", ""
	}

	userID, calendarID := channel.UserID, channel.CalendarID
	if channelToken != "" {
		if token, err := watch.DecodeChannelToken(channelToken); err == nil {
			userID, calendarID = token.UserID, token.CalendarID
		}
	}
	return userID, calendarID
}

func (h *CalendarWebhookHandler) processNotification(userID, calendarID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	result, err := h.engine.IncrementalSync(ctx, userID, calendarID)
	h.watches.RecordSyncResult(ctx, userID, calendarID, err)
	if err != nil {
		metrics.RecordSync(false, 0, err)
		log.Printf("Warning: notification-triggered sync failed for user %s calendar %s: %v", userID, calendarID, err)
	} else {
		metrics.RecordSync(result.Full, result.Applied, nil)
		if result.Applied > 0 {
			h.sink.Notify(userID, realtime.Notification{
				Type:       "calendar:update",
				UserID:     userID,
				CalendarID: calendarID,
				Full:       result.Full,
				Applied:    result.Applied,
				Timestamp:  time.Now(),
			})
		}
	}

	if h.afterSync != nil {
		h.afterSync(userID, calendarID, result, err)
	}
}
