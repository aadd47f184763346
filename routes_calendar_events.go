package main

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	calendar "google.golang.org/api/calendar/v3"

	"caldesk-cloud/metrics"
	"caldesk-cloud/mirror"
	"caldesk-cloud/security"
	"caldesk-cloud/syncer"
	"caldesk-cloud/watch"
)

// CalendarEventsHandler serves the event read/write API and the status and
// manual sync endpoints.
type CalendarEventsHandler struct {
	credentials *security.CredentialStore
	events      *mirror.Service
	engine      *syncer.Engine
	watches     *watch.Manager
}

// NewCalendarEventsHandler creates the events handler.
func NewCalendarEventsHandler(credentials *security.CredentialStore, events *mirror.Service, engine *syncer.Engine, watches *watch.Manager) *CalendarEventsHandler {
	return &CalendarEventsHandler{
		credentials: credentials,
		events:      events,
		engine:      engine,
		watches:     watches,
	}
}

// RegisterRoutes registers the calendar API endpoints.
func (h *CalendarEventsHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/api/calendar/events", h.ListEvents).Methods("GET")
	router.HandleFunc("/api/calendar/events/upsert", h.UpsertEvent).Methods("POST")
	router.HandleFunc("/api/calendar/events/delete", h.DeleteEvent).Methods("POST")
	router.HandleFunc("/api/calendar/status", h.GetStatus).Methods("GET")
	router.HandleFunc("/api/calendar/sync", h.TriggerSync).Methods("POST")
}

// EventPayload is the wire shape for app-originated event writes. Start and
// end are RFC3339 timestamps, or dates (2006-01-02) for all-day events.
type EventPayload struct {
	ID          string `json:"id,omitempty"`
	Summary     string `json:"summary"`
	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"`
	Start       string `json:"start"`
	End         string `json:"end"`
	AllDay      bool   `json:"all_day,omitempty"`
	ColorID     string `json:"color_id,omitempty"`
}

// UpsertEventRequest writes one event through to Google.
type UpsertEventRequest struct {
	UserID     string       `json:"user_id"`
	CalendarID string       `json:"calendar_id,omitempty"`
	Event      EventPayload `json:"event"`
}

func (p EventPayload) toProviderEvent() (*calendar.Event, error) {
	if p.Start == "" || p.End == "" {
		return nil, errors.New("event start and end are required")
	}
	event := &calendar.Event{
		Id:          p.ID,
		Summary:     p.Summary,
		Description: p.Description,
		Location:    p.Location,
		ColorId:     p.ColorID,
	}
	if p.AllDay {
		event.Start = &calendar.EventDateTime{Date: p.Start}
		event.End = &calendar.EventDateTime{Date: p.End}
	} else {
		event.Start = &calendar.EventDateTime{DateTime: p.Start}
		event.End = &calendar.EventDateTime{DateTime: p.End}
	}
	return event, nil
}

func defaultCalendar(calendarID string) string {
	if calendarID == "" {
		return "primary"
	}
	return calendarID
}

func (h *CalendarEventsHandler) writeAuthError(w http.ResponseWriter, err error) bool {
	switch {
	case errors.Is(err, security.ErrNoAccount):
		http.Error(w, "No Google account connected", http.StatusConflict)
		return true
	case errors.Is(err, security.ErrReauthRequired):
		http.Error(w, "Google account requires re-authorization", http.StatusConflict)
		return true
	}
	return false
}

// UpsertEvent creates or updates an event on Google and mirrors the result.
func (h *CalendarEventsHandler) UpsertEvent(w http.ResponseWriter, r *http.Request) {
	var req UpsertEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}

	event, err := req.Event.toProviderEvent()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	saved, err := h.events.CreateOrUpdate(r.Context(), req.UserID, defaultCalendar(req.CalendarID), event)
	if err != nil {
		if h.writeAuthError(w, err) {
			return
		}
		log.Printf("Failed to upsert event for user %s: %v", req.UserID, err)
		http.Error(w, "Failed to save event", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"event_id": saved.Id})
}

// DeleteEventRequest removes one event.
type DeleteEventRequest struct {
	UserID     string `json:"user_id"`
	CalendarID string `json:"calendar_id,omitempty"`
	EventID    string `json:"event_id"`
}

// DeleteEvent deletes the event on Google, then drops the mirror row.
func (h *CalendarEventsHandler) DeleteEvent(w http.ResponseWriter, r *http.Request) {
	var req DeleteEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" || req.EventID == "" {
		http.Error(w, "user_id and event_id are required", http.StatusBadRequest)
		return
	}

	err := h.events.DeleteRemote(r.Context(), req.UserID, defaultCalendar(req.CalendarID), req.EventID)
	if err != nil {
		if h.writeAuthError(w, err) {
			return
		}
		log.Printf("Failed to delete event %s for user %s: %v", req.EventID, req.UserID, err)
		http.Error(w, "Failed to delete event", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"success": true})
}

// ListEvents returns mirrored events ordered by start time, optionally
// narrowed to a calendar, a time window (time_min/time_max, RFC3339) and a
// limit.
func (h *CalendarEventsHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id parameter is required", http.StatusBadRequest)
		return
	}

	query := mirror.RangeQuery{}
	if raw := r.URL.Query().Get("time_min"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			http.Error(w, "time_min must be RFC3339", http.StatusBadRequest)
			return
		}
		query.TimeMin = t
	}
	if raw := r.URL.Query().Get("time_max"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			http.Error(w, "time_max must be RFC3339", http.StatusBadRequest)
			return
		}
		query.TimeMax = t
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		query.Limit = limit
	}

	rows, err := h.events.Store().ListRange(r.Context(), userID, r.URL.Query().Get("calendar_id"), query)
	if err != nil {
		log.Printf("Failed to list events for user %s: %v", userID, err)
		http.Error(w, "Failed to list events", http.StatusInternalServerError)
		return
	}
	if rows == nil {
		rows = []*mirror.Event{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"events": rows, "count": len(rows)})
}

// WatchStatus summarizes the active watch channel for the status endpoint.
type WatchStatus struct {
	Active     bool      `json:"active"`
	ChannelID  string    `json:"channel_id,omitempty"`
	Expiration time.Time `json:"expiration,omitempty"`
	LastSyncAt time.Time `json:"last_sync_at,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
}

// StatusResponse is the connection health summary. A missing or expired
// connection is data here, not an error status.
type StatusResponse struct {
	UserID     string      `json:"user_id"`
	Connected  bool        `json:"connected"`
	Email      string      `json:"email,omitempty"`
	Expired    bool        `json:"expired,omitempty"`
	HasCursor  bool        `json:"has_cursor"`
	EventCount int         `json:"event_count"`
	Watch      WatchStatus `json:"watch"`
}

// GetStatus reports connection, cursor and watch health for a user.
func (h *CalendarEventsHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id parameter is required", http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	calendarID := defaultCalendar(r.URL.Query().Get("calendar_id"))

	response := StatusResponse{UserID: userID}

	account, err := h.credentials.Account(ctx, userID)
	if err == nil {
		response.Connected = true
		response.Email = account.Email
		response.Expired = account.TokenExpired()
	} else if err != security.ErrNoAccount {
		log.Printf("Failed to load account for user %s: %v", userID, err)
		http.Error(w, "Failed to load account", http.StatusInternalServerError)
		return
	}

	if token, err := h.watches.SyncToken(ctx, userID, calendarID); err == nil && token != "" {
		response.HasCursor = true
	}

	if count, err := h.events.Store().CountForUser(ctx, userID); err == nil {
		response.EventCount = count
	}

	if channel, err := h.watches.ActiveChannel(ctx, userID, calendarID); err == nil && channel != nil {
		response.Watch = WatchStatus{
			Active:     true,
			ChannelID:  channel.ID,
			Expiration: channel.Expiration,
			LastSyncAt: channel.LastSyncAt,
			LastError:  channel.LastError,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// SyncRequest triggers a manual sync pass.
type SyncRequest struct {
	UserID     string `json:"user_id"`
	CalendarID string `json:"calendar_id,omitempty"`
	Force      bool   `json:"force,omitempty"`
}

// SyncResponse wraps the sync summary. A missing or unusable connection is
// reported here as data with a reconnect pointer, never as a server error.
type SyncResponse struct {
	Success      bool           `json:"success"`
	Result       *syncer.Result `json:"result,omitempty"`
	NeedsConnect bool           `json:"needs_connect,omitempty"`
	ReconnectURL string         `json:"reconnect_url,omitempty"`
}

// TriggerSync runs a sync pass inline and returns its summary. force skips
// the cursor and re-lists everything.
func (h *CalendarEventsHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	var req SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")

	result, err := h.engine.Sync(r.Context(), req.UserID, defaultCalendar(req.CalendarID), req.Force)
	if err != nil {
		metrics.RecordSync(req.Force, 0, err)
		if errors.Is(err, security.ErrNoAccount) || errors.Is(err, security.ErrReauthRequired) {
			json.NewEncoder(w).Encode(SyncResponse{
				NeedsConnect: true,
				ReconnectURL: "/auth/google/calendar/connect?user_id=" + req.UserID,
			})
			return
		}
		log.Printf("Manual sync failed for user %s: %v", req.UserID, err)
		http.Error(w, "Sync failed", http.StatusBadGateway)
		return
	}
	metrics.RecordSync(result.Full, result.Applied, nil)

	json.NewEncoder(w).Encode(SyncResponse{Success: true, Result: result})
}
