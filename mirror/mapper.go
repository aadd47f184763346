package mirror

import (
	"fmt"
	"time"

	calendar "google.golang.org/api/calendar/v3"
)

const (
	// SourceMarkerKey/Value tag events this app wrote to Google, so the sync
	// path can tell its own writes apart from external edits.
	SourceMarkerKey   = "src"
	SourceMarkerValue = "caldesk"

	// SourceGoogle labels rows whose system of record is Google Calendar.
	SourceGoogle = "google"

	// StatusCancelled is Google's status for deleted events.
	StatusCancelled = "cancelled"

	allDayFormat = "2006-01-02"
)

// HasSourceMarker reports whether an event carries this app's write marker.
func HasSourceMarker(event *calendar.Event) bool {
	if event.ExtendedProperties == nil || event.ExtendedProperties.Private == nil {
		return false
	}
	return event.ExtendedProperties.Private[SourceMarkerKey] == SourceMarkerValue
}

// TagSourceMarker stamps an outgoing event with the app marker.
func TagSourceMarker(event *calendar.Event) {
	if event.ExtendedProperties == nil {
		event.ExtendedProperties = &calendar.EventExtendedProperties{}
	}
	if event.ExtendedProperties.Private == nil {
		event.ExtendedProperties.Private = map[string]string{}
	}
	event.ExtendedProperties.Private[SourceMarkerKey] = SourceMarkerValue
}

func parseEventTime(edt *calendar.EventDateTime) (raw string, ts int64, allDay bool, err error) {
	if edt == nil {
		return "", 0, false, fmt.Errorf("missing event time")
	}
	if edt.DateTime != "" {
		t, parseErr := time.Parse(time.RFC3339, edt.DateTime)
		if parseErr != nil {
			return "", 0, false, fmt.Errorf("invalid event datetime %q: %w", edt.DateTime, parseErr)
		}
		return edt.DateTime, t.UnixMilli(), false, nil
	}
	if edt.Date != "" {
		t, parseErr := time.Parse(allDayFormat, edt.Date)
		if parseErr != nil {
			return "", 0, false, fmt.Errorf("invalid event date %q: %w", edt.Date, parseErr)
		}
		return edt.Date, t.UnixMilli(), true, nil
	}
	return "", 0, false, fmt.Errorf("missing event time")
}

// FromProvider maps a provider event onto a mirror row. Events without an id
// or without usable start and end times are rejected.
func FromProvider(userID, calendarID string, event *calendar.Event) (*Event, error) {
	if event.Id == "" {
		return nil, fmt.Errorf("event has no id")
	}
	startRaw, startTS, allDay, err := parseEventTime(event.Start)
	if err != nil {
		return nil, fmt.Errorf("event %s: %w", event.Id, err)
	}
	endRaw, endTS, _, err := parseEventTime(event.End)
	if err != nil {
		return nil, fmt.Errorf("event %s: %w", event.Id, err)
	}

	status := event.Status
	if status == "" {
		status = "confirmed"
	}

	return &Event{
		UserID:       userID,
		CalendarID:   calendarID,
		EventID:      event.Id,
		Summary:      event.Summary,
		Description:  event.Description,
		Location:     event.Location,
		StartTime:    startRaw,
		EndTime:      endRaw,
		StartTS:      startTS,
		EndTS:        endTS,
		AllDay:       allDay,
		Status:       status,
		ColorID:      event.ColorId,
		Etag:         event.Etag,
		Source:       SourceGoogle,
		LastSyncedAt: time.Now(),
	}, nil
}
