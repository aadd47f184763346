// Package watch manages Google Calendar push notification channels and the
// per-calendar sync cursors they feed.
package watch

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// ChannelToken is the payload embedded in a watch channel's token field.
// Google echoes it back on every notification, which lets the receiver
// identify the calendar without trusting channel state alone.
type ChannelToken struct {
	UserID     string `json:"userId"`
	CalendarID string `json:"calendarId"`
}

// Encode serializes the token as base64url JSON.
func (t ChannelToken) Encode() string {
	raw, _ := json.Marshal(t)
	return base64.RawURLEncoding.EncodeToString(raw)
}

// DecodeChannelToken parses and validates a notification token.
func DecodeChannelToken(encoded string) (ChannelToken, error) {
	var token ChannelToken
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return token, fmt.Errorf("channel token is not valid base64url: %w", err)
	}
	if err := json.Unmarshal(raw, &token); err != nil {
		return token, fmt.Errorf("channel token is not valid JSON: %w", err)
	}
	if token.UserID == "" || token.CalendarID == "" {
		return token, fmt.Errorf("channel token is missing userId or calendarId")
	}
	return token, nil
}
