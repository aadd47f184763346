package security

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	calendar "google.golang.org/api/calendar/v3"
)

// CalendarScopes are the scopes requested when connecting a Google account.
var CalendarScopes = []string{
	calendar.CalendarScope,
	calendar.CalendarSettingsReadonlyScope,
	"openid",
	"email",
	"profile",
}

// AuthState is the payload round-tripped through the OAuth state parameter.
// It ties the callback back to the user who started the flow.
type AuthState struct {
	UserID string `json:"userId"`
}

// Encode serializes the state as base64url JSON for use in the auth URL.
func (s AuthState) Encode() string {
	raw, _ := json.Marshal(s)
	return base64.RawURLEncoding.EncodeToString(raw)
}

// DecodeAuthState parses and validates a state parameter from a callback.
func DecodeAuthState(encoded string) (AuthState, error) {
	var state AuthState
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return state, fmt.Errorf("state is not valid base64url: %w", err)
	}
	if err := json.Unmarshal(raw, &state); err != nil {
		return state, fmt.Errorf("state is not valid JSON: %w", err)
	}
	if state.UserID == "" {
		return state, fmt.Errorf("state is missing userId")
	}
	return state, nil
}

// NewOAuthConfig builds the Google OAuth config for calendar access.
func NewOAuthConfig(clientID, clientSecret, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       CalendarScopes,
		Endpoint:     google.Endpoint,
	}
}

// AuthCodeURL returns the consent URL for a user. offline + consent prompt
// so Google always returns a refresh token.
func AuthCodeURL(config *oauth2.Config, userID string) string {
	state := AuthState{UserID: userID}
	return config.AuthCodeURL(state.Encode(), oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}
