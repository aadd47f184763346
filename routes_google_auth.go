package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/oauth2"

	"caldesk-cloud/mirror"
	"caldesk-cloud/security"
	"caldesk-cloud/syncer"
	"caldesk-cloud/watch"
)

// GoogleAuthHandler owns the OAuth connect/callback flow and the disconnect
// cascade.
type GoogleAuthHandler struct {
	credentials *security.CredentialStore
	watches     *watch.Manager
	engine      *syncer.Engine
	events      *mirror.Service
	frontendURL string
}

// NewGoogleAuthHandler creates the auth handler. frontendURL is where the
// callback redirects the browser after the exchange.
func NewGoogleAuthHandler(credentials *security.CredentialStore, watches *watch.Manager, engine *syncer.Engine, events *mirror.Service, frontendURL string) *GoogleAuthHandler {
	return &GoogleAuthHandler{
		credentials: credentials,
		watches:     watches,
		engine:      engine,
		events:      events,
		frontendURL: frontendURL,
	}
}

// RegisterRoutes registers the OAuth and account endpoints.
func (h *GoogleAuthHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/auth/google/calendar/connect", h.Connect).Methods("GET")
	router.HandleFunc("/auth/google/calendar/callback", h.Callback).Methods("GET")
	router.HandleFunc("/api/calendar/tokens", h.GetTokens).Methods("GET")
	router.HandleFunc("/api/calendar/tokens", h.SaveTokens).Methods("POST")
	router.HandleFunc("/api/calendar/disconnect", h.Disconnect).Methods("POST")
}

// Connect sends the browser to the Google consent page for a user.
func (h *GoogleAuthHandler) Connect(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id parameter is required", http.StatusBadRequest)
		return
	}

	http.Redirect(w, r, security.AuthCodeURL(h.credentials.OAuthConfig(), userID), http.StatusFound)
}

// Callback finishes the OAuth flow: exchanges the code, stores tokens, runs
// the initial full sync and registers the watch channel, and only then
// redirects. A bootstrap failure redirects with an error so the user never
// sees a connected state backed by an empty mirror.
func (h *GoogleAuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if errParam := r.URL.Query().Get("error"); errParam != "" {
		log.Printf("OAuth consent denied: %s", errParam)
		h.redirect(w, r, fmt.Sprintf("calendar_error=%s", url.QueryEscape(errParam)))
		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		h.redirect(w, r, "calendar_error=missing_code")
		return
	}

	state, err := security.DecodeAuthState(r.URL.Query().Get("state"))
	if err != nil {
		log.Printf("OAuth callback with bad state: %v", err)
		h.redirect(w, r, "calendar_error=invalid_state")
		return
	}

	token, err := h.credentials.OAuthConfig().Exchange(ctx, code)
	if err != nil {
		log.Printf("OAuth code exchange failed for user %s: %v", state.UserID, err)
		h.redirect(w, r, "calendar_error=exchange_failed")
		return
	}

	if err := h.credentials.SaveTokens(ctx, state.UserID, token); err != nil {
		log.Printf("Failed to store tokens for user %s: %v", state.UserID, err)
		h.redirect(w, r, "calendar_error=storage_failed")
		return
	}
	log.Printf("Connected Google Calendar for user %s", state.UserID)

	if err := h.bootstrapConnection(state.UserID); err != nil {
		log.Printf("Warning: bootstrap failed for user %s: %v", state.UserID, err)
		h.redirect(w, r, "calendar_error=sync_failed")
		return
	}

	h.redirect(w, r, "calendar_connected=true")
}

// bootstrapConnection seeds the mirror and registers the watch channel for a
// freshly connected account. It runs on its own context: the work must
// survive the callback request ending, but not hang forever.
func (h *GoogleAuthHandler) bootstrapConnection(userID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if _, err := h.engine.FullSync(ctx, userID, "primary"); err != nil {
		return fmt.Errorf("initial full sync failed: %w", err)
	}
	if _, err := h.watches.Start(ctx, userID, "primary"); err != nil {
		return fmt.Errorf("watch registration failed: %w", err)
	}
	return nil
}

func (h *GoogleAuthHandler) redirect(w http.ResponseWriter, r *http.Request, query string) {
	if h.frontendURL == "" {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"result": query})
		return
	}
	separator := "?"
	if u, err := url.Parse(h.frontendURL); err == nil && u.RawQuery != "" {
		separator = "&"
	}
	http.Redirect(w, r, h.frontendURL+separator+query, http.StatusFound)
}

// TokensResponse is the connection summary returned to clients. Secrets
// never leave the server.
type TokensResponse struct {
	Connected bool      `json:"connected"`
	Email     string    `json:"email,omitempty"`
	Expiry    time.Time `json:"expiry,omitempty"`
	Expired   bool      `json:"expired,omitempty"`
}

// GetTokens reports whether a user has a usable connection.
func (h *GoogleAuthHandler) GetTokens(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id parameter is required", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	account, err := h.credentials.Account(r.Context(), userID)
	if err == security.ErrNoAccount {
		json.NewEncoder(w).Encode(TokensResponse{Connected: false})
		return
	}
	if err != nil {
		log.Printf("Failed to load account for user %s: %v", userID, err)
		http.Error(w, "Failed to load account", http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(TokensResponse{
		Connected: true,
		Email:     account.Email,
		Expiry:    account.Expiry,
		Expired:   account.TokenExpired(),
	})
}

// SaveTokensRequest carries tokens obtained by a frontend-completed OAuth
// flow. ExpiryMillis is the absolute expiry as epoch milliseconds.
type SaveTokensRequest struct {
	UserID       string `json:"user_id"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiryMillis int64  `json:"expiry_date,omitempty"`
}

// SaveTokens stores tokens the client obtained itself, then bootstraps the
// connection like the callback path does.
func (h *GoogleAuthHandler) SaveTokens(w http.ResponseWriter, r *http.Request) {
	var req SaveTokensRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" || req.AccessToken == "" {
		http.Error(w, "user_id and access_token are required", http.StatusBadRequest)
		return
	}

	token := &oauth2.Token{
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
	}
	if req.ExpiryMillis > 0 {
		token.Expiry = time.UnixMilli(req.ExpiryMillis)
	}

	if err := h.credentials.SaveTokens(r.Context(), req.UserID, token); err != nil {
		log.Printf("Failed to store tokens for user %s: %v", req.UserID, err)
		http.Error(w, "Failed to store tokens", http.StatusInternalServerError)
		return
	}
	log.Printf("Stored client-supplied tokens for user %s", req.UserID)

	if err := h.bootstrapConnection(req.UserID); err != nil {
		log.Printf("Warning: bootstrap failed for user %s: %v", req.UserID, err)
		http.Error(w, "Tokens stored but initial sync failed", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"success": true})
}

// DisconnectRequest asks to tear down a user's connection.
type DisconnectRequest struct {
	UserID string `json:"user_id"`
}

// Disconnect runs the teardown cascade: stop watch channels, clear cursors,
// drop mirrored events, then delete the credentials. Order matters so a
// partial failure leaves nothing pointing at deleted state.
func (h *GoogleAuthHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	var req DisconnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	ctx := r.Context()

	if err := h.watches.StopAllForUser(ctx, req.UserID); err != nil {
		log.Printf("Warning: failed to stop watches for user %s: %v", req.UserID, err)
	}
	if err := h.watches.ClearUserState(ctx, req.UserID); err != nil {
		log.Printf("Warning: failed to clear watch state for user %s: %v", req.UserID, err)
	}
	if err := h.events.Store().DeleteAllForUser(ctx, req.UserID); err != nil {
		log.Printf("Failed to delete mirrored events for user %s: %v", req.UserID, err)
		http.Error(w, "Failed to delete calendar data", http.StatusInternalServerError)
		return
	}
	if err := h.credentials.Delete(ctx, req.UserID); err != nil {
		log.Printf("Failed to delete credentials for user %s: %v", req.UserID, err)
		http.Error(w, "Failed to delete credentials", http.StatusInternalServerError)
		return
	}

	log.Printf("Disconnected Google Calendar for user %s", req.UserID)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"success": true})
}
