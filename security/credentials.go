package security

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"
	oauth2api "google.golang.org/api/oauth2/v2"
	"google.golang.org/api/option"

	"caldesk-cloud/metrics"
)

// DefaultRefreshThreshold is how close to expiry an access token may get
// before Client refreshes it synchronously.
const DefaultRefreshThreshold = 60 * time.Second

var (
	// ErrNoAccount means the user has no Google account connected.
	ErrNoAccount = errors.New("no google account connected")
	// ErrReauthRequired means the stored credentials can no longer be
	// refreshed and the user must go through the consent flow again.
	ErrReauthRequired = errors.New("google account requires re-authorization")
)

// Account is the stored credential record for one user's Google connection.
// RefreshToken is sealed at rest, AccessToken is short-lived enough to store
// in the clear.
type Account struct {
	UserID       string    `json:"user_id"`
	Email        string    `json:"email,omitempty"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Expiry       time.Time `json:"expiry"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TokenExpired reports whether the stored access token is past its expiry.
func (a *Account) TokenExpired() bool {
	return !a.Expiry.After(time.Now())
}

// EmailResolver looks up the account email for a fresh access token.
type EmailResolver func(ctx context.Context, accessToken string) (string, error)

// CredentialStore manages Google OAuth credentials in Redis.
type CredentialStore struct {
	redisClient      *redis.Client
	oauthConfig      *oauth2.Config
	cipher           *TokenCipher
	resolveEmail     EmailResolver
	refreshThreshold time.Duration
}

// NewCredentialStore creates a credential store backed by Redis.
func NewCredentialStore(redisClient *redis.Client, oauthConfig *oauth2.Config, cipher *TokenCipher) *CredentialStore {
	return &CredentialStore{
		redisClient:      redisClient,
		oauthConfig:      oauthConfig,
		cipher:           cipher,
		resolveEmail:     googleUserinfoEmail,
		refreshThreshold: DefaultRefreshThreshold,
	}
}

// SetRefreshThreshold overrides the refresh-before-expiry window.
func (s *CredentialStore) SetRefreshThreshold(d time.Duration) {
	if d > 0 {
		s.refreshThreshold = d
	}
}

// SetEmailResolver overrides the userinfo lookup, used by tests.
func (s *CredentialStore) SetEmailResolver(resolver EmailResolver) {
	s.resolveEmail = resolver
}

// OAuthConfig exposes the underlying config for auth URL generation.
func (s *CredentialStore) OAuthConfig() *oauth2.Config {
	return s.oauthConfig
}

func accountKey(userID string) string {
	return fmt.Sprintf("google_account:%s", userID)
}

// SaveTokens persists tokens from an OAuth exchange or refresh. A missing
// refresh token keeps the previously stored one, since Google only returns
// it on the first consent.
func (s *CredentialStore) SaveTokens(ctx context.Context, userID string, token *oauth2.Token) error {
	if userID == "" {
		return fmt.Errorf("user ID is required")
	}
	if token == nil || token.AccessToken == "" {
		return fmt.Errorf("token with access token is required")
	}

	now := time.Now()
	account := &Account{
		UserID:    userID,
		CreatedAt: now,
	}
	if existing, err := s.Account(ctx, userID); err == nil {
		account = existing
	} else if !errors.Is(err, ErrNoAccount) {
		return err
	}

	account.AccessToken = token.AccessToken
	account.Expiry = token.Expiry
	if account.Expiry.IsZero() {
		account.Expiry = now.Add(time.Hour)
	}
	account.UpdatedAt = now

	if token.RefreshToken != "" {
		sealed, err := s.cipher.Seal(token.RefreshToken)
		if err != nil {
			return fmt.Errorf("failed to seal refresh token: %w", err)
		}
		account.RefreshToken = sealed
	}

	if account.Email == "" {
		email, err := s.resolveEmail(ctx, token.AccessToken)
		if err != nil {
			log.Printf("Warning: failed to resolve account email for user %s: %v", userID, err)
		} else {
			account.Email = email
		}
	}

	return s.storeAccount(ctx, account)
}

func (s *CredentialStore) storeAccount(ctx context.Context, account *Account) error {
	data, err := json.Marshal(account)
	if err != nil {
		return fmt.Errorf("failed to marshal account: %w", err)
	}
	if err := s.redisClient.Set(ctx, accountKey(account.UserID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to store account: %w", err)
	}
	return nil
}

// Account loads the stored record for a user. The refresh token stays sealed.
func (s *CredentialStore) Account(ctx context.Context, userID string) (*Account, error) {
	data, err := s.redisClient.Get(ctx, accountKey(userID)).Result()
	if err == redis.Nil {
		return nil, ErrNoAccount
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	var account Account
	if err := json.Unmarshal([]byte(data), &account); err != nil {
		return nil, fmt.Errorf("failed to unmarshal account: %w", err)
	}
	return &account, nil
}

// Token returns a valid access token for the user, refreshing it first when
// it is within the refresh threshold of expiry. The refreshed token is
// persisted before it is returned. An account without a stored refresh
// token requires reauth immediately, even while its access token is still
// fresh: the connection dies the moment that token expires.
func (s *CredentialStore) Token(ctx context.Context, userID string) (*oauth2.Token, error) {
	account, err := s.Account(ctx, userID)
	if err != nil {
		return nil, err
	}
	if account.RefreshToken == "" {
		return nil, ErrReauthRequired
	}

	token := &oauth2.Token{
		AccessToken: account.AccessToken,
		TokenType:   "Bearer",
		Expiry:      account.Expiry,
	}
	if time.Until(account.Expiry) >= s.refreshThreshold {
		return token, nil
	}

	refreshToken, err := s.cipher.Open(account.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to unseal refresh token: %w", err)
	}

	source := s.oauthConfig.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	refreshed, err := source.Token()
	if err != nil {
		metrics.TokenRefreshes.WithLabelValues("error").Inc()
		log.Printf("Warning: token refresh failed for user %s: %v", userID, err)
		return nil, fmt.Errorf("%w: refresh failed: %v", ErrReauthRequired, err)
	}
	metrics.TokenRefreshes.WithLabelValues("ok").Inc()

	account.AccessToken = refreshed.AccessToken
	account.Expiry = refreshed.Expiry
	account.UpdatedAt = time.Now()
	if refreshed.RefreshToken != "" && refreshed.RefreshToken != refreshToken {
		sealed, sealErr := s.cipher.Seal(refreshed.RefreshToken)
		if sealErr != nil {
			return nil, fmt.Errorf("failed to seal rotated refresh token: %w", sealErr)
		}
		account.RefreshToken = sealed
	}
	if err := s.storeAccount(ctx, account); err != nil {
		return nil, err
	}

	return &oauth2.Token{
		AccessToken: refreshed.AccessToken,
		TokenType:   "Bearer",
		Expiry:      refreshed.Expiry,
	}, nil
}

// Client returns an authenticated HTTP client for the user. The client uses
// a static token, so callers must fetch a fresh one per operation rather
// than holding it across long-running work.
func (s *CredentialStore) Client(ctx context.Context, userID string) (*http.Client, error) {
	token, err := s.Token(ctx, userID)
	if err != nil {
		return nil, err
	}
	return oauth2.NewClient(ctx, oauth2.StaticTokenSource(token)), nil
}

// ListActiveAccounts returns every account whose access token has not
// expired. The backup sweep iterates these.
func (s *CredentialStore) ListActiveAccounts(ctx context.Context) ([]*Account, error) {
	var accounts []*Account
	iter := s.redisClient.Scan(ctx, 0, accountKey("*"), 100).Iterator()
	for iter.Next(ctx) {
		data, err := s.redisClient.Get(ctx, iter.Val()).Result()
		if err != nil {
			continue
		}
		var account Account
		if err := json.Unmarshal([]byte(data), &account); err != nil {
			log.Printf("Warning: skipping malformed account record at %s: %v", iter.Val(), err)
			continue
		}
		if account.TokenExpired() {
			continue
		}
		accounts = append(accounts, &account)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan accounts: %w", err)
	}
	return accounts, nil
}

// Delete removes the stored credentials for a user.
func (s *CredentialStore) Delete(ctx context.Context, userID string) error {
	if err := s.redisClient.Del(ctx, accountKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	return nil
}

func googleUserinfoEmail(ctx context.Context, accessToken string) (string, error) {
	httpClient := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken}))
	svc, err := oauth2api.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return "", fmt.Errorf("failed to create userinfo service: %w", err)
	}
	info, err := svc.Userinfo.Get().Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("failed to fetch userinfo: %w", err)
	}
	return info.Email, nil
}
