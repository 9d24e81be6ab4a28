// Package auth implements the Twitch-backed session service. A session is
// created from an OAuth authorization code, identified by a service-issued
// bearer token and periodically revalidated against Twitch.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"github.com/onnwee/recent-messages/config"
	"github.com/onnwee/recent-messages/db"
	"github.com/onnwee/recent-messages/twitchapi"
)

// ErrUnauthorized is returned for missing, malformed, unknown or expired
// bearer tokens.
var ErrUnauthorized = errors.New("unauthorized")

var bearerPattern = regexp.MustCompile(`^Bearer ([0-9a-f]{128})$`)

// Sessions is the persistence surface for session rows.
type Sessions interface {
	AppendUserAuthorization(ctx context.Context, a *db.UserAuthorization) error
	GetUserAuthorization(ctx context.Context, accessToken string) (*db.UserAuthorization, error)
	UpdateUserAuthorization(ctx context.Context, a *db.UserAuthorization) error
	DeleteUserAuthorization(ctx context.Context, accessToken string) error
	DeleteExpiredUserAuthorizations(ctx context.Context) (int64, error)
}

// UserLookup resolves the user behind a Twitch access token.
type UserLookup interface {
	GetAuthorizedUser(ctx context.Context, accessToken string) (*twitchapi.HelixUser, error)
}

// Service owns session creation, validation, extension and revocation.
type Service struct {
	store Sessions
	helix UserLookup
	oauth *oauth2.Config

	sessionsExpireAfter time.Duration
	recheckAfter        time.Duration

	now func() time.Time
}

func NewService(cfg *config.Config, store Sessions, helix UserLookup) *Service {
	return &Service{
		store: store,
		helix: helix,
		oauth: &oauth2.Config{
			ClientID:     cfg.TwitchClientID,
			ClientSecret: cfg.TwitchClientSecret,
			RedirectURL:  cfg.TwitchRedirectURI,
			Endpoint:     endpoints.Twitch,
		},
		sessionsExpireAfter: cfg.SessionsExpireAfter,
		recheckAfter:        cfg.RecheckTwitchAuthAfter,
		now:                 time.Now,
	}
}

// SetOAuthEndpoint redirects the token exchange, for tests.
func (s *Service) SetOAuthEndpoint(e oauth2.Endpoint) { s.oauth.Endpoint = e }

func newAccessToken() (string, error) {
	buf := make([]byte, 64)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate access token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Create exchanges an authorization code for a new session.
func (s *Service) Create(ctx context.Context, code string) (*db.UserAuthorization, error) {
	tok, err := s.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange authorization code: %w", err)
	}
	user, err := s.helix.GetAuthorizedUser(ctx, tok.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("resolve authorized user: %w", err)
	}
	accessToken, err := newAccessToken()
	if err != nil {
		return nil, err
	}

	now := s.now()
	a := &db.UserAuthorization{
		AccessToken:                      accessToken,
		TwitchAccessToken:                tok.AccessToken,
		TwitchRefreshToken:               tok.RefreshToken,
		TwitchAuthorizationLastValidated: now,
		ValidUntil:                       now.Add(s.sessionsExpireAfter),
		UserID:                           user.ID,
		UserLogin:                        user.Login,
		UserName:                         user.DisplayName,
		UserProfileImageURL:              user.ProfileImageURL,
	}
	if err := s.store.AppendUserAuthorization(ctx, a); err != nil {
		return nil, fmt.Errorf("store session: %w", err)
	}
	slog.Info("created session", slog.String("user", user.Login))
	return a, nil
}

// Authorize resolves the session behind an Authorization header. The
// underlying Twitch grant is revalidated when the last check is older than
// the recheck interval, refreshing the Twitch token once if needed. A grant
// Twitch no longer honors revokes the session.
func (s *Service) Authorize(ctx context.Context, authorizationHeader string) (*db.UserAuthorization, error) {
	m := bearerPattern.FindStringSubmatch(authorizationHeader)
	if m == nil {
		return nil, ErrUnauthorized
	}
	a, err := s.store.GetUserAuthorization(ctx, m[1])
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, ErrUnauthorized
	}
	if s.now().Sub(a.TwitchAuthorizationLastValidated) < s.recheckAfter {
		return a, nil
	}
	if err := s.revalidate(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

func (s *Service) revalidate(ctx context.Context, a *db.UserAuthorization) error {
	user, err := s.helix.GetAuthorizedUser(ctx, a.TwitchAccessToken)
	if err != nil {
		user, err = s.refreshAndRetry(ctx, a)
	}
	if err != nil {
		slog.Info("twitch authorization no longer valid, revoking session",
			slog.String("user", a.UserLogin), slog.Any("err", err))
		if delErr := s.store.DeleteUserAuthorization(ctx, a.AccessToken); delErr != nil {
			slog.Warn("failed to delete revoked session", slog.Any("err", delErr))
		}
		return ErrUnauthorized
	}

	a.TwitchAuthorizationLastValidated = s.now()
	a.UserID = user.ID
	a.UserLogin = user.Login
	a.UserName = user.DisplayName
	a.UserProfileImageURL = user.ProfileImageURL
	return s.store.UpdateUserAuthorization(ctx, a)
}

// refreshAndRetry exchanges the refresh token for a fresh Twitch grant and
// retries the user lookup once.
func (s *Service) refreshAndRetry(ctx context.Context, a *db.UserAuthorization) (*twitchapi.HelixUser, error) {
	if a.TwitchRefreshToken == "" {
		return nil, errors.New("no refresh token")
	}
	src := s.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: a.TwitchRefreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("refresh twitch token: %w", err)
	}
	a.TwitchAccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		a.TwitchRefreshToken = tok.RefreshToken
	}
	return s.helix.GetAuthorizedUser(ctx, tok.AccessToken)
}

// Extend pushes the session expiry out by the configured lifetime.
func (s *Service) Extend(ctx context.Context, a *db.UserAuthorization) error {
	a.ValidUntil = s.now().Add(s.sessionsExpireAfter)
	return s.store.UpdateUserAuthorization(ctx, a)
}

// Revoke deletes the session.
func (s *Service) Revoke(ctx context.Context, a *db.UserAuthorization) error {
	return s.store.DeleteUserAuthorization(ctx, a.AccessToken)
}

// RunExpiry deletes expired sessions periodically until ctx is cancelled.
func (s *Service) RunExpiry(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.store.DeleteExpiredUserAuthorizations(ctx)
			if err != nil {
				slog.Warn("failed to delete expired sessions", slog.Any("err", err))
			} else if n > 0 {
				slog.Debug("deleted expired sessions", slog.Int64("count", n))
			}
		}
	}
}
