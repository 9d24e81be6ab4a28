package db

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// UserAuthorization is one session row in the user_authorization table. The
// access_token is the service's own bearer token; the twitch_* columns hold
// the underlying Twitch OAuth grant.
type UserAuthorization struct {
	AccessToken                      string
	TwitchAccessToken                string
	TwitchRefreshToken               string
	TwitchAuthorizationLastValidated time.Time
	ValidUntil                       time.Time
	UserID                           string
	UserLogin                        string
	UserName                         string
	UserProfileImageURL              string
}

// AppendUserAuthorization inserts a new session.
func (s *Store) AppendUserAuthorization(ctx context.Context, a *UserAuthorization) error {
	return s.exec(ctx,
		`INSERT INTO user_authorization(access_token, twitch_access_token,
		 twitch_refresh_token, twitch_authorization_last_validated, valid_until,
		 user_id, user_login, user_name, user_profile_image_url)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		a.AccessToken, a.TwitchAccessToken, a.TwitchRefreshToken,
		a.TwitchAuthorizationLastValidated, a.ValidUntil,
		a.UserID, a.UserLogin, a.UserName, a.UserProfileImageURL)
}

// GetUserAuthorization returns the session for an access token, or nil when
// the token is unknown or expired.
func (s *Store) GetUserAuthorization(ctx context.Context, accessToken string) (*UserAuthorization, error) {
	var a UserAuthorization
	err := s.withRetry(ctx, func(ctx context.Context) error {
		row := s.DB.QueryRowContext(ctx,
			`SELECT access_token, twitch_access_token, twitch_refresh_token,
			 twitch_authorization_last_validated, valid_until, user_id,
			 user_login, user_name, user_profile_image_url
			 FROM user_authorization
			 WHERE access_token = $1 AND valid_until >= NOW()`,
			accessToken)
		return row.Scan(&a.AccessToken, &a.TwitchAccessToken, &a.TwitchRefreshToken,
			&a.TwitchAuthorizationLastValidated, &a.ValidUntil, &a.UserID,
			&a.UserLogin, &a.UserName, &a.UserProfileImageURL)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// UpdateUserAuthorization rewrites a session row keyed by its access token.
func (s *Store) UpdateUserAuthorization(ctx context.Context, a *UserAuthorization) error {
	return s.exec(ctx,
		`UPDATE user_authorization
		 SET twitch_access_token = $2,
		     twitch_refresh_token = $3,
		     twitch_authorization_last_validated = $4,
		     valid_until = $5,
		     user_id = $6,
		     user_login = $7,
		     user_name = $8,
		     user_profile_image_url = $9
		 WHERE access_token = $1`,
		a.AccessToken, a.TwitchAccessToken, a.TwitchRefreshToken,
		a.TwitchAuthorizationLastValidated, a.ValidUntil,
		a.UserID, a.UserLogin, a.UserName, a.UserProfileImageURL)
}

// DeleteUserAuthorization removes a session.
func (s *Store) DeleteUserAuthorization(ctx context.Context, accessToken string) error {
	return s.exec(ctx, `DELETE FROM user_authorization WHERE access_token = $1`, accessToken)
}

// DeleteExpiredUserAuthorizations removes sessions past their expiry and
// returns how many were deleted.
func (s *Store) DeleteExpiredUserAuthorizations(ctx context.Context) (int64, error) {
	var affected int64
	err := s.withRetry(ctx, func(ctx context.Context) error {
		res, err := s.DB.ExecContext(ctx, `DELETE FROM user_authorization WHERE valid_until < NOW()`)
		if err != nil {
			return err
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	return affected, err
}
