// Package twitchapi contains minimal helpers to interact with Twitch Helix
// APIs for resolving the user behind an access token.
package twitchapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

const defaultHelixBaseURL = "https://api.twitch.tv/helix"

// HelixUser is the subset of the Helix users payload the service stores.
type HelixUser struct {
	ID              string `json:"id"`
	Login           string `json:"login"`
	DisplayName     string `json:"display_name"`
	ProfileImageURL string `json:"profile_image_url"`
}

// HelixClient provides the user lookup needed by the authorization flow.
type HelixClient struct {
	ClientID   string
	HTTPClient *http.Client
	BaseURL    string // overridable in tests
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

func (hc *HelixClient) base() string {
	if hc.BaseURL != "" {
		return hc.BaseURL
	}
	return defaultHelixBaseURL
}

// GetAuthorizedUser resolves the user that the given user access token
// belongs to.
func (hc *HelixClient) GetAuthorizedUser(ctx context.Context, accessToken string) (*HelixUser, error) {
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, hc.base()+"/users", nil)
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+accessToken)
	resp, err := hc.http().Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("helix users: unexpected status %d", resp.StatusCode)
	}
	var body struct {
		Data []HelixUser `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	if len(body.Data) == 0 {
		return nil, fmt.Errorf("helix users: empty response")
	}
	return &body.Data[0], nil
}
