package twitchapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGetAuthorizedUser(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/users" {
			t.Errorf("path = %q, want /users", r.URL.Path)
		}
		if got := r.Header.Get("Client-Id"); got != "client-id" {
			t.Errorf("Client-Id = %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer user-token" {
			t.Errorf("Authorization = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]string{{
				"id":                "12345",
				"login":             "somechannel",
				"display_name":      "SomeChannel",
				"profile_image_url": "https://example.com/avatar.png",
			}},
		})
	}))
	defer srv.Close()

	hc := &HelixClient{ClientID: "client-id", BaseURL: srv.URL}
	user, err := hc.GetAuthorizedUser(context.Background(), "user-token")
	if err != nil {
		t.Fatalf("GetAuthorizedUser: %v", err)
	}
	if user.ID != "12345" || user.Login != "somechannel" || user.DisplayName != "SomeChannel" {
		t.Errorf("user = %+v", user)
	}
}

func TestGetAuthorizedUserErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"unauthorized", http.StatusUnauthorized, `{}`},
		{"empty data", http.StatusOK, `{"data":[]}`},
		{"garbage body", http.StatusOK, `nope`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			hc := &HelixClient{ClientID: "client-id", BaseURL: srv.URL}
			if _, err := hc.GetAuthorizedUser(context.Background(), "user-token"); err == nil {
				t.Error("expected error")
			}
		})
	}
}
