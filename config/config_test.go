package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MessagesExpireAfter != 24*time.Hour {
		t.Errorf("MessagesExpireAfter = %v, want 24h", cfg.MessagesExpireAfter)
	}
	if cfg.MaxBufferSize != 800 {
		t.Errorf("MaxBufferSize = %d, want 800", cfg.MaxBufferSize)
	}
	if cfg.ChannelsPerConnection != 50 {
		t.Errorf("ChannelsPerConnection = %d, want 50", cfg.ChannelsPerConnection)
	}
	if cfg.HTTPAddr != ":2790" {
		t.Errorf("HTTPAddr = %q, want :2790", cfg.HTTPAddr)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("MESSAGES_EXPIRE_AFTER", "1h")
	t.Setenv("MAX_BUFFER_SIZE", "100")
	t.Setenv("HTTP_ADDR", ":9999")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MessagesExpireAfter != time.Hour {
		t.Errorf("MessagesExpireAfter = %v, want 1h", cfg.MessagesExpireAfter)
	}
	if cfg.MaxBufferSize != 100 {
		t.Errorf("MaxBufferSize = %d, want 100", cfg.MaxBufferSize)
	}
	if cfg.HTTPAddr != ":9999" {
		t.Errorf("HTTPAddr = %q, want :9999", cfg.HTTPAddr)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("VACUUM_MESSAGES_EVERY", "not-a-duration")
	if _, err := Load(); err == nil {
		t.Error("expected error for unparseable duration")
	}
}

func TestLoadRejectsNonPositiveValues(t *testing.T) {
	t.Setenv("MAX_BUFFER_SIZE", "0")
	if _, err := Load(); err == nil {
		t.Error("expected error for zero buffer size")
	}
}

func TestChannelLoginPattern(t *testing.T) {
	valid := []string{"a", "somechannel", "user_123", "abcdefghijklmnopqrstuvwxy"}
	for _, login := range valid {
		if !ChannelLoginPattern.MatchString(login) {
			t.Errorf("%q should be a valid login", login)
		}
	}
	invalid := []string{"", "UPPER", "has space", "abcdefghijklmnopqrstuvwxyz", "emoji😀"}
	for _, login := range invalid {
		if ChannelLoginPattern.MatchString(login) {
			t.Errorf("%q should be an invalid login", login)
		}
	}
}

func TestValidateAuthReady(t *testing.T) {
	cfg := &Config{}
	if err := cfg.ValidateAuthReady(); err == nil {
		t.Error("empty credentials should not be auth-ready")
	}
	cfg = &Config{TwitchClientID: "id", TwitchClientSecret: "secret", TwitchRedirectURI: "https://example.com/cb"}
	if err := cfg.ValidateAuthReady(); err != nil {
		t.Errorf("ValidateAuthReady: %v", err)
	}
}
