package config

import (
	"os"
	"testing"
)

func TestLoad_DefaultsAndEnv(t *testing.T) {
	os.Setenv("HTTP_ADDRESS", "")
	os.Setenv("ELEVENLABS_AGENT_ID", "")
	os.Setenv("MAX_PANEL_SESSIONS", "")
	cfg := Load()
	if cfg.HTTPAddress == "" {
		t.Fatalf("expected default http address")
	}
	if cfg.ElevenLabsAgent != DefaultAgentID {
		t.Fatalf("expected fallback agent id, got %q", cfg.ElevenLabsAgent)
	}
	if cfg.MaxPanelSessions <= 0 {
		t.Fatalf("expected positive session cap")
	}
	if len(cfg.AllowedOrigins) == 0 {
		t.Fatalf("expected default allowed origins")
	}
}

func TestLoad_AgentOverride(t *testing.T) {
	os.Setenv("ELEVENLABS_AGENT_ID", "agent_custom")
	defer os.Unsetenv("ELEVENLABS_AGENT_ID")
	cfg := Load()
	if cfg.ElevenLabsAgent != "agent_custom" {
		t.Fatalf("expected env agent id, got %q", cfg.ElevenLabsAgent)
	}
}

func TestLoad_InvalidNumbersFallBack(t *testing.T) {
	os.Setenv("MAX_PANEL_SESSIONS", "not-a-number")
	os.Setenv("SESSION_TIMEOUT_MINUTES", "-3")
	defer os.Unsetenv("MAX_PANEL_SESSIONS")
	defer os.Unsetenv("SESSION_TIMEOUT_MINUTES")
	cfg := Load()
	if cfg.MaxPanelSessions != 100 {
		t.Fatalf("expected default cap 100, got %d", cfg.MaxPanelSessions)
	}
	if cfg.SessionTimeout.Minutes() != 30 {
		t.Fatalf("expected default timeout 30m, got %s", cfg.SessionTimeout)
	}
}
