package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Speech.Voice != "en-US-JennyMultilingualV2Neural" {
		t.Fatalf("expected default voice, got %q", cfg.Speech.Voice)
	}
	if cfg.Speech.TokenRefreshIntervalMS != 9*60*1000 {
		t.Fatalf("expected 9 minute refresh interval, got %d", cfg.Speech.TokenRefreshIntervalMS)
	}
	if cfg.Speech.Engine != "mock" {
		t.Fatalf("expected mock engine default, got %q", cfg.Speech.Engine)
	}
	if len(cfg.Chat.QuickReplies) != 3 {
		t.Fatalf("expected 3 quick replies, got %v", cfg.Chat.QuickReplies)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "avatard.yaml")
	data := []byte(`
speech:
  region: westus2
  key: secret
  voice: en-US-AvaNeural
openai:
  endpoint: https://example.openai.azure.com
  api_key: oai-key
  deployment: gpt-4o
search:
  endpoint: https://example.search.windows.net
  api_key: search-key
  index_name: docs
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Speech.Region != "westus2" {
		t.Fatalf("expected region override, got %q", cfg.Speech.Region)
	}
	if cfg.Speech.Voice != "en-US-AvaNeural" {
		t.Fatalf("expected voice override, got %q", cfg.Speech.Voice)
	}
	if cfg.OpenAI.Deployment != "gpt-4o" {
		t.Fatalf("expected deployment override, got %q", cfg.OpenAI.Deployment)
	}
	if cfg.Search.IndexName != "docs" {
		t.Fatalf("expected index override, got %q", cfg.Search.IndexName)
	}
	if cfg.OpenAI.APIVersion != "2023-06-01-preview" {
		t.Fatalf("expected default api version preserved, got %q", cfg.OpenAI.APIVersion)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("AVATAR_SPEECH_REGION", "eastus")
	t.Setenv("AVATAR_SPEECH_KEY", "env-key")
	t.Setenv("AVATAR_SPEECH_VOICE", "en-US-GuyNeural")
	t.Setenv("AVATAR_SPEECH_TOKEN_REFRESH_INTERVAL_MS", "120000")
	t.Setenv("AVATAR_OPENAI_ENDPOINT", "https://env.openai.azure.com")
	t.Setenv("AVATAR_CHAT_ENABLE_QUICK_REPLY", "true")
	t.Setenv("AVATAR_CHAT_QUICK_REPLIES", "Hold on., Checking.")
	t.Setenv("AVATAR_BUS_ENABLED", "true")
	t.Setenv("AVATAR_BUS_SERVERS", "nats://one:4222, nats://two:4222")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Speech.Region != "eastus" || cfg.Speech.Key != "env-key" {
		t.Fatalf("expected speech overrides, got %+v", cfg.Speech)
	}
	if cfg.Speech.TokenRefreshIntervalMS != 120000 {
		t.Fatalf("expected refresh interval override, got %d", cfg.Speech.TokenRefreshIntervalMS)
	}
	if cfg.OpenAI.Endpoint != "https://env.openai.azure.com" {
		t.Fatalf("expected openai endpoint override")
	}
	if !cfg.Chat.EnableQuickReply {
		t.Fatal("expected quick reply enabled")
	}
	if len(cfg.Chat.QuickReplies) != 2 || cfg.Chat.QuickReplies[0] != "Hold on." {
		t.Fatalf("expected quick reply override, got %v", cfg.Chat.QuickReplies)
	}
	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 bus servers, got %v", cfg.Bus.Servers)
	}
}

func TestValidateRejectsBadEngine(t *testing.T) {
	t.Setenv("AVATAR_SPEECH_ENGINE", "webrtc")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for unknown engine")
	}
}

func TestValidateExecRequiresCommand(t *testing.T) {
	t.Setenv("AVATAR_SPEECH_ENGINE", "exec")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for exec engine without command")
	}
}
