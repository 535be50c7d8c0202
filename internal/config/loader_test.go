package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadFromReaderDefaults(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.Host != DefaultHost {
		t.Errorf("Host = %q, want %q", cfg.Server.Host, DefaultHost)
	}
	if cfg.Server.Port != DefaultPort {
		t.Errorf("Port = %d, want %d", cfg.Server.Port, DefaultPort)
	}
	if cfg.Server.LogLevel != LogInfo {
		t.Errorf("LogLevel = %q, want %q", cfg.Server.LogLevel, LogInfo)
	}
}

func TestLoadFromReaderFull(t *testing.T) {
	in := `
server:
  host: 127.0.0.1
  port: 9000
  log_level: debug
  cert_dir: /tmp/certs
database:
  dsn: postgres://localhost/scenecast
twitch:
  channel: somecaster
`
	cfg, err := LoadFromReader(strings.NewReader(in))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 9000 {
		t.Errorf("server = %+v", cfg.Server)
	}
	if got := cfg.Server.HTTPSPort(); got != 9363 {
		t.Errorf("HTTPSPort = %d, want 9363", got)
	}
	if cfg.Database.DSN != "postgres://localhost/scenecast" {
		t.Errorf("DSN = %q", cfg.Database.DSN)
	}
	if cfg.Twitch.Channel != "somecaster" {
		t.Errorf("Channel = %q", cfg.Twitch.Channel)
	}
}

func TestLoadFromReaderUnknownField(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader("server:\n  listen_addr: ':8080'\n"))
	if err == nil {
		t.Fatal("unknown field accepted")
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := &Config{}
	cfg.Server.Port = 70000
	cfg.Server.LogLevel = "loud"
	err := Validate(cfg)
	if err == nil {
		t.Fatal("invalid config accepted")
	}
	msg := err.Error()
	if !strings.Contains(msg, "server.port") {
		t.Errorf("port error missing from %q", msg)
	}
	if !strings.Contains(msg, "server.log_level") {
		t.Errorf("log_level error missing from %q", msg)
	}
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != DefaultPort {
		t.Errorf("Port = %d, want %d", cfg.Server.Port, DefaultPort)
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("OPENROUTER_API_KEY", "or-key")
	t.Setenv("ELEVENLABS_API_KEY", "el-key")
	t.Setenv("CARTESIA_API_KEY", "ca-key")
	t.Setenv("TWITCH_CLIENT_ID", "tw-id")

	cfg := &Config{}
	FromEnv(cfg)
	want := APIKeys{
		OpenRouter:     "or-key",
		ElevenLabs:     "el-key",
		Cartesia:       "ca-key",
		TwitchClientID: "tw-id",
	}
	if cfg.Keys != want {
		t.Errorf("Keys = %+v, want %+v", cfg.Keys, want)
	}
}

func TestLoadRealFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 8123\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8123 {
		t.Errorf("Port = %d, want 8123", cfg.Server.Port)
	}
}
