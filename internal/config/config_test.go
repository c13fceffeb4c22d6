package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Host != "127.0.0.1" {
		t.Errorf("Host = %q, want 127.0.0.1", cfg.Host)
	}
	if cfg.Port != 32146 {
		t.Errorf("Port = %d, want 32146", cfg.Port)
	}
	if cfg.LogBuffer != 1000 {
		t.Errorf("LogBuffer = %d, want 1000", cfg.LogBuffer)
	}
	if cfg.PresencePoll != 2*time.Second {
		t.Errorf("PresencePoll = %s, want 2s", cfg.PresencePoll)
	}
	if cfg.Development() {
		t.Error("default environment should not be development")
	}
	if len(cfg.Readers) != 0 {
		t.Errorf("Readers = %v, want none", cfg.Readers)
	}
}

func TestLoadEnvironment(t *testing.T) {
	t.Setenv("SE_BROKER_HOST", "0.0.0.0")
	t.Setenv("SE_BROKER_PORT", "9000")
	t.Setenv("SE_BROKER_READERS", "Reader A,Reader B")
	t.Setenv("SE_BROKER_POLICY_FILE", "/etc/se-broker/policy.json")
	t.Setenv("SE_BROKER_ENV", "development")
	t.Setenv("SE_BROKER_PRESENCE_POLL", "500ms")
	t.Setenv("SE_BROKER_ALLOWED_ORIGINS", "https://wallet.example.com,https://pay.example.com")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if got := cfg.Address(); got != "0.0.0.0:9000" {
		t.Errorf("Address() = %q", got)
	}
	if len(cfg.Readers) != 2 || cfg.Readers[1] != "Reader B" {
		t.Errorf("Readers = %v", cfg.Readers)
	}
	if cfg.PolicyFile != "/etc/se-broker/policy.json" {
		t.Errorf("PolicyFile = %q", cfg.PolicyFile)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[0] != "https://wallet.example.com" {
		t.Errorf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
	if !cfg.Development() {
		t.Error("Development() = false")
	}
	if cfg.PresencePoll != 500*time.Millisecond {
		t.Errorf("PresencePoll = %s", cfg.PresencePoll)
	}
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("SE_BROKER_PORT=9100\nSE_BROKER_LOG_LEVEL=debug\n"), 0644); err != nil {
		t.Fatal(err)
	}
	// the real environment wins
	t.Setenv("SE_BROKER_LOG_LEVEL", "warn")
	t.Cleanup(func() { os.Unsetenv("SE_BROKER_PORT") })

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != 9100 {
		t.Errorf("Port = %d, want 9100", cfg.Port)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn", cfg.LogLevel)
	}
}

func TestLoadMissingDotEnv(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Errorf("Load() with missing .env error = %v", err)
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"port not a number", "SE_BROKER_PORT", "http"},
		{"port out of range", "SE_BROKER_PORT", "70000"},
		{"zero log buffer", "SE_BROKER_LOG_BUFFER", "0"},
		{"bad poll interval", "SE_BROKER_PRESENCE_POLL", "soon"},
		{"negative poll interval", "SE_BROKER_PRESENCE_POLL", "-1s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := Load(""); err == nil {
				t.Errorf("Load() with %s=%s should fail", tt.key, tt.value)
			}
		})
	}
}

func TestBindFlags(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	fs := pflag.NewFlagSet("se-broker", pflag.ContinueOnError)
	cfg.BindFlags(fs)
	if err := fs.Parse([]string{"-p", "9200", "--reader", "Reader A", "-r", "Reader C", "--policy", "rules.cbor"}); err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Port != 9200 {
		t.Errorf("Port = %d, want 9200", cfg.Port)
	}
	if cfg.Host != "127.0.0.1" {
		t.Errorf("Host = %q, flag default should keep loaded value", cfg.Host)
	}
	if len(cfg.Readers) != 2 {
		t.Errorf("Readers = %v", cfg.Readers)
	}
	if cfg.PolicyFile != "rules.cbor" {
		t.Errorf("PolicyFile = %q", cfg.PolicyFile)
	}
}

func TestWantsReader(t *testing.T) {
	tests := []struct {
		name    string
		readers []string
		reader  string
		want    bool
	}{
		{"no filter", nil, "Reader A", true},
		{"listed", []string{"Reader A", "Reader B"}, "Reader B", true},
		{"case insensitive", []string{"reader a"}, "Reader A", true},
		{"not listed", []string{"Reader A"}, "Reader C", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Readers: tt.readers}
			if got := cfg.WantsReader(tt.reader); got != tt.want {
				t.Errorf("WantsReader(%q) = %v, want %v", tt.reader, got, tt.want)
			}
		})
	}
}
