package settings

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

// useTempDir points the settings at an empty directory and clears the
// cached settings.
func useTempDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("SE_BROKER_CONFIG_DIR", dir)

	mu.Lock()
	current = nil
	mu.Unlock()
	t.Cleanup(func() {
		mu.Lock()
		current = nil
		mu.Unlock()
	})
	return dir
}

func TestDefaultSettings(t *testing.T) {
	s := DefaultSettings()
	if s == nil {
		t.Fatal("DefaultSettings returned nil")
	}
	if s.CrashReporting != false {
		t.Error("CrashReporting should be false by default (opt-in)")
	}
	if s.PolicyFile != "" {
		t.Error("PolicyFile should be empty by default")
	}
}

func TestLoadMissingFile(t *testing.T) {
	useTempDir(t)

	s, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if s.CrashReporting {
		t.Error("Expected defaults when no settings file exists")
	}
}

func TestSaveAndLoad(t *testing.T) {
	dir := useTempDir(t)

	if err := Update(func(s *Settings) {
		s.CrashReporting = true
		s.PolicyFile = "/etc/se-broker/policy.cbor"
	}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "settings.json")); err != nil {
		t.Fatalf("settings file not written: %v", err)
	}

	mu.Lock()
	current = nil
	mu.Unlock()

	s, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !s.CrashReporting || s.PolicyFile != "/etc/se-broker/policy.cbor" {
		t.Errorf("Load() = %+v", s)
	}
}

func TestLoadInvalidFile(t *testing.T) {
	dir := useTempDir(t)
	if err := os.WriteFile(filepath.Join(dir, "settings.json"), []byte("not json"), 0644); err != nil {
		t.Fatal(err)
	}

	s, err := Load()
	if err == nil {
		t.Error("Expected error for invalid settings file")
	}
	if s == nil || s.CrashReporting {
		t.Error("Expected defaults for invalid settings file")
	}
}

func TestGet(t *testing.T) {
	useTempDir(t)
	mu.Lock()
	current = &Settings{CrashReporting: true}
	mu.Unlock()

	s := Get()
	if s.CrashReporting != true {
		t.Error("Expected CrashReporting=true")
	}

	// Get hands out a copy
	s.CrashReporting = false
	if !IsCrashReportingEnabled() {
		t.Error("modifying the copy changed the settings")
	}
}

func TestIsCrashReportingEnabled(t *testing.T) {
	useTempDir(t)

	if IsCrashReportingEnabled() {
		t.Error("Expected IsCrashReportingEnabled() to return false by default")
	}
	if err := SetCrashReporting(true); err != nil {
		t.Fatalf("SetCrashReporting() error = %v", err)
	}
	if !IsCrashReportingEnabled() {
		t.Error("Expected IsCrashReportingEnabled() to return true")
	}
}

func TestPolicyPath(t *testing.T) {
	dir := useTempDir(t)

	p, err := PolicyPath()
	if err != nil {
		t.Fatalf("PolicyPath() error = %v", err)
	}
	if want := filepath.Join(dir, "policy.yaml"); p != want {
		t.Errorf("PolicyPath() = %q, want %q", p, want)
	}

	if err := Update(func(s *Settings) { s.PolicyFile = "/srv/rules.json" }); err != nil {
		t.Fatal(err)
	}
	if p, _ := PolicyPath(); p != "/srv/rules.json" {
		t.Errorf("PolicyPath() = %q, want override", p)
	}
}

func TestSettingsJSONFormat(t *testing.T) {
	s := Settings{CrashReporting: true}
	data, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("Failed to marshal: %v", err)
	}

	expected := `{"crashReporting":true,"welcomeShown":false}`
	if string(data) != expected {
		t.Errorf("JSON format mismatch: got %s, want %s", string(data), expected)
	}

	var loaded Settings
	if err := json.Unmarshal([]byte(`{"crashReporting":false,"policyFile":"a.yaml"}`), &loaded); err != nil {
		t.Fatalf("Failed to unmarshal: %v", err)
	}
	if loaded.CrashReporting != false || loaded.PolicyFile != "a.yaml" {
		t.Errorf("unexpected settings %+v", loaded)
	}
}

func TestConcurrentAccess(t *testing.T) {
	useTempDir(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%5 == 0 {
				_ = SetCrashReporting(i%2 == 0)
				return
			}
			_ = Get()
		}(i)
	}
	wg.Wait()
}

func TestFirstRun(t *testing.T) {
	useTempDir(t)

	if !IsFirstRun() {
		t.Fatal("IsFirstRun() = false on a fresh config dir")
	}
	if err := MarkWelcomeShown(); err != nil {
		t.Fatalf("MarkWelcomeShown() error = %v", err)
	}

	mu.Lock()
	current = nil
	mu.Unlock()

	if IsFirstRun() {
		t.Error("IsFirstRun() = true after MarkWelcomeShown")
	}
}

func TestUpdateKeepsStoredSettings(t *testing.T) {
	dir := useTempDir(t)
	data := []byte(`{"crashReporting": true, "policyFile": "/srv/policy.json"}`)
	if err := os.WriteFile(filepath.Join(dir, "settings.json"), data, 0644); err != nil {
		t.Fatal(err)
	}

	if err := MarkWelcomeShown(); err != nil {
		t.Fatalf("MarkWelcomeShown() error = %v", err)
	}
	s := Get()
	if !s.CrashReporting || s.PolicyFile != "/srv/policy.json" || !s.WelcomeShown {
		t.Errorf("Update lost stored settings: %+v", s)
	}
}
