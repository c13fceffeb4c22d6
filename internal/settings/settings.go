package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Settings holds user preferences that persist across restarts.
type Settings struct {
	CrashReporting bool `json:"crashReporting"` // Whether to send crash reports to Sentry

	// PolicyFile overrides the default access rule file location.
	PolicyFile string `json:"policyFile,omitempty"`

	// WelcomeShown is set once the first run dialogs were shown.
	WelcomeShown bool `json:"welcomeShown"`
}

var (
	current *Settings
	mu      sync.RWMutex
)

// DefaultSettings returns the default settings.
func DefaultSettings() *Settings {
	return &Settings{
		CrashReporting: false, // Opt-in, disabled by default
	}
}

// Dir returns the directory holding the settings file and the default
// policy. SE_BROKER_CONFIG_DIR overrides the per-user config directory.
func Dir() (string, error) {
	if dir := os.Getenv("SE_BROKER_CONFIG_DIR"); dir != "" {
		return dir, nil
	}
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "se-broker"), nil
}

func settingsPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "settings.json"), nil
}

// DefaultPolicyPath is where the access rule file lives unless configured
// otherwise.
func DefaultPolicyPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "policy.yaml"), nil
}

// Load reads settings from disk, or returns defaults if file doesn't exist.
func Load() (*Settings, error) {
	mu.Lock()
	defer mu.Unlock()
	return load()
}

// load replaces current with the file contents. Caller holds mu.
func load() (*Settings, error) {
	current = DefaultSettings()

	path, err := settingsPath()
	if err != nil {
		return current, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return current, nil
		}
		return current, err
	}

	var s Settings
	if err := json.Unmarshal(data, &s); err != nil {
		return current, fmt.Errorf("invalid settings file %s: %w", path, err)
	}

	current = &s
	return current, nil
}

// save writes current to disk. Caller holds mu.
func save() error {
	if current == nil {
		current = DefaultSettings()
	}

	path, err := settingsPath()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(current, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// Save writes the current settings to disk.
func Save() error {
	mu.Lock()
	defer mu.Unlock()
	return save()
}

// Get returns a copy of the current settings, loading them on first use.
func Get() Settings {
	mu.RLock()
	if current != nil {
		defer mu.RUnlock()
		return *current
	}
	mu.RUnlock()

	s, _ := Load()
	return *s
}

// Update applies fn to the current settings and saves them.
func Update(fn func(s *Settings)) error {
	mu.Lock()
	defer mu.Unlock()
	if current == nil {
		_, _ = load()
	}
	fn(current)
	return save()
}

// SetCrashReporting updates the crash reporting preference and saves.
func SetCrashReporting(enabled bool) error {
	return Update(func(s *Settings) { s.CrashReporting = enabled })
}

// IsCrashReportingEnabled returns whether crash reporting is enabled.
func IsCrashReportingEnabled() bool {
	return Get().CrashReporting
}

// PolicyPath returns the configured access rule file, falling back to
// DefaultPolicyPath.
func PolicyPath() (string, error) {
	if p := Get().PolicyFile; p != "" {
		return p, nil
	}
	return DefaultPolicyPath()
}

// IsFirstRun reports whether the welcome dialogs were never shown.
func IsFirstRun() bool {
	return !Get().WelcomeShown
}

// MarkWelcomeShown records that the first run dialogs were shown.
func MarkWelcomeShown() error {
	return Update(func(s *Settings) { s.WelcomeShown = true })
}
