//go:build linux

package service

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const (
	// XDG autostart entry for graphical sessions
	desktopTemplate = `[Desktop Entry]
Type=Application
Name=SE Broker
Comment=Secure element access broker
Exec={{.ExecutablePath}}
Terminal=false
Categories=Utility;
StartupNotify=false
X-GNOME-Autostart-enabled=true
`

	// systemd user unit for headless machines
	unitTemplate = `[Unit]
Description=SE Broker - secure element access broker
After=pcscd.socket

[Service]
Type=simple
ExecStart={{.ExecutablePath}} --no-tray
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target
`
)

type linuxService struct {
	configDir string
	graphical bool
	systemctl func(args ...string) error
}

// New creates a new platform-specific service manager. Graphical sessions
// get an XDG autostart entry, everything else a systemd user unit.
func New() Service {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, _ := os.UserHomeDir()
		configDir = filepath.Join(home, ".config")
	}
	return &linuxService{
		configDir: configDir,
		graphical: os.Getenv("DISPLAY") != "" || os.Getenv("WAYLAND_DISPLAY") != "",
		systemctl: func(args ...string) error {
			out, err := exec.Command("systemctl", append([]string{"--user"}, args...)...).CombinedOutput()
			if err != nil {
				return fmt.Errorf("systemctl %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
			}
			return nil
		},
	}
}

func (s *linuxService) autostartPath() string {
	return filepath.Join(s.configDir, "autostart", appName+".desktop")
}

func (s *linuxService) unitPath() string {
	return filepath.Join(s.configDir, "systemd", "user", appName+".service")
}

func (s *linuxService) Install() error {
	if s.IsInstalled() {
		return ErrAlreadyInstalled
	}

	execPath, err := executable()
	if err != nil {
		return err
	}
	data := struct{ ExecutablePath string }{execPath}

	if s.graphical {
		return writeTemplate(s.autostartPath(), "autostart", desktopTemplate, data)
	}

	if err := writeTemplate(s.unitPath(), "unit", unitTemplate, data); err != nil {
		return err
	}
	if err := s.systemctl("daemon-reload"); err != nil {
		return err
	}
	return s.systemctl("enable", "--now", appName+".service")
}

func (s *linuxService) Uninstall() error {
	if !s.IsInstalled() {
		return ErrNotInstalled
	}

	if err := os.Remove(s.autostartPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove autostart file: %w", err)
	}

	if exists(s.unitPath()) {
		// a unit that is not running fails to stop; removal goes ahead
		_ = s.systemctl("disable", "--now", appName+".service")
		if err := os.Remove(s.unitPath()); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove unit file: %w", err)
		}
		_ = s.systemctl("daemon-reload")
	}
	return nil
}

func (s *linuxService) IsInstalled() bool {
	return exists(s.autostartPath()) || exists(s.unitPath())
}

func (s *linuxService) Status() (string, error) {
	var methods []string
	if exists(s.autostartPath()) {
		methods = append(methods, "autostart")
	}
	if exists(s.unitPath()) {
		methods = append(methods, "systemd")
	}
	if len(methods) == 0 {
		return "not installed", nil
	}

	if err := exec.Command("pgrep", "-x", appName).Run(); err == nil {
		return fmt.Sprintf("running (%s)", strings.Join(methods, ", ")), nil
	}
	return fmt.Sprintf("installed (%s) but not running", strings.Join(methods, ", ")), nil
}
