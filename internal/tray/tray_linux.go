//go:build linux

package tray

import "github.com/SimplyPrint/se-broker/internal/terminal"

// TrayApp is not available on Linux, where the broker runs as a user
// service.
type TrayApp struct{}

// New returns a TrayApp whose methods do nothing.
func New(addr string, pool *terminal.Pool, policyPath string, onQuit func()) *TrayApp {
	return &TrayApp{}
}

// RunWithServer runs serverStart on the calling goroutine.
func (t *TrayApp) RunWithServer(serverStart func()) {
	if serverStart != nil {
		serverStart()
	}
}

// PresenceChanged is a no-op.
func (t *TrayApp) PresenceChanged(*terminal.Terminal, bool) {}

// Quit is a no-op.
func (t *TrayApp) Quit() {}

// IsSupported returns true if the system tray is supported on this platform
func IsSupported() bool {
	return false
}
