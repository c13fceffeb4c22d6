//go:build !linux

package tray

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/getlantern/systray"

	"github.com/SimplyPrint/se-broker/internal/api"
	"github.com/SimplyPrint/se-broker/internal/logging"
	"github.com/SimplyPrint/se-broker/internal/terminal"
	"github.com/SimplyPrint/se-broker/internal/welcome"
)

// refreshInterval catches changes no presence event reports, such as
// sessions opening and closing.
const refreshInterval = 5 * time.Second

// TrayApp manages the system tray icon and menu
type TrayApp struct {
	serverAddr string
	policyPath string
	pool       *terminal.Pool
	onQuit     func()
	mu         sync.Mutex

	// Menu items for updating
	mStatus    *systray.MenuItem
	mReaders   *systray.MenuItem
	mTerminals map[string]*systray.MenuItem
}

// New creates a new TrayApp instance
func New(serverAddr string, pool *terminal.Pool, policyPath string, onQuit func()) *TrayApp {
	return &TrayApp{
		serverAddr: serverAddr,
		policyPath: policyPath,
		pool:       pool,
		onQuit:     onQuit,
		mTerminals: make(map[string]*systray.MenuItem),
	}
}

// RunWithServer runs the tray on the main thread and starts the server in a goroutine.
// This function BLOCKS - it must be called from the main goroutine on macOS.
func (t *TrayApp) RunWithServer(serverStart func()) {
	systray.Run(func() {
		t.onReady()
		if serverStart != nil {
			go serverStart()
		}
	}, t.onExit)
}

// Quit closes the tray, which makes RunWithServer return.
func (t *TrayApp) Quit() {
	systray.Quit()
}

func (t *TrayApp) onReady() {
	systray.SetIcon(iconData)
	systray.SetTitle("") // Empty title for cleaner menu bar (macOS)
	systray.SetTooltip("SE Broker")

	mVersion := systray.AddMenuItem(fmt.Sprintf("SE Broker %s", versionLabel(api.Version)), "")
	mVersion.Disable()

	systray.AddSeparator()

	t.mu.Lock()
	t.mStatus = systray.AddMenuItem("Status: Starting...", "Server status")
	t.mStatus.Disable()

	t.mReaders = systray.AddMenuItem("Readers: Checking...", "Smart card readers")
	for _, name := range t.pool.Names() {
		item := t.mReaders.AddSubMenuItem(name, "")
		item.Disable()
		t.mTerminals[name] = item
	}
	t.mu.Unlock()

	systray.AddSeparator()

	mRules := systray.AddMenuItem("Open Access Rules", "Edit the access rule file")
	mAbout := systray.AddMenuItem("About", "About SE Broker")

	systray.AddSeparator()

	mQuit := systray.AddMenuItem("Quit", "Exit SE Broker")

	go t.refreshLoop()

	go func() {
		defer logging.RecoverAndLog("tray menu", false)
		for {
			select {
			case <-mRules.ClickedCh:
				t.open(t.policyPath)
			case <-mAbout.ClickedCh:
				go welcome.ShowAbout(api.Version, t.serverAddr, t.policyPath)
			case <-mQuit.ClickedCh:
				systray.Quit()
				return
			}
		}
	}()
}

func (t *TrayApp) onExit() {
	if t.onQuit != nil {
		t.onQuit()
	}
}

func (t *TrayApp) refreshLoop() {
	defer logging.RecoverAndLog("tray refresh", false)

	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()

	t.refresh()
	for range ticker.C {
		t.refresh()
	}
}

// refresh updates the reader count and every terminal item.
func (t *TrayApp) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), refreshInterval)
	defer cancel()

	connected, total := 0, 0
	t.pool.Range(func(term *terminal.Terminal) bool {
		total++
		if term.IsConnected() {
			connected++
		}
		t.setTerminal(term, term.IsSecureElementPresent(ctx))
		return true
	})

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.mStatus != nil {
		t.mStatus.SetTitle("Status: Running")
	}
	if t.mReaders != nil {
		t.mReaders.SetTitle(countLabel(connected, total))
	}
}

// PresenceChanged updates the terminal's menu item. It has the signature of
// terminal.Options.OnPresenceChanged.
func (t *TrayApp) PresenceChanged(term *terminal.Terminal, present bool) {
	t.setTerminal(term, present)
}

func (t *TrayApp) setTerminal(term *terminal.Terminal, present bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	item, ok := t.mTerminals[term.Name()]
	if !ok {
		return
	}
	item.SetTitle(terminalLabel(term.Name(), term.IsConnected(), present, len(term.Sessions())))
}

// open hands path or URL to the desktop's default handler.
func (t *TrayApp) open(target string) {
	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", target)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", target)
	default:
		cmd = exec.Command("xdg-open", target)
	}

	if err := cmd.Start(); err != nil {
		logging.Warn(logging.CatSystem, "Failed to open", map[string]any{
			"target": target,
			"error":  err.Error(),
		})
	}
}

// IsSupported returns true if the system tray is supported on this platform
func IsSupported() bool {
	return true
}
