//go:build !linux

package tray

import (
	"context"
	_ "embed"
	"fmt"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/getlantern/systray"

	"github.com/CardFlight/payment-agent/internal/api"
	"github.com/CardFlight/payment-agent/internal/logging"
	"github.com/CardFlight/payment-agent/internal/manager"
	"github.com/CardFlight/payment-agent/internal/settings"
	"github.com/CardFlight/payment-agent/internal/transaction"
)

//go:embed icon.png
var iconData []byte

const refreshInterval = 5 * time.Second

// TrayApp manages the system tray icon and menu
type TrayApp struct {
	serverAddr string
	manager    *manager.TransactionManager
	onQuit     func()
	mu         sync.Mutex
	stop       chan struct{}

	// Menu items for updating
	mStatus  *systray.MenuItem
	mReaders *systray.MenuItem
	mOffline *systray.MenuItem
	mCrash   *systray.MenuItem
}

// New creates a new TrayApp instance
func New(serverAddr string, m *manager.TransactionManager, onQuit func()) *TrayApp {
	return &TrayApp{
		serverAddr: serverAddr,
		manager:    m,
		onQuit:     onQuit,
		stop:       make(chan struct{}),
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
	systray.SetTitle("")
	systray.SetTooltip("Payment Agent")

	// Only add "v" prefix for proper version numbers (e.g., "1.2.3"), not for dev builds
	versionStr := api.Version
	if len(versionStr) > 0 && versionStr[0] >= '0' && versionStr[0] <= '9' {
		versionStr = "v" + versionStr
	}
	mVersion := systray.AddMenuItem(fmt.Sprintf("Payment Agent %s", versionStr), "")
	mVersion.Disable()

	systray.AddSeparator()

	t.mStatus = systray.AddMenuItem("Status: Starting...", "Server status")
	t.mStatus.Disable()
	t.mReaders = systray.AddMenuItem("Readers: Checking...", "Connected card readers")
	t.mReaders.Disable()

	systray.AddSeparator()

	current := settings.Get()
	t.mOffline = systray.AddMenuItemCheckbox("Offline (defer new payments)", "Treat the gateway as unreachable", current.Offline)
	t.mCrash = systray.AddMenuItemCheckbox("Send crash reports", "Takes effect after a restart", current.CrashReporting)
	mHealth := systray.AddMenuItem("Open Status Page", "Open the health endpoint in a browser")

	systray.AddSeparator()

	mQuit := systray.AddMenuItem("Quit", "Exit Payment Agent")

	go t.refreshLoop()

	go func() {
		defer logging.RecoverAndLog("tray menu", false)
		for {
			select {
			case <-mHealth.ClickedCh:
				t.openBrowser(fmt.Sprintf("http://%s/v1/health", t.serverAddr))
			case <-t.mOffline.ClickedCh:
				t.toggleOffline()
			case <-t.mCrash.ClickedCh:
				t.toggleCrashReporting()
			case <-mQuit.ClickedCh:
				systray.Quit()
				return
			case <-t.stop:
				return
			}
		}
	}()
}

func (t *TrayApp) onExit() {
	close(t.stop)
	if t.onQuit != nil {
		t.onQuit()
	}
}

func (t *TrayApp) refreshLoop() {
	defer logging.RecoverAndLog("tray refresh", false)
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()

	for {
		t.updateStatus()
		select {
		case <-ticker.C:
		case <-t.stop:
			return
		}
	}
}

// updateStatus refreshes the status display in the tray menu
func (t *TrayApp) updateStatus() {
	count := 0
	if driver := t.manager.Driver(); driver != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		readers, err := driver.Readers(ctx)
		cancel()
		if err == nil {
			count = len(readers)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.mStatus != nil {
		if t.manager.Reachability() == transaction.ReachabilityNone {
			t.mStatus.SetTitle("Status: Running (offline)")
		} else {
			t.mStatus.SetTitle("Status: Running")
		}
	}
	if t.mReaders != nil {
		t.mReaders.SetTitle(readerTitle(count))
	}
}

func readerTitle(count int) string {
	switch count {
	case 0:
		return "Readers: None connected"
	case 1:
		return "Readers: 1 connected"
	default:
		return fmt.Sprintf("Readers: %d connected", count)
	}
}

func (t *TrayApp) toggleOffline() {
	offline := !t.mOffline.Checked()
	if err := settings.SetOffline(offline); err != nil {
		logging.Warn(logging.CatSystem, "Failed to save offline setting", map[string]any{"error": err.Error()})
		return
	}
	if offline {
		t.mOffline.Check()
		t.manager.SetReachability(transaction.ReachabilityNone)
	} else {
		t.mOffline.Uncheck()
		t.manager.SetReachability(transaction.ReachabilityFull)
	}
	t.updateStatus()
}

func (t *TrayApp) toggleCrashReporting() {
	enabled := !t.mCrash.Checked()
	if err := settings.SetCrashReporting(enabled); err != nil {
		logging.Warn(logging.CatSystem, "Failed to save crash reporting setting", map[string]any{"error": err.Error()})
		return
	}
	if enabled {
		t.mCrash.Check()
	} else {
		t.mCrash.Uncheck()
	}
}

func (t *TrayApp) openBrowser(url string) {
	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}

	cmd.Start()
}

// IsSupported returns true if the system tray is supported on this platform
func IsSupported() bool {
	return true
}
