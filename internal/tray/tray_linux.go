//go:build linux

package tray

import (
	"sync"

	"github.com/CardFlight/payment-agent/internal/manager"
)

// TrayApp is a no-op on Linux, where the agent runs headless.
type TrayApp struct {
	onQuit func()
	stop   chan struct{}
	once   sync.Once
}

func New(serverAddr string, m *manager.TransactionManager, onQuit func()) *TrayApp {
	return &TrayApp{onQuit: onQuit, stop: make(chan struct{})}
}

// RunWithServer runs serverStart and blocks until Quit.
func (t *TrayApp) RunWithServer(serverStart func()) {
	if serverStart != nil {
		go serverStart()
	}
	<-t.stop
	if t.onQuit != nil {
		t.onQuit()
	}
}

func (t *TrayApp) Quit() { t.once.Do(func() { close(t.stop) }) }

// IsSupported reports false: no tray on Linux.
func IsSupported() bool {
	return false
}
