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
	// XDG Autostart desktop entry, started with the graphical session so
	// the tray icon has a display.
	desktopTemplate = `[Desktop Entry]
Type=Application
Name=Payment Agent
Comment=Local card reader and payment gateway service
Exec={{if .ConfigFile}}env {{.ConfigEnv}}={{.ConfigFile}} {{end}}{{.ExecutablePath}}{{range .Args}} {{.}}{{end}}
Icon=payment-agent
Terminal=false
Categories=Office;Finance;
StartupNotify=false
X-GNOME-Autostart-enabled=true
`

	// systemd user unit for machines without a desktop session
	serviceTemplate = `[Unit]
Description=Payment Agent - local card reader and payment gateway service
After=network-online.target pcscd.socket

[Service]
Type=simple
ExecStart={{.ExecutablePath}}{{range .Args}} {{.}}{{end}}
Restart=on-failure
RestartSec=5
{{- if .ConfigFile}}
Environment={{.ConfigEnv}}={{.ConfigFile}}
{{- end}}

[Install]
WantedBy=default.target
`
)

type linuxService struct{}

// New creates a new platform-specific service manager
func New() Service {
	return &linuxService{}
}

func configHome() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config")
}

func (s *linuxService) autostartPath() string {
	return filepath.Join(configHome(), "autostart", appName+".desktop")
}

func (s *linuxService) unitPath() string {
	return filepath.Join(configHome(), "systemd", "user", appName+".service")
}

// Install writes an autostart entry, or a systemd user unit when headless.
func (s *linuxService) Install(opts Options) error {
	if s.IsInstalled() {
		return ErrAlreadyInstalled
	}

	spec, err := newLaunchSpec(opts)
	if err != nil {
		return err
	}

	if !opts.Headless {
		return writeTemplate(s.autostartPath(), "desktop", desktopTemplate, spec)
	}

	if err := writeTemplate(s.unitPath(), "unit", serviceTemplate, spec); err != nil {
		return err
	}
	if output, err := systemctl("daemon-reload"); err != nil {
		return fmt.Errorf("failed to reload systemd: %s: %w", output, err)
	}
	if output, err := systemctl("enable", "--now", appName+".service"); err != nil {
		return fmt.Errorf("failed to enable %s: %s: %w", appName, output, err)
	}
	return nil
}

func (s *linuxService) Uninstall() error {
	if !s.IsInstalled() {
		return ErrNotInstalled
	}

	if err := os.Remove(s.autostartPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove autostart file: %w", err)
	}

	if _, err := os.Stat(s.unitPath()); err == nil {
		// Best effort, the unit may not be loaded
		systemctl("disable", "--now", appName+".service")
		if err := os.Remove(s.unitPath()); err != nil {
			return fmt.Errorf("failed to remove systemd unit: %w", err)
		}
		systemctl("daemon-reload")
	}
	return nil
}

func systemctl(args ...string) (string, error) {
	out, err := exec.Command("systemctl", append([]string{"--user"}, args...)...).CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

func (s *linuxService) methods() []string {
	var methods []string
	if _, err := os.Stat(s.autostartPath()); err == nil {
		methods = append(methods, "autostart")
	}
	if _, err := os.Stat(s.unitPath()); err == nil {
		methods = append(methods, "systemd")
	}
	return methods
}

func (s *linuxService) IsInstalled() bool {
	return len(s.methods()) > 0
}

func (s *linuxService) Status() (string, error) {
	methods := s.methods()
	if len(methods) == 0 {
		return "not installed", nil
	}

	if err := exec.Command("pgrep", "-x", appName).Run(); err == nil {
		return fmt.Sprintf("running (%s)", strings.Join(methods, ", ")), nil
	}
	return fmt.Sprintf("installed (%s) but not running", strings.Join(methods, ", ")), nil
}
