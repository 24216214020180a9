//go:build darwin

package service

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

const (
	launchAgentLabel = "com.cardflight.payment-agent"
	plistTemplate    = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{.Label}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{.ExecutablePath}}</string>
{{- range .Args}}
        <string>{{.}}</string>
{{- end}}
    </array>
{{- if .ConfigFile}}
    <key>EnvironmentVariables</key>
    <dict>
        <key>{{.ConfigEnv}}</key>
        <string>{{.ConfigFile}}</string>
    </dict>
{{- end}}
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <dict>
        <key>SuccessfulExit</key>
        <false/>
    </dict>
    <key>StandardOutPath</key>
    <string>{{.LogPath}}/payment-agent.log</string>
    <key>StandardErrorPath</key>
    <string>{{.LogPath}}/payment-agent.err</string>
</dict>
</plist>
`
)

type darwinService struct{}

// New creates a new platform-specific service manager
func New() Service {
	return &darwinService{}
}

func (s *darwinService) plistPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "Library", "LaunchAgents", launchAgentLabel+".plist")
}

func (s *darwinService) logPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "Library", "Logs", "Payment-Agent")
}

func (s *darwinService) Install(opts Options) error {
	if s.IsInstalled() {
		return ErrAlreadyInstalled
	}

	spec, err := newLaunchSpec(opts)
	if err != nil {
		return err
	}
	spec.Label = launchAgentLabel
	spec.LogPath = s.logPath()
	if err := os.MkdirAll(spec.LogPath, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	if err := writeTemplate(s.plistPath(), "plist", plistTemplate, spec); err != nil {
		return err
	}

	cmd := exec.Command("launchctl", "load", "-w", s.plistPath())
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to load launch agent: %s: %w", string(output), err)
	}
	return nil
}

func (s *darwinService) Uninstall() error {
	if !s.IsInstalled() {
		return ErrNotInstalled
	}

	// Ignore errors if not loaded
	exec.Command("launchctl", "unload", "-w", s.plistPath()).CombinedOutput()

	if err := os.Remove(s.plistPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove plist file: %w", err)
	}
	return nil
}

func (s *darwinService) IsInstalled() bool {
	_, err := os.Stat(s.plistPath())
	return err == nil
}

func (s *darwinService) Status() (string, error) {
	if !s.IsInstalled() {
		return "not installed", nil
	}

	output, err := exec.Command("launchctl", "list", launchAgentLabel).CombinedOutput()
	if err != nil {
		return "installed but not running", nil
	}
	if len(output) > 0 {
		return "running", nil
	}
	return "installed", nil
}
