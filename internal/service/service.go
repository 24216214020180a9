// Package service registers the agent to start with the user session.
package service

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/template"

	"github.com/CardFlight/payment-agent/internal/config"
)

const appName = "payment-agent"

var (
	ErrAlreadyInstalled = errors.New("service already installed")
	ErrNotInstalled     = errors.New("service not installed")
	ErrUnsupported      = errors.New("auto-start is not supported on this platform")
)

// Service manages the platform's auto-start entry for the agent.
type Service interface {
	Install(opts Options) error
	Uninstall() error
	IsInstalled() bool
	Status() (string, error)
}

// Options controls how the installed agent is launched.
type Options struct {
	// Headless starts the agent without the tray icon.
	Headless bool
	// ConfigFile is exported as PAYMENT_AGENT_CONFIG when set.
	ConfigFile string
}

func (o Options) args() []string {
	if o.Headless {
		return []string{"--no-tray"}
	}
	return nil
}

// launchSpec is what the templates render.
type launchSpec struct {
	ExecutablePath string
	Args           []string
	ConfigEnv      string
	ConfigFile     string
	LogPath        string
	Label          string
}

func newLaunchSpec(opts Options) (launchSpec, error) {
	execPath, err := os.Executable()
	if err != nil {
		return launchSpec{}, fmt.Errorf("failed to get executable path: %w", err)
	}
	// Resolve symlinks to get the actual path
	execPath, err = filepath.EvalSymlinks(execPath)
	if err != nil {
		return launchSpec{}, fmt.Errorf("failed to resolve executable path: %w", err)
	}

	spec := launchSpec{
		ExecutablePath: execPath,
		Args:           opts.args(),
		ConfigEnv:      config.EnvConfigFile,
	}
	if opts.ConfigFile != "" {
		abs, err := filepath.Abs(opts.ConfigFile)
		if err != nil {
			return launchSpec{}, fmt.Errorf("failed to resolve config path: %w", err)
		}
		spec.ConfigFile = abs
	}
	return spec, nil
}

// writeTemplate renders text to path, creating the parent directory.
func writeTemplate(path, name, text string, data any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create %s directory: %w", name, err)
	}
	tmpl, err := template.New(name).Parse(text)
	if err != nil {
		return fmt.Errorf("failed to parse %s template: %w", name, err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s file: %w", name, err)
	}
	defer f.Close()

	if err := tmpl.Execute(f, data); err != nil {
		return fmt.Errorf("failed to write %s file: %w", name, err)
	}
	return nil
}
