//go:build linux

package service

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAutostartInstallUninstall(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	svc := New()
	assert.False(t, svc.IsInstalled())
	status, err := svc.Status()
	require.NoError(t, err)
	assert.Equal(t, "not installed", status)

	require.NoError(t, svc.Install(Options{ConfigFile: "agent.yaml"}))
	assert.True(t, svc.IsInstalled())
	assert.ErrorIs(t, svc.Install(Options{}), ErrAlreadyInstalled)

	data, err := os.ReadFile(filepath.Join(dir, "autostart", "payment-agent.desktop"))
	require.NoError(t, err)
	abs, err := filepath.Abs("agent.yaml")
	require.NoError(t, err)
	assert.Contains(t, string(data), "Exec=env PAYMENT_AGENT_CONFIG="+abs+" ")
	assert.NotContains(t, string(data), "--no-tray")

	require.NoError(t, svc.Uninstall())
	assert.False(t, svc.IsInstalled())
	assert.ErrorIs(t, svc.Uninstall(), ErrNotInstalled)
}

func TestUnitTemplate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "unit")
	spec := launchSpec{
		ExecutablePath: "/usr/bin/payment-agent",
		Args:           Options{Headless: true}.args(),
		ConfigEnv:      "PAYMENT_AGENT_CONFIG",
		ConfigFile:     "/etc/payment-agent.yaml",
	}
	require.NoError(t, writeTemplate(path, "unit", serviceTemplate, spec))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "ExecStart=/usr/bin/payment-agent --no-tray\n")
	assert.Contains(t, string(data), "Environment=PAYMENT_AGENT_CONFIG=/etc/payment-agent.yaml\n")
}
