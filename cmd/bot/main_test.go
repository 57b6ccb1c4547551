package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/futures_guard/internal/domain"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func paperConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "exchange:\n  paper: true\nstorage:\n  driver: memory\nlogging:\n  level: error\n  audit_file: " +
		filepath.Join(dir, "audit.log") + "\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "dev\n", out)
}

func TestDestructiveCommandsNeedConfirmation(t *testing.T) {
	_, err := execute(t, "panic-close", "--config", paperConfig(t))
	assert.ErrorIs(t, err, errNotConfirmed)

	_, err = execute(t, "emergency-stop", "--config", paperConfig(t))
	assert.ErrorIs(t, err, errNotConfirmed)

	_, err = execute(t, "reduce", "--pct", "150", "--yes")
	assert.ErrorIs(t, err, domain.ErrInvalidPercent)
}

func TestReconcileAgainstPaperBroker(t *testing.T) {
	out, err := execute(t, "reconcile", "--config", paperConfig(t), "--mode", "strict")
	require.NoError(t, err)

	var report domain.ReconcileReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, domain.ReconcileStrict, report.Mode)
	assert.Zero(t, report.Closed())
}

func TestCancelAllAgainstPaperBroker(t *testing.T) {
	out, err := execute(t, "cancel-all", "--config", paperConfig(t))
	require.NoError(t, err)
	assert.Contains(t, out, `"action": "cancel_all_orders"`)
}

func TestEmergencyStopAgainstPaperBroker(t *testing.T) {
	out, err := execute(t, "emergency-stop", "--config", paperConfig(t), "--yes", "--reason", "drill")
	require.NoError(t, err)
	assert.Contains(t, out, `"action": "emergency_stop"`)
	assert.Contains(t, out, `"reason": "drill"`)
}

func TestEmergencyHelpWarnsAboutRunningBot(t *testing.T) {
	for _, name := range []string{"panic-close", "emergency-stop", "reduce", "cancel-all"} {
		out, err := execute(t, name, "--help")
		require.NoError(t, err)
		assert.Contains(t, out, "does not stop", name)
	}
}

func TestCheckAgainstPaperBroker(t *testing.T) {
	out, err := execute(t, "check", "--config", paperConfig(t))
	require.NoError(t, err)
	assert.Contains(t, out, "wallet=10000.00")
	assert.Contains(t, out, "SYMBOL")
}
