package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/john/printfleet/gcode"
	"github.com/john/printfleet/lock"
	"github.com/john/printfleet/server"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// memoryConfig writes a config using a throwaway memory store, followed
// by any extra YAML sections.
func memoryConfig(t *testing.T, extra ...string) string {
	t.Helper()
	dir := t.TempDir()
	return writeConfig(t, fmt.Sprintf(`
database:
  driver: memory
  path: %s
files:
  public_dir: %s
  temp_dir: %s
log:
  level: error
`, filepath.Join(dir, "fleet.json"), filepath.Join(dir, "public"), filepath.Join(dir, "tmp"))+strings.Join(extra, ""))
}

func TestGCodeParseCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "part.gcode")
	require.NoError(t, os.WriteFile(path, []byte("; filament_type = PETG\n; estimated printing time (normal mode) = 1h 23m 45s\nG28\n"), 0644))

	out, err := execute(t, "gcode", "parse", path)
	require.NoError(t, err)

	var meta gcode.Metadata
	require.NoError(t, json.Unmarshal([]byte(out), &meta))
	require.NotNil(t, meta.Material)
	assert.Equal(t, "PETG", *meta.Material)
	require.NotNil(t, meta.EstimatedTime)
	assert.Equal(t, 5025, *meta.EstimatedTime)
}

func TestGCodeParseMissingFile(t *testing.T) {
	_, err := execute(t, "gcode", "parse", filepath.Join(t.TempDir(), "nope.gcode"))
	assert.Error(t, err)
}

func TestGCodeInjectCommand(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "part.gcode")
	script := filepath.Join(dir, "eject.gcode")
	require.NoError(t, os.WriteFile(src, []byte("G28\nM104 S0\nM140 S0\nG28 X0\nM84\n"), 0644))
	require.NoError(t, os.WriteFile(script, []byte("G1 Y250 F3000\n"), 0644))
	outDir := filepath.Join(dir, "out")

	out, err := execute(t, "gcode", "inject", src, "--script", script, "--out", outDir)
	require.NoError(t, err)

	path := strings.TrimSpace(out)
	assert.Equal(t, outDir, filepath.Dir(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), gcode.MarkerStartReplaced)
	assert.Contains(t, string(data), "G1 Y250 F3000")
}

func TestGCodeInjectRequiresScript(t *testing.T) {
	_, err := execute(t, "gcode", "inject", "part.gcode")
	assert.Error(t, err)
}

func TestRunCommandPrintsSummary(t *testing.T) {
	cfg := memoryConfig(t)

	out, err := execute(t, "--config", cfg, "run", "--owner", "u1")
	require.NoError(t, err)

	var sum map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &sum))
	assert.EqualValues(t, 0, sum["checkedPrinters"])
	assert.EqualValues(t, 0, sum["jobsStarted"])
	assert.EqualValues(t, 0, sum["errors"])
	assert.Equal(t, []any{}, sum["logs"])
}

func TestRunCommandRefusesWhilePassLockHeld(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	client, err := lock.ConnectRedis(ctx, mr.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	held := lock.NewRedis(client, time.Minute, zerolog.Nop())
	release, err := held.TryLock(ctx, server.PassLockKey)
	require.NoError(t, err)

	cfg := memoryConfig(t, fmt.Sprintf("redis:\n  addr: %s\n", mr.Addr()))

	out, err := execute(t, "--config", cfg, "run")
	assert.ErrorIs(t, err, errPassRunning)
	assert.ErrorIs(t, err, lock.ErrHeld)
	assert.Empty(t, out)

	_, err = execute(t, "--config", cfg, "refresh")
	assert.ErrorIs(t, err, lock.ErrHeld)

	release()
	out, err = execute(t, "--config", cfg, "run")
	require.NoError(t, err)
	assert.Contains(t, out, "checkedPrinters")
	assert.False(t, mr.Exists("printfleet:lock:"+server.PassLockKey))
}

func TestRefreshCommand(t *testing.T) {
	out, err := execute(t, "--config", memoryConfig(t), "refresh")
	require.NoError(t, err)
	assert.Equal(t, "Updated 0 printer(s)\n", out)
}

func TestMigrateNeedsPostgres(t *testing.T) {
	_, err := execute(t, "--config", memoryConfig(t), "migrate")
	assert.ErrorIs(t, err, errNeedPostgres)
}

func TestDetectCommandUnknownHost(t *testing.T) {
	cfg := writeConfig(t, `
printer:
  detect_timeout: 100ms
log:
  level: error
`)
	out, err := execute(t, "--config", cfg, "detect", "http://")
	require.NoError(t, err)

	var d map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &d))
	assert.Equal(t, "UNKNOWN", d["protocol"])
}
