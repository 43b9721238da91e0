package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uvcad/cadsync/internal/config"
	"github.com/uvcad/cadsync/internal/provider"
	"github.com/uvcad/cadsync/internal/statestore"
	"github.com/uvcad/cadsync/internal/sync"
	"github.com/uvcad/cadsync/internal/version"
)

// fixture is a config file pointing at a local folder and a share folder in a temp dir.
type fixture struct {
	cfgPath string
	data    string
	local   string
	share   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		cfgPath: filepath.Join(dir, "config.json"),
		data:    filepath.Join(dir, "data"),
		local:   filepath.Join(dir, "local"),
		share:   filepath.Join(dir, "share"),
	}
	require.NoError(t, os.MkdirAll(f.local, 0o755))
	require.NoError(t, os.MkdirAll(f.share, 0o755))

	cfg := &config.Config{
		DataDir:  f.data,
		LogLevel: "warn",
		Workers:  2,
		Local:    config.LocalConfig{Root: f.local},
		Share:    config.ShareConfig{Path: f.share},
		Safety:   config.SafetyConfig{MaxDeletes: config.DefaultMaxDeletes, MaxDeletePercent: config.DefaultMaxDeletePercent},
	}
	require.NoError(t, cfg.Save(f.cfgPath))
	return f
}

func (f *fixture) write(t *testing.T, root, rel, content string) {
	t.Helper()
	full := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func (f *fixture) read(t *testing.T, root, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	require.NoError(t, err)
	return string(data)
}

func (f *fixture) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return execute(t, append([]string{"--config", f.cfgPath}, args...)...)
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	cmd, c := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)

	err := cmd.ExecuteContext(context.Background())
	require.NoError(t, c.closeLog())
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, version.AppName+" "+version.Detailed(), strings.TrimSpace(out))
}

func TestConfigPathAndShow(t *testing.T) {
	f := newFixture(t)

	out, err := f.run(t, "config", "path")
	require.NoError(t, err)
	assert.Equal(t, f.cfgPath, strings.TrimSpace(out))

	t.Setenv("CADSYNC_CLOUD_BUCKET", "team-cad")
	t.Setenv("CADSYNC_CLOUD_SECRET_KEY", "wJalrXUtnFEMIK7MDENG")
	out, err = f.run(t, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "bucket: team-cad")
	assert.Contains(t, out, "wJal*****")
	assert.NotContains(t, out, "wJalrXUtnFEMIK7MDENG")
}

func TestConfigInit(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "cadsync.json")
	local := filepath.Join(dir, "cad")

	out, err := execute(t, "--config", cfgPath, "--local", local, "--datadir", filepath.Join(dir, "data"), "config", "init")
	require.NoError(t, err)
	assert.Contains(t, out, cfgPath)

	data, err := os.ReadFile(cfgPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), local)

	_, err = execute(t, "--config", cfgPath, "config", "init")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestNoLocationsIsRejected(t *testing.T) {
	dir := t.TempDir()
	_, err := execute(t, "--config", filepath.Join(dir, "none.json"), "--datadir", dir, "sync")
	assert.ErrorIs(t, err, config.ErrNoLocations)
}

func TestSyncStatusPlan(t *testing.T) {
	f := newFixture(t)
	f.write(t, f.local, "Projects/pump/housing.sldprt", "housing rev A")
	f.write(t, f.share, "Library/bolt.step", "bolt")

	out, err := f.run(t, "sync")
	require.NoError(t, err)
	assert.Contains(t, out, "completed")
	assert.Equal(t, "housing rev A", f.read(t, f.share, "Projects/pump/housing.sldprt"))
	assert.Equal(t, "bolt", f.read(t, f.local, "Library/bolt.step"))

	out, err = f.run(t, "status", "-o", "json")
	require.NoError(t, err)
	var status struct {
		Tracked   int `json:"tracked"`
		Conflicts int `json:"conflicts"`
		LastRun   struct {
			Status string `json:"status"`
			Synced int    `json:"synced"`
		} `json:"lastRun"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	assert.Equal(t, 2, status.Tracked)
	assert.Zero(t, status.Conflicts)
	assert.Equal(t, string(statestore.RunCompleted), status.LastRun.Status)
	assert.Equal(t, 2, status.LastRun.Synced)

	out, err = f.run(t, "plan", "-o", "json")
	require.NoError(t, err)
	var plan struct {
		Allowed bool `json:"allowed"`
		Plan    struct {
			Items []struct {
				Action string `json:"action"`
			} `json:"items"`
		} `json:"plan"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &plan))
	assert.True(t, plan.Allowed)
	for _, it := range plan.Plan.Items {
		assert.Equal(t, string(sync.ActionNoop), it.Action)
	}

	out, err = f.run(t, "sync", "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "everything is in sync")
}

func TestConflictAndResolve(t *testing.T) {
	f := newFixture(t)
	f.write(t, f.local, "asm/top.sldasm", "base")
	_, err := f.run(t, "sync")
	require.NoError(t, err)

	f.write(t, f.local, "asm/top.sldasm", "local edit")
	f.write(t, f.share, "asm/top.sldasm", "share edit!")

	out, err := f.run(t, "sync")
	require.NoError(t, err, "conflicts are not errors")
	assert.Contains(t, out, "asm/top.sldasm")
	assert.Equal(t, "local edit", f.read(t, f.local, "asm/top.sldasm"), "conflicts never overwrite")
	assert.Equal(t, "share edit!", f.read(t, f.share, "asm/top.sldasm"))

	out, err = f.run(t, "conflicts")
	require.NoError(t, err)
	assert.Contains(t, out, "asm/top.sldasm")
	assert.Contains(t, out, "local")
	assert.Contains(t, out, "share")

	_, err = f.run(t, "resolve", "asm/top.sldasm")
	assert.ErrorIs(t, err, errKeepRequired)

	out, err = f.run(t, "resolve", "asm/top.sldasm", "--keep", "share")
	require.NoError(t, err)
	assert.Contains(t, out, "resolved")
	assert.Equal(t, "share edit!", f.read(t, f.local, "asm/top.sldasm"))

	out, err = f.run(t, "conflicts")
	require.NoError(t, err)
	assert.Contains(t, out, "No pending conflicts")

	_, err = f.run(t, "resolve", "asm/top.sldasm", "--keep", "local")
	assert.ErrorIs(t, err, sync.ErrNoSuchConflict)
}

func TestDeletionGuardBlocksRun(t *testing.T) {
	f := newFixture(t)
	for _, name := range []string{"a.prt", "b.prt", "c.prt", "d.prt"} {
		f.write(t, f.local, name, name)
	}
	_, err := f.run(t, "sync")
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(f.local, "a.prt")))
	require.NoError(t, os.Remove(filepath.Join(f.local, "b.prt")))

	out, err := f.run(t, "sync")
	require.Error(t, err)
	assert.ErrorIs(t, err, sync.ErrDeletionBlocked)
	assert.Equal(t, exitBlocked, exitCode(err))
	assert.Contains(t, out, "Sync blocked")

	entries, err := os.ReadDir(f.share)
	require.NoError(t, err)
	assert.Len(t, entries, 4, "a blocked run deletes nothing")
}

func TestChoiceOptions(t *testing.T) {
	now := time.Now()
	conflict := &statestore.Conflict{
		Path: "part.sldprt",
		Observations: map[provider.Location]statestore.LocationState{
			provider.LocationShare: {Present: true, Hash: strings.Repeat("b", 64), Size: 2048, ModTime: now.Add(-time.Hour)},
			provider.LocationLocal: {Present: true, Hash: strings.Repeat("a", 64), Size: 1024, ModTime: now.Add(-time.Minute)},
			provider.LocationCloud: statestore.Absent,
		},
	}

	opts := choiceOptions(conflict, now)
	require.Len(t, opts, 4)
	assert.Equal(t, "keep-local", opts[0].Value)
	assert.Contains(t, opts[0].Key, "aaaaaaaaaaaa")
	assert.Contains(t, opts[0].Key, "1.0 KiB")
	assert.Equal(t, "keep-cloud", opts[1].Value)
	assert.Contains(t, opts[1].Key, "deletion")
	assert.Equal(t, "keep-share", opts[2].Value)
	assert.Equal(t, string(sync.KeepAllRenamed), opts[3].Value)

	for _, o := range opts {
		_, err := sync.ParseChoice(o.Value)
		assert.NoError(t, err)
	}
}

func TestEllipsize(t *testing.T) {
	assert.Equal(t, "short.prt", ellipsize("short.prt", 20))
	got := ellipsize("Projects/pump/assembly/housing.sldprt", 12)
	assert.Equal(t, 12, len([]rune(got)))
	assert.True(t, strings.HasPrefix(got, "…"))
	assert.True(t, strings.HasSuffix(got, "sing.sldprt"))
}
