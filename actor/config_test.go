package actor

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestHostListJSON verifies the string-or-array host field contract.
func TestHostListJSON(t *testing.T) {
	t.Parallel()

	var single HostList
	require.NoError(t, json.Unmarshal([]byte(`"10.0.0.1:9000"`), &single))
	require.Equal(t, HostList{"10.0.0.1:9000"}, single)

	var many HostList
	require.NoError(t, json.Unmarshal(
		[]byte(`["alpha:9000","beta:9000"]`), &many,
	))
	require.Equal(t, HostList{"alpha:9000", "beta:9000"}, many)

	var bad HostList
	require.Error(t, json.Unmarshal([]byte(`42`), &bad))

	// A one-element list round-trips back to the string form.
	out, err := json.Marshal(HostList{"gamma"})
	require.NoError(t, err)
	require.JSONEq(t, `"gamma"`, string(out))

	out, err = json.Marshal(HostList{"a", "b"})
	require.NoError(t, err)
	require.JSONEq(t, `["a","b"]`, string(out))
}

// TestConfigOverlay verifies non-zero fields of the overlay win and zero
// fields inherit.
func TestConfigOverlay(t *testing.T) {
	t.Parallel()

	base := Config{
		Name:        "db",
		Mode:        ModeInMemory,
		ClusterSize: 1,
		OnCrash:     OnCrashRespawn,
		Host:        HostList{"one"},
	}

	merged := base.overlay(Config{
		Mode:          ModeForked,
		ClusterSize:   4,
		Host:          HostList{"two", "three"},
		PingTimeoutMS: 500,
	})

	require.Equal(t, "db", merged.Name)
	require.Equal(t, ModeForked, merged.Mode)
	require.Equal(t, 4, merged.ClusterSize)
	require.Equal(t, OnCrashRespawn, merged.OnCrash)
	require.Equal(t, HostList{"two", "three"}, merged.Host)
	require.Equal(t, int64(500), merged.PingTimeoutMS)

	// A zero overlay changes nothing.
	require.Equal(t, base, base.overlay(Config{}))
}

// TestConfigEquivalence verifies the reconfiguration no-op comparison ignores
// only CustomParameters.
func TestConfigEquivalence(t *testing.T) {
	t.Parallel()

	a := Config{Name: "x", Mode: ModeForked}
	b := Config{
		Name:             "x",
		Mode:             ModeForked,
		CustomParameters: map[string]any{"k": 1},
	}
	require.True(t, a.equivalentModuloCustomParameters(b))

	c := b
	c.ClusterSize = 2
	require.False(t, a.equivalentModuloCustomParameters(c))
}

// TestPingTimeoutResolution verifies the per-actor override beats the system
// default.
func TestPingTimeoutResolution(t *testing.T) {
	t.Parallel()

	require.Equal(t, 15*time.Second,
		Config{}.pingTimeout(15*time.Second))
	require.Equal(t, 250*time.Millisecond,
		Config{PingTimeoutMS: 250}.pingTimeout(15*time.Second))
}

// TestLoadConfigFile verifies parsing of a name-keyed configuration file.
func TestLoadConfigFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "actors.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"db": {"mode": "forked", "onCrash": "respawn"},
		"cache": {
			"clusterSize": 3,
			"host": "cache.internal:9000",
			"futureField": true
		}
	}`), 0o644))

	cfgs, err := loadConfigFile(path)
	require.NoError(t, err)
	require.Len(t, cfgs, 2)

	require.Equal(t, "db", cfgs["db"].Name)
	require.Equal(t, ModeForked, cfgs["db"].Mode)
	require.Equal(t, OnCrashRespawn, cfgs["db"].OnCrash)

	require.Equal(t, 3, cfgs["cache"].ClusterSize)
	require.Equal(t, HostList{"cache.internal:9000"}, cfgs["cache"].Host)

	_, err = loadConfigFile(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

// TestLoadConfigFilesOverlay verifies the secondary file's entries win field
// by field and overlay-only entries are added.
func TestLoadConfigFilesOverlay(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	primary := filepath.Join(dir, "actors.json")
	require.NoError(t, os.WriteFile(primary, []byte(`{
		"db": {"mode": "forked", "onCrash": "respawn"},
		"cache": {"clusterSize": 3}
	}`), 0o644))

	secondary := filepath.Join(dir, "actors.local.json")
	require.NoError(t, os.WriteFile(secondary, []byte(`{
		"db": {"pingTimeout": 2000},
		"gateway": {"mode": "remote", "host": "edge:9000"}
	}`), 0o644))

	cfgs, err := loadConfigFiles(primary, secondary)
	require.NoError(t, err)
	require.Len(t, cfgs, 3)

	// The overlaid entry keeps the base fields and gains the override.
	require.Equal(t, ModeForked, cfgs["db"].Mode)
	require.Equal(t, OnCrashRespawn, cfgs["db"].OnCrash)
	require.Equal(t, int64(2000), cfgs["db"].PingTimeoutMS)

	require.Equal(t, 3, cfgs["cache"].ClusterSize)

	require.Equal(t, "gateway", cfgs["gateway"].Name)
	require.Equal(t, ModeRemote, cfgs["gateway"].Mode)

	// A broken overlay fails the whole load.
	require.NoError(t, os.WriteFile(secondary, []byte(`nonsense`), 0o644))
	_, err = loadConfigFiles(primary, secondary)
	require.Error(t, err)
}

// TestConfigFileWatch verifies an edit to the watched file is applied to the
// live tree as a global configuration change.
func TestConfigFileWatch(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "actors.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o644))

	_, root := newTestSystem(t, WithConfigFile(path))
	ctx := context.Background()

	child, err := root.CreateChild(ctx, echoDef(), Config{Name: "tunable"})
	require.NoError(t, err)

	augmented := make(chan struct{}, 1)
	child.Events().Once(EventAugmented, func(...any) {
		augmented <- struct{}{}
	})

	// A shape change (here the liveness override) forces an endpoint swap
	// on the named actor.
	require.NoError(t, os.WriteFile(path, []byte(`{
		"tunable": {"pingTimeout": 30000}
	}`), 0o644))

	select {
	case <-augmented:
	case <-time.After(10 * time.Second):
		t.Fatal("configuration update never reached the actor")
	}

	resp, err := child.SendAndReceive(ctx, "echo", "still here")
	require.NoError(t, err)
	require.Equal(t, "still here", resp)
}

// TestConfigOverlayFileWatch verifies an edit to the secondary file alone is
// re-merged and applied to the live tree.
func TestConfigOverlayFileWatch(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	primary := filepath.Join(dir, "actors.json")
	require.NoError(t, os.WriteFile(primary, []byte(`{}`), 0o644))

	secondary := filepath.Join(dir, "actors.local.json")
	require.NoError(t, os.WriteFile(secondary, []byte(`{}`), 0o644))

	_, root := newTestSystem(t, WithConfigFile(primary, secondary))
	ctx := context.Background()

	child, err := root.CreateChild(ctx, echoDef(), Config{Name: "edge"})
	require.NoError(t, err)

	augmented := make(chan struct{}, 1)
	child.Events().Once(EventAugmented, func(...any) {
		augmented <- struct{}{}
	})

	require.NoError(t, os.WriteFile(secondary, []byte(`{
		"edge": {"pingTimeout": 45000}
	}`), 0o644))

	select {
	case <-augmented:
	case <-time.After(10 * time.Second):
		t.Fatal("overlay update never reached the actor")
	}

	resp, err := child.SendAndReceive(ctx, "echo", "overlaid")
	require.NoError(t, err)
	require.Equal(t, "overlaid", resp)
}
