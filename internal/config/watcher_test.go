package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mir00r/bulu/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const watchedConfig = `{
	"host": ":7003",
	"proto": "http",
	"nodes": [
		{"name": "a", "url": "http://127.0.0.1:9001", "weights": WEIGHT}
	]
}`

func writeConfig(t *testing.T, path, weight string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(strings.Replace(watchedConfig, "WEIGHT", weight, 1)), 0644))
}

func TestWatcherReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bulu_conf.js")
	writeConfig(t, path, "1")
	initial, err := Load(path)
	require.NoError(t, err)

	w := NewWatcher(path, initial, logger.NewNop())
	var calls int32
	var lastWeight int32
	w.OnReload(func(c *Config) error {
		atomic.AddInt32(&calls, 1)
		atomic.StoreInt32(&lastWeight, int32(c.Nodes[0].Weights))
		return nil
	})

	// Unchanged file does not fire callbacks
	require.NoError(t, w.Reload())
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))

	writeConfig(t, path, "7")
	require.NoError(t, w.Reload())
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, int32(7), atomic.LoadInt32(&lastWeight))
	assert.Equal(t, 7, w.Current().Nodes[0].Weights)

	// Invalid configuration is rejected and the current one kept
	writeConfig(t, path, "0")
	assert.Error(t, w.Reload())
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, 7, w.Current().Nodes[0].Weights)
}

func TestWatcherAppliesOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bulu_conf.js")
	writeConfig(t, path, "1")
	debug := func(c *Config) { c.Logging.Level = "debug" }

	initial, err := Load(path)
	require.NoError(t, err)
	debug(initial)

	w := NewWatcher(path, initial, logger.NewNop())
	w.Override(debug)
	var calls int32
	w.OnReload(func(c *Config) error {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, "debug", c.Logging.Level)
		return nil
	})

	require.NoError(t, w.Reload())
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls), "an overridden setting alone is not a change")

	writeConfig(t, path, "4")
	require.NoError(t, w.Reload())
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, "debug", w.Current().Logging.Level)
}

func TestWatcherRunPicksUpWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bulu_conf.js")
	writeConfig(t, path, "1")
	initial, err := Load(path)
	require.NoError(t, err)

	w := NewWatcher(path, initial, logger.NewNop())
	var lastWeight int32
	w.OnReload(func(c *Config) error {
		atomic.StoreInt32(&lastWeight, int32(c.Nodes[0].Weights))
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// The watcher may not be registered yet, so keep rewriting until seen
	require.Eventually(t, func() bool {
		writeConfig(t, path, "9")
		return atomic.LoadInt32(&lastWeight) == 9
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}
