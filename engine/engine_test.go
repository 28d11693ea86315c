package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/remesh/engine/core"
)

// The event system is a process-wide singleton, so this file carries the one
// full engine lifecycle test in the binary.
func TestEngineRunTicksAndQuits(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "remesh.toml")
	cfg := fmt.Sprintf("[cache]\npath = %q\n", filepath.Join(dir, "cache"))
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o644))

	var updates atomic.Int32
	g := &Game{
		ApplicationConfig: &ApplicationConfig{Name: "lifecycle", ConfigPath: cfgPath},
		FnUpdate: func(delta float64) error {
			updates.Add(1)
			return nil
		},
	}

	e, err := New(g)
	require.NoError(t, err)
	require.NoError(t, e.Initialize())

	done := make(chan error, 1)
	go func() { done <- e.Run() }()

	deadline := time.Now().Add(5 * time.Second)
	for updates.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	require.GreaterOrEqual(t, updates.Load(), int32(3), "the loop ticks at its fixed rate")

	core.EventFire(core.EventContext{Type: core.EVENT_CODE_APPLICATION_QUIT})
	select {
	case rerr := <-done:
		assert.NoError(t, rerr)
	case <-time.After(5 * time.Second):
		t.Fatal("run loop did not stop on quit")
	}
	require.NoError(t, e.Shutdown())
}
