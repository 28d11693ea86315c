package core

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The event system is a process-wide singleton, so one test drives the whole
// lifecycle in order.
func TestEventSystemLifecycle(t *testing.T) {
	require.True(t, EventSystemInitialize())
	require.True(t, EventSystemInitialize(), "repeat initialization is harmless")

	go ProcessEvents()

	var mu sync.Mutex
	var got []EventContext
	received := make(chan struct{}, 16)

	handler := func(ctx EventContext) {
		mu.Lock()
		got = append(got, ctx)
		mu.Unlock()
		received <- struct{}{}
	}

	assert.False(t, EventRegister(EVENT_CODE_MESH_LOADED, nil), "nil callback is rejected")
	require.True(t, EventRegister(EVENT_CODE_MESH_LOADED, handler))

	// A second listener on the same code hears the event too.
	second := make(chan struct{}, 16)
	require.True(t, EventRegister(EVENT_CODE_MESH_LOADED, func(EventContext) {
		second <- struct{}{}
	}))

	require.True(t, EventFire(EventContext{Type: EVENT_CODE_MESH_LOADED, Data: "payload"}))

	waitSignal(t, received)
	waitSignal(t, second)

	mu.Lock()
	require.Len(t, got, 1)
	assert.Equal(t, EVENT_CODE_MESH_LOADED, got[0].Type)
	assert.Equal(t, "payload", got[0].Data)
	mu.Unlock()

	// Events with no listener are queued and dropped quietly.
	assert.True(t, EventFire(EventContext{Type: EVENT_CODE_CONFIG_RELOADED}))

	// Delivery keeps order for one listener.
	for i := 0; i < 5; i++ {
		require.True(t, EventFire(EventContext{Type: EVENT_CODE_MESH_LOADED, Data: i}))
	}
	for i := 0; i < 5; i++ {
		waitSignal(t, received)
	}
	mu.Lock()
	require.Len(t, got, 6)
	for i := 0; i < 5; i++ {
		assert.Equal(t, i, got[i+1].Data)
	}
	mu.Unlock()

	require.NoError(t, EventSystemShutdown())
}

func waitSignal(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("event never delivered")
	}
}
