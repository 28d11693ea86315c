package core

import (
	"sync"

	"github.com/spaghettifunk/remesh/engine/containers"
)

type EventContext struct {
	Type SystemEventCode
	Data interface{}
}

// System internal event codes. Application should use codes beyond 255.
type SystemEventCode int

const (
	// Shuts the application down on the next frame.
	EVENT_CODE_APPLICATION_QUIT SystemEventCode = 0x01

	// A mesh LOD finished loading.
	/* Context usage:
	 * loaded := data.Data.(*repo.LoadedMesh)
	 */
	EVENT_CODE_MESH_LOADED SystemEventCode = 0x02

	// A mesh LOD can never be satisfied.
	EVENT_CODE_MESH_UNAVAILABLE SystemEventCode = 0x03

	// Skin info arrived for an asset.
	EVENT_CODE_SKIN_INFO_RECEIVED SystemEventCode = 0x04

	// A convex decomposition or physics mesh arrived or was generated.
	EVENT_CODE_DECOMPOSITION_READY SystemEventCode = 0x05

	// An upload finished and its inventory record is ready.
	EVENT_CODE_UPLOAD_COMPLETE SystemEventCode = 0x06

	// An upload failed; fired once per job.
	EVENT_CODE_UPLOAD_FAILED SystemEventCode = 0x07

	// The config file was reloaded from disk.
	EVENT_CODE_CONFIG_RELOADED SystemEventCode = 0x08

	// An upload fee was quoted by the service.
	EVENT_CODE_UPLOAD_FEE_QUOTED SystemEventCode = 0x09

	MAX_EVENT_CODE SystemEventCode = 0xFF
)

// This should be more than enough codes...
const MAX_MESSAGE_CODES = 16384

// Fired events park here until ProcessEvents drains them.
const maxPendingEvents = 4096

type FnOnEvent func(context EventContext)

type eventCodeEntry struct {
	callbacks []FnOnEvent
}

type eventSystemState struct {
	mutex      sync.Mutex
	registered [MAX_MESSAGE_CODES]eventCodeEntry
	pending    *containers.RingQueue
	wake       chan struct{}
	quit       chan struct{}
}

var onceEvent sync.Once
var eventState *eventSystemState = nil

func EventSystemInitialize() bool {
	onceEvent.Do(func() {
		eventState = &eventSystemState{
			pending: containers.NewRingQueue(maxPendingEvents),
			wake:    make(chan struct{}, 1),
			quit:    make(chan struct{}),
		}
	})
	return eventState != nil
}

func EventSystemShutdown() error {
	if eventState == nil {
		return nil
	}
	close(eventState.quit)
	return nil
}

// EventRegister adds a callback for the given code. Every registered
// callback hears every event with that code; there is no handled/consumed
// short circuit.
func EventRegister(code SystemEventCode, onEvent FnOnEvent) bool {
	if eventState == nil || onEvent == nil {
		return false
	}
	eventState.mutex.Lock()
	entry := &eventState.registered[code]
	entry.callbacks = append(entry.callbacks, onEvent)
	eventState.mutex.Unlock()
	return true
}

// EventFire queues an event for delivery. Returns false when the system is
// uninitialized or the queue is full; the event is dropped either way.
func EventFire(context EventContext) bool {
	if eventState == nil {
		return false
	}
	eventState.mutex.Lock()
	err := eventState.pending.Enqueue(context)
	eventState.mutex.Unlock()
	if err != nil {
		LogWarn("event queue full, dropping event %#x", int(context.Type))
		return false
	}
	select {
	case eventState.wake <- struct{}{}:
	default:
	}
	return true
}

// ProcessEvents delivers queued events to their callbacks until shutdown.
// Run it on its own goroutine.
func ProcessEvents() {
	if eventState == nil {
		return
	}
	for {
		select {
		case <-eventState.quit:
			return
		case <-eventState.wake:
		}
		for {
			eventState.mutex.Lock()
			v, err := eventState.pending.Dequeue()
			var callbacks []FnOnEvent
			if err == nil {
				ctx := v.(EventContext)
				callbacks = eventState.registered[ctx.Type].callbacks
				eventState.mutex.Unlock()
				for _, cb := range callbacks {
					cb(ctx)
				}
				continue
			}
			eventState.mutex.Unlock()
			break
		}
	}
}
