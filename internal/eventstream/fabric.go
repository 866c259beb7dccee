// Package eventstream implements the Event Stream Fabric (spec §4.4): a
// push channel that multiplexes build/stage events to subscribed clients,
// with a per-build replay buffer for late joiners and reconnection
// semantics carried by the websocket transport in websocket.go.
//
// Grounded on the teacher's ui/transports/websocket/websocket.go
// (wsClient/send-channel/heartbeat pattern) generalized from per-chat-
// session events to per-build pipeline events, and on ui/transports/sse's
// replay-on-subscribe idea.
package eventstream

import (
	"sync"
	"time"

	"github.com/apex-build/buildforge/internal/corelib"
	"github.com/apex-build/buildforge/internal/orchestrator"
)

// DefaultReplaySize is the default number of events handed to a client on
// subscribe (spec §4.4 "replays the most recent N events ... default 50").
const DefaultReplaySize = 50

// DefaultBufferCapacity is the default per-build ring buffer total capacity
// (spec §4.4 "Replay buffer ... bounded by count, default 1000").
const DefaultBufferCapacity = 1000

// GraceWindow is how long a terminated build's ring buffer is kept for late
// subscribers before being released (spec §4.4 "default 5 min").
const GraceWindow = 5 * time.Minute

// ringBuffer is a per-build, mutex-protected bounded history of events
// (spec §4.4 "Replay buffer"), grounded on the bounded in-memory structure
// shape the teacher uses throughout (e.g. core/memory_store.go), since the
// spec explicitly wants an in-memory ring, not a Redis-backed one.
type ringBuffer struct {
	mu       sync.Mutex
	events   []orchestrator.Event
	capacity int
	released time.Time // zero until the build terminates
}

func newRingBuffer(capacity int) *ringBuffer {
	if capacity <= 0 {
		capacity = DefaultBufferCapacity
	}
	return &ringBuffer{capacity: capacity}
}

func (b *ringBuffer) push(ev orchestrator.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
	if len(b.events) > b.capacity {
		b.events = b.events[len(b.events)-b.capacity:]
	}
}

// recent returns up to n most recent events, oldest first.
func (b *ringBuffer) recent(n int) []orchestrator.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n <= 0 || n > len(b.events) {
		n = len(b.events)
	}
	out := make([]orchestrator.Event, n)
	copy(out, b.events[len(b.events)-n:])
	return out
}

// subscriber is one client's per-build fan-out channel (spec §4.4
// "per-build fan-out channel bounded by the replay buffer"). Per-client
// FIFO is preserved by the channel itself; no cross-client ordering
// guarantee is made (spec §5).
type subscriber struct {
	ch     chan orchestrator.Event
	buildID string
}

// Fabric is the process-wide Event Stream Fabric. One instance serves every
// build (spec §5 "no global singletons beyond the Stage Registry and Model
// Router" — Fabric is an injected, explicitly-constructed component, not a
// package global, same rule applied one layer up).
type Fabric struct {
	log corelib.Logger

	// bufferCapacity is the ring buffer's total retained history (spec §4.4
	// "Replay buffer ... bounded by count, default 1000").
	bufferCapacity int
	// replayOnSubscribe is the number of most-recent events handed to a new
	// subscriber (spec §4.4 "replays the most recent N events ... default
	// 50") - deliberately a separate knob from bufferCapacity: a large
	// retained history doesn't mean every new subscriber should be replayed
	// all of it.
	replayOnSubscribe int

	mu      sync.Mutex
	buffers map[string]*ringBuffer
	subs    map[string]map[*subscriber]bool
}

// New builds an empty Fabric. bufferCapacity <= 0 uses DefaultBufferCapacity;
// replayOnSubscribe <= 0 uses DefaultReplaySize. The two are independent
// (spec §4.4): bufferCapacity bounds how much history a build's ring buffer
// retains, replayOnSubscribe bounds how much of that history a new
// subscriber is handed.
func New(bufferCapacity, replayOnSubscribe int, log corelib.ComponentLogger) *Fabric {
	if log == nil {
		log = corelib.NoOpLogger{}
	}
	return &Fabric{
		log:               log.WithComponent("eventstream"),
		bufferCapacity:    bufferCapacity,
		replayOnSubscribe: replayOnSubscribe,
		buffers:           make(map[string]*ringBuffer),
		subs:              make(map[string]map[*subscriber]bool),
	}
}

var _ orchestrator.EventSink = (*Fabric)(nil)

// Publish implements orchestrator.EventSink: best-effort delivery to every
// live subscriber of buildID, plus an append to its replay buffer (spec
// §4.4 "Best-effort delivery while connected"). Never blocks the
// orchestrator: a full subscriber channel drops the event for that
// subscriber rather than stalling the publisher.
func (f *Fabric) Publish(buildID string, ev orchestrator.Event) {
	f.mu.Lock()
	buf, ok := f.buffers[buildID]
	if !ok {
		buf = newRingBuffer(f.bufferCapacity)
		f.buffers[buildID] = buf
	}
	subs := make([]*subscriber, 0, len(f.subs[buildID]))
	for s := range f.subs[buildID] {
		subs = append(subs, s)
	}
	f.mu.Unlock()

	buf.push(ev)

	for _, s := range subs {
		select {
		case s.ch <- ev:
		default:
			f.log.Warn("dropping event for slow subscriber", map[string]interface{}{
				"build_id": buildID, "event_type": ev.Type,
			})
		}
	}

	if ev.Type == orchestrator.EventPipelineComplete || ev.Type == orchestrator.EventPipelineError {
		f.scheduleRelease(buildID)
	}
}

// scheduleRelease frees buildID's buffer/subscriber bookkeeping after
// GraceWindow (spec §4.4 "retained for a short grace window ... then
// released").
func (f *Fabric) scheduleRelease(buildID string) {
	time.AfterFunc(GraceWindow, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if subs := f.subs[buildID]; len(subs) == 0 {
			delete(f.buffers, buildID)
			delete(f.subs, buildID)
		}
	})
}

// Subscribe registers a new subscriber for buildID and returns its channel
// plus the replay of recent events (spec §4.4 "On new subscription, the
// server replays the most recent N events"). Call Unsubscribe when the
// client disconnects.
func (f *Fabric) Subscribe(buildID string) (<-chan orchestrator.Event, []orchestrator.Event, func()) {
	f.mu.Lock()
	buf, ok := f.buffers[buildID]
	if !ok {
		buf = newRingBuffer(f.bufferCapacity)
		f.buffers[buildID] = buf
	}
	sub := &subscriber{ch: make(chan orchestrator.Event, 256), buildID: buildID}
	if f.subs[buildID] == nil {
		f.subs[buildID] = make(map[*subscriber]bool)
	}
	f.subs[buildID][sub] = true
	f.mu.Unlock()

	replaySize := DefaultReplaySize
	if f.replayOnSubscribe > 0 {
		replaySize = f.replayOnSubscribe
	}
	replay := buf.recent(replaySize)

	unsubscribe := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if set, ok := f.subs[buildID]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(f.subs, buildID)
			}
		}
		close(sub.ch)
	}
	return sub.ch, replay, unsubscribe
}
