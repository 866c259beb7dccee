package eventstream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apex-build/buildforge/internal/corelib"
	"github.com/apex-build/buildforge/internal/orchestrator"
)

func TestFabricPublishDeliversToSubscriber(t *testing.T) {
	f := New(DefaultBufferCapacity, DefaultReplaySize, corelib.NoOpLogger{})
	ch, replay, unsub := f.Subscribe("b1")
	defer unsub()
	require.Empty(t, replay)

	f.Publish("b1", orchestrator.Event{Type: orchestrator.EventStageUpdate, PipelineID: "b1", Message: "hi"})

	select {
	case ev := <-ch:
		assert.Equal(t, "hi", ev.Message)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestFabricReplayOnSubscribe(t *testing.T) {
	f := New(DefaultBufferCapacity, DefaultReplaySize, corelib.NoOpLogger{})
	f.Publish("b1", orchestrator.Event{Type: orchestrator.EventStageUpdate, Message: "first"})
	f.Publish("b1", orchestrator.Event{Type: orchestrator.EventStageUpdate, Message: "second"})

	_, replay, unsub := f.Subscribe("b1")
	defer unsub()
	require.Len(t, replay, 2)
	assert.Equal(t, "first", replay[0].Message)
	assert.Equal(t, "second", replay[1].Message)
}

func TestFabricReplayBoundedByCapacity(t *testing.T) {
	f := New(3, DefaultReplaySize, corelib.NoOpLogger{})
	for i := 0; i < 10; i++ {
		f.Publish("b1", orchestrator.Event{Message: string(rune('a' + i))})
	}
	_, replay, unsub := f.Subscribe("b1")
	defer unsub()
	require.Len(t, replay, 3)
	assert.Equal(t, "h", replay[0].Message)
	assert.Equal(t, "j", replay[2].Message)
}

func TestFabricReplayOnSubscribeBoundedIndependentlyOfBufferCapacity(t *testing.T) {
	f := New(DefaultBufferCapacity, 3, corelib.NoOpLogger{})
	for i := 0; i < 10; i++ {
		f.Publish("b1", orchestrator.Event{Message: string(rune('a' + i))})
	}
	_, replay, unsub := f.Subscribe("b1")
	defer unsub()
	require.Len(t, replay, 3, "replay-on-subscribe must stay bounded by its own setting (3), not the 1000-capacity buffer")
	assert.Equal(t, "h", replay[0].Message)
	assert.Equal(t, "j", replay[2].Message)
}

func TestFabricNoCrossBuildLeakage(t *testing.T) {
	f := New(DefaultBufferCapacity, DefaultReplaySize, corelib.NoOpLogger{})
	chA, _, unsubA := f.Subscribe("a")
	defer unsubA()
	chB, _, unsubB := f.Subscribe("b")
	defer unsubB()

	f.Publish("a", orchestrator.Event{Message: "only-a"})

	select {
	case ev := <-chA:
		assert.Equal(t, "only-a", ev.Message)
	case <-time.After(time.Second):
		t.Fatal("expected event on a")
	}
	select {
	case <-chB:
		t.Fatal("build b should not have received an event")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFabricUnsubscribeClosesChannel(t *testing.T) {
	f := New(DefaultBufferCapacity, DefaultReplaySize, corelib.NoOpLogger{})
	ch, _, unsub := f.Subscribe("b1")
	unsub()
	_, ok := <-ch
	assert.False(t, ok)
}

func TestFabricSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	f := New(DefaultBufferCapacity, DefaultReplaySize, corelib.NoOpLogger{})
	_, _, unsub := f.Subscribe("b1")
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			f.Publish("b1", orchestrator.Event{Message: "x"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber channel")
	}
}
