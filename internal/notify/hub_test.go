package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
	closed  bool
	err     error
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, batch)
	return s.err
}

func (s *stubSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]Event(nil), s.batches...)
}

func (s *stubSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func sampleEvent(typ Type) Event {
	evt := Event{ID: "evt-1", TS: time.Now(), Type: typ, Key: "siteA/get_manga_page/x", Plugin: "siteA"}
	switch typ {
	case TypeRetrying:
		evt.FailCount = 1
		evt.RetryAt = evt.TS.Add(time.Second)
		evt.Error = "boom"
	case TypeDeadLettered:
		evt.FailCount = 4
		evt.Error = "boom"
	}
	return evt
}

func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := &stubSink{}
	hub := NewHub(Config{BufferSize: 8, MaxBatchEvents: 2, MaxBatchWait: time.Minute}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(TypeSucceeded))
	hub.Emit(sampleEvent(TypeRetrying))
	require.Eventually(t, func() bool {
		b := sink.Batches()
		return len(b) == 1 && len(b[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestHubBatchByTimer(t *testing.T) {
	t.Parallel()

	sink := &stubSink{}
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 10, MaxBatchWait: 20 * time.Millisecond}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(TypeDeadLettered))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestHubCloseFlushesAndClosesSinks(t *testing.T) {
	t.Parallel()

	sink := &stubSink{err: errors.New("sink down")}
	hub := NewHub(Config{MaxBatchEvents: 100, MaxBatchWait: time.Hour}, sink)
	hub.Emit(sampleEvent(TypeSucceeded))
	require.NoError(t, hub.Close(context.Background()))
	require.NoError(t, hub.Close(context.Background()))

	assert.True(t, sink.Closed())
	require.Len(t, sink.Batches(), 1)

	// Emit after close is ignored.
	hub.Emit(sampleEvent(TypeSucceeded))
	assert.Len(t, sink.Batches(), 1)
}

func TestHubDropsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := &stubSink{}
	hub := NewHub(Config{MaxBatchEvents: 1, Logger: zap.NewNop()}, sink)
	hub.Emit(Event{Type: TypeSucceeded})
	hub.Emit(Event{Key: "k", TS: time.Now(), Type: TypeRetrying})
	require.NoError(t, hub.Close(context.Background()))
	assert.Empty(t, sink.Batches())
}

func TestHubEmitNeverBlocks(t *testing.T) {
	t.Parallel()

	hub := &Hub{events: make(chan Event), logger: zap.NewNop()}
	start := time.Now()
	hub.Emit(sampleEvent(TypeSucceeded))
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestEventValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, sampleEvent(TypeRetrying).Validate())
	require.NoError(t, sampleEvent(TypeDeadLettered).Validate())
	bad := sampleEvent(TypeDeadLettered)
	bad.Error = ""
	require.Error(t, bad.Validate())
	unknown := sampleEvent(TypeSucceeded)
	unknown.Type = "weird"
	require.Error(t, unknown.Validate())
	assert.False(t, sampleEvent(TypeRetrying).Terminal())
	assert.True(t, sampleEvent(TypeDeadLettered).Terminal())
}
