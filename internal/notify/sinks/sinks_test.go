package sinks

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/scraper-runtime/internal/notify"
)

func event(typ notify.Type) notify.Event {
	evt := notify.Event{
		ID:     "evt-" + string(typ),
		TS:     time.Now(),
		Type:   typ,
		Key:    "siteA/get_manga_page/x",
		Plugin: "siteA",
		Dur:    150 * time.Millisecond,
	}
	if typ == notify.TypeRetrying {
		evt.FailCount = 1
		evt.RetryAt = evt.TS.Add(time.Second)
		evt.Error = "timeout"
	}
	if typ == notify.TypeDeadLettered {
		evt.FailCount = 4
		evt.Error = "gone"
	}
	return evt
}

func TestPrometheusSinkCountsOutcomes(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	batch := []notify.Event{event(notify.TypeSucceeded), event(notify.TypeRetrying), event(notify.TypeDeadLettered)}
	require.NoError(t, sink.Consume(context.Background(), batch))

	assert.Equal(t, float64(1), testutil.ToFloat64(sink.outcomes.WithLabelValues("siteA", "succeeded")))
	assert.Equal(t, float64(1), testutil.ToFloat64(sink.outcomes.WithLabelValues("siteA", "dead_lettered")))
	assert.Equal(t, 2, testutil.CollectAndCount(sink.failCounts))

	_, err = NewPrometheusSink(reg)
	require.Error(t, err, "duplicate registration must fail")
}

func TestLogSinkLevels(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	sink := NewLogSink(zap.New(core))
	require.NoError(t, sink.Consume(context.Background(), []notify.Event{
		event(notify.TypeSucceeded),
		event(notify.TypeDeadLettered),
	}))
	require.Equal(t, 2, logs.Len())
	assert.Equal(t, "job event", logs.All()[0].Message)
	assert.Equal(t, "job dead-lettered", logs.All()[1].Message)
	assert.Equal(t, zap.WarnLevel, logs.All()[1].Level)
}

func TestBroadcasterDeliversAndDrops(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster(1)
	ch, cancel := b.Subscribe()
	require.NoError(t, b.Consume(context.Background(), []notify.Event{
		event(notify.TypeSucceeded),
		event(notify.TypeRetrying),
	}))
	got := <-ch
	assert.Equal(t, notify.TypeSucceeded, got.Type)
	assert.Equal(t, int64(1), b.Dropped())

	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)

	late, _ := b.Subscribe()
	require.NoError(t, b.Close(context.Background()))
	_, open = <-late
	assert.False(t, open)

	afterClose, _ := b.Subscribe()
	_, open = <-afterClose
	assert.False(t, open)
}

func TestPubSubSinkPublishesJSON(t *testing.T) {
	t.Parallel()

	var published []*pubsub.Message
	sink := &PubSubSink{publish: func(_ context.Context, msg *pubsub.Message) (string, error) {
		published = append(published, msg)
		return "msg-1", nil
	}}
	require.NoError(t, sink.Consume(context.Background(), []notify.Event{event(notify.TypeDeadLettered)}))
	require.Len(t, published, 1)
	assert.Equal(t, "dead_lettered", published[0].Attributes["type"])
	assert.Equal(t, "siteA", published[0].Attributes["plugin"])

	var decoded notify.Event
	require.NoError(t, json.Unmarshal(published[0].Data, &decoded))
	assert.Equal(t, "gone", decoded.Error)
	assert.Equal(t, 4, decoded.FailCount)
	require.NoError(t, sink.Close(context.Background()))
}

func TestPubSubSinkStopsOnError(t *testing.T) {
	t.Parallel()

	calls := 0
	sink := &PubSubSink{publish: func(context.Context, *pubsub.Message) (string, error) {
		calls++
		return "", errors.New("unavailable")
	}}
	err := sink.Consume(context.Background(), []notify.Event{event(notify.TypeSucceeded), event(notify.TypeSucceeded)})
	require.ErrorContains(t, err, "unavailable")
	assert.Equal(t, 1, calls)

	_, err = NewPubSubSink(nil)
	require.Error(t, err)
}
