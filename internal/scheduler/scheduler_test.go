package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scraper-runtime/internal/notify"
	"github.com/JakeFAU/scraper-runtime/internal/queue"
	"github.com/JakeFAU/scraper-runtime/internal/scraper"
)

type invokeFunc func(ctx context.Context, req scraper.Request) (scraper.Result, error)

func (f invokeFunc) Invoke(ctx context.Context, req scraper.Request) (scraper.Result, error) {
	return f(ctx, req)
}

type recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recorder) Emit(evt notify.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) snapshot() []notify.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Event(nil), r.events...)
}

func (r *recorder) types() []notify.Type {
	var out []notify.Type
	for _, evt := range r.snapshot() {
		out = append(out, evt.Type)
	}
	return out
}

func newQueue(maxFail int) *queue.Queue[scraper.Request] {
	return queue.New[scraper.Request](queue.Config{
		MaxFail: maxFail,
		Backoff: queue.Backoff{Base: time.Millisecond, Multiplier: 2, Max: 5 * time.Millisecond},
	})
}

func start(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
}

var mangaReq = scraper.Request{Plugin: "siteA", Op: scraper.OpMangaPage, URL: "https://a.example/manga1"}

func TestSuccessEmitsResult(t *testing.T) {
	t.Parallel()

	q := newQueue(3)
	rec := &recorder{}
	s := New(q, invokeFunc(func(_ context.Context, req scraper.Request) (scraper.Result, error) {
		return scraper.Result{Page: &scraper.MangaPage{Title: "One", URL: req.URL}}, nil
	}), Config{Workers: 2}, Options{Emitter: rec})
	start(t, s)

	key, result, err := s.Submit(mangaReq, 5)
	require.NoError(t, err)
	assert.Equal(t, queue.PushInserted, result)
	assert.Equal(t, mangaReq.Key(), key)

	require.Eventually(t, func() bool { return s.Status(key).State == queue.StateDone }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	evt := rec.snapshot()[0]
	assert.Equal(t, notify.TypeSucceeded, evt.Type)
	assert.Equal(t, "siteA", evt.Plugin)
	assert.NotEmpty(t, evt.ID)
	assert.False(t, evt.TS.IsZero())
	require.NotNil(t, evt.Result)
	require.NotNil(t, evt.Result.Page)
	assert.Equal(t, "One", evt.Result.Page.Title)
	require.NoError(t, evt.Validate())
}

func TestRetryableFailureRetriesWithBackoff(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	q := newQueue(3)
	rec := &recorder{}
	s := New(q, invokeFunc(func(context.Context, scraper.Request) (scraper.Result, error) {
		if calls.Add(1) == 1 {
			return scraper.Result{}, scraper.Errorf(scraper.KindBackend, "get_manga_page", "503").WithPlugin("siteA")
		}
		return scraper.Result{Page: &scraper.MangaPage{}}, nil
	}), Config{Workers: 1}, Options{Emitter: rec})
	start(t, s)

	key, _, err := s.Submit(mangaReq, 1)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.Status(key).State == queue.StateDone }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, time.Second, 5*time.Millisecond)

	events := rec.snapshot()
	assert.Equal(t, notify.TypeRetrying, events[0].Type)
	assert.Equal(t, 1, events[0].FailCount)
	assert.Equal(t, scraper.KindBackend, events[0].ErrorKind)
	assert.False(t, events[0].RetryAt.IsZero())
	require.NoError(t, events[0].Validate())
	assert.Equal(t, notify.TypeSucceeded, events[1].Type)
	assert.Equal(t, int32(2), calls.Load())
}

func TestDeadlineExpiryGoesThroughOnFailure(t *testing.T) {
	t.Parallel()

	q := newQueue(1)
	rec := &recorder{}
	s := New(q, invokeFunc(func(ctx context.Context, _ scraper.Request) (scraper.Result, error) {
		<-ctx.Done()
		return scraper.Result{}, ctx.Err()
	}), Config{Workers: 1, InvocationTimeout: 20 * time.Millisecond}, Options{Emitter: rec})
	start(t, s)

	key, _, err := s.Submit(mangaReq, 1)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.Status(key).State == queue.StateDead }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, []notify.Type{notify.TypeRetrying, notify.TypeDeadLettered}, rec.types())
	for _, evt := range rec.snapshot() {
		assert.Equal(t, scraper.KindTimeout, evt.ErrorKind)
	}
	assert.Equal(t, 2, s.Status(key).FailCount)
}

func TestPermanentFailureDeadLettersImmediately(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	q := newQueue(5)
	rec := &recorder{}
	s := New(q, invokeFunc(func(context.Context, scraper.Request) (scraper.Result, error) {
		calls.Add(1)
		return scraper.Result{}, scraper.Errorf(scraper.KindNotFound, "lookup", "no plugin").WithPlugin("siteA")
	}), Config{Workers: 1}, Options{Emitter: rec})
	start(t, s)

	key, _, err := s.Submit(mangaReq, 1)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.Status(key).State == queue.StateDead }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	evt := rec.snapshot()[0]
	assert.Equal(t, notify.TypeDeadLettered, evt.Type)
	assert.Equal(t, scraper.KindNotFound, evt.ErrorKind)
	assert.Len(t, q.DeadLetters(), 1)
}

func TestKeyNeverRunsConcurrently(t *testing.T) {
	t.Parallel()

	var (
		active  atomic.Int32
		overlap atomic.Bool
		calls   atomic.Int32
	)
	release := make(chan struct{})
	q := newQueue(3)
	s := New(q, invokeFunc(func(ctx context.Context, _ scraper.Request) (scraper.Result, error) {
		if active.Add(1) > 1 {
			overlap.Store(true)
		}
		defer active.Add(-1)
		if calls.Add(1) == 1 {
			<-release
		}
		return scraper.Result{}, nil
	}), Config{Workers: 4}, Options{})
	start(t, s)

	key, _, err := s.Submit(mangaReq, 1)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.Status(key).State == queue.StateInFlight }, time.Second, 5*time.Millisecond)

	_, result, err := s.Submit(mangaReq, 9)
	require.NoError(t, err)
	assert.Equal(t, queue.PushPending, result)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load(), "re-push waits for the in-flight attempt")

	close(release)
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return s.Status(key).State == queue.StateDone }, time.Second, 5*time.Millisecond)
	assert.False(t, overlap.Load())
}

type blockingCooldown struct {
	waiting chan struct{}
	once    sync.Once
}

func (c *blockingCooldown) Wait(ctx context.Context, _ string) error {
	c.once.Do(func() { close(c.waiting) })
	<-ctx.Done()
	return ctx.Err()
}

func TestShutdownDuringCooldownReleasesItem(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	q := newQueue(3)
	cooldown := &blockingCooldown{waiting: make(chan struct{})}
	s := New(q, invokeFunc(func(context.Context, scraper.Request) (scraper.Result, error) {
		calls.Add(1)
		return scraper.Result{}, nil
	}), Config{Workers: 1}, Options{Cooldown: cooldown})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	key, _, err := s.Submit(mangaReq, 1)
	require.NoError(t, err)
	<-cooldown.waiting
	cancel()
	require.NoError(t, <-done)

	st := s.Status(key)
	assert.Equal(t, queue.StateQueued, st.State)
	assert.Zero(t, st.FailCount)
	assert.Zero(t, calls.Load())
}

func TestInFlightAttemptSurvivesShutdown(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	q := newQueue(3)
	s := New(q, invokeFunc(func(ctx context.Context, _ scraper.Request) (scraper.Result, error) {
		close(entered)
		select {
		case <-time.After(30 * time.Millisecond):
			return scraper.Result{}, nil
		case <-ctx.Done():
			return scraper.Result{}, ctx.Err()
		}
	}), Config{Workers: 1, InvocationTimeout: time.Second}, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	key, _, err := s.Submit(mangaReq, 1)
	require.NoError(t, err)
	<-entered
	cancel()
	s.Shutdown()
	require.NoError(t, <-done)
	assert.Equal(t, queue.StateDone, s.Status(key).State)

	_, _, err = s.Submit(mangaReq, 1)
	require.ErrorIs(t, err, queue.ErrClosed)
}

func TestSubmitValidatesAndRunIsExclusive(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{}, 1)
	s := New(newQueue(3), invokeFunc(func(context.Context, scraper.Request) (scraper.Result, error) {
		entered <- struct{}{}
		return scraper.Result{}, nil
	}), Config{}, Options{})

	_, _, err := s.Submit(scraper.Request{Plugin: "siteA", Op: scraper.OpSearch}, 1)
	require.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	_, _, err = s.Submit(mangaReq, 1)
	require.NoError(t, err)
	<-entered

	require.Error(t, s.Run(ctx), "a second Run is rejected while the first is active")
	cancel()
	require.NoError(t, <-done)
}
