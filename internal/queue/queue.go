// Package queue implements the priority retry queue that feeds the
// scheduler: ordered by (priority desc, retry_at asc, seq asc), deduplicated
// by key, with per-key in-flight exclusion, exponential backoff on failure,
// and a dead-letter terminal state.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Queue errors.
var (
	ErrClosed       = errors.New("queue closed")
	ErrDuplicateKey = errors.New("duplicate key")
	ErrFull         = errors.New("queue full")
	ErrNotInFlight  = errors.New("item not in flight")
	ErrEmptyKey     = errors.New("empty key")
)

// State is the lifecycle position of a key.
type State string

// Key states reported by Status.
const (
	StateUnknown  State = "unknown"
	StateQueued   State = "queued"
	StateInFlight State = "in_flight"
	StateFailed   State = "failed"
	StateDone     State = "done"
	StateDead     State = "dead"
)

// MergePolicy decides what a push does when the key is already queued or in
// flight.
type MergePolicy string

// Merge policies.
const (
	// MergeBump keeps the higher priority, replaces the payload, and makes a
	// waiting item ready immediately. fail_count and seq are preserved.
	MergeBump MergePolicy = "bump"
	// MergeReplace overwrites payload and priority and keeps retry_at.
	MergeReplace MergePolicy = "replace"
	// MergeReject fails the push with ErrDuplicateKey.
	MergeReject MergePolicy = "reject"
)

// ParseMergePolicy validates a configured policy name.
func ParseMergePolicy(raw string) (MergePolicy, error) {
	switch p := MergePolicy(raw); p {
	case MergeBump, MergeReplace, MergeReject:
		return p, nil
	case "":
		return MergeBump, nil
	default:
		return "", fmt.Errorf("unknown merge policy %q", raw)
	}
}

// PushResult reports what a push did.
type PushResult string

// Push results.
const (
	PushInserted PushResult = "inserted"
	PushMerged   PushResult = "merged"
	// PushPending means the key is in flight; the merge is applied once the
	// current attempt resolves.
	PushPending PushResult = "pending"
)

// Item is one queued unit of work.
type Item[P any] struct {
	Key        string
	Payload    P
	Priority   uint8
	InsertedAt time.Time
	RetryAt    time.Time
	FailCount  int
	LastTried  time.Time
	Seq        uint64
}

// Status is the externally visible state of a key.
type Status struct {
	Key       string    `json:"key"`
	State     State     `json:"state"`
	Priority  uint8     `json:"priority"`
	FailCount int       `json:"fail_count"`
	RetryAt   time.Time `json:"retry_at,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

// Stats is a point-in-time size breakdown.
type Stats struct {
	Ready    int
	Delayed  int
	InFlight int
}

// Config tunes queue behavior. Zero values select defaults.
type Config struct {
	// MaxFail is the number of failures tolerated; the next one dead-letters.
	MaxFail int
	// MaxSize bounds queued plus in-flight items; 0 means unbounded.
	MaxSize int
	Merge   MergePolicy
	// HistorySize bounds how many done/dead keys Status remembers.
	HistorySize int
	// AgingInterval adds one effective priority level per interval waited.
	// Zero disables aging.
	AgingInterval time.Duration
	Backoff       Backoff
	Now           func() time.Time
	// OnEvict is called, outside the lock, with items dropped to make room.
	OnEvict func(key string)
}

const (
	defaultMaxFail     = 3
	defaultHistorySize = 1024
)

type pendingPush[P any] struct {
	payload  P
	priority uint8
}

type entry[P any] struct {
	item     Item[P]
	inFlight bool
	heap     *entryHeap[P]
	index    int
	pending  *pendingPush[P]
	lastErr  string
}

// Queue is a PriorityRetryQueue keyed by an opaque string. All mutation is
// serialized by one mutex; blocked poppers wait on a broadcast channel that
// is replaced after every change.
type Queue[P any] struct {
	mu      sync.Mutex
	cfg     Config
	entries map[string]*entry[P]
	ready   entryHeap[P]
	delayed entryHeap[P]
	history *history[P]
	seq     uint64
	changed chan struct{}
	closed  bool
}

// New builds a Queue.
func New[P any](cfg Config) *Queue[P] {
	if cfg.MaxFail <= 0 {
		cfg.MaxFail = defaultMaxFail
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	if cfg.Merge == "" {
		cfg.Merge = MergeBump
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	cfg.Backoff = cfg.Backoff.withDefaults()
	q := &Queue[P]{
		cfg:     cfg,
		entries: make(map[string]*entry[P]),
		history: newHistory[P](cfg.HistorySize),
		changed: make(chan struct{}),
	}
	q.ready.less = q.readyLess
	q.delayed.less = delayedLess[P]
	return q
}

// Push enqueues payload under key, merging with an existing queued or
// in-flight item according to the configured policy.
func (q *Queue[P]) Push(key string, payload P, priority uint8) (PushResult, error) {
	if key == "" {
		return "", ErrEmptyKey
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", ErrClosed
	}
	now := q.cfg.Now()
	if e, ok := q.entries[key]; ok {
		result, err := q.mergeLocked(e, payload, priority, now)
		q.mu.Unlock()
		return result, err
	}
	var evicted string
	if q.cfg.MaxSize > 0 && len(q.entries) >= q.cfg.MaxSize {
		victim, err := q.evictLocked(priority, now)
		if err != nil {
			q.mu.Unlock()
			return "", err
		}
		evicted = victim
	}
	q.insertLocked(key, payload, priority, now)
	q.broadcastLocked()
	q.mu.Unlock()

	if evicted != "" && q.cfg.OnEvict != nil {
		q.cfg.OnEvict(evicted)
	}
	return PushInserted, nil
}

// TryPop returns the best ready item without blocking.
func (q *Queue[P]) TryPop() (Item[P], bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tryPopLocked()
}

// PopReady blocks until an item is ready, the queue closes, or ctx ends. The
// returned item's key is in flight until OnSuccess, OnFailure, DeadLetter, or
// Release resolves it.
func (q *Queue[P]) PopReady(ctx context.Context) (Item[P], error) {
	for {
		q.mu.Lock()
		item, ok, err := q.tryPopLocked()
		if err != nil || ok {
			q.mu.Unlock()
			return item, err
		}
		wake := q.changed
		wait, timed := q.nextWakeLocked()
		q.mu.Unlock()

		if err := waitForChange(ctx, wake, wait, timed); err != nil {
			return Item[P]{}, err
		}
	}
}

// OnSuccess removes a resolved item permanently.
func (q *Queue[P]) OnSuccess(item Item[P]) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, err := q.inFlightLocked(item)
	if err != nil {
		return err
	}
	now := q.cfg.Now()
	delete(q.entries, item.Key)
	done := e.item
	done.FailCount = 0
	q.history.record(Status{Key: done.Key, State: StateDone, Priority: done.Priority}, done)
	q.requeuePendingLocked(e, now)
	q.broadcastLocked()
	return nil
}

// OnFailure records a failed attempt. The item is rescheduled with backoff or,
// once fail_count exceeds MaxFail, dead-lettered. The returned Status tells
// which happened.
func (q *Queue[P]) OnFailure(item Item[P], cause error) (Status, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, err := q.inFlightLocked(item)
	if err != nil {
		return Status{}, err
	}
	now := q.cfg.Now()
	e.item.FailCount++
	e.lastErr = errText(cause)
	if e.item.FailCount > q.cfg.MaxFail {
		return q.deadLocked(e, now), nil
	}
	e.item.RetryAt = now.Add(q.cfg.Backoff.Delay(e.item.FailCount))
	if e.pending != nil {
		q.applyMergeLocked(e, e.pending.payload, e.pending.priority, false, now)
		e.pending = nil
	}
	e.inFlight = false
	q.placeLocked(e, now)
	q.broadcastLocked()
	return q.statusLocked(e), nil
}

// DeadLetter moves an in-flight item straight to the dead state, for
// failures that no retry can fix.
func (q *Queue[P]) DeadLetter(item Item[P], cause error) (Status, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, err := q.inFlightLocked(item)
	if err != nil {
		return Status{}, err
	}
	e.item.FailCount++
	e.lastErr = errText(cause)
	return q.deadLocked(e, q.cfg.Now()), nil
}

// Release returns an in-flight item to the ready set untouched, for work that
// was popped but never attempted.
func (q *Queue[P]) Release(item Item[P]) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, err := q.inFlightLocked(item)
	if err != nil {
		return err
	}
	now := q.cfg.Now()
	if e.pending != nil {
		q.applyMergeLocked(e, e.pending.payload, e.pending.priority, true, now)
		e.pending = nil
	}
	e.inFlight = false
	q.placeLocked(e, now)
	q.broadcastLocked()
	return nil
}

// Status reports the state of key, falling back to the terminal history.
func (q *Queue[P]) Status(key string) Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.entries[key]; ok {
		return q.statusLocked(e)
	}
	if rec, ok := q.history.get(key); ok {
		return rec.status
	}
	return Status{Key: key, State: StateUnknown}
}

// DeadLetters lists remembered dead items, oldest first.
func (q *Queue[P]) DeadLetters() []Item[P] {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.history.dead()
}

// Len counts queued plus in-flight items.
func (q *Queue[P]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Stats reports the ready/delayed/in-flight split.
func (q *Queue[P]) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.cfg.Now()
	q.promoteLocked(now)
	return Stats{
		Ready:    q.ready.Len(),
		Delayed:  q.delayed.Len(),
		InFlight: len(q.entries) - q.ready.Len() - q.delayed.Len(),
	}
}

// Close stops the queue and wakes every blocked popper with ErrClosed.
// In-flight items can still be resolved. Close is idempotent.
func (q *Queue[P]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.broadcastLocked()
}

func (q *Queue[P]) tryPopLocked() (Item[P], bool, error) {
	if q.closed {
		return Item[P]{}, false, ErrClosed
	}
	now := q.cfg.Now()
	q.promoteLocked(now)
	if q.ready.Len() == 0 {
		return Item[P]{}, false, nil
	}
	e := heap.Pop(&q.ready).(*entry[P])
	e.heap = nil
	e.inFlight = true
	e.item.LastTried = now
	return e.item, true, nil
}

func (q *Queue[P]) nextWakeLocked() (time.Duration, bool) {
	next := q.delayed.peek()
	if next == nil {
		return 0, false
	}
	wait := next.item.RetryAt.Sub(q.cfg.Now())
	if wait < 0 {
		wait = 0
	}
	return wait, true
}

func waitForChange(ctx context.Context, wake <-chan struct{}, wait time.Duration, timed bool) error {
	var timeout <-chan time.Time
	if timed {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("pop canceled: %w", ctx.Err())
	case <-wake:
	case <-timeout:
	}
	return nil
}

func (q *Queue[P]) insertLocked(key string, payload P, priority uint8, now time.Time) {
	q.seq++
	e := &entry[P]{
		item: Item[P]{
			Key:        key,
			Payload:    payload,
			Priority:   priority,
			InsertedAt: now,
			RetryAt:    now,
			Seq:        q.seq,
		},
	}
	q.entries[key] = e
	q.history.forget(key)
	q.placeLocked(e, now)
}

func (q *Queue[P]) mergeLocked(e *entry[P], payload P, priority uint8, now time.Time) (PushResult, error) {
	if q.cfg.Merge == MergeReject {
		return "", fmt.Errorf("%w: %s", ErrDuplicateKey, e.item.Key)
	}
	if e.inFlight {
		if e.pending == nil {
			e.pending = &pendingPush[P]{payload: payload, priority: priority}
		} else {
			e.pending.payload = payload
			e.pending.priority = q.mergedPriority(e.pending.priority, priority)
		}
		return PushPending, nil
	}
	q.applyMergeLocked(e, payload, priority, true, now)
	q.placeLocked(e, now)
	q.broadcastLocked()
	return PushMerged, nil
}

func (q *Queue[P]) applyMergeLocked(e *entry[P], payload P, priority uint8, resetRetry bool, now time.Time) {
	e.item.Payload = payload
	e.item.Priority = q.mergedPriority(e.item.Priority, priority)
	if resetRetry && q.cfg.Merge == MergeBump && e.item.RetryAt.After(now) {
		e.item.RetryAt = now
	}
}

func (q *Queue[P]) mergedPriority(current, incoming uint8) uint8 {
	if q.cfg.Merge == MergeBump && current > incoming {
		return current
	}
	return incoming
}

func (q *Queue[P]) deadLocked(e *entry[P], now time.Time) Status {
	delete(q.entries, e.item.Key)
	e.inFlight = false
	status := q.statusLocked(e)
	status.State = StateDead
	status.RetryAt = time.Time{}
	q.history.record(status, e.item)
	q.requeuePendingLocked(e, now)
	q.broadcastLocked()
	return status
}

func (q *Queue[P]) requeuePendingLocked(e *entry[P], now time.Time) {
	if e.pending == nil || q.closed {
		return
	}
	q.insertLocked(e.item.Key, e.pending.payload, e.pending.priority, now)
}

// evictLocked drops the queued item that would pop last, provided an item
// of the given priority inserted at now would outrank it.
func (q *Queue[P]) evictLocked(priority uint8, now time.Time) (string, error) {
	var victim *entry[P]
	var victimRank int64
	for _, e := range q.entries {
		if e.inFlight {
			continue
		}
		r := q.rank(e)
		if victim == nil || r < victimRank || (r == victimRank && e.item.Seq > victim.item.Seq) {
			victim, victimRank = e, r
		}
	}
	if victim == nil || victimRank >= q.rankOf(priority, now) {
		return "", ErrFull
	}
	heap.Remove(victim.heap, victim.index)
	victim.heap = nil
	delete(q.entries, victim.item.Key)
	return victim.item.Key, nil
}

func (q *Queue[P]) inFlightLocked(item Item[P]) (*entry[P], error) {
	e, ok := q.entries[item.Key]
	if !ok || !e.inFlight || e.item.Seq != item.Seq {
		return nil, fmt.Errorf("%w: %s", ErrNotInFlight, item.Key)
	}
	return e, nil
}

func (q *Queue[P]) statusLocked(e *entry[P]) Status {
	state := StateQueued
	switch {
	case e.inFlight:
		state = StateInFlight
	case e.item.FailCount > 0:
		state = StateFailed
	}
	return Status{
		Key:       e.item.Key,
		State:     state,
		Priority:  e.item.Priority,
		FailCount: e.item.FailCount,
		RetryAt:   e.item.RetryAt,
		LastError: e.lastErr,
	}
}

// placeLocked files an idle entry into the ready or delayed heap.
func (q *Queue[P]) placeLocked(e *entry[P], now time.Time) {
	if e.heap != nil {
		heap.Remove(e.heap, e.index)
		e.heap = nil
	}
	target := &q.delayed
	if !e.item.RetryAt.After(now) {
		target = &q.ready
	}
	heap.Push(target, e)
	e.heap = target
}

func (q *Queue[P]) promoteLocked(now time.Time) {
	for {
		next := q.delayed.peek()
		if next == nil || next.item.RetryAt.After(now) {
			return
		}
		heap.Pop(&q.delayed)
		heap.Push(&q.ready, next)
		next.heap = &q.ready
	}
}

func (q *Queue[P]) broadcastLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

func (q *Queue[P]) readyLess(a, b *entry[P]) bool {
	if ra, rb := q.rank(a), q.rank(b); ra != rb {
		return ra > rb
	}
	if !a.item.RetryAt.Equal(b.item.RetryAt) {
		return a.item.RetryAt.Before(b.item.RetryAt)
	}
	return a.item.Seq < b.item.Seq
}

// rank is the effective priority. With aging enabled every waiting item gains
// one level per interval, which orders the same as priority*interval minus
// insertion time, so ranks never change while an item sits in the heap.
func (q *Queue[P]) rank(e *entry[P]) int64 {
	return q.rankOf(e.item.Priority, e.item.InsertedAt)
}

func (q *Queue[P]) rankOf(priority uint8, insertedAt time.Time) int64 {
	if q.cfg.AgingInterval <= 0 {
		return int64(priority)
	}
	return int64(priority)*int64(q.cfg.AgingInterval) - insertedAt.UnixNano()
}

func delayedLess[P any](a, b *entry[P]) bool {
	if !a.item.RetryAt.Equal(b.item.RetryAt) {
		return a.item.RetryAt.Before(b.item.RetryAt)
	}
	return a.item.Seq < b.item.Seq
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
