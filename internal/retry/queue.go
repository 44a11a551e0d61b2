// Package retry implements the durable retry queue for failed transcription
// calls.
//
// A failed call is enqueued with its audio payload. Identical audio is
// deduplicated by fingerprint: a second failure merges into the pending task
// and bumps its attempt count instead of creating a new one. A single
// scheduler goroutine ([Queue.Run]) re-runs due tasks through a [Handler]
// with exponential backoff until they succeed or exhaust their attempts.
// Callers that need the outcome block in [Queue.Wait] or
// [Queue.EnqueueAndWait].
//
// Task records and payloads are persisted through a [Store] and deleted
// together when a task resolves, so pending work survives a restart
// ([Queue.Restore]).
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/stenograph/internal/observe"
	"github.com/MrWong99/stenograph/pkg/provider/stt"
)

// Defaults for a new [Queue].
const (
	DefaultMaxAttempts = 8
	DefaultBaseDelay   = 30 * time.Second
	DefaultMaxDelay    = 10 * time.Minute
	DefaultJitter      = 0.2
)

var (
	// ErrExhausted is delivered to waiters of a task that failed terminally.
	// The final cause is wrapped alongside it.
	ErrExhausted = errors.New("retry: attempts exhausted")

	// ErrCancelled is delivered to waiters of a task removed by [Queue.Cancel].
	ErrCancelled = errors.New("retry: task cancelled")
)

// Handler re-runs the transcription for p and returns the transcript.
type Handler func(ctx context.Context, p Payload) (string, error)

// Outcome is what a waiter receives when its task succeeds.
type Outcome struct {
	Text string

	// Attempts is the attempt count the task had when it resolved.
	Attempts int
}

// Summary describes the pending retries.
type Summary struct {
	Pending      int       `json:"pending"`
	InFlight     int       `json:"in_flight"`
	Oldest       time.Time `json:"oldest,omitzero"`
	NextEligible time.Time `json:"next_eligible,omitzero"`
	Tasks        []Task    `json:"tasks"`
}

// Option is a functional option for [New].
type Option func(*Queue)

// WithMaxAttempts sets the attempt count at which a failure becomes
// terminal. Values below 1 are ignored.
func WithMaxAttempts(n int) Option {
	return func(q *Queue) {
		if n >= 1 {
			q.maxAttempts = n
		}
	}
}

// WithBaseDelay sets the delay after the first attempt.
func WithBaseDelay(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.baseDelay = d
		}
	}
}

// WithMaxDelay caps the backoff delay.
func WithMaxDelay(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.maxDelay = d
		}
	}
}

// WithJitter sets the relative jitter applied to every delay, in [0, 1].
func WithJitter(j float64) Option {
	return func(q *Queue) {
		q.jitter = min(max(j, 0), 1)
	}
}

// WithClock overrides the time source used for scheduling.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithRetryable overrides the predicate deciding whether a handler error
// merits another attempt. The default is [stt.IsRetryable].
func WithRetryable(fn func(error) bool) Option {
	return func(q *Queue) { q.retryable = fn }
}

// WithMetrics records attempts, terminal failures and the pending gauge to m.
func WithMetrics(m *observe.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

type result struct {
	outcome Outcome
	err     error
}

type entry struct {
	task     Task
	payload  Payload
	waiters  []chan result
	inflight bool
}

func (e *entry) notify(r result) {
	for _, w := range e.waiters {
		w <- r
	}
	e.waiters = nil
}

// Queue is the retry queue. All methods are safe for concurrent use.
type Queue struct {
	store       Store
	handler     Handler
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	jitter      float64
	now         func() time.Time
	retryable   func(error) bool
	metrics     *observe.Metrics
	logger      *slog.Logger

	// mu guards entries and rng. Store calls that change a task happen under
	// mu so that the persisted table never disagrees with entries.
	mu      sync.Mutex
	entries map[string]*entry
	rng     *rand.Rand

	wake chan struct{}
}

// New creates a Queue persisting to store and re-running tasks via handler.
func New(store Store, handler Handler, opts ...Option) *Queue {
	q := &Queue{
		store:       store,
		handler:     handler,
		maxAttempts: DefaultMaxAttempts,
		baseDelay:   DefaultBaseDelay,
		maxDelay:    DefaultMaxDelay,
		jitter:      DefaultJitter,
		now:         time.Now,
		retryable:   stt.IsRetryable,
		logger:      slog.Default(),
		entries:     make(map[string]*entry),
		rng:         rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		wake:        make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// MaxAttempts returns the configured attempt limit.
func (q *Queue) MaxAttempts() int { return q.maxAttempts }

// Backoff returns the delay before the next attempt once attempts attempts
// have been made: base * 2^(attempts-1), capped at maxDelay.
func Backoff(attempts int, base, maxDelay time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := float64(base) * math.Pow(2, float64(attempts-1))
	if d > float64(maxDelay) || math.IsInf(d, 0) {
		return maxDelay
	}
	return time.Duration(d)
}

// delay returns the jittered backoff. Caller must hold q.mu.
func (q *Queue) delay(attempts int) time.Duration {
	d := Backoff(attempts, q.baseDelay, q.maxDelay)
	if q.jitter > 0 {
		d += time.Duration(float64(d) * q.jitter * (2*q.rng.Float64() - 1))
	}
	return max(d, 0)
}

// Enqueue records a failed transcription of p. A pending task with the same
// fingerprint is merged: its attempt count is incremented and it is
// rescheduled. When the merged count reaches the attempt limit the task fails
// terminally and the returned error wraps [ErrExhausted].
func (q *Queue) Enqueue(ctx context.Context, p Payload, cause error) (Task, error) {
	return q.enqueue(ctx, p, cause, nil)
}

// EnqueueAndWait enqueues p like [Queue.Enqueue] and blocks until the task
// resolves or ctx is done. Registering the waiter and enqueueing happen
// atomically, so a fast resolution is never missed.
func (q *Queue) EnqueueAndWait(ctx context.Context, p Payload, cause error) (Outcome, error) {
	ch := make(chan result, 1)
	if _, err := q.enqueue(ctx, p, cause, ch); err != nil {
		return Outcome{}, err
	}
	return await(ctx, ch)
}

func (q *Queue) enqueue(ctx context.Context, p Payload, cause error, waiter chan result) (Task, error) {
	fp := Fingerprint(p)
	msg := errString(cause)

	q.mu.Lock()
	e, ok := q.entries[fp]
	if ok {
		e.task.Attempts++
		e.task.LastError = msg
		if waiter != nil {
			e.waiters = append(e.waiters, waiter)
		}
		if e.task.Attempts >= q.maxAttempts {
			task := e.task
			q.terminalLocked(ctx, e, cause)
			q.mu.Unlock()
			return task, exhausted(cause)
		}
		e.task.NextEligible = q.now().Add(q.delay(e.task.Attempts))
		task := e.task
		if err := q.store.Put(ctx, task); err != nil {
			q.logger.Warn("retry: persist merged task", "task", task.ID, "err", err)
		}
		q.mu.Unlock()
		q.logger.Info("retry: merged duplicate failure", "task", task.ID, "attempts", task.Attempts, "next", task.NextEligible)
		q.signal()
		return task, nil
	}

	now := q.now()
	task := Task{
		ID:           uuid.NewString(),
		Fingerprint:  fp,
		Attempts:     1,
		NextEligible: now.Add(q.delay(1)),
		LastError:    msg,
		PayloadRef:   fp,
		CreatedAt:    now,
	}
	if task.Attempts >= q.maxAttempts {
		q.mu.Unlock()
		q.metrics.RecordRetryTerminal(ctx, "exhausted")
		return task, exhausted(cause)
	}
	if err := q.store.PutPayload(ctx, task.PayloadRef, p); err != nil {
		q.mu.Unlock()
		return Task{}, fmt.Errorf("retry: enqueue: %w", err)
	}
	if err := q.store.Put(ctx, task); err != nil {
		_ = q.store.DeletePayload(ctx, task.PayloadRef)
		q.mu.Unlock()
		return Task{}, fmt.Errorf("retry: enqueue: %w", err)
	}
	e = &entry{task: task, payload: p}
	if waiter != nil {
		e.waiters = append(e.waiters, waiter)
	}
	q.entries[fp] = e
	q.mu.Unlock()

	q.metrics.AddRetryPending(ctx, 1)
	q.logger.Info("retry: task enqueued", "task", task.ID, "audio", p.Duration(), "next", task.NextEligible, "cause", msg)
	q.signal()
	return task, nil
}

// Wait blocks until the task with fingerprint fp resolves or ctx is done. It
// returns [ErrNotFound] when no such task is pending.
func (q *Queue) Wait(ctx context.Context, fp string) (Outcome, error) {
	q.mu.Lock()
	e, ok := q.entries[fp]
	if !ok {
		q.mu.Unlock()
		return Outcome{}, ErrNotFound
	}
	ch := make(chan result, 1)
	e.waiters = append(e.waiters, ch)
	q.mu.Unlock()
	return await(ctx, ch)
}

func await(ctx context.Context, ch <-chan result) (Outcome, error) {
	select {
	case r := <-ch:
		return r.outcome, r.err
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// ScheduleNext returns the earliest pending task that is eligible at now and
// not currently being attempted. Ties are broken by creation time.
func (q *Queue) ScheduleNext(now time.Time) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e := q.nextLocked(now)
	if e == nil {
		return Task{}, false
	}
	return e.task, true
}

func (q *Queue) nextLocked(now time.Time) *entry {
	var best *entry
	for _, e := range q.entries {
		if e.inflight || e.task.NextEligible.After(now) {
			continue
		}
		if best == nil || earlier(e.task, best.task) {
			best = e
		}
	}
	return best
}

func earlier(a, b Task) bool {
	if !a.NextEligible.Equal(b.NextEligible) {
		return a.NextEligible.Before(b.NextEligible)
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// untilNext returns how long to sleep until the earliest idle task becomes
// eligible, and false when there is nothing to wait for.
func (q *Queue) untilNext() (time.Duration, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var (
		next  time.Time
		found bool
	)
	for _, e := range q.entries {
		if e.inflight {
			continue
		}
		if !found || e.task.NextEligible.Before(next) {
			next, found = e.task.NextEligible, true
		}
	}
	if !found {
		return 0, false
	}
	return max(next.Sub(q.now()), 0), true
}

// Run is the scheduler loop. It attempts due tasks one at a time and sleeps on
// a timer until the next one is due or a new task is enqueued. Run returns
// ctx.Err() when ctx is cancelled.
func (q *Queue) Run(ctx context.Context) error {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e := q.claim(); e != nil {
			q.attempt(ctx, e)
			continue
		}

		var tc <-chan time.Time
		if d, ok := q.untilNext(); ok {
			timer.Reset(d)
			tc = timer.C
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.wake:
		case <-tc:
		}
		timer.Stop()
	}
}

func (q *Queue) claim() *entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	e := q.nextLocked(q.now())
	if e != nil {
		e.inflight = true
	}
	return e
}

func (q *Queue) attempt(ctx context.Context, e *entry) {
	q.mu.Lock()
	task, payload := e.task, e.payload
	q.mu.Unlock()

	log := q.logger.With("task", task.ID, "attempt", task.Attempts+1)
	log.Debug("retry: attempting task")
	text, err := q.handler(ctx, payload)

	switch {
	case err == nil:
		q.metrics.RecordRetryAttempt(ctx, "success")
		q.OnSuccess(ctx, task.Fingerprint, text)
	case ctx.Err() != nil:
		q.mu.Lock()
		e.inflight = false
		q.mu.Unlock()
	case q.retryable(err):
		q.metrics.RecordRetryAttempt(ctx, "failure")
		log.Warn("retry: attempt failed", "err", err)
		q.fail(ctx, e, err)
	default:
		q.metrics.RecordRetryAttempt(ctx, "failure")
		q.OnTerminalFailure(ctx, task.Fingerprint, err)
	}
}

// fail records a retryable failure of an attempted task.
func (q *Queue) fail(ctx context.Context, e *entry, cause error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e.inflight = false
	if q.entries[e.task.Fingerprint] != e {
		return
	}
	e.task.Attempts++
	e.task.LastError = errString(cause)
	if e.task.Attempts >= q.maxAttempts {
		q.terminalLocked(ctx, e, cause)
		return
	}
	e.task.NextEligible = q.now().Add(q.delay(e.task.Attempts))
	if err := q.store.Put(ctx, e.task); err != nil {
		q.logger.Warn("retry: persist task", "task", e.task.ID, "err", err)
	}
}

// OnSuccess resolves the task with fingerprint fp, delivering text to its
// waiters and deleting its record and payload. It reports whether the task
// was pending.
func (q *Queue) OnSuccess(ctx context.Context, fp, text string) bool {
	q.mu.Lock()
	e, ok := q.entries[fp]
	if !ok {
		q.mu.Unlock()
		return false
	}
	delete(q.entries, fp)
	if err := q.store.Delete(ctx, fp); err != nil {
		q.logger.Warn("retry: delete resolved task", "task", e.task.ID, "err", err)
	}
	waiters := len(e.waiters)
	e.notify(result{outcome: Outcome{Text: text, Attempts: e.task.Attempts}})
	q.mu.Unlock()

	q.metrics.AddRetryPending(ctx, -1)
	if waiters == 0 {
		q.logger.Info("retry: task resolved without waiter", "task", e.task.ID, "chars", len(text))
	} else {
		q.logger.Info("retry: task resolved", "task", e.task.ID, "attempts", e.task.Attempts)
	}
	return true
}

// OnTerminalFailure fails the task with fingerprint fp for good. Waiters
// receive an error wrapping [ErrExhausted] and cause. It reports whether the
// task was pending; a task is only ever reported once.
func (q *Queue) OnTerminalFailure(ctx context.Context, fp string, cause error) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[fp]
	if !ok {
		return false
	}
	q.terminalLocked(ctx, e, cause)
	return true
}

// terminalLocked removes e and notifies its waiters. Caller must hold q.mu.
func (q *Queue) terminalLocked(ctx context.Context, e *entry, cause error) {
	delete(q.entries, e.task.Fingerprint)
	if err := q.store.Delete(ctx, e.task.Fingerprint); err != nil {
		q.logger.Warn("retry: delete failed task", "task", e.task.ID, "err", err)
	}
	e.notify(result{err: exhausted(cause)})

	reason := "exhausted"
	if cause != nil && !q.retryable(cause) {
		reason = "fatal"
	}
	q.metrics.RecordRetryTerminal(ctx, reason)
	q.metrics.AddRetryPending(ctx, -1)
	q.logger.Error("retry: task failed terminally", "task", e.task.ID, "attempts", e.task.Attempts, "reason", reason, "err", cause)
}

// Restore loads pending tasks from the store. Records whose payload is
// missing are purged, and payloads without a record are deleted. It returns
// the number of tasks restored.
func (q *Queue) Restore(ctx context.Context) (int, error) {
	tasks, err := q.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("retry: restore: %w", err)
	}
	refs, err := q.store.ListPayloads(ctx)
	if err != nil {
		return 0, fmt.Errorf("retry: restore: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	referenced := make(map[string]bool, len(tasks))
	restored := 0
	for _, t := range tasks {
		p, err := q.store.GetPayload(ctx, t.PayloadRef)
		if errors.Is(err, ErrNotFound) {
			q.logger.Warn("retry: purging task without payload", "task", t.ID)
			if err := q.store.Delete(ctx, t.Fingerprint); err != nil {
				return restored, fmt.Errorf("retry: restore: %w", err)
			}
			continue
		}
		if err != nil {
			return restored, fmt.Errorf("retry: restore: %w", err)
		}
		referenced[t.PayloadRef] = true
		if _, ok := q.entries[t.Fingerprint]; ok {
			continue
		}
		q.entries[t.Fingerprint] = &entry{task: t, payload: p}
		restored++
	}
	for _, ref := range refs {
		if referenced[ref] {
			continue
		}
		q.logger.Warn("retry: deleting orphaned payload", "ref", ref)
		if err := q.store.DeletePayload(ctx, ref); err != nil {
			return restored, fmt.Errorf("retry: restore: %w", err)
		}
	}

	if restored > 0 {
		q.metrics.AddRetryPending(ctx, restored)
		q.logger.Info("retry: restored pending tasks", "count", restored)
		q.signal()
	}
	return restored, nil
}

// Status returns a snapshot of the pending tasks ordered by next eligible
// time.
func (q *Queue) Status() Summary {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := Summary{Pending: len(q.entries), Tasks: make([]Task, 0, len(q.entries))}
	for _, e := range q.entries {
		if e.inflight {
			s.InFlight++
		}
		s.Tasks = append(s.Tasks, e.task)
		if s.Oldest.IsZero() || e.task.CreatedAt.Before(s.Oldest) {
			s.Oldest = e.task.CreatedAt
		}
	}
	slices.SortFunc(s.Tasks, func(a, b Task) int {
		if earlier(a, b) {
			return -1
		}
		if earlier(b, a) {
			return 1
		}
		return 0
	})
	if len(s.Tasks) > 0 {
		s.NextEligible = s.Tasks[0].NextEligible
	}
	return s
}

// Cancel drops every pending task. Waiters receive [ErrCancelled]. A task
// already being attempted finishes its attempt and is then discarded. It
// returns the number of tasks removed.
func (q *Queue) Cancel(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var errs []error
	n := len(q.entries)
	for fp, e := range q.entries {
		if err := q.store.Delete(ctx, fp); err != nil {
			errs = append(errs, err)
		}
		e.notify(result{err: ErrCancelled})
		delete(q.entries, fp)
	}
	if n > 0 {
		q.metrics.AddRetryPending(ctx, -n)
		q.logger.Info("retry: cancelled pending tasks", "count", n)
	}
	return n, errors.Join(errs...)
}

// Ping reports whether the backing store is reachable.
func (q *Queue) Ping(ctx context.Context) error {
	return q.store.Ping(ctx)
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func exhausted(cause error) error {
	if cause == nil {
		return ErrExhausted
	}
	return fmt.Errorf("%w: %w", ErrExhausted, cause)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
