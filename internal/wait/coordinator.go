// Package wait owns every suspension of a run: delays, predicate waits and
// trigger waits. Each pending wait is a registration keyed by run id that
// is removed when the wait returns, so cancelling a run never leaks timers
// or listeners.
package wait

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/scriptd/pkg/schema"
)

// Outcome describes how a wait ended.
type Outcome string

const (
	Completed Outcome = "completed"
	TimedOut  Outcome = "timeout"
	Cancelled Outcome = "cancelled"
)

// Result is returned by every Await call.
type Result struct {
	Outcome Outcome
	// Remaining is the unused part of the timeout. Nil when the wait had no
	// timeout; zero on timeout.
	Remaining *time.Duration
	// Trigger is the trigger variable of the trigger that completed the wait.
	Trigger map[string]any
}

// RemainingSeconds returns Remaining in seconds, or nil.
func (r Result) RemainingSeconds() any {
	if r.Remaining == nil {
		return nil
	}
	return r.Remaining.Seconds()
}

// Predicate is re-evaluated on every state change until it reports true.
type Predicate func(ctx context.Context) (bool, error)

// Notifier delivers a value on the returned channel whenever observable
// state changes.
type Notifier interface {
	Changes(ctx context.Context) (<-chan struct{}, func(), error)
}

// Attacher attaches a trigger spec. onFire may be called from any goroutine.
type Attacher interface {
	Attach(ctx context.Context, spec schema.TriggerSpec, vars map[string]any, onFire func(trigger map[string]any)) (func(), error)
}

// Coordinator implements delay, predicate and trigger waits.
type Coordinator struct {
	changes  Notifier
	attacher Attacher
	logger   *slog.Logger

	mu      sync.Mutex
	seq     uint64
	pending map[string]map[uint64]context.CancelFunc
}

// NewCoordinator creates a Coordinator. changes and attacher may be nil;
// predicate waits then only complete when already satisfied and trigger
// waits fail to attach.
func NewCoordinator(changes Notifier, attacher Attacher, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		changes:  changes,
		attacher: attacher,
		logger:   logger,
		pending:  make(map[string]map[uint64]context.CancelFunc),
	}
}

// register derives a cancellable context for one wait of runID. The
// returned release must be called when the wait returns.
func (c *Coordinator) register(ctx context.Context, runID string) (context.Context, func()) {
	wctx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.seq++
	id := c.seq
	if c.pending[runID] == nil {
		c.pending[runID] = make(map[uint64]context.CancelFunc)
	}
	c.pending[runID][id] = cancel
	c.mu.Unlock()

	return wctx, func() {
		c.mu.Lock()
		delete(c.pending[runID], id)
		if len(c.pending[runID]) == 0 {
			delete(c.pending, runID)
		}
		c.mu.Unlock()
		cancel()
	}
}

// CancelRun cancels every pending wait of runID and returns how many were
// released. Safe to call repeatedly.
func (c *Coordinator) CancelRun(runID string) int {
	c.mu.Lock()
	waits := c.pending[runID]
	delete(c.pending, runID)
	c.mu.Unlock()

	for _, cancel := range waits {
		cancel()
	}
	return len(waits)
}

// Pending returns the number of live registrations of runID.
func (c *Coordinator) Pending(runID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending[runID])
}

// AwaitDelay suspends for d.
func (c *Coordinator) AwaitDelay(ctx context.Context, runID string, d time.Duration) Result {
	ctx, release := c.register(ctx, runID)
	defer release()

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return Result{Outcome: Completed}
	case <-ctx.Done():
		return Result{Outcome: Cancelled}
	}
}

// AwaitPredicate suspends until pred reports true, the optional timeout
// elapses or ctx is done. Predicate errors are logged and count as false.
func (c *Coordinator) AwaitPredicate(ctx context.Context, runID string, pred Predicate, timeout *time.Duration) Result {
	if c.check(ctx, pred) {
		return Result{Outcome: Completed, Remaining: copyDuration(timeout)}
	}
	if timeout != nil && *timeout <= 0 {
		return timedOut()
	}

	ctx, release := c.register(ctx, runID)
	defer release()

	var changes <-chan struct{}
	if c.changes != nil {
		ch, stop, err := c.changes.Changes(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return Result{Outcome: Cancelled}
			}
			c.logger.WarnContext(ctx, "state change subscription failed", slog.String("error", err.Error()))
		} else {
			defer stop()
			changes = ch
			// The state may have changed between the first check and the
			// subscription.
			if c.check(ctx, pred) {
				return Result{Outcome: Completed, Remaining: copyDuration(timeout)}
			}
		}
	}

	deadline, expired := c.deadline(timeout)
	defer stopTimer(expired)

	for {
		select {
		case <-changes:
			if c.check(ctx, pred) {
				return Result{Outcome: Completed, Remaining: remaining(deadline)}
			}
		case <-timerC(expired):
			return timedOut()
		case <-ctx.Done():
			return Result{Outcome: Cancelled}
		}
	}
}

// AwaitTrigger suspends until any of specs fires, the optional timeout
// elapses or ctx is done. Attach failures are returned as errors with code
// TRIGGER_ATTACH_ERROR.
func (c *Coordinator) AwaitTrigger(ctx context.Context, runID string, specs []schema.TriggerSpec, vars map[string]any, timeout *time.Duration) (Result, error) {
	if timeout != nil && *timeout <= 0 {
		return timedOut(), nil
	}
	if c.attacher == nil {
		return Result{}, schema.NewError(schema.ErrCodeAttach, "no trigger attacher configured")
	}

	ctx, release := c.register(ctx, runID)
	defer release()

	fired := make(chan map[string]any, 1)
	onFire := func(trigger map[string]any) {
		select {
		case fired <- trigger:
		default:
			// first trigger wins
		}
	}

	detaches := make([]func(), 0, len(specs))
	defer func() {
		for _, detach := range detaches {
			detach()
		}
	}()
	for _, spec := range specs {
		detach, err := c.attacher.Attach(ctx, spec, vars, onFire)
		if err != nil {
			var se *schema.ScriptError
			if !errors.As(err, &se) {
				err = schema.NewError(schema.ErrCodeAttach, "attach trigger").WithCause(err)
			}
			return Result{}, err
		}
		detaches = append(detaches, detach)
	}

	deadline, expired := c.deadline(timeout)
	defer stopTimer(expired)

	select {
	case trigger := <-fired:
		return Result{Outcome: Completed, Remaining: remaining(deadline), Trigger: trigger}, nil
	case <-timerC(expired):
		return timedOut(), nil
	case <-ctx.Done():
		return Result{Outcome: Cancelled}, nil
	}
}

func (c *Coordinator) check(ctx context.Context, pred Predicate) bool {
	ok, err := pred(ctx)
	if err != nil {
		c.logger.WarnContext(ctx, "wait predicate failed", slog.String("error", err.Error()))
		return false
	}
	return ok
}

func (c *Coordinator) deadline(timeout *time.Duration) (*time.Time, *time.Timer) {
	if timeout == nil {
		return nil, nil
	}
	d := time.Now().Add(*timeout)
	return &d, time.NewTimer(*timeout)
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

func remaining(deadline *time.Time) *time.Duration {
	if deadline == nil {
		return nil
	}
	d := max(time.Until(*deadline), 0)
	return &d
}

func copyDuration(d *time.Duration) *time.Duration {
	if d == nil {
		return nil
	}
	v := *d
	return &v
}

func timedOut() Result {
	var zero time.Duration
	return Result{Outcome: TimedOut, Remaining: &zero}
}
