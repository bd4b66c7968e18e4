package emergency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shritish20/volguard-production/internal/observ"
	"github.com/shritish20/volguard-production/internal/safety"
)

// Action is what the executor is being asked to do to the book.
type Action string

const (
	// GlobalKillSwitch cancels all working orders then closes every
	// position. The full flatten.
	GlobalKillSwitch Action = "GLOBAL_KILL_SWITCH"
	// ReduceExposure cancels working orders and closes only the positions
	// the caller names.
	ReduceExposure Action = "REDUCE_EXPOSURE"
	// HaltOnly cancels working orders and leaves positions standing.
	HaltOnly Action = "HALT_ONLY"
)

// Unwinder is the execution collaborator surface the executor drives.
type Unwinder interface {
	CancelAllOrders(ctx context.Context) error
	ClosePositions(ctx context.Context, instruments []string) error // empty slice means all
	ConfirmFlat(ctx context.Context) (bool, error)
}

// ErrBusy is returned when an unwind is already in flight. The caller must
// not queue behind it; the running unwind owns the book.
var ErrBusy = errors.New("emergency action already in progress")

// Attempt is one entry in the bounded execution history.
type Attempt struct {
	Action     Action    `json:"action"`
	Try        int       `json:"try"`
	StartedAt  time.Time `json:"started_at"`
	DurationMs int64     `json:"duration_ms"`
	Err        string    `json:"err,omitempty"`
}

// Config bounds the retry behavior.
type Config struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// Executor runs emergency actions synchronously: Execute does not return
// until the unwind is confirmed or retries are exhausted. Exhaustion
// escalates the safety machine to SHUTDOWN because an emergency we cannot
// confirm is not a state we keep operating in.
type Executor struct {
	sem     chan struct{} // admission guard, held for the whole unwind
	cfg     Config
	unwind  Unwinder
	machine *safety.Machine

	histMu  sync.Mutex
	history []Attempt
}

const attemptHistoryCap = 200

func NewExecutor(cfg Config, unwind Unwinder, machine *safety.Machine) *Executor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 10 * time.Second
	}
	return &Executor{cfg: cfg, unwind: unwind, machine: machine, sem: make(chan struct{}, 1)}
}

// Execute performs the action. Exactly one unwind may run at a time; a
// second caller gets ErrBusy immediately rather than blocking.
func (e *Executor) Execute(ctx context.Context, action Action, instruments []string, reason string) error {
	select {
	case e.sem <- struct{}{}:
	default:
		return ErrBusy
	}
	defer func() { <-e.sem }()

	observ.Warn("emergency_started", map[string]any{
		"action": string(action), "reason": reason, "instruments": len(instruments),
	})

	var lastErr error
	for try := 1; try <= e.cfg.MaxAttempts; try++ {
		start := time.Now()
		err := e.attempt(ctx, action, instruments)
		e.record(Attempt{
			Action:     action,
			Try:        try,
			StartedAt:  start.UTC(),
			DurationMs: time.Since(start).Milliseconds(),
			Err:        errString(err),
		})

		if err == nil {
			observ.EmergencyAttemptsTotal.WithLabelValues(string(action), "ok").Inc()
			observ.Log("emergency_confirmed", map[string]any{"action": string(action), "tries": try})
			return nil
		}
		lastErr = err
		observ.EmergencyAttemptsTotal.WithLabelValues(string(action), "error").Inc()
		observ.Error("emergency_attempt_failed", err, map[string]any{
			"action": string(action), "try": try, "max": e.cfg.MaxAttempts,
		})

		if ctx.Err() != nil {
			break
		}
		if try < e.cfg.MaxAttempts {
			select {
			case <-time.After(e.backoff(try)):
			case <-ctx.Done():
			}
		}
	}

	e.machine.EscalateShutdown(fmt.Sprintf("%s unconfirmed after %d attempts: %v", action, e.cfg.MaxAttempts, lastErr))
	return fmt.Errorf("emergency %s unconfirmed after %d attempts: %w", action, e.cfg.MaxAttempts, lastErr)
}

// WaitIdle blocks until no unwind is in flight, or the context ends. The
// control loop calls this at every cycle boundary: a cycle must not start
// while an unwind owns the book.
func (e *Executor) WaitIdle(ctx context.Context) error {
	select {
	case e.sem <- struct{}{}:
		<-e.sem
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// attempt runs one full pass of the action including confirmation.
func (e *Executor) attempt(ctx context.Context, action Action, instruments []string) error {
	if err := e.unwind.CancelAllOrders(ctx); err != nil {
		return fmt.Errorf("cancel orders: %w", err)
	}

	switch action {
	case GlobalKillSwitch:
		if err := e.unwind.ClosePositions(ctx, nil); err != nil {
			return fmt.Errorf("close positions: %w", err)
		}
		flat, err := e.unwind.ConfirmFlat(ctx)
		if err != nil {
			return fmt.Errorf("confirm flat: %w", err)
		}
		if !flat {
			return errors.New("book not confirmed flat")
		}
	case ReduceExposure:
		if len(instruments) == 0 {
			return errors.New("reduce exposure requires instruments")
		}
		if err := e.unwind.ClosePositions(ctx, instruments); err != nil {
			return fmt.Errorf("close positions: %w", err)
		}
	case HaltOnly:
		// cancel already done; nothing to close
	default:
		return fmt.Errorf("unknown emergency action %q", action)
	}
	return nil
}

func (e *Executor) backoff(try int) time.Duration {
	d := e.cfg.BackoffBase << (try - 1)
	if d > e.cfg.BackoffMax {
		d = e.cfg.BackoffMax
	}
	return d
}

func (e *Executor) record(a Attempt) {
	e.histMu.Lock()
	defer e.histMu.Unlock()
	e.history = append(e.history, a)
	if len(e.history) > attemptHistoryCap {
		e.history = e.history[len(e.history)-attemptHistoryCap:]
	}
}

// History returns the recorded attempts, oldest first.
func (e *Executor) History() []Attempt {
	e.histMu.Lock()
	defer e.histMu.Unlock()
	out := make([]Attempt, len(e.history))
	copy(out, e.history)
	return out
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
