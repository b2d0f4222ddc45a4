// Package watchdog detects playback stalls and drives bounded recovery.
package watchdog

import (
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"
)

var (
	// ErrStallTimeout marks a stall timer expiry. It never reaches the user.
	ErrStallTimeout = errors.New("stall timeout")
	// ErrRecoveryExhausted is returned when recovery keeps failing to restore progress.
	ErrRecoveryExhausted = errors.New("recovery exhausted")
)

// State represents the watchdog state of one session.
type State int

const (
	StateIdle       State = iota // Not playing (loading or paused); no timer armed
	StateRunning                 // Playing and making progress
	StateStalled                 // Resource reported an underrun
	StateRecovering              // Recovery action in progress
	StateEnded                   // Resource finished naturally
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStalled:
		return "stalled"
	case StateRecovering:
		return "recovering"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Config holds watchdog configuration.
type Config struct {
	StallTimeout  time.Duration // No progress for this long counts as a stall
	Nudge         time.Duration // Micro-seek distance used by recovery
	MaxRecoveries int           // Consecutive recoveries without progress before giving up
}

// DefaultConfig returns the default watchdog configuration.
func DefaultConfig() Config {
	return Config{
		StallTimeout:  4 * time.Second,
		Nudge:         250 * time.Millisecond,
		MaxRecoveries: 3,
	}
}

// Target is the playing resource as seen by the watchdog.
type Target interface {
	// Position returns the current playback position.
	Position() time.Duration
	// Duration returns the total duration and whether it is known.
	Duration() (time.Duration, bool)
	// Restart seeks to pos and resumes playback.
	Restart(pos time.Duration) error
}

// Watchdog is the stall state machine of a single session.
// It is not safe for concurrent use; the owner serializes all calls,
// including Fire, which the owner must route back from the scheduler callback.
type Watchdog struct {
	config    Config
	scheduler Scheduler
	onFire    func(seq uint64)

	state    State
	cancel   Cancel
	seq      uint64 // Sequence of the currently armed timer
	attempts int    // Recoveries since last forward progress
	closed   bool
}

// New creates a watchdog in StateIdle.
// onFire is invoked from the scheduler's goroutine with the sequence of the fired timer.
func New(config Config, scheduler Scheduler, onFire func(seq uint64)) *Watchdog {
	if scheduler == nil {
		scheduler = WallClock{}
	}
	return &Watchdog{
		config:    config,
		scheduler: scheduler,
		onFire:    onFire,
		state:     StateIdle,
	}
}

// State returns the current state.
func (w *Watchdog) State() State {
	return w.state
}

// Attempts returns the number of recoveries since the last forward progress.
func (w *Watchdog) Attempts() int {
	return w.attempts
}

// Start moves to StateRunning and arms the stall timer (playback began or resumed).
func (w *Watchdog) Start() {
	if w.closed {
		return
	}
	w.state = StateRunning
	w.arm()
}

// Stop disarms the timer and moves to StateIdle (playback paused).
func (w *Watchdog) Stop() {
	w.disarm()
	if w.state != StateEnded {
		w.state = StateIdle
	}
}

// Progress records forward progress. A stalled session returns to running.
func (w *Watchdog) Progress() {
	if w.closed || w.state == StateIdle || w.state == StateEnded {
		return
	}
	if w.state == StateStalled {
		zlog.Debug().Msg("watchdog: progress resumed")
	}
	w.state = StateRunning
	w.attempts = 0
	w.arm()
}

// Stalled records an underrun report. The armed timer keeps running.
func (w *Watchdog) Stalled() {
	if w.closed || w.state != StateRunning {
		return
	}
	w.state = StateStalled
	if w.cancel == nil {
		w.arm()
	}
}

// Fire handles expiry of the timer with the given sequence.
// Stale sequences are ignored. Returns ErrRecoveryExhausted when the bound is hit.
func (w *Watchdog) Fire(seq uint64, t Target) error {
	if w.closed || seq != w.seq || w.cancel == nil {
		return nil
	}
	w.cancel = nil
	if w.state == StateIdle || w.state == StateEnded {
		return nil
	}
	zlog.Info().Msgf("watchdog: no progress for %v (state=%s)", w.config.StallTimeout, w.state)
	return w.recover(t)
}

// Unstall runs the recovery action immediately regardless of state.
func (w *Watchdog) Unstall(t Target) error {
	if w.closed {
		return nil
	}
	w.disarm()
	w.attempts = 0
	return w.recover(t)
}

// Ended handles natural completion. With repeat the target restarts from
// zero and true is returned; otherwise the watchdog stays in StateEnded.
func (w *Watchdog) Ended(repeat bool, t Target) (bool, error) {
	if w.closed {
		return false, nil
	}
	w.disarm()
	w.state = StateEnded
	if !repeat {
		return false, nil
	}

	if err := t.Restart(0); err != nil {
		return false, errors.Wrap(err, "failed to restart for repeat")
	}
	w.attempts = 0
	w.state = StateRunning
	w.arm()
	return true, nil
}

// Close disarms the timer permanently. Further calls are no-ops.
func (w *Watchdog) Close() {
	w.disarm()
	w.closed = true
}

func (w *Watchdog) recover(t Target) error {
	w.attempts++
	if w.config.MaxRecoveries > 0 && w.attempts > w.config.MaxRecoveries {
		w.state = StateStalled
		return errors.Wrapf(ErrRecoveryExhausted, "%d recoveries without progress", w.attempts-1)
	}

	w.state = StateRecovering
	pos := t.Position()
	if d, ok := t.Duration(); ok {
		pos += w.config.Nudge
		if pos > d {
			pos = d
		}
	}

	zlog.Info().Msgf("watchdog: recovering at %v (attempt %d)", pos, w.attempts)
	if err := t.Restart(pos); err != nil {
		// A failed nudge counts as an attempt; the fresh timer retries it.
		zlog.Warn().Err(err).Msg("watchdog: recovery action failed")
	}

	w.state = StateRunning
	w.arm()
	return nil
}

func (w *Watchdog) arm() {
	w.disarm()
	w.seq++
	seq := w.seq
	w.cancel = w.scheduler.AfterFunc(w.config.StallTimeout, func() {
		if w.onFire != nil {
			w.onFire(seq)
		}
	})
}

func (w *Watchdog) disarm() {
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
}
