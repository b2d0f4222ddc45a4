// Package orchestrion provides the engine that turns playback intents into
// sequenced operations on the gain graph and the live playback session.
package orchestrion

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gopxl/beep/v2"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/orchestrion/internal/app/gain"
	"github.com/osa030/orchestrion/internal/app/playback"
	"github.com/osa030/orchestrion/internal/app/status"
	"github.com/osa030/orchestrion/internal/app/watchdog"
	"github.com/osa030/orchestrion/internal/domain/queue"
)

// ErrClosed is returned for intents received after Close.
var ErrClosed = errors.New("engine closed")

// Config holds engine configuration.
type Config struct {
	Playback    playback.Config
	EventBuffer int                   // Capacity of the outbound event channel
	Gains       map[gain.Knob]float64 // Initial raw knob values
}

// Deps holds the collaborators of an Engine.
type Deps struct {
	Factory    playback.Factory
	Scheduler  watchdog.Scheduler
	SampleRate beep.SampleRate // Output device rate the graph renders at
	Now        func() time.Time
}

// Status is a snapshot of the engine state.
type Status struct {
	ItemID        string
	Phase         playback.Phase
	Playing       bool
	Position      time.Duration
	Duration      time.Duration
	DurationKnown bool
	Progress      float64
	Repeat        bool
	Watchdog      watchdog.State
	Gains         []gain.Node
}

// Engine is the single writer of all playback state.
// Intents and asynchronous callbacks are serialized through one mutex.
type Engine struct {
	mu sync.Mutex

	graph   *gain.Graph
	manager *playback.Manager
	repeat  bool
	closed  bool

	eventCh chan status.Event

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new engine.
func New(config Config, deps Deps) (*Engine, error) {
	if deps.Factory == nil {
		return nil, errors.New("resource factory is required")
	}
	if deps.SampleRate <= 0 {
		return nil, errors.Newf("invalid sample rate %d", deps.SampleRate)
	}
	if config.EventBuffer <= 0 {
		config.EventBuffer = 128
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		graph:   gain.NewGraph(deps.SampleRate),
		eventCh: make(chan status.Event, config.EventBuffer),
		ctx:     ctx,
		cancel:  cancel,
	}

	for _, k := range gain.Knobs {
		raw, ok := config.Gains[k]
		if !ok {
			continue
		}
		if err := e.graph.SetGain(k, raw); err != nil {
			cancel()
			return nil, errors.Wrapf(err, "initial gain %s", k)
		}
	}

	e.manager = playback.NewManager(config.Playback, playback.Deps{
		Factory:   deps.Factory,
		Graph:     e.graph,
		Scheduler: deps.Scheduler,
		Dispatch:  e.Dispatch,
		Emit:      e.sendEventLocked,
		Now:       deps.Now,
	})
	return e, nil
}

// Events returns the outbound event channel. It is closed by Close.
func (e *Engine) Events() <-chan status.Event {
	return e.eventCh
}

// Streamer returns the gain graph output to be played on the output device.
func (e *Engine) Streamer() beep.Streamer {
	return e.graph
}

// ItemChanged makes item the active item. A nil item stops playback.
func (e *Engine) ItemChanged(item *queue.Item) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}
	if item != nil {
		zlog.Info().Msgf("engine: item changed: id=%s", item.ID)
	} else {
		zlog.Info().Msg("engine: item cleared")
	}
	return e.manager.SetActiveItem(item)
}

// AdjustGain sets the raw value of the named knob.
func (e *Engine) AdjustGain(knob string, value float64) error {
	k, err := gain.ParseKnob(knob)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}
	if err := e.graph.SetGain(k, value); err != nil {
		return err
	}
	zlog.Debug().Msgf("engine: gain adjusted: knob=%s raw=%.3f", k, value)
	return nil
}

// Play resumes the live session.
func (e *Engine) Play() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}
	return e.manager.Play()
}

// Pause pauses the live session.
func (e *Engine) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}
	return e.manager.Pause()
}

// Seek moves the live session to fraction of its duration.
func (e *Engine) Seek(fraction float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}
	return e.manager.Seek(fraction)
}

// SetRepeat sets the repeat flag consulted when the item ends.
func (e *Engine) SetRepeat(repeat bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.repeat != repeat {
		zlog.Info().Msgf("engine: repeat=%v", repeat)
	}
	e.repeat = repeat
}

// Unstall forces the recovery action on the live session.
func (e *Engine) Unstall() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}
	zlog.Info().Msg("engine: unstall requested")
	return e.manager.Unstall()
}

// ForwardMediaKey passes a media key to the queue owner unchanged.
func (e *Engine) ForwardMediaKey(key string) {
	e.Forward(status.MediaKey(key))
}

// Forward sends a peer event to the outbound channel.
func (e *Engine) Forward(ev status.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}
	e.sendEventLocked(ev)
}

// Dispatch applies a resource or timer callback. Safe to call from any goroutine.
func (e *Engine) Dispatch(cb playback.Callback) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}
	e.manager.HandleCallback(cb, e.repeat)
}

// Status returns a snapshot of the engine state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := Status{
		Phase:    playback.PhaseIdle,
		Playing:  e.manager.IsPlaying(),
		Repeat:   e.repeat,
		Watchdog: watchdog.StateIdle,
		Gains:    e.graph.Nodes(),
	}
	s, ok := e.manager.Current()
	if !ok {
		return st
	}
	st.ItemID = s.Item.ID
	st.Phase = s.Phase()
	st.Position = s.Position
	st.Duration = s.Duration
	st.DurationKnown = s.DurationKnown
	st.Progress, _ = s.Progress()
	st.Watchdog = s.WatchdogState()
	return st
}

// Close retires the live session and closes the event channel.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}
	e.closed = true
	e.manager.Close()
	e.cancel()
	close(e.eventCh)
}

// sendEventLocked sends an event without blocking.
// Must be called with lock held.
func (e *Engine) sendEventLocked(ev status.Event) {
	select {
	case e.eventCh <- ev:
	case <-e.ctx.Done():
	default:
		zlog.Warn().Msgf("engine: event channel full, dropping %s", ev.Type)
	}
}
