package playback

import (
	"math"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/orchestrion/internal/app/status"
	"github.com/osa030/orchestrion/internal/app/watchdog"
	"github.com/osa030/orchestrion/internal/domain/queue"
)

// Errors
var (
	ErrNotSeekable      = errors.New("resource is not seekable")
	ErrResourceCreation = errors.New("resource creation failed")
	ErrLoadTimeout      = errors.New("resource load timed out")
)

// DefaultLoadTimeout bounds how long a resource may take to load.
const DefaultLoadTimeout = 15 * time.Second

// Config holds manager configuration.
type Config struct {
	Watchdog    watchdog.Config
	LoadTimeout time.Duration // Session fails if not loaded within this; 0 = DefaultLoadTimeout
}

// Deps holds the collaborators of a Manager.
type Deps struct {
	Factory   Factory
	Graph     Connector
	Scheduler watchdog.Scheduler
	// Dispatch routes callbacks back into the owner's serialized section,
	// where the owner calls HandleCallback.
	Dispatch Sink
	Emit     status.Emitter
	Now      func() time.Time
}

// Manager owns the live playback session and guarantees at most one exists.
// It is not safe for concurrent use: the owner serializes every call.
type Manager struct {
	config Config
	deps   Deps

	current *Session
	lastGen Generation
	playing bool
}

// NewManager creates a new lifecycle manager.
func NewManager(config Config, deps Deps) *Manager {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Emit == nil {
		deps.Emit = func(status.Event) {}
	}
	if deps.Scheduler == nil {
		deps.Scheduler = watchdog.WallClock{}
	}
	if config.LoadTimeout <= 0 {
		config.LoadTimeout = DefaultLoadTimeout
	}
	return &Manager{
		config: config,
		deps:   deps,
	}
}

// Current returns a snapshot of the live session.
func (m *Manager) Current() (Session, bool) {
	if m.current == nil {
		return Session{}, false
	}
	return *m.current, true
}

// IsPlaying returns the last playing state reported outward.
func (m *Manager) IsPlaying() bool {
	return m.playing
}

// SetActiveItem replaces the live session with one for item.
// A nil item retires the live session and reports that nothing is playing.
func (m *Manager) SetActiveItem(item *queue.Item) error {
	if item == nil {
		m.retire("item cleared")
		m.playing = false
		m.deps.Emit(status.IsPlayingChanged("", false))
		m.deps.Emit(status.Progress("", 0))
		return nil
	}

	if err := item.Validate(); err != nil {
		return err
	}

	now := m.deps.Now()
	var prevID string
	if m.current != nil {
		prevID = m.current.Item.ID
	}
	m.retire("superseded")
	// The new item reports playing only once it has loaded.
	m.setPlaying(prevID, false)

	m.lastGen++
	gen := m.lastGen

	res, err := m.deps.Factory.Open(*item, gen, m.deps.Dispatch)
	if err != nil {
		zlog.Error().Err(err).Msgf("playback: failed to create resource: item=%s gen=%d", item.ID, gen)
		m.setPlaying(item.ID, false)
		m.deps.Emit(status.PlaybackFailed(item.ID, err.Error()))
		return errors.Mark(errors.Wrapf(err, "item %s", item.ID), ErrResourceCreation)
	}

	s := &Session{
		Item:       *item,
		Generation: gen,
		CreatedAt:  now,
		resource:   res,
	}
	s.watchdog = watchdog.New(m.config.Watchdog, m.deps.Scheduler, func(seq uint64) {
		m.deps.Dispatch(Callback{Generation: gen, Kind: CallbackStallTimeout, Timer: seq})
	})
	s.cancelLoad = m.deps.Scheduler.AfterFunc(m.config.LoadTimeout, func() {
		m.deps.Dispatch(Callback{Generation: gen, Kind: CallbackLoadTimeout})
	})

	m.deps.Graph.Connect(res.Streamer())
	res.Play()
	m.current = s

	zlog.Info().Msgf("playback: session created: item=%s gen=%d locator=%s", item.ID, gen, item.Locator)
	return nil
}

// Play resumes the live session. No-op without a live, loaded session.
func (m *Manager) Play() error {
	s := m.loaded()
	if s == nil {
		return nil
	}

	if s.Ended {
		if err := s.resource.Seek(0); err != nil {
			return errors.Wrap(err, "failed to rewind ended session")
		}
		s.Position = 0
		s.Ended = false
		m.deps.Emit(status.Progress(s.Item.ID, 0))
	}

	s.resource.Play()
	s.Paused = false
	s.watchdog.Start()
	m.setPlaying(s.Item.ID, true)
	return nil
}

// Pause pauses the live session. No-op without a live, loaded session.
func (m *Manager) Pause() error {
	s := m.loaded()
	if s == nil {
		return nil
	}

	s.resource.Pause()
	s.Paused = true
	s.watchdog.Stop()
	m.setPlaying(s.Item.ID, false)
	return nil
}

// Seek moves the live session to fraction of its duration.
// The paused/playing state is left unchanged.
func (m *Manager) Seek(fraction float64) error {
	s := m.loaded()
	if s == nil {
		return nil
	}
	if !s.DurationKnown {
		return errors.Wrapf(ErrNotSeekable, "item %s: duration unknown", s.Item.ID)
	}

	if fraction < 0 || math.IsNaN(fraction) {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}

	pos := time.Duration(fraction * float64(s.Duration))
	if err := s.resource.Seek(pos); err != nil {
		return errors.Wrapf(err, "item %s: seek to %v", s.Item.ID, pos)
	}
	s.Position = pos
	if s.Ended && pos < s.Duration {
		s.Ended = false
	}
	if !s.Paused && !s.Ended {
		s.watchdog.Start()
	}

	m.deps.Emit(status.Progress(s.Item.ID, fraction))
	return nil
}

// Unstall runs the recovery action on the live session immediately.
// No-op without a live, loaded session or once the item has ended.
func (m *Manager) Unstall() error {
	s := m.loaded()
	if s == nil || s.Ended {
		return nil
	}

	err := s.watchdog.Unstall(target{s: s})
	m.setPlaying(s.Item.ID, true)
	return err
}

// HandleCallback applies an asynchronous completion. Callbacks from any
// generation other than the live session's are discarded.
func (m *Manager) HandleCallback(cb Callback, repeat bool) {
	s := m.current
	if s == nil || cb.Generation != s.Generation {
		zlog.Debug().Msgf("playback: discarding stale callback: kind=%s gen=%d", cb.Kind, cb.Generation)
		return
	}

	switch cb.Kind {
	case CallbackLoaded:
		m.onLoaded(s, cb)
	case CallbackFailed:
		m.fail(s, cb.Err)
	case CallbackStalled:
		if s.Loaded && !s.Paused && !s.Ended {
			zlog.Warn().Msgf("playback: resource stalled: item=%s position=%v", s.Item.ID, s.resource.Position())
			s.watchdog.Stalled()
		}
	case CallbackProgress:
		m.onProgress(s, cb.Position)
	case CallbackDurationKnown:
		s.Duration = cb.Duration
		s.DurationKnown = true
	case CallbackEnded:
		m.onEnded(s, repeat)
	case CallbackStallTimeout:
		if err := s.watchdog.Fire(cb.Timer, target{s: s}); err != nil {
			m.fail(s, err)
		}
	case CallbackLoadTimeout:
		if !s.Loaded {
			m.fail(s, errors.Wrapf(ErrLoadTimeout, "item %s: not loaded after %v", s.Item.ID, m.config.LoadTimeout))
		}
	}
}

// Close retires the live session.
func (m *Manager) Close() {
	m.retire("closing")
}

func (m *Manager) onLoaded(s *Session, cb Callback) {
	if s.Loaded {
		return
	}
	s.Loaded = true
	s.stopLoadDeadline()
	s.Duration = cb.Duration
	s.DurationKnown = cb.DurationKnown

	zlog.Info().Msgf("playback: resource loaded: item=%s duration=%v known=%v", s.Item.ID, s.Duration, s.DurationKnown)

	if off := s.Item.StartOffset; off > 0 && s.DurationKnown {
		if off > s.Duration {
			off = s.Duration
		}
		if err := s.resource.Seek(off); err != nil {
			zlog.Warn().Err(err).Msgf("playback: failed to apply start offset: item=%s", s.Item.ID)
		} else {
			s.Position = off
		}
	}

	if s.Paused {
		return
	}
	s.watchdog.Start()
	m.setPlaying(s.Item.ID, true)
}

func (m *Manager) onProgress(s *Session, pos time.Duration) {
	if s.Ended {
		return
	}
	s.Position = pos
	s.watchdog.Progress()
	if f, ok := s.Progress(); ok {
		m.deps.Emit(status.Progress(s.Item.ID, f))
	}
}

func (m *Manager) onEnded(s *Session, repeat bool) {
	if s.Ended {
		return
	}
	if s.DurationKnown {
		s.Position = s.Duration
	}

	restarted, err := s.watchdog.Ended(repeat, target{s: s})
	if err != nil {
		m.fail(s, err)
		return
	}
	if restarted {
		zlog.Info().Msgf("playback: repeating item: item=%s", s.Item.ID)
		s.Position = 0
		m.deps.Emit(status.Progress(s.Item.ID, 0))
		return
	}

	s.Ended = true
	s.Paused = true
	s.resource.Pause()
	zlog.Info().Msgf("playback: item ended: item=%s", s.Item.ID)
	m.setPlaying(s.Item.ID, false)
	m.deps.Emit(status.PlaybackEnded(s.Item.ID))
}

// fail retires s and reports the failure.
func (m *Manager) fail(s *Session, err error) {
	reason := "unknown error"
	if err != nil {
		reason = err.Error()
	}
	zlog.Error().Msgf("playback: session failed: item=%s gen=%d reason=%s", s.Item.ID, s.Generation, reason)

	itemID := s.Item.ID
	m.retire("failed")
	m.setPlaying(itemID, false)
	m.deps.Emit(status.PlaybackFailed(itemID, reason))
}

// retire stops and releases the live session, if any.
func (m *Manager) retire(why string) {
	s := m.current
	if s == nil {
		return
	}
	m.current = nil

	s.stopLoadDeadline()
	s.watchdog.Close()
	m.deps.Graph.Disconnect()
	s.resource.Pause()
	if err := s.resource.Close(); err != nil {
		zlog.Warn().Err(err).Msgf("playback: failed to close resource: item=%s gen=%d", s.Item.ID, s.Generation)
	}
	zlog.Debug().Msgf("playback: session retired (%s): item=%s gen=%d", why, s.Item.ID, s.Generation)
}

func (m *Manager) loaded() *Session {
	if m.current == nil || !m.current.Loaded {
		return nil
	}
	return m.current
}

func (m *Manager) setPlaying(itemID string, playing bool) {
	if m.playing == playing {
		return
	}
	m.playing = playing
	m.deps.Emit(status.IsPlayingChanged(itemID, playing))
}
