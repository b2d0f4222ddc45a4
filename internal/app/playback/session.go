package playback

import (
	"time"

	"github.com/osa030/orchestrion/internal/app/watchdog"
	"github.com/osa030/orchestrion/internal/domain/queue"
)

// Session binds exactly one queue item to one audio resource.
type Session struct {
	Item       queue.Item
	Generation Generation
	CreatedAt  time.Time

	Loaded        bool
	Duration      time.Duration
	DurationKnown bool
	Position      time.Duration
	Paused        bool
	Ended         bool

	resource   Resource
	watchdog   *watchdog.Watchdog
	cancelLoad watchdog.Cancel // Load deadline; nil once loaded
}

func (s *Session) stopLoadDeadline() {
	if s.cancelLoad != nil {
		s.cancelLoad()
		s.cancelLoad = nil
	}
}

// Phase returns the lifecycle phase of the session.
func (s *Session) Phase() Phase {
	switch {
	case !s.Loaded:
		return PhaseLoading
	case s.Ended:
		return PhaseEnded
	case s.Paused:
		return PhasePaused
	default:
		return PhasePlaying
	}
}

// Progress returns the position as a fraction of the duration.
// Returns false when the duration is unknown.
func (s *Session) Progress() (float64, bool) {
	if !s.DurationKnown || s.Duration <= 0 {
		return 0, false
	}
	f := float64(s.Position) / float64(s.Duration)
	if f < 0 {
		f = 0
	}
	if f > 1 {
		f = 1
	}
	return f, true
}

// WatchdogState returns the stall watchdog state of the session.
func (s *Session) WatchdogState() watchdog.State {
	if s.watchdog == nil {
		return watchdog.StateIdle
	}
	return s.watchdog.State()
}

// target adapts a session to watchdog.Target.
type target struct {
	s *Session
}

func (t target) Position() time.Duration {
	return t.s.resource.Position()
}

func (t target) Duration() (time.Duration, bool) {
	return t.s.Duration, t.s.DurationKnown
}

func (t target) Restart(pos time.Duration) error {
	err := t.s.resource.Seek(pos)
	if err == nil {
		t.s.Position = pos
	}
	t.s.resource.Play()
	t.s.Paused = false
	t.s.Ended = false
	return err
}
