package orchestrion

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osa030/orchestrion/internal/app/gain"
	"github.com/osa030/orchestrion/internal/app/playback"
	"github.com/osa030/orchestrion/internal/app/playback/playbacktest"
	"github.com/osa030/orchestrion/internal/app/status"
	"github.com/osa030/orchestrion/internal/app/watchdog"
	"github.com/osa030/orchestrion/internal/domain/queue"
)

func newTestEngine(t *testing.T) (*Engine, *playbacktest.Factory, *playbacktest.Scheduler) {
	t.Helper()
	factory := &playbacktest.Factory{}
	sched := &playbacktest.Scheduler{}
	e, err := New(Config{
		Playback: playback.Config{Watchdog: watchdog.DefaultConfig()},
	}, Deps{
		Factory:    factory,
		Scheduler:  sched,
		SampleRate: 44100,
	})
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e, factory, sched
}

// drain returns every event currently buffered.
func drain(e *Engine) []status.Event {
	var events []status.Event
	for {
		select {
		case ev, ok := <-e.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		default:
			return events
		}
	}
}

func ofType(events []status.Event, t status.EventType) []status.Event {
	var result []status.Event
	for _, e := range events {
		if e.Type == t {
			result = append(result, e)
		}
	}
	return result
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{}, Deps{SampleRate: 44100})
	assert.Error(t, err)

	_, err = New(Config{}, Deps{Factory: &playbacktest.Factory{}})
	assert.Error(t, err)
}

func TestNew_InitialGains(t *testing.T) {
	e, err := New(Config{
		Gains: map[gain.Knob]float64{gain.KnobVolume: 0.5, gain.KnobLow: -1},
	}, Deps{Factory: &playbacktest.Factory{}, SampleRate: 48000})
	require.NoError(t, err)
	defer e.Close()

	st := e.Status()
	require.Len(t, st.Gains, 4)
	for _, n := range st.Gains {
		switch n.Knob {
		case gain.KnobVolume:
			assert.InDelta(t, 0.25, n.Value, 1e-9)
		case gain.KnobLow:
			assert.InDelta(t, -40, n.Value, 1e-9)
		default:
			assert.Equal(t, 0.0, n.Value)
		}
	}
}

func TestEngine_ItemChangedAndLoad(t *testing.T) {
	e, factory, _ := newTestEngine(t)

	require.NoError(t, e.ItemChanged(&queue.Item{ID: "a", Locator: "/a.wav"}))
	st := e.Status()
	assert.Equal(t, "a", st.ItemID)
	assert.Equal(t, playback.PhaseLoading, st.Phase)
	assert.False(t, st.Playing)

	factory.Last().Loaded(time.Minute, true)
	st = e.Status()
	assert.Equal(t, playback.PhasePlaying, st.Phase)
	assert.True(t, st.Playing)
	assert.Equal(t, watchdog.StateRunning, st.Watchdog)

	events := ofType(drain(e), status.EventIsPlayingChanged)
	require.Len(t, events, 1)
	assert.True(t, events[0].Playing)
}

func TestEngine_SingleSession(t *testing.T) {
	e, factory, _ := newTestEngine(t)

	require.NoError(t, e.ItemChanged(&queue.Item{ID: "a", Locator: "/a.wav"}))
	require.NoError(t, e.ItemChanged(&queue.Item{ID: "b", Locator: "/b.wav"}))
	a := factory.Resources[0]
	assert.True(t, a.Closed())

	// Callbacks from the retired resource do not touch the new session.
	a.Loaded(time.Minute, true)
	st := e.Status()
	assert.Equal(t, "b", st.ItemID)
	assert.Equal(t, playback.PhaseLoading, st.Phase)
	assert.False(t, st.Playing)
	assert.Empty(t, drain(e))
}

func TestEngine_AdjustGain(t *testing.T) {
	e, _, _ := newTestEngine(t)

	require.NoError(t, e.AdjustGain("volume", 0.7))
	require.NoError(t, e.AdjustGain("VOLUME", 0.7))

	err := e.AdjustGain("treble", 0.5)
	assert.True(t, errors.Is(err, gain.ErrInvalidKnob))

	for _, n := range e.Status().Gains {
		if n.Knob == gain.KnobVolume {
			assert.InDelta(t, 0.49, n.Value, 1e-9)
		}
	}
}

func TestEngine_SeekGuard(t *testing.T) {
	e, factory, _ := newTestEngine(t)

	require.NoError(t, e.ItemChanged(&queue.Item{ID: "live", Locator: "http://radio/stream"}))
	factory.Last().Loaded(0, false)

	err := e.Seek(0.5)
	assert.True(t, errors.Is(err, playback.ErrNotSeekable))
	assert.Empty(t, factory.Last().Seeks())
}

func TestEngine_RepeatOnEnd(t *testing.T) {
	e, factory, _ := newTestEngine(t)
	e.SetRepeat(true)

	require.NoError(t, e.ItemChanged(&queue.Item{ID: "a", Locator: "/a.wav"}))
	r := factory.Last()
	r.Loaded(time.Minute, true)
	drain(e)

	r.Report(playback.Callback{Kind: playback.CallbackEnded})
	assert.Equal(t, 1, factory.Opened())
	assert.Equal(t, []time.Duration{0}, r.Seeks())
	assert.Empty(t, ofType(drain(e), status.EventPlaybackEnded))
	assert.True(t, e.Status().Repeat)

	e.SetRepeat(false)
	r.Report(playback.Callback{Kind: playback.CallbackEnded})
	events := drain(e)
	require.Len(t, ofType(events, status.EventPlaybackEnded), 1)
	playing := ofType(events, status.EventIsPlayingChanged)
	require.Len(t, playing, 1)
	assert.False(t, playing[0].Playing)
	assert.Equal(t, playback.PhaseEnded, e.Status().Phase)
}

func TestEngine_StallRoundTrip(t *testing.T) {
	e, factory, sched := newTestEngine(t)

	require.NoError(t, e.ItemChanged(&queue.Item{ID: "a", Locator: "/a.wav"}))
	r := factory.Last()
	r.Loaded(time.Minute, true)
	r.Progress(5 * time.Second)
	drain(e)

	require.Equal(t, 1, sched.FireAll())
	assert.Equal(t, []time.Duration{5*time.Second + 250*time.Millisecond}, r.Seeks())
	assert.Empty(t, ofType(drain(e), status.EventPlaybackFailed))
	assert.True(t, e.Status().Playing)
}

func TestEngine_LoadTimeout(t *testing.T) {
	e, factory, sched := newTestEngine(t)

	require.NoError(t, e.ItemChanged(&queue.Item{ID: "a", Locator: "https://radio.example/a.mp3"}))
	r := factory.Last()

	require.Equal(t, 1, sched.FireAll())
	failed := ofType(drain(e), status.EventPlaybackFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "a", failed[0].ItemID)
	assert.True(t, r.Closed())
	assert.Empty(t, e.Status().ItemID)
}

func TestEngine_Unstall(t *testing.T) {
	e, factory, _ := newTestEngine(t)
	assert.NoError(t, e.Unstall())

	require.NoError(t, e.ItemChanged(&queue.Item{ID: "a", Locator: "/a.wav"}))
	r := factory.Last()
	r.Loaded(0, false)
	r.Progress(3 * time.Second)

	require.NoError(t, e.Unstall())
	assert.Equal(t, []time.Duration{3 * time.Second}, r.Seeks())
}

func TestEngine_PauseAndPlay(t *testing.T) {
	e, factory, _ := newTestEngine(t)

	require.NoError(t, e.ItemChanged(&queue.Item{ID: "a", Locator: "/a.wav"}))
	factory.Last().Loaded(time.Minute, true)

	require.NoError(t, e.Pause())
	assert.Equal(t, playback.PhasePaused, e.Status().Phase)
	require.NoError(t, e.Seek(0.25))
	st := e.Status()
	assert.Equal(t, playback.PhasePaused, st.Phase)
	assert.InDelta(t, 0.25, st.Progress, 1e-9)

	require.NoError(t, e.Play())
	assert.True(t, e.Status().Playing)
}

func TestEngine_ItemCleared(t *testing.T) {
	e, factory, _ := newTestEngine(t)

	require.NoError(t, e.ItemChanged(&queue.Item{ID: "a", Locator: "/a.wav"}))
	factory.Last().Loaded(time.Minute, true)
	drain(e)

	require.NoError(t, e.ItemChanged(nil))
	events := drain(e)
	require.Len(t, events, 2)
	assert.Equal(t, status.EventIsPlayingChanged, events[0].Type)
	assert.False(t, events[0].Playing)
	assert.Equal(t, status.EventProgress, events[1].Type)
	assert.Equal(t, 0.0, events[1].Progress)

	st := e.Status()
	assert.Empty(t, st.ItemID)
	assert.Equal(t, playback.PhaseIdle, st.Phase)
}

func TestEngine_ForwardMediaKey(t *testing.T) {
	e, _, _ := newTestEngine(t)

	e.ForwardMediaKey("next")
	events := drain(e)
	require.Len(t, events, 1)
	assert.Equal(t, status.EventMediaKey, events[0].Type)
	assert.Equal(t, "next", events[0].Key)
}

func TestEngine_DropsEventsWhenFull(t *testing.T) {
	e, err := New(Config{EventBuffer: 2}, Deps{Factory: &playbacktest.Factory{}, SampleRate: 44100})
	require.NoError(t, err)
	defer e.Close()

	for i := 0; i < 5; i++ {
		e.ForwardMediaKey("next")
	}
	assert.Len(t, drain(e), 2)
}

func TestEngine_Close(t *testing.T) {
	factory := &playbacktest.Factory{}
	e, err := New(Config{}, Deps{Factory: factory, SampleRate: 44100})
	require.NoError(t, err)

	require.NoError(t, e.ItemChanged(&queue.Item{ID: "a", Locator: "/a.wav"}))
	e.Close()
	e.Close()

	assert.True(t, factory.Last().Closed())
	_, ok := <-e.Events()
	assert.False(t, ok)

	assert.True(t, errors.Is(e.ItemChanged(nil), ErrClosed))
	assert.True(t, errors.Is(e.Play(), ErrClosed))
	e.ForwardMediaKey("next")
	factory.Last().Loaded(time.Minute, true)
}
