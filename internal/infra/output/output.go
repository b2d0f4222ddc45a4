// Package output provides audio output devices.
package output

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/speaker"
	zlog "github.com/rs/zerolog/log"
)

// Device renders streamers to an audio sink.
type Device interface {
	// Play adds s to the device mix.
	Play(s beep.Streamer)
	SampleRate() beep.SampleRate
	Close() error
}

// Config holds output device configuration.
type Config struct {
	Driver     string        // "speaker" or "null"
	SampleRate int           // Device sample rate in Hz
	Buffer     time.Duration // Device buffer / null tick period
}

// Open opens the configured device.
func Open(config Config) (Device, error) {
	rate := beep.SampleRate(config.SampleRate)
	if rate <= 0 {
		return nil, errors.Newf("invalid sample rate %d", config.SampleRate)
	}
	buffer := config.Buffer
	if buffer <= 0 {
		buffer = 100 * time.Millisecond
	}

	switch config.Driver {
	case "speaker":
		return NewSpeaker(rate, buffer)
	case "null":
		return NewNull(rate, buffer), nil
	default:
		return nil, errors.Newf("unknown output driver %q", config.Driver)
	}
}

// Speaker plays through the system audio device via beep/speaker.
type Speaker struct {
	rate beep.SampleRate
}

// NewSpeaker initializes the system audio device.
func NewSpeaker(rate beep.SampleRate, buffer time.Duration) (*Speaker, error) {
	if err := speaker.Init(rate, rate.N(buffer)); err != nil {
		return nil, errors.Wrap(err, "failed to initialize speaker")
	}
	zlog.Info().Msgf("output: speaker initialized: rate=%d buffer=%v", rate, buffer)
	return &Speaker{rate: rate}, nil
}

func (s *Speaker) Play(st beep.Streamer) {
	speaker.Play(st)
}

func (s *Speaker) SampleRate() beep.SampleRate {
	return s.rate
}

func (s *Speaker) Close() error {
	speaker.Clear()
	speaker.Close()
	return nil
}

// Null drains its mix in real time and discards the audio.
// Useful on hosts without a sound card.
type Null struct {
	mu     sync.Mutex
	rate   beep.SampleRate
	period time.Duration
	mixer  beep.Mixer
	frames int64 // Frames rendered so far

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewNull starts a null device that renders every period.
func NewNull(rate beep.SampleRate, period time.Duration) *Null {
	ctx, cancel := context.WithCancel(context.Background())
	n := &Null{
		rate:   rate,
		period: period,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go n.loop()
	zlog.Info().Msgf("output: null device started: rate=%d period=%v", rate, period)
	return n
}

func (n *Null) loop() {
	defer close(n.done)

	ticker := time.NewTicker(n.period)
	defer ticker.Stop()

	buf := make([][2]float64, n.rate.N(n.period))
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.Render(buf)
		}
	}
}

// Render pulls len(buf) frames from the mix. The loop calls it every period.
func (n *Null) Render(buf [][2]float64) {
	n.mu.Lock()
	defer n.mu.Unlock()

	got, _ := n.mixer.Stream(buf)
	n.frames += int64(got)
}

// Frames returns the number of frames rendered.
func (n *Null) Frames() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.frames
}

func (n *Null) Play(s beep.Streamer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.mixer.Add(s)
}

func (n *Null) SampleRate() beep.SampleRate {
	return n.rate
}

func (n *Null) Close() error {
	n.cancel()
	<-n.done
	n.mu.Lock()
	defer n.mu.Unlock()
	n.mixer.Clear()
	return nil
}
