package media

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gopxl/beep/v2"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/orchestrion/internal/app/playback"
	"github.com/osa030/orchestrion/internal/domain/queue"
)

// ErrNotLoaded is returned when seeking a resource whose decoder is not open yet.
var ErrNotLoaded = errors.New("resource not loaded")

const (
	decodeChunk   = 1024
	callbackQueue = 64
	minRingFrames = 4096
)

// openFunc opens a fresh decoder positioned at the start of the item.
type openFunc func(ctx context.Context) (decoder, error)

// resource is a playable item. A decode goroutine fills a bounded PCM ring
// that the output device drains through Streamer. Callbacks are posted to a
// pump goroutine so the audio thread never blocks on the sink.
type resource struct {
	item   queue.Item
	config Config
	device beep.SampleRate
	open   openFunc
	src    io.Closer // Shared source released on Close (may be nil)

	ctx    context.Context
	cancel context.CancelFunc
	events chan playback.Callback

	outMu sync.Mutex
	out   beep.Streamer // Renderer, resampled to the device rate once loaded

	mu   sync.Mutex
	cond *sync.Cond

	ring  [][2]float64
	head  int
	count int

	rate           beep.SampleRate
	length         int
	lengthKnown    bool
	loaded         bool
	playing        bool
	closed         bool
	position       int // Frames rendered, at the source rate
	decoded        int // Frames decoded, at the source rate
	eof            bool
	endedSent      bool
	primed         bool // Ring received data since load or the last seek
	stalled        bool
	sinceProgress  int
	progressFrames int

	seekPending bool
	seekTo      int
	epoch       uint64 // Bumped on every seek; chunks decoded under an older epoch are dropped
}

func newResource(item queue.Item, gen playback.Generation, sink playback.Sink, config Config, device beep.SampleRate, open openFunc, src io.Closer) *resource {
	ctx, cancel := context.WithCancel(context.Background())
	r := &resource{
		item:   item,
		config: config,
		device: device,
		open:   open,
		src:    src,
		ctx:    ctx,
		cancel: cancel,
		events: make(chan playback.Callback, callbackQueue),
	}
	r.cond = sync.NewCond(&r.mu)

	go r.pump(gen, sink)
	go r.run()
	return r
}

// Streamer returns the stream rendered by the output device.
func (r *resource) Streamer() beep.Streamer {
	return outputStreamer{r: r}
}

// Play requests playback. Before load completes the request is remembered.
func (r *resource) Play() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.playing = true
}

// Pause stops consuming the ring. Decoding continues until the ring is full.
func (r *resource) Pause() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.playing = false
}

// Seek moves the playhead to pos. The decoder is repositioned asynchronously.
func (r *resource) Seek(pos time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return errors.New("resource closed")
	}
	if !r.loaded {
		return ErrNotLoaded
	}
	if pos < 0 {
		pos = 0
	}
	frame := r.rate.N(pos)
	if r.lengthKnown && frame > r.length {
		frame = r.length
	}

	r.head, r.count = 0, 0
	r.position = frame
	r.eof = false
	r.endedSent = false
	r.primed = false
	r.stalled = false
	r.sinceProgress = 0
	r.seekTo = frame
	r.seekPending = true
	r.epoch++
	r.cond.Broadcast()
	return nil
}

// Position returns the rendered position.
func (r *resource) Position() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rate == 0 {
		return 0
	}
	return r.rate.D(r.position)
}

// Close stops decoding and releases the source. It does not wait for the
// goroutines, which exit on their own.
func (r *resource) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.playing = false
	r.cond.Broadcast()
	r.mu.Unlock()

	r.cancel()
	if r.src != nil {
		return r.src.Close()
	}
	return nil
}

// post queues a callback without blocking. Must be called with mu held.
func (r *resource) postLocked(cb playback.Callback) {
	if r.closed {
		return
	}
	select {
	case r.events <- cb:
	default:
		zlog.Warn().Msgf("media: callback queue full, dropping %s: item=%s", cb.Kind, r.item.ID)
	}
}

func (r *resource) post(cb playback.Callback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.postLocked(cb)
}

func (r *resource) pump(gen playback.Generation, sink playback.Sink) {
	for {
		select {
		case <-r.ctx.Done():
			return
		case cb := <-r.events:
			cb.Generation = gen
			sink(cb)
		}
	}
}

// run opens the decoder and fills the ring until the resource is closed.
func (r *resource) run() {
	dec, err := r.open(r.ctx)
	if err != nil {
		if r.ctx.Err() == nil {
			zlog.Error().Err(err).Msgf("media: failed to open item: item=%s locator=%s", r.item.ID, r.item.Locator)
			r.post(playback.Callback{Kind: playback.CallbackFailed, Err: err})
		}
		return
	}
	defer func() {
		if err := dec.Close(); err != nil {
			zlog.Debug().Err(err).Msgf("media: failed to close decoder: item=%s", r.item.ID)
		}
	}()

	rate := dec.SampleRate()
	if rate <= 0 {
		r.post(playback.Callback{Kind: playback.CallbackFailed, Err: errors.Newf("invalid sample rate %d", rate)})
		return
	}

	var out beep.Streamer = renderer{r: r}
	if rate != r.device && r.device > 0 {
		out = beep.Resample(r.config.ResampleQuality, rate, r.device, out)
	}
	r.outMu.Lock()
	r.out = out
	r.outMu.Unlock()

	r.mu.Lock()
	r.rate = rate
	r.length, r.lengthKnown = dec.Len()
	r.ring = make([][2]float64, max(rate.N(r.config.BufferDuration), minRingFrames))
	r.progressFrames = max(rate.N(r.config.ProgressInterval), 1)
	r.loaded = true
	r.postLocked(playback.Callback{
		Kind:          playback.CallbackLoaded,
		Duration:      r.durationLocked(),
		DurationKnown: r.lengthKnown,
	})
	r.mu.Unlock()

	zlog.Debug().Msgf("media: decoder ready: item=%s rate=%d frames=%d known=%v", r.item.ID, rate, r.length, r.lengthKnown)

	buf := make([][2]float64, decodeChunk)
	for {
		r.mu.Lock()
		for !r.closed && !r.seekPending && (r.eof || r.count == len(r.ring)) {
			r.cond.Wait()
		}
		if r.closed {
			r.mu.Unlock()
			return
		}
		if r.seekPending {
			target := r.seekTo
			epoch := r.epoch
			r.seekPending = false
			r.mu.Unlock()

			var pos int
			dec, pos, err = r.reposition(dec, target)
			if err != nil {
				if r.ctx.Err() == nil {
					r.post(playback.Callback{Kind: playback.CallbackFailed, Err: err})
				}
				return
			}
			r.mu.Lock()
			if r.epoch == epoch {
				r.decoded = pos
			}
			r.mu.Unlock()
			continue
		}
		want := min(len(buf), len(r.ring)-r.count)
		epoch := r.epoch
		r.mu.Unlock()

		n, err := dec.Decode(buf[:want])

		r.mu.Lock()
		if r.epoch != epoch {
			r.mu.Unlock()
			continue
		}
		r.pushLocked(buf[:n])
		r.decoded += n

		switch {
		case errors.Is(err, io.EOF):
			r.eof = true
			if !r.lengthKnown {
				r.length = r.decoded
				r.lengthKnown = true
				r.postLocked(playback.Callback{Kind: playback.CallbackDurationKnown, Duration: r.durationLocked()})
			}
		case err != nil:
			r.mu.Unlock()
			zlog.Error().Err(err).Msgf("media: decode failed: item=%s", r.item.ID)
			r.post(playback.Callback{Kind: playback.CallbackFailed, Err: err})
			return
		}
		r.mu.Unlock()
	}
}

// reposition moves dec to target, natively when possible and otherwise by
// reopening the item and discarding frames.
func (r *resource) reposition(dec decoder, target int) (decoder, int, error) {
	err := dec.Seek(target)
	if err == nil {
		return dec, target, nil
	}
	if !errors.Is(err, errSeekUnsupported) {
		zlog.Warn().Err(err).Msgf("media: native seek failed, reopening: item=%s", r.item.ID)
	}

	if err := dec.Close(); err != nil {
		zlog.Debug().Err(err).Msgf("media: failed to close decoder: item=%s", r.item.ID)
	}
	fresh, err := r.open(r.ctx)
	if err != nil {
		return closedDecoder{}, 0, errors.Wrap(err, "failed to reopen for seek")
	}
	skipped, err := skipFrames(fresh, target)
	if err != nil {
		return fresh, skipped, errors.Wrap(err, "failed to skip to seek position")
	}
	return fresh, skipped, nil
}

func (r *resource) pushLocked(frames [][2]float64) {
	size := len(r.ring)
	for _, f := range frames {
		if r.count == size {
			return
		}
		r.ring[(r.head+r.count)%size] = f
		r.count++
	}
	if len(frames) > 0 {
		r.primed = true
	}
}

func (r *resource) durationLocked() time.Duration {
	if !r.lengthKnown || r.rate == 0 {
		return 0
	}
	return r.rate.D(r.length)
}

// render drains the ring into samples. It never blocks on the decoder.
func (r *resource) render(samples [][2]float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.loaded || !r.playing {
		clear(samples)
		return
	}

	n := 0
	size := len(r.ring)
	for n < len(samples) && r.count > 0 {
		samples[n] = r.ring[r.head]
		r.head = (r.head + 1) % size
		r.count--
		n++
	}
	clear(samples[n:])

	if n > 0 {
		r.position += n
		r.sinceProgress += n
		r.stalled = false
		r.cond.Broadcast()
	}

	if n < len(samples) {
		switch {
		case r.eof:
			if !r.endedSent {
				r.endedSent = true
				r.postLocked(playback.Callback{Kind: playback.CallbackEnded})
			}
		case r.primed && !r.stalled:
			r.stalled = true
			r.postLocked(playback.Callback{Kind: playback.CallbackStalled, Position: r.rate.D(r.position)})
		}
	}

	if r.sinceProgress >= r.progressFrames {
		r.sinceProgress = 0
		r.postLocked(playback.Callback{Kind: playback.CallbackProgress, Position: r.rate.D(r.position)})
	}
}

// renderer exposes the ring at the source rate.
type renderer struct {
	r *resource
}

func (s renderer) Stream(samples [][2]float64) (int, bool) {
	s.r.render(samples)
	return len(samples), true
}

func (s renderer) Err() error {
	return nil
}

// outputStreamer renders silence until the decoder is open.
type outputStreamer struct {
	r *resource
}

func (s outputStreamer) Stream(samples [][2]float64) (int, bool) {
	s.r.outMu.Lock()
	defer s.r.outMu.Unlock()

	if s.r.out == nil {
		clear(samples)
		return len(samples), true
	}
	n, ok := s.r.out.Stream(samples)
	if !ok {
		n = 0
	}
	clear(samples[n:])
	return len(samples), true
}

func (s outputStreamer) Err() error {
	return nil
}

// closedDecoder stands in after a failed reopen so deferred cleanup stays simple.
type closedDecoder struct{}

func (closedDecoder) SampleRate() beep.SampleRate      { return 0 }
func (closedDecoder) Len() (int, bool)                 { return 0, false }
func (closedDecoder) Decode([][2]float64) (int, error) { return 0, io.EOF }
func (closedDecoder) Seek(int) error                   { return errSeekUnsupported }
func (closedDecoder) Close() error                     { return nil }
