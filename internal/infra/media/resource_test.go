package media

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gopxl/beep/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osa030/orchestrion/internal/app/playback"
	"github.com/osa030/orchestrion/internal/domain/queue"
)

const testRate = beep.SampleRate(1000)

// rampDecoder yields frames whose left sample equals the frame index.
type rampDecoder struct {
	total    int
	known    bool
	seekable bool

	pos    int
	budget int // Frames available before Decode blocks (0 = unlimited)
	more   chan int
	done   chan struct{}
	closed atomic.Bool
}

func (d *rampDecoder) SampleRate() beep.SampleRate { return testRate }

func (d *rampDecoder) Len() (int, bool) {
	if !d.known {
		return 0, false
	}
	return d.total, true
}

func (d *rampDecoder) Decode(dst [][2]float64) (int, error) {
	if d.pos >= d.total {
		return 0, io.EOF
	}
	if d.budget > 0 && d.pos >= d.budget {
		select {
		case n := <-d.more:
			d.budget += n
		case <-d.done:
			return 0, io.ErrClosedPipe
		}
	}
	n := min(len(dst), d.total-d.pos)
	if d.budget > 0 {
		n = min(n, d.budget-d.pos)
	}
	for i := 0; i < n; i++ {
		dst[i] = [2]float64{float64(d.pos + i), 0}
	}
	d.pos += n
	return n, nil
}

func (d *rampDecoder) Seek(frame int) error {
	if !d.seekable {
		return errSeekUnsupported
	}
	d.pos = frame
	return nil
}

func (d *rampDecoder) Close() error {
	d.closed.Store(true)
	return nil
}

type recorder struct {
	ch chan playback.Callback
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan playback.Callback, 256)}
}

func (r *recorder) sink(cb playback.Callback) {
	r.ch <- cb
}

// waitFor returns the next callback of kind, skipping others.
func (r *recorder) waitFor(t *testing.T, kind playback.CallbackKind) playback.Callback {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case cb := <-r.ch:
			if cb.Kind == kind {
				return cb
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", kind)
			return playback.Callback{}
		}
	}
}

// count drains the recorder and counts callbacks of kind.
func (r *recorder) count(kind playback.CallbackKind) int {
	n := 0
	for {
		select {
		case cb := <-r.ch:
			if cb.Kind == kind {
				n++
			}
		case <-time.After(50 * time.Millisecond):
			return n
		}
	}
}

func testConfig() Config {
	return Config{
		BufferDuration:   time.Second,
		ProgressInterval: 100 * time.Millisecond,
		ResampleQuality:  4,
	}
}

func startResource(t *testing.T, device beep.SampleRate, decoders ...*rampDecoder) (*resource, *recorder, *atomic.Int32) {
	t.Helper()
	rec := newRecorder()
	var opens atomic.Int32
	open := func(context.Context) (decoder, error) {
		i := int(opens.Add(1)) - 1
		if i >= len(decoders) {
			return nil, errors.New("no more decoders")
		}
		return decoders[i], nil
	}
	r := newResource(queue.Item{ID: "t", Locator: "/t.wav"}, 7, rec.sink, testConfig(), device, open, nil)
	t.Cleanup(func() { _ = r.Close() })
	return r, rec, &opens
}

func waitBuffered(t *testing.T, r *resource, frames int) {
	t.Helper()
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.count >= frames
	}, 2*time.Second, time.Millisecond)
}

func waitEOF(t *testing.T, r *resource) {
	t.Helper()
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.eof
	}, 2*time.Second, time.Millisecond)
}

func pull(r *resource, n int) [][2]float64 {
	buf := make([][2]float64, n)
	got, ok := r.Streamer().Stream(buf)
	if !ok {
		return nil
	}
	return buf[:got]
}

func TestResource_LoadedAndProgress(t *testing.T) {
	r, rec, _ := startResource(t, testRate, &rampDecoder{total: 2000, known: true})

	loaded := rec.waitFor(t, playback.CallbackLoaded)
	assert.Equal(t, playback.Generation(7), loaded.Generation)
	assert.True(t, loaded.DurationKnown)
	assert.Equal(t, 2*time.Second, loaded.Duration)

	r.Play()
	waitBuffered(t, r, 2000)

	frames := pull(r, 100)
	require.Len(t, frames, 100)
	assert.Equal(t, 0.0, frames[0][0])
	assert.Equal(t, 99.0, frames[99][0])

	progress := rec.waitFor(t, playback.CallbackProgress)
	assert.Equal(t, 100*time.Millisecond, progress.Position)
	assert.Equal(t, 100*time.Millisecond, r.Position())
}

func TestResource_PausedRendersSilence(t *testing.T) {
	r, rec, _ := startResource(t, testRate, &rampDecoder{total: 2000, known: true})
	rec.waitFor(t, playback.CallbackLoaded)
	waitBuffered(t, r, 2000)

	frames := pull(r, 50)
	for _, f := range frames {
		assert.Equal(t, [2]float64{}, f)
	}
	assert.Equal(t, time.Duration(0), r.Position())

	r.Play()
	r.Pause()
	pull(r, 50)
	assert.Equal(t, time.Duration(0), r.Position())
}

func TestResource_EndedOnce(t *testing.T) {
	r, rec, _ := startResource(t, testRate, &rampDecoder{total: 500, known: true, seekable: true})
	rec.waitFor(t, playback.CallbackLoaded)
	r.Play()
	waitEOF(t, r)

	pull(r, 500)
	pull(r, 100)
	pull(r, 100)
	assert.Equal(t, 1, rec.count(playback.CallbackEnded))

	// Seeking back rearms the end report.
	require.NoError(t, r.Seek(0))
	waitEOF(t, r)
	pull(r, 600)
	assert.Equal(t, 1, rec.count(playback.CallbackEnded))
}

func TestResource_StalledOnUnderrun(t *testing.T) {
	dec := &rampDecoder{total: 2000, known: true, budget: 300, more: make(chan int), done: make(chan struct{})}
	defer close(dec.done)

	r, rec, _ := startResource(t, testRate, dec)
	rec.waitFor(t, playback.CallbackLoaded)
	r.Play()
	waitBuffered(t, r, 300)

	frames := pull(r, 400)
	assert.Equal(t, 299.0, frames[299][0])
	assert.Equal(t, [2]float64{}, frames[300])
	pull(r, 100)

	assert.Equal(t, 1, rec.count(playback.CallbackStalled))
	r.mu.Lock()
	assert.True(t, r.stalled)
	r.mu.Unlock()

	dec.more <- 200
	waitBuffered(t, r, 200)
	frames = pull(r, 100)
	assert.Equal(t, 300.0, frames[0][0])
	r.mu.Lock()
	assert.False(t, r.stalled)
	r.mu.Unlock()
}

func TestResource_NativeSeek(t *testing.T) {
	dec := &rampDecoder{total: 3000, known: true, seekable: true}
	r, rec, opens := startResource(t, testRate, dec)
	rec.waitFor(t, playback.CallbackLoaded)
	r.Play()

	require.NoError(t, r.Seek(time.Second))
	assert.Equal(t, time.Second, r.Position())

	waitBuffered(t, r, 100)
	frames := pull(r, 100)
	assert.Equal(t, 1000.0, frames[0][0])
	assert.Equal(t, int32(1), opens.Load())
}

func TestResource_SeekByReopen(t *testing.T) {
	first := &rampDecoder{total: 3000, known: true}
	second := &rampDecoder{total: 3000, known: true}
	r, rec, opens := startResource(t, testRate, first, second)
	rec.waitFor(t, playback.CallbackLoaded)
	r.Play()

	require.NoError(t, r.Seek(1500*time.Millisecond))
	require.Eventually(t, func() bool { return opens.Load() == 2 }, 2*time.Second, time.Millisecond)
	waitBuffered(t, r, 100)

	frames := pull(r, 100)
	assert.Equal(t, 1500.0, frames[0][0])
	assert.True(t, first.closed.Load())
}

func TestResource_SeekClampsToLength(t *testing.T) {
	r, rec, _ := startResource(t, testRate, &rampDecoder{total: 1000, known: true, seekable: true})
	rec.waitFor(t, playback.CallbackLoaded)

	require.NoError(t, r.Seek(time.Minute))
	assert.Equal(t, time.Second, r.Position())
}

func TestResource_DurationLearntAtEOF(t *testing.T) {
	_, rec, _ := startResource(t, testRate, &rampDecoder{total: 1500})

	loaded := rec.waitFor(t, playback.CallbackLoaded)
	assert.False(t, loaded.DurationKnown)

	known := rec.waitFor(t, playback.CallbackDurationKnown)
	assert.Equal(t, 1500*time.Millisecond, known.Duration)
}

func TestResource_OpenFailure(t *testing.T) {
	_, rec, _ := startResource(t, testRate)

	failed := rec.waitFor(t, playback.CallbackFailed)
	assert.Error(t, failed.Err)
	assert.Equal(t, playback.Generation(7), failed.Generation)
}

func TestResource_SeekBeforeLoad(t *testing.T) {
	release := make(chan struct{})
	rec := newRecorder()
	open := func(ctx context.Context) (decoder, error) {
		select {
		case <-release:
			return &rampDecoder{total: 100, known: true}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	r := newResource(queue.Item{ID: "t", Locator: "/t.wav"}, 1, rec.sink, testConfig(), testRate, open, nil)
	defer r.Close()

	assert.True(t, errors.Is(r.Seek(time.Second), ErrNotLoaded))
	assert.Equal(t, [2]float64{}, pull(r, 1)[0])

	close(release)
	rec.waitFor(t, playback.CallbackLoaded)
}

func TestResource_CloseStopsCallbacks(t *testing.T) {
	dec := &rampDecoder{total: 2000, known: true}
	r, rec, _ := startResource(t, testRate, dec)
	rec.waitFor(t, playback.CallbackLoaded)
	r.Play()

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	require.Eventually(t, dec.closed.Load, 2*time.Second, time.Millisecond)

	pull(r, 500)
	assert.Equal(t, 0, rec.count(playback.CallbackProgress))
	assert.Error(t, r.Seek(0))
}

func TestResource_Resampled(t *testing.T) {
	r, rec, _ := startResource(t, 2*testRate, &rampDecoder{total: 2000, known: true})
	rec.waitFor(t, playback.CallbackLoaded)
	r.Play()
	waitBuffered(t, r, 2000)

	frames := pull(r, 400)
	assert.Len(t, frames, 400)
	assert.Greater(t, r.Position(), time.Duration(0))
}

type closeCounter struct {
	mu sync.Mutex
	n  int
}

func (c *closeCounter) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return nil
}

func TestResource_CloseReleasesSource(t *testing.T) {
	src := &closeCounter{}
	open := func(context.Context) (decoder, error) {
		return &rampDecoder{total: 10, known: true}, nil
	}
	r := newResource(queue.Item{ID: "t", Locator: "/t.wav"}, 1, func(playback.Callback) {}, testConfig(), testRate, open, src)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	assert.Equal(t, 1, src.n)
}
