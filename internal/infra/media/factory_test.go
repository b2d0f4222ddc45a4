package media

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osa030/orchestrion/internal/app/playback"
	"github.com/osa030/orchestrion/internal/domain/queue"
)

// writeWAV writes a 16-bit mono ramp of frames samples at rate.
func writeWAV(t *testing.T, path string, rate, frames int) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	enc := wav.NewEncoder(f, rate, 16, 1, 1)
	data := make([]int, frames)
	for i := range data {
		data[i] = i * 10
	}
	require.NoError(t, enc.Write(&audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: rate},
		Data:           data,
		SourceBitDepth: 16,
	}))
	require.NoError(t, enc.Close())
}

func TestWAVDecoder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ramp.wav")
	writeWAV(t, path, 8000, 800)

	f, err := os.Open(path)
	require.NoError(t, err)
	d, err := openDecoder(f, true, ".wav")
	require.NoError(t, err)
	defer d.Close()

	assert.Equal(t, 8000, int(d.SampleRate()))
	frames, known := d.Len()
	assert.True(t, known)
	assert.Equal(t, 800, frames)

	buf := make([][2]float64, 1000)
	total := 0
	for {
		n, err := d.Decode(buf[total:])
		total += n
		if err != nil {
			break
		}
	}
	require.Equal(t, 800, total)
	assert.Equal(t, 0.0, buf[0][0])
	assert.InDelta(t, 7990.0/32767, buf[799][0], 1e-9)
	assert.Equal(t, buf[799][0], buf[799][1], "mono is duplicated to both channels")
}

func TestOpenDecoder_Unsupported(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("definitely not audio"), 0o644))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	_, err = openDecoder(f, true, ".txt")
	assert.True(t, errors.Is(err, ErrUnsupportedFormat))
}

func TestFactory_OpenLocalWAV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ramp.wav")
	writeWAV(t, path, 8000, 800)

	rec := newRecorder()
	f := NewFactory(DefaultConfig(), 8000, nil)
	res, err := f.Open(queue.Item{ID: "w", Locator: "file://" + filepath.ToSlash(path)}, 3, rec.sink)
	require.NoError(t, err)
	defer res.Close()

	loaded := rec.waitFor(t, playback.CallbackLoaded)
	assert.Equal(t, playback.Generation(3), loaded.Generation)
	assert.True(t, loaded.DurationKnown)
	assert.Equal(t, 100*time.Millisecond, loaded.Duration)
}

func TestFactory_OpenErrors(t *testing.T) {
	f := NewFactory(Config{}, 44100, nil)

	_, err := f.Open(queue.Item{ID: "x"}, 1, func(playback.Callback) {})
	assert.True(t, errors.Is(err, queue.ErrInvalidItem))

	_, err = f.Open(queue.Item{ID: "x", Locator: filepath.Join(t.TempDir(), "missing.mp3")}, 1, func(playback.Callback) {})
	assert.Error(t, err)

	_, err = f.Open(queue.Item{ID: "x", Locator: t.TempDir()}, 1, func(playback.Callback) {})
	assert.Error(t, err)
}

func TestFactory_UnsupportedFileFailsAsync(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("definitely not audio"), 0o644))

	rec := newRecorder()
	res, err := NewFactory(DefaultConfig(), 44100, nil).Open(queue.Item{ID: "n", Locator: path}, 1, rec.sink)
	require.NoError(t, err)
	defer res.Close()

	failed := rec.waitFor(t, playback.CallbackFailed)
	assert.True(t, errors.Is(failed.Err, ErrUnsupportedFormat))
}

func TestFactory_RemoteNotFoundFailsAsync(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	rec := newRecorder()
	res, err := NewFactory(DefaultConfig(), 44100, srv.Client()).Open(queue.Item{ID: "r", Locator: srv.URL + "/a.mp3"}, 1, rec.sink)
	require.NoError(t, err)
	defer res.Close()

	failed := rec.waitFor(t, playback.CallbackFailed)
	assert.Error(t, failed.Err)
}

func TestNewFactory_Defaults(t *testing.T) {
	f := NewFactory(Config{ResampleQuality: 100}, 44100, nil)
	def := DefaultConfig()
	assert.Equal(t, def.BufferDuration, f.config.BufferDuration)
	assert.Equal(t, def.ProgressInterval, f.config.ProgressInterval)
	assert.Equal(t, def.ResampleQuality, f.config.ResampleQuality)
	assert.Equal(t, def.MaxSpoolBytes, f.config.MaxSpoolBytes)
}

func TestFactory_RemoteOverSpoolLimitFailsAsync(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.(http.Flusher).Flush()
		_, _ = w.Write(make([]byte, 4096))
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.MaxSpoolBytes = 1024
	rec := newRecorder()
	res, err := NewFactory(cfg, 44100, srv.Client()).Open(queue.Item{ID: "r", Locator: srv.URL + "/radio.mp3"}, 1, rec.sink)
	require.NoError(t, err)
	defer res.Close()

	failed := rec.waitFor(t, playback.CallbackFailed)
	assert.Error(t, failed.Err)
}
