// Package media opens queue items as playable audio resources.
package media

import (
	"context"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gopxl/beep/v2"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/orchestrion/internal/app/playback"
	"github.com/osa030/orchestrion/internal/domain/queue"
)

// Config holds media resource configuration.
type Config struct {
	BufferDuration   time.Duration // Decoded audio held ahead of the playhead
	ProgressInterval time.Duration // Rendered audio between progress reports
	ResampleQuality  int           // beep resampling quality (1-64)
	UserAgent        string        // Sent with remote requests
	MaxSpoolBytes    int64         // Remote bytes held per item before it fails
}

// DefaultConfig returns the default media configuration.
func DefaultConfig() Config {
	return Config{
		BufferDuration:   2 * time.Second,
		ProgressInterval: 250 * time.Millisecond,
		ResampleQuality:  4,
		UserAgent:        "orchestrion",
		MaxSpoolBytes:    256 << 20,
	}
}

// Factory opens queue items as resources rendering at the device sample rate.
type Factory struct {
	config Config
	device beep.SampleRate
	client *http.Client
}

// NewFactory creates a new resource factory.
func NewFactory(config Config, device beep.SampleRate, client *http.Client) *Factory {
	def := DefaultConfig()
	if config.BufferDuration <= 0 {
		config.BufferDuration = def.BufferDuration
	}
	if config.ProgressInterval <= 0 {
		config.ProgressInterval = def.ProgressInterval
	}
	if config.ResampleQuality < 1 || config.ResampleQuality > 64 {
		config.ResampleQuality = def.ResampleQuality
	}
	if config.MaxSpoolBytes <= 0 {
		config.MaxSpoolBytes = def.MaxSpoolBytes
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Factory{config: config, device: device, client: client}
}

// Open returns immediately; loading happens in the background and is
// reported through sink as Loaded or Failed.
func (f *Factory) Open(item queue.Item, gen playback.Generation, sink playback.Sink) (playback.Resource, error) {
	if err := item.Validate(); err != nil {
		return nil, err
	}

	var src source
	if item.IsRemote() {
		src = &httpSource{client: f.client, url: item.Locator, userAgent: f.config.UserAgent, limit: f.config.MaxSpoolBytes}
	} else {
		path := item.Path()
		info, err := os.Stat(path)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to stat %s", path)
		}
		if info.IsDir() {
			return nil, errors.Newf("%s is a directory", path)
		}
		src = fileSource{path: path}
	}

	ext := item.Extension()
	open := func(ctx context.Context) (decoder, error) {
		rc, seekable, err := src.Open(ctx)
		if err != nil {
			return nil, err
		}
		d, err := openDecoder(rc, seekable, ext)
		if err != nil {
			rc.Close()
			return nil, err
		}
		return d, nil
	}

	zlog.Debug().Msgf("media: opening item: item=%s locator=%s gen=%d", item.ID, item.Locator, gen)
	return newResource(item, gen, sink, f.config, f.device, open, src), nil
}

// source yields fresh readers over one item's bytes.
type source interface {
	// Open returns a reader at offset 0 and whether it supports cheap seeking.
	Open(ctx context.Context) (io.ReadSeekCloser, bool, error)
	io.Closer
}

type fileSource struct {
	path string
}

func (s fileSource) Open(context.Context) (io.ReadSeekCloser, bool, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, false, errors.Wrapf(err, "failed to open %s", s.path)
	}
	return f, true, nil
}

func (s fileSource) Close() error {
	return nil
}

// httpSource downloads once into a spool; every Open reads the same spool.
type httpSource struct {
	client    *http.Client
	url       string
	userAgent string
	limit     int64

	mu     sync.Mutex
	spool  *spool
	closed bool
}

func (s *httpSource) Open(ctx context.Context) (io.ReadSeekCloser, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, false, ErrSpoolClosed
	}
	if s.spool == nil {
		sp, err := startSpool(ctx, s.client, s.url, s.userAgent, s.limit)
		if err != nil {
			return nil, false, err
		}
		s.spool = sp
	}
	return s.spool.NewReader(), false, nil
}

func (s *httpSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	if s.spool != nil {
		return s.spool.Close()
	}
	return nil
}
