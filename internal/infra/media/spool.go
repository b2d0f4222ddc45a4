package media

import (
	"context"
	"io"
	"net/http"
	"sync"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"
)

// ErrSpoolClosed is returned by readers of a spool that was closed before completion.
var ErrSpoolClosed = errors.New("spool closed")

// ErrSpoolLimit is returned once a download outgrows the spool's byte limit.
var ErrSpoolLimit = errors.New("spool limit exceeded")

// maxPrealloc caps the buffer reserved up front from Content-Length.
const maxPrealloc = 16 << 20

// spool accumulates a progressive download in memory.
// Any number of readers consume it independently; reads past the downloaded
// bytes block until more arrive or the download finishes.
type spool struct {
	mu   sync.Mutex
	cond *sync.Cond

	data  []byte
	limit int64 // Maximum bytes held; 0 = unbounded
	done  bool
	err   error // Terminal error; nil after a clean download

	cancel context.CancelFunc
}

func newSpool(limit int64) *spool {
	s := &spool{limit: limit, cancel: func() {}}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// startSpool issues a GET for url and downloads the body in the background.
// It returns once the response headers are received. A positive limit bounds
// the bytes held; the download fails with ErrSpoolLimit beyond it.
func startSpool(ctx context.Context, client *http.Client, url string, userAgent string, limit int64) (*spool, error) {
	ctx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "failed to create request")
	}
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}

	resp, err := client.Do(req)
	if err != nil {
		cancel()
		return nil, errors.Wrapf(err, "failed to fetch %s", url)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, errors.Newf("failed to fetch %s: %s", url, resp.Status)
	}

	if limit > 0 && resp.ContentLength > limit {
		resp.Body.Close()
		cancel()
		return nil, errors.Wrapf(ErrSpoolLimit, "%s: %d bytes exceeds %d", url, resp.ContentLength, limit)
	}

	s := newSpool(limit)
	s.cancel = cancel
	if resp.ContentLength > 0 {
		s.data = make([]byte, 0, min(resp.ContentLength, maxPrealloc))
	}

	go func() {
		defer resp.Body.Close()
		n, err := io.Copy(s, resp.Body)
		if err != nil {
			zlog.Warn().Err(err).Msgf("media: download interrupted: url=%s bytes=%d", url, n)
		} else {
			zlog.Debug().Msgf("media: download complete: url=%s bytes=%d", url, n)
		}
		s.finish(err)
	}()
	return s, nil
}

// Write appends downloaded bytes and wakes blocked readers.
func (s *spool) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done {
		return 0, ErrSpoolClosed
	}
	if s.limit > 0 && int64(len(s.data)+len(p)) > s.limit {
		return 0, errors.Wrapf(ErrSpoolLimit, "%d bytes", s.limit)
	}
	s.data = append(s.data, p...)
	s.cond.Broadcast()
	return len(p), nil
}

// finish marks the download complete. Later calls are ignored.
func (s *spool) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done {
		return
	}
	s.done = true
	s.err = err
	s.cond.Broadcast()
}

// Close aborts the download and unblocks every reader.
func (s *spool) Close() error {
	s.cancel()
	s.finish(ErrSpoolClosed)
	return nil
}

// Len returns the number of bytes downloaded so far and whether the download finished.
func (s *spool) Len() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data), s.done
}

// NewReader returns an independent reader positioned at the start.
func (s *spool) NewReader() io.ReadSeekCloser {
	return &spoolReader{s: s}
}

type spoolReader struct {
	s      *spool
	off    int64
	closed bool
}

func (r *spoolReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	for !r.closed && !s.done && r.off >= int64(len(s.data)) {
		s.cond.Wait()
	}
	if r.closed {
		return 0, ErrSpoolClosed
	}
	if r.off < int64(len(s.data)) {
		n := copy(p, s.data[r.off:])
		r.off += int64(n)
		return n, nil
	}
	if s.err != nil {
		return 0, s.err
	}
	return 0, io.EOF
}

// Seek supports io.SeekEnd only once the download finished; otherwise it blocks.
func (r *spoolReader) Seek(offset int64, whence int) (int64, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	var base int64
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = r.off
	case io.SeekEnd:
		for !r.closed && !s.done {
			s.cond.Wait()
		}
		if s.err != nil {
			return r.off, s.err
		}
		base = int64(len(s.data))
	default:
		return r.off, errors.Newf("invalid whence %d", whence)
	}

	off := base + offset
	if off < 0 {
		return r.off, errors.Newf("negative position %d", off)
	}
	r.off = off
	return off, nil
}

func (r *spoolReader) Close() error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.closed = true
	r.s.cond.Broadcast()
	return nil
}
