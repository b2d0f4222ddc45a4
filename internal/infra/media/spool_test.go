package media

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpool_ReadersSeeIdenticalBytes(t *testing.T) {
	s := newSpool(0)
	payload := bytes.Repeat([]byte("0123456789abcdef"), 1024)

	const readers = 4
	results := make([][]byte, readers)
	var wg sync.WaitGroup
	for i := 0; i < readers; i++ {
		r := s.NewReader()
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b, err := io.ReadAll(r)
			assert.NoError(t, err)
			results[i] = b
		}(i)
	}

	for off := 0; off < len(payload); off += 1000 {
		end := min(off+1000, len(payload))
		_, err := s.Write(payload[off:end])
		require.NoError(t, err)
	}
	s.finish(nil)
	wg.Wait()

	for i := 0; i < readers; i++ {
		assert.Equal(t, payload, results[i], "reader %d", i)
	}

	// A reader created after completion sees the same bytes.
	late, err := io.ReadAll(s.NewReader())
	require.NoError(t, err)
	assert.Equal(t, payload, late)
}

func TestSpool_ReadBlocksUntilData(t *testing.T) {
	s := newSpool(0)
	r := s.NewReader()

	got := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 8)
		n, _ := r.Read(buf)
		got <- buf[:n]
	}()

	select {
	case <-got:
		t.Fatal("read returned before data arrived")
	case <-time.After(20 * time.Millisecond):
	}

	_, err := s.Write([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), <-got)
}

func TestSpool_Seek(t *testing.T) {
	s := newSpool(0)
	_, err := s.Write([]byte("hello world"))
	require.NoError(t, err)

	r := s.NewReader()
	off, err := r.Seek(6, io.SeekStart)
	require.NoError(t, err)
	assert.Equal(t, int64(6), off)

	buf := make([]byte, 5)
	_, err = io.ReadFull(r, buf)
	require.NoError(t, err)
	assert.Equal(t, "world", string(buf))

	_, err = r.Seek(-1, io.SeekStart)
	assert.Error(t, err)

	s.finish(nil)
	end, err := r.Seek(0, io.SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(11), end)
}

func TestSpool_CloseUnblocksReaders(t *testing.T) {
	s := newSpool(0)
	r := s.NewReader()

	errCh := make(chan error, 1)
	go func() {
		_, err := r.Read(make([]byte, 4))
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, s.Close())
	assert.True(t, errors.Is(<-errCh, ErrSpoolClosed))

	_, err := s.Write([]byte("late"))
	assert.True(t, errors.Is(err, ErrSpoolClosed))
}

func TestStartSpool_HTTP(t *testing.T) {
	payload := bytes.Repeat([]byte{1, 2, 3, 4}, 4096)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/track.mp3" {
			http.NotFound(w, r)
			return
		}
		assert.Equal(t, "orchestrion-test", r.Header.Get("User-Agent"))
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	s, err := startSpool(context.Background(), srv.Client(), srv.URL+"/track.mp3", "orchestrion-test", 0)
	require.NoError(t, err)
	defer s.Close()

	got, err := io.ReadAll(s.NewReader())
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	n, done := s.Len()
	assert.Equal(t, len(payload), n)
	assert.True(t, done)

	_, err = startSpool(context.Background(), srv.Client(), srv.URL+"/missing", "", 0)
	assert.Error(t, err)
}

func TestSpool_WritePastLimit(t *testing.T) {
	s := newSpool(10)
	r := s.NewReader()

	_, err := s.Write([]byte("01234567"))
	require.NoError(t, err)
	_, err = s.Write([]byte("89ab"))
	assert.True(t, errors.Is(err, ErrSpoolLimit))

	n, _ := s.Len()
	assert.Equal(t, 8, n)

	s.finish(err)
	got, err := io.ReadAll(r)
	assert.True(t, errors.Is(err, ErrSpoolLimit))
	assert.Equal(t, []byte("01234567"), got)
}

func TestStartSpool_LimitEndsDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// No Content-Length: the size is only known while streaming.
		w.(http.Flusher).Flush()
		for i := 0; i < 8; i++ {
			_, _ = w.Write(make([]byte, 512))
		}
	}))
	defer srv.Close()

	s, err := startSpool(context.Background(), srv.Client(), srv.URL, "", 1000)
	require.NoError(t, err)
	defer s.Close()

	got, err := io.ReadAll(s.NewReader())
	assert.True(t, errors.Is(err, ErrSpoolLimit))
	assert.LessOrEqual(t, len(got), 1000)
}

func TestStartSpool_HugeContentLength(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, buf, err := w.(http.Hijacker).Hijack()
		if err != nil {
			t.Error(err)
			return
		}
		defer conn.Close()
		_, _ = buf.WriteString("HTTP/1.1 200 OK\r\nContent-Length: 4611686018427387904\r\n\r\nRIFF")
		_ = buf.Flush()
	}))
	defer srv.Close()

	s, err := startSpool(context.Background(), srv.Client(), srv.URL, "", 0)
	require.NoError(t, err)
	defer s.Close()

	got, err := io.ReadAll(s.NewReader())
	assert.Error(t, err)
	assert.Equal(t, []byte("RIFF"), got)

	_, err = startSpool(context.Background(), srv.Client(), srv.URL, "", 1<<20)
	assert.True(t, errors.Is(err, ErrSpoolLimit))
}
