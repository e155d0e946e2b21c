package transfer

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyonlab/gamedelivery/internal/progress"
)

// rangeServer serves payload with byte-range support, like a real CDN.
func rangeServer(t *testing.T, payload []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		offset := int64(0)
		if rng := r.Header.Get("Range"); rng != "" {
			val := strings.TrimSuffix(strings.TrimPrefix(rng, "bytes="), "-")
			n, err := strconv.ParseInt(val, 10, 64)
			require.NoError(t, err)
			offset = n
			w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, int64(len(payload))-1, len(payload)))
			w.Header().Set("Content-Length", strconv.Itoa(len(payload)-int(offset)))
			w.WriteHeader(http.StatusPartialContent)
		}
		w.Write(payload[offset:])
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDownloadFresh(t *testing.T) {
	payload := []byte("the quick brown fox jumps over the lazy dog")
	srv := rangeServer(t, payload)

	dest := filepath.Join(t.TempDir(), "out.bin")
	engine := NewEngine(srv.Client(), 1, nil)
	require.NoError(t, engine.Download(context.Background(), srv.URL, dest, progress.Discard))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	_, err = os.Stat(dest + PartialSuffix)
	assert.True(t, os.IsNotExist(err), "partial sentinel must be renamed away")
}

func TestDownloadResumesFromPartial(t *testing.T) {
	payload := []byte("0123456789abcdefghijklmnopqrstuvwxyz")
	srv := rangeServer(t, payload)

	dir := t.TempDir()
	dest := filepath.Join(dir, "out.bin")
	// Simulate an interrupted earlier attempt.
	require.NoError(t, os.WriteFile(dest+PartialSuffix, payload[:10], 0o644))

	var sawRange atomic.Bool
	client := srv.Client()
	client.Transport = roundTripFunc(func(r *http.Request) (*http.Response, error) {
		if r.Header.Get("Range") == "bytes=10-" {
			sawRange.Store(true)
		}
		return http.DefaultTransport.RoundTrip(r)
	})

	engine := NewEngine(client, 1, nil)
	require.NoError(t, engine.Download(context.Background(), srv.URL, dest, progress.Discard))

	assert.True(t, sawRange.Load(), "resume must send a range request")
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestDownloadRestartsWhenRangeIgnored(t *testing.T) {
	payload := []byte("full payload served without range support")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Always 200, range header or not.
		w.Write(payload)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "out.bin")
	require.NoError(t, os.WriteFile(dest+PartialSuffix, []byte("stale partial bytes"), 0o644))

	engine := NewEngine(srv.Client(), 1, nil)
	require.NoError(t, engine.Download(context.Background(), srv.URL, dest, progress.Discard))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, got, "stale partial must be discarded on a 200")
}

func TestDownloadStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "out.bin")
	engine := NewEngine(srv.Client(), 1, nil)
	err := engine.Download(context.Background(), srv.URL, dest, progress.Discard)

	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.Code)
}

func TestCancelPreservesPartial(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000000")
		w.Write(make([]byte, 64<<10))
		w.(http.Flusher).Flush()
		<-release
	}))
	defer srv.Close()
	defer close(release)

	dest := filepath.Join(t.TempDir(), "out.bin")
	engine := NewEngine(srv.Client(), 1, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- engine.Download(ctx, srv.URL, dest, progress.Discard)
	}()

	require.Eventually(t, func() bool {
		info, err := os.Stat(dest + PartialSuffix)
		return err == nil && info.Size() > 0
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	err := <-done
	require.ErrorIs(t, err, context.Canceled)

	info, statErr := os.Stat(dest + PartialSuffix)
	require.NoError(t, statErr)
	assert.Greater(t, info.Size(), int64(0), "cancel keeps bytes for a later resume")
	_, statErr = os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr))
}

func TestPauseAndResume(t *testing.T) {
	payload := make([]byte, 512<<10)
	srv := rangeServer(t, payload)

	dest := filepath.Join(t.TempDir(), "out.bin")
	engine := NewEngine(srv.Client(), 1, nil)

	done := make(chan error, 1)
	go func() {
		done <- engine.Download(context.Background(), srv.URL, dest, progress.Discard)
	}()

	var paused bool
	require.Eventually(t, func() bool {
		for _, snap := range engine.Tasks() {
			if engine.Pause(snap.ID) {
				paused = true
				return true
			}
		}
		// The task may already have finished on a fast filesystem.
		select {
		case err := <-done:
			done <- err
			return true
		default:
			return false
		}
	}, 5*time.Second, time.Millisecond)

	if paused {
		for _, snap := range engine.Tasks() {
			assert.True(t, engine.Resume(snap.ID))
		}
	}
	require.NoError(t, <-done)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestClearPartial(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "out.bin")
	require.NoError(t, os.WriteFile(dest+PartialSuffix, []byte("x"), 0o644))
	require.NoError(t, ClearPartial(dest))
	require.NoError(t, ClearPartial(dest)) // idempotent
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }
