// Package transfer implements the resumable HTTP download engine. Downloads
// stream into a `<dest>.partial` sentinel file and are renamed over the
// destination on completion, so an interrupted transfer can resume with a
// range request and a crashed one never leaves a truncated destination.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/halcyonlab/gamedelivery/internal/progress"
)

// PartialSuffix marks an on-disk resume sentinel next to the destination.
const PartialSuffix = ".partial"

const copyBufferSize = 64 << 10

// HTTPStatusError is a non-success, non-partial-content response. It is
// terminal for the attempt; retry policy belongs to the caller.
type HTTPStatusError struct {
	Code int
	URL  string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.Code, e.URL)
}

// Engine performs bounded-concurrency resumable downloads. The admission gate
// is the only engine-wide shared resource; everything else is per-task.
type Engine struct {
	client  *http.Client
	sem     *semaphore.Weighted
	limiter *RateLimiter
	log     *logrus.Logger

	tasks *taskRegistry
}

// NewEngine builds an engine around an explicitly scoped HTTP client.
// maxConcurrent bounds simultaneous downloads; callers past the bound block
// until a slot frees or their context fires.
func NewEngine(client *http.Client, maxConcurrent int, log *logrus.Logger) *Engine {
	if client == nil {
		client = &http.Client{}
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 3
	}
	if log == nil {
		log = logrus.New()
	}
	return &Engine{
		client:  client,
		sem:     semaphore.NewWeighted(int64(maxConcurrent)),
		limiter: NewRateLimiter(0),
		log:     log,
		tasks:   newTaskRegistry(),
	}
}

// SetSpeedLimit caps combined throughput across all tasks, in bytes per
// second. Zero or below removes the cap.
func (e *Engine) SetSpeedLimit(bytesPerSec int64) { e.limiter.SetLimit(bytesPerSec) }

// Tasks returns snapshots of every active task.
func (e *Engine) Tasks() []Snapshot { return e.tasks.snapshots() }

// Pause suspends the named task without losing written bytes.
func (e *Engine) Pause(id uuid.UUID) bool { return e.tasks.withTask(id, (*Task).Pause) }

// Resume releases a paused task.
func (e *Engine) Resume(id uuid.UUID) bool { return e.tasks.withTask(id, (*Task).Resume) }

// Cancel aborts the named task, preserving its partial file.
func (e *Engine) Cancel(id uuid.UUID) bool { return e.tasks.withTask(id, (*Task).Cancel) }

// Download fetches url into dest, resuming from dest.partial when the server
// honours range requests. The task is registered for the duration of the call
// and removed on any terminal state.
func (e *Engine) Download(ctx context.Context, url, dest string, sink progress.Sink) error {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer e.sem.Release(1)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	task := &Task{
		ID:      uuid.New(),
		URL:     url,
		Dest:    dest,
		state:   StateIdle,
		tracker: progress.NewTracker(sink, progress.DefaultInterval),
		gate:    newPauseGate(),
		cancel:  cancel,
	}
	e.tasks.add(task)
	defer e.tasks.remove(task.ID)

	err := e.run(ctx, task)
	switch {
	case err == nil:
		task.setState(StateCompleted)
	case errors.Is(err, context.Canceled):
		task.setState(StateCancelled)
	default:
		task.setState(StateFailed)
	}
	task.tracker.Flush()
	return err
}

func (e *Engine) run(ctx context.Context, task *Task) error {
	if err := os.MkdirAll(filepath.Dir(task.Dest), 0o755); err != nil {
		return err
	}

	partialPath := task.Dest + PartialSuffix
	offset := int64(0)
	if info, err := os.Stat(partialPath); err == nil {
		offset = info.Size()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, task.URL, nil)
	if err != nil {
		return err
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", task.URL, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
		// resuming from offset
	case http.StatusOK:
		// A 200 against a range request means the server ignored it. A
		// partial file is never trusted against a non-resumable server.
		if offset > 0 {
			e.log.WithField("url", task.URL).Warn("server ignored range request, restarting from zero")
			offset = 0
		}
	default:
		return &HTTPStatusError{Code: resp.StatusCode, URL: task.URL}
	}

	flags := os.O_CREATE | os.O_WRONLY
	if offset == 0 {
		flags |= os.O_TRUNC
	} else {
		flags |= os.O_APPEND
	}
	out, err := os.OpenFile(partialPath, flags, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	if resp.ContentLength >= 0 {
		task.tracker.SetTotal(offset + resp.ContentLength)
	}
	task.tracker.Add(offset)
	task.tracker.Rebase()
	task.setState(StateDownloading)

	stream := e.limiter.Stream()
	defer stream.Close()

	buf := make([]byte, copyBufferSize)
	for {
		// Cooperative suspend point: a paused task blocks here with the
		// response stream intact; cancellation unblocks the wait.
		if err := task.gate.Wait(ctx); err != nil {
			return err
		}

		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return werr
			}
			task.tracker.Add(int64(n))
			if terr := stream.Throttle(ctx, n); terr != nil {
				return terr
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// The partial file stays intact for a later resume attempt.
			return fmt.Errorf("read %s: %w", task.URL, readErr)
		}
	}

	if err := out.Close(); err != nil {
		return err
	}
	return os.Rename(partialPath, task.Dest)
}

// ClearPartial removes the resume sentinel for dest. Only explicit
// user-initiated cache clearing goes through here; cancellation never does.
func ClearPartial(dest string) error {
	err := os.Remove(dest + PartialSuffix)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
