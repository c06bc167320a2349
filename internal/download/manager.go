// Package download schedules every segment of a job across a bounded pool
// of workers, with bounded retries, crash-safe resume against the workdir
// state, and per-part completion signaling so remuxing can start before the
// whole presentation has arrived.
package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"hlsget/internal/hls"
	"hlsget/internal/logger"
	"hlsget/internal/model"
	"hlsget/internal/progress"
	"hlsget/internal/workdir"
)

const copyBufferSize = 64 * 1024

// SegmentError is the job-fatal failure of one segment after its retry
// budget is spent.
type SegmentError struct {
	Sequence int
	URL      string
	Attempts int
	Err      error
}

func (e *SegmentError) Error() string {
	return fmt.Sprintf("segment %d (%s): failed after %d attempts: %v", e.Sequence, e.URL, e.Attempts, e.Err)
}

func (e *SegmentError) Unwrap() error { return e.Err }

// permanentError marks a failure retrying cannot fix (e.g. HTTP 404).
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Options tunes the manager.
type Options struct {
	// Workers is the pool size; it also caps in-flight connections.
	// Default is twice the logical processor count.
	Workers int
	// Retries bounds re-attempts per segment; 0 disables retries.
	Retries int
	// Timeout applies to each individual segment fetch.
	Timeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 2 * runtime.GOMAXPROCS(0)
	}
	if o.Retries < 0 {
		o.Retries = 0
	}
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	return o
}

// PartEvent announces the terminal download outcome of one part. Err is nil
// when every segment succeeded and the part is ready for remuxing.
type PartEvent struct {
	Part *model.Part
	Err  error
}

// Result aggregates a whole run.
type Result struct {
	Downloaded int
	Reused     int
	Failed     int
}

// Manager drives the worker pool for one job.
type Manager struct {
	Client *http.Client
	Log    logger.Logger
	Sink   progress.Sink
	Opts   Options
}

type task struct {
	seg      model.Segment
	part     *partState
	attempts int
	status   string
}

// transition moves the task between statuses, rejecting illegal moves the
// same way part and job transitions are rejected.
func (t *task) transition(to string) error {
	if !model.CanTransitionTask(t.status, to) {
		return fmt.Errorf("invalid task status transition: %q -> %q (segment=%d)", t.status, to, t.seg.Sequence)
	}
	t.status = to
	return nil
}

type partState struct {
	part      *model.Part
	remaining int
	failed    bool
	started   bool
}

// Run downloads every segment of every part. Part readiness (or failure) is
// reported on ready as soon as it is known; the channel is closed when the
// run ends. ready must have capacity for at least len(parts) events. The
// returned error is the first segment failure, or the context error on
// cancellation.
func (m *Manager) Run(ctx context.Context, parts []*model.Part, store *workdir.Store, ready chan<- PartEvent) (Result, error) {
	opts := m.Opts.withDefaults()
	sink := m.Sink
	if sink == nil {
		sink = progress.NopSink{}
	}

	var tasks []*task
	for _, p := range parts {
		ps := &partState{part: p, remaining: len(p.Segments)}
		for _, seg := range p.Segments {
			tasks = append(tasks, &task{seg: seg, part: ps, status: model.TaskPending})
		}
	}
	if ready != nil {
		defer close(ready)
	}
	if len(tasks) == 0 {
		return Result{}, errors.New("no segments to download")
	}

	workers := opts.Workers
	if workers > len(tasks) {
		workers = len(tasks)
	}
	m.Log.Infof("downloading %d segments across %d parts with %d workers", len(tasks), len(parts), workers)
	sink.Stage("downloading")

	// A task sits in the queue or belongs to exactly one worker, so the
	// buffer can hold every task and re-enqueueing never blocks.
	queue := make(chan *task, len(tasks))
	for _, t := range tasks {
		queue <- t
	}

	var (
		mu        sync.Mutex
		remaining = int64(len(tasks))
		result    Result
		firstErr  error
	)

	finish := func(t *task, ps *partState, err error) {
		mu.Lock()
		if err == nil {
			ps.remaining--
			if ps.remaining == 0 && !ps.failed {
				_ = model.TransitionPart(ps.part, model.PartDownloaded)
				sink.PartDone(ps.part.ID)
				if ready != nil {
					ready <- PartEvent{Part: ps.part}
				}
			}
		} else {
			result.Failed++
			if firstErr == nil {
				firstErr = err
			}
			if !ps.failed {
				ps.failed = true
				_ = model.TransitionPart(ps.part, model.PartFailed)
				if ready != nil {
					ready <- PartEvent{Part: ps.part, Err: err}
				}
			}
			sink.SegmentFailed(t.seg.Sequence)
		}
		mu.Unlock()
		if atomic.AddInt64(&remaining, -1) == 0 {
			close(queue)
		}
	}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case t, ok := <-queue:
					if !ok {
						return
					}
					m.runTask(ctx, t, store, sink, opts, queue, finish, &result, &mu)
				}
			}
		}()
	}
	wg.Wait()

	if ctx.Err() != nil {
		return result, ctx.Err()
	}
	mu.Lock()
	defer mu.Unlock()
	return result, firstErr
}

// runTask drives one task to a terminal status or back into the queue.
func (m *Manager) runTask(ctx context.Context, t *task, store *workdir.Store, sink progress.Sink,
	opts Options, queue chan<- *task, finish func(*task, *partState, error), result *Result, mu *sync.Mutex) {

	ps := t.part
	mu.Lock()
	if !ps.started {
		ps.started = true
		if ps.part.Status == model.PartPlanned {
			_ = model.TransitionPart(ps.part, model.PartDownloading)
		}
	}
	mu.Unlock()

	seq := t.seg.Sequence
	if t.attempts == 0 && store.VerifiedComplete(seq) {
		m.Log.Debugf("segment %d verified on disk; skipping download", seq)
		_ = t.transition(model.TaskSucceeded)
		mu.Lock()
		result.Reused++
		mu.Unlock()
		sink.SegmentDone(seq, 0, true)
		finish(t, ps, nil)
		return
	}

	if err := t.transition(model.TaskInFlight); err != nil {
		finish(t, ps, &SegmentError{Sequence: seq, URL: t.seg.URI, Attempts: t.attempts, Err: err})
		return
	}
	if t.attempts == 0 {
		if err := store.DiscardSegment(seq); err != nil {
			_ = t.transition(model.TaskFailedFatal)
			finish(t, ps, &SegmentError{Sequence: seq, URL: t.seg.URI, Attempts: t.attempts, Err: err})
			return
		}
	}

	t.attempts++
	size, err := m.fetchSegment(ctx, t.seg, store)
	if err == nil {
		_ = t.transition(model.TaskSucceeded)
		mu.Lock()
		result.Downloaded++
		mu.Unlock()
		sink.SegmentDone(seq, size, false)
		finish(t, ps, nil)
		return
	}

	if ctx.Err() != nil {
		// Cancellation is not a segment failure; leave the task
		// non-terminal so a resumed run picks it up.
		return
	}

	var perm *permanentError
	retryable := !errors.As(err, &perm)
	if retryable && t.attempts <= opts.Retries {
		_ = t.transition(model.TaskFailedRetry)
		delay := hls.BackoffDelay(t.attempts)
		m.Log.Warnf("GET %s failed (%v); retrying in %s (%d/%d)", t.seg.URI, err, delay, t.attempts, opts.Retries)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		queue <- t
		return
	}

	_ = t.transition(model.TaskFailedFatal)
	m.Log.Errorf("GET %s failed permanently: %v", t.seg.URI, err)
	finish(t, ps, &SegmentError{Sequence: seq, URL: t.seg.URI, Attempts: t.attempts, Err: err})
}

// fetchSegment performs a single network attempt, streaming the body to the
// segment's partial file and recording completion only after the bytes are
// flushed and renamed into place.
func (m *Manager) fetchSegment(ctx context.Context, seg model.Segment, store *workdir.Store) (int64, error) {
	opts := m.Opts.withDefaults()
	reqCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, seg.URI, nil)
	if err != nil {
		return 0, &permanentError{err: err}
	}
	if seg.ByteRange != nil {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d",
			seg.ByteRange.Offset, seg.ByteRange.Offset+seg.ByteRange.Length-1))
	}

	m.Log.Debugf("GET %s", seg.URI)
	resp, err := m.Client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusPartialContent:
	case resp.StatusCode >= 400 && resp.StatusCode < 500 &&
		resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests:
		return 0, &permanentError{err: fmt.Errorf("HTTP %d", resp.StatusCode)}
	default:
		return 0, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	partial := store.PartialPath(seg.Sequence)
	file, err := os.OpenFile(partial, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, &permanentError{err: err}
	}

	hash := sha256.New()
	buf := make([]byte, copyBufferSize)
	written, err := io.CopyBuffer(io.MultiWriter(file, hash), resp.Body, buf)
	if err != nil {
		_ = file.Close()
		_ = os.Remove(partial)
		return 0, fmt.Errorf("read body: %w", err)
	}
	if want := expectedLength(seg, resp); want >= 0 && written != want {
		_ = file.Close()
		_ = os.Remove(partial)
		return 0, fmt.Errorf("short read: got %d of %d bytes", written, want)
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		_ = os.Remove(partial)
		return 0, fmt.Errorf("flush %s: %w", partial, err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(partial)
		return 0, fmt.Errorf("close %s: %w", partial, err)
	}

	final := store.SegmentPath(seg.Sequence)
	if err := os.Rename(partial, final); err != nil {
		_ = os.Remove(partial)
		return 0, fmt.Errorf("rename %s: %w", partial, err)
	}
	if err := store.RecordCompletion(seg.Sequence, written, hex.EncodeToString(hash.Sum(nil))); err != nil {
		return 0, fmt.Errorf("record completion of segment %d: %w", seg.Sequence, err)
	}
	return written, nil
}

// expectedLength is the byte count the attempt must deliver, or -1 when the
// server did not declare one.
func expectedLength(seg model.Segment, resp *http.Response) int64 {
	if seg.ByteRange != nil {
		return seg.ByteRange.Length
	}
	return resp.ContentLength
}
