// Package pipeline runs one job end to end: resolve the destination, claim a
// working directory, fetch and plan the playlist, download and merge
// concurrently, and move the artifact into place.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"hlsget/internal/download"
	"hlsget/internal/ffmpeg"
	"hlsget/internal/hls"
	"hlsget/internal/logger"
	"hlsget/internal/merge"
	"hlsget/internal/model"
	"hlsget/internal/progress"
	"hlsget/internal/workdir"
)

// retryPause separates whole-stage retry attempts.
const retryPause = 5 * time.Second

// DestinationError reports an unusable output path.
type DestinationError struct {
	Path   string
	Reason string
}

func (e *DestinationError) Error() string {
	return fmt.Sprintf("destination %s: %s", e.Path, e.Reason)
}

// Options tunes a single job.
type Options struct {
	Force        bool
	ExistOK      bool
	Keep         bool
	Wipe         bool
	Jobs         int
	Retries      int
	ConcatMethod merge.ConcatStrategy
	Workdir      string
	Workroot     string
}

// SinkFactory builds the progress sink once the plan size is known. The
// returned stop function runs when the job ends, success or not.
type SinkFactory func(title string, totalSegments, totalParts int) (progress.Sink, func())

// Pipeline executes single jobs.
type Pipeline struct {
	Client  *http.Client
	Engine  ffmpeg.Engine
	Log     logger.Logger
	Cache   *workdir.Cache
	NewSink SinkFactory
	Opts    Options
}

// RunResult is the outcome of one completed job.
type RunResult struct {
	Destination string
	Skipped     bool
}

// Run processes one source URL into one local artifact.
func (p *Pipeline) Run(ctx context.Context, sourceURL, output string) (RunResult, error) {
	dest, err := ResolveOutput(sourceURL, output)
	if err != nil {
		return RunResult{}, err
	}

	backup, skipped, err := p.prepareDestination(dest)
	if err != nil {
		return RunResult{}, err
	}
	if skipped {
		p.Log.Infof("%s already exists; skipping", dest)
		return RunResult{Destination: dest, Skipped: true}, nil
	}

	dir, err := p.claimWorkdir(sourceURL, dest)
	if err != nil {
		return RunResult{}, err
	}
	store, err := workdir.Open(dir, p.Log)
	if err != nil {
		return RunResult{}, err
	}
	lock, err := workdir.AcquireLock(dir, p.Log)
	if err != nil {
		return RunResult{}, err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			p.Log.Warnf("%v", err)
		}
	}()
	// Only the lock holder may destroy the working set.
	if p.Opts.Wipe {
		p.Log.Infof("wiping %s", dir)
		if err := store.Wipe(); err != nil {
			return RunResult{}, err
		}
	}

	fetcher := &hls.Fetcher{Client: p.Client, Log: p.Log, Retries: p.Opts.Retries}
	res, err := fetcher.Fetch(ctx, sourceURL)
	if err != nil {
		return RunResult{}, err
	}
	if err := workdir.WriteBytes(store.RemoteManifestPath(), res.Raw); err != nil {
		return RunResult{}, err
	}
	if err := store.Reconcile(sourceURL, res.Plan); err != nil {
		return RunResult{}, err
	}

	parts, err := model.BuildParts(res.Plan)
	if err != nil {
		return RunResult{}, err
	}
	p.Log.Infof("%s: %d segments in %d parts, %.0fs total",
		sourceURL, len(res.Plan.Segments), len(parts), res.Plan.TotalDuration())

	sink, stopSink := p.makeSink(dest, len(res.Plan.Segments), len(parts))
	defer stopSink()

	merged, err := p.downloadAndMerge(ctx, res.Plan, store, sink, dest)
	if err != nil {
		return RunResult{}, err
	}

	if err := workdir.Finalize(merged, dest); err != nil {
		return RunResult{}, err
	}
	if !res.Modified.IsZero() {
		if err := os.Chtimes(dest, time.Now(), res.Modified); err != nil {
			p.Log.Warnf("could not set mtime on %s: %v", dest, err)
		}
	}
	if backup != "" {
		if err := os.Remove(backup); err != nil {
			p.Log.Warnf("could not remove backup %s: %v", backup, err)
		}
	}
	p.cleanup(sourceURL, store)
	p.Log.Infof("done: %s", dest)
	return RunResult{Destination: dest}, nil
}

// downloadAndMerge runs the whole stage, retrying it from the top on
// retryable failures. Completed segments survive between attempts through
// the store, so a retry only redoes what actually failed.
func (p *Pipeline) downloadAndMerge(ctx context.Context, plan *model.SegmentPlan, store *workdir.Store, sink progress.Sink, dest string) (string, error) {
	mgr := &download.Manager{
		Client: p.Client,
		Log:    p.Log,
		Sink:   sink,
		Opts:   download.Options{Workers: p.Opts.Jobs, Retries: p.Opts.Retries},
	}
	merger := &merge.Merger{
		Engine:   p.Engine,
		Log:      p.Log,
		Sink:     sink,
		Strategy: p.Opts.ConcatMethod,
		Keep:     p.Opts.Keep,
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			p.Log.Warnf("download failed (%v); restarting stage in %s (%d/%d)", lastErr, retryPause, attempt, p.Opts.Retries)
			select {
			case <-time.After(retryPause):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		// Part status is per-attempt state; rebuild from the plan.
		parts, err := model.BuildParts(plan)
		if err != nil {
			return "", err
		}

		stageCtx, cancel := context.WithCancel(ctx)
		ready := make(chan download.PartEvent, len(parts))
		dlDone := make(chan error, 1)
		go func() {
			_, err := mgr.Run(stageCtx, parts, store, ready)
			dlDone <- err
		}()
		merged, mergeErr := merger.Run(stageCtx, ready, len(parts), plan.TargetDuration, store, dest)
		if mergeErr != nil {
			// Stop in-flight downloads; their segments resume next attempt.
			cancel()
		}
		dlErr := <-dlDone
		cancel()

		if mergeErr == nil && dlErr == nil {
			return merged, nil
		}
		lastErr = mergeErr
		if lastErr == nil {
			lastErr = dlErr
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if attempt >= p.Opts.Retries || !stageRetryable(lastErr) {
			return "", lastErr
		}
	}
}

// stageRetryable reports whether a failure is worth a whole-stage retry.
// Exhausted segments and engine failures often clear up; a bad destination
// or unusable playlist never will.
func stageRetryable(err error) bool {
	var segErr *download.SegmentError
	var remuxErr *merge.RemuxError
	var concatErr *merge.ConcatError
	return errors.As(err, &segErr) || errors.As(err, &remuxErr) || errors.As(err, &concatErr)
}

// ResolveOutput derives the destination path: an explicit output wins, else
// the URL's basename with the playlist extension swapped for .mp4.
func ResolveOutput(sourceURL, output string) (string, error) {
	if strings.TrimSpace(output) != "" {
		return output, nil
	}
	u, err := url.Parse(sourceURL)
	if err != nil || !u.IsAbs() {
		return "", &hls.ManifestError{URL: sourceURL, Reason: "not an absolute URL"}
	}
	stem := strings.TrimSuffix(filepath.Base(u.Path), filepath.Ext(u.Path))
	if stem == "" || stem == "." || stem == "/" {
		return "", &DestinationError{Path: sourceURL, Reason: "cannot derive an output name; pass one explicitly"}
	}
	return stem + ".mp4", nil
}

// prepareDestination enforces the existence policy and probes that the
// target directory is writable before any bytes move. The returned backup
// path is non-empty when force moved an existing file aside.
func (p *Pipeline) prepareDestination(dest string) (backup string, skipped bool, err error) {
	if info, statErr := os.Stat(dest); statErr == nil {
		if info.IsDir() {
			return "", false, &DestinationError{Path: dest, Reason: "is a directory"}
		}
		switch {
		case p.Opts.ExistOK:
			return "", true, nil
		case p.Opts.Force:
			backup = backupName(dest)
			if err := os.Rename(dest, backup); err != nil {
				return "", false, &DestinationError{Path: dest, Reason: fmt.Sprintf("cannot move aside: %v", err)}
			}
			p.Log.Infof("moved existing %s to %s", dest, backup)
		default:
			return "", false, &DestinationError{Path: dest, Reason: "already exists (use force to overwrite)"}
		}
	}

	dir := filepath.Dir(dest)
	if err := workdir.Mkdir(dir); err != nil {
		return backup, false, &DestinationError{Path: dest, Reason: err.Error()}
	}
	probe, err := os.CreateTemp(dir, ".hlsget-probe-*")
	if err != nil {
		return backup, false, &DestinationError{Path: dest, Reason: fmt.Sprintf("directory not writable: %v", err)}
	}
	probe.Close()
	_ = os.Remove(probe.Name())
	return backup, false, nil
}

// backupName picks an unused .bak sibling for dest.
func backupName(dest string) string {
	candidate := dest + ".bak"
	if _, err := os.Stat(candidate); os.IsNotExist(err) {
		return candidate
	}
	return fmt.Sprintf("%s.%s.bak", dest, time.Now().UTC().Format("20060102T150405"))
}

// claimWorkdir finds the working directory for this job, preferring the one
// a previous interrupted run used for the same URL.
func (p *Pipeline) claimWorkdir(sourceURL, dest string) (string, error) {
	if p.Opts.Workdir == "" && p.Cache != nil {
		if dir, ok := p.Cache.Lookup(sourceURL); ok {
			p.Log.Infof("resuming into cached workdir %s", dir)
			return dir, nil
		}
	}
	dir, err := workdir.Derive(dest, p.Opts.Workdir, p.Opts.Workroot)
	if err != nil {
		return "", err
	}
	if p.Cache != nil {
		p.Cache.Store(sourceURL, dir)
	}
	return dir, nil
}

func (p *Pipeline) makeSink(dest string, totalSegments, totalParts int) (progress.Sink, func()) {
	if p.NewSink == nil {
		return progress.NopSink{}, func() {}
	}
	return p.NewSink(filepath.Base(dest), totalSegments, totalParts)
}

// cleanup removes the working directory after success unless keep is set,
// and prunes the empty workroot subtree it leaves behind.
func (p *Pipeline) cleanup(sourceURL string, store *workdir.Store) {
	if p.Opts.Keep {
		p.Log.Infof("keeping workdir %s", store.Root)
		return
	}
	if err := store.RemoveAll(); err != nil {
		p.Log.Warnf("could not remove workdir %s: %v", store.Root, err)
		return
	}
	if p.Cache != nil {
		p.Cache.Drop(sourceURL)
	}
	if p.Opts.Workroot != "" {
		workdir.PruneEmptyDirs(filepath.Dir(store.Root), p.Opts.Workroot)
	}
}
