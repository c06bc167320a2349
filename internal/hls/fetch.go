package hls

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	"hlsget/internal/logger"
	"hlsget/internal/model"
)

const (
	fetchTimeout    = 10 * time.Second
	backoffBase     = time.Second
	backoffCap      = 30 * time.Second
	maxManifestSize = 32 << 20
)

// Fetcher retrieves a playlist and parses it into a segment plan. The retry
// policy is the same bounded, jittered, exponential one used for segment
// downloads.
type Fetcher struct {
	Client  *http.Client
	Log     logger.Logger
	Retries int
}

// FetchResult carries the plan plus response metadata the pipeline cares
// about (the server-reported modification time, used for the output mtime).
type FetchResult struct {
	Plan     *model.SegmentPlan
	Raw      []byte
	Modified time.Time
}

// Fetch downloads and parses the playlist at rawURL.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*FetchResult, error) {
	base, err := url.Parse(rawURL)
	if err != nil || !base.IsAbs() {
		return nil, &ManifestError{URL: rawURL, Reason: "not an absolute URL"}
	}

	var (
		body     []byte
		modified time.Time
		lastErr  error
	)
	for attempt := 0; attempt <= f.Retries; attempt++ {
		if attempt > 0 {
			delay := BackoffDelay(attempt)
			f.Log.Warnf("GET %s failed (%v); retrying in %s (%d/%d)", rawURL, lastErr, delay, attempt, f.Retries)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		body, modified, lastErr = f.fetchOnce(ctx, rawURL)
		if lastErr == nil {
			break
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	if lastErr != nil {
		return nil, &ManifestError{URL: rawURL, Reason: lastErr.Error()}
	}

	plan, err := Parse(base, body)
	if err != nil {
		return nil, err
	}
	if !plan.Ended {
		f.Log.Warnf("%s has no #EXT-X-ENDLIST; treating the playlist as ending at the last declared segment", rawURL)
	}
	return &FetchResult{Plan: plan, Raw: body, Modified: modified}, nil
}

func (f *Fetcher) fetchOnce(ctx context.Context, rawURL string) ([]byte, time.Time, error) {
	reqCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, time.Time{}, err
	}
	f.Log.Debugf("GET %s", rawURL)
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, time.Time{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, time.Time{}, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestSize))
	if err != nil {
		return nil, time.Time{}, err
	}
	return body, responseModTime(resp), nil
}

// responseModTime extracts the server-reported modification time, falling
// back to the Date header when Last-Modified is absent.
func responseModTime(resp *http.Response) time.Time {
	for _, header := range []string{"Last-Modified", "Date"} {
		if v := resp.Header.Get(header); v != "" {
			if t, err := http.ParseTime(v); err == nil {
				return t
			}
		}
	}
	return time.Time{}
}

// BackoffDelay is the shared retry pacing: exponential from one second,
// capped at thirty, with ±50% jitter so parallel workers don't retry in
// lockstep.
func BackoffDelay(attempt int) time.Duration {
	d := backoffBase << (attempt - 1)
	if d > backoffCap || d <= 0 {
		d = backoffCap
	}
	jitter := 0.5 + rand.Float64()
	return time.Duration(float64(d) * jitter)
}
