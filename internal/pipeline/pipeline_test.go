package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"hlsget/internal/download"
	"hlsget/internal/logger"
	"hlsget/internal/merge"
	"hlsget/internal/workdir"
)

const testPlaylist = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:10
#EXTINF:9.0,
0.ts
#EXTINF:9.0,
1.ts
#EXT-X-DISCONTINUITY
#EXTINF:9.0,
2.ts
#EXT-X-ENDLIST
`

// copyEngine satisfies the engine interface by writing marker bytes, so the
// pipeline's output checks pass without a real binary.
type copyEngine struct{ calls []string }

func (c *copyEngine) Check() error { return nil }

func (c *copyEngine) Remux(_ context.Context, playlist, output string) error {
	c.calls = append(c.calls, "remux")
	return os.WriteFile(output, []byte("mp4"), 0o644)
}

func (c *copyEngine) ConcatDemuxer(_ context.Context, _, output string) error {
	c.calls = append(c.calls, "demuxer")
	return os.WriteFile(output, []byte("mp4mp4"), 0o644)
}

func (c *copyEngine) ConcatProtocol(_ context.Context, _ []string, output string) error {
	c.calls = append(c.calls, "protocol")
	return os.WriteFile(output, []byte("mp4mp4"), 0o644)
}

func vodServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, ".m3u8") {
			w.Header().Set("Last-Modified", "Mon, 02 Jan 2006 15:04:05 GMT")
			fmt.Fprint(w, testPlaylist)
			return
		}
		fmt.Fprintf(w, "segment %s", r.URL.Path)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newPipeline(t *testing.T, srv *httptest.Server, opts Options) (*Pipeline, *copyEngine) {
	t.Helper()
	eng := &copyEngine{}
	return &Pipeline{
		Client: srv.Client(),
		Engine: eng,
		Log:    logger.Discard(),
		Cache:  &workdir.Cache{Path: filepath.Join(t.TempDir(), "workdirs.json")},
		Opts:   opts,
	}, eng
}

func TestRunEndToEnd(t *testing.T) {
	srv := vodServer(t)
	dest := filepath.Join(t.TempDir(), "show.mp4")
	p, eng := newPipeline(t, srv, Options{Jobs: 2})

	res, err := p.Run(context.Background(), srv.URL+"/index.m3u8", dest)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Skipped || res.Destination != dest {
		t.Fatalf("unexpected result: %+v", res)
	}
	if _, err := os.Stat(dest); err != nil {
		t.Fatalf("output missing: %v", err)
	}

	// Two parts around the discontinuity, then one concat.
	var remuxes int
	for _, c := range eng.calls {
		if c == "remux" {
			remuxes++
		}
	}
	if remuxes != 2 || eng.calls[len(eng.calls)-1] != "demuxer" {
		t.Fatalf("engine calls = %v", eng.calls)
	}

	workDir := strings.TrimSuffix(dest, ".mp4")
	if _, err := os.Stat(workDir); !os.IsNotExist(err) {
		t.Fatal("workdir not cleaned up after success")
	}

	info, _ := os.Stat(dest)
	if info.ModTime().Year() != 2006 {
		t.Fatalf("mtime not taken from Last-Modified: %v", info.ModTime())
	}
}

func TestRunKeepsWorkdir(t *testing.T) {
	srv := vodServer(t)
	dest := filepath.Join(t.TempDir(), "show.mp4")
	p, _ := newPipeline(t, srv, Options{Jobs: 2, Keep: true})

	if _, err := p.Run(context.Background(), srv.URL+"/index.m3u8", dest); err != nil {
		t.Fatalf("Run: %v", err)
	}
	workDir := strings.TrimSuffix(dest, ".mp4")
	if _, err := os.Stat(filepath.Join(workDir, "0.ts")); err != nil {
		t.Fatalf("kept workdir is missing segments: %v", err)
	}
}

func TestRunRefusesExistingDestination(t *testing.T) {
	srv := vodServer(t)
	dest := filepath.Join(t.TempDir(), "show.mp4")
	if err := os.WriteFile(dest, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}
	p, eng := newPipeline(t, srv, Options{})

	_, err := p.Run(context.Background(), srv.URL+"/index.m3u8", dest)
	var destErr *DestinationError
	if !errors.As(err, &destErr) {
		t.Fatalf("want DestinationError, got %v", err)
	}
	if len(eng.calls) != 0 {
		t.Fatal("work started despite existing destination")
	}
}

func TestRunExistOKSkips(t *testing.T) {
	srv := vodServer(t)
	dest := filepath.Join(t.TempDir(), "show.mp4")
	if err := os.WriteFile(dest, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}
	p, _ := newPipeline(t, srv, Options{ExistOK: true})

	res, err := p.Run(context.Background(), srv.URL+"/index.m3u8", dest)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Skipped {
		t.Fatal("existing destination was not skipped")
	}
	data, _ := os.ReadFile(dest)
	if string(data) != "old" {
		t.Fatal("existing destination was touched")
	}
}

func TestRunForceReplacesAndDropsBackup(t *testing.T) {
	srv := vodServer(t)
	dest := filepath.Join(t.TempDir(), "show.mp4")
	if err := os.WriteFile(dest, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}
	p, _ := newPipeline(t, srv, Options{Force: true})

	if _, err := p.Run(context.Background(), srv.URL+"/index.m3u8", dest); err != nil {
		t.Fatalf("Run: %v", err)
	}
	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("output missing: %v", err)
	}
	if string(data) == "old" {
		t.Fatal("destination was not replaced")
	}
	if _, err := os.Stat(dest + ".bak"); !os.IsNotExist(err) {
		t.Fatal("backup not removed after success")
	}
}

func TestRunResumesIntoCachedWorkdir(t *testing.T) {
	srv := vodServer(t)
	tmp := t.TempDir()
	cached := filepath.Join(tmp, "elsewhere")
	if err := os.MkdirAll(cached, 0o755); err != nil {
		t.Fatal(err)
	}

	p, _ := newPipeline(t, srv, Options{Keep: true})
	sourceURL := srv.URL + "/index.m3u8"
	p.Cache.Store(sourceURL, cached)

	dest := filepath.Join(tmp, "show.mp4")
	if _, err := p.Run(context.Background(), sourceURL, dest); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, err := os.Stat(filepath.Join(cached, "0.ts")); err != nil {
		t.Fatalf("cached workdir unused: %v", err)
	}
}

func TestRunSecondRunDownloadsNoSegments(t *testing.T) {
	var segmentHits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, ".m3u8") {
			fmt.Fprint(w, testPlaylist)
			return
		}
		atomic.AddInt32(&segmentHits, 1)
		fmt.Fprintf(w, "segment %s", r.URL.Path)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "show.mp4")
	p, _ := newPipeline(t, srv, Options{Jobs: 2, Keep: true})
	sourceURL := srv.URL + "/index.m3u8"

	if _, err := p.Run(context.Background(), sourceURL, dest); err != nil {
		t.Fatalf("first run: %v", err)
	}
	after := atomic.LoadInt32(&segmentHits)

	p.Opts.Force = true
	if _, err := p.Run(context.Background(), sourceURL, dest); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if got := atomic.LoadInt32(&segmentHits); got != after {
		t.Fatalf("second run fetched %d segments; want 0", got-after)
	}
}

func TestRunWipeRespectsLiveLock(t *testing.T) {
	srv := vodServer(t)
	dest := filepath.Join(t.TempDir(), "show.mp4")
	workDir := strings.TrimSuffix(dest, ".mp4")
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		t.Fatal(err)
	}
	seg := filepath.Join(workDir, "0.ts")
	if err := os.WriteFile(seg, []byte("live bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	lock, err := workdir.AcquireLock(workDir, logger.Discard())
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		_ = lock.Release()
	}()

	p, _ := newPipeline(t, srv, Options{Wipe: true})
	_, err = p.Run(context.Background(), srv.URL+"/index.m3u8", dest)
	var conflict *workdir.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("want ConflictError, got %v", err)
	}
	// The locked-out run must not have touched the live working set.
	data, err := os.ReadFile(seg)
	if err != nil || string(data) != "live bytes" {
		t.Fatalf("live instance's segment was wiped: %q, %v", data, err)
	}
}

func TestRunRejectsMasterPlaylist(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=1280000\nlow.m3u8\n")
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "show.mp4")
	p, _ := newPipeline(t, srv, Options{})
	if _, err := p.Run(context.Background(), srv.URL+"/master.m3u8", dest); err == nil {
		t.Fatal("want error for multi-rendition playlist")
	}
}

func TestResolveOutput(t *testing.T) {
	cases := []struct {
		url, output, want string
		wantErr           bool
	}{
		{"https://vod.example/a/show.m3u8", "", "show.mp4", false},
		{"https://vod.example/a/show.m3u8", "custom.mp4", "custom.mp4", false},
		{"https://vod.example/", "", "", true},
		{"not a url", "", "", true},
	}
	for _, c := range cases {
		got, err := ResolveOutput(c.url, c.output)
		if c.wantErr {
			if err == nil {
				t.Fatalf("ResolveOutput(%q, %q): want error", c.url, c.output)
			}
			continue
		}
		if err != nil || got != c.want {
			t.Fatalf("ResolveOutput(%q, %q) = %q, %v", c.url, c.output, got, err)
		}
	}
}

func TestStageRetryable(t *testing.T) {
	if !stageRetryable(&download.SegmentError{Sequence: 1}) {
		t.Fatal("segment errors should retry the stage")
	}
	if !stageRetryable(&merge.RemuxError{PartID: 0, Err: errors.New("boom")}) {
		t.Fatal("remux errors should retry the stage")
	}
	if stageRetryable(&DestinationError{Path: "x"}) {
		t.Fatal("destination errors must not retry")
	}
}
