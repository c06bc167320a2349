package merge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"

	"hlsget/internal/download"
	"hlsget/internal/logger"
	"hlsget/internal/model"
	"hlsget/internal/workdir"
)

// fakeEngine records every invocation and writes a marker byte to each
// requested output so the size check passes.
type fakeEngine struct {
	calls      []string
	remuxErr   error
	emptyOuts  bool
	concatErr  error
	lastInputs []string
}

func (f *fakeEngine) Check() error { return nil }

func (f *fakeEngine) Remux(_ context.Context, playlist, output string) error {
	f.calls = append(f.calls, "remux "+playlist)
	if f.remuxErr != nil {
		return f.remuxErr
	}
	return f.writeOut(output)
}

func (f *fakeEngine) ConcatDemuxer(_ context.Context, listPath, output string) error {
	f.calls = append(f.calls, "demuxer "+listPath)
	if f.concatErr != nil {
		return f.concatErr
	}
	return f.writeOut(output)
}

func (f *fakeEngine) ConcatProtocol(_ context.Context, inputs []string, output string) error {
	f.calls = append(f.calls, "protocol")
	f.lastInputs = inputs
	return f.writeOut(output)
}

func (f *fakeEngine) writeOut(path string) error {
	if f.emptyOuts {
		return os.WriteFile(path, nil, 0o644)
	}
	return os.WriteFile(path, []byte("x"), 0o644)
}

func mergeFixture(t *testing.T, numParts int) (*workdir.Store, []*model.Part) {
	t.Helper()
	store, err := workdir.Open(t.TempDir(), logger.Discard())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	parts := make([]*model.Part, numParts)
	seq := 0
	for id := 0; id < numParts; id++ {
		p := &model.Part{ID: id, Status: model.PartDownloaded}
		for s := 0; s < 2; s++ {
			p.Segments = append(p.Segments, model.Segment{
				Sequence: seq,
				URI:      fmt.Sprintf("https://vod.example/%d.ts", seq),
				Duration: 6,
			})
			if err := os.WriteFile(store.SegmentPath(seq), []byte("ts"), 0o644); err != nil {
				t.Fatal(err)
			}
			seq++
		}
		parts[id] = p
	}
	return store, parts
}

func sendEvents(parts []*model.Part, order []int) chan download.PartEvent {
	ready := make(chan download.PartEvent, len(parts))
	for _, id := range order {
		ready <- download.PartEvent{Part: parts[id]}
	}
	close(ready)
	return ready
}

func TestRunRemuxesPartsInOrder(t *testing.T) {
	store, parts := mergeFixture(t, 3)
	eng := &fakeEngine{}
	m := &Merger{Engine: eng, Log: logger.Discard(), Keep: true}

	ready := sendEvents(parts, []int{2, 0, 1})
	merged, err := m.Run(context.Background(), ready, 3, 10, store, "show.mp4")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if merged != store.MergedPath("show.mp4") {
		t.Fatalf("merged path = %q", merged)
	}

	want := []string{
		"remux " + store.PartPlaylistPath(0),
		"remux " + store.PartPlaylistPath(1),
		"remux " + store.PartPlaylistPath(2),
		"demuxer " + store.ConcatListPath(),
	}
	if len(eng.calls) != len(want) {
		t.Fatalf("calls = %v", eng.calls)
	}
	for i := range want {
		if eng.calls[i] != want[i] {
			t.Fatalf("call %d = %q, want %q", i, eng.calls[i], want[i])
		}
	}
	for _, p := range parts {
		if p.Status != model.PartRemuxed {
			t.Fatalf("part %d status = %q", p.ID, p.Status)
		}
	}

	list, err := os.ReadFile(store.ConcatListPath())
	if err != nil {
		t.Fatalf("concat list: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(list)), "\n")
	for id, line := range lines {
		want := fmt.Sprintf("file '%s'", store.PartOutputPath(id))
		if line != want {
			t.Fatalf("concat line %d = %q, want %q", id, line, want)
		}
	}
}

func TestRunSinglePartStillConcatenates(t *testing.T) {
	store, parts := mergeFixture(t, 1)
	eng := &fakeEngine{}
	m := &Merger{Engine: eng, Log: logger.Discard()}

	merged, err := m.Run(context.Background(), sendEvents(parts, []int{0}), 1, 10, store, "one.mp4")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(eng.calls) != 2 || !strings.HasPrefix(eng.calls[1], "demuxer ") {
		t.Fatalf("calls = %v", eng.calls)
	}
	if _, err := os.Stat(merged); err != nil {
		t.Fatalf("merged output missing: %v", err)
	}
	if _, err := os.Stat(store.IntermediateDir()); !os.IsNotExist(err) {
		t.Fatal("intermediates left behind without keep")
	}
}

func TestRunKeepLeavesIntermediates(t *testing.T) {
	store, parts := mergeFixture(t, 1)
	eng := &fakeEngine{}
	m := &Merger{Engine: eng, Log: logger.Discard(), Keep: true}

	if _, err := m.Run(context.Background(), sendEvents(parts, []int{0}), 1, 10, store, "one.mp4"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, err := os.Stat(store.PartOutputPath(0)); err != nil {
		t.Fatalf("part output removed despite keep: %v", err)
	}
}

func TestRunProtocolStrategy(t *testing.T) {
	store, parts := mergeFixture(t, 2)
	eng := &fakeEngine{}
	m := &Merger{Engine: eng, Log: logger.Discard(), Strategy: ConcatProtocol}

	if _, err := m.Run(context.Background(), sendEvents(parts, []int{0, 1}), 2, 10, store, "out.mp4"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(eng.lastInputs) != 2 ||
		eng.lastInputs[0] != store.PartOutputPath(0) ||
		eng.lastInputs[1] != store.PartOutputPath(1) {
		t.Fatalf("protocol inputs = %v", eng.lastInputs)
	}
}

func TestRunAbortsOnFailedPart(t *testing.T) {
	store, parts := mergeFixture(t, 2)
	eng := &fakeEngine{}
	m := &Merger{Engine: eng, Log: logger.Discard()}

	ready := make(chan download.PartEvent, 2)
	ready <- download.PartEvent{Part: parts[0], Err: errors.New("segment 1 gone")}
	close(ready)

	if _, err := m.Run(context.Background(), ready, 2, 10, store, "out.mp4"); err == nil {
		t.Fatal("want error from failed part event")
	}
	if len(eng.calls) != 0 {
		t.Fatalf("engine was invoked after failure: %v", eng.calls)
	}
}

func TestRunRejectsEmptyRemuxOutput(t *testing.T) {
	store, parts := mergeFixture(t, 1)
	eng := &fakeEngine{emptyOuts: true}
	m := &Merger{Engine: eng, Log: logger.Discard()}

	_, err := m.Run(context.Background(), sendEvents(parts, []int{0}), 1, 10, store, "out.mp4")
	var remuxErr *RemuxError
	if !errors.As(err, &remuxErr) {
		t.Fatalf("want RemuxError, got %v", err)
	}
	if remuxErr.PartID != 0 {
		t.Fatalf("PartID = %d", remuxErr.PartID)
	}
}

func TestRunReportsTruncatedEventStream(t *testing.T) {
	store, parts := mergeFixture(t, 2)
	eng := &fakeEngine{}
	m := &Merger{Engine: eng, Log: logger.Discard()}

	ready := make(chan download.PartEvent, 2)
	ready <- download.PartEvent{Part: parts[0]}
	close(ready)

	if _, err := m.Run(context.Background(), ready, 2, 10, store, "out.mp4"); err == nil {
		t.Fatal("want error when events end early")
	}
}

func TestParseConcatStrategy(t *testing.T) {
	for _, raw := range []string{"", "0", "concat_demuxer"} {
		if s, err := ParseConcatStrategy(raw); err != nil || s != ConcatDemuxer {
			t.Fatalf("ParseConcatStrategy(%q) = %q, %v", raw, s, err)
		}
	}
	for _, raw := range []string{"1", "concat_protocol"} {
		if s, err := ParseConcatStrategy(raw); err != nil || s != ConcatProtocol {
			t.Fatalf("ParseConcatStrategy(%q) = %q, %v", raw, s, err)
		}
	}
	if _, err := ParseConcatStrategy("zip"); err == nil {
		t.Fatal("want error for unknown method")
	}
}

func TestConcatEscape(t *testing.T) {
	if got := concatEscape("/tmp/it's.mp4"); got != `/tmp/it'\''s.mp4` {
		t.Fatalf("concatEscape = %q", got)
	}
}
