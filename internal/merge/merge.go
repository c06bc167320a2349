// Package merge turns downloaded parts into the final container: each part
// is remuxed from its local playlist as soon as it is ready, and the part
// outputs are concatenated once everything is in.
package merge

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"hlsget/internal/download"
	"hlsget/internal/ffmpeg"
	"hlsget/internal/hls"
	"hlsget/internal/logger"
	"hlsget/internal/model"
	"hlsget/internal/progress"
	"hlsget/internal/workdir"
)

// ConcatStrategy selects how part outputs are joined. There is no automatic
// fallback between the two; the choice is the user's.
type ConcatStrategy string

const (
	// ConcatDemuxer uses the engine's list-file joiner. It is the default
	// and the only strategy safe for MP4 inputs.
	ConcatDemuxer ConcatStrategy = "concat_demuxer"
	// ConcatProtocol uses byte-level input concatenation.
	ConcatProtocol ConcatStrategy = "concat_protocol"
)

// ParseConcatStrategy validates a user-supplied method name. The numeric
// aliases 0 and 1 are accepted for brevity.
func ParseConcatStrategy(raw string) (ConcatStrategy, error) {
	switch raw {
	case "", "0", string(ConcatDemuxer):
		return ConcatDemuxer, nil
	case "1", string(ConcatProtocol):
		return ConcatProtocol, nil
	default:
		return "", fmt.Errorf("invalid concat method %q (expected concat_demuxer, concat_protocol, 0, or 1)", raw)
	}
}

// RemuxError is a failed conversion of one part.
type RemuxError struct {
	PartID int
	Err    error
}

func (e *RemuxError) Error() string {
	return fmt.Sprintf("remux part %d: %v", e.PartID, e.Err)
}

func (e *RemuxError) Unwrap() error { return e.Err }

// ConcatError is a failed join of the part outputs.
type ConcatError struct{ Err error }

func (e *ConcatError) Error() string { return fmt.Sprintf("concatenate parts: %v", e.Err) }
func (e *ConcatError) Unwrap() error { return e.Err }

// Merger remuxes and joins parts for one job.
type Merger struct {
	Engine   ffmpeg.Engine
	Log      logger.Logger
	Sink     progress.Sink
	Strategy ConcatStrategy
	// Keep leaves the per-part outputs in place after a successful merge.
	Keep bool
}

// Run consumes part readiness events until the channel closes, remuxing
// parts strictly in part-ID order, then concatenates the results into the
// store's merged path and returns it. A failed part aborts the merge; parts
// already remuxed stay on disk for the next attempt.
func (m *Merger) Run(ctx context.Context, ready <-chan download.PartEvent, totalParts int, targetDuration int, store *workdir.Store, output string) (string, error) {
	sink := m.Sink
	if sink == nil {
		sink = progress.NopSink{}
	}
	if totalParts <= 0 {
		return "", fmt.Errorf("no parts to merge")
	}
	if err := workdir.Mkdir(store.IntermediateDir()); err != nil {
		return "", err
	}

	// Events arrive in completion order; hold out-of-order parts until
	// every lower-numbered part has been remuxed.
	pending := make(map[int]*model.Part)
	next := 0
	for next < totalParts {
		part, ok := pending[next]
		if !ok {
			ev, open := <-ready
			if !open {
				return "", fmt.Errorf("download ended with %d of %d parts unaccounted for", totalParts-next, totalParts)
			}
			if ev.Err != nil {
				return "", ev.Err
			}
			if ev.Part.ID != next {
				pending[ev.Part.ID] = ev.Part
				continue
			}
			part = ev.Part
		} else {
			delete(pending, next)
		}

		if err := ctx.Err(); err != nil {
			return "", err
		}
		if err := m.remuxPart(ctx, part, targetDuration, store); err != nil {
			_ = model.TransitionPart(part, model.PartFailed)
			return "", err
		}
		_ = model.TransitionPart(part, model.PartRemuxed)
		next++
	}

	sink.Stage("merging")
	merged := store.MergedPath(output)
	if err := m.concatParts(ctx, totalParts, store, merged); err != nil {
		return "", err
	}
	if err := checkOutput(merged); err != nil {
		return "", &ConcatError{Err: err}
	}
	if !m.Keep {
		if err := os.RemoveAll(store.IntermediateDir()); err != nil {
			m.Log.Warnf("could not remove intermediates: %v", err)
		}
	}
	return merged, nil
}

// remuxPart writes the part's local playlist and converts it. Segment URIs
// are bare file names; the playlist lives next to the segments so the engine
// resolves them relative to it.
func (m *Merger) remuxPart(ctx context.Context, part *model.Part, targetDuration int, store *workdir.Store) error {
	m.Log.Infof("remuxing part %d (%d segments)", part.ID, len(part.Segments))

	entries := make([]hls.PlaylistEntry, 0, len(part.Segments))
	for _, seg := range part.Segments {
		entries = append(entries, hls.PlaylistEntry{
			URI:      filepath.Base(store.SegmentPath(seg.Sequence)),
			Duration: seg.Duration,
		})
	}
	var buf bytes.Buffer
	if err := hls.WritePlaylist(&buf, targetDuration, entries); err != nil {
		return &RemuxError{PartID: part.ID, Err: err}
	}
	playlist := store.PartPlaylistPath(part.ID)
	if err := workdir.WriteBytes(playlist, buf.Bytes()); err != nil {
		return &RemuxError{PartID: part.ID, Err: err}
	}

	out := store.PartOutputPath(part.ID)
	if err := m.Engine.Remux(ctx, playlist, out); err != nil {
		return &RemuxError{PartID: part.ID, Err: err}
	}
	if err := checkOutput(out); err != nil {
		return &RemuxError{PartID: part.ID, Err: err}
	}
	return nil
}

// concatParts joins the part outputs. A single part still goes through the
// concat step so the bitstream filter and faststart post-processing apply to
// every artifact the same way.
func (m *Merger) concatParts(ctx context.Context, totalParts int, store *workdir.Store, merged string) error {
	m.Log.Infof("concatenating %d parts (%s)", totalParts, m.strategy())
	switch m.strategy() {
	case ConcatProtocol:
		inputs := make([]string, 0, totalParts)
		for id := 0; id < totalParts; id++ {
			inputs = append(inputs, store.PartOutputPath(id))
		}
		if err := m.Engine.ConcatProtocol(ctx, inputs, merged); err != nil {
			return &ConcatError{Err: err}
		}
	default:
		listPath := store.ConcatListPath()
		var buf bytes.Buffer
		for id := 0; id < totalParts; id++ {
			fmt.Fprintf(&buf, "file '%s'\n", concatEscape(store.PartOutputPath(id)))
		}
		if err := workdir.WriteBytes(listPath, buf.Bytes()); err != nil {
			return &ConcatError{Err: err}
		}
		if err := m.Engine.ConcatDemuxer(ctx, listPath, merged); err != nil {
			return &ConcatError{Err: err}
		}
	}
	return nil
}

func (m *Merger) strategy() ConcatStrategy {
	if m.Strategy == "" {
		return ConcatDemuxer
	}
	return m.Strategy
}

// checkOutput rejects engine runs that "succeed" without producing bytes.
func checkOutput(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("expected output %s missing: %w", path, err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("output %s is empty", path)
	}
	return nil
}

// concatEscape quotes single quotes for the concat list file format.
func concatEscape(path string) string {
	var out []byte
	for i := 0; i < len(path); i++ {
		if path[i] == '\'' {
			out = append(out, '\'', '\\', '\'', '\'')
			continue
		}
		out = append(out, path[i])
	}
	return string(out)
}
