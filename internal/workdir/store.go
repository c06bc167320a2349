package workdir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"hlsget/internal/logger"
	"hlsget/internal/model"
)

const stateFileName = "state.json"

// SegmentRecord is the durable completion record of one segment. A segment
// counts as complete only if its bytes on disk still match this record.
type SegmentRecord struct {
	Size        int64  `json:"size"`
	SHA256      string `json:"sha256"`
	CompletedAt string `json:"completed_at"`
}

// State is the contents of the workdir state file. The plan fingerprint ties
// the records to one exact segment plan; any mismatch on resume means the
// records cannot be trusted at all.
type State struct {
	SchemaVersion   int                   `json:"schema_version"`
	SourceURL       string                `json:"source_url"`
	PlanFingerprint string                `json:"plan_fingerprint"`
	Segments        map[int]SegmentRecord `json:"segments"`
}

// Store manages the working directory of a single job.
type Store struct {
	Root string
	Log  logger.Logger

	mu    sync.Mutex
	state State
}

// Open creates the workdir if needed and loads any prior state file.
func Open(root string, log logger.Logger) (*Store, error) {
	if err := Mkdir(root); err != nil {
		return nil, err
	}
	s := &Store{Root: root, Log: log}
	statePath := s.statePath()
	if _, err := os.Stat(statePath); err == nil {
		if err := ReadJSON(statePath, &s.state); err != nil {
			log.Warnf("discarding unreadable state file: %v", err)
			s.state = State{}
		}
	}
	if s.state.Segments == nil {
		s.state.Segments = make(map[int]SegmentRecord)
	}
	return s, nil
}

func (s *Store) statePath() string { return filepath.Join(s.Root, stateFileName) }

// SegmentPath is the final on-disk location of a downloaded segment.
func (s *Store) SegmentPath(sequence int) string {
	return filepath.Join(s.Root, fmt.Sprintf("%d.ts", sequence))
}

// PartialPath is the in-progress download target for a segment; it is
// renamed to SegmentPath only after the bytes are fully flushed.
func (s *Store) PartialPath(sequence int) string {
	return s.SegmentPath(sequence) + ".part"
}

// RemoteManifestPath holds the playlist bytes as fetched.
func (s *Store) RemoteManifestPath() string {
	return filepath.Join(s.Root, "remote.m3u8")
}

// PartPlaylistPath is the generated local playlist for one part.
func (s *Store) PartPlaylistPath(partID int) string {
	return filepath.Join(s.Root, fmt.Sprintf("part%d.m3u8", partID))
}

// IntermediateDir holds per-part remux outputs.
func (s *Store) IntermediateDir() string {
	return filepath.Join(s.Root, "intermediate")
}

// PartOutputPath is the remuxed container for one part.
func (s *Store) PartOutputPath(partID int) string {
	return filepath.Join(s.IntermediateDir(), fmt.Sprintf("%d.mp4", partID))
}

// ConcatListPath is the generated file list consumed by the engine's
// list-based joiner.
func (s *Store) ConcatListPath() string {
	return filepath.Join(s.IntermediateDir(), "concat.txt")
}

// MergedPath is where the final artifact is assembled before it is moved to
// the destination.
func (s *Store) MergedPath(output string) string {
	return filepath.Join(s.Root, "merged"+filepath.Ext(output))
}

// PlanFingerprint hashes the identifying fields of every segment. Two plans
// with the same fingerprint describe the same download.
func PlanFingerprint(plan *model.SegmentPlan) string {
	h := sha256.New()
	fmt.Fprintf(h, "v%d:td%d:ms%d\n", plan.Version, plan.TargetDuration, plan.MediaSequence)
	for _, seg := range plan.Segments {
		rangePart := ""
		if seg.ByteRange != nil {
			rangePart = fmt.Sprintf("%d@%d", seg.ByteRange.Length, seg.ByteRange.Offset)
		}
		fmt.Fprintf(h, "%d|%s|%g|%s|%t\n", seg.Sequence, seg.URI, seg.Duration, rangePart, seg.Discontinuity)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Reconcile binds the store to a freshly parsed plan. Prior records with a
// different fingerprint are stale and are dropped along with their files; no
// partial trust.
func (s *Store) Reconcile(sourceURL string, plan *model.SegmentPlan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fingerprint := PlanFingerprint(plan)
	if s.state.PlanFingerprint != "" && s.state.PlanFingerprint != fingerprint {
		s.Log.Warnf("stored plan differs from the remote playlist; discarding previous progress")
		if err := s.removeManagedFilesLocked(); err != nil {
			return err
		}
		s.state = State{}
	}
	if s.state.Segments == nil {
		s.state.Segments = make(map[int]SegmentRecord)
	}
	s.state.SchemaVersion = 1
	s.state.SourceURL = sourceURL
	s.state.PlanFingerprint = fingerprint
	return WriteJSON(s.statePath(), s.state)
}

// VerifiedComplete reports whether a segment may be reused without any
// network call: a completion record exists and the on-disk bytes still hash
// to what was recorded.
func (s *Store) VerifiedComplete(sequence int) bool {
	s.mu.Lock()
	rec, ok := s.state.Segments[sequence]
	s.mu.Unlock()
	if !ok {
		return false
	}

	path := s.SegmentPath(sequence)
	info, err := os.Stat(path)
	if err != nil || info.Size() != rec.Size {
		return false
	}
	sum, err := hashFile(path)
	if err != nil || sum != rec.SHA256 {
		return false
	}
	return true
}

// DiscardSegment removes any partial or mismatched bytes plus the completion
// record before a segment is queued fresh.
func (s *Store) DiscardSegment(sequence int) error {
	s.mu.Lock()
	delete(s.state.Segments, sequence)
	err := WriteJSON(s.statePath(), s.state)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	for _, p := range []string{s.SegmentPath(sequence), s.PartialPath(sequence)} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("discard segment %d: %w", sequence, err)
		}
	}
	return nil
}

// RecordCompletion durably records a fully written segment. The caller must
// have renamed the bytes into place before calling; the record is the sole
// source of truth for resume decisions.
func (s *Store) RecordCompletion(sequence int, size int64, sha string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Segments[sequence] = SegmentRecord{
		Size:        size,
		SHA256:      sha,
		CompletedAt: time.Now().UTC().Format(time.RFC3339),
	}
	return WriteJSON(s.statePath(), s.state)
}

// Wipe clears every managed file so the next run starts from scratch. The
// lock is left alone; it belongs to the running process.
func (s *Store) Wipe() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.removeManagedFilesLocked(); err != nil {
		return err
	}
	s.state = State{Segments: make(map[int]SegmentRecord)}
	if err := os.Remove(s.statePath()); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *Store) removeManagedFilesLocked() error {
	entries, err := os.ReadDir(s.Root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		name := e.Name()
		if name == lockDirName || name == stateFileName {
			continue
		}
		managed := (e.IsDir() && name == "intermediate") ||
			strings.HasSuffix(name, ".ts") ||
			strings.HasSuffix(name, ".ts.part") ||
			strings.HasSuffix(name, ".m3u8") ||
			strings.HasPrefix(name, "merged")
		if !managed {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.Root, name)); err != nil {
			return err
		}
	}
	return nil
}

// RemoveAll deletes the entire workdir after a successful run.
func (s *Store) RemoveAll() error {
	return os.RemoveAll(s.Root)
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
