// Package batch runs many jobs from a manifest file, isolating failures so
// one broken entry never takes down the rest of the batch.
package batch

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"

	"hlsget/internal/logger"
	"hlsget/internal/model"
	"hlsget/internal/pipeline"
)

// Entry is one parsed manifest line.
type Entry struct {
	SourceURL   string
	Destination string
}

// ParseError rejects a malformed manifest before any job runs.
type ParseError struct {
	Path string
	Line int
	Text string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s:%d: malformed batch entry %q (expected URL<TAB>destination)", e.Path, e.Line, e.Text)
}

// ParseManifest reads a batch manifest: UTF-8, one URL<TAB>destination per
// line, # comments and blank lines skipped, a leading BOM tolerated.
// Relative destinations are resolved against the manifest's directory.
func ParseManifest(path string, r io.Reader) ([]Entry, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read batch manifest %s: %w", path, err)
	}
	text := strings.TrimPrefix(string(data), "\uFEFF")
	baseDir := filepath.Dir(path)

	var entries []Entry
	for i, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		url, dest, ok := strings.Cut(line, "\t")
		url = strings.TrimSpace(url)
		dest = strings.TrimSpace(dest)
		if !ok || url == "" || dest == "" || strings.Contains(dest, "\t") {
			return nil, &ParseError{Path: path, Line: i + 1, Text: trimmed}
		}
		if !filepath.IsAbs(dest) {
			dest = filepath.Join(baseDir, dest)
		}
		entries = append(entries, Entry{SourceURL: url, Destination: dest})
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("batch manifest %s has no entries", path)
	}
	return entries, nil
}

// Runner executes a parsed batch sequentially. Concurrency lives inside each
// job's segment pool, not across jobs; jobs contend for the same link anyway.
type Runner struct {
	Pipeline *pipeline.Pipeline
	Log      logger.Logger
	Out      io.Writer
	// RemoveManifest deletes the manifest file when every entry succeeded.
	RemoveManifest bool
}

// Summary is the aggregate outcome of a batch run.
type Summary struct {
	Jobs      []*model.Job
	Succeeded int
	Skipped   int
	Failed    int
}

// AllSucceeded reports whether no entry failed (skips count as success).
func (s *Summary) AllSucceeded() bool { return s.Failed == 0 }

// Run processes every entry, never stopping on job failures. Only a
// cancelled context aborts the batch early.
func (r *Runner) Run(ctx context.Context, manifestPath string, entries []Entry) (*Summary, error) {
	summary := &Summary{}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		job := &model.Job{
			ID:        uuid.NewString(),
			SourceURL: entry.SourceURL,
			Output:    entry.Destination,
			Status:    model.JobPending,
		}
		summary.Jobs = append(summary.Jobs, job)
		r.Log.Infof("job %s: %s -> %s", job.ID, job.SourceURL, job.Output)

		res, err := r.Pipeline.Run(ctx, entry.SourceURL, entry.Destination)
		switch {
		case err != nil:
			_ = model.TransitionJob(job, model.JobRunning)
			_ = model.TransitionJob(job, model.JobFailed)
			job.Error = err.Error()
			summary.Failed++
			r.Log.Errorf("job %s failed: %v", job.ID, err)
		case res.Skipped:
			_ = model.TransitionJob(job, model.JobSkippedExisting)
			summary.Skipped++
		default:
			_ = model.TransitionJob(job, model.JobRunning)
			_ = model.TransitionJob(job, model.JobCompleted)
			summary.Succeeded++
		}
	}

	if r.Out != nil {
		fmt.Fprintln(r.Out, renderSummary(summary))
	}
	if r.RemoveManifest && summary.AllSucceeded() {
		if err := os.Remove(manifestPath); err != nil {
			r.Log.Warnf("could not remove batch manifest %s: %v", manifestPath, err)
		} else {
			r.Log.Infof("removed batch manifest %s", manifestPath)
		}
	}
	return summary, nil
}

var (
	batchTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	batchMutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	batchErrorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	batchOKStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	batchPanelStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

func renderSummary(s *Summary) string {
	var rows []string
	for _, job := range s.Jobs {
		status := statusCell(job.Status)
		line := fmt.Sprintf("%s  %s", status, filepath.Base(job.Output))
		if job.Error != "" {
			line += batchMutedStyle.Render("  " + truncate(job.Error, 60))
		}
		rows = append(rows, line)
	}
	header := batchTitleStyle.Render(fmt.Sprintf("batch: %d ok, %d skipped, %d failed",
		s.Succeeded, s.Skipped, s.Failed))
	body := lipgloss.JoinVertical(lipgloss.Left, rows...)
	return batchPanelStyle.Render(lipgloss.JoinVertical(lipgloss.Left, header, body))
}

func statusCell(status string) string {
	switch status {
	case model.JobCompleted:
		return batchOKStyle.Render("  ok  ")
	case model.JobSkippedExisting:
		return batchMutedStyle.Render(" skip ")
	default:
		return batchErrorStyle.Render(" fail ")
	}
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max <= 1 {
		return string(r[:max])
	}
	return string(r[:max-1]) + "…"
}
