// Package ffmpeg wraps the external ffmpeg binary behind a small engine
// interface so the merge stage can be tested without spawning real
// transcodes.
package ffmpeg

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"hlsget/internal/logger"
)

// Engine runs the container operations the merge stage needs. Every method
// performs stream copies only; no re-encoding happens anywhere.
type Engine interface {
	// Check verifies the binary is available before any work starts.
	Check() error
	// Remux converts one local HLS playlist and its segments into output.
	Remux(ctx context.Context, playlist, output string) error
	// ConcatDemuxer joins the files named in a concat list file.
	ConcatDemuxer(ctx context.Context, listPath, output string) error
	// ConcatProtocol joins inputs via the concat: input protocol. It handles
	// MPEG-TS inputs but is unsafe for MP4, so callers pick the strategy.
	ConcatProtocol(ctx context.Context, inputs []string, output string) error
}

// Exec is the production Engine backed by an ffmpeg binary on PATH.
type Exec struct {
	// Binary overrides the executable name; empty means "ffmpeg".
	Binary string
	Log    logger.Logger
}

func (e *Exec) binary() string {
	if e.Binary != "" {
		return e.Binary
	}
	return "ffmpeg"
}

func (e *Exec) Check() error {
	if _, err := exec.LookPath(e.binary()); err != nil {
		return fmt.Errorf("missing dependency: %s is not installed or not on PATH", e.binary())
	}
	return nil
}

func (e *Exec) Remux(ctx context.Context, playlist, output string) error {
	return e.run(ctx, []string{
		"-f", "hls",
		"-i", playlist,
		"-c", "copy",
		"-y", output,
	})
}

func (e *Exec) ConcatDemuxer(ctx context.Context, listPath, output string) error {
	return e.run(ctx, []string{
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy",
		"-bsf:a", "aac_adtstoasc",
		"-movflags", "faststart",
		"-y", output,
	})
}

func (e *Exec) ConcatProtocol(ctx context.Context, inputs []string, output string) error {
	if len(inputs) == 0 {
		return fmt.Errorf("concat: no inputs")
	}
	return e.run(ctx, []string{
		"-i", "concat:" + strings.Join(inputs, "|"),
		"-c", "copy",
		"-bsf:a", "aac_adtstoasc",
		"-movflags", "faststart",
		"-y", output,
	})
}

const maxCapturedOutput = 64 * 1024

// run executes ffmpeg with the given arguments, streaming its output line by
// line to the debug log and keeping a bounded tail for error reporting.
// ffmpeg writes everything, progress included, to stderr.
func (e *Exec) run(ctx context.Context, args []string) error {
	bin := e.binary()
	args = append([]string{"-hide_banner", "-loglevel", "info", "-nostdin"}, args...)
	e.Log.Debugf("exec: %s %s", bin, strings.Join(args, " "))

	cmd := exec.CommandContext(ctx, bin, args...)
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("setup stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("setup stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", bin, err)
	}

	var tail strings.Builder
	var mu sync.Mutex
	var wg sync.WaitGroup

	read := func(r io.Reader) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, 1024*1024)
		scanner.Split(splitByNewlineOrCR)
		for scanner.Scan() {
			line := scanner.Text()
			e.Log.Debugf("ffmpeg: %s", line)
			mu.Lock()
			if tail.Len() < maxCapturedOutput {
				tail.WriteString(line)
				tail.WriteByte('\n')
			}
			mu.Unlock()
		}
	}

	wg.Add(2)
	go read(stdoutPipe)
	go read(stderrPipe)
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		mu.Lock()
		defer mu.Unlock()
		return fmt.Errorf("%s failed: %w\n%s", bin, err, strings.TrimSpace(tail.String()))
	}
	return nil
}

// splitByNewlineOrCR treats carriage returns as line breaks too; ffmpeg
// redraws its progress line with bare CRs.
func splitByNewlineOrCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	for i := 0; i < len(data); i++ {
		if data[i] == '\n' || data[i] == '\r' {
			return i + 1, data[:i], nil
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}
