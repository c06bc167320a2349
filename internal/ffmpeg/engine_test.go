package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"hlsget/internal/logger"
)

// fakeBinary writes a shell script that records its arguments and exits with
// the given status, then returns an Exec pointed at it.
func fakeBinary(t *testing.T, exitCode int) (*Exec, string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake binary harness needs a POSIX shell")
	}
	dir := t.TempDir()
	argsFile := filepath.Join(dir, "args.txt")
	script := fmt.Sprintf("#!/bin/sh\nprintf '%%s\\n' \"$@\" > %s\necho 'frame= 42' >&2\nexit %d\n", argsFile, exitCode)
	bin := filepath.Join(dir, "ffmpeg-fake")
	if err := os.WriteFile(bin, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return &Exec{Binary: bin, Log: logger.Discard()}, argsFile
}

func recordedArgs(t *testing.T, argsFile string) []string {
	t.Helper()
	data, err := os.ReadFile(argsFile)
	if err != nil {
		t.Fatalf("read recorded args: %v", err)
	}
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func TestRemuxArguments(t *testing.T) {
	eng, argsFile := fakeBinary(t, 0)
	if err := eng.Remux(context.Background(), "part0.m3u8", "out.mp4"); err != nil {
		t.Fatalf("Remux: %v", err)
	}
	got := strings.Join(recordedArgs(t, argsFile), " ")
	want := "-hide_banner -loglevel info -nostdin -f hls -i part0.m3u8 -c copy -y out.mp4"
	if got != want {
		t.Fatalf("args = %q, want %q", got, want)
	}
}

func TestConcatDemuxerArguments(t *testing.T) {
	eng, argsFile := fakeBinary(t, 0)
	if err := eng.ConcatDemuxer(context.Background(), "concat.txt", "out.mp4"); err != nil {
		t.Fatalf("ConcatDemuxer: %v", err)
	}
	got := strings.Join(recordedArgs(t, argsFile), " ")
	want := "-hide_banner -loglevel info -nostdin -f concat -safe 0 -i concat.txt -c copy -bsf:a aac_adtstoasc -movflags faststart -y out.mp4"
	if got != want {
		t.Fatalf("args = %q, want %q", got, want)
	}
}

func TestConcatProtocolJoinsInputs(t *testing.T) {
	eng, argsFile := fakeBinary(t, 0)
	if err := eng.ConcatProtocol(context.Background(), []string{"0.mp4", "1.mp4"}, "out.mp4"); err != nil {
		t.Fatalf("ConcatProtocol: %v", err)
	}
	args := recordedArgs(t, argsFile)
	found := false
	for _, a := range args {
		if a == "concat:0.mp4|1.mp4" {
			found = true
		}
	}
	if !found {
		t.Fatalf("concat input missing from args: %v", args)
	}
}

func TestConcatProtocolRejectsEmptyInputs(t *testing.T) {
	eng := &Exec{Log: logger.Discard()}
	if err := eng.ConcatProtocol(context.Background(), nil, "out.mp4"); err == nil {
		t.Fatal("want error for empty input list")
	}
}

func TestRunReportsCapturedOutputOnFailure(t *testing.T) {
	eng, _ := fakeBinary(t, 1)
	err := eng.Remux(context.Background(), "in.m3u8", "out.mp4")
	if err == nil {
		t.Fatal("want error from failing binary")
	}
	if !strings.Contains(err.Error(), "frame= 42") {
		t.Fatalf("error does not carry captured output: %v", err)
	}
}

func TestSplitByNewlineOrCR(t *testing.T) {
	scanner := bufio.NewScanner(bytes.NewBufferString("one\rtwo\nthree"))
	scanner.Split(splitByNewlineOrCR)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if len(lines) != 3 || lines[0] != "one" || lines[1] != "two" || lines[2] != "three" {
		t.Fatalf("unexpected lines: %v", lines)
	}
}
