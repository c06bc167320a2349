// Package cli wires the command line surface to the pipeline: flag parsing
// (with user-config defaults folded in), environment resolution, dependency
// checks, and exit-code mapping.
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime"
	"strconv"

	"hlsget/internal/batch"
	"hlsget/internal/config"
	"hlsget/internal/ffmpeg"
	"hlsget/internal/logger"
	"hlsget/internal/merge"
	"hlsget/internal/pipeline"
	"hlsget/internal/progress"
	"hlsget/internal/workdir"
)

// Version is stamped at build time.
var Version = "dev"

// Exit codes: 0 success, 1 failure, 2 usage error.
const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

// counter is a repeatable boolean flag (-v -v, -q -q).
type counter int

func (c *counter) String() string     { return strconv.Itoa(int(*c)) }
func (c *counter) Set(_ string) error { *c++; return nil }
func (c *counter) IsBoolFlag() bool   { return true }

type options struct {
	batchMode      bool
	existOK        bool
	force          bool
	jobs           int
	keep           bool
	concatMethod   string
	retries        int
	removeManifest bool
	workdir        string
	workroot       string
	wipe           bool
	progressOn     bool
	progressOff    bool
	verbose        counter
	quiet          counter
	debug          bool
	version        bool
}

func newFlagSet(opts *options, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("hlsget", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { printUsage(stderr) }

	fs.BoolVar(&opts.batchMode, "b", false, "")
	fs.BoolVar(&opts.batchMode, "batch", false, "")
	fs.BoolVar(&opts.existOK, "e", false, "")
	fs.BoolVar(&opts.existOK, "exist-ok", false, "")
	fs.BoolVar(&opts.force, "f", false, "")
	fs.BoolVar(&opts.force, "force", false, "")
	fs.IntVar(&opts.jobs, "j", 0, "")
	fs.IntVar(&opts.jobs, "jobs", 0, "")
	fs.BoolVar(&opts.keep, "k", false, "")
	fs.BoolVar(&opts.keep, "keep", false, "")
	fs.StringVar(&opts.concatMethod, "m", "", "")
	fs.StringVar(&opts.concatMethod, "concat-method", "", "")
	fs.IntVar(&opts.retries, "r", 2, "")
	fs.IntVar(&opts.retries, "retries", 2, "")
	fs.BoolVar(&opts.removeManifest, "remove-manifest-on-success", false, "")
	fs.StringVar(&opts.workdir, "workdir", "", "")
	fs.StringVar(&opts.workroot, "workroot", "", "")
	fs.BoolVar(&opts.wipe, "wipe", false, "")
	fs.BoolVar(&opts.progressOn, "progress", false, "")
	fs.BoolVar(&opts.progressOff, "no-progress", false, "")
	fs.Var(&opts.verbose, "v", "")
	fs.Var(&opts.quiet, "q", "")
	fs.BoolVar(&opts.debug, "debug", false, "")
	fs.BoolVar(&opts.version, "V", false, "")
	fs.BoolVar(&opts.version, "version", false, "")
	return fs
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: hlsget [options] <url|batch-manifest> [output]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Download an HLS VOD playlist and remux it into a single file.")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Options:")
	fmt.Fprintln(w, "  -b, --batch                    treat the positional argument as a batch manifest")
	fmt.Fprintln(w, "                                 (one URL<TAB>destination per line)")
	fmt.Fprintln(w, "  -e, --exist-ok                 skip entries whose target already exists (batch)")
	fmt.Fprintln(w, "  -f, --force                    overwrite an existing output file")
	fmt.Fprintln(w, "  -j, --jobs N                   maximum concurrent segment downloads")
	fmt.Fprintln(w, "                                 (default: twice the number of CPUs)")
	fmt.Fprintln(w, "  -k, --keep                     keep the working directory and intermediates")
	fmt.Fprintln(w, "  -m, --concat-method M          concat_demuxer (0, default) or concat_protocol (1)")
	fmt.Fprintln(w, "  -r, --retries N                retry budget per segment and per stage (default 2)")
	fmt.Fprintln(w, "      --remove-manifest-on-success")
	fmt.Fprintln(w, "                                 delete the batch manifest if every entry succeeded")
	fmt.Fprintln(w, "      --workdir DIR              working directory override")
	fmt.Fprintln(w, "      --workroot DIR             re-root working directories under DIR")
	fmt.Fprintln(w, "      --wipe                     discard prior progress and start over")
	fmt.Fprintln(w, "      --progress / --no-progress force the live dashboard on or off")
	fmt.Fprintln(w, "  -v / -q                        more / less logging (repeatable)")
	fmt.Fprintln(w, "      --debug                    shorthand for maximum verbosity")
	fmt.Fprintln(w, "  -V, --version                  print the version and exit")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Environment:")
	fmt.Fprintf(w, "  %s, %s,\n", config.EnvUserConfigDir, config.EnvUserDataDir)
	fmt.Fprintf(w, "  %s, %s\n", config.EnvNoUserConfig, config.EnvNoCache)
}

// Run is the whole program; main only maps its return value to os.Exit.
func Run(ctx context.Context, argv []string, getenv func(string) string, stdout, stderr io.Writer) int {
	env, err := config.LoadEnv(getenv)
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return exitFailure
	}

	var opts options
	fs := newFlagSet(&opts, stderr)

	bootLog := logger.New(stderr, 0)
	var configArgs []string
	if !env.NoUserConfig {
		configArgs = loadConfigArgs(env.ConfigFile(), bootLog)
	}
	if err := fs.Parse(append(configArgs, argv...)); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}

	if opts.version {
		fmt.Fprintln(stdout, "hlsget", Version)
		return exitOK
	}
	if fs.NArg() < 1 || fs.NArg() > 2 {
		fs.Usage()
		return exitUsage
	}
	if opts.batchMode && fs.NArg() != 1 {
		fmt.Fprintln(stderr, "error: batch mode takes exactly one manifest argument")
		return exitUsage
	}

	verbosity := int(opts.verbose) - int(opts.quiet)
	if opts.debug {
		verbosity = 2
	}
	log := logger.New(stderr, verbosity)

	method, err := merge.ParseConcatStrategy(opts.concatMethod)
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return exitUsage
	}
	if opts.jobs < 0 || opts.retries < 0 {
		fmt.Fprintln(stderr, "error: jobs and retries must be non-negative")
		return exitUsage
	}
	if opts.existOK && !opts.batchMode {
		fmt.Fprintln(stderr, "error: --exist-ok only applies to batch mode")
		return exitUsage
	}
	if opts.jobs == 0 {
		opts.jobs = 2 * runtime.NumCPU()
	}

	engine := &ffmpeg.Exec{Log: log}
	if err := engine.Check(); err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return exitFailure
	}

	if !env.NoCache {
		if err := workdir.Mkdir(env.DataDir); err != nil {
			log.Warnf("could not create data dir: %v", err)
		}
	}
	p := &pipeline.Pipeline{
		Client:  &http.Client{},
		Engine:  engine,
		Log:     log,
		Cache:   &workdir.Cache{Path: env.CacheFile(), Disabled: env.NoCache},
		NewSink: sinkFactory(opts, verbosity, stderr),
		Opts: pipeline.Options{
			Force:        opts.force,
			ExistOK:      opts.existOK,
			Keep:         opts.keep,
			Wipe:         opts.wipe,
			Jobs:         opts.jobs,
			Retries:      opts.retries,
			ConcatMethod: method,
			Workdir:      opts.workdir,
			Workroot:     opts.workroot,
		},
	}

	if opts.batchMode {
		return runBatch(ctx, p, opts, fs.Arg(0), log, stdout, stderr)
	}
	if _, err := p.Run(ctx, fs.Arg(0), fs.Arg(1)); err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return exitFailure
	}
	return exitOK
}

func runBatch(ctx context.Context, p *pipeline.Pipeline, opts options, manifestPath string, log logger.Logger, stdout, stderr io.Writer) int {
	file, err := os.Open(manifestPath)
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return exitFailure
	}
	entries, err := batch.ParseManifest(manifestPath, file)
	file.Close()
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return exitFailure
	}

	runner := &batch.Runner{
		Pipeline:       p,
		Log:            log,
		Out:            stdout,
		RemoveManifest: opts.removeManifest,
	}
	summary, err := runner.Run(ctx, manifestPath, entries)
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return exitFailure
	}
	if !summary.AllSucceeded() {
		return exitFailure
	}
	return exitOK
}

// sinkFactory decides whether jobs get the live dashboard. Batch runs keep
// plain log output so the summary stays readable in transcripts.
func sinkFactory(opts options, verbosity int, stderr io.Writer) pipeline.SinkFactory {
	enabled := opts.progressOn
	if !enabled && !opts.batchMode && verbosity <= 0 {
		enabled = stderrIsTerminal(stderr)
	}
	if opts.progressOff || !enabled {
		return nil
	}
	return func(title string, totalSegments, totalParts int) (progress.Sink, func()) {
		d := progress.NewDashboard(title, totalSegments, totalParts)
		d.Start()
		return d, d.Stop
	}
}

func stderrIsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
