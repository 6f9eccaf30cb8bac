package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/manuspect/envscope/pipeline"
	"github.com/manuspect/envscope/pipeline/runner"
	"github.com/manuspect/envscope/pipeline/sink"
)

func main() {
	cfg, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var states *runner.StateStore
	if cfg.StateDir != "" {
		states, err = runner.NewStateStore(cfg.StateDir)
		if err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			os.Exit(2)
		}
	}

	var sinks []sink.RowSink
	if cfg.SQLitePath != "" {
		sq, err := sink.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			os.Exit(2)
		}
		defer sq.Close()
		sinks = append(sinks, sq)
	}
	if cfg.JSONLPath != "" {
		sinks = append(sinks, &sink.JSONLSink{Path: cfg.JSONLPath})
	}

	wf, err := runner.NewWorkflow(runner.Options{
		SourceDir:      cfg.SourceDir,
		WorkDir:        cfg.WorkDir,
		OutDir:         cfg.OutDir,
		OutputName:     cfg.OutputName,
		HeuristicsPath: cfg.HeuristicsPath,
		Concurrency:    cfg.Concurrency,
		KeepStaged:     cfg.KeepStaged,
	}, states, sinks...)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}

	if cfg.CollectOnly {
		res, err := wf.Collect(ctx, cfg.RunID)
		if err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			os.Exit(1)
		}
		printSkips(res.Skips)
		fmt.Fprintf(os.Stdout, "run_id=%s events=%d audio_events=%d files_loaded=%d files_skipped=%d staged=%s\n",
			res.RunID, res.Events, res.AudioEvents, res.FilesLoaded, res.FilesSkipped, res.StagedPath)
		return
	}

	res, err := wf.Run(ctx, cfg.RunID)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
	printSkips(res.Skips)
	fmt.Fprintf(os.Stdout, "run_id=%s status=%q rows=%d files_loaded=%d files_skipped=%d out=%s manifest=%s\n",
		res.RunID, res.Status, res.Rows, res.FilesLoaded, res.FilesSkipped, cfg.OutDir, res.ManifestPath)
}

func printSkips(skips []pipeline.FileSkip) {
	for _, s := range skips {
		fmt.Fprintf(os.Stderr, "warning: skipped %s: %s\n", s.Path, s.Reason)
	}
}

type Config struct {
	SourceDir      string
	WorkDir        string
	OutDir         string
	OutputName     string
	HeuristicsPath string
	StateDir       string
	SQLitePath     string
	JSONLPath      string
	RunID          string
	Concurrency    int
	CollectOnly    bool
	KeepStaged     bool
}

func (c Config) Validate() error {
	if c.SourceDir == "" {
		return fmt.Errorf("missing -src")
	}
	if c.WorkDir == "" {
		return fmt.Errorf("missing -work")
	}
	if c.OutDir == "" {
		return fmt.Errorf("missing -out")
	}
	return nil
}

func defaultConfig() Config {
	return Config{
		WorkDir:     filepath.FromSlash("data/work"),
		OutDir:      filepath.FromSlash("data/out"),
		Concurrency: 4,
	}
}

func parseFlags(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := defaultConfig()
	fs.SetOutput(os.Stderr)

	fs.StringVar(&cfg.SourceDir, "src", cfg.SourceDir, "Root directory holding batch-* subdirectories of .json event files")
	fs.StringVar(&cfg.WorkDir, "work", cfg.WorkDir, "Directory for staged intermediate files")
	fs.StringVar(&cfg.OutDir, "out", cfg.OutDir, "Output directory for the CSV artifact, audio index and manifest")
	fs.StringVar(&cfg.OutputName, "name", "", "File name of the CSV artifact (default: processed_environment_data.csv)")
	fs.StringVar(&cfg.HeuristicsPath, "heuristics", "", "Optional YAML file with window classifier overrides")
	fs.StringVar(&cfg.StateDir, "state-dir", "", "Optional directory for run state files (enables progress tracking)")
	fs.StringVar(&cfg.SQLitePath, "sqlite", "", "Optional SQLite database to also store the rows in")
	fs.StringVar(&cfg.JSONLPath, "jsonl", "", "Optional path to also write the rows as JSON lines")
	fs.StringVar(&cfg.RunID, "run-id", "", "Run id to use (default: generated)")
	fs.IntVar(&cfg.Concurrency, "concurrency", cfg.Concurrency, "Max concurrent events during window extraction")
	fs.BoolVar(&cfg.CollectOnly, "collect-only", false, "Stop after staging raw events (skip extraction and outputs)")
	fs.BoolVar(&cfg.KeepStaged, "keep-staged", false, "Keep the staged events file after the run")

	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage:\n  %s [flags]\n\nFlags:\n", filepath.Base(os.Args[0]))
		fs.PrintDefaults()
		fmt.Fprintln(fs.Output(), "\nExamples:")
		fmt.Fprintln(fs.Output(), "  go run ./cmd/envscope-extract -src data/batches")
		fmt.Fprintln(fs.Output(), "  go run ./cmd/envscope-extract -src data/batches -sqlite data/rows.db -heuristics heuristics.yaml")
	}

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if cfg.SourceDir != "" {
		cfg.SourceDir = filepath.Clean(cfg.SourceDir)
	}
	cfg.WorkDir = filepath.Clean(cfg.WorkDir)
	cfg.OutDir = filepath.Clean(cfg.OutDir)
	if cfg.HeuristicsPath != "" {
		cfg.HeuristicsPath = filepath.Clean(cfg.HeuristicsPath)
	}
	if cfg.StateDir != "" {
		cfg.StateDir = filepath.Clean(cfg.StateDir)
	}
	if cfg.SQLitePath != "" {
		cfg.SQLitePath = filepath.Clean(cfg.SQLitePath)
	}
	if cfg.JSONLPath != "" {
		cfg.JSONLPath = filepath.Clean(cfg.JSONLPath)
	}
	return cfg, nil
}
