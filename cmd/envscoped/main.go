package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/manuspect/envscope/pipeline/api"
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

	port := cfg.Port
	if port == "" {
		port = os.Getenv("ENVSCOPE_PORT")
	}
	if port == "" {
		port = "8080"
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	states, err := runner.NewStateStore(cfg.StateDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
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

	h, err := api.NewHandler(runner.Options{
		WorkDir:        cfg.WorkDir,
		OutDir:         cfg.OutDir,
		HeuristicsPath: cfg.HeuristicsPath,
		Concurrency:    cfg.Concurrency,
	}, states, cfg.Workers, sinks...)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}

	r := gin.Default()
	h.Register(r)

	srv := &http.Server{Addr: ":" + port, Handler: r}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	fmt.Fprintf(os.Stdout, "envscoped listening on :%s (out=%s state=%s)\n", port, cfg.OutDir, cfg.StateDir)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintln(os.Stderr, err.Error())
			os.Exit(1)
		}
	case <-ctx.Done():
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

type Config struct {
	Port           string
	WorkDir        string
	OutDir         string
	StateDir       string
	HeuristicsPath string
	SQLitePath     string
	Workers        int
	Concurrency    int
}

func (c Config) Validate() error {
	if c.WorkDir == "" {
		return fmt.Errorf("missing -work")
	}
	if c.OutDir == "" {
		return fmt.Errorf("missing -out")
	}
	if c.StateDir == "" {
		return fmt.Errorf("missing -state")
	}
	return nil
}

func defaultConfig() Config {
	return Config{
		WorkDir:     filepath.FromSlash("data/work"),
		OutDir:      filepath.FromSlash("data/out"),
		StateDir:    filepath.FromSlash("data/runs"),
		Workers:     2,
		Concurrency: 4,
	}
}

func parseFlags(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := defaultConfig()
	fs.SetOutput(os.Stderr)

	fs.StringVar(&cfg.Port, "port", "", "HTTP port (overrides ENVSCOPE_PORT env var; default 8080)")
	fs.StringVar(&cfg.WorkDir, "work", cfg.WorkDir, "Directory for staged intermediate files")
	fs.StringVar(&cfg.OutDir, "out", cfg.OutDir, "Output directory for run artifacts")
	fs.StringVar(&cfg.StateDir, "state", cfg.StateDir, "Directory for run state files")
	fs.StringVar(&cfg.HeuristicsPath, "heuristics", "", "Optional YAML file with window classifier overrides")
	fs.StringVar(&cfg.SQLitePath, "sqlite", "", "Optional SQLite database to also store rows in")
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "Max runs processed at the same time")
	fs.IntVar(&cfg.Concurrency, "concurrency", cfg.Concurrency, "Max concurrent events during window extraction per run")

	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage:\n  %s [flags]\n\nFlags:\n", filepath.Base(os.Args[0]))
		fs.PrintDefaults()
		fmt.Fprintln(fs.Output(), "\nExamples:")
		fmt.Fprintln(fs.Output(), "  go run ./cmd/envscoped -port 8080")
		fmt.Fprintln(fs.Output(), "  go run ./cmd/envscoped -out data/out -sqlite data/rows.db -workers 4")
	}

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg.WorkDir = filepath.Clean(cfg.WorkDir)
	cfg.OutDir = filepath.Clean(cfg.OutDir)
	cfg.StateDir = filepath.Clean(cfg.StateDir)
	if cfg.HeuristicsPath != "" {
		cfg.HeuristicsPath = filepath.Clean(cfg.HeuristicsPath)
	}
	if cfg.SQLitePath != "" {
		cfg.SQLitePath = filepath.Clean(cfg.SQLitePath)
	}
	return cfg, nil
}
