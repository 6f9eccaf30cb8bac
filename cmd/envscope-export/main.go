package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

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

	store, err := sink.OpenSQLite(cfg.DBPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}
	defer store.Close()

	if cfg.List {
		runs, err := store.Runs(ctx)
		if err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			os.Exit(1)
		}
		for _, r := range runs {
			fmt.Fprintf(os.Stdout, "run_id=%s rows=%d\n", r.RunID, r.Rows)
		}
		return
	}

	rows, err := store.ReadRows(ctx, cfg.RunID)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}

	switch cfg.Target {
	case "csv":
		out := &sink.CSVSink{Path: cfg.OutPath}
		if err := out.WriteRows(ctx, cfg.RunID, rows); err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			os.Exit(1)
		}
		fmt.Fprintf(os.Stdout, "run_id=%s rows=%d target=csv out=%s\n", cfg.RunID, len(rows), cfg.OutPath)

	case "clickhouse":
		password := cfg.CHPassword
		if password == "" {
			password = os.Getenv("CLICKHOUSE_PASSWORD")
		}
		ch, err := sink.OpenClickHouse(ctx, sink.ClickHouseOptions{
			Addr:     cfg.CHAddr,
			Database: cfg.CHDatabase,
			User:     cfg.CHUser,
			Password: password,
		})
		if err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			os.Exit(1)
		}
		defer ch.Close()
		if err := ch.WriteRows(ctx, cfg.RunID, rows); err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			os.Exit(1)
		}
		fmt.Fprintf(os.Stdout, "run_id=%s rows=%d target=clickhouse addr=%s\n", cfg.RunID, len(rows), cfg.CHAddr)
	}
}

type Config struct {
	DBPath     string
	RunID      string
	Target     string
	OutPath    string
	CHAddr     string
	CHDatabase string
	CHUser     string
	CHPassword string
	List       bool
}

func (c Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("missing -db")
	}
	if c.Target != "csv" && c.Target != "clickhouse" {
		return fmt.Errorf("invalid -to %q (want csv or clickhouse)", c.Target)
	}
	if !c.List && c.RunID == "" {
		return fmt.Errorf("missing -run")
	}
	return nil
}

func defaultConfig() Config {
	return Config{
		Target:     "csv",
		OutPath:    filepath.FromSlash("data/export/context_rows.csv"),
		CHAddr:     "localhost:9000",
		CHDatabase: "default",
		CHUser:     "default",
	}
}

func parseFlags(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := defaultConfig()
	fs.SetOutput(os.Stderr)

	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database holding stored context rows")
	fs.StringVar(&cfg.RunID, "run", cfg.RunID, "Run id to export")
	fs.StringVar(&cfg.Target, "to", cfg.Target, "Export target: csv or clickhouse")
	fs.StringVar(&cfg.OutPath, "out", cfg.OutPath, "Output path for the csv target")
	fs.StringVar(&cfg.CHAddr, "ch-addr", cfg.CHAddr, "ClickHouse native address (host:port)")
	fs.StringVar(&cfg.CHDatabase, "ch-db", cfg.CHDatabase, "ClickHouse database name")
	fs.StringVar(&cfg.CHUser, "ch-user", cfg.CHUser, "ClickHouse user")
	fs.StringVar(&cfg.CHPassword, "ch-pass", "", "ClickHouse password (overrides CLICKHOUSE_PASSWORD env var)")
	fs.BoolVar(&cfg.List, "list", false, "List the stored runs with their row counts and exit")

	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage:\n  %s [flags]\n\nFlags:\n", filepath.Base(os.Args[0]))
		fs.PrintDefaults()
		fmt.Fprintln(fs.Output(), "\nExamples:")
		fmt.Fprintln(fs.Output(), "  go run ./cmd/envscope-export -db data/rows.db -list")
		fmt.Fprintln(fs.Output(), "  go run ./cmd/envscope-export -db data/rows.db -run 6f1c... -to clickhouse -ch-addr ch:9000")
	}

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if cfg.DBPath != "" {
		cfg.DBPath = filepath.Clean(cfg.DBPath)
	}
	cfg.OutPath = filepath.Clean(cfg.OutPath)
	return cfg, nil
}
