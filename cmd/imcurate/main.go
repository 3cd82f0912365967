// Command imcurate runs a dataset curation pass described by a JSON config:
// gather images, cache their metadata, filter them through the rule chain
// and write transformed copies.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	imcurate "github.com/anatolykoptev/go-imcurate"
)

func main() {
	if err := run(os.Args[1:], os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "imcurate: %v\n", err)
		os.Exit(1)
	}
}

type cliFlags struct {
	config     string
	opts       imcurate.Options
	interval   int
	verbose    bool
	logFile    string
	initConfig bool
}

func parseFlags(args []string, stderr io.Writer) (*cliFlags, error) {
	f := &cliFlags{}
	fs := flag.NewFlagSet("imcurate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&f.config, "config", "config.json", "configuration file")
	fs.StringVar(&f.opts.DBPath, "db", imcurate.DefaultStorePath, "metadata store (.arrow or .db)")
	fs.IntVar(&f.opts.Threads, "threads", 0, "worker count (0 = three quarters of the CPUs)")
	fs.IntVar(&f.opts.ChunkSize, "chunk-size", 5, "output jobs per dispatch")
	fs.IntVar(&f.opts.PopulationChunkSize, "population-chunk-size", 100, "files per population batch")
	fs.IntVar(&f.interval, "interval", 60, "checkpoint interval in seconds")
	fs.BoolVar(&f.opts.Simulate, "simulate", false, "run everything except writing outputs")
	fs.BoolVar(&f.verbose, "verbose", false, "debug logging")
	fs.StringVar(&f.opts.SortBy, "sort-by", imcurate.ColPath, "column that orders candidates before the rules")
	fs.StringVar(&f.logFile, "log-file", "", "also write logs to this rotating file")
	fs.BoolVar(&f.opts.Prune, "prune", false, "drop store rows whose files no longer exist")
	fs.BoolVar(&f.initConfig, "init", false, "write an example config to -config and exit")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if f.interval <= 0 {
		return nil, fmt.Errorf("-interval must be positive, got %d", f.interval)
	}
	f.opts.Interval = time.Duration(f.interval) * time.Second
	return f, nil
}

func newLogger(verbose bool, logFile string, stderr io.Writer) (*slog.Logger, func()) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	w := stderr
	closer := func() {}
	if logFile != "" {
		lj := &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    64,
			MaxBackups: 5,
			MaxAge:     30,
		}
		w = io.MultiWriter(stderr, lj)
		closer = func() { _ = lj.Close() }
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), closer
}

func run(args []string, stderr io.Writer) error {
	f, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	if f.initConfig {
		return writeExample(f.config)
	}

	logger, closeLog := newLogger(f.verbose, f.logFile, stderr)
	defer closeLog()
	slog.SetDefault(logger)

	doc, err := imcurate.LoadConfig(f.config)
	if err != nil {
		return err
	}
	pipeline, err := doc.Build()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner := &imcurate.Runner{Pipeline: pipeline, Options: f.opts, Logger: logger}
	rep, err := runner.Run(ctx)
	if rep != nil {
		fmt.Fprintf(stderr, "gathered %d, accepted %d, rejected %d, skipped %d, written %d, errored %d\n",
			rep.Gathered, rep.Accepted, rep.Rejected, rep.Skipped, rep.Written, rep.Errored())
	}
	return err
}

// writeExample writes a starter config without overwriting an existing file.
func writeExample(path string) error {
	enabled := true
	doc := &imcurate.Document{
		Inputs: []imcurate.Input{{Folder: "images", Expressions: imcurate.DefaultExpressions}},
		Producers: []imcurate.Item{
			{Name: "fileinfo"},
			{Name: "shape"},
			{Name: "hash", Data: []byte(`{"hash_type":"average"}`)},
		},
		Rules: []imcurate.Item{
			{Name: "resolution", Enabled: &enabled, Data: []byte(`{"min_res":256,"max_res":4096}`)},
			{Name: "hash", Data: []byte(`{"threshold":0}`)},
		},
		Outputs: []imcurate.OutputConfig{{
			Folder: "output",
			Format: imcurate.DefaultFormat,
			Filters: []imcurate.Item{
				{Name: "resize", Data: []byte(`{"mode":"max_resolution","size":1024,"algorithms":["lanczos"]}`)},
			},
		}},
	}
	out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if err := doc.Encode(out); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
