package main

import (
	"bytes"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	imcurate "github.com/anatolykoptev/go-imcurate"
)

func TestParseFlags(t *testing.T) {
	t.Parallel()
	var stderr bytes.Buffer

	f, err := parseFlags(nil, &stderr)
	if err != nil {
		t.Fatal(err)
	}
	if f.config != "config.json" || f.opts.DBPath != imcurate.DefaultStorePath || f.opts.Interval != time.Minute || f.opts.ChunkSize != 5 {
		t.Errorf("defaults = %+v", f)
	}

	f, err = parseFlags([]string{"-db", "x.db", "-threads", "3", "-interval", "5", "-simulate", "-sort-by", "width"}, &stderr)
	if err != nil {
		t.Fatal(err)
	}
	if f.opts.DBPath != "x.db" || f.opts.Threads != 3 || f.opts.Interval != 5*time.Second || !f.opts.Simulate || f.opts.SortBy != "width" {
		t.Errorf("parsed = %+v", f.opts)
	}

	if _, err := parseFlags([]string{"-interval", "0"}, &stderr); err == nil {
		t.Error("expected an error for a zero interval")
	}
	if _, err := parseFlags([]string{"-nope"}, &stderr); err == nil {
		t.Error("expected an error for an unknown flag")
	}
}

func TestWriteExampleBuilds(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := writeExample(path); err != nil {
		t.Fatal(err)
	}
	if err := writeExample(path); err == nil {
		t.Error("writeExample overwrote an existing file")
	}
	doc, err := imcurate.LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := doc.Build(); err != nil {
		t.Errorf("Build() = %v", err)
	}
}

func TestRunSimulate(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	in := filepath.Join(dir, "in")
	if err := os.MkdirAll(in, 0o755); err != nil {
		t.Fatal(err)
	}
	var img bytes.Buffer
	if err := png.Encode(&img, image.NewGray(image.Rect(0, 0, 300, 300))); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(in, "a.png"), img.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := filepath.Join(dir, "config.json")
	doc := &imcurate.Document{
		Inputs:    []imcurate.Input{{Folder: in}},
		Producers: []imcurate.Item{{Name: "shape"}},
		Rules:     []imcurate.Item{{Name: "resolution", Data: []byte(`{"min_res":256}`)}},
		Outputs:   []imcurate.OutputConfig{{Folder: filepath.Join(dir, "out")}},
	}
	var buf bytes.Buffer
	if err := doc.Encode(&buf); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(cfg, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}

	var stderr bytes.Buffer
	args := []string{"-config", cfg, "-db", filepath.Join(dir, "filedb.arrow"), "-simulate", "-log-file", filepath.Join(dir, "run.log")}
	if err := run(args, &stderr); err != nil {
		t.Fatalf("run: %v\n%s", err, stderr.String())
	}
	if !strings.Contains(stderr.String(), "accepted 1") {
		t.Errorf("summary missing: %s", stderr.String())
	}
	if _, err := os.Stat(filepath.Join(dir, "out")); !os.IsNotExist(err) {
		t.Errorf("simulate created the output folder (err=%v)", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "run.log")); err != nil {
		t.Errorf("log file: %v", err)
	}
}
