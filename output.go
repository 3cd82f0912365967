package imcurate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path"
	"path/filepath"
	"strings"
)

var (
	errImageTooSmall = errors.New("image smaller than the crop window")
	errEscapesOutput = errors.New("destination escapes the output folder")
)

// Output is one configured destination: a folder or s3:// URL, a path
// template and an ordered filter list.
type Output struct {
	Folder    string
	Overwrite bool
	Filters   []Filter

	tmpl *pathTemplate
	sink Sink
}

// NewOutput validates format against the built-in fields and columns by
// rendering a placeholder record. An empty format means DefaultFormat.
func NewOutput(folder, format string, overwrite bool, filters []Filter, s3 *S3Options, columns []Column) (*Output, error) {
	if folder == "" {
		return nil, configErr("output folder is empty")
	}
	if format == "" {
		format = DefaultFormat
	}
	tmpl, err := parseTemplate(format)
	if err != nil {
		return nil, configErr("output %s: format %q: %v", folder, format, err)
	}

	placeholder := map[string]string{
		FieldAbsolutePath: "/placeholder/image.png",
		FieldSrc:          "/placeholder",
		FieldRelativePath: "sub/dir",
		FieldFile:         "image",
		FieldExt:          "png",
		ColPath:           "/placeholder/image.png",
	}
	for _, c := range columns {
		if _, builtin := placeholder[c.Name]; !builtin {
			placeholder[c.Name] = "0"
		}
	}
	for _, f := range tmpl.fields() {
		if _, ok := placeholder[f]; !ok {
			return nil, configErr("output %s: format %q: unknown field %q (built-in: %s)",
				folder, format, f, strings.Join(builtinFields, ", "))
		}
	}
	rendered, _ := tmpl.render(placeholder)
	if _, err := cleanKey(rendered); err != nil {
		return nil, configErr("output %s: format %q: %v", folder, format, err)
	}

	o := &Output{Folder: folder, Overwrite: overwrite, Filters: filters, tmpl: tmpl}
	if strings.HasPrefix(folder, "s3://") {
		if o.sink, err = newS3Sink(folder, s3); err != nil {
			return nil, err
		}
	} else {
		abs, err := filepath.Abs(folder)
		if err != nil {
			return nil, configErr("output %s: %v", folder, err)
		}
		o.sink = localSink{root: abs}
	}
	return o, nil
}

// cleanKey normalizes a rendered template into a slash-separated key below
// the output root.
func cleanKey(rendered string) (string, error) {
	key := path.Clean("/" + filepath.ToSlash(rendered))[1:]
	if key == "" || strings.HasSuffix(rendered, "/") {
		return "", fmt.Errorf("%q does not name a file", rendered)
	}
	// path.Clean on a rooted path drops leading "..", so compare segments of
	// the unrooted form.
	if rel := path.Clean(filepath.ToSlash(rendered)); rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%q: %w", rendered, errEscapesOutput)
	}
	return key, nil
}

// templateValues builds the field values for src and its record.
func templateValues(src Source, row Row) map[string]string {
	name := filepath.Base(src.Rel)
	ext := filepath.Ext(name)
	values := map[string]string{
		FieldAbsolutePath: filepath.ToSlash(src.Path),
		FieldSrc:          filepath.ToSlash(src.Root),
		FieldRelativePath: filepath.ToSlash(filepath.Dir(src.Rel)),
		FieldFile:         strings.TrimSuffix(name, ext),
		FieldExt:          strings.TrimPrefix(ext, "."),
	}
	for k, v := range row {
		if _, builtin := values[k]; builtin {
			continue
		}
		if s, ok := formatValue(v); ok {
			values[k] = s
		}
	}
	return values
}

// Plan computes the destination key for src.
func (o *Output) Plan(src Source, row Row) (string, error) {
	rendered, err := o.tmpl.render(templateValues(src, row))
	if err != nil {
		return "", err
	}
	return cleanKey(rendered)
}

// Location returns the full destination for key.
func (o *Output) Location(key string) string { return o.sink.Location(key) }

// Target pairs an output with a planned destination key.
type Target struct {
	Output *Output
	Key    string
}

// Job is one accepted file with its planned destinations.
type Job struct {
	Source  Source
	Targets []Target
}

// JobResult is the outcome of processing one Job.
type JobResult struct {
	Path    string
	Written []string // destination locations
	Skipped []string
	Errors  []FileError
}

func (r *JobResult) fail(err error) {
	r.Errors = append(r.Errors, FileError{Path: r.Path, Stage: StageOutput, Err: err})
}

// Process decodes the source once and runs every target's filters, encoder
// and sink. Existing destinations are skipped unless the output overwrites.
// All failures are recorded in the result.
func Process(ctx context.Context, job Job, rng *rand.Rand) JobResult {
	res := JobResult{Path: job.Source.Path}

	var pending []Target
	for _, t := range job.Targets {
		if !t.Output.Overwrite {
			exists, err := t.Output.sink.Exists(ctx, t.Key)
			if err != nil {
				res.fail(fmt.Errorf("check %s: %w", t.Output.Location(t.Key), err))
				continue
			}
			if exists {
				slog.Info("imcurate: destination exists, skipping", "path", job.Source.Path, "dest", t.Output.Location(t.Key))
				res.Skipped = append(res.Skipped, t.Output.Location(t.Key))
				continue
			}
		}
		pending = append(pending, t)
	}
	if len(pending) == 0 {
		return res
	}

	info, err := os.Stat(job.Source.Path)
	if err != nil {
		res.fail(err)
		return res
	}
	img, _, err := decodeFile(job.Source.Path)
	if err != nil {
		res.fail(err)
		return res
	}

	for _, t := range pending {
		out := img
		failed := false
		for _, f := range t.Output.Filters {
			if out, err = f.Apply(out, rng); err != nil {
				res.fail(fmt.Errorf("filter %s: %w", f.Name(), err))
				failed = true
				break
			}
		}
		if failed {
			continue
		}
		data, err := encodeFor(t.Key, out)
		if err != nil {
			res.fail(fmt.Errorf("encode %s: %w", t.Output.Location(t.Key), err))
			continue
		}
		if err := t.Output.sink.Write(ctx, t.Key, data, info); err != nil {
			res.fail(fmt.Errorf("write %s: %w", t.Output.Location(t.Key), err))
			continue
		}
		res.Written = append(res.Written, t.Output.Location(t.Key))
	}
	return res
}
