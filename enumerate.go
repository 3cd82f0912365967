package imcurate

import (
	"context"
	"errors"
	"io/fs"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultExpressions match the image formats the decoders in this package understand.
var DefaultExpressions = []string{"**/*.{png,jpg,jpeg,webp,gif,bmp,tif,tiff}"}

// Input selects files under Folder. A file is a candidate when its
// slash-separated path relative to Folder matches at least one of Expressions
// and none of Exclude. Matching is case-insensitive.
type Input struct {
	Folder      string   `json:"folder"`
	Expressions []string `json:"expressions"`
	Exclude     []string `json:"exclude,omitempty"`
}

// Validate checks every pattern.
func (in Input) Validate() error {
	if in.Folder == "" {
		return configErr("input folder is empty")
	}
	for _, p := range append(in.include(), in.Exclude...) {
		if !doublestar.ValidatePattern(strings.ToLower(p)) {
			return configErr("input %s: invalid pattern %q", in.Folder, p)
		}
	}
	return nil
}

func (in Input) include() []string {
	if len(in.Expressions) == 0 {
		return DefaultExpressions
	}
	return in.Expressions
}

// Match reports whether rel (relative to Folder) is selected.
func (in Input) Match(rel string) bool {
	rel = strings.ToLower(filepath.ToSlash(rel))
	for _, p := range in.Exclude {
		if ok, _ := doublestar.Match(strings.ToLower(p), rel); ok {
			return false
		}
	}
	for _, p := range in.include() {
		if ok, _ := doublestar.Match(strings.ToLower(p), rel); ok {
			return true
		}
	}
	return false
}

// Walk lazily yields the absolute path of every selected regular file.
// Entries below the root that cannot be read are logged and skipped; any
// other walk error stops iteration and is yielded once.
func (in Input) Walk(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		root, err := filepath.Abs(in.Folder)
		if err != nil {
			yield("", err)
			return
		}
		stop := errors.New("stop")
		err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				if p == root || d == nil {
					return err
				}
				slog.Warn("imcurate: skipping unreadable entry", "path", p, "error", err.Error())
				if d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if d.IsDir() || !d.Type().IsRegular() && d.Type()&fs.ModeSymlink == 0 {
				return nil
			}
			rel, err := filepath.Rel(root, p)
			if err != nil {
				return err
			}
			if !in.Match(rel) {
				return nil
			}
			if !yield(p, nil) {
				return stop
			}
			return nil
		})
		if err != nil && !errors.Is(err, stop) {
			yield("", err)
		}
	}
}

// Source is one enumerated file.
type Source struct {
	Path string // resolved absolute path, the store key
	Root string // input folder the file was found under
	Rel  string // path relative to Root
}

// Gather walks every input and returns each resolved path exactly once, in
// discovery order. The first input to reach a file owns it. dupes counts the
// entries collapsed because they resolved to an already seen file.
func Gather(ctx context.Context, inputs []Input) (sources []Source, dupes int, err error) {
	seen := map[string]bool{}
	for _, in := range inputs {
		root, err := filepath.Abs(in.Folder)
		if err != nil {
			return nil, 0, err
		}
		for p, err := range in.Walk(ctx) {
			if err != nil {
				return nil, 0, err
			}
			resolved, err := filepath.EvalSymlinks(p)
			if err != nil {
				slog.Warn("imcurate: unresolvable path", "path", p, "error", err.Error())
				continue
			}
			if info, err := os.Stat(resolved); err != nil || !info.Mode().IsRegular() {
				continue
			}
			if seen[resolved] {
				dupes++
				continue
			}
			seen[resolved] = true
			rel, _ := filepath.Rel(root, p)
			sources = append(sources, Source{Path: resolved, Root: root, Rel: rel})
		}
	}
	return sources, dupes, nil
}
