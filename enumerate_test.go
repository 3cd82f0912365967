package imcurate

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
)

func TestInputMatch(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   Input
		rel  string
		want bool
	}{
		{name: "default expressions match jpg", in: Input{}, rel: "a/b/c.jpg", want: true},
		{name: "default expressions ignore case", in: Input{}, rel: "A/PHOTO.JPEG", want: true},
		{name: "default expressions skip text", in: Input{}, rel: "notes.txt", want: false},
		{name: "custom include", in: Input{Expressions: []string{"raw/**/*.png"}}, rel: "raw/x/y.png", want: true},
		{name: "custom include miss", in: Input{Expressions: []string{"raw/**/*.png"}}, rel: "cooked/y.png", want: false},
		{name: "exclude wins", in: Input{Exclude: []string{"**/thumbs/**"}}, rel: "set/thumbs/a.png", want: false},
		{name: "exclude other folder", in: Input{Exclude: []string{"**/thumbs/**"}}, rel: "set/full/a.png", want: true},
		{name: "character class", in: Input{Expressions: []string{"img[0-9].png"}}, rel: "img7.png", want: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := tc.in.Match(tc.rel); got != tc.want {
				t.Errorf("Match(%q) = %v, want %v", tc.rel, got, tc.want)
			}
		})
	}
}

func TestInputValidate(t *testing.T) {
	t.Parallel()
	if err := (Input{Folder: "x", Expressions: []string{"[unclosed"}}).Validate(); !errors.Is(err, ErrConfig) {
		t.Errorf("invalid pattern: err = %v, want ErrConfig", err)
	}
	if err := (Input{}).Validate(); !errors.Is(err, ErrConfig) {
		t.Errorf("empty folder: err = %v, want ErrConfig", err)
	}
	if err := (Input{Folder: "x"}).Validate(); err != nil {
		t.Errorf("defaults: err = %v", err)
	}
}

func TestGatherUniqueAndFiltered(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	a := writeFile(t, dir, "a.jpg", makeJPEG(4, 4))
	b := writeFile(t, dir, "sub/b.png", makeJPEG(4, 4))
	writeFile(t, dir, "sub/skip/c.png", makeJPEG(4, 4))
	writeFile(t, dir, "readme.txt", []byte("hi"))
	if err := os.Symlink(a, filepath.Join(dir, "sub", "link.jpg")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	inputs := []Input{
		{Folder: dir, Exclude: []string{"**/skip/**"}},
		{Folder: filepath.Join(dir, "sub"), Exclude: []string{"skip/**"}},
	}
	sources, dupes, err := Gather(context.Background(), inputs)
	if err != nil {
		t.Fatal(err)
	}

	var got []string
	for _, s := range sources {
		got = append(got, s.Path)
	}
	slices.Sort(got)
	want := []string{a, b}
	slices.Sort(want)
	if !slices.Equal(got, want) {
		t.Errorf("paths = %v, want %v", got, want)
	}
	// link.jpg twice (once per input) and b.png via the second input.
	if dupes != 3 {
		t.Errorf("dupes = %d, want 3", dupes)
	}
	for _, s := range sources {
		if s.Path == b && filepath.ToSlash(s.Rel) != "sub/b.png" {
			t.Errorf("first input should own b.png, got rel %q", s.Rel)
		}
	}
}

func TestWalkStopsEarly(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	for _, n := range []string{"1.jpg", "2.jpg", "3.jpg"} {
		writeFile(t, dir, n, makeJPEG(2, 2))
	}
	n := 0
	for _, err := range (Input{Folder: dir}).Walk(context.Background()) {
		if err != nil {
			t.Fatal(err)
		}
		n++
		if n == 2 {
			break
		}
	}
	if n != 2 {
		t.Errorf("visited %d, want 2", n)
	}
}

func TestWalkMissingFolder(t *testing.T) {
	t.Parallel()
	var gotErr error
	for _, err := range (Input{Folder: filepath.Join(t.TempDir(), "nope")}).Walk(context.Background()) {
		gotErr = err
	}
	if gotErr == nil {
		t.Error("expected an error for a missing folder")
	}
}

func TestGatherSkipsUnreadableDirectory(t *testing.T) {
	t.Parallel()
	if os.Geteuid() == 0 {
		t.Skip("permission bits do not apply to root")
	}
	dir := t.TempDir()
	a := writeFile(t, dir, "a.jpg", makeJPEG(4, 4))
	writeFile(t, dir, "locked/b.jpg", makeJPEG(4, 4))
	locked := filepath.Join(dir, "locked")
	if err := os.Chmod(locked, 0); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chmod(locked, 0o755) })

	sources, _, err := Gather(context.Background(), []Input{{Folder: dir}})
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(sources) != 1 || sources[0].Path != a {
		t.Errorf("sources = %+v, want only %s", sources, a)
	}
}
