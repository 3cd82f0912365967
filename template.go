package imcurate

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultFormat mirrors the input tree under the output folder.
const DefaultFormat = "{relative_path}/{file}.{ext}"

// Built-in template fields, filled from the source file location.
const (
	FieldAbsolutePath = "absolute_path" // resolved absolute path of the source
	FieldSrc          = "src"           // input folder
	FieldRelativePath = "relative_path" // directory of the file relative to src
	FieldFile         = "file"          // base name without extension
	FieldExt          = "ext"           // extension without the dot
)

var builtinFields = []string{FieldAbsolutePath, FieldSrc, FieldRelativePath, FieldFile, FieldExt}

type sliceRange struct {
	lo, hi       int
	hasLo, hasHi bool
}

// apply slices v by characters, not bytes.
func (s *sliceRange) apply(v string) string {
	r := []rune(v)
	n := len(r)
	norm := func(i int) int {
		if i < 0 {
			i += n
		}
		return min(max(i, 0), n)
	}
	lo, hi := 0, n
	if s.hasLo {
		lo = norm(s.lo)
	}
	if s.hasHi {
		hi = norm(s.hi)
	}
	if lo >= hi {
		return ""
	}
	return string(r[lo:hi])
}

type segment struct {
	lit   string
	field string // empty for literal segments
	slice *sliceRange
}

// pathTemplate is a parsed destination format such as
// "{relative_path}/{file[0:8]}.{ext}". "{{" and "}}" produce literal braces.
type pathTemplate struct {
	raw  string
	segs []segment
}

func parseTemplate(s string) (*pathTemplate, error) {
	t := &pathTemplate{raw: s}
	var lit strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '{' && i+1 < len(s) && s[i+1] == '{':
			lit.WriteByte('{')
			i++
		case c == '}' && i+1 < len(s) && s[i+1] == '}':
			lit.WriteByte('}')
			i++
		case c == '}':
			return nil, fmt.Errorf("unbalanced '}' at offset %d", i)
		case c == '{':
			end := strings.IndexByte(s[i:], '}')
			if end < 0 {
				return nil, fmt.Errorf("unclosed '{' at offset %d", i)
			}
			seg, err := parseField(s[i+1 : i+end])
			if err != nil {
				return nil, err
			}
			if lit.Len() > 0 {
				t.segs = append(t.segs, segment{lit: lit.String()})
				lit.Reset()
			}
			t.segs = append(t.segs, seg)
			i += end
		default:
			lit.WriteByte(c)
		}
	}
	if lit.Len() > 0 {
		t.segs = append(t.segs, segment{lit: lit.String()})
	}
	return t, nil
}

func parseField(f string) (segment, error) {
	if strings.Contains(f, "__") {
		return segment{}, fmt.Errorf("field %q: '__' is not allowed", f)
	}
	if strings.ContainsAny(f, "{") {
		return segment{}, fmt.Errorf("field %q: nested '{'", f)
	}
	name, rest, hasSlice := strings.Cut(f, "[")
	if name == "" {
		return segment{}, fmt.Errorf("empty field name")
	}
	if !columnNameRe.MatchString(name) {
		return segment{}, fmt.Errorf("invalid field name %q", name)
	}
	seg := segment{field: name}
	if !hasSlice {
		return seg, nil
	}
	body, ok := strings.CutSuffix(rest, "]")
	if !ok {
		return segment{}, fmt.Errorf("field %q: unterminated slice", f)
	}
	loS, hiS, ok := strings.Cut(body, ":")
	if !ok {
		return segment{}, fmt.Errorf("field %q: slice needs ':'", f)
	}
	sl := &sliceRange{}
	var err error
	if loS != "" {
		if sl.lo, err = strconv.Atoi(loS); err != nil {
			return segment{}, fmt.Errorf("field %q: bad slice start", f)
		}
		sl.hasLo = true
	}
	if hiS != "" {
		if sl.hi, err = strconv.Atoi(hiS); err != nil {
			return segment{}, fmt.Errorf("field %q: bad slice end", f)
		}
		sl.hasHi = true
	}
	seg.slice = sl
	return seg, nil
}

// fields lists the field names the template references.
func (t *pathTemplate) fields() []string {
	var out []string
	for _, s := range t.segs {
		if s.field != "" {
			out = append(out, s.field)
		}
	}
	return out
}

// render substitutes values. A referenced field missing from values is an error.
func (t *pathTemplate) render(values map[string]string) (string, error) {
	var b strings.Builder
	for _, s := range t.segs {
		if s.field == "" {
			b.WriteString(s.lit)
			continue
		}
		v, ok := values[s.field]
		if !ok {
			return "", fmt.Errorf("no value for field %q", s.field)
		}
		if s.slice != nil {
			v = s.slice.apply(v)
		}
		b.WriteString(v)
	}
	return b.String(), nil
}

// formatValue renders a column value for use in a path.
func formatValue(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case int64:
		return strconv.FormatInt(val, 10), true
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(val), true
	case time.Time:
		return val.Local().Format("2006-01-02_15-04-05"), true
	}
	return "", false
}
