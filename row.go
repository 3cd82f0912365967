package imcurate

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// Reserved column names present on every row.
const (
	ColPath    = "path"
	ColChecked = "checked"
)

var (
	// ErrConfig marks configuration problems detected before any processing.
	ErrConfig = errors.New("imcurate: invalid configuration")
	// ErrMissingColumn is returned when a rule meets a row without a column it requires.
	ErrMissingColumn = errors.New("imcurate: missing column")
	// ErrCorruptStore is returned when a persisted store cannot be read.
	ErrCorruptStore = errors.New("imcurate: corrupt metadata store")
)

// configErr wraps a formatted message with ErrConfig.
func configErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
}

// ColumnType is the value type stored in a metadata column.
type ColumnType int

const (
	TypeInt ColumnType = iota
	TypeFloat
	TypeString
	TypeBool
	TypeTime
)

func (t ColumnType) String() string {
	switch t {
	case TypeInt:
		return "int"
	case TypeFloat:
		return "float"
	case TypeString:
		return "string"
	case TypeBool:
		return "bool"
	case TypeTime:
		return "time"
	default:
		return "unknown"
	}
}

// parseColumnType is the inverse of ColumnType.String.
func parseColumnType(s string) (ColumnType, bool) {
	for _, t := range []ColumnType{TypeInt, TypeFloat, TypeString, TypeBool, TypeTime} {
		if t.String() == s {
			return t, true
		}
	}
	return 0, false
}

// Column declares one metadata column.
type Column struct {
	Name string
	Type ColumnType
}

var columnNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// accepts reports whether v is a valid value for the column type.
func (t ColumnType) accepts(v any) bool {
	switch v.(type) {
	case int64:
		return t == TypeInt
	case float64:
		return t == TypeFloat
	case string:
		return t == TypeString
	case bool:
		return t == TypeBool
	case time.Time:
		return t == TypeTime
	default:
		return false
	}
}

// Row is one file record: column name to value. A missing key or nil value
// means the column has not been populated for this file.
type Row map[string]any

// Path returns the row key.
func (r Row) Path() string {
	s, _ := r[ColPath].(string)
	return s
}

// Has reports whether col holds a non-nil value.
func (r Row) Has(col string) bool {
	v, ok := r[col]
	return ok && v != nil
}

// Int returns an integer column.
func (r Row) Int(col string) (int64, bool) {
	v, ok := r[col].(int64)
	return v, ok
}

// Float returns a float column. Integer values are widened.
func (r Row) Float(col string) (float64, bool) {
	switch v := r[col].(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// String returns a string column.
func (r Row) String(col string) (string, bool) {
	v, ok := r[col].(string)
	return v, ok
}

// Time returns a time column.
func (r Row) Time(col string) (time.Time, bool) {
	v, ok := r[col].(time.Time)
	return v, ok
}

// Clone returns a shallow copy; all value types are immutable.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// normalizeValue converts common Go numeric types to the stored representation.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case int:
		return int64(val)
	case int32:
		return int64(val)
	case uint32:
		return int64(val)
	case float32:
		return float64(val)
	case time.Time:
		return val.Truncate(time.Millisecond).UTC()
	default:
		return v
	}
}
