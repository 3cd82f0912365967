package imcurate

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/tidwall/btree"
)

// DefaultStorePath is the metadata store file used when none is configured.
const DefaultStorePath = "filedb.arrow"

// Store is the per-path metadata cache. One row per unique path; the schema
// is the union of every column ever declared or loaded.
//
// Store is safe for concurrent use, but the population stage is expected to be
// its only writer.
type Store struct {
	mu      sync.RWMutex
	rows    *btree.Map[string, Row]
	columns []Column
	types   map[string]ColumnType
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		rows:  btree.NewMap[string, Row](0),
		types: map[string]ColumnType{},
	}
}

// OpenStore loads path if it exists, otherwise returns an empty store.
func OpenStore(path string) (*Store, error) {
	s := NewStore()
	if err := s.Load(path); err != nil {
		return nil, err
	}
	return s, nil
}

// Len returns the number of rows.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rows.Len()
}

// Columns returns the schema excluding the path key.
func (s *Store) Columns() []Column {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Column(nil), s.columns...)
}

// Get returns a copy of the row for path.
func (s *Store) Get(path string) (Row, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows.Get(path)
	if !ok {
		return nil, false
	}
	return row.Clone(), true
}

// Paths returns all keys in ascending order.
func (s *Store) Paths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rows.Keys()
}

// Range calls fn for every row in path order until fn returns false.
// The row passed to fn must not be modified.
func (s *Store) Range(fn func(row Row) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.rows.Scan(func(_ string, row Row) bool {
		return fn(row)
	})
}

// AddPaths inserts empty rows for unknown paths and returns how many were new.
func (s *Store) AddPaths(paths []string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	added := 0
	for _, p := range paths {
		if _, ok := s.rows.Get(p); ok {
			continue
		}
		s.rows.Set(p, Row{ColPath: p})
		added++
	}
	return added
}

// EnsureColumns adds the given columns to the schema. A loaded column whose
// type disagrees with the declaration is cleared so it gets repopulated.
func (s *Store) EnsureColumns(cols []Column) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range cols {
		if err := s.ensureColumnLocked(c); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ensureColumnLocked(c Column) error {
	if c.Name == ColPath {
		return configErr("column %q is reserved", ColPath)
	}
	if !columnNameRe.MatchString(c.Name) {
		return configErr("invalid column name %q", c.Name)
	}
	existing, ok := s.types[c.Name]
	if !ok {
		s.types[c.Name] = c.Type
		s.columns = append(s.columns, c)
		return nil
	}
	if existing == c.Type {
		return nil
	}
	slog.Warn("imcurate: column type changed, values will be recomputed",
		"column", c.Name, "stored", existing.String(), "declared", c.Type.String())
	s.types[c.Name] = c.Type
	for i := range s.columns {
		if s.columns[i].Name == c.Name {
			s.columns[i].Type = c.Type
		}
	}
	s.rows.Scan(func(_ string, row Row) bool {
		delete(row, c.Name)
		return true
	})
	return nil
}

// Upsert merges cols into the row for path, creating it if needed. Every
// value must match the declared column type; unknown columns are rejected.
func (s *Store) Upsert(path string, cols Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertLocked(path, cols)
}

func (s *Store) upsertLocked(path string, cols Row) error {
	for name, v := range cols {
		if name == ColPath || v == nil {
			continue
		}
		t, ok := s.types[name]
		if !ok {
			return fmt.Errorf("imcurate: upsert %s: unknown column %q", path, name)
		}
		if !t.accepts(normalizeValue(v)) {
			return fmt.Errorf("imcurate: upsert %s: column %q wants %s, got %T", path, name, t, v)
		}
	}
	row, ok := s.rows.Get(path)
	if !ok {
		row = Row{ColPath: path}
	}
	for name, v := range cols {
		if name == ColPath {
			continue
		}
		if v == nil {
			delete(row, name)
			continue
		}
		row[name] = normalizeValue(v)
	}
	s.rows.Set(path, row)
	return nil
}

// DropMissing removes rows whose file no longer exists on disk.
func (s *Store) DropMissing() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var gone []string
	s.rows.Scan(func(p string, _ Row) bool {
		if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
			gone = append(gone, p)
		}
		return true
	})
	for _, p := range gone {
		s.rows.Delete(p)
	}
	return len(gone)
}

// Save writes the store to dst. The file is written next to dst and renamed
// into place, so a crash never leaves a truncated store behind.
func (s *Store) Save(dst string) error {
	codec, err := codecFor(dst)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rows := make([]Row, 0, s.rows.Len())
	s.rows.Scan(func(_ string, row Row) bool {
		rows = append(rows, row)
		return true
	})

	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("imcurate: save store: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dst)+".*.tmp")
	if err != nil {
		return fmt.Errorf("imcurate: save store: %w", err)
	}
	tmpName := tmp.Name()
	_ = tmp.Close()
	defer os.Remove(tmpName) //nolint:errcheck // no-op after a successful rename

	if err := codec.write(tmpName, s.columns, rows); err != nil {
		return fmt.Errorf("imcurate: save store: %w", err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return fmt.Errorf("imcurate: save store: %w", err)
	}
	slog.Debug("imcurate: store saved", "path", dst, "rows", len(rows), "columns", len(s.columns))
	return nil
}

// Load replaces the store content with src. A missing file leaves the store
// empty; an unreadable one returns ErrCorruptStore.
func (s *Store) Load(src string) error {
	codec, err := codecFor(src)
	if err != nil {
		return err
	}
	if _, err := os.Stat(src); errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	cols, rows, err := codec.read(src)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrCorruptStore, src, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows.Clear()
	s.columns = nil
	s.types = map[string]ColumnType{}
	for _, c := range cols {
		if err := s.ensureColumnLocked(c); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrCorruptStore, src, err)
		}
	}
	for _, row := range rows {
		p := row.Path()
		if p == "" {
			return fmt.Errorf("%w: %s: row without path", ErrCorruptStore, src)
		}
		if err := s.upsertLocked(p, row); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrCorruptStore, src, err)
		}
	}
	return nil
}

// tableCodec persists a whole table to a file.
type tableCodec interface {
	write(path string, cols []Column, rows []Row) error
	read(path string) ([]Column, []Row, error)
}

func codecFor(path string) (tableCodec, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".arrow", ".ipc", ".feather":
		return arrowCodec{}, nil
	case ".db", ".sqlite", ".sqlite3":
		return sqliteCodec{}, nil
	default:
		return nil, configErr("unsupported store format %q (use .arrow or .db)", filepath.Ext(path))
	}
}
