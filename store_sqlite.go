package imcurate

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// sqliteCodec stores the table in a SQLite database: a files table with one
// column per metadata column and a columns table recording declared types.
type sqliteCodec struct{}

func sqliteDecl(t ColumnType) string {
	switch t {
	case TypeInt, TypeBool, TypeTime:
		return "INTEGER"
	case TypeFloat:
		return "REAL"
	default:
		return "TEXT"
	}
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (sqliteCodec) write(path string, cols []Column, rows []Row) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return err
	}
	defer db.Close()

	defs := []string{quoteIdent(ColPath) + " TEXT PRIMARY KEY"}
	names := []string{quoteIdent(ColPath)}
	for _, c := range cols {
		defs = append(defs, quoteIdent(c.Name)+" "+sqliteDecl(c.Type))
		names = append(names, quoteIdent(c.Name))
	}
	schema := `
	CREATE TABLE files (` + strings.Join(defs, ", ") + `);
	CREATE TABLE columns (
		ord  INTEGER PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		type TEXT NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		return err
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	for i, c := range cols {
		if _, err := tx.Exec("INSERT INTO columns (ord, name, type) VALUES (?, ?, ?)", i, c.Name, c.Type.String()); err != nil {
			return err
		}
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(names)), ", ")
	stmt, err := tx.Prepare("INSERT INTO files (" + strings.Join(names, ", ") + ") VALUES (" + placeholders + ")")
	if err != nil {
		return err
	}
	defer stmt.Close()

	args := make([]any, len(names))
	for _, row := range rows {
		args[0] = row.Path()
		for i, c := range cols {
			args[i+1] = sqliteValue(c.Type, row[c.Name])
		}
		if _, err := stmt.Exec(args...); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func sqliteValue(t ColumnType, v any) any {
	if v == nil {
		return nil
	}
	switch t {
	case TypeTime:
		return v.(time.Time).UnixMilli()
	case TypeBool:
		if v.(bool) {
			return int64(1)
		}
		return int64(0)
	default:
		return v
	}
}

func (sqliteCodec) read(path string) ([]Column, []Row, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, nil, err
	}
	defer db.Close()

	crows, err := db.Query("SELECT name, type FROM columns ORDER BY ord")
	if err != nil {
		return nil, nil, err
	}
	var cols []Column
	for crows.Next() {
		var name, typ string
		if err := crows.Scan(&name, &typ); err != nil {
			crows.Close()
			return nil, nil, err
		}
		t, ok := parseColumnType(typ)
		if !ok {
			crows.Close()
			return nil, nil, fmt.Errorf("column %q: unknown type %q", name, typ)
		}
		cols = append(cols, Column{Name: name, Type: t})
	}
	crows.Close()
	if err := crows.Err(); err != nil {
		return nil, nil, err
	}

	names := []string{quoteIdent(ColPath)}
	for _, c := range cols {
		names = append(names, quoteIdent(c.Name))
	}
	frows, err := db.Query("SELECT " + strings.Join(names, ", ") + " FROM files ORDER BY " + quoteIdent(ColPath))
	if err != nil {
		return nil, nil, err
	}
	defer frows.Close()

	var rows []Row
	for frows.Next() {
		var p string
		cells := make([]any, len(cols))
		dest := make([]any, len(cols)+1)
		dest[0] = &p
		for i := range cols {
			dest[i+1] = &cells[i]
		}
		if err := frows.Scan(dest...); err != nil {
			return nil, nil, err
		}
		row := Row{ColPath: p}
		for i, c := range cols {
			v, err := fromSQLite(c.Type, cells[i])
			if err != nil {
				return nil, nil, fmt.Errorf("%s: column %q: %w", p, c.Name, err)
			}
			if v != nil {
				row[c.Name] = v
			}
		}
		rows = append(rows, row)
	}
	return cols, rows, frows.Err()
}

func fromSQLite(t ColumnType, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case TypeInt:
		if n, ok := v.(int64); ok {
			return n, nil
		}
	case TypeFloat:
		switch n := v.(type) {
		case float64:
			return n, nil
		case int64:
			return float64(n), nil
		}
	case TypeBool:
		if n, ok := v.(int64); ok {
			return n != 0, nil
		}
	case TypeTime:
		if n, ok := v.(int64); ok {
			return time.UnixMilli(n).UTC(), nil
		}
	case TypeString:
		switch s := v.(type) {
		case string:
			return s, nil
		case []byte:
			return string(s), nil
		}
	}
	return nil, fmt.Errorf("unexpected %T for %s", v, t)
}
