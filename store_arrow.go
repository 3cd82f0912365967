package imcurate

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// arrowCodec stores the table as a single-batch Arrow IPC file, the same
// layout polars writes with DataFrame.write_ipc.
type arrowCodec struct{}

func arrowType(t ColumnType) arrow.DataType {
	switch t {
	case TypeInt:
		return arrow.PrimitiveTypes.Int64
	case TypeFloat:
		return arrow.PrimitiveTypes.Float64
	case TypeBool:
		return arrow.FixedWidthTypes.Boolean
	case TypeTime:
		return &arrow.TimestampType{Unit: arrow.Millisecond}
	default:
		return arrow.BinaryTypes.String
	}
}

func (arrowCodec) write(path string, cols []Column, rows []Row) error {
	fields := make([]arrow.Field, 0, len(cols)+1)
	fields = append(fields, arrow.Field{Name: ColPath, Type: arrow.BinaryTypes.String})
	for _, c := range cols {
		fields = append(fields, arrow.Field{Name: c.Name, Type: arrowType(c.Type), Nullable: true})
	}
	schema := arrow.NewSchema(fields, nil)

	mem := memory.NewGoAllocator()
	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()

	for _, row := range rows {
		b.Field(0).(*array.StringBuilder).Append(row.Path())
		for i, c := range cols {
			appendArrowValue(b.Field(i+1), c.Type, row[c.Name])
		}
	}
	rec := b.NewRecord()
	defer rec.Release()

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w, err := ipc.NewFileWriter(f, ipc.WithSchema(schema), ipc.WithAllocator(mem))
	if err != nil {
		f.Close()
		return err
	}
	if err := w.Write(rec); err != nil {
		w.Close()
		f.Close()
		return err
	}
	if err := w.Close(); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func appendArrowValue(b array.Builder, t ColumnType, v any) {
	if v == nil {
		b.AppendNull()
		return
	}
	switch t {
	case TypeInt:
		b.(*array.Int64Builder).Append(v.(int64))
	case TypeFloat:
		b.(*array.Float64Builder).Append(v.(float64))
	case TypeBool:
		b.(*array.BooleanBuilder).Append(v.(bool))
	case TypeTime:
		b.(*array.TimestampBuilder).Append(arrow.Timestamp(v.(time.Time).UnixMilli()))
	default:
		b.(*array.StringBuilder).Append(v.(string))
	}
}

func (arrowCodec) read(path string) ([]Column, []Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	r, err := ipc.NewFileReader(f, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, nil, err
	}
	defer r.Close()

	schema := r.Schema()
	pathIdx := -1
	var cols []Column
	colIdx := map[int]Column{}
	for i, field := range schema.Fields() {
		if field.Name == ColPath {
			pathIdx = i
			continue
		}
		t, ok := columnTypeOf(field.Type)
		if !ok {
			slog.Warn("imcurate: skipping column of unsupported type", "column", field.Name, "type", field.Type.String())
			continue
		}
		c := Column{Name: field.Name, Type: t}
		cols = append(cols, c)
		colIdx[i] = c
	}
	if pathIdx < 0 {
		return nil, nil, fmt.Errorf("no %q column", ColPath)
	}

	var rows []Row
	for n := 0; n < r.NumRecords(); n++ {
		rec, err := r.Record(n)
		if err != nil {
			return nil, nil, err
		}
		for i := 0; i < int(rec.NumRows()); i++ {
			p, ok := arrowValue(rec.Column(pathIdx), i).(string)
			if !ok {
				return nil, nil, fmt.Errorf("record %d row %d: null path", n, i)
			}
			row := Row{ColPath: p}
			for j := range colIdx {
				if v := arrowValue(rec.Column(j), i); v != nil {
					row[colIdx[j].Name] = v
				}
			}
			rows = append(rows, row)
		}
	}
	return cols, rows, nil
}

func columnTypeOf(dt arrow.DataType) (ColumnType, bool) {
	switch dt.ID() {
	case arrow.INT8, arrow.INT16, arrow.INT32, arrow.INT64,
		arrow.UINT8, arrow.UINT16, arrow.UINT32:
		return TypeInt, true
	case arrow.FLOAT32, arrow.FLOAT64:
		return TypeFloat, true
	case arrow.STRING, arrow.LARGE_STRING:
		return TypeString, true
	case arrow.BOOL:
		return TypeBool, true
	case arrow.TIMESTAMP:
		return TypeTime, true
	default:
		return 0, false
	}
}

// arrowValue converts one cell to the Row representation; nil for nulls.
func arrowValue(col arrow.Array, i int) any {
	if col.IsNull(i) {
		return nil
	}
	switch a := col.(type) {
	case *array.Int8:
		return int64(a.Value(i))
	case *array.Int16:
		return int64(a.Value(i))
	case *array.Int32:
		return int64(a.Value(i))
	case *array.Int64:
		return a.Value(i)
	case *array.Uint8:
		return int64(a.Value(i))
	case *array.Uint16:
		return int64(a.Value(i))
	case *array.Uint32:
		return int64(a.Value(i))
	case *array.Float32:
		return float64(a.Value(i))
	case *array.Float64:
		return a.Value(i)
	case *array.String:
		return a.Value(i)
	case *array.LargeString:
		return a.Value(i)
	case *array.Boolean:
		return a.Value(i)
	case *array.Timestamp:
		unit := a.DataType().(*arrow.TimestampType).Unit
		return a.Value(i).ToTime(unit).Truncate(time.Millisecond).UTC()
	default:
		return nil
	}
}
