package table

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/zeebo/errs"

	"cutout/internal/sdss"
)

// ErrSchema is returned when required input columns are absent. It is fatal
// to the whole run and is raised before any field is touched.
var ErrSchema = errs.Class("schema")

// Error is the class for malformed table content.
var Error = errs.Class("table")

// Column names recognised in the input header.
const (
	ColRerun  = "rerun"
	ColRun    = "run"
	ColCamcol = "camcol"
	ColField  = "field"
	ColObjID  = "objID"
	ColRA     = "ra"
	ColDec    = "dec"
	ColClass  = "class"
	ColZ      = "z"
)

var fieldColumns = []string{ColRerun, ColRun, ColCamcol, ColField}

// Schema records which optional columns the input carried. It is computed
// once from the header and never re-derived per field.
type Schema struct {
	HasObjID bool `json:"has_obj_id"`
	HasRADec bool `json:"has_ra_dec"`
	HasClass bool `json:"has_class"`
	HasZ     bool `json:"has_z"`
}

// Columns returns the canonical header for rows with this schema.
func (s Schema) Columns() []string {
	cols := []string{ColRerun, ColRun, ColCamcol, ColField}
	if s.HasObjID {
		cols = append(cols, ColObjID)
	}
	if s.HasRADec {
		cols = append(cols, ColRA, ColDec)
	}
	if s.HasClass {
		cols = append(cols, ColClass)
	}
	if s.HasZ {
		cols = append(cols, ColZ)
	}
	return cols
}

// Row is one input object.
type Row struct {
	Key   sdss.FieldKey
	ObjID uint64
	RA    float64
	Dec   float64
	Class string
	Z     float64
}

// Table is a parsed input file.
type Table struct {
	Schema Schema
	Rows   []Row
}

// Len returns the number of rows.
func (t *Table) Len() int { return len(t.Rows) }

// Subset returns a table with the given rows and the same schema.
func (t *Table) Subset(idx []int) *Table {
	sub := &Table{Schema: t.Schema, Rows: make([]Row, 0, len(idx))}
	for _, i := range idx {
		sub.Rows = append(sub.Rows, t.Rows[i])
	}
	return sub
}

// RequireMatch checks the columns needed for coordinate matching.
func (t *Table) RequireMatch() error {
	var missing []string
	if !t.Schema.HasObjID {
		missing = append(missing, ColObjID)
	}
	if !t.Schema.HasRADec {
		missing = append(missing, ColRA, ColDec)
	}
	if len(missing) > 0 {
		return ErrSchema.New("missing required columns: %s", strings.Join(missing, ","))
	}
	return nil
}

// Read parses the delimited file at path.
func Read(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	t, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// Parse reads a header row followed by data rows.
func Parse(r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrSchema.New("empty input: no header row")
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}

	index := make(map[string]int, len(header))
	for i, name := range header {
		index[strings.TrimSpace(name)] = i
	}

	var missing []string
	for _, col := range fieldColumns {
		if _, ok := index[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, ErrSchema.New("missing required columns: %s", strings.Join(missing, ","))
	}

	_, hasRA := index[ColRA]
	_, hasDec := index[ColDec]
	_, hasObjID := index[ColObjID]
	_, hasClass := index[ColClass]
	_, hasZ := index[ColZ]

	t := &Table{Schema: Schema{
		HasObjID: hasObjID,
		HasRADec: hasRA && hasDec,
		HasClass: hasClass,
		HasZ:     hasZ,
	}}

	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, Error.Wrap(err)
		}
		line, _ := cr.FieldPos(0)

		row, err := parseRow(rec, index, t.Schema)
		if err != nil {
			return nil, Error.New("line %d: %v", line, err)
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

func parseRow(rec []string, index map[string]int, s Schema) (Row, error) {
	var row Row
	var err error

	field := func(name string) string {
		return strings.TrimSpace(rec[index[name]])
	}
	u32 := func(name string) (uint32, error) {
		v, err := strconv.ParseUint(field(name), 10, 32)
		if err != nil {
			return 0, fmt.Errorf("column %s: %w", name, err)
		}
		return uint32(v), nil
	}

	if row.Key.Rerun, err = u32(ColRerun); err != nil {
		return row, err
	}
	if row.Key.Run, err = u32(ColRun); err != nil {
		return row, err
	}
	if row.Key.Camcol, err = u32(ColCamcol); err != nil {
		return row, err
	}
	if row.Key.Field, err = u32(ColField); err != nil {
		return row, err
	}
	if err := row.Key.Validate(); err != nil {
		return row, err
	}

	if s.HasObjID {
		if row.ObjID, err = strconv.ParseUint(field(ColObjID), 10, 64); err != nil {
			return row, fmt.Errorf("column %s: %w", ColObjID, err)
		}
	}
	if s.HasRADec {
		if row.RA, err = strconv.ParseFloat(field(ColRA), 64); err != nil {
			return row, fmt.Errorf("column %s: %w", ColRA, err)
		}
		if row.Dec, err = strconv.ParseFloat(field(ColDec), 64); err != nil {
			return row, fmt.Errorf("column %s: %w", ColDec, err)
		}
	}
	if s.HasClass {
		row.Class = field(ColClass)
	}
	if s.HasZ {
		row.Z = math.NaN()
		if v := field(ColZ); v != "" {
			if row.Z, err = strconv.ParseFloat(v, 64); err != nil {
				return row, fmt.Errorf("column %s: %w", ColZ, err)
			}
		}
	}
	return row, nil
}

// Write emits t with its canonical header. Checkpoint files are written
// with it so that Parse reads them back with the same schema.
func Write(w io.Writer, t *Table) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Schema.Columns()); err != nil {
		return Error.Wrap(err)
	}

	rec := make([]string, 0, 9)
	for _, row := range t.Rows {
		rec = rec[:0]
		rec = append(rec,
			strconv.FormatUint(uint64(row.Key.Rerun), 10),
			strconv.FormatUint(uint64(row.Key.Run), 10),
			strconv.FormatUint(uint64(row.Key.Camcol), 10),
			strconv.FormatUint(uint64(row.Key.Field), 10),
		)
		if t.Schema.HasObjID {
			rec = append(rec, strconv.FormatUint(row.ObjID, 10))
		}
		if t.Schema.HasRADec {
			rec = append(rec,
				strconv.FormatFloat(row.RA, 'g', -1, 64),
				strconv.FormatFloat(row.Dec, 'g', -1, 64),
			)
		}
		if t.Schema.HasClass {
			rec = append(rec, row.Class)
		}
		if t.Schema.HasZ {
			z := ""
			if !math.IsNaN(row.Z) {
				z = strconv.FormatFloat(row.Z, 'g', -1, 64)
			}
			rec = append(rec, z)
		}
		if err := cw.Write(rec); err != nil {
			return Error.Wrap(err)
		}
	}
	cw.Flush()
	return Error.Wrap(cw.Error())
}
