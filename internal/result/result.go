package result

import (
	"github.com/zeebo/errs"

	"cutout/internal/sdss"
)

// Error is the class for records that would break the output invariants.
var Error = errs.Class("result")

// ClassLen is the fixed width of the class label field.
const ClassLen = 16

// Schema fixes the record layout for a whole run. It is derived once from
// the input columns before any field is processed.
type Schema struct {
	Bands    []sdss.Band
	Size     int
	Match    bool // records carry objID
	HasClass bool
	HasZ     bool
}

// CutoutLen is the number of float32 values in one record's cutout.
func (s Schema) CutoutLen() int {
	return len(s.Bands) * s.Size * s.Size
}

// Records is a column-oriented batch of cutout records.
type Records struct {
	N       int
	IDs     []uint64
	Classes []string
	Zs      []float64
	Data    []float32
}

func (r *Records) check(s Schema) error {
	if r.N < 0 {
		return Error.New("negative record count")
	}
	if len(r.Data) != r.N*s.CutoutLen() {
		return Error.New("cutout data holds %d values, want %d", len(r.Data), r.N*s.CutoutLen())
	}
	if s.Match && len(r.IDs) != r.N {
		return Error.New("%d identifiers for %d records", len(r.IDs), r.N)
	}
	if s.HasClass && len(r.Classes) != r.N {
		return Error.New("%d class labels for %d records", len(r.Classes), r.N)
	}
	for _, c := range r.Classes {
		if len(c) > ClassLen {
			return Error.New("class label %q is longer than %d bytes", c, ClassLen)
		}
	}
	if s.HasZ && len(r.Zs) != r.N {
		return Error.New("%d redshifts for %d records", len(r.Zs), r.N)
	}
	return nil
}

// Block is the output of one field.
type Block struct {
	Key sdss.FieldKey
	Records
}

// Accumulator folds per-field blocks into one array. Records are written at
// a running cursor; a block is either taken whole or rejected whole.
type Accumulator struct {
	schema   Schema
	capacity int
	out      Records
	seen     map[uint64]sdss.FieldKey
}

// NewAccumulator pre-allocates room for capacity records. In match mode no
// more than capacity records are accepted.
func NewAccumulator(schema Schema, capacity int) *Accumulator {
	a := &Accumulator{
		schema:   schema,
		capacity: capacity,
		seen:     make(map[uint64]sdss.FieldKey, capacity),
	}
	a.out.Data = make([]float32, 0, capacity*schema.CutoutLen())
	if schema.Match {
		a.out.IDs = make([]uint64, 0, capacity)
	}
	if schema.HasClass {
		a.out.Classes = make([]string, 0, capacity)
	}
	if schema.HasZ {
		a.out.Zs = make([]float64, 0, capacity)
	}
	return a
}

// Append adds b. In match mode every identifier must be in allowed (the
// identifiers of b's field in the input) and must not have been written
// before.
func (a *Accumulator) Append(b *Block, allowed map[uint64]bool) error {
	if err := b.check(a.schema); err != nil {
		return Error.New("%s: %v", b.Key, err)
	}
	if a.schema.Match {
		if a.out.N+b.N > a.capacity {
			return Error.New("%s: %d records would exceed the %d input rows", b.Key, b.N, a.capacity)
		}
		inBlock := make(map[uint64]bool, b.N)
		for _, id := range b.IDs {
			if !allowed[id] {
				return Error.New("%s: objID %d is not an input row of this field", b.Key, id)
			}
			if prev, dup := a.seen[id]; dup {
				return Error.New("%s: objID %d already written by %s", b.Key, id, prev)
			}
			if inBlock[id] {
				return Error.New("%s: objID %d repeated in block", b.Key, id)
			}
			inBlock[id] = true
		}
		for _, id := range b.IDs {
			a.seen[id] = b.Key
		}
		a.out.IDs = append(a.out.IDs, b.IDs...)
	}
	if a.schema.HasClass {
		a.out.Classes = append(a.out.Classes, b.Classes...)
	}
	if a.schema.HasZ {
		a.out.Zs = append(a.out.Zs, b.Zs...)
	}
	a.out.Data = append(a.out.Data, b.Data...)
	a.out.N += b.N
	return nil
}

// Len returns the number of records written so far.
func (a *Accumulator) Len() int { return a.out.N }

// Records returns the records written so far.
func (a *Accumulator) Records() *Records { return &a.out }
