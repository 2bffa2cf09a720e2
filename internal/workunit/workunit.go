package workunit

import (
	"math/rand"
	"sort"

	"cutout/internal/sdss"
	"cutout/internal/table"
)

// Kind fixes how a unit resolves its target positions. It is decided once
// when units are built and never changes for the rest of the run.
type Kind string

const (
	// KindDetection runs source detection on the reference band.
	KindDetection Kind = "sex"
	// KindCoordinate projects each row's (ra, dec) through the reference WCS.
	KindCoordinate Kind = "match"
)

// ParseKind maps the CLI mode name to a Kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindDetection, KindCoordinate:
		return Kind(s), nil
	}
	return "", table.ErrSchema.New("unknown mode %q (want match or sex)", s)
}

// Unit is one field and the input rows that belong to it.
type Unit struct {
	Key  sdss.FieldKey
	Kind Kind
	Rows []int
}

// Build groups the rows of t by field key. Units come back sorted by key,
// so the partition depends only on the key column.
func Build(t *table.Table, kind Kind) ([]Unit, error) {
	if kind == KindCoordinate {
		if err := t.RequireMatch(); err != nil {
			return nil, err
		}
	}

	byKey := make(map[sdss.FieldKey]int)
	var units []Unit
	for i, row := range t.Rows {
		idx, ok := byKey[row.Key]
		if !ok {
			idx = len(units)
			byKey[row.Key] = idx
			units = append(units, Unit{Key: row.Key, Kind: kind})
		}
		units[idx].Rows = append(units[idx].Rows, i)
	}

	sort.Slice(units, func(i, j int) bool {
		return units[i].Key.Less(units[j].Key)
	})
	return units, nil
}

// Shuffle permutes the order of units in place. Row membership is untouched.
func Shuffle(units []Unit, rng *rand.Rand) {
	rng.Shuffle(len(units), func(i, j int) {
		units[i], units[j] = units[j], units[i]
	})
}

// Partition returns the half-open index range [lo, hi) that worker w of
// size workers owns in a list of n units.
func Partition(n, w, size int) (lo, hi int) {
	if size <= 0 || w < 0 || w >= size {
		return 0, 0
	}
	lo = n * w / size
	hi = n * (w + 1) / size
	return lo, hi
}
