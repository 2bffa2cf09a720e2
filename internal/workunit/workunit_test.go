package workunit

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"cutout/internal/table"
)

const fieldsCSV = `rerun,run,camcol,field
301,1000,1,28
301,1000,1,27
301,1000,1,28
301,756,3,100
301,1000,1,27
`

func TestBuildGroupsByKey(t *testing.T) {
	tbl, err := table.Parse(strings.NewReader(fieldsCSV))
	require.NoError(t, err)

	units, err := Build(tbl, KindDetection)
	require.NoError(t, err)
	require.Len(t, units, 3)

	require.Equal(t, uint32(756), units[0].Key.Run)
	require.Equal(t, []int{3}, units[0].Rows)
	require.Equal(t, uint32(27), units[1].Key.Field)
	require.Equal(t, []int{1, 4}, units[1].Rows)
	require.Equal(t, []int{0, 2}, units[2].Rows)

	seen := map[int]bool{}
	for _, u := range units {
		require.Equal(t, KindDetection, u.Kind)
		for _, r := range u.Rows {
			require.False(t, seen[r], "row %d in two units", r)
			seen[r] = true
		}
	}
	require.Len(t, seen, tbl.Len())
}

func TestBuildIndependentOfRowOrder(t *testing.T) {
	a, err := table.Parse(strings.NewReader(fieldsCSV))
	require.NoError(t, err)
	b, err := table.Parse(strings.NewReader(`rerun,run,camcol,field
301,756,3,100
301,1000,1,27
301,1000,1,28
301,1000,1,27
301,1000,1,28
`))
	require.NoError(t, err)

	ua, err := Build(a, KindDetection)
	require.NoError(t, err)
	ub, err := Build(b, KindDetection)
	require.NoError(t, err)
	require.Len(t, ub, len(ua))
	for i := range ua {
		require.Equal(t, ua[i].Key, ub[i].Key)
		require.Len(t, ub[i].Rows, len(ua[i].Rows))
	}
}

func TestBuildCoordinateRequiresMatchColumns(t *testing.T) {
	tbl, err := table.Parse(strings.NewReader(fieldsCSV))
	require.NoError(t, err)

	_, err = Build(tbl, KindCoordinate)
	require.True(t, table.ErrSchema.Has(err))
}

func TestShuffleKeepsMembership(t *testing.T) {
	tbl, err := table.Parse(strings.NewReader(fieldsCSV))
	require.NoError(t, err)
	units, err := Build(tbl, KindDetection)
	require.NoError(t, err)

	rows := map[string][]int{}
	for _, u := range units {
		rows[u.Key.String()] = u.Rows
	}

	Shuffle(units, rand.New(rand.NewSource(7)))
	require.Len(t, units, 3)
	for _, u := range units {
		require.Equal(t, rows[u.Key.String()], u.Rows)
	}
}

func TestPartitionCoversRangeExactlyOnce(t *testing.T) {
	for n := 0; n <= 40; n++ {
		for size := 1; size <= 9; size++ {
			counts := make([]int, n)
			prevHi := 0
			for w := 0; w < size; w++ {
				lo, hi := Partition(n, w, size)
				require.Equal(t, prevHi, lo, "gap or overlap at n=%d size=%d w=%d", n, size, w)
				require.LessOrEqual(t, lo, hi)
				for i := lo; i < hi; i++ {
					counts[i]++
				}
				prevHi = hi
			}
			require.Equal(t, n, prevHi)
			for i, c := range counts {
				require.Equal(t, 1, c, "index %d covered %d times (n=%d size=%d)", i, c, n, size)
			}
		}
	}
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("match")
	require.NoError(t, err)
	require.Equal(t, KindCoordinate, k)
	k, err = ParseKind("sex")
	require.NoError(t, err)
	require.Equal(t, KindDetection, k)
	_, err = ParseKind("other")
	require.Error(t, err)
}
