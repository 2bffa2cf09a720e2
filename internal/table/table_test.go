package table

import (
	"bytes"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const matchCSV = `objID,ra,dec,rerun,run,camcol,field,class,z
1237645941824356443,40.2856,-0.7141,301,1000,1,27,GALAXY,0.08
1237645941824356444,40.3001,-0.7002,301,1000,1,27,STAR,
1237645943978393694,42.1,-0.5,301,1000,3,40,QSO,1.2
`

func TestParseMatchTable(t *testing.T) {
	tbl, err := Parse(strings.NewReader(matchCSV))
	require.NoError(t, err)
	require.Equal(t, 3, tbl.Len())
	require.Equal(t, Schema{HasObjID: true, HasRADec: true, HasClass: true, HasZ: true}, tbl.Schema)
	require.NoError(t, tbl.RequireMatch())

	row := tbl.Rows[0]
	require.Equal(t, uint64(1237645941824356443), row.ObjID)
	require.Equal(t, uint32(1000), row.Key.Run)
	require.Equal(t, uint32(27), row.Key.Field)
	require.Equal(t, "GALAXY", row.Class)
	require.InDelta(t, 0.08, row.Z, 1e-12)
	require.True(t, math.IsNaN(tbl.Rows[1].Z))
}

func TestParseMissingColumns(t *testing.T) {
	_, err := Parse(strings.NewReader("rerun,run,field\n301,1000,27\n"))
	require.Error(t, err)
	require.True(t, ErrSchema.Has(err))
	require.Contains(t, err.Error(), "camcol")

	tbl, err := Parse(strings.NewReader("rerun,run,camcol,field\n301,1000,1,27\n"))
	require.NoError(t, err)
	err = tbl.RequireMatch()
	require.True(t, ErrSchema.Has(err))
	require.Contains(t, err.Error(), "objID")

	_, err = Parse(strings.NewReader(""))
	require.True(t, ErrSchema.Has(err))
}

func TestParseBadValue(t *testing.T) {
	_, err := Parse(strings.NewReader("rerun,run,camcol,field\n301,abc,1,27\n"))
	require.Error(t, err)
	require.False(t, ErrSchema.Has(err))
	require.Contains(t, err.Error(), "line 2")

	_, err = Parse(strings.NewReader("rerun,run,camcol,field\n301,1000,1,12345\n"))
	require.Error(t, err)
}

func TestWriteRoundTripKeepsSchema(t *testing.T) {
	tbl, err := Parse(strings.NewReader(matchCSV))
	require.NoError(t, err)

	sub := tbl.Subset([]int{1, 2})
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, sub))

	back, err := Parse(&buf)
	require.NoError(t, err)
	require.Equal(t, sub.Schema, back.Schema)
	require.Len(t, back.Rows, 2)
	require.Equal(t, sub.Rows[1].ObjID, back.Rows[1].ObjID)
	require.True(t, math.IsNaN(back.Rows[0].Z))
	require.Equal(t, "QSO", back.Rows[1].Class)
}
