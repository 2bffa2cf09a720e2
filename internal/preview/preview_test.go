package preview

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"cutout/internal/result"
	"cutout/internal/sdss"
)

func TestMosaicStretchesAndFlips(t *testing.T) {
	// Two 2x2 bands; rows are y = 0 then y = 1.
	rec := []float32{
		0, 1,
		2, 3,

		5, 5,
		5, 5,
	}
	got := Mosaic(rec, 2, 2)
	want := []float32{
		2.0 / 3, 1, 0, 0,
		0, 1.0 / 3, 0, 0,
	}
	require.InDeltaSlice(t, want, got, 1e-6)
}

func TestRenderWritesOnePNGPerRecord(t *testing.T) {
	r, err := New(t.TempDir())
	require.NoError(t, err)
	defer r.Close()

	schema := result.Schema{Bands: []sdss.Band{sdss.BandG, sdss.BandR}, Size: 4, Match: true}
	block := &result.Block{Records: result.Records{
		N:    2,
		IDs:  []uint64{7, 9},
		Data: make([]float32, 2*schema.CutoutLen()),
	}}
	for i := range block.Data {
		block.Data[i] = float32(i % 5)
	}
	require.NoError(t, r.Render(schema, block))

	for _, id := range []uint64{7, 9} {
		data, err := os.ReadFile(r.Path(id))
		require.NoError(t, err)
		require.Equal(t, "\x89PNG", string(data[:4]))
	}
}

func TestRenderNeedsIdentifiers(t *testing.T) {
	r := &Renderer{Dir: t.TempDir()}
	err := r.Render(result.Schema{Size: 4}, &result.Block{})
	require.True(t, Error.Has(err))
}
