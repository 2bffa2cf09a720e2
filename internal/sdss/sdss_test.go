package sdss

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameNaming(t *testing.T) {
	k := FieldKey{Rerun: 301, Run: 1000, Camcol: 1, Field: 27}

	require.Equal(t, "frame-g-001000-1-0027.fits", FrameName(k, BandG))
	require.Equal(t, "frame-g-001000-1-0027.registered.fits", RegisteredName(FrameName(k, BandG)))
	require.Equal(t,
		"http://data.sdss3.org/sas/dr12/boss/photoObj/frames/301/1000/1/frame-r-001000-1-0027.fits.bz2",
		FrameURL("", k, BandR))
	require.Equal(t, "http://mirror/x/301/1000/1/frame-z-001000-1-0027.fits.bz2", FrameURL("http://mirror/x/", k, BandZ))
	require.Equal(t, "301/1000/1/27", k.String())
}

func TestParseBands(t *testing.T) {
	bands, err := ParseBands("gri")
	require.NoError(t, err)
	require.Equal(t, []Band{BandG, BandR, BandI}, bands)
	require.Equal(t, "gri", FormatBands(bands))

	_, err = ParseBands("grr")
	require.Error(t, err)
	_, err = ParseBands("gx")
	require.Error(t, err)
	_, err = ParseBands("")
	require.Error(t, err)
}

func TestFieldKeyValidateAndOrder(t *testing.T) {
	require.NoError(t, FieldKey{Run: 1000, Field: 9999}.Validate())
	require.Error(t, FieldKey{Run: 1000, Field: 10000}.Validate())

	a := FieldKey{Rerun: 301, Run: 1000, Camcol: 1, Field: 27}
	b := FieldKey{Rerun: 301, Run: 1000, Camcol: 2, Field: 1}
	require.True(t, a.Less(b))
	require.False(t, b.Less(a))
	require.False(t, a.Less(a))
}
