// Package fitsimg reads the primary image of a FITS frame and its celestial
// WCS.
package fitsimg

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"

	"github.com/siravan/fits"
	"github.com/zeebo/errs"
)

// Error is the class for unreadable images.
var Error = errs.Class("fits")

const block = 2880

// Image is a 2-D float image stored row-major: Pix[y*Width+x].
type Image struct {
	Width  int
	Height int
	Pix    []float32
	WCS    *WCS
	// WCSErr says why WCS is nil.
	WCSErr error
	Keys   map[string]interface{}
}

// Load reads the primary HDU of the FITS file at path.
func Load(path string) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	im, err := Decode(data)
	if err != nil {
		return nil, Error.New("%s: %v", path, err)
	}
	return im, nil
}

// Decode parses a FITS byte stream. Only the primary HDU is read; any
// extensions that follow are ignored.
func Decode(data []byte) (*Image, error) {
	h, err := fits.NewReader(bytes.NewReader(data)).NewHeader()
	if err != nil {
		return nil, Error.New("header: %v", err)
	}
	if _, ok := h.Keys["SIMPLE"]; !ok {
		return nil, Error.New("not a primary FITS header")
	}
	bitpix, ok := h.Keys["BITPIX"].(int)
	if !ok {
		return nil, Error.New("missing BITPIX")
	}
	if len(h.Naxis) != 2 {
		return nil, Error.New("want a 2-D image, NAXIS=%d", len(h.Naxis))
	}

	start := headerLength(data)
	if start < 0 {
		return nil, Error.New("no END card")
	}

	im := &Image{Width: h.Naxis[0], Height: h.Naxis[1], Keys: h.Keys}
	n := im.Width * im.Height
	width := abs(bitpix) / 8
	if start+n*width > len(data) {
		return nil, Error.New("truncated data: want %d bytes after header, have %d", n*width, len(data)-start)
	}
	im.Pix, err = decodePixels(data[start:start+n*width], bitpix, n)
	if err != nil {
		return nil, err
	}

	scale, hasScale := number(h.Keys, "BSCALE")
	zero, hasZero := number(h.Keys, "BZERO")
	if hasScale || hasZero {
		if !hasScale {
			scale = 1
		}
		for i, v := range im.Pix {
			im.Pix[i] = float32(float64(v)*scale + zero)
		}
	}

	im.WCS, im.WCSErr = ParseWCS(h.Keys)
	return im, nil
}

// headerLength returns the offset of the first data byte: the end of the
// block holding the END card.
func headerLength(data []byte) int {
	for off := 0; off+80 <= len(data); off += 80 {
		card := data[off : off+80]
		if bytes.Equal(bytes.TrimRight(card[:8], " "), []byte("END")) {
			return (off/block + 1) * block
		}
	}
	return -1
}

func decodePixels(raw []byte, bitpix, n int) ([]float32, error) {
	pix := make([]float32, n)
	r := bytes.NewReader(raw)
	switch bitpix {
	case -32:
		if err := binary.Read(r, binary.BigEndian, pix); err != nil {
			return nil, Error.Wrap(err)
		}
	case -64:
		buf := make([]float64, n)
		if err := binary.Read(r, binary.BigEndian, buf); err != nil {
			return nil, Error.Wrap(err)
		}
		for i, v := range buf {
			pix[i] = float32(v)
		}
	case 16:
		buf := make([]int16, n)
		if err := binary.Read(r, binary.BigEndian, buf); err != nil {
			return nil, Error.Wrap(err)
		}
		for i, v := range buf {
			pix[i] = float32(v)
		}
	case 32:
		buf := make([]int32, n)
		if err := binary.Read(r, binary.BigEndian, buf); err != nil {
			return nil, Error.Wrap(err)
		}
		for i, v := range buf {
			pix[i] = float32(v)
		}
	case 8:
		for i, v := range raw {
			pix[i] = float32(v)
		}
	default:
		return nil, Error.New("unsupported BITPIX %d", bitpix)
	}
	return pix, nil
}

func number(keys map[string]interface{}, name string) (float64, bool) {
	switch v := keys[name].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// WCS is a gnomonic (TAN) celestial projection.
type WCS struct {
	CRVAL [2]float64    // reference (ra, dec) in degrees
	CRPIX [2]float64    // 1-based reference pixel
	CD    [2][2]float64 // degrees per pixel
}

// ParseWCS reads CRVAL/CRPIX and either the CD matrix or CDELT/CROTA2.
func ParseWCS(keys map[string]interface{}) (*WCS, error) {
	var w WCS
	for i, axis := range []string{"1", "2"} {
		var ok bool
		if w.CRVAL[i], ok = number(keys, "CRVAL"+axis); !ok {
			return nil, Error.New("missing CRVAL%s", axis)
		}
		if w.CRPIX[i], ok = number(keys, "CRPIX"+axis); !ok {
			return nil, Error.New("missing CRPIX%s", axis)
		}
	}

	cd11, ok11 := number(keys, "CD1_1")
	cd12, _ := number(keys, "CD1_2")
	cd21, _ := number(keys, "CD2_1")
	cd22, ok22 := number(keys, "CD2_2")
	if ok11 || ok22 {
		w.CD = [2][2]float64{{cd11, cd12}, {cd21, cd22}}
	} else {
		d1, ok1 := number(keys, "CDELT1")
		d2, ok2 := number(keys, "CDELT2")
		if !ok1 || !ok2 {
			return nil, Error.New("missing CD matrix and CDELT")
		}
		rot, _ := number(keys, "CROTA2")
		s, c := math.Sincos(rot * math.Pi / 180)
		w.CD = [2][2]float64{{d1 * c, -d2 * s}, {d1 * s, d2 * c}}
	}

	if det := w.CD[0][0]*w.CD[1][1] - w.CD[0][1]*w.CD[1][0]; det == 0 {
		return nil, Error.New("singular CD matrix")
	}
	return &w, nil
}

// WorldToPixel projects (ra, dec) in degrees to 0-based pixel coordinates.
// ok is false for points on the far hemisphere.
func (w *WCS) WorldToPixel(ra, dec float64) (x, y float64, ok bool) {
	const rad = math.Pi / 180
	a := (ra - w.CRVAL[0]) * rad
	d := dec * rad
	d0 := w.CRVAL[1] * rad

	sinA, cosA := math.Sincos(a)
	sinD, cosD := math.Sincos(d)
	sinD0, cosD0 := math.Sincos(d0)

	cosC := sinD0*sinD + cosD0*cosD*cosA
	if cosC <= 0 {
		return 0, 0, false
	}
	xi := cosD * sinA / cosC / rad
	eta := (cosD0*sinD - sinD0*cosD*cosA) / cosC / rad

	det := w.CD[0][0]*w.CD[1][1] - w.CD[0][1]*w.CD[1][0]
	dx := (w.CD[1][1]*xi - w.CD[0][1]*eta) / det
	dy := (-w.CD[1][0]*xi + w.CD[0][0]*eta) / det

	return w.CRPIX[0] + dx - 1, w.CRPIX[1] + dy - 1, true
}
