// Package preview renders cutout records as PNG strips for quick visual
// checks. Each band is stretched to its own min/max and placed left to right.
package preview

import (
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/zeebo/errs"
	"gopkg.in/gographics/imagick.v3/imagick"

	"cutout/internal/fsutil"
	"cutout/internal/result"
)

// Error is the class for preview failures. They never fail a field.
var Error = errs.Class("preview")

// Renderer writes <Dir>/<objID>.png for every record of a match-mode block.
type Renderer struct {
	Dir string
}

// New initializes ImageMagick. Call Close when done.
func New(dir string) (*Renderer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, Error.Wrap(err)
	}
	imagick.Initialize()
	return &Renderer{Dir: dir}, nil
}

// Close releases ImageMagick.
func (r *Renderer) Close() error {
	imagick.Terminate()
	return nil
}

// Path returns the preview file for id.
func (r *Renderer) Path(id uint64) string {
	return filepath.Join(r.Dir, strconv.FormatUint(id, 10)+".png")
}

// Render writes one PNG per record. Existing previews are overwritten.
func (r *Renderer) Render(schema result.Schema, block *result.Block) error {
	if !schema.Match {
		return Error.New("previews need record identifiers")
	}
	n := schema.CutoutLen()
	var group errs.Group
	for i := 0; i < block.N; i++ {
		pix := Mosaic(block.Data[i*n:(i+1)*n], len(schema.Bands), schema.Size)
		group.Add(r.write(r.Path(block.IDs[i]), pix, len(schema.Bands)*schema.Size, schema.Size))
	}
	return Error.Wrap(group.Err())
}

func (r *Renderer) write(path string, pix []float32, width, height int) error {
	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ConstituteImage(uint(width), uint(height), "I", imagick.PIXEL_FLOAT, pix); err != nil {
		return err
	}
	if err := mw.SetImageFormat("PNG"); err != nil {
		return err
	}
	blob, err := mw.GetImageBlob()
	if err != nil {
		return err
	}
	return fsutil.WriteAtomic(path, func(w io.Writer) error {
		_, err := w.Write(blob)
		return err
	})
}

// Mosaic lays out a record of bands planes of size x size values as one
// row of tiles, each scaled to [0, 1]. Rows are flipped so that north is up.
func Mosaic(rec []float32, bands, size int) []float32 {
	width := bands * size
	out := make([]float32, width*size)
	for b := 0; b < bands; b++ {
		plane := rec[b*size*size : (b+1)*size*size]
		lo, hi := plane[0], plane[0]
		for _, v := range plane {
			lo = min(lo, v)
			hi = max(hi, v)
		}
		scale := float32(0)
		if hi > lo {
			scale = 1 / (hi - lo)
		}
		for y := 0; y < size; y++ {
			dst := out[(size-1-y)*width+b*size:]
			for x := 0; x < size; x++ {
				dst[x] = (plane[y*size+x] - lo) * scale
			}
		}
	}
	return out
}
