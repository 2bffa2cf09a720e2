package sdss

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/zeebo/errs"
)

// DefaultBaseURL is the DR12 frames root on the SAS mirror.
const DefaultBaseURL = "http://data.sdss3.org/sas/dr12/boss/photoObj/frames"

// MaxField is the largest field number the frame naming scheme can express.
const MaxField = 9999

// Error is the error class for malformed field keys and band lists.
var Error = errs.Class("sdss")

// FieldKey identifies one imaging field.
type FieldKey struct {
	Rerun  uint32 `json:"rerun"`
	Run    uint32 `json:"run"`
	Camcol uint32 `json:"camcol"`
	Field  uint32 `json:"field"`
}

func (k FieldKey) String() string {
	return fmt.Sprintf("%d/%d/%d/%d", k.Rerun, k.Run, k.Camcol, k.Field)
}

// Stem is the run-camcol-field part shared by every file of the field.
func (k FieldKey) Stem() string {
	return fmt.Sprintf("%06d-%d-%04d", k.Run, k.Camcol, k.Field)
}

// Validate rejects keys the naming scheme cannot represent.
func (k FieldKey) Validate() error {
	if k.Field > MaxField {
		return Error.New("field %d of %s exceeds %d", k.Field, k, MaxField)
	}
	if k.Run > 999999 {
		return Error.New("run %d of %s exceeds six digits", k.Run, k)
	}
	return nil
}

// Less orders keys by rerun, run, camcol, field.
func (k FieldKey) Less(o FieldKey) bool {
	if k.Rerun != o.Rerun {
		return k.Rerun < o.Rerun
	}
	if k.Run != o.Run {
		return k.Run < o.Run
	}
	if k.Camcol != o.Camcol {
		return k.Camcol < o.Camcol
	}
	return k.Field < o.Field
}

// Band is one of the five imaging filters.
type Band byte

const (
	BandU Band = 'u'
	BandG Band = 'g'
	BandR Band = 'r'
	BandI Band = 'i'
	BandZ Band = 'z'
)

// AllBands is the canonical filter order.
const AllBands = "ugriz"

func (b Band) String() string { return string(rune(b)) }

// Valid reports whether b is a known filter.
func (b Band) Valid() bool {
	return strings.IndexByte(AllBands, byte(b)) >= 0
}

// ParseBand parses a single-letter band.
func ParseBand(s string) (Band, error) {
	if len(s) != 1 || !Band(s[0]).Valid() {
		return 0, Error.New("unknown band %q", s)
	}
	return Band(s[0]), nil
}

// ParseBands parses a band list such as "ugriz", keeping the given order.
func ParseBands(s string) ([]Band, error) {
	if s == "" {
		return nil, Error.New("empty band list")
	}
	seen := make(map[Band]bool, len(s))
	bands := make([]Band, 0, len(s))
	for i := 0; i < len(s); i++ {
		b := Band(s[i])
		if !b.Valid() {
			return nil, Error.New("unknown band %q in %q", s[i], s)
		}
		if seen[b] {
			return nil, Error.New("band %q repeated in %q", s[i], s)
		}
		seen[b] = true
		bands = append(bands, b)
	}
	return bands, nil
}

// FormatBands is the inverse of ParseBands.
func FormatBands(bands []Band) string {
	buf := make([]byte, len(bands))
	for i, b := range bands {
		buf[i] = byte(b)
	}
	return string(buf)
}

// FrameName returns the uncompressed frame file name, e.g.
// frame-g-001000-1-0027.fits.
func FrameName(k FieldKey, b Band) string {
	return fmt.Sprintf("frame-%s-%s.fits", b, k.Stem())
}

// RegisteredName maps a frame path to its reprojected counterpart.
func RegisteredName(frame string) string {
	return strings.TrimSuffix(frame, ".fits") + ".registered.fits"
}

// FramePath is FrameName inside dir.
func FramePath(dir string, k FieldKey, b Band) string {
	return filepath.Join(dir, FrameName(k, b))
}

// FrameURL returns the compressed frame location below base.
func FrameURL(base string, k FieldKey, b Band) string {
	if base == "" {
		base = DefaultBaseURL
	}
	return fmt.Sprintf("%s/%d/%d/%d/%s.bz2", strings.TrimRight(base, "/"), k.Rerun, k.Run, k.Camcol, FrameName(k, b))
}
