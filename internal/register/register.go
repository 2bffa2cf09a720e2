package register

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/zeebo/errs"

	"cutout/internal/config"
	"cutout/internal/fsutil"
	"cutout/internal/sdss"
	"cutout/internal/tool"
)

// Registrar reprojects a field's band images onto the reference band grid.
// The result maps every band to its registered file; the reference band maps
// to its original image.
type Registrar interface {
	Register(ctx context.Context, images map[sdss.Band]string, ref sdss.Band) (map[sdss.Band]string, error)
}

// Paths returns the registered file each band resolves to.
func Paths(images map[sdss.Band]string, ref sdss.Band) map[sdss.Band]string {
	out := make(map[sdss.Band]string, len(images))
	for b, p := range images {
		if b == ref {
			out[b] = p
			continue
		}
		out[b] = sdss.RegisteredName(p)
	}
	return out
}

// Done reports whether every non-reference band already has its registered
// file, in which case registration is skipped.
func Done(images map[sdss.Band]string, ref sdss.Band) bool {
	for b, p := range Paths(images, ref) {
		if b != ref && !fsutil.Exists(p) {
			return false
		}
	}
	return true
}

// Montage registers frames with mGetHdr and mProjectPP.
type Montage struct {
	GetHdr    string
	Project   string
	ExtraArgs []string
	Runner    tool.Runner
	Log       *slog.Logger
}

// NewMontage builds a registrar from the tool settings.
func NewMontage(cfg config.MontageConfig, log *slog.Logger) *Montage {
	return &Montage{
		GetHdr:    cfg.GetHdr,
		Project:   cfg.Project,
		ExtraArgs: cfg.ExtraArgs,
		Runner:    tool.Exec{},
		Log:       log,
	}
}

func staged(final string) string {
	return strings.TrimSuffix(final, ".fits") + ".tmp.fits"
}

func area(fits string) string {
	return strings.TrimSuffix(fits, ".fits") + "_area.fits"
}

// Register projects every non-reference band onto the reference header.
// Outputs are staged and only renamed into place once every band succeeded,
// so a failed attempt never leaves a file that Done would accept.
func (m *Montage) Register(ctx context.Context, images map[sdss.Band]string, ref sdss.Band) (map[sdss.Band]string, error) {
	refPath, ok := images[ref]
	if !ok {
		return nil, tool.ErrExternalTool.New("reference band %s not among images", ref)
	}
	final := Paths(images, ref)

	bands := make([]sdss.Band, 0, len(images))
	for b := range images {
		if b != ref {
			bands = append(bands, b)
		}
	}
	sort.Slice(bands, func(i, j int) bool { return bands[i] < bands[j] })

	dir := filepath.Dir(refPath)
	hdr := strings.TrimSuffix(refPath, ".fits") + ".hdr"
	scratch := []string{hdr}
	for _, b := range bands {
		scratch = append(scratch, staged(final[b]), area(staged(final[b])))
	}

	fail := func(err error) (map[sdss.Band]string, error) {
		if !tool.ErrExternalTool.Has(err) {
			err = tool.ErrExternalTool.Wrap(err)
		}
		return nil, errs.Combine(err, fsutil.RemoveFiles(scratch...))
	}

	if _, err := m.Runner.Run(ctx, dir, m.GetHdr, refPath, hdr); err != nil {
		return fail(err)
	}
	if !fsutil.Exists(hdr) {
		return fail(tool.ErrExternalTool.New("%s produced no header for %s", m.GetHdr, filepath.Base(refPath)))
	}

	for _, b := range bands {
		out := staged(final[b])
		args := append(append([]string(nil), m.ExtraArgs...), images[b], out, hdr)
		if _, err := m.Runner.Run(ctx, dir, m.Project, args...); err != nil {
			return fail(err)
		}
		if !fsutil.Exists(out) {
			return fail(tool.ErrExternalTool.New("%s produced no output for band %s", m.Project, b))
		}
		if m.Log != nil {
			m.Log.Debug("band projected", "band", b.String(), "image", filepath.Base(images[b]))
		}
	}

	for _, b := range bands {
		if err := os.Rename(staged(final[b]), final[b]); err != nil {
			return fail(err)
		}
	}
	_ = fsutil.RemoveFiles(scratch...)
	return final, nil
}
