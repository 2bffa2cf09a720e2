package detect

import (
	"bufio"
	"context"
	"embed"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/template"

	"cutout/internal/config"
	"cutout/internal/fsutil"
	"cutout/internal/tool"
)

//go:embed sextractor
var assets embed.FS

var sexTemplate = template.Must(template.ParseFS(assets, "sextractor/default.sex.tmpl"))

// Source is one detected object. Coordinates are 0-based pixels.
type Source struct {
	XMin, YMin   int
	XMax, YMax   int
	XPeak, YPeak int
}

// BoxCenter returns the middle of the detection bounding box.
func (s Source) BoxCenter() (x, y int) {
	return (s.XMin + s.XMax) / 2, (s.YMin + s.YMax) / 2
}

// Detector turns a reference image into a source catalog.
type Detector interface {
	Detect(ctx context.Context, image string) ([]Source, error)
}

// SExtractor runs the sex binary with a generated configuration.
type SExtractor struct {
	Binary    string
	ExtraArgs []string
	Runner    tool.Runner
	Log       *slog.Logger
}

// NewSExtractor builds a detector from the tool settings.
func NewSExtractor(cfg config.SExtractorConfig, log *slog.Logger) *SExtractor {
	return &SExtractor{
		Binary:    cfg.Binary,
		ExtraArgs: cfg.ExtraArgs,
		Runner:    tool.Exec{},
		Log:       log,
	}
}

// CatalogPath is the catalog written for image. Its presence means detection
// already ran.
func CatalogPath(image string) string {
	return strings.TrimSuffix(image, ".fits") + ".cat"
}

// Artifacts lists every file Detect may leave next to image.
func Artifacts(image string) []string {
	stem := strings.TrimSuffix(image, ".fits")
	dir := filepath.Dir(image)
	return []string{
		stem + ".sex",
		stem + ".cat",
		fsutil.TempPath(stem + ".cat"),
		filepath.Join(dir, "default.conv"),
		filepath.Join(dir, "default.param"),
	}
}

// Detect runs SExtractor on image unless its catalog already exists. A failed
// run removes every file it may have left next to image.
func (s *SExtractor) Detect(ctx context.Context, image string) (sources []Source, err error) {
	catalog := CatalogPath(image)
	if fsutil.Exists(catalog) {
		return ReadCatalog(catalog)
	}
	defer func() {
		if err != nil {
			_ = fsutil.RemoveFiles(Artifacts(image)...)
		}
	}()

	dir := filepath.Dir(image)
	stem := strings.TrimSuffix(image, ".fits")
	cfgPath := stem + ".sex"
	staged := fsutil.TempPath(catalog)
	conv := filepath.Join(dir, "default.conv")
	param := filepath.Join(dir, "default.param")

	for name, dst := range map[string]string{"sextractor/default.conv": conv, "sextractor/default.param": param} {
		data, err := assets.ReadFile(name)
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(dst, data, 0o644); err != nil {
			return nil, tool.ErrExternalTool.Wrap(err)
		}
	}
	err = fsutil.WriteAtomic(cfgPath, func(w io.Writer) error {
		return sexTemplate.Execute(w, map[string]string{
			"Catalog": staged,
			"Params":  param,
			"Filter":  conv,
		})
	})
	if err != nil {
		return nil, tool.ErrExternalTool.Wrap(err)
	}
	defer func() { _ = os.Remove(cfgPath) }()

	args := append([]string{"-c", cfgPath}, s.ExtraArgs...)
	args = append(args, image)
	if _, err := s.Runner.Run(ctx, dir, s.Binary, args...); err != nil {
		return nil, err
	}
	if !fsutil.Exists(staged) {
		return nil, tool.ErrExternalTool.New("%s wrote no catalog for %s", s.Binary, filepath.Base(image))
	}

	sources, err = ReadCatalog(staged)
	if err != nil {
		return nil, tool.ErrExternalTool.Wrap(err)
	}
	if err := os.Rename(staged, catalog); err != nil {
		return nil, tool.ErrExternalTool.Wrap(err)
	}
	if s.Log != nil {
		s.Log.Debug("sources detected", "image", filepath.Base(image), "count", len(sources))
	}
	return sources, nil
}

// ReadCatalog reads an ASCII_HEAD catalog file.
func ReadCatalog(path string) ([]Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, tool.ErrExternalTool.Wrap(err)
	}
	defer f.Close()
	return ParseCatalog(f)
}

// ParseCatalog reads an ASCII_HEAD catalog. Header lines look like
// "#   1 XMIN_IMAGE  Minimum x-coordinate ...". SExtractor pixel
// coordinates are 1-based and are shifted to 0-based here.
func ParseCatalog(r io.Reader) ([]Source, error) {
	var cols []string
	var sources []Source

	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		if strings.HasPrefix(text, "#") {
			fields := strings.Fields(text)
			if len(fields) >= 3 {
				cols = append(cols, fields[2])
			}
			continue
		}

		fields := strings.Fields(text)
		if len(fields) < len(cols) {
			return nil, tool.ErrExternalTool.New("catalog line %d: %d values for %d columns", line, len(fields), len(cols))
		}
		var s Source
		for i, name := range cols {
			dst := s.column(name)
			if dst == nil {
				continue
			}
			v, err := strconv.ParseFloat(fields[i], 64)
			if err != nil {
				return nil, tool.ErrExternalTool.New("catalog line %d column %s: %v", line, name, err)
			}
			*dst = int(math.Round(v)) - 1
		}
		sources = append(sources, s)
	}
	if err := sc.Err(); err != nil {
		return nil, tool.ErrExternalTool.Wrap(err)
	}
	for _, need := range []string{"XPEAK_IMAGE", "YPEAK_IMAGE"} {
		if len(sources) > 0 && !contains(cols, need) {
			return nil, tool.ErrExternalTool.New("catalog lacks %s", need)
		}
	}
	return sources, nil
}

func (s *Source) column(name string) *int {
	switch name {
	case "XMIN_IMAGE":
		return &s.XMin
	case "YMIN_IMAGE":
		return &s.YMin
	case "XMAX_IMAGE":
		return &s.XMax
	case "YMAX_IMAGE":
		return &s.YMax
	case "XPEAK_IMAGE":
		return &s.XPeak
	case "YPEAK_IMAGE":
		return &s.YPeak
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
