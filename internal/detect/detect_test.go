package detect

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"cutout/internal/tool"
)

const catalog = `#   1 XMIN_IMAGE             Minimum x-coordinate among detected pixels                 [pixel]
#   2 YMIN_IMAGE             Minimum y-coordinate among detected pixels                 [pixel]
#   3 XMAX_IMAGE             Maximum x-coordinate among detected pixels                 [pixel]
#   4 YMAX_IMAGE             Maximum y-coordinate among detected pixels                 [pixel]
#   5 XPEAK_IMAGE            x-coordinate of the brightest pixel                        [pixel]
#   6 YPEAK_IMAGE            y-coordinate of the brightest pixel                        [pixel]
      1021       401      1031       411      1026       406
         3        10         9        18         5        12
`

func TestParseCatalogShiftsToZeroBased(t *testing.T) {
	sources, err := ParseCatalog(strings.NewReader(catalog))
	require.NoError(t, err)
	require.Len(t, sources, 2)
	require.Equal(t, Source{XMin: 1020, YMin: 400, XMax: 1030, YMax: 410, XPeak: 1025, YPeak: 405}, sources[0])

	x, y := sources[1].BoxCenter()
	require.Equal(t, 5, x)
	require.Equal(t, 13, y)
}

func TestParseCatalogShortLine(t *testing.T) {
	_, err := ParseCatalog(strings.NewReader(catalog + "1 2 3\n"))
	require.True(t, tool.ErrExternalTool.Has(err))
}

type fakeSex struct {
	calls  int
	output string
}

func (f *fakeSex) Run(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	f.calls++
	cfg, err := os.ReadFile(args[1])
	if err != nil {
		return nil, err
	}
	if f.output == "" {
		return nil, nil
	}
	for _, line := range strings.Split(string(cfg), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[0] == "CATALOG_NAME" {
			return nil, os.WriteFile(fields[1], []byte(f.output), 0o644)
		}
	}
	return nil, nil
}

func TestDetectWritesCatalogOnce(t *testing.T) {
	dir := t.TempDir()
	image := filepath.Join(dir, "frame-r-001000-1-0027.fits")
	require.NoError(t, os.WriteFile(image, []byte("img"), 0o644))

	fake := &fakeSex{output: catalog}
	s := &SExtractor{Binary: "sex", Runner: fake}

	sources, err := s.Detect(context.Background(), image)
	require.NoError(t, err)
	require.Len(t, sources, 2)
	require.FileExists(t, CatalogPath(image))
	require.NoFileExists(t, filepath.Join(dir, "frame-r-001000-1-0027.sex"))

	again, err := s.Detect(context.Background(), image)
	require.NoError(t, err)
	require.Equal(t, sources, again)
	require.Equal(t, 1, fake.calls)
}

func TestDetectMissingCatalogIsToolError(t *testing.T) {
	dir := t.TempDir()
	image := filepath.Join(dir, "frame-r-001000-1-0027.fits")
	require.NoError(t, os.WriteFile(image, []byte("img"), 0o644))

	s := &SExtractor{Binary: "sex", Runner: &fakeSex{}}
	_, err := s.Detect(context.Background(), image)
	require.True(t, tool.ErrExternalTool.Has(err))
	require.NoFileExists(t, CatalogPath(image))

	// Only the image itself is left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, filepath.Base(image), entries[0].Name())
}
