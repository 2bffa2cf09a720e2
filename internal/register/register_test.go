package register

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"cutout/internal/sdss"
	"cutout/internal/tool"
)

var key = sdss.FieldKey{Rerun: 301, Run: 1000, Camcol: 1, Field: 27}

// fakeMontage writes the files the real binaries would.
type fakeMontage struct {
	calls  []string
	failOn string
}

func (f *fakeMontage) Run(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, name+" "+strings.Join(args, " "))
	switch name {
	case "mGetHdr":
		return nil, os.WriteFile(args[1], []byte("hdr"), 0o644)
	case "mProjectPP":
		in, out := args[len(args)-3], args[len(args)-2]
		if f.failOn != "" && strings.Contains(in, f.failOn) {
			return nil, tool.ErrExternalTool.New("projection failed")
		}
		if err := os.WriteFile(out, []byte("proj"), 0o644); err != nil {
			return nil, err
		}
		return nil, os.WriteFile(strings.TrimSuffix(out, ".fits")+"_area.fits", []byte("a"), 0o644)
	}
	return nil, errors.New("unexpected binary " + name)
}

func frames(t *testing.T) (string, map[sdss.Band]string) {
	t.Helper()
	dir := t.TempDir()
	images := map[sdss.Band]string{}
	for _, b := range []sdss.Band{sdss.BandG, sdss.BandR, sdss.BandI} {
		p := sdss.FramePath(dir, key, b)
		require.NoError(t, os.WriteFile(p, []byte("frame"), 0o644))
		images[b] = p
	}
	return dir, images
}

func newMontage(r tool.Runner) *Montage {
	return &Montage{GetHdr: "mGetHdr", Project: "mProjectPP", Runner: r}
}

func TestRegisterProducesEveryBand(t *testing.T) {
	dir, images := frames(t)
	fake := &fakeMontage{}

	require.False(t, Done(images, sdss.BandR))
	out, err := newMontage(fake).Register(context.Background(), images, sdss.BandR)
	require.NoError(t, err)
	require.Len(t, fake.calls, 3)

	require.Equal(t, images[sdss.BandR], out[sdss.BandR])
	require.Equal(t, filepath.Join(dir, "frame-g-001000-1-0027.registered.fits"), out[sdss.BandG])
	require.FileExists(t, out[sdss.BandI])
	require.True(t, Done(images, sdss.BandR))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		require.NotContains(t, e.Name(), "tmp")
		require.NotContains(t, e.Name(), "_area")
		require.NotContains(t, e.Name(), ".hdr")
	}
}

func TestRegisterFailureLeavesNothingBehind(t *testing.T) {
	dir, images := frames(t)
	fake := &fakeMontage{failOn: "frame-i-"}

	_, err := newMontage(fake).Register(context.Background(), images, sdss.BandR)
	require.Error(t, err)
	require.True(t, tool.ErrExternalTool.Has(err))
	require.False(t, Done(images, sdss.BandR))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 3, "only the original frames remain")
}
