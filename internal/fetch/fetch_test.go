package fetch

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dsnet/compress/bzip2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cutout/internal/config"
	"cutout/internal/sdss"
)

var key = sdss.FieldKey{Rerun: 301, Run: 1000, Camcol: 1, Field: 27}

func compress(t *testing.T, payload string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw, err := bzip2.NewWriter(&buf, nil)
	require.NoError(t, err)
	_, err = zw.Write([]byte(payload))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func newFetcher(base string, attempts int) *Fetcher {
	cfg := config.Default().Fetch
	cfg.BaseURL = base
	cfg.Attempts = attempts
	cfg.RetryWait = config.Duration{Duration: time.Millisecond}
	f := New(cfg, nil)
	f.Progress = &bytes.Buffer{}
	return f
}

func TestFetchRetriesUntilSuccess(t *testing.T) {
	body := compress(t, "SIMPLE  =                    T")
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/301/1000/1/frame-r-001000-1-0027.fits.bz2", r.URL.Path)
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	f := newFetcher(srv.URL, 10)
	dir := t.TempDir()
	path, err := f.FetchBand(context.Background(), key, sdss.BandR, dir)
	require.NoError(t, err)
	require.Equal(t, int32(3), atomic.LoadInt32(&hits))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(data), "SIMPLE"))
	require.Contains(t, f.Progress.(*bytes.Buffer).String(), "fetched frame-r-001000-1-0027.fits")
}

func TestFetchExhaustionIsTransient(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	f := newFetcher(srv.URL, 4)
	dir := t.TempDir()
	_, err := f.FetchField(context.Background(), key, []sdss.Band{sdss.BandG, sdss.BandR}, dir)
	require.Error(t, err)
	require.True(t, ErrTransientIO.Has(err))
	require.Equal(t, int32(4), atomic.LoadInt32(&hits), "first band fails the field")
	require.NoFileExists(t, sdss.FramePath(dir, key, sdss.BandG))
}

func TestFetchSkipsExistingFrames(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	dir := t.TempDir()
	for _, b := range []sdss.Band{sdss.BandG, sdss.BandR} {
		require.NoError(t, os.WriteFile(sdss.FramePath(dir, key, b), []byte("x"), 0o644))
	}

	f := newFetcher(srv.URL, 2)
	paths, err := f.FetchField(context.Background(), key, []sdss.Band{sdss.BandG, sdss.BandR}, dir)
	require.NoError(t, err)
	require.Len(t, paths, 2)
	require.Equal(t, filepath.Join(dir, "frame-g-001000-1-0027.fits"), paths[sdss.BandG])
	require.Zero(t, atomic.LoadInt32(&hits))
}
