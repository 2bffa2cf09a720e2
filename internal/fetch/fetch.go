package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/dsnet/compress/bzip2"
	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/zeebo/errs"

	"cutout/internal/config"
	"cutout/internal/fsutil"
	"cutout/internal/sdss"
)

// ErrTransientIO marks a frame that could not be downloaded within the
// attempt budget.
var ErrTransientIO = errs.Class("transient io")

// Fetcher downloads compressed frames and stores them decompressed.
type Fetcher struct {
	BaseURL  string
	Progress io.Writer

	client *retryablehttp.Client
	log    *slog.Logger
}

// New builds a fetcher that tries each frame cfg.Attempts times with a fixed
// cfg.RetryWait pause in between.
func New(cfg config.Fetch, log *slog.Logger) *Fetcher {
	attempts := cfg.Attempts
	if attempts < 1 {
		attempts = 1
	}
	wait := cfg.RetryWait.Duration

	client := retryablehttp.NewClient()
	client.RetryMax = attempts - 1
	client.RetryWaitMin = wait
	client.RetryWaitMax = wait
	client.Backoff = func(min, max time.Duration, attempt int, resp *http.Response) time.Duration {
		return min
	}
	client.CheckRetry = checkRetry
	if cfg.Timeout.Duration > 0 {
		client.HTTPClient.Timeout = cfg.Timeout.Duration
	}
	client.Logger = nil
	if log != nil {
		client.Logger = log
	}

	return &Fetcher{
		BaseURL:  cfg.BaseURL,
		Progress: os.Stdout,
		client:   client,
		log:      log,
	}
}

// checkRetry retries transport errors and every non-200 response.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return true, err
	}
	if resp.StatusCode != http.StatusOK {
		return true, fmt.Errorf("unexpected status %s", resp.Status)
	}
	return false, nil
}

// FetchField makes sure every band of key exists in dir. Bands already on
// disk are not downloaded again. The first band that exhausts its attempts
// fails the whole field.
func (f *Fetcher) FetchField(ctx context.Context, key sdss.FieldKey, bands []sdss.Band, dir string) (map[sdss.Band]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, ErrTransientIO.Wrap(err)
	}
	paths := make(map[sdss.Band]string, len(bands))
	for _, b := range bands {
		path, err := f.FetchBand(ctx, key, b, dir)
		if err != nil {
			return nil, err
		}
		paths[b] = path
	}
	return paths, nil
}

// FetchBand downloads one frame unless it is already present.
func (f *Fetcher) FetchBand(ctx context.Context, key sdss.FieldKey, band sdss.Band, dir string) (string, error) {
	path := sdss.FramePath(dir, key, band)
	if fsutil.Exists(path) {
		if f.log != nil {
			f.log.Debug("frame present, skipping download", "frame", sdss.FrameName(key, band))
		}
		return path, nil
	}

	url := sdss.FrameURL(f.BaseURL, key, band)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", ErrTransientIO.Wrap(err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return "", ErrTransientIO.New("%s: %v", sdss.FrameName(key, band), err)
	}
	defer resp.Body.Close()

	zr, err := bzip2.NewReader(resp.Body, nil)
	if err != nil {
		return "", ErrTransientIO.Wrap(err)
	}
	defer zr.Close()

	var n int64
	err = fsutil.WriteAtomic(path, func(w io.Writer) error {
		var err error
		n, err = io.Copy(w, zr)
		return err
	})
	if err != nil {
		return "", ErrTransientIO.New("%s: decode: %v", sdss.FrameName(key, band), err)
	}

	if f.Progress != nil {
		fmt.Fprintf(f.Progress, "fetched %s (%s)\n", sdss.FrameName(key, band), humanize.Bytes(uint64(n)))
	}
	return path, nil
}
