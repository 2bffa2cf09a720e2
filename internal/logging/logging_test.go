package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cutout/internal/config"
)

func TestTraditionalHandlerSplitsErrors(t *testing.T) {
	var out, errOut bytes.Buffer
	log := slog.New(NewTraditionalHandler(&out, &errOut, slog.LevelInfo)).With("run", "abc")

	log.Info("fetched", "file", "frame-r-001000-1-0027.fits")
	log.Debug("hidden")
	LogFieldError(log, "301/1000/1/28", time.Second, errors.New("fetch exhausted"))

	require.Contains(t, out.String(), "[INFO] fetched [run=abc file=frame-r-001000-1-0027.fits]")
	require.NotContains(t, out.String(), "hidden")
	require.NotContains(t, out.String(), "field failed")
	require.Contains(t, errOut.String(), "[ERROR] field failed")
	require.Contains(t, errOut.String(), "field=301/1000/1/28")
	require.Contains(t, errOut.String(), "error=fetch exhausted")
}

func TestSetupWritesLogFile(t *testing.T) {
	cfg := config.Default()
	cfg.Logging.FileOutput = true
	cfg.Logging.LogDir = filepath.Join(t.TempDir(), "logs")

	log, err := Setup(cfg)
	require.NoError(t, err)
	log.Info("hello")

	data, err := os.ReadFile(filepath.Join(cfg.Logging.LogDir, "cutout-current.log"))
	require.NoError(t, err)
	require.Contains(t, string(data), "[INFO] hello")
}
