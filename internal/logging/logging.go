package logging

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"cutout/internal/config"
)

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Setup configures global logging. Progress goes to stdout, errors to
// stderr, and both to the dated log file when file output is on.
func Setup(cfg *config.Config) (*slog.Logger, error) {
	level := parseLevel(cfg.Logging.Level)

	out := []io.Writer{os.Stdout}
	errOut := []io.Writer{os.Stderr}

	if cfg.Logging.FileOutput {
		if err := os.MkdirAll(cfg.Logging.LogDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %v", err)
		}
		logFile := filepath.Join(cfg.Logging.LogDir, fmt.Sprintf("cutout-%s.log",
			time.Now().Format("2006-01-02")))

		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %v", err)
		}
		out = append(out, file)
		errOut = append(errOut, file)

		// Not critical if the symlink cannot be made.
		currentLogPath := filepath.Join(cfg.Logging.LogDir, "cutout-current.log")
		_ = os.Remove(currentLogPath)
		_ = os.Symlink(filepath.Base(logFile), currentLogPath)
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Logging.Format) == "json" {
		handler = slog.NewJSONHandler(io.MultiWriter(out...), &slog.HandlerOptions{Level: level})
	} else {
		handler = NewTraditionalHandler(io.MultiWriter(out...), io.MultiWriter(errOut...), level)
	}

	slogLogger := slog.New(handler)
	slog.SetDefault(slogLogger)

	slogLogger.Debug("cutout logging initialized",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
		"file_output", cfg.Logging.FileOutput,
		"log_dir", cfg.Logging.LogDir,
	)

	return slogLogger, nil
}

// TraditionalHandler implements slog.Handler with traditional log formatting:
// [LEVEL] message [k=v ...]. Records at error level go to the error writer.
type TraditionalHandler struct {
	mu     *sync.Mutex
	out    *log.Logger
	errOut *log.Logger
	level  slog.Level
	attrs  []slog.Attr
}

// NewTraditionalHandler builds a handler writing to out and errOut.
func NewTraditionalHandler(out, errOut io.Writer, level slog.Level) *TraditionalHandler {
	return &TraditionalHandler{
		mu:     &sync.Mutex{},
		out:    log.New(out, "", log.LstdFlags),
		errOut: log.New(errOut, "", log.LstdFlags),
		level:  level,
	}
}

func (h *TraditionalHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *TraditionalHandler) Handle(ctx context.Context, r slog.Record) error {
	msg := r.Message
	attrs := make([]string, 0, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		attrs = append(attrs, fmt.Sprintf("%s=%v", a.Key, a.Value))
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, fmt.Sprintf("%s=%v", a.Key, a.Value))
		return true
	})
	if len(attrs) > 0 {
		msg = fmt.Sprintf("%s [%s]", msg, strings.Join(attrs, " "))
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	dst := h.out
	if r.Level >= slog.LevelError {
		dst = h.errOut
	}
	dst.Printf("[%s] %s", strings.ToUpper(r.Level.String()), msg)
	return nil
}

func (h *TraditionalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &clone
}

func (h *TraditionalHandler) WithGroup(name string) slog.Handler {
	return h
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogFieldStart logs the beginning of one field.
func LogFieldStart(logger *slog.Logger, field, kind string, rows int) {
	logger.Info("field started",
		"field", field,
		"kind", kind,
		"rows", rows,
	)
}

// LogFieldComplete logs a field that produced its output.
func LogFieldComplete(logger *slog.Logger, field string, duration time.Duration, records int) {
	logger.Info("field completed",
		"field", field,
		"records", records,
		"duration_ms", duration.Milliseconds(),
		"duration_human", duration.String(),
	)
}

// LogFieldError logs a field failure on a single line naming the field and
// the cause.
func LogFieldError(logger *slog.Logger, field string, duration time.Duration, err error) {
	logger.Error("field failed",
		"field", field,
		"duration_ms", duration.Milliseconds(),
		"error", err.Error(),
	)
}

// LogToolStatus logs tool detection and status
func LogToolStatus(logger *slog.Logger, tool string, available bool, path string, err error) {
	if available {
		logger.Debug("tool detected",
			"tool", tool,
			"path", path,
		)
	} else {
		logger.Warn("tool not available",
			"tool", tool,
			"error", err,
		)
	}
}

// LogProcessingStep logs one pipeline step of a field.
func LogProcessingStep(logger *slog.Logger, field, step, status string, details map[string]any) {
	logger.Debug("processing step",
		"field", field,
		"step", step,
		"status", status,
		"details", details,
	)
}
