package tool

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/zeebo/errs"

	"cutout/internal/config"
	"cutout/internal/logging"
)

// ErrExternalTool marks a registration or detection binary that failed or
// produced no output. It is never retried.
var ErrExternalTool = errs.Class("external tool")

// Status represents the availability of a tool.
type Status struct {
	Name      string
	Available bool
	Path      string
	Error     error
}

// Manager resolves the configured external binaries.
type Manager struct {
	cfg      *config.Config
	log      *slog.Logger
	lookPath func(string) (string, error)
}

// NewManager creates a manager for the tools named in cfg.
func NewManager(cfg *config.Config, log *slog.Logger) *Manager {
	return &Manager{cfg: cfg, log: log, lookPath: exec.LookPath}
}

// Binaries returns the logical tool names and the binaries they map to.
func (m *Manager) Binaries() map[string]string {
	return map[string]string{
		"montage-gethdr":  m.cfg.Tools.Montage.GetHdr,
		"montage-project": m.cfg.Tools.Montage.Project,
		"sextractor":      m.cfg.Tools.SExtractor.Binary,
	}
}

// Check verifies that a tool binary can be found.
func (m *Manager) Check(name string) Status {
	binary, ok := m.Binaries()[name]
	if !ok {
		binary = name
	}
	path, err := m.lookPath(binary)
	st := Status{Name: name, Available: err == nil, Path: path, Error: err}
	if m.log != nil {
		logging.LogToolStatus(m.log, name, st.Available, path, err)
	}
	return st
}

// CheckAll checks every configured tool.
func (m *Manager) CheckAll() []Status {
	names := []string{"montage-gethdr", "montage-project", "sextractor"}
	out := make([]Status, 0, len(names))
	for _, n := range names {
		out = append(out, m.Check(n))
	}
	return out
}

// Runner executes an external command. Tests swap it for a fake.
type Runner interface {
	Run(ctx context.Context, dir string, name string, args ...string) ([]byte, error)
}

// Exec runs commands with exec.CommandContext.
type Exec struct{}

// Run executes name in dir and returns combined output. A non-zero exit is
// reported as ErrExternalTool with the tail of the output.
func (Exec) Run(ctx context.Context, dir string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	if err := cmd.Run(); err != nil {
		return buf.Bytes(), ErrExternalTool.New("%s %s: %v: %s", name, strings.Join(args, " "), err, tail(buf.String(), 400))
	}
	return buf.Bytes(), nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("...%s", s[len(s)-n:])
}
