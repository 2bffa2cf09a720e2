package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/zeebo/errs"

	"cutout/internal/checkpoint"
	"cutout/internal/config"
	"cutout/internal/coordinator"
	"cutout/internal/pipeline"
	"cutout/internal/preview"
	"cutout/internal/result"
	"cutout/internal/sdss"
	"cutout/internal/server"
	"cutout/internal/storage"
	"cutout/internal/table"
	"cutout/internal/tool"
	"cutout/internal/workunit"
)

// ErrMissingInput is returned when a required input file does not exist.
var ErrMissingInput = errs.Class("missing input")

type fieldsFactory func(cfg *config.Config, schema result.Schema, log *slog.Logger) (pipeline.Fields, func(), error)

type toolChecker interface {
	CheckAll() []tool.Status
}

type toolFactory func(*config.Config) toolChecker

type serverFunc func(ctx context.Context, addr string, store *storage.Store, results server.Results, gatherer prometheus.Gatherer, log *slog.Logger) error

func defaultServe(ctx context.Context, addr string, store *storage.Store, results server.Results, gatherer prometheus.Gatherer, log *slog.Logger) error {
	return server.NewServer(addr, store, results, gatherer, log).Start(ctx)
}

// defaultFields wires the production field pipeline, with previews when a
// preview directory is configured.
func defaultFields(cfg *config.Config, schema result.Schema, log *slog.Logger) (pipeline.Fields, func(), error) {
	fp, err := pipeline.NewFieldPipeline(cfg, schema, log)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Cutout.PreviewDir == "" || !schema.Match {
		return fp, func() {}, nil
	}
	r, err := preview.New(cfg.Cutout.PreviewDir)
	if err != nil {
		return nil, nil, err
	}
	fp.Previewer = r
	return fp, func() { _ = r.Close() }, nil
}

// Root wires CLI commands to the pipeline.
type Root struct {
	cfg      *config.Config
	log      *slog.Logger
	out      io.Writer
	store    *storage.Store
	registry *prometheus.Registry
	metrics  *pipeline.Metrics

	fieldsFactory fieldsFactory
	toolFactory   toolFactory
	serveFn       serverFunc
	listen        func(addr string) (net.Listener, error)
	dial          func(addr string) (*coordinator.Client, error)
	newID         func() string
}

// NewRoot constructs the CLI root. store may be nil.
func NewRoot(cfg *config.Config, logger *slog.Logger, store *storage.Store, out io.Writer) *Root {
	reg := prometheus.NewRegistry()
	return &Root{
		cfg:           cfg,
		log:           logger,
		out:           out,
		store:         store,
		registry:      reg,
		metrics:       pipeline.NewMetrics(reg),
		fieldsFactory: defaultFields,
		toolFactory: func(cfg *config.Config) toolChecker {
			return tool.NewManager(cfg, nil)
		},
		serveFn: defaultServe,
		listen: func(addr string) (net.Listener, error) {
			return net.Listen("tcp", addr)
		},
		dial: func(addr string) (*coordinator.Client, error) {
			return coordinator.Dial(addr)
		},
		newID: func() string { return uuid.NewString() },
	}
}

func (r *Root) printf(format string, args ...any) {
	fmt.Fprintf(r.out, format, args...)
}

func (r *Root) checkpoints() *checkpoint.Store {
	outDir := r.cfg.Paths.OutputDir
	return checkpoint.New(r.cfg.Paths.CheckpointDir, func(key sdss.FieldKey) string {
		return pipeline.OutputPath(outDir, key)
	})
}

// newDriver builds a driver for one run. The returned func releases the
// field pipeline's resources.
func (r *Root) newDriver(schema result.Schema) (*pipeline.Driver, func(), error) {
	fields, release, err := r.fieldsFactory(r.cfg, schema, r.log)
	if err != nil {
		return nil, nil, err
	}
	d := pipeline.NewDriver(fields, r.checkpoints(), schema, r.log, r.out)
	d.Ledger = r.store
	d.Metrics = r.metrics
	d.RunID = r.newID()
	return d, release, nil
}

// withStatus serves the status endpoints for d until the returned func is
// called. An empty addr serves nothing.
func (r *Root) withStatus(ctx context.Context, addr string, d *pipeline.Driver) func() {
	if addr == "" {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := r.serveFn(ctx, addr, r.store, d, r.registry, r.log); err != nil {
			r.log.Warn("status server stopped", "addr", addr, "error", err)
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func readTable(path string) (*table.Table, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, ErrMissingInput.New("%s", path)
	}
	return table.Read(path)
}

// batch is a persisted, ordered set of work units ready to run.
type batch struct {
	mode    string
	input   string
	kind    workunit.Kind
	schema  result.Schema
	handles []checkpoint.Handle
}

// loadBatch reads the input table, builds and orders the work units and
// persists them. Schema errors surface here, before any field runs.
func (r *Root) loadBatch(mode, input string) (*batch, error) {
	if err := r.cfg.Validate(); err != nil {
		return nil, err
	}
	kind, err := workunit.ParseKind(mode)
	if err != nil {
		return nil, err
	}
	t, err := readTable(input)
	if err != nil {
		return nil, err
	}
	units, err := workunit.Build(t, kind)
	if err != nil {
		return nil, err
	}
	if r.cfg.Processing.Shuffle {
		seed := r.cfg.Processing.Seed
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		workunit.Shuffle(units, rand.New(rand.NewSource(seed)))
	}
	store := r.checkpoints()
	if prev, err := store.Handles(); err == nil && len(prev) > 0 {
		r.log.Info("resuming from checkpoints", "dir", store.Dir, "existing", len(prev))
	}
	handles, err := store.Persist(units, t)
	if err != nil {
		return nil, err
	}
	bands, _, err := r.cfg.BandList()
	if err != nil {
		return nil, err
	}
	r.log.Info("work units built", "input", input, "mode", mode, "rows", t.Len(), "units", len(units))
	return &batch{
		mode:    mode,
		input:   input,
		kind:    kind,
		schema:  pipeline.SchemaFor(kind, t.Schema, bands, r.cfg.Cutout.Size),
		handles: handles,
	}, nil
}

// aggregatePath is <output_dir>/<input stem>-<mode>.npy.
func (r *Root) aggregatePath(input, mode string) string {
	stem := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
	return filepath.Join(r.cfg.Paths.OutputDir, stem+"-"+mode+".npy")
}

// fieldKeys returns the distinct field keys of the table at input, sorted.
func fieldKeys(input string) ([]sdss.FieldKey, error) {
	t, err := readTable(input)
	if err != nil {
		return nil, err
	}
	units, err := workunit.Build(t, workunit.KindDetection)
	if err != nil {
		return nil, err
	}
	keys := make([]sdss.FieldKey, len(units))
	for i, u := range units {
		keys[i] = u.Key
	}
	return keys, nil
}

func (r *Root) printSummary(s pipeline.Summary, agg *pipeline.Aggregate) {
	r.printf("%s\n", s)
	if agg == nil || agg.Cleared {
		return
	}
	if agg.Missing > 0 {
		r.printf("%d fields have no output; rerun to retry them\n", agg.Missing)
	}
	if agg.Rejected > 0 {
		r.printf("%d field outputs were rejected and removed; rerun to recompute them\n", agg.Rejected)
	}
}
