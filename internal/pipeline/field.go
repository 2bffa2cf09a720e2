package pipeline

import (
	"context"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"time"

	"cutout/internal/checkpoint"
	"cutout/internal/config"
	"cutout/internal/cutout"
	"cutout/internal/detect"
	"cutout/internal/fetch"
	"cutout/internal/fitsimg"
	"cutout/internal/fsutil"
	"cutout/internal/logging"
	"cutout/internal/register"
	"cutout/internal/result"
	"cutout/internal/sdss"
	"cutout/internal/table"
	"cutout/internal/workunit"
)

// Fetcher materializes one local frame per band for a field.
type Fetcher interface {
	FetchField(ctx context.Context, key sdss.FieldKey, bands []sdss.Band, dir string) (map[sdss.Band]string, error)
}

// Previewer renders match-mode records for inspection.
type Previewer interface {
	Render(schema result.Schema, block *result.Block) error
}

// Stage selects how far Prepare takes a field.
type Stage int

const (
	StageFetch Stage = iota
	StageAlign
)

// Center values for detection mode.
const (
	CenterPeak = "peak"
	CenterBox  = "box"
)

// FieldPipeline turns one field's rows into cutout records. Every step skips
// work whose on-disk result already exists.
type FieldPipeline struct {
	Fetcher   Fetcher
	Registrar register.Registrar
	Detector  detect.Detector
	Load      func(path string) (*fitsimg.Image, error)
	Previewer Previewer

	Schema    result.Schema
	Reference sdss.Band
	Center    string
	WorkDir   string
	OutputDir string

	CleanupOnFailure bool
	KeepIntermediate bool

	Log *slog.Logger
}

// NewFieldPipeline wires the production collaborators from cfg.
func NewFieldPipeline(cfg *config.Config, schema result.Schema, log *slog.Logger) (*FieldPipeline, error) {
	_, ref, err := cfg.BandList()
	if err != nil {
		return nil, err
	}
	return &FieldPipeline{
		Fetcher:          fetch.New(cfg.Fetch, log),
		Registrar:        register.NewMontage(cfg.Tools.Montage, log),
		Detector:         detect.NewSExtractor(cfg.Tools.SExtractor, log),
		Load:             fitsimg.Load,
		Schema:           schema,
		Reference:        ref,
		Center:           cfg.Cutout.Center,
		WorkDir:          cfg.Processing.WorkDir,
		OutputDir:        cfg.Paths.OutputDir,
		CleanupOnFailure: cfg.Processing.CleanupOnFailure,
		KeepIntermediate: cfg.Processing.KeepIntermediate,
		Log:              log,
	}, nil
}

// OutputPath is the per-field result file below dir.
func OutputPath(dir string, key sdss.FieldKey) string {
	return filepath.Join(dir, key.Stem()+".npy")
}

// OutputPath is where Run writes the result for key.
func (p *FieldPipeline) OutputPath(key sdss.FieldKey) string {
	return OutputPath(p.OutputDir, key)
}

// FieldDir holds every intermediate file of one field. Fields never share
// it, so cleanup can remove it whole.
func (p *FieldPipeline) FieldDir(key sdss.FieldKey) string {
	return filepath.Join(p.WorkDir, key.Stem())
}

// Run processes h, writes its result file and then removes the field's
// intermediate files.
func (p *FieldPipeline) Run(ctx context.Context, h checkpoint.Handle, rows *table.Table) (*result.Block, error) {
	block, err := p.Process(ctx, h.Kind, h.Key, rows)
	if err == nil {
		err = result.WriteFile(p.OutputPath(h.Key), p.Schema, &block.Records)
	}
	if err == nil && p.Previewer != nil && p.Schema.Match {
		if perr := p.Previewer.Render(p.Schema, block); perr != nil {
			p.Log.Warn("preview failed", "field", h.Key.String(), "error", perr)
		}
	}
	p.cleanup(h.Key, err)
	if err != nil {
		return nil, err
	}
	return block, nil
}

func (p *FieldPipeline) cleanup(key sdss.FieldKey, failure error) {
	switch {
	case failure == nil && p.KeepIntermediate:
		return
	case failure != nil && !p.CleanupOnFailure:
		p.Log.Debug("keeping intermediate files", "field", key.String(), "dir", p.FieldDir(key))
		return
	}
	if err := os.RemoveAll(p.FieldDir(key)); err != nil {
		p.Log.Warn("cleanup failed", "field", key.String(), "error", err)
		return
	}
	logging.LogProcessingStep(p.Log, key.String(), "cleanup", "done", nil)
}

// Prepare runs the fetch step, and the register step for StageAlign, without
// extracting anything.
func (p *FieldPipeline) Prepare(ctx context.Context, key sdss.FieldKey, stage Stage) error {
	images, err := p.Fetch(ctx, key)
	if err != nil {
		return err
	}
	if stage < StageAlign {
		return nil
	}
	_, err = p.Align(ctx, key, images)
	return err
}

// Process runs fetch, register, position resolution and extraction for one
// field. The returned block holds one record per resolved position.
func (p *FieldPipeline) Process(ctx context.Context, kind workunit.Kind, key sdss.FieldKey, rows *table.Table) (*result.Block, error) {
	images, err := p.Fetch(ctx, key)
	if err != nil {
		return nil, err
	}
	registered, err := p.Align(ctx, key, images)
	if err != nil {
		return nil, err
	}

	loaded := make(map[sdss.Band]*fitsimg.Image, len(registered))
	for _, b := range p.Schema.Bands {
		im, err := p.Load(registered[b])
		if err != nil {
			return nil, err
		}
		loaded[b] = im
	}

	var positions []cutout.Position
	block := &result.Block{Key: key}
	switch kind {
	case workunit.KindCoordinate:
		positions, err = p.project(key, loaded[p.Reference], rows, &block.Records)
	case workunit.KindDetection:
		positions, err = p.detect(ctx, key, registered[p.Reference])
	default:
		_, err = workunit.ParseKind(string(kind))
	}
	if err != nil {
		return nil, err
	}

	start := time.Now()
	stack, err := cutout.Extract(positions, loaded, p.Schema.Bands, p.Schema.Size)
	if err != nil {
		return nil, err
	}
	logging.LogProcessingStep(p.Log, key.String(), "extract", "done", map[string]any{
		"cutouts":     stack.N,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	block.N = stack.N
	block.Data = stack.Data
	return block, nil
}

// Fetch makes sure every band's frame is on disk.
func (p *FieldPipeline) Fetch(ctx context.Context, key sdss.FieldKey) (map[sdss.Band]string, error) {
	dir := p.FieldDir(key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	images, err := p.Fetcher.FetchField(ctx, key, p.Schema.Bands, dir)
	if err != nil {
		return nil, err
	}
	logging.LogProcessingStep(p.Log, key.String(), "fetch", "done", map[string]any{"bands": len(images)})
	return images, nil
}

// Align registers the frames onto the reference band unless that was
// already done. The reference band maps to its original frame.
func (p *FieldPipeline) Align(ctx context.Context, key sdss.FieldKey, images map[sdss.Band]string) (map[sdss.Band]string, error) {
	if register.Done(images, p.Reference) {
		logging.LogProcessingStep(p.Log, key.String(), "register", "skipped", nil)
		return register.Paths(images, p.Reference), nil
	}
	registered, err := p.Registrar.Register(ctx, images, p.Reference)
	if err != nil {
		return nil, err
	}
	logging.LogProcessingStep(p.Log, key.String(), "register", "done", nil)
	return registered, nil
}

// project maps each row's sky position onto the reference grid. Rows that
// land off the image are dropped, as are repeats of an objID already taken.
func (p *FieldPipeline) project(key sdss.FieldKey, ref *fitsimg.Image, rows *table.Table, recs *result.Records) ([]cutout.Position, error) {
	if ref.WCS == nil {
		return nil, fitsimg.Error.New("%s: reference frame has no astrometric solution: %v", key, ref.WCSErr)
	}

	positions := make([]cutout.Position, 0, rows.Len())
	taken := make(map[uint64]bool, rows.Len())
	dropped, repeated := 0, 0
	for _, row := range rows.Rows {
		if taken[row.ObjID] {
			repeated++
			continue
		}
		fx, fy, ok := ref.WCS.WorldToPixel(row.RA, row.Dec)
		x, y := int(math.Floor(fx+0.5)), int(math.Floor(fy+0.5))
		if !ok || x < 0 || y < 0 || x >= ref.Width || y >= ref.Height {
			dropped++
			continue
		}
		taken[row.ObjID] = true
		positions = append(positions, cutout.Position{X: x, Y: y})
		recs.IDs = append(recs.IDs, row.ObjID)
		if p.Schema.HasClass {
			recs.Classes = append(recs.Classes, row.Class)
		}
		if p.Schema.HasZ {
			recs.Zs = append(recs.Zs, row.Z)
		}
	}
	if dropped > 0 {
		p.Log.Warn("rows outside frame", "field", key.String(), "dropped", dropped)
	}
	if repeated > 0 {
		p.Log.Warn("repeated objID rows", "field", key.String(), "dropped", repeated)
	}
	logging.LogProcessingStep(p.Log, key.String(), "resolve", "projected", map[string]any{"positions": len(positions)})
	return positions, nil
}

// detect reads the reference catalog, running the detector only when no
// catalog exists yet.
func (p *FieldPipeline) detect(ctx context.Context, key sdss.FieldKey, image string) ([]cutout.Position, error) {
	var sources []detect.Source
	var err error
	if catalog := detect.CatalogPath(image); fsutil.Exists(catalog) {
		sources, err = detect.ReadCatalog(catalog)
	} else {
		sources, err = p.Detector.Detect(ctx, image)
	}
	if err != nil {
		return nil, err
	}

	positions := make([]cutout.Position, len(sources))
	for i, s := range sources {
		x, y := s.XPeak, s.YPeak
		if p.Center == CenterBox {
			x, y = s.BoxCenter()
		}
		positions[i] = cutout.Position{X: x, Y: y}
	}
	logging.LogProcessingStep(p.Log, key.String(), "resolve", "detected", map[string]any{"sources": len(sources)})
	return positions, nil
}
