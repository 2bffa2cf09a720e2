package pipeline

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"log/slog"

	"github.com/dustin/go-humanize"
	"github.com/zeebo/errs"
	"golang.org/x/sync/errgroup"

	"cutout/internal/checkpoint"
	"cutout/internal/fsutil"
	"cutout/internal/logging"
	"cutout/internal/result"
	"cutout/internal/sdss"
	"cutout/internal/storage"
	"cutout/internal/table"
	"cutout/internal/watch"
	"cutout/internal/workunit"
)

// ErrFieldFailure marks a field that produced no output. It is logged and
// counted; sibling fields keep running.
var ErrFieldFailure = errs.Class("field failure")

// Fields is the per-field work a Driver schedules.
type Fields interface {
	Run(ctx context.Context, h checkpoint.Handle, rows *table.Table) (*result.Block, error)
	Prepare(ctx context.Context, key sdss.FieldKey, stage Stage) error
}

// Result captures the outcome of one field.
type Result struct {
	RunID    string        `json:"run_id"`
	Field    string        `json:"field"`
	Worker   int           `json:"worker"`
	Status   string        `json:"status"`
	Records  int           `json:"records"`
	Duration time.Duration `json:"duration"`
	Error    error         `json:"-"`
}

// Summary tallies a run or a worker's range.
type Summary struct {
	Attempted int `json:"attempted"`
	Completed int `json:"completed"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
	Records   int `json:"records"`
}

// Add folds o into s.
func (s *Summary) Add(o Summary) {
	s.Attempted += o.Attempted
	s.Completed += o.Completed
	s.Skipped += o.Skipped
	s.Failed += o.Failed
	s.Records += o.Records
}

func (s *Summary) count(res Result) {
	switch res.Status {
	case storage.StatusSkipped:
		s.Skipped++
		return
	case storage.StatusCompleted:
		s.Completed++
		s.Records += res.Records
	case storage.StatusFailed:
		s.Failed++
	}
	s.Attempted++
}

// Counts converts s for the run ledger.
func (s Summary) Counts() storage.Counts {
	return storage.Counts{
		Attempted: s.Attempted,
		Completed: s.Completed,
		Skipped:   s.Skipped,
		Failed:    s.Failed,
		Records:   s.Records,
	}
}

func (s Summary) String() string {
	return fmt.Sprintf("%d/%d fields completed, %d skipped, %d failed, %d records",
		s.Completed, s.Attempted, s.Skipped, s.Failed, s.Records)
}

// Aggregate describes what Finish produced.
type Aggregate struct {
	Path     string
	Records  int
	Missing  int
	Rejected int
	Cleared  bool
}

// Driver schedules work units over a Fields implementation. Per-field
// failures are isolated; only checkpoint errors stop a run.
type Driver struct {
	Fields  Fields
	Store   *checkpoint.Store
	Schema  result.Schema
	Ledger  *storage.Store
	Metrics *Metrics
	Log     *slog.Logger
	Out     io.Writer
	RunID   string

	outMu     sync.Mutex
	mu        sync.Mutex
	subs      map[int]chan Result
	nextSubID int
}

// NewDriver returns a driver that writes progress lines to out.
func NewDriver(fields Fields, store *checkpoint.Store, schema result.Schema, log *slog.Logger, out io.Writer) *Driver {
	return &Driver{
		Fields: fields,
		Store:  store,
		Schema: schema,
		Log:    log,
		Out:    out,
		subs:   make(map[int]chan Result),
	}
}

// SchemaFor fixes the output layout of a run from the input columns.
// Detection mode records carry only the cutout.
func SchemaFor(kind workunit.Kind, in table.Schema, bands []sdss.Band, size int) result.Schema {
	s := result.Schema{Bands: bands, Size: size}
	if kind == workunit.KindCoordinate {
		s.Match = true
		s.HasClass = in.HasClass
		s.HasZ = in.HasZ
	}
	return s
}

// Begin records the start of a run in the ledger.
func (d *Driver) Begin(mode, input, output string, units int) {
	err := d.Ledger.RecordRunStart(storage.RunRecord{
		ID:         d.RunID,
		Mode:       mode,
		InputPath:  input,
		OutputPath: output,
		Units:      units,
	})
	if err != nil {
		d.Log.Warn("run ledger unavailable", "error", err)
	}
}

// End records the final tally of a run.
func (d *Driver) End(s Summary, runErr error) {
	status := storage.StatusCompleted
	if runErr != nil {
		status = storage.StatusFailed
	}
	if err := d.Ledger.RecordRunEnd(d.RunID, status, s.Counts(), errString(runErr)); err != nil {
		d.Log.Warn("run ledger unavailable", "error", err)
	}
}

// Sequential runs every unit in order in this process.
func (d *Driver) Sequential(ctx context.Context, handles []checkpoint.Handle) (Summary, error) {
	return d.Worker(ctx, handles, 0, 1)
}

// Parallel splits handles into static contiguous ranges, one per worker.
func (d *Driver) Parallel(ctx context.Context, handles []checkpoint.Handle, workers int) (Summary, error) {
	if workers < 1 {
		workers = 1
	}
	summaries := make([]Summary, workers)
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			s, err := d.Worker(gctx, handles, w, workers)
			summaries[w] = s
			return err
		})
	}
	err := g.Wait()

	var total Summary
	for _, s := range summaries {
		total.Add(s)
	}
	return total, err
}

// Worker processes rank's share of handles. Every worker of a run must see
// the same handle order.
func (d *Driver) Worker(ctx context.Context, handles []checkpoint.Handle, rank, size int) (Summary, error) {
	var s Summary
	lo, hi := workunit.Partition(len(handles), rank, size)
	for _, h := range handles[lo:hi] {
		if err := ctx.Err(); err != nil {
			return s, err
		}
		res, err := d.runUnit(ctx, rank, h)
		if err != nil {
			return s, err
		}
		s.count(res)
	}
	return s, nil
}

// Single runs a one-field job. Unlike the batch modes it returns the
// field's error.
func (d *Driver) Single(ctx context.Context, h checkpoint.Handle) (Summary, error) {
	var s Summary
	res, err := d.runUnit(ctx, 0, h)
	if err != nil {
		return s, err
	}
	s.count(res)
	return s, res.Error
}

// Prepare runs the fetch (and optionally register) step for each key,
// continuing past failures.
func (d *Driver) Prepare(ctx context.Context, keys []sdss.FieldKey, stage Stage) Summary {
	var s Summary
	for _, key := range keys {
		if ctx.Err() != nil {
			break
		}
		start := time.Now()
		res := Result{RunID: d.RunID, Field: key.String(), Status: storage.StatusCompleted}
		if err := d.Fields.Prepare(ctx, key, stage); err != nil {
			res.Status = storage.StatusFailed
			res.Error = ErrFieldFailure.Wrap(fmt.Errorf("%s: %w", key, err))
			logging.LogFieldError(d.Log, key.String(), time.Since(start), res.Error)
		} else {
			d.printf("prepared %s\n", key)
		}
		res.Duration = time.Since(start)
		d.finish(res)
		s.count(res)
	}
	return s
}

func (d *Driver) runUnit(ctx context.Context, worker int, h checkpoint.Handle) (Result, error) {
	res := Result{RunID: d.RunID, Field: h.Key.String(), Worker: worker}
	if d.Store != nil && d.Store.ExistsOutput(h) {
		res.Status = storage.StatusSkipped
		d.printf("skip %s: output exists\n", h.Key)
		d.finish(res)
		return res, nil
	}

	rows := &table.Table{}
	if h.Path != "" {
		var err error
		if rows, err = d.Store.Load(h); err != nil {
			return res, err
		}
	}

	start := time.Now()
	logging.LogFieldStart(d.Log, h.Key.String(), string(h.Kind), rows.Len())
	block, err := d.Fields.Run(ctx, h, rows)
	res.Duration = time.Since(start)

	if err != nil {
		res.Status = storage.StatusFailed
		res.Error = ErrFieldFailure.Wrap(fmt.Errorf("%s: %w", h.Key, err))
		logging.LogFieldError(d.Log, h.Key.String(), res.Duration, err)
	} else {
		res.Status = storage.StatusCompleted
		res.Records = block.N
		logging.LogFieldComplete(d.Log, h.Key.String(), res.Duration, block.N)
		d.printf("done %s: %d records in %s\n", h.Key, block.N, res.Duration.Round(time.Millisecond))
	}
	d.finish(res)
	return res, nil
}

func (d *Driver) finish(res Result) {
	if d.Ledger != nil {
		err := d.Ledger.RecordFieldResult(storage.FieldAttempt{
			RunID:    res.RunID,
			FieldKey: res.Field,
			Worker:   res.Worker,
			Status:   res.Status,
			Records:  res.Records,
			Duration: res.Duration,
			Error:    errString(res.Error),
		})
		if err != nil {
			d.Log.Warn("run ledger unavailable", "field", res.Field, "error", err)
		}
	}
	d.Metrics.observe(res)
	d.broadcast(res)
}

// Finish confirms the outputs of every handle, folds the per-field files
// into one array at path and clears the checkpoints. Clearing happens only
// when every output exists and was folded; otherwise it is skipped, not
// retried. Outputs that cannot be folded are removed so a rerun recomputes
// them. A positive wait gives other processes that long to deliver missing
// outputs.
func (d *Driver) Finish(ctx context.Context, handles []checkpoint.Handle, path string, wait time.Duration) (Aggregate, error) {
	agg := Aggregate{Path: path}

	missing := d.Store.MissingOutputs(handles)
	if len(missing) > 0 && wait > 0 {
		paths := make([]string, len(missing))
		for i, h := range missing {
			paths[i] = d.Store.OutputPath(h.Key)
		}
		if _, err := watch.WaitForFiles(ctx, paths, wait); err != nil {
			d.Log.Warn("outputs not confirmed", "error", err)
		}
		missing = d.Store.MissingOutputs(handles)
	}
	agg.Missing = len(missing)

	acc, rejected, err := d.accumulate(handles)
	if err != nil {
		return agg, err
	}
	agg.Records = acc.Len()
	agg.Rejected = len(rejected)

	if path != "" {
		if err := result.WriteFile(path, d.Schema, acc.Records()); err != nil {
			return agg, err
		}
		d.printf("wrote %s: %d records (%s)\n", path, acc.Len(), humanize.Bytes(uint64(fsutil.Size(path))))
	}

	if len(rejected) > 0 {
		if err := fsutil.RemoveFiles(rejected...); err != nil {
			d.Log.Warn("rejected outputs not removed", "error", err)
		}
		d.Log.Warn("keeping checkpoints", "rejected_outputs", len(rejected), "units", len(handles))
		d.printf("keeping checkpoints: %d of %d outputs rejected\n", len(rejected), len(handles))
		return agg, nil
	}
	if len(missing) > 0 {
		d.Log.Warn("keeping checkpoints", "missing_outputs", len(missing), "units", len(handles))
		d.printf("keeping checkpoints: %d of %d outputs missing\n", len(missing), len(handles))
		return agg, nil
	}
	if err := d.Store.ClearAll(); err != nil {
		return agg, err
	}
	agg.Cleared = true
	d.Log.Info("checkpoints cleared", "units", len(handles))
	return agg, nil
}

// accumulate folds every existing output. It returns the paths of outputs
// that could not be read or were refused by the accumulator.
func (d *Driver) accumulate(handles []checkpoint.Handle) (*result.Accumulator, []string, error) {
	var rows []*table.Table
	capacity := 0
	if d.Schema.Match {
		rows = make([]*table.Table, len(handles))
		for i, h := range handles {
			t, err := d.Store.Load(h)
			if err != nil {
				return nil, nil, err
			}
			rows[i] = t
			capacity += t.Len()
		}
	}

	acc := result.NewAccumulator(d.Schema, capacity)
	var rejected []string
	for i, h := range handles {
		if !d.Store.ExistsOutput(h) {
			continue
		}
		path := d.Store.OutputPath(h.Key)
		recs, err := result.ReadFile(path, d.Schema)
		if err != nil {
			d.Log.Error("unreadable field output", "field", h.Key.String(), "error", err)
			rejected = append(rejected, path)
			continue
		}
		var allowed map[uint64]bool
		if d.Schema.Match {
			allowed = make(map[uint64]bool, rows[i].Len())
			for _, r := range rows[i].Rows {
				allowed[r.ObjID] = true
			}
		}
		if err := acc.Append(&result.Block{Key: h.Key, Records: *recs}, allowed); err != nil {
			d.Log.Error("field output rejected", "field", h.Key.String(), "error", err)
			rejected = append(rejected, path)
		}
	}
	return acc, rejected, nil
}

// Subscribe returns a channel for receiving field results and an unsubscribe function.
func (d *Driver) Subscribe() (<-chan Result, func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.subs == nil {
		d.subs = make(map[int]chan Result)
	}
	id := d.nextSubID
	d.nextSubID++
	ch := make(chan Result, 8)
	d.subs[id] = ch
	unsub := func() {
		d.mu.Lock()
		if c, ok := d.subs[id]; ok {
			close(c)
			delete(d.subs, id)
		}
		d.mu.Unlock()
	}
	return ch, unsub
}

func (d *Driver) broadcast(res Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, ch := range d.subs {
		select {
		case ch <- res:
		default:
			d.Log.Warn("result channel full", "subscriber", id, "field", res.Field)
		}
	}
}

func (d *Driver) printf(format string, args ...any) {
	d.outMu.Lock()
	defer d.outMu.Unlock()
	fmt.Fprintf(d.Out, format, args...)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
