package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"cutout/internal/checkpoint"
	"cutout/internal/config"
	"cutout/internal/coordinator"
	"cutout/internal/pipeline"
	"cutout/internal/sdss"
	"cutout/internal/storage"
	"cutout/internal/table"
	"cutout/internal/workunit"
)

// NewRootCmd creates the root Cobra command.
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, out io.Writer) *cobra.Command {
	return NewRoot(cfg, log, store, out).Command()
}

// Command builds the command tree for r.
func (r *Root) Command() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "cutout",
		Short: "Multi-band cutouts from SDSS imaging fields",
		Long: `Cutout fetches the frames of each SDSS field named in an input table,
registers them onto the reference band, finds targets by source detection or
by catalog coordinates, and stacks fixed-size cutouts into one array.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newFetchCmd(r))
	rootCmd.AddCommand(newAlignCmd(r))
	rootCmd.AddCommand(newExtractCmd(r))
	rootCmd.AddCommand(newSequentialCmd(r))
	rootCmd.AddCommand(newParallelCmd(r))
	rootCmd.AddCommand(newWorkerCmd(r))
	rootCmd.AddCommand(newServeCmd(r))
	rootCmd.AddCommand(newConfigCmd(r))
	rootCmd.AddCommand(newVersionCmd(r))

	return rootCmd
}

func newFetchCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "fetch <table.csv>",
		Short: "Download the frames of every field in the table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.prepare(cmd.Context(), "fetch", args[0], pipeline.StageFetch)
		},
	}
}

func newAlignCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "align <table.csv>",
		Short: "Download and register the frames of every field in the table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.prepare(cmd.Context(), "align", args[0], pipeline.StageAlign)
		},
	}
}

func (r *Root) prepare(ctx context.Context, mode, input string, stage pipeline.Stage) error {
	if err := r.cfg.Validate(); err != nil {
		return err
	}
	keys, err := fieldKeys(input)
	if err != nil {
		return err
	}
	bands, _, err := r.cfg.BandList()
	if err != nil {
		return err
	}
	d, release, err := r.newDriver(pipeline.SchemaFor(workunit.KindDetection, table.Schema{}, bands, r.cfg.Cutout.Size))
	if err != nil {
		return err
	}
	defer release()

	d.Begin(mode, input, "", len(keys))
	s := d.Prepare(ctx, keys, stage)
	d.End(s, ctx.Err())
	r.printSummary(s, nil)
	return nil
}

func newExtractCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "extract <rerun> <run> <camcol> <field>",
		Short: "Detect sources in one field and write their cutouts",
		Long: `Run the whole pipeline for a single field in detection mode. Unlike the
batch commands, a failure of the field is returned as an error.`,
		Args: cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := parseFieldKey(args)
			if err != nil {
				return err
			}
			return root.extract(cmd.Context(), key)
		},
	}
}

func parseFieldKey(args []string) (sdss.FieldKey, error) {
	var v [4]uint32
	for i, name := range []string{"rerun", "run", "camcol", "field"} {
		n, err := strconv.ParseUint(args[i], 10, 32)
		if err != nil {
			return sdss.FieldKey{}, fmt.Errorf("invalid %s %q", name, args[i])
		}
		v[i] = uint32(n)
	}
	key := sdss.FieldKey{Rerun: v[0], Run: v[1], Camcol: v[2], Field: v[3]}
	return key, key.Validate()
}

func (r *Root) extract(ctx context.Context, key sdss.FieldKey) error {
	if err := r.cfg.Validate(); err != nil {
		return err
	}
	bands, _, err := r.cfg.BandList()
	if err != nil {
		return err
	}
	d, release, err := r.newDriver(pipeline.SchemaFor(workunit.KindDetection, table.Schema{}, bands, r.cfg.Cutout.Size))
	if err != nil {
		return err
	}
	defer release()

	d.Begin("extract", key.String(), pipeline.OutputPath(r.cfg.Paths.OutputDir, key), 1)
	s, err := d.Single(ctx, checkpoint.Handle{Key: key, Kind: workunit.KindDetection})
	d.End(s, err)
	r.printSummary(s, nil)
	return err
}

func newSequentialCmd(root *Root) *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "sequential <match|sex> <table.csv>",
		Short: "Process every field of the table in order",
		Long: `Process the fields of the input table one after another. Fields whose
output already exists are skipped, failed fields are logged and left for a
rerun, and the per-field outputs are folded into one array at the end.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			b, err := root.loadBatch(args[0], args[1])
			if err != nil {
				return err
			}
			d, release, err := root.newDriver(b.schema)
			if err != nil {
				return err
			}
			defer release()
			defer root.withStatus(ctx, status, d)()

			path := root.aggregatePath(b.input, b.mode)
			d.Begin("sequential/"+b.mode, b.input, path, len(b.handles))
			s, err := d.Sequential(ctx, b.handles)
			var agg pipeline.Aggregate
			if err == nil {
				agg, err = d.Finish(ctx, b.handles, path, 0)
			}
			d.End(s, err)
			root.printSummary(s, &agg)
			return err
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "serve run status on this address while running")
	return cmd
}

func newParallelCmd(root *Root) *cobra.Command {
	var (
		workers int
		listen  string
		status  string
		settle  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "parallel <match|sex> <table.csv>",
		Short: "Process the fields of the table across workers",
		Long: `Split the ordered work units into contiguous ranges, one per worker.
Without --listen the workers run in this process. With --listen this process
only coordinates: it serves the unit list to "cutout worker" processes, waits
for their reports and then folds the outputs.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if workers == 0 {
				workers = root.cfg.Processing.Workers
			}
			if workers < 1 {
				return fmt.Errorf("workers must be at least 1, got %d", workers)
			}
			ctx := cmd.Context()
			b, err := root.loadBatch(args[0], args[1])
			if err != nil {
				return err
			}
			d, release, err := root.newDriver(b.schema)
			if err != nil {
				return err
			}
			defer release()
			defer root.withStatus(ctx, status, d)()

			path := root.aggregatePath(b.input, b.mode)
			d.Begin("parallel/"+b.mode, b.input, path, len(b.handles))

			var s pipeline.Summary
			if listen != "" {
				s, err = root.coordinate(ctx, d, b, listen, workers)
			} else {
				s, err = d.Parallel(ctx, b.handles, workers)
			}
			var agg pipeline.Aggregate
			if err == nil {
				agg, err = d.Finish(ctx, b.handles, path, settle)
			}
			d.End(s, err)
			root.printSummary(s, &agg)
			return err
		},
	}

	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "number of workers (default from config)")
	cmd.Flags().StringVar(&listen, "listen", "", "coordinate external worker processes from this address")
	cmd.Flags().StringVar(&status, "status", "", "serve run status on this address while running")
	cmd.Flags().DurationVar(&settle, "settle", 0, "how long to wait for missing outputs before folding")
	return cmd
}

// coordinate serves b to size external workers and sums their reports.
// Workers that never report leave their fields without output, which
// Finish then treats like failed fields.
func (r *Root) coordinate(ctx context.Context, d *pipeline.Driver, b *batch, addr string, size int) (pipeline.Summary, error) {
	var s pipeline.Summary
	lis, err := r.listen(addr)
	if err != nil {
		return s, err
	}
	srv := coordinator.NewServer(coordinator.Partition{
		RunID:   d.RunID,
		Kind:    b.kind,
		Size:    size,
		Schema:  b.schema,
		Handles: b.handles,
	}, r.log)

	sctx, stop := context.WithCancel(ctx)
	served := make(chan error, 1)
	go func() { served <- srv.Serve(sctx, lis) }()
	defer func() {
		stop()
		if err := <-served; err != nil {
			r.log.Warn("coordinator stopped", "error", err)
		}
	}()

	r.printf("serving %d units to %d workers on %s\n", len(b.handles), size, lis.Addr())
	wctx := ctx
	if timeout := r.cfg.Coordinator.WaitTimeout.Duration; timeout > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	reports, err := srv.WaitReports(wctx)
	if err != nil {
		r.log.Warn("not every worker reported", "error", err)
	}
	for _, rep := range reports {
		s.Add(pipeline.Summary{
			Attempted: rep.Attempted,
			Completed: rep.Completed,
			Skipped:   rep.Skipped,
			Failed:    rep.Failed,
			Records:   rep.Records,
		})
	}
	return s, ctx.Err()
}

func newWorkerCmd(root *Root) *cobra.Command {
	var (
		addr string
		rank int
		size int
	)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Process one range of a coordinated parallel run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.work(cmd.Context(), addr, rank, size)
		},
	}

	cmd.Flags().StringVar(&addr, "coordinator", root.cfg.Coordinator.Listen, "coordinator address")
	cmd.Flags().IntVar(&rank, "rank", 0, "this worker's rank")
	cmd.Flags().IntVar(&size, "size", 0, "total number of workers")
	_ = cmd.MarkFlagRequired("size")
	return cmd
}

func (r *Root) work(ctx context.Context, addr string, rank, size int) error {
	if err := r.cfg.Validate(); err != nil {
		return err
	}
	client, err := r.dial(addr)
	if err != nil {
		return err
	}
	defer client.Close()

	part, err := client.Partition(ctx, rank, size)
	if err != nil {
		return err
	}
	d, release, err := r.newDriver(part.Schema)
	if err != nil {
		return err
	}
	defer release()
	d.RunID = part.RunID

	r.log.Info("worker started", "run_id", part.RunID, "rank", rank, "size", size, "units", len(part.Handles))
	s, runErr := d.Worker(ctx, part.Handles, rank, size)
	r.printSummary(s, nil)

	err = client.ReportDone(ctx, coordinator.Report{
		Rank:      rank,
		Attempted: s.Attempted,
		Completed: s.Completed,
		Skipped:   s.Skipped,
		Failed:    s.Failed,
		Records:   s.Records,
	})
	if runErr != nil {
		return runErr
	}
	return err
}

func newServeCmd(root *Root) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the run ledger over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if root.store == nil {
				return fmt.Errorf("run ledger unavailable at %s", root.cfg.Paths.DatabasePath)
			}
			root.log.Info("starting status server", "addr", addr, "database", root.cfg.Paths.DatabasePath)
			return root.serveFn(cmd.Context(), addr, root.store, nil, root.registry, root.log)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", root.cfg.Status.Addr, "listen address")
	return cmd
}

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configShow()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.cfg.Validate(); err != nil {
				return err
			}
			root.log.Info("configuration validation", "status", "valid")
			root.printf("configuration is valid\n")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "tools",
		Short: "Check the external tools",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configTools()
		},
	})

	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdVersion()
		},
	}
}
