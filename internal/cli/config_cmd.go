package cli

import (
	"runtime"

	"cutout/internal/config"
)

// version is set at build time with -ldflags "-X cutout/internal/cli.version=...".
var version = "v0.1.0-dev"

func (r *Root) configShow() error {
	r.printf("Current configuration:\n")
	r.printf("Config file: %s\n", config.Path())
	r.printf("\nProcessing:\n")
	r.printf("  Workers: %d\n", r.cfg.Processing.Workers)
	r.printf("  Work directory: %s\n", r.cfg.Processing.WorkDir)
	r.printf("  Shuffle: %t\n", r.cfg.Processing.Shuffle)
	r.printf("  Cleanup on failure: %t\n", r.cfg.Processing.CleanupOnFailure)
	r.printf("  Keep intermediate: %t\n", r.cfg.Processing.KeepIntermediate)
	r.printf("\nPaths:\n")
	r.printf("  Output: %s\n", r.cfg.Paths.OutputDir)
	r.printf("  Checkpoints: %s\n", r.cfg.Paths.CheckpointDir)
	r.printf("  Database: %s (%s)\n", r.cfg.Paths.DatabasePath, r.cfg.Paths.DatabaseDriver)
	r.printf("\nFetch:\n")
	r.printf("  Base URL: %s\n", r.cfg.Fetch.BaseURL)
	r.printf("  Attempts: %d every %s\n", r.cfg.Fetch.Attempts, r.cfg.Fetch.RetryWait)
	r.printf("  Timeout: %s\n", r.cfg.Fetch.Timeout)
	r.printf("\nCutouts:\n")
	r.printf("  Bands: %s (reference %s)\n", r.cfg.Bands.List, r.cfg.Bands.Reference)
	r.printf("  Size: %d\n", r.cfg.Cutout.Size)
	r.printf("  Center: %s\n", r.cfg.Cutout.Center)
	if r.cfg.Cutout.PreviewDir != "" {
		r.printf("  Previews: %s\n", r.cfg.Cutout.PreviewDir)
	}
	r.printf("\nLogging:\n")
	r.printf("  Level: %s\n", r.cfg.Logging.Level)
	r.printf("  Format: %s\n", r.cfg.Logging.Format)
	if r.cfg.Logging.FileOutput {
		r.printf("  Directory: %s\n", r.cfg.Logging.LogDir)
	}
	return nil
}

func (r *Root) configTools() error {
	r.printf("Checking external tools...\n\n")
	for _, st := range r.toolFactory(r.cfg).CheckAll() {
		if st.Available {
			r.printf("%s: available (%s)\n", st.Name, st.Path)
		} else {
			r.printf("%s: unavailable\n", st.Name)
		}
	}
	return nil
}

func (r *Root) cmdVersion() error {
	r.printf("cutout %s\n", version)
	r.printf("Built with Go %s\n", runtime.Version())
	r.printf("External tools:\n")
	for _, st := range r.toolFactory(r.cfg).CheckAll() {
		status := "unavailable"
		if st.Available {
			status = "available"
		}
		r.printf("  %s: %s\n", st.Name, status)
	}
	return nil
}
