package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/errs"

	"cutout/internal/sdss"
)

const (
	// EnvPath overrides the config file location.
	EnvPath           = "CUTOUT_CONFIG"
	defaultConfigPath = "~/.config/cutout/config.json"
	defaultWorkers    = 4
)

// Error is the class for invalid configuration.
var Error = errs.Class("config")

// Config holds user-editable settings for the pipeline.
type Config struct {
	Processing  Processing  `json:"processing"`
	Logging     Logging     `json:"logging"`
	Paths       Paths       `json:"paths"`
	Fetch       Fetch       `json:"fetch"`
	Bands       Bands       `json:"bands"`
	Cutout      Cutout      `json:"cutout"`
	Tools       Tools       `json:"tools"`
	Coordinator Coordinator `json:"coordinator"`
	Status      Status      `json:"status"`
}

// Processing captures execution preferences.
type Processing struct {
	Workers          int    `json:"workers"`
	WorkDir          string `json:"work_dir"`
	Shuffle          bool   `json:"shuffle"`
	Seed             int64  `json:"seed"`               // 0 picks a time-based seed
	CleanupOnFailure bool   `json:"cleanup_on_failure"` // remove field images when a field fails
	KeepIntermediate bool   `json:"keep_intermediate"`  // skip cleanup on success
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`     // Directory for log files
}

// Paths configures output locations and the run ledger.
type Paths struct {
	OutputDir      string `json:"output_dir"`
	CheckpointDir  string `json:"checkpoint_dir"`
	DatabasePath   string `json:"database_path"`
	DatabaseDriver string `json:"database_driver"` // sqlite (pure Go) or sqlite3 (cgo)
}

// Fetch configures frame downloads.
type Fetch struct {
	BaseURL   string   `json:"base_url"`
	Attempts  int      `json:"attempts"`
	RetryWait Duration `json:"retry_wait"`
	Timeout   Duration `json:"timeout"`
}

// Bands selects the filters and the registration reference.
type Bands struct {
	List      string `json:"list"`
	Reference string `json:"reference"`
}

// Cutout configures extraction.
type Cutout struct {
	Size       int    `json:"size"`
	Center     string `json:"center"` // peak or box, detection mode only
	PreviewDir string `json:"preview_dir"`
}

// Tools names the external binaries.
type Tools struct {
	Montage    MontageConfig    `json:"montage"`
	SExtractor SExtractorConfig `json:"sextractor"`
}

type MontageConfig struct {
	GetHdr    string   `json:"get_hdr"`
	Project   string   `json:"project"`
	ExtraArgs []string `json:"extra_args"`
}

type SExtractorConfig struct {
	Binary    string   `json:"binary"`
	ExtraArgs []string `json:"extra_args"`
}

// Coordinator configures the multi-process partition broadcast.
type Coordinator struct {
	Listen      string   `json:"listen"`
	WaitTimeout Duration `json:"wait_timeout"`
}

// Status configures the status HTTP server.
type Status struct {
	Addr string `json:"addr"`
}

// Duration is a time.Duration that reads "1s" style strings from JSON.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case float64:
		d.Duration = time.Duration(val * float64(time.Second))
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = parsed
	default:
		return Error.New("invalid duration %s", string(b))
	}
	return nil
}

// Path returns the config file location that Load reads.
func Path() string {
	if p := os.Getenv(EnvPath); p != "" {
		return p
	}
	return defaultConfigPath
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	cfg := Default()

	expanded, err := expandUser(Path())
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, Error.New("%s: %v", expanded, err)
	}

	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	work := filepath.Join(os.TempDir(), "cutout")
	return &Config{
		Processing: Processing{
			Workers: defaultWorkers,
			WorkDir: work,
			Shuffle: true,
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			OutputDir:      "./output",
			CheckpointDir:  filepath.Join(work, "checkpoints"),
			DatabasePath:   filepath.Join(os.TempDir(), "cutout.db"),
			DatabaseDriver: "sqlite",
		},
		Fetch: Fetch{
			BaseURL:   sdss.DefaultBaseURL,
			Attempts:  10,
			RetryWait: Duration{time.Second},
			Timeout:   Duration{60 * time.Second},
		},
		Bands: Bands{
			List:      sdss.AllBands,
			Reference: "r",
		},
		Cutout: Cutout{
			Size:   64,
			Center: "peak",
		},
		Tools: Tools{
			Montage:    MontageConfig{GetHdr: "mGetHdr", Project: "mProjectPP"},
			SExtractor: SExtractorConfig{Binary: "sex"},
		},
		Coordinator: Coordinator{
			Listen:      "127.0.0.1:7311",
			WaitTimeout: Duration{10 * time.Minute},
		},
		Status: Status{
			Addr: "127.0.0.1:8088",
		},
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var group errs.Group
	bands, err := sdss.ParseBands(c.Bands.List)
	if err != nil {
		group.Add(err)
	}
	ref, err := sdss.ParseBand(c.Bands.Reference)
	if err != nil {
		group.Add(err)
	} else if bands != nil {
		found := false
		for _, b := range bands {
			if b == ref {
				found = true
			}
		}
		if !found {
			group.Add(Error.New("reference band %s not in band list %q", ref, c.Bands.List))
		}
	}
	if c.Cutout.Size <= 0 {
		group.Add(Error.New("cutout size must be positive, got %d", c.Cutout.Size))
	}
	switch c.Cutout.Center {
	case "", "peak", "box":
	default:
		group.Add(Error.New("cutout center must be peak or box, got %q", c.Cutout.Center))
	}
	if c.Fetch.Attempts < 1 {
		group.Add(Error.New("fetch attempts must be at least 1, got %d", c.Fetch.Attempts))
	}
	if c.Processing.Workers < 1 {
		group.Add(Error.New("workers must be at least 1, got %d", c.Processing.Workers))
	}
	switch c.Paths.DatabaseDriver {
	case "", "sqlite", "sqlite3":
	default:
		group.Add(Error.New("unknown database driver %q", c.Paths.DatabaseDriver))
	}
	return group.Err()
}

// BandList returns the parsed band list and reference band.
func (c *Config) BandList() ([]sdss.Band, sdss.Band, error) {
	bands, err := sdss.ParseBands(c.Bands.List)
	if err != nil {
		return nil, 0, err
	}
	ref, err := sdss.ParseBand(c.Bands.Reference)
	if err != nil {
		return nil, 0, err
	}
	return bands, ref, nil
}

// ExpandPaths resolves a leading ~ in every path setting.
func (c *Config) ExpandPaths() error {
	for _, p := range []*string{
		&c.Processing.WorkDir,
		&c.Logging.LogDir,
		&c.Paths.OutputDir,
		&c.Paths.CheckpointDir,
		&c.Paths.DatabasePath,
		&c.Cutout.PreviewDir,
	} {
		expanded, err := expandUser(*p)
		if err != nil {
			return err
		}
		*p = expanded
	}
	return nil
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
