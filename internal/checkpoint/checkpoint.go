package checkpoint

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/errs"

	"cutout/internal/fsutil"
	"cutout/internal/sdss"
	"cutout/internal/table"
	"cutout/internal/workunit"
)

// Error is the class for checkpoint coordination failures. These abort the
// whole run.
var Error = errs.Class("checkpoint")

const ext = ".csv"

// Handle names one persisted work unit.
type Handle struct {
	Key  sdss.FieldKey `json:"key"`
	Kind workunit.Kind `json:"kind"`
	Path string        `json:"path"`
}

// Store keeps one checkpoint file per field key below Dir. OutputPath maps a
// key to the final result location checked by ExistsOutput.
type Store struct {
	Dir        string
	OutputPath func(sdss.FieldKey) string
}

// New returns a store rooted at dir.
func New(dir string, outputPath func(sdss.FieldKey) string) *Store {
	return &Store{Dir: dir, OutputPath: outputPath}
}

// PathFor returns the checkpoint file for key.
func (s *Store) PathFor(key sdss.FieldKey) string {
	return filepath.Join(s.Dir, key.Stem()+ext)
}

// Persist writes each unit's rows to its checkpoint file. A file that already
// exists is trusted and kept, so a restart with a reshuffled or edited table
// keeps the partition from the first attempt. A kept file must carry the same
// columns as t; the record layout of a run cannot change between attempts.
func (s *Store) Persist(units []workunit.Unit, t *table.Table) ([]Handle, error) {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return nil, Error.Wrap(err)
	}

	handles := make([]Handle, 0, len(units))
	for _, u := range units {
		path := s.PathFor(u.Key)
		sub := t.Subset(u.Rows)
		created, err := fsutil.InstallOnce(path, func(w io.Writer) error {
			return table.Write(w, sub)
		})
		if err != nil {
			return nil, Error.New("persist %s: %v", u.Key, err)
		}
		if !created {
			kept, err := table.Read(path)
			if err != nil {
				return nil, Error.Wrap(err)
			}
			if kept.Schema != t.Schema {
				return nil, Error.New("%s has columns %v but the input has %v; clear %s to start over",
					path, kept.Schema.Columns(), t.Schema.Columns(), s.Dir)
			}
		}
		handles = append(handles, Handle{Key: u.Key, Kind: u.Kind, Path: path})
	}
	return handles, nil
}

// Load reads back the rows persisted for h.
func (s *Store) Load(h Handle) (*table.Table, error) {
	t, err := table.Read(h.Path)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	for _, row := range t.Rows {
		if row.Key != h.Key {
			return nil, Error.New("%s holds a row for %s", h.Path, row.Key)
		}
	}
	return t, nil
}

// ExistsOutput reports whether the final result for h exists. It looks at
// the output location, not the checkpoint.
func (s *Store) ExistsOutput(h Handle) bool {
	if s.OutputPath == nil {
		return false
	}
	return fsutil.Exists(s.OutputPath(h.Key))
}

// MissingOutputs returns the handles whose output does not exist.
func (s *Store) MissingOutputs(handles []Handle) []Handle {
	var missing []Handle
	for _, h := range handles {
		if !s.ExistsOutput(h) {
			missing = append(missing, h)
		}
	}
	return missing
}

// Handles lists the checkpoint files currently in the store. Kind is left
// empty; the caller decides it.
func (s *Store) Handles() ([]Handle, error) {
	entries, err := os.ReadDir(s.Dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}

	var handles []Handle
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ext) {
			continue
		}
		path := filepath.Join(s.Dir, name)
		t, err := table.Read(path)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		if t.Len() == 0 {
			continue
		}
		handles = append(handles, Handle{Key: t.Rows[0].Key, Path: path})
	}
	return handles, nil
}

// ClearAll removes every checkpoint file. The caller must have confirmed that
// all outputs exist; the store does not check again.
func (s *Store) ClearAll() error {
	entries, err := os.ReadDir(s.Dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return Error.Wrap(err)
	}

	var paths []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ext) {
			paths = append(paths, filepath.Join(s.Dir, e.Name()))
		}
	}
	return Error.Wrap(fsutil.RemoveFiles(paths...))
}
