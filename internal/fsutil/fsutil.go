package fsutil

import (
	"bufio"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/zeebo/errs"
)

// Exists reports whether path names an existing file or directory.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// TempPath is the sibling name a file is staged under before rename.
func TempPath(path string) string {
	return path + ".tmp"
}

// WriteAtomic stages the output of fn in a temporary sibling of path and
// renames it into place once fn and the flush succeed. Readers never see a
// partially written file at path.
func WriteAtomic(path string, fn func(w io.Writer) error) error {
	tmp, err := stage(path, fn)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// InstallOnce stages fn's output and links it to path only if path does not
// exist yet. It reports whether this call created path. An existing file is
// left untouched.
func InstallOnce(path string, fn func(w io.Writer) error) (created bool, err error) {
	if Exists(path) {
		return false, nil
	}
	tmp, err := stage(path, fn)
	if err != nil {
		return false, err
	}
	defer func() { _ = os.Remove(tmp) }()

	// Link fails with ErrExist when another writer got there first; the
	// first installed file wins.
	if err := os.Link(tmp, path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func stage(path string, fn func(w io.Writer) error) (_ string, err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return "", err
	}
	name := f.Name()
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(name)
		}
	}()

	bw := bufio.NewWriter(f)
	if err = fn(bw); err != nil {
		return "", err
	}
	if err = bw.Flush(); err != nil {
		return "", err
	}
	if err = f.Sync(); err != nil {
		return "", err
	}
	if err = f.Close(); err != nil {
		return "", err
	}
	return name, nil
}

// RemoveFiles deletes every path, ignoring ones already gone, and folds the
// remaining failures into one error.
func RemoveFiles(paths ...string) error {
	var group errs.Group
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			group.Add(err)
		}
	}
	return group.Err()
}

// Size returns the size of path in bytes, or 0 if it cannot be stat'ed.
func Size(path string) int64 {
	st, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return st.Size()
}
