package fsutil

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeString(s string) func(io.Writer) error {
	return func(w io.Writer) error {
		_, err := io.WriteString(w, s)
		return err
	}
}

func TestWriteAtomicReplacesAndLeavesNoTemp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "out.npy")

	require.NoError(t, WriteAtomic(path, writeString("first")))
	require.NoError(t, WriteAtomic(path, writeString("second")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "second", string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestWriteAtomicFailureKeepsTargetAbsent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.npy")

	err := WriteAtomic(path, func(w io.Writer) error {
		_, _ = io.WriteString(w, "partial")
		return errors.New("boom")
	})
	require.Error(t, err)
	require.False(t, Exists(path))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestInstallOnceKeepsFirstWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.csv")

	created, err := InstallOnce(path, writeString("original"))
	require.NoError(t, err)
	require.True(t, created)

	created, err = InstallOnce(path, writeString("recomputed"))
	require.NoError(t, err)
	require.False(t, created)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "original", string(data))
}

func TestRemoveFilesIgnoresMissing(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	require.NoError(t, os.WriteFile(a, []byte("x"), 0o644))

	require.NoError(t, RemoveFiles(a, filepath.Join(dir, "missing")))
	require.False(t, Exists(a))
}

func TestInstallOnceFailureLeavesNoTemp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.csv")

	created, err := InstallOnce(path, func(w io.Writer) error {
		_, _ = io.WriteString(w, "header\n")
		return errors.New("boom")
	})
	require.Error(t, err)
	require.False(t, created)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}
