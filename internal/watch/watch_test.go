package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWaitForFilesAlreadyPresent(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.npy")
	require.NoError(t, os.WriteFile(a, nil, 0o644))

	missing, err := WaitForFiles(context.Background(), []string{a}, time.Second)
	require.NoError(t, err)
	require.Empty(t, missing)
}

func TestWaitForFilesSeesRename(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.npy")
	b := filepath.Join(dir, "b.npy")
	require.NoError(t, os.WriteFile(a, nil, 0o644))

	go func() {
		time.Sleep(50 * time.Millisecond)
		tmp := b + ".tmp"
		_ = os.WriteFile(tmp, []byte("x"), 0o644)
		_ = os.Rename(tmp, b)
	}()

	missing, err := WaitForFiles(context.Background(), []string{a, b}, 5*time.Second)
	require.NoError(t, err)
	require.Empty(t, missing)
}

func TestWaitForFilesTimeout(t *testing.T) {
	dir := t.TempDir()
	c := filepath.Join(dir, "c.npy")

	missing, err := WaitForFiles(context.Background(), []string{c}, 50*time.Millisecond)
	require.True(t, ErrTimeout.Has(err))
	require.Equal(t, []string{c}, missing)
}
