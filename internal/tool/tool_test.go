package tool

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"cutout/internal/config"
)

func TestCheckMapsLogicalNames(t *testing.T) {
	cfg := config.Default()
	m := NewManager(cfg, nil)
	var asked []string
	m.lookPath = func(name string) (string, error) {
		asked = append(asked, name)
		if name == "sex" {
			return "/usr/bin/sex", nil
		}
		return "", errors.New("not found")
	}

	st := m.Check("sextractor")
	require.True(t, st.Available)
	require.Equal(t, "/usr/bin/sex", st.Path)

	all := m.CheckAll()
	require.Len(t, all, 3)
	require.False(t, all[0].Available)
	require.Contains(t, asked, "mGetHdr")
	require.Contains(t, asked, "mProjectPP")
}

func TestExecFailureIsExternalToolError(t *testing.T) {
	_, err := Exec{}.Run(context.Background(), t.TempDir(), "cutout-no-such-binary-xyz")
	require.Error(t, err)
	require.True(t, ErrExternalTool.Has(err))
}
