package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRunLedger(t *testing.T) {
	st, err := New(DriverPure, filepath.Join(t.TempDir(), "cutout.db"))
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, st.RecordRunStart(RunRecord{ID: "run-1", Mode: "sequential/match", InputPath: "in.csv", Units: 3}))
	require.NoError(t, st.RecordFieldResult(FieldAttempt{RunID: "run-1", FieldKey: "301/1000/1/27", Status: StatusCompleted, Records: 2, Duration: 1500 * time.Millisecond}))
	require.NoError(t, st.RecordFieldResult(FieldAttempt{RunID: "run-1", FieldKey: "301/1000/1/28", Status: StatusFailed, Error: "transient io: giving up"}))
	require.NoError(t, st.RecordRunEnd("run-1", StatusCompleted, Counts{Attempted: 2, Completed: 1, Failed: 1, Records: 2}, ""))

	runs, err := st.RecentRuns(10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, StatusCompleted, runs[0].Status)
	require.Equal(t, 1, runs[0].Failed)
	require.NotNil(t, runs[0].FinishedAt)

	fields, err := st.RunFields("run-1")
	require.NoError(t, err)
	require.Len(t, fields, 2)
	require.Equal(t, 1500*time.Millisecond, fields[0].Duration)
	require.Equal(t, "transient io: giving up", fields[1].Error)
}

func TestNilStoreIsNoop(t *testing.T) {
	var st *Store
	require.NoError(t, st.RecordRunStart(RunRecord{ID: "x"}))
	require.NoError(t, st.RecordFieldResult(FieldAttempt{}))
	require.NoError(t, st.Close())
	_, err := st.RecentRuns(1)
	require.Error(t, err)
}

func TestUnknownDriver(t *testing.T) {
	_, err := New("postgres", "x")
	require.Error(t, err)
}
