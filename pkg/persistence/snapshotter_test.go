package persistence

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/semantest/nodejs.server-sub008/pkg/types"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func staticSource(jobs []types.Job) func() []types.Job {
	return func() []types.Job { return jobs }
}

func listSnapshots(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, snapshotPattern))
	require.NoError(t, err)
	return matches
}

func TestSnapshotNowWritesJSONL(t *testing.T) {
	dir := t.TempDir()
	jobs := []types.Job{
		{ID: "job-1", Priority: types.PriorityHigh, Status: types.JobPending, CorrelationID: "c1"},
		{ID: "job-2", Priority: types.PriorityLow, Status: types.JobProcessing, CorrelationID: "c2"},
	}

	s := NewSnapshotter(types.SnapshotConfig{
		Enabled:   true,
		Directory: dir,
		MaxFiles:  5,
	}, staticSource(jobs), testLogger(), nil)

	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, s.SnapshotNow())

	files := listSnapshots(t, dir)
	require.Len(t, files, 1)

	f, err := os.Open(files[0])
	require.NoError(t, err)
	defer f.Close()

	var decoded []types.Job
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var job types.Job
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &job))
		decoded = append(decoded, job)
	}
	require.NoError(t, scanner.Err())

	require.Len(t, decoded, 2)
	assert.Equal(t, "job-1", decoded[0].ID)
	assert.Equal(t, types.PriorityHigh, decoded[0].Priority)
	assert.Equal(t, "job-2", decoded[1].ID)
	assert.Equal(t, types.JobProcessing, decoded[1].Status)

	stats := s.GetStats()
	assert.Equal(t, int64(1), stats.SnapshotsWritten)
	assert.Equal(t, 2, stats.JobsInLast)
	assert.True(t, s.IsHealthy())
}

func TestSnapshotPruneKeepsMaxFiles(t *testing.T) {
	dir := t.TempDir()
	s := NewSnapshotter(types.SnapshotConfig{
		Enabled:   true,
		Directory: dir,
		MaxFiles:  3,
	}, staticSource(nil), testLogger(), nil)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.SnapshotNow())
	}

	files := listSnapshots(t, dir)
	assert.Len(t, files, 3)

	stats := s.GetStats()
	assert.Equal(t, int64(5), stats.SnapshotsWritten)
	assert.Equal(t, int64(2), stats.FilesPruned)
}

func TestSnapshotterDisabled(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "never-created")
	s := NewSnapshotter(types.SnapshotConfig{
		Enabled:   false,
		Directory: dir,
	}, staticSource(nil), testLogger(), nil)

	require.NoError(t, s.Start())
	s.Stop()

	_, err := os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
	assert.True(t, s.IsHealthy())
}

func TestStopWritesFinalSnapshot(t *testing.T) {
	dir := t.TempDir()
	s := NewSnapshotter(types.SnapshotConfig{
		Enabled:    true,
		Directory:  dir,
		IntervalMS: 60000,
		MaxFiles:   5,
	}, staticSource([]types.Job{{ID: "job-1"}}), testLogger(), nil)

	require.NoError(t, s.Start())
	time.Sleep(10 * time.Millisecond)
	s.Stop()

	files := listSnapshots(t, dir)
	require.NotEmpty(t, files)
	assert.Equal(t, 1, s.GetStats().JobsInLast)
}

func TestSnapshotFailureMarksUnhealthy(t *testing.T) {
	s := NewSnapshotter(types.SnapshotConfig{
		Enabled:   true,
		Directory: filepath.Join(t.TempDir(), "missing", "deeper"),
		MaxFiles:  3,
	}, staticSource(nil), testLogger(), nil)

	require.Error(t, s.SnapshotNow())
	assert.False(t, s.IsHealthy())
	assert.Equal(t, int64(1), s.GetStats().SnapshotsFailed)
	assert.NotEmpty(t, s.GetStats().LastError)
}
