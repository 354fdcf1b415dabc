package download

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"stockexport-backend/internal/components/telemetry"

	"github.com/stretchr/testify/require"
)

func newTestWatcher(t *testing.T) Watcher {
	w := NewWatcher(telemetry.NewTestingAPI(t))
	w.PollInterval = 10 * time.Millisecond
	return w
}

func writeFile(t *testing.T, path string) {
	err := os.WriteFile(path, []byte("contents"), 0600)
	require.NoError(t, err)
}

func TestAwaitCompletionCompletedFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "previous-export.xlsx"))

	before, err := TakeSnapshot(dir)
	require.NoError(t, err)
	require.Equal(t, 1, before.Len())

	go func() {
		time.Sleep(30 * time.Millisecond)
		os.WriteFile(filepath.Join(dir, "inventario.xlsx"), []byte("contents"), 0600)
	}()

	path, err := newTestWatcher(t).AwaitCompletion(context.Background(), dir, before, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "inventario.xlsx"), path)
}

func TestAwaitCompletionWaitsForInProgressFile(t *testing.T) {
	dir := t.TempDir()
	before, err := TakeSnapshot(dir)
	require.NoError(t, err)

	partial := filepath.Join(dir, "inventario.xlsx.crdownload")
	writeFile(t, partial)

	go func() {
		time.Sleep(50 * time.Millisecond)
		os.Rename(partial, filepath.Join(dir, "inventario.xlsx"))
	}()

	path, err := newTestWatcher(t).AwaitCompletion(context.Background(), dir, before, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "inventario.xlsx"), path)
}

func TestAwaitCompletionIgnoresTemporaryFiles(t *testing.T) {
	dir := t.TempDir()
	before, err := TakeSnapshot(dir)
	require.NoError(t, err)

	writeFile(t, filepath.Join(dir, "chunk.tmp"))

	w := newTestWatcher(t)
	p, err := w.partition(dir, before)
	require.NoError(t, err)
	require.Empty(t, p.completed)
	require.Equal(t, []string{"chunk.tmp"}, p.inProgress)
}

func TestAwaitCompletionDegradedRecovery(t *testing.T) {
	dir := t.TempDir()
	before, err := TakeSnapshot(dir)
	require.NoError(t, err)

	writeFile(t, filepath.Join(dir, "inventario.xlsx.crdownload"))

	timeout := 80 * time.Millisecond
	path, err := newTestWatcher(t).AwaitCompletion(context.Background(), dir, before, timeout)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "inventario.xlsx"), path)

	_, err = os.Stat(path)
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "inventario.xlsx.crdownload"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestAwaitCompletionRenameFailure(t *testing.T) {
	dir := t.TempDir()
	before, err := TakeSnapshot(dir)
	require.NoError(t, err)

	writeFile(t, filepath.Join(dir, "inventario.xlsx.crdownload"))
	// a non-empty directory occupies the name the in-progress file would be renamed to
	err = os.MkdirAll(filepath.Join(dir, "inventario.xlsx", "occupied"), 0755)
	require.NoError(t, err)

	_, err = newTestWatcher(t).AwaitCompletion(context.Background(), dir, before, 50*time.Millisecond)
	require.ErrorIs(t, err, ErrDownloadRenameFailed)
}

func TestAwaitCompletionTimeout(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "previous-export.xlsx"))
	before, err := TakeSnapshot(dir)
	require.NoError(t, err)

	tel := telemetry.NewTestingAPI(t)
	w := NewWatcher(tel)
	w.PollInterval = 10 * time.Millisecond

	timeout := 120 * time.Millisecond
	start := time.Now()
	_, err = w.AwaitCompletion(context.Background(), dir, before, timeout)
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrDownloadTimeout)
	require.GreaterOrEqual(t, elapsed, timeout)
	require.NotEmpty(t, tel.Reports("warning", report_watcher_await_completion))
}

func TestAwaitCompletionListingError(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "missing")

	_, err := newTestWatcher(t).AwaitCompletion(context.Background(), dir, NewSnapshot(), time.Second)
	require.ErrorIs(t, err, ErrDownloadListing)
}

func TestAwaitCompletionContextCancelled(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestWatcher(t).AwaitCompletion(ctx, dir, NewSnapshot(), time.Second)
	require.ErrorIs(t, err, context.Canceled)
}
