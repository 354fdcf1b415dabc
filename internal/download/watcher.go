// Package download detects when a browser-triggered download has finished writing to disk.
//
// Browser download managers hold a placeholder file (ex. `report.xlsx.crdownload`) while the
// transfer is in progress and rename it once it is done, so "a new file exists" is not the same as
// "the download finished". The watcher diffs the directory against a snapshot taken before the
// download was triggered and only resolves once a new file without an in-progress suffix exists.
package download

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"stockexport-backend/internal/components/telemetry"
)

const (
	report_watcher_await_completion = "watcher.await-completion"
)

var (
	ErrDownloadTimeout      = errors.New("timed out waiting for download to complete")
	ErrDownloadRenameFailed = errors.New("timed out waiting for download and failed to recover in-progress file")
	ErrDownloadListing      = errors.New("failed to list download directory")
)

// Snapshot is the set of filenames present in the download directory before a download began.
type Snapshot struct {
	names map[string]struct{}
}

// NewSnapshot creates a snapshot out of a list of names.
func NewSnapshot(names ...string) Snapshot {
	s := Snapshot{names: make(map[string]struct{}, len(names))}
	for _, n := range names {
		s.names[n] = struct{}{}
	}
	return s
}

// TakeSnapshot lists `dir`, creating it if it does not exist yet.
func TakeSnapshot(dir string) (Snapshot, error) {
	err := os.MkdirAll(dir, 0755)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %w", ErrDownloadListing, err)
	}
	names, err := listNames(dir)
	if err != nil {
		return Snapshot{}, err
	}
	return NewSnapshot(names...), nil
}

func (s Snapshot) Contains(name string) bool {
	_, ok := s.names[name]
	return ok
}

func (s Snapshot) Len() int {
	return len(s.names)
}

func listNames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDownloadListing, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	// os.ReadDir already sorts by filename, sorting again makes the order explicit
	sort.Strings(names)
	return names, nil
}

// DefaultInProgressSuffixes are the markers chromium puts on files it is still writing.
var DefaultInProgressSuffixes = []string{".crdownload", ".tmp"}

const DefaultPollInterval = time.Second

// Watcher is the DownloadCompletionWatcher.
type Watcher struct {
	PollInterval       time.Duration
	InProgressSuffixes []string

	tel telemetry.API
}

// NewWatcher creates a watcher with the default poll interval and suffixes.
func NewWatcher(tel telemetry.API) Watcher {
	return Watcher{
		PollInterval:       DefaultPollInterval,
		InProgressSuffixes: DefaultInProgressSuffixes,
		tel:                telemetry.NewScopedAPI("download", tel),
	}
}

func (w Watcher) reporter() telemetry.API {
	if w.tel == nil {
		return telemetry.NewScopedAPI("download", telemetry.SlogAPI{})
	}
	return w.tel
}

func (w Watcher) inProgressSuffix(name string) (string, bool) {
	for _, suffix := range w.InProgressSuffixes {
		if strings.HasSuffix(name, suffix) {
			return suffix, true
		}
	}
	return "", false
}

type partition struct {
	inProgress []string
	completed  []string
}

func (w Watcher) partition(dir string, before Snapshot) (partition, error) {
	names, err := listNames(dir)
	if err != nil {
		return partition{}, err
	}
	var p partition
	for _, name := range names {
		if before.Contains(name) {
			continue
		}
		_, inProgress := w.inProgressSuffix(name)
		if inProgress {
			p.inProgress = append(p.inProgress, name)
			continue
		}
		p.completed = append(p.completed, name)
	}
	return p, nil
}

// AwaitCompletion polls `dir` until a file that is not in `before` and carries no in-progress
// suffix appears, returning its path. The first completed file wins.
//
// If `timeout` elapses and only in-progress files appeared, the first one is renamed to drop its
// suffix and returned in its place, usually the transfer has already finished and only the
// browser's own rename is pending.
func (w Watcher) AwaitCompletion(ctx context.Context, dir string, before Snapshot, timeout time.Duration) (string, error) {
	interval := w.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	tel := w.reporter()
	start := time.Now()
	deadline := start.Add(timeout)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}

		p, err := w.partition(dir, before)
		if err != nil {
			tel.ReportBroken(report_watcher_await_completion, err, dir)
			return "", err
		}

		tel.ReportDebug(
			"polled download directory",
			"in_progress", len(p.inProgress),
			"completed", len(p.completed),
		)

		if len(p.completed) > 0 {
			path := filepath.Join(dir, p.completed[0])
			tel.ReportDebug("download complete", path, time.Since(start).String())
			return path, nil
		}

		if time.Now().Before(deadline) {
			continue
		}

		if len(p.inProgress) == 0 {
			err := fmt.Errorf("%w (%s)", ErrDownloadTimeout, timeout)
			tel.ReportWarning(report_watcher_await_completion, err, dir)
			return "", err
		}

		return w.recover(dir, p.inProgress[0])
	}
}

func (w Watcher) recover(dir, name string) (string, error) {
	tel := w.reporter()
	suffix, _ := w.inProgressSuffix(name)
	source := filepath.Join(dir, name)
	target := filepath.Join(dir, strings.TrimSuffix(name, suffix))

	tel.ReportWarning(
		report_watcher_await_completion,
		"timeout reached with an in-progress download, attempting to use it",
		source,
	)

	err := os.Rename(source, target)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrDownloadRenameFailed, err)
		tel.ReportBroken(report_watcher_await_completion, err, source)
		return "", err
	}
	return target, nil
}
