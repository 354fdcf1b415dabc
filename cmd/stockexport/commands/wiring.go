package commands

import (
	"context"
	"errors"

	"stockexport-backend/internal/browser"
	"stockexport-backend/internal/components/telemetry"
	"stockexport-backend/internal/config"
	"stockexport-backend/internal/download"
	"stockexport-backend/internal/gauth"
	"stockexport-backend/internal/gdrive"
	"stockexport-backend/internal/locate"
	"stockexport-backend/internal/runlog"
	"stockexport-backend/internal/sheet"
	"stockexport-backend/internal/task"
)

var (
	errMissingClientId = errors.New("google.oauth.client_id is not configured (set CLIENT_ID)")
	errRunLogDisabled  = errors.New("paths.database is empty")
)

type google struct {
	tokens *gauth.Manager
	drive  *gdrive.Client
}

func newGoogle(cfg config.Config, tel telemetry.API) (google, error) {
	if cfg.Google.OAuth.ClientId == "" {
		return google{}, errMissingClientId
	}
	tokens, err := gauth.NewManager(cfg.Google.OAuth, gauth.WithTelemetry(tel))
	if err != nil {
		return google{}, err
	}
	return google{
		tokens: tokens,
		drive:  gdrive.NewClient(cfg.Google.Drive, tokens, tel),
	}, nil
}

// openRuns returns nil if the run log is disabled.
func openRuns(ctx context.Context, cfg config.Config) (*runlog.Store, error) {
	if cfg.Paths.Database == "" {
		return nil, nil
	}
	return runlog.Open(ctx, cfg.Paths.Database)
}

func newRunner(cfg config.Config, g google, runs *runlog.Store, tel telemetry.API) (*task.Runner, error) {
	durations, err := cfg.Durations()
	if err != nil {
		return nil, err
	}
	taskConfig, err := cfg.Task()
	if err != nil {
		return nil, err
	}

	retrier := locate.NewRetrier(tel)
	retrier.MaxAttempts = cfg.Timing.RetryAttempts
	retrier.Delay = durations.RetryDelay

	watcher := download.NewWatcher(tel)
	watcher.PollInterval = durations.PollInterval
	if len(cfg.Timing.InProgress) > 0 {
		watcher.InProgressSuffixes = cfg.Timing.InProgress
	}

	deps := task.Dependencies{
		Catalog:   cfg.Catalog(),
		Profile:   cfg.Site.Profile,
		Launcher:  browser.NewChromeLauncher(cfg.Headless(), cfg.Site.ChromePath, tel),
		Retrier:   retrier,
		Watcher:   watcher,
		Extractor: sheet.NewExtractor(),
		Uploader:  g.drive,
	}
	if runs != nil {
		deps.Runs = runs
	}
	return task.NewRunner(taskConfig, deps, task.WithTelemetry(tel))
}
