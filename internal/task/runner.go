// Package task runs the warehouse export workflow: drive the export page, wait for the download,
// extract its rows and upload it.
package task

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"stockexport-backend/internal/admintotal"
	"stockexport-backend/internal/browser"
	"stockexport-backend/internal/components/assert"
	"stockexport-backend/internal/components/chrono"
	"stockexport-backend/internal/components/telemetry"
	"stockexport-backend/internal/download"
	"stockexport-backend/internal/gdrive"
	"stockexport-backend/internal/locate"
	"stockexport-backend/internal/runlog"
	"stockexport-backend/internal/sheet"
	"stockexport-backend/internal/warehouse"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("stockexport/task")
var meter = otel.Meter("stockexport/task")

const (
	report_runner_run        = "runner.run"
	report_runner_extract    = "runner.extract"
	report_runner_record_run = "runner.record-run"
)

var ErrBusy = errors.New("another export is in progress")

// Extractor reads the rows out of a downloaded export.
type Extractor interface {
	Extract(ctx context.Context, path string) ([]sheet.Row, error)
}

// Uploader sends a local file to a destination folder.
type Uploader interface {
	Upload(ctx context.Context, path, folderId string) (gdrive.File, error)
}

// RunRecorder keeps the outcome of every task.
type RunRecorder interface {
	Record(ctx context.Context, run runlog.Run) (runlog.Run, error)
}

type Config struct {
	Username string
	Password string

	DownloadDir string
	OutputDir   string
	// DiagnosticsDir receives the page state when the download link cannot be found, it is
	// disabled if empty.
	DiagnosticsDir string

	// DownloadTimeout bounds the wait for the file after the download link was clicked.
	DownloadTimeout time.Duration
	// StepTimeout bounds each page interaction (navigation, waiting for the form or the process
	// panel).
	StepTimeout time.Duration
	// SettleDelay is waited after the export was triggered so the job can finish before its
	// download link is looked for, 0 does not wait.
	SettleDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.DownloadDir == "" {
		c.DownloadDir = ".downloads"
	}
	if c.OutputDir == "" {
		c.OutputDir = "descargas-admintotal"
	}
	if c.DownloadTimeout <= 0 {
		c.DownloadTimeout = 2 * time.Minute
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = time.Minute
	}
	return c
}

// Dependencies are the collaborators of a Runner, Runs may be nil.
type Dependencies struct {
	Catalog   warehouse.Catalog
	Profile   admintotal.Profile
	Launcher  browser.Launcher
	Retrier   locate.Retrier
	Watcher   download.Watcher
	Extractor Extractor
	Uploader  Uploader
	Runs      RunRecorder
}

// Result is what a successful task produces.
type Result struct {
	Warehouse warehouse.Warehouse `json:"warehouse"`
	Filename  string              `json:"filename"`
	File      gdrive.File         `json:"file"`
	Rows      []sheet.Row         `json:"rows"`
	// RunId is the id of the task in the run log, it is empty without one.
	RunId string `json:"run_id,omitempty"`
}

// Runner is the WarehouseTask orchestrator. It runs one task at a time since every task shares
// the download directory.
type Runner struct {
	config      Config
	deps        Dependencies
	diagnostics DiagnosticsOutput
	time        chrono.TimeAPI
	tel         telemetry.API

	// slot is held by the running task, it is a channel so waiting can be abandoned.
	slot       chan struct{}
	runCounter metric.Int64Counter
}

type runnerOptions struct {
	time chrono.TimeAPI
	tel  telemetry.API
}

type RunnerOption func(opts *runnerOptions)

func WithTime(time chrono.TimeAPI) RunnerOption {
	return func(opts *runnerOptions) {
		opts.time = time
	}
}

func WithTelemetry(tel telemetry.API) RunnerOption {
	return func(opts *runnerOptions) {
		opts.tel = tel
	}
}

func NewRunner(config Config, deps Dependencies, options ...RunnerOption) (*Runner, error) {
	assert.NotNil(deps.Launcher, "launcher")
	assert.NotNil(deps.Extractor, "extractor")
	assert.NotNil(deps.Uploader, "uploader")

	opts := runnerOptions{
		time: chrono.NewStandardTime(),
		tel:  telemetry.SlogAPI{},
	}
	for _, opt := range options {
		opt(&opts)
	}

	runCounter, err := meter.Int64Counter(
		"task_runs_total",
		metric.WithDescription("The total amount of export tasks run, by status."),
	)
	if err != nil {
		return nil, err
	}

	tel := telemetry.NewScopedAPI("task", opts.tel)
	config = config.withDefaults()

	return &Runner{
		config:      config,
		deps:        deps,
		diagnostics: NewDiagnosticsOutput(config.DiagnosticsDir, tel),
		time:        opts.time,
		tel:         tel,
		slot:        make(chan struct{}, 1),
		runCounter:  runCounter,
	}, nil
}

// Catalog is the warehouse table the runner resolves names with.
func (r *Runner) Catalog() warehouse.Catalog {
	return r.deps.Catalog
}

// Run exports, extracts and uploads the inventory of the warehouse called `name`. Every failure is
// a *Error.
func (r *Runner) Run(ctx context.Context, name string) (Result, error) {
	ctx, span := tracer.Start(ctx, "runner:Run")
	defer span.End()

	w, err := r.deps.Catalog.Lookup(name)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.tel.ReportWarning(report_runner_run, err)
		return Result{}, &Error{Warehouse: name, State: Idle, Err: err}
	}
	span.SetAttributes(attribute.String("warehouse", w.Name))

	select {
	case r.slot <- struct{}{}:
	case <-ctx.Done():
		err := fmt.Errorf("%w: %w", ErrBusy, ctx.Err())
		return Result{}, &Error{Warehouse: w.Name, State: Idle, Err: err}
	}
	defer func() { <-r.slot }()

	started := r.time.Now()
	result, state, err := r.run(ctx, w)
	finished := r.time.Now()

	run := runlog.Run{
		Warehouse:  w.Name,
		StartedAt:  started,
		FinishedAt: finished,
		Status:     runlog.StatusOk,
		FileId:     result.File.Id,
		Rows:       len(result.Rows),
	}
	if err != nil {
		err = &Error{Warehouse: w.Name, State: state, Err: err}
		run.Status = runlog.StatusFailed
		run.FailedState = state.String()
		run.ErrorCode = Code(err)
		run.ErrorMessage = err.Error()

		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.tel.ReportBroken(report_runner_run, err)
	}
	r.runCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", string(run.Status)),
		attribute.String("warehouse", w.Name),
	))
	result.RunId = r.record(ctx, run)

	if err != nil {
		return Result{}, err
	}
	r.tel.ReportDebug("export finished", w.Name, finished.Sub(started).String(), len(result.Rows))
	return result, nil
}

func (r *Runner) record(ctx context.Context, run runlog.Run) string {
	if r.deps.Runs == nil {
		return ""
	}
	// the outcome is still worth keeping if the caller went away
	saved, err := r.deps.Runs.Record(context.WithoutCancel(ctx), run)
	if err != nil {
		r.tel.ReportWarning(report_runner_record_run, err)
		return ""
	}
	return saved.Id
}

// closeOnce makes every call after the first a no-op.
func closeOnce(session browser.Session) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			session.Close()
		})
	}
}

func (r *Runner) step(ctx context.Context, name string) (context.Context, func()) {
	ctx, span := tracer.Start(ctx, fmt.Sprintf("runner:%s", name))
	return ctx, func() { span.End() }
}

func (r *Runner) run(ctx context.Context, w warehouse.Warehouse) (Result, State, error) {
	state := Idle
	result := Result{Warehouse: w, Filename: w.Filename()}

	stepCtx, end := r.step(ctx, "Launch")
	session, err := r.deps.Launcher.Launch(stepCtx, r.config.DownloadDir)
	end()
	if err != nil {
		return Result{}, state, err
	}
	closeSession := closeOnce(session)
	defer closeSession()

	err = r.prepare(ctx, session)
	if err != nil {
		return Result{}, state, err
	}
	state = BrowserReady

	err = r.configureFilters(ctx, session, w)
	if err != nil {
		return Result{}, state, err
	}
	state = FiltersConfigured

	err = r.triggerExport(ctx, session)
	if err != nil {
		return Result{}, state, err
	}
	state = ExportTriggered

	err = r.settle(ctx)
	if err != nil {
		return Result{}, state, err
	}

	before, err := download.TakeSnapshot(r.config.DownloadDir)
	if err != nil {
		return Result{}, state, err
	}
	stepCtx, end = r.step(ctx, "LocateDownload")
	_, err = r.deps.Retrier.LocateAndInvoke(stepCtx, session, r.deps.Profile.DownloadLocators())
	end()
	if err != nil {
		var notFound *locate.ActionNotFoundError
		if errors.As(err, &notFound) {
			written := r.diagnostics.Write(w.Name, r.time.Now(), notFound.Diagnostics)
			r.tel.ReportDebug("wrote diagnostics", written)
		}
		return Result{}, state, err
	}
	state = DownloadLocated

	stepCtx, end = r.step(ctx, "AwaitDownload")
	downloaded, err := r.deps.Watcher.AwaitCompletion(stepCtx, r.config.DownloadDir, before, r.config.DownloadTimeout)
	end()
	if err != nil {
		return Result{}, state, err
	}
	closeSession()

	local := filepath.Join(r.config.OutputDir, result.Filename)
	err = relocate(downloaded, local)
	if err != nil {
		return Result{}, state, err
	}
	state = FileRelocated

	stepCtx, end = r.step(ctx, "Extract")
	rows, err := r.deps.Extractor.Extract(stepCtx, local)
	end()
	if err != nil {
		r.tel.ReportWarning(report_runner_extract, err, local)
		rows = []sheet.Row{}
	}
	result.Rows = rows
	state = DataExtracted

	folder, ok := r.deps.Catalog.Folder(result.Filename)
	if !ok {
		return Result{}, state, fmt.Errorf("%w: '%s'", ErrNoDestinationConfigured, result.Filename)
	}

	stepCtx, end = r.step(ctx, "Upload")
	file, err := r.deps.Uploader.Upload(stepCtx, local, folder)
	end()
	if err != nil {
		return Result{}, state, err
	}
	result.File = file
	state = Uploaded

	err = os.Remove(local)
	if err != nil {
		r.tel.ReportWarning(report_runner_run, fmt.Errorf("remove uploaded file: %w", err), local)
	}

	return result, Done, nil
}

// prepare navigates to the export page, logging in if the page asks for it.
func (r *Runner) prepare(ctx context.Context, session browser.Session) error {
	ctx, end := r.step(ctx, "Prepare")
	defer end()

	profile := r.deps.Profile

	navCtx, cancel := context.WithTimeout(ctx, r.config.StepTimeout)
	defer cancel()
	err := session.Navigate(navCtx, profile.Url)
	if err != nil {
		return fmt.Errorf("navigate: %w", err)
	}

	loginRequired, err := session.Exists(ctx, profile.Login.UsernameSelector)
	if err != nil {
		return err
	}
	if !loginRequired {
		return nil
	}

	r.tel.ReportDebug("logging in")
	authCtx, cancelAuth := context.WithTimeout(ctx, r.config.StepTimeout)
	defer cancelAuth()
	err = session.Authenticate(authCtx, profile.Login, r.config.Username, r.config.Password)
	if err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	return nil
}

func (r *Runner) applyFilters(ctx context.Context, session browser.Session, filters []admintotal.FieldValue) error {
	for _, f := range filters {
		err := session.SetField(ctx, f.Field, f.Value)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrFilterConfigurationFailed, err)
		}
	}
	return nil
}

// mismatched returns the filters whose value on the page differs from what was set.
func (r *Runner) mismatched(ctx context.Context, session browser.Session, filters []admintotal.FieldValue) ([]admintotal.FieldValue, error) {
	var out []admintotal.FieldValue
	for _, f := range filters {
		value, err := session.FieldValue(ctx, f.Field)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFilterConfigurationFailed, err)
		}
		if value != f.Value {
			out = append(out, f)
		}
	}
	return out, nil
}

func (r *Runner) configureFilters(ctx context.Context, session browser.Session, w warehouse.Warehouse) error {
	ctx, end := r.step(ctx, "ConfigureFilters")
	defer end()

	profile := r.deps.Profile

	waitCtx, cancel := context.WithTimeout(ctx, r.config.StepTimeout)
	defer cancel()
	err := session.WaitVisible(waitCtx, profile.FormReadySelector)
	if err != nil {
		return fmt.Errorf("%w: form never became ready: %w", ErrFilterConfigurationFailed, err)
	}

	filters := profile.Filters(w)
	pending := filters
	for attempt := 0; attempt <= profile.FilterReapplies; attempt++ {
		err = r.applyFilters(ctx, session, pending)
		if err != nil {
			return err
		}
		pending, err = r.mismatched(ctx, session, filters)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			return nil
		}
		r.tel.ReportDebug("filters did not persist", attempt, len(pending))
	}

	selectors := make([]string, len(pending))
	for i, f := range pending {
		selectors[i] = f.Field.Selector
	}
	return fmt.Errorf("%w: %v", ErrFilterConfigurationFailed, selectors)
}

func (r *Runner) triggerExport(ctx context.Context, session browser.Session) error {
	ctx, end := r.step(ctx, "TriggerExport")
	defer end()

	profile := r.deps.Profile
	clicks := profile.ExportClicks
	if clicks <= 0 {
		clicks = 1
	}
	for i := 0; i < clicks; i++ {
		err := session.Click(ctx, profile.ExportSelector)
		if err != nil {
			return fmt.Errorf("click export: %w", err)
		}
	}

	waitCtx, cancel := context.WithTimeout(ctx, r.config.StepTimeout)
	defer cancel()
	err := session.WaitVisible(waitCtx, profile.ProcessPanelSelector)
	if err != nil {
		return fmt.Errorf("wait for process panel: %w", err)
	}
	return nil
}

// settle gives the export job SettleDelay to finish.
func (r *Runner) settle(ctx context.Context) error {
	if r.config.SettleDelay <= 0 {
		return nil
	}
	r.tel.ReportDebug("waiting for export job", r.config.SettleDelay.String())
	timer := time.NewTimer(r.config.SettleDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for export job: %w", ctx.Err())
	}
}

// relocate moves `source` to `target`, replacing it, copying when a rename is not possible (ex.
// across filesystems).
func relocate(source, target string) error {
	err := os.MkdirAll(filepath.Dir(target), 0755)
	if err != nil {
		return err
	}
	err = os.Rename(source, target)
	if err == nil {
		return nil
	}

	in, openErr := os.Open(source)
	if openErr != nil {
		return fmt.Errorf("relocate: %w", errors.Join(err, openErr))
	}
	defer in.Close()
	out, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("relocate: %w", err)
	}
	_, err = io.Copy(out, in)
	closeErr := out.Close()
	if err != nil || closeErr != nil {
		return fmt.Errorf("relocate: %w", errors.Join(err, closeErr))
	}
	in.Close()
	return os.Remove(source)
}
