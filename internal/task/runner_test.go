package task

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"stockexport-backend/internal/admintotal"
	"stockexport-backend/internal/browser"
	"stockexport-backend/internal/browser/browsertest"
	"stockexport-backend/internal/components/telemetry"
	"stockexport-backend/internal/download"
	"stockexport-backend/internal/gdrive"
	"stockexport-backend/internal/locate"
	"stockexport-backend/internal/runlog"
	"stockexport-backend/internal/sheet"
	"stockexport-backend/internal/warehouse"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

const loginPage = `<html><head><title>Acceso</title></head><body><form>
	<input type="text" name="username">
	<input type="password" name="password">
	<button type="submit">Entrar</button>
</form></body></html>`

const filterForm = `<form>
	<input type="checkbox" name="usar_posicion">
	<input type="checkbox" name="con_existencia">
	<select name="almacen">
		<option value="9">MATRIZ</option>
		<option value="203738">SAHUARO</option>
	</select>
	<input type="text" name="desde_anaquel">
	<input type="text" name="hasta_anaquel">
	<a href="javascript:enviar('xls');">Excel</a>
</form>`

func exportPage(panel string) string {
	return fmt.Sprintf(`<html><head><title>Descarga de archivos</title></head><body>%s%s</body></html>`, filterForm, panel)
}

func processPanel(items string) string {
	return fmt.Sprintf(`<div class="slide-panel process-center-wrapper visible"><div class="content"><ul>%s</ul></div></div>`, items)
}

const (
	runningItem  = `<li>inventario_fisico.xlsx (procesando...)</li>`
	downloadItem = `<li><a href="/admin/procesos/descargar_archivo/8812/">inventario_fisico.xlsx</a></li>`
	olderItem    = `<li><a href="/admin/procesos/descargar_archivo/1111/">inventario_fisico.xlsx</a></li>`
)

func writeInventory(t *testing.T, path string) {
	f := excelize.NewFile()
	defer f.Close()

	grid := [][]any{
		{"Codigo", "Descripcion", "Linea", "Marca", "Unidad", "Costo", "Posicion", "", "", "", "", "", "", "Existencia"},
		{"A-100", "Tornillo", "", "", "PZA", 1.5, "P1-03", "", "", "", "", "", "", 40},
		{"A-101", "Tuerca", "", "", "PZA", 0.5, "P1-04", "", "", "", "", "", "", 12},
	}
	for i, row := range grid {
		addr, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow("Sheet1", addr, &row))
	}
	require.NoError(t, f.SaveAs(path))
}

type fakeSite struct {
	t        *testing.T
	profile  admintotal.Profile
	page     *browsertest.Page
	launcher *browsertest.Launcher

	// revealAfter is the number of polls after which the download link shows up, 0 means never.
	revealAfter int
	// download writes the file the browser would download into dir.
	download func(dir string)
	// olderJobs are listed in the process panel below the job the task triggered.
	olderJobs string
}

func newFakeSite(t *testing.T, revealAfter int, download func(dir string)) *fakeSite {
	site := &fakeSite{
		t:           t,
		profile:     admintotal.DefaultProfile(),
		page:        browsertest.NewPage(loginPage),
		revealAfter: revealAfter,
		download:    download,
	}
	site.launcher = &browsertest.Launcher{Page: site.page}

	site.page.OnAuthenticate = func(p *browsertest.Page, username, password string) error {
		if username != "inventarios" || password != "secreto" {
			return errors.New("bad credentials")
		}
		p.SetHTML(exportPage(""))
		return nil
	}
	site.page.OnClick = func(p *browsertest.Page, selector string) error {
		if selector == site.profile.ExportSelector {
			p.SetHTML(exportPage(processPanel(runningItem + site.olderJobs)))
		}
		return nil
	}
	site.page.OnQuery = func(p *browsertest.Page, selector string, count int) {
		if selector == site.profile.DownloadSelectors[0] && site.revealAfter > 0 && count == site.revealAfter {
			p.SetHTML(exportPage(processPanel(downloadItem + site.olderJobs)))
		}
	}
	site.page.OnInvoke = func(p *browsertest.Page, element browser.Element) error {
		if site.download != nil {
			site.download(p.DownloadDir)
		}
		return nil
	}
	return site
}

type upload struct {
	path     string
	folder   string
	contents []byte
}

type fakeUploader struct {
	mutex   sync.Mutex
	uploads []upload
	err     error
	// block, if set, is waited on before the upload returns.
	block chan struct{}
}

func (u *fakeUploader) Upload(ctx context.Context, path, folderId string) (gdrive.File, error) {
	if u.block != nil {
		<-u.block
	}
	u.mutex.Lock()
	defer u.mutex.Unlock()

	contents, err := os.ReadFile(path)
	if err != nil {
		return gdrive.File{}, &gdrive.UploadError{Kind: gdrive.KindMissingFile, Err: err}
	}
	u.uploads = append(u.uploads, upload{path: path, folder: folderId, contents: contents})
	if u.err != nil {
		return gdrive.File{}, u.err
	}
	return gdrive.File{
		Id:      fmt.Sprintf("file-%d", len(u.uploads)),
		Name:    filepath.Base(path),
		Parents: []string{folderId},
	}, nil
}

func (u *fakeUploader) Uploads() []upload {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	return append([]upload(nil), u.uploads...)
}

type fixture struct {
	config   Config
	site     *fakeSite
	uploader *fakeUploader
	runs     *runlog.Store
	tel      *telemetry.TestingAPI
	runner   *Runner
}

func newFixture(t *testing.T, site *fakeSite, catalog warehouse.Catalog, configure ...func(*Config)) *fixture {
	dir := t.TempDir()
	config := Config{
		Username:        "inventarios",
		Password:        "secreto",
		DownloadDir:     filepath.Join(dir, "downloads"),
		OutputDir:       filepath.Join(dir, "output"),
		DiagnosticsDir:  filepath.Join(dir, "diagnostics"),
		DownloadTimeout: 200 * time.Millisecond,
		StepTimeout:     time.Second,
	}
	for _, c := range configure {
		c(&config)
	}

	tel := telemetry.NewTestingAPI(t)

	retrier := locate.NewRetrier(tel)
	retrier.MaxAttempts = 5
	retrier.Delay = time.Millisecond

	watcher := download.NewWatcher(tel)
	watcher.PollInterval = 5 * time.Millisecond

	runs, err := runlog.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { runs.Close() })

	uploader := &fakeUploader{}
	runner, err := NewRunner(config, Dependencies{
		Catalog:   catalog,
		Profile:   site.profile,
		Launcher:  site.launcher,
		Retrier:   retrier,
		Watcher:   watcher,
		Extractor: sheet.NewExtractor(),
		Uploader:  uploader,
		Runs:      runs,
	}, WithTelemetry(tel))
	require.NoError(t, err)

	return &fixture{
		config:   config,
		site:     site,
		uploader: uploader,
		runs:     runs,
		tel:      tel,
		runner:   runner,
	}
}

func requireTaskError(t *testing.T, err error, target error, state State) *Error {
	require.ErrorIs(t, err, target)
	var taskErr *Error
	require.True(t, errors.As(err, &taskErr), "expected a *task.Error, got %T", err)
	require.Equal(t, state, taskErr.State, "failed in %s", taskErr.State)
	return taskErr
}

func TestRunMatriz(t *testing.T) {
	site := newFakeSite(t, 3, func(dir string) {
		writeInventory(t, filepath.Join(dir, "inventario_fisico.xlsx"))
	})
	f := newFixture(t, site, warehouse.DefaultCatalog())

	result, err := f.runner.Run(context.Background(), " matriz ")
	require.NoError(t, err)

	require.Equal(t, warehouse.Warehouse{Name: "MATRIZ", FilterCode: "9", ShelfCode: "DIARIOMTZ"}, result.Warehouse)
	require.Equal(t, "MATRIZ.xlsx", result.Filename)
	require.Equal(t, "file-1", result.File.Id)

	expectedRows := []sheet.Row{
		{Position: "P1-03", Quantity: "40"},
		{Position: "P1-04", Quantity: "12"},
	}
	if diff := cmp.Diff(expectedRows, result.Rows); diff != "" {
		t.Fatal("unexpected rows", diff)
	}

	// login happened with the configured credentials and the filters stuck
	require.True(t, site.page.Authenticated)
	expectedFields := map[string]string{
		`input[name="usar_posicion"]`:  "true",
		`input[name="con_existencia"]`: "true",
		`select[name="almacen"]`:       "9",
		`input[name="desde_anaquel"]`:  "DIARIOMTZ",
		`input[name="hasta_anaquel"]`:  "DIARIOMTZ",
	}
	if diff := cmp.Diff(expectedFields, site.page.Fields()); diff != "" {
		t.Fatal("unexpected form state", diff)
	}
	require.Equal(t, []string{site.profile.ExportSelector}, site.page.Clicks())
	require.Len(t, site.page.Invocations(), 1)
	require.Equal(t, 3, site.page.QueryCount(site.profile.DownloadSelectors[0]))
	require.Equal(t, 1, site.page.Closes())

	uploads := f.uploader.Uploads()
	require.Len(t, uploads, 1)
	folder, _ := warehouse.DefaultCatalog().Folder("MATRIZ.xlsx")
	require.Equal(t, filepath.Join(f.config.OutputDir, "MATRIZ.xlsx"), uploads[0].path)
	require.Equal(t, folder, uploads[0].folder)
	require.NotEmpty(t, uploads[0].contents)

	// the canonical file is removed once uploaded, and the raw download was moved out of the
	// download directory
	_, err = os.Stat(uploads[0].path)
	require.ErrorIs(t, err, os.ErrNotExist)
	_, err = os.Stat(filepath.Join(f.config.DownloadDir, "inventario_fisico.xlsx"))
	require.ErrorIs(t, err, os.ErrNotExist)

	runs, err := f.runs.List(context.Background(), "", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, result.RunId, runs[0].Id)
	require.Equal(t, runlog.StatusOk, runs[0].Status)
	require.Equal(t, "file-1", runs[0].FileId)
	require.Equal(t, 2, runs[0].Rows)
}

func TestRunSkipsLoginWhenAlreadyAuthenticated(t *testing.T) {
	site := newFakeSite(t, 1, func(dir string) {
		writeInventory(t, filepath.Join(dir, "inventario_fisico.xlsx"))
	})
	site.page.SetHTML(exportPage(""))
	f := newFixture(t, site, warehouse.DefaultCatalog())

	_, err := f.runner.Run(context.Background(), "MATRIZ")
	require.NoError(t, err)
	require.False(t, site.page.Authenticated)
}

func TestRunUnparseableSpreadsheetStillUploads(t *testing.T) {
	site := newFakeSite(t, 2, func(dir string) {
		err := os.WriteFile(filepath.Join(dir, "inventario_fisico.xlsx"), []byte("<html>not a workbook</html>"), 0644)
		require.NoError(t, err)
	})
	f := newFixture(t, site, warehouse.DefaultCatalog())

	result, err := f.runner.Run(context.Background(), "SAHUARO")
	require.NoError(t, err)
	require.Empty(t, result.Rows)
	require.NotNil(t, result.Rows)

	uploads := f.uploader.Uploads()
	require.Len(t, uploads, 1)
	folder, _ := warehouse.DefaultCatalog().Folder("SAHUARO.xlsx")
	require.Equal(t, folder, uploads[0].folder)
	require.Equal(t, "SAHUARO.xlsx", filepath.Base(uploads[0].path))
	require.NotEmpty(t, f.tel.Reports("warning", report_runner_extract))
}

func TestRunNoDestinationConfigured(t *testing.T) {
	catalog := warehouse.NewCatalog(
		[]warehouse.Warehouse{{Name: "FOO", FilterCode: "9", ShelfCode: "DIARIOFOO"}},
		map[string]string{"MATRIZ.xlsx": "folder-mtz"},
	)
	site := newFakeSite(t, 1, func(dir string) {
		writeInventory(t, filepath.Join(dir, "inventario_fisico.xlsx"))
	})
	f := newFixture(t, site, catalog)

	_, err := f.runner.Run(context.Background(), "foo")
	taskErr := requireTaskError(t, err, ErrNoDestinationConfigured, DataExtracted)
	require.Equal(t, "FOO", taskErr.Warehouse)
	require.Contains(t, err.Error(), "FOO.xlsx")
	require.Empty(t, f.uploader.Uploads())
	require.Equal(t, 1, site.page.Closes())
	require.Equal(t, "no_destination_configured", Code(err))
}

func TestRunInvalidWarehouse(t *testing.T) {
	site := newFakeSite(t, 1, nil)
	f := newFixture(t, site, warehouse.DefaultCatalog())

	for _, name := range []string{"BODEGA", "", "SAHUAROS"} {
		_, err := f.runner.Run(context.Background(), name)
		requireTaskError(t, err, warehouse.ErrInvalidWarehouse, Idle)
		require.Equal(t, "invalid_warehouse", Code(err))
	}
	require.Equal(t, 0, site.launcher.Launches())
	require.Empty(t, site.page.Navigations())
	require.Empty(t, f.uploader.Uploads())

	runs, err := f.runs.List(context.Background(), "", 10)
	require.NoError(t, err)
	require.Empty(t, runs)
}

func TestRunFiltersReappliedOnce(t *testing.T) {
	site := newFakeSite(t, 1, func(dir string) {
		writeInventory(t, filepath.Join(dir, "inventario_fisico.xlsx"))
	})
	sets := 0
	site.page.OnSetField = func(p *browsertest.Page, field browser.Field, value string) error {
		if field.Selector != `select[name="almacen"]` {
			return nil
		}
		sets++
		// the page script resets the warehouse the first time it is changed
		if sets == 1 {
			p.ResetField(field.Selector)
		}
		return nil
	}
	f := newFixture(t, site, warehouse.DefaultCatalog())

	_, err := f.runner.Run(context.Background(), "MATRIZ")
	require.NoError(t, err)
	require.Equal(t, 2, sets)
}

func TestRunFilterConfigurationFailed(t *testing.T) {
	site := newFakeSite(t, 1, nil)
	site.page.OnSetField = func(p *browsertest.Page, field browser.Field, value string) error {
		if field.Selector == `input[name="desde_anaquel"]` {
			p.ResetField(field.Selector)
		}
		return nil
	}
	f := newFixture(t, site, warehouse.DefaultCatalog())

	_, err := f.runner.Run(context.Background(), "MATRIZ")
	requireTaskError(t, err, ErrFilterConfigurationFailed, BrowserReady)
	require.Contains(t, err.Error(), "desde_anaquel")
	require.Empty(t, site.page.Clicks())
	require.Equal(t, 1, site.page.Closes())
}

func TestRunExportClickedTwice(t *testing.T) {
	site := newFakeSite(t, 1, func(dir string) {
		writeInventory(t, filepath.Join(dir, "inventario_fisico.xlsx"))
	})
	site.profile.ExportClicks = 2
	f := newFixture(t, site, warehouse.DefaultCatalog())

	_, err := f.runner.Run(context.Background(), "MATRIZ")
	require.NoError(t, err)
	require.Equal(t, []string{site.profile.ExportSelector, site.profile.ExportSelector}, site.page.Clicks())
}

func TestRunIgnoresOlderFinishedJobs(t *testing.T) {
	site := newFakeSite(t, 3, func(dir string) {
		writeInventory(t, filepath.Join(dir, "inventario_fisico.xlsx"))
	})
	site.olderJobs = olderItem
	f := newFixture(t, site, warehouse.DefaultCatalog())

	_, err := f.runner.Run(context.Background(), "MATRIZ")
	require.NoError(t, err)

	invocations := site.page.Invocations()
	require.Len(t, invocations, 1)
	require.Equal(t, "/admin/procesos/descargar_archivo/8812/", invocations[0].Href)
	require.Equal(t, 3, site.page.QueryCount(site.profile.DownloadSelectors[0]))
}

func TestRunWaitsForExportJob(t *testing.T) {
	site := newFakeSite(t, 1, func(dir string) {
		writeInventory(t, filepath.Join(dir, "inventario_fisico.xlsx"))
	})
	settle := 100 * time.Millisecond
	f := newFixture(t, site, warehouse.DefaultCatalog(), func(c *Config) {
		c.SettleDelay = settle
	})

	var clicked, queried time.Time
	onClick := site.page.OnClick
	site.page.OnClick = func(p *browsertest.Page, selector string) error {
		clicked = time.Now()
		return onClick(p, selector)
	}
	onQuery := site.page.OnQuery
	site.page.OnQuery = func(p *browsertest.Page, selector string, count int) {
		if queried.IsZero() {
			queried = time.Now()
		}
		onQuery(p, selector, count)
	}

	_, err := f.runner.Run(context.Background(), "MATRIZ")
	require.NoError(t, err)
	require.GreaterOrEqual(t, queried.Sub(clicked), settle)
}

func TestRunExportJobWaitCancelled(t *testing.T) {
	site := newFakeSite(t, 1, nil)
	f := newFixture(t, site, warehouse.DefaultCatalog(), func(c *Config) {
		c.SettleDelay = time.Minute
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := f.runner.Run(ctx, "MATRIZ")
	requireTaskError(t, err, context.DeadlineExceeded, ExportTriggered)
	require.Zero(t, site.page.QueryCount(site.profile.DownloadSelectors[0]))
	require.Equal(t, 1, site.page.Closes())
}

func TestRunActionNotFound(t *testing.T) {
	site := newFakeSite(t, 0, nil)
	f := newFixture(t, site, warehouse.DefaultCatalog())

	_, err := f.runner.Run(context.Background(), "MATRIZ")
	requireTaskError(t, err, locate.ErrActionNotFound, ExportTriggered)
	require.Equal(t, 1, site.page.Closes())
	require.Equal(t, "action_not_found", Code(err))

	var notFound *locate.ActionNotFoundError
	require.True(t, errors.As(err, &notFound))
	require.Equal(t, 5, notFound.Attempts)

	entries, err := os.ReadDir(f.config.DiagnosticsDir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	require.Len(t, names, 2)
	require.True(t, strings.HasPrefix(names[0], "MATRIZ-"))
	require.True(t, strings.HasSuffix(names[0], ".html"))
	require.True(t, strings.HasSuffix(names[1], ".png"))

	runs, err := f.runs.List(context.Background(), "MATRIZ", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, runlog.StatusFailed, runs[0].Status)
	require.Equal(t, "ExportTriggered", runs[0].FailedState)
	require.Equal(t, "action_not_found", runs[0].ErrorCode)
}

func TestRunDownloadTimeout(t *testing.T) {
	site := newFakeSite(t, 1, func(dir string) {})
	f := newFixture(t, site, warehouse.DefaultCatalog())

	_, err := f.runner.Run(context.Background(), "MATRIZ")
	requireTaskError(t, err, download.ErrDownloadTimeout, DownloadLocated)
	require.Equal(t, 1, site.page.Closes())
	require.Empty(t, f.uploader.Uploads())
}

func TestRunUploadFailureKeepsFile(t *testing.T) {
	site := newFakeSite(t, 1, func(dir string) {
		writeInventory(t, filepath.Join(dir, "inventario_fisico.xlsx"))
	})
	f := newFixture(t, site, warehouse.DefaultCatalog())
	f.uploader.err = &gdrive.UploadError{Kind: gdrive.KindPermission, Status: 403, Err: errors.New("forbidden")}

	_, err := f.runner.Run(context.Background(), "MATRIZ")
	requireTaskError(t, err, gdrive.ErrUploadFailed, DataExtracted)
	require.Equal(t, "upload_failed:permission", Code(err))

	_, err = os.Stat(filepath.Join(f.config.OutputDir, "MATRIZ.xlsx"))
	require.NoError(t, err)
}

func TestRunSerialized(t *testing.T) {
	site := newFakeSite(t, 1, func(dir string) {
		writeInventory(t, filepath.Join(dir, "inventario_fisico.xlsx"))
	})
	f := newFixture(t, site, warehouse.DefaultCatalog())
	f.uploader.block = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := f.runner.Run(context.Background(), "MATRIZ")
		done <- err
	}()

	require.Eventually(t, func() bool {
		return site.launcher.Launches() == 1 && site.page.Closes() == 1
	}, 5*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := f.runner.Run(ctx, "SAHUARO")
	requireTaskError(t, err, ErrBusy, Idle)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 1, site.launcher.Launches())

	close(f.uploader.block)
	require.NoError(t, <-done)
}

func TestRelocateReplacesExisting(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "downloads", "inventario.xlsx")
	target := filepath.Join(dir, "output", "MATRIZ.xlsx")

	require.NoError(t, os.MkdirAll(filepath.Dir(source), 0755))
	require.NoError(t, os.MkdirAll(filepath.Dir(target), 0755))
	require.NoError(t, os.WriteFile(source, []byte("new"), 0644))
	require.NoError(t, os.WriteFile(target, []byte("stale"), 0644))

	require.NoError(t, relocate(source, target))

	contents, err := os.ReadFile(target)
	require.NoError(t, err)
	require.Equal(t, "new", string(contents))
	_, err = os.Stat(source)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestStateString(t *testing.T) {
	require.Equal(t, "Idle", Idle.String())
	require.Equal(t, "DownloadLocated", DownloadLocated.String())
	require.Equal(t, "Failed", Failed.String())
	require.Equal(t, "State(42)", State(42).String())
}
