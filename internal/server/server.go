// Package server is the http surface of the export service: the trigger endpoint the scheduler
// calls, health checks and the run log.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"stockexport-backend/internal/browser"
	"stockexport-backend/internal/components/assert"
	"stockexport-backend/internal/components/chrono"
	"stockexport-backend/internal/components/telemetry"
	"stockexport-backend/internal/gauth"
	"stockexport-backend/internal/gdrive"
	"stockexport-backend/internal/runlog"
	"stockexport-backend/internal/sheet"
	"stockexport-backend/internal/task"
	"stockexport-backend/internal/warehouse"
	"stockexport-backend/pkg/serviceutil"
)

const (
	report_server_trigger      = "server.trigger"
	report_server_health_drive = "server.health-drive"
	report_server_keep_alive   = "server.keep-alive"
	report_server_runs         = "server.runs"
	report_server_test_browser = "server.test-browser"
)

const banner = "Warehouse inventory export to Google Drive is running."

// Exporter runs one warehouse export.
type Exporter interface {
	Run(ctx context.Context, name string) (task.Result, error)
}

type TokenManager interface {
	EnsureValidToken(ctx context.Context) (gauth.Credential, error)
	LastRefresh() time.Time
}

type Drive interface {
	About(ctx context.Context) (gdrive.About, error)
}

type RunLister interface {
	List(ctx context.Context, warehouse string, limit int) ([]runlog.Run, error)
}

// Health is what /health reports about the deployment, it never includes secret values.
type Health struct {
	HasClientId     bool   `json:"has_client_id"`
	HasClientSecret bool   `json:"has_client_secret"`
	HasUserLogin    bool   `json:"has_user_login"`
	HasUserPass     bool   `json:"has_user_pass"`
	HasRefreshToken bool   `json:"has_refresh_token"`
	Browser         string `json:"browser"`
}

type Dependencies struct {
	Exporter Exporter
	Tokens   TokenManager
	Drive    Drive
	// Runs may be nil, /runs then responds with 404.
	Runs RunLister

	// Launcher is what /test-browser starts a browser with, nil responds with 404. The browser
	// downloads into BrowserDir and opens BrowserCheckUrl.
	Launcher        browser.Launcher
	BrowserDir      string
	BrowserCheckUrl string
}

type Server struct {
	deps        Dependencies
	health      Health
	accessToken string
	time        chrono.TimeAPI
	tel         telemetry.API
}

type serverOptions struct {
	time        chrono.TimeAPI
	tel         telemetry.API
	accessToken string
}

type ServerOption func(opts *serverOptions)

func WithTime(time chrono.TimeAPI) ServerOption {
	return func(opts *serverOptions) {
		opts.time = time
	}
}

func WithTelemetry(tel telemetry.API) ServerOption {
	return func(opts *serverOptions) {
		opts.tel = tel
	}
}

// WithAccessToken requires `Authorization: Bearer <token>` on /trigger and /test-browser.
func WithAccessToken(token string) ServerOption {
	return func(opts *serverOptions) {
		opts.accessToken = token
	}
}

func NewServer(deps Dependencies, health Health, options ...ServerOption) *Server {
	assert.NotNil(deps.Exporter, "exporter")
	assert.NotNil(deps.Tokens, "token manager")
	assert.NotNil(deps.Drive, "drive")

	opts := serverOptions{
		time: chrono.NewStandardTime(),
		tel:  telemetry.SlogAPI{},
	}
	for _, opt := range options {
		opt(&opts)
	}

	return &Server{
		deps:        deps,
		health:      health,
		accessToken: opts.accessToken,
		time:        opts.time,
		tel:         telemetry.NewScopedAPI("server", opts.tel),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /trigger", serviceutil.VerifyAccessToken(s.accessToken, http.HandlerFunc(s.trigger)))
	mux.Handle("POST /test-browser", serviceutil.VerifyAccessToken(s.accessToken, http.HandlerFunc(s.testBrowser)))
	mux.HandleFunc("GET /health", s.healthHandler)
	mux.HandleFunc("GET /health-drive", s.healthDrive)
	mux.HandleFunc("GET /keep-alive", s.keepAlive)
	mux.HandleFunc("GET /runs", s.runs)
	mux.HandleFunc("GET /{$}", s.index)
	return mux
}

// ScheduleKeepAlive refreshes the access token on `spec` so the refresh token keeps being used
// between exports.
func (s *Server) ScheduleKeepAlive(cron chrono.CronAPI, spec string) error {
	if spec == "" {
		return nil
	}
	return cron.Cron(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		_, err := s.deps.Tokens.EnsureValidToken(ctx)
		if err != nil {
			s.tel.ReportBroken(report_server_keep_alive, err)
			return
		}
		s.tel.ReportDebug("keep-alive: token is valid", s.deps.Tokens.LastRefresh())
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
	State string `json:"state,omitempty"`
	// Suggestion is the closest known warehouse when the requested one does not exist.
	Suggestion string `json:"suggestion,omitempty"`
}

type TriggerRequest struct {
	Warehouse string `json:"almacen"`
}

type TriggerResponse struct {
	Status   string      `json:"status"`
	Uploaded string      `json:"uploaded"`
	FileId   string      `json:"file_id"`
	Link     string      `json:"link,omitempty"`
	Rows     []sheet.Row `json:"rows"`
	RunId    string      `json:"run_id,omitempty"`
	Message  string      `json:"message"`
}

func (s *Server) trigger(w http.ResponseWriter, r *http.Request) {
	var req TriggerRequest
	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil || req.Warehouse == "" {
		s.writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error: "missing warehouse name ('almacen')",
		})
		return
	}

	// the export keeps going if the caller disconnects, every step has its own timeout
	result, err := s.deps.Exporter.Run(context.WithoutCancel(r.Context()), req.Warehouse)
	if err != nil {
		s.writeTaskError(w, err)
		return
	}

	rows := result.Rows
	if rows == nil {
		rows = []sheet.Row{}
	}
	s.writeJSON(w, http.StatusOK, TriggerResponse{
		Status:   "ok",
		Uploaded: result.Filename,
		FileId:   result.File.Id,
		Link:     result.File.WebViewLink,
		Rows:     rows,
		RunId:    result.RunId,
		Message:  fmt.Sprintf("file %s was exported and uploaded", result.Filename),
	})
}

func (s *Server) writeTaskError(w http.ResponseWriter, err error) {
	s.tel.ReportWarning(report_server_trigger, err)

	resp := ErrorResponse{
		Error: err.Error(),
		Code:  task.Code(err),
	}
	var taskErr *task.Error
	if errors.As(err, &taskErr) {
		resp.State = taskErr.State.String()
	}

	var invalid *warehouse.InvalidError
	if errors.As(err, &invalid) {
		resp.Suggestion = invalid.Suggestion
		s.writeJSON(w, http.StatusUnprocessableEntity, resp)
		return
	}
	s.writeJSON(w, http.StatusInternalServerError, resp)
}

type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Health
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Timestamp: s.time.Now(),
		Health:    s.health,
	})
}

type DriveError struct {
	Message              string `json:"message"`
	NeedsNewRefreshToken bool   `json:"needs_new_refresh_token"`
}

type DriveStatus struct {
	Connected    bool        `json:"connected"`
	UserEmail    string      `json:"user_email,omitempty"`
	StorageUsed  string      `json:"storage_used,omitempty"`
	StorageLimit string      `json:"storage_limit,omitempty"`
	LastRefresh  string      `json:"last_token_refresh,omitempty"`
	Error        *DriveError `json:"error,omitempty"`
}

type HealthDriveResponse struct {
	Status      string      `json:"status"`
	Timestamp   time.Time   `json:"timestamp"`
	GoogleDrive DriveStatus `json:"google_drive"`
}

func (s *Server) lastRefresh() string {
	last := s.deps.Tokens.LastRefresh()
	if last.IsZero() {
		return "never"
	}
	return last.Format(time.RFC3339)
}

func (s *Server) healthDrive(w http.ResponseWriter, r *http.Request) {
	about, err := s.deps.Drive.About(r.Context())
	if err != nil {
		s.tel.ReportWarning(report_server_health_drive, err)
		s.writeJSON(w, http.StatusInternalServerError, HealthDriveResponse{
			Status:    "error",
			Timestamp: s.time.Now(),
			GoogleDrive: DriveStatus{
				Connected: false,
				Error: &DriveError{
					Message:              err.Error(),
					NeedsNewRefreshToken: errors.Is(err, gauth.ErrCredentialExpired),
				},
			},
		})
		return
	}

	s.writeJSON(w, http.StatusOK, HealthDriveResponse{
		Status:    "ok",
		Timestamp: s.time.Now(),
		GoogleDrive: DriveStatus{
			Connected:    true,
			UserEmail:    about.User.EmailAddress,
			StorageUsed:  about.StorageQuota.Usage,
			StorageLimit: about.StorageQuota.Limit,
			LastRefresh:  s.lastRefresh(),
		},
	})
}

type KeepAliveResponse struct {
	Message     string    `json:"message"`
	LastRefresh string    `json:"last_token_refresh"`
	Timestamp   time.Time `json:"timestamp"`
	Error       string    `json:"error,omitempty"`
}

func (s *Server) keepAlive(w http.ResponseWriter, r *http.Request) {
	_, err := s.deps.Tokens.EnsureValidToken(r.Context())
	if err != nil {
		s.tel.ReportWarning(report_server_keep_alive, err)
		s.writeJSON(w, http.StatusInternalServerError, KeepAliveResponse{
			Message:     "keep-alive failed",
			LastRefresh: s.lastRefresh(),
			Timestamp:   s.time.Now(),
			Error:       err.Error(),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, KeepAliveResponse{
		Message:     "keep-alive done",
		LastRefresh: s.lastRefresh(),
		Timestamp:   s.time.Now(),
	})
}

type RunsResponse struct {
	Runs []runlog.Run `json:"runs"`
}

func (s *Server) runs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runs == nil {
		s.writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "run log is disabled"})
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			s.writeJSON(w, http.StatusBadRequest, ErrorResponse{
				Error: fmt.Sprintf("invalid limit '%s'", raw),
			})
			return
		}
		limit = parsed
	}
	name := r.URL.Query().Get("almacen")
	if name != "" {
		name = warehouse.Normalize(name)
	}

	runs, err := s.deps.Runs.List(r.Context(), name, limit)
	if err != nil {
		s.tel.ReportBroken(report_server_runs, err)
		s.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	if runs == nil {
		runs = []runlog.Run{}
	}
	s.writeJSON(w, http.StatusOK, RunsResponse{Runs: runs})
}

func (s *Server) index(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(banner))
}

type TestBrowserResponse struct {
	Status string `json:"status"`
	Url    string `json:"url,omitempty"`
	Title  string `json:"title,omitempty"`
	Took   string `json:"took"`
	Error  string `json:"error,omitempty"`
}

const browserCheckNavigateTimeout = 10 * time.Second

// checkBrowser launches a browser, opens BrowserCheckUrl and reads back where it ended up.
func (s *Server) checkBrowser(ctx context.Context) (browser.Diagnostics, error) {
	session, err := s.deps.Launcher.Launch(ctx, s.deps.BrowserDir)
	if err != nil {
		return browser.Diagnostics{}, fmt.Errorf("launch: %w", err)
	}
	defer session.Close()

	navigateCtx, cancel := context.WithTimeout(ctx, browserCheckNavigateTimeout)
	defer cancel()
	err = session.Navigate(navigateCtx, s.deps.BrowserCheckUrl)
	if err != nil {
		return browser.Diagnostics{}, fmt.Errorf("navigate to '%s': %w", s.deps.BrowserCheckUrl, err)
	}
	return session.Diagnostics(ctx)
}

func (s *Server) testBrowser(w http.ResponseWriter, r *http.Request) {
	if s.deps.Launcher == nil {
		s.writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "browser check is not configured"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), time.Minute)
	defer cancel()

	started := s.time.Now()
	d, err := s.checkBrowser(ctx)
	took := s.time.Now().Sub(started).String()
	if err != nil {
		s.tel.ReportBroken(report_server_test_browser, err)
		s.writeJSON(w, http.StatusInternalServerError, TestBrowserResponse{
			Status: "error",
			Took:   took,
			Error:  err.Error(),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, TestBrowserResponse{
		Status: "ok",
		Url:    d.Url,
		Title:  d.Title,
		Took:   took,
	})
}
