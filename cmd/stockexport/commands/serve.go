package commands

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"stockexport-backend/internal/browser"
	"stockexport-backend/internal/components/chrono"
	"stockexport-backend/internal/components/telemetry"
	"stockexport-backend/internal/server"
	"stockexport-backend/pkg/serviceutil"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serves the trigger and health endpoints and keeps the google credential warm.",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		cfg := loadConfig()

		otel, err := telemetry.SetupFromEnv(ctx, "stockexport")
		if err != nil {
			serviceutil.Fatal("failed to setup telemetry", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			err := otel.Shutdown(shutdownCtx)
			if err != nil {
				slog.Warn("failed to flush telemetry", "err", err)
			}
		}()
		telemetry.InstrumentPerfStats(ctx)

		tel := telemetry.SlogAPI{}
		g, err := newGoogle(cfg, tel)
		if err != nil {
			serviceutil.Fatal("failed to setup google", err)
		}
		runs, err := openRuns(ctx, cfg)
		if err != nil {
			serviceutil.Fatal("failed to open run log", err)
		}
		if runs != nil {
			defer runs.Close()
		}
		runner, err := newRunner(cfg, g, runs, tel)
		if err != nil {
			serviceutil.Fatal("failed to setup runner", err)
		}

		deps := server.Dependencies{
			Exporter: runner,
			Tokens:   g.tokens,
			Drive:    g.drive,

			// the browser check downloads into its own directory, away from the export snapshots
			Launcher:        browser.NewChromeLauncher(cfg.Headless(), cfg.Site.ChromePath, tel),
			BrowserDir:      filepath.Join(os.TempDir(), "stockexport-browser-check"),
			BrowserCheckUrl: cfg.Server.BrowserCheckUrl,
		}
		if runs != nil {
			deps.Runs = runs
		}
		srv := server.NewServer(
			deps,
			server.Health{
				HasClientId:     cfg.Google.OAuth.ClientId != "",
				HasClientSecret: cfg.Google.OAuth.ClientSecret != "",
				HasUserLogin:    cfg.Site.Username != "",
				HasUserPass:     cfg.Site.Password != "",
				HasRefreshToken: cfg.Google.OAuth.RefreshToken != "",
				Browser:         "chromedp",
			},
			server.WithTelemetry(tel),
			server.WithAccessToken(cfg.Server.AccessToken),
		)

		err = srv.ScheduleKeepAlive(chrono.NewStandardCron(ctx, tel), cfg.Server.KeepAliveCron)
		if err != nil {
			serviceutil.Fatal("failed to schedule keep-alive", err)
		}

		err = serviceutil.StartHttpServer(ctx, cfg.Server.Port, otelhttp.NewHandler(srv.Handler(), "stockexport"))
		if err != nil {
			serviceutil.Fatal("http server stopped", err)
		}
	},
}
