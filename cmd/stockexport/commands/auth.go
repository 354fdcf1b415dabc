package commands

import (
	"fmt"
	"log/slog"

	"stockexport-backend/internal/components/telemetry"
	"stockexport-backend/pkg/serviceutil"

	"github.com/spf13/cobra"
)

func init() {
	authCmd.AddCommand(authUrlCmd)
	authCmd.AddCommand(authExchangeCmd)
	rootCmd.AddCommand(authCmd)
}

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Provisions a new google refresh token.",
}

var authUrlCmd = &cobra.Command{
	Use:   "url",
	Short: "Prints the consent page to open, it redirects back with the code `auth exchange` takes.",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		g, err := newGoogle(cfg, telemetry.SlogAPI{})
		if err != nil {
			serviceutil.Fatal("failed to setup google", err)
		}
		url, err := g.tokens.AuthCodeUrl(cmd.Context())
		if err != nil {
			serviceutil.Fatal("failed to create auth url", err)
		}
		fmt.Println(url)
	},
}

var authExchangeCmd = &cobra.Command{
	Use:   "exchange <code>",
	Short: "Trades an authorization code for a refresh token and checks it against google drive.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		cfg := loadConfig()
		g, err := newGoogle(cfg, telemetry.SlogAPI{})
		if err != nil {
			serviceutil.Fatal("failed to setup google", err)
		}

		token, err := g.tokens.ExchangeCode(ctx, args[0])
		if err != nil {
			serviceutil.Fatal("failed to exchange code", err)
		}
		if token.RefreshToken == "" {
			slog.Warn("google did not return a refresh token, revoke the app's access and try again")
		}

		about, err := g.drive.About(ctx)
		if err != nil {
			serviceutil.Fatal("new credential was rejected by google drive", err)
		}
		slog.Info("credential works", "email", about.User.EmailAddress)

		fmt.Printf("REFRESH_TOKEN=%s\n", token.RefreshToken)
	},
}
