package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"support-bridge/internal/auth"
	"support-bridge/internal/config"
	"support-bridge/internal/logging"
	"support-bridge/internal/server"
	"support-bridge/internal/store"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "support-server",
	Short: "Support session API and realtime relay",
	Long:  `HTTP + WebSocket relay for remote device support. Commands: serve, token.`,
	RunE:  runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API and relay",
	RunE:  runServe,
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a signed token for a user or technician",
	RunE:  runToken,
}

func init() {
	tokenCmd.Flags().String("user", "", "user id to put in the token")
	tokenCmd.Flags().String("role", auth.RoleUser, "token role (user or admin)")
	tokenCmd.Flags().Duration("expiry", 0, "token lifetime (default TOKEN_EXPIRY_SECONDS)")
	_ = tokenCmd.MarkFlagRequired("user")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(tokenCmd)
}

func tokenConfig(cfg config.Config) auth.TokenConfig {
	return auth.TokenConfig{
		Secret: cfg.MasterSecret,
		Expiry: cfg.TokenExpiry,
		Issuer: "support-bridge",
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.Development())
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	gin.SetMode(cfg.GinMode)
	st := store.NewWithOptions(store.Options{SessionsStateFile: cfg.SessionsStateFile, Logger: logger})

	deps := server.Deps{Store: st, TokenConfig: tokenConfig(cfg), Logger: logger, Version: version}
	deps.Realtime = server.NewRealtime(deps)
	router := server.NewRouter(deps)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go server.RunSweeper(ctx, st, deps.Realtime, cfg.SweepInterval, logger)

	logger.Info("listening", zap.Int("port", cfg.Port), zap.Bool("tls", cfg.TLSCertFile != ""))
	if err := server.Run(ctx, cfg, router); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}

func runToken(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	user, _ := cmd.Flags().GetString("user")
	role, _ := cmd.Flags().GetString("role")
	expiry, _ := cmd.Flags().GetDuration("expiry")

	tc := tokenConfig(cfg)
	if expiry > 0 {
		tc.Expiry = expiry
	}
	token, err := auth.CreateTokenWithRole(user, role, tc)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", time.Now().Add(tc.Expiry).Format(time.RFC3339))
	return nil
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		log.Fatal(err)
	}
}
