package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"support-bridge/internal/apiclient"
	"support-bridge/internal/auth"
	"support-bridge/internal/bridge"
	"support-bridge/internal/channel"
	"support-bridge/internal/config"
	"support-bridge/internal/flash"
	"support-bridge/internal/lifecycle"
	"support-bridge/internal/logging"
	"support-bridge/internal/serialport"
)

var rootCmd = &cobra.Command{
	Use:   "support-bridge",
	Short: "Share a locally attached device with a support technician",
	Long:  `Opens a serial port, requests a support session and relays the device until the session ends. Commands: ports.`,
	RunE:  runBridge,
}

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List serial ports",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ports, err := serialport.SystemDriver{}.Ports()
		if err != nil {
			return err
		}
		if len(ports) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no serial ports found")
			return nil
		}
		for _, p := range ports {
			fmt.Fprintln(cmd.OutOrStdout(), p)
		}
		return nil
	},
}

func init() {
	f := rootCmd.Flags()
	f.String("port", "", "serial port (prompts when empty and several are present)")
	f.Int("baud", 0, "serial baud rate")
	f.String("server", "", "support server URL")
	f.String("token", "", "bearer token")
	f.String("log-level", "", "log level")
	rootCmd.AddCommand(portsCmd)
}

func loadConfig(cmd *cobra.Command) (config.ClientConfig, error) {
	cfg, err := config.LoadClientConfig()
	if err != nil {
		return cfg, err
	}
	f := cmd.Flags()
	if v, _ := f.GetString("port"); v != "" {
		cfg.SerialPort = v
	}
	if v, _ := f.GetInt("baud"); v > 0 {
		cfg.BaudRate = v
	}
	if v, _ := f.GetString("server"); v != "" {
		cfg.ServerURL = v
	}
	if v, _ := f.GetString("token"); v != "" {
		cfg.Token = v
	}
	if v, _ := f.GetString("log-level"); v != "" {
		cfg.LogLevel = v
	}
	return cfg, nil
}

func runBridge(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.Development())
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	actor, err := auth.TokenActor{Token: cfg.Token}.CurrentActor(cmd.Context())
	if err != nil || actor == nil {
		return errors.New("SUPPORT_TOKEN is missing, malformed or expired")
	}

	api := apiclient.New(cfg.ServerURL, cfg.Token, &http.Client{Timeout: 15 * time.Second})
	serial := serialport.New(serialport.Options{
		Driver:   serialport.SystemDriver{},
		Select:   serialport.PromptSelector(os.Stdin, os.Stderr),
		PortName: cfg.SerialPort,
		Logger:   logger.Named("serial"),
	})
	ch := channel.New(channel.Options{ServerURL: cfg.ServerURL, Token: cfg.Token, Logger: logger.Named("channel")})
	b := bridge.New(bridge.Options{
		Serial:    serial,
		Channel:   ch,
		Flasher:   flash.NewOrchestrator(flash.Options{Logger: logger.Named("flash")}),
		Lifecycle: lifecycle.New(api, logger),
		BaudRate:  cfg.BaudRate,
		Logger:    logger,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess, err := b.StartSupport(ctx, actor.ID)
	if err != nil {
		if errors.Is(err, serialport.ErrNoPortSelected) {
			return errors.New("no serial port selected")
		}
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Support session %s open on %s, waiting for a technician. Ctrl-C ends it.\n", sess.ID, serial.PortName())

	select {
	case <-ctx.Done():
		endCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := b.EndSupport(endCtx, ""); err != nil {
			logger.Warn("end support", zap.Error(err))
		}
	case <-b.Done():
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Support session ended (%s)\n", b.EndReason())
	return nil
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		log.Fatal(err)
	}
}
