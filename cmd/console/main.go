package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"
	"support-bridge/internal/apiclient"
	"support-bridge/internal/auth"
	"support-bridge/internal/channel"
	"support-bridge/internal/config"
	"support-bridge/internal/console"
	"support-bridge/internal/logging"
	"support-bridge/internal/model"
	"support-bridge/internal/protocol"
)

var rootCmd = &cobra.Command{
	Use:   "support-console",
	Short: "Join a support session and operate the user's device",
	Long:  `Interactive technician console. Lines are sent to the device; /help lists console commands. Commands: list.`,
	RunE:  runConsole,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List support sessions",
	RunE:  runList,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.String("server", "", "support server URL")
	pf.String("token", "", "technician bearer token")
	pf.String("log-level", "", "log level")
	rootCmd.Flags().String("session", "", "session to join (prompts from the waiting queue when empty)")
	listCmd.Flags().String("status", string(model.StatusWaiting), "waiting, active, closed or empty for all")
	rootCmd.AddCommand(listCmd)
}

func loadConfig(cmd *cobra.Command) (config.ClientConfig, error) {
	cfg, err := config.LoadClientConfig()
	if err != nil {
		return cfg, err
	}
	f := cmd.Flags()
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

func newAPI(cfg config.ClientConfig) *apiclient.Client {
	return apiclient.New(cfg.ServerURL, cfg.Token, &http.Client{Timeout: 15 * time.Second})
}

func printSessions(w io.Writer, sessions []model.SupportSession) {
	if len(sessions) == 0 {
		fmt.Fprintln(w, "no sessions")
		return
	}
	for i, s := range sessions {
		chip := s.Device.ChipFamily
		if chip == "" {
			chip = "-"
		}
		fmt.Fprintf(w, "  [%d] %s  %-7s user=%s chip=%s opened %s ago\n",
			i+1, s.ID, s.Status, s.UserID, chip, time.Since(s.CreatedAt).Round(time.Second))
	}
}

func runList(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	status, _ := cmd.Flags().GetString("status")
	sessions, err := newAPI(cfg).ListSessions(cmd.Context(), model.SessionStatus(status))
	if err != nil {
		return err
	}
	printSessions(cmd.OutOrStdout(), sessions)
	return nil
}

func pickSession(ctx context.Context, api *apiclient.Client, in *bufio.Scanner, out io.Writer) (string, error) {
	sessions, err := api.ListSessions(ctx, model.StatusWaiting)
	if err != nil {
		return "", err
	}
	if len(sessions) == 0 {
		return "", errors.New("no sessions are waiting")
	}
	printSessions(out, sessions)
	fmt.Fprint(out, "join session: ")
	if !in.Scan() {
		return "", errors.New("no session selected")
	}
	answer := strings.TrimSpace(in.Text())
	if n, err := strconv.Atoi(answer); err == nil && n >= 1 && n <= len(sessions) {
		return sessions[n-1].ID, nil
	}
	if answer == "" {
		return "", errors.New("no session selected")
	}
	return answer, nil
}

func runConsole(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.Development())
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	out := cmd.OutOrStdout()
	styles := console.PlainStyles()
	if term.IsTerminal(int(os.Stdout.Fd())) {
		styles = console.DefaultStyles()
	}

	api := newAPI(cfg)
	c := console.New(console.Options{
		Store:   api,
		Channel: channel.New(channel.Options{ServerURL: cfg.ServerURL, Token: cfg.Token, Logger: logger.Named("channel")}),
		Actor:   auth.TokenActor{Token: cfg.Token},
		Logger:  logger,
	})
	c.OnLine(func(l console.Line) { fmt.Fprintln(out, styles.Render(l)) })
	c.OnHealth(func(h console.Health) {
		fmt.Fprintln(out, "bridge "+styles.HealthStyle(h).Render(string(h)))
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	in := bufio.NewScanner(os.Stdin)
	sessionID, _ := cmd.Flags().GetString("session")
	if sessionID == "" {
		if sessionID, err = pickSession(ctx, api, in, out); err != nil {
			return err
		}
	}
	if _, err := c.Join(ctx, sessionID); err != nil {
		return err
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		for in.Scan() {
			lines <- in.Text()
		}
	}()

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.Shutdown(shutdownCtx); err != nil {
			logger.Warn("leave on exit", zap.Error(err))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleInput(ctx, c, styles, out, line); quit {
				return nil
			}
		}
	}
}

const help = `/reset              pulse reset
/bootloader         reboot into the ROM bootloader
/flash URL          flash firmware from a manifest
/abort              abort a running flash
/baud RATE          change the serial speed
/health             show bridge health
/history            list sent commands
!!                  repeat the last command
/clear              clear the terminal buffer
/leave              return the session to the queue and quit
/end [reason]       end the session and quit`

// handleInput runs one console line and reports whether the console should
// exit.
func handleInput(ctx context.Context, c *console.Console, styles console.Styles, out io.Writer, line string) bool {
	if line == "!!" {
		prev, ok := c.History().Prev()
		if !ok {
			return false
		}
		line = prev
	}
	if !strings.HasPrefix(line, "/") {
		c.SendCommand(line)
		return false
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/help":
		fmt.Fprintln(out, help)
	case "/reset":
		c.SendAction(protocol.Action{Type: protocol.ActionReset})
	case "/bootloader":
		c.SendAction(protocol.Action{Type: protocol.ActionBootloader})
	case "/flash":
		a := protocol.Action{Type: protocol.ActionFlash}
		if len(fields) > 1 {
			a.ManifestURL = fields[1]
		}
		c.SendAction(a)
	case "/abort":
		c.SendAction(protocol.Action{Type: protocol.ActionFlashAbort})
	case "/baud":
		rate := 0
		if len(fields) > 1 {
			rate, _ = strconv.Atoi(fields[1])
		}
		c.SetBaud(rate)
	case "/health":
		h := c.Health()
		text := "bridge " + styles.HealthStyle(h).Render(string(h))
		if last := c.LastHeartbeat(); !last.IsZero() {
			text += fmt.Sprintf(", last heartbeat %s ago", time.Since(last).Round(time.Second))
		}
		if p := c.FlashProgress(); p != nil && p.Status != "idle" {
			text += fmt.Sprintf(", flash %s %d%%", p.Status, p.Percent)
		}
		if d := c.Device(); d != nil {
			text += ", device " + d.Chip
		}
		fmt.Fprintln(out, text)
	case "/history":
		for i, h := range c.History().Entries() {
			fmt.Fprintf(out, "  %3d  %s\n", i+1, h)
		}
	case "/clear":
		c.ClearLines()
	case "/leave":
		if err := c.LeaveSession(ctx); err != nil {
			fmt.Fprintln(out, "leave failed:", err)
			return false
		}
		return true
	case "/end":
		reason := model.CloseReasonAdminEnded
		if len(fields) > 1 {
			reason = strings.Join(fields[1:], "_")
		}
		if err := c.EndSession(ctx, reason); err != nil {
			fmt.Fprintln(out, "end failed:", err)
			return false
		}
		return true
	default:
		fmt.Fprintf(out, "unknown command %s, /help lists commands\n", fields[0])
	}
	return false
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		log.Fatal(err)
	}
}
