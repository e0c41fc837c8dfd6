// V3xView: viewer CLI entry point.
//
// This tool meets a streamer through a UDP relay, then drives it over the
// control channel: it paces control values, probes latency, tracks telemetry
// and retries commands until acknowledged. An optional local status feed
// (WebSocket) exposes the connection state and accepts operator input.
//
// It can be launched interactively (no -relay/-session) or non-interactively
// via CLI flags and an optional HJSON -config file.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pterm/pterm"

	"github.com/1ureka/v3xlink/internal/config"
	"github.com/1ureka/v3xlink/internal/rendezvous"
	"github.com/1ureka/v3xlink/internal/session"
	"github.com/1ureka/v3xlink/internal/statusfeed"
	"github.com/1ureka/v3xlink/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.DefaultViewer()
	if err := config.Parse(flag.CommandLine, &cfg, os.Args[1:]); err != nil {
		util.LogError("%v", err)
		os.Exit(2)
	}

	if cfg.Debug {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("V3xView — v%s", version))
	pterm.Println()

	if cfg.Relay == "" || cfg.SessionID == "" {
		runInteractive(&cfg)
	}

	if err := cfg.Validate(); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	os.Exit(run(ctx, cfg))
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

// runInteractive prompts for whatever the flags and config file left out.
func runInteractive(cfg *config.Viewer) {
	if cfg.Relay == "" {
		cfg.Relay = askRelay()
	}
	if cfg.SessionID == "" {
		cfg.SessionID = askText("Session id")
	}

	role, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Viewer    — Drive the vehicle", "Spectator — Watch only"}).
		WithDefaultText("Select your role").
		Show()
	pterm.Println()

	if strings.HasPrefix(role, "Spectator") {
		cfg.Role = config.RoleSpectator
	} else {
		cfg.Role = config.RoleViewer
	}
}

// run connects and blocks until Ctrl+C or the session ends. It returns the
// process exit code.
func run(ctx context.Context, cfg config.Viewer) int {
	sess := session.New(cfg.Session())
	defer sess.Stop()

	spinner, _ := pterm.DefaultSpinner.Start(fmt.Sprintf("Meeting streamer via %s ...", cfg.Relay))
	out := sess.Connect(ctx, cfg.Timeout())

	switch out.State {
	case rendezvous.StatePeered:
		spinner.Success(out.String())
	case rendezvous.StateUnauthorized:
		spinner.Fail("the relay does not know this session id")
		return 1
	case rendezvous.StateCancelled:
		spinner.Warning("cancelled")
		return 0
	default:
		spinner.Fail(out.String())
		return 1
	}

	util.StartStatsReporter(ctx)

	if cfg.FeedAddr != "" {
		feed, err := startFeed(cfg, sess)
		if err != nil {
			util.LogError("%v", err)
			return 1
		}
		defer feed.Close()
	}

	if cfg.Role == config.RoleSpectator {
		util.LogSuccess("watching session — press Ctrl+C to leave")
	} else {
		util.LogSuccess("control channel up at %d Hz — press Ctrl+C to stop", cfg.ControlHz)
	}

	select {
	case <-ctx.Done():
		util.LogInfo("shutting down")
		return 0
	case <-sess.Done():
		if err := sess.Err(); err != nil {
			util.LogError("session ended: %v", err)
			return 1
		}
		return 0
	}
}

// startFeed starts the status feed and prints how to reach it.
func startFeed(cfg config.Viewer, sess *session.Session) (*statusfeed.Server, error) {
	pin := cfg.FeedPIN
	if pin == "" {
		pin = statusfeed.GeneratePIN(4)
	}

	feed := statusfeed.NewServer(pin, sess, 0)
	port, err := feed.Start(cfg.FeedAddr)
	if err != nil {
		return nil, err
	}

	pterm.Println()
	pterm.DefaultBox.WithTitle("Status Feed").Println(
		fmt.Sprintf("Port : %d\nPIN  : %s\nURL  : ws://<host>:%d/ws?pin=%s", port, pin, port, pin))
	pterm.Println()

	return feed, nil
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// askRelay prompts for a relay address until a valid host:port is entered.
func askRelay() string {
	for {
		raw := askText("Relay address (host:port)")
		if err := config.ValidateHostPort(raw); err == nil {
			return raw
		}
		util.LogWarning("invalid relay address: expected host:port with port 1 ~ 65535")
		pterm.Println()
	}
}

// askText prompts until a non-empty answer is entered.
func askText(prompt string) string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()

		if v := strings.TrimSpace(raw); v != "" {
			pterm.Println()
			return v
		}

		util.LogWarning("a value is required")
		pterm.Println()
	}
}
