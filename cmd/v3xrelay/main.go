// V3xRelay: UDP relay CLI entry point.
//
// Pairs streamers and viewers that announce the same session id and
// forwards their video and control datagrams. Only ids found in the -db
// SQLite database (or, without one, the -sessions file) are accepted; send
// SIGHUP to reload the file.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"

	"github.com/1ureka/v3xlink/internal/config"
	"github.com/1ureka/v3xlink/internal/relay"
	"github.com/1ureka/v3xlink/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.DefaultRelay()
	if err := config.Parse(flag.CommandLine, &cfg, os.Args[1:]); err != nil {
		util.LogError("%v", err)
		os.Exit(2)
	}
	if err := cfg.Validate(); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	if cfg.Debug {
		util.EnableDebug()
	}

	store, allowed, err := openStore(ctx, cfg)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	server := relay.NewServer(cfg.Server(), store)
	if err := server.Listen(); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	pterm.DefaultBox.WithTitle(fmt.Sprintf("V3xRelay — v%s", version)).Println(
		fmt.Sprintf("Listen   : %s\nSessions : %d allowed\nTimeout  : %.0fs", server.Addr(), allowed, cfg.Timeout))
	pterm.Println()

	util.StartStatsReporter(ctx)

	if err := server.Serve(ctx); err != nil {
		util.LogError("relay failed: %v", err)
		os.Exit(1)
	}

	util.LogInfo("relay stopped")
}

// openStore opens the SQLite database when one is configured and falls back
// to the text allow-list, which is reloaded on SIGHUP. It returns the store
// and the number of ids it allows.
func openStore(ctx context.Context, cfg config.Relay) (relay.SessionStore, int, error) {
	if cfg.DB != "" {
		db, err := relay.OpenSQLStore(cfg.DB)
		if err != nil {
			return nil, 0, err
		}
		context.AfterFunc(ctx, func() { db.Close() })
		return db, db.Len(), nil
	}

	list, err := relay.LoadFileStore(cfg.Sessions)
	if err != nil {
		return nil, 0, err
	}
	go reloadOnHangup(ctx, list)
	return list, list.Len(), nil
}

// reloadOnHangup re-reads the session list on SIGHUP.
func reloadOnHangup(ctx context.Context, store *relay.FileStore) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-hup:
			if err := store.Reload(); err != nil {
				util.LogWarning("reload failed, keeping previous list: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}
