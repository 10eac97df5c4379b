// Package cli is the process entrypoint: configuration, wiring, signal
// handling, and the supervisor loop that restarts the servers after a
// crash or an operator RESTART.
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/koltyakov/wicket/internal/admin"
	"github.com/koltyakov/wicket/internal/bwlimit"
	"github.com/koltyakov/wicket/internal/cache"
	"github.com/koltyakov/wicket/internal/config"
	"github.com/koltyakov/wicket/internal/credstore"
	"github.com/koltyakov/wicket/internal/debughttp"
	ilog "github.com/koltyakov/wicket/internal/log"
	"github.com/koltyakov/wicket/internal/proxy"
	"github.com/koltyakov/wicket/internal/secrets"
	"github.com/koltyakov/wicket/internal/session"
	"github.com/koltyakov/wicket/internal/store/sqlite"
	"github.com/koltyakov/wicket/internal/usage"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

const restartPause = 2 * time.Second
const usageFlushInterval = 30 * time.Second

// Run parses configuration and supervises the proxy and admin servers,
// restarting them after a panic or an operator-issued RESTART until a
// termination signal arrives.
func Run(args []string) int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if len(args) > 0 {
		switch args[0] {
		case "version", "-v", "--version":
			fmt.Println("wicket", Version)
			return 0
		case "-h", "--help", "help":
			printUsage()
			return 0
		}
	}

	for {
		restart, code := supervisedRun(ctx, args)
		if ctx.Err() != nil || !restart {
			return code
		}
		fmt.Fprintln(os.Stderr, "wicket: restarting after", restartPause)
		select {
		case <-ctx.Done():
			return 0
		case <-time.After(restartPause):
		}
	}
}

// supervisedRun executes one server generation, converting a panic into a
// restart request instead of crashing the process.
func supervisedRun(ctx context.Context, args []string) (restart bool, code int) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintln(os.Stderr, "wicket: server crashed:", r)
			restart, code = true, 1
		}
	}()
	return runOnce(ctx, args)
}

func runOnce(ctx context.Context, args []string) (bool, int) {
	cfg, err := config.Parse(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return false, 0
		}
		fmt.Fprintln(os.Stderr, "config error:", err)
		return false, 2
	}

	logger, err := ilog.NewWithFile(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "log file unavailable, logging to stdout only:", err)
	}
	logger.Info("starting wicket",
		"version", Version,
		"listen", cfg.Listen,
		"admin_listen", cfg.AdminListen,
		"access_window", cfg.AccessWindow.String(),
		"bandwidth_mbps", cfg.BandwidthLimitMbps,
		"cache_ttl", cfg.CacheTTL,
		"session_timeout", cfg.SessionTimeout,
		"users_file", cfg.UsersFile,
		"cache_file", cfg.CacheFile,
		"db", cfg.DBPath,
	)

	key, err := secrets.LoadOrCreateKey(cfg.KeyFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "key error:", err)
		return false, 1
	}
	cipher, err := secrets.NewCipher(key)
	if err != nil {
		fmt.Fprintln(os.Stderr, "key error:", err)
		return false, 1
	}

	creds := credstore.New(cfg.UsersFile, cipher, logger)
	if n, err := creds.Load(); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			fmt.Fprintln(os.Stderr, "users file error:", err)
			return false, 1
		}
		// First run: persist the empty credential set so the file and
		// key exist for external tooling to append to.
		if err := creds.Save(); err != nil {
			fmt.Fprintln(os.Stderr, "users file error:", err)
			return false, 1
		}
		logger.Info("created empty users file", "path", cfg.UsersFile)
	} else {
		logger.Info("users loaded", "count", n, "path", cfg.UsersFile)
	}

	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "db error:", err)
		return false, 1
	}
	defer func() { _ = store.Close() }()

	rec := usage.New(store, logger)
	sessions := session.New(cfg.SessionTimeout, rec, logger)
	cacheMgr := cache.New(cfg.CacheTTL, cfg.MaxCachedConns, cfg.CacheFile, logger)
	if err := cacheMgr.Load(); err != nil {
		logger.Warn("cache snapshot not loaded", "path", cfg.CacheFile, "err", err)
	}
	limiter := bwlimit.New(cfg.BandwidthBytesPerSecond())

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	var restartRequested atomic.Bool
	requestRestart := func() {
		restartRequested.Store(true)
		stop()
	}

	if err := debughttp.Start(runCtx, cfg.PprofAddr, logger); err != nil {
		fmt.Fprintln(os.Stderr, "pprof error:", err)
		return false, 1
	}

	var background sync.WaitGroup
	background.Add(3)
	go func() { defer background.Done(); creds.Watch(runCtx, cfg.ReloadInterval) }()
	go func() { defer background.Done(); cacheMgr.RunSaver(runCtx, cfg.CacheSaveInterval) }()
	go func() { defer background.Done(); rec.RunFlusher(runCtx, usageFlushInterval) }()

	proxySrv := proxy.New(cfg, creds, sessions, cacheMgr, limiter, rec, logger)
	adminSrv := admin.New(cfg, creds, sessions, cacheMgr, limiter, rec, store, requestRestart, logger)

	errCh := make(chan error, 2)
	var servers sync.WaitGroup
	servers.Add(2)
	go func() { defer servers.Done(); errCh <- proxySrv.Run(runCtx) }()
	go func() { defer servers.Done(); errCh <- adminSrv.Run(runCtx) }()

	// A listener setup failure on either server tears the generation down.
	var runErr error
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil && runErr == nil {
			runErr = err
			stop()
		}
	}
	servers.Wait()
	stop()
	background.Wait()

	if runErr != nil {
		fmt.Fprintln(os.Stderr, "server error:", runErr)
		return false, 1
	}
	if restartRequested.Load() {
		logger.Info("restart requested, shutting down this generation")
		return true, 0
	}
	logger.Info("wicket stopped")
	return false, 0
}

func printUsage() {
	fmt.Print(`wicket - authenticated CONNECT proxy with admin control channel

Usage:
  wicket [flags]       start the proxy and admin servers
  wicket version       print the version

Configuration comes from WICKET_* environment variables with flag
overrides; run with -h after any flag error for the full list.
`)
}
