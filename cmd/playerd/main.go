package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/term"

	apiserver "github.com/signagecore/player/api/server"
	"github.com/signagecore/player/internal/cache"
	"github.com/signagecore/player/internal/cmscontract"
	"github.com/signagecore/player/internal/config"
	"github.com/signagecore/player/internal/download"
	"github.com/signagecore/player/internal/identity"
	"github.com/signagecore/player/internal/livecommand"
	"github.com/signagecore/player/internal/observability"
	"github.com/signagecore/player/internal/orchestrator"
)

// loggerAdapter narrows *observability.Logger to orchestrator.Logger;
// the two packages order their Error arguments differently, so the
// adapter just flips them rather than widening either interface.
type loggerAdapter struct{ l *observability.Logger }

func (a loggerAdapter) Info(msg string)             { a.l.Info(msg) }
func (a loggerAdapter) Warn(msg string)             { a.l.Warn(msg) }
func (a loggerAdapter) Error(msg string, err error) { a.l.Error(err, msg) }

func main() {
	restAddr := flag.String("rest-addr", "127.0.0.1:8080", "HTTP server address (cache scheme, commands, health, metrics)")
	cmsURL := flag.String("cms-url", "http://127.0.0.1:9000", "CMS base URL")
	cmsKey := flag.String("cms-key", "", "CMS authentication key (first-run registration)")
	displayName := flag.String("display-name", "", "Display name to register as")
	flag.Parse()

	if *cmsKey == "" && term.IsTerminal(int(syscall.Stdin)) {
		key, err := promptCMSKey()
		if err != nil {
			fmt.Fprintln(os.Stderr, "reading CMS key:", err)
			os.Exit(1)
		}
		*cmsKey = key
	}

	logger := observability.NewLogger("signage-player", "1.0.0", os.Stdout)
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker("1.0.0")

	if shutdown, err := observability.InitTracing(context.Background(), "signage-player"); err == nil {
		defer shutdown(context.Background())
	}

	logger.Info("signage player starting")

	cfg, err := config.LoadConfig("")
	if err != nil {
		logger.Fatal(err, "failed to load config")
	}
	cfg.RESTAddress = *restAddr
	if err := os.MkdirAll(cfg.StateDirectory, 0o755); err != nil {
		logger.Fatal(err, "failed to create state directory")
	}
	logger.Info("configuration loaded")

	identityStore, err := identity.NewStore(filepath.Join(cfg.StateDirectory, "identity.db"))
	if err != nil {
		logger.Fatal(err, "failed to open identity store")
	}
	defer identityStore.Close()

	chunkCache, err := cache.Open(
		filepath.Join(cfg.StateDirectory, "cache.db"),
		cfg.Device.ChunkSize,
		cfg.Device.BlobLRUBudgetBytes,
	)
	if err != nil {
		logger.Fatal(err, "failed to open chunk cache")
	}
	defer chunkCache.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fetcher := download.NewHTTPFetcher(30 * time.Second)
	queue := download.NewQueue(ctx, cfg.Device, fetcher)
	queue.SetLogger(loggerAdapter{logger})

	client := cmscontract.NewHTTPClient(*cmsURL, *cmsKey, 15*time.Second)
	commandSink := livecommand.NewChannelSink(32)

	rend := newRenderer(cfg, chunkCache)

	orch := orchestrator.New(orchestrator.Config{
		Client:          client,
		Cache:           chunkCache,
		Queue:           queue,
		Renderer:        rend,
		Credentials:     identityStore,
		Commands:        commandSink,
		Logger:          loggerAdapter{logger},
		CMSKey:          *cmsKey,
		DisplayName:     *displayName,
		CollectInterval: time.Duration(cfg.CollectInterval) * time.Second,
	})

	healthChecker.RegisterCheck("identity_db", observability.DatabaseCheck(identityStore.Ping))
	healthChecker.RegisterCheck("chunk_cache", observability.ChunkCacheCheck(
		func() int64 { return chunkCache.BlobCache().UsedBytes() },
		func() int64 { return cfg.Device.BlobLRUBudgetBytes },
	))
	healthChecker.RegisterCheck("download_queue", observability.DownloadQueueCheck(
		func() int { return countByState(queue, download.StateQueued, download.StateDownloading) },
		func() int { return countByState(queue, download.StateFailed) },
	))
	healthChecker.RegisterCheck("cms", observability.CMSReachableCheck(orch.LastCMSSuccess))

	srv := apiserver.New(chunkCache, commandSink, healthChecker, metrics)
	mux := http.NewServeMux()
	srv.RegisterHTTP(mux)

	httpServer := &http.Server{Addr: cfg.RESTAddress, Handler: mux}
	go func() {
		logger.Info("HTTP server listening on " + cfg.RESTAddress)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error(err, "HTTP server error")
		}
	}()

	go orch.Run(ctx)

	logger.Info("signage player running")
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down gracefully")
	orch.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)

	logger.Info("signage player stopped")
}

// promptCMSKey reads the CMS authentication key from the controlling
// terminal without echoing it, for first-run setup when -cms-key was
// not passed on the command line.
func promptCMSKey() (string, error) {
	fmt.Fprint(os.Stderr, "CMS key: ")
	keyBytes, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(keyBytes), nil
}

func countByState(q *download.Queue, states ...download.State) int {
	want := make(map[download.State]struct{}, len(states))
	for _, s := range states {
		want[s] = struct{}{}
	}
	count := 0
	for _, p := range q.GetProgress() {
		if _, ok := want[p.State]; ok {
			count++
		}
	}
	return count
}
