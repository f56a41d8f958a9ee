// Command blockd is the reference blocklist collaborator: it owns the
// do-not-play list in SQLite and serves the engine message contract plus a
// small inspection API over HTTP.
//
// Usage:
//
//	blockd -db blockd.db -addr :8135 -platforms spotify,tidal
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hazyhaar/dnpguard/blockd"
	"github.com/hazyhaar/dnpguard/bus"
	"github.com/hazyhaar/dnpguard/dbopen"
)

func main() {
	dbPath := flag.String("db", "blockd.db", "SQLite database path")
	addr := flag.String("addr", ":8135", "HTTP listen address")
	platforms := flag.String("platforms", "", "comma-separated platform IDs to serve imports for")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *dbPath, *addr, *platforms); err != nil {
		logger.Error("blockd: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, dbPath, addr, platformList string) error {
	db, err := dbopen.Open(dbPath, dbopen.WithMkdirAll(), dbopen.WithSchema(blockd.Schema))
	if err != nil {
		return err
	}
	defer db.Close()

	store := blockd.NewStore(db)
	svc := blockd.NewService(store, blockd.WithLogger(logger))

	var platforms []string
	for _, p := range strings.Split(platformList, ",") {
		if p = strings.TrimSpace(p); p != "" {
			platforms = append(platforms, p)
		}
	}

	router := bus.New(bus.WithLogger(logger))
	defer router.Close()
	svc.Register(router, platforms...)

	srv := &http.Server{
		Addr:              addr,
		Handler:           blockd.NewHTTPHandler(store, router),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("blockd: listening", "addr", addr, "db", dbPath, "platforms", platforms)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		logger.Warn("blockd: shutdown", "error", err)
	}
	logger.Info("blockd: stopped")
	return nil
}
