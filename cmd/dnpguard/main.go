// Command dnpguard runs the in-page blocklist engine against a live site.
//
// Usage:
//
//	dnpguard -platform spotify.yaml -url https://open.spotify.com/ -oracle http://localhost:8135
//	dnpguard -platform tidal.yaml -url https://listen.tidal.com/ -export dnp-export.json
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/dnpguard/actionq"
	"github.com/hazyhaar/dnpguard/bus"
	"github.com/hazyhaar/dnpguard/dbopen"
	"github.com/hazyhaar/dnpguard/engine"
	"github.com/hazyhaar/dnpguard/oracle"
	"github.com/hazyhaar/dnpguard/platform"
	"github.com/hazyhaar/dnpguard/session"
)

func main() {
	platformPath := flag.String("platform", "", "path to the platform YAML config")
	pageURL := flag.String("url", "", "page to guard")
	oracleURL := flag.String("oracle", "http://localhost:8135", "base URL of the blockd collaborator")
	queuePath := flag.String("queue", "", "SQLite path for the secondary action queue (empty = no queue)")
	remoteWS := flag.String("remote", "", "WebSocket URL of an external Chrome (empty = launch locally)")
	headful := flag.Bool("headful", false, "run the browser with a visible window")
	exportPath := flag.String("export", "", "write the blocked-content export document here on shutdown")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	logger := newLogger(*logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *platformPath == "" || *pageURL == "" {
		fmt.Fprintln(os.Stderr, "usage: dnpguard -platform <file> -url <url> [-oracle <base-url>]")
		os.Exit(1)
	}

	if err := run(ctx, logger, *platformPath, *pageURL, *oracleURL, *queuePath, *remoteWS, *exportPath, *headful); err != nil {
		logger.Error("dnpguard: fatal", "error", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

func run(ctx context.Context, logger *slog.Logger, platformPath, pageURL, oracleURL, queuePath, remoteWS, exportPath string, headful bool) error {
	cfg, err := platform.LoadFile(platformPath)
	if err != nil {
		return err
	}

	router := bus.New(bus.WithLogger(logger))
	defer router.Close()
	transport := bus.NewHTTPTransport(oracleURL, &http.Client{Timeout: 10 * time.Second})
	transport.RegisterAll(router, oracle.Services(cfg.Platform)...)
	client := oracle.NewClient(router, cfg.Platform, oracle.WithLogger(logger))

	browser, cleanup, err := connectBrowser(remoteWS, headful, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	pg, err := browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		return fmt.Errorf("create page: %w", err)
	}
	navCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := pg.Context(navCtx).Navigate(pageURL); err != nil {
		return fmt.Errorf("navigate %s: %w", pageURL, err)
	}
	if err := pg.Context(navCtx).WaitLoad(); err != nil {
		logger.Warn("dnpguard: wait load timeout", "url", pageURL, "error", err)
	}

	actor := session.NewActor(pg, logger)

	opts := []engine.Option{engine.WithLogger(logger)}
	if queuePath != "" {
		db, err := dbopen.Open(queuePath, dbopen.WithMkdirAll())
		if err != nil {
			return fmt.Errorf("open queue db: %w", err)
		}
		defer db.Close()
		q := actionq.New(db, actionq.Options{Logger: logger})
		if err := q.EnsureTable(ctx); err != nil {
			return fmt.Errorf("queue schema: %w", err)
		}
		opts = append(opts, engine.WithQueue(q))
	}

	eng, err := engine.New(cfg, actor, client, opts...)
	if err != nil {
		return err
	}
	actor.BindResolver(eng)

	sess := session.New(pg, eng, session.Options{Logger: logger})
	if err := sess.Start(ctx); err != nil {
		return err
	}
	if err := eng.Start(ctx); err != nil {
		sess.Stop()
		return err
	}

	logger.Info("dnpguard: guarding", "platform", cfg.Platform, "url", pageURL)
	<-ctx.Done()

	sess.Stop()
	if exportPath != "" {
		if err := writeExport(eng, exportPath); err != nil {
			logger.Error("dnpguard: export failed", "error", err)
		} else {
			logger.Info("dnpguard: export written", "path", exportPath)
		}
	}
	eng.Stop()
	return nil
}

func connectBrowser(remoteWS string, headful bool, logger *slog.Logger) (*rod.Browser, func(), error) {
	if remoteWS != "" {
		b := rod.New().ControlURL(remoteWS)
		if err := b.Connect(); err != nil {
			return nil, nil, fmt.Errorf("connect browser: %w", err)
		}
		logger.Info("dnpguard: connected to remote browser", "url", remoteWS)
		return b, func() { b.Close() }, nil
	}

	l := launcher.New().
		Headless(!headful).
		Set("disable-blink-features", "AutomationControlled")
	wsURL, err := l.Launch()
	if err != nil {
		return nil, nil, fmt.Errorf("launch browser: %w", err)
	}
	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		l.Cleanup()
		return nil, nil, fmt.Errorf("connect browser: %w", err)
	}
	logger.Info("dnpguard: launched local browser", "headful", headful)
	return b, func() { b.Close(); l.Cleanup() }, nil
}

func writeExport(eng *engine.Engine, path string) error {
	doc := eng.Export()
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
