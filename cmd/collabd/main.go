// Command collabd runs the Session Coordinator: it owns the authoritative
// document for one session and brokers every connected client's edits.
//
// Wiring order: config -> logger -> store -> coordinator -> transport,
// with a signal-aware shutdown. automaxprocs is imported for its side
// effect (GOMAXPROCS from cgroup limits).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	_ "go.uber.org/automaxprocs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/andyson007/collabtext/internal/audit"
	"github.com/andyson007/collabtext/internal/auth"
	"github.com/andyson007/collabtext/internal/cluster"
	"github.com/andyson007/collabtext/internal/config"
	"github.com/andyson007/collabtext/internal/logging"
	"github.com/andyson007/collabtext/internal/metrics"
	"github.com/andyson007/collabtext/internal/ratelimit"
	"github.com/andyson007/collabtext/internal/session"
	"github.com/andyson007/collabtext/internal/store"
	"github.com/andyson007/collabtext/internal/transport"
)

// Exit codes surfaced to the CLI collaborator.
const (
	exitClean              = 0
	exitBindFailure        = 1
	exitPersistenceFailure = 2
	exitAuthFailure        = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "collabd: load config: %v\n", err)
		return exitPersistenceFailure
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "collabd: build logger: %v\n", err)
		return exitPersistenceFailure
	}
	defer logger.Sync() //nolint:errcheck

	st, err := store.Open(cfg.Document.Path, cfg.Document.IndexPath)
	if err != nil {
		logger.Error("collabd: open store", zap.Error(err))
		return exitPersistenceFailure
	}
	closers := []closerFn{st.Close}
	defer func() { closeAll(logger, closers) }()

	initial, err := st.LoadDocument()
	if err != nil {
		logger.Error("collabd: load document", zap.Error(err))
		return exitPersistenceFailure
	}

	var authn auth.Authenticator
	if cfg.Auth.Enabled {
		if cfg.Auth.JWTSecret == "" {
			logger.Error("collabd: auth enabled but no jwt_secret configured")
			return exitAuthFailure
		}
		authn = auth.NewJWTAuthenticator(cfg.Auth.JWTSecret)
	}

	var fanout *cluster.Fanout
	if cfg.Cluster.Enabled {
		fanout, err = cluster.Connect(cfg.Cluster.NATSURL, cfg.Cluster.Subject, logger)
		if err != nil {
			logger.Error("collabd: connect cluster fanout", zap.Error(err))
			return exitPersistenceFailure
		}
		closers = append(closers, func() error { fanout.Close(); return nil })
	}

	var exportr *audit.Exporter
	if cfg.Audit.Enabled {
		exportr, err = audit.New(audit.Config{Brokers: cfg.Audit.Brokers, Topic: cfg.Audit.Topic}, logger)
		if err != nil {
			logger.Error("collabd: start audit exporter", zap.Error(err))
			return exitPersistenceFailure
		}
		closers = append(closers, exportr.Close)
	}

	metricsRegistry := metrics.NewRegistry()
	limiter := ratelimit.New(cfg.Server.MaxOpsPerSecond, cfg.Server.MaxOpsBurst)

	coord := session.New(cfg.Server, cfg.Document, initial, st, metricsRegistry, limiter, authn, fanout, exportr, logger)
	if fanout != nil {
		if err := coord.AcceptCluster(); err != nil {
			logger.Error("collabd: subscribe cluster fanout", zap.Error(err))
			return exitPersistenceFailure
		}
	}

	transportServer := transport.NewServer(cfg.Server, coord, metricsRegistry, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return coord.Run(gctx)
	})

	if err := transportServer.Start(gctx); err != nil {
		logger.Error("collabd: transport start failed", zap.Error(err))
		return exitBindFailure
	}

	if cfg.Metrics.Enabled {
		go metricsRegistry.RunProcessSampler(gctx, 5*time.Second)
		group.Go(func() error {
			return runHTTPServer(gctx, cfg.Metrics, coord, metricsRegistry, logger)
		})
	}

	<-gctx.Done()
	logger.Info("collabd: shutdown signal received")
	transportServer.Stop()

	if err := group.Wait(); err != nil && gctx.Err() == nil {
		logger.Error("collabd: server group error", zap.Error(err))
		return exitPersistenceFailure
	}

	logger.Info("collabd: clean shutdown")
	return exitClean
}

type closerFn func() error

// closeAll runs every closer in reverse order, continuing past individual
// failures and aggregating them so a failure in one collaborator's
// shutdown never hides another's.
func closeAll(logger *zap.Logger, closers []closerFn) {
	var errs *multierror.Error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if errs != nil {
		logger.Error("collabd: shutdown errors", zap.Error(errs.ErrorOrNil()))
	}
}

func runHTTPServer(ctx context.Context, cfg config.MetricsConfig, coord *session.Coordinator, registry *metrics.Registry, logger *zap.Logger) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"status":      "healthy",
			"timestamp":   time.Now().UTC().Format(time.RFC3339Nano),
			"connections": coord.ConnectionCount(),
		})
	})
	mux.Handle(cfg.Endpoint, registry.Handler())

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("collabd: metrics http server starting", zap.String("addr", cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("collabd: metrics http server shutdown error", zap.Error(err))
		}
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
