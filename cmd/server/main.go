package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"yuzu/tutor/internal/api"
	"yuzu/tutor/internal/comprehension"
	"yuzu/tutor/internal/config"
	"yuzu/tutor/internal/corpus"
	"yuzu/tutor/internal/health"
	"yuzu/tutor/internal/logging"
	"yuzu/tutor/internal/loop"
	"yuzu/tutor/internal/notify"
	"yuzu/tutor/internal/orchestrator"
	"yuzu/tutor/internal/progress"
	"yuzu/tutor/internal/registry"
	"yuzu/tutor/internal/store"
	"yuzu/tutor/internal/types"
	"yuzu/tutor/internal/workerws"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "server error:", err)
		os.Exit(1)
	}
}

func run() error {
	// Load .env file if present (ignored if missing)
	_ = godotenv.Load()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger, err := logging.New(logging.Options{Level: cfg.Server.LogLevel, File: cfg.Server.LogFile, Prod: cfg.IsProd()})
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := corpus.LoadFile(cfg.Corpus.Path, logger, corpus.WithHeadingMarker(cfg.Corpus.HeadingMarker))
	if err != nil {
		return err
	}

	st := store.New()
	checks := []health.Checker{health.Corpus(c)}
	var pub *notify.Redis
	if cfg.Redis.Addr != "" {
		rdb, err := notify.Dial(ctx, cfg.Redis.Addr)
		if err != nil {
			return err
		}
		defer rdb.Close()
		pub = notify.NewRedis(rdb, cfg.Redis.Channel, 1024, logger)
		st.SetSink(pub.Sink)
		checks = append(checks, health.Redis(pub.Ping))
	}

	reg := workerws.NewRegistry()
	sessions, err := registry.New(c, registry.Config{
		Progress: progress.Config{
			Step:           cfg.Tutor.MilestoneStep,
			Landmarks:      progress.Landmarks(cfg.Tutor.Landmarks),
			CompletionCode: cfg.Tutor.CompletionCode,
		},
		GateFirstSection: cfg.Tutor.GateFirstSection,
		IdleTTL:          cfg.Tutor.SessionIdleTTL,
	}, notify.NewCompletion(st, reg, cfg.Tutor.CompletionCode, logger), logger)
	if err != nil {
		return err
	}

	eval, err := comprehension.FromConfig(cfg.Tutor.Comprehension, cfg.Tutor.ComprehensionMinWords)
	if err != nil {
		return err
	}
	disp := loop.New(reg, st, sessions, eval, logger, loop.Options{AutoContinueDelay: cfg.Tutor.AutoContinueDelay})
	sessions.OnEvicted(func(id string) {
		disp.Forget(id)
		_ = st.SetStatus(id, types.StatusEnded)
		st.AppendEvent(id, "session_evicted", nil)
	})

	h := api.NewHandlers(cfg, st, sessions, disp, logger, checks...)
	mux := http.NewServeMux()
	mux.Handle("/", api.NewRouter(h))
	mux.Handle("/metrics", promhttp.Handler())
	// WS worker route
	wss := workerws.NewServer(cfg, st, reg, logger)
	wss.OnMessage = disp.OnMessage
	mux.HandleFunc("/ws/worker", wss.HandleWorkerWS)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           logMiddleware(logger, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	gs := grpc.NewServer(grpc.ChainUnaryInterceptor(
		orchestrator.Observe(logger),
		orchestrator.Authenticate(cfg.Worker.TokenSecret, cfg.Worker.TokenSkewSecs),
	))
	orchestrator.RegisterSequencerServer(gs, orchestrator.NewServer(disp, sessions, logger))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server starting", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		l, err := net.Listen("tcp", cfg.Server.GRPCAddr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		logger.Info("sequencer listening", zap.String("addr", cfg.Server.GRPCAddr))
		return gs.Serve(l)
	})
	if pub != nil {
		g.Go(func() error { return pub.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received; stopping servers")
		// Disconnect workers before draining HTTP
		for _, id := range st.ListSessionIDs() {
			disp.Forget(id)
		}
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		gs.GracefulStop()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

func logMiddleware(log *zap.Logger, next http.Handler) http.Handler {
	log = log.Named("http")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug("request", zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Duration("took", time.Since(start)))
	})
}
