package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/terminal-bench/agentworld/internal/config"
	"github.com/terminal-bench/agentworld/internal/keeper"
	"github.com/terminal-bench/agentworld/internal/telemetry"
	"github.com/terminal-bench/agentworld/internal/world"
)

func main() {
	logger := log.New(os.Stderr, "keeper ", log.LstdFlags|log.Lmicroseconds)

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Fatalf("load .env: %v", err)
	}
	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("config: %v", err)
	}
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatalf("%v", err)
	}
	logger.Println("Keeper stopped")
}

func run(ctx context.Context, cfg config.Config, logger *log.Logger) error {
	policy := config.DefaultPolicy()
	if cfg.PolicyFile != "" {
		p, err := config.LoadPolicy(cfg.PolicyFile)
		if err != nil {
			return err
		}
		policy = p
	}
	if cfg.EtcdEnabled() {
		src, err := config.NewPolicySource(cfg.EtcdEndpoints, cfg.EtcdPolicyKey, cfg.EtcdTimeout, logger)
		if err != nil {
			return err
		}
		policy, err = src.Apply(ctx, policy)
		src.Close()
		if err != nil {
			return err
		}
	}

	shutdownTracing, err := telemetry.Setup(ctx, "agentworld-keeper", cfg.OTelEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Printf("tracing shutdown: %v", err)
		}
	}()

	w, err := world.Open(ctx, cfg, policy, logger)
	if err != nil {
		return err
	}
	defer w.Close()

	k := keeper.New(keeper.Deps{
		Lottery:    w.Lottery,
		Governance: w.Governance,
		Queue:      w.Reconcile,
		Ledger:     w.Ledger,
		Agents:     w.Registry,
		Logger:     logger,
	}, keeper.Config{Interval: cfg.KeeperInterval, SweepLimit: cfg.KeeperSweepLimit})

	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/health", func(c *gin.Context) {
		h := w.Health(c.Request.Context())
		status, code := "healthy", http.StatusOK
		if !h.Healthy() {
			status, code = "degraded", http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{"status": status, "dependencies": h})
	})
	r.GET("/api/v1/reconcile", func(c *gin.Context) {
		entries, err := w.Reconcile.Pending(c.Request.Context(), 100)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"entries": entries})
	})

	srv := &http.Server{
		Addr:    cfg.KeeperAddr,
		Handler: r,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Printf("Keeper starting on %s, pass every %s", cfg.KeeperAddr, cfg.KeeperInterval)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return k.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}
