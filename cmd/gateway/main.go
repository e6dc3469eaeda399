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

	"github.com/terminal-bench/agentworld/internal/auth"
	"github.com/terminal-bench/agentworld/internal/config"
	"github.com/terminal-bench/agentworld/internal/gateway"
	"github.com/terminal-bench/agentworld/internal/telemetry"
	"github.com/terminal-bench/agentworld/internal/world"
)

func main() {
	logger := log.New(os.Stderr, "gateway ", log.LstdFlags|log.Lmicroseconds)

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
	logger.Println("Gateway stopped")
}

func run(ctx context.Context, cfg config.Config, logger *log.Logger) error {
	base := config.DefaultPolicy()
	if cfg.PolicyFile != "" {
		p, err := config.LoadPolicy(cfg.PolicyFile)
		if err != nil {
			return err
		}
		base = p
	}
	policy := base

	var source *config.PolicySource
	if cfg.EtcdEnabled() {
		src, err := config.NewPolicySource(cfg.EtcdEndpoints, cfg.EtcdPolicyKey, cfg.EtcdTimeout, logger)
		if err != nil {
			return err
		}
		defer src.Close()
		if policy, err = src.Apply(ctx, base); err != nil {
			return err
		}
		source = src
	}

	shutdownTracing, err := telemetry.Setup(ctx, "agentworld-gateway", cfg.OTelEndpoint)
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

	gcfg, err := world.GatewayConfig(cfg, policy)
	if err != nil {
		return err
	}
	gw, err := w.Gateway(gcfg)
	if err != nil {
		return err
	}

	var authSvc *auth.Service
	if cfg.JWTSecret != "" {
		if authSvc, err = auth.NewService(cfg.JWTSecret, cfg.TokenTTL); err != nil {
			return err
		}
	} else {
		logger.Println("AGENTWORLD_JWT_SECRET is not set, callers are identified by X-Agent-Address")
	}

	hub := gateway.NewHub(w.Sink, logger)
	defer hub.Close()

	api := gateway.NewServer(gw, authSvc, hub, logger)
	api.SetHealth(func(ctx context.Context) (interface{}, bool) {
		h := w.Health(ctx)
		return h, h.Healthy()
	})
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: api.Handler(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Printf("Gateway starting on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Println("Shutting down gateway...")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	if source != nil {
		g.Go(func() error {
			source.Watch(gctx, base, func(p config.Policy) {
				gp, err := world.GatewayPolicy(p)
				if err != nil {
					logger.Printf("policy update rejected: %v", err)
					return
				}
				gw.SetPolicy(gp)
				logger.Println("policy updated from etcd")
			})
			return nil
		})
	}
	return g.Wait()
}
