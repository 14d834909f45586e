package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/matst80/portbroker/internal/config"
	"github.com/matst80/portbroker/internal/controlplane"
	"github.com/matst80/portbroker/internal/dataplane"
	"github.com/matst80/portbroker/internal/obs"
	"github.com/matst80/portbroker/internal/ratelimit"
	"github.com/matst80/portbroker/internal/state"
)

func main() {
	cfg, err := config.Load(os.Args[1:], os.Getenv)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	obs.SetLevel(cfg.LogLevel)
	if cfg.Debug {
		obs.EnableDebug(true)
	}
	obs.Info("server.start", obs.Fields{"control": cfg.ControlAddr, "data": cfg.DataAddr, "metrics": cfg.MetricsAddr, "public_host": cfg.PublicHost})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dir, err := state.New(state.Options{
		RedisAddr:     cfg.RedisAddr,
		RedisPassword: cfg.RedisPassword,
		RedisDB:       cfg.RedisDB,
		KeyTTL:        cfg.StateTTL,
		Prefix:        cfg.StatePrefix,
	})
	if err != nil {
		obs.Error("state.init", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}
	defer dir.Close()

	limiter := ratelimit.New(ratelimit.Limits{
		GlobalConnRate:  cfg.ConnRate,
		SessionConnRate: cfg.SessionConnRate,
		GlobalRegRate:   cfg.RegRate,
		SessionRegRate:  cfg.SessionRegRate,
		Burst:           cfg.RateBurst,
	})
	mgr := controlplane.NewManager(controlplane.Config{
		Token:                cfg.Token,
		RegisterTimeout:      cfg.RegisterTimeout,
		MaxTunnelsPerSession: cfg.MaxTunnelsPerSession,
		Directory:            dir,
		Limiter:              limiter,
	})
	dp := dataplane.New(dataplane.Config{
		BindHost:       cfg.BindHost,
		PublicHost:     cfg.PublicHost,
		BaseDomain:     cfg.BaseDomain,
		HTTPPort:       cfg.HTTPPort,
		MaxListeners:   cfg.MaxListeners,
		ClaimTimeout:   cfg.ClaimTimeout,
		HeaderTimeout:  cfg.HeaderTimeout,
		MaxHeaderSize:  cfg.MaxHeaderSize,
		AddXFF:         cfg.AddXFF,
		UDPIdleTimeout: cfg.UDPIdleTimeout,
		Limiter:        limiter,
		Hosts:          dir,
		OnTransition: func(t dataplane.Transition) {
			if t.To == dataplane.StateClosed {
				mgr.ListenerClosed(t.Session, t.Listener)
			}
		},
	})

	ctrlLn, err := net.Listen("tcp", cfg.ControlAddr)
	if err != nil {
		obs.Error("listen.control", obs.Fields{"err": err.Error(), "addr": cfg.ControlAddr})
		os.Exit(1)
	}
	defer ctrlLn.Close()

	dataLn, err := net.Listen("tcp", cfg.DataAddr)
	if err != nil {
		obs.Error("listen.data", obs.Fields{"err": err.Error(), "addr": cfg.DataAddr})
		os.Exit(1)
	}
	defer dataLn.Close()

	b := &broker{mgr: mgr, dp: dp}
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: b.routes(ctx), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			obs.Error("metrics.server", obs.Fields{"err": err.Error(), "addr": cfg.MetricsAddr})
		}
	}()

	go state.RunMaintenance(ctx, dir, cfg.RefreshInterval)
	go runSweepLoop(ctx, limiter, mgr, time.Minute)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() { defer wg.Done(); _ = dp.Run(ctx, mgr.Events()) }()
	wg.Add(1)
	go func() { defer wg.Done(); mgr.AcceptControl(ctx, ctrlLn) }()
	wg.Add(1)
	go func() { defer wg.Done(); mgr.AcceptData(ctx, dataLn) }()

	b.ready.Store(true)
	obs.Info("server.ready", obs.Fields{})

	<-ctx.Done()
	obs.Info("server.shutdown.signal", obs.Fields{})
	b.closing.Store(true)
	_ = ctrlLn.Close()
	_ = dataLn.Close()
	mgr.Shutdown()
	dp.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	_ = srv.Shutdown(shutdownCtx)
	cancel()
	wg.Wait()
	obs.Info("server.shutdown.complete", obs.Fields{})
}

// runSweepLoop drops rate-limit buckets of sessions that are gone.
func runSweepLoop(ctx context.Context, rl *ratelimit.Limiter, mgr *controlplane.Manager, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			rl.Sweep(mgr.HasSession)
		}
	}
}
