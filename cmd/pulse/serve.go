package main

import (
	"context"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/Imhermes1/familyhub/internal/httpapi"
	"github.com/Imhermes1/familyhub/internal/pulse"
	"github.com/Imhermes1/familyhub/internal/remote"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the local API, periodic sync, realtime subscription and hourly check-ins",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr != "" {
				a.cfg.HTTP.Addr = addr
			}
			ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides http.addr)")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	client, err := a.openClient()
	if err != nil {
		return err
	}
	defer client.Close()
	group, _ := client.Session.Group()

	// Background work stops and is joined before the deferred Close above.
	bg := newWorkers(ctx)
	defer bg.Stop()

	handler := httpapi.NewServer(client, httpapi.ServerConfig{
		JWTSecret:       a.cfg.HTTP.JWTSecret,
		RateLimitMax:    a.cfg.HTTP.RateLimitMax,
		RateLimitWindow: a.cfg.HTTP.RateLimitWindow,
		MaxBodyBytes:    a.cfg.HTTP.MaxBodyBytes,
		AudioDir:        filepath.Join(a.cfg.Storage.DataDir, "audio"),
		Logger:          a.logger.WithPrefix("http"),
	})
	httpServer := &http.Server{
		Addr:              a.cfg.HTTP.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	bg.Go(func(ctx context.Context) {
		runSyncLoop(ctx, client.Syncer, a.cfg.Sync.Interval, a.cfg.Sync.Jitter, a.logger.WithPrefix("sync"))
	})

	if wsURL := realtimeURL(a.cfg.Remote); a.cfg.Sync.Realtime && wsURL != "" {
		rt := remote.NewRealtime(remote.RealtimeOptions{
			URL:     wsURL,
			Token:   a.cfg.Remote.Token,
			GroupID: group.ID,
			OnChange: func(ctx context.Context, kind pulse.Kind) {
				if _, err := client.Syncer.SyncKind(ctx, kind); err != nil {
					a.logger.Warn("realtime sync failed", "kind", kind, "err", err)
				}
			},
			Logger: a.logger.WithPrefix("realtime"),
		})
		bg.Go(func(ctx context.Context) { _ = rt.Run(ctx) })
	}

	if a.cfg.Sync.HourlyInterval > 0 {
		bg.Go(func(ctx context.Context) {
			client.Coordinator.RunTriggers(ctx, pulse.HourlyTrigger(ctx, a.cfg.Sync.HourlyInterval))
		})
	}

	errCh := make(chan error, 1)
	go func() { errCh <- httpServer.ListenAndServe() }()
	a.logger.Info("pulse listening", "addr", a.cfg.HTTP.Addr, "group_id", group.ID, "user_id", a.cfg.User.UserID)

	select {
	case err := <-errCh:
		if isShutdown(err) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	a.logger.Info("pulse stopped")
	return nil
}

func newBackendCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "backend",
		Short: "Run the in-memory reference group backend",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr == "" {
				addr = a.cfg.Remote.BackendAddr
			}
			ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()
			server := &http.Server{
				Addr:              addr,
				Handler:           remote.NewServer(remote.NewMemory(), a.cfg.Remote.Token, a.logger.WithPrefix("backend")),
				ReadHeaderTimeout: 10 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() { errCh <- server.ListenAndServe() }()
			a.logger.Info("backend listening", "addr", addr)
			select {
			case err := <-errCh:
				if isShutdown(err) {
					return nil
				}
				return err
			case <-ctx.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides remote.backend_addr)")
	return cmd
}

// workers runs goroutines under a shared context that Stop cancels and
// then waits out.
type workers struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newWorkers(parent context.Context) *workers {
	ctx, cancel := context.WithCancel(parent)
	return &workers{ctx: ctx, cancel: cancel}
}

func (w *workers) Go(fn func(ctx context.Context)) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		fn(w.ctx)
	}()
}

func (w *workers) Stop() {
	w.cancel()
	w.wg.Wait()
}

type syncRunner interface {
	SyncAll(ctx context.Context) (pulse.SyncReport, error)
}

// runSyncLoop runs a pass immediately and then on a jittered interval until
// ctx is done.
func runSyncLoop(ctx context.Context, syncer syncRunner, interval time.Duration, jitter float64, logger *log.Logger) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	run := func() {
		report, err := syncer.SyncAll(ctx)
		if err != nil {
			logger.Warn("sync pass skipped", "err", err)
			return
		}
		if err := report.Err(); err != nil {
			logger.Warn("sync pass incomplete", "group_id", report.GroupID, "err", err)
			return
		}
		logger.Debug("sync pass completed", "group_id", report.GroupID)
	}

	run()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(interval, jitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Debug("sync loop stopping", "reason", ctx.Err())
			return
		case <-timer.C:
			run()
			timer.Reset(jitteredIntervalWithSample(interval, jitter, rng.Float64()))
		}
	}
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
