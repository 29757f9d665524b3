package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/Martian-dev/inbox-sentinel/internal/audit"
	"github.com/Martian-dev/inbox-sentinel/internal/auth"
	"github.com/Martian-dev/inbox-sentinel/internal/httpapi"
	natsjs "github.com/Martian-dev/inbox-sentinel/internal/nats"
	"github.com/Martian-dev/inbox-sentinel/internal/ratelimit"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the sync trigger endpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.ValidateServe(); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		sessions, err := newSessionVerifier(ctx)
		if err != nil {
			return err
		}

		limiter := ratelimit.New(cfg.RateLimitMax, cfg.RateLimitWindow, 10*cfg.RateLimitWindow)
		go limiter.Run(ctx, cfg.RateLimitWindow)

		if cfg.NATSURL != "" {
			publisher, err := natsjs.NewPublisher(cfg.NATSURL)
			if err != nil {
				return err
			}
			defer publisher.Close()
			if err := publisher.EnsureStream(ctx); err != nil {
				return err
			}
			go audit.NewDispatcher(a.store, publisher, log).Run(ctx)
		} else {
			log.Info("NATS_URL not set; audit events stay in the outbox")
		}

		gin.SetMode(gin.ReleaseMode)
		srv := &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           httpapi.NewServer(a.manager, sessions, cfg.CronSecret, limiter, log).Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			log.WithField("addr", cfg.HTTPAddr).Info("listening")
			errCh <- srv.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		case <-ctx.Done():
		}

		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Sync.RunBudget+5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

func newSessionVerifier(ctx context.Context) (auth.SessionVerifier, error) {
	if cfg.SessionJWKSURL != "" {
		v, err := auth.NewJWKSVerifier(ctx, cfg.SessionJWKSURL, cfg.SessionTenantClaim)
		if err != nil {
			return nil, err
		}
		return v, nil
	}
	return auth.NewHMACVerifier(cfg.SessionJWTSecret, cfg.SessionTenantClaim), nil
}
