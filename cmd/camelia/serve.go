package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/CZERTAINLY/Camelia/internal/httpapi"
	"github.com/CZERTAINLY/Camelia/internal/log"
	"github.com/CZERTAINLY/Camelia/internal/registry"
	"github.com/CZERTAINLY/Camelia/internal/service"
	"github.com/CZERTAINLY/Camelia/internal/staging"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve runs the HTTP API and the job workers",
	RunE:  doServe,
}

func doServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	attrs := slog.Group("camelia",
		slog.String("cmd", "serve"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	root, err := staging.New(config.Staging.Root, config.Staging.Output)
	if err != nil {
		return err
	}
	svcCfg, err := service.ConfigFromModel(config)
	if err != nil {
		return err
	}
	httpCfg, err := httpapi.ConfigFromModel(config.Service)
	if err != nil {
		return err
	}

	reg := registry.New()
	runner := service.NewJobRunner(svcCfg, reg, root)
	srv := &http.Server{
		Addr:              config.Service.Addr,
		Handler:           httpapi.New(httpCfg, reg, runner).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return runner.Do(gctx)
	})
	g.Go(func() error {
		slog.InfoContext(ctx, "listening", "addr", srv.Addr)
		err := srv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.InfoContext(ctx, "shutting down")
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}
