package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"threatnet-coordinator/internal/factory"
	"threatnet-coordinator/internal/handler"
	"threatnet-coordinator/internal/util"
)

func main() {
	f, err := factory.NewFactory()
	if err != nil {
		util.Fatal("Failed to initialize factory", util.ErrorField(err))
	}
	defer f.Close()

	cfg := f.Config()

	coordinator := handler.NewCoordinatorHandler(f.Aggregator(), f.TrustManager(), f.Hub(), util.Get())
	ws := handler.NewWSHandler(f.Hub(), util.Get())
	router := handler.NewRouter(coordinator, ws, util.Get())

	server := &http.Server{
		Addr:         cfg.ServerAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	// Websocket sessions outlive any sane write timeout; the per-event
	// handler deadline inside the fabric bounds the real work instead.
	server.WriteTimeout = 0

	if cfg.Server.EnableTLS {
		server.TLSConfig = f.TLSManager().GetTLSConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	// Verification fan-out.
	g.Go(func() error {
		err := f.Hub().Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	// Trust credits flow from the aggregator through the outcome queue.
	g.Go(func() error {
		err := f.TrustManager().Consume(ctx, f.OutcomeQueue())
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		util.Info("Coordinator started",
			util.String("environment", cfg.Environment),
			util.String("address", server.Addr),
			util.Bool("tls_enabled", cfg.Server.EnableTLS),
		)
		var err error
		if cfg.Server.EnableTLS {
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	f.Scheduler().Start()

	waitForShutdown(ctx, cancel, server)

	if err := g.Wait(); err != nil {
		util.Error("Coordinator exited with error", util.ErrorField(err))
	}
}

func waitForShutdown(ctx context.Context, cancel context.CancelFunc, server *http.Server) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	select {
	case sig := <-signalChan:
		util.Info("Received shutdown signal", util.String("signal", sig.String()))
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		util.Error("Failed to shutdown server gracefully", util.ErrorField(err))
	} else {
		util.Info("Server shutdown completed")
	}
	cancel()
}
