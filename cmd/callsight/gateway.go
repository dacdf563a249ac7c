package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/callsight/callsight/internal/bus"
	"github.com/callsight/callsight/internal/gateway"
	"github.com/callsight/callsight/internal/tracing"
)

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Start the ingest gateway",
		Long: `Start the WebSocket ingest gateway that accepts carrier and native
audio streams and publishes normalized frames to the bus.

Required configuration:
  - Bus (CALLSIGHT_PUBSUB_ADAPTER, CALLSIGHT_REDIS_URL)
  - JWT public key (CALLSIGHT_JWT_PUBLIC_KEY) unless carrier mode is
    enabled (CALLSIGHT_SUPPORT_EXOTEL=true)`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGateway(cmd.Context())
		},
	}
}

func runGateway(ctx context.Context) error {
	log := newLogger()

	shutdownTracer, err := tracing.InitTracer("callsight-gateway")
	if err != nil {
		log.Warn("tracing init failed", "error", err)
	} else {
		defer shutdownTracer(context.Background())
	}

	b, err := bus.New(cfg.Bus)
	if err != nil {
		return err
	}
	defer b.Close()

	srv, err := gateway.NewServer(cfg.Gateway, b, log)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Stop(stopCtx)
	})
	return g.Wait()
}
