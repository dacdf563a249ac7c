package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/callsight/callsight/internal/asr"
	"github.com/callsight/callsight/internal/bus"
	"github.com/callsight/callsight/internal/tracing"
)

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Start the ASR worker",
		Long: `Start the ASR worker that consumes audio frames from the bus,
maintains one streaming provider session per call and publishes
transcript fragments.

Required configuration:
  - Bus (CALLSIGHT_PUBSUB_ADAPTER, CALLSIGHT_REDIS_URL)
  - Provider credentials (CALLSIGHT_ASR_PROVIDER plus
    CALLSIGHT_DEEPGRAM_API_KEY or CALLSIGHT_ASSEMBLYAI_API_KEY)`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context())
		},
	}
}

func runWorker(ctx context.Context) error {
	log := newLogger()

	shutdownTracer, err := tracing.InitTracer("callsight-worker")
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

	factory, err := newProviderFactory()
	if err != nil {
		return err
	}

	w := asr.NewWorker(b, factory, cfg.Worker, cfg.App.CallIdleMax, log)
	if err := w.Run(ctx); !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
