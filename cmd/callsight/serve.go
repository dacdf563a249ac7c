package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/callsight/callsight/internal/bus"
	"github.com/callsight/callsight/internal/consumer"
	"github.com/callsight/callsight/internal/httpapi"
	"github.com/callsight/callsight/internal/llm"
	"github.com/callsight/callsight/internal/services"
	"github.com/callsight/callsight/internal/sse"
	"github.com/callsight/callsight/internal/store"
	"github.com/callsight/callsight/internal/tracing"
)

const shutdownGrace = 10 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the app API server",
		Long: `Start the CallSight application server: transcript ingest, intent
detection, call disposition, the SSE event stream and the transcript
consumer that follows bus-published transcript streams.

Required configuration:
  - PostgreSQL (CALLSIGHT_POSTGRES_URL)
  - LLM endpoint (CALLSIGHT_LLM_URL, CALLSIGHT_LLM_API_KEY)
  - Bus (CALLSIGHT_PUBSUB_ADAPTER, CALLSIGHT_REDIS_URL)`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	log := newLogger()

	shutdownTracer, err := tracing.InitTracer("callsight-api")
	if err != nil {
		log.Warn("tracing init failed", "error", err)
	} else {
		defer shutdownTracer(context.Background())
	}

	pool, err := openDB(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	b, err := bus.New(cfg.Bus)
	if err != nil {
		return err
	}
	defer b.Close()

	if !cfg.IsLLMConfigured() {
		log.Warn("LLM not configured; intent and disposition calls will fail")
	}
	completer := llm.NewClient(cfg.LLM)

	st := store.New(pool)
	hub := sse.NewHub(cfg.App.MaxSSEClients, log)
	intents := services.NewIntentService(st, completer, hub, cfg.IsEmbeddingConfigured(), log)
	ingest := services.NewIngestService(st, hub, intents, log)
	disposition := services.NewDispositionService(st, completer, hub, intents, ingest, log)

	cons := consumer.New(b, cfg.AppBaseURL(), cfg.App.CallIdleMax, log)
	ingest.SetSubscriber(cons)
	disposition.SetUnsubscriber(cons)

	srv := httpapi.NewServer(cfg.App, httpapi.Deps{
		Store:       st,
		Hub:         hub,
		Ingest:      ingest,
		Intents:     intents,
		Disposition: disposition,
		DBPing:      pool.Ping,
		BusPing:     b.Ping,
		Stats: func() map[string]any {
			return map[string]any{
				"sseClients":    hub.ClientCount(),
				"subscriptions": cons.ActiveSubscriptions(),
				"deadLetters":   len(cons.DeadLetters()),
			}
		},
	}, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		if err := cons.Run(gctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
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

	log.Info("app server started", "addr", cfg.AppBaseURL())
	return g.Wait()
}
