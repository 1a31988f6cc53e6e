// Command server runs the MTD control plane: event bus, detectors, score
// manager, domain manager, shuffle controller and the defense decision
// boundary, exposed over HTTP. All dependencies are constructed and injected
// here; no package-level singletons.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"mirage/internal/clock"
	"mirage/internal/defense"
	"mirage/internal/detect"
	"mirage/internal/domains"
	"mirage/internal/events"
	"mirage/internal/platform/config"
	"mirage/internal/platform/httpserver"
	"mirage/internal/platform/logger"
	"mirage/internal/platform/metrics"
	"mirage/internal/score"
	"mirage/internal/shuffle"
	httptransport "mirage/internal/transport/http"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		slog.Error("configuration failed", "error", err)
		os.Exit(1)
	}

	log := logger.New(cfg.LogLevel)
	slog.SetDefault(log)

	mtx := metrics.New()
	clk := clock.NewSystem()

	bus := events.NewBus(
		events.WithLogger(log),
		events.WithMetrics(mtx),
		events.WithHistorySize(cfg.EventHistorySize),
	)
	bus.SetRecording(true)

	detector := detect.NewLocalDetector(clk,
		detect.WithLocalLogger(log),
		detect.WithWindowSize(cfg.Detection.WindowSize),
		detect.WithLocalThresholds(detect.Thresholds{
			PacketRate:   cfg.Detection.PacketRate,
			ByteRate:     cfg.Detection.ByteRate,
			Connections:  cfg.Detection.Connections,
			AnomalyScore: cfg.Detection.AnomalyScore,
		}),
	)
	crossAgent := detect.NewCrossAgentDetector(clk, detect.WithCrossAgentLogger(log))
	classifier := detect.NewGlobalDetector(clk, detect.WithGlobalLogger(log))

	scores := score.NewManager(bus, clk,
		score.WithLogger(log),
		score.WithMetrics(mtx),
	)
	doms := domains.NewManager(bus, clk,
		domains.WithLogger(log),
		domains.WithMetrics(mtx),
	)
	shuffler := shuffle.NewController(doms, scores, bus, clk,
		shuffle.WithLogger(log),
		shuffle.WithMetrics(mtx),
		shuffle.WithConfig(shuffle.Config{
			BaseFrequency:   seconds(cfg.Shuffle.BaseFrequencySeconds),
			MinFrequency:    seconds(cfg.Shuffle.MinFrequencySeconds),
			MaxFrequency:    seconds(cfg.Shuffle.MaxFrequencySeconds),
			RiskFactor:      cfg.Shuffle.RiskFactor,
			SessionAffinity: cfg.Shuffle.SessionAffinity,
			SessionTimeout:  seconds(cfg.Shuffle.SessionTimeoutSeconds),
			BatchSize:       cfg.Shuffle.BatchSize,
		}),
	)
	executor := defense.NewExecutor(scores, doms, shuffler, detector, bus, clk,
		defense.WithLogger(log),
		defense.WithMetrics(mtx),
		defense.WithConfig(defense.Config{
			EvaluationInterval:  seconds(cfg.Defense.EvaluationIntervalSeconds),
			MaxDecisionsPerEval: cfg.Defense.MaxDecisionsPerEval,
		}),
	)

	bus.SubscribeAll(func(ev events.Event) {
		log.Debug("event", "type", ev.Type, "metadata", ev.Metadata)
	})

	handler := httptransport.New(scores, doms, shuffler, detector, crossAgent, classifier, executor, log)
	srv := httpserver.New(cfg.Addr, httptransport.NewRouter(handler))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting mirage control plane", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
	log.Info("shutdown complete")
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
