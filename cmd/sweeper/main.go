package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/calebmorten/eventgate/internal/config"
	"github.com/calebmorten/eventgate/internal/db"
	"github.com/calebmorten/eventgate/internal/event"
	"github.com/calebmorten/eventgate/internal/execlog"
	"github.com/calebmorten/eventgate/internal/health"
	"github.com/calebmorten/eventgate/internal/integration"
	"github.com/calebmorten/eventgate/internal/logging"
	"github.com/calebmorten/eventgate/internal/metrics"
	"github.com/calebmorten/eventgate/internal/pipeline"
	"github.com/calebmorten/eventgate/internal/ratelimit"
	"github.com/calebmorten/eventgate/internal/sandbox"
	"github.com/calebmorten/eventgate/internal/schedule"
	"github.com/calebmorten/eventgate/internal/source"
	"github.com/calebmorten/eventgate/internal/tracing"
)

// The sweeper runs the background loops that neither the gateway nor the
// workers should own: firing due scheduled deliveries, purging expired rate
// windows, and pulling events from the source adapters.
func main() {
	cfg := config.FromEnv()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := logging.New("eventgate-sweeper")

	shutdown, err := tracing.InitTracing(ctx, "eventgate-sweeper")
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdown()

	pool, err := db.Connect(ctx, cfg.DSN())
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()

	publisher, err := event.NewNSQPublisher(cfg.NSQ.NsqdTCPAddr)
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq producer creation failed")
	}
	defer publisher.Stop()

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(pool, map[string]health.Check{"nsq": publisher.Ping}))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpPort := ":" + getenv("SWEEPER_HTTP_PORT", "8084")
	httpSrv := &http.Server{Addr: httpPort, Handler: mux}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("sweeper HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("sweeper HTTP server failed")
		}
	}()

	pending := schedule.NewPGStore(pool)
	sweeper := schedule.NewSweeper(pending, publisher, cfg.NSQ.TasksTopic)
	sweeper.SetBatch(cfg.Retry.SweepBatch)
	rateStore := ratelimit.NewPGStore(pool)

	runner := sandbox.New(sandbox.Limits{
		Timeout:       cfg.Sandbox.Timeout,
		MaxOutputSize: cfg.Sandbox.MaxOutputSize,
	})
	router := source.NewRouter(
		integration.NewPGStore(pool),
		schedule.New(runner),
		pending,
		publisher,
		cfg.NSQ.TasksTopic,
	)

	c := cron.New(cron.WithSeconds())
	if _, err := c.AddFunc(every(cfg.Retry.SweepInterval), func() {
		fired, err := sweeper.Sweep(ctx)
		if err != nil {
			logger.Plain().WithError(err).Error("schedule sweep failed")
			return
		}
		if fired > 0 {
			logger.Plain().WithField("fired", fired).Info("scheduled deliveries fired")
		}
	}); err != nil {
		logger.Plain().WithError(err).Fatal("cron schedule sweep registration failed")
	}

	retrySweeper := pipeline.NewRetrySweeper(execlog.NewPGStore(pool), publisher,
		cfg.NSQ.TasksTopic, cfg.Retry.SweepInterval, cfg.Retry.SweepBatch)
	if _, err := c.AddFunc(every(cfg.Retry.SweepInterval), func() {
		swept, err := retrySweeper.Sweep(ctx)
		if err != nil {
			logger.Plain().WithError(err).Error("retry sweep failed")
			return
		}
		if swept > 0 {
			logger.Plain().WithField("swept", swept).Info("exhausted deliveries re-enqueued")
		}
	}); err != nil {
		logger.Plain().WithError(err).Fatal("cron retry sweep registration failed")
	}

	// Expired rate windows only matter for storage hygiene, hourly is plenty.
	if _, err := c.AddFunc("0 0 * * * *", func() {
		purged, err := rateStore.Purge(ctx, time.Now().UTC())
		if err != nil {
			logger.Plain().WithError(err).Error("rate window purge failed")
			return
		}
		if purged > 0 {
			logger.Plain().WithField("purged", purged).Info("expired rate windows purged")
		}
	}); err != nil {
		logger.Plain().WithError(err).Fatal("cron rate window purge registration failed")
	}
	c.Start()

	// Source adapters.
	if cfg.SourceDB.Enabled {
		src, err := db.ConnectSource(ctx, cfg.SourceDB.DSN)
		if err != nil {
			logger.Plain().WithError(err).Fatal("source db connect failed")
		}
		defer src.Close()
		poller := source.NewPoller(src, cfg.SourceDB, router)
		go func() {
			if err := poller.Start(ctx); err != nil && ctx.Err() == nil {
				logger.Plain().WithError(err).Fatal("source poller failed")
			}
		}()
	}

	broker, err := source.NewBroker(cfg.NSQ, router)
	if err != nil {
		logger.Plain().WithError(err).Fatal("broker source creation failed")
	}

	logger.Plain().Info("sweeper service started")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("Shutting down sweeper service")
	cancel()
	broker.Stop()
	<-c.Stop().Done()
	_ = httpSrv.Shutdown(context.Background())
	logger.Plain().Info("sweeper service stopped")
}

func every(d time.Duration) string {
	return fmt.Sprintf("@every %s", d)
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
