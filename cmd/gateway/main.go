package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/calebmorten/eventgate/internal/authheader"
	"github.com/calebmorten/eventgate/internal/authz"
	"github.com/calebmorten/eventgate/internal/config"
	"github.com/calebmorten/eventgate/internal/db"
	"github.com/calebmorten/eventgate/internal/dlq"
	"github.com/calebmorten/eventgate/internal/event"
	"github.com/calebmorten/eventgate/internal/execlog"
	"github.com/calebmorten/eventgate/internal/executor"
	"github.com/calebmorten/eventgate/internal/gateway"
	"github.com/calebmorten/eventgate/internal/integration"
	"github.com/calebmorten/eventgate/internal/logging"
	"github.com/calebmorten/eventgate/internal/metrics"
	"github.com/calebmorten/eventgate/internal/pipeline"
	"github.com/calebmorten/eventgate/internal/ratelimit"
	"github.com/calebmorten/eventgate/internal/sandbox"
	"github.com/calebmorten/eventgate/internal/schedule"
	"github.com/calebmorten/eventgate/internal/source"
	"github.com/calebmorten/eventgate/internal/tracing"
	"github.com/calebmorten/eventgate/internal/transform"
)

func main() {
	cfg := config.FromEnv()
	ctx := context.Background()

	logger := logging.New("eventgate-gateway")

	shutdown, err := tracing.InitTracing(ctx, "eventgate-gateway")
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

	integrations := integration.NewPGStore(pool)
	logStore := execlog.NewPGStore(pool)
	pending := schedule.NewPGStore(pool)
	runner := sandbox.New(sandbox.Limits{
		Timeout:       cfg.Sandbox.Timeout,
		MaxOutputSize: cfg.Sandbox.MaxOutputSize,
	})
	transformer := transform.New(runner, transform.NewPGLookup(pool))
	scheduler := schedule.New(runner)
	exec := executor.New()

	registry := executor.NewRegistry()
	registry.Register("email", "log", executor.NewLogProvider("email"))
	registry.Register("sms", "log", executor.NewLogProvider("sms"))

	dlqSvc := dlq.NewService(dlq.NewPGStore(pool), publisher, cfg.NSQ.TasksTopic)

	pipe := pipeline.New(pipeline.Deps{
		Transformer: transformer,
		Limiter:     ratelimit.New(ratelimit.NewPGStore(pool)),
		Auth:        authheader.New(),
		Executor:    exec,
		Registry:    registry,
		Attempts:    execlog.New(logStore),
		LogStore:    logStore,
		DLQ:         dlqSvc,
		Publisher:   publisher,
		Retry:       cfg.Retry,
		TaskTopic:   cfg.NSQ.TasksTopic,
		DLQTopic:    cfg.NSQ.DLQTopic,
		PublishDLQ:  cfg.Worker.PublishDLQ,
	})

	// Token validation is optional: behind the edge proxy the x-org-id
	// header is trusted instead.
	var validator *authz.Validator
	if cfg.Gateway.JWTPublicKey != "" {
		validator, err = authz.NewValidator(cfg.Gateway.JWTPublicKey, cfg.Gateway.JWTIssuer, cfg.Gateway.JWTAudience)
		if err != nil {
			logger.Plain().WithError(err).Fatal("jwt public key parse failed")
		}
	}

	srv := gateway.New(gateway.Deps{
		Config:       cfg.Gateway,
		Router:       source.NewRouter(integrations, scheduler, pending, publisher, cfg.NSQ.TasksTopic),
		Pipeline:     pipe,
		Integrations: integrations,
		DLQ:          dlqSvc,
		Scheduler:    scheduler,
		Pending:      pending,
		Transformer:  transformer,
		Executor:     exec,
		LogStore:     logStore,
		Pool:         pool,
		Validator:    validator,
		Registry:     reg,
	})

	httpSrv := &http.Server{Addr: cfg.Gateway.HTTPPort, Handler: srv.Engine()}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("gateway HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("gateway HTTP server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("Shutting down gateway service")
	_ = httpSrv.Shutdown(context.Background())
	logger.Plain().Info("gateway service stopped")
}
