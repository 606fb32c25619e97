package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go.opentelemetry.io/otel/attribute"

	"github.com/calebmorten/eventgate/internal/authheader"
	"github.com/calebmorten/eventgate/internal/config"
	"github.com/calebmorten/eventgate/internal/db"
	"github.com/calebmorten/eventgate/internal/dlq"
	"github.com/calebmorten/eventgate/internal/event"
	"github.com/calebmorten/eventgate/internal/execlog"
	"github.com/calebmorten/eventgate/internal/executor"
	"github.com/calebmorten/eventgate/internal/fault"
	"github.com/calebmorten/eventgate/internal/health"
	"github.com/calebmorten/eventgate/internal/integration"
	"github.com/calebmorten/eventgate/internal/logging"
	"github.com/calebmorten/eventgate/internal/metrics"
	"github.com/calebmorten/eventgate/internal/pipeline"
	"github.com/calebmorten/eventgate/internal/ratelimit"
	"github.com/calebmorten/eventgate/internal/sandbox"
	"github.com/calebmorten/eventgate/internal/tracing"
	"github.com/calebmorten/eventgate/internal/transform"
)

func main() {
	cfg := config.FromEnv()
	ctx := context.Background()

	logger := logging.New("eventgate-worker")

	shutdown, err := tracing.InitTracing(ctx, "eventgate-worker")
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

	// HTTP health/metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(pool, map[string]health.Check{"nsq": publisher.Ping}))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{Addr: cfg.Worker.HTTPPort, Handler: mux}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("worker HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("worker HTTP server failed")
		}
	}()

	integrations := integration.NewPGStore(pool)
	logStore := execlog.NewPGStore(pool)
	runner := sandbox.New(sandbox.Limits{
		Timeout:       cfg.Sandbox.Timeout,
		MaxOutputSize: cfg.Sandbox.MaxOutputSize,
	})

	registry := executor.NewRegistry()
	registry.Register("email", "log", executor.NewLogProvider("email"))
	registry.Register("sms", "log", executor.NewLogProvider("sms"))

	pipe := pipeline.New(pipeline.Deps{
		Transformer: transform.New(runner, transform.NewPGLookup(pool)),
		Limiter:     ratelimit.New(ratelimit.NewPGStore(pool)),
		Auth:        authheader.New(),
		Executor:    executor.New(),
		Registry:    registry,
		Attempts:    execlog.New(logStore),
		LogStore:    logStore,
		DLQ:         dlq.NewService(dlq.NewPGStore(pool), publisher, cfg.NSQ.TasksTopic),
		Publisher:   publisher,
		Retry:       cfg.Retry,
		TaskTopic:   cfg.NSQ.TasksTopic,
		DLQTopic:    cfg.NSQ.DLQTopic,
		PublishDLQ:  cfg.Worker.PublishDLQ,
	})

	conf := nsq.NewConfig()
	conf.MaxInFlight = cfg.Worker.MaxInFlight
	consumer, err := nsq.NewConsumer(cfg.NSQ.TasksTopic, cfg.NSQ.WorkerChannel, conf)
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq consumer creation failed")
	}

	startBacklogMonitor(cfg)

	consumer.AddHandler(nsq.HandlerFunc(func(m *nsq.Message) error {
		m.DisableAutoResponse() // we manually requeue or finish
		defer func() {
			if !m.HasResponded() {
				logger.Plain().Warn("message had no response, finishing")
				m.Finish()
			}
		}()

		t, err := event.DecodeTask(m.Body)
		if err != nil {
			logger.Plain().WithError(err).Error("bad task payload")
			m.Finish() // terminal: don't retry bad payloads
			return nil
		}

		ctx := tracing.ExtractTraceFromNSQ(ctx, t.TraceHeaders)
		ctx, span := tracing.StartSpan(ctx, "worker.delivery",
			attribute.String("event_id", t.Event.ID),
			attribute.String("org_id", t.Event.OrgID),
			attribute.String("event_type", t.Event.EventType),
			attribute.String("integration_id", t.IntegrationID),
			attribute.String("trigger", t.Trigger),
			attribute.Int("attempt", t.Attempt),
		)
		defer span.End()

		integ, err := integrations.GetByID(ctx, t.IntegrationID)
		if err != nil {
			tracing.SetSpanError(ctx, err)
			logger.WithContext(ctx).WithEvent(t.Event.ID).WithIntegration(t.IntegrationID).
				WithError(err).Error("integration lookup failed")
			if fault.CategoryOf(err) == fault.Validation {
				m.Finish() // terminal: integration is gone
			} else {
				m.Requeue(30 * time.Second)
			}
			return nil
		}
		if !integ.Active {
			logger.WithContext(ctx).WithIntegration(integ.ID).Info("integration inactive, dropping task")
			m.Finish()
			return nil
		}

		results := deliver(ctx, pipe, t, integ)
		for _, res := range results {
			span.SetAttributes(
				attribute.String("delivery.status", string(res.Status)),
				attribute.Int("delivery.attempts", res.Attempts),
			)
		}

		// Rate-limited targets in a fan-out are re-enqueued one by one;
		// requeueing the whole message would re-run targets that already
		// delivered.
		retryAfter, err := deferRateLimited(ctx, publisher, cfg.NSQ.TasksTopic, t, results)
		if err != nil {
			logger.WithContext(ctx).WithEvent(t.Event.ID).WithIntegration(integ.ID).
				WithError(err).Error("per-target deferral failed, requeueing message")
		}
		if retryAfter > 0 {
			tracing.AddSpanEvent(ctx, "delivery.deferred", attribute.String("delay", retryAfter.String()))
			logger.WithContext(ctx).WithEvent(t.Event.ID).WithIntegration(integ.ID).
				WithField("delay", retryAfter.String()).Info("rate limited, requeueing task")
			m.Requeue(retryAfter)
			return nil
		}

		m.Finish()
		return nil
	}))

	// Connecting directly to NSQD forces channel creation, instead of the
	// channel being lazily created on first publish
	if err := consumer.ConnectToNSQD(cfg.NSQ.NsqdTCPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to nsqd failed")
	}
	if err := consumer.ConnectToNSQLookupd(cfg.NSQ.LookupHTTPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to lookupd failed")
	}

	logger.Plain().Info("worker service started")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("Shutting down worker service")
	consumer.Stop()
	<-consumer.StopChan
	_ = httpSrv.Shutdown(context.Background())
	logger.Plain().Info("worker service stopped")
}

// deliver routes a task to a single target or the full fan-out.
func deliver(ctx context.Context, pipe *pipeline.Pipeline, t event.Task, integ *integration.Integration) []pipeline.Result {
	if t.ActionID != "" {
		for i := range integ.Actions {
			if integ.Actions[i].ID == t.ActionID {
				return []pipeline.Result{pipe.DeliverAction(ctx, t, integ, &integ.Actions[i])}
			}
		}
		return []pipeline.Result{{Err: fault.New(fault.Validation, "ACTION_NOT_FOUND",
			"integration %s has no action %s", integ.ID, t.ActionID)}}
	}
	if t.PrimaryOnly {
		return []pipeline.Result{pipe.Deliver(ctx, t, integ)}
	}
	return pipe.DeliverAll(ctx, t, integ)
}

// deferRateLimited re-enqueues the targets the rate window denied. A task
// with one target returns its RetryAfter so the caller requeues the message
// itself; a fan-out publishes one deferred task per denied target and
// returns 0. On a failed deferred publish the message delay comes back with
// the error so the caller requeues the whole message instead of dropping
// the denied target.
func deferRateLimited(ctx context.Context, pub event.Publisher, topic string, t event.Task, results []pipeline.Result) (time.Duration, error) {
	var limited []pipeline.Result
	var maxAfter time.Duration
	for _, res := range results {
		if res.Err != nil && fault.CategoryOf(res.Err) == fault.RateLimited {
			limited = append(limited, res)
			if res.RetryAfter > maxAfter {
				maxAfter = res.RetryAfter
			}
		}
	}
	if len(limited) == 0 {
		return 0, nil
	}
	if t.ActionID != "" || t.PrimaryOnly || len(results) == 1 {
		return maxAfter, nil
	}

	var deferErr error
	for _, res := range limited {
		dt := t
		dt.ActionID = res.ActionID
		dt.PrimaryOnly = res.ActionID == ""
		if err := pub.DeferTask(ctx, topic, dt, res.RetryAfter); err != nil && deferErr == nil {
			deferErr = err
		}
	}
	if deferErr != nil {
		return maxAfter, deferErr
	}
	return 0, nil
}

// startBacklogMonitor periodically scrapes nsqd stats into gauges.
func startBacklogMonitor(cfg config.Config) {
	go func() {
		logger := logging.New("eventgate-worker-monitor")
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		httpClient := &http.Client{Timeout: 5 * time.Second}

		for range ticker.C {
			// nsqd HTTP listens one port above TCP
			nsqdHTTPAddr := strings.Replace(cfg.NSQ.NsqdTCPAddr, ":4150", ":4151", 1)
			resp, err := httpClient.Get(fmt.Sprintf("http://%s/stats?format=json", nsqdHTTPAddr))
			if err != nil {
				logger.Plain().WithError(err).Error("Failed to get NSQ stats")
				continue
			}

			var stats struct {
				Topics []struct {
					Name     string `json:"topic_name"`
					Channels []struct {
						Name  string `json:"channel_name"`
						Depth int64  `json:"depth"`
					} `json:"channels"`
				} `json:"topics"`
			}

			if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
				resp.Body.Close()
				logger.Plain().WithError(err).Error("Failed to decode NSQ stats")
				continue
			}
			resp.Body.Close()

			for _, topic := range stats.Topics {
				for _, channel := range topic.Channels {
					if topic.Name == cfg.NSQ.TasksTopic && channel.Name == cfg.NSQ.WorkerChannel {
						metrics.UpdateWorkerBacklog(float64(channel.Depth))
					}
					metrics.UpdateNSQTopicDepth(topic.Name, channel.Name, float64(channel.Depth))
				}
			}
		}
	}()
}
