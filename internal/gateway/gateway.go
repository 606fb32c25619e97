package gateway

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/calebmorten/eventgate/internal/authz"
	"github.com/calebmorten/eventgate/internal/config"
	"github.com/calebmorten/eventgate/internal/dlq"
	"github.com/calebmorten/eventgate/internal/execlog"
	"github.com/calebmorten/eventgate/internal/executor"
	"github.com/calebmorten/eventgate/internal/fault"
	"github.com/calebmorten/eventgate/internal/health"
	"github.com/calebmorten/eventgate/internal/integration"
	"github.com/calebmorten/eventgate/internal/logging"
	"github.com/calebmorten/eventgate/internal/pipeline"
	"github.com/calebmorten/eventgate/internal/schedule"
	"github.com/calebmorten/eventgate/internal/source"
	"github.com/calebmorten/eventgate/internal/transform"
)

// Server is the operator and intake HTTP surface.
type Server struct {
	cfg          config.Gateway
	router       *source.Router
	pipeline     *pipeline.Pipeline
	integrations integration.Store
	dlqSvc       *dlq.Service
	scheduler    *schedule.Scheduler
	pending      schedule.Store
	transformer  *transform.Transformer
	executor     *executor.Executor
	logStore     execlog.Store
	pool         *pgxpool.Pool
	validator    *authz.Validator
	registry     *prometheus.Registry
	log          *logging.Logger
}

// Deps wires the server.
type Deps struct {
	Config       config.Gateway
	Router       *source.Router
	Pipeline     *pipeline.Pipeline
	Integrations integration.Store
	DLQ          *dlq.Service
	Scheduler    *schedule.Scheduler
	Pending      schedule.Store
	Transformer  *transform.Transformer
	Executor     *executor.Executor
	LogStore     execlog.Store
	Pool         *pgxpool.Pool
	Validator    *authz.Validator // nil trusts the x-org-id header (edge proxy)
	Registry     *prometheus.Registry
}

func New(deps Deps) *Server {
	return &Server{
		cfg:          deps.Config,
		router:       deps.Router,
		pipeline:     deps.Pipeline,
		integrations: deps.Integrations,
		dlqSvc:       deps.DLQ,
		scheduler:    deps.Scheduler,
		pending:      deps.Pending,
		transformer:  deps.Transformer,
		executor:     deps.Executor,
		logStore:     deps.LogStore,
		pool:         deps.Pool,
		validator:    deps.Validator,
		registry:     deps.Registry,
		log:          logging.New("eventgate-gateway"),
	}
}

// Engine builds the gin router.
func (s *Server) Engine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	corsCfg := cors.DefaultConfig()
	if len(s.cfg.AllowedOrigins) == 1 && s.cfg.AllowedOrigins[0] == "*" {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = s.cfg.AllowedOrigins
	}
	corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, "Authorization")
	r.Use(cors.New(corsCfg))

	r.GET("/healthz", gin.WrapF(health.HTTPHandler(s.pool)))
	if s.registry != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
	}

	v1 := r.Group("/v1", s.authMiddleware())
	{
		v1.POST("/events", s.handlePushEvent)
		v1.Any("/proxy/:integrationID/*path", s.handleProxy)

		v1.GET("/logs/:id", s.handleGetLog)
		v1.POST("/logs/:id/replay", s.handleReplay)

		v1.GET("/dlq", s.handleDLQList)
		v1.GET("/dlq/:id", s.handleDLQGet)
		v1.POST("/dlq/:id/retry", s.handleDLQRetry)
		v1.POST("/dlq/:id/abandon", s.handleDLQAbandon)
		v1.DELETE("/dlq/:id", s.handleDLQDelete)
		v1.POST("/dlq/bulk/retry", s.handleDLQBulkRetry)
		v1.POST("/dlq/bulk/abandon", s.handleDLQBulkAbandon)
		v1.POST("/dlq/bulk/delete", s.handleDLQBulkDelete)

		v1.POST("/schedules/:id/cancel", s.handleScheduleCancel)
		v1.PATCH("/schedules/:id", s.handleScheduleEdit)

		v1.POST("/test/transform", s.handleTestTransform)
		v1.POST("/test/schedule", s.handleTestSchedule)
		v1.POST("/test/connection", s.handleTestConnection)
	}
	return r
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	if s.validator != nil {
		return s.validator.Middleware()
	}
	// No key configured: the edge proxy terminates auth and forwards the org.
	return func(c *gin.Context) {
		if orgID := c.GetHeader("x-org-id"); orgID != "" {
			c.Set(string(authz.OrgIDKey), orgID)
		}
		c.Next()
	}
}

// fail writes the standard error envelope with a status derived from the
// fault category.
func fail(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{
		"success": false,
		"code":    fault.CodeOf(err),
		"error":   err.Error(),
	})
}

func statusFor(err error) int {
	switch fault.CategoryOf(err) {
	case fault.Validation:
		switch fault.CodeOf(err) {
		case "INTEGRATION_NOT_FOUND", "DLQ_NOT_FOUND", "EXECUTION_NOT_FOUND", "SCHEDULE_NOT_FOUND":
			return http.StatusNotFound
		case "DUPLICATE_REPLAY":
			return http.StatusConflict
		}
		return http.StatusBadRequest
	case fault.Authentication:
		return http.StatusUnauthorized
	case fault.RateLimited:
		return http.StatusTooManyRequests
	case fault.Transformation, fault.Sandbox:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
