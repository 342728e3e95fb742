// Package api is the REST boundary of the venue core.
package api

import (
	"context"
	"net/http"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	playground "github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/Aidin1998/pincex_hybrid/internal/middleware/ratelimit"
	"github.com/Aidin1998/pincex_hybrid/internal/trading/engine"
	"github.com/Aidin1998/pincex_hybrid/internal/trading/model"
	"github.com/Aidin1998/pincex_hybrid/internal/trading/router"
	"github.com/Aidin1998/pincex_hybrid/internal/trading/sharding"
	"github.com/Aidin1998/pincex_hybrid/internal/validator"
	"github.com/Aidin1998/pincex_hybrid/pkg/errors"
	"github.com/Aidin1998/pincex_hybrid/pkg/precision"
)

// Identity headers set by the upstream authentication middleware.
const (
	HeaderUserID     = "X-User-ID"
	HeaderUserActive = "X-User-Active"

	ctxUserID = "userID"
)

// Exchange is the sharded matching surface. *sharding.Executor implements it.
type Exchange interface {
	Pair(pair string) (model.Pair, error)
	ProcessOrder(ctx context.Context, order model.Order) (*engine.Result, error)
	SubmitBatch(ctx context.Context, orders []model.Order) []sharding.BatchResult
	CancelOrder(ctx context.Context, pair, orderID string) (bool, error)
	GetOrder(pair, orderID string) (model.Order, error)
	GetOrderbook(pair string, depth int) (model.OrderbookSnapshot, error)
	Status() []sharding.ShardStatus
}

// OrderRouter splits orders across the book and the AMM. *router.Router implements it.
type OrderRouter interface {
	Route(ctx context.Context, order model.Order) (*router.RoutingResult, error)
}

// Validator is the cross-system validator. *validator.Validator implements it.
type Validator interface {
	Snapshots() []validator.Snapshot
	ValidateProof(ctx context.Context, req validator.ProofRequest) error
	CheckOrder(ctx context.Context, pair model.Pair, order model.Order) error
	AuditTrail(limit int) []validator.Discrepancy
}

// Options configures the HTTP boundary.
type Options struct {
	AllowedOrigins []string
	// PretradeChecks runs the validator's balance and price checks before dispatch.
	PretradeChecks bool
	// MaxBatch bounds the size of a batch submission.
	MaxBatch int
	// Limiter throttles order endpoints per user. Nil disables throttling.
	Limiter ratelimit.Limiter
}

// Deps are the services behind the API. Router and Validator are optional.
type Deps struct {
	Exchange  Exchange
	Router    OrderRouter
	Validator Validator
}

// Server represents the API server
type Server struct {
	opts      Options
	exchange  Exchange
	router    OrderRouter
	validator Validator
	validate  *playground.Validate
	clock     clock.Clock
	logger    *zap.Logger
	newID     func() string
	engine    *gin.Engine
}

// NewServer creates the API server and registers its routes.
func NewServer(opts Options, deps Deps, clk clock.Clock, logger *zap.Logger) *Server {
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = 100
	}
	if clk == nil {
		clk = clock.New()
	}
	s := &Server{
		opts:      opts,
		exchange:  deps.Exchange,
		router:    deps.Router,
		validator: deps.Validator,
		validate:  newValidate(),
		clock:     clk,
		logger:    logger.Named("api"),
		newID:     uuid.NewString,
	}

	r := gin.New()
	r.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	r.Use(ginzap.RecoveryWithZap(logger, true))
	r.Use(otelgin.Middleware("pincex-api"))
	r.Use(cors.New(corsConfig(opts.AllowedOrigins)))
	s.engine = r
	s.registerRoutes()
	return s
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", HeaderUserID, HeaderUserActive},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 || slices.Contains(origins, "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cfg
}

// newValidate returns a struct validator that also understands the "decimal" tag.
func newValidate() *playground.Validate {
	v := playground.New(playground.WithRequiredStructEnabled())
	_ = v.RegisterValidation("decimal", func(fl playground.FieldLevel) bool {
		return precision.Validate(fl.Field().String()) == nil
	})
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Handler returns the gin engine.
func (s *Server) Handler() http.Handler { return s.engine }

// Router returns the internal Gin engine for testing purposes
func (s *Server) Router() *gin.Engine { return s.engine }

func (s *Server) registerRoutes() {
	s.engine.GET("/health", s.healthCheck)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.engine.Group("/api/v1")
	{
		v1.GET("/orderbook/:pair", s.getOrderbook)
		v1.GET("/shards", s.getShards)

		orders := v1.Group("/orders", s.identityMiddleware(), s.rateLimitMiddleware())
		{
			orders.POST("", s.placeOrder)
			orders.POST("/batch", s.placeBatch)
			orders.GET("/:pair/:id", s.getOrder)
			orders.DELETE("/:pair/:id", s.cancelOrder)
		}

		val := v1.Group("/validator")
		{
			val.GET("/snapshots", s.getSnapshots)
			val.POST("/proofs", s.validateProof)
			val.GET("/audit", s.getAuditTrail)
		}
	}
}

// identityMiddleware admits requests carrying a verified, active user.
func (s *Server) identityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader(HeaderUserID)
		if userID == "" {
			s.writeError(c, errors.Unauthorized.Explain("missing %s header", HeaderUserID))
			c.Abort()
			return
		}
		active, err := strconv.ParseBool(c.GetHeader(HeaderUserActive))
		if err != nil || !active {
			s.writeError(c, errors.Forbidden.Explain("user %s is not active", userID))
			c.Abort()
			return
		}
		c.Set(ctxUserID, userID)
		c.Next()
	}
}

// rateLimitMiddleware spends one token of the caller's bucket per request.
// A limiter outage lets traffic through.
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.opts.Limiter == nil {
			c.Next()
			return
		}
		key := c.GetString(ctxUserID)
		if key == "" {
			key = c.ClientIP()
		}
		ok, err := s.opts.Limiter.Allow(c.Request.Context(), key)
		if err != nil {
			s.logger.Warn("rate limiter unavailable", zap.String("key", key), zap.Error(err))
			c.Next()
			return
		}
		if !ok {
			s.writeError(c, errors.RateLimited.Explain("too many requests for %s", key))
			c.Abort()
			return
		}
		c.Next()
	}
}

// writeError writes an RFC 7807 problem document.
func (s *Server) writeError(c *gin.Context, err error) {
	p := errors.ProblemFor(err, c.Request.URL.Path)
	if p.Status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
	}
	body, merr := p.MarshalJSON()
	if merr != nil {
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Data(p.Status, "application/problem+json", body)
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": s.clock.Now().UTC()})
}
