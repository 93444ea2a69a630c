package router

import (
	"fmt"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/relaydesk/dispatch/internal/handler"
	"github.com/relaydesk/dispatch/internal/middleware"
)

type Router struct {
	engine  *gin.Engine
	metrics *routerMetrics
}

type routerMetrics struct {
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
}

type Config struct {
	RateLimit rate.Limit
	RateBurst int
}

func New(cfg Config, handlers ...handler.Handler) *Router {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	r := &Router{
		engine: engine,
		metrics: &routerMetrics{
			requestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency",
				Buckets: prometheus.DefBuckets,
			}, []string{"method", "path", "status"}),
			requestTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "HTTP requests served",
			}, []string{"method", "path", "status"}),
		},
	}

	engine.Use(middleware.RequestID())
	engine.Use(middleware.Logger())
	engine.Use(middleware.Recovery())
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = int(cfg.RateLimit)
		}
		engine.Use(middleware.NewRateLimiter(cfg.RateLimit, burst).RateLimit())
	}
	engine.Use(r.instrument())

	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := engine.Group("/api/v1")
	for _, h := range handlers {
		h.RegisterRoutes(api)
	}
	return r
}

func (r *Router) instrument() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		r.metrics.requestDuration.WithLabelValues(c.Request.Method, path, status).
			Observe(time.Since(start).Seconds())
		r.metrics.requestTotal.WithLabelValues(c.Request.Method, path, status).Inc()
	}
}

func (r *Router) Engine() *gin.Engine {
	return r.engine
}

// Run starts the HTTP server on the given port.
func (r *Router) Run(port int) error {
	return r.engine.Run(fmt.Sprintf(":%d", port))
}
