package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/heptiolabs/healthcheck"
	"github.com/meerkat-bl/bluse/kernel/model"
	"github.com/michaelquigley/pfxlog"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type RouterConfig struct {
	Source   Source
	Gatherer prometheus.Gatherer
	// Store, if set, gates readiness on a successful ping.
	Store Pinger
	// MaxGoroutines fails liveness when exceeded; zero disables the check.
	MaxGoroutines int
}

// NewRouter serves the product status API, prometheus metrics and the
// liveness and readiness probes.
func NewRouter(cfg RouterConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	health := healthcheck.NewHandler()
	if cfg.MaxGoroutines > 0 {
		health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(cfg.MaxGoroutines))
	}
	if cfg.Store != nil {
		health.AddReadinessCheck("store", func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return cfg.Store.Ping(ctx)
		})
	}
	router.GET("/live", gin.WrapF(health.LiveEndpoint))
	router.GET("/ready", gin.WrapF(health.ReadyEndpoint))

	if cfg.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))
	}

	v1 := router.Group("/api/v1")
	{
		v1.GET("/products", listProductsHandler(cfg.Source))
		v1.GET("/products/:id", getProductHandler(cfg.Source))
	}
	return router
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		pfxlog.Logger().WithField("method", c.Request.Method).
			WithField("path", c.Request.URL.Path).
			WithField("status", c.Writer.Status()).
			WithField("duration", time.Since(start)).
			Debug("api request")
	}
}

func listProductsHandler(src Source) gin.HandlerFunc {
	return func(c *gin.Context) {
		products, err := src.Products(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"count": len(products), "products": products})
	}
}

func getProductHandler(src Source) gin.HandlerFunc {
	return func(c *gin.Context) {
		product, err := src.Product(c.Request.Context(), model.ProductID(c.Param("id")))
		if errors.Is(err, ErrProductNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, product)
	}
}
