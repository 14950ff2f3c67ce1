package http

import (
	"strconv"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go.ngs.io/heat-downscale/internal/observability"
)

// SetupRouter creates and configures the Gin router. An empty origins list
// allows all origins.
func SetupRouter(handler *Handler, metrics *observability.Metrics, origins []string) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestMetrics(metrics))

	corsConfig := cors.DefaultConfig()
	if len(origins) > 0 {
		corsConfig.AllowOrigins = origins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	router.Use(cors.New(corsConfig))

	v1 := router.Group("/v1")
	v1.GET("/model", handler.GetModel)
	v1.GET("/evaluations", handler.GetEvaluations)

	maps := v1.Group("/maps")
	maps.GET("/:date/point", handler.GetMapPoint)

	router.GET("/health", handler.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})))

	return router
}

// requestMetrics counts requests by route template and status code.
func requestMetrics(m *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.HTTPRequests.WithLabelValues(route, strconv.Itoa(c.Writer.Status())).Inc()
	}
}
