package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pesaflow/payment-engine/internal/handlers"
	"github.com/pesaflow/payment-engine/internal/telemetry"
)

func NewRouter(payments handlers.PaymentService, callbacks handlers.CallbackService) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(telemetry.TracingMiddleware())

	// Prometheus metrics
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "payment-engine"})
	})

	// Transaction routes
	txHandler := handlers.NewTransactionHandler(payments)
	r.POST("/transactions", txHandler.InitiatePayment)
	r.GET("/transactions", txHandler.List)
	r.GET("/transactions/statistics", txHandler.Statistics)
	r.GET("/transactions/:id/status", txHandler.GetStatus)
	r.POST("/transactions/:id/cancel", txHandler.Cancel)

	// Gateway callback routes
	cbHandler := handlers.NewCallbackHandler(callbacks)
	r.POST("/callbacks/:country", cbHandler.Receive)

	return r
}
