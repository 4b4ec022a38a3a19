package handlers

import (
	"context"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pesaflow/payment-engine/internal/telemetry"
)

// CallbackService consumes raw gateway callback payloads.
type CallbackService interface {
	Process(ctx context.Context, country string, payload []byte) error
}

type CallbackHandler struct {
	processor CallbackService
}

func NewCallbackHandler(processor CallbackService) *CallbackHandler {
	return &CallbackHandler{processor: processor}
}

// Receive ingests a gateway callback. Gateways retry aggressively on non-2xx
// responses, so the handler always acknowledges; processing failures are
// logged and left for the reconciliation sweep to repair.
func (h *CallbackHandler) Receive(c *gin.Context) {
	country := c.Param("country")

	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		telemetry.Logger.Error("Failed to read callback body",
			zap.String("country", country), zap.Error(err))
		h.acknowledge(c, country)
		return
	}

	if err := h.processor.Process(c.Request.Context(), country, payload); err != nil {
		telemetry.Logger.Error("Callback processing failed",
			zap.String("country", country), zap.Error(err))
	}
	h.acknowledge(c, country)
}

// acknowledge answers in the shape each gateway expects.
func (h *CallbackHandler) acknowledge(c *gin.Context, country string) {
	switch country {
	case "kenya":
		c.JSON(http.StatusOK, gin.H{"ResultCode": 0, "ResultDesc": "Accepted"})
	default:
		c.JSON(http.StatusOK, gin.H{"status": "received"})
	}
}
