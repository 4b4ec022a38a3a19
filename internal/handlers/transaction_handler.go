package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pesaflow/payment-engine/internal/models"
	"github.com/pesaflow/payment-engine/internal/telemetry"
)

// PaymentService is the orchestration surface the transaction routes expose.
type PaymentService interface {
	InitiatePayment(ctx context.Context, businessID string, req *models.PaymentRequest) (*models.Transaction, error)
	CheckStatus(ctx context.Context, transactionID string) (*models.Transaction, error)
	Cancel(ctx context.Context, transactionID string) (*models.Transaction, error)
	ListTransactions(ctx context.Context, filter models.TransactionFilter, page models.Page) ([]*models.Transaction, int64, error)
	GetStatistics(ctx context.Context, businessID string, from, to time.Time) ([]models.StatisticsEntry, error)
}

type TransactionHandler struct {
	service PaymentService
}

func NewTransactionHandler(service PaymentService) *TransactionHandler {
	return &TransactionHandler{service: service}
}

// businessID is resolved by the routing layer's auth middleware and passed
// through this header.
const businessIDHeader = "X-Business-ID"

func (h *TransactionHandler) InitiatePayment(c *gin.Context) {
	businessID := c.GetHeader(businessIDHeader)

	var req models.PaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	tx, err := h.service.InitiatePayment(c.Request.Context(), businessID, &req)
	if err != nil {
		var gwErr *models.GatewayError
		if errors.As(err, &gwErr) && tx != nil {
			// The ledger entry exists; report the gateway failure with it.
			c.JSON(http.StatusBadGateway, gin.H{
				"error":       gwErr.Error(),
				"category":    gwErr.Category,
				"transaction": tx,
			})
			return
		}
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"transaction": tx})
}

func (h *TransactionHandler) GetStatus(c *gin.Context) {
	tx, err := h.service.CheckStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		if tx != nil {
			// The poll failed but the record is intact; serve cached state.
			telemetry.Logger.Warn("Status poll failed, serving cached state",
				zap.String("transaction_id", c.Param("id")), zap.Error(err))
			c.JSON(http.StatusOK, gin.H{"transaction": tx, "stale": true})
			return
		}
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

func (h *TransactionHandler) Cancel(c *gin.Context) {
	tx, err := h.service.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

func (h *TransactionHandler) List(c *gin.Context) {
	filter := models.TransactionFilter{
		BusinessID: c.GetHeader(businessIDHeader),
		Status:     models.TransactionStatus(c.Query("status")),
		Country:    c.Query("country"),
		Type:       models.TransactionType(c.Query("type")),
	}
	if v := c.Query("from"); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			filter.From = ts
		}
	}
	if v := c.Query("to"); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			filter.To = ts
		}
	}

	page := models.Page{Limit: queryInt(c, "limit", 20), Offset: queryInt(c, "offset", 0)}

	txs, total, err := h.service.ListTransactions(c.Request.Context(), filter, page)
	if err != nil {
		respondError(c, err)
		return
	}
	if txs == nil {
		txs = []*models.Transaction{}
	}
	c.JSON(http.StatusOK, gin.H{
		"transactions": txs,
		"total":        total,
		"limit":        page.Limit,
		"offset":       page.Offset,
	})
}

func (h *TransactionHandler) Statistics(c *gin.Context) {
	var from, to time.Time
	if v := c.Query("from"); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			from = ts
		}
	}
	if v := c.Query("to"); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			to = ts
		}
	}

	entries, err := h.service.GetStatistics(c.Request.Context(), c.GetHeader(businessIDHeader), from, to)
	if err != nil {
		respondError(c, err)
		return
	}
	if entries == nil {
		entries = []models.StatisticsEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"statistics": entries})
}

func queryInt(c *gin.Context, key string, def int) int {
	if v := c.Query(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return def
}

// respondError maps the engine error taxonomy onto HTTP statuses.
func respondError(c *gin.Context, err error) {
	var ve *models.ValidationError
	switch {
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, gin.H{"error": ve.Error(), "field": ve.Field})
	case errors.Is(err, models.ErrDuplicateReference):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case models.IsInvalidTransition(err):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrTransactionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrIntegrationNotConfigured),
		errors.Is(err, models.ErrUnsupportedCountry):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	default:
		var gwErr *models.GatewayError
		if errors.As(err, &gwErr) {
			c.JSON(http.StatusBadGateway, gin.H{"error": gwErr.Error(), "category": gwErr.Category})
			return
		}
		telemetry.Logger.Error("Unhandled request error", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
