package trading

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/ksred/papertrade-api/internal/auth"
	"github.com/ksred/papertrade-api/internal/ledger"
	"github.com/ksred/papertrade-api/internal/quotes"
	"github.com/ksred/papertrade-api/internal/types"
	"github.com/ksred/papertrade-api/pkg/response"
)

// GinHandlers contains HTTP handlers for trading endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for trading endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// CreateOrderHandler handles POST requests to place orders
// Optional Idempotency-Key header makes retries safe
func (h *GinHandlers) CreateOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req PlaceOrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.Handle(c, nil, types.NewError(types.KindInvalidOrderRequest, "invalid request body"))
			return
		}

		order, err := h.service.PlaceOrder(c.Request.Context(), auth.GetUserID(c), req, c.GetHeader("Idempotency-Key"))
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		response.Created(c, order)
	}
}

// ListOrdersHandler handles GET requests for the user's orders
// Query parameters: status, symbol, limit (default 100), offset
func (h *GinHandlers) ListOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
		if err != nil || limit < 0 {
			response.BadRequest(c, "limit must be a non-negative integer")
			return
		}
		offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
		if err != nil || offset < 0 {
			response.BadRequest(c, "offset must be a non-negative integer")
			return
		}

		orders, err := h.service.ListOrders(c.Request.Context(), auth.GetUserID(c), ledger.OrderFilter{
			Status: types.OrderStatus(c.Query("status")),
			Symbol: quotes.NormalizeSymbol(c.Query("symbol")),
			Limit:  limit,
			Offset: offset,
		})
		response.Handle(c, orders, err)
	}
}

// GetOrderHandler handles GET requests for a single order
// URL parameter: order_id
func (h *GinHandlers) GetOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		order, err := h.service.GetOrder(c.Request.Context(), auth.GetUserID(c), c.Param("order_id"))
		response.Handle(c, order, err)
	}
}

// CloseOrderHandler handles POST requests to close an open position
// URL parameter: order_id
func (h *GinHandlers) CloseOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		order, err := h.service.CloseOrder(c.Request.Context(), auth.GetUserID(c), c.Param("order_id"))
		response.Handle(c, order, err)
	}
}

// CancelOrderHandler handles POST requests to cancel a pending order
// URL parameter: order_id
func (h *GinHandlers) CancelOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		order, err := h.service.CancelOrder(c.Request.Context(), auth.GetUserID(c), c.Param("order_id"))
		response.Handle(c, order, err)
	}
}

// FillOrderHandler handles internal requests to fill a pending order
// URL parameter: order_id
func (h *GinHandlers) FillOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req FillRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		order, err := h.service.FillOrder(c.Request.Context(), c.Param("order_id"), req.Price)
		response.Handle(c, order, err)
	}
}
