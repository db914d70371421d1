package portfolio

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/papertrade-api/internal/auth"
	"github.com/ksred/papertrade-api/pkg/response"
)

// GinHandlers contains HTTP handlers for portfolio endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for portfolio endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// GetSummaryHandler handles GET requests for the portfolio summary
// Query parameter: tz, an IANA zone name for today's P&L (default UTC)
func (h *GinHandlers) GetSummaryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		loc := time.UTC
		if tz := c.Query("tz"); tz != "" {
			parsed, err := time.LoadLocation(tz)
			if err != nil {
				response.BadRequest(c, "unknown time zone "+tz)
				return
			}
			loc = parsed
		}

		summary, err := h.service.Summary(c.Request.Context(), auth.GetUserID(c), loc)
		response.Handle(c, summary, err)
	}
}

func (h *GinHandlers) GetPositionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		positions, err := h.service.OpenPositions(c.Request.Context(), auth.GetUserID(c))
		response.Handle(c, positions, err)
	}
}

func (h *GinHandlers) GetHoldingsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		holdings, err := h.service.Holdings(c.Request.Context(), auth.GetUserID(c))
		response.Handle(c, holdings, err)
	}
}
