package quotes

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/ksred/papertrade-api/internal/auth"
	"github.com/ksred/papertrade-api/internal/events"
	"github.com/ksred/papertrade-api/pkg/response"
	"github.com/rs/zerolog/log"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// GinHandlers contains HTTP handlers for quote endpoints
type GinHandlers struct {
	provider Provider
	source   string
	bus      *events.Bus
	upgrader websocket.Upgrader
}

func NewGinHandlers(provider Provider, source string, bus *events.Bus, origin string) *GinHandlers {
	return &GinHandlers{
		provider: provider,
		source:   source,
		bus:      bus,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return allowOrigin(r, origin) },
		},
	}
}

// GetQuoteHandler handles GET requests for the current price of a symbol.
// Pair symbols are passed with a dash, e.g. BTC-USD.
func (h *GinHandlers) GetQuoteHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		symbol := NormalizeSymbol(strings.ReplaceAll(c.Param("symbol"), "-", "/"))
		if symbol == "" {
			response.BadRequest(c, "Symbol is required")
			return
		}

		price, err := h.provider.GetCurrentPrice(c.Request.Context(), symbol)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		response.Success(c, Quote{Symbol: symbol, Price: price, Source: h.source, Time: time.Now().UTC()})
	}
}

// StreamHandler upgrades to a websocket and relays bus events visible to
// the authenticated user until either side closes.
func (h *GinHandlers) StreamHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := auth.GetUserID(c)
		conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warn().Err(err).Str("user_id", userID).Msg("Websocket upgrade failed")
			return
		}
		defer conn.Close()

		sub := h.bus.Subscribe()
		defer h.bus.Unsubscribe(sub)

		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()

		log.Debug().Str("user_id", userID).Msg("Stream opened")
		for {
			select {
			case evt, ok := <-sub:
				if !ok {
					return
				}
				if !events.Visible(evt, userID) {
					continue
				}
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteJSON(evt); err != nil {
					return
				}
			case <-ticker.C:
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-done:
				log.Debug().Str("user_id", userID).Msg("Stream closed")
				return
			}
		}
	}
}

func allowOrigin(r *http.Request, origin string) bool {
	if origin == "" || origin == "*" {
		return true
	}
	return strings.EqualFold(r.Header.Get("Origin"), origin)
}
