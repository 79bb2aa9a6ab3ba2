package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"platform-core/internal/events"
	"platform-core/pkg/db"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// websocket streams settlement and balance events for the authenticated
// account. Browsers cannot set an Authorization header on the upgrade
// request, so the token rides in a query parameter.
func (s *Server) websocket(c *gin.Context) {
	tokenStr := c.Query("token")
	if tokenStr == "" {
		c.JSON(http.StatusUnauthorized, gin.H{
			"code":  "MISSING_TOKEN",
			"error": "token query parameter is required",
		})
		return
	}
	claims, err := parseToken(tokenStr, s.JWTSecret)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{
			"code":  "INVALID_TOKEN",
			"error": "invalid or expired token",
		})
		return
	}
	accountID := claims.UserID

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logrus.WithError(err).Warn("ws upgrade error")
		return
	}
	defer conn.Close()

	if s.Bus == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"bus not ready"}`))
		return
	}

	trades, unsubTrades := s.Bus.Subscribe(events.EventTradeSettled, 100)
	defer unsubTrades()
	balances, unsubBalances := s.Bus.Subscribe(events.EventBalanceChanged, 100)
	defer unsubBalances()

	for {
		var frame any
		select {
		case msg, ok := <-trades:
			if !ok {
				return
			}
			rec, okCast := msg.(db.TradeRecord)
			if !okCast || rec.AccountID != accountID {
				continue
			}
			frame = gin.H{"event": string(events.EventTradeSettled), "data": rec}
		case msg, ok := <-balances:
			if !ok {
				return
			}
			change, okCast := msg.(events.BalanceChange)
			if !okCast || change.AccountID != accountID {
				continue
			}
			frame = gin.H{"event": string(events.EventBalanceChanged), "data": change}
		case <-c.Request.Context().Done():
			return
		}

		if err := conn.WriteJSON(frame); err != nil {
			logrus.WithError(err).Debug("ws write error")
			return
		}
	}
}
