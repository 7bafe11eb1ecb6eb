package httpapi

import (
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Heartbeat is the message written to presence connections every PresenceInterval.
type Heartbeat struct {
	Type          string    `json:"type"`
	At            time.Time `json:"at"`
	IntervalMS    int64     `json:"intervalMs"`
	CorrelationID string    `json:"correlationId,omitempty"`
}

// handlePresence keeps a websocket open and writes heartbeats until the client leaves.
// Clients treat a missing heartbeat as loss of connectivity.
func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request, claims accessClaims, correlationID string) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Str("correlation_id", correlationID).Msg("presence upgrade failed")
		return
	}
	defer conn.CloseNow()

	logger := s.logger.With().Str("subject", claims.Subject).Str("correlation_id", correlationID).Logger()
	logger.Debug().Msg("presence connected")
	ctx := conn.CloseRead(r.Context())

	interval := s.cfg.PresenceInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		beat := Heartbeat{
			Type:          "heartbeat",
			At:            s.now(),
			IntervalMS:    interval.Milliseconds(),
			CorrelationID: correlationID,
		}
		if err := wsjson.Write(ctx, conn, beat); err != nil {
			logger.Debug().Err(err).Msg("presence disconnected")
			return
		}
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-ticker.C:
		}
	}
}
