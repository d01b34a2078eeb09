package agentapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const statusPushInterval = time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// local API is bound to loopback; the capture page connects
		// from a browser origin
		return true
	},
}

// StatusWS handles GET /v1/status/ws: pushes the queue summary and slot
// progress once per second until the client disconnects.
func (h *Handler) StatusWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// drain reads so close frames are processed
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(statusPushInterval)
	defer ticker.Stop()

	for {
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		err := conn.WriteJSON(gin.H{
			"queue":    h.queue.GetSummary(),
			"progress": h.tracker.Summary(),
		})
		if err != nil {
			return
		}
		select {
		case <-c.Request.Context().Done():
			_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case <-ticker.C:
		}
	}
}
