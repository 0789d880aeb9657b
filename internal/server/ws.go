package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	wsWriteTimeout = 10 * time.Second
	wsPollInterval = 500 * time.Millisecond
	wsPingInterval = 30 * time.Second
)

// handleTaskLogsWS pushes log entries over a websocket. The offset contract
// matches the HTTP endpoint: the client supplies a starting sequence and
// receives every entry from there, including the truncation marker.
func (s *Server) handleTaskLogsWS(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.svc.Store().Get(c.Request.Context(), id); err != nil {
		respondError(c, statusCodeFor(err), err)
		return
	}

	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// Discard client frames, but notice the close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	offset := int64Query(c, "offset", 0)
	poll := time.NewTicker(wsPollInterval)
	defer poll.Stop()
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-poll.C:
			res, err := s.logs.Read(c.Request.Context(), id, offset, maxLogPage)
			if err != nil {
				return
			}
			for _, entry := range res.Entries {
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(entry); err != nil {
					return
				}
			}
			if len(res.Entries) > 0 {
				offset = res.NextOffset
			}
		}
	}
}
