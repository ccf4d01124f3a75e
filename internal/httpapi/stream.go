package httpapi

import (
	"context"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const streamWriteTimeout = 5 * time.Second

// handleEventStream serves the live change-event feed over a websocket.
// Each subscriber gets its own buffered feed from the broadcaster; a
// subscriber too slow to drain its buffer misses events rather than
// stalling detection. The durable event log is the replayable record.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: s.cfg.DevMode,
	})
	if err != nil {
		s.logf("websocket accept failed: %v", err)
		return
	}
	defer conn.CloseNow()

	events, cancel := s.tracker.Events()
	defer cancel()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "server closing")
			return
		case event, ok := <-events:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "feed closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, streamWriteTimeout)
			err := wsjson.Write(writeCtx, conn, event)
			cancelWrite()
			if err != nil {
				return
			}
		}
	}
}
