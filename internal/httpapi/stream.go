package httpapi

import (
	"net/http"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// handleStream upgrades to a websocket and pushes each newly accepted
// message as a JSON frame. Duplicates and rejected deliveries never reach
// the stream.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, requestID string) {
	if s.stream == nil {
		writeError(w, http.StatusNotFound, "not_found", "live stream not enabled", requestID)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	sub, cancel := s.stream.Subscribe()
	defer cancel()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case msg, ok := <-sub:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			if err := wsjson.Write(ctx, conn, msg); err != nil {
				return
			}
		}
	}
}
