package api

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"strconv"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/ushineko/natpeer/internal/events"
)

const (
	wsWriteTimeout = 5 * time.Second
	maxBacklog     = 1000
)

// wsMessage is the envelope for all WebSocket messages.
type wsMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// wsEvent is a server to client event message.
type wsEvent struct {
	Type string       `json:"type"`
	Data events.Event `json:"data"`
}

// handleEvents streams cache events over a websocket. Query parameters:
// kind (repeatable filter) and recent (number of buffered events to send
// first). Clients may change the filter with
// {"type":"set_kinds","data":{"kinds":["recovered"]}}.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		http.NotFound(w, r)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // local socket clients send no Origin
	})
	if err != nil {
		s.logger.Error("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "") //nolint:errcheck // no-op after a normal close

	kinds := make([]events.Kind, 0, len(r.URL.Query()["kind"]))
	for _, k := range r.URL.Query()["kind"] {
		kinds = append(kinds, events.Kind(k))
	}
	sub := s.events.Subscribe(kinds...)
	defer s.events.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Read pump: client messages.
	go func() {
		defer cancel()
		for {
			var msg wsMessage
			if err := wsjson.Read(ctx, conn, &msg); err != nil {
				return
			}
			if msg.Type != "set_kinds" {
				continue
			}
			var data struct {
				Kinds []events.Kind `json:"kinds"`
			}
			if json.Unmarshal(msg.Data, &data) == nil {
				sub.SetKinds(data.Kinds...)
			}
		}
	}()

	if n, err := strconv.Atoi(r.URL.Query().Get("recent")); err == nil && n > 0 {
		for _, ev := range s.events.Recent(min(n, maxBacklog), "") {
			if len(kinds) > 0 && !slices.Contains(kinds, ev.Kind) {
				continue
			}
			if !s.writeEvent(ctx, conn, ev) {
				return
			}
		}
	}

	// Write pump.
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "") //nolint:errcheck,gosec // best-effort close
			return
		case ev := <-sub.C:
			if !s.writeEvent(ctx, conn, ev) {
				return
			}
		}
	}
}

func (s *Server) writeEvent(ctx context.Context, conn *websocket.Conn, ev events.Event) bool {
	wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	if err := wsjson.Write(wctx, conn, wsEvent{Type: "event", Data: ev}); err != nil {
		s.logger.Debug("websocket write failed", "error", err)
		return false
	}
	return true
}
