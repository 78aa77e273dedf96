package dashboard

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/sshdeck/sshdeck/internal/core"
)

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const wsWriteTimeout = 10 * time.Second

// wsControl is a JSON control message sent from the browser.
type wsControl struct {
	Type string `json:"type"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

type wsStatus struct {
	Type string `json:"type"`
	Msg  string `json:"msg"`
	Code string `json:"code,omitempty"`
}

func queryInt(r *http.Request, key string, def int) int {
	if n, err := strconv.Atoi(r.URL.Query().Get(key)); err == nil {
		return n
	}
	return def
}

// apiTerminal upgrades to a WebSocket and bridges it to the session's
// interactive terminal. Binary frames carry keystrokes one way and shell
// output the other; text frames carry control messages.
func (s *Server) apiTerminal(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// Subscribe before opening so no early output is missed.
	sub := s.core.Bus().Subscribe(id, 256)
	defer sub.Close()

	cols, rows := queryInt(r, "cols", 80), queryInt(r, "rows", 24)
	if err := s.core.CreateTerminal(r.Context(), id, cols, rows); err != nil {
		writeStatus(conn, wsStatus{Type: "error", Msg: err.Error(), Code: core.Code(err)})
		return
	}
	writeStatus(conn, wsStatus{Type: "status", Msg: "connected"})

	// Browser → terminal.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			switch msgType {
			case websocket.BinaryMessage:
				if err := s.core.WriteTerminal(id, data); err != nil {
					slog.Debug("terminal write failed", "session", id, "error", err)
					return
				}
			case websocket.TextMessage:
				var ctrl wsControl
				if json.Unmarshal(data, &ctrl) == nil && ctrl.Type == "resize" {
					if err := s.core.ResizeTerminal(id, ctrl.Cols, ctrl.Rows); err != nil {
						slog.Debug("terminal resize failed", "session", id, "error", err)
					}
				}
			}
		}
	}()

	// Terminal → browser. This goroutine is the only writer.
	ctx := r.Context()
	for {
		select {
		case <-closed:
			s.core.CloseTerminal(id)
			return
		case <-ctx.Done():
			s.core.CloseTerminal(id)
			return
		case <-sub.Done():
			return
		case ev := <-sub.Events():
			switch ev.Type {
			case core.EventTerminalData:
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteMessage(websocket.BinaryMessage, ev.Data); err != nil {
					s.core.CloseTerminal(id)
					return
				}
			case core.EventTerminalClose:
				// A replaced terminal also reports close; only stop once
				// the session has none left.
				if s.core.HasTerminal(id) {
					continue
				}
				writeStatus(conn, wsStatus{Type: "closed", Msg: "terminal closed"})
				closeWS(conn)
				return
			case core.EventSessionClosed:
				writeStatus(conn, wsStatus{Type: "closed", Msg: ev.Reason})
				closeWS(conn)
				return
			}
		}
	}
}

func writeStatus(conn *websocket.Conn, st wsStatus) {
	data, _ := json.Marshal(st)
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	conn.WriteMessage(websocket.TextMessage, data)
}

func closeWS(conn *websocket.Conn) {
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}
