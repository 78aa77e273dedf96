package dashboard

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sshdeck/sshdeck/internal/core"
)

func jsonOK(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// jsonError writes a failure envelope. The HTTP status follows the code.
func jsonError(w http.ResponseWriter, err error) {
	code := core.Code(err)
	status := http.StatusInternalServerError
	switch code {
	case "SessionNotFound", "TerminalNotFound", "TunnelNotFound":
		status = http.StatusNotFound
	case "InvalidArgument", "UnsupportedTunnelType":
		status = http.StatusBadRequest
	case "DuplicateTunnel", "NothingActive", "TunnelLimit":
		status = http.StatusConflict
	}
	jsonStatus(w, status, code, err.Error())
}

func jsonStatus(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"message": msg,
		"code":    code,
	})
}

// ── Read-only endpoints ─────────────────────────────────────────────────────

func (s *Server) apiStatus(w http.ResponseWriter, r *http.Request) {
	sessions := s.core.Sessions()
	tunnels := 0
	for _, sess := range sessions {
		tunnels += sess.Tunnels
	}
	jsonOK(w, map[string]interface{}{
		"success":     true,
		"version":     s.version,
		"uptime":      time.Since(s.started).Truncate(time.Second).String(),
		"sessions":    len(sessions),
		"tunnels":     tunnels,
		"subscribers": s.core.Bus().Subscribers(),
	})
}

func (s *Server) apiSessions(w http.ResponseWriter, r *http.Request) {
	jsonOK(w, map[string]interface{}{
		"success":  true,
		"sessions": s.core.Sessions(),
	})
}

func (s *Server) apiSessionTunnels(w http.ResponseWriter, r *http.Request) {
	tunnels, err := s.core.ListTunnels(chi.URLParam(r, "id"))
	if err != nil {
		jsonError(w, err)
		return
	}
	jsonOK(w, map[string]interface{}{
		"success": true,
		"tunnels": tunnels,
	})
}

func (s *Server) apiCheckTunnel(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	port, err := strconv.Atoi(q.Get("port"))
	if err != nil {
		port = 0 // rejected by CheckTunnel
	}
	st, err := s.core.CheckTunnel(r.Context(), q.Get("host"), port)
	if err != nil {
		jsonError(w, err)
		return
	}
	jsonOK(w, map[string]interface{}{
		"success": true,
		"status":  st,
	})
}

func (s *Server) apiLogs(w http.ResponseWriter, r *http.Request) {
	jsonOK(w, map[string]interface{}{
		"success": true,
		"entries": s.logs.Snapshot(),
	})
}
