package dashboard

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// sseHeartbeat keeps idle event streams alive through proxies.
const sseHeartbeat = 25 * time.Second

// sseStart sets the event-stream headers and flushes them.
func sseStart(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()
	return flusher, true
}

// sseWrite writes one named event. An empty name sends a plain data line.
func sseWrite(w http.ResponseWriter, event string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if event != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

// apiEvents streams session events. ?connection= restricts the stream to
// one session.
func (s *Server) apiEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := sseStart(w)
	if !ok {
		return
	}

	sub := s.core.Bus().Subscribe(r.URL.Query().Get("connection"), 256)
	defer sub.Close()
	slog.Debug("event stream opened", "subscriber", sub.ID, "remote", r.RemoteAddr)

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case ev := <-sub.Events():
			if err := sseWrite(w, string(ev.Type), ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// apiLogStream sends the buffered history, then new entries as they come.
func (s *Server) apiLogStream(w http.ResponseWriter, r *http.Request) {
	ch, unsub := s.logs.subscribe()
	defer unsub()

	flusher, ok := sseStart(w)
	if !ok {
		return
	}
	for _, entry := range s.logs.Snapshot() {
		sseWrite(w, "", entry)
	}
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case entry := <-ch:
			if err := sseWrite(w, "", entry); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
