package dashboard

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sshdeck/sshdeck/internal/auth"
	"github.com/sshdeck/sshdeck/internal/core"
	deckssh "github.com/sshdeck/sshdeck/internal/ssh"
	"github.com/sshdeck/sshdeck/internal/sshtest"
)

type fixture struct {
	svc  *core.Service
	logs *LogBuffer
	http *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithToken(t, "")
}

func newFixtureWithToken(t *testing.T, token string) *fixture {
	t.Helper()
	svc := core.New(core.Options{
		Dial:              deckssh.Options{Timeout: 5 * time.Second},
		KeepaliveInterval: -1,
		DisconnectGrace:   -1,
	})
	logs := NewLogBuffer(16)
	srv := NewServer(svc, "", Options{Version: "test", Logs: logs, Token: auth.NewToken(token)})
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		svc.Shutdown(context.Background())
		svc.Bus().Close()
		hs.Close()
	})
	return &fixture{svc: svc, logs: logs, http: hs}
}

func (f *fixture) connect(t *testing.T) string {
	t.Helper()
	srv := sshtest.Start(t)
	res, err := f.svc.Connect(context.Background(), core.ConnectRequest{Params: deckssh.Params{
		Host: srv.Host(), Port: srv.Port(), User: srv.User,
		AuthType: deckssh.AuthPassword, Password: srv.Password,
	}})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return res.ConnectionID
}

func (f *fixture) getJSON(t *testing.T, path string, wantStatus int) map[string]interface{} {
	t.Helper()
	resp, err := http.Get(f.http.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		t.Fatalf("GET %s = %d, want %d", path, resp.StatusCode, wantStatus)
	}
	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decoding %s: %v", path, err)
	}
	return body
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStatusAndSessions(t *testing.T) {
	f := newFixture(t)
	id := f.connect(t)

	st := f.getJSON(t, "/api/status", http.StatusOK)
	if st["success"] != true || st["version"] != "test" || st["sessions"] != float64(1) {
		t.Errorf("status = %v", st)
	}

	body := f.getJSON(t, "/api/sessions", http.StatusOK)
	sessions, _ := body["sessions"].([]interface{})
	if len(sessions) != 1 {
		t.Fatalf("sessions = %v", body)
	}
	if got := sessions[0].(map[string]interface{})["connectionId"]; got != id {
		t.Errorf("connectionId = %v, want %s", got, id)
	}

	tunnels := f.getJSON(t, "/api/sessions/"+id+"/tunnels", http.StatusOK)
	if tunnels["success"] != true {
		t.Errorf("tunnels = %v", tunnels)
	}
}

func TestErrorsUseEnvelope(t *testing.T) {
	f := newFixture(t)

	body := f.getJSON(t, "/api/sessions/nope/tunnels", http.StatusNotFound)
	if body["success"] != false || body["code"] != "SessionNotFound" {
		t.Errorf("body = %v", body)
	}

	body = f.getJSON(t, "/api/tunnels/check?host=127.0.0.1&port=abc", http.StatusBadRequest)
	if body["code"] != "InvalidArgument" {
		t.Errorf("body = %v", body)
	}
}

func TestCheckTunnel(t *testing.T) {
	f := newFixture(t)
	lis := httptest.NewServer(http.NotFoundHandler())
	defer lis.Close()
	port := lis.Listener.Addr().(*net.TCPAddr).Port

	body := f.getJSON(t, "/api/tunnels/check?host=127.0.0.1&port="+strconv.Itoa(port), http.StatusOK)
	st, _ := body["status"].(map[string]interface{})
	if st["reachable"] != true {
		t.Errorf("status = %v", body)
	}
}

func TestEventsSSE(t *testing.T) {
	f := newFixture(t)
	id := f.connect(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, f.http.URL+"/api/events?connection="+id, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}
	waitFor(t, "subscriber", func() bool { return f.svc.Bus().Subscribers() == 1 })

	go f.svc.Disconnect(context.Background(), id)

	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		if sc.Text() != "event: session-closed" {
			continue
		}
		if !sc.Scan() {
			break
		}
		var ev core.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(sc.Text(), "data: ")), &ev); err != nil {
			t.Fatalf("bad data line %q: %v", sc.Text(), err)
		}
		if ev.ConnectionID != id || ev.Reason != "disconnected" {
			t.Errorf("event = %+v", ev)
		}
		return
	}
	t.Fatalf("stream ended without session-closed: %v", sc.Err())
}

func TestTerminalWebSocket(t *testing.T) {
	f := newFixture(t)
	id := f.connect(t)

	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/api/terminal/" + id + "?cols=100&rows=30"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	typ, data, err := conn.ReadMessage()
	if err != nil || typ != websocket.TextMessage || !bytes.Contains(data, []byte(`"connected"`)) {
		t.Fatalf("first frame = %d %q, %v", typ, data, err)
	}

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	readUntil(t, conn, "hello")

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"resize","cols":120,"rows":40}`)); err != nil {
		t.Fatal(err)
	}
	readUntil(t, conn, "resize:120x40")

	conn.Close()
	waitFor(t, "terminal closed", func() bool { return !f.svc.HasTerminal(id) })
}

func TestTerminalWebSocketUnknownSession(t *testing.T) {
	f := newFixture(t)
	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/api/terminal/missing"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	var st wsStatus
	if err := json.Unmarshal(data, &st); err != nil || st.Type != "error" || st.Code != "SessionNotFound" {
		t.Errorf("frame = %q", data)
	}
}

// readUntil reads binary frames until their concatenation contains want.
func readUntil(t *testing.T, conn *websocket.Conn, want string) {
	t.Helper()
	var got []byte
	for !bytes.Contains(got, []byte(want)) {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("reading for %q (have %q): %v", want, got, err)
		}
		if typ == websocket.BinaryMessage {
			got = append(got, data...)
		}
	}
}

func TestLogBufferCapturesRecords(t *testing.T) {
	buf := NewLogBuffer(2)
	var out bytes.Buffer
	log := slog.New(buf.Handler(slog.NewTextHandler(&out, nil))).With("session", "abc")

	log.Info("one")
	log.WithGroup("tunnel").Info("two", "port", 8080)
	log.Warn("three")

	entries := buf.Snapshot()
	if len(entries) != 2 {
		t.Fatalf("entries = %+v", entries)
	}
	if entries[0].Message != "two" || entries[0].Attrs["tunnel.port"] != "8080" || entries[0].Attrs["session"] != "abc" {
		t.Errorf("entry = %+v", entries[0])
	}
	if entries[1].Level != "WARN" {
		t.Errorf("level = %q", entries[1].Level)
	}
	if !strings.Contains(out.String(), "msg=three") {
		t.Errorf("inner handler missed records: %q", out.String())
	}
}

func TestLogEndpoints(t *testing.T) {
	f := newFixture(t)
	slog.New(f.logs.Handler(slog.NewTextHandler(&bytes.Buffer{}, nil))).Info("hello dashboard")

	body := f.getJSON(t, "/api/logs", http.StatusOK)
	entries, _ := body["entries"].([]interface{})
	if len(entries) != 1 || entries[0].(map[string]interface{})["msg"] != "hello dashboard" {
		t.Errorf("logs = %v", body)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, f.http.URL+"/api/logs/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		if strings.Contains(sc.Text(), "hello dashboard") {
			return
		}
	}
	t.Fatal("history not replayed on stream")
}

func TestTokenRequired(t *testing.T) {
	f := newFixtureWithToken(t, "s3cret")

	body := f.getJSON(t, "/api/status", http.StatusUnauthorized)
	if body["code"] != "Unauthorized" {
		t.Errorf("body = %v", body)
	}
	f.getJSON(t, "/api/status?token=s3cret", http.StatusOK)

	req, _ := http.NewRequest(http.MethodGet, f.http.URL+"/api/sessions", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("bearer header status = %d", resp.StatusCode)
	}
}
