package tunnel

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sshdeck/sshdeck/internal/sshtest"
)

// startEchoServer starts a TCP echo server and returns its port.
func startEchoServer(t *testing.T) int {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("echo listen: %v", err)
	}
	t.Cleanup(func() { lis.Close() })
	go func() {
		for {
			c, err := lis.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				io.Copy(c, c)
			}()
		}
	}()
	return lis.Addr().(*net.TCPAddr).Port
}

func freePort(t *testing.T) int {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := lis.Addr().(*net.TCPAddr).Port
	lis.Close()
	return port
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

func localSpec(name string, listenPort, targetPort int) Spec {
	return Spec{
		Name:       name,
		Type:       TypeLocal,
		ListenHost: "127.0.0.1",
		ListenPort: listenPort,
		TargetHost: "127.0.0.1",
		TargetPort: targetPort,
	}
}

func TestLocalTunnelForwardsBytesInOrder(t *testing.T) {
	srv := sshtest.Start(t)
	client := srv.Client(t)
	echo := startEchoServer(t)

	m := NewManager(Options{})
	t.Cleanup(func() { m.StopAll("s1") })

	info, err := m.Start(context.Background(), "s1", client, localSpec("echo", 0, echo))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if info.State != StateActive || info.ListenPort == 0 {
		t.Fatalf("info = %+v", info)
	}

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(info.ListenPort)))
	if err != nil {
		t.Fatalf("dial tunnel: %v", err)
	}
	defer conn.Close()

	payload := make([]byte, 256*1024)
	rand.Read(payload)

	errc := make(chan error, 1)
	go func() {
		_, err := conn.Write(payload)
		errc <- err
	}()

	got := make([]byte, len(payload))
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatalf("read back: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("write: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("echoed bytes differ from sent bytes")
	}

	list := m.List("s1")
	if len(list) != 1 || list[0].Connections != 2 {
		t.Fatalf("List = %+v, want one tunnel with a bridged pair", list)
	}
	waitFor(t, "byte counters", func() bool {
		info := m.List("s1")[0]
		return info.BytesOut == int64(len(payload)) && info.BytesIn == int64(len(payload))
	})
}

func TestDuplicateStartStopScenario(t *testing.T) {
	srv := sshtest.Start(t)
	client := srv.Client(t)
	port := freePort(t)

	m := NewManager(Options{})
	ctx := context.Background()

	if _, err := m.Start(ctx, "s1", client, localSpec("web", port, 80)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if st := m.Check(ctx, "127.0.0.1", port); !st.Reachable {
		t.Fatalf("probe after start: %+v", st)
	}

	_, err := m.Start(ctx, "s1", client, localSpec("web2", port, 80))
	if !errors.Is(err, ErrDuplicate) || !strings.Contains(err.Error(), "already running") {
		t.Fatalf("duplicate Start error = %v", err)
	}

	if err := m.Stop("s1", "web"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := m.List("s1"); len(got) != 0 {
		t.Fatalf("List after stop = %+v", got)
	}
	if st := m.Check(ctx, "127.0.0.1", port); st.Reachable {
		t.Fatal("listen port still reachable after Stop")
	}

	if err := m.Stop("s1", "web"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Stop error = %v", err)
	}
}

func TestStopByListenAddress(t *testing.T) {
	srv := sshtest.Start(t)
	m := NewManager(Options{})
	port := freePort(t)

	if _, err := m.Start(context.Background(), "s1", srv.Client(t), localSpec("", port, 80)); err != nil {
		t.Fatal(err)
	}
	if err := m.Stop("s1", ":"+strconv.Itoa(port)); err != nil {
		t.Fatalf("Stop by address: %v", err)
	}
}

func TestStopClosesBridgedConnections(t *testing.T) {
	srv := sshtest.Start(t)
	client := srv.Client(t)
	echo := startEchoServer(t)

	m := NewManager(Options{})
	info, err := m.Start(context.Background(), "s1", client, localSpec("echo", 0, echo))
	if err != nil {
		t.Fatal(err)
	}

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(info.ListenPort)))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.Write([]byte("hi"))
	buf := make([]byte, 2)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read: %v", err)
	}

	if err := m.Stop("s1", "echo"); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(buf); err == nil {
		t.Fatal("bridged connection survived Stop")
	}
	waitFor(t, "direct-tcpip channels to close", func() bool { return srv.OpenChannels() == 0 })
}

func TestDynamicTunnelRejected(t *testing.T) {
	m := NewManager(Options{})
	_, err := m.Start(context.Background(), "s1", nil, Spec{Type: TypeDynamic, ListenPort: 1080})
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("err = %v, want ErrUnsupportedType", err)
	}
	if n := m.Count("s1"); n != 0 {
		t.Errorf("Count = %d after rejected dynamic tunnel", n)
	}
}

func TestBindFailureCarriesPort(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer busy.Close()
	port := busy.Addr().(*net.TCPAddr).Port

	m := NewManager(Options{})
	info, err := m.Start(context.Background(), "s1", nil, localSpec("busy", port, 80))
	if !errors.Is(err, ErrListenBind) {
		t.Fatalf("err = %v, want ErrListenBind", err)
	}
	if !strings.Contains(err.Error(), strconv.Itoa(port)) {
		t.Errorf("error %q does not name port %d", err, port)
	}
	if info.State != StateFailed {
		t.Errorf("state = %s, want failed", info.State)
	}
	if n := m.Count("s1"); n != 0 {
		t.Errorf("Count = %d after failed bind", n)
	}
}

func TestSetupAllPartialSuccess(t *testing.T) {
	srv := sshtest.Start(t)
	client := srv.Client(t)

	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer busy.Close()

	specs := []Spec{
		localSpec("ok-1", freePort(t), 80),
		{Name: "socks", Type: TypeDynamic, ListenPort: 1080},
		localSpec("busy", busy.Addr().(*net.TCPAddr).Port, 80),
		localSpec("ok-2", 0, 80),
	}

	m := NewManager(Options{})
	t.Cleanup(func() { m.StopAll("s1") })

	results := m.SetupAll(context.Background(), "s1", client, specs)
	if len(results) != len(specs) {
		t.Fatalf("got %d results, want %d", len(results), len(specs))
	}
	wantOK := []bool{true, false, false, true}
	for i, r := range results {
		if r.Success != wantOK[i] {
			t.Errorf("result %d (%s) success = %v, error %q", i, r.Name, r.Success, r.Error)
		}
		if !r.Success && r.Error == "" {
			t.Errorf("result %d has no error message", i)
		}
	}
	if results[0].Name != "ok-1" || results[1].Name != "socks" {
		t.Errorf("results out of request order: %+v", results)
	}
	if got := m.List("s1"); len(got) != 2 {
		t.Errorf("List = %d tunnels, want 2", len(got))
	}
}

func TestRemoteTunnel(t *testing.T) {
	srv := sshtest.Start(t)
	client := srv.Client(t)
	echo := startEchoServer(t)

	m := NewManager(Options{DialTimeout: time.Second})
	spec := Spec{Name: "rev", Type: TypeRemote, ListenHost: "127.0.0.1", TargetHost: "127.0.0.1", TargetPort: echo}
	info, err := m.Start(context.Background(), "s1", client, spec)
	if err != nil {
		t.Fatalf("Start remote: %v", err)
	}
	if info.ListenPort == 0 {
		t.Fatal("peer-assigned port not recorded")
	}
	if srv.Forwards() != 1 {
		t.Fatalf("server forwards = %d", srv.Forwards())
	}

	// The peer listens on its side; in tests that is this host.
	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(info.ListenPort)))
	if err != nil {
		t.Fatalf("dial peer listener: %v", err)
	}
	conn.Write([]byte("reverse"))
	buf := make([]byte, 7)
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := io.ReadFull(conn, buf); err != nil || string(buf) != "reverse" {
		t.Fatalf("echo through remote tunnel = %q, %v", buf, err)
	}
	conn.Close()

	if err := m.Stop("s1", "rev"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	waitFor(t, "forward cancellation", func() bool { return srv.Forwards() == 0 })
}

func TestStateTransitionsPublished(t *testing.T) {
	srv := sshtest.Start(t)
	client := srv.Client(t)

	var mu sync.Mutex
	var states []State
	m := NewManager(Options{})
	m.OnStateChange = func(sessionID string, info Info) {
		if sessionID != "s1" {
			t.Errorf("session = %q", sessionID)
		}
		mu.Lock()
		states = append(states, info.State)
		mu.Unlock()
	}

	if _, err := m.Start(context.Background(), "s1", client, localSpec("x", 0, 80)); err != nil {
		t.Fatal(err)
	}
	if err := m.StopAll("s1"); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateRequested, StateBinding, StateActive, StateClosing, StateClosed}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("states = %v, want %v", states, want)
		}
	}
}

func TestMaxPerSession(t *testing.T) {
	srv := sshtest.Start(t)
	client := srv.Client(t)

	m := NewManager(Options{MaxPerSession: 1})
	t.Cleanup(func() { m.StopAll("s1"); m.StopAll("s2") })

	ctx := context.Background()
	if _, err := m.Start(ctx, "s1", client, localSpec("a", 0, 80)); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Start(ctx, "s1", client, localSpec("b", 0, 80)); !errors.Is(err, ErrLimit) {
		t.Fatalf("second tunnel err = %v, want ErrLimit", err)
	}
	if _, err := m.Start(ctx, "s2", client, localSpec("b", 0, 80)); err != nil {
		t.Fatalf("other session should not be limited: %v", err)
	}
}

// hangingTransport never answers a channel open until ctx is cancelled.
type hangingTransport struct {
	dialing chan struct{}
}

func (h *hangingTransport) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	close(h.dialing)
	<-ctx.Done()
	return nil, ctx.Err()
}

func (h *hangingTransport) Listen(network, addr string) (net.Listener, error) {
	return nil, errors.New("not supported")
}

func TestStopAbandonsPendingChannelOpen(t *testing.T) {
	tr := &hangingTransport{dialing: make(chan struct{})}
	m := NewManager(Options{})

	info, err := m.Start(context.Background(), "s1", tr, localSpec("l", 0, 80))
	if err != nil {
		t.Fatal(err)
	}
	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(info.ListenPort)))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	select {
	case <-tr.dialing:
	case <-time.After(3 * time.Second):
		t.Fatal("tunnel never opened a channel")
	}

	stopped := make(chan error, 1)
	go func() { stopped <- m.Stop("s1", "l") }()
	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("Stop: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Stop blocked on a pending channel open")
	}
	if n := m.Count("s1"); n != 0 {
		t.Errorf("Count = %d after Stop", n)
	}
}

// gatedTransport holds a remote forward request until release is closed.
type gatedTransport struct {
	listening chan struct{}
	release   chan struct{}
}

func (g *gatedTransport) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	return nil, errors.New("not supported")
}

func (g *gatedTransport) Listen(network, addr string) (net.Listener, error) {
	close(g.listening)
	<-g.release
	return net.Listen("tcp", "127.0.0.1:0")
}

func TestStopWhileBindingStaysClosed(t *testing.T) {
	tr := &gatedTransport{listening: make(chan struct{}), release: make(chan struct{})}

	var mu sync.Mutex
	var states []State
	m := NewManager(Options{})
	m.OnStateChange = func(sessionID string, info Info) {
		mu.Lock()
		states = append(states, info.State)
		mu.Unlock()
	}

	type result struct {
		info Info
		err  error
	}
	started := make(chan result, 1)
	go func() {
		spec := Spec{Name: "r", Type: TypeRemote, ListenHost: "127.0.0.1", TargetHost: "127.0.0.1", TargetPort: 80}
		info, err := m.Start(context.Background(), "s1", tr, spec)
		started <- result{info, err}
	}()

	<-tr.listening
	if err := m.StopAll("s1"); err != nil {
		t.Fatalf("StopAll: %v", err)
	}
	close(tr.release)

	var res result
	select {
	case res = <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("Start never returned")
	}
	if !errors.Is(res.err, ErrNotFound) {
		t.Fatalf("Start err = %v, want ErrNotFound", res.err)
	}
	if res.info.State != StateClosed {
		t.Errorf("state = %s, want closed", res.info.State)
	}
	if n := m.Count("s1"); n != 0 {
		t.Errorf("Count = %d", n)
	}

	mu.Lock()
	defer mu.Unlock()
	for _, st := range states {
		if st == StateActive {
			t.Fatalf("stopped tunnel reported active: %v", states)
		}
	}
}
