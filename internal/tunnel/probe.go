package tunnel

import (
	"context"
	"net"
	"strconv"
	"time"
)

// DefaultProbeTimeout bounds a Probe when no timeout is given.
const DefaultProbeTimeout = 3 * time.Second

// Status is the outcome of a reachability probe.
type Status struct {
	Host      string        `json:"host"`
	Port      int           `json:"port"`
	Reachable bool          `json:"reachable"`
	Latency   time.Duration `json:"latency"`
	Error     string        `json:"error,omitempty"`
}

// probeHost maps wildcard bind addresses onto loopback.
func probeHost(h string) string {
	switch h {
	case "", "0.0.0.0":
		return "127.0.0.1"
	case "::", "[::]":
		return "::1"
	}
	return h
}

// Probe opens and immediately closes a TCP connection to host:port.
func Probe(ctx context.Context, host string, port int, timeout time.Duration) Status {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	host = probeHost(host)
	st := Status{Host: host, Port: port}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	st.Latency = time.Since(start)
	if err != nil {
		st.Error = err.Error()
		return st
	}
	conn.Close()
	st.Reachable = true
	return st
}
