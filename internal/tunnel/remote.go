package tunnel

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"time"
)

// serveRemote accepts channels the peer forwards from its listening port
// and dials the target from this side for each one.
func (t *Tunnel) serveRemote(listener net.Listener, dialTimeout time.Duration) {
	defer t.wg.Done()
	log := slog.With("tunnel", t.Spec.Label())

	for {
		forwarded, err := listener.Accept()
		if err != nil {
			// x/crypto returns io.EOF once the forward is cancelled.
			if !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.EOF) && t.State() == StateActive {
				log.Warn("remote tunnel: accept failed", "error", err)
				t.setState(StateFailed, err)
			}
			return
		}
		if !t.track(forwarded) {
			forwarded.Close()
			return
		}
		t.wg.Add(1)
		go t.forwardRemote(forwarded, dialTimeout)
	}
}

func (t *Tunnel) forwardRemote(forwarded net.Conn, dialTimeout time.Duration) {
	defer t.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("remote tunnel: panic in forward", "tunnel", t.Spec.Label(), "panic", r)
		}
	}()
	defer t.untrack(forwarded)

	target := t.Spec.TargetAddr()
	d := net.Dialer{Timeout: dialTimeout}
	local, err := d.DialContext(t.ctx, "tcp", target)
	if err != nil {
		slog.Debug("remote tunnel: dial target failed", "tunnel", t.Spec.Label(), "target", target, "error", err)
		forwarded.Close()
		return
	}
	if !t.track(local) {
		local.Close()
		forwarded.Close()
		return
	}
	defer t.untrack(local)

	Pipe(forwarded, local, &t.bytesOut, &t.bytesIn)
}
