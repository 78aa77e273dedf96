package tunnel

import (
	"errors"
	"log/slog"
	"net"
)

// serveLocal accepts clients on the tunnel's listener and opens a
// direct-tcpip channel to the target for each one.
func (t *Tunnel) serveLocal(tr Transport, listener net.Listener) {
	defer t.wg.Done()
	log := slog.With("tunnel", t.Spec.Label())

	for {
		local, err := listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) && t.State() == StateActive {
				log.Warn("local tunnel: accept failed", "error", err)
				t.setState(StateFailed, err)
			}
			return
		}
		if !t.track(local) {
			local.Close()
			return
		}
		t.wg.Add(1)
		go t.forwardLocal(tr, local)
	}
}

func (t *Tunnel) forwardLocal(tr Transport, local net.Conn) {
	defer t.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("local tunnel: panic in forward", "tunnel", t.Spec.Label(), "panic", r)
		}
	}()
	defer t.untrack(local)

	target := t.Spec.TargetAddr()
	remote, err := tr.DialContext(t.ctx, "tcp", target)
	if err != nil {
		slog.Debug("local tunnel: dial via ssh failed", "tunnel", t.Spec.Label(), "target", target, "error", err)
		local.Close()
		return
	}
	if !t.track(remote) {
		remote.Close()
		local.Close()
		return
	}
	defer t.untrack(remote)

	Pipe(local, remote, &t.bytesOut, &t.bytesIn)
}
