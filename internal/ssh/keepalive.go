package ssh

import (
	"context"
	"time"
)

// Requester is the part of an SSH connection used for keepalives.
type Requester interface {
	SendRequest(name string, wantReply bool, payload []byte) (bool, []byte, error)
}

// Keepalive sends a keepalive@openssh.com global request every interval
// until ctx is done. The first failed request stops the loop and is handed
// to onFail; the caller decides how to tear the connection down.
func Keepalive(ctx context.Context, conn Requester, interval time.Duration, onFail func(error)) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := conn.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				if ctx.Err() != nil {
					return
				}
				onFail(err)
				return
			}
		}
	}
}
