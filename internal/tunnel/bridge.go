package tunnel

import (
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
)

var bufPool = sync.Pool{
	New: func() any {
		b := make([]byte, 32*1024)
		return &b
	},
}

// countingWriter adds written bytes to n.
type countingWriter struct {
	w io.Writer
	n *atomic.Int64
}

func (c countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	if c.n != nil {
		c.n.Add(int64(n))
	}
	return n, err
}

// Pipe copies bytes between a and b in both directions until either side
// reaches EOF or fails. The first direction to finish closes both sockets
// so the other copy unblocks; Pipe returns once both goroutines are done.
// aToB and bToA may be nil.
func Pipe(a, b net.Conn, aToB, bToA *atomic.Int64) {
	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			a.Close()
			b.Close()
		})
	}

	copyDir := func(dst, src net.Conn, n *atomic.Int64) {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("tunnel: panic in copy", "panic", r)
			}
			closeBoth()
		}()
		bp := bufPool.Get().(*[]byte)
		defer bufPool.Put(bp)
		io.CopyBuffer(countingWriter{w: dst, n: n}, src, *bp)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		copyDir(b, a, aToB)
	}()
	copyDir(a, b, bToA)
	<-done
}
