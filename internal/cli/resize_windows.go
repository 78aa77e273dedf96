//go:build windows

package cli

// Windows consoles have no SIGWINCH; the terminal keeps its initial size.
func watchTermResize(fd int, resize func(cols, rows int)) (stop func()) {
	return func() {}
}
