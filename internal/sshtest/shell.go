package sshtest

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// FollowInterval is how often FakeShell's follow mode emits a line.
var FollowInterval = 20 * time.Millisecond

// FakeShell returns an ExecFunc that interprets "&&"-joined commands:
//
//	cd <dir>      changes the fake directory; /missing* fails with status 1
//	pwd           prints the fake directory
//	echo <text>   prints text
//	warn <text>   prints text to stderr
//	exit <n>      stops with status n
//	sleep <dur>   waits (Go duration) or until signalled
//	cat           copies stdin to stdout
//
// Any command containing " -f" or "docker logs" prints "line N" forever
// until the client signals or closes the channel. Anything else is echoed
// back prefixed with "ran: ".
func FakeShell(home string) ExecFunc {
	return func(ctx context.Context, cmd string, stdin io.Reader, stdout, stderr io.Writer) int {
		dir := home
		for _, part := range strings.Split(cmd, " && ") {
			part = strings.TrimSpace(part)
			fields := strings.Fields(part)
			if len(fields) == 0 {
				continue
			}
			rest := strings.TrimSpace(strings.TrimPrefix(part, fields[0]))

			switch {
			case fields[0] == "cd":
				target := "~"
				if rest != "" {
					target = rest
				}
				switch {
				case target == "~":
					dir = home
				case strings.HasPrefix(target, "/missing"):
					fmt.Fprintf(stderr, "cd: %s: No such file or directory\n", target)
					return 1
				case strings.HasPrefix(target, "/"):
					dir = target
				default:
					dir = strings.TrimSuffix(dir, "/") + "/" + target
				}
			case fields[0] == "pwd":
				fmt.Fprintln(stdout, dir)
			case fields[0] == "echo":
				fmt.Fprintln(stdout, rest)
			case fields[0] == "warn":
				fmt.Fprintln(stderr, rest)
			case fields[0] == "exit":
				n, _ := strconv.Atoi(rest)
				return n
			case fields[0] == "cat" && rest == "":
				io.Copy(stdout, stdin)
			case fields[0] == "sleep":
				d, err := time.ParseDuration(rest)
				if err != nil {
					d = time.Second
				}
				select {
				case <-ctx.Done():
					return 130
				case <-time.After(d):
				}
			case strings.Contains(part, " -f") || strings.Contains(part, "docker logs"):
				return follow(ctx, stdout)
			default:
				fmt.Fprintf(stdout, "ran: %s\n", part)
			}
		}
		return 0
	}
}

func follow(ctx context.Context, w io.Writer) int {
	ticker := time.NewTicker(FollowInterval)
	defer ticker.Stop()
	for i := 1; ; i++ {
		if _, err := fmt.Fprintf(w, "line %d\n", i); err != nil {
			return 1
		}
		select {
		case <-ctx.Done():
			return 130
		case <-ticker.C:
		}
	}
}
