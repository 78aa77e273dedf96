package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	deckssh "github.com/sshdeck/sshdeck/internal/ssh"
	"github.com/sshdeck/sshdeck/internal/sshtest"
)

func TestResolveCommand(t *testing.T) {
	tests := []struct {
		command  string
		cwd      string
		dispatch string
		dir      string
		isCd     bool
	}{
		{"cd /tmp", "~", "cd /tmp && pwd", "/tmp", true},
		{"cd", "/var/log", "cd ~ && pwd", "~", true},
		{"cd ~", "/var/log", "cd ~ && pwd", "~", true},
		{"cd projects", "~", "cd projects && pwd", "projects", true},
		{"cd nginx", "/var/log", "cd /var/log/nginx && pwd", "/var/log/nginx", true},
		{"cd nginx", "/var/log/", "cd /var/log/nginx && pwd", "/var/log/nginx", true},
		{"cd ..", "/var/log", "cd /var/log/.. && pwd", "/var/log/..", true},
		{"cd ~/src", "/tmp", "cd ~/src && pwd", "~/src", true},
		{"ls -la", "~", "ls -la", "~", false},
		{"ls -la", "/tmp", "cd /tmp && ls -la", "/tmp", false},
		{"cdrom-info", "~", "cdrom-info", "~", false},
	}
	for _, tt := range tests {
		dispatch, dir, isCd := resolveCommand(tt.command, tt.cwd)
		if dispatch != tt.dispatch || dir != tt.dir || isCd != tt.isCd {
			t.Errorf("resolveCommand(%q, %q) = %q, %q, %v; want %q, %q, %v",
				tt.command, tt.cwd, dispatch, dir, isCd, tt.dispatch, tt.dir, tt.isCd)
		}
	}
}

func TestIsStreaming(t *testing.T) {
	for cmd, want := range map[string]bool{
		"tail -f /var/log/syslog":    true,
		"journalctl -u nginx -f":     true,
		"docker logs web":            true,
		"kubectl logs -f pod/api":    true,
		"cat /var/log/syslog":        false,
		"ls -la":                     false,
		"tail -n 100 /var/log/mail":  false,
		"docker ps --format '{{.}}'": false,
	} {
		if got := IsStreaming(cmd); got != want {
			t.Errorf("IsStreaming(%q) = %v, want %v", cmd, got, want)
		}
	}
}

func TestExitStatus(t *testing.T) {
	if code, _, ok := exitStatus(nil); code != 0 || !ok {
		t.Errorf("nil: code %d ok %v", code, ok)
	}
	if _, _, ok := exitStatus(errors.New("channel broke")); ok {
		t.Error("transport error reported as command exit")
	}
}

func TestCdThenPwd(t *testing.T) {
	srv := sshtest.Start(t)
	svc, id := connect(t, srv)
	ctx := context.Background()

	res, err := svc.Execute(ctx, id, "cd /tmp", StreamAuto)
	if err != nil {
		t.Fatalf("cd: %v", err)
	}
	if res.CurrentDir != "/tmp" || res.Streaming {
		t.Fatalf("cd result = %+v", res)
	}
	if got := srv.LastCommand(); got != "cd /tmp && pwd" {
		t.Fatalf("dispatched %q", got)
	}
	if res.Stdout != "/tmp\n" {
		t.Errorf("cd stdout = %q", res.Stdout)
	}

	res, err = svc.Execute(ctx, id, "pwd", StreamAuto)
	if err != nil {
		t.Fatalf("pwd: %v", err)
	}
	if got := srv.LastCommand(); got != "cd /tmp && pwd" {
		t.Errorf("dispatched %q", got)
	}
	if res.Stdout != "/tmp\n" || res.CurrentDir != "/tmp" {
		t.Errorf("pwd result = %+v", res)
	}
}

func TestRelativeCdFromHome(t *testing.T) {
	srv := sshtest.Start(t)
	svc, id := connect(t, srv)
	ctx := context.Background()

	if _, err := svc.Execute(ctx, id, "cd projects", StreamAuto); err != nil {
		t.Fatal(err)
	}
	res, err := svc.Execute(ctx, id, "cd src", StreamAuto)
	if err != nil {
		t.Fatal(err)
	}
	if res.CurrentDir != "projects/src" {
		t.Errorf("currentDir = %q", res.CurrentDir)
	}
	if res.Stdout != "/home/test/projects/src\n" {
		t.Errorf("stdout = %q", res.Stdout)
	}

	res, err = svc.Execute(ctx, id, "cd", StreamAuto)
	if err != nil {
		t.Fatal(err)
	}
	if res.CurrentDir != HomeDir || res.Stdout != "/home/test\n" {
		t.Errorf("bare cd result = %+v", res)
	}
}

func TestFailedCdStillMovesDirectory(t *testing.T) {
	srv := sshtest.Start(t)
	svc, id := connect(t, srv)

	res, err := svc.Execute(context.Background(), id, "cd /missing", StreamAuto)
	if err != nil {
		t.Fatal(err)
	}
	if res.ExitCode != 1 || !strings.Contains(res.Stderr, "No such file") {
		t.Errorf("result = %+v", res)
	}
	if res.CurrentDir != "/missing" {
		t.Errorf("currentDir = %q", res.CurrentDir)
	}
}

func TestNonZeroExitIsNotAnError(t *testing.T) {
	srv := sshtest.Start(t)
	svc, id := connect(t, srv)

	res, err := svc.Execute(context.Background(), id, "warn disk almost full && exit 3", StreamAuto)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("exitCode = %d, want 3", res.ExitCode)
	}
	if res.Stderr != "disk almost full\n" {
		t.Errorf("stderr = %q", res.Stderr)
	}
}

func TestExecuteValidation(t *testing.T) {
	srv := sshtest.Start(t)
	svc, id := connect(t, srv)

	if _, err := svc.Execute(context.Background(), "nope", "ls", StreamAuto); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("unknown session: %v", err)
	}
	if _, err := svc.Execute(context.Background(), id, "   ", StreamAuto); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("empty command: %v", err)
	}
}

func TestBufferedExecuteHonoursDeadline(t *testing.T) {
	srv := sshtest.Start(t)
	svc, id := connect(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := svc.Execute(ctx, id, "sleep 10s", StreamOff)
	if !errors.Is(err, deckssh.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if time.Since(start) > 3*time.Second {
		t.Error("Execute did not return promptly after the deadline")
	}
	waitFor(t, "exec channel to close", func() bool { return srv.OpenChannels() == 0 })
}

func TestStreamOffForcesBuffered(t *testing.T) {
	srv := sshtest.Start(t, sshtest.WithExec(func(ctx context.Context, cmd string, stdin io.Reader, stdout, stderr io.Writer) int {
		fmt.Fprintln(stdout, "2 matches")
		return 0
	}))
	svc, id := connect(t, srv)

	res, err := svc.Execute(context.Background(), id, "grep -f patterns.txt app.log", StreamOff)
	if err != nil {
		t.Fatal(err)
	}
	if res.Streaming || res.Stdout != "2 matches\n" {
		t.Errorf("result = %+v", res)
	}
}
