package core

import (
	"context"
	"errors"

	deckssh "github.com/sshdeck/sshdeck/internal/ssh"
	"github.com/sshdeck/sshdeck/internal/tunnel"
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrChannelOpen      = errors.New("failed to open channel")
	ErrTerminalNotFound = errors.New("no terminal open for session")
	ErrNothingActive    = errors.New("no active streaming command")
	ErrInvalidArgument  = errors.New("invalid argument")
)

var codes = []struct {
	err  error
	code string
}{
	{ErrSessionNotFound, "SessionNotFound"},
	{ErrChannelOpen, "ChannelOpenError"},
	{ErrTerminalNotFound, "TerminalNotFound"},
	{ErrNothingActive, "NothingActive"},
	{ErrInvalidArgument, "InvalidArgument"},
	{tunnel.ErrListenBind, "ListenBindError"},
	{tunnel.ErrUnsupportedType, "UnsupportedTunnelType"},
	{tunnel.ErrDuplicate, "DuplicateTunnel"},
	{tunnel.ErrNotFound, "TunnelNotFound"},
	{tunnel.ErrInvalidSpec, "InvalidArgument"},
	{tunnel.ErrLimit, "TunnelLimit"},
	{deckssh.ErrAuthFailure, "AuthFailure"},
	{deckssh.ErrTimeout, "Timeout"},
	{context.DeadlineExceeded, "Timeout"},
	{deckssh.ErrTransport, "TransportError"},
	{context.Canceled, "Canceled"},
}

// Code returns the stable code for err's kind, "" for nil and "Internal"
// for anything unclassified.
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "Internal"
}
