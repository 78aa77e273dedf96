package tunnel

import (
	"errors"
	"testing"
)

func TestParseSpec(t *testing.T) {
	tests := []struct {
		in   string
		typ  Type
		want Spec
	}{
		{
			in:   "8080:db.internal:5432",
			typ:  TypeLocal,
			want: Spec{Name: "local-8080", Type: TypeLocal, ListenHost: "127.0.0.1", ListenPort: 8080, TargetHost: "db.internal", TargetPort: 5432},
		},
		{
			in:   "web=0.0.0.0:19999:localhost:80",
			typ:  TypeLocal,
			want: Spec{Name: "web", Type: TypeLocal, ListenHost: "0.0.0.0", ListenPort: 19999, TargetHost: "localhost", TargetPort: 80},
		},
		{
			in:   "[::1]:9000:[fe80::1]:22",
			typ:  TypeRemote,
			want: Spec{Name: "remote-9000", Type: TypeRemote, ListenHost: "::1", ListenPort: 9000, TargetHost: "fe80::1", TargetPort: 22},
		},
	}
	for _, tt := range tests {
		got, err := ParseSpec(tt.typ, tt.in)
		if err != nil {
			t.Errorf("ParseSpec(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseSpec(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestParseSpecRejectsMalformed(t *testing.T) {
	for _, in := range []string{
		"",
		"8080",
		"8080:host",
		"a:b:c:d:e",
		"port:host:80",
		"8080:host:port",
		"8080::80",
		"70000:host:80",
		"8080:host:0",
		"[::1:9000:host:80",
	} {
		if _, err := ParseSpec(TypeLocal, in); !errors.Is(err, ErrInvalidSpec) {
			t.Errorf("ParseSpec(%q) error = %v, want ErrInvalidSpec", in, err)
		}
	}
}

func TestSpecAddrs(t *testing.T) {
	s := Spec{Type: TypeLocal, ListenPort: 19999, TargetHost: "::1", TargetPort: 80}
	if got := s.ListenAddr(); got != "127.0.0.1:19999" {
		t.Errorf("ListenAddr = %q", got)
	}
	if got := s.TargetAddr(); got != "[::1]:80" {
		t.Errorf("TargetAddr = %q", got)
	}
	if got := s.Label(); got != "local 127.0.0.1:19999->[::1]:80" {
		t.Errorf("Label = %q", got)
	}
}

func TestValidateDynamicNeedsNoTarget(t *testing.T) {
	if err := (Spec{Type: TypeDynamic, ListenPort: 1080}).Validate(); err != nil {
		t.Errorf("dynamic spec without target: %v", err)
	}
	if err := (Spec{Type: "socks", ListenPort: 1080}).Validate(); !errors.Is(err, ErrInvalidSpec) {
		t.Errorf("unknown type error = %v", err)
	}
}
