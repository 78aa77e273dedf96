package dashboard

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/sshdeck/sshdeck/internal/auth"
	"github.com/sshdeck/sshdeck/internal/core"
)

// Server serves the dashboard's JSON, SSE and WebSocket endpoints.
type Server struct {
	core    *core.Service
	logs    *LogBuffer
	token   *auth.Token
	addr    string
	started time.Time
	version string
	http    *http.Server
	cancel  context.CancelFunc
}

// Options configure optional dashboard features.
type Options struct {
	Version string
	// Logs backs /api/logs. Nil serves an empty console.
	Logs *LogBuffer
	// Token, when enabled, is required on every request as a bearer
	// header or a ?token= query parameter.
	Token *auth.Token
}

// NewServer builds the dashboard for svc.
func NewServer(svc *core.Service, addr string, opts Options) *Server {
	if opts.Logs == nil {
		opts.Logs = NewLogBuffer(1)
	}
	s := &Server{
		core:    svc,
		logs:    opts.Logs,
		token:   opts.Token,
		addr:    addr,
		started: time.Now(),
		version: opts.Version,
	}
	base, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.http = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return base },
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.requireToken)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.apiStatus)
		r.Get("/sessions", s.apiSessions)
		r.Get("/sessions/{id}/tunnels", s.apiSessionTunnels)
		r.Get("/tunnels/check", s.apiCheckTunnel)
		r.Get("/events", s.apiEvents)
		r.Get("/terminal/{id}", s.apiTerminal)
		r.Get("/logs", s.apiLogs)
		r.Get("/logs/stream", s.apiLogStream)
	})
	return r
}

// requireToken checks the bearer header, falling back to ?token= since
// EventSource and WebSocket clients cannot set headers.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		presented := r.Header.Get(auth.Header)
		if presented == "" {
			presented = r.URL.Query().Get("token")
		}
		if err := s.token.Check(presented); err != nil {
			slog.Warn("rejected dashboard request", "path", r.URL.Path, "remote", r.RemoteAddr)
			jsonStatus(w, http.StatusUnauthorized, "Unauthorized", err.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Run starts the HTTP server (blocking). It returns nil after Shutdown.
func (s *Server) Run() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	slog.Info("dashboard listening", "addr", lis.Addr().String())
	if err := s.http.Serve(lis); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown ends event and log streams and open terminals, then waits for
// the remaining handlers until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	return s.http.Shutdown(ctx)
}
