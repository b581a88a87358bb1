// Package httpapi is the local HTTP ingress: status, suggestion intake,
// presence and chat replies, and a manual tuning trigger.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	rtsup "jarvis/internal/runtime/supervisor"
	logx "jarvis/pkg/logx"
)

const defaultAddr = "127.0.0.1:8787"

// Config controls the listener.
//
// A non-loopback Addr requires Token or AllowInsecure.
type Config struct {
	Addr          string
	Token         string
	AllowInsecure bool
	// Profiling mounts net/http/pprof under /debug.
	Profiling bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type Server struct {
	cfg     Config
	handler http.Handler
	log     logx.Logger

	mu   sync.Mutex
	srv  *http.Server
	sup  *rtsup.Supervisor
	addr string
}

func NewServer(cfg Config, d Deps, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = defaultAddr
	}
	log = log.With(logx.Comp("http"))
	d.Log = log
	return &Server{cfg: cfg, handler: NewRouter(cfg, d), log: log}
}

// Addr is the bound address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Start binds synchronously so address errors surface to the caller, then
// serves under a supervisor.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return nil
	}
	if !s.cfg.AllowInsecure && s.cfg.Token == "" && !isLoopbackAddr(s.cfg.Addr) {
		return errors.New("http: non-loopback addr requires token or allow_insecure")
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
	}
	s.srv = srv
	s.addr = ln.Addr().String()
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	s.sup.Go("http.serve", func(context.Context) error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	s.log.Info("http started", logx.String("addr", s.addr), logx.Bool("token_set", s.cfg.Token != ""), logx.Bool("profiling", s.cfg.Profiling))
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, sup := s.srv, s.sup
	s.srv, s.sup = nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	err := srv.Shutdown(ctx)
	if err != nil {
		_ = srv.Close()
	}
	sup.Cancel()
	if werr := sup.Wait(ctx); err == nil {
		err = werr
	}
	s.log.Info("http stopped")
	return err
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	host = strings.Trim(host, "[]")
	if host == "" {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
