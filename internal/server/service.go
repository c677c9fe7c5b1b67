// Package server runs the media daemon's channel endpoint: it accepts client
// connections, performs the hello handshake and serves calls against the
// session manager.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/mediactl/internal/auth"
	"github.com/danmuck/mediactl/internal/config"
	"github.com/danmuck/mediactl/internal/manager"
	"github.com/danmuck/mediactl/internal/media"
	"github.com/danmuck/mediactl/internal/protocol/schema"
	"github.com/danmuck/mediactl/internal/protocol/session"
	"github.com/danmuck/mediactl/internal/rpc"
	"github.com/rs/zerolog"
)

const (
	NetworkUnix = "unix"
	NetworkTCP  = "tcp"
)

// ServiceConfig configures the channel endpoint.
type ServiceConfig struct {
	Network         string
	ListenAddr      string
	Token           string
	PIDPollInterval time.Duration
	Session         session.Config
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Network:         NetworkUnix,
		ListenAddr:      "/tmp/mediad.sock",
		PIDPollInterval: rpc.DefaultPIDInterval,
		Session:         session.DefaultConfig(),
	}
}

// CodecLister answers ListCodecs and ListProfiles.
type CodecLister interface {
	For(typ media.SessionType) []config.CodecEntry
	ProfilesFor(quality string) []config.RecorderProfile
}

// CallRecorder observes handled calls.
type CallRecorder interface {
	RecordCall(method, status string, duration time.Duration)
}

type Options struct {
	Codecs    CodecLister
	Validator auth.Validator
	Calls     CallRecorder
	Logger    *zerolog.Logger
}

// Service serves client channels for one manager.
type Service struct {
	cfg       ServiceConfig
	mgr       *manager.Manager
	codecs    CodecLister
	validator auth.Validator
	calls     CallRecorder
	router    *rpc.Router
	liveness  *rpc.Liveness
	pids      *rpc.PIDWatcher
	log       zerolog.Logger

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}
	wg      sync.WaitGroup
	active  atomic.Int64
}

// NewService builds the RPC service over mgr. Empty network and address
// settings fall back to the defaults.
func NewService(mgr *manager.Manager, cfg ServiceConfig, opts Options) (*Service, error) {
	if strings.TrimSpace(cfg.Network) == "" {
		cfg.Network = NetworkUnix
	}
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = DefaultServiceConfig().ListenAddr
	}
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = opts.Logger.With().Str("component", "server").Logger()
	}
	codecs := opts.Codecs
	if codecs == nil {
		codecs = config.DefaultCatalog()
	}
	validator := opts.Validator
	if validator == nil && cfg.Token != "" {
		validator = auth.ParseTokens(cfg.Token)
	}
	s := &Service{
		cfg:       cfg,
		mgr:       mgr,
		codecs:    codecs,
		validator: validator,
		calls:     opts.Calls,
		router:    rpc.NewRouter(),
		liveness:  rpc.NewLiveness(log),
		pids:      rpc.NewPIDWatcher(cfg.PIDPollInterval, log),
		log:       log,
		conns:     make(map[net.Conn]struct{}),
	}
	if err := s.registerHandlers(); err != nil {
		return nil, err
	}
	if err := s.router.Validate(schema.Methods()); err != nil {
		return nil, err
	}
	return s, nil
}

// Listen opens the configured socket. A stale unix socket file is removed first.
func (s *Service) Listen() (net.Listener, error) {
	if err := s.cfg.Session.ValidateServerTransport(); err != nil {
		return nil, err
	}
	if s.cfg.Network == NetworkUnix {
		if err := os.Remove(s.cfg.ListenAddr); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("server: remove stale socket: %w", err)
		}
	}
	ln, err := net.Listen(s.cfg.Network, s.cfg.ListenAddr)
	if err != nil {
		return nil, err
	}
	if !s.cfg.Session.TLS.Enabled {
		return ln, nil
	}
	tlsCfg, err := s.cfg.Session.ServerTLS()
	if err != nil {
		_ = ln.Close()
		return nil, err
	}
	return tls.NewListener(ln, tlsCfg), nil
}

// Run listens, serves until ctx ends and then releases every session.
func (s *Service) Run(ctx context.Context) error {
	ln, err := s.Listen()
	if err != nil {
		return err
	}
	s.log.Info().Str("network", s.cfg.Network).Str("addr", ln.Addr().String()).Msg("listening")
	serveErr := s.Serve(ctx, ln)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.mgr.Shutdown(shutdownCtx); err != nil {
		s.log.Warn().Err(err).Msg("manager shutdown incomplete")
	}
	return serveErr
}

// Serve accepts channels on ln until ctx ends. It returns after every
// connection handler has finished.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	go func() {
		<-ctx.Done()
		s.closeAllConns()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.closeAllConns()
			s.wg.Wait()
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.trackConn(conn)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// Clients is the number of channels past the handshake.
func (s *Service) Clients() int {
	return int(s.active.Load())
}

// Liveness exposes the peer death registry.
func (s *Service) Liveness() *rpc.Liveness {
	return s.liveness
}

func (s *Service) trackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[conn] = struct{}{}
}

func (s *Service) untrackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, conn)
}

func (s *Service) closeAllConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
		delete(s.conns, conn)
	}
}
