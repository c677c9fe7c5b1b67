// Package admin serves the daemon's HTTP control surface: health, readiness,
// prometheus metrics, session and client listings and a websocket feed of
// lifecycle events.
package admin

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/danmuck/mediactl/internal/config"
	"github.com/danmuck/mediactl/internal/manager"
	"github.com/danmuck/mediactl/internal/media"
	"github.com/danmuck/mediactl/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const Version = "0.1.0"

// CodecLister answers the /codecs and /profiles listings.
type CodecLister interface {
	For(typ media.SessionType) []config.CodecEntry
	ProfilesFor(quality string) []config.RecorderProfile
}

// Options wires the admin server. Metrics and Events may be nil; a nil
// Gatherer serves the default prometheus registry.
type Options struct {
	Addr        string
	CORSOrigins []string
	Codecs      CodecLister
	Metrics     *observability.Metrics
	Gatherer    prometheus.Gatherer
	Events      *Broadcaster
	Channels    func() int
	Logger      *zerolog.Logger
}

type Server struct {
	addr     string
	mgr      *manager.Manager
	codecs   CodecLister
	events   *Broadcaster
	channels func() int
	router   *gin.Engine
	started  time.Time
	log      zerolog.Logger
}

// New builds the admin HTTP server and registers its routes.
func New(mgr *manager.Manager, opts Options) *Server {
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = opts.Logger.With().Str("component", "admin").Logger()
	}
	codecs := opts.Codecs
	if codecs == nil {
		codecs = config.DefaultCatalog()
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.AccessLog(log, opts.Metrics))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(opts.CORSOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		addr:     opts.Addr,
		mgr:      mgr,
		codecs:   codecs,
		events:   opts.Events,
		channels: opts.Channels,
		router:   r,
		started:  time.Now(),
		log:      log,
	}
	if s.events != nil {
		s.events.SetSnapshot(mgr.Snapshot)
	}
	s.registerRoutes(opts.Gatherer)
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) registerRoutes(gatherer prometheus.Gatherer) {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.started).String(),
			"service": "mediad",
			"version": Version,
		})
	})

	if gatherer == nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	} else {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	s.router.GET("/ready", s.ready)
	s.router.GET("/sessions", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"sessions": s.mgr.Snapshot()})
	})
	s.router.GET("/sessions/:id", s.session)
	s.router.GET("/clients", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"clients": s.mgr.Clients()})
	})
	s.router.GET("/codecs", s.listCodecs)
	s.router.GET("/profiles", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"profiles": s.codecs.ProfilesFor(c.Query("quality"))})
	})
	if s.events != nil {
		s.router.GET("/events", s.events.ServeWS)
	}
}

type typeUsage struct {
	Active int `json:"active"`
	Cap    int `json:"cap"`
}

func (s *Server) ready(c *gin.Context) {
	caps := s.mgr.Caps()
	usage := make(map[string]typeUsage, len(caps))
	for _, typ := range media.SessionTypes() {
		usage[typ.String()] = typeUsage{Active: s.mgr.Count(typ), Cap: caps[typ]}
	}
	body := gin.H{
		"ready":    true,
		"uptime":   time.Since(s.started).String(),
		"sessions": usage,
	}
	if s.channels != nil {
		body["channels"] = s.channels()
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) session(c *gin.Context) {
	raw, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return
	}
	sess, err := s.mgr.Lookup(media.SessionID(raw))
	if err != nil {
		if errors.Is(err, manager.ErrUnknownSession) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, sess.Info())
}

func (s *Server) listCodecs(c *gin.Context) {
	var typ media.SessionType
	if raw := c.Query("type"); raw != "" {
		parsed, ok := media.ParseSessionType(raw)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown session type " + strconv.Quote(raw)})
			return
		}
		typ = parsed
	}
	c.JSON(http.StatusOK, gin.H{"codecs": s.codecs.For(typ)})
}

// Run serves on the configured address until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info().Str("addr", ln.Addr().String()).Msg("admin listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	if s.events != nil {
		s.events.Close()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
