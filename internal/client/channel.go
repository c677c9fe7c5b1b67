// Package client is the application side of the media channel: dialing the
// daemon, issuing calls and routing session events to local sinks.
//
// A channel that fails is never reconnected. Every later call returns
// mserr.ErrChannelDead and the application recreates its sessions on a new
// channel.
package client

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/mediactl/internal/media"
	"github.com/danmuck/mediactl/internal/mserr"
	"github.com/danmuck/mediactl/internal/notify"
	"github.com/danmuck/mediactl/internal/protocol/frame"
	"github.com/danmuck/mediactl/internal/protocol/schema"
	"github.com/danmuck/mediactl/internal/protocol/session"
	"github.com/danmuck/mediactl/internal/protocol/tlv"
	"github.com/danmuck/mediactl/internal/rpc"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

// ServiceDiedCode is the code synthesized into OnError when the daemon goes away.
const ServiceDiedCode = media.ServiceDiedCode

const servicePeer = "mediad"

var ErrHandshakeRejected = errors.New("client: handshake rejected")

type Config struct {
	Network  string
	Address  string
	ClientID string
	Token    string
	Session  session.Config
	Logger   *zerolog.Logger
}

func DefaultConfig() Config {
	return Config{
		Network: "unix",
		Address: "/tmp/mediad.sock",
		Session: session.DefaultConfig(),
	}
}

// SinkToken identifies one registered event sink.
type SinkToken = ulid.ULID

// sinkEntry is one registered sink. gen advances on every fence; events
// queued under an older gen are dropped instead of delivered.
type sinkEntry struct {
	token SinkToken
	sink  notify.Sink
	gen   uint64
}

// Channel is one live connection to the daemon.
type Channel struct {
	cfg    Config
	id     media.ClientID
	conn   net.Conn
	reader *bufio.Reader
	calls  *session.CallTable
	events *rpc.Lanes
	alive  *rpc.Liveness
	log    zerolog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	sinks   map[media.SessionID]sinkEntry
	byToken map[SinkToken]media.SessionID
	closing bool

	deadOnce sync.Once
	dead     chan struct{}
	done     chan struct{}
}

// Dial connects and completes the hello handshake, retrying with backoff
// until Session.ConnectAttempts is spent. A rejected hello is not retried.
func Dial(ctx context.Context, cfg Config) (*Channel, error) {
	if strings.TrimSpace(cfg.Network) == "" {
		cfg.Network = DefaultConfig().Network
	}
	if strings.TrimSpace(cfg.ClientID) == "" {
		cfg.ClientID = uuid.NewString()
	}
	if err := cfg.Session.ValidateClientTransport(); err != nil {
		return nil, err
	}
	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = cfg.Logger.With().Str("component", "client").Str("client", cfg.ClientID).Logger()
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	var attempt int
	for {
		attempt++
		conn, err := dial(ctx, cfg)
		if err == nil {
			var reader *bufio.Reader
			reader, err = hello(conn, cfg)
			if err == nil {
				return newChannel(cfg, conn, reader, log), nil
			}
			_ = conn.Close()
			if errors.Is(err, ErrHandshakeRejected) {
				return nil, err
			}
		}
		log.Warn().Err(err).Int("attempt", attempt).Str("addr", cfg.Address).Msg("dial failed")
		if cfg.Session.ConnectAttempts > 0 && attempt >= cfg.Session.ConnectAttempts {
			return nil, err
		}
		if err := session.SleepBackoff(ctx, cfg.Session.Backoff, attempt, rng); err != nil {
			return nil, err
		}
	}
}

func dial(ctx context.Context, cfg Config) (net.Conn, error) {
	dialer := net.Dialer{Timeout: cfg.Session.ConnectTimeout}
	rawConn, err := dialer.DialContext(ctx, cfg.Network, cfg.Address)
	if err != nil {
		return nil, err
	}
	if !cfg.Session.TLS.Enabled {
		return rawConn, nil
	}
	tlsCfg, err := cfg.Session.ClientTLS()
	if err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	conn := tls.Client(rawConn, tlsCfg)
	handshakeCtx, cancel := context.WithTimeout(ctx, cfg.Session.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(handshakeCtx); err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	return conn, nil
}

func hello(conn net.Conn, cfg Config) (*bufio.Reader, error) {
	_ = conn.SetDeadline(time.Now().Add(cfg.Session.HandshakeTimeout))
	reader := bufio.NewReader(conn)
	msg := session.Hello{
		ClientID:        cfg.ClientID,
		PID:             int32(os.Getpid()),
		Token:           cfg.Token,
		ProtocolVersion: frame.Version,
	}
	if err := session.WriteHello(conn, msg); err != nil {
		return nil, err
	}
	ack, err := session.ReadHelloAck(reader)
	if err != nil {
		return nil, err
	}
	if err := ack.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeRejected, err)
	}
	_ = conn.SetDeadline(time.Time{})
	return reader, nil
}

func newChannel(cfg Config, conn net.Conn, reader *bufio.Reader, log zerolog.Logger) *Channel {
	c := &Channel{
		cfg:     cfg,
		id:      media.ClientID(cfg.ClientID),
		conn:    conn,
		reader:  reader,
		calls:   session.NewCallTable(),
		events:  rpc.NewLanes(),
		alive:   rpc.NewLiveness(log),
		log:     log,
		sinks:   make(map[media.SessionID]sinkEntry),
		byToken: make(map[SinkToken]media.SessionID),
		dead:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Channel) ID() media.ClientID { return c.id }

// Dead is closed once the channel has failed or been closed.
func (c *Channel) Dead() <-chan struct{} { return c.dead }

// Call sends one request and waits for its response. There is no timeout;
// ctx only stops the wait, and a response arriving afterwards is discarded.
func (c *Channel) Call(ctx context.Context, method schema.Method, sid media.SessionID, fields []tlv.Field) ([]tlv.Field, error) {
	id, result, err := c.calls.Begin()
	if err != nil {
		return nil, err
	}
	req := session.NewRequest(id, method, sid, fields)
	if err := c.write(req); err != nil {
		c.calls.Abandon(id)
		c.fail(err)
		return nil, fmt.Errorf("%w: %s: %v", mserr.ErrChannelDead, method, err)
	}
	select {
	case res := <-result:
		if res.Err != nil {
			return nil, res.Err
		}
		return session.DecodeResponse(res.Frame)
	case <-ctx.Done():
		c.calls.Abandon(id)
		return nil, ctx.Err()
	}
}

func (c *Channel) write(f frame.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if timeout := c.cfg.Session.WriteTimeout; timeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	return frame.WriteFrame(c.conn, f, c.cfg.Session.Limits)
}

// RegisterEventSink routes events for sid to sink, replacing any earlier sink.
func (c *Channel) RegisterEventSink(sid media.SessionID, sink notify.Sink) SinkToken {
	tok := ulid.Make()
	c.mu.Lock()
	if old, ok := c.sinks[sid]; ok {
		delete(c.byToken, old.token)
	}
	c.sinks[sid] = sinkEntry{token: tok, sink: sink}
	c.byToken[tok] = sid
	c.mu.Unlock()
	return tok
}

func (c *Channel) UnregisterEventSink(tok SinkToken) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sid, ok := c.byToken[tok]
	if !ok {
		return
	}
	delete(c.byToken, tok)
	if entry, ok := c.sinks[sid]; ok && entry.token == tok {
		delete(c.sinks, sid)
	}
}

func (c *Channel) sinkFor(sid media.SessionID) (sinkEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.sinks[sid]
	return entry, ok
}

func (c *Channel) current(sid media.SessionID, tok SinkToken, gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.sinks[sid]
	return ok && entry.token == tok && entry.gen == gen
}

// fence discards every event already queued for sid and waits until a
// callback running on the session's lane has returned. A sink must not fence
// its own session from inside a callback.
func (c *Channel) fence(ctx context.Context, sid media.SessionID) error {
	c.mu.Lock()
	if entry, ok := c.sinks[sid]; ok {
		entry.gen++
		c.sinks[sid] = entry
	}
	c.mu.Unlock()

	idle := make(chan struct{})
	if err := c.events.Submit(uint64(sid), func() { close(idle) }); err != nil {
		return nil
	}
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WatchLiveness calls onDeath once when the daemon goes away.
func (c *Channel) WatchLiveness(onDeath func(reason string)) rpc.WatchToken {
	return c.alive.Watch(servicePeer, onDeath)
}

func (c *Channel) CancelWatch(tok rpc.WatchToken) bool {
	return c.alive.Cancel(tok)
}

// Close ends the channel. The daemon releases every session it owns.
func (c *Channel) Close() error {
	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()
	err := c.conn.Close()
	<-c.done
	return err
}

func (c *Channel) readLoop() {
	defer close(c.done)
	for {
		f, err := frame.ReadFrame(c.reader, c.cfg.Session.Limits)
		if err != nil {
			c.fail(err)
			return
		}
		switch {
		case f.Header.IsEvent():
			c.routeEvent(f)
		case f.Header.IsResponse():
			if !c.calls.Resolve(f.Header.CallID, f) {
				c.log.Debug().Uint64("call", f.Header.CallID).Msg("response for unknown call")
			}
		default:
			c.log.Warn().Uint32("flags", f.Header.Flags).Msg("unexpected frame from daemon")
		}
	}
}

// routeEvent hands an event to its session's sink on that session's event
// lane, so sinks may issue calls without stalling the reader.
func (c *Channel) routeEvent(f frame.Frame) {
	ev, err := session.DecodeEvent(f)
	if err != nil {
		c.log.Warn().Err(err).Msg("event dropped")
		return
	}
	entry, ok := c.sinkFor(ev.Session)
	if !ok {
		c.log.Debug().Uint64("session", uint64(ev.Session)).Uint32("kind", ev.Kind).Msg("event for unknown session")
		return
	}
	_ = c.events.Submit(uint64(ev.Session), func() {
		if !c.current(ev.Session, entry.token, entry.gen) {
			return
		}
		deliver(entry.sink, ev)
	})
}

func deliver(sink notify.Sink, ev session.Event) {
	switch ev.Kind {
	case schema.EventInputAvailable:
		sink.OnBufferAvailable(media.Input, ev.Index, notify.Metadata{Epoch: ev.Epoch})
	case schema.EventOutputAvailable:
		sink.OnBufferAvailable(media.Output, ev.Index, notify.Metadata{Epoch: ev.Epoch, Info: ev.Info, Data: ev.Data})
	case schema.EventFormatChanged:
		sink.OnFormatChanged(ev.Params)
	case schema.EventError:
		sink.OnError(ev.ErrorKind, ev.Code)
	case schema.EventStateChanged:
		sink.OnStateChanged(ev.State)
	}
}

// fail marks the channel dead once. Pending and later calls see
// ErrChannelDead. Unless the application closed the channel itself, every
// registered sink receives a service-died error.
func (c *Channel) fail(cause error) {
	c.deadOnce.Do(func() {
		close(c.dead)
		_ = c.conn.Close()
		c.calls.Fail(fmt.Errorf("%w: %v", mserr.ErrChannelDead, cause))

		c.mu.Lock()
		closing := c.closing
		sinks := make(map[media.SessionID]notify.Sink, len(c.sinks))
		for sid, entry := range c.sinks {
			sinks[sid] = entry.sink
		}
		c.mu.Unlock()

		reason := "closed"
		if !closing {
			reason = "service died"
			c.log.Warn().Err(cause).Int("sessions", len(sinks)).Msg("channel dead")
			for sid, sink := range sinks {
				sink := sink
				_ = c.events.Submit(uint64(sid), func() { sink.OnError(media.ErrorService, ServiceDiedCode) })
			}
		}
		go c.events.Close()
		c.alive.Fire(servicePeer, reason)
	})
}
