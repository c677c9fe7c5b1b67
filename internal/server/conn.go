package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/mediactl/internal/manager"
	"github.com/danmuck/mediactl/internal/media"
	"github.com/danmuck/mediactl/internal/mserr"
	"github.com/danmuck/mediactl/internal/notify"
	"github.com/danmuck/mediactl/internal/protocol/frame"
	"github.com/danmuck/mediactl/internal/protocol/schema"
	"github.com/danmuck/mediactl/internal/protocol/session"
	"github.com/danmuck/mediactl/internal/protocol/tlv"
	"github.com/danmuck/mediactl/internal/rpc"
	"github.com/rs/zerolog"
)

// clientConn is one accepted channel after a successful handshake.
type clientConn struct {
	svc    *Service
	conn   net.Conn
	reader *bufio.Reader
	id     media.ClientID
	pid    int32
	lanes  *rpc.Lanes
	calls  sync.WaitGroup
	log    zerolog.Logger

	writeMu sync.Mutex

	sinksMu  sync.Mutex
	sinks    map[media.SessionID]notify.Subscription
	released map[media.SessionID]struct{}
}

type connKey struct{}

func withConn(ctx context.Context, c *clientConn) context.Context {
	return context.WithValue(ctx, connKey{}, c)
}

func connFrom(ctx context.Context) *clientConn {
	c, _ := ctx.Value(connKey{}).(*clientConn)
	return c
}

func (s *Service) handleConn(parent context.Context, conn net.Conn) {
	defer conn.Close()
	defer s.untrackConn(conn)
	remote := conn.RemoteAddr().String()

	reader := bufio.NewReader(conn)
	hello, ok := s.handshake(conn, reader)
	if !ok {
		return
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		s.log.Warn().Err(err).Msg("clear deadline failed")
	}

	c := &clientConn{
		svc:      s,
		conn:     conn,
		reader:   reader,
		id:       media.ClientID(hello.ClientID),
		pid:      hello.PID,
		lanes:    rpc.NewLanes(),
		log:      s.log.With().Str("client", hello.ClientID).Logger(),
		sinks:    make(map[media.SessionID]notify.Subscription),
		released: make(map[media.SessionID]struct{}),
	}
	active := s.active.Add(1)
	c.log.Info().Str("remote", remote).Int32("pid", c.pid).Int64("active_clients", active).Msg("client attached")

	ctx, cancel := context.WithCancel(parent)
	watch := s.liveness.Watch(string(c.id), func(reason string) {
		s.mgr.OnClientDeath(c.id, reason)
	})
	if s.cfg.Network == NetworkUnix && c.pid > 0 && c.pid != int32(os.Getpid()) {
		go s.pids.Watch(ctx, c.pid, func() {
			s.liveness.Fire(string(c.id), "pid")
			_ = conn.Close()
		})
	}

	reason := c.serve(withConn(ctx, c))
	cancel()
	_ = conn.Close()
	s.liveness.Fire(string(c.id), reason)
	s.liveness.Cancel(watch)
	c.lanes.Close()
	c.calls.Wait()
	c.dropSinks()
	s.liveness.Forget(string(c.id))

	remaining := s.active.Add(-1)
	c.log.Info().Str("reason", reason).Int64("active_clients", remaining).Msg("client detached")
}

// handshake reads the hello and answers it. It reports false when the
// channel must close.
func (s *Service) handshake(conn net.Conn, reader *bufio.Reader) (session.Hello, bool) {
	_ = conn.SetDeadline(time.Now().Add(s.cfg.Session.HandshakeTimeout))
	hello, err := session.ReadHello(reader)
	if err != nil {
		s.log.Debug().Err(err).Msg("hello read failed")
		return session.Hello{}, false
	}
	ack := session.HelloAck{
		Status:      session.AckStatusAccepted,
		ClientID:    hello.ClientID,
		TimestampMS: uint64(time.Now().UnixMilli()),
	}
	switch {
	case hello.ProtocolVersion != frame.Version:
		ack.Status, ack.Code, ack.Message = session.AckStatusRejected, session.AckCodeBadVersion, "unsupported protocol version"
	case s.validator != nil && s.validator.Validate(hello.Token) != nil:
		ack.Status, ack.Code, ack.Message = session.AckStatusRejected, session.AckCodeBadToken, "unauthorized"
	default:
		if err := s.mgr.Connect(media.ClientID(hello.ClientID), hello.PID, notify.Subscription{}); err != nil {
			ack.Status, ack.Code, ack.Message = session.AckStatusRejected, session.AckCodeDuplicateID, err.Error()
			if !errors.Is(err, manager.ErrDuplicateClient) {
				ack.Code = 0
			}
		}
	}
	if err := session.WriteHelloAck(conn, ack); err != nil {
		s.log.Warn().Err(err).Str("client", hello.ClientID).Msg("hello ack write failed")
		if ack.Status == session.AckStatusAccepted {
			s.mgr.Disconnect(media.ClientID(hello.ClientID))
		}
		return session.Hello{}, false
	}
	if ack.Status != session.AckStatusAccepted {
		s.log.Warn().Str("client", hello.ClientID).Uint32("code", ack.Code).Str("reason", ack.Message).Msg("hello rejected")
		return session.Hello{}, false
	}
	return hello, true
}

// serve reads calls until the channel fails and returns why it ended.
// Calls on one session run in arrival order; other calls run concurrently.
func (c *clientConn) serve(ctx context.Context) string {
	limits := c.svc.cfg.Session.Limits
	for {
		f, err := frame.ReadFrame(c.reader, limits)
		if err != nil {
			if ctx.Err() != nil {
				return "shutdown"
			}
			c.log.Debug().Err(err).Msg("channel read ended")
			return "eof"
		}
		if f.Header.IsResponse() || f.Header.IsEvent() {
			c.log.Warn().Uint32("flags", f.Header.Flags).Msg("unexpected frame from client")
			return "protocol"
		}
		req, err := c.request(f)
		if err != nil {
			c.reply(f.Header, err, nil, time.Now())
			continue
		}
		job := func() { c.handle(ctx, f.Header, req) }
		if req.Method.SessionScoped() {
			if err := c.lanes.Submit(uint64(req.Session), job); err != nil {
				c.reply(f.Header, err, nil, time.Now())
			}
			continue
		}
		c.calls.Add(1)
		go func() {
			defer c.calls.Done()
			job()
		}()
	}
}

func (c *clientConn) request(f frame.Frame) (rpc.Request, error) {
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return rpc.Request{}, fmt.Errorf("%w: payload: %v", mserr.ErrInvalidArgument, err)
	}
	return rpc.Request{
		CallID:  f.Header.CallID,
		Method:  schema.Method(f.Header.Method),
		Client:  c.id,
		Session: media.SessionID(f.Header.Session),
		Fields:  fields,
	}, nil
}

func (c *clientConn) handle(ctx context.Context, h frame.Header, req rpc.Request) {
	start := time.Now()
	fields, err := c.svc.router.Dispatch(ctx, req)
	c.reply(h, err, fields, start)
}

func (c *clientConn) reply(h frame.Header, err error, fields []tlv.Field, start time.Time) {
	method := schema.Method(h.Method)
	resp := session.NewResponse(h, err, fields)
	if c.svc.calls != nil {
		c.svc.calls.RecordCall(method.String(), mserr.CodeOf(err).String(), time.Since(start))
	}
	if err != nil {
		c.log.Debug().Err(err).Str("method", method.String()).Uint64("session", h.Session).Msg("call failed")
	}
	if werr := c.write(resp); werr != nil {
		c.log.Debug().Err(werr).Str("method", method.String()).Msg("response not written")
	}
}

func (c *clientConn) write(f frame.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if timeout := c.svc.cfg.Session.WriteTimeout; timeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	return frame.WriteFrame(c.conn, f, c.svc.cfg.Session.Limits)
}

// attach registers a sink that forwards a session's notifications onto
// this channel. The session id is bound once the session exists.
func (c *clientConn) attach() (*remoteSink, notify.Subscription) {
	sink := &remoteSink{conn: c}
	return sink, c.svc.mgr.RegisterSink(sink)
}

func (c *clientConn) track(id media.SessionID, sub notify.Subscription) {
	c.sinksMu.Lock()
	c.sinks[id] = sub
	c.sinksMu.Unlock()
}

// forget unregisters the sink of a destroyed session and remembers the id
// so a repeated release stays a no-op.
func (c *clientConn) forget(id media.SessionID) {
	c.sinksMu.Lock()
	sub, ok := c.sinks[id]
	delete(c.sinks, id)
	c.released[id] = struct{}{}
	c.sinksMu.Unlock()
	if ok {
		c.svc.mgr.UnregisterSink(sub)
	}
}

func (c *clientConn) wasReleased(id media.SessionID) bool {
	c.sinksMu.Lock()
	defer c.sinksMu.Unlock()
	_, ok := c.released[id]
	return ok
}

func (c *clientConn) dropSinks() {
	c.sinksMu.Lock()
	subs := c.sinks
	c.sinks = make(map[media.SessionID]notify.Subscription)
	c.sinksMu.Unlock()
	for _, sub := range subs {
		c.svc.mgr.UnregisterSink(sub)
	}
}

// remoteSink turns notification callbacks into event frames.
type remoteSink struct {
	conn    *clientConn
	session atomic.Uint64
}

func (r *remoteSink) bind(id media.SessionID) { r.session.Store(uint64(id)) }

func (r *remoteSink) send(ev session.Event) {
	ev.Session = media.SessionID(r.session.Load())
	f, err := session.EncodeEvent(ev)
	if err != nil {
		r.conn.log.Warn().Err(err).Uint32("kind", ev.Kind).Msg("event encode failed")
		return
	}
	if err := r.conn.write(f); err != nil {
		r.conn.log.Debug().Err(err).Uint32("kind", ev.Kind).Msg("event not written")
	}
}

func (r *remoteSink) OnError(kind media.ErrorKind, code int32) {
	r.send(session.Event{Kind: schema.EventError, ErrorKind: kind, Code: code})
}

func (r *remoteSink) OnBufferAvailable(dir media.Direction, index uint32, meta notify.Metadata) {
	if dir == media.Input {
		r.send(session.Event{Kind: schema.EventInputAvailable, Index: index, Epoch: meta.Epoch})
		return
	}
	r.send(session.Event{
		Kind:  schema.EventOutputAvailable,
		Index: index,
		Epoch: meta.Epoch,
		Info:  meta.Info,
		Data:  meta.Data,
	})
}

func (r *remoteSink) OnFormatChanged(params media.Params) {
	r.send(session.Event{Kind: schema.EventFormatChanged, Params: params})
}

func (r *remoteSink) OnStateChanged(state string) {
	r.send(session.Event{Kind: schema.EventStateChanged, State: state})
}
