package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/danmuck/mediactl/internal/config"
	"github.com/danmuck/mediactl/internal/engine"
	"github.com/danmuck/mediactl/internal/engine/loopback"
	"github.com/danmuck/mediactl/internal/manager"
	"github.com/danmuck/mediactl/internal/media"
	"github.com/danmuck/mediactl/internal/mserr"
	"github.com/danmuck/mediactl/internal/protocol/frame"
	"github.com/danmuck/mediactl/internal/protocol/schema"
	"github.com/danmuck/mediactl/internal/protocol/session"
	"github.com/danmuck/mediactl/internal/protocol/tlv"
	"github.com/danmuck/mediactl/internal/testutil/testlog"
	"github.com/rs/zerolog"
)

type callCounter struct {
	calls chan string
}

func (c *callCounter) RecordCall(method, status string, _ time.Duration) {
	select {
	case c.calls <- method + ":" + status:
	default:
	}
}

func startService(t *testing.T, logger zerolog.Logger, calls CallRecorder) (*Service, *manager.Manager, string) {
	t.Helper()
	factory := engine.NewFactory()
	if err := loopback.Register(factory); err != nil {
		t.Fatalf("register loopback: %v", err)
	}
	mgr := manager.New(factory, manager.Options{Catalog: config.DefaultCatalog(), Logger: &logger})
	cfg := DefaultServiceConfig()
	cfg.Network = NetworkTCP
	cfg.ListenAddr = "127.0.0.1:0"
	svc, err := NewService(mgr, cfg, Options{Calls: calls, Logger: &logger})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	ln, err := svc.Listen()
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Errorf("service did not stop")
		}
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		_ = mgr.Shutdown(shutdownCtx)
	})
	return svc, mgr, ln.Addr().String()
}

// rawClient speaks the wire protocol directly, without the client package.
type rawClient struct {
	conn   net.Conn
	reader *bufio.Reader
	next   uint64
}

func dialRaw(t *testing.T, addr string, hello session.Hello) (*rawClient, session.HelloAck) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetDeadline(time.Now().Add(3 * time.Second))
	if err := session.WriteHello(conn, hello); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	reader := bufio.NewReader(conn)
	ack, err := session.ReadHelloAck(reader)
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	return &rawClient{conn: conn, reader: reader}, ack
}

func connectRaw(t *testing.T, addr, id string) *rawClient {
	t.Helper()
	c, ack := dialRaw(t, addr, session.Hello{ClientID: id, ProtocolVersion: frame.Version})
	if err := ack.Err(); err != nil {
		t.Fatalf("hello rejected: %v", err)
	}
	return c
}

// call sends one request and skips any event frames until its response arrives.
func (c *rawClient) call(t *testing.T, method schema.Method, sid media.SessionID, fields []tlv.Field) ([]tlv.Field, error) {
	t.Helper()
	c.next++
	_ = c.conn.SetDeadline(time.Now().Add(3 * time.Second))
	if err := frame.WriteFrame(c.conn, session.NewRequest(c.next, method, sid, fields), frame.DefaultLimits()); err != nil {
		t.Fatalf("write %s: %v", method, err)
	}
	for {
		f, err := frame.ReadFrame(c.reader, frame.DefaultLimits())
		if err != nil {
			t.Fatalf("read %s response: %v", method, err)
		}
		if f.Header.IsEvent() {
			continue
		}
		if f.Header.CallID != c.next {
			t.Fatalf("response for call %d, want %d", f.Header.CallID, c.next)
		}
		return session.DecodeResponse(f)
	}
}

func (c *rawClient) create(t *testing.T, typ media.SessionType) media.SessionID {
	t.Helper()
	out, err := c.call(t, schema.MethodCreateSession, 0, []tlv.Field{tlv.U8(schema.FieldSessionType, uint8(typ))})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	r := session.NewReader(out)
	id := media.SessionID(r.U64(schema.FieldSessionID))
	if err := r.Err(); err != nil {
		t.Fatalf("create response: %v", err)
	}
	return id
}

func TestNewServiceCoversEveryMethod(t *testing.T) {
	logger := testlog.Start(t)
	svc, _, _ := startService(t, logger, nil)
	if err := svc.router.Validate(schema.Methods()); err != nil {
		t.Fatalf("router incomplete: %v", err)
	}
}

func TestHandshakeRejectsProtocolVersion(t *testing.T) {
	logger := testlog.Start(t)
	_, mgr, addr := startService(t, logger, nil)

	_, ack := dialRaw(t, addr, session.Hello{ClientID: "old", ProtocolVersion: frame.Version + 1})
	if ack.Status != session.AckStatusRejected || ack.Code != session.AckCodeBadVersion {
		t.Fatalf("expected bad version rejection, got %+v", ack)
	}
	if len(mgr.Clients()) != 0 {
		t.Fatalf("rejected client was registered: %+v", mgr.Clients())
	}
}

func TestCallsOnForeignSessionRejected(t *testing.T) {
	logger := testlog.Start(t)
	_, mgr, addr := startService(t, logger, nil)
	owner := connectRaw(t, addr, "owner")
	intruder := connectRaw(t, addr, "intruder")

	sid := owner.create(t, media.SessionRecorder)

	_, err := intruder.call(t, schema.MethodGetState, sid, nil)
	if !errors.Is(err, mserr.ErrInvalidOperation) {
		t.Fatalf("expected invalid operation for foreign session, got %v", err)
	}
	_, err = intruder.call(t, schema.MethodRelease, sid, nil)
	if !errors.Is(err, mserr.ErrInvalidOperation) {
		t.Fatalf("expected invalid operation for foreign release, got %v", err)
	}
	if _, err := mgr.Lookup(sid); err != nil {
		t.Fatalf("foreign release destroyed the session: %v", err)
	}
	_, err = intruder.call(t, schema.MethodGetState, sid+100, nil)
	if !errors.Is(err, mserr.ErrInvalidOperation) {
		t.Fatalf("expected invalid operation for unknown session, got %v", err)
	}
}

func TestRequestValidation(t *testing.T) {
	logger := testlog.Start(t)
	calls := &callCounter{calls: make(chan string, 16)}
	_, _, addr := startService(t, logger, calls)
	c := connectRaw(t, addr, "app")

	if _, err := c.call(t, schema.MethodCreateSession, 0, nil); !errors.Is(err, mserr.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument for missing type, got %v", err)
	}
	if _, err := c.call(t, schema.MethodCreateSession, 0, []tlv.Field{tlv.U8(schema.FieldSessionType, 42)}); !errors.Is(err, mserr.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument for bad type, got %v", err)
	}
	if _, err := c.call(t, schema.Method(250), 1, nil); !errors.Is(err, mserr.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument for unknown method, got %v", err)
	}
	select {
	case label := <-calls.calls:
		if label != schema.MethodCreateSession.String()+":"+mserr.CodeInvalidArgument.String() {
			t.Fatalf("unexpected call label %q", label)
		}
	case <-time.After(time.Second):
		t.Fatalf("call was not recorded")
	}
}

func TestDisconnectReleasesOwnedSessions(t *testing.T) {
	logger := testlog.Start(t)
	svc, mgr, addr := startService(t, logger, nil)
	c := connectRaw(t, addr, "leaver")
	sid := c.create(t, media.SessionCodec)
	held, err := mgr.Lookup(sid)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}

	_ = c.conn.Close()

	deadline := time.Now().Add(3 * time.Second)
	for mgr.Count(media.SessionCodec) != 0 || svc.Clients() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("sessions not released: count=%d clients=%d", mgr.Count(media.SessionCodec), svc.Clients())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if held.State().String() != "released" {
		t.Fatalf("expected released, got %s", held.State())
	}
}

func TestCreateRacingDisconnectLeavesNoSessions(t *testing.T) {
	logger := testlog.Start(t)
	svc, mgr, addr := startService(t, logger, nil)

	for i := 0; i < 40; i++ {
		c := connectRaw(t, addr, fmt.Sprintf("racer-%02d", i))
		req := session.NewRequest(1, schema.MethodCreateSession, 0, []tlv.Field{tlv.U8(schema.FieldSessionType, uint8(media.SessionCodec))})
		if err := frame.WriteFrame(c.conn, req, frame.DefaultLimits()); err != nil {
			t.Fatalf("write create %d: %v", i, err)
		}
		_ = c.conn.Close()
	}

	deadline := time.Now().Add(5 * time.Second)
	for svc.Clients() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("channels still open: %d", svc.Clients())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if n := mgr.Count(media.SessionCodec); n != 0 {
		t.Fatalf("%d codec sessions outlived their owners", n)
	}
	if clients := mgr.Clients(); len(clients) != 0 {
		t.Fatalf("departed clients still registered: %+v", clients)
	}

	c := connectRaw(t, addr, "survivor")
	c.create(t, media.SessionCodec)
}
