package statemachine

import (
	"errors"
	"testing"

	"github.com/danmuck/mediactl/internal/media"
	"github.com/danmuck/mediactl/internal/mserr"
	"github.com/danmuck/mediactl/internal/testutil/testlog"
)

func mustTable(t *testing.T, typ media.SessionType) *Table {
	t.Helper()
	table, err := TableFor(typ)
	if err != nil {
		t.Fatalf("table for %s: %v", typ, err)
	}
	return table
}

func TestHappyPathLifecycle(t *testing.T) {
	testlog.Start(t)
	m := New(mustTable(t, media.SessionCodec))
	steps := []struct {
		op   Op
		want State
	}{
		{OpConfigure, Configured},
		{OpPrepare, Prepared},
		{OpStart, Active},
		{OpPause, Paused},
		{OpResume, Active},
		{OpFlush, Active},
		{OpStop, Idle},
		{OpConfigure, Configured},
		{OpReset, Idle},
		{OpRelease, Released},
	}
	for _, step := range steps {
		got, err := m.Apply(step.op)
		if err != nil {
			t.Fatalf("%s: %v", step.op, err)
		}
		if got != step.want {
			t.Fatalf("%s: got %s want %s", step.op, got, step.want)
		}
	}
}

func TestStartWithoutPrepareIsRejected(t *testing.T) {
	testlog.Start(t)
	m := New(mustTable(t, media.SessionPlayer))
	if _, err := m.Apply(OpConfigure); err != nil {
		t.Fatalf("configure: %v", err)
	}
	_, err := m.Apply(OpStart)
	if !errors.Is(err, mserr.ErrInvalidOperation) {
		t.Fatalf("expected invalid operation, got %v", err)
	}
	if m.State() != Configured {
		t.Fatalf("state changed on rejection: %s", m.State())
	}
}

func TestErrorStateAcceptsOnlyResetAndRelease(t *testing.T) {
	testlog.Start(t)
	table := mustTable(t, media.SessionCodec)
	for op := range opNames {
		m := New(table)
		_, _ = m.Apply(OpConfigure)
		m.Fail()
		if m.State() != Error {
			t.Fatalf("fail did not reach error: %s", m.State())
		}
		_, err := m.Check(op)
		allowed := op == OpReset || op == OpRelease
		if allowed && err != nil {
			t.Fatalf("%s should be accepted from error: %v", op, err)
		}
		if !allowed && err == nil {
			t.Fatalf("%s must be rejected from error", op)
		}
	}
}

func TestReleasedIsTerminal(t *testing.T) {
	testlog.Start(t)
	for _, typ := range media.SessionTypes() {
		table := mustTable(t, typ)
		m := New(table)
		if _, err := m.Apply(OpRelease); err != nil {
			t.Fatalf("%s release: %v", typ, err)
		}
		for op := range opNames {
			if _, err := m.Check(op); err == nil {
				t.Fatalf("%s: %s accepted after release", typ, op)
			}
		}
		m.Fail()
		if m.State() != Released {
			t.Fatalf("%s: fail must not leave released", typ)
		}
	}
}

// Every (state, op) pair outside the table leaves the machine untouched.
func TestIllegalPairsLeaveStateUnchanged(t *testing.T) {
	testlog.Start(t)
	for _, typ := range media.SessionTypes() {
		table := mustTable(t, typ)
		for s := Idle; s <= Released; s++ {
			for op := range opNames {
				if _, ok := table.Next(s, op); ok {
					continue
				}
				m := New(table)
				m.Commit(s)
				if _, err := m.Apply(op); !errors.Is(err, ErrIllegalOperation) {
					t.Fatalf("%s %s from %s: expected illegal, got %v", typ, op, s, err)
				}
				if m.State() != s {
					t.Fatalf("%s %s from %s changed state to %s", typ, op, s, m.State())
				}
			}
		}
	}
}

func TestBuilderRejectsDuplicateEdges(t *testing.T) {
	testlog.Start(t)
	_, err := NewBuilder("dup").
		Allow(OpStart, Active, Prepared).
		Allow(OpStart, Paused, Prepared).
		Build()
	if !errors.Is(err, ErrDuplicateEdge) {
		t.Fatalf("expected duplicate edge error, got %v", err)
	}
}

func TestPlayerHasNoBufferOperations(t *testing.T) {
	testlog.Start(t)
	table := mustTable(t, media.SessionPlayer)
	if len(table.Accepts(OpQueueInput)) != 0 || len(table.Accepts(OpFlush)) != 0 {
		t.Fatalf("player table should not accept codec buffer ops")
	}
	if got := table.Accepts(OpStart); len(got) != 2 || got[0] != Prepared || got[1] != Paused {
		t.Fatalf("unexpected start sources: %v", got)
	}
}

func TestMuxerTracksOnlyBeforeStart(t *testing.T) {
	testlog.Start(t)
	m := New(mustTable(t, media.SessionMuxer))
	if _, err := m.Check(OpAddTrack); err == nil {
		t.Fatalf("add_track accepted before configure")
	}
	for _, op := range []Op{OpConfigure, OpAddTrack, OpPrepare, OpAddTrack, OpStart, OpWriteSample} {
		if _, err := m.Apply(op); err != nil {
			t.Fatalf("%s from %s: %v", op, m.State(), err)
		}
	}
	if m.State() != Active {
		t.Fatalf("expected active, got %s", m.State())
	}
	if _, err := m.Check(OpAddTrack); !errors.Is(err, ErrIllegalOperation) {
		t.Fatalf("add_track while active: %v", err)
	}
	if _, err := m.Apply(OpPause); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, err := m.Check(OpWriteSample); err == nil {
		t.Fatalf("write_sample accepted while paused")
	}
	if got := mustTable(t, media.SessionCodec).Accepts(OpWriteSample); len(got) != 0 {
		t.Fatalf("codec table accepts write_sample from %v", got)
	}
}
