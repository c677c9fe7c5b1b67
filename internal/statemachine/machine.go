// Package statemachine gates session operations on the current session state.
//
// A Table lists, per operation, the states it is accepted from and the state
// it leads to. Machine is not safe for concurrent use; the owning session
// serializes Check and Commit under its own lock.
package statemachine

import (
	"errors"
	"fmt"
	"sort"

	"github.com/danmuck/mediactl/internal/mserr"
)

var (
	ErrIllegalOperation = fmt.Errorf("statemachine: operation not accepted: %w", mserr.ErrInvalidOperation)
	ErrDuplicateEdge    = errors.New("statemachine: duplicate edge")
	ErrUnknownOp        = errors.New("statemachine: unknown operation")
)

// State is a session lifecycle state shared by every session type.
type State uint8

const (
	Idle State = iota
	Configured
	Prepared
	Active
	Paused
	Error
	Released
)

var stateNames = [...]string{
	Idle:       "idle",
	Configured: "configured",
	Prepared:   "prepared",
	Active:     "active",
	Paused:     "paused",
	Error:      "error",
	Released:   "released",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// ParseState is the inverse of State.String.
func ParseState(raw string) (State, bool) {
	for i, name := range stateNames {
		if name == raw {
			return State(i), true
		}
	}
	return 0, false
}

// Op is a client-visible or internal session operation.
type Op uint8

const (
	OpConfigure Op = iota + 1
	OpPrepare
	OpStart
	OpPause
	OpResume
	OpStop
	OpReset
	OpRelease
	OpFlush
	OpQueueInput
	OpReleaseOutput
	OpSetParameter
	OpFault
	OpAddTrack
	OpWriteSample
)

var opNames = map[Op]string{
	OpConfigure:     "configure",
	OpPrepare:       "prepare",
	OpStart:         "start",
	OpPause:         "pause",
	OpResume:        "resume",
	OpStop:          "stop",
	OpReset:         "reset",
	OpRelease:       "release",
	OpFlush:         "flush",
	OpQueueInput:    "queue_input",
	OpReleaseOutput: "release_output",
	OpSetParameter:  "set_parameter",
	OpFault:         "fault",
	OpAddTrack:      "add_track",
	OpWriteSample:   "write_sample",
}

func (o Op) String() string {
	if name, ok := opNames[o]; ok {
		return name
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

// Edge is one accepted (from, op) pair and its destination.
type Edge struct {
	From State
	Op   Op
	To   State
}

// Table is an immutable transition table.
type Table struct {
	name  string
	edges map[Op]map[State]State
}

func (t *Table) Name() string { return t.name }

// Next returns the destination of op from state, if accepted.
func (t *Table) Next(from State, op Op) (State, bool) {
	to, ok := t.edges[op][from]
	return to, ok
}

// Accepts lists the states op is accepted from, sorted.
func (t *Table) Accepts(op Op) []State {
	out := make([]State, 0, len(t.edges[op]))
	for s := range t.edges[op] {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Edges returns every edge ordered by op then source state.
func (t *Table) Edges() []Edge {
	out := make([]Edge, 0)
	for op, froms := range t.edges {
		for from, to := range froms {
			out = append(out, Edge{From: from, Op: op, To: to})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Op != out[j].Op {
			return out[i].Op < out[j].Op
		}
		return out[i].From < out[j].From
	})
	return out
}

// Builder assembles a Table and rejects conflicting edges.
type Builder struct {
	name  string
	edges map[Op]map[State]State
	err   error
}

// NewBuilder starts an empty transition table called name.
func NewBuilder(name string) *Builder {
	return &Builder{name: name, edges: make(map[Op]map[State]State)}
}

// Allow adds op from each of froms to to.
func (b *Builder) Allow(op Op, to State, froms ...State) *Builder {
	if b.err != nil {
		return b
	}
	if _, ok := opNames[op]; !ok {
		b.err = fmt.Errorf("%w: %d", ErrUnknownOp, op)
		return b
	}
	m, ok := b.edges[op]
	if !ok {
		m = make(map[State]State)
		b.edges[op] = m
	}
	for _, from := range froms {
		if _, dup := m[from]; dup {
			b.err = fmt.Errorf("%w: %s %s", ErrDuplicateEdge, op, from)
			return b
		}
		m[from] = to
	}
	return b
}

// Stay accepts op from each state without changing it.
func (b *Builder) Stay(op Op, froms ...State) *Builder {
	for _, from := range froms {
		b.Allow(op, from, from)
	}
	return b
}

func (b *Builder) Build() (*Table, error) {
	if b.err != nil {
		return nil, b.err
	}
	return &Table{name: b.name, edges: b.edges}, nil
}

// Machine tracks one session's state against a table.
type Machine struct {
	table *Table
	state State
}

// New creates a machine in Idle driven by table.
func New(table *Table) *Machine {
	return &Machine{table: table, state: Idle}
}

func (m *Machine) State() State { return m.state }

func (m *Machine) Table() *Table { return m.table }

// Check reports the destination of op without changing state.
func (m *Machine) Check(op Op) (State, error) {
	to, ok := m.table.Next(m.state, op)
	if !ok {
		return m.state, fmt.Errorf("%w: %s from %s", ErrIllegalOperation, op, m.state)
	}
	return to, nil
}

// Commit moves the machine to a state previously returned by Check.
func (m *Machine) Commit(to State) {
	m.state = to
}

// Apply is Check followed by Commit.
func (m *Machine) Apply(op Op) (State, error) {
	to, err := m.Check(op)
	if err != nil {
		return m.state, err
	}
	m.state = to
	return to, nil
}

// Fail moves the machine to Error unless it is already terminal.
func (m *Machine) Fail() {
	if to, ok := m.table.Next(m.state, OpFault); ok {
		m.state = to
	}
}
