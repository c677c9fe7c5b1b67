package manager

import (
	"time"

	"github.com/danmuck/mediactl/internal/media"
)

// Metrics receives manager counters. observability.Metrics satisfies it.
type Metrics interface {
	SessionCreated(typ string)
	SessionDestroyed(typ string)
	SessionRefused(typ string)
	SessionTransition(typ, op, to string)
	ClientConnected()
	ClientDisconnected()
	ClientDied(source string)
}

type nopMetrics struct{}

func (nopMetrics) SessionCreated(string)                    {}
func (nopMetrics) SessionDestroyed(string)                  {}
func (nopMetrics) SessionRefused(string)                    {}
func (nopMetrics) SessionTransition(string, string, string) {}
func (nopMetrics) ClientConnected()                         {}
func (nopMetrics) ClientDisconnected()                      {}
func (nopMetrics) ClientDied(string)                        {}

// LifecycleKind names a manager lifecycle event.
type LifecycleKind string

const (
	LifecycleSessionCreated   LifecycleKind = "session.created"
	LifecycleSessionState     LifecycleKind = "session.state"
	LifecycleSessionDestroyed LifecycleKind = "session.destroyed"
	LifecycleClientConnected  LifecycleKind = "client.connected"
	LifecycleClientGone       LifecycleKind = "client.gone"
)

// LifecycleEvent is published for every session and client lifecycle step.
type LifecycleEvent struct {
	Kind    LifecycleKind   `json:"kind"`
	Session media.SessionID `json:"session,omitempty"`
	Type    string          `json:"type,omitempty"`
	Client  media.ClientID  `json:"client,omitempty"`
	Op      string          `json:"op,omitempty"`
	State   string          `json:"state,omitempty"`
	Reason  string          `json:"reason,omitempty"`
	At      time.Time       `json:"at"`
}

// Observer is told about lifecycle events. Publish may run with a session
// lock held and must not block or call back into the manager.
type Observer interface {
	Publish(ev LifecycleEvent)
}

// Catalog decides which mime types a session type may be configured with.
type Catalog interface {
	Supports(typ media.SessionType, mime string) bool
}
