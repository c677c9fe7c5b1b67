package manager

import (
	"sort"
	"time"

	"github.com/danmuck/mediactl/internal/media"
)

// SessionInfo is a point-in-time view of one session.
type SessionInfo struct {
	ID       media.SessionID `json:"id"`
	Type     string          `json:"type"`
	Owner    media.ClientID  `json:"owner"`
	Engine   string          `json:"engine"`
	State    string          `json:"state"`
	Created  time.Time       `json:"created"`
	Params   media.Params    `json:"params,omitempty"`
	Format   media.Params    `json:"format,omitempty"`
	Slots    map[string]int  `json:"slots,omitempty"`
	Pending  int             `json:"pending"`
	Rendered int64           `json:"rendered,omitempty"`
	LastPTS  int64           `json:"last_pts,omitempty"`
	Tracks   []media.Params  `json:"tracks,omitempty"`
	Samples  int64           `json:"samples,omitempty"`
}

// ClientInfo is a point-in-time view of one client endpoint.
type ClientInfo struct {
	ID        media.ClientID    `json:"id"`
	PID       int32             `json:"pid,omitempty"`
	Connected time.Time         `json:"connected"`
	Sessions  []media.SessionID `json:"sessions"`
}

// Info snapshots the session.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := SessionInfo{
		ID:       s.id,
		Type:     s.typ.String(),
		Owner:    s.owner,
		Engine:   s.engineName,
		State:    s.machine.State().String(),
		Created:  s.created,
		Params:   s.params.Clone(),
		Format:   s.format.Clone(),
		Pending:  s.env.notes.Pending(s.id),
		Rendered: s.rendered,
		LastPTS:  s.lastPTS,
		Samples:  s.samples,
	}
	for _, track := range s.tracks {
		info.Tracks = append(info.Tracks, track.Clone())
	}
	counts := s.env.buffers.Counts(s.id)
	if len(counts) > 0 {
		info.Slots = make(map[string]int, len(counts))
		for owner, n := range counts {
			info.Slots[owner.String()] = n
		}
	}
	return info
}

// Snapshot lists every live session ordered by id.
func (m *Manager) Snapshot() []SessionInfo {
	m.mu.Lock()
	live := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.mu.Unlock()

	out := make([]SessionInfo, 0, len(live))
	for _, s := range live {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Clients lists every connected client ordered by id.
func (m *Manager) Clients() []ClientInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ClientInfo, 0, len(m.clients))
	for _, ep := range m.clients {
		ids := make([]media.SessionID, 0, len(ep.sessions))
		for id := range ep.sessions {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		out = append(out, ClientInfo{ID: ep.id, PID: ep.pid, Connected: ep.connected, Sessions: ids})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
