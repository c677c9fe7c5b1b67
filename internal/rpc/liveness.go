package rpc

import (
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

// WatchToken identifies one registered death watch.
type WatchToken = ulid.ULID

// Liveness fans peer death out to registered watchers. Each watch fires at
// most once. Watching a peer already reported dead fires immediately.
type Liveness struct {
	mu      sync.Mutex
	watches map[string]map[WatchToken]func(reason string)
	peers   map[WatchToken]string
	dead    map[string]string
	log     zerolog.Logger
}

// NewLiveness creates a liveness tracker with no watched peers.
func NewLiveness(logger zerolog.Logger) *Liveness {
	return &Liveness{
		watches: make(map[string]map[WatchToken]func(string)),
		peers:   make(map[WatchToken]string),
		dead:    make(map[string]string),
		log:     logger.With().Str("component", "liveness").Logger(),
	}
}

// Watch registers onDeath for peer.
func (l *Liveness) Watch(peer string, onDeath func(reason string)) WatchToken {
	tok := ulid.Make()
	l.mu.Lock()
	if reason, gone := l.dead[peer]; gone {
		l.mu.Unlock()
		onDeath(reason)
		return tok
	}
	set, ok := l.watches[peer]
	if !ok {
		set = make(map[WatchToken]func(string))
		l.watches[peer] = set
	}
	set[tok] = onDeath
	l.peers[tok] = peer
	l.mu.Unlock()
	return tok
}

// Cancel removes a watch that has not fired yet.
func (l *Liveness) Cancel(tok WatchToken) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	peer, ok := l.peers[tok]
	if !ok {
		return false
	}
	delete(l.peers, tok)
	delete(l.watches[peer], tok)
	if len(l.watches[peer]) == 0 {
		delete(l.watches, peer)
	}
	return true
}

// Fire reports peer dead and runs its watches outside the lock. Later calls
// for the same peer do nothing. It returns the number of watches run.
func (l *Liveness) Fire(peer, reason string) int {
	l.mu.Lock()
	if _, gone := l.dead[peer]; gone {
		l.mu.Unlock()
		return 0
	}
	l.dead[peer] = reason
	set := l.watches[peer]
	delete(l.watches, peer)
	for tok := range set {
		delete(l.peers, tok)
	}
	l.mu.Unlock()

	l.log.Debug().Str("peer", peer).Str("reason", reason).Int("watches", len(set)).Msg("peer died")
	for _, fn := range set {
		fn(reason)
	}
	return len(set)
}

// Forget clears a dead peer so its id may be reused by a new connection.
func (l *Liveness) Forget(peer string) {
	l.mu.Lock()
	delete(l.dead, peer)
	l.mu.Unlock()
}

func (l *Liveness) Dead(peer string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, gone := l.dead[peer]
	return gone
}
