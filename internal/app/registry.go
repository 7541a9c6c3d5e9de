package app

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dkeye/Cowrite/internal/core"
	"github.com/dkeye/Cowrite/internal/domain"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

type peerEntry struct {
	conn           core.Connection
	status         domain.PeerStatus
	disconnectedAt time.Time
}

// Registry is the per-process record of live peer connections. An entry
// exclusively owns its connection: closing the entry closes the connection
// first, then drops the entry.
type Registry struct {
	clock clockwork.Clock

	mu    sync.RWMutex
	peers map[domain.PeerID]*peerEntry
}

func NewRegistry(clock clockwork.Clock) *Registry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Registry{
		clock: clock,
		peers: make(map[domain.PeerID]*peerEntry),
	}
}

// Register files conn under id as connecting. An existing entry for the
// same id has its connection closed before the new entry replaces it, so
// one logical peer never has two entries.
func (r *Registry) Register(id domain.PeerID, conn core.Connection) {
	r.mu.RLock()
	old := r.peers[id]
	r.mu.RUnlock()

	replaced := old != nil && old.conn != conn
	if replaced {
		_ = old.conn.Close()
	}

	r.mu.Lock()
	raced := r.peers[id]
	r.peers[id] = &peerEntry{conn: conn, status: domain.PeerConnecting}
	r.mu.Unlock()

	// another Register slipped in while the old connection was closing
	if raced != nil && raced != old && raced.conn != conn {
		_ = raced.conn.Close()
	}

	if replaced {
		log.Info().Str("module", "app.registry").Str("peer", string(id)).Msg("replaced peer entry")
	} else {
		log.Info().Str("module", "app.registry").Str("peer", string(id)).Msg("registered peer")
	}
}

func (r *Registry) MarkConnected(id domain.PeerID) bool {
	r.mu.Lock()
	e, ok := r.peers[id]
	if !ok || e.status == domain.PeerConnected {
		r.mu.Unlock()
		return false
	}
	e.status = domain.PeerConnected
	e.disconnectedAt = time.Time{}
	r.mu.Unlock()

	log.Info().Str("module", "app.registry").Str("peer", string(id)).Msg("peer connected")
	return true
}

// MarkDisconnected is idempotent: only the first call stamps the time.
func (r *Registry) MarkDisconnected(id domain.PeerID) bool {
	return r.markDisconnected(id, nil)
}

// MarkDisconnectedConn is MarkDisconnected guarded on the entry still
// holding conn, so a late event from a replaced connection is ignored.
func (r *Registry) MarkDisconnectedConn(id domain.PeerID, conn core.Connection) bool {
	return r.markDisconnected(id, conn)
}

func (r *Registry) markDisconnected(id domain.PeerID, conn core.Connection) bool {
	r.mu.Lock()
	e, ok := r.peers[id]
	if !ok || e.status == domain.PeerDisconnected || (conn != nil && e.conn != conn) {
		r.mu.Unlock()
		return false
	}
	e.status = domain.PeerDisconnected
	e.disconnectedAt = r.clock.Now()
	r.mu.Unlock()

	log.Info().Str("module", "app.registry").Str("peer", string(id)).Msg("peer disconnected")
	return true
}

// Broadcast sends data to every connected peer except exclude.
func (r *Registry) Broadcast(data []byte, exclude domain.PeerID) core.PublishResult {
	r.mu.RLock()
	targets := make(map[domain.PeerID]core.Connection, len(r.peers))
	for id, e := range r.peers {
		if id == exclude || e.status != domain.PeerConnected {
			continue
		}
		targets[id] = e.conn
	}
	r.mu.RUnlock()

	var res core.PublishResult
	for id, conn := range targets {
		if err := conn.Send(data); err != nil {
			log.Warn().Err(err).Str("module", "app.registry").Str("peer", string(id)).Msg("broadcast send failed")
			res.Dropped = append(res.Dropped, id)
			continue
		}
		res.SentTo++
	}
	return res
}

func (r *Registry) SendTo(id domain.PeerID, data []byte) error {
	r.mu.RLock()
	e, ok := r.peers[id]
	r.mu.RUnlock()
	if !ok {
		return domain.ErrNotFound
	}
	return e.conn.Send(data)
}

func (r *Registry) Conn(id domain.PeerID) (core.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.peers[id]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

func (r *Registry) Status(id domain.PeerID) (domain.PeerStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.peers[id]
	if !ok {
		return "", false
	}
	return e.status, true
}

// Owns reports whether id is still served by conn.
func (r *Registry) Owns(id domain.PeerID, conn core.Connection) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.peers[id]
	return ok && e.conn == conn
}

// Release closes and removes id only if it still holds conn.
func (r *Registry) Release(id domain.PeerID, conn core.Connection) bool {
	r.mu.Lock()
	e, ok := r.peers[id]
	if !ok || e.conn != conn {
		r.mu.Unlock()
		return false
	}
	r.mu.Unlock()
	return r.Remove(id)
}

// Remove closes the connection, then drops the entry.
func (r *Registry) Remove(id domain.PeerID) bool {
	r.mu.RLock()
	e, ok := r.peers[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	_ = e.conn.Close()

	r.mu.Lock()
	if cur, ok := r.peers[id]; ok && cur == e {
		delete(r.peers, id)
	}
	r.mu.Unlock()

	log.Info().Str("module", "app.registry").Str("peer", string(id)).Msg("removed peer")
	return true
}

func (r *Registry) CloseAll() {
	for _, snap := range r.Snapshot() {
		r.Remove(snap.ID)
	}
}

// Sweep removes entries disconnected for longer than grace.
func (r *Registry) Sweep(grace time.Duration) []domain.PeerID {
	now := r.clock.Now()
	r.mu.RLock()
	var expired []domain.PeerID
	for id, e := range r.peers {
		if e.status == domain.PeerDisconnected && now.Sub(e.disconnectedAt) > grace {
			expired = append(expired, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range expired {
		r.Remove(id)
	}
	return expired
}

// Run sweeps on a ticker until ctx is done.
func (r *Registry) Run(ctx context.Context, interval, grace time.Duration) {
	ticker := r.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			r.Sweep(grace)
		}
	}
}

type regSnap struct {
	ID     domain.PeerID
	Status domain.PeerStatus
}

func (r *Registry) Snapshot() []regSnap {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]regSnap, 0, len(r.peers))
	for id, e := range r.peers {
		out = append(out, regSnap{ID: id, Status: e.status})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

func (r *Registry) CountConnected() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.peers {
		if e.status == domain.PeerConnected {
			n++
		}
	}
	return n
}
