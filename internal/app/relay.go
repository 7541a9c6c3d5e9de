package app

import (
	"github.com/dkeye/Cowrite/internal/core"
	"github.com/dkeye/Cowrite/internal/domain"
	"github.com/rs/zerolog/log"
)

// Relay moves document updates across the star. Local updates go to every
// peer; remote ones are applied and, on the host only, forwarded to every
// peer but the sender.
type Relay struct {
	doc    core.Document
	peers  *Registry
	saver  *Saver
	isHost func() bool

	cancel func()
}

func NewRelay(doc core.Document, peers *Registry, saver *Saver, isHost func() bool) *Relay {
	r := &Relay{doc: doc, peers: peers, saver: saver, isHost: isHost}
	r.cancel = doc.OnUpdate(r.onUpdate)
	return r
}

func (r *Relay) onUpdate(update []byte, origin core.Origin) {
	r.saver.Schedule()
	if origin != core.OriginLocal {
		return
	}
	res := r.peers.Broadcast(update, "")
	log.Debug().Str("module", "app.relay").Int("sent", res.SentTo).Int("dropped", len(res.Dropped)).Msg("local update")
}

// HandleMessage applies an update received from peer from.
func (r *Relay) HandleMessage(from domain.PeerID, data []byte) {
	if err := r.doc.ApplyUpdate(data, core.OriginRemote); err != nil {
		log.Warn().Err(err).Str("module", "app.relay").Str("peer", string(from)).Msg("bad update")
		return
	}
	if r.isHost == nil || !r.isHost() {
		return
	}
	r.peers.Broadcast(data, from)
}

// Snapshot is the catch-up payload for a freshly opened peer.
func (r *Relay) Snapshot() ([]byte, error) {
	return r.doc.EncodeState()
}

func (r *Relay) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	r.saver.Close()
}
