package rtc

import (
	"errors"
	"sync"

	"github.com/dkeye/Cowrite/internal/core"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var ErrNotOpen = errors.New("data channel not open")

// WebRTCConnection is one peer connection carrying a single ordered data
// channel. Lifecycle callbacks from pion land on the event stream.
type WebRTCConnection struct {
	pc     *webrtc.PeerConnection
	id     string
	stream *core.EventStream

	mu sync.RWMutex
	dc *webrtc.DataChannel

	closeOnce sync.Once
}

func newWebRTCConnection(pc *webrtc.PeerConnection, id string) *WebRTCConnection {
	c := &WebRTCConnection{pc: pc, id: id, stream: core.NewEventStream()}

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "webrtc").Str("conn", c.id).Str("peer_connection_state", s.String()).Msg("Peer state")
		if s == webrtc.PeerConnectionStateDisconnected ||
			s == webrtc.PeerConnectionStateFailed ||
			s == webrtc.PeerConnectionStateClosed {
			c.stream.Emit(core.ConnEvent{Kind: core.EventClosed})
		}
	})
	return c
}

func (c *WebRTCConnection) attach(dc *webrtc.DataChannel) {
	c.mu.Lock()
	c.dc = dc
	c.mu.Unlock()

	dc.OnOpen(func() {
		log.Info().Str("module", "webrtc").Str("conn", c.id).Str("label", dc.Label()).Msg("data channel open")
		c.stream.Emit(core.ConnEvent{Kind: core.EventOpen})
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.stream.Emit(core.ConnEvent{Kind: core.EventMessage, Data: msg.Data})
	})
	dc.OnClose(func() {
		c.stream.Emit(core.ConnEvent{Kind: core.EventClosed})
	})
}

func (c *WebRTCConnection) Events() <-chan core.ConnEvent { return c.stream.Events() }

func (c *WebRTCConnection) Send(data []byte) error {
	c.mu.RLock()
	dc := c.dc
	c.mu.RUnlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrNotOpen
	}
	return dc.Send(data)
}

func (c *WebRTCConnection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.pc.Close()
		if err != nil {
			log.Error().Err(err).Str("module", "webrtc").Str("conn", c.id).Msg("close error")
		} else {
			log.Info().Str("module", "webrtc").Str("conn", c.id).Msg("closed")
		}
		c.stream.Close()
	})
	return err
}

func (c *WebRTCConnection) applyRemote(h Handshake) error {
	if err := c.pc.SetRemoteDescription(h.Description); err != nil {
		return err
	}
	for _, cand := range h.Candidates {
		if err := c.pc.AddICECandidate(cand); err != nil {
			return err
		}
	}
	return nil
}
