// Package rtc is the pion/webrtc handshake transport.
package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Cowrite/internal/core"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const dataChannelLabel = "doc"

var ErrForeignConnection = errors.New("connection was not created by this transport")

type Options struct {
	ICEServers      []string
	GatherTimeout   time.Duration
	IncludeLoopback bool
}

func DefaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: []string{"stun:stun.l.google.com:19302"},
			},
		},
	}
}

type Transport struct {
	api           *webrtc.API
	cfg           webrtc.Configuration
	gatherTimeout time.Duration
}

func NewTransport(opts Options) *Transport {
	se := webrtc.SettingEngine{}
	se.SetIncludeLoopbackCandidate(opts.IncludeLoopback)

	// nil servers means the defaults; an empty list means host candidates only
	cfg := DefaultWebRTCConfig()
	if opts.ICEServers != nil {
		cfg.ICEServers = nil
		if len(opts.ICEServers) > 0 {
			cfg.ICEServers = []webrtc.ICEServer{{URLs: opts.ICEServers}}
		}
	}
	if opts.GatherTimeout <= 0 {
		opts.GatherTimeout = 3 * time.Second
	}
	return &Transport{
		api:           webrtc.NewAPI(webrtc.WithSettingEngine(se)),
		cfg:           cfg,
		gatherTimeout: opts.GatherTimeout,
	}
}

// candidates collects local candidates until gathering completes.
type candidates struct {
	mu     sync.Mutex
	list   []webrtc.ICECandidateInit
	sealed bool
	done   chan struct{}
	once   sync.Once
}

func collect(pc *webrtc.PeerConnection) *candidates {
	g := &candidates{done: make(chan struct{})}
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			g.once.Do(func() { close(g.done) })
			return
		}
		g.mu.Lock()
		if !g.sealed {
			g.list = append(g.list, c.ToJSON())
		}
		g.mu.Unlock()
	})
	return g
}

// wait returns what has been gathered once gathering completes, the
// timeout passes, or ctx ends.
func (g *candidates) wait(ctx context.Context, timeout time.Duration) ([]webrtc.ICECandidateInit, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-g.done:
	case <-timer.C:
		log.Debug().Str("module", "webrtc").Msg("candidate gathering timed out")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sealed = true
	return append([]webrtc.ICECandidateInit(nil), g.list...), nil
}

func (t *Transport) newConnection() (*WebRTCConnection, error) {
	pc, err := t.api.NewPeerConnection(t.cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	return newWebRTCConnection(pc, uuid.NewString()[:8]), nil
}

func (t *Transport) CreateOffer(ctx context.Context) (*core.Handshake, error) {
	conn, err := t.newConnection()
	if err != nil {
		return nil, err
	}
	ordered := true
	dc, err := conn.pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("create data channel: %w", err)
	}
	conn.attach(dc)

	gather := collect(conn.pc)
	offer, err := conn.pc.CreateOffer(nil)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("create offer: %w", err)
	}
	if err := conn.pc.SetLocalDescription(offer); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("set local offer: %w", err)
	}
	cands, err := gather.wait(ctx, t.gatherTimeout)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	blob, err := EncodeBlob(Handshake{Description: offer, Candidates: cands})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &core.Handshake{Conn: conn, Blob: blob}, nil
}

func (t *Transport) AcceptOffer(ctx context.Context, offerBlob string) (*core.Handshake, error) {
	h, err := decodeAs(offerBlob, webrtc.SDPTypeOffer)
	if err != nil {
		return nil, err
	}
	conn, err := t.newConnection()
	if err != nil {
		return nil, err
	}
	conn.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() == dataChannelLabel {
			conn.attach(dc)
		}
	})

	gather := collect(conn.pc)
	if err := conn.applyRemote(h); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("apply offer: %w", err)
	}
	answer, err := conn.pc.CreateAnswer(nil)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("create answer: %w", err)
	}
	if err := conn.pc.SetLocalDescription(answer); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("set local answer: %w", err)
	}
	cands, err := gather.wait(ctx, t.gatherTimeout)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	blob, err := EncodeBlob(Handshake{Description: answer, Candidates: cands})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &core.Handshake{Conn: conn, Blob: blob}, nil
}

func (t *Transport) AcceptAnswer(c core.Connection, answerBlob string) error {
	conn, ok := c.(*WebRTCConnection)
	if !ok {
		return ErrForeignConnection
	}
	h, err := decodeAs(answerBlob, webrtc.SDPTypeAnswer)
	if err != nil {
		return err
	}
	if err := conn.applyRemote(h); err != nil {
		return fmt.Errorf("apply answer: %w", err)
	}
	return nil
}
