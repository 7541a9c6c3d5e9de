package orch

import (
	"context"
	"errors"
	"time"

	"github.com/dkeye/Cowrite/internal/app"
	"github.com/dkeye/Cowrite/internal/core"
	"github.com/dkeye/Cowrite/internal/domain"
	"golang.org/x/sync/errgroup"
)

func (o *Orchestrator) host(ctx context.Context, gen uint64, name domain.SessionName, relay *app.Relay) error {
	hostID := domain.NewHostID()
	protocol := o.opts.Protocol

	var offer *core.Handshake
	blob := ""
	if protocol == domain.ProtocolSingleOffer {
		var err error
		offer, err = o.deps.Transport.CreateOffer(ctx)
		if err != nil {
			return err
		}
		blob = offer.Blob
	}

	if err := o.deps.Directory.CreateSession(ctx, name, hostID, blob); err != nil {
		if offer != nil {
			_ = offer.Conn.Close()
		}
		return err
	}
	if !o.becomeHost(gen, hostID) {
		if offer != nil {
			_ = offer.Conn.Close()
		}
		o.dropSession(name, hostID)
		return errSuperseded
	}
	o.log.Info().Str("session", string(name)).Str("protocol", string(protocol)).Msg("hosting")

	if protocol == domain.ProtocolQueue {
		return o.hostQueue(ctx, gen, name, hostID, relay)
	}
	return o.hostSingle(ctx, gen, name, hostID, offer, relay)
}

// dropSession deletes a session created by an attempt that lost the race
// with a newer one.
func (o *Orchestrator) dropSession(name domain.SessionName, host domain.HostID) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.deps.Directory.DeleteSession(ctx, name, host); err != nil {
		o.log.Debug().Err(err).Str("session", string(name)).Msg("drop superseded session")
	}
}

// hostSingle keeps exactly one unmatched offer published. Each answer
// completes the handshake on that offer's connection, then the next offer
// goes out before polling resumes.
func (o *Orchestrator) hostSingle(ctx context.Context, gen uint64, name domain.SessionName, hostID domain.HostID, pending *core.Handshake, relay *app.Relay) error {
	published := o.clock.Now()
	defer func() {
		if pending != nil {
			_ = pending.Conn.Close()
		}
	}()

	ticker := o.clock.NewTicker(o.opts.PollInterval)
	defer ticker.Stop()

	for {
		if pending == nil {
			next, err := o.publishOffer(ctx, name, hostID)
			if err != nil {
				return err
			}
			pending, published = next, o.clock.Now()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
		}

		ans, err := o.deps.Directory.PollAnswer(ctx, name, hostID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if o.deps.Policy.OnFailure(err) == app.RetryLater {
				o.log.Debug().Err(err).Msg("poll-answer retry")
				continue
			}
			return err
		}
		if ans == nil {
			if o.opts.OfferRefresh > 0 && o.clock.Since(published) > o.opts.OfferRefresh {
				next, err := o.refreshOffer(ctx, name, hostID)
				switch {
				case err == nil:
					_ = pending.Conn.Close()
					pending = next
				case errors.Is(err, domain.ErrBusy):
					o.log.Debug().Str("session", string(name)).Msg("offer taken, waiting for answer")
				case ctx.Err() != nil:
					return ctx.Err()
				case o.deps.Policy.OnFailure(err) != app.RetryLater:
					return err
				}
				published = o.clock.Now()
			}
			continue
		}

		conn := pending.Conn
		pending = nil
		if err := o.deps.Transport.AcceptAnswer(conn, ans.Answer); err != nil {
			o.log.Warn().Err(err).Str("peer", string(ans.PeerID)).Msg("accept answer")
			_ = conn.Close()
			continue
		}
		o.admit(ctx, gen, ans.PeerID, conn, relay)
	}
}

// publishOffer creates a fresh offer and replaces the published one,
// retrying transient failures.
func (o *Orchestrator) publishOffer(ctx context.Context, name domain.SessionName, hostID domain.HostID) (*core.Handshake, error) {
	var next *core.Handshake
	err := o.retry(ctx, o.opts.PollInterval, 0, func() error {
		hs, err := o.deps.Transport.CreateOffer(ctx)
		if err != nil {
			return err
		}
		if err := o.deps.Directory.ReplaceOffer(ctx, name, hostID, hs.Blob); err != nil {
			_ = hs.Conn.Close()
			return err
		}
		next = hs
		return nil
	})
	return next, err
}

// refreshOffer swaps the published offer for a fresh one. The caller keeps
// the old connection until the directory accepts the swap, since a joiner
// may already be answering it.
func (o *Orchestrator) refreshOffer(ctx context.Context, name domain.SessionName, hostID domain.HostID) (*core.Handshake, error) {
	hs, err := o.deps.Transport.CreateOffer(ctx)
	if err != nil {
		return nil, err
	}
	if err := o.deps.Directory.ReplaceOffer(ctx, name, hostID, hs.Blob); err != nil {
		_ = hs.Conn.Close()
		return nil, err
	}
	o.log.Debug().Str("session", string(name)).Msg("refreshed unanswered offer")
	return hs, nil
}

// hostQueue admits every fetched join request concurrently.
func (o *Orchestrator) hostQueue(ctx context.Context, gen uint64, name domain.SessionName, hostID domain.HostID, relay *app.Relay) error {
	ticker := o.clock.NewTicker(o.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
		}

		reqs, err := o.deps.Directory.GetJoinRequests(ctx, name, hostID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if o.deps.Policy.OnFailure(err) == app.RetryLater {
				o.log.Debug().Err(err).Msg("get-join-requests retry")
				continue
			}
			return err
		}
		if len(reqs) == 0 {
			continue
		}

		var g errgroup.Group
		g.SetLimit(o.opts.MaxAdmissions)
		for _, req := range reqs {
			req := req
			g.Go(func() error {
				o.acceptJoin(ctx, gen, name, req, relay)
				return nil
			})
		}
		_ = g.Wait()
	}
}

func (o *Orchestrator) acceptJoin(ctx context.Context, gen uint64, name domain.SessionName, req domain.JoinRequest, relay *app.Relay) {
	hs, err := o.deps.Transport.AcceptOffer(ctx, req.Offer)
	if err != nil {
		o.log.Warn().Err(err).Str("peer", string(req.PeerID)).Msg("accept offer")
		return
	}
	err = o.retry(ctx, o.opts.PollInterval, o.opts.AnswerPollAttempts, func() error {
		return o.deps.Directory.SubmitAnswer(ctx, name, req.PeerID, hs.Blob)
	})
	if err != nil {
		o.log.Warn().Err(err).Str("peer", string(req.PeerID)).Msg("submit answer")
		_ = hs.Conn.Close()
		return
	}
	o.admit(ctx, gen, req.PeerID, hs.Conn, relay)
}

func (o *Orchestrator) admit(ctx context.Context, gen uint64, id domain.PeerID, conn core.Connection, relay *app.Relay) {
	if !o.register(gen, id, conn) {
		return
	}
	o.log.Info().Str("peer", string(id)).Msg("admitted peer")
	go o.servePeer(ctx, gen, id, conn, relay)
}

// servePeer pumps one joiner's events on the host side. A freshly opened
// peer gets the full snapshot, and nobody else does.
func (o *Orchestrator) servePeer(ctx context.Context, gen uint64, id domain.PeerID, conn core.Connection, relay *app.Relay) {
	events := conn.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok || ev.Kind == core.EventClosed {
				o.markDisconnected(gen, id, conn)
				return
			}
			switch ev.Kind {
			case core.EventOpen:
				if o.markConnected(gen, id, conn) {
					o.sendSnapshot(id, relay)
				}
			case core.EventMessage:
				relay.HandleMessage(id, ev.Data)
			}
		}
	}
}

func (o *Orchestrator) sendSnapshot(id domain.PeerID, relay *app.Relay) {
	snap, err := relay.Snapshot()
	if err != nil {
		o.log.Error().Err(err).Msg("encode snapshot")
		return
	}
	if err := o.peers.SendTo(id, snap); err != nil {
		o.log.Warn().Err(err).Str("peer", string(id)).Msg("send snapshot")
	}
}
