package orch

import (
	"context"
	"fmt"

	"github.com/dkeye/Cowrite/internal/app"
	"github.com/dkeye/Cowrite/internal/core"
	"github.com/dkeye/Cowrite/internal/domain"
)

// joinOffer answers the host's published offer and waits on the link.
func (o *Orchestrator) joinOffer(ctx context.Context, gen uint64, name domain.SessionName, offer string, relay *app.Relay) error {
	hs, err := o.deps.Transport.AcceptOffer(ctx, offer)
	if err != nil {
		return err
	}
	err = o.retry(ctx, o.opts.AnswerPollInterval, o.opts.AnswerPollAttempts, func() error {
		return o.deps.Directory.SubmitAnswer(ctx, name, o.self, hs.Blob)
	})
	if err != nil {
		_ = hs.Conn.Close()
		return err
	}
	return o.attachHost(ctx, gen, hs.Conn, relay)
}

// joinQueue files a join request carrying our own offer, then polls for the
// host's answer a bounded number of times.
func (o *Orchestrator) joinQueue(ctx context.Context, gen uint64, name domain.SessionName, relay *app.Relay) error {
	hs, err := o.deps.Transport.CreateOffer(ctx)
	if err != nil {
		return err
	}
	err = o.retry(ctx, o.opts.AnswerPollInterval, o.opts.AnswerPollAttempts, func() error {
		return o.deps.Directory.SubmitJoinRequest(ctx, name, o.self, hs.Blob)
	})
	if err != nil {
		_ = hs.Conn.Close()
		return err
	}

	answer, err := o.awaitAnswer(ctx, name)
	if err != nil {
		_ = hs.Conn.Close()
		return err
	}
	if err := o.deps.Transport.AcceptAnswer(hs.Conn, answer); err != nil {
		_ = hs.Conn.Close()
		return err
	}
	return o.attachHost(ctx, gen, hs.Conn, relay)
}

func (o *Orchestrator) awaitAnswer(ctx context.Context, name domain.SessionName) (string, error) {
	for i := 0; i < o.opts.AnswerPollAttempts; i++ {
		answer, ok, err := o.deps.Directory.GetAnswer(ctx, name, o.self)
		switch {
		case err == nil && ok:
			return answer, nil
		case err != nil && ctx.Err() != nil:
			return "", ctx.Err()
		case err != nil && o.deps.Policy.OnFailure(err) != app.RetryLater:
			return "", err
		}
		if !o.sleep(ctx, o.opts.AnswerPollInterval) {
			return "", ctx.Err()
		}
	}
	return "", fmt.Errorf("answer for %s: %w", name, app.ErrTimeout)
}

// attachHost files the host link and follows it until it ends. The only way
// out besides cancellation is a disconnect or an open that never comes, both
// of which send the run loop around again.
func (o *Orchestrator) attachHost(ctx context.Context, gen uint64, conn core.Connection, relay *app.Relay) error {
	if !o.register(gen, domain.HostPeerID, conn) {
		return errSuperseded
	}
	timeout := o.clock.After(o.opts.ConnectTimeout)
	events := conn.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout:
			o.peers.Release(domain.HostPeerID, conn)
			return fmt.Errorf("data channel open: %w", app.ErrTimeout)
		case ev, ok := <-events:
			if !ok || ev.Kind == core.EventClosed {
				o.markDisconnected(gen, domain.HostPeerID, conn)
				return fmt.Errorf("host link: %w", app.ErrDisconnected)
			}
			switch ev.Kind {
			case core.EventOpen:
				timeout = nil
				if !o.markConnected(gen, domain.HostPeerID, conn) {
					continue
				}
				o.onHostOpen(gen, relay)
			case core.EventMessage:
				relay.HandleMessage(domain.HostPeerID, ev.Data)
			}
		}
	}
}

func (o *Orchestrator) onHostOpen(gen uint64, relay *app.Relay) {
	o.mu.Lock()
	rejoin := o.everOpen
	o.everOpen = true
	o.mu.Unlock()

	o.update(gen, func(st *Status) {
		st.State, st.Role, st.Err = StateConnected, domain.RoleJoiner, nil
	})
	o.log.Info().Bool("rejoin", rejoin).Msg("connected to host")

	// edits made while the link was down only exist here
	if rejoin {
		o.sendSnapshot(domain.HostPeerID, relay)
	}
}
