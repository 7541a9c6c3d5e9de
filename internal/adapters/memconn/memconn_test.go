package memconn_test

import (
	"context"
	"testing"
	"time"

	"github.com/dkeye/Cowrite/internal/adapters/memconn"
	"github.com/dkeye/Cowrite/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func next(t *testing.T, c core.Connection) core.ConnEvent {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		if !ok {
			return core.ConnEvent{Kind: core.EventClosed}
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event")
	}
	return core.ConnEvent{}
}

func link(t *testing.T, hub *memconn.Hub) (*core.Handshake, *core.Handshake) {
	t.Helper()
	ctx := context.Background()
	offer, err := hub.CreateOffer(ctx)
	require.NoError(t, err)
	answer, err := hub.AcceptOffer(ctx, offer.Blob)
	require.NoError(t, err)
	require.NoError(t, hub.AcceptAnswer(offer.Conn, answer.Blob))
	return offer, answer
}

func TestHandshakeOpensBothEnds(t *testing.T) {
	hub := memconn.NewHub()
	offer, answer := link(t, hub)

	assert.Equal(t, core.EventOpen, next(t, offer.Conn).Kind)
	assert.Equal(t, core.EventOpen, next(t, answer.Conn).Kind)

	require.NoError(t, offer.Conn.Send([]byte("hi")))
	ev := next(t, answer.Conn)
	assert.Equal(t, core.EventMessage, ev.Kind)
	assert.Equal(t, "hi", string(ev.Data))
	assert.Equal(t, 1, hub.Live())
}

func TestOfferIsSingleUse(t *testing.T) {
	hub := memconn.NewHub()
	ctx := context.Background()
	offer, err := hub.CreateOffer(ctx)
	require.NoError(t, err)

	_, err = hub.AcceptOffer(ctx, offer.Blob)
	require.NoError(t, err)
	_, err = hub.AcceptOffer(ctx, offer.Blob)
	assert.ErrorIs(t, err, memconn.ErrUnknownBlob)
	_, err = hub.AcceptOffer(ctx, "garbage")
	assert.ErrorIs(t, err, memconn.ErrUnknownBlob)
}

func TestCloseReachesPeer(t *testing.T) {
	hub := memconn.NewHub()
	offer, answer := link(t, hub)
	next(t, offer.Conn)
	next(t, answer.Conn)

	require.NoError(t, answer.Conn.Close())
	assert.Equal(t, core.EventClosed, next(t, offer.Conn).Kind)
	assert.ErrorIs(t, offer.Conn.Send([]byte("x")), memconn.ErrClosed)
}

func TestSeverAll(t *testing.T) {
	hub := memconn.NewHub()
	offer, answer := link(t, hub)
	next(t, offer.Conn)
	next(t, answer.Conn)

	assert.Equal(t, 1, hub.SeverAll())
	assert.Equal(t, core.EventClosed, next(t, offer.Conn).Kind)
	assert.Equal(t, core.EventClosed, next(t, answer.Conn).Kind)
	assert.Zero(t, hub.Live())
}
