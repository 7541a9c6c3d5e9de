package app_test

import (
	"testing"
	"time"

	"github.com/dkeye/Cowrite/internal/adapters/store"
	"github.com/dkeye/Cowrite/internal/app"
	"github.com/dkeye/Cowrite/internal/core"
	"github.com/dkeye/Cowrite/internal/document"
	"github.com/dkeye/Cowrite/internal/domain"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type relayFixture struct {
	doc   *document.Document
	reg   *app.Registry
	relay *app.Relay
	store *store.Memory
	clock *clockwork.FakeClock
	conns map[domain.PeerID]*fakeConn
}

func newRelayFixture(t *testing.T, host bool, peers ...domain.PeerID) *relayFixture {
	t.Helper()
	f := &relayFixture{
		doc:   document.New("local"),
		clock: clockwork.NewFakeClock(),
		store: store.NewMemory(),
		conns: make(map[domain.PeerID]*fakeConn),
	}
	f.reg = app.NewRegistry(f.clock)
	saver := app.NewSaver(f.clock, f.doc, f.store, "alpha", 2*time.Second)
	f.relay = app.NewRelay(f.doc, f.reg, saver, func() bool { return host })
	t.Cleanup(f.relay.Close)
	for _, id := range peers {
		c := newFakeConn()
		f.conns[id] = c
		f.reg.Register(id, c)
		f.reg.MarkConnected(id)
	}
	return f
}

func remoteUpdate(t *testing.T, text string) []byte {
	t.Helper()
	d := document.New("remote-" + text)
	require.NoError(t, d.Append(text))
	snap, err := d.EncodeState()
	require.NoError(t, err)
	return snap
}

func TestLocalUpdateGoesToEveryone(t *testing.T) {
	f := newRelayFixture(t, false, "host")
	require.NoError(t, f.doc.Append("hello"))
	assert.Len(t, f.conns["host"].Sent(), 1)
}

func TestHostRelaysToAllButSender(t *testing.T) {
	f := newRelayFixture(t, true, "p1", "p2", "p3")
	update := remoteUpdate(t, "from p1")

	f.relay.HandleMessage("p1", update)

	assert.Empty(t, f.conns["p1"].Sent())
	assert.Equal(t, [][]byte{update}, f.conns["p2"].Sent())
	assert.Equal(t, [][]byte{update}, f.conns["p3"].Sent())
	assert.Equal(t, []string{"from p1"}, f.doc.Lines())
}

func TestJoinerNeverRelays(t *testing.T) {
	f := newRelayFixture(t, false, "host")
	f.relay.HandleMessage("host", remoteUpdate(t, "x"))

	assert.Empty(t, f.conns["host"].Sent(), "remote updates must not echo")
	assert.Equal(t, []string{"x"}, f.doc.Lines())
}

func TestBadUpdateIsDropped(t *testing.T) {
	f := newRelayFixture(t, true, "p1", "p2")
	f.relay.HandleMessage("p1", []byte{0xff})
	assert.Empty(t, f.conns["p2"].Sent())
}

func TestSaverDebouncesBurst(t *testing.T) {
	f := newRelayFixture(t, false)
	for i := 0; i < 5; i++ {
		require.NoError(t, f.doc.Append("line"))
		f.clock.Advance(500 * time.Millisecond)
	}
	assert.Zero(t, f.store.Saves("alpha"))

	f.clock.Advance(2 * time.Second)
	assert.Eventually(t, func() bool { return f.store.Saves("alpha") == 1 }, time.Second, 5*time.Millisecond)

	snap, ok := f.store.Load("alpha")
	require.True(t, ok)
	d := document.New("check")
	require.NoError(t, d.ApplyUpdate(snap, core.OriginRemote))
	assert.Len(t, d.Lines(), 5)

	// remote updates schedule a save too
	f.relay.HandleMessage("host", remoteUpdate(t, "remote"))
	f.clock.Advance(2 * time.Second)
	assert.Eventually(t, func() bool { return f.store.Saves("alpha") == 2 }, time.Second, 5*time.Millisecond)
}
