package orch_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/Cowrite/internal/adapters/directory"
	"github.com/dkeye/Cowrite/internal/adapters/memconn"
	"github.com/dkeye/Cowrite/internal/adapters/store"
	"github.com/dkeye/Cowrite/internal/app"
	"github.com/dkeye/Cowrite/internal/app/orch"
	"github.com/dkeye/Cowrite/internal/core"
	"github.com/dkeye/Cowrite/internal/document"
	"github.com/dkeye/Cowrite/internal/domain"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

func fastOptions(p domain.Protocol) orch.Options {
	opts := orch.DefaultOptions()
	opts.Protocol = p
	opts.PollInterval = 20 * time.Millisecond
	opts.BusyRetry = 10 * time.Millisecond
	opts.ReconnectBackoff = 50 * time.Millisecond
	opts.AnswerPollInterval = 10 * time.Millisecond
	opts.AnswerPollAttempts = 200
	opts.ConnectTimeout = 2 * time.Second
	opts.SaveDelay = 20 * time.Millisecond
	opts.PeerSweepInterval = 0
	return opts
}

type peer struct {
	o     *orch.Orchestrator
	doc   *document.Document
	store *store.Memory

	mu     sync.Mutex
	states []orch.State
}

func (p *peer) seen() []orch.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]orch.State(nil), p.states...)
}

type world struct {
	t   *testing.T
	dir *app.Directory
	hub *memconn.Hub
}

func newWorld(t *testing.T) *world {
	return newWorldWith(t, app.DefaultDirectoryOptions())
}

func newWorldWith(t *testing.T, opts app.DirectoryOptions) *world {
	return &world{
		t:   t,
		dir: app.NewDirectory(clockwork.NewRealClock(), opts),
		hub: memconn.NewHub(),
	}
}

func (w *world) peer(replica string, p domain.Protocol) *peer {
	return w.peerWith(replica, directory.NewLocal(w.dir), p)
}

func (w *world) peerWith(replica string, dir core.Directory, p domain.Protocol) *peer {
	return w.peerOpts(replica, dir, fastOptions(p))
}

func (w *world) peerOpts(replica string, dir core.Directory, opts orch.Options) *peer {
	pe := &peer{doc: document.New(replica), store: store.NewMemory()}
	pe.o = orch.New(orch.Deps{
		Directory: dir,
		Transport: w.hub,
		Document:  pe.doc,
		Store:     pe.store,
		Clock:     clockwork.NewRealClock(),
	}, opts)
	pe.o.OnChange(func(st orch.Status) {
		pe.mu.Lock()
		if n := len(pe.states); n == 0 || pe.states[n-1] != st.State {
			pe.states = append(pe.states, st.State)
		}
		pe.mu.Unlock()
	})
	w.t.Cleanup(func() { _ = pe.o.Close() })
	return pe
}

func waitState(t *testing.T, p *peer, want orch.State) {
	t.Helper()
	require.Eventually(t, func() bool { return p.o.Status().State == want }, waitFor, tick,
		"want %s, have %s", want, p.o.Status().State)
}

func waitLines(t *testing.T, n int, peers ...*peer) {
	t.Helper()
	require.Eventually(t, func() bool {
		want := peers[0].doc.Lines()
		if len(want) != n {
			return false
		}
		for _, p := range peers[1:] {
			if !assert.ObjectsAreEqual(want, p.doc.Lines()) {
				return false
			}
		}
		return true
	}, waitFor, tick)
}

func TestStarConverges(t *testing.T) {
	for _, protocol := range []domain.Protocol{domain.ProtocolSingleOffer, domain.ProtocolQueue} {
		t.Run(string(protocol), func(t *testing.T) {
			w := newWorld(t)
			host := w.peer("host", protocol)
			require.NoError(t, host.o.Connect("alpha"))
			waitState(t, host, orch.StateHosting)
			assert.Equal(t, domain.RoleHost, host.o.Status().Role)

			j1 := w.peer("j1", protocol)
			j2 := w.peer("j2", protocol)
			require.NoError(t, j1.o.Connect("alpha"))
			require.NoError(t, j2.o.Connect("alpha"))
			waitState(t, j1, orch.StateConnected)
			waitState(t, j2, orch.StateConnected)
			assert.Equal(t, domain.RoleJoiner, j1.o.Status().Role)
			require.Eventually(t, func() bool { return host.o.Status().Peers == 2 }, waitFor, tick)

			require.NoError(t, host.doc.Append("from host"))
			require.NoError(t, j1.doc.Append("from j1"))
			require.NoError(t, j2.doc.Append("from j2"))
			waitLines(t, 3, host, j1, j2)

			// hosting does not depend on any single joiner
			assert.Equal(t, orch.StateHosting, host.o.Status().State)
		})
	}
}

func TestLateJoinerGetsSnapshot(t *testing.T) {
	w := newWorld(t)
	host := w.peer("host", domain.ProtocolSingleOffer)
	require.NoError(t, host.doc.Append("before anyone"))
	require.NoError(t, host.o.Connect("alpha"))
	waitState(t, host, orch.StateHosting)

	j := w.peer("j", domain.ProtocolSingleOffer)
	require.NoError(t, j.o.Connect("alpha"))
	waitLines(t, 1, host, j)
}

func TestJoinerReconnectsAfterDrop(t *testing.T) {
	for _, protocol := range []domain.Protocol{domain.ProtocolSingleOffer, domain.ProtocolQueue} {
		t.Run(string(protocol), func(t *testing.T) {
			w := newWorld(t)
			host := w.peer("host", protocol)
			require.NoError(t, host.o.Connect("alpha"))
			waitState(t, host, orch.StateHosting)

			j := w.peer("j", protocol)
			require.NoError(t, j.o.Connect("alpha"))
			waitState(t, j, orch.StateConnected)
			require.Eventually(t, func() bool { return host.o.Status().Peers == 1 }, waitFor, tick)

			require.Equal(t, 1, w.hub.SeverAll())

			require.Eventually(t, func() bool {
				seen := j.seen()
				n := len(seen)
				return n >= 3 && seen[n-1] == orch.StateConnected && seen[n-2] == orch.StateConnecting
			}, waitFor, tick, "states: %v", j.seen())

			require.Eventually(t, func() bool { return host.o.Status().Peers == 1 }, waitFor, tick)
			assert.Equal(t, 1, host.o.PeerEntries(), "reconnect must replace, not duplicate")
			assert.Equal(t, 1, j.o.PeerEntries())

			require.NoError(t, j.doc.Append("after reconnect"))
			waitLines(t, 1, host, j)
		})
	}
}

func TestOfflineEditsReachHostOnRejoin(t *testing.T) {
	w := newWorld(t)
	host := w.peer("host", domain.ProtocolSingleOffer)
	require.NoError(t, host.o.Connect("alpha"))
	waitState(t, host, orch.StateHosting)

	j := w.peer("j", domain.ProtocolSingleOffer)
	require.NoError(t, j.o.Connect("alpha"))
	waitState(t, j, orch.StateConnected)

	// the link is already cut, so the broadcast of this edit goes nowhere
	require.Equal(t, 1, w.hub.SeverAll())
	require.NoError(t, j.doc.Append("while offline"))

	waitLines(t, 1, host, j)
	assert.Equal(t, []string{"while offline"}, host.doc.Lines())
}

type takenDirectory struct {
	core.Directory
}

func (takenDirectory) JoinSession(context.Context, domain.SessionName) (domain.JoinResult, error) {
	return domain.JoinResult{Role: domain.RoleHost}, nil
}

func (takenDirectory) CreateSession(context.Context, domain.SessionName, domain.HostID, string) error {
	return domain.ErrNameTaken
}

func TestNameTakenIsTerminal(t *testing.T) {
	w := newWorld(t)
	p := w.peerWith("p", takenDirectory{}, domain.ProtocolSingleOffer)

	require.NoError(t, p.o.Connect("alpha"))
	waitState(t, p, orch.StateError)
	st := p.o.Status()
	assert.ErrorIs(t, st.Err, domain.ErrNameTaken)
	assert.Equal(t, domain.RoleNone, st.Role)
	assert.Zero(t, w.hub.Live())
}

func TestLeaveDeletesHostedSession(t *testing.T) {
	w := newWorld(t)
	host := w.peer("host", domain.ProtocolQueue)
	require.NoError(t, host.o.Connect("alpha"))
	waitState(t, host, orch.StateHosting)
	require.Len(t, w.dir.List(), 1)

	require.NoError(t, host.o.Leave(context.Background()))
	assert.Equal(t, orch.StateIdle, host.o.Status().State)
	assert.Empty(t, w.dir.List())
}

func TestLeaveAsJoinerKeepsSession(t *testing.T) {
	w := newWorld(t)
	host := w.peer("host", domain.ProtocolSingleOffer)
	require.NoError(t, host.o.Connect("alpha"))
	waitState(t, host, orch.StateHosting)

	j := w.peer("j", domain.ProtocolSingleOffer)
	require.NoError(t, j.o.Connect("alpha"))
	waitState(t, j, orch.StateConnected)

	require.NoError(t, j.o.Leave(context.Background()))
	assert.Equal(t, orch.StateIdle, j.o.Status().State)
	assert.Zero(t, j.o.PeerEntries())
	assert.Len(t, w.dir.List(), 1)
	require.Eventually(t, func() bool { return host.o.Status().Peers == 0 }, waitFor, tick)
}

func TestHostingSavesSnapshots(t *testing.T) {
	w := newWorld(t)
	host := w.peer("host", domain.ProtocolSingleOffer)
	require.NoError(t, host.o.Connect("alpha"))
	waitState(t, host, orch.StateHosting)

	for i := 0; i < 10; i++ {
		require.NoError(t, host.doc.Append("burst"))
	}
	require.Eventually(t, func() bool { return host.store.Saves("alpha") >= 1 }, waitFor, tick)
	snap, ok := host.store.Load("alpha")
	require.True(t, ok)

	check := document.New("check")
	require.NoError(t, check.ApplyUpdate(snap, core.OriginRemote))
	assert.Len(t, check.Lines(), 10)
}

func TestConnectValidatesName(t *testing.T) {
	w := newWorld(t)
	p := w.peer("p", domain.ProtocolSingleOffer)
	assert.ErrorIs(t, p.o.Connect("   "), domain.ErrSessionNameEmpty)
	assert.Equal(t, orch.StateIdle, p.o.Status().State)
}

func TestStableIdentity(t *testing.T) {
	w := newWorld(t)
	p := w.peer("p", domain.ProtocolSingleOffer)
	id := p.o.PeerID()
	require.NoError(t, p.o.Connect("alpha"))
	require.NoError(t, p.o.Leave(context.Background()))
	assert.Equal(t, id, p.o.PeerID())
}

// slowAnswers delays every SubmitAnswer, like a joiner still gathering
// candidates.
type slowAnswers struct {
	core.Directory
	delay time.Duration
}

func (d slowAnswers) SubmitAnswer(ctx context.Context, name domain.SessionName, peer domain.PeerID, answer string) error {
	select {
	case <-time.After(d.delay):
	case <-ctx.Done():
		return ctx.Err()
	}
	return d.Directory.SubmitAnswer(ctx, name, peer, answer)
}

// countingDirectory records how often selected calls are made.
type countingDirectory struct {
	core.Directory

	busyReplaces atomic.Int32
	joinRequests atomic.Int32
	answerPolls  atomic.Int32
	// pollsBeforeRetry is answerPolls as seen by the second join request.
	pollsBeforeRetry atomic.Int32
}

func (d *countingDirectory) ReplaceOffer(ctx context.Context, name domain.SessionName, host domain.HostID, offer string) error {
	err := d.Directory.ReplaceOffer(ctx, name, host, offer)
	if errors.Is(err, domain.ErrBusy) {
		d.busyReplaces.Add(1)
	}
	return err
}

func (d *countingDirectory) SubmitJoinRequest(ctx context.Context, name domain.SessionName, peer domain.PeerID, offer string) error {
	if d.joinRequests.Add(1) == 2 {
		d.pollsBeforeRetry.Store(d.answerPolls.Load())
	}
	return d.Directory.SubmitJoinRequest(ctx, name, peer, offer)
}

func (d *countingDirectory) GetAnswer(ctx context.Context, name domain.SessionName, peer domain.PeerID) (string, bool, error) {
	d.answerPolls.Add(1)
	return d.Directory.GetAnswer(ctx, name, peer)
}

func TestOfferRefreshWaitsForTakenOffer(t *testing.T) {
	w := newWorld(t)
	hostDir := &countingDirectory{Directory: directory.NewLocal(w.dir)}
	hostOpts := fastOptions(domain.ProtocolSingleOffer)
	hostOpts.OfferRefresh = 100 * time.Millisecond
	host := w.peerOpts("host", hostDir, hostOpts)
	require.NoError(t, host.o.Connect("alpha"))
	waitState(t, host, orch.StateHosting)

	// The answer lands well after the refresh is due. A lost offer would
	// leave the joiner waiting out its connect timeout.
	joinOpts := fastOptions(domain.ProtocolSingleOffer)
	joinOpts.ConnectTimeout = 30 * time.Second
	j := w.peerOpts("j", slowAnswers{Directory: directory.NewLocal(w.dir), delay: 300 * time.Millisecond}, joinOpts)
	require.NoError(t, j.o.Connect("alpha"))

	require.Eventually(t, func() bool { return j.o.Status().State == orch.StateConnected }, 2*time.Second, tick,
		"states: %v", j.seen())
	assert.Equal(t, []orch.State{orch.StateConnecting, orch.StateConnected}, j.seen())
	assert.Positive(t, hostDir.busyReplaces.Load(), "refresh was attempted while the offer was taken")
	require.Eventually(t, func() bool { return host.o.Status().Peers == 1 }, waitFor, tick)

	// Once answered, the next offer goes out.
	require.Eventually(t, func() bool {
		list := w.dir.List()
		return len(list) == 1 && list[0].Pending == 1
	}, waitFor, tick)
}

func TestOverlappingConnectsLeaveOneLink(t *testing.T) {
	w := newWorld(t)
	host := w.peer("host", domain.ProtocolQueue)
	require.NoError(t, host.o.Connect("alpha"))
	waitState(t, host, orch.StateHosting)

	j := w.peer("j", domain.ProtocolQueue)
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, j.o.Connect("alpha"))
		}()
	}
	wg.Wait()

	waitState(t, j, orch.StateConnected)
	require.Eventually(t, func() bool {
		return host.o.Status().Peers == 1 && w.hub.Live() == 1
	}, waitFor, tick, "peers=%d live=%d", host.o.Status().Peers, w.hub.Live())
	assert.Equal(t, 1, host.o.PeerEntries())
	assert.Equal(t, 1, j.o.PeerEntries())
}

func TestHostRederivesRoleAfterExpiry(t *testing.T) {
	for _, protocol := range []domain.Protocol{domain.ProtocolSingleOffer, domain.ProtocolQueue} {
		t.Run(string(protocol), func(t *testing.T) {
			opts := app.DefaultDirectoryOptions()
			opts.MaxAge = 300 * time.Millisecond
			w := newWorldWith(t, opts)

			host := w.peer("host", protocol)
			require.NoError(t, host.o.Connect("alpha"))
			waitState(t, host, orch.StateHosting)

			require.Eventually(t, func() bool {
				seen := host.seen()
				for i := 2; i < len(seen); i++ {
					if seen[i-2] == orch.StateHosting && seen[i-1] == orch.StateConnecting && seen[i] == orch.StateHosting {
						return true
					}
				}
				return false
			}, waitFor, tick, "states: %v", host.seen())
			assert.NotContains(t, host.seen(), orch.StateError)
			assert.Equal(t, domain.RoleHost, host.o.Status().Role)
		})
	}
}

func TestUnansweredJoinRequestIsRetried(t *testing.T) {
	w := newWorld(t)
	// A queue session whose host never polls for requests.
	require.NoError(t, w.dir.CreateSession("alpha", "absent-host", ""))

	dir := &countingDirectory{Directory: directory.NewLocal(w.dir)}
	opts := fastOptions(domain.ProtocolQueue)
	opts.AnswerPollAttempts = 5
	j := w.peerOpts("j", dir, opts)
	require.NoError(t, j.o.Connect("alpha"))

	require.Eventually(t, func() bool { return dir.joinRequests.Load() >= 2 }, waitFor, tick)
	assert.Equal(t, int32(opts.AnswerPollAttempts), dir.pollsBeforeRetry.Load(),
		"the answer wait is bounded before starting over")
	assert.NotContains(t, j.seen(), orch.StateError)
	assert.Equal(t, orch.StateConnecting, j.o.Status().State)
	assert.Zero(t, w.hub.Live())
}
