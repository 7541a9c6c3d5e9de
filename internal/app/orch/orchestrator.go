// Package orch is the client-side connection orchestrator: it discovers a
// session, takes the host or joiner role, drives the handshake cycle and
// keeps the star alive under churn.
package orch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dkeye/Cowrite/internal/app"
	"github.com/dkeye/Cowrite/internal/core"
	"github.com/dkeye/Cowrite/internal/domain"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrClosed     = errors.New("orchestrator closed")
	errSuperseded = errors.New("attempt superseded")
)

type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateHosting    State = "hosting"
	StateConnected  State = "connected"
	StateError      State = "error"
)

// Status is the user-visible view. Transient retries never show up here.
type Status struct {
	State   State
	Role    domain.Role
	Session domain.SessionName
	Peers   int
	Err     error
}

type Deps struct {
	Directory core.Directory
	Transport core.Transport
	Document  core.Document
	Store     core.SnapshotStore
	Clock     clockwork.Clock
	Policy    app.Policy
}

type Options struct {
	// Protocol is used when this participant ends up hosting.
	Protocol           domain.Protocol
	PollInterval       time.Duration
	BusyRetry          time.Duration
	ReconnectBackoff   time.Duration
	AnswerPollInterval time.Duration
	AnswerPollAttempts int
	ConnectTimeout     time.Duration
	// OfferRefresh replaces a published offer nobody has answered, so a
	// joiner that took the offer and vanished cannot wedge the session.
	OfferRefresh      time.Duration
	MaxAdmissions     int
	SaveDelay         time.Duration
	PeerSweepInterval time.Duration
	PeerGrace         time.Duration
}

func DefaultOptions() Options {
	return Options{
		Protocol:           domain.ProtocolSingleOffer,
		PollInterval:       1500 * time.Millisecond,
		BusyRetry:          time.Second,
		ReconnectBackoff:   3 * time.Second,
		AnswerPollInterval: time.Second,
		AnswerPollAttempts: 30,
		ConnectTimeout:     30 * time.Second,
		OfferRefresh:       30 * time.Second,
		MaxAdmissions:      4,
		SaveDelay:          2 * time.Second,
		PeerSweepInterval:  10 * time.Second,
		PeerGrace:          30 * time.Second,
	}
}

type Orchestrator struct {
	deps  Deps
	opts  Options
	clock clockwork.Clock
	self  domain.PeerID
	peers *app.Registry
	log   zerolog.Logger

	mu        sync.Mutex
	gen       uint64
	cancel    context.CancelFunc
	relay     *app.Relay
	hostID    domain.HostID
	status    Status
	everOpen  bool
	closed    bool
	listeners []func(Status)

	stopSweep context.CancelFunc
}

func New(deps Deps, opts Options) *Orchestrator {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Policy == nil {
		deps.Policy = app.SimplePolicy{}
	}
	if !opts.Protocol.Valid() {
		opts.Protocol = domain.ProtocolSingleOffer
	}
	if opts.MaxAdmissions <= 0 {
		opts.MaxAdmissions = 1
	}
	self := domain.NewPeerID()
	o := &Orchestrator{
		deps:   deps,
		opts:   opts,
		clock:  deps.Clock,
		self:   self,
		peers:  app.NewRegistry(deps.Clock),
		log:    log.With().Str("module", "orch").Str("self", string(self)[:8]).Logger(),
		status: Status{State: StateIdle},
	}

	ctx, cancel := context.WithCancel(context.Background())
	o.stopSweep = cancel
	if opts.PeerSweepInterval > 0 {
		go o.peers.Run(ctx, opts.PeerSweepInterval, opts.PeerGrace)
	}
	return o
}

// PeerID is this participant's identity for its whole lifetime, so a
// reconnect replaces its entry on the host instead of adding a second one.
func (o *Orchestrator) PeerID() domain.PeerID { return o.self }

func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	st := o.status
	o.mu.Unlock()
	st.Peers = o.peers.CountConnected()
	return st
}

// PeerEntries counts registry entries in any state.
func (o *Orchestrator) PeerEntries() int { return o.peers.Len() }

// OnChange registers fn for every status change.
func (o *Orchestrator) OnChange(fn func(Status)) {
	o.mu.Lock()
	o.listeners = append(o.listeners, fn)
	o.mu.Unlock()
}

func (o *Orchestrator) notify() {
	st := o.Status()
	o.mu.Lock()
	fns := append([]func(Status){}, o.listeners...)
	o.mu.Unlock()
	for _, fn := range fns {
		fn(st)
	}
}

// Connect starts (or restarts) joining name. It returns once the attempt is
// running; progress is reported through Status and OnChange.
func (o *Orchestrator) Connect(raw string) error {
	name, err := domain.ParseSessionName(raw)
	if err != nil {
		return err
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	busy := o.status.State != StateIdle
	o.mu.Unlock()
	if busy {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := o.Leave(ctx); err != nil {
			o.log.Warn().Err(err).Msg("leave before reconnect")
		}
		cancel()
	}

	o.mu.Lock()
	o.gen++
	gen := o.gen
	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	saver := app.NewSaver(o.clock, o.deps.Document, o.deps.Store, string(name), o.opts.SaveDelay)
	relay := app.NewRelay(o.deps.Document, o.peers, saver, o.isHost)
	o.relay = relay
	o.everOpen = false
	o.status = Status{State: StateConnecting, Session: name}
	o.mu.Unlock()

	o.log.Info().Str("session", string(name)).Uint64("gen", gen).Msg("connect")
	o.notify()
	go o.run(ctx, gen, name, relay)
	return nil
}

// Leave cancels the current attempt, closes every peer and, when hosting,
// deletes the session. Local state is idle afterwards whatever the
// directory says.
func (o *Orchestrator) Leave(ctx context.Context) error {
	o.mu.Lock()
	o.gen++
	cancel, relay := o.cancel, o.relay
	host, session := o.hostID, o.status.Session
	o.cancel, o.relay, o.hostID = nil, nil, ""
	o.status = Status{State: StateIdle}
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if relay != nil {
		relay.Close()
	}
	o.peers.CloseAll()
	o.notify()

	if host == "" {
		return nil
	}
	if err := o.deps.Directory.DeleteSession(ctx, session, host); err != nil {
		o.log.Warn().Err(err).Str("session", string(session)).Msg("delete session on leave")
		return err
	}
	o.log.Info().Str("session", string(session)).Msg("left and deleted session")
	return nil
}

func (o *Orchestrator) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := o.Leave(ctx)
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.stopSweep()
	return err
}

func (o *Orchestrator) run(ctx context.Context, gen uint64, name domain.SessionName, relay *app.Relay) {
	for {
		err := o.attempt(ctx, gen, name, relay)
		if ctx.Err() != nil || !o.current(gen) {
			return
		}
		action := o.deps.Policy.OnFailure(err)
		if action == app.Terminal {
			o.fail(gen, err)
			return
		}
		o.log.Info().Err(err).Str("session", string(name)).Stringer("action", action).Msg("attempt ended, reconnecting")
		if !o.resetForReconnect(gen) {
			return
		}
		if !o.sleep(ctx, o.opts.ReconnectBackoff) {
			return
		}
	}
}

// attempt re-derives the role from scratch and runs it until it ends.
func (o *Orchestrator) attempt(ctx context.Context, gen uint64, name domain.SessionName, relay *app.Relay) error {
	res, err := o.discover(ctx, name)
	if err != nil {
		return err
	}
	if res.Role == domain.RoleHost {
		return o.host(ctx, gen, name, relay)
	}
	switch res.Protocol {
	case domain.ProtocolSingleOffer:
		return o.joinOffer(ctx, gen, name, res.Offer, relay)
	case domain.ProtocolQueue:
		return o.joinQueue(ctx, gen, name, relay)
	}
	return domain.NewDirectoryError(domain.ReasonBadRequest, "unknown protocol "+string(res.Protocol))
}

// discover asks for a role, waiting out busy answers and network errors.
func (o *Orchestrator) discover(ctx context.Context, name domain.SessionName) (domain.JoinResult, error) {
	for {
		res, err := o.deps.Directory.JoinSession(ctx, name)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if o.deps.Policy.OnFailure(err) != app.RetryLater {
			return res, err
		}
		o.log.Debug().Err(err).Str("session", string(name)).Msg("join-session retry")
		if !o.sleep(ctx, o.opts.BusyRetry) {
			return res, ctx.Err()
		}
	}
}

// retry runs fn until it succeeds, fails for a non-transient reason, or
// attempts run out (0 means unbounded).
func (o *Orchestrator) retry(ctx context.Context, interval time.Duration, attempts int, fn func() error) error {
	for i := 1; ; i++ {
		err := fn()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if o.deps.Policy.OnFailure(err) != app.RetryLater {
			return err
		}
		if attempts > 0 && i >= attempts {
			return err
		}
		if !o.sleep(ctx, interval) {
			return ctx.Err()
		}
	}
}

func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-o.clock.After(d):
		return true
	}
}

func (o *Orchestrator) current(gen uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return gen == o.gen
}

func (o *Orchestrator) isHost() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status.Role == domain.RoleHost
}

// update applies fn to the status if gen is still current, then notifies.
func (o *Orchestrator) update(gen uint64, fn func(*Status)) bool {
	o.mu.Lock()
	if gen != o.gen {
		o.mu.Unlock()
		return false
	}
	fn(&o.status)
	o.mu.Unlock()
	o.notify()
	return true
}

func (o *Orchestrator) becomeHost(gen uint64, host domain.HostID) bool {
	o.mu.Lock()
	if gen != o.gen {
		o.mu.Unlock()
		return false
	}
	o.hostID = host
	o.status.State, o.status.Role, o.status.Err = StateHosting, domain.RoleHost, nil
	o.mu.Unlock()
	o.notify()
	return true
}

func (o *Orchestrator) resetForReconnect(gen uint64) bool {
	o.mu.Lock()
	if gen != o.gen {
		o.mu.Unlock()
		return false
	}
	o.hostID = ""
	o.status.State, o.status.Role = StateConnecting, domain.RoleNone
	o.mu.Unlock()
	o.peers.CloseAll()
	o.notify()
	return true
}

func (o *Orchestrator) fail(gen uint64, err error) {
	o.mu.Lock()
	if gen != o.gen {
		o.mu.Unlock()
		return
	}
	o.hostID = ""
	o.status.State, o.status.Role, o.status.Err = StateError, domain.RoleNone, err
	o.mu.Unlock()
	o.peers.CloseAll()
	o.log.Error().Err(err).Msg("orchestrator stopped")
	o.notify()
}

// register files conn for gen, or closes it if gen is stale. The check and
// the registration happen under one lock so a superseded attempt can never
// displace a live entry.
func (o *Orchestrator) register(gen uint64, id domain.PeerID, conn core.Connection) bool {
	o.mu.Lock()
	if gen != o.gen {
		o.mu.Unlock()
		_ = conn.Close()
		return false
	}
	o.peers.Register(id, conn)
	o.mu.Unlock()
	o.notify()
	return true
}

func (o *Orchestrator) markConnected(gen uint64, id domain.PeerID, conn core.Connection) bool {
	o.mu.Lock()
	if gen != o.gen || !o.peers.Owns(id, conn) {
		o.mu.Unlock()
		return false
	}
	changed := o.peers.MarkConnected(id)
	o.mu.Unlock()
	if changed {
		o.notify()
	}
	return changed
}

func (o *Orchestrator) markDisconnected(gen uint64, id domain.PeerID, conn core.Connection) {
	o.mu.Lock()
	changed := gen == o.gen && o.peers.MarkDisconnectedConn(id, conn)
	o.mu.Unlock()
	if changed {
		o.notify()
	}
}
