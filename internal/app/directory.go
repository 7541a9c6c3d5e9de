package app

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dkeye/Cowrite/internal/domain"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

type DirectoryOptions struct {
	// TakeoverAfter is how long a host may go without polling before
	// another caller can claim the name.
	TakeoverAfter time.Duration
	MaxAge        time.Duration
	PollTimeout   time.Duration
	SweepInterval time.Duration
	// AnswerGrace is how long a taken single-offer stays reserved for the
	// joiner that took it. ReplaceOffer reports busy until the answer
	// arrives or the grace runs out.
	AnswerGrace time.Duration
}

func DefaultDirectoryOptions() DirectoryOptions {
	return DirectoryOptions{
		TakeoverAfter: 10 * time.Second,
		MaxAge:        30 * time.Minute,
		PollTimeout:   2 * time.Minute,
		SweepInterval: 60 * time.Second,
		AnswerGrace:   30 * time.Second,
	}
}

type joinRequest struct {
	peer     domain.PeerID
	offer    string
	consumed bool
}

type sessionRecord struct {
	name         domain.SessionName
	host         domain.HostID
	protocol     domain.Protocol
	createdAt    time.Time
	lastHostPoll time.Time

	// single-offer
	offer        string
	offerReady   bool
	offerTakenAt time.Time

	// queue
	requests []*joinRequest

	answers []domain.Answer
}

// SessionInfo is the operator view of a session. Host tokens never leave
// the directory.
type SessionInfo struct {
	Name     domain.SessionName `json:"name"`
	Protocol domain.Protocol    `json:"protocol"`
	Age      time.Duration      `json:"age"`
	Pending  int                `json:"pending"`
}

// Directory is the server-side session directory. All state lives behind
// one mutex so every operation is atomic, including offer consumption.
type Directory struct {
	clock clockwork.Clock
	opts  DirectoryOptions

	mu       sync.Mutex
	sessions map[domain.SessionName]*sessionRecord
}

func NewDirectory(clock clockwork.Clock, opts DirectoryOptions) *Directory {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultDirectoryOptions().SweepInterval
	}
	return &Directory{
		clock:    clock,
		opts:     opts,
		sessions: make(map[domain.SessionName]*sessionRecord),
	}
}

func (d *Directory) stale(s *sessionRecord, now time.Time) bool {
	return now.Sub(s.lastHostPoll) > d.opts.TakeoverAfter
}

func (d *Directory) expired(s *sessionRecord, now time.Time) bool {
	return now.Sub(s.createdAt) > d.opts.MaxAge || now.Sub(s.lastHostPoll) > d.opts.PollTimeout
}

// lookup returns the live record for name, dropping it first if expired.
func (d *Directory) lookup(name domain.SessionName, now time.Time) (*sessionRecord, bool) {
	s, ok := d.sessions[name]
	if !ok {
		return nil, false
	}
	if d.expired(s, now) {
		delete(d.sessions, name)
		log.Info().Str("module", "app.directory").Str("session", string(name)).Msg("expired session dropped")
		return nil, false
	}
	return s, true
}

func (d *Directory) hostLookup(name domain.SessionName, host domain.HostID, now time.Time) (*sessionRecord, error) {
	s, ok := d.lookup(name, now)
	if !ok {
		return nil, domain.ErrNotFound
	}
	if s.host != host {
		return nil, domain.ErrNotHost
	}
	return s, nil
}

func requireProtocol(s *sessionRecord, p domain.Protocol) error {
	if s.protocol != p {
		return domain.NewDirectoryError(domain.ReasonBadRequest, "session uses "+string(s.protocol))
	}
	return nil
}

// CreateSession registers name for host. A non-empty offer makes it a
// single-offer session, otherwise it is a queue session. Only a live,
// non-stale session held by a different host blocks the call; a host may
// always re-create its own session.
func (d *Directory) CreateSession(name domain.SessionName, host domain.HostID, offer string) error {
	if name == "" || host == "" {
		return domain.NewDirectoryError(domain.ReasonBadRequest, "name and hostId required")
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock.Now()
	if s, ok := d.lookup(name, now); ok && s.host != host && !d.stale(s, now) {
		return domain.ErrNameTaken
	}

	rec := &sessionRecord{
		name:         name,
		host:         host,
		protocol:     domain.ProtocolQueue,
		createdAt:    now,
		lastHostPoll: now,
	}
	if offer != "" {
		rec.protocol = domain.ProtocolSingleOffer
		rec.offer = offer
		rec.offerReady = true
	}
	d.sessions[name] = rec
	log.Info().Str("module", "app.directory").Str("session", string(name)).Str("protocol", string(rec.protocol)).Msg("session created")
	return nil
}

func (d *Directory) DeleteSession(name domain.SessionName, host domain.HostID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.hostLookup(name, host, d.clock.Now()); err != nil {
		return err
	}
	delete(d.sessions, name)
	log.Info().Str("module", "app.directory").Str("session", string(name)).Msg("session deleted")
	return nil
}

// JoinSession assigns a role. A missing or stale session makes the caller
// host. A single-offer joiner atomically takes the pending offer.
func (d *Directory) JoinSession(name domain.SessionName) (domain.JoinResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock.Now()
	s, ok := d.lookup(name, now)
	if !ok || d.stale(s, now) {
		return domain.JoinResult{Role: domain.RoleHost}, nil
	}
	if s.protocol == domain.ProtocolQueue {
		return domain.JoinResult{Role: domain.RoleJoiner, Protocol: domain.ProtocolQueue}, nil
	}
	if !s.offerReady {
		return domain.JoinResult{}, domain.ErrBusy
	}
	offer := s.offer
	s.offer, s.offerReady = "", false
	s.offerTakenAt = now
	return domain.JoinResult{Role: domain.RoleJoiner, Protocol: domain.ProtocolSingleOffer, Offer: offer}, nil
}

// SubmitJoinRequest queues a request. A second request from the same peer
// replaces the first along with any answer still waiting for it.
func (d *Directory) SubmitJoinRequest(name domain.SessionName, peer domain.PeerID, offer string) error {
	if peer == "" || offer == "" {
		return domain.NewDirectoryError(domain.ReasonBadRequest, "peerId and offer required")
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.lookup(name, d.clock.Now())
	if !ok {
		return domain.ErrNotFound
	}
	if err := requireProtocol(s, domain.ProtocolQueue); err != nil {
		return err
	}
	s.dropPeer(peer)
	s.requests = append(s.requests, &joinRequest{peer: peer, offer: offer})
	return nil
}

// GetJoinRequests returns every unconsumed request once.
func (d *Directory) GetJoinRequests(name domain.SessionName, host domain.HostID) ([]domain.JoinRequest, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock.Now()
	s, err := d.hostLookup(name, host, now)
	if err != nil {
		return nil, err
	}
	s.lastHostPoll = now
	if err := requireProtocol(s, domain.ProtocolQueue); err != nil {
		return nil, err
	}
	out := make([]domain.JoinRequest, 0)
	for _, r := range s.requests {
		if r.consumed {
			continue
		}
		r.consumed = true
		out = append(out, domain.JoinRequest{PeerID: r.peer, Offer: r.offer})
	}
	return out, nil
}

func (d *Directory) SubmitAnswer(name domain.SessionName, peer domain.PeerID, answer string) error {
	if peer == "" || answer == "" {
		return domain.NewDirectoryError(domain.ReasonBadRequest, "peerId and answer required")
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.lookup(name, d.clock.Now())
	if !ok {
		return domain.ErrNotFound
	}
	s.offerTakenAt = time.Time{}
	for i := range s.answers {
		if s.answers[i].PeerID == peer {
			s.answers[i].Answer = answer
			return nil
		}
	}
	s.answers = append(s.answers, domain.Answer{PeerID: peer, Answer: answer})
	return nil
}

// GetAnswer hands a queue joiner its answer once and retires its request.
func (d *Directory) GetAnswer(name domain.SessionName, peer domain.PeerID) (string, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.lookup(name, d.clock.Now())
	if !ok {
		return "", false, domain.ErrNotFound
	}
	if err := requireProtocol(s, domain.ProtocolQueue); err != nil {
		return "", false, err
	}
	for i, a := range s.answers {
		if a.PeerID != peer {
			continue
		}
		s.answers = append(s.answers[:i], s.answers[i+1:]...)
		s.removeRequest(peer)
		return a.Answer, true, nil
	}
	return "", false, nil
}

// PollAnswer hands the single-offer host the oldest answer, once.
func (d *Directory) PollAnswer(name domain.SessionName, host domain.HostID) (*domain.Answer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock.Now()
	s, err := d.hostLookup(name, host, now)
	if err != nil {
		return nil, err
	}
	s.lastHostPoll = now
	if err := requireProtocol(s, domain.ProtocolSingleOffer); err != nil {
		return nil, err
	}
	if len(s.answers) == 0 {
		return nil, nil
	}
	a := s.answers[0]
	s.answers = s.answers[1:]
	return &a, nil
}

// ReplaceOffer publishes a fresh offer. While a joiner holds the previous
// one and its answer is still due the call fails with busy, so the host
// keeps the matching connection open.
func (d *Directory) ReplaceOffer(name domain.SessionName, host domain.HostID, offer string) error {
	if offer == "" {
		return domain.NewDirectoryError(domain.ReasonBadRequest, "offer required")
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock.Now()
	s, err := d.hostLookup(name, host, now)
	if err != nil {
		return err
	}
	s.lastHostPoll = now
	if err := requireProtocol(s, domain.ProtocolSingleOffer); err != nil {
		return err
	}
	if d.awaitingAnswer(s, now) {
		return domain.ErrBusy
	}
	s.offer, s.offerReady = offer, true
	return nil
}

// awaitingAnswer reports whether a joiner took the current offer and may
// still answer it.
func (d *Directory) awaitingAnswer(s *sessionRecord, now time.Time) bool {
	return !s.offerTakenAt.IsZero() && now.Sub(s.offerTakenAt) < d.opts.AnswerGrace
}

func (s *sessionRecord) removeRequest(peer domain.PeerID) {
	kept := s.requests[:0]
	for _, r := range s.requests {
		if r.peer != peer {
			kept = append(kept, r)
		}
	}
	s.requests = kept
}

func (s *sessionRecord) dropPeer(peer domain.PeerID) {
	s.removeRequest(peer)
	kept := s.answers[:0]
	for _, a := range s.answers {
		if a.PeerID != peer {
			kept = append(kept, a)
		}
	}
	s.answers = kept
}

// Sweep removes expired sessions and returns their names.
func (d *Directory) Sweep() []domain.SessionName {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock.Now()
	var removed []domain.SessionName
	for name, s := range d.sessions {
		if d.expired(s, now) {
			delete(d.sessions, name)
			removed = append(removed, name)
		}
	}
	if len(removed) > 0 {
		log.Info().Str("module", "app.directory").Int("removed", len(removed)).Msg("sweep")
	}
	return removed
}

// Run sweeps on a ticker until ctx is done.
func (d *Directory) Run(ctx context.Context) error {
	ticker := d.clock.NewTicker(d.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			d.Sweep()
		}
	}
}

func (d *Directory) List() []SessionInfo {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock.Now()
	out := make([]SessionInfo, 0, len(d.sessions))
	for _, s := range d.sessions {
		if d.expired(s, now) {
			continue
		}
		pending := 0
		for _, r := range s.requests {
			if !r.consumed {
				pending++
			}
		}
		if s.offerReady {
			pending++
		}
		out = append(out, SessionInfo{Name: s.name, Protocol: s.protocol, Age: now.Sub(s.createdAt), Pending: pending})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
