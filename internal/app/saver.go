package app

import (
	"context"
	"sync"
	"time"

	"github.com/dkeye/Cowrite/internal/core"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Saver debounces snapshot persistence: a burst of Schedule calls produces a
// single save once the burst has been quiet for delay.
type Saver struct {
	clock clockwork.Clock
	doc   core.Document
	store core.SnapshotStore
	key   string
	delay time.Duration

	mu     sync.Mutex
	timer  clockwork.Timer
	closed bool
}

func NewSaver(clock clockwork.Clock, doc core.Document, store core.SnapshotStore, key string, delay time.Duration) *Saver {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Saver{clock: clock, doc: doc, store: store, key: key, delay: delay}
}

func (s *Saver) Schedule() {
	if s == nil || s.store == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = s.clock.AfterFunc(s.delay, s.flush)
}

func (s *Saver) flush() {
	snap, err := s.doc.EncodeState()
	if err != nil {
		log.Error().Err(err).Str("module", "app.saver").Msg("encode snapshot")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.Save(ctx, s.key, snap); err != nil {
		log.Error().Err(err).Str("module", "app.saver").Str("key", s.key).Msg("save snapshot")
		return
	}
	log.Debug().Str("module", "app.saver").Str("key", s.key).Int("bytes", len(snap)).Msg("snapshot saved")
}

// Close stops the saver, writing out a save that was still pending.
func (s *Saver) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	pending := s.timer != nil && s.timer.Stop()
	s.mu.Unlock()

	if pending {
		s.flush()
	}
}
