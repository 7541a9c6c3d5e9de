package core

import "sync"

type EventKind int

const (
	EventOpen EventKind = iota
	EventMessage
	EventClosed
)

func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventMessage:
		return "message"
	case EventClosed:
		return "closed"
	}
	return "unknown"
}

type ConnEvent struct {
	Kind EventKind
	Data []byte
}

// Connection is a live peer link. Events is closed once the connection has
// ended; a reader that sees the channel close must treat it as EventClosed.
type Connection interface {
	Events() <-chan ConnEvent
	Send(data []byte) error
	Close() error
}

// EventStream is an unbounded, ordered event queue. Transports emit from
// their own callbacks without ever blocking on the consumer.
type EventStream struct {
	mu    sync.Mutex
	queue []ConnEvent
	ended bool

	wake chan struct{}
	out  chan ConnEvent
	done chan struct{}
	once sync.Once
}

func NewEventStream() *EventStream {
	s := &EventStream{
		wake: make(chan struct{}, 1),
		out:  make(chan ConnEvent),
		done: make(chan struct{}),
	}
	go s.deliver()
	return s
}

func (s *EventStream) Events() <-chan ConnEvent { return s.out }

// Emit queues ev. Nothing is accepted after an EventClosed.
func (s *EventStream) Emit(ev ConnEvent) bool {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, ev)
	if ev.Kind == EventClosed {
		s.ended = true
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

// Close ends the stream without waiting for a consumer to drain it.
func (s *EventStream) Close() {
	s.Emit(ConnEvent{Kind: EventClosed})
	s.once.Do(func() { close(s.done) })
}

func (s *EventStream) deliver() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			ended := s.ended
			s.mu.Unlock()
			if ended {
				return
			}
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
		if ev.Kind == EventClosed {
			return
		}
	}
}
