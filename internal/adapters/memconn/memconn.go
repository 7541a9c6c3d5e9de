// Package memconn is an in-process core.Transport. Blobs are references
// into a shared Hub, so every participant of a test must use the same Hub.
package memconn

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/dkeye/Cowrite/internal/core"
)

var (
	ErrUnknownBlob = errors.New("unknown handshake blob")
	ErrNotLinked   = errors.New("connection not linked")
	ErrClosed      = errors.New("connection closed")
)

type Conn struct {
	id     int
	stream *core.EventStream

	mu     sync.Mutex
	peer   *Conn
	closed bool
}

func newConn(id int) *Conn {
	return &Conn{id: id, stream: core.NewEventStream()}
}

func (c *Conn) Events() <-chan core.ConnEvent { return c.stream.Events() }

func (c *Conn) Send(data []byte) error {
	c.mu.Lock()
	peer, closed := c.peer, c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if peer == nil {
		return ErrNotLinked
	}
	if !peer.stream.Emit(core.ConnEvent{Kind: core.EventMessage, Data: append([]byte(nil), data...)}) {
		return ErrClosed
	}
	return nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	already := c.closed
	c.closed = true
	peer := c.peer
	c.peer = nil
	c.mu.Unlock()

	c.stream.Close()
	if !already && peer != nil {
		peer.drop()
	}
	return nil
}

// drop is the remote end going away.
func (c *Conn) drop() {
	c.mu.Lock()
	c.peer = nil
	c.closed = true
	c.mu.Unlock()
	c.stream.Emit(core.ConnEvent{Kind: core.EventClosed})
}

// Sever cuts the link abruptly: both ends see EventClosed without either
// side having called Close.
func (c *Conn) Sever() {
	c.mu.Lock()
	peer := c.peer
	c.mu.Unlock()
	c.drop()
	if peer != nil {
		peer.drop()
	}
}

func (c *Conn) Linked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer != nil
}

type pair struct {
	offerer, answerer *Conn
}

// Hub is the shared switchboard behind every Transport of one test.
type Hub struct {
	mu      sync.Mutex
	seq     int
	offers  map[int]*Conn
	answers map[int]pair
	links   []pair
}

func NewHub() *Hub {
	return &Hub{offers: make(map[int]*Conn), answers: make(map[int]pair)}
}

func (h *Hub) next() int {
	h.seq++
	return h.seq
}

func (h *Hub) CreateOffer(ctx context.Context) (*core.Handshake, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	c := newConn(h.next())
	h.offers[c.id] = c
	return &core.Handshake{Conn: c, Blob: "offer:" + strconv.Itoa(c.id)}, nil
}

func (h *Hub) AcceptOffer(ctx context.Context, blob string) (*core.Handshake, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id, err := parse(blob, "offer:")
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	offerer, ok := h.offers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBlob, blob)
	}
	delete(h.offers, id)
	c := newConn(h.next())
	h.answers[c.id] = pair{offerer: offerer, answerer: c}
	return &core.Handshake{Conn: c, Blob: "answer:" + strconv.Itoa(c.id)}, nil
}

func (h *Hub) AcceptAnswer(conn core.Connection, blob string) error {
	id, err := parse(blob, "answer:")
	if err != nil {
		return err
	}
	h.mu.Lock()
	p, ok := h.answers[id]
	if ok && p.offerer == conn {
		delete(h.answers, id)
		h.links = append(h.links, p)
	}
	h.mu.Unlock()
	if !ok || p.offerer != conn {
		return fmt.Errorf("%w: %s", ErrUnknownBlob, blob)
	}

	p.offerer.mu.Lock()
	p.answerer.mu.Lock()
	dead := p.offerer.closed || p.answerer.closed
	if !dead {
		p.offerer.peer, p.answerer.peer = p.answerer, p.offerer
	}
	p.answerer.mu.Unlock()
	p.offerer.mu.Unlock()
	if dead {
		p.offerer.drop()
		p.answerer.drop()
		return nil
	}

	p.offerer.stream.Emit(core.ConnEvent{Kind: core.EventOpen})
	p.answerer.stream.Emit(core.ConnEvent{Kind: core.EventOpen})
	return nil
}

// SeverAll abruptly cuts every live link and returns how many were cut.
func (h *Hub) SeverAll() int {
	h.mu.Lock()
	links := h.links
	h.links = nil
	h.mu.Unlock()

	n := 0
	for _, p := range links {
		if p.offerer.Linked() {
			p.offerer.Sever()
			n++
		}
	}
	return n
}

// Live counts links whose ends are still connected.
func (h *Hub) Live() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, p := range h.links {
		if p.offerer.Linked() {
			n++
		}
	}
	return n
}

func parse(blob, prefix string) (int, error) {
	rest, ok := strings.CutPrefix(blob, prefix)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownBlob, blob)
	}
	id, err := strconv.Atoi(rest)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrUnknownBlob, blob)
	}
	return id, nil
}
