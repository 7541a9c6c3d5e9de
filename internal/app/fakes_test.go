package app_test

import (
	"errors"
	"sync"

	"github.com/dkeye/Cowrite/internal/core"
)

type fakeConn struct {
	stream *core.EventStream

	mu     sync.Mutex
	sent   [][]byte
	closed int
	fail   bool
	// onClose runs before the close takes effect.
	onClose func()
}

func newFakeConn() *fakeConn {
	return &fakeConn{stream: core.NewEventStream()}
}

func (c *fakeConn) Events() <-chan core.ConnEvent { return c.stream.Events() }

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail || c.closed > 0 {
		return errors.New("send on dead conn")
	}
	c.sent = append(c.sent, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close() error {
	if c.onClose != nil {
		c.onClose()
	}
	c.mu.Lock()
	c.closed++
	c.mu.Unlock()
	c.stream.Close()
	return nil
}

func (c *fakeConn) Sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.sent...)
}

func (c *fakeConn) Closed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
