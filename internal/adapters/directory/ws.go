package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Cowrite/internal/adapters/api"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrWSClosed  = errors.New("directory websocket closed")
	ErrWSTimeout = errors.New("directory request timed out")

	errWSLost = errors.New("directory websocket lost")
)

const defaultRequestTimeout = 10 * time.Second

type WSOption func(*wsCaller)

// WithRequestTimeout bounds the wait for each response. Zero waits for as
// long as the caller's context allows.
func WithRequestTimeout(d time.Duration) WSOption {
	return func(c *wsCaller) { c.timeout = d }
}

// WS multiplexes requests over one WebSocket, matching responses by id. A
// socket that dies is replaced on the next call.
type WS struct {
	client
	ws *wsCaller
}

type wsCaller struct {
	url     string
	timeout time.Duration
	seq     atomic.Uint64

	mu     sync.Mutex
	cur    *wsSession
	closed bool
}

// wsSession is one socket and the requests waiting on it.
type wsSession struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan api.Response
	done    chan struct{}
	err     error
}

func DialWS(ctx context.Context, url string, opts ...WSOption) (*WS, error) {
	c := &wsCaller{url: url, timeout: defaultRequestTimeout}
	for _, opt := range opts {
		opt(c)
	}
	s, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	c.cur = s
	return &WS{client: client{rt: c}, ws: c}, nil
}

// Close shuts the socket for good; later calls fail with ErrWSClosed.
func (w *WS) Close() error {
	c := w.ws
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	s := c.cur
	c.cur = nil
	c.mu.Unlock()

	if s == nil {
		return nil
	}
	return s.conn.Close()
}

func (c *wsCaller) dial(ctx context.Context) (*wsSession, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.url, err)
	}
	s := &wsSession{
		conn:    conn,
		pending: make(map[string]chan api.Response),
		done:    make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// session returns the live socket, dialing a new one if the last has died.
func (c *wsCaller) session(ctx context.Context) (*wsSession, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrWSClosed
	}
	if s := c.cur; s != nil && s.alive() {
		c.mu.Unlock()
		return s, nil
	}
	c.mu.Unlock()

	s, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		_ = s.conn.Close()
		return nil, ErrWSClosed
	}
	if c.cur != nil && c.cur.alive() {
		// a concurrent call got there first
		_ = s.conn.Close()
		return c.cur, nil
	}
	c.cur = s
	log.Info().Str("module", "directory.ws").Str("url", c.url).Msg("redialed directory")
	return s, nil
}

// discard drops s so the next call dials afresh.
func (c *wsCaller) discard(s *wsSession) {
	c.mu.Lock()
	if c.cur == s {
		c.cur = nil
	}
	c.mu.Unlock()
	_ = s.conn.Close()
}

func (c *wsCaller) call(ctx context.Context, req api.Request) (api.Response, error) {
	parent := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req.ID = strconv.FormatUint(c.seq.Add(1), 10)
	data, err := json.Marshal(req)
	if err != nil {
		return api.Response{}, err
	}

	for attempt := 0; ; attempt++ {
		s, err := c.session(ctx)
		if err != nil {
			return api.Response{}, fmt.Errorf("%s: %w", req.Action, err)
		}
		resp, err := s.roundTrip(ctx, req.ID, data)
		var we *writeError
		switch {
		case err == nil:
			return resp, nil
		case errors.As(err, &we):
			// The request never left, so it is safe to repeat once on a
			// fresh socket.
			c.discard(s)
			if attempt == 0 {
				continue
			}
		case errors.Is(err, errWSLost):
			c.discard(s)
		case errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil:
			err = ErrWSTimeout
		}
		return api.Response{}, fmt.Errorf("%s: %w", req.Action, err)
	}
}

type writeError struct{ err error }

func (e *writeError) Error() string { return "write: " + e.err.Error() }
func (e *writeError) Unwrap() error { return e.err }

func (s *wsSession) alive() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

func (s *wsSession) roundTrip(ctx context.Context, id string, data []byte) (api.Response, error) {
	ch := make(chan api.Response, 1)
	s.mu.Lock()
	s.pending[id] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	s.writeMu.Lock()
	err := s.conn.WriteMessage(websocket.TextMessage, data)
	s.writeMu.Unlock()
	if err != nil {
		return api.Response{}, &writeError{err: err}
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return api.Response{}, ctx.Err()
	case <-s.done:
		s.mu.Lock()
		err := s.err
		s.mu.Unlock()
		return api.Response{}, fmt.Errorf("%w: %v", errWSLost, err)
	}
}

func (s *wsSession) readLoop() {
	var err error
	defer func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	}()
	for {
		var data []byte
		_, data, err = s.conn.ReadMessage()
		if err != nil {
			return
		}
		var resp api.Response
		if jerr := json.Unmarshal(data, &resp); jerr != nil {
			log.Warn().Err(jerr).Str("module", "directory.ws").Msg("bad response")
			continue
		}
		s.mu.Lock()
		ch, ok := s.pending[resp.ID]
		delete(s.pending, resp.ID)
		s.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}
