package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"github.com/roach88/campaignsync/internal/document"
	"github.com/roach88/campaignsync/internal/syncerr"
)

// ErrNotConnected is the cause of transient errors returned while the client
// has no session.
var ErrNotConnected = errors.New("not connected")

// errSessionLost is the cause of transient errors for requests cut off by a
// dropped session.
var errSessionLost = errors.New("session lost")

const (
	defaultRequestTimeout = 10 * time.Second
	defaultMinReconnect   = 250 * time.Millisecond
	defaultMaxReconnect   = 10 * time.Second
	reconnectJitter       = 0.2
)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithDialer overrides the WebSocket dialer.
func WithDialer(d *websocket.Dialer) ClientOption {
	return func(c *Client) {
		c.dialer = d
	}
}

// WithRequestTimeout bounds how long a request waits for its reply.
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithReconnectDelay sets the reconnect backoff bounds used by Run.
func WithReconnectDelay(minDelay, maxDelay time.Duration) ClientOption {
	return func(c *Client) {
		c.minDelay = minDelay
		c.maxDelay = maxDelay
	}
}

// WithSessionObserver registers fn to be told when a session opens (true)
// or drops (false). fn runs on the client's goroutines and must not block.
func WithSessionObserver(fn func(connected bool)) ClientOption {
	return func(c *Client) {
		c.onSession = fn
	}
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = l
	}
}

// Client is an Adapter that talks to a Server over WebSocket.
//
// When a session drops, in-flight requests fail with transient errors and
// every open subscription turns stale. Run re-dials with exponential backoff;
// stale subscriptions are not revived and must be re-subscribed.
type Client struct {
	url       string
	dialer    *websocket.Dialer
	timeout   time.Duration
	minDelay  time.Duration
	maxDelay  time.Duration
	onSession func(bool)
	logger    *slog.Logger

	writeMu sync.Mutex
	nextID  atomic.Int64

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan Frame
	subs    map[string]*clientSub
}

// NewClient creates a client for the server at url ("ws://host/path").
// No connection is made until Connect or Run.
func NewClient(url string, opts ...ClientOption) *Client {
	c := &Client{
		url:      url,
		dialer:   websocket.DefaultDialer,
		timeout:  defaultRequestTimeout,
		minDelay: defaultMinReconnect,
		maxDelay: defaultMaxReconnect,
		logger:   slog.Default(),
		pending:  make(map[string]chan Frame),
		subs:     make(map[string]*clientSub),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect dials one session. It returns once the session is open; the
// session's read loop keeps running in the background.
func (c *Client) Connect(ctx context.Context) error {
	_, err := c.connect(ctx)
	return err
}

// Run keeps a session open until ctx is cancelled, re-dialing with
// jittered exponential backoff between minDelay and maxDelay. Run returns
// only after the session it opened has been torn down.
func (c *Client) Run(ctx context.Context) error {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     c.minDelay,
		RandomizationFactor: reconnectJitter,
		Multiplier:          2,
		MaxInterval:         c.maxDelay,
	}
	b.Reset()
	for {
		done, err := c.connect(ctx)
		if err == nil {
			b.Reset()
			select {
			case <-ctx.Done():
				c.Close()
				<-done
				return ctx.Err()
			case <-done:
			}
		}

		delay := b.NextBackOff()
		if err != nil {
			c.logger.Debug("remote dial failed", "url", c.url, "error", err, "retry_in", delay)
		}

		select {
		case <-ctx.Done():
			c.Close()
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// Close drops the current session, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// Connected reports whether a session is open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Client) connect(ctx context.Context) (<-chan struct{}, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.url, err)
	}
	conn.SetReadLimit(maxFrameSize)

	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		conn.Close()
		return nil, fmt.Errorf("dial %s: session already open", c.url)
	}
	c.conn = conn
	c.mu.Unlock()

	done := make(chan struct{})
	go c.readLoop(conn, done)

	c.logger.Info("remote session opened", "url", c.url)
	if c.onSession != nil {
		c.onSession(true)
	}
	return done, nil
}

func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			c.dropSession(conn, err)
			return
		}
		var f Frame
		if err := json.Unmarshal(message, &f); err != nil {
			c.logger.Warn("malformed frame from server", "error", err)
			continue
		}
		c.dispatch(f)
	}
}

func (c *Client) dispatch(f Frame) {
	switch f.Type {
	case FrameSnapshot:
		c.mu.Lock()
		sub := c.subs[f.SubID]
		c.mu.Unlock()
		if sub != nil && f.Snapshot != nil {
			sub.deliver(*f.Snapshot)
		}
	case FrameResult, FrameError, FramePong:
		c.mu.Lock()
		ch := c.pending[f.ID]
		delete(c.pending, f.ID)
		c.mu.Unlock()
		if ch != nil {
			ch <- f
		}
	}
}

// dropSession fails in-flight requests and marks subscriptions stale.
func (c *Client) dropSession(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	pending := c.pending
	c.pending = make(map[string]chan Frame)
	for _, sub := range c.subs {
		sub.stale.Store(true)
	}
	c.mu.Unlock()

	conn.Close()
	for _, ch := range pending {
		close(ch)
	}
	c.logger.Info("remote session dropped", "url", c.url, "cause", cause)
	if c.onSession != nil {
		c.onSession(false)
	}
}

func (c *Client) writeFrame(conn *websocket.Conn, f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(f)
}

func (c *Client) newID(prefix string) string {
	return prefix + strconv.FormatInt(c.nextID.Add(1), 10)
}

// roundTrip sends f and waits for the reply with the same ID.
func (c *Client) roundTrip(ctx context.Context, f Frame) (Frame, error) {
	f.ID = c.newID("r")
	ch := make(chan Frame, 1)

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return Frame{}, syncerr.Transient(f.Collection, f.DocID, ErrNotConnected)
	}
	c.pending[f.ID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, f.ID)
		c.mu.Unlock()
	}()

	if err := c.writeFrame(conn, f); err != nil {
		return Frame{}, syncerr.Transient(f.Collection, f.DocID, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	select {
	case reply, ok := <-ch:
		if !ok {
			return Frame{}, syncerr.Transient(f.Collection, f.DocID, errSessionLost)
		}
		if reply.Type == FrameError {
			return Frame{}, frameError(reply, f.Collection, f.DocID)
		}
		return reply, nil
	case <-ctx.Done():
		return Frame{}, syncerr.Transient(f.Collection, f.DocID, ctx.Err())
	}
}

// Ping implements Pinger.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.roundTrip(ctx, Frame{Type: FramePing})
	return err
}

// Subscribe implements Adapter.
func (c *Client) Subscribe(ctx context.Context, collection string, filters document.Filters, onSnapshot SnapshotFunc) (Subscription, error) {
	sub := &clientSub{client: c, id: c.newID("s"), fn: onSnapshot}

	// Registered before the request: the server may push the initial
	// snapshot ahead of the subscribe result.
	c.mu.Lock()
	c.subs[sub.id] = sub
	c.mu.Unlock()

	_, err := c.roundTrip(ctx, Frame{Type: FrameSubscribe, SubID: sub.id, Collection: collection, Filters: filters})
	if err != nil {
		sub.Unsubscribe()
		return nil, err
	}
	return sub, nil
}

// WriteDocument implements Adapter.
func (c *Client) WriteDocument(ctx context.Context, collection, id string, payload document.Fields) (document.Document, error) {
	reply, err := c.roundTrip(ctx, Frame{Type: FrameWrite, Collection: collection, DocID: id, Payload: payload})
	if err != nil {
		return document.Document{}, err
	}
	if reply.Document == nil {
		return document.Document{}, syncerr.Transient(collection, id, errors.New("write result missing document"))
	}
	return *reply.Document, nil
}

// DeleteDocument implements Adapter.
func (c *Client) DeleteDocument(ctx context.Context, collection, id string) error {
	_, err := c.roundTrip(ctx, Frame{Type: FrameDelete, Collection: collection, DocID: id})
	return err
}

type clientSub struct {
	client *Client
	id     string
	stale  atomic.Bool

	fn SnapshotFunc

	mu     sync.Mutex // never held while fn runs
	closed bool
}

func (s *clientSub) deliver(snap document.Snapshot) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed || s.fn == nil {
		return
	}
	s.fn(snap)
}

// Unsubscribe stops delivery immediately and tells the server best-effort.
func (s *clientSub) Unsubscribe() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	c := s.client
	c.mu.Lock()
	delete(c.subs, s.id)
	conn := c.conn
	c.mu.Unlock()

	if conn != nil && !s.stale.Load() {
		if err := c.writeFrame(conn, Frame{Type: FrameUnsubscribe, ID: c.newID("r"), SubID: s.id}); err != nil {
			c.logger.Debug("unsubscribe frame not sent", "sub", s.id, "error", err)
		}
	}
}

func (s *clientSub) Stale() bool {
	return s.stale.Load()
}
