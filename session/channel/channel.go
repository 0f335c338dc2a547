package channel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	inet "github.com/guseggert/instruments/internal/net"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
)

var (
	ErrNotReady    = errors.New("channel not ready")
	ErrStopped     = errors.New("channel stopped")
	ErrInterrupted = errors.New("wait for ready interrupted")
)

type State int

const (
	NotReady State = iota
	Ready
	Stopped
)

func (s State) String() string {
	switch s {
	case NotReady:
		return "not-ready"
	case Ready:
		return "ready"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Channel is the server side of the command channel for one session.
type Channel struct {
	log       *zap.SugaredLogger
	sessionID string
	port      int
	pollWait  time.Duration

	m        sync.Mutex
	state    State
	listener net.Listener
	server   *http.Server
	inflight *pending

	readyCh   chan struct{}
	readyOnce sync.Once
	stopCh    chan struct{}
	stopOnce  sync.Once

	// slot admits one ExecuteCommand at a time
	slot chan struct{}
	// requests hands a request to whichever transport is polling
	requests chan *pending
}

type Option func(c *Channel)

func WithLogger(l *zap.Logger) Option {
	return func(c *Channel) {
		c.log = l.Named("channel").Sugar()
	}
}

// WithPort sets the loopback port to listen on. The default of 0 picks an ephemeral port.
func WithPort(port int) Option {
	return func(c *Channel) {
		c.port = port
	}
}

// WithPollWait sets how long a command long-poll is held open before answering 204.
func WithPollWait(d time.Duration) Option {
	return func(c *Channel) {
		c.pollWait = d
	}
}

func New(sessionID string, opts ...Option) *Channel {
	c := &Channel{
		log:       zap.NewNop().Sugar(),
		sessionID: sessionID,
		pollWait:  10 * time.Second,
		readyCh:   make(chan struct{}),
		stopCh:    make(chan struct{}),
		slot:      make(chan struct{}, 1),
		requests:  make(chan *pending),
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.With("SessionID", sessionID)
	return c
}

type result struct {
	resp Response
	err  error
}

type pending struct {
	req      Request
	done     chan result
	doneOnce sync.Once
}

func (p *pending) finish(resp Response, err error) {
	p.doneOnce.Do(func() {
		p.done <- result{resp: resp, err: err}
	})
}

// Start binds the listener and starts serving. The channel is not ready until the script registers.
func (c *Channel) Start() error {
	c.m.Lock()
	defer c.m.Unlock()
	if c.state == Stopped {
		return ErrStopped
	}
	if c.listener != nil {
		return errors.New("channel already started")
	}

	listener, err := inet.ListenLoopback(c.port)
	if err != nil {
		return err
	}

	router := httprouter.New()
	router.POST("/session/:id/register", c.sessionHandler(c.register))
	router.GET("/session/:id/command", c.sessionHandler(c.nextCommand))
	router.POST("/session/:id/response", c.sessionHandler(c.response))
	router.GET("/session/:id/status", c.sessionHandler(c.status))
	router.GET("/session/:id/ws", c.sessionHandler(c.serveWS))

	c.listener = listener
	c.server = &http.Server{Handler: router}
	c.log.Debugf("channel listening on %s", listener.Addr())

	go func() {
		err := c.server.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.log.Warnf("channel server error: %s", err)
		}
	}()
	return nil
}

// Port returns the port the channel is listening on, or 0 if it has not been started.
func (c *Channel) Port() int {
	c.m.Lock()
	defer c.m.Unlock()
	if c.listener == nil {
		return 0
	}
	return inet.Port(c.listener)
}

// URL returns the base URL of this session's endpoints, or an empty string if the channel has not been started.
func (c *Channel) URL() string {
	port := c.Port()
	if port == 0 {
		return ""
	}
	return fmt.Sprintf("http://127.0.0.1:%d/session/%s", port, c.sessionID)
}

func (c *Channel) State() State {
	c.m.Lock()
	defer c.m.Unlock()
	return c.state
}

// markReady records the handshake. It returns false if the channel has been stopped.
func (c *Channel) markReady() bool {
	c.m.Lock()
	defer c.m.Unlock()
	switch c.state {
	case Stopped:
		return false
	case NotReady:
		c.state = Ready
		c.readyOnce.Do(func() { close(c.readyCh) })
		c.log.Debug("script registered, channel ready")
	}
	return true
}

// WaitForReady blocks until the script registers, the timeout elapses, or the context is done.
// A timeout is reported as (false, nil). A done context is reported as ErrInterrupted wrapping the context's cause.
func (c *Channel) WaitForReady(ctx context.Context, timeout time.Duration) (bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-c.readyCh:
		return true, nil
	case <-timer.C:
		c.log.Debugf("script did not register within %s", timeout)
		return false, nil
	case <-c.stopCh:
		return false, ErrStopped
	case <-ctx.Done():
		return false, fmt.Errorf("%w: %w", ErrInterrupted, context.Cause(ctx))
	}
}

// ExecuteCommand sends a request to the script and waits for its response.
// Concurrent callers are served one at a time. Outside of the ready state it fails immediately with ErrNotReady.
func (c *Channel) ExecuteCommand(ctx context.Context, req Request) (Response, error) {
	if s := c.State(); s != Ready {
		return Response{}, fmt.Errorf("%w (state %s)", ErrNotReady, s)
	}

	select {
	case c.slot <- struct{}{}:
	case <-c.stopCh:
		return Response{}, fmt.Errorf("%w (state %s)", ErrNotReady, Stopped)
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
	defer func() { <-c.slot }()

	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	p := &pending{req: req, done: make(chan result, 1)}

	select {
	case c.requests <- p:
	case <-c.stopCh:
		return Response{}, fmt.Errorf("%w (state %s)", ErrNotReady, Stopped)
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}

	select {
	case res := <-p.done:
		// a transport torn down by Stop reports its own error first
		if res.err != nil && c.State() == Stopped {
			return Response{}, fmt.Errorf("request %s: %w: %w", req.ID, ErrStopped, res.err)
		}
		return res.resp, res.err
	case <-c.stopCh:
		return Response{}, fmt.Errorf("request %s: %w", req.ID, ErrStopped)
	case <-ctx.Done():
		c.abandon(p)
		return Response{}, ctx.Err()
	}
}

func (c *Channel) setInflight(p *pending) {
	c.m.Lock()
	defer c.m.Unlock()
	c.inflight = p
}

// takeInflight clears and returns the in-flight request if it has the given ID.
func (c *Channel) takeInflight(id string) *pending {
	c.m.Lock()
	defer c.m.Unlock()
	p := c.inflight
	if p == nil || p.req.ID != id {
		return nil
	}
	c.inflight = nil
	return p
}

// abandon forgets a request whose caller gave up, so a late response is rejected instead of mismatched.
func (c *Channel) abandon(p *pending) {
	c.m.Lock()
	defer c.m.Unlock()
	if c.inflight == p {
		c.inflight = nil
	}
}

// Stop releases the listener and fails any in-flight request. It is idempotent and safe to call before Start.
func (c *Channel) Stop() error {
	var err error
	c.stopOnce.Do(func() {
		c.m.Lock()
		c.state = Stopped
		server := c.server
		c.m.Unlock()

		close(c.stopCh)
		if server != nil {
			// pollers answer 410 as soon as stopCh closes, so shutdown is quick
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if shutdownErr := server.Shutdown(ctx); shutdownErr != nil {
				err = server.Close()
			}
		}
		c.log.Debug("channel stopped")
	})
	return err
}
