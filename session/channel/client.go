package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Handler executes one request on the script side.
type Handler func(ctx context.Context, req Request) Response

// Client is the script side of the channel, for agents written in Go.
type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	sessionURL               string
	pollWait                 time.Duration
	customizeRetryableClient func(*retryablehttp.Client)
	// wsHTTPClient skips the retry layer, which cannot carry a protocol upgrade
	wsHTTPClient *http.Client
}

type ClientOption func(c *Client)

func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		c.Logger = l.Named("channel_client").Sugar()
	}
}

// WithClientPollWait sets how long each command poll asks the server to wait.
func WithClientPollWait(d time.Duration) ClientOption {
	return func(c *Client) {
		c.pollWait = d
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// NewClient builds a client for the session endpoints rooted at sessionURL, as returned by Channel.URL.
func NewClient(sessionURL string, opts ...ClientOption) *Client {
	c := &Client{
		Logger:     zap.NewNop().Sugar(),
		sessionURL: sessionURL,
		pollWait:   5 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = &http.Client{}
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 50 * time.Millisecond
	}
	retryClient.RetryMax = 10
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}
	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}

	c.HTTPClient = retryClient.StandardClient()
	c.wsHTTPClient = retryClient.HTTPClient
	return c
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshaling body: %w", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.sessionURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Add("Content-Type", "application/json")
	return c.HTTPClient.Do(req)
}

func statusError(resp *http.Response, what string) error {
	if resp.StatusCode == http.StatusGone {
		return ErrStopped
	}
	b, err := io.ReadAll(resp.Body)
	body := string(b)
	if err != nil {
		body = fmt.Errorf("error reading body: %w", err).Error()
	}
	return fmt.Errorf("non-200 HTTP status code %d received when %s: %s", resp.StatusCode, what, body)
}

// Register performs the handshake.
func (c *Client) Register(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodPost, "/register", registration{PID: os.Getpid()})
	if err != nil {
		return fmt.Errorf("registering: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError(resp, "registering")
	}
	return nil
}

// NextCommand polls for the next request. It returns nil if none arrived within the poll window,
// and ErrStopped once the channel is stopped.
func (c *Client) NextCommand(ctx context.Context) (*Request, error) {
	path := fmt.Sprintf("/command?wait=%d", c.pollWait.Milliseconds())
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("polling for command: %w", err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil, nil
	case http.StatusOK:
		var req Request
		err := json.NewDecoder(resp.Body).Decode(&req)
		if err != nil {
			return nil, fmt.Errorf("decoding command: %w", err)
		}
		return &req, nil
	default:
		return nil, statusError(resp, "polling for command")
	}
}

func (c *Client) SendResponse(ctx context.Context, r Response) error {
	resp, err := c.do(ctx, http.MethodPost, "/response", r)
	if err != nil {
		return fmt.Errorf("sending response: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError(resp, "sending response")
	}
	return nil
}

// Serve registers and then executes commands with h until the channel is stopped or the context is done.
func (c *Client) Serve(ctx context.Context, h Handler) error {
	err := c.Register(ctx)
	if err != nil {
		return err
	}
	for {
		req, err := c.NextCommand(ctx)
		if errors.Is(err, ErrStopped) {
			return nil
		}
		if err != nil {
			return err
		}
		if req == nil {
			continue
		}
		resp := h(ctx, *req)
		resp.ID = req.ID
		err = c.SendResponse(ctx, resp)
		if errors.Is(err, ErrStopped) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// ServeWS is Serve over the WebSocket transport.
func (c *Client) ServeWS(ctx context.Context, h Handler) error {
	u := c.sessionURL + "/ws"
	c.Logger.Debugw("dialing WebSocket", "URL", u)
	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		HTTPClient:      c.wsHTTPClient,
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		return fmt.Errorf("dialing WebSocket conn: %w", err)
	}
	conn.SetReadLimit(readLimit)
	defer conn.Close(websocket.StatusNormalClosure, "")

	err = wsjson.Write(ctx, conn, wsMessage{Type: msgRegister, Registration: &registration{PID: os.Getpid()}})
	if err != nil {
		return fmt.Errorf("writing registration: %w", err)
	}
	var ack wsMessage
	err = wsjson.Read(ctx, conn, &ack)
	if err != nil {
		return fmt.Errorf("reading registration ack: %w", err)
	}
	if ack.Type != msgRegistered {
		return fmt.Errorf("expected %q message, got %q", msgRegistered, ack.Type)
	}

	for {
		var msg wsMessage
		err := wsjson.Read(ctx, conn, &msg)
		if websocket.CloseStatus(err) == websocket.StatusGoingAway || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			c.Logger.Debug("server closed the channel")
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading request: %w", err)
		}
		if msg.Type != msgRequest || msg.Request == nil {
			c.Logger.Debugf("ignoring unexpected %q message", msg.Type)
			continue
		}
		resp := h(ctx, *msg.Request)
		resp.ID = msg.Request.ID
		err = wsjson.Write(ctx, conn, wsMessage{Type: msgResponse, Response: &resp})
		if err != nil {
			return fmt.Errorf("writing response: %w", err)
		}
	}
}
