package channel

import (
	"context"
	"fmt"
	"net/http"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const readLimit = 1 << 20

func (c *Channel) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		c.log.Debugf("error accepting WebSocket conn: %s", err)
		return
	}
	conn.SetReadLimit(readLimit)
	c.log.Debug("accepted WebSocket conn")

	// hijacked connections are not closed by the HTTP server, so tie the conn to the channel's lifetime
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		select {
		case <-c.stopCh:
			conn.Close(websocket.StatusGoingAway, "channel stopped")
			cancel()
		case <-ctx.Done():
		}
	}()

	err = c.runWS(ctx, conn)
	if err != nil {
		c.log.Debugf("WebSocket transport ended: %s", err)
		reason := err.Error()
		// WebSocket close reasons can't be above 123 bytes
		if len(reason) > 100 {
			reason = reason[:100]
		}
		conn.Close(websocket.StatusInternalError, reason)
		return
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

func (c *Channel) runWS(ctx context.Context, conn *websocket.Conn) error {
	var first wsMessage
	err := wsjson.Read(ctx, conn, &first)
	if err != nil {
		return fmt.Errorf("reading registration: %w", err)
	}
	if first.Type != msgRegister {
		return fmt.Errorf("expected %q message, got %q", msgRegister, first.Type)
	}
	if first.Registration != nil {
		c.log.Debugw("got registration", "PID", first.Registration.PID)
	}
	if !c.markReady() {
		return ErrStopped
	}
	err = wsjson.Write(ctx, conn, wsMessage{
		Type:         msgRegistered,
		Registration: &registration{SessionID: c.sessionID},
	})
	if err != nil {
		return fmt.Errorf("writing registration ack: %w", err)
	}

	for {
		var p *pending
		select {
		case p = <-c.requests:
		case <-ctx.Done():
			return nil
		}
		err := c.roundTripWS(ctx, conn, p)
		if err != nil {
			c.abandon(p)
			p.finish(Response{}, err)
			return err
		}
	}
}

func (c *Channel) roundTripWS(ctx context.Context, conn *websocket.Conn, p *pending) error {
	c.setInflight(p)
	req := p.req
	err := wsjson.Write(ctx, conn, wsMessage{Type: msgRequest, Request: &req})
	if err != nil {
		return fmt.Errorf("writing request %s: %w", req.ID, err)
	}
	for {
		var msg wsMessage
		err := wsjson.Read(ctx, conn, &msg)
		if err != nil {
			return fmt.Errorf("reading response to %s: %w", req.ID, err)
		}
		if msg.Type != msgResponse || msg.Response == nil {
			c.log.Debugf("ignoring unexpected %q message", msg.Type)
			continue
		}
		if msg.Response.ID != req.ID {
			c.log.Debugf("dropping response for unknown request %q", msg.Response.ID)
			continue
		}
		// nil if the caller gave up while the script was working
		if inflight := c.takeInflight(req.ID); inflight != nil {
			inflight.finish(*msg.Response, nil)
		}
		return nil
	}
}
