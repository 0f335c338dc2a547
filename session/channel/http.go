package channel

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"
)

type sessionHandlerFunc func(w http.ResponseWriter, r *http.Request)

// sessionHandler rejects requests addressed to a different session.
func (c *Channel) sessionHandler(h sessionHandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
		id := params.ByName("id")
		if id != c.sessionID {
			c.log.Debugf("rejecting request for unknown session %q", id)
			http.Error(w, "unknown session", http.StatusNotFound)
			return
		}
		h(w, r)
	}
}

func writeJSON(w http.ResponseWriter, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return err
	}
	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, err = w.Write(b)
	return err
}

func (c *Channel) register(w http.ResponseWriter, r *http.Request) {
	var reg registration
	// the body is optional, a bare POST is a valid registration
	err := json.NewDecoder(r.Body).Decode(&reg)
	if err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	c.log.Debugw("got registration", "PID", reg.PID)
	if !c.markReady() {
		http.Error(w, ErrStopped.Error(), http.StatusGone)
		return
	}
	_ = writeJSON(w, statusMessage{SessionID: c.sessionID, State: Ready.String()})
}

func (c *Channel) status(w http.ResponseWriter, r *http.Request) {
	_ = writeJSON(w, statusMessage{SessionID: c.sessionID, State: c.State().String()})
}

// nextCommand holds the poll open until a request is submitted, the poll window closes, or the channel stops.
func (c *Channel) nextCommand(w http.ResponseWriter, r *http.Request) {
	wait := c.pollWait
	if s := r.URL.Query().Get("wait"); s != "" {
		ms, err := strconv.Atoi(s)
		if err != nil || ms < 0 {
			http.Error(w, "invalid wait", http.StatusBadRequest)
			return
		}
		wait = time.Duration(ms) * time.Millisecond
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case p := <-c.requests:
		c.setInflight(p)
		c.log.Debugw("handing request to poller", "RequestID", p.req.ID)
		err := writeJSON(w, p.req)
		if err != nil {
			c.abandon(p)
			p.finish(Response{}, err)
		}
	case <-timer.C:
		w.WriteHeader(http.StatusNoContent)
	case <-c.stopCh:
		http.Error(w, ErrStopped.Error(), http.StatusGone)
	case <-r.Context().Done():
	}
}

func (c *Channel) response(w http.ResponseWriter, r *http.Request) {
	var resp Response
	err := json.NewDecoder(r.Body).Decode(&resp)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	p := c.takeInflight(resp.ID)
	if p == nil {
		c.log.Debugf("dropping response for unknown request %q", resp.ID)
		http.Error(w, "no request in flight with that ID", http.StatusConflict)
		return
	}
	p.finish(resp, nil)
	w.WriteHeader(http.StatusOK)
}
