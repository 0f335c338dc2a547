package channel

import "encoding/json"

// Request is a command for the automation script. Script is opaque to the channel.
type Request struct {
	ID     string `json:"id"`
	Script string `json:"script"`
}

// Response is the script's answer to a Request.
// Status is 0 on success; anything else is a failure described by Error.
type Response struct {
	ID     string          `json:"id"`
	Status int             `json:"status"`
	Value  json.RawMessage `json:"value,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// registration is sent by the script when it is ready to accept commands.
type registration struct {
	SessionID string `json:"sessionId"`
	PID       int    `json:"pid,omitempty"`
}

type statusMessage struct {
	SessionID string `json:"sessionId"`
	State     string `json:"state"`
}

type wsMessageType string

const (
	msgRegister   wsMessageType = "register"
	msgRegistered wsMessageType = "registered"
	msgRequest    wsMessageType = "request"
	msgResponse   wsMessageType = "response"
)

// wsMessage is the envelope for every message on the WebSocket transport.
type wsMessage struct {
	Type         wsMessageType `json:"type"`
	Registration *registration `json:"registration,omitempty"`
	Request      *Request      `json:"request,omitempty"`
	Response     *Response     `json:"response,omitempty"`
}
