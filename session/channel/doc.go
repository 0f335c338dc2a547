/*
Package channel provides the command channel between a session and the automation script running inside the instrumentation tool.

The channel is an HTTP server bound to a per-session loopback port. The script cannot be called into, so it
drives the conversation: it registers itself (the handshake), then repeatedly asks for the next command and
posts back the result. Two transports are served, so that scripts which only have curl available and agents
which can hold a WebSocket open both work:

	POST /session/:id/register    handshake; the session becomes ready
	GET  /session/:id/command     long-poll for the next request (200 + request, 204 none yet, 410 stopped)
	POST /session/:id/response    result of the in-flight request
	GET  /session/:id/status      current channel state
	GET  /session/:id/ws          WebSocket transport

The WebSocket protocol proceeds as follows:

1. The client opens a WebSocket connection with the server
2. The client sends a "register" message; the server answers with "registered"
3. The server sends a "request" message, and the client answers with a "response" message carrying the same ID
4. Step 3 repeats until the channel is stopped, at which point the server closes the connection

Only one request is in flight at a time. Callers of ExecuteCommand are serialized by the channel, so the script
never sees interleaved requests.
*/
package channel
