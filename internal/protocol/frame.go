// Package protocol defines how lifecycle events are framed on the wire. The
// same event stream is served over two transports, Server-Sent Events and
// WebSocket, and both encodings live here so they cannot drift apart.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"cellbook/internal/events"
)

// Frame is the WebSocket rendering of one event. RunID is omitted for
// events not tied to a run (notebook_state).
type Frame struct {
	Type  string `json:"type"`
	RunID int64  `json:"runId,omitempty"`
	Data  any    `json:"data"`
}

// FrameFor wraps an event for WebSocket delivery.
func FrameFor(ev events.Event) Frame {
	return Frame{Type: string(ev.Kind), RunID: ev.RunID, Data: ev.Data}
}

// Keepalive is the SSE comment line written on idle streams so proxies keep
// the connection open.
var Keepalive = []byte(": keepalive\n\n")

// EncodeSSE renders an event in text/event-stream framing:
//
//	event: <kind>
//	id: <runID>        (only for events belonging to a run)
//	data: <payload JSON>
//
// followed by the blank line that terminates the frame.
func EncodeSSE(ev events.Event) ([]byte, error) {
	payload, err := json.Marshal(ev.Data)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", ev.Kind, err)
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "event: %s\n", ev.Kind)
	if ev.RunID != 0 {
		fmt.Fprintf(&buf, "id: %d\n", ev.RunID)
	}
	fmt.Fprintf(&buf, "data: %s\n\n", payload)
	return buf.Bytes(), nil
}
