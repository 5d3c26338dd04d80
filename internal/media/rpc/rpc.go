// Package rpc defines the envelope protocol spoken between the media
// supervisor and its child streamer processes over a localhost websocket.
// Calls are fire-and-forget in both directions; replies and lifecycle events
// arrive as separate asynchronous envelopes.
package rpc

import "encoding/json"

// Envelope types sent by a child to its parent.
const (
	// TypeHello is the first envelope on a connection; it binds the
	// connection to the handle identity the parent minted at spawn time.
	TypeHello = "hello"
	// TypeReady means the child is idle and able to accept a stream command
	// (sent after connect and again after a pipeline is freed).
	TypeReady = "ready"
	// TypeStreaming means the pipeline is up and media is flowing.
	TypeStreaming = "streaming"
	// TypeError reports a pipeline error or end-of-stream.
	TypeError = "error"
	// TypeLog forwards a child log line into the parent's log.
	TypeLog = "log"
)

// Envelope types sent by the parent to a child.
const (
	TypeStream       = "stream"
	TypeStreamStereo = "stream_stereo"
	TypeStop         = "stop"
)

// Envelope is one RPC message. HandleID addresses the child so events are
// routed to the correct handle even with several children running.
type Envelope struct {
	Type     string          `json:"type"`
	HandleID string          `json:"handle_id"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// New builds an envelope with a marshaled payload. A nil payload yields a
// bare envelope.
func New(typ, handleID string, payload any) (Envelope, error) {
	env := Envelope{Type: typ, HandleID: handleID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, err
		}
		env.Payload = raw
	}
	return env, nil
}

// DecodePayload unmarshals the envelope payload into v.
func (e Envelope) DecodePayload(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// HelloPayload authenticates a child connection.
type HelloPayload struct {
	Token string `json:"token"`
	PID   int    `json:"pid"`
}

// StreamPayload starts a single-source pipeline (one camera, or audio).
type StreamPayload struct {
	Device           string `json:"device"`
	Address          string `json:"address"`
	Port             int    `json:"port"`
	Profile          string `json:"profile"`
	UseHardwareAccel bool   `json:"use_hardware_accel"`
}

// StereoPayload starts a side-by-side stereo camera pipeline.
type StereoPayload struct {
	LeftDevice       string `json:"left_device"`
	RightDevice      string `json:"right_device"`
	Address          string `json:"address"`
	Port             int    `json:"port"`
	Profile          string `json:"profile"`
	UseHardwareAccel bool   `json:"use_hardware_accel"`
}

// ErrorPayload carries a pipeline failure description.
type ErrorPayload struct {
	Message string `json:"message"`
}

// LogPayload carries one child log line.
type LogPayload struct {
	Tag     string `json:"tag"`
	Message string `json:"message"`
}
