// Package router owns the decode step for command-channel frames and
// dispatches decoded messages to per-tag handlers. It also owns the
// data-recording handshake and its watchdog.
package router

import (
	"sync"
	"time"

	"github.com/openrover/groundstation/internal/protocol"
	"github.com/openrover/groundstation/internal/util"
)

// Severity classifies a user-visible notification.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

// Notification is a structured, user-displayable event routed upward to the
// presentation layer.
type Notification struct {
	Severity Severity
	Title    string
	Detail   string
}

// Notifier receives user-visible notifications. Notify is invoked from
// router dispatch and timer goroutines; implementations must hand off to
// their own loop and must not call back into the Router.
type Notifier interface {
	Notify(n Notification)
}

// Sender transmits an encoded frame over the command channel. Satisfied by
// *channel.Channel.
type Sender interface {
	Send(frame []byte)
}

// Handler consumes one decoded message.
type Handler func(msg protocol.Message)

// Router dispatches decoded messages by tag through a registered-handler
// table. StartRecording and StopRecording are owned by the router itself
// (the handshake below); all other known tags need a registered handler or
// the message is logged and dropped. Unknown tags and malformed frames are
// never fatal.
type Router struct {
	mu       sync.Mutex
	sender   Sender
	recorder Recorder
	notifier Notifier
	handlers map[protocol.Tag]Handler

	watchdogTimeout time.Duration
	recState        RecordingState
	recStart        time.Time
	watchdog        *time.Timer
	onRecState      func(RecordingState)
}

// New creates a router. watchdogTimeout bounds how long a requested
// recording session may wait for the remote acknowledgment.
func New(sender Sender, recorder Recorder, notifier Notifier, watchdogTimeout time.Duration) *Router {
	if watchdogTimeout <= 0 {
		watchdogTimeout = 5 * time.Second
	}
	return &Router{
		sender:          sender,
		recorder:        recorder,
		notifier:        notifier,
		handlers:        make(map[protocol.Tag]Handler),
		watchdogTimeout: watchdogTimeout,
		recState:        RecordingIdle,
	}
}

// Handle registers the handler for a tag. The recording tags are owned by
// the router and cannot be overridden.
func (r *Router) Handle(tag protocol.Tag, fn Handler) {
	if tag == protocol.TagStartRecording || tag == protocol.TagStopRecording {
		util.GetLogger().Warn("handler registration ignored for recording tag", "tag", tag.String())
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[tag] = fn
}

// OnRecordingStateChanged registers the consumer for recording state
// transitions. Register before the router is wired to a channel.
func (r *Router) OnRecordingStateChanged(fn func(RecordingState)) {
	r.onRecState = fn
}

// Dispatch decodes one received frame and routes it. Called for every frame
// the command channel delivers.
func (r *Router) Dispatch(frame []byte) {
	msg, err := protocol.Decode(frame)
	if err != nil {
		util.GetLogger().Warn("malformed frame dropped", "size", len(frame), "error", err)
		return
	}

	switch m := msg.(type) {
	case protocol.StartRecording:
		r.handleStartRecording(m)
		return
	case protocol.StopRecording:
		r.handleStopRecording()
		return
	}

	r.mu.Lock()
	fn := r.handlers[msg.Tag()]
	r.mu.Unlock()
	if fn == nil {
		util.GetLogger().Warn("message dropped, no handler for tag", "tag", msg.Tag().String())
		return
	}
	fn(msg)
}

func (r *Router) notify(severity Severity, title, detail string) {
	if r.notifier != nil {
		r.notifier.Notify(Notification{Severity: severity, Title: title, Detail: detail})
	}
}
