package router

import (
	"time"

	"github.com/openrover/groundstation/internal/protocol"
	"github.com/openrover/groundstation/internal/util"
)

// RecordingState tracks the local side of the synchronized data-recording
// session. The remote side mirrors it independently; the two stay in sync
// only through the protocol.
type RecordingState int

const (
	RecordingIdle RecordingState = iota
	// RecordingWaiting means a start request is in flight, pending the
	// remote echoing the start message back.
	RecordingWaiting
	RecordingActive
)

func (s RecordingState) String() string {
	switch s {
	case RecordingWaiting:
		return "waiting"
	case RecordingActive:
		return "recording"
	}
	return "idle"
}

// Recorder is the local data recorder collaborator (CSV recorder or
// equivalent; its on-disk format is not this package's concern).
type Recorder interface {
	// Start begins a log aligned to the shared session start time. An error
	// means recording cannot proceed and the session must be abandoned.
	Start(start time.Time) error
	// Stop ends the log. Safe to call when not recording.
	Stop()
}

// RecordingState returns the current handshake state.
func (r *Router) RecordingState() RecordingState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recState
}

// RequestStartRecording begins the acknowledged start handshake: stamp the
// session start, tell the remote, and wait (bounded by the watchdog) for the
// remote to echo the start message before actually recording.
func (r *Router) RequestStartRecording() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recState != RecordingIdle {
		util.GetLogger().Warn("start recording ignored", "state", r.recState.String())
		return
	}

	r.recStart = time.Now()
	r.sender.Send(protocol.Encode(protocol.StartRecording{StartUnixMilli: r.recStart.UnixMilli()}))
	r.setRecState(RecordingWaiting)

	r.watchdog = time.AfterFunc(r.watchdogTimeout, r.watchdogFired)
}

// RequestStopRecording ends the session. Stop is unconditional and
// fire-and-forget: local state goes Idle immediately and a stop message is
// sent without waiting for the remote. This asymmetry with start is
// deliberate; the timeout-recovery path below must be able to stop an
// unresponsive remote.
func (r *Router) RequestStopRecording() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked(true)
}

// stopLocked forces the session to Idle. sendStop controls whether the
// remote is told; callers reacting to a remote stop must not echo one back.
func (r *Router) stopLocked(sendStop bool) {
	r.disarmWatchdog()
	r.recorder.Stop()
	r.setRecState(RecordingIdle)
	if sendStop {
		r.sender.Send(protocol.Encode(protocol.StopRecording{}))
	}
}

// watchdogFired runs when the remote has not acknowledged a start request in
// time: force Idle, send a stop to keep both sides consistent, and surface
// the failure.
func (r *Router) watchdogFired() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recState != RecordingWaiting {
		return
	}
	util.GetLogger().Warn("recording handshake watchdog fired", "timeout", r.watchdogTimeout)
	r.stopLocked(true)
	r.notify(SeverityError, "Cannot Record Data",
		"The rover has not responded to the request to start data recording")
}

// handleStartRecording processes a received start message: it is the
// acknowledgment when we are Waiting, and a remote-initiated session when we
// are Idle.
func (r *Router) handleStartRecording(msg protocol.StartRecording) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.recState {
	case RecordingWaiting:
		r.disarmWatchdog()
		if err := r.recorder.Start(r.recStart); err != nil {
			util.GetLogger().Error("local recorder failed to start", "error", err)
			r.stopLocked(true)
			r.notify(SeverityError, "Cannot Record Data",
				"An error occurred attempting to start data logging")
			return
		}
		r.setRecState(RecordingActive)

	case RecordingIdle:
		// Remote-initiated: mirror it if the local recorder can start.
		start := msg.StartTime()
		if err := r.recorder.Start(start); err != nil {
			util.GetLogger().Error("local recorder failed to start", "error", err)
			r.stopLocked(true)
			r.notify(SeverityError, "Cannot Record Data",
				"An error occurred attempting to start data logging")
			return
		}
		r.recStart = start
		// Echo the start back so the remote's handshake completes.
		r.sender.Send(protocol.Encode(protocol.StartRecording{StartUnixMilli: start.UnixMilli()}))
		r.setRecState(RecordingActive)

	case RecordingActive:
		// duplicate acknowledgment
	}
}

// handleStopRecording processes a received stop: unconditional, and never
// echoed back.
func (r *Router) handleStopRecording() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recState == RecordingIdle {
		return
	}
	r.stopLocked(false)
}

func (r *Router) disarmWatchdog() {
	if r.watchdog != nil {
		r.watchdog.Stop()
		r.watchdog = nil
	}
}

func (r *Router) setRecState(s RecordingState) {
	if r.recState == s {
		return
	}
	r.recState = s
	util.GetLogger().Info("recording state changed", "state", s.String())
	if r.onRecState != nil {
		r.onRecState(s)
	}
}
