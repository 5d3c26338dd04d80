package media

import (
	"os/exec"
	"sync"

	"github.com/gorilla/websocket"
)

// Role is the kind of streaming pipeline a child process owns.
type Role int

const (
	RoleAudio Role = iota
	RoleCamera
	RoleStereoCamera
)

func (r Role) String() string {
	switch r {
	case RoleCamera:
		return "camera"
	case RoleStereoCamera:
		return "stereo-camera"
	}
	return "audio"
}

// HandleState is the lifecycle state of one child media process.
//
// Spawned -> Ready -> Starting -> Streaming -> (Stopping | Error) -> Stopped.
// Stopped is terminal for the handle instance; restarting media means
// spawning a new child with a fresh handle identity.
type HandleState int

const (
	// HandleSpawned means the process was launched but has not completed the
	// readiness handshake yet.
	HandleSpawned HandleState = iota
	HandleReady
	HandleStarting
	HandleStreaming
	HandleStopping
	HandleError
	HandleStopped
)

func (s HandleState) String() string {
	switch s {
	case HandleSpawned:
		return "spawned"
	case HandleReady:
		return "ready"
	case HandleStarting:
		return "starting"
	case HandleStreaming:
		return "streaming"
	case HandleStopping:
		return "stopping"
	case HandleError:
		return "error"
	}
	return "stopped"
}

// PipelineSpec describes one pipeline start request. Immutable: changing
// encoding parameters requires a new spec and a fresh start call.
type PipelineSpec struct {
	// Devices lists source device identifiers: one entry for audio or a
	// single camera, two (left, right) for stereo.
	Devices []string
	// Address and Port form the network sink the pipeline streams to.
	Address string
	Port    int
	// Profile names the encoding profile.
	Profile string
	// UseHardwareAccel prefers VAAPI encode elements when available.
	UseHardwareAccel bool
}

// MediaID is the media-source identifier carried in channel messages.
// Audio is 0; cameras are numbered from 1.
type MediaID int32

const MediaIDAudio MediaID = 0

// Handle is the supervisor-owned representation of one child media process.
// Identity is an opaque id minted at spawn time and never reused, so late
// replies from an exited child cannot be misattributed to its successor.
type Handle struct {
	ID      string
	Role    Role
	MediaID MediaID

	mu      sync.Mutex
	pid     int
	state   HandleState
	lastErr string

	cmd  *exec.Cmd
	conn *websocket.Conn
	// wmu serializes websocket writes; gorilla conns allow one writer.
	wmu sync.Mutex
}

// State returns the handle's lifecycle state at the time of the call.
func (h *Handle) State() HandleState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// LastError returns the most recent child-reported error detail.
func (h *Handle) LastError() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastErr
}

// PID returns the child's OS process id (log metadata only; addressing uses
// the handle id).
func (h *Handle) PID() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pid
}
