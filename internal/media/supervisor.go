// Package media supervises the child processes that own streaming pipelines.
// The station process never touches GStreamer directly: every pipeline runs
// inside a spawned child, and the supervisor talks to its children over a
// localhost websocket RPC link. A crashing pipeline therefore takes down one
// child, not the station.
package media

import (
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"sync"
	"time"

	"github.com/dchest/uniuri"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/openrover/groundstation/internal/media/rpc"
	"github.com/openrover/groundstation/internal/util"
)

// ErrUnreachableChild means an RPC command could not be delivered to the
// child process. Terminal for the handle: it transitions to Error.
var ErrUnreachableChild = errors.New("child process unreachable")

// ErrUnknownHandle means the handle id does not name a live handle.
var ErrUnknownHandle = errors.New("unknown handle")

// Events is the upward interface for child lifecycle changes. Callbacks run
// on the reporting child's connection goroutine; per-handle ordering matches
// the child's event order. Implementations may call back into the
// supervisor but must not block.
type Events interface {
	// OnHandleReady fires when a child completes the readiness handshake,
	// or becomes idle again after its pipeline was freed.
	OnHandleReady(h *Handle)
	// OnHandleStreaming fires when the child reports media flowing.
	OnHandleStreaming(h *Handle)
	// OnHandleError fires once per failure with the child-reported detail.
	// The pipeline has already been torn down when it fires.
	OnHandleError(h *Handle, detail string)
	// OnHandleStopped fires when the handle reaches its terminal state.
	OnHandleStopped(h *Handle)
}

// SpawnFunc launches one child streamer process. The returned command must
// already be started. Injectable so tests can stand in a fake child that
// dials the RPC URL directly.
type SpawnFunc func(handleID string, role Role, rpcURL, token string) (*exec.Cmd, error)

// Supervisor owns the RPC listener and the set of live handles. Handles are
// addressed by the opaque id minted at spawn time, never by pid, so a late
// event from an exited child can never be attributed to its successor.
type Supervisor struct {
	events Events
	token  string
	spawn  SpawnFunc

	mu      sync.Mutex
	handles map[string]*Handle

	srv    *http.Server
	ln     net.Listener
	rpcURL string
}

// NewSupervisor creates a supervisor that reports lifecycle changes to
// events. Call Start before spawning children.
func NewSupervisor(events Events) *Supervisor {
	s := &Supervisor{
		events:  events,
		token:   uniuri.NewLen(32),
		handles: make(map[string]*Handle),
	}
	s.spawn = s.spawnStreamer
	return s
}

// SetSpawnFunc overrides how children are launched. Test hook.
func (s *Supervisor) SetSpawnFunc(fn SpawnFunc) { s.spawn = fn }

// Start binds the RPC listener on localhost. Port 0 picks a free port.
func (s *Supervisor) Start(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return errors.Wrap(err, "bind media rpc listener")
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/rpc", s.handleRPC)
	s.ln = ln
	s.rpcURL = fmt.Sprintf("ws://%s/rpc", ln.Addr().String())
	s.srv = &http.Server{Handler: mux}
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			util.GetLogger().Error("media rpc server exited", "error", err)
		}
	}()
	util.GetLogger().Info("media rpc listener up", "url", s.rpcURL)
	return nil
}

// RPCURL returns the websocket URL children dial. Valid after Start.
func (s *Supervisor) RPCURL() string { return s.rpcURL }

// Shutdown stops every pipeline, kills remaining children and closes the
// RPC listener.
func (s *Supervisor) Shutdown() {
	s.StopAll()
	s.mu.Lock()
	for _, h := range s.handles {
		h.mu.Lock()
		cmd := h.cmd
		h.mu.Unlock()
		if cmd != nil && cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
	}
	s.mu.Unlock()
	if s.srv != nil {
		_ = s.srv.Close()
	}
}

// Spawn launches a new child for the given role and registers a fresh
// handle for it. The handle stays in Spawned until the child connects back
// and completes the hello/ready handshake.
func (s *Supervisor) Spawn(role Role, mediaID MediaID) (*Handle, error) {
	h := &Handle{
		ID:      uuid.NewString(),
		Role:    role,
		MediaID: mediaID,
		state:   HandleSpawned,
	}
	s.mu.Lock()
	s.handles[h.ID] = h
	s.mu.Unlock()

	cmd, err := s.spawn(h.ID, role, s.rpcURL, s.token)
	if err != nil {
		s.mu.Lock()
		delete(s.handles, h.ID)
		s.mu.Unlock()
		return nil, errors.Wrapf(err, "spawn %s streamer", role)
	}
	h.mu.Lock()
	h.cmd = cmd
	if cmd != nil && cmd.Process != nil {
		h.pid = cmd.Process.Pid
	}
	pid := h.pid
	h.mu.Unlock()
	if cmd != nil {
		go s.reap(h, cmd)
	}
	util.GetLogger().Info("spawned streamer", "handle", h.ID, "role", role.String(), "media_id", h.MediaID, "pid", pid)
	return h, nil
}

// Lookup returns the handle for id, or nil.
func (s *Supervisor) Lookup(id string) *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handles[id]
}

// StartPipeline sends the stream command for spec to the handle's child. If
// the child already has an active pipeline it tears it down and builds the
// new one, so callers get restart semantics for free.
func (s *Supervisor) StartPipeline(id string, spec PipelineSpec) error {
	h := s.Lookup(id)
	if h == nil {
		return ErrUnknownHandle
	}

	var env rpc.Envelope
	var err error
	switch h.Role {
	case RoleStereoCamera:
		if len(spec.Devices) != 2 {
			return errors.Errorf("stereo pipeline needs 2 devices, got %d", len(spec.Devices))
		}
		env, err = rpc.New(rpc.TypeStreamStereo, id, rpc.StereoPayload{
			LeftDevice:       spec.Devices[0],
			RightDevice:      spec.Devices[1],
			Address:          spec.Address,
			Port:             spec.Port,
			Profile:          spec.Profile,
			UseHardwareAccel: spec.UseHardwareAccel,
		})
	default:
		if len(spec.Devices) != 1 {
			return errors.Errorf("%s pipeline needs 1 device, got %d", h.Role, len(spec.Devices))
		}
		env, err = rpc.New(rpc.TypeStream, id, rpc.StreamPayload{
			Device:           spec.Devices[0],
			Address:          spec.Address,
			Port:             spec.Port,
			Profile:          spec.Profile,
			UseHardwareAccel: spec.UseHardwareAccel,
		})
	}
	if err != nil {
		return err
	}

	h.mu.Lock()
	switch h.state {
	case HandleError, HandleStopped:
		state := h.state
		h.mu.Unlock()
		return errors.Errorf("handle %s is %s", id, state)
	}
	conn := h.conn
	if conn == nil {
		h.mu.Unlock()
		return ErrUnreachableChild
	}
	h.state = HandleStarting
	h.mu.Unlock()

	if err := s.writeEnvelope(h, conn, env); err != nil {
		detail := "stream command lost: " + err.Error()
		s.failHandle(h, detail)
		return ErrUnreachableChild
	}
	return nil
}

// StopPipeline tears down the handle's pipeline and retires the handle.
// Idempotent: stopping a handle that is already retired does nothing.
func (s *Supervisor) StopPipeline(id string) {
	if h := s.Lookup(id); h != nil {
		s.stopHandle(h)
	}
}

// StopAll retires every live handle. Used for the "stop all cameras"
// operation and during shutdown.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	live := make([]*Handle, 0, len(s.handles))
	for _, h := range s.handles {
		live = append(live, h)
	}
	s.mu.Unlock()
	for _, h := range live {
		s.stopHandle(h)
	}
}

// stopHandle performs the exactly-once teardown: one stop envelope to the
// child, one Stopped event upward, then the connection is dropped.
func (s *Supervisor) stopHandle(h *Handle) {
	h.mu.Lock()
	if h.state == HandleStopped {
		h.mu.Unlock()
		return
	}
	alreadyFailed := h.state == HandleError
	h.state = HandleStopped
	conn := h.conn
	h.conn = nil
	h.mu.Unlock()

	if conn != nil {
		// On the error path the child already freed its pipeline.
		if !alreadyFailed {
			if env, err := rpc.New(rpc.TypeStop, h.ID, nil); err == nil {
				_ = s.writeEnvelope(h, conn, env)
			}
		}
		_ = conn.Close()
	}
	util.GetLogger().Info("handle stopped", "handle", h.ID, "role", h.Role.String(), "media_id", h.MediaID)
	if s.events != nil {
		s.events.OnHandleStopped(h)
	}
	s.forget(h)
}

// failHandle marks the handle failed and reports the error upward once.
func (s *Supervisor) failHandle(h *Handle, detail string) {
	h.mu.Lock()
	switch h.state {
	case HandleError, HandleStopped:
		h.mu.Unlock()
		return
	}
	h.state = HandleError
	h.lastErr = detail
	h.mu.Unlock()

	util.GetLogger().Error("streamer failed", "handle", h.ID, "role", h.Role.String(), "media_id", h.MediaID, "detail", detail)
	if s.events != nil {
		s.events.OnHandleError(h, detail)
	}
}

func (s *Supervisor) forget(h *Handle) {
	s.mu.Lock()
	delete(s.handles, h.ID)
	s.mu.Unlock()
}

// reap waits for the child to exit and retires the handle if the exit was
// unexpected. A child exiting after stopHandle is normal.
func (s *Supervisor) reap(h *Handle, cmd *exec.Cmd) {
	err := cmd.Wait()
	h.mu.Lock()
	state := h.state
	h.mu.Unlock()
	if state == HandleStopped {
		return
	}
	detail := "child process exited"
	if err != nil {
		detail = "child process exited: " + err.Error()
	}
	s.failHandle(h, detail)
	s.stopHandle(h)
}

// handleRPC accepts one child connection. The first envelope must be a
// hello carrying the spawn token and the handle id the connection serves.
func (s *Supervisor) handleRPC(w http.ResponseWriter, r *http.Request) {
	up := websocket.Upgrader{}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		util.GetLogger().Warn("media rpc upgrade failed", "error", err)
		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var hello rpc.Envelope
	if err := conn.ReadJSON(&hello); err != nil || hello.Type != rpc.TypeHello {
		util.GetLogger().Warn("media rpc connection rejected, bad hello")
		_ = conn.Close()
		return
	}
	var auth rpc.HelloPayload
	if err := hello.DecodePayload(&auth); err != nil || auth.Token != s.token {
		util.GetLogger().Warn("media rpc connection rejected, bad token", "handle", hello.HandleID)
		_ = conn.Close()
		return
	}
	h := s.Lookup(hello.HandleID)
	if h == nil {
		util.GetLogger().Warn("media rpc connection rejected, unknown handle", "handle", hello.HandleID)
		_ = conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	h.mu.Lock()
	if h.state == HandleStopped || h.state == HandleError {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.conn = conn
	if h.pid == 0 {
		h.pid = auth.PID
	}
	h.mu.Unlock()

	s.readLoop(h, conn)
}

// readLoop routes the child's event envelopes until the connection drops.
func (s *Supervisor) readLoop(h *Handle, conn *websocket.Conn) {
	for {
		var env rpc.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			s.connLost(h, conn)
			return
		}
		if env.HandleID != h.ID {
			util.GetLogger().Warn("media rpc envelope for wrong handle dropped", "got", env.HandleID, "want", h.ID)
			continue
		}
		s.handleEvent(h, env)
	}
}

// connLost handles a dropped child connection. If the handle was still
// live the child died underneath us.
func (s *Supervisor) connLost(h *Handle, conn *websocket.Conn) {
	h.mu.Lock()
	if h.conn != conn {
		// Already detached by stopHandle, or superseded.
		h.mu.Unlock()
		return
	}
	h.conn = nil
	state := h.state
	h.mu.Unlock()
	if state == HandleStopped || state == HandleError {
		return
	}
	s.failHandle(h, "lost connection to child process")
	s.stopHandle(h)
}

func (s *Supervisor) handleEvent(h *Handle, env rpc.Envelope) {
	log := util.GetLogger()
	switch env.Type {
	case rpc.TypeReady:
		h.mu.Lock()
		ok := h.state == HandleSpawned || h.state == HandleStopping
		if ok {
			h.state = HandleReady
		}
		h.mu.Unlock()
		if !ok {
			return
		}
		log.Info("streamer ready", "handle", h.ID, "role", h.Role.String(), "media_id", h.MediaID)
		if s.events != nil {
			s.events.OnHandleReady(h)
		}

	case rpc.TypeStreaming:
		h.mu.Lock()
		ok := h.state == HandleStarting
		if ok {
			h.state = HandleStreaming
		}
		h.mu.Unlock()
		if !ok {
			return
		}
		log.Info("streamer streaming", "handle", h.ID, "role", h.Role.String(), "media_id", h.MediaID)
		if s.events != nil {
			s.events.OnHandleStreaming(h)
		}

	case rpc.TypeError:
		var p rpc.ErrorPayload
		if err := env.DecodePayload(&p); err != nil {
			p.Message = "unknown pipeline error"
		}
		s.failHandle(h, p.Message)

	case rpc.TypeLog:
		var p rpc.LogPayload
		if err := env.DecodePayload(&p); err == nil {
			log.Info("streamer: "+p.Message, "handle", h.ID, "tag", p.Tag, "pid", h.PID())
		}

	default:
		log.Warn("unknown media rpc envelope dropped", "type", env.Type, "handle", h.ID)
	}
}

func (s *Supervisor) writeEnvelope(h *Handle, conn *websocket.Conn, env rpc.Envelope) error {
	h.wmu.Lock()
	defer h.wmu.Unlock()
	return conn.WriteJSON(env)
}
