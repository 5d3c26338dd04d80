package media

import (
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openrover/groundstation/internal/media/rpc"
)

// eventRecorder collects supervisor callbacks on channels so tests can wait
// for them with timeouts instead of sleeping.
type eventRecorder struct {
	ready     chan *Handle
	streaming chan *Handle
	errs      chan string
	stopped   chan *Handle
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{
		ready:     make(chan *Handle, 8),
		streaming: make(chan *Handle, 8),
		errs:      make(chan string, 8),
		stopped:   make(chan *Handle, 8),
	}
}

func (r *eventRecorder) OnHandleReady(h *Handle)             { r.ready <- h }
func (r *eventRecorder) OnHandleStreaming(h *Handle)         { r.streaming <- h }
func (r *eventRecorder) OnHandleError(h *Handle, detail string) { r.errs <- detail }
func (r *eventRecorder) OnHandleStopped(h *Handle)           { r.stopped <- h }

func waitHandle(t *testing.T, ch chan *Handle, what string) *Handle {
	t.Helper()
	select {
	case h := <-ch:
		return h
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		return nil
	}
}

// fakeChild stands in for a streamer process. It dials the supervisor's RPC
// listener like the real child would and records the commands it receives.
type fakeChild struct {
	t    *testing.T
	conn *websocket.Conn

	mu   sync.Mutex
	cmds chan rpc.Envelope
}

func dialChild(t *testing.T, url, handleID, token string) *fakeChild {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	c := &fakeChild{t: t, conn: conn, cmds: make(chan rpc.Envelope, 8)}

	hello, err := rpc.New(rpc.TypeHello, handleID, rpc.HelloPayload{Token: token, PID: 4242})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(hello))

	go func() {
		for {
			var env rpc.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				close(c.cmds)
				return
			}
			c.cmds <- env
		}
	}()
	return c
}

func (c *fakeChild) send(typ, handleID string, payload any) {
	c.t.Helper()
	env, err := rpc.New(typ, handleID, payload)
	require.NoError(c.t, err)
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NoError(c.t, c.conn.WriteJSON(env))
}

func (c *fakeChild) waitCmd(typ string) (rpc.Envelope, bool) {
	select {
	case env, ok := <-c.cmds:
		if !ok {
			return rpc.Envelope{}, false
		}
		if env.Type != typ {
			c.t.Fatalf("child got %q, want %q", env.Type, typ)
		}
		return env, true
	case <-time.After(2 * time.Second):
		c.t.Fatalf("child timed out waiting for %q", typ)
		return rpc.Envelope{}, false
	}
}

// startSupervisor wires a supervisor with a no-op spawn so the test drives
// the child side itself.
func startSupervisor(t *testing.T) (*Supervisor, *eventRecorder) {
	t.Helper()
	rec := newEventRecorder()
	s := NewSupervisor(rec)
	s.SetSpawnFunc(func(handleID string, role Role, rpcURL, token string) (*exec.Cmd, error) {
		return nil, nil
	})
	require.NoError(t, s.Start(0))
	t.Cleanup(s.Shutdown)
	return s, rec
}

func TestSupervisorCameraLifecycle(t *testing.T) {
	s, rec := startSupervisor(t)

	h, err := s.Spawn(RoleCamera, 1)
	require.NoError(t, err)
	assert.Equal(t, HandleSpawned, h.State())

	child := dialChild(t, s.RPCURL(), h.ID, s.token)
	child.send(rpc.TypeReady, h.ID, nil)
	require.Same(t, h, waitHandle(t, rec.ready, "ready"))
	assert.Equal(t, HandleReady, h.State())
	assert.Equal(t, 4242, h.PID(), "pid comes from the hello payload")

	spec := PipelineSpec{
		Devices: []string{"/dev/video2"},
		Address: "10.1.0.2",
		Port:    5021,
		Profile: "h264-2500k",
	}
	require.NoError(t, s.StartPipeline(h.ID, spec))
	assert.Equal(t, HandleStarting, h.State())

	env, ok := child.waitCmd(rpc.TypeStream)
	require.True(t, ok)
	var p rpc.StreamPayload
	require.NoError(t, env.DecodePayload(&p))
	assert.Equal(t, "/dev/video2", p.Device)
	assert.Equal(t, 5021, p.Port)

	child.send(rpc.TypeStreaming, h.ID, nil)
	waitHandle(t, rec.streaming, "streaming")
	assert.Equal(t, HandleStreaming, h.State())

	s.StopPipeline(h.ID)
	_, ok = child.waitCmd(rpc.TypeStop)
	assert.True(t, ok, "child must receive the stop command")
	waitHandle(t, rec.stopped, "stopped")
	assert.Equal(t, HandleStopped, h.State())
	assert.Nil(t, s.Lookup(h.ID), "stopped handles are retired")
}

func TestStopPipelineIsIdempotent(t *testing.T) {
	s, rec := startSupervisor(t)

	h, err := s.Spawn(RoleAudio, MediaIDAudio)
	require.NoError(t, err)
	child := dialChild(t, s.RPCURL(), h.ID, s.token)
	child.send(rpc.TypeReady, h.ID, nil)
	waitHandle(t, rec.ready, "ready")

	s.StopPipeline(h.ID)
	waitHandle(t, rec.stopped, "stopped")
	s.StopPipeline(h.ID)
	s.StopPipeline(h.ID)

	// Exactly one stop command reached the child; the connection then
	// closed, so the command channel drains empty.
	_, ok := child.waitCmd(rpc.TypeStop)
	assert.True(t, ok)
	select {
	case env, open := <-child.cmds:
		assert.False(t, open, "unexpected extra command %q", env.Type)
	case <-time.After(200 * time.Millisecond):
	}
	assert.Len(t, rec.stopped, 0, "no second stopped event")
}

func TestStereoPipelineErrorAttribution(t *testing.T) {
	s, rec := startSupervisor(t)

	h, err := s.Spawn(RoleStereoCamera, 3)
	require.NoError(t, err)
	child := dialChild(t, s.RPCURL(), h.ID, s.token)
	child.send(rpc.TypeReady, h.ID, nil)
	waitHandle(t, rec.ready, "ready")

	spec := PipelineSpec{
		Devices: []string{"/dev/video4", "/dev/video5"},
		Address: "10.1.0.2",
		Port:    5023,
		Profile: "h264-2500k",
	}
	require.NoError(t, s.StartPipeline(h.ID, spec))
	env, _ := child.waitCmd(rpc.TypeStreamStereo)
	var p rpc.StereoPayload
	require.NoError(t, env.DecodePayload(&p))
	assert.Equal(t, "/dev/video4", p.LeftDevice)
	assert.Equal(t, "/dev/video5", p.RightDevice)

	child.send(rpc.TypeStreaming, h.ID, nil)
	waitHandle(t, rec.streaming, "streaming")

	// Right camera unplugged mid-stream: the child reports one error.
	child.send(rpc.TypeError, h.ID, rpc.ErrorPayload{Message: "device disconnected: /dev/video5"})

	select {
	case detail := <-rec.errs:
		assert.Equal(t, "device disconnected: /dev/video5", detail)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for error event")
	}
	assert.Equal(t, HandleError, h.State())
	assert.Equal(t, MediaID(3), h.MediaID, "error is attributable to the stereo source")

	// Duplicate error reports collapse into the first.
	child.send(rpc.TypeError, h.ID, rpc.ErrorPayload{Message: "device disconnected: /dev/video5"})
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, rec.errs, 0)

	// Cleanup after the failure retires the handle without a redundant
	// stop command (the child already freed its pipeline).
	s.StopPipeline(h.ID)
	waitHandle(t, rec.stopped, "stopped")
	select {
	case env, open := <-child.cmds:
		assert.False(t, open, "unexpected command %q after error", env.Type)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestStartPipelineValidatesDeviceCount(t *testing.T) {
	s, rec := startSupervisor(t)

	h, err := s.Spawn(RoleStereoCamera, 2)
	require.NoError(t, err)
	child := dialChild(t, s.RPCURL(), h.ID, s.token)
	child.send(rpc.TypeReady, h.ID, nil)
	waitHandle(t, rec.ready, "ready")

	err = s.StartPipeline(h.ID, PipelineSpec{Devices: []string{"/dev/video4"}})
	require.Error(t, err)
	assert.Equal(t, HandleReady, h.State(), "failed validation leaves the handle usable")
}

func TestStartPipelineBeforeChildConnects(t *testing.T) {
	s, _ := startSupervisor(t)

	h, err := s.Spawn(RoleCamera, 1)
	require.NoError(t, err)

	err = s.StartPipeline(h.ID, PipelineSpec{Devices: []string{"/dev/video2"}})
	assert.ErrorIs(t, err, ErrUnreachableChild)
}

func TestConnectionRejectedWithBadToken(t *testing.T) {
	s, rec := startSupervisor(t)

	h, err := s.Spawn(RoleCamera, 1)
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial(s.RPCURL(), nil)
	require.NoError(t, err)
	defer conn.Close()
	hello, err := rpc.New(rpc.TypeHello, h.ID, rpc.HelloPayload{Token: "wrong", PID: 1})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(hello))

	// The supervisor drops the connection without promoting the handle.
	var env rpc.Envelope
	assert.Error(t, conn.ReadJSON(&env))
	assert.Equal(t, HandleSpawned, h.State())
	assert.Len(t, rec.ready, 0)
}

func TestChildConnectionLossFailsLiveHandle(t *testing.T) {
	s, rec := startSupervisor(t)

	h, err := s.Spawn(RoleCamera, 1)
	require.NoError(t, err)
	child := dialChild(t, s.RPCURL(), h.ID, s.token)
	child.send(rpc.TypeReady, h.ID, nil)
	waitHandle(t, rec.ready, "ready")

	require.NoError(t, s.StartPipeline(h.ID, PipelineSpec{
		Devices: []string{"/dev/video2"}, Address: "10.1.0.2", Port: 5021,
	}))
	child.waitCmd(rpc.TypeStream)
	child.send(rpc.TypeStreaming, h.ID, nil)
	waitHandle(t, rec.streaming, "streaming")

	// Child dies without warning.
	child.conn.Close()

	select {
	case detail := <-rec.errs:
		assert.Contains(t, detail, "lost connection")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for error event")
	}
	waitHandle(t, rec.stopped, "stopped")
	assert.Nil(t, s.Lookup(h.ID))
}

func TestStopAllRetiresEveryHandle(t *testing.T) {
	s, rec := startSupervisor(t)

	var children []*fakeChild
	for i := 1; i <= 3; i++ {
		h, err := s.Spawn(RoleCamera, MediaID(i))
		require.NoError(t, err)
		child := dialChild(t, s.RPCURL(), h.ID, s.token)
		child.send(rpc.TypeReady, h.ID, nil)
		waitHandle(t, rec.ready, "ready")
		children = append(children, child)
	}

	s.StopAll()
	for range children {
		waitHandle(t, rec.stopped, "stopped")
	}
	for _, c := range children {
		_, ok := c.waitCmd(rpc.TypeStop)
		assert.True(t, ok)
	}
}
