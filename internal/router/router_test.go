package router

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openrover/groundstation/internal/protocol"
)

type fakeSender struct {
	mu     sync.Mutex
	frames [][]byte
}

func (s *fakeSender) Send(frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, len(frame))
	copy(buf, frame)
	s.frames = append(s.frames, buf)
}

func (s *fakeSender) sentTags(t *testing.T) []protocol.Tag {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	var tags []protocol.Tag
	for _, f := range s.frames {
		msg, err := protocol.Decode(f)
		require.NoError(t, err)
		tags = append(tags, msg.Tag())
	}
	return tags
}

func (s *fakeSender) countTag(t *testing.T, tag protocol.Tag) int {
	t.Helper()
	n := 0
	for _, got := range s.sentTags(t) {
		if got == tag {
			n++
		}
	}
	return n
}

type fakeRecorder struct {
	mu       sync.Mutex
	failNext bool
	starts   int
	stops    int
	lastTime time.Time
}

func (r *fakeRecorder) Start(start time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failNext {
		return errors.New("disk full")
	}
	r.starts++
	r.lastTime = start
	return nil
}

func (r *fakeRecorder) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stops++
}

type fakeNotifier struct {
	mu    sync.Mutex
	notes []Notification
}

func (n *fakeNotifier) Notify(note Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, note)
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.notes)
}

func newTestRouter(watchdog time.Duration) (*Router, *fakeSender, *fakeRecorder, *fakeNotifier) {
	sender := &fakeSender{}
	recorder := &fakeRecorder{}
	notifier := &fakeNotifier{}
	return New(sender, recorder, notifier, watchdog), sender, recorder, notifier
}

func dispatch(r *Router, msg protocol.Message) {
	r.Dispatch(protocol.Encode(msg))
}

func TestStartRecordingAcknowledged(t *testing.T) {
	r, sender, recorder, notifier := newTestRouter(time.Second)

	var transitions []RecordingState
	r.OnRecordingStateChanged(func(s RecordingState) { transitions = append(transitions, s) })

	r.RequestStartRecording()
	assert.Equal(t, RecordingWaiting, r.RecordingState())
	require.Equal(t, []protocol.Tag{protocol.TagStartRecording}, sender.sentTags(t))

	// Remote echoes the start message within the watchdog window.
	dispatch(r, protocol.StartRecording{StartUnixMilli: time.Now().UnixMilli()})

	assert.Equal(t, RecordingActive, r.RecordingState())
	assert.Equal(t, []RecordingState{RecordingWaiting, RecordingActive}, transitions)
	assert.Equal(t, 1, recorder.starts)
	assert.Zero(t, sender.countTag(t, protocol.TagStopRecording), "no stop on success")
	assert.Zero(t, notifier.count())
}

func TestStartRecordingWatchdogTimeout(t *testing.T) {
	r, sender, _, notifier := newTestRouter(50 * time.Millisecond)

	var transitions []RecordingState
	r.OnRecordingStateChanged(func(s RecordingState) { transitions = append(transitions, s) })

	r.RequestStartRecording()
	assert.Equal(t, RecordingWaiting, r.RecordingState())

	require.Eventually(t, func() bool {
		return r.RecordingState() == RecordingIdle
	}, time.Second, 5*time.Millisecond, "watchdog must force Idle")

	assert.Equal(t, []RecordingState{RecordingWaiting, RecordingIdle}, transitions)
	assert.Equal(t, 1, sender.countTag(t, protocol.TagStopRecording), "exactly one stop to the remote")
	assert.Equal(t, 1, notifier.count(), "exactly one error notification")

	// A late acknowledgment must not resurrect the session.
	dispatch(r, protocol.StartRecording{StartUnixMilli: time.Now().UnixMilli()})
	time.Sleep(20 * time.Millisecond)
	if r.RecordingState() == RecordingActive {
		// Remote-initiated mirroring is legal here; what must not happen is
		// a Waiting resurrection. Either Idle or a fresh mirrored session.
		assert.Equal(t, 1, notifier.count())
	}
}

func TestAckAfterTimeoutDoesNotFireTwice(t *testing.T) {
	r, sender, _, notifier := newTestRouter(30 * time.Millisecond)

	r.RequestStartRecording()
	require.Eventually(t, func() bool {
		return r.RecordingState() == RecordingIdle
	}, time.Second, 5*time.Millisecond)

	time.Sleep(60 * time.Millisecond) // well past any second watchdog fire
	assert.Equal(t, 1, sender.countTag(t, protocol.TagStopRecording))
	assert.Equal(t, 1, notifier.count())
}

func TestRemoteInitiatedRecording(t *testing.T) {
	r, sender, recorder, _ := newTestRouter(time.Second)

	start := time.Now().Add(-2 * time.Second).Truncate(time.Millisecond)
	dispatch(r, protocol.StartRecording{StartUnixMilli: start.UnixMilli()})

	assert.Equal(t, RecordingActive, r.RecordingState())
	assert.Equal(t, 1, recorder.starts)
	assert.Equal(t, start.UnixMilli(), recorder.lastTime.UnixMilli(), "mirrors the remote session timestamp")
	// The start is echoed back so the remote's handshake completes.
	assert.Equal(t, 1, sender.countTag(t, protocol.TagStartRecording))
}

func TestRemoteInitiatedRecordingRecorderFailure(t *testing.T) {
	r, sender, recorder, notifier := newTestRouter(time.Second)
	recorder.failNext = true

	dispatch(r, protocol.StartRecording{StartUnixMilli: time.Now().UnixMilli()})

	assert.Equal(t, RecordingIdle, r.RecordingState())
	assert.Equal(t, 1, sender.countTag(t, protocol.TagStopRecording), "remote is told to stop")
	assert.Equal(t, 1, notifier.count())
}

func TestStopRecordingIsUnconditional(t *testing.T) {
	r, sender, recorder, _ := newTestRouter(time.Second)

	r.RequestStartRecording()
	dispatch(r, protocol.StartRecording{StartUnixMilli: time.Now().UnixMilli()})
	require.Equal(t, RecordingActive, r.RecordingState())

	r.RequestStopRecording()
	assert.Equal(t, RecordingIdle, r.RecordingState())
	assert.Equal(t, 1, sender.countTag(t, protocol.TagStopRecording))
	assert.GreaterOrEqual(t, recorder.stops, 1)

	// Stopping while already idle stays idle and still tells the remote.
	r.RequestStopRecording()
	assert.Equal(t, RecordingIdle, r.RecordingState())
	assert.Equal(t, 2, sender.countTag(t, protocol.TagStopRecording))
}

func TestReceivedStopIsNotEchoed(t *testing.T) {
	r, sender, _, _ := newTestRouter(time.Second)

	r.RequestStartRecording()
	dispatch(r, protocol.StartRecording{StartUnixMilli: time.Now().UnixMilli()})
	require.Equal(t, RecordingActive, r.RecordingState())

	dispatch(r, protocol.StopRecording{})
	assert.Equal(t, RecordingIdle, r.RecordingState())
	assert.Zero(t, sender.countTag(t, protocol.TagStopRecording), "a received stop must not bounce back")
}

func TestDispatchRoutesByTag(t *testing.T) {
	r, _, _, _ := newTestRouter(time.Second)

	var gps []protocol.GPSUpdate
	var sensors [][]byte
	r.Handle(protocol.TagGPSUpdate, func(msg protocol.Message) {
		gps = append(gps, msg.(protocol.GPSUpdate))
	})
	r.Handle(protocol.TagSensorUpdate, func(msg protocol.Message) {
		sensors = append(sensors, msg.(protocol.SensorUpdate).Data)
	})

	dispatch(r, protocol.GPSUpdate{Latitude: 35.2, Longitude: -97.4, Altitude: 360})
	dispatch(r, protocol.SensorUpdate{Data: []byte{9, 8, 7}})
	dispatch(r, protocol.DriveOverrideStart{}) // no handler registered: dropped

	require.Len(t, gps, 1)
	assert.InDelta(t, 35.2, gps[0].Latitude, 1e-9)
	require.Len(t, sensors, 1)
	assert.Equal(t, []byte{9, 8, 7}, sensors[0])
}

func TestDispatchDropsMalformedAndUnknown(t *testing.T) {
	r, sender, _, notifier := newTestRouter(time.Second)

	r.Dispatch([]byte{0x01, 0x02})          // shorter than a tag
	r.Dispatch([]byte{0xEE, 0xEE, 0, 0})    // unknown tag value
	r.Dispatch(nil)                         // empty frame
	assert.Zero(t, sender.countTag(t, protocol.TagStopRecording))
	assert.Zero(t, notifier.count())
	assert.Equal(t, RecordingIdle, r.RecordingState())
}

func TestRecordingTagHandlersCannotBeOverridden(t *testing.T) {
	r, _, recorder, _ := newTestRouter(time.Second)

	called := false
	r.Handle(protocol.TagStartRecording, func(protocol.Message) { called = true })

	dispatch(r, protocol.StartRecording{StartUnixMilli: time.Now().UnixMilli()})
	assert.False(t, called, "recording handshake stays router-owned")
	assert.Equal(t, 1, recorder.starts)
}
