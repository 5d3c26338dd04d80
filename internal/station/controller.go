// Package station wires the command channel, message router and media
// supervisor into one explicitly constructed controller. The presentation
// layer talks to the Controller and listens on its Events interface; no
// package-level singletons.
package station

import (
	"fmt"
	"sync"
	"time"

	"github.com/openrover/groundstation/internal/channel"
	"github.com/openrover/groundstation/internal/media"
	"github.com/openrover/groundstation/internal/protocol"
	"github.com/openrover/groundstation/internal/router"
	"github.com/openrover/groundstation/internal/util"
)

// Events is the upward interface toward the presentation layer. Callbacks
// arrive from the controller's internal goroutines; implementations must
// hand off to their own loop and must not call Controller methods
// synchronously from within a callback.
type Events interface {
	OnConnectionStateChanged(s channel.State)
	OnRTTChanged(rtt time.Duration)
	OnRecordingStateChanged(s router.RecordingState)
	OnNotification(n router.Notification)
	OnGPSUpdate(g protocol.GPSUpdate)
	OnSensorData(data []byte)
	OnDriveOverrideChanged(active bool)
	OnControllerStatus(ok bool)
	// OnAudioStreaming reports the local port audio playback should bind.
	OnAudioStreaming(port int)
	OnCameraStreaming(id media.MediaID, port int)
	OnMediaStopped(id media.MediaID)
}

// Config collects everything the controller needs. Built from viper by
// ConfigFromViper, or by hand in tests.
type Config struct {
	RoverAddress  string
	CommandPort   int
	AudioPort     int
	VideoPortBase int
	MediaRPCPort  int

	AudioProfile     string
	VideoProfile     string
	UseHardwareAccel bool

	HeartbeatInterval   time.Duration
	HeartbeatMissLimit  int
	DialTimeout         time.Duration
	MaxReconnectBackoff time.Duration
	RecordingWatchdog   time.Duration
	SimulatedLatency    time.Duration
}

// Controller owns the channel, router and supervisor and keeps the
// bookkeeping that spans them: which handle serves which media source and
// which pipeline a freshly spawned child should start once it is ready.
type Controller struct {
	cfg    Config
	events Events

	ch  *channel.Channel
	rt  *router.Router
	sup *media.Supervisor

	mu          sync.Mutex
	audioHandle string
	cameras     map[media.MediaID]string
	pending     map[string]media.PipelineSpec
}

// New wires a controller. The recorder collaborator owns recorded-data
// persistence; the controller only drives its lifecycle.
func New(cfg Config, events Events, recorder router.Recorder) *Controller {
	c := &Controller{
		cfg:     cfg,
		events:  events,
		cameras: make(map[media.MediaID]string),
		pending: make(map[string]media.PipelineSpec),
	}

	c.ch = channel.New(
		channel.Endpoint{Host: cfg.RoverAddress, Port: cfg.CommandPort, Transport: channel.TransportStream},
		channel.Options{
			HeartbeatInterval:   cfg.HeartbeatInterval,
			HeartbeatMissLimit:  cfg.HeartbeatMissLimit,
			DialTimeout:         cfg.DialTimeout,
			MaxReconnectBackoff: cfg.MaxReconnectBackoff,
		},
	)
	c.rt = router.New(c.ch, recorder, notifierFunc(c.notify), cfg.RecordingWatchdog)
	c.sup = media.NewSupervisor(c)

	c.ch.OnMessage(c.rt.Dispatch)
	c.ch.OnStateChanged(func(s channel.State) { c.events.OnConnectionStateChanged(s) })
	c.ch.OnRTTChanged(func(rtt time.Duration) { c.events.OnRTTChanged(rtt) })
	c.rt.OnRecordingStateChanged(func(s router.RecordingState) { c.events.OnRecordingStateChanged(s) })

	c.rt.Handle(protocol.TagGPSUpdate, func(msg protocol.Message) {
		c.events.OnGPSUpdate(msg.(protocol.GPSUpdate))
	})
	c.rt.Handle(protocol.TagSensorUpdate, func(msg protocol.Message) {
		c.events.OnSensorData(msg.(protocol.SensorUpdate).Data)
	})
	c.rt.Handle(protocol.TagDriveOverrideStart, func(protocol.Message) {
		c.events.OnDriveOverrideChanged(true)
	})
	c.rt.Handle(protocol.TagDriveOverrideEnd, func(protocol.Message) {
		c.events.OnDriveOverrideChanged(false)
	})
	c.rt.Handle(protocol.TagStatusUpdate, func(msg protocol.Message) {
		c.events.OnControllerStatus(msg.(protocol.StatusUpdate).ControllerOK)
	})
	c.rt.Handle(protocol.TagMediaError, func(msg protocol.Message) {
		m := msg.(protocol.MediaError)
		c.notify(router.Notification{
			Severity: router.SeverityError,
			Title:    mediaTitle(media.MediaID(m.MediaID)) + " Error",
			Detail:   m.Message,
		})
	})
	c.rt.Handle(protocol.TagActivateAudio, func(msg protocol.Message) {
		m := msg.(protocol.ActivateAudio)
		if err := c.startAudio(m.Profile); err != nil {
			util.GetLogger().Error("remote audio activation failed", "error", err)
		}
	})
	c.rt.Handle(protocol.TagDeactivateAudio, func(protocol.Message) {
		c.stopAudio()
	})
	c.rt.Handle(protocol.TagStopAllCameras, func(protocol.Message) {
		c.stopAllCameras()
	})

	return c
}

// Start brings up the media RPC listener and opens the command channel.
func (c *Controller) Start() error {
	if err := c.sup.Start(c.cfg.MediaRPCPort); err != nil {
		return err
	}
	if c.cfg.SimulatedLatency > 0 {
		c.ch.SetSimulatedDelay(c.cfg.SimulatedLatency, c.cfg.SimulatedLatency)
	}
	c.ch.Open()
	return nil
}

// Stop closes the channel and tears down all children. Terminal.
func (c *Controller) Stop() {
	c.ch.Close()
	c.sup.Shutdown()
}

// ConnectionState returns the live command-channel state.
func (c *Controller) ConnectionState() channel.State { return c.ch.State() }

// RTT returns the smoothed round-trip estimate.
func (c *Controller) RTT() time.Duration { return c.ch.RTT() }

// RecordingState returns the recording handshake state.
func (c *Controller) RecordingState() router.RecordingState { return c.rt.RecordingState() }

// StartRecording begins the recording handshake with the rover.
func (c *Controller) StartRecording() { c.rt.RequestStartRecording() }

// StopRecording ends recording locally and tells the rover.
func (c *Controller) StopRecording() { c.rt.RequestStopRecording() }

// SetSimulatedLatency applies the same artificial delay in both directions.
func (c *Controller) SetSimulatedLatency(d time.Duration) {
	c.ch.SetSimulatedDelay(d, d)
}

// ActivateAudio asks the rover to start its audio stream and prepares the
// local playback path.
func (c *Controller) ActivateAudio() {
	c.ch.Send(protocol.Encode(protocol.ActivateAudio{Profile: c.cfg.AudioProfile}))
}

// DeactivateAudio tells the rover to stop streaming audio.
func (c *Controller) DeactivateAudio() {
	c.ch.Send(protocol.Encode(protocol.DeactivateAudio{}))
	c.stopAudio()
}

// StartCamera spawns a streamer child for the camera and starts its
// pipeline once the child reports ready. One device is a mono camera, two
// are a stereo pair. Camera ids are numbered from 1.
func (c *Controller) StartCamera(id media.MediaID, devices []string) error {
	if id < 1 {
		return fmt.Errorf("camera id must be >= 1, got %d", id)
	}
	role := media.RoleCamera
	if len(devices) == 2 {
		role = media.RoleStereoCamera
	}

	c.mu.Lock()
	old := c.cameras[id]
	c.mu.Unlock()
	if old != "" {
		// Retire the previous child before its replacement registers, so
		// OnHandleStopped bookkeeping cannot clobber the new handle.
		c.sup.StopPipeline(old)
	}

	h, err := c.sup.Spawn(role, id)
	if err != nil {
		return err
	}
	spec := media.PipelineSpec{
		Devices:          devices,
		Address:          c.cfg.RoverAddress,
		Port:             c.cameraPort(id),
		Profile:          c.cfg.VideoProfile,
		UseHardwareAccel: c.cfg.UseHardwareAccel,
	}
	c.mu.Lock()
	c.cameras[id] = h.ID
	c.pending[h.ID] = spec
	c.mu.Unlock()
	return nil
}

// StopCamera retires the child serving the camera. No-op when the camera
// is not running.
func (c *Controller) StopCamera(id media.MediaID) {
	c.mu.Lock()
	handleID, ok := c.cameras[id]
	c.mu.Unlock()
	if ok {
		c.sup.StopPipeline(handleID)
	}
}

// StopAllCameras stops every local camera child and tells the rover to do
// the same with its own.
func (c *Controller) StopAllCameras() {
	c.ch.Send(protocol.Encode(protocol.StopAllCameras{}))
	c.stopAllCameras()
}

func (c *Controller) stopAllCameras() {
	c.mu.Lock()
	handles := make([]string, 0, len(c.cameras))
	for _, id := range c.cameras {
		handles = append(handles, id)
	}
	c.mu.Unlock()
	for _, id := range handles {
		c.sup.StopPipeline(id)
	}
}

// startAudio spawns the local audio child streaming to the rover's audio
// port. A running audio child is retired first.
func (c *Controller) startAudio(profile string) error {
	c.stopAudio()
	if profile == "" {
		profile = c.cfg.AudioProfile
	}
	h, err := c.sup.Spawn(media.RoleAudio, media.MediaIDAudio)
	if err != nil {
		return err
	}
	spec := media.PipelineSpec{
		Devices: []string{"default"},
		Address: c.cfg.RoverAddress,
		Port:    c.cfg.AudioPort,
		Profile: profile,
	}
	c.mu.Lock()
	c.audioHandle = h.ID
	c.pending[h.ID] = spec
	c.mu.Unlock()
	return nil
}

func (c *Controller) stopAudio() {
	c.mu.Lock()
	handleID := c.audioHandle
	c.audioHandle = ""
	c.mu.Unlock()
	if handleID != "" {
		c.sup.StopPipeline(handleID)
	}
}

func (c *Controller) cameraPort(id media.MediaID) int {
	return c.cfg.VideoPortBase + int(id) - 1
}

// OnHandleReady starts the pipeline queued for a freshly spawned child.
func (c *Controller) OnHandleReady(h *media.Handle) {
	c.mu.Lock()
	spec, ok := c.pending[h.ID]
	delete(c.pending, h.ID)
	c.mu.Unlock()
	if !ok {
		return
	}
	if err := c.sup.StartPipeline(h.ID, spec); err != nil {
		c.notify(router.Notification{
			Severity: router.SeverityError,
			Title:    mediaTitle(h.MediaID) + " Error",
			Detail:   err.Error(),
		})
	}
}

// OnHandleStreaming surfaces the bound port so playback or display can
// attach to the stream.
func (c *Controller) OnHandleStreaming(h *media.Handle) {
	if h.Role == media.RoleAudio {
		c.events.OnAudioStreaming(c.cfg.AudioPort)
		return
	}
	c.events.OnCameraStreaming(h.MediaID, c.cameraPort(h.MediaID))
}

// OnHandleError reports a failed pipeline to the rover and to the user,
// attributed to the media source the handle served.
func (c *Controller) OnHandleError(h *media.Handle, detail string) {
	c.ch.Send(protocol.Encode(protocol.MediaError{MediaID: int32(h.MediaID), Message: detail}))
	c.notify(router.Notification{
		Severity: router.SeverityError,
		Title:    mediaTitle(h.MediaID) + " Error",
		Detail:   detail,
	})
}

// OnHandleStopped clears the bookkeeping for a retired child.
func (c *Controller) OnHandleStopped(h *media.Handle) {
	c.mu.Lock()
	delete(c.pending, h.ID)
	if c.audioHandle == h.ID {
		c.audioHandle = ""
	}
	if c.cameras[h.MediaID] == h.ID {
		delete(c.cameras, h.MediaID)
	}
	c.mu.Unlock()
	c.events.OnMediaStopped(h.MediaID)
}

func (c *Controller) notify(n router.Notification) {
	c.events.OnNotification(n)
}

func mediaTitle(id media.MediaID) string {
	if id == media.MediaIDAudio {
		return "Audio"
	}
	return fmt.Sprintf("Camera %d", id)
}

// notifierFunc adapts a function to the router.Notifier interface.
type notifierFunc func(router.Notification)

func (f notifierFunc) Notify(n router.Notification) { f(n) }
