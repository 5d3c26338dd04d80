// Package streamer is the child process side of the media supervisor. One
// streamer owns at most one GStreamer pipeline at a time; it reports its
// lifecycle to the parent over the supervisor's RPC link and exits when the
// parent retires it.
package streamer

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tinyzimmer/go-gst/gst"

	"github.com/openrover/groundstation/internal/media/rpc"
	"github.com/openrover/groundstation/internal/streamer/pipelines"
	"github.com/openrover/groundstation/internal/util"
)

// Distinct exit codes per failure class, so the parent's spawn log shows
// why a child died even when the RPC link never came up.
const (
	ExitOK                = 0
	ExitParentUnreachable = 12
	ExitHelloFailed       = 13
	ExitParentLost        = 14
)

// Options configures one streamer child. All values come from the command
// line the parent spawned us with.
type Options struct {
	HandleID string
	RPCURL   string
	Token    string
}

// Streamer runs the child's command loop.
type Streamer struct {
	opts Options
	conn *websocket.Conn
	wmu  sync.Mutex

	mu        sync.Mutex
	pipeline  *gst.Pipeline
	busCancel context.CancelFunc
	stopping  bool
}

// Run connects back to the parent and serves commands until the parent
// stops us or the link breaks. Returns the process exit code.
func Run(opts Options) int {
	log := util.GetLogger()
	gst.Init(nil)

	conn, _, err := websocket.DefaultDialer.Dial(opts.RPCURL, nil)
	if err != nil {
		log.Error("cannot reach parent rpc listener", "url", opts.RPCURL, "error", err)
		return ExitParentUnreachable
	}
	s := &Streamer{opts: opts, conn: conn}
	defer conn.Close()

	hello, err := rpc.New(rpc.TypeHello, opts.HandleID, rpc.HelloPayload{Token: opts.Token, PID: pid()})
	if err != nil || s.write(hello) != nil {
		log.Error("hello handshake failed")
		return ExitHelloFailed
	}
	s.sendReady()
	log.Info("streamer connected", "handle", opts.HandleID)

	for {
		var env rpc.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			s.freePipeline()
			s.mu.Lock()
			stopping := s.stopping
			s.mu.Unlock()
			if stopping {
				return ExitOK
			}
			log.Error("lost parent connection", "error", err)
			return ExitParentLost
		}
		if env.HandleID != opts.HandleID {
			continue
		}
		switch env.Type {
		case rpc.TypeStream:
			var p rpc.StreamPayload
			if err := env.DecodePayload(&p); err != nil {
				s.sendError("malformed stream command: " + err.Error())
				continue
			}
			s.stream(p)
		case rpc.TypeStreamStereo:
			var p rpc.StereoPayload
			if err := env.DecodePayload(&p); err != nil {
				s.sendError("malformed stereo command: " + err.Error())
				continue
			}
			s.streamStereo(p)
		case rpc.TypeStop:
			s.mu.Lock()
			s.stopping = true
			s.mu.Unlock()
			s.freePipeline()
			log.Info("stopped by parent")
			return ExitOK
		default:
			log.Warn("unknown command dropped", "type", env.Type)
		}
	}
}

// stream tears down any running pipeline and starts a single-source one.
// Audio and camera pipelines differ only in the description; device names
// starting with a v4l2 path select the camera builder.
func (s *Streamer) stream(p rpc.StreamPayload) {
	var desc string
	var err error
	if isAudioDevice(p.Device) {
		desc, err = pipelines.Audio(p.Device, p.Address, p.Port, p.Profile)
	} else {
		desc, err = pipelines.Camera(p.Device, p.Address, p.Port, p.Profile, p.UseHardwareAccel)
	}
	if err != nil {
		s.sendError(err.Error())
		return
	}
	s.launch(desc)
}

func (s *Streamer) streamStereo(p rpc.StereoPayload) {
	desc, err := pipelines.Stereo(p.LeftDevice, p.RightDevice, p.Address, p.Port, p.Profile, p.UseHardwareAccel)
	if err != nil {
		s.sendError(err.Error())
		return
	}
	s.launch(desc)
}

// launch replaces the current pipeline with one built from desc and starts
// it. Reports streaming on success, an error envelope on failure.
func (s *Streamer) launch(desc string) {
	s.freePipeline()
	util.GetLogger().Info("launching pipeline", "description", desc)

	pipeline, err := gst.NewPipelineFromString(desc)
	if err != nil {
		s.sendError("pipeline construction failed: " + err.Error())
		return
	}
	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		_ = pipeline.SetState(gst.StateNull)
		s.sendError("pipeline failed to start: " + err.Error())
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.pipeline = pipeline
	s.busCancel = cancel
	s.mu.Unlock()
	go s.watchBus(ctx, pipeline)

	s.send(rpc.TypeStreaming, nil)
}

// watchBus polls the pipeline bus and reports EOS or errors upward. Either
// one frees the pipeline; the child stays alive for the parent to retire.
func (s *Streamer) watchBus(ctx context.Context, pipeline *gst.Pipeline) {
	bus := pipeline.GetPipelineBus()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageEOS:
			s.freePipeline()
			s.sendError("end of stream")
			s.sendReady()
			return
		case gst.MessageError:
			gerr := msg.ParseError()
			util.GetLogger().Error("pipeline error", "error", gerr.Error(), "debug", gerr.DebugString())
			s.freePipeline()
			s.sendError(gerr.Error())
			// The parent decides whether this child gets another pipeline
			// or is retired; idle again either way.
			s.sendReady()
			return
		}
	}
}

// freePipeline stops the bus watch and drops the pipeline to NULL. Safe to
// call with no pipeline running.
func (s *Streamer) freePipeline() {
	s.mu.Lock()
	pipeline := s.pipeline
	cancel := s.busCancel
	s.pipeline = nil
	s.busCancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if pipeline != nil {
		_ = pipeline.SetState(gst.StateNull)
	}
}

func (s *Streamer) sendReady() { s.send(rpc.TypeReady, nil) }

func (s *Streamer) sendError(msg string) {
	util.GetLogger().Error("reporting pipeline error", "detail", msg)
	s.send(rpc.TypeError, rpc.ErrorPayload{Message: msg})
}

func (s *Streamer) send(typ string, payload any) {
	env, err := rpc.New(typ, s.opts.HandleID, payload)
	if err != nil {
		return
	}
	_ = s.write(env)
}

func (s *Streamer) write(env rpc.Envelope) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.conn.WriteJSON(env)
}

func pid() int { return os.Getpid() }

// isAudioDevice distinguishes ALSA device names ("hw:1", "default") from
// v4l2 device paths ("/dev/video2").
func isAudioDevice(device string) bool {
	return !strings.HasPrefix(device, "/dev/video")
}
