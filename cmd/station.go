package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/openrover/groundstation/config"
	"github.com/openrover/groundstation/internal/channel"
	"github.com/openrover/groundstation/internal/media"
	"github.com/openrover/groundstation/internal/protocol"
	"github.com/openrover/groundstation/internal/router"
	"github.com/openrover/groundstation/internal/station"
	"github.com/openrover/groundstation/internal/util"
)

// NewStationCommand creates the 'station' subcommand: the long-running
// ground-station control plane.
func NewStationCommand() *cobra.Command {
	var (
		address          string
		port             int
		simulatedLatency time.Duration
		verbose          bool
	)

	cmd := &cobra.Command{
		Use:           "station",
		Short:         "Run the ground-station control plane",
		Long:          `Connect to the rover's command channel and supervise the local media pipelines. Runs until interrupted.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			util.InitLogger(verbose, config.GetLogFile())

			cfg := station.ConfigFromViper()
			if address != "" {
				cfg.RoverAddress = address
			}
			if cmd.Flags().Changed("port") {
				cfg.CommandPort = port
			}
			if cmd.Flags().Changed("simulated-latency") {
				cfg.SimulatedLatency = simulatedLatency
			}
			if cfg.RoverAddress == "" {
				return fmt.Errorf("no rover address configured; pass --address or set OPENROVER_ROVER_ADDRESS")
			}

			c := station.New(cfg, &consoleEvents{}, logRecorder{})
			if err := c.Start(); err != nil {
				return err
			}
			color.Green("Station up, connecting to %s:%d", cfg.RoverAddress, cfg.CommandPort)

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			<-sig

			color.Yellow("Shutting down")
			c.Stop()
			return nil
		},
		Example: `  # Connect to the rover at 10.1.0.2
  groundstation station --address 10.1.0.2

  # Rehearse a high-latency link
  groundstation station --address 10.1.0.2 --simulated-latency 250ms`,
	}

	flags := cmd.Flags()
	flags.StringVarP(&address, "address", "a", "", "Rover address (overrides config)")
	flags.IntVarP(&port, "port", "p", 5010, "Rover command channel port")
	flags.DurationVar(&simulatedLatency, "simulated-latency", 0, "Artificial per-direction frame delay")
	flags.BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	return cmd
}

// consoleEvents prints station events as colored status lines. A graphical
// front end would replace this with its own Events implementation.
type consoleEvents struct{}

func (consoleEvents) OnConnectionStateChanged(s channel.State) {
	switch s {
	case channel.StateConnected:
		color.Green("Rover connected")
	case channel.StateDisconnected:
		color.Red("Rover connection lost, reconnecting")
	case channel.StateClosed:
		color.Yellow("Command channel closed")
	}
}

func (consoleEvents) OnRTTChanged(rtt time.Duration) {
	util.GetLogger().Debug("rtt updated", "rtt", rtt)
}

func (consoleEvents) OnRecordingStateChanged(s router.RecordingState) {
	color.Cyan("Recording: %s", s)
}

func (consoleEvents) OnNotification(n router.Notification) {
	switch n.Severity {
	case router.SeverityError:
		color.Red("%s: %s", n.Title, n.Detail)
	case router.SeverityWarning:
		color.Yellow("%s: %s", n.Title, n.Detail)
	default:
		color.White("%s: %s", n.Title, n.Detail)
	}
}

func (consoleEvents) OnGPSUpdate(g protocol.GPSUpdate) {
	util.GetLogger().Info("gps", "lat", g.Latitude, "lon", g.Longitude, "alt", g.Altitude)
}

func (consoleEvents) OnSensorData(data []byte) {
	util.GetLogger().Debug("sensor data", "bytes", len(data))
}

func (consoleEvents) OnDriveOverrideChanged(active bool) {
	if active {
		color.Yellow("Rover entered autonomous drive override")
	} else {
		color.Green("Manual drive control restored")
	}
}

func (consoleEvents) OnControllerStatus(ok bool) {
	if !ok {
		color.Red("Rover reports controller fault")
	}
}

func (consoleEvents) OnAudioStreaming(port int) {
	color.Green("Audio streaming on port %d", port)
}

func (consoleEvents) OnCameraStreaming(id media.MediaID, port int) {
	color.Green("Camera %d streaming on port %d", id, port)
}

func (consoleEvents) OnMediaStopped(id media.MediaID) {
	util.GetLogger().Info("media source stopped", "media_id", id)
}

// logRecorder is the default recording collaborator: it only journals the
// session boundaries. Data persistence lives with the telemetry tooling,
// not in this binary.
type logRecorder struct{}

func (logRecorder) Start(start time.Time) error {
	util.GetLogger().Info("recording session started", "session_start", start)
	return nil
}

func (logRecorder) Stop() {
	util.GetLogger().Info("recording session stopped")
}
