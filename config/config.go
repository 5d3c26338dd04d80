package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"
)

var v *viper.Viper

func init() {
	v = viper.New()

	// Set default values
	v.SetDefault("rover.address", "")
	v.SetDefault("rover.command_port", 5010)
	v.SetDefault("rover.audio_port", 5017)
	v.SetDefault("rover.video_port_base", 5020)

	v.SetDefault("channel.heartbeat_interval", "1s")
	v.SetDefault("channel.heartbeat_miss_limit", 3)
	v.SetDefault("channel.dial_timeout", "5s")
	v.SetDefault("channel.max_reconnect_backoff", "15s")
	v.SetDefault("channel.simulated_latency", "0s")

	v.SetDefault("recording.watchdog", "5s")

	v.SetDefault("media.rpc_port", 0) // 0 = pick a free localhost port
	v.SetDefault("media.audio_profile", "opus-64k")
	v.SetDefault("media.video_profile", "h264-2500k")
	v.SetDefault("media.use_hardware_accel", true)

	// Set default station home directory
	v.SetDefault("station.home", filepath.Join(xdg.Home, ".openrover"))
	v.SetDefault("station.log_file", "")

	// Environment variables
	v.AutomaticEnv()
	v.BindEnv("rover.address", "OPENROVER_ROVER_ADDRESS")
	v.BindEnv("rover.command_port", "OPENROVER_COMMAND_PORT")
	v.BindEnv("channel.simulated_latency", "OPENROVER_SIMULATED_LATENCY")
	v.BindEnv("media.use_hardware_accel", "OPENROVER_USE_HWACCEL")
	v.BindEnv("station.home", "OPENROVER_HOME")

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	// Look for config in the following paths
	configPaths := []string{
		".",
		"$HOME/.openrover",
		"/etc/openrover",
	}

	for _, path := range configPaths {
		expandedPath := os.ExpandEnv(path)
		v.AddConfigPath(expandedPath)
	}

	// Read config file if it exists
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Config file was found but another error was produced
			panic(fmt.Sprintf("Fatal error reading config file: %s", err))
		}
		// Config file not found; ignore error and use defaults
	}
}

// GetRoverAddress returns the rover's IP address or hostname.
// Empty means unset; the station refuses to start without it.
func GetRoverAddress() string {
	return v.GetString("rover.address")
}

// GetCommandPort returns the rover command channel port
func GetCommandPort() int {
	return v.GetInt("rover.command_port")
}

// GetAudioPort returns the UDP port audio pipelines sink to
func GetAudioPort() int {
	return v.GetInt("rover.audio_port")
}

// GetVideoPortBase returns the first UDP port used for camera pipelines;
// camera N sinks to base+N-1
func GetVideoPortBase() int {
	return v.GetInt("rover.video_port_base")
}

// GetHeartbeatInterval returns the command channel heartbeat probe interval
func GetHeartbeatInterval() time.Duration {
	return v.GetDuration("channel.heartbeat_interval")
}

// GetHeartbeatMissLimit returns how many unanswered probes mark the channel disconnected
func GetHeartbeatMissLimit() int {
	return v.GetInt("channel.heartbeat_miss_limit")
}

// GetDialTimeout returns the per-attempt connect timeout
func GetDialTimeout() time.Duration {
	return v.GetDuration("channel.dial_timeout")
}

// GetMaxReconnectBackoff returns the reconnect backoff ceiling
func GetMaxReconnectBackoff() time.Duration {
	return v.GetDuration("channel.max_reconnect_backoff")
}

// GetSimulatedLatency returns the artificial per-direction frame delay
func GetSimulatedLatency() time.Duration {
	return v.GetDuration("channel.simulated_latency")
}

// GetRecordingWatchdog returns the recording handshake watchdog timeout
func GetRecordingWatchdog() time.Duration {
	return v.GetDuration("recording.watchdog")
}

// GetMediaRPCPort returns the localhost port the media RPC listener binds to
func GetMediaRPCPort() int {
	return v.GetInt("media.rpc_port")
}

// GetAudioProfile returns the default audio encoding profile
func GetAudioProfile() string {
	return v.GetString("media.audio_profile")
}

// GetVideoProfile returns the default video encoding profile
func GetVideoProfile() string {
	return v.GetString("media.video_profile")
}

// GetUseHardwareAccel reports whether pipelines should prefer VAAPI encoders
func GetUseHardwareAccel() bool {
	return v.GetBool("media.use_hardware_accel")
}

// GetStationHome returns the station home directory
func GetStationHome() string {
	return v.GetString("station.home")
}

// GetLogFile returns the rolling log file path, or a default under the
// station home when unset
func GetLogFile() string {
	if f := v.GetString("station.log_file"); f != "" {
		return f
	}
	return filepath.Join(GetStationHome(), "log", "groundstation.log")
}
