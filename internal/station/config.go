package station

import "github.com/openrover/groundstation/config"

// ConfigFromViper snapshots the viper-backed settings into a Config.
func ConfigFromViper() Config {
	return Config{
		RoverAddress:  config.GetRoverAddress(),
		CommandPort:   config.GetCommandPort(),
		AudioPort:     config.GetAudioPort(),
		VideoPortBase: config.GetVideoPortBase(),
		MediaRPCPort:  config.GetMediaRPCPort(),

		AudioProfile:     config.GetAudioProfile(),
		VideoProfile:     config.GetVideoProfile(),
		UseHardwareAccel: config.GetUseHardwareAccel(),

		HeartbeatInterval:   config.GetHeartbeatInterval(),
		HeartbeatMissLimit:  config.GetHeartbeatMissLimit(),
		DialTimeout:         config.GetDialTimeout(),
		MaxReconnectBackoff: config.GetMaxReconnectBackoff(),
		RecordingWatchdog:   config.GetRecordingWatchdog(),
		SimulatedLatency:    config.GetSimulatedLatency(),
	}
}
