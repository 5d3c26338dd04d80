package protocol

import "time"

// Tag discriminates a command-channel message's kind and payload layout.
// The enumeration is closed and versioned: both ends must agree on it, and
// decoding rejects values outside the known range.
type Tag uint32

const (
	// TagHeartbeat frames are consumed by the channel layer for liveness and
	// RTT probing; they are never surfaced to message handlers.
	TagHeartbeat Tag = iota
	TagStatusUpdate
	TagMediaError
	TagGPSUpdate
	TagDriveOverrideStart
	TagDriveOverrideEnd
	TagSensorUpdate
	TagStartRecording
	TagStopRecording
	TagStopAllCameras
	TagActivateAudio
	TagDeactivateAudio

	tagCount
)

func (t Tag) String() string {
	switch t {
	case TagHeartbeat:
		return "heartbeat"
	case TagStatusUpdate:
		return "status_update"
	case TagMediaError:
		return "media_error"
	case TagGPSUpdate:
		return "gps_update"
	case TagDriveOverrideStart:
		return "drive_override_start"
	case TagDriveOverrideEnd:
		return "drive_override_end"
	case TagSensorUpdate:
		return "sensor_update"
	case TagStartRecording:
		return "start_recording"
	case TagStopRecording:
		return "stop_recording"
	case TagStopAllCameras:
		return "stop_all_cameras"
	case TagActivateAudio:
		return "activate_audio"
	case TagDeactivateAudio:
		return "deactivate_audio"
	}
	return "unknown"
}

// Message is one decoded command-channel message.
type Message interface {
	Tag() Tag
}

// Heartbeat is a channel-internal liveness probe. Echo is false on the
// original probe and true on the reply; SentUnixNano is carried unchanged so
// the prober can compute the round trip.
type Heartbeat struct {
	Echo         bool
	SentUnixNano int64
}

func (Heartbeat) Tag() Tag { return TagHeartbeat }

// StatusUpdate reports the health of the rover's drive controller board.
type StatusUpdate struct {
	ControllerOK bool
}

func (StatusUpdate) Tag() Tag { return TagStatusUpdate }

// MediaError reports a streaming failure for one media source.
type MediaError struct {
	MediaID int32
	Message string
}

func (MediaError) Tag() Tag { return TagMediaError }

// GPSUpdate carries one position fix.
type GPSUpdate struct {
	Latitude  float64
	Longitude float64
	Altitude  float64
}

func (GPSUpdate) Tag() Tag { return TagGPSUpdate }

// DriveOverrideStart signals that the rover is being driven by serial
// override and will ignore network drive commands.
type DriveOverrideStart struct{}

func (DriveOverrideStart) Tag() Tag { return TagDriveOverrideStart }

// DriveOverrideEnd signals that the rover resumed accepting network drive
// commands.
type DriveOverrideEnd struct{}

func (DriveOverrideEnd) Tag() Tag { return TagDriveOverrideEnd }

// SensorUpdate carries a raw sensor sample block; the layout is owned by the
// sensor parser collaborator, not by this protocol.
type SensorUpdate struct {
	Data []byte
}

func (SensorUpdate) Tag() Tag { return TagSensorUpdate }

// StartRecording requests (or acknowledges) a synchronized data recording
// session starting at the given timestamp.
type StartRecording struct {
	StartUnixMilli int64
}

func (StartRecording) Tag() Tag { return TagStartRecording }

// StartTime returns the session start as a time.Time.
func (m StartRecording) StartTime() time.Time {
	return time.UnixMilli(m.StartUnixMilli)
}

// StopRecording unconditionally ends a recording session.
type StopRecording struct{}

func (StopRecording) Tag() Tag { return TagStopRecording }

// StopAllCameras tears down every camera pipeline on the remote side.
type StopAllCameras struct{}

func (StopAllCameras) Tag() Tag { return TagStopAllCameras }

// ActivateAudio asks the remote side to start its audio pipeline with the
// given encoding profile.
type ActivateAudio struct {
	Profile string
}

func (ActivateAudio) Tag() Tag { return TagActivateAudio }

// DeactivateAudio asks the remote side to stop its audio pipeline.
type DeactivateAudio struct{}

func (DeactivateAudio) Tag() Tag { return TagDeactivateAudio }
