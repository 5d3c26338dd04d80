package protocol

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// ErrMalformedMessage is returned when a buffer is too short for its tag's
// layout or carries a tag outside the known enumeration. Callers log and
// drop; a bad frame is never fatal.
var ErrMalformedMessage = errors.New("malformed message")

// All fixed-width fields are little-endian. The tag always precedes the
// payload; strings and byte blobs are uint32-length-prefixed.

// Encode serializes a message to its wire form.
func Encode(msg Message) []byte {
	buf := make([]byte, 0, 64)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(msg.Tag()))

	switch m := msg.(type) {
	case Heartbeat:
		buf = appendBool(buf, m.Echo)
		buf = binary.LittleEndian.AppendUint64(buf, uint64(m.SentUnixNano))
	case StatusUpdate:
		buf = appendBool(buf, m.ControllerOK)
	case MediaError:
		buf = binary.LittleEndian.AppendUint32(buf, uint32(m.MediaID))
		buf = appendString(buf, m.Message)
	case GPSUpdate:
		buf = appendFloat64(buf, m.Latitude)
		buf = appendFloat64(buf, m.Longitude)
		buf = appendFloat64(buf, m.Altitude)
	case DriveOverrideStart, DriveOverrideEnd, StopRecording, StopAllCameras, DeactivateAudio:
		// tag only
	case SensorUpdate:
		buf = appendBlob(buf, m.Data)
	case StartRecording:
		buf = binary.LittleEndian.AppendUint64(buf, uint64(m.StartUnixMilli))
	case ActivateAudio:
		buf = appendString(buf, m.Profile)
	}
	return buf
}

// Decode parses one message from buf. It validates lengths before building
// the result, so a malformed buffer never yields a partially-filled message
// or an out-of-bounds read.
func Decode(buf []byte) (Message, error) {
	r := reader{buf: buf}
	tag := Tag(r.uint32())
	if r.err != nil {
		return nil, errors.Wrap(ErrMalformedMessage, "buffer shorter than tag")
	}
	if tag >= tagCount {
		return nil, errors.Wrapf(ErrMalformedMessage, "unknown tag %d", uint32(tag))
	}

	var msg Message
	switch tag {
	case TagHeartbeat:
		msg = Heartbeat{Echo: r.bool(), SentUnixNano: r.int64()}
	case TagStatusUpdate:
		msg = StatusUpdate{ControllerOK: r.bool()}
	case TagMediaError:
		msg = MediaError{MediaID: int32(r.uint32()), Message: r.string()}
	case TagGPSUpdate:
		msg = GPSUpdate{Latitude: r.float64(), Longitude: r.float64(), Altitude: r.float64()}
	case TagDriveOverrideStart:
		msg = DriveOverrideStart{}
	case TagDriveOverrideEnd:
		msg = DriveOverrideEnd{}
	case TagSensorUpdate:
		msg = SensorUpdate{Data: r.blob()}
	case TagStartRecording:
		msg = StartRecording{StartUnixMilli: r.int64()}
	case TagStopRecording:
		msg = StopRecording{}
	case TagStopAllCameras:
		msg = StopAllCameras{}
	case TagActivateAudio:
		msg = ActivateAudio{Profile: r.string()}
	case TagDeactivateAudio:
		msg = DeactivateAudio{}
	}
	if r.err != nil {
		return nil, errors.Wrapf(ErrMalformedMessage, "short payload for tag %s", tag)
	}
	return msg, nil
}

func appendBool(buf []byte, b bool) []byte {
	if b {
		return append(buf, 1)
	}
	return append(buf, 0)
}

func appendFloat64(buf []byte, f float64) []byte {
	return binary.LittleEndian.AppendUint64(buf, math.Float64bits(f))
}

func appendString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

func appendBlob(buf, b []byte) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(b)))
	return append(buf, b...)
}

// reader consumes fixed-layout fields from a buffer. The first failed read
// sticks; every later accessor returns a zero value.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.buf) {
		r.err = ErrMalformedMessage
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) uint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *reader) int64() int64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return int64(binary.LittleEndian.Uint64(b))
}

func (r *reader) float64() float64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(b))
}

func (r *reader) bool() bool {
	b := r.take(1)
	return b != nil && b[0] != 0
}

func (r *reader) string() string {
	return string(r.blob())
}

func (r *reader) blob() []byte {
	n := r.uint32()
	if r.err != nil {
		return nil
	}
	b := r.take(int(n))
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}
