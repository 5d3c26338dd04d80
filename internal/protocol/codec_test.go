package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
	}{
		{"heartbeat_probe", Heartbeat{Echo: false, SentUnixNano: 1724650000123456789}},
		{"heartbeat_echo", Heartbeat{Echo: true, SentUnixNano: 42}},
		{"status_ok", StatusUpdate{ControllerOK: true}},
		{"status_error", StatusUpdate{ControllerOK: false}},
		{"media_error", MediaError{MediaID: 3, Message: "device disconnected"}},
		{"media_error_empty", MediaError{MediaID: 0, Message: ""}},
		{"gps", GPSUpdate{Latitude: 35.2059, Longitude: -97.4457, Altitude: 361.5}},
		{"drive_override_start", DriveOverrideStart{}},
		{"drive_override_end", DriveOverrideEnd{}},
		{"sensor", SensorUpdate{Data: []byte{0x01, 0x02, 0xff, 0x00, 0x7f}}},
		{"start_recording", StartRecording{StartUnixMilli: 1724650000000}},
		{"stop_recording", StopRecording{}},
		{"stop_all_cameras", StopAllCameras{}},
		{"activate_audio", ActivateAudio{Profile: "opus-64k"}},
		{"deactivate_audio", DeactivateAudio{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := Encode(tt.msg)
			require.GreaterOrEqual(t, len(encoded), 4, "encoded message must at least hold a tag")

			gotTag := Tag(binary.LittleEndian.Uint32(encoded[:4]))
			assert.Equal(t, tt.msg.Tag(), gotTag, "tag must precede payload")

			decoded, err := Decode(encoded)
			require.NoError(t, err)
			assert.Equal(t, tt.msg, decoded)
		})
	}
}

func TestDecodeShortBuffers(t *testing.T) {
	msgs := []Message{
		Heartbeat{SentUnixNano: 99},
		StatusUpdate{ControllerOK: true},
		MediaError{MediaID: 1, Message: "boom"},
		GPSUpdate{Latitude: 1, Longitude: 2, Altitude: 3},
		SensorUpdate{Data: []byte{1, 2, 3}},
		StartRecording{StartUnixMilli: 5},
		ActivateAudio{Profile: "opus-64k"},
	}

	// Every strict prefix of a valid encoding must fail cleanly with
	// ErrMalformedMessage, regardless of where it is truncated.
	for _, msg := range msgs {
		encoded := Encode(msg)
		for cut := 0; cut < len(encoded); cut++ {
			_, err := Decode(encoded[:cut])
			require.Error(t, err, "tag %s truncated at %d", msg.Tag(), cut)
			assert.True(t, errors.Is(err, ErrMalformedMessage), "tag %s truncated at %d: %v", msg.Tag(), cut, err)
		}
	}
}

func TestDecodeUnknownTag(t *testing.T) {
	buf := binary.LittleEndian.AppendUint32(nil, uint32(tagCount)+7)
	_, err := Decode(buf)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformedMessage))
}

func TestDecodeBogusBlobLength(t *testing.T) {
	// A length prefix claiming more bytes than the buffer holds must not
	// read out of bounds.
	buf := binary.LittleEndian.AppendUint32(nil, uint32(TagSensorUpdate))
	buf = binary.LittleEndian.AppendUint32(buf, 0xFFFFFFF0)
	_, err := Decode(buf)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformedMessage))
}

func TestFrameRoundTrip(t *testing.T) {
	var stream bytes.Buffer
	first := Encode(GPSUpdate{Latitude: 10, Longitude: 20, Altitude: 30})
	second := Encode(StopRecording{})

	require.NoError(t, WriteFrame(&stream, first))
	require.NoError(t, WriteFrame(&stream, second))

	got, err := ReadFrame(&stream)
	require.NoError(t, err)
	assert.Equal(t, first, got)

	got, err = ReadFrame(&stream)
	require.NoError(t, err)
	assert.Equal(t, second, got)

	_, err = ReadFrame(&stream)
	assert.Equal(t, io.EOF, err)
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var stream bytes.Buffer
	header := make([]byte, 4)
	binary.LittleEndian.PutUint32(header, MaxFrameSize+1)
	stream.Write(header)

	_, err := ReadFrame(&stream)
	require.Error(t, err)
}
