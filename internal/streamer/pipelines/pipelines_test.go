package pipelines

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProfile(t *testing.T) {
	tests := []struct {
		name    string
		want    Profile
		wantErr bool
	}{
		{name: "h264-2500k", want: Profile{Codec: "h264", BitrateKbs: 2500}},
		{name: "opus-64k", want: Profile{Codec: "opus", BitrateKbs: 64}},
		{name: "h264", wantErr: true},
		{name: "h264-fastk", wantErr: true},
		{name: "h264-0k", wantErr: true},
		{name: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseProfile(tt.name)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCameraPipeline(t *testing.T) {
	desc, err := Camera("/dev/video2", "10.1.0.2", 5021, "h264-2500k", false)
	require.NoError(t, err)
	assert.Contains(t, desc, "v4l2src device=/dev/video2")
	assert.Contains(t, desc, "x264enc tune=zerolatency")
	assert.Contains(t, desc, "bitrate=2500")
	assert.Contains(t, desc, "udpsink host=10.1.0.2 port=5021")

	desc, err = Camera("/dev/video2", "10.1.0.2", 5021, "h264-2500k", true)
	require.NoError(t, err)
	assert.Contains(t, desc, "vaapih264enc")
	assert.NotContains(t, desc, "x264enc")
}

func TestStereoPipelineCompositesSideBySide(t *testing.T) {
	desc, err := Stereo("/dev/video4", "/dev/video5", "10.1.0.2", 5023, "vp8-1500k", false)
	require.NoError(t, err)
	assert.Contains(t, desc, "compositor name=mix sink_0::xpos=0 sink_1::xpos=640")
	assert.Contains(t, desc, "v4l2src device=/dev/video4")
	assert.Contains(t, desc, "v4l2src device=/dev/video5")
	assert.Contains(t, desc, "mix.sink_0")
	assert.Contains(t, desc, "mix.sink_1")
	assert.Contains(t, desc, "vp8enc deadline=1 target-bitrate=1500000")
}

func TestAudioPipeline(t *testing.T) {
	desc, err := Audio("hw:1", "10.1.0.2", 5017, "opus-64k")
	require.NoError(t, err)
	assert.Contains(t, desc, "alsasrc device=hw:1")
	assert.Contains(t, desc, "opusenc bitrate=64000")
	assert.Contains(t, desc, "udpsink host=10.1.0.2 port=5017")

	_, err = Audio("hw:1", "10.1.0.2", 5017, "flac-900k")
	assert.Error(t, err)
}

func TestUnsupportedVideoCodec(t *testing.T) {
	_, err := Camera("/dev/video2", "10.1.0.2", 5021, "theora-800k", false)
	assert.Error(t, err)
}
