// Package pipelines builds gst-launch pipeline descriptions for the
// streamer child. Builders are pure string assembly so they are testable
// without a GStreamer installation.
package pipelines

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Profile is a parsed encoding profile name such as "h264-2500k" or
// "opus-64k": codec, dash, bitrate in kilobits per second.
type Profile struct {
	Codec      string
	BitrateKbs int
}

// ParseProfile parses a profile name.
func ParseProfile(name string) (Profile, error) {
	codec, rate, ok := strings.Cut(name, "-")
	if !ok || !strings.HasSuffix(rate, "k") {
		return Profile{}, errors.Errorf("malformed profile %q, want codec-<n>k", name)
	}
	kbs, err := strconv.Atoi(strings.TrimSuffix(rate, "k"))
	if err != nil || kbs <= 0 {
		return Profile{}, errors.Errorf("malformed profile bitrate in %q", name)
	}
	return Profile{Codec: codec, BitrateKbs: kbs}, nil
}

// Camera builds a single-camera pipeline: capture, encode, RTP payload,
// UDP out.
func Camera(device, address string, port int, profile string, useHardwareAccel bool) (string, error) {
	p, err := ParseProfile(profile)
	if err != nil {
		return "", err
	}
	encode, err := videoEncodeChain(p, useHardwareAccel)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(
		"v4l2src device=%s ! videoconvert ! %s ! udpsink host=%s port=%d",
		device, encode, address, port,
	), nil
}

// Stereo builds a side-by-side stereo pipeline: both cameras are scaled to
// 640x480 and composited left and right into one 1280x480 frame, then
// encoded like a single camera.
func Stereo(leftDevice, rightDevice, address string, port int, profile string, useHardwareAccel bool) (string, error) {
	p, err := ParseProfile(profile)
	if err != nil {
		return "", err
	}
	encode, err := videoEncodeChain(p, useHardwareAccel)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(
		"compositor name=mix sink_0::xpos=0 sink_1::xpos=640 ! videoconvert ! %s ! udpsink host=%s port=%d "+
			"v4l2src device=%s ! videoconvert ! videoscale ! video/x-raw,width=640,height=480 ! mix.sink_0 "+
			"v4l2src device=%s ! videoconvert ! videoscale ! video/x-raw,width=640,height=480 ! mix.sink_1",
		encode, address, port, leftDevice, rightDevice,
	), nil
}

// Audio builds an audio capture pipeline.
func Audio(device, address string, port int, profile string) (string, error) {
	p, err := ParseProfile(profile)
	if err != nil {
		return "", err
	}
	var encode string
	switch p.Codec {
	case "opus":
		// opusenc takes bits per second.
		encode = fmt.Sprintf("opusenc bitrate=%d ! rtpopuspay", p.BitrateKbs*1000)
	case "aac":
		encode = fmt.Sprintf("avenc_aac bitrate=%d ! aacparse ! rtpmp4apay", p.BitrateKbs*1000)
	default:
		return "", errors.Errorf("unsupported audio codec %q", p.Codec)
	}
	return fmt.Sprintf(
		"alsasrc device=%s ! audioconvert ! audioresample ! %s ! udpsink host=%s port=%d",
		device, encode, address, port,
	), nil
}

// videoEncodeChain picks the encoder elements for a video profile.
// Hardware encode uses the VAAPI elements and falls back to nothing; the
// caller decides per config whether to request it.
func videoEncodeChain(p Profile, useHardwareAccel bool) (string, error) {
	switch p.Codec {
	case "h264":
		if useHardwareAccel {
			return fmt.Sprintf(
				"vaapih264enc rate-control=cbr bitrate=%d ! rtph264pay config-interval=1 pt=96",
				p.BitrateKbs,
			), nil
		}
		return fmt.Sprintf(
			"x264enc tune=zerolatency speed-preset=ultrafast bitrate=%d ! rtph264pay config-interval=1 pt=96",
			p.BitrateKbs,
		), nil
	case "vp8":
		// vp8enc takes bits per second.
		return fmt.Sprintf(
			"vp8enc deadline=1 target-bitrate=%d ! rtpvp8pay",
			p.BitrateKbs*1000,
		), nil
	case "mjpeg":
		return "jpegenc ! rtpjpegpay", nil
	default:
		return "", errors.Errorf("unsupported video codec %q", p.Codec)
	}
}
