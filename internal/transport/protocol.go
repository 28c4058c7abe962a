package transport

import (
	"strings"

	"github.com/MrWong99/duplexa/internal/pipeline"
	"github.com/MrWong99/duplexa/pkg/audio"
)

// Message types. Every frame on the wire is a JSON object whose "type"
// field selects the shape; unknown types are ignored on read.
const (
	typeConfig  = "config"
	typeAudio   = "audio"
	typeCommand = "command"
	typeDevices = "devices"
	typeStats   = "stats"
	typeOK      = "ok"
	typeError   = "error"
)

// Commands a client may issue inside a command message.
const (
	cmdListDevices    = "list_devices"
	cmdSetDevice      = "set_device"
	cmdGetStats       = "get_stats"
	cmdStart          = "start"
	cmdStop           = "stop"
	cmdCalibrateNoise = "calibrate_noise"
)

// configMessage is the first message a client receives. It describes the
// payload of every audio message that follows: interleaved little-endian
// int16 PCM, optionally compressed per the encoding field.
type configMessage struct {
	Type       string `json:"type"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Format     string `json:"format"`
	FrameSize  int    `json:"frame_size"`
	Encoding   string `json:"encoding"`
}

// audioMessage carries one frame in either direction. Timestamp is
// milliseconds since the pipeline started, 0 for client-injected audio.
type audioMessage struct {
	Type        string `json:"type"`
	Payload     string `json:"payload"` // base64 per the session encoding
	TimestampMS int64  `json:"timestamp"`
}

// clientMessage is the catch-all for inbound frames: the audio fields and
// the arguments of every command, flattened the way clients send them.
type clientMessage struct {
	Type string `json:"type"`

	// audio
	Payload string `json:"payload,omitempty"`

	// command
	Command string  `json:"command,omitempty"`
	Device  string  `json:"device,omitempty"`  // set_device: id or human name
	Kind    string  `json:"kind,omitempty"`    // set_device: "input" or "output"
	Seconds float64 `json:"seconds,omitempty"` // calibrate_noise
}

// deviceEntry is the wire form of one audio device.
type deviceEntry struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	Kind          string  `json:"kind"`
	SampleRate    float64 `json:"sample_rate"`
	DefaultInput  bool    `json:"default_input,omitempty"`
	DefaultOutput bool    `json:"default_output,omitempty"`
	Active        bool    `json:"active,omitempty"`
}

type devicesReply struct {
	Type    string        `json:"type"`
	Devices []deviceEntry `json:"devices"`
}

type statsReply struct {
	Type  string              `json:"type"`
	Stats pipeline.Statistics `json:"stats"`
}

type okReply struct {
	Type    string `json:"type"`
	Command string `json:"command,omitempty"`
}

type errorReply struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// toDeviceEntry converts a device snapshot for the wire, marking whether it
// is the currently active selection.
func toDeviceEntry(d audio.DeviceInfo, activeInput, activeOutput string) deviceEntry {
	return deviceEntry{
		ID:            d.ID,
		Name:          d.Name,
		Kind:          strings.ToLower(d.Type().String()),
		SampleRate:    d.DefaultSampleRate,
		DefaultInput:  d.DefaultInput,
		DefaultOutput: d.DefaultOutput,
		Active:        d.ID == activeInput || d.ID == activeOutput,
	}
}
