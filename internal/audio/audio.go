// Package audio captures microphone input as 16-bit little-endian PCM.
package audio

import "errors"

// ErrNoDevice is returned when no capture device is present.
var ErrNoDevice = errors.New("audio: no capture device")

// BytesPerSample is the size of one S16 sample.
const BytesPerSample = 2

// Config describes the capture format.
type Config struct {
	SampleRate uint32
	Channels   uint32
}

// DataFunc receives captured PCM. The slice is owned by the callee.
type DataFunc func(pcm []byte)

// Capture is a microphone.
type Capture interface {
	// Available reports whether a capture device can be opened.
	Available() error
	Start(onData DataFunc) error
	Stop() error
	Close()
}
