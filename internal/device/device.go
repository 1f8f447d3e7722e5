// Package device provides the audio input and output streams used by the
// engine: microphone capture through malgo and playback through oto.
package device

import (
	"errors"
)

// ErrNotFound is returned when a requested device ID is not present.
var ErrNotFound = errors.New("audio device not found")

// Kind distinguishes capture from playback devices.
type Kind string

const (
	KindInput  Kind = "input"
	KindOutput Kind = "output"
)

// DefaultID selects the system default device.
const DefaultID = "default"

// Info describes one enumerated device.
type Info struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Kind    Kind   `json:"kind"`
	Default bool   `json:"default"`
}

// Input is a capture stream. Read never blocks; it fills frame with the
// oldest buffered samples and pads with silence on underrun, returning the
// number of captured samples copied.
type Input interface {
	Start() error
	Read(frame []float32) int
	Stop() error
	Close() error
}

// Output is a playback stream. Write never blocks; on overflow the oldest
// queued samples are discarded.
type Output interface {
	Start() error
	Write(frame []float32) int
	Stop() error
	Close() error
}

// Provider opens streams and lists devices. An empty ID means the default.
type Provider interface {
	OpenInput(id string) (Input, error)
	OpenOutput(id string) (Output, error)
	Devices() ([]Info, error)
}

func isDefault(id string) bool {
	return id == "" || id == DefaultID
}
