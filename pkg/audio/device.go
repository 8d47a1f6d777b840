package audio

import (
	"context"
	"errors"
)

var (
	// ErrPermissionDenied means the operating system refused access to the device.
	ErrPermissionDenied = errors.New("audio: permission denied")

	// ErrDeviceUnavailable means no usable device exists or it could not be opened.
	ErrDeviceUnavailable = errors.New("audio: device unavailable")
)

// DeviceError reports a failure to acquire or drive an audio device. It is
// fatal to the session that hit it. Kind is [ErrPermissionDenied] or
// [ErrDeviceUnavailable]; Err holds the backend cause.
type DeviceError struct {
	Device string
	Kind   error
	Err    error
}

func (e *DeviceError) Error() string {
	if e.Err == nil {
		return e.Kind.Error() + ": " + e.Device
	}
	return e.Kind.Error() + ": " + e.Device + ": " + e.Err.Error()
}

// Unwrap exposes both the kind and the backend cause to errors.Is.
func (e *DeviceError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Source produces fixed-size float sample blocks from a microphone.
//
// Open starts capture and returns a channel delivering one block per hardware
// period at the source's sample rate. The source holds at most one pending
// block: if the consumer is not ready the block is dropped. The channel is
// closed when the source is closed, ctx is cancelled, or the device fails.
//
// Close releases the device and is safe to call more than once.
type Source interface {
	Open(ctx context.Context) (<-chan []float32, error)
	Close() error
}

// Sink plays decoded audio in the order it is written.
//
// Write queues buf behind everything already written and must not block for
// the duration of playback. Flush discards all queued audio immediately.
// Close releases the device and is safe to call more than once.
type Sink interface {
	Write(buf Buffer) error
	Flush() error
	Close() error
}
