package capture

import (
	"errors"
	"fmt"
)

var (
	// ErrPermissionDenied is returned by [Pipeline.Start] when the operating
	// system or the user refused microphone access.
	ErrPermissionDenied = errors.New("capture: microphone permission denied")

	// ErrDeviceUnavailable is returned by [Pipeline.Start] when no input device
	// exists or the device could not be opened.
	ErrDeviceUnavailable = errors.New("capture: input device unavailable")
)

// DeviceError carries the driver-level cause of a failed start alongside one
// of [ErrPermissionDenied] or [ErrDeviceUnavailable].
type DeviceError struct {
	Kind error
	Err  error
}

func (e *DeviceError) Error() string {
	if e.Err == nil {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%v: %v", e.Kind, e.Err)
}

// Unwrap exposes both the kind sentinel and the cause to errors.Is / errors.As.
func (e *DeviceError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// classify maps a Source failure to a *DeviceError. Errors that already carry
// one of the sentinels keep it; anything else is treated as an unavailable
// device.
func classify(err error) *DeviceError {
	var de *DeviceError
	if errors.As(err, &de) {
		return de
	}
	if errors.Is(err, ErrPermissionDenied) {
		return &DeviceError{Kind: ErrPermissionDenied, Err: err}
	}
	return &DeviceError{Kind: ErrDeviceUnavailable, Err: err}
}

// Permission is the last known microphone permission state.
type Permission int

const (
	PermissionUnknown Permission = iota
	PermissionGranted
	PermissionDenied
)

// String returns the permission name.
func (p Permission) String() string {
	switch p {
	case PermissionGranted:
		return "granted"
	case PermissionDenied:
		return "denied"
	default:
		return "unknown"
	}
}
