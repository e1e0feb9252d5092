package system

import "errors"

var (
	// ErrNoEvents is returned by GetLatestEvent when the cloud has no events.
	ErrNoEvents = errors.New("system: no events returned")
	// ErrUnsupported is returned for operations the system version lacks.
	ErrUnsupported = errors.New("system: not supported by this system version")
)

// PinError rejects a PIN change before anything is sent to the cloud.
type PinError struct {
	Reason string
}

func (e *PinError) Error() string {
	return "system: pin: " + e.Reason
}
