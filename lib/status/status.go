package status

import "errors"

// Code is the closed set of outcomes reported by mailboxes, pools and work queues.
// Every Code other than Success is usable as an error value, so callers check
// results with errors.Is(err, status.NotFound).
type Code int

const (
	Success         Code = iota // Operation completed
	InvalidArgument             // Malformed or missing caller input
	NotSupported                // Operation invalid for the object's current state
	AlreadyExist                // Duplicate listener or queue registration
	NotFound                    // Unknown id on update, cancel or remove
	NotAllowed                  // Operation attempted after shutdown was initiated
	Timeout                     // Bounded wait elapsed with no event

	// Control-flow signals exchanged between a pool's control handler and its
	// worker loop. They never reach external callers.
	Finished
	HaltRequested
	RestartNeeded
	PauseRequested
)

// String returns a human-readable representation of the status code
func (c Code) String() string {
	switch c {
	case Success:
		return "success"
	case InvalidArgument:
		return "invalid_argument"
	case NotSupported:
		return "not_supported"
	case AlreadyExist:
		return "already_exist"
	case NotFound:
		return "not_found"
	case NotAllowed:
		return "not_allowed"
	case Timeout:
		return "timeout"
	case Finished:
		return "finished"
	case HaltRequested:
		return "halt_requested"
	case RestartNeeded:
		return "restart_needed"
	case PauseRequested:
		return "pause_requested"
	default:
		return "unknown"
	}
}

// Error implements the error interface
func (c Code) Error() string {
	return "mqmx: " + c.String()
}

// Err converts a code to an error, mapping Success to nil.
func (c Code) Err() error {
	if c == Success {
		return nil
	}
	return c
}

// CodeOf extracts the status code carried by err.
// A nil error is Success; an error that wraps no Code is reported as NotSupported.
func CodeOf(err error) Code {
	if err == nil {
		return Success
	}
	var c Code
	if errors.As(err, &c) {
		return c
	}
	return NotSupported
}
