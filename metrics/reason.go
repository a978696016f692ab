package metrics

import "errors"

// UnknownReason is used when no better description of a failure exists.
const UnknownReason = "unknown"

// Coder is implemented by errors that carry a machine readable code,
// for example "ETIMEDOUT".
type Coder interface {
	Code() string
}

// Namer is implemented by errors that expose a stable class name.
type Namer interface {
	Name() string
}

// FailureReason derives the label under which a failure is tallied:
// the error code if any error in the chain has one, else its name,
// else its message, else UnknownReason.
func FailureReason(err error) string {
	if err == nil {
		return UnknownReason
	}
	var c Coder
	if errors.As(err, &c) {
		if code := c.Code(); code != "" {
			return code
		}
	}
	var n Namer
	if errors.As(err, &n) {
		if name := n.Name(); name != "" {
			return name
		}
	}
	if msg := err.Error(); msg != "" {
		return msg
	}
	return UnknownReason
}
