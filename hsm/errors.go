package hsm

import "fmt"

// InvalidArgumentError reports a request the client refuses to send, such as
// a digest whose length does not match the signature algorithm.
type InvalidArgumentError struct {
	Reason string
}

func (e *InvalidArgumentError) Error() string {
	return "hsm: invalid argument: " + e.Reason
}

// TransientError reports a transport-level failure. Callers may retry; the
// client itself retries within its polling budget.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("hsm: service unavailable: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// RemoteError reports that the signing service accepted the request and then
// declared it failed, or answered with a malformed protocol exchange.
type RemoteError struct {
	Reason string
}

func (e *RemoteError) Error() string {
	return "hsm: remote failure: " + e.Reason
}

// TimeoutError reports that the polling budget was exhausted before the
// operation reached a terminal state.
type TimeoutError struct {
	OperationID string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("hsm: operation %s did not complete within the polling budget", e.OperationID)
}
