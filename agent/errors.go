package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// TimeoutError reports that an RPC missed its deadline. The agent's process
// table is unaffected; the caller may re-issue the call.
type TimeoutError struct {
	Op       string
	Deadline time.Time
}

// Error implements error.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("Agent call %q timed out (deadline %s)", e.Op, e.Deadline.Format(time.RFC3339Nano))
}

// UnavailableError reports that the transport to the agent is down. It is
// deliberately distinct from TimeoutError: a timeout means the agent may
// still be processing, unavailable means the channel itself is gone and the
// caller should reconcile by reconnecting or tearing the sandbox down.
type UnavailableError struct {
	Op    string
	Cause string
}

// Error implements error.
func (e *UnavailableError) Error() string {
	return fmt.Sprintf("Agent transport unavailable during %q: %s", e.Op, e.Cause)
}

// Error carries a guest-returned RPC status verbatim.
type Error struct {
	Op      string
	Status  codes.Code
	Message string
}

// Error implements error.
func (e *Error) Error() string {
	return fmt.Sprintf("Agent call %q failed: %s (%s)", e.Op, e.Message, e.Status)
}

// mapError converts a transport error into the typed taxonomy.
func mapError(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}

	deadline, _ := ctx.Deadline()

	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Op: op, Deadline: deadline}
	}

	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("Agent call %q failed: %w", op, err)
	}

	switch st.Code() {
	case codes.DeadlineExceeded:
		return &TimeoutError{Op: op, Deadline: deadline}
	case codes.Unavailable:
		return &UnavailableError{Op: op, Cause: st.Message()}
	default:
		return &Error{Op: op, Status: st.Code(), Message: st.Message()}
	}
}
