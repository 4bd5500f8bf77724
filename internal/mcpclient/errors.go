package mcpclient

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotConnected is returned by tool invocations while the session is not
// in the connected state. No network I/O is attempted.
var ErrNotConnected = errors.New("mcpclient: not connected to tool server")

// ConnectError reports a failed connection handshake after all attempts
// were exhausted. Unwrap exposes the final attempt's error.
type ConnectError struct {
	Attempts int
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("mcpclient: connect failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// UnknownToolError reports a call to a tool absent from the discovered
// catalog. The call is rejected locally without touching the transport.
type UnknownToolError struct {
	Name      string
	Available []string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("mcpclient: unknown tool %q (available: %s)",
		e.Name, strings.Join(e.Available, ", "))
}

// ToolError reports that the server executed the tool and returned a
// tool-level failure. The transport and session remain healthy.
type ToolError struct {
	Name    string
	Message string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("mcpclient: tool %q failed: %s", e.Name, e.Message)
}

// TransportError reports a protocol or connection fault during an operation
// on an established session. The session transitions to disconnected.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("mcpclient: transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
