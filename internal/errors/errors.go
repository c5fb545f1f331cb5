// Package errors provides domain-specific error types for the packet
// engine.
//
// Three failure classes are expected inputs rather than exceptional
// ones: a transport that cannot bind its port (BindError), a
// destination that cannot be resolved (ResolutionError), and an I/O
// failure inside a worker or session (WorkerError).  None of them is
// fatal; callers surface them as status messages and carry on.
package errors

import (
	"errors"
	"fmt"
	"net"
)

// ── Sentinel errors ──────────────────────────────────────────────────

var (
	ErrTunnelClosed  = errors.New("tunnel is closed")
	ErrNotConnected  = errors.New("not connected")
	ErrSessionClosed = errors.New("session is closed")
	ErrInvalidPacket = errors.New("invalid packet")
	ErrEngineStopped = errors.New("engine is not running")
)

// ── Structured error types ───────────────────────────────────────────

// NetworkError represents a failure in a network operation.
type NetworkError struct {
	Op        string // operation: "dial", "listen", "accept", "write", "read"
	Addr      string // network address involved
	Err       error  // underlying error
	Retryable bool   // whether the caller should retry
}

func (e *NetworkError) Error() string {
	s := fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
	if e.Retryable {
		s += " (retryable)"
	}
	return s
}

func (e *NetworkError) Unwrap() error { return e.Err }

// BindError reports that a transport could not acquire its port.  The
// engine keeps running with that transport disabled.
type BindError struct {
	Transport string // "UDP", "TCP" or "SSL"
	Port      int
	Err       error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind %s port %d: %v", e.Transport, e.Port, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// Privileged reports whether the port is below 1024, where binding
// normally needs elevated permissions.
func (e *BindError) Privileged() bool { return e.Port > 0 && e.Port < 1024 }

// Warning is the user-facing text for the failure.
func (e *BindError) Warning() string {
	if e.Privileged() {
		return fmt.Sprintf("Failed to bind %s to port %d. "+
			"Ports below 1024 require admin/root permissions.", e.Transport, e.Port)
	}
	return fmt.Sprintf("Failed to bind %s to port %d: %v", e.Transport, e.Port, e.Err)
}

// ResolutionError reports that a destination host could not be
// resolved.  The send is still attempted against the unspecified
// address.
type ResolutionError struct {
	Host string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("could not resolve %q", e.Host)
}

// WorkerError is a connect/read/write failure inside a worker or
// persistent session.
type WorkerError struct {
	Op   string // "connect", "read", "write"
	Addr string
	Err  error
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *WorkerError) Unwrap() error { return e.Err }

// SSHError represents an SSH-specific failure with host context.
type SSHError struct {
	Op   string // "handshake", "auth", "hostkey"
	Host string
	Port int
	Err  error
}

func (e *SSHError) Error() string {
	return fmt.Sprintf("ssh %s %s:%d: %v", e.Op, e.Host, e.Port, e.Err)
}

func (e *SSHError) Unwrap() error { return e.Err }

// ConfigError represents an invalid configuration value.
type ConfigError struct {
	Key     string      // settings key
	Value   interface{} // the invalid value (nil if missing)
	Message string      // human-readable explanation
	Hint    string      // suggestion for the user (optional)
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("config: %s", e.Key)
	if e.Value != nil {
		msg += fmt.Sprintf("=%v", e.Value)
	}
	msg += ": " + e.Message
	if e.Hint != "" {
		msg += "\n  hint: " + e.Hint
	}
	return msg
}

// ── Constructors ─────────────────────────────────────────────────────

// Wrap creates a NetworkError, automatically detecting retryability
// from the underlying error.
func Wrap(op, addr string, err error) *NetworkError {
	return &NetworkError{
		Op:        op,
		Addr:      addr,
		Err:       err,
		Retryable: classifyRetryable(err),
	}
}

// WrapSSH creates an SSHError.
func WrapSSH(op, host string, port int, err error) *SSHError {
	return &SSHError{Op: op, Host: host, Port: port, Err: err}
}

// WrapWorker creates a WorkerError.
func WrapWorker(op, addr string, err error) *WorkerError {
	return &WorkerError{Op: op, Addr: addr, Err: err}
}

// ── Classification helpers ───────────────────────────────────────────

// IsRetryable reports whether err is worth retrying.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ne *NetworkError
	if errors.As(err, &ne) {
		return ne.Retryable
	}
	return classifyRetryable(err)
}

// IsTimeout reports whether err is a network timeout, which workers
// treat as "nothing arrived" rather than a failure.
func IsTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// classifyRetryable inspects standard library error types.
func classifyRetryable(err error) bool {
	if err == nil {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Temporary() //nolint:staticcheck // Temporary is deprecated but still useful
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary() //nolint:staticcheck
	}
	return false
}

// ── Re-exports for convenience ───────────────────────────────────────

// As is [errors.As].
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Is is [errors.Is].
func Is(err, target error) bool { return errors.Is(err, target) }

// New is [errors.New].
func New(text string) error { return errors.New(text) }

// Join is [errors.Join].
func Join(errs ...error) error { return errors.Join(errs...) }
