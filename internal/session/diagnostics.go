package session

import (
	"log/slog"
	"sync/atomic"
)

// DiagnosticKind classifies a Diagnostic.
type DiagnosticKind string

const (
	// DivergenceWarning: the peer did not supply a value it was
	// authoritative for, so the server generated its own.
	DivergenceWarning DiagnosticKind = "divergence"
	// ValidationFailure: a peer payload was rejected.
	ValidationFailure DiagnosticKind = "validation"
	// SchedulerFault: an internal invariant was violated.
	SchedulerFault DiagnosticKind = "scheduler_fault"
)

// Diagnostic is a structured notice about a session's coordination.
type Diagnostic struct {
	Kind      DiagnosticKind
	SessionID string
	Channel   int64
	Message   string
}

var reporter atomic.Pointer[func(error)]

// SetErrorReporter installs the process-wide handler for scheduler faults.
// A nil fn restores the default, which logs at error level.
func SetErrorReporter(fn func(error)) {
	if fn == nil {
		reporter.Store(nil)
		return
	}
	reporter.Store(&fn)
}

// ReportError hands err to the process-wide reporter.
func ReportError(err error) {
	if fn := reporter.Load(); fn != nil {
		(*fn)(err)
		return
	}
	slog.Error("session fault", "error", err)
}
