// Package codes describes how a compiler process ended.
package codes

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// Shim exit codes used when the compiler itself never produced a status
const (
	// ExitLaunchFailure mirrors the shell convention for "command not executable"
	ExitLaunchFailure = 126

	// ExitNotFound mirrors the shell convention for "command not found"
	ExitNotFound = 127

	// ExitInternal is returned when the cache itself failed in a way the shim cannot recover
	ExitInternal = 2
)

// ExitDescriptions maps conventional process exit codes to their descriptions
var ExitDescriptions = map[int]string{
	0:                 "Success",
	1:                 "Compilation failed",
	ExitInternal:      "Internal cache error",
	ExitLaunchFailure: "Compiler could not be executed",
	ExitNotFound:      "Compiler not found",
}

// ExitStatus is the recorded outcome of a compiler process.
// Signal is non-zero only when the process was killed by a signal.
type ExitStatus struct {
	Code   int `json:"code"`
	Signal int `json:"signal,omitempty"`
}

// Success returns the zero-status outcome
func Success() ExitStatus {
	return ExitStatus{}
}

// IsSuccess returns true if the process exited cleanly with status 0
func (s ExitStatus) IsSuccess() bool {
	return s.Code == 0 && s.Signal == 0
}

// ShellCode returns the code a shell would report, 128+n for signals
func (s ExitStatus) ShellCode() int {
	if s.Signal != 0 {
		return 128 + s.Signal
	}

	return s.Code
}

// String returns a human readable description
func (s ExitStatus) String() string {
	if s.Signal != 0 {
		return fmt.Sprintf("killed by signal %d", s.Signal)
	}

	return fmt.Sprintf("exit code %d (%s)", s.Code, GetErrorMessage(s.Code))
}

// FromProcessState converts the state of a finished process
func FromProcessState(ps *os.ProcessState) ExitStatus {
	if ps == nil {
		return ExitStatus{Code: -1}
	}

	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return ExitStatus{Code: -1, Signal: int(ws.Signal())}
	}

	return ExitStatus{Code: ps.ExitCode()}
}

// FromError extracts the status carried by an *exec.ExitError.
// ok is false when err does not describe a finished process.
func FromError(err error) (ExitStatus, bool) {
	if err == nil {
		return Success(), true
	}

	if exitErr, ok := err.(*exec.ExitError); ok {
		return FromProcessState(exitErr.ProcessState), true
	}

	return ExitStatus{}, false
}

// GetErrorMessage returns the description for a given exit code, or a generic message if unknown
func GetErrorMessage(code int) string {
	if msg, ok := ExitDescriptions[code]; ok {
		return msg
	}

	if code > 128 && code < 160 {
		return fmt.Sprintf("Terminated by signal %d", code-128)
	}

	return "Unknown error"
}
