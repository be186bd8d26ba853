package worker

import (
	"errors"
	"fmt"
	"strings"

	"go.temporal.io/sdk/temporal"
)

// TerminalCode is the status a DocFetching run finishes with. The codes
// let the scheduler and the operators tell an attempt that never started
// correctly apart from one that failed while running.
type TerminalCode int

// Terminal codes of a DocFetching run.
const (
	CodeUndefined                TerminalCode = -1
	CodeSucceeded                TerminalCode = 0
	CodeConnectorValidationError TerminalCode = 247
	CodeBlockedByDeletion        TerminalCode = 248
	CodeBlockedByStopSignal      TerminalCode = 249
	CodeFenceNotFound            TerminalCode = 250
	CodeFenceReadinessTimeout    TerminalCode = 251
	CodeFenceMismatch            TerminalCode = 252
	CodeTaskAlreadyRunning       TerminalCode = 253
	CodeIndexAttemptMismatch     TerminalCode = 254
	CodeConnectorExceptioned     TerminalCode = 255
)

var terminalCodeNames = map[TerminalCode]string{
	CodeUndefined:                "undefined",
	CodeSucceeded:                "succeeded",
	CodeConnectorValidationError: "connector_validation_error",
	CodeBlockedByDeletion:        "blocked_by_deletion",
	CodeBlockedByStopSignal:      "blocked_by_stop_signal",
	CodeFenceNotFound:            "fence_not_found",
	CodeFenceReadinessTimeout:    "fence_readiness_timeout",
	CodeFenceMismatch:            "fence_mismatch",
	CodeTaskAlreadyRunning:       "task_already_running",
	CodeIndexAttemptMismatch:     "index_attempt_mismatch",
	CodeConnectorExceptioned:     "connector_exceptioned",
}

func (c TerminalCode) String() string {
	if name, ok := terminalCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("TerminalCode(%d)", int(c))
}

const terminalErrorTypePrefix = "DocFetching:"

// ErrorType is the Temporal application error type DocFetching fails with.
func (c TerminalCode) ErrorType() string {
	return terminalErrorTypePrefix + c.String()
}

// OwnsAttempt reports whether a run that ended with the code was the
// legitimate worker of its attempt. Fence failures mean another task owns
// the attempt, or nobody does yet, so the attempt must be left alone.
func (c TerminalCode) OwnsAttempt() bool {
	switch c {
	case CodeFenceNotFound, CodeFenceReadinessTimeout, CodeFenceMismatch, CodeTaskAlreadyRunning, CodeIndexAttemptMismatch:
		return false
	}
	return true
}

// TerminalCodeOf recovers the terminal code from an activity error. Errors
// that don't carry a code, e.g. timeouts, are reported as
// CodeUndefined.
func TerminalCodeOf(err error) TerminalCode {
	if err == nil {
		return CodeSucceeded
	}

	var appErr *temporal.ApplicationError
	if !errors.As(err, &appErr) {
		return CodeUndefined
	}

	name, ok := strings.CutPrefix(appErr.Type(), terminalErrorTypePrefix)
	if !ok {
		return CodeUndefined
	}
	for code, n := range terminalCodeNames {
		if n == name {
			return code
		}
	}
	return CodeUndefined
}
