package worker

import (
	"fmt"

	"go.temporal.io/sdk/temporal"

	"github.com/instill-ai/indexing-backend/pkg/repository"

	errorsx "github.com/instill-ai/x/errors"
)

// StageKind is the outcome class of a stage.
type StageKind int

const (
	// StageOK means the unit of work completed.
	StageOK StageKind = iota
	// StageRecoverable means the unit of work failed but the attempt
	// carries on.
	StageRecoverable
	// StageFatal means the attempt must end.
	StageFatal
)

func (k StageKind) String() string {
	switch k {
	case StageOK:
		return "ok"
	case StageRecoverable:
		return "recoverable"
	case StageFatal:
		return "fatal"
	}
	return fmt.Sprintf("StageKind(%d)", int(k))
}

// StageResult is what a DocFetching or DocProcessing stage returns at its
// boundary, instead of an error that would have to be classified later.
type StageResult struct {
	Kind StageKind
	Err  error
	// Retry reports whether running the same unit of work again may
	// succeed. Only recoverable failures are retried.
	Retry bool
	// Status is the terminal status a fatal failure moves the attempt to.
	// Empty leaves the attempt untouched, e.g. when the worker turns out
	// not to own it.
	Status repository.IndexingStatus
	// Code classifies the failure for the workflow that ran the stage.
	Code TerminalCode
}

func stageOK() StageResult {
	return StageResult{Kind: StageOK, Code: CodeSucceeded}
}

func stageRecoverable(err error, retry bool) StageResult {
	return StageResult{Kind: StageRecoverable, Err: err, Retry: retry}
}

func stageFatal(code TerminalCode, status repository.IndexingStatus, err error) StageResult {
	return StageResult{Kind: StageFatal, Err: err, Status: status, Code: code}
}

// Failed reports whether the stage didn't complete.
func (r StageResult) Failed() bool {
	return r.Kind != StageOK
}

// applicationError converts the result into the error an activity returns.
// Fatal failures and recoverable failures that can't be retried are
// non-retryable, so that Temporal doesn't run the stage a second time.
func (r StageResult) applicationError(errType string) error {
	if !r.Failed() {
		return nil
	}

	err := r.Err
	if err == nil {
		err = fmt.Errorf("%s failure", r.Kind)
	}
	if r.Kind == StageRecoverable && r.Retry {
		return temporal.NewApplicationErrorWithCause(errorsx.MessageOrErr(err), errType, err)
	}
	return temporal.NewNonRetryableApplicationError(errorsx.MessageOrErr(err), errType, err)
}
