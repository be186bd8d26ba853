// package errors contains domain errors that different layers can use to add
// meaning to an error and that the workers can transform into a terminal
// attempt status or a retry policy. This is implemented as a separate package
// in order to avoid cycle import errors.
package errors

import (
	"fmt"

	errorsx "github.com/instill-ai/x/errors"
)

// The following errors serve as domain errors that can be used by the
// different layers.
var (
	// ErrInvalidArgument is used when the provided argument is incorrect.
	ErrInvalidArgument = errorsx.ErrInvalidArgument
	// ErrNotFound is used when a resource doesn't exist.
	ErrNotFound = errorsx.ErrNotFound
	// ErrAlreadyExists is used when a resource can't be created because an
	// equivalent one is live, e.g. a second running attempt for a pair.
	ErrAlreadyExists = errorsx.ErrAlreadyExists

	// ErrBatchNotFound is returned when a staged batch isn't in storage,
	// usually because a previous processing run already consumed it.
	ErrBatchNotFound = errorsx.AddMessage(fmt.Errorf("batch not found"), "The document batch is no longer staged.")
	// ErrFenceMismatch is returned when the worker operating on an index
	// attempt doesn't match the attempt's recorded identity.
	ErrFenceMismatch = fmt.Errorf("index attempt fence mismatch")
	// ErrConnectorValidation is returned when the connector settings or
	// credentials are invalid.
	ErrConnectorValidation = fmt.Errorf("connector validation failed")
	// ErrConnectorStopSignal is returned when the connector or the attempt
	// were paused, deleted or canceled while running.
	ErrConnectorStopSignal = fmt.Errorf("connector stop signal detected")
	// ErrTooManyFailures is returned when the failure-ratio circuit breaker
	// trips.
	ErrTooManyFailures = errorsx.AddMessage(fmt.Errorf("too many document failures"), "Too many documents failed to index.")
	// ErrCheckpointTooLarge is returned when a connector checkpoint exceeds
	// the configured size limit.
	ErrCheckpointTooLarge = fmt.Errorf("checkpoint too large")
	// ErrAttemptNotLive is returned when a task is asked to work on an index
	// attempt that is already terminal or was never dispatched.
	ErrAttemptNotLive = fmt.Errorf("index attempt is not running")
	// ErrLockNotAcquired is returned when a lock is held by someone else.
	ErrLockNotAcquired = fmt.Errorf("lock not acquired")
)
