package worker

import (
	"fmt"

	"github.com/instill-ai/indexing-backend/pkg/types"

	errdomain "github.com/instill-ai/indexing-backend/pkg/errors"
)

// The failure-ratio circuit breaker trips when both thresholds are
// strictly exceeded. It's a fixed pair, not an adaptive rule.
const (
	failureCountThreshold = 3
	failureRatioThreshold = 0.1
)

// checkFailureThreshold returns an error wrapping ErrTooManyFailures when
// too many documents failed. The error also wraps the underlying error of
// the last failure, when there is one.
func checkFailureThreshold(totalFailures, documentCount int, lastFailure *types.ConnectorFailure) error {
	if totalFailures <= failureCountThreshold {
		return nil
	}
	if float64(totalFailures)/float64(max(documentCount, 1)) <= failureRatioThreshold {
		return nil
	}

	if lastFailure != nil && lastFailure.Exception != nil {
		return fmt.Errorf("%d failures out of %d documents, last one %q: %w: %w",
			totalFailures, documentCount, lastFailure.FailureMessage, errdomain.ErrTooManyFailures, lastFailure.Exception)
	}
	return fmt.Errorf("%d failures out of %d documents: %w", totalFailures, documentCount, errdomain.ErrTooManyFailures)
}
