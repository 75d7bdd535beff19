package worker

import (
	"errors"

	"mailwarm/transport"

	"github.com/sony/gobreaker"
)

// Classify is where the worker decides whether a send failure is retried.
func Classify(err error) *transport.Error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		if te, ok := transport.AsError(err); ok {
			return te
		}
		return transport.Transient(transport.ReasonCircuitOpen, err)
	}
	return transport.Classify(err)
}

// retryable is the predicate handed to the retry policy.
func retryable(err error) bool {
	return Classify(err).Retryable()
}

// bounced reports whether a terminal failure counts against the pair as a bounce.
func bounced(reason string) bool {
	return reason == transport.ReasonInvalidRecipient || reason == transport.ReasonRejected
}
