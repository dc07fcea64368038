// Package opponent provides the counterpart-contribution policies.
package opponent

import (
	"context"
	"errors"

	"github.com/behavlab/publicgoods/internal/domain"
)

var (
	// ErrUpstreamUnavailable indicates the external predictor call failed.
	// The round must not be resolved or persisted; a fresh submission of the
	// same round is treated as a new attempt.
	ErrUpstreamUnavailable = errors.New("opponent: predictor unavailable")

	// ErrMalformedResponse indicates the predictor returned a payload that
	// does not parse to an in-range integer contribution.
	ErrMalformedResponse = errors.New("opponent: malformed predictor response")
)

// Policy produces the counterpart's contribution for the journey's current
// round. Implementations read prior rounds from the journey transcript; the
// in-flight round is never part of that context.
type Policy interface {
	NextContribution(ctx context.Context, j *domain.Journey) (int, error)
}
