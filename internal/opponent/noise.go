package opponent

import (
	"context"
	"math/rand/v2"

	"github.com/behavlab/publicgoods/internal/domain"
)

// NoisyMimic mimics the participant's most recent contribution with uniform
// integer noise in [-2, +2], clamped to [0, max]. Its first move in a session
// is drawn uniformly from [0, max].
type NoisyMimic struct {
	max int
	rng *rand.Rand
}

// NewNoisyMimic builds the noise policy. Tests inject a seeded source for
// reproducible draws; a nil source uses the shared process-wide generator,
// which unlike *rand.Rand is safe under concurrent requests.
func NewNoisyMimic(maxContribution int, rng *rand.Rand) *NoisyMimic {
	return &NoisyMimic{max: maxContribution, rng: rng}
}

func (p *NoisyMimic) intN(n int) int {
	if p.rng != nil {
		return p.rng.IntN(n)
	}
	return rand.IntN(n)
}

// NextContribution implements Policy.
func (p *NoisyMimic) NextContribution(_ context.Context, j *domain.Journey) (int, error) {
	prev, ok := j.LastContribution()
	if !ok {
		return p.intN(p.max + 1), nil
	}

	noise := p.intN(5) - 2
	c := prev + noise
	if c < 0 {
		c = 0
	}
	if c > p.max {
		c = p.max
	}
	return c, nil
}
