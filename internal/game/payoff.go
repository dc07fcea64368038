// Package game implements the payoff rules of the public goods game.
package game

import (
	"math"
)

// Outcome is the result of resolving one round's contribution pair.
type Outcome struct {
	// Share is the per-player slice of the pooled contribution.
	Share float64
	// Remainder is the leftover after splitting, carried into the next
	// round's pot. Zero on the last round of a session.
	Remainder float64
	// NetGainHuman and NetGainBot are Share minus the respective contribution.
	NetGainHuman float64
	NetGainBot   float64
}

// ComputeRound resolves a contribution pair into a payoff split.
//
// The pool is the two contributions plus the pot carried over from the
// previous round. If the pool reaches threshold it is multiplied before
// splitting. The pool is then floor-divided between the two players; the
// leftover becomes the next round's pot, except on the session's last round
// where it is discarded.
//
// Callers must validate contributions against the configured maximum; the
// engine itself does not clamp. The function is pure and deterministic.
func ComputeRound(human, bot int, carriedPot, threshold, multiplier float64, lastRound bool) Outcome {
	pool := float64(human+bot) + carriedPot
	if pool >= threshold {
		pool *= multiplier
	}
	share := math.Floor(pool / 2)
	remainder := pool - 2*share
	if lastRound {
		remainder = 0
	}
	return Outcome{
		Share:        share,
		Remainder:    remainder,
		NetGainHuman: share - float64(human),
		NetGainBot:   share - float64(bot),
	}
}

// ApplyNet adds a net gain to a running balance. Under the integer profile
// the result is rounded to the nearest token after every step; under the
// floating profile the raw score is kept.
func ApplyNet(balance, net float64, integerProfile bool) float64 {
	out := balance + net
	if integerProfile {
		return math.Round(out)
	}
	return out
}
