package opponent

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/behavlab/publicgoods/internal/domain"
)

// Message is one turn of the predictor conversation.
type Message struct {
	Role    string
	Content string
}

// Conversation roles understood by the predictor.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// Completer is the external predictor: it takes an ordered transcript and
// returns free text. It is stateless across calls, so the full transcript is
// re-sent every round.
type Completer interface {
	Complete(ctx context.Context, messages []Message) (string, error)
}

var intPattern = regexp.MustCompile(`-?\d+`)

// AdaptivePredictor asks an external language model for the counterpart's
// contribution, feeding it the rules of the game and the completed rounds of
// the current session. The model's own prior answers appear as model turns,
// so each call sees everything it has said before.
type AdaptivePredictor struct {
	completer Completer
	max       int
	// Session at which the one-time divergence statistic is injected into
	// the prompt (first round only, experimental group only).
	divergenceSession int
	logger            *slog.Logger
}

// NewAdaptivePredictor builds the predictor policy.
func NewAdaptivePredictor(completer Completer, maxContribution, divergenceSession int, logger *slog.Logger) *AdaptivePredictor {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdaptivePredictor{
		completer:         completer,
		max:               maxContribution,
		divergenceSession: divergenceSession,
		logger:            logger,
	}
}

// NextContribution implements Policy. On any upstream or parse failure the
// round is left unresolved: the caller routes the participant to a pending
// view and a fresh submission becomes a new attempt.
func (p *AdaptivePredictor) NextContribution(ctx context.Context, j *domain.Journey) (int, error) {
	messages := p.buildTranscript(j)

	text, err := p.completer.Complete(ctx, messages)
	if err != nil {
		p.logger.Warn("predictor call failed",
			"participant_id", j.ParticipantID,
			"session", j.SessionNum,
			"round", j.RoundNum,
			"error", err)
		return 0, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}

	c, err := p.parseContribution(text)
	if err != nil {
		p.logger.Warn("predictor returned unparseable contribution",
			"participant_id", j.ParticipantID,
			"session", j.SessionNum,
			"round", j.RoundNum,
			"text", text)
		return 0, err
	}
	return c, nil
}

func (p *AdaptivePredictor) buildTranscript(j *domain.Journey) []Message {
	rules := fmt.Sprintf(
		"You are playing a repeated public goods game. Each round both players "+
			"receive tokens and simultaneously contribute between 0 and %d tokens "+
			"to a shared pool. If the pool is large enough it is multiplied, then "+
			"split evenly. Reply with a single integer between 0 and %d: your "+
			"contribution for the next round. Reply with the number only.",
		p.max, p.max)

	messages := []Message{{Role: RoleUser, Content: rules}}

	// The divergence statistic is revealed once, at the head of the
	// designated session, and only to the experimental group.
	if j.Group == domain.GroupExperimental &&
		j.SessionNum == p.divergenceSession &&
		len(j.Transcript) == 0 &&
		j.Divergence != nil {
		messages = append(messages, Message{
			Role: RoleUser,
			Content: fmt.Sprintf(
				"Before this session starts: in the previous session your average "+
					"contribution was %.1f, differing from the historic average of "+
					"%.1f by %+.1f tokens.",
				j.Divergence.BotMean, j.Divergence.BotBaseline, j.Divergence.BotDiff),
		})
	}

	for _, e := range j.Transcript {
		messages = append(messages,
			Message{Role: RoleUser, Content: fmt.Sprintf("Round %d: the other player contributed %d.", e.RoundNum, e.Contribution)},
			Message{Role: RoleModel, Content: strconv.Itoa(e.BotContribution)},
		)
	}

	messages = append(messages, Message{
		Role:    RoleUser,
		Content: fmt.Sprintf("Round %d: what is your contribution?", j.RoundNum),
	})
	return messages
}

func (p *AdaptivePredictor) parseContribution(text string) (int, error) {
	match := intPattern.FindString(strings.TrimSpace(text))
	if match == "" {
		return 0, fmt.Errorf("%w: no integer in %q", ErrMalformedResponse, text)
	}
	c, err := strconv.Atoi(match)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if c < 0 || c > p.max {
		return 0, fmt.Errorf("%w: %d out of range [0,%d]", ErrMalformedResponse, c, p.max)
	}
	return c, nil
}
