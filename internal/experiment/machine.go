// Package experiment implements the session state machine that drives a
// participant's journey through the public goods game: round advancement,
// session transitions, the one-time intervention message, and termination.
package experiment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/behavlab/publicgoods/internal/config"
	"github.com/behavlab/publicgoods/internal/domain"
	"github.com/behavlab/publicgoods/internal/game"
	"github.com/behavlab/publicgoods/internal/opponent"
	"github.com/behavlab/publicgoods/internal/store"
	"github.com/google/uuid"
)

var (
	// ErrInvalidContribution rejects a contribution outside [0, max].
	// Nothing is mutated; the caller re-prompts.
	ErrInvalidContribution = errors.New("experiment: contribution out of range")

	// ErrOutOfPosition signals that the requested action does not match the
	// journey's authoritative position. The caller redirects to Position(j)
	// instead of surfacing an error.
	ErrOutOfPosition = errors.New("experiment: action does not match journey position")
)

// View names the page the journey should be shown next. The core never
// renders markup; it only names views and supplies values.
type View string

const (
	ViewWelcome        View = "welcome"
	ViewInstructions   View = "instructions"
	ViewGame           View = "game"
	ViewWaiting        View = "waiting"
	ViewOutcome        View = "outcome"
	ViewPending        View = "pending"
	ViewMessage        View = "message"
	ViewAverageMessage View = "average_message"
	ViewSurvey         View = "survey"
	ViewResult         View = "result"
)

// Outcome is the resolved result of one round submission.
type Outcome struct {
	Contribution       int
	BotContribution    int
	Share              float64
	NetGain            float64
	ParticipantBalance float64
	BotBalance         float64
	// Replayed is true when the round had already been persisted and the
	// stored outcome was replayed instead of recomputed against the policy.
	Replayed bool
	// Next is the view the participant should see after this submission.
	Next View
}

// SessionResult is one session's final standing on the results view.
type SessionResult struct {
	SessionNum         int
	ParticipantBalance float64
	BotBalance         float64
	AvgContribution    float64
	AvgBotContribution float64
}

// Results is the terminal aggregate view data.
type Results struct {
	Sessions []SessionResult
	Bonus    float64
}

// Machine is the session state machine. All journey mutation goes through it;
// it persists the journey after every accepted transition.
type Machine struct {
	repo   store.Repository
	policy opponent.Policy
	cfg    *config.Config
	logger *slog.Logger
	now    func() time.Time
	rng    *rand.Rand
}

// NewMachine builds the state machine. The random source drives group
// assignment and is injected for reproducible tests; a nil source uses the
// shared process-wide generator, which is safe under concurrent requests.
func NewMachine(repo store.Repository, policy opponent.Policy, cfg *config.Config, rng *rand.Rand, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		repo:   repo,
		policy: policy,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		rng:    rng,
	}
}

func (m *Machine) intN(n int) int {
	if m.rng != nil {
		return m.rng.IntN(n)
	}
	return rand.IntN(n)
}

// Load returns the participant's journey, recovering it when the primary
// state is lost. With no journey row and no persisted rounds the participant
// is new; with persisted rounds the authoritative position is recomputed from
// them, so a lost journey row never corrupts the experiment.
func (m *Machine) Load(ctx context.Context, participantID string) (*domain.Journey, error) {
	j, err := m.repo.GetJourney(ctx, participantID)
	if err != nil {
		return nil, fmt.Errorf("load journey: %w", err)
	}
	if j != nil {
		return j, nil
	}

	last, err := m.repo.LastRound(ctx, participantID)
	if err != nil {
		return nil, fmt.Errorf("load last round: %w", err)
	}

	now := m.now()
	j = &domain.Journey{
		ParticipantID: participantID,
		Phase:         domain.PhaseWelcome,
		CreatedAt:     now,
	}
	if last != nil {
		if err := m.rebuild(ctx, j, last); err != nil {
			return nil, err
		}
		m.logger.Info("recovered journey from persisted rounds",
			"participant_id", participantID,
			"session", j.SessionNum,
			"round", j.RoundNum,
			"phase", j.Phase)
	}
	if err := m.repo.UpsertJourney(ctx, j); err != nil {
		return nil, err
	}
	return j, nil
}

// rebuild reconstructs journey state from persisted rounds. The carried pot
// is not recoverable from round rows and restarts at zero.
func (m *Machine) rebuild(ctx context.Context, j *domain.Journey, last *domain.Round) error {
	rounds, err := m.repo.SessionRounds(ctx, last.ParticipantID, last.SessionNum)
	if err != nil {
		return fmt.Errorf("rebuild journey: %w", err)
	}

	j.Group = last.Group
	j.ProlificPID = last.ProlificPID
	j.ProlificSession = last.ProlificSession
	j.SessionNum = last.SessionNum
	j.ParticipantBalance = last.ParticipantBalance
	j.BotBalance = last.BotBalance
	for _, r := range rounds {
		j.RecordRound(domain.TranscriptEntry{
			RoundNum:        r.RoundNum,
			Contribution:    r.Contribution,
			BotContribution: r.BotContribution,
			Balance:         r.ParticipantBalance,
		})
	}
	j.InterventionShown = last.SessionNum > 1

	sessionOver := last.RoundNum >= m.cfg.Game.RoundsPerSession || !j.CanContinue()
	switch {
	case !sessionOver:
		j.RoundNum = last.RoundNum + 1
		j.Phase = domain.PhaseAwaitingRound
		j.RoundStartedAt = m.now()
	case last.SessionNum == 1 && last.SessionNum < m.cfg.Game.TotalSessions:
		j.RoundNum = last.RoundNum
		j.InterventionShown = true
		j.Phase = domain.PhaseInterventionPending
		if err := m.computeDivergence(ctx, j); err != nil {
			return err
		}
	case last.SessionNum < m.cfg.Game.TotalSessions:
		j.RoundNum = last.RoundNum
		j.Phase = domain.PhaseSessionBoundary
	default:
		j.RoundNum = last.RoundNum
		j.Phase = domain.PhaseSurvey
	}
	return nil
}

// Position maps the journey's phase to the view it should be shown. Handlers
// use it to self-heal stale or out-of-order client requests.
func (m *Machine) Position(j *domain.Journey) View {
	switch j.Phase {
	case domain.PhaseWelcome:
		return ViewWelcome
	case domain.PhaseInstructions:
		return ViewInstructions
	case domain.PhaseAwaitingRound:
		return ViewGame
	case domain.PhaseRoundResolved:
		return ViewOutcome
	case domain.PhaseInterventionPending:
		if j.Group == domain.GroupControl {
			return ViewMessage
		}
		return ViewAverageMessage
	case domain.PhaseSessionBoundary:
		return ViewGame
	case domain.PhaseSurvey:
		return ViewSurvey
	case domain.PhaseTerminal:
		return ViewResult
	default:
		return ViewWelcome
	}
}

// AttachRecruitment records the recruitment platform's identifiers on the
// journey, once. Later requests with different parameters do not overwrite.
func (m *Machine) AttachRecruitment(ctx context.Context, j *domain.Journey, prolificPID, prolificSession string) error {
	if prolificPID == "" || j.ProlificPID != "" {
		return nil
	}
	j.ProlificPID = prolificPID
	j.ProlificSession = prolificSession
	return m.repo.UpsertJourney(ctx, j)
}

// MarkInstructions records that the participant has seen the instructions.
func (m *Machine) MarkInstructions(ctx context.Context, j *domain.Journey) error {
	if j.Phase != domain.PhaseWelcome && j.Phase != domain.PhaseInstructions {
		return nil
	}
	j.Phase = domain.PhaseInstructions
	return m.repo.UpsertJourney(ctx, j)
}

// BeginJourney starts the main game: it assigns the experimental group on
// first entry (immutable thereafter) and opens session 1. Re-entering an
// in-flight journey does not reassign or reset anything.
func (m *Machine) BeginJourney(ctx context.Context, j *domain.Journey) error {
	if j.Phase != domain.PhaseWelcome && j.Phase != domain.PhaseInstructions {
		return ErrOutOfPosition
	}

	if j.Group == "" {
		if m.intN(2) == 0 {
			j.Group = domain.GroupControl
		} else {
			j.Group = domain.GroupExperimental
		}
		m.logger.Info("assigned group", "participant_id", j.ParticipantID, "group", j.Group)
	}
	if j.SessionNum == 0 {
		j.SessionNum = 1
	}

	j.BeginSession(m.cfg.Game.InitialTokens)
	j.Phase = domain.PhaseAwaitingRound
	j.RoundStartedAt = m.now()
	return m.repo.UpsertJourney(ctx, j)
}

// MarkRoundStart stamps the start of the current round's decision window,
// used for the deadline-exceeded flag.
func (m *Machine) MarkRoundStart(ctx context.Context, j *domain.Journey) error {
	if j.Phase != domain.PhaseAwaitingRound {
		return nil
	}
	j.RoundStartedAt = m.now()
	return m.repo.UpsertJourney(ctx, j)
}

// SubmitRound resolves one round: opponent move, payoff, durable record,
// journey advancement. A round already persisted under the same key is
// replayed from the stored row without consulting the policy or re-debiting
// balances. A predictor failure leaves the journey untouched and is returned
// to the caller, who routes to the pending view.
func (m *Machine) SubmitRound(ctx context.Context, j *domain.Journey, contribution int) (*Outcome, error) {
	if j.Phase != domain.PhaseAwaitingRound {
		return nil, ErrOutOfPosition
	}
	if contribution < 0 || contribution > m.cfg.Game.MaxContribution {
		return nil, fmt.Errorf("%w: %d", ErrInvalidContribution, contribution)
	}

	key := domain.RoundKey{ParticipantID: j.ParticipantID, SessionNum: j.SessionNum, RoundNum: j.RoundNum}
	stored, err := m.repo.GetRound(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("check existing round: %w", err)
	}

	var humanC, botC int
	replayed := stored != nil
	if replayed {
		// Double submit of an already-resolved round (page refresh or
		// back-navigation after a crash between insert and journey save).
		// Replay the stored pair; the payoff recomputes identically.
		humanC = stored.Contribution
		botC = stored.BotContribution
	} else {
		humanC = contribution
		botC, err = m.policy.NextContribution(ctx, j)
		if err != nil {
			return nil, err
		}
	}

	isLast := j.RoundNum >= m.cfg.Game.RoundsPerSession
	out := game.ComputeRound(humanC, botC, j.Pot, m.cfg.Game.MultiplierThreshold, m.cfg.Game.Multiplier, isLast)

	integer := m.cfg.IntegerBalances()
	newParticipant := game.ApplyNet(j.ParticipantBalance, out.NetGainHuman, integer)
	newBot := game.ApplyNet(j.BotBalance, out.NetGainBot, integer)
	if replayed {
		// The stored row is authoritative; never re-debit on a replay.
		newParticipant = stored.ParticipantBalance
		newBot = stored.BotBalance
		out.NetGainHuman = stored.NetGain
	}

	now := m.now()
	startedAt := j.RoundStartedAt
	if startedAt.IsZero() {
		startedAt = now
	}

	if !replayed {
		row := &domain.Round{
			ID:                 uuid.NewString(),
			ParticipantID:      j.ParticipantID,
			ProlificPID:        j.ProlificPID,
			ProlificSession:    j.ProlificSession,
			Group:              j.Group,
			SessionNum:         j.SessionNum,
			RoundNum:           j.RoundNum,
			Contribution:       humanC,
			BotContribution:    botC,
			ParticipantBalance: newParticipant,
			BotBalance:         newBot,
			NetGain:            out.NetGainHuman,
			TimeExceeded:       now.Sub(startedAt) > m.cfg.Game.RoundDeadline,
			StartedAt:          startedAt,
		}
		res, err := m.repo.InsertRound(ctx, row)
		if err != nil {
			return nil, fmt.Errorf("persist round: %w", err)
		}
		if res == store.AlreadyExists {
			m.logger.Debug("concurrent duplicate round insert ignored",
				"participant_id", j.ParticipantID,
				"session", j.SessionNum,
				"round", j.RoundNum)
		}
	}

	j.ParticipantBalance = newParticipant
	j.BotBalance = newBot
	j.Pot = out.Remainder
	j.LastShare = out.Share
	j.LastNetGain = out.NetGainHuman
	j.RecordRound(domain.TranscriptEntry{
		RoundNum:        j.RoundNum,
		Contribution:    humanC,
		BotContribution: botC,
		Balance:         newParticipant,
	})

	if isLast || !j.CanContinue() {
		if err := m.endSession(ctx, j); err != nil {
			return nil, err
		}
	} else {
		j.RoundNum++
		j.RoundStartedAt = now
	}

	if err := m.repo.UpsertJourney(ctx, j); err != nil {
		return nil, err
	}

	next := ViewWaiting
	if j.Phase != domain.PhaseAwaitingRound {
		next = m.Position(j)
	}
	return &Outcome{
		Contribution:       humanC,
		BotContribution:    botC,
		Share:              out.Share,
		NetGain:            out.NetGainHuman,
		ParticipantBalance: newParticipant,
		BotBalance:         newBot,
		Replayed:           replayed,
		Next:               next,
	}, nil
}

// endSession closes the current session: end metadata is stamped, and the
// journey moves to the intervention, the next-session boundary, or the
// closing survey.
func (m *Machine) endSession(ctx context.Context, j *domain.Journey) error {
	now := m.now()

	var bonus *float64
	finalSession := j.SessionNum >= m.cfg.Game.TotalSessions
	if finalSession {
		b := j.ParticipantBalance * m.cfg.Game.BonusPerToken
		if b < 0 {
			b = 0
		}
		bonus = &b
	}
	if err := m.repo.AttachEndMetadata(ctx, j.ParticipantID, j.SessionNum, now, bonus); err != nil {
		return err
	}

	switch {
	case j.SessionNum == 1 && !j.InterventionShown && !finalSession:
		j.InterventionShown = true
		j.Phase = domain.PhaseInterventionPending
		return m.computeDivergence(ctx, j)
	case finalSession:
		j.Phase = domain.PhaseSurvey
	default:
		j.Phase = domain.PhaseSessionBoundary
	}
	return nil
}

// computeDivergence builds the intervention statistic: the participant's (and
// the bot's) session average against the historic baseline over other
// participants' session-1 rounds. Falls back to the configured typical
// contribution when no other participants have played yet.
func (m *Machine) computeDivergence(ctx context.Context, j *domain.Journey) error {
	baseline, err := m.repo.BaselineAverage(ctx, j.ParticipantID, 1)
	if err != nil {
		return fmt.Errorf("compute baseline: %w", err)
	}

	base := m.cfg.Game.TypicalContribution
	botBase := m.cfg.Game.TypicalContribution
	if baseline.Count > 0 {
		base = baseline.AvgContribution
		botBase = baseline.AvgBotContribution
	}

	mean := j.AverageContribution()
	botMean := j.BotAverageContribution()
	j.Divergence = &domain.Divergence{
		Baseline:        base,
		ParticipantMean: mean,
		ParticipantDiff: mean - base,
		BotBaseline:     botBase,
		BotMean:         botMean,
		BotDiff:         botMean - botBase,
	}
	return nil
}

// AcknowledgeIntervention records that the between-session message was seen.
func (m *Machine) AcknowledgeIntervention(ctx context.Context, j *domain.Journey) error {
	if j.Phase != domain.PhaseInterventionPending {
		return ErrOutOfPosition
	}
	j.Phase = domain.PhaseSessionBoundary
	return m.repo.UpsertJourney(ctx, j)
}

// AdvanceSession opens the next session: counters advance, per-session state
// resets to the endowment. If no sessions remain the journey moves on to the
// closing survey instead.
func (m *Machine) AdvanceSession(ctx context.Context, j *domain.Journey) error {
	if j.Phase != domain.PhaseSessionBoundary {
		return ErrOutOfPosition
	}

	j.SessionNum++
	if j.SessionNum > m.cfg.Game.TotalSessions {
		j.Phase = domain.PhaseSurvey
		return m.repo.UpsertJourney(ctx, j)
	}

	div := j.Divergence
	j.BeginSession(m.cfg.Game.InitialTokens)
	j.Divergence = div // the adaptive policy reads it at the session head
	j.Phase = domain.PhaseAwaitingRound
	j.RoundStartedAt = m.now()
	return m.repo.UpsertJourney(ctx, j)
}

// SubmitSurvey stores the questionnaire answers and terminates the journey.
func (m *Machine) SubmitSurvey(ctx context.Context, j *domain.Journey, resp *domain.SurveyResponse) error {
	if j.Phase != domain.PhaseSurvey {
		return ErrOutOfPosition
	}
	if err := m.repo.AttachSurvey(ctx, j.ParticipantID, resp); err != nil {
		return err
	}
	j.Phase = domain.PhaseTerminal
	return m.repo.UpsertJourney(ctx, j)
}

// SkipSurvey terminates the journey without questionnaire answers.
func (m *Machine) SkipSurvey(ctx context.Context, j *domain.Journey) error {
	if j.Phase != domain.PhaseSurvey {
		return ErrOutOfPosition
	}
	j.Phase = domain.PhaseTerminal
	return m.repo.UpsertJourney(ctx, j)
}

// Results assembles the terminal aggregate view from persisted rounds.
func (m *Machine) Results(ctx context.Context, j *domain.Journey) (*Results, error) {
	if j.Phase != domain.PhaseTerminal {
		return nil, ErrOutOfPosition
	}

	res := &Results{}
	for s := 1; s <= m.cfg.Game.TotalSessions; s++ {
		participant, bot, err := m.repo.SessionFinalBalances(ctx, j.ParticipantID, s)
		if err != nil {
			// A force-terminated journey may have sessions with no rounds.
			m.logger.Warn("no final balances for session",
				"participant_id", j.ParticipantID, "session", s, "error", err)
			continue
		}
		agg, err := m.repo.Aggregate(ctx, j.ParticipantID, s)
		if err != nil {
			return nil, fmt.Errorf("aggregate session %d: %w", s, err)
		}
		res.Sessions = append(res.Sessions, SessionResult{
			SessionNum:         s,
			ParticipantBalance: participant,
			BotBalance:         bot,
			AvgContribution:    agg.AvgContribution,
			AvgBotContribution: agg.AvgBotContribution,
		})
	}

	bonus := j.ParticipantBalance * m.cfg.Game.BonusPerToken
	if bonus < 0 {
		bonus = 0
	}
	res.Bonus = bonus
	return res, nil
}
