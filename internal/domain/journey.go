// Package domain contains core domain types for the public goods experiment.
package domain

import (
	"time"
)

// Group is the experimental arm a participant is assigned to.
type Group string

const (
	// GroupControl receives a neutral transition message between sessions.
	GroupControl Group = "control"
	// GroupExperimental receives the divergence feedback message.
	GroupExperimental Group = "experimental"
)

// Phase is the journey position the state machine persists between requests.
type Phase string

const (
	PhaseWelcome             Phase = "welcome"
	PhaseInstructions        Phase = "instructions"
	PhaseAwaitingRound       Phase = "awaiting_round"
	PhaseRoundResolved       Phase = "round_resolved"
	PhaseInterventionPending Phase = "intervention_pending"
	PhaseSessionBoundary     Phase = "session_boundary"
	PhaseSurvey              Phase = "survey"
	PhaseTerminal            Phase = "terminal"
)

// TranscriptEntry records one completed round within the current session.
type TranscriptEntry struct {
	RoundNum        int     `json:"round_num"`
	Contribution    int     `json:"contribution"`
	BotContribution int     `json:"bot_contribution"`
	Balance         float64 `json:"balance"`
}

// Divergence holds the one-time feedback statistic computed at the end of
// session 1: how far the participant (and the bot) drifted from the average
// contribution of other participants.
type Divergence struct {
	Baseline        float64 `json:"baseline"`
	ParticipantMean float64 `json:"participant_mean"`
	ParticipantDiff float64 `json:"participant_diff"`
	BotBaseline     float64 `json:"bot_baseline"`
	BotMean         float64 `json:"bot_mean"`
	BotDiff         float64 `json:"bot_diff"`
}

// Journey carries one participant's state across requests. It is mutated only
// by the state machine and persisted as a single row keyed by participant ID.
type Journey struct {
	ParticipantID      string            `json:"participant_id"`
	ProlificPID        string            `json:"prolific_pid,omitempty"`
	ProlificSession    string            `json:"prolific_session,omitempty"`
	Group              Group             `json:"group,omitempty"`
	Phase              Phase             `json:"phase"`
	SessionNum         int               `json:"session_num"`
	RoundNum           int               `json:"round_num"`
	ParticipantBalance float64           `json:"participant_balance"`
	BotBalance         float64           `json:"bot_balance"`
	Pot                float64           `json:"pot"`
	Transcript         []TranscriptEntry `json:"transcript"`
	InterventionShown  bool              `json:"intervention_shown"`
	Divergence         *Divergence       `json:"divergence,omitempty"`
	LastShare          float64           `json:"last_share"`
	LastNetGain        float64           `json:"last_net_gain"`
	RoundStartedAt     time.Time         `json:"round_started_at"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// BeginSession resets per-session state to the initial endowment. The session
// number itself is advanced by the state machine, not here.
func (j *Journey) BeginSession(initialTokens int) {
	j.RoundNum = 1
	j.ParticipantBalance = float64(initialTokens)
	j.BotBalance = float64(initialTokens)
	j.Pot = 0
	j.Transcript = nil
	j.InterventionShown = false
	j.LastShare = 0
	j.LastNetGain = 0
}

// CanContinue reports whether the continuation invariant still holds. A
// non-positive balance on either side forces the session to end.
func (j *Journey) CanContinue() bool {
	return j.ParticipantBalance > 0 && j.BotBalance > 0
}

// LastContribution returns the participant's most recent contribution in the
// current session, if any round has completed.
func (j *Journey) LastContribution() (int, bool) {
	if len(j.Transcript) == 0 {
		return 0, false
	}
	return j.Transcript[len(j.Transcript)-1].Contribution, true
}

// AverageContribution is the mean participant contribution over the current
// session's completed rounds. Returns 0 when no rounds have completed.
func (j *Journey) AverageContribution() float64 {
	if len(j.Transcript) == 0 {
		return 0
	}
	sum := 0
	for _, e := range j.Transcript {
		sum += e.Contribution
	}
	return float64(sum) / float64(len(j.Transcript))
}

// BotAverageContribution is the mean bot contribution over the current
// session's completed rounds.
func (j *Journey) BotAverageContribution() float64 {
	if len(j.Transcript) == 0 {
		return 0
	}
	sum := 0
	for _, e := range j.Transcript {
		sum += e.BotContribution
	}
	return float64(sum) / float64(len(j.Transcript))
}

// RecordRound appends a completed round to the session transcript.
func (j *Journey) RecordRound(e TranscriptEntry) {
	j.Transcript = append(j.Transcript, e)
}
