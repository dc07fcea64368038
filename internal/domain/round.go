package domain

import (
	"time"
)

// RoundKey uniquely identifies a persisted round. The durable store enforces
// uniqueness on this key; a second insert for the same key is a no-op.
type RoundKey struct {
	ParticipantID string
	SessionNum    int
	RoundNum      int
}

// Round is the durable record of one completed round. Rows are append-only:
// the only permitted mutation after insert is attaching end metadata (end
// timestamp, bonus, survey answers) at session or journey completion.
type Round struct {
	ID                 string
	ParticipantID      string
	ProlificPID        string
	ProlificSession    string
	Group              Group
	SessionNum         int
	RoundNum           int
	Contribution       int
	BotContribution    int
	ParticipantBalance float64
	BotBalance         float64
	NetGain            float64
	TimeExceeded       bool
	StartedAt          time.Time
	EndedAt            *time.Time
	Bonus              *float64
	Survey             *SurveyResponse
}

// Key returns the uniqueness key for this round.
func (r *Round) Key() RoundKey {
	return RoundKey{ParticipantID: r.ParticipantID, SessionNum: r.SessionNum, RoundNum: r.RoundNum}
}

// SurveyResponse holds the six post-experiment questionnaire items.
type SurveyResponse struct {
	Incom1 int `json:"incom_1"`
	Incom2 int `json:"incom_2"`
	Incom3 int `json:"incom_3"`
	Incom4 int `json:"incom_4"`
	Incom5 int `json:"incom_5"`
	Incom6 int `json:"incom_6"`
}

// Aggregate summarizes a participant's persisted rounds, optionally filtered
// to one session.
type Aggregate struct {
	Count              int
	SumContribution    float64
	AvgContribution    float64
	SumBotContribution float64
	AvgBotContribution float64
	SumBalance         float64
}
