// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/behavlab/publicgoods/internal/domain"
)

// InsertResult reports the outcome of an idempotent round insert.
type InsertResult int

const (
	// Inserted means a new row was created.
	Inserted InsertResult = iota
	// AlreadyExists means a row with the same key was present; the stored
	// row is untouched and the caller treats the call as a success.
	AlreadyExists
)

// Baseline is the historic average computed over other participants' rounds.
type Baseline struct {
	AvgContribution    float64
	AvgBotContribution float64
	Count              int
}

// Repository defines the persistence surface for journeys and round records.
type Repository interface {
	// InsertRound durably records one completed round. The insert is
	// idempotent on (participant_id, session_num, round_num): a duplicate
	// key reports AlreadyExists without altering the stored row.
	InsertRound(ctx context.Context, r *domain.Round) (InsertResult, error)

	// GetRound retrieves a round by key, or nil when absent.
	GetRound(ctx context.Context, key domain.RoundKey) (*domain.Round, error)

	// LastRound returns the participant's most recent persisted round
	// (highest session, then highest round), or nil when none exist.
	LastRound(ctx context.Context, participantID string) (*domain.Round, error)

	// SessionRounds returns a participant's rounds for one session in
	// round order.
	SessionRounds(ctx context.Context, participantID string, sessionNum int) ([]*domain.Round, error)

	// Aggregate summarizes a participant's rounds. sessionNum <= 0 covers
	// all sessions.
	Aggregate(ctx context.Context, participantID string, sessionNum int) (*domain.Aggregate, error)

	// BaselineAverage computes the average contributions over the given
	// session's rounds of every participant except excludeParticipantID.
	BaselineAverage(ctx context.Context, excludeParticipantID string, sessionNum int) (*Baseline, error)

	// SessionFinalBalances returns the balances recorded on the last round
	// of a participant's session.
	SessionFinalBalances(ctx context.Context, participantID string, sessionNum int) (participant, bot float64, err error)

	// AttachEndMetadata stamps the end timestamp (and, when non-nil, the
	// bonus) onto a participant's rows for one session. This is the only
	// permitted post-insert mutation besides AttachSurvey.
	AttachEndMetadata(ctx context.Context, participantID string, sessionNum int, endedAt time.Time, bonus *float64) error

	// AttachSurvey stores the questionnaire answers on the participant's rows.
	AttachSurvey(ctx context.Context, participantID string, s *domain.SurveyResponse) error

	// GetJourney retrieves the persisted journey state, or nil when absent.
	GetJourney(ctx context.Context, participantID string) (*domain.Journey, error)

	// UpsertJourney creates or updates the persisted journey state.
	UpsertJourney(ctx context.Context, j *domain.Journey) error

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
