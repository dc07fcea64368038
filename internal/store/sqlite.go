package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/behavlab/publicgoods/internal/domain"
	"github.com/behavlab/publicgoods/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db        *sql.DB
	journeyMu sync.Mutex // Mutex for journey state operations to prevent SQLITE_BUSY
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS rounds (
		id TEXT PRIMARY KEY,
		participant_id TEXT NOT NULL,
		prolific_pid TEXT NOT NULL DEFAULT '',
		prolific_session TEXT NOT NULL DEFAULT '',
		group_name TEXT NOT NULL,
		session_num INTEGER NOT NULL,
		round_num INTEGER NOT NULL,
		contribution INTEGER NOT NULL,
		bot_contribution INTEGER NOT NULL,
		participant_balance REAL NOT NULL,
		bot_balance REAL NOT NULL,
		net_gain REAL NOT NULL,
		time_exceeded INTEGER NOT NULL DEFAULT 0,
		started_at INTEGER NOT NULL,
		ended_at INTEGER,
		bonus REAL,
		incom_1 INTEGER,
		incom_2 INTEGER,
		incom_3 INTEGER,
		incom_4 INTEGER,
		incom_5 INTEGER,
		incom_6 INTEGER,
		UNIQUE(participant_id, session_num, round_num)
	);
	CREATE INDEX IF NOT EXISTS idx_rounds_session ON rounds(session_num, participant_id);

	CREATE TABLE IF NOT EXISTS journeys (
		participant_id TEXT PRIMARY KEY,
		state_json TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_journeys_updated ON journeys(updated_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// InsertRound durably records one completed round, idempotently on
// (participant_id, session_num, round_num). The conflict target makes a
// concurrent duplicate submit a silent no-op rather than a second row.
func (s *SQLiteStore) InsertRound(ctx context.Context, r *domain.Round) (InsertResult, error) {
	query := `
	INSERT INTO rounds (
		id, participant_id, prolific_pid, prolific_session, group_name,
		session_num, round_num, contribution, bot_contribution,
		participant_balance, bot_balance, net_gain, time_exceeded, started_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(participant_id, session_num, round_num) DO NOTHING`

	timeExceeded := 0
	if r.TimeExceeded {
		timeExceeded = 1
	}

	result, err := s.db.ExecContext(ctx, query,
		r.ID, r.ParticipantID, r.ProlificPID, r.ProlificSession, string(r.Group),
		r.SessionNum, r.RoundNum, r.Contribution, r.BotContribution,
		r.ParticipantBalance, r.BotBalance, r.NetGain, timeExceeded, r.StartedAt.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert round: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return AlreadyExists, nil
	}
	return Inserted, nil
}

const roundColumns = `id, participant_id, prolific_pid, prolific_session, group_name,
		       session_num, round_num, contribution, bot_contribution,
		       participant_balance, bot_balance, net_gain, time_exceeded,
		       started_at, ended_at, bonus`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRound(row rowScanner) (*domain.Round, error) {
	var r domain.Round
	var group string
	var timeExceeded int
	var startedAt int64
	var endedAt sql.NullInt64
	var bonus sql.NullFloat64

	err := row.Scan(
		&r.ID, &r.ParticipantID, &r.ProlificPID, &r.ProlificSession, &group,
		&r.SessionNum, &r.RoundNum, &r.Contribution, &r.BotContribution,
		&r.ParticipantBalance, &r.BotBalance, &r.NetGain, &timeExceeded,
		&startedAt, &endedAt, &bonus,
	)
	if err != nil {
		return nil, err
	}

	r.Group = domain.Group(group)
	r.TimeExceeded = timeExceeded != 0
	r.StartedAt = time.Unix(startedAt, 0)
	if endedAt.Valid {
		ts := time.Unix(endedAt.Int64, 0)
		r.EndedAt = &ts
	}
	if bonus.Valid {
		b := bonus.Float64
		r.Bonus = &b
	}
	return &r, nil
}

// GetRound retrieves a round by key.
func (s *SQLiteStore) GetRound(ctx context.Context, key domain.RoundKey) (*domain.Round, error) {
	query := `SELECT ` + roundColumns + `
		FROM rounds WHERE participant_id = ? AND session_num = ? AND round_num = ?`

	r, err := scanRound(s.db.QueryRowContext(ctx, query, key.ParticipantID, key.SessionNum, key.RoundNum))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan round row: %w", err)
	}
	return r, nil
}

// LastRound returns the participant's most recent persisted round.
func (s *SQLiteStore) LastRound(ctx context.Context, participantID string) (*domain.Round, error) {
	query := `SELECT ` + roundColumns + `
		FROM rounds WHERE participant_id = ?
		ORDER BY session_num DESC, round_num DESC LIMIT 1`

	r, err := scanRound(s.db.QueryRowContext(ctx, query, participantID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan last round: %w", err)
	}
	return r, nil
}

// SessionRounds returns a participant's rounds for one session in round order.
func (s *SQLiteStore) SessionRounds(ctx context.Context, participantID string, sessionNum int) ([]*domain.Round, error) {
	query := `SELECT ` + roundColumns + `
		FROM rounds WHERE participant_id = ? AND session_num = ?
		ORDER BY round_num ASC`

	rows, err := s.db.QueryContext(ctx, query, participantID, sessionNum)
	if err != nil {
		return nil, fmt.Errorf("query session rounds: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close session rounds rows", "error", closeErr)
		}
	}()

	var out []*domain.Round
	for rows.Next() {
		r, err := scanRound(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session round: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rounds: %w", err)
	}
	return out, nil
}

// Aggregate summarizes a participant's rounds, optionally for one session.
func (s *SQLiteStore) Aggregate(ctx context.Context, participantID string, sessionNum int) (*domain.Aggregate, error) {
	query := `
		SELECT COUNT(*),
		       COALESCE(SUM(contribution), 0), COALESCE(AVG(contribution), 0),
		       COALESCE(SUM(bot_contribution), 0), COALESCE(AVG(bot_contribution), 0),
		       COALESCE(SUM(participant_balance), 0)
		FROM rounds WHERE participant_id = ?`
	args := []interface{}{participantID}

	if sessionNum > 0 {
		query += ` AND session_num = ?`
		args = append(args, sessionNum)
	}

	var agg domain.Aggregate
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&agg.Count,
		&agg.SumContribution, &agg.AvgContribution,
		&agg.SumBotContribution, &agg.AvgBotContribution,
		&agg.SumBalance,
	)
	if err != nil {
		return nil, fmt.Errorf("aggregate rounds: %w", err)
	}
	return &agg, nil
}

// BaselineAverage computes the historic average over other participants'
// rounds for one session. The excluded participant's own rows never enter
// the baseline.
func (s *SQLiteStore) BaselineAverage(ctx context.Context, excludeParticipantID string, sessionNum int) (*Baseline, error) {
	query := `
		SELECT COUNT(*),
		       COALESCE(AVG(contribution), 0),
		       COALESCE(AVG(bot_contribution), 0)
		FROM rounds WHERE session_num = ? AND participant_id != ?`

	var b Baseline
	err := s.db.QueryRowContext(ctx, query, sessionNum, excludeParticipantID).Scan(
		&b.Count, &b.AvgContribution, &b.AvgBotContribution,
	)
	if err != nil {
		return nil, fmt.Errorf("baseline average: %w", err)
	}
	return &b, nil
}

// SessionFinalBalances returns the balances on the last persisted round of a
// participant's session.
func (s *SQLiteStore) SessionFinalBalances(ctx context.Context, participantID string, sessionNum int) (float64, float64, error) {
	query := `
		SELECT participant_balance, bot_balance
		FROM rounds WHERE participant_id = ? AND session_num = ?
		ORDER BY round_num DESC LIMIT 1`

	var participant, bot float64
	err := s.db.QueryRowContext(ctx, query, participantID, sessionNum).Scan(&participant, &bot)
	if err == sql.ErrNoRows {
		return 0, 0, fmt.Errorf("no rounds for participant %s session %d", participantID, sessionNum)
	}
	if err != nil {
		return 0, 0, fmt.Errorf("scan final balances: %w", err)
	}
	return participant, bot, nil
}

// AttachEndMetadata stamps the end timestamp (and optionally the bonus) onto
// a participant's rows for one session.
func (s *SQLiteStore) AttachEndMetadata(ctx context.Context, participantID string, sessionNum int, endedAt time.Time, bonus *float64) error {
	query := `
		UPDATE rounds SET ended_at = ?, bonus = COALESCE(?, bonus)
		WHERE participant_id = ? AND session_num = ?`

	var bonusArg interface{}
	if bonus != nil {
		bonusArg = *bonus
	}

	result, err := s.db.ExecContext(ctx, query, endedAt.Unix(), bonusArg, participantID, sessionNum)
	if err != nil {
		return fmt.Errorf("attach end metadata: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("AttachEndMetadata affected 0 rows", "participant_id", participantID, "session_num", sessionNum)
	}
	return nil
}

// AttachSurvey stores the questionnaire answers on the participant's rows.
func (s *SQLiteStore) AttachSurvey(ctx context.Context, participantID string, sv *domain.SurveyResponse) error {
	query := `
		UPDATE rounds SET incom_1 = ?, incom_2 = ?, incom_3 = ?,
		       incom_4 = ?, incom_5 = ?, incom_6 = ?
		WHERE participant_id = ?`

	_, err := s.db.ExecContext(ctx, query,
		sv.Incom1, sv.Incom2, sv.Incom3, sv.Incom4, sv.Incom5, sv.Incom6,
		participantID,
	)
	if err != nil {
		return fmt.Errorf("attach survey: %w", err)
	}
	return nil
}

// GetJourney retrieves the persisted journey state for a participant.
func (s *SQLiteStore) GetJourney(ctx context.Context, participantID string) (*domain.Journey, error) {
	s.journeyMu.Lock()
	defer s.journeyMu.Unlock()

	query := `SELECT state_json FROM journeys WHERE participant_id = ?`

	var stateJSON string
	err := s.db.QueryRowContext(ctx, query, participantID).Scan(&stateJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan journey: %w", err)
	}

	var j domain.Journey
	if err := json.Unmarshal([]byte(stateJSON), &j); err != nil {
		return nil, fmt.Errorf("decode journey state: %w", err)
	}
	return &j, nil
}

// UpsertJourney creates or updates the persisted journey state.
// Retries with exponential backoff to handle SQLITE_BUSY under concurrent
// duplicate submits.
func (s *SQLiteStore) UpsertJourney(ctx context.Context, j *domain.Journey) error {
	maxRetries := 3
	baseDelay := 100 * time.Millisecond

	for i := 0; i < maxRetries; i++ {
		err := s.upsertJourneyOnce(ctx, j)
		if err == nil {
			return nil
		}

		if shared.IsSQLiteConflictError(err) && i < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<i)
			slog.Debug("UpsertJourney hit SQLITE_BUSY, retrying",
				"participant_id", j.ParticipantID,
				"attempt", i+1,
				"delay", delay)
			time.Sleep(delay)
			continue
		}

		return fmt.Errorf("upsert journey for %s: %w", j.ParticipantID, err)
	}

	return nil
}

func (s *SQLiteStore) upsertJourneyOnce(ctx context.Context, j *domain.Journey) error {
	s.journeyMu.Lock()
	defer s.journeyMu.Unlock()

	j.UpdatedAt = time.Now()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = j.UpdatedAt
	}

	stateJSON, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("encode journey state: %w", err)
	}

	query := `
		INSERT INTO journeys (participant_id, state_json, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(participant_id) DO UPDATE SET
			state_json = excluded.state_json,
			updated_at = excluded.updated_at`

	_, err = s.db.ExecContext(ctx, query,
		j.ParticipantID, string(stateJSON), j.CreatedAt.Unix(), j.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert journey row: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
