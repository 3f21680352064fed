package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/driver/pgdriver"

	"hoot-game-service/internal/domain"
)

// SessionStore persists sessions in Postgres through bun. Conditional writes
// are single UPDATE statements guarded by "version = ?"; multi-row mutations
// run in one transaction so they apply all-or-nothing.
type SessionStore struct {
	db *bun.DB
}

func NewSessionStore(db *bun.DB) *SessionStore {
	return &SessionStore{db: db}
}

const activePINIndex = "game_sessions_active_pin"

type sessionModel struct {
	bun.BaseModel `bun:"table:game_sessions"`

	ID                string     `bun:"id,pk"`
	PIN               string     `bun:"pin,notnull"`
	QuizSetID         string     `bun:"quiz_set_id,notnull"`
	HostToken         string     `bun:"host_token,notnull"`
	Phase             string     `bun:"phase,notnull"`
	QuestionIndex     int        `bun:"question_index,notnull"`
	QuestionCount     int        `bun:"question_count,notnull"`
	AnswersSubmitted  int        `bun:"answers_submitted,notnull"`
	PlayerCount       int        `bun:"player_count,notnull"`
	NextSeq           int64      `bun:"next_seq,notnull"`
	Version           int64      `bun:"version,notnull"`
	CreatedAt         time.Time  `bun:"created_at,notnull"`
	StartedAt         *time.Time `bun:"started_at"`
	QuestionStartedAt *time.Time `bun:"question_started_at"`
	EndedAt           *time.Time `bun:"ended_at"`
	ClaimReceipt      string     `bun:"claim_receipt,nullzero"`
}

type participantModel struct {
	bun.BaseModel `bun:"table:participants"`

	ID             string    `bun:"id,pk"`
	SessionID      string    `bun:"session_id,notnull"`
	DisplayName    string    `bun:"display_name,notnull"`
	LedgerAddress  string    `bun:"ledger_address,notnull"`
	Score          int64     `bun:"score,notnull"`
	ReconnectToken string    `bun:"reconnect_token,notnull"`
	Seq            int64     `bun:"seq,notnull"`
	JoinedAt       time.Time `bun:"joined_at,notnull"`
}

type answerModel struct {
	bun.BaseModel `bun:"table:participant_answers"`

	ParticipantID      string `bun:"participant_id,pk"`
	QuestionIndex      int    `bun:"question_index,pk"`
	Letter             string `bun:"letter,notnull"`
	IsCorrect          bool   `bun:"is_correct,notnull"`
	AnsweredAtOffsetMs int64  `bun:"answered_at_offset_ms,notnull"`
	PointsAwarded      int64  `bun:"points_awarded,notnull"`
}

func (s *SessionStore) CreateSession(ctx context.Context, session domain.Session) error {
	m := toSessionModel(session)
	if _, err := s.db.NewInsert().Model(&m).Exec(ctx); err != nil {
		if isUniqueViolation(err, activePINIndex) {
			return domain.ErrPinInUse
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *SessionStore) GetSession(ctx context.Context, sessionID string) (domain.Session, error) {
	var m sessionModel
	err := s.db.NewSelect().Model(&m).Where("id = ?", sessionID).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("select session: %w", err)
	}
	return m.toDomain()
}

func (s *SessionStore) GetSessionByPIN(ctx context.Context, pin string) (domain.Session, error) {
	var m sessionModel
	err := s.db.NewSelect().Model(&m).
		Where("pin = ?", pin).
		Where("phase <> ?", string(domain.PhaseFinished)).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("select session by pin: %w", err)
	}
	return m.toDomain()
}

func (s *SessionStore) UpdatePhase(ctx context.Context, expectedVersion int64, next domain.Session) (domain.Session, error) {
	var m sessionModel
	q := s.db.NewUpdate().Model(&m).
		Set("phase = ?", string(next.Phase)).
		Set("question_index = ?", next.QuestionIndex).
		Set("version = ?", next.Version).
		Set("started_at = ?", next.StartedAt).
		Set("question_started_at = ?", next.QuestionStartedAt).
		Set("ended_at = ?", next.EndedAt)
	if next.Phase == domain.PhaseQuestion {
		q = q.Set("answers_submitted = 0")
	}
	err := q.Where("id = ?", next.ID).
		Where("version = ?", expectedVersion).
		Returning("*").
		Scan(ctx)
	if err != nil {
		return domain.Session{}, s.conditionalErr(ctx, s.db, next.ID, err)
	}
	return m.toDomain()
}

func (s *SessionStore) AddParticipant(ctx context.Context, expectedVersion int64, participant domain.Participant) (domain.Participant, domain.Session, error) {
	var session sessionModel
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		err := tx.NewUpdate().Model(&session).
			Set("player_count = player_count + 1").
			Set("next_seq = next_seq + 1").
			Where("id = ?", participant.SessionID).
			Where("version = ?", expectedVersion).
			Returning("*").
			Scan(ctx)
		if err != nil {
			return s.conditionalErr(ctx, tx, participant.SessionID, err)
		}

		participant.Seq = session.NextSeq
		participant.Score = 0
		participant.Answers = nil
		pm := toParticipantModel(participant)
		if _, err := tx.NewInsert().Model(&pm).Exec(ctx); err != nil {
			return fmt.Errorf("insert participant: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.Participant{}, domain.Session{}, err
	}
	out, err := session.toDomain()
	return participant, out, err
}

func (s *SessionStore) RemoveParticipant(ctx context.Context, expectedVersion int64, participant domain.Participant) (domain.Session, error) {
	var session sessionModel
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		err := tx.NewUpdate().Model(&session).
			Set("player_count = player_count - 1").
			Where("id = ?", participant.SessionID).
			Where("version = ?", expectedVersion).
			Returning("*").
			Scan(ctx)
		if err != nil {
			return s.conditionalErr(ctx, tx, participant.SessionID, err)
		}

		res, err := tx.NewDelete().Model((*participantModel)(nil)).
			Where("id = ?", participant.ID).
			Where("session_id = ?", participant.SessionID).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("delete participant: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.ErrParticipantNotFound
		}
		return nil
	})
	if err != nil {
		return domain.Session{}, err
	}
	return session.toDomain()
}

func (s *SessionStore) GetParticipant(ctx context.Context, participantID string) (domain.Participant, error) {
	var pm participantModel
	err := s.db.NewSelect().Model(&pm).Where("id = ?", participantID).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Participant{}, domain.ErrParticipantNotFound
	}
	if err != nil {
		return domain.Participant{}, fmt.Errorf("select participant: %w", err)
	}
	out, err := s.withAnswers(ctx, s.db, []participantModel{pm})
	if err != nil {
		return domain.Participant{}, err
	}
	return out[0], nil
}

func (s *SessionStore) ListParticipants(ctx context.Context, sessionID string) ([]domain.Participant, error) {
	exists, err := s.db.NewSelect().Model((*sessionModel)(nil)).Where("id = ?", sessionID).Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check session: %w", err)
	}
	if !exists {
		return nil, domain.ErrSessionNotFound
	}
	var models []participantModel
	if err := s.db.NewSelect().Model(&models).Where("session_id = ?", sessionID).Order("seq ASC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("select participants: %w", err)
	}
	return s.withAnswers(ctx, s.db, models)
}

func (s *SessionStore) ListParticipantsByLedgerAddress(ctx context.Context, ledgerAddress string) ([]domain.Participant, error) {
	if ledgerAddress == "" {
		return []domain.Participant{}, nil
	}
	var models []participantModel
	err := s.db.NewSelect().Model(&models).
		Where("ledger_address = ?", ledgerAddress).
		Order("joined_at ASC", "id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("select participants by ledger address: %w", err)
	}
	return s.withAnswers(ctx, s.db, models)
}

func (s *SessionStore) RecordAnswer(ctx context.Context, sessionID string, expectedVersion int64, participantID string, answer domain.Answer) (domain.Participant, domain.Session, error) {
	var (
		session     sessionModel
		participant domain.Participant
	)
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		err := tx.NewUpdate().Model(&session).
			Set("answers_submitted = answers_submitted + 1").
			Where("id = ?", sessionID).
			Where("version = ?", expectedVersion).
			Returning("*").
			Scan(ctx)
		if err != nil {
			return s.conditionalErr(ctx, tx, sessionID, err)
		}

		am := answerModel{
			ParticipantID:      participantID,
			QuestionIndex:      answer.QuestionIndex,
			Letter:             answer.Letter,
			IsCorrect:          answer.IsCorrect,
			AnsweredAtOffsetMs: answer.AnsweredAtOffsetMs,
			PointsAwarded:      answer.PointsAwarded,
		}
		var pm participantModel
		err = tx.NewUpdate().Model(&pm).
			Set("score = score + ?", answer.PointsAwarded).
			Where("id = ?", participantID).
			Where("session_id = ?", sessionID).
			Returning("*").
			Scan(ctx)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrParticipantNotFound
		}
		if err != nil {
			return fmt.Errorf("update score: %w", err)
		}

		res, err := tx.NewInsert().Model(&am).On("CONFLICT (participant_id, question_index) DO NOTHING").Exec(ctx)
		if err != nil {
			return fmt.Errorf("insert answer: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.ErrDuplicateAnswer
		}

		list, err := s.withAnswers(ctx, tx, []participantModel{pm})
		if err != nil {
			return err
		}
		participant = list[0]
		return nil
	})
	if err != nil {
		return domain.Participant{}, domain.Session{}, err
	}
	out, err := session.toDomain()
	return participant, out, err
}

func (s *SessionStore) ResolveToken(ctx context.Context, token string) (domain.Identity, error) {
	var sm sessionModel
	err := s.db.NewSelect().Model(&sm).Column("id").Where("host_token = ?", token).Scan(ctx)
	if err == nil {
		return domain.Identity{Kind: domain.IdentityHost, SessionID: sm.ID}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.Identity{}, fmt.Errorf("resolve host token: %w", err)
	}

	var pm participantModel
	err = s.db.NewSelect().Model(&pm).Column("id", "session_id").Where("reconnect_token = ?", token).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Identity{}, domain.ErrReconnectTokenInvalid
	}
	if err != nil {
		return domain.Identity{}, fmt.Errorf("resolve participant token: %w", err)
	}
	return domain.Identity{Kind: domain.IdentityParticipant, SessionID: pm.SessionID, ParticipantID: pm.ID}, nil
}

func (s *SessionStore) MarkRewardClaimed(ctx context.Context, sessionID, receipt string) (domain.Session, error) {
	var m sessionModel
	err := s.db.NewUpdate().Model(&m).
		Set("claim_receipt = ?", receipt).
		Where("id = ?", sessionID).
		Where("claim_receipt IS NULL").
		Returning("*").
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := s.GetSession(ctx, sessionID); getErr != nil {
			return domain.Session{}, getErr
		}
		return domain.Session{}, domain.ErrRewardAlreadyClaimed
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("mark reward claimed: %w", err)
	}
	return m.toDomain()
}

func (s *SessionStore) SettleRewardClaim(ctx context.Context, sessionID, provisional, receipt string) (domain.Session, error) {
	var m sessionModel
	err := s.db.NewUpdate().Model(&m).
		Set("claim_receipt = NULLIF(?, '')", receipt).
		Where("id = ?", sessionID).
		Where("claim_receipt = ?", provisional).
		Returning("*").
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := s.GetSession(ctx, sessionID); getErr != nil {
			return domain.Session{}, getErr
		}
		return domain.Session{}, domain.ErrRewardAlreadyClaimed
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("settle reward claim: %w", err)
	}
	return m.toDomain()
}

// conditionalErr explains an UPDATE guarded by version that matched no row.
func (s *SessionStore) conditionalErr(ctx context.Context, db bun.IDB, sessionID string, err error) error {
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("conditional update: %w", err)
	}
	exists, existsErr := db.NewSelect().Model((*sessionModel)(nil)).Where("id = ?", sessionID).Exists(ctx)
	if existsErr != nil {
		return fmt.Errorf("check session: %w", existsErr)
	}
	if !exists {
		return domain.ErrSessionNotFound
	}
	return domain.ErrStaleState
}

func (s *SessionStore) withAnswers(ctx context.Context, db bun.IDB, models []participantModel) ([]domain.Participant, error) {
	out := make([]domain.Participant, 0, len(models))
	if len(models) == 0 {
		return out, nil
	}
	ids := make([]string, len(models))
	for i, pm := range models {
		ids[i] = pm.ID
	}
	var answers []answerModel
	err := db.NewSelect().Model(&answers).
		Where("participant_id IN (?)", bun.In(ids)).
		Order("participant_id ASC", "question_index ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("select answers: %w", err)
	}
	byParticipant := make(map[string][]domain.Answer, len(models))
	for _, am := range answers {
		byParticipant[am.ParticipantID] = append(byParticipant[am.ParticipantID], domain.Answer{
			QuestionIndex:      am.QuestionIndex,
			Letter:             am.Letter,
			IsCorrect:          am.IsCorrect,
			AnsweredAtOffsetMs: am.AnsweredAtOffsetMs,
			PointsAwarded:      am.PointsAwarded,
		})
	}
	for _, pm := range models {
		p := pm.toDomain()
		p.Answers = byParticipant[pm.ID]
		out = append(out, p)
	}
	return out, nil
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr pgdriver.Error
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Field('C') == "23505" && pgErr.Field('n') == constraint
}

func toSessionModel(s domain.Session) sessionModel {
	return sessionModel{
		ID:                s.ID,
		PIN:               s.PIN,
		QuizSetID:         s.QuizSetID,
		HostToken:         s.HostToken,
		Phase:             string(s.Phase),
		QuestionIndex:     s.QuestionIndex,
		QuestionCount:     s.QuestionCount,
		AnswersSubmitted:  s.AnswersSubmitted,
		PlayerCount:       s.PlayerCount,
		Version:           s.Version,
		CreatedAt:         s.CreatedAt,
		StartedAt:         s.StartedAt,
		QuestionStartedAt: s.QuestionStartedAt,
		EndedAt:           s.EndedAt,
		ClaimReceipt:      s.ClaimReceipt,
	}
}

func (m sessionModel) toDomain() (domain.Session, error) {
	phase, err := domain.ParsePhase(m.Phase)
	if err != nil {
		return domain.Session{}, err
	}
	return domain.Session{
		ID:                m.ID,
		PIN:               m.PIN,
		QuizSetID:         m.QuizSetID,
		HostToken:         m.HostToken,
		Phase:             phase,
		QuestionIndex:     m.QuestionIndex,
		QuestionCount:     m.QuestionCount,
		AnswersSubmitted:  m.AnswersSubmitted,
		PlayerCount:       m.PlayerCount,
		Version:           m.Version,
		CreatedAt:         m.CreatedAt,
		StartedAt:         m.StartedAt,
		QuestionStartedAt: m.QuestionStartedAt,
		EndedAt:           m.EndedAt,
		RewardClaimed:     m.ClaimReceipt != "",
		ClaimReceipt:      m.ClaimReceipt,
	}, nil
}

func toParticipantModel(p domain.Participant) participantModel {
	return participantModel{
		ID:             p.ID,
		SessionID:      p.SessionID,
		DisplayName:    p.DisplayName,
		LedgerAddress:  p.LedgerAddress,
		Score:          p.Score,
		ReconnectToken: p.ReconnectToken,
		Seq:            p.Seq,
		JoinedAt:       p.JoinedAt,
	}
}

func (m participantModel) toDomain() domain.Participant {
	return domain.Participant{
		ID:             m.ID,
		SessionID:      m.SessionID,
		DisplayName:    m.DisplayName,
		LedgerAddress:  m.LedgerAddress,
		Score:          m.Score,
		ReconnectToken: m.ReconnectToken,
		Seq:            m.Seq,
		JoinedAt:       m.JoinedAt,
	}
}
