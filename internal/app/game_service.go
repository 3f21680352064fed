package app

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"hoot-game-service/internal/domain"
	"hoot-game-service/internal/logger"
	"hoot-game-service/internal/metrics"
)

// Settings are the game rules that are not part of the quiz content.
type Settings struct {
	// DefaultTimeLimit applies to questions stored without a limit.
	DefaultTimeLimit time.Duration
	// AnswerGrace is added to the limit when checking server-side elapsed time.
	AnswerGrace time.Duration
	// PINAttempts bounds PIN regeneration on collisions.
	PINAttempts int
	// StaleRetries bounds automatic re-read-and-retry for join, answer and leave.
	StaleRetries int
}

// DefaultSettings returns a 20s limit, 1s grace, 5 PIN attempts and 5 retries.
func DefaultSettings() Settings {
	return Settings{
		DefaultTimeLimit: 20 * time.Second,
		AnswerGrace:      time.Second,
		PINAttempts:      5,
		StaleRetries:     5,
	}
}

// Option customizes a GameService.
type Option func(*GameService)

// WithClock overrides time.Now, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(s *GameService) { s.now = now }
}

func WithLogger(log *logrus.Entry) Option {
	return func(s *GameService) { s.log = log }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *GameService) { s.metrics = m }
}

func WithScorer(scorer domain.Scorer) Option {
	return func(s *GameService) { s.scorer = scorer }
}

func WithSettings(settings Settings) Option {
	return func(s *GameService) { s.settings = settings }
}

// GameService is the session orchestration core. It keeps no per-session
// state of its own: every decision is made against a freshly read record and
// committed through a conditional store write.
type GameService struct {
	store   SessionStore
	quizzes QuizRepository
	events  Broadcaster
	vault   RewardVault

	scorer   domain.Scorer
	settings Settings
	now      func() time.Time
	log      *logrus.Entry
	metrics  *metrics.Metrics
	validate *validator.Validate
}

func NewGameService(store SessionStore, quizzes QuizRepository, events Broadcaster, vault RewardVault, opts ...Option) *GameService {
	s := &GameService{
		store:    store,
		quizzes:  quizzes,
		events:   events,
		vault:    vault,
		scorer:   domain.DefaultScorer(),
		settings: DefaultSettings(),
		now:      time.Now,
		log:      logger.Discard(),
		validate: newValidator(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateSession opens a lobby for a quiz set and issues the host token.
func (s *GameService) CreateSession(ctx context.Context, in CreateSessionInput) (HostSession, error) {
	if err := validateInput(s.validate, in); err != nil {
		return HostSession{}, s.reject("create_session", err)
	}
	quiz, err := s.quizzes.GetQuizSet(ctx, in.QuizSetID)
	if err != nil {
		return HostSession{}, s.reject("create_session", err)
	}
	if len(quiz.Questions) == 0 {
		return HostSession{}, s.reject("create_session", fmt.Errorf("%w: quiz set %s has no questions", domain.ErrInvalidInput, quiz.ID))
	}
	hostToken, err := newToken()
	if err != nil {
		return HostSession{}, err
	}

	now := s.now().UTC()
	session := domain.Session{
		ID:            newID(),
		QuizSetID:     quiz.ID,
		HostToken:     hostToken,
		Phase:         domain.PhaseLobby,
		QuestionIndex: domain.NoQuestion,
		QuestionCount: len(quiz.Questions),
		Version:       1,
		CreatedAt:     now,
	}

	attempts := s.settings.PINAttempts
	if attempts < 1 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		if session.PIN, err = newPIN(); err != nil {
			return HostSession{}, err
		}
		err = s.store.CreateSession(ctx, session)
		if !errors.Is(err, domain.ErrPinInUse) {
			break
		}
		s.log.WithField("pin", session.PIN).Debug("pin collision, regenerating")
	}
	if err != nil {
		return HostSession{}, s.reject("create_session", err)
	}

	s.log.WithFields(logrus.Fields{
		"session_id":  session.ID,
		"quiz_set_id": session.QuizSetID,
		"questions":   session.QuestionCount,
	}).Info("session created")
	s.publish(ctx, domain.NewSessionEvent(domain.EventSessionCreated, session, now))
	return HostSession{Session: session, HostToken: hostToken}, nil
}

// Join adds a player to a session that is still in the lobby.
func (s *GameService) Join(ctx context.Context, in JoinInput) (JoinResult, error) {
	in.DisplayName = strings.TrimSpace(in.DisplayName)
	in.LedgerAddress = strings.TrimSpace(in.LedgerAddress)
	in.PIN = strings.TrimSpace(in.PIN)
	if err := validateInput(s.validate, in); err != nil {
		return JoinResult{}, s.reject("join", err)
	}
	token, err := newToken()
	if err != nil {
		return JoinResult{}, err
	}
	participant := domain.Participant{
		ID:             newID(),
		DisplayName:    in.DisplayName,
		LedgerAddress:  in.LedgerAddress,
		ReconnectToken: token,
	}

	var (
		stored  domain.Participant
		session domain.Session
	)
	err = s.retry(ctx, func() error {
		current, err := s.lookup(ctx, in.SessionID, in.PIN)
		if err != nil {
			return err
		}
		if current.Phase != domain.PhaseLobby {
			return domain.ErrSessionNotJoinable
		}
		participant.SessionID = current.ID
		participant.JoinedAt = s.now().UTC()
		stored, session, err = s.store.AddParticipant(ctx, current.Version, participant)
		return err
	})
	if err != nil {
		return JoinResult{}, s.reject("join", err)
	}

	s.log.WithFields(logrus.Fields{
		"session_id":     session.ID,
		"participant_id": stored.ID,
		"players":        session.PlayerCount,
	}).Info("participant joined")
	ev := domain.NewSessionEvent(domain.EventParticipantJoined, session, stored.JoinedAt)
	ev.ParticipantID = stored.ID
	s.publish(ctx, ev)
	return JoinResult{Session: session, Participant: stored, ReconnectToken: token}, nil
}

// Reconnect resolves a host or participant token bound to pin and returns the
// current state. It never writes.
func (s *GameService) Reconnect(ctx context.Context, token, pin string) (Reconnection, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Reconnection{}, s.reject("reconnect", domain.ErrReconnectTokenInvalid)
	}
	identity, err := s.store.ResolveToken(ctx, token)
	if err != nil {
		return Reconnection{}, s.reject("reconnect", err)
	}
	session, err := s.store.GetSession(ctx, identity.SessionID)
	if err != nil {
		return Reconnection{}, s.reject("reconnect", err)
	}
	if session.PIN != strings.TrimSpace(pin) {
		return Reconnection{}, s.reject("reconnect", domain.ErrReconnectTokenInvalid)
	}

	if identity.Kind == domain.IdentityHost {
		if !tokenEqual(session.HostToken, token) {
			return Reconnection{}, s.reject("reconnect", domain.ErrReconnectTokenInvalid)
		}
		return Reconnection{Session: session, Host: true}, nil
	}

	participant, err := s.store.GetParticipant(ctx, identity.ParticipantID)
	if errors.Is(err, domain.ErrParticipantNotFound) {
		return Reconnection{}, s.reject("reconnect", domain.ErrReconnectTokenInvalid)
	}
	if err != nil {
		return Reconnection{}, err
	}
	if participant.SessionID != session.ID || !tokenEqual(participant.ReconnectToken, token) {
		return Reconnection{}, s.reject("reconnect", domain.ErrReconnectTokenInvalid)
	}
	return Reconnection{Session: session, Participant: &participant}, nil
}

// AdvancePhase moves the session along its only legal edge. A lost race is
// returned as domain.ErrStaleState and is not retried here: the host decides
// whether it still wants to advance from the state it now observes.
func (s *GameService) AdvancePhase(ctx context.Context, in AdvanceInput) (domain.Session, error) {
	if err := validateInput(s.validate, in); err != nil {
		return domain.Session{}, s.reject("advance_phase", err)
	}
	current, err := s.store.GetSession(ctx, in.SessionID)
	if err != nil {
		return domain.Session{}, s.reject("advance_phase", err)
	}
	if !tokenEqual(current.HostToken, in.HostToken) {
		return domain.Session{}, s.reject("advance_phase", domain.ErrReconnectTokenInvalid)
	}
	if in.ExpectedVersion != nil && *in.ExpectedVersion != current.Version {
		return domain.Session{}, s.reject("advance_phase", domain.ErrStaleState)
	}

	now := s.now().UTC()
	next, err := current.Advance(in.Target, now)
	if err != nil {
		return domain.Session{}, s.reject("advance_phase", err)
	}
	committed, err := s.store.UpdatePhase(ctx, current.Version, next)
	if err != nil {
		return domain.Session{}, s.reject("advance_phase", err)
	}

	s.metrics.ObservePhase(string(committed.Phase))
	s.log.WithFields(logrus.Fields{
		"session_id": committed.ID,
		"phase":      committed.Phase,
		"question":   committed.QuestionIndex,
		"version":    committed.Version,
	}).Info("phase advanced")
	s.publish(ctx, domain.NewSessionEvent(domain.EventPhaseChanged, committed, now))
	return committed, nil
}

// SubmitAnswer validates, scores and records one answer.
func (s *GameService) SubmitAnswer(ctx context.Context, in SubmitAnswerInput) (AnswerResult, error) {
	if err := validateInput(s.validate, in); err != nil {
		return AnswerResult{}, s.reject("submit_answer", err)
	}

	var (
		answer  domain.Answer
		player  domain.Participant
		session domain.Session
	)
	err := s.retry(ctx, func() error {
		participant, err := s.store.GetParticipant(ctx, in.ParticipantID)
		if err != nil {
			return err
		}
		if _, ok := participant.AnswerFor(in.QuestionIndex); ok {
			return domain.ErrDuplicateAnswer
		}
		current, err := s.store.GetSession(ctx, participant.SessionID)
		if err != nil {
			return err
		}
		if current.Phase != domain.PhaseQuestion || current.QuestionIndex != in.QuestionIndex {
			return domain.ErrPhaseMismatch
		}
		question, err := s.question(ctx, current)
		if err != nil {
			return err
		}

		limitMs := question.TimeLimitMs
		if in.AnsweredAtOffsetMs > limitMs {
			return domain.ErrAnswerWindowClosed
		}
		limit := time.Duration(limitMs) * time.Millisecond
		if current.Elapsed(s.now()) > limit+s.settings.AnswerGrace {
			return domain.ErrAnswerWindowClosed
		}

		correct := in.Letter == question.CorrectLetter
		points := s.scorer.Score(correct, uint64(in.AnsweredAtOffsetMs), uint64(limitMs))
		answer = domain.Answer{
			QuestionIndex:      in.QuestionIndex,
			Letter:             in.Letter,
			IsCorrect:          correct,
			AnsweredAtOffsetMs: in.AnsweredAtOffsetMs,
			PointsAwarded:      int64(points),
		}
		player, session, err = s.store.RecordAnswer(ctx, current.ID, current.Version, participant.ID, answer)
		return err
	})
	if err != nil {
		return AnswerResult{}, s.reject("submit_answer", err)
	}

	s.metrics.ObserveAnswer(answer.IsCorrect)
	s.log.WithFields(logrus.Fields{
		"session_id":     session.ID,
		"participant_id": player.ID,
		"question":       answer.QuestionIndex,
		"correct":        answer.IsCorrect,
		"points":         answer.PointsAwarded,
	}).Debug("answer recorded")
	ev := domain.NewSessionEvent(domain.EventAnswerSubmitted, session, s.now().UTC())
	ev.ParticipantID = player.ID
	s.publish(ctx, ev)
	return AnswerResult{Answer: answer, TotalScore: player.Score, AnswersSubmitted: session.AnswersSubmitted}, nil
}

// GetLeaderboard ranks the session's participants by current score.
func (s *GameService) GetLeaderboard(ctx context.Context, sessionID string) (domain.Leaderboard, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return domain.Leaderboard{}, s.reject("get_leaderboard", err)
	}
	participants, err := s.store.ListParticipants(ctx, sessionID)
	if err != nil {
		return domain.Leaderboard{}, s.reject("get_leaderboard", err)
	}
	return domain.BuildLeaderboard(session, participants, s.now().UTC()), nil
}

// CheckClaimEligibility evaluates the reward gate from current scores.
func (s *GameService) CheckClaimEligibility(ctx context.Context, sessionID, participantID, ledgerAddress string) (Eligibility, error) {
	session, participants, participant, err := s.claimState(ctx, sessionID, participantID)
	if err != nil {
		return Eligibility{}, s.reject("check_claim_eligibility", err)
	}
	out := Eligibility{Eligible: domain.IsEligibleToClaim(participant, participants, session, ledgerAddress)}
	if lb := domain.BuildLeaderboard(session, participants, s.now().UTC()); len(lb.Entries) > 0 {
		winner := lb.Entries[0]
		out.Winner = &winner
	}
	return out, nil
}

// ClaimReward releases the reward to the eligible winner once per session.
// The one-time flag is reserved with a conditional write before the vault is
// called, so concurrent claims across instances pay out at most once. A vault
// failure releases the reservation and the claim may be retried.
func (s *GameService) ClaimReward(ctx context.Context, in ClaimInput) (domain.Claim, error) {
	if err := validateInput(s.validate, in); err != nil {
		return domain.Claim{}, s.reject("claim_reward", err)
	}
	session, participants, participant, err := s.claimState(ctx, in.SessionID, in.ParticipantID)
	if err != nil {
		return domain.Claim{}, s.reject("claim_reward", err)
	}
	if session.RewardClaimed {
		return domain.Claim{}, s.reject("claim_reward", domain.ErrRewardAlreadyClaimed)
	}
	if !domain.IsEligibleToClaim(participant, participants, session, in.LedgerAddress) {
		return domain.Claim{}, s.reject("claim_reward", domain.ErrNotEligible)
	}

	reservation := pendingReceiptPrefix + newID()
	if _, err := s.store.MarkRewardClaimed(ctx, session.ID, reservation); err != nil {
		return domain.Claim{}, s.reject("claim_reward", err)
	}

	receipt, err := s.vault.Claim(ctx, session.ID, participant.LedgerAddress)
	if err != nil {
		if _, releaseErr := s.store.SettleRewardClaim(ctx, session.ID, reservation, ""); releaseErr != nil {
			s.log.WithError(releaseErr).WithField("session_id", session.ID).Error("release claim reservation failed")
		}
		if !errors.Is(err, domain.ErrClaimRejected) {
			err = fmt.Errorf("%w: %v", domain.ErrClaimRejected, err)
		}
		return domain.Claim{}, s.reject("claim_reward", err)
	}
	updated, err := s.store.SettleRewardClaim(ctx, session.ID, reservation, receipt)
	if err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"session_id": session.ID,
			"receipt":    receipt,
		}).Error("reward paid but receipt not recorded")
		return domain.Claim{}, s.reject("claim_reward", err)
	}

	now := s.now().UTC()
	s.log.WithFields(logrus.Fields{
		"session_id":     updated.ID,
		"participant_id": participant.ID,
		"receipt":        receipt,
	}).Info("reward claimed")
	ev := domain.NewSessionEvent(domain.EventRewardClaimed, updated, now)
	ev.ParticipantID = participant.ID
	s.publish(ctx, ev)
	return domain.Claim{
		SessionID:     updated.ID,
		ParticipantID: participant.ID,
		LedgerAddress: participant.LedgerAddress,
		Receipt:       receipt,
		ClaimedAt:     now,
	}, nil
}

// ListUnclaimedRewards returns the finished sessions that ledgerAddress won
// and has not claimed yet, most recent first. Eligibility is recomputed from
// current scores for every candidate.
func (s *GameService) ListUnclaimedRewards(ctx context.Context, ledgerAddress string) ([]UnclaimedReward, error) {
	ledgerAddress = strings.TrimSpace(ledgerAddress)
	if err := validateInput(s.validate, UnclaimedRewardsInput{LedgerAddress: ledgerAddress}); err != nil {
		return nil, s.reject("list_unclaimed_rewards", err)
	}
	candidates, err := s.store.ListParticipantsByLedgerAddress(ctx, ledgerAddress)
	if err != nil {
		return nil, s.reject("list_unclaimed_rewards", err)
	}

	out := []UnclaimedReward{}
	for _, candidate := range candidates {
		session, err := s.store.GetSession(ctx, candidate.SessionID)
		if errors.Is(err, domain.ErrSessionNotFound) {
			continue
		}
		if err != nil {
			return nil, s.reject("list_unclaimed_rewards", err)
		}
		if session.Phase != domain.PhaseFinished || session.RewardClaimed {
			continue
		}
		participants, err := s.store.ListParticipants(ctx, session.ID)
		if err != nil {
			return nil, s.reject("list_unclaimed_rewards", err)
		}
		for _, p := range participants {
			if p.ID != candidate.ID {
				continue
			}
			if domain.IsEligibleToClaim(p, participants, session, ledgerAddress) {
				out = append(out, UnclaimedReward{
					SessionID:     session.ID,
					QuizSetID:     session.QuizSetID,
					ParticipantID: p.ID,
					DisplayName:   p.DisplayName,
					Score:         p.Score,
					EndedAt:       session.EndedAt,
				})
			}
			break
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return endedAt(out[i]).After(endedAt(out[j]))
	})
	return out, nil
}

// Leave removes a participant while the session is still in the lobby.
func (s *GameService) Leave(ctx context.Context, participantID string) error {
	var (
		participant domain.Participant
		session     domain.Session
	)
	err := s.retry(ctx, func() error {
		var err error
		participant, err = s.store.GetParticipant(ctx, participantID)
		if err != nil {
			return err
		}
		current, err := s.store.GetSession(ctx, participant.SessionID)
		if err != nil {
			return err
		}
		if current.Phase != domain.PhaseLobby {
			return domain.ErrPhaseMismatch
		}
		session, err = s.store.RemoveParticipant(ctx, current.Version, participant)
		return err
	})
	if err != nil {
		return s.reject("leave", err)
	}

	s.log.WithFields(logrus.Fields{
		"session_id":     session.ID,
		"participant_id": participant.ID,
		"players":        session.PlayerCount,
	}).Info("participant left")
	ev := domain.NewSessionEvent(domain.EventParticipantLeft, session, s.now().UTC())
	ev.ParticipantID = participant.ID
	s.publish(ctx, ev)
	return nil
}

// Subscribe streams the session's events. The caller must invoke the returned
// cancel function to avoid leaks.
func (s *GameService) Subscribe(ctx context.Context, sessionID string) (<-chan domain.Event, func(), error) {
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return nil, nil, s.reject("subscribe", err)
	}
	updates, cancel, err := s.events.Subscribe(ctx, domain.SessionTopic(sessionID))
	if err != nil {
		return nil, nil, s.reject("subscribe", err)
	}
	return updates, cancel, nil
}

// GetQuestion returns the session's current question. The correct letter is
// withheld while the question is still open.
func (s *GameService) GetQuestion(ctx context.Context, sessionID string) (domain.Question, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return domain.Question{}, s.reject("get_question", err)
	}
	if session.QuestionIndex == domain.NoQuestion {
		return domain.Question{}, s.reject("get_question", domain.ErrPhaseMismatch)
	}
	question, err := s.question(ctx, session)
	if err != nil {
		return domain.Question{}, s.reject("get_question", err)
	}
	if session.Phase == domain.PhaseQuestion {
		question.CorrectLetter = ""
	}
	return question, nil
}

func (s *GameService) question(ctx context.Context, session domain.Session) (domain.Question, error) {
	quiz, err := s.quizzes.GetQuizSet(ctx, session.QuizSetID)
	if err != nil {
		return domain.Question{}, err
	}
	question, err := quiz.Question(session.QuestionIndex)
	if err != nil {
		return domain.Question{}, err
	}
	if question.TimeLimitMs <= 0 {
		question.TimeLimitMs = s.settings.DefaultTimeLimit.Milliseconds()
	}
	return question, nil
}

func (s *GameService) lookup(ctx context.Context, sessionID, pin string) (domain.Session, error) {
	if sessionID != "" {
		return s.store.GetSession(ctx, sessionID)
	}
	return s.store.GetSessionByPIN(ctx, pin)
}

func (s *GameService) claimState(ctx context.Context, sessionID, participantID string) (domain.Session, []domain.Participant, domain.Participant, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return domain.Session{}, nil, domain.Participant{}, err
	}
	participants, err := s.store.ListParticipants(ctx, sessionID)
	if err != nil {
		return domain.Session{}, nil, domain.Participant{}, err
	}
	for _, p := range participants {
		if p.ID == participantID {
			return session, participants, p, nil
		}
	}
	return domain.Session{}, nil, domain.Participant{}, domain.ErrParticipantNotFound
}

// retry re-runs fn after a lost conditional write, up to StaleRetries times.
func (s *GameService) retry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt <= s.settings.StaleRetries; attempt++ {
		err = fn()
		if !domain.IsRetryable(err) {
			return err
		}
		s.metrics.ObserveStale()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return err
		}
	}
	return err
}

// publish is best effort: committed state is authoritative and observers
// re-read it on reconnect.
func (s *GameService) publish(ctx context.Context, ev domain.Event) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, domain.SessionTopic(ev.SessionID), ev); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"session_id": ev.SessionID,
			"event":      ev.Type,
		}).Warn("publish event failed")
	}
}

func (s *GameService) reject(operation string, err error) error {
	code := domain.ErrorCode(err)
	if code == domain.CodeStaleState && operation == "advance_phase" {
		s.metrics.ObserveStale()
	}
	s.metrics.ObserveRejection(operation, string(code))
	entry := s.log.WithError(err).WithField("operation", operation)
	if code == domain.CodeUnknown {
		entry.Error("request failed")
	} else {
		entry.WithField("code", code).Debug("request rejected")
	}
	return err
}

// pendingReceiptPrefix marks a claim flag reserved while the vault pays out.
const pendingReceiptPrefix = "pending-"

func endedAt(r UnclaimedReward) time.Time {
	if r.EndedAt == nil {
		return time.Time{}
	}
	return *r.EndedAt
}

func tokenEqual(stored, presented string) bool {
	if stored == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(presented)) == 1
}
