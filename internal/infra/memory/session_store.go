package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"hoot-game-service/internal/domain"
)

// SessionStore is an in-memory implementation of app.SessionStore. The mutex
// stands in for the conditional write of a shared store: every mutation checks
// the session version under the lock and applies all-or-nothing.
type SessionStore struct {
	mu           sync.RWMutex
	sessions     map[string]domain.Session
	pins         map[string]string
	participants map[string]domain.Participant
	joinOrder    map[string][]string
	tokens       map[string]domain.Identity
	seq          map[string]int64
}

func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions:     make(map[string]domain.Session),
		pins:         make(map[string]string),
		participants: make(map[string]domain.Participant),
		joinOrder:    make(map[string][]string),
		tokens:       make(map[string]domain.Identity),
		seq:          make(map[string]int64),
	}
}

func (s *SessionStore) CreateSession(_ context.Context, session domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[session.ID]; ok {
		return fmt.Errorf("session %s already exists", session.ID)
	}
	if _, ok := s.pins[session.PIN]; ok {
		return domain.ErrPinInUse
	}
	s.sessions[session.ID] = session
	s.pins[session.PIN] = session.ID
	s.tokens[session.HostToken] = domain.Identity{Kind: domain.IdentityHost, SessionID: session.ID}
	return nil
}

func (s *SessionStore) GetSession(_ context.Context, sessionID string) (domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	return session, nil
}

func (s *SessionStore) GetSessionByPIN(_ context.Context, pin string) (domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.pins[pin]
	if !ok {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	return s.sessions[id], nil
}

func (s *SessionStore) UpdatePhase(_ context.Context, expectedVersion int64, next domain.Session) (domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, err := s.currentLocked(next.ID, expectedVersion)
	if err != nil {
		return domain.Session{}, err
	}
	committed := stored.CommitPhase(next)
	s.sessions[committed.ID] = committed
	if committed.Phase == domain.PhaseFinished {
		delete(s.pins, committed.PIN)
	}
	return committed, nil
}

func (s *SessionStore) AddParticipant(_ context.Context, expectedVersion int64, participant domain.Participant) (domain.Participant, domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.currentLocked(participant.SessionID, expectedVersion)
	if err != nil {
		return domain.Participant{}, domain.Session{}, err
	}
	if _, ok := s.participants[participant.ID]; ok {
		return domain.Participant{}, domain.Session{}, fmt.Errorf("participant %s already exists", participant.ID)
	}

	s.seq[session.ID]++
	participant.Seq = s.seq[session.ID]
	participant.Answers = nil
	participant.Score = 0
	s.participants[participant.ID] = participant
	s.joinOrder[session.ID] = append(s.joinOrder[session.ID], participant.ID)
	s.tokens[participant.ReconnectToken] = domain.Identity{
		Kind:          domain.IdentityParticipant,
		SessionID:     session.ID,
		ParticipantID: participant.ID,
	}
	session.PlayerCount++
	s.sessions[session.ID] = session
	return participant, session, nil
}

func (s *SessionStore) RemoveParticipant(_ context.Context, expectedVersion int64, participant domain.Participant) (domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.currentLocked(participant.SessionID, expectedVersion)
	if err != nil {
		return domain.Session{}, err
	}
	stored, ok := s.participants[participant.ID]
	if !ok || stored.SessionID != session.ID {
		return domain.Session{}, domain.ErrParticipantNotFound
	}

	delete(s.participants, stored.ID)
	delete(s.tokens, stored.ReconnectToken)
	order := s.joinOrder[session.ID]
	for i, id := range order {
		if id == stored.ID {
			s.joinOrder[session.ID] = append(order[:i:i], order[i+1:]...)
			break
		}
	}
	session.PlayerCount--
	s.sessions[session.ID] = session
	return session, nil
}

func (s *SessionStore) GetParticipant(_ context.Context, participantID string) (domain.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	participant, ok := s.participants[participantID]
	if !ok {
		return domain.Participant{}, domain.ErrParticipantNotFound
	}
	return cloneParticipant(participant), nil
}

func (s *SessionStore) ListParticipants(_ context.Context, sessionID string) ([]domain.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return nil, domain.ErrSessionNotFound
	}
	order := s.joinOrder[sessionID]
	out := make([]domain.Participant, 0, len(order))
	for _, id := range order {
		out = append(out, cloneParticipant(s.participants[id]))
	}
	return out, nil
}

func (s *SessionStore) ListParticipantsByLedgerAddress(_ context.Context, ledgerAddress string) ([]domain.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []domain.Participant{}
	if ledgerAddress == "" {
		return out, nil
	}
	for _, p := range s.participants {
		if p.LedgerAddress == ledgerAddress {
			out = append(out, cloneParticipant(p))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *SessionStore) RecordAnswer(_ context.Context, sessionID string, expectedVersion int64, participantID string, answer domain.Answer) (domain.Participant, domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.currentLocked(sessionID, expectedVersion)
	if err != nil {
		return domain.Participant{}, domain.Session{}, err
	}
	participant, ok := s.participants[participantID]
	if !ok || participant.SessionID != sessionID {
		return domain.Participant{}, domain.Session{}, domain.ErrParticipantNotFound
	}
	if _, dup := participant.AnswerFor(answer.QuestionIndex); dup {
		return domain.Participant{}, domain.Session{}, domain.ErrDuplicateAnswer
	}

	participant = cloneParticipant(participant)
	participant.Answers = append(participant.Answers, answer)
	domain.SortAnswers(participant.Answers)
	participant.Score += answer.PointsAwarded
	s.participants[participantID] = participant

	session.AnswersSubmitted++
	s.sessions[sessionID] = session
	return cloneParticipant(participant), session, nil
}

func (s *SessionStore) ResolveToken(_ context.Context, token string) (domain.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	identity, ok := s.tokens[token]
	if !ok {
		return domain.Identity{}, domain.ErrReconnectTokenInvalid
	}
	return identity, nil
}

func (s *SessionStore) MarkRewardClaimed(_ context.Context, sessionID, receipt string) (domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	if session.RewardClaimed {
		return domain.Session{}, domain.ErrRewardAlreadyClaimed
	}
	session.RewardClaimed = true
	session.ClaimReceipt = receipt
	s.sessions[sessionID] = session
	return session, nil
}

func (s *SessionStore) SettleRewardClaim(_ context.Context, sessionID, provisional, receipt string) (domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	if !session.RewardClaimed || session.ClaimReceipt != provisional {
		return domain.Session{}, domain.ErrRewardAlreadyClaimed
	}
	session.RewardClaimed = receipt != ""
	session.ClaimReceipt = receipt
	s.sessions[sessionID] = session
	return session, nil
}

func (s *SessionStore) currentLocked(sessionID string, expectedVersion int64) (domain.Session, error) {
	session, ok := s.sessions[sessionID]
	if !ok {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	if session.Version != expectedVersion {
		return domain.Session{}, domain.ErrStaleState
	}
	return session, nil
}

func cloneParticipant(p domain.Participant) domain.Participant {
	if p.Answers != nil {
		answers := make([]domain.Answer, len(p.Answers))
		copy(answers, p.Answers)
		p.Answers = answers
	}
	return p
}
