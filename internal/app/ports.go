package app

import (
	"context"

	"hoot-game-service/internal/domain"
)

// SessionStore persists sessions and participants. Every mutation is
// conditional on the session version the caller observed and is applied
// all-or-nothing; a version mismatch returns domain.ErrStaleState.
// Implementations live in internal/infra/{memory,redis,postgres}.
type SessionStore interface {
	// CreateSession stores a new session; domain.ErrPinInUse if an active
	// session already owns the pin.
	CreateSession(ctx context.Context, session domain.Session) error
	GetSession(ctx context.Context, sessionID string) (domain.Session, error)
	GetSessionByPIN(ctx context.Context, pin string) (domain.Session, error)
	// UpdatePhase commits next (whose Version is expectedVersion+1) if the
	// stored version still equals expectedVersion.
	UpdatePhase(ctx context.Context, expectedVersion int64, next domain.Session) (domain.Session, error)

	// AddParticipant stores participant, assigns its join Seq and increments
	// the player count, if the session version still equals expectedVersion.
	AddParticipant(ctx context.Context, expectedVersion int64, participant domain.Participant) (domain.Participant, domain.Session, error)
	// RemoveParticipant deletes participant and its token, under the same condition.
	RemoveParticipant(ctx context.Context, expectedVersion int64, participant domain.Participant) (domain.Session, error)
	GetParticipant(ctx context.Context, participantID string) (domain.Participant, error)
	// ListParticipants returns the session's participants in join order.
	ListParticipants(ctx context.Context, sessionID string) ([]domain.Participant, error)
	// ListParticipantsByLedgerAddress returns every stored participant, across
	// sessions, that bound ledgerAddress at join.
	ListParticipantsByLedgerAddress(ctx context.Context, ledgerAddress string) ([]domain.Participant, error)

	// RecordAnswer appends answer, adds its points to the participant score and
	// increments the session's answer count, if the session version still
	// equals expectedVersion. domain.ErrDuplicateAnswer if the participant
	// already has an answer for the question.
	RecordAnswer(ctx context.Context, sessionID string, expectedVersion int64, participantID string, answer domain.Answer) (domain.Participant, domain.Session, error)

	// ResolveToken maps a reconnect token to the identity it was issued for.
	ResolveToken(ctx context.Context, token string) (domain.Identity, error)

	// MarkRewardClaimed sets the one-time claim flag with a provisional
	// receipt; domain.ErrRewardAlreadyClaimed if it is already set.
	MarkRewardClaimed(ctx context.Context, sessionID, receipt string) (domain.Session, error)
	// SettleRewardClaim replaces the provisional receipt with the final one, or
	// clears the flag when receipt is empty. domain.ErrRewardAlreadyClaimed if
	// the stored receipt is no longer provisional.
	SettleRewardClaim(ctx context.Context, sessionID, provisional, receipt string) (domain.Session, error)
}

// QuizRepository loads quiz content (from cache/backing store).
type QuizRepository interface {
	GetQuizSet(ctx context.Context, quizSetID string) (domain.QuizSet, error)
}

// Broadcaster fans session events out to observers. Delivery is ordered per
// topic; a subscriber that falls behind has its channel closed and must
// re-read state and resubscribe.
type Broadcaster interface {
	Publish(ctx context.Context, topic string, event domain.Event) error
	Subscribe(ctx context.Context, topic string) (<-chan domain.Event, func(), error)
}

// RewardVault releases the escrowed reward. It is called only after the
// eligibility gate passed; it returns a receipt or wraps domain.ErrClaimRejected.
type RewardVault interface {
	Claim(ctx context.Context, sessionID, ledgerAddress string) (string, error)
}
