package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"hoot-game-service/internal/domain"
)

// CreateSessionInput starts a new session for a quiz set.
type CreateSessionInput struct {
	QuizSetID string `json:"quizSetId" validate:"required,max=128"`
}

// HostSession is returned once, at creation; HostToken is the only copy.
type HostSession struct {
	Session   domain.Session `json:"session"`
	HostToken string         `json:"hostToken"`
}

// JoinInput adds a player to a session in the lobby, addressed by id or PIN.
type JoinInput struct {
	SessionID     string `json:"sessionId" validate:"required_without=PIN,max=64"`
	PIN           string `json:"pin" validate:"omitempty,numeric,len=6"`
	DisplayName   string `json:"displayName" validate:"required,min=1,max=32"`
	LedgerAddress string `json:"ledgerAddress" validate:"omitempty,max=128"`
}

// JoinResult carries the new participant and its reconnect token.
type JoinResult struct {
	Session        domain.Session     `json:"session"`
	Participant    domain.Participant `json:"participant"`
	ReconnectToken string             `json:"reconnectToken"`
}

// Reconnection is the state a reconnecting client resumes from. Participant
// is nil for the host.
type Reconnection struct {
	Session     domain.Session      `json:"session"`
	Participant *domain.Participant `json:"participant,omitempty"`
	Host        bool                `json:"host"`
}

// AdvanceInput asks for the next phase. Target and ExpectedVersion are
// optional guards: the computed next phase must equal Target, and the stored
// version must equal ExpectedVersion.
type AdvanceInput struct {
	SessionID       string       `json:"sessionId" validate:"required"`
	HostToken       string       `json:"hostToken" validate:"required"`
	Target          domain.Phase `json:"targetPhase,omitempty" validate:"omitempty,oneof=question answer_reveal leaderboard finished"`
	ExpectedVersion *int64       `json:"expectedVersion,omitempty"`
}

// SubmitAnswerInput is one player's answer for the open question.
type SubmitAnswerInput struct {
	ParticipantID      string `json:"participantId" validate:"required"`
	QuestionIndex      int    `json:"questionIndex" validate:"gte=0"`
	Letter             string `json:"letter" validate:"required,oneof=A B C D"`
	AnsweredAtOffsetMs int64  `json:"answeredAtOffsetMs" validate:"gte=0"`
}

// AnswerResult summarizes the outcome of a submission for a single player.
type AnswerResult struct {
	Answer           domain.Answer `json:"answer"`
	TotalScore       int64         `json:"totalScore"`
	AnswersSubmitted int           `json:"answersSubmitted"`
}

// Eligibility is the fresh outcome of the reward gate.
type Eligibility struct {
	Eligible bool                     `json:"eligible"`
	Winner   *domain.LeaderboardEntry `json:"winner,omitempty"`
}

// UnclaimedRewardsInput names the ledger address whose wins are listed.
type UnclaimedRewardsInput struct {
	LedgerAddress string `json:"ledgerAddress" validate:"required,max=128"`
}

// UnclaimedReward is a finished session the ledger address won but has not
// claimed.
type UnclaimedReward struct {
	SessionID     string     `json:"sessionId"`
	QuizSetID     string     `json:"quizSetId"`
	ParticipantID string     `json:"participantId"`
	DisplayName   string     `json:"displayName"`
	Score         int64      `json:"score"`
	EndedAt       *time.Time `json:"endedAt,omitempty"`
}

// ClaimInput claims the reward for a finished session.
type ClaimInput struct {
	SessionID     string `json:"sessionId" validate:"required"`
	ParticipantID string `json:"participantId" validate:"required"`
	LedgerAddress string `json:"ledgerAddress" validate:"required,max=128"`
}

func newValidator() *validator.Validate {
	return validator.New()
}

// validateInput runs struct validation and reports the failing fields under
// domain.ErrInvalidInput.
func validateInput(v *validator.Validate, in any) error {
	err := v.Struct(in)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		parts := make([]string, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
		return fmt.Errorf("%w: %s", domain.ErrInvalidInput, strings.Join(parts, ", "))
	}
	return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
}
