package domain

import "errors"

var (
	// ErrSessionNotFound is returned when a game session does not exist (or has expired).
	ErrSessionNotFound = errors.New("game session not found")
	// ErrSessionNotJoinable is returned when a join is attempted outside the lobby.
	ErrSessionNotJoinable = errors.New("game session is not accepting players")
	// ErrInvalidTransition is returned for a phase advance that is not a legal edge.
	ErrInvalidTransition = errors.New("invalid phase transition")
	// ErrStaleState is returned when a conditional write lost a race; re-read and retry.
	ErrStaleState = errors.New("game session state is stale")
	// ErrPhaseMismatch is returned when an answer targets a question that is not open.
	ErrPhaseMismatch = errors.New("question is not open for answers")
	// ErrAnswerWindowClosed is returned when an answer arrives after the time limit.
	ErrAnswerWindowClosed = errors.New("answer window closed")
	// ErrDuplicateAnswer is returned when a participant already answered the question.
	ErrDuplicateAnswer = errors.New("question already answered")
	// ErrReconnectTokenInvalid is returned for unknown tokens or tokens bound to another pin.
	ErrReconnectTokenInvalid = errors.New("reconnect token invalid")

	// ErrParticipantNotFound is returned when a participant id is unknown.
	ErrParticipantNotFound = errors.New("participant not found in session")
	// ErrQuizNotFound indicates the quiz set could not be loaded.
	ErrQuizNotFound = errors.New("quiz set not found")
	// ErrQuestionNotFound indicates a question index outside the quiz set.
	ErrQuestionNotFound = errors.New("question not found")
	// ErrPinInUse is returned by stores when an active session already owns the pin.
	ErrPinInUse = errors.New("pin already in use")
	// ErrNotEligible is returned when a reward claim fails the eligibility gate.
	ErrNotEligible = errors.New("participant is not eligible to claim the reward")
	// ErrRewardAlreadyClaimed is returned for a second claim on the same session.
	ErrRewardAlreadyClaimed = errors.New("reward already claimed")
	// ErrClaimRejected is returned when the reward vault refuses a claim.
	ErrClaimRejected = errors.New("reward claim rejected by vault")
	// ErrInvalidInput wraps request validation failures.
	ErrInvalidInput = errors.New("invalid input")
)

// IsRetryable reports whether err is safe to retry after re-reading state.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStaleState)
}

// Code is a machine-readable error code exposed to clients.
type Code string

const (
	CodeUnknown               Code = "UNKNOWN"
	CodeSessionNotFound       Code = "SESSION_NOT_FOUND"
	CodeSessionNotJoinable    Code = "SESSION_NOT_JOINABLE"
	CodeInvalidTransition     Code = "INVALID_TRANSITION"
	CodeStaleState            Code = "STALE_STATE"
	CodePhaseMismatch         Code = "PHASE_MISMATCH"
	CodeAnswerWindowClosed    Code = "ANSWER_WINDOW_CLOSED"
	CodeDuplicateAnswer       Code = "DUPLICATE_ANSWER"
	CodeReconnectTokenInvalid Code = "RECONNECT_TOKEN_INVALID"
	CodeParticipantNotFound   Code = "PARTICIPANT_NOT_FOUND"
	CodeQuizNotFound          Code = "QUIZ_NOT_FOUND"
	CodeQuestionNotFound      Code = "QUESTION_NOT_FOUND"
	CodePinInUse              Code = "PIN_IN_USE"
	CodeNotEligible           Code = "NOT_ELIGIBLE"
	CodeRewardAlreadyClaimed  Code = "REWARD_ALREADY_CLAIMED"
	CodeClaimRejected         Code = "CLAIM_REJECTED"
	CodeInvalidInput          Code = "INVALID_INPUT"
)

var codes = []struct {
	err  error
	code Code
}{
	{ErrSessionNotFound, CodeSessionNotFound},
	{ErrSessionNotJoinable, CodeSessionNotJoinable},
	{ErrInvalidTransition, CodeInvalidTransition},
	{ErrStaleState, CodeStaleState},
	{ErrPhaseMismatch, CodePhaseMismatch},
	{ErrAnswerWindowClosed, CodeAnswerWindowClosed},
	{ErrDuplicateAnswer, CodeDuplicateAnswer},
	{ErrReconnectTokenInvalid, CodeReconnectTokenInvalid},
	{ErrParticipantNotFound, CodeParticipantNotFound},
	{ErrQuizNotFound, CodeQuizNotFound},
	{ErrQuestionNotFound, CodeQuestionNotFound},
	{ErrPinInUse, CodePinInUse},
	{ErrNotEligible, CodeNotEligible},
	{ErrRewardAlreadyClaimed, CodeRewardAlreadyClaimed},
	{ErrClaimRejected, CodeClaimRejected},
	{ErrInvalidInput, CodeInvalidInput},
}

// ErrorCode returns the code of the first sentinel err wraps.
func ErrorCode(err error) Code {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeUnknown
}
