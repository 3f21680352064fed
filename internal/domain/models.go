package domain

import (
	"sort"
	"time"
)

// NoQuestion is the question index of a session that has not started yet.
const NoQuestion = -1

// Session is the versioned record of one quiz run, from lobby to finish.
// Version increases by one on every committed phase transition and is the
// compare-and-swap token for all conditional writes against the session.
type Session struct {
	ID                string     `json:"id"`
	PIN               string     `json:"pin"`
	QuizSetID         string     `json:"quizSetId"`
	HostToken         string     `json:"-"`
	Phase             Phase      `json:"phase"`
	QuestionIndex     int        `json:"currentQuestionIndex"`
	QuestionCount     int        `json:"questionCount"`
	AnswersSubmitted  int        `json:"answersSubmitted"`
	PlayerCount       int        `json:"playerCount"`
	Version           int64      `json:"version"`
	CreatedAt         time.Time  `json:"createdAt"`
	StartedAt         *time.Time `json:"startedAt,omitempty"`
	QuestionStartedAt *time.Time `json:"questionStartedAt,omitempty"`
	EndedAt           *time.Time `json:"endedAt,omitempty"`
	RewardClaimed     bool       `json:"rewardClaimed"`
	ClaimReceipt      string     `json:"claimReceipt,omitempty"`
}

// Validate checks the index/phase invariant of the record.
func (s Session) Validate() error {
	switch s.Phase {
	case PhaseLobby:
		if s.QuestionIndex != NoQuestion {
			return ErrInvalidTransition
		}
	case PhaseQuestion, PhaseAnswerReveal, PhaseLeaderboard:
		if s.QuestionIndex < 0 || s.QuestionIndex >= s.QuestionCount {
			return ErrInvalidTransition
		}
	case PhaseFinished:
		if s.EndedAt == nil {
			return ErrInvalidTransition
		}
	default:
		return ErrInvalidTransition
	}
	return nil
}

// Answer is one participant's recorded answer for a question.
type Answer struct {
	QuestionIndex      int    `json:"questionIndex"`
	Letter             string `json:"letter"`
	IsCorrect          bool   `json:"isCorrect"`
	AnsweredAtOffsetMs int64  `json:"answeredAtOffsetMs"`
	PointsAwarded      int64  `json:"pointsAwarded"`
}

// Participant is a joined player with an accumulating score.
// Seq is the per-session join order assigned by the store; it breaks score ties.
type Participant struct {
	ID             string    `json:"id"`
	SessionID      string    `json:"sessionId"`
	DisplayName    string    `json:"displayName"`
	LedgerAddress  string    `json:"ledgerAddress,omitempty"`
	Score          int64     `json:"score"`
	Answers        []Answer  `json:"answers"`
	ReconnectToken string    `json:"-"`
	Seq            int64     `json:"seq"`
	JoinedAt       time.Time `json:"joinedAt"`
}

// AnswerFor returns the recorded answer for a question index, if any.
func (p Participant) AnswerFor(questionIndex int) (Answer, bool) {
	for _, a := range p.Answers {
		if a.QuestionIndex == questionIndex {
			return a, true
		}
	}
	return Answer{}, false
}

// CorrectAnswers counts the participant's correct answers.
func (p Participant) CorrectAnswers() int {
	n := 0
	for _, a := range p.Answers {
		if a.IsCorrect {
			n++
		}
	}
	return n
}

// SortAnswers orders answers by question index in place.
func SortAnswers(answers []Answer) {
	sort.Slice(answers, func(i, j int) bool {
		return answers[i].QuestionIndex < answers[j].QuestionIndex
	})
}

// IdentityKind tells a host token apart from a participant token.
type IdentityKind string

const (
	IdentityHost        IdentityKind = "host"
	IdentityParticipant IdentityKind = "participant"
)

// Identity is what a reconnect token resolves to.
type Identity struct {
	Kind          IdentityKind
	SessionID     string
	ParticipantID string
}

// Letters are the valid answer choices, in choice order.
var Letters = [4]string{"A", "B", "C", "D"}

// Question is one multiple-choice question of a quiz set.
type Question struct {
	Index         int       `json:"index" yaml:"index"`
	Text          string    `json:"text" yaml:"text"`
	Choices       [4]string `json:"choices" yaml:"choices"`
	CorrectLetter string    `json:"correctLetter,omitempty" yaml:"correct"`
	TimeLimitMs   int64     `json:"timeLimitMs" yaml:"time_limit_ms"`
}

// QuizSet is an externally owned, ordered collection of questions.
type QuizSet struct {
	ID        string     `json:"id" yaml:"id"`
	Title     string     `json:"title" yaml:"title"`
	Questions []Question `json:"questions" yaml:"questions"`
}

// Question returns the question at index.
func (q QuizSet) Question(index int) (Question, error) {
	if index < 0 || index >= len(q.Questions) {
		return Question{}, ErrQuestionNotFound
	}
	return q.Questions[index], nil
}

// LeaderboardEntry is a snapshot-friendly view of a ranked participant.
type LeaderboardEntry struct {
	Rank           int    `json:"rank"`
	ParticipantID  string `json:"participantId"`
	DisplayName    string `json:"displayName"`
	Score          int64  `json:"score"`
	CorrectAnswers int    `json:"correctAnswers"`
}

// Leaderboard captures the ordered scoreboard for a game session.
type Leaderboard struct {
	SessionID string             `json:"sessionId"`
	Phase     Phase              `json:"phase"`
	Entries   []LeaderboardEntry `json:"entries"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

// Claim is a reward payout recorded against a session.
type Claim struct {
	SessionID     string    `json:"sessionId"`
	ParticipantID string    `json:"participantId"`
	LedgerAddress string    `json:"ledgerAddress"`
	Receipt       string    `json:"receipt"`
	ClaimedAt     time.Time `json:"claimedAt"`
}
