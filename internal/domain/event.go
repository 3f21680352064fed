package domain

import "time"

// EventType names a session change pushed to observers.
type EventType string

const (
	EventSessionCreated    EventType = "session.created"
	EventParticipantJoined EventType = "participant.joined"
	EventParticipantLeft   EventType = "participant.left"
	EventPhaseChanged      EventType = "phase.changed"
	EventAnswerSubmitted   EventType = "answer.submitted"
	EventRewardClaimed     EventType = "reward.claimed"
)

// Event is a change notification. It carries enough for observers to update
// counters in place; anything else is re-read from the store.
type Event struct {
	Type             EventType `json:"type"`
	SessionID        string    `json:"sessionId"`
	Version          int64     `json:"version"`
	Phase            Phase     `json:"phase"`
	QuestionIndex    int       `json:"questionIndex"`
	AnswersSubmitted int       `json:"answersSubmitted"`
	PlayerCount      int       `json:"playerCount"`
	ParticipantID    string    `json:"participantId,omitempty"`
	At               time.Time `json:"at"`
}

// NewSessionEvent builds an event from the committed session record.
func NewSessionEvent(typ EventType, s Session, at time.Time) Event {
	return Event{
		Type:             typ,
		SessionID:        s.ID,
		Version:          s.Version,
		Phase:            s.Phase,
		QuestionIndex:    s.QuestionIndex,
		AnswersSubmitted: s.AnswersSubmitted,
		PlayerCount:      s.PlayerCount,
		At:               at,
	}
}

// SessionTopic is the broadcast topic for one session.
func SessionTopic(sessionID string) string {
	return "hoot:events:" + sessionID
}
