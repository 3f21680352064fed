package domain

import (
	"fmt"
	"time"
)

// Phase is the current stage of a session.
type Phase string

const (
	PhaseLobby        Phase = "lobby"
	PhaseQuestion     Phase = "question"
	PhaseAnswerReveal Phase = "answer_reveal"
	PhaseLeaderboard  Phase = "leaderboard"
	PhaseFinished     Phase = "finished"
)

// ParsePhase converts a stored phase name.
func ParsePhase(raw string) (Phase, error) {
	switch p := Phase(raw); p {
	case PhaseLobby, PhaseQuestion, PhaseAnswerReveal, PhaseLeaderboard, PhaseFinished:
		return p, nil
	}
	return "", fmt.Errorf("unknown phase %q", raw)
}

// PhaseState is the tagged per-phase view of a session. Each variant carries
// only the fields that are meaningful in that phase.
type PhaseState interface {
	Phase() Phase
}

// LobbyState: players may join, no question has been shown.
type LobbyState struct{}

// QuestionState: question Index is open for answers since StartedAt.
type QuestionState struct {
	Index     int
	StartedAt time.Time
}

// AnswerRevealState: question Index is closed and its answer is shown.
type AnswerRevealState struct {
	Index int
}

// LeaderboardState: standings after question Index.
type LeaderboardState struct {
	Index int
}

// FinishedState is terminal.
type FinishedState struct {
	EndedAt time.Time
}

func (LobbyState) Phase() Phase        { return PhaseLobby }
func (QuestionState) Phase() Phase     { return PhaseQuestion }
func (AnswerRevealState) Phase() Phase { return PhaseAnswerReveal }
func (LeaderboardState) Phase() Phase  { return PhaseLeaderboard }
func (FinishedState) Phase() Phase     { return PhaseFinished }

// State projects the flat session record onto its phase variant.
func (s Session) State() PhaseState {
	switch s.Phase {
	case PhaseQuestion:
		st := QuestionState{Index: s.QuestionIndex}
		if s.QuestionStartedAt != nil {
			st.StartedAt = *s.QuestionStartedAt
		}
		return st
	case PhaseAnswerReveal:
		return AnswerRevealState{Index: s.QuestionIndex}
	case PhaseLeaderboard:
		return LeaderboardState{Index: s.QuestionIndex}
	case PhaseFinished:
		st := FinishedState{}
		if s.EndedAt != nil {
			st.EndedAt = *s.EndedAt
		}
		return st
	default:
		return LobbyState{}
	}
}

// NextState computes the only legal successor of current. Finished has none.
func NextState(current PhaseState, questionCount int, now time.Time) (PhaseState, error) {
	switch st := current.(type) {
	case LobbyState:
		if questionCount < 1 {
			return nil, ErrInvalidTransition
		}
		return QuestionState{Index: 0, StartedAt: now}, nil
	case QuestionState:
		return AnswerRevealState{Index: st.Index}, nil
	case AnswerRevealState:
		return LeaderboardState{Index: st.Index}, nil
	case LeaderboardState:
		if st.Index+1 < questionCount {
			return QuestionState{Index: st.Index + 1, StartedAt: now}, nil
		}
		return FinishedState{EndedAt: now}, nil
	default:
		return nil, ErrInvalidTransition
	}
}

// Advance returns the session moved to its next phase. When target is not
// empty it must name the computed next phase. The returned record carries
// Version+1; the store commits it only if the stored version is still s.Version.
func (s Session) Advance(target Phase, now time.Time) (Session, error) {
	next, err := NextState(s.State(), s.QuestionCount, now)
	if err != nil {
		return Session{}, err
	}
	if target != "" && target != next.Phase() {
		return Session{}, ErrInvalidTransition
	}
	out := s.apply(next)
	if err := out.Validate(); err != nil {
		return Session{}, err
	}
	return out, nil
}

func (s Session) apply(next PhaseState) Session {
	out := s
	out.Phase = next.Phase()
	out.Version = s.Version + 1
	switch st := next.(type) {
	case QuestionState:
		startedAt := st.StartedAt
		out.QuestionIndex = st.Index
		out.QuestionStartedAt = &startedAt
		out.AnswersSubmitted = 0
		if out.StartedAt == nil {
			out.StartedAt = &startedAt
		}
	case AnswerRevealState:
		out.QuestionIndex = st.Index
	case LeaderboardState:
		out.QuestionIndex = st.Index
	case FinishedState:
		endedAt := st.EndedAt
		out.EndedAt = &endedAt
	}
	return out
}

// Elapsed returns how long the open question has been running at now.
// It is zero outside the Question phase.
func (s Session) Elapsed(now time.Time) time.Duration {
	st, ok := s.State().(QuestionState)
	if !ok || st.StartedAt.IsZero() {
		return 0
	}
	if d := now.Sub(st.StartedAt); d > 0 {
		return d
	}
	return 0
}

// CommitPhase copies the phase-owned fields of next onto the stored record s.
// Counters written by concurrent joins and answers are kept from s, except
// that entering a question resets the answer count.
func (s Session) CommitPhase(next Session) Session {
	out := s
	out.Phase = next.Phase
	out.QuestionIndex = next.QuestionIndex
	out.Version = next.Version
	out.StartedAt = next.StartedAt
	out.QuestionStartedAt = next.QuestionStartedAt
	out.EndedAt = next.EndedAt
	if next.Phase == PhaseQuestion {
		out.AnswersSubmitted = 0
	}
	return out
}
