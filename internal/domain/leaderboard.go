package domain

import (
	"sort"
	"strings"
	"time"
)

// Rank orders participants by score descending. Ties go to the participant
// that joined first (lower Seq), then to the lower id, so the order is total
// and never changes between recomputations over the same scores. The input
// slice is not modified.
func Rank(participants []Participant) []Participant {
	ranked := make([]Participant, len(participants))
	copy(ranked, participants)
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Seq != b.Seq {
			return a.Seq < b.Seq
		}
		return a.ID < b.ID
	})
	return ranked
}

// BuildLeaderboard ranks participants into a leaderboard snapshot.
func BuildLeaderboard(session Session, participants []Participant, now time.Time) Leaderboard {
	ranked := Rank(participants)
	entries := make([]LeaderboardEntry, 0, len(ranked))
	for i, p := range ranked {
		entries = append(entries, LeaderboardEntry{
			Rank:           i + 1,
			ParticipantID:  p.ID,
			DisplayName:    p.DisplayName,
			Score:          p.Score,
			CorrectAnswers: p.CorrectAnswers(),
		})
	}
	return Leaderboard{
		SessionID: session.ID,
		Phase:     session.Phase,
		Entries:   entries,
		UpdatedAt: now,
	}
}

// IsEligibleToClaim reports whether participant may claim the session reward
// when presenting ledgerAddress: the session must be finished, the participant
// must rank first among participants, and the presented address must equal
// the address bound at join. The result is derived from current scores on
// every call.
func IsEligibleToClaim(participant Participant, participants []Participant, session Session, ledgerAddress string) bool {
	if session.Phase != PhaseFinished || participant.SessionID != session.ID {
		return false
	}
	bound := strings.TrimSpace(participant.LedgerAddress)
	if bound == "" || bound != strings.TrimSpace(ledgerAddress) {
		return false
	}
	ranked := Rank(participants)
	return len(ranked) > 0 && ranked[0].ID == participant.ID
}
