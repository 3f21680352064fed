package domain

// Default scoring constants: a correct answer earns BasePoints plus a time
// bonus that decays linearly from MaxTimeBonus at 0ms to nothing at the limit.
const (
	DefaultBasePoints   = 1000
	DefaultMaxTimeBonus = 500
)

// Scorer maps (correctness, elapsed time, time limit) to points. It holds no
// state and is safe for concurrent use.
type Scorer struct {
	BasePoints   uint64
	MaxTimeBonus uint64
}

// DefaultScorer returns the scorer with the default constants.
func DefaultScorer() Scorer {
	return Scorer{BasePoints: DefaultBasePoints, MaxTimeBonus: DefaultMaxTimeBonus}
}

// Max is the most a single question can award.
func (s Scorer) Max() uint64 {
	return s.base() + s.MaxTimeBonus
}

// Score computes the points for one answer. Incorrect answers score 0. A
// correct answer scores at least BasePoints; elapsed times at or past the
// limit earn no bonus, and a zero limit disables the bonus.
func (s Scorer) Score(isCorrect bool, elapsedMs, timeLimitMs uint64) uint64 {
	if !isCorrect {
		return 0
	}
	base := s.base()
	if timeLimitMs == 0 || elapsedMs >= timeLimitMs {
		return base
	}
	bonus := s.MaxTimeBonus * (timeLimitMs - elapsedMs) / timeLimitMs
	return base + bonus
}

func (s Scorer) base() uint64 {
	if s.BasePoints == 0 {
		return 1
	}
	return s.BasePoints
}
