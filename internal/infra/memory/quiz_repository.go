package memory

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"hoot-game-service/internal/domain"
)

// QuizLoader fetches quiz sets from a backing store (Postgres in production).
type QuizLoader interface {
	LoadQuizSet(ctx context.Context, quizSetID string) (domain.QuizSet, error)
}

// QuizRepository caches quiz sets with TTL to avoid a database read on every
// answer. Concurrent misses for the same set share one load.
type QuizRepository struct {
	loader QuizLoader
	ttl    time.Duration
	clock  func() time.Time
	sf     singleflight.Group

	mu    sync.RWMutex
	rnd   *rand.Rand
	cache map[string]cachedQuizSet
}

type cachedQuizSet struct {
	quiz      domain.QuizSet
	expiresAt time.Time
}

func NewQuizRepository(loader QuizLoader, ttl time.Duration) *QuizRepository {
	return &QuizRepository{
		loader: loader,
		ttl:    ttl,
		clock:  time.Now,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
		cache:  make(map[string]cachedQuizSet),
	}
}

func (r *QuizRepository) GetQuizSet(ctx context.Context, quizSetID string) (domain.QuizSet, error) {
	if quiz, ok := r.cached(quizSetID); ok {
		return quiz, nil
	}

	result, err, _ := r.sf.Do(quizSetID, func() (interface{}, error) {
		if quiz, ok := r.cached(quizSetID); ok {
			return quiz, nil
		}
		quiz, err := r.loader.LoadQuizSet(ctx, quizSetID)
		if err != nil {
			return domain.QuizSet{}, err
		}

		r.mu.Lock()
		r.cache[quizSetID] = cachedQuizSet{
			quiz:      quiz,
			expiresAt: r.clock().Add(r.ttlWithJitterLocked()),
		}
		r.mu.Unlock()
		return quiz, nil
	})
	if err != nil {
		return domain.QuizSet{}, err
	}
	return result.(domain.QuizSet), nil
}

func (r *QuizRepository) cached(quizSetID string) (domain.QuizSet, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.cache[quizSetID]
	if !ok || !entry.expiresAt.After(r.clock()) {
		return domain.QuizSet{}, false
	}
	return entry.quiz, true
}

func (r *QuizRepository) ttlWithJitterLocked() time.Duration {
	if r.ttl <= 0 {
		return 0
	}
	// up to 10% jitter to spread expirations
	jitterMax := int64(r.ttl) / 10
	return r.ttl + time.Duration(r.rnd.Int63n(jitterMax+1))
}

// StaticQuizLoader serves quiz sets from a map (tests and demos).
type StaticQuizLoader struct {
	quizzes map[string]domain.QuizSet
}

func NewStaticQuizLoader(quizzes map[string]domain.QuizSet) *StaticQuizLoader {
	return &StaticQuizLoader{quizzes: quizzes}
}

func (l *StaticQuizLoader) LoadQuizSet(_ context.Context, quizSetID string) (domain.QuizSet, error) {
	if quiz, ok := l.quizzes[quizSetID]; ok {
		return quiz, nil
	}
	return domain.QuizSet{}, domain.ErrQuizNotFound
}
