package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"hoot-game-service/internal/domain"
	"hoot-game-service/internal/infra/memory"
)

// QuizRepository caches quiz sets in Redis (hash per set) and falls back to a
// loader on cache miss, so every instance shares one warm copy.
//
//	HSET hoot:quizset:{id} title {title} q:{index} {question json}
type QuizRepository struct {
	client *redis.Client
	loader memory.QuizLoader
	ttl    time.Duration
	sf     singleflight.Group

	mu  sync.Mutex
	rnd *rand.Rand
}

const (
	fieldTitle     = "title"
	questionPrefix = "q:"
)

func NewQuizRepository(client *redis.Client, loader memory.QuizLoader, ttl time.Duration) *QuizRepository {
	return &QuizRepository{
		client: client,
		loader: loader,
		ttl:    ttl,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (r *QuizRepository) GetQuizSet(ctx context.Context, quizSetID string) (domain.QuizSet, error) {
	if quiz, ok, err := r.cached(ctx, quizSetID); err == nil && ok {
		return quiz, nil
	}

	result, err, _ := r.sf.Do(quizSetID, func() (interface{}, error) {
		// another caller may have filled it
		if quiz, ok, err := r.cached(ctx, quizSetID); err == nil && ok {
			return quiz, nil
		}

		quiz, err := r.loader.LoadQuizSet(ctx, quizSetID)
		if err != nil {
			return domain.QuizSet{}, err
		}

		values := []interface{}{fieldTitle, quiz.Title}
		for _, q := range quiz.Questions {
			raw, err := json.Marshal(q)
			if err != nil {
				return domain.QuizSet{}, err
			}
			values = append(values, questionPrefix+strconv.Itoa(q.Index), raw)
		}
		key := quizSetKey(quizSetID)
		pipe := r.client.TxPipeline()
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, values...)
		if ttl := r.ttlWithJitter(); ttl > 0 {
			pipe.Expire(ctx, key, ttl)
		}
		// a failed fill only costs a reload next time
		_, _ = pipe.Exec(ctx)

		return quiz, nil
	})
	if err != nil {
		return domain.QuizSet{}, err
	}
	return result.(domain.QuizSet), nil
}

// Invalidate drops the cached copy of a quiz set.
func (r *QuizRepository) Invalidate(ctx context.Context, quizSetID string) error {
	return r.client.Del(ctx, quizSetKey(quizSetID)).Err()
}

func (r *QuizRepository) cached(ctx context.Context, quizSetID string) (domain.QuizSet, bool, error) {
	fields, err := r.client.HGetAll(ctx, quizSetKey(quizSetID)).Result()
	if err != nil || len(fields) == 0 {
		return domain.QuizSet{}, false, err
	}
	quiz := domain.QuizSet{ID: quizSetID, Title: fields[fieldTitle]}
	for field, raw := range fields {
		if !strings.HasPrefix(field, questionPrefix) {
			continue
		}
		var q domain.Question
		if err := json.Unmarshal([]byte(raw), &q); err != nil {
			return domain.QuizSet{}, false, fmt.Errorf("decode cached question: %w", err)
		}
		quiz.Questions = append(quiz.Questions, q)
	}
	sort.Slice(quiz.Questions, func(i, j int) bool {
		return quiz.Questions[i].Index < quiz.Questions[j].Index
	})
	return quiz, true, nil
}

func (r *QuizRepository) ttlWithJitter() time.Duration {
	if r.ttl <= 0 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	jitterMax := int64(r.ttl) / 10
	return r.ttl + time.Duration(r.rnd.Int63n(jitterMax+1))
}

func quizSetKey(id string) string { return "hoot:quizset:" + id }
