package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"hoot-game-service/internal/domain"
)

func TestQuizRepositoryCaches(t *testing.T) {
	loader := &countingLoader{
		QuizLoader: NewStaticQuizLoader(map[string]domain.QuizSet{
			"quiz-1": sampleQuizSet(),
		}),
	}
	repo := NewQuizRepository(loader, time.Minute)

	if _, err := repo.GetQuizSet(context.Background(), "quiz-1"); err != nil {
		t.Fatalf("get quiz set: %v", err)
	}
	if loader.calls.Load() != 1 {
		t.Fatalf("expected loader once, got %d", loader.calls.Load())
	}

	quiz, err := repo.GetQuizSet(context.Background(), "quiz-1")
	if err != nil {
		t.Fatalf("get quiz set 2: %v", err)
	}
	if loader.calls.Load() != 1 {
		t.Fatalf("expected cache hit, loader calls %d", loader.calls.Load())
	}
	if len(quiz.Questions) != 2 {
		t.Fatalf("expected 2 questions, got %d", len(quiz.Questions))
	}
}

func TestQuizRepositoryReloadsAfterExpiry(t *testing.T) {
	loader := &countingLoader{
		QuizLoader: NewStaticQuizLoader(map[string]domain.QuizSet{"quiz-1": sampleQuizSet()}),
	}
	now := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	repo := NewQuizRepository(loader, time.Minute)
	repo.clock = func() time.Time { return now }

	if _, err := repo.GetQuizSet(context.Background(), "quiz-1"); err != nil {
		t.Fatalf("get quiz set: %v", err)
	}
	now = now.Add(2 * time.Minute)
	if _, err := repo.GetQuizSet(context.Background(), "quiz-1"); err != nil {
		t.Fatalf("get quiz set after expiry: %v", err)
	}
	if loader.calls.Load() != 2 {
		t.Fatalf("expected reload after ttl, loader calls %d", loader.calls.Load())
	}
}

func TestQuizRepositorySharesConcurrentMisses(t *testing.T) {
	release := make(chan struct{})
	loader := &countingLoader{
		QuizLoader: NewStaticQuizLoader(map[string]domain.QuizSet{"quiz-1": sampleQuizSet()}),
		gate:       release,
	}
	repo := NewQuizRepository(loader, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := repo.GetQuizSet(context.Background(), "quiz-1"); err != nil {
				t.Errorf("get quiz set: %v", err)
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if loader.calls.Load() != 1 {
		t.Fatalf("expected a single shared load, got %d", loader.calls.Load())
	}
}

func TestQuizRepositoryUnknownSet(t *testing.T) {
	repo := NewQuizRepository(NewStaticQuizLoader(nil), time.Minute)
	if _, err := repo.GetQuizSet(context.Background(), "missing"); !errors.Is(err, domain.ErrQuizNotFound) {
		t.Fatalf("expected ErrQuizNotFound, got %v", err)
	}
}

type countingLoader struct {
	QuizLoader
	calls atomic.Int32
	gate  chan struct{}
}

func (l *countingLoader) LoadQuizSet(ctx context.Context, quizSetID string) (domain.QuizSet, error) {
	l.calls.Add(1)
	if l.gate != nil {
		<-l.gate
	}
	return l.QuizLoader.LoadQuizSet(ctx, quizSetID)
}

func sampleQuizSet() domain.QuizSet {
	return domain.QuizSet{
		ID:    "quiz-1",
		Title: "Arithmetic",
		Questions: []domain.Question{
			{Index: 0, Text: "2 + 2?", Choices: [4]string{"3", "4", "5", "22"}, CorrectLetter: "B", TimeLimitMs: 20000},
			{Index: 1, Text: "3 * 3?", Choices: [4]string{"9", "6", "33", "0"}, CorrectLetter: "A", TimeLimitMs: 20000},
		},
	}
}
