package postgres

import (
	"errors"
	"testing"

	"hoot-game-service/internal/domain"
)

func TestValidateQuizSet(t *testing.T) {
	valid := domain.QuizSet{
		ID:    "quiz-1",
		Title: "Arithmetic",
		Questions: []domain.Question{
			{Text: "2 + 2?", Choices: [4]string{"3", "4", "5", "22"}, CorrectLetter: "B", TimeLimitMs: 20000},
		},
	}
	if err := ValidateQuizSet(valid); err != nil {
		t.Fatalf("expected valid quiz set, got %v", err)
	}

	cases := map[string]func(q *domain.QuizSet){
		"missing id":     func(q *domain.QuizSet) { q.ID = "" },
		"no questions":   func(q *domain.QuizSet) { q.Questions = nil },
		"empty text":     func(q *domain.QuizSet) { q.Questions[0].Text = "" },
		"bad letter":     func(q *domain.QuizSet) { q.Questions[0].CorrectLetter = "E" },
		"negative limit": func(q *domain.QuizSet) { q.Questions[0].TimeLimitMs = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			q := valid
			q.Questions = append([]domain.Question(nil), valid.Questions...)
			mutate(&q)
			if err := ValidateQuizSet(q); !errors.Is(err, domain.ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}
