package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"hoot-game-service/internal/domain"
)

// QuizLoader reads quiz sets from the quiz_sets and quiz_questions tables.
type QuizLoader struct {
	pool *pgxpool.Pool
}

func NewQuizLoader(pool *pgxpool.Pool) *QuizLoader {
	return &QuizLoader{pool: pool}
}

func (l *QuizLoader) LoadQuizSet(ctx context.Context, quizSetID string) (domain.QuizSet, error) {
	quiz := domain.QuizSet{ID: quizSetID}
	err := l.pool.QueryRow(ctx, `SELECT title FROM quiz_sets WHERE id = $1`, quizSetID).Scan(&quiz.Title)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.QuizSet{}, domain.ErrQuizNotFound
	}
	if err != nil {
		return domain.QuizSet{}, fmt.Errorf("load quiz set: %w", err)
	}

	rows, err := l.pool.Query(ctx, `
		SELECT question_index, text, choice_a, choice_b, choice_c, choice_d, correct_letter, time_limit_ms
		FROM quiz_questions
		WHERE quiz_set_id = $1
		ORDER BY question_index`, quizSetID)
	if err != nil {
		return domain.QuizSet{}, fmt.Errorf("load questions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var q domain.Question
		if err := rows.Scan(&q.Index, &q.Text, &q.Choices[0], &q.Choices[1], &q.Choices[2], &q.Choices[3], &q.CorrectLetter, &q.TimeLimitMs); err != nil {
			return domain.QuizSet{}, fmt.Errorf("scan question: %w", err)
		}
		quiz.Questions = append(quiz.Questions, q)
	}
	if err := rows.Err(); err != nil {
		return domain.QuizSet{}, fmt.Errorf("load questions: %w", err)
	}
	return quiz, nil
}

// SaveQuizSet replaces a quiz set and all of its questions in one transaction.
// Questions are renumbered in slice order.
func (l *QuizLoader) SaveQuizSet(ctx context.Context, quiz domain.QuizSet) error {
	if err := ValidateQuizSet(quiz); err != nil {
		return err
	}
	return l.pool.BeginFunc(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO quiz_sets (id, title) VALUES ($1, $2)
			ON CONFLICT (id) DO UPDATE SET title = EXCLUDED.title, updated_at = now()`,
			quiz.ID, quiz.Title)
		if err != nil {
			return fmt.Errorf("upsert quiz set: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM quiz_questions WHERE quiz_set_id = $1`, quiz.ID); err != nil {
			return fmt.Errorf("clear questions: %w", err)
		}

		batch := &pgx.Batch{}
		for i, q := range quiz.Questions {
			batch.Queue(`
				INSERT INTO quiz_questions
					(quiz_set_id, question_index, text, choice_a, choice_b, choice_c, choice_d, correct_letter, time_limit_ms)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
				quiz.ID, i, q.Text, q.Choices[0], q.Choices[1], q.Choices[2], q.Choices[3], q.CorrectLetter, q.TimeLimitMs)
		}
		results := tx.SendBatch(ctx, batch)
		for range quiz.Questions {
			if _, err := results.Exec(); err != nil {
				_ = results.Close()
				return fmt.Errorf("insert question: %w", err)
			}
		}
		return results.Close()
	})
}

// ValidateQuizSet checks the content rules enforced by the schema before a write.
func ValidateQuizSet(quiz domain.QuizSet) error {
	if quiz.ID == "" {
		return fmt.Errorf("%w: quiz set id is required", domain.ErrInvalidInput)
	}
	if len(quiz.Questions) == 0 {
		return fmt.Errorf("%w: quiz set %s has no questions", domain.ErrInvalidInput, quiz.ID)
	}
	for i, q := range quiz.Questions {
		if q.Text == "" {
			return fmt.Errorf("%w: question %d has no text", domain.ErrInvalidInput, i)
		}
		if !validLetter(q.CorrectLetter) {
			return fmt.Errorf("%w: question %d has correct letter %q", domain.ErrInvalidInput, i, q.CorrectLetter)
		}
		if q.TimeLimitMs < 0 {
			return fmt.Errorf("%w: question %d has a negative time limit", domain.ErrInvalidInput, i)
		}
	}
	return nil
}

func validLetter(letter string) bool {
	for _, l := range domain.Letters {
		if l == letter {
			return true
		}
	}
	return false
}
