package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"hoot-game-service/internal/config"
	"hoot-game-service/internal/domain"
	"hoot-game-service/internal/infra/postgres"
	redisinfra "hoot-game-service/internal/infra/redis"
	"hoot-game-service/internal/logger"
)

// NewImportQuizCmd loads a YAML quiz set into Postgres.
func NewImportQuizCmd(configPath *string) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import-quiz",
		Short: "Import a quiz set from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cfg.Postgres.URL == "" {
				return fmt.Errorf("postgres url not configured")
			}
			quiz, err := readQuizFile(file)
			if err != nil {
				return err
			}

			pool, err := pgxpool.Connect(cmd.Context(), cfg.Postgres.URL)
			if err != nil {
				return fmt.Errorf("postgres connect: %w", err)
			}
			defer pool.Close()

			if err := postgres.NewQuizLoader(pool).SaveQuizSet(cmd.Context(), quiz); err != nil {
				return err
			}
			log := logger.New("hoot-import", cfg.Log.Level).WithFields(logrus.Fields{
				"quiz_set_id": quiz.ID,
				"questions":   len(quiz.Questions),
			})
			log.Info("quiz set imported")
			return invalidateCachedQuiz(cmd.Context(), cfg, quiz.ID, log)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "path to the quiz set YAML")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// invalidateCachedQuiz drops the shared Redis copy of a re-imported quiz set
// so running servers reload it on next use.
func invalidateCachedQuiz(ctx context.Context, cfg config.Config, quizSetID string, log *logrus.Entry) error {
	if cfg.Redis.Addr == "" {
		return nil
	}
	client, err := dialRedis(ctx, cfg)
	if err != nil {
		return fmt.Errorf("invalidate cached quiz set: %w", err)
	}
	defer client.Close()

	if err := redisinfra.NewQuizRepository(client, nil, 0).Invalidate(ctx, quizSetID); err != nil {
		return fmt.Errorf("invalidate cached quiz set: %w", err)
	}
	log.Info("cached quiz set invalidated")
	return nil
}

// readQuizFile parses and validates one quiz set. Question indexes follow
// file order.
func readQuizFile(path string) (domain.QuizSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.QuizSet{}, err
	}
	var quiz domain.QuizSet
	if err := yaml.Unmarshal(data, &quiz); err != nil {
		return domain.QuizSet{}, fmt.Errorf("parse %s: %w", path, err)
	}
	for i := range quiz.Questions {
		quiz.Questions[i].Index = i
	}
	if err := postgres.ValidateQuizSet(quiz); err != nil {
		return domain.QuizSet{}, fmt.Errorf("%s: %w", path, err)
	}
	return quiz, nil
}
