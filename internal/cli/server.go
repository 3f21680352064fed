package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/uptrace/bun"
	"golang.org/x/sync/errgroup"

	"hoot-game-service/internal/app"
	"hoot-game-service/internal/config"
	"hoot-game-service/internal/domain"
	"hoot-game-service/internal/infra/memory"
	"hoot-game-service/internal/infra/postgres"
	redisinfra "hoot-game-service/internal/infra/redis"
	"hoot-game-service/internal/logger"
	"hoot-game-service/internal/metrics"
	transport "hoot-game-service/internal/transport/http"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the game server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

// backends holds the shared clients so they can be closed on shutdown.
type backends struct {
	redis *redis.Client
	pool  *pgxpool.Pool
	bun   *bun.DB
}

func (b *backends) Close() {
	if b.redis != nil {
		_ = b.redis.Close()
	}
	if b.pool != nil {
		b.pool.Close()
	}
	if b.bun != nil {
		_ = b.bun.Close()
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log := logger.New("hoot-game-service", cfg.Log.Level)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	conns, err := connect(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer conns.Close()

	service, err := buildService(cfg, conns, log, m)
	if err != nil {
		return err
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	api := transport.NewServer(service, log.WithField("component", "http"), m, cfg.Server.PublicURL)
	server := &http.Server{
		Addr:              ":" + finalPort,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.WithFields(logrus.Fields{
			"port":      finalPort,
			"store":     cfg.StoreBackend(),
			"broadcast": cfg.Broadcast.Backend,
		}).Info("starting game service")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return group.Wait()
}

// connect opens the clients the configuration asks for and applies
// migrations when Postgres is configured.
func connect(ctx context.Context, cfg config.Config, log *logrus.Entry) (*backends, error) {
	conns := &backends{}
	if cfg.Redis.Addr != "" {
		client, err := dialRedis(ctx, cfg)
		if err != nil {
			return nil, err
		}
		conns.redis = client
	}
	if cfg.Postgres.URL != "" {
		db, err := openBun(cfg)
		if err != nil {
			conns.Close()
			return nil, err
		}
		conns.bun = db
		if err := runMigrations(ctx, db, log.WithField("component", "migrate")); err != nil {
			conns.Close()
			return nil, err
		}
		if conns.pool, err = pgxpool.Connect(ctx, cfg.Postgres.URL); err != nil {
			conns.Close()
			return nil, fmt.Errorf("postgres connect: %w", err)
		}
	}
	return conns, nil
}

func dialRedis(ctx context.Context, cfg config.Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

func buildService(cfg config.Config, conns *backends, log *logrus.Entry, m *metrics.Metrics) (*app.GameService, error) {
	loader, err := quizLoader(cfg, conns)
	if err != nil {
		return nil, err
	}

	quizTTL := config.TTLDuration(cfg.Quiz.TTL, 10*time.Minute)
	var quizzes app.QuizRepository
	if conns.redis != nil {
		quizzes = redisinfra.NewQuizRepository(conns.redis, loader, quizTTL)
	} else {
		quizzes = memory.NewQuizRepository(loader, quizTTL)
	}

	var store app.SessionStore
	switch cfg.StoreBackend() {
	case "redis":
		store = redisinfra.NewSessionStore(conns.redis, config.TTLDuration(cfg.Redis.TTL, 6*time.Hour))
	case "postgres":
		store = postgres.NewSessionStore(conns.bun)
	default:
		store = memory.NewSessionStore()
	}

	var events app.Broadcaster
	if cfg.Broadcast.Backend == "redis" {
		events = redisinfra.NewBroadcaster(conns.redis, cfg.Broadcast.Buffer, log.WithField("component", "broadcast"))
	} else {
		events = memory.NewBroadcaster(cfg.Broadcast.Buffer)
	}

	settings := app.Settings{
		DefaultTimeLimit: config.TTLDuration(cfg.Game.DefaultTimeLimit, 20*time.Second),
		AnswerGrace:      config.TTLDuration(cfg.Game.AnswerGrace, time.Second),
		PINAttempts:      cfg.Game.PINAttempts,
		StaleRetries:     cfg.Game.StaleRetries,
	}
	scorer := domain.Scorer{
		BasePoints:   uint64(cfg.Game.BasePoints),
		MaxTimeBonus: uint64(cfg.Game.MaxTimeBonus),
	}

	return app.NewGameService(store, quizzes, events, memory.NewRewardVault(),
		app.WithLogger(log.WithField("component", "game")),
		app.WithMetrics(m),
		app.WithSettings(settings),
		app.WithScorer(scorer),
	), nil
}

// quizLoader reads quiz content from Postgres when configured, otherwise from
// the seed file plus the built-in sample.
func quizLoader(cfg config.Config, conns *backends) (memory.QuizLoader, error) {
	if conns.pool != nil {
		return postgres.NewQuizLoader(conns.pool), nil
	}
	quizzes := map[string]domain.QuizSet{}
	sample := sampleQuizSet()
	quizzes[sample.ID] = sample
	if cfg.Quiz.SeedFile != "" {
		seed, err := readQuizFile(cfg.Quiz.SeedFile)
		if err != nil {
			return nil, err
		}
		quizzes[seed.ID] = seed
	}
	return memory.NewStaticQuizLoader(quizzes), nil
}

// sampleQuizSet is served when no other quiz content is configured.
func sampleQuizSet() domain.QuizSet {
	return domain.QuizSet{
		ID:    "sample",
		Title: "Warm-up",
		Questions: []domain.Question{
			{Index: 0, Text: "What is 2 + 2?", Choices: [4]string{"3", "4", "5", "22"}, CorrectLetter: "B", TimeLimitMs: 20000},
			{Index: 1, Text: "Which planet is closest to the sun?", Choices: [4]string{"Venus", "Earth", "Mercury", "Mars"}, CorrectLetter: "C", TimeLimitMs: 15000},
			{Index: 2, Text: "How many sides does a hexagon have?", Choices: [4]string{"5", "6", "7", "8"}, CorrectLetter: "B"},
		},
	}
}
