package main

// mock the execution engine

import (
	"context"
	"flag"
	"fmt"
	"os"

	"vmfuzz/config"
	"vmfuzz/internal/campaign"
	"vmfuzz/internal/engine/enginetest"
	"vmfuzz/internal/engine/remote"
	"vmfuzz/pkg/database"
	"vmfuzz/pkg/logger"
	"vmfuzz/pkg/mq"
	"vmfuzz/pkg/telemetry"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type mockApp struct {
	rabbitMQ    mq.RabbitMQ
	redisClient *redis.Client
	statusStore *campaign.StatusStore
	logger      *zap.Logger
	shutdowner  fx.Shutdowner
}

type mockParams struct {
	fx.In
	RabbitMQ    mq.RabbitMQ
	RedisClient *redis.Client         `optional:"true"`
	StatusStore *campaign.StatusStore `optional:"true"`
	Logger      *zap.Logger
	Shutdowner  fx.Shutdowner
}

func newMockApp(p mockParams) *mockApp {
	return &mockApp{
		rabbitMQ:    p.RabbitMQ,
		redisClient: p.RedisClient,
		statusStore: p.StatusStore,
		logger:      p.Logger,
		shutdowner:  p.Shutdowner,
	}
}

// serveToy answers engine requests with the in-process vault contract until
// the app stops.
func (m *mockApp) serveToy(ctx context.Context) {
	server := remote.NewServer(enginetest.NewToy(), m.logger)
	m.logger.Info("serving toy engine",
		zap.String("vault", enginetest.Vault.Hex()),
		zap.String("attacker", enginetest.Attacker.Hex()))
	if err := server.Serve(ctx, m.rabbitMQ, remote.RequestQueueName); err != nil {
		m.logger.Error("toy engine stopped", zap.Error(err))
	}
	m.shutdowner.Shutdown()
}

// cancelCampaign marks a running campaign canceled and exits.
func (m *mockApp) cancelCampaign(id string) error {
	if m.statusStore == nil {
		return fmt.Errorf("redis is required to cancel a campaign")
	}
	if err := m.statusStore.SetStatus(context.Background(), id, campaign.StatusCanceled); err != nil {
		return err
	}
	m.logger.Info("campaign marked canceled", zap.String("campaign_id", id))
	m.shutdowner.Shutdown()
	return nil
}

func newRedisClient(appConfig *config.AppConfig, logger *zap.Logger) (*redis.Client, error) {
	if !appConfig.RedisEnabled() {
		return nil, nil
	}
	return database.NewRedisClient(database.RedisParams{Config: appConfig, Logger: logger})
}

func NewAppContext(lc fx.Lifecycle) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			return nil
		},
	})
	return ctx
}

func main() {
	// Parse command line flags
	help := flag.Bool("help", false, "Show help message")
	cancelID := flag.String("cancel", "", "Mark the campaign with this id canceled and exit")
	flag.Parse()

	if *help {
		fmt.Println("Usage: mock [options]")
		fmt.Println("\nServes the toy vault engine on the engine request queue.")
		fmt.Println("\nOptions:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	app := fx.New(
		fx.Provide(
			config.LoadConfig,
			telemetry.NewTelemetry,
			logger.NewLogger,
			mq.NewRabbitMQ,
			newRedisClient,
			campaign.NewStatusStore,
			NewAppContext,
			newMockApp,
		),
		fx.Invoke(func(lc fx.Lifecycle, appCtx context.Context, mock *mockApp) {
			lc.Append(fx.Hook{
				OnStart: func(context.Context) error {
					if *cancelID != "" {
						return mock.cancelCampaign(*cancelID)
					}
					go mock.serveToy(appCtx)
					return nil
				},
			})
		}),
	)

	app.Run()
}
