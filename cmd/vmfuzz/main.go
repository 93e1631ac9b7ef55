package main

import (
	"vmfuzz/config"
	"vmfuzz/internal/campaign"
	"vmfuzz/internal/dict"
	"vmfuzz/pkg/database"
	"vmfuzz/pkg/logger"
	"vmfuzz/pkg/mq"
	"vmfuzz/pkg/telemetry"
	"vmfuzz/pkg/watchdog"

	_ "go.uber.org/automaxprocs"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func main() {
	app := fx.New(
		fx.Provide(
			config.LoadConfig,           // inject config
			database.NewDBConnection,    // inject db connection, nil without DATABASE_URL
			newRedisClient,              // inject redis client, nil without redis config
			logger.NewLogger,            // inject logger
			mq.NewRabbitMQ,              // inject rabbitmq service
			telemetry.NewTelemetry,      // inject telemetry
			telemetry.NewTracerFactory,  // inject telemetry tracer factory
			watchdog.NewWatchDogFactory, // inject watchdog factory
			dict.NewDictGrabber,         // inject dict grabber
			campaign.NewStatusStore,     // inject campaign status store
			newCampaignID,               // inject campaign id
			newEngine,                   // inject remote execution engine
			newMetrics,                  // inject prometheus metrics
			newJournal,                  // inject corpus journal
			newOracles,                  // inject oracle registry
			newReportManager,            // inject solution report manager
			newSeedImporter,             // inject seed importer
			newCampaign,                 // inject fuzzing campaign
		),
		fx.Invoke(
			startMetricsServer,
			runCampaign,
		),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			zlogger := fxevent.ZapLogger{Logger: log}
			zlogger.UseLogLevel(zap.DebugLevel)
			return &zlogger
		}),
	)
	app.Run()
}
