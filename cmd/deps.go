package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-logr/logr"
	"github.com/spf13/viper"
	"gorm.io/gorm"

	"jobmatch/src/core/alert"
	"jobmatch/src/core/embedding"
	"jobmatch/src/core/matching"
	"jobmatch/src/core/queue"
	"jobmatch/src/core/registry"
	"jobmatch/src/fsutil"
	"jobmatch/src/infrastructure/events"
	"jobmatch/src/infrastructure/integrations/ollama"
	"jobmatch/src/infrastructure/integrations/openai"
	"jobmatch/src/log"
	"jobmatch/src/storage/minioctrl"
	"jobmatch/src/storage/postgres"
	"jobmatch/src/storage/postgres/entityctrl"
	"jobmatch/src/storage/postgres/matchctrl"
	"jobmatch/src/storage/postgres/taskctrl"
	"jobmatch/src/storage/postgres/workerctrl"
	"jobmatch/src/storage/weaviate"
)

// app holds the services shared by the commands
type app struct {
	db        *gorm.DB
	entities  *entityctrl.EntityService
	queue     *queue.Service
	registry  *registry.Registry
	matches   *matching.Service
	alerts    *alert.Dispatcher
	publisher message.Publisher
	wmLogger  watermill.LoggerAdapter

	closers []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Error(err, "Failed to close resource")
		}
	}
}

// newApp connects storage and builds the queue, registry and match services
func newApp(ctx context.Context, identity string) (*app, error) {
	logger := log.Logger()
	a := &app{wmLogger: events.NewLoggerAdapter(logger.WithName("watermill"))}

	db, err := postgres.Connect(postgresConfig().DSN(), logger)
	if err != nil {
		return nil, err
	}
	a.db = db
	a.closers = append(a.closers, func() error { return postgres.Close(db) })

	var notifier alert.Notifier = alert.NewLogNotifier(logger.WithName("alert"))
	if viper.GetBool("amqp.enabled") {
		publisher, err := events.NewAMQPPublisher(viper.GetString("amqp.url"), a.wmLogger)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.publisher = publisher
		a.closers = append(a.closers, publisher.Close)

		logNotifier := notifier
		amqpNotifier := events.NewAlertPublisher(publisher, viper.GetString("amqp.alert_topic"))
		notifier = alert.NotifierFunc(func(ctx context.Context, al alert.Alert) error {
			_ = logNotifier.Notify(ctx, al)
			return amqpNotifier.Notify(ctx, al)
		})
	}
	a.alerts = alert.NewDispatcher(notifier, viper.GetDuration("alert.cooldown"), logger.WithName("alert"))

	qcfg, err := queueConfig()
	if err != nil {
		a.Close()
		return nil, err
	}
	tasks, err := taskctrl.NewTaskService(db, snowflakeNode(identity))
	if err != nil {
		a.Close()
		return nil, err
	}
	opts := []queue.ServiceOption{queue.WithAlerts(a.alerts)}
	if viper.GetBool("archive.enabled") {
		archive, err := newTaskArchive(ctx)
		if err != nil {
			a.Close()
			return nil, err
		}
		opts = append(opts, queue.WithArchiver(archive))
	}
	if a.queue, err = queue.NewService(tasks, qcfg, logger.WithName("queue"), opts...); err != nil {
		a.Close()
		return nil, err
	}

	a.registry = registry.NewRegistry(
		workerctrl.NewWorkerService(db),
		viper.GetDuration("worker.dead_threshold"),
		viper.GetDuration("worker.stopped_retention"),
		logger.WithName("registry"),
	)

	a.entities = entityctrl.NewEntityService(db)
	mcfg, err := matchingConfig()
	if err != nil {
		a.Close()
		return nil, err
	}
	if a.matches, err = matching.NewService(matchctrl.NewMatchService(db), a.entities, mcfg, logger.WithName("matching")); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func newTaskArchive(ctx context.Context) (*minioctrl.TaskArchive, error) {
	bucket := viper.GetString("archive.bucket")
	switch b := viper.GetString("archive.backend"); b {
	case "local":
		store, err := fsutil.NewLocalObjectStore(viper.GetString("archive.local_dir"))
		if err != nil {
			return nil, err
		}
		return minioctrl.NewTaskArchive(store, bucket), nil
	case "minio", "":
		svc, err := minioctrl.NewMinioService(
			viper.GetString("minio.endpoint"),
			viper.GetString("minio.access_key"),
			viper.GetString("minio.secret_key"),
			viper.GetBool("minio.use_ssl"),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize minio service: %w", err)
		}
		if err := svc.EnsureBucketExists(ctx, bucket); err != nil {
			return nil, err
		}
		return minioctrl.NewTaskArchive(svc, bucket), nil
	default:
		return nil, fmt.Errorf("unknown archive backend %q", b)
	}
}

// newEmbeddingProvider builds the configured provider and checks its credentials
func newEmbeddingProvider(ctx context.Context) (embedding.Provider, error) {
	switch p := viper.GetString("embedding.provider"); p {
	case "openai":
		return openai.NewProvider(openai.Config{
			APIKey:  viper.GetString("embedding.api_key"),
			Model:   viper.GetString("embedding.model"),
			BaseURL: viper.GetString("embedding.base_url"),
		})
	case "ollama":
		provider, err := ollama.NewProvider(viper.GetString("ollama.url"), viper.GetString("embedding.model"), viper.GetDuration("embedding.timeout"))
		if err != nil {
			return nil, err
		}
		if err := provider.Check(ctx); err != nil {
			return nil, err
		}
		return provider, nil
	default:
		return nil, fmt.Errorf("unknown embedding.provider %q", p)
	}
}

func newEngine(ctx context.Context, a *app, provider embedding.Provider, logger logr.Logger) (*embedding.Engine, error) {
	engine := embedding.NewEngine(provider, a.entities, embedding.Config{
		Dimension:    viper.GetInt("embedding.dimension"),
		ChunkSize:    viper.GetInt("embedding.chunk_size"),
		ChunkOverlap: viper.GetInt("embedding.chunk_overlap"),
	}, logger.WithName("embedding"))

	if viper.GetBool("weaviate.enabled") {
		client, err := weaviate.NewClient(viper.GetString("weaviate.url"))
		if err != nil {
			return nil, err
		}
		index := weaviate.NewVectorIndex(client, viper.GetString("weaviate.class_prefix"))
		if err := index.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("failed to prepare vector index: %w", err)
		}
		engine.WithIndex(index)
	}
	return engine, nil
}

// newIntakeRouter wires the entity-event consumer when AMQP is enabled
func newIntakeRouter(a *app, logger logr.Logger) (*message.Router, error) {
	if !viper.GetBool("amqp.enabled") {
		return nil, nil
	}
	if a.publisher == nil {
		return nil, errors.New("amqp publisher is not initialized")
	}
	subscriber, err := events.NewAMQPSubscriber(viper.GetString("amqp.url"), a.wmLogger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, subscriber.Close)

	router, err := events.NewRouter(a.wmLogger, viper.GetInt("amqp.max_retries"))
	if err != nil {
		return nil, err
	}
	events.NewIntake(a.queue, logger.WithName("events")).Register(router, subscriber, viper.GetString("amqp.entity_topic"))
	return router, nil
}
