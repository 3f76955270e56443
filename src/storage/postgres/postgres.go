package postgres

import (
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"jobmatch/src/storage/postgres/entityctrl"
	"jobmatch/src/storage/postgres/matchctrl"
	"jobmatch/src/storage/postgres/taskctrl"
	"jobmatch/src/storage/postgres/workerctrl"
)

type Config struct {
	Host     string
	Port     string
	User     string
	Password string
	DB       string
	SSLMode  string
}

func (c Config) DSN() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s",
		c.Host, c.User, c.Password, c.DB, c.Port, sslMode)
}

// Connect opens a gorm connection. Duplicate-key errors are translated to gorm.ErrDuplicatedKey.
func Connect(dsn string, log logr.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         newGormLogger(log),
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// Close releases the underlying connection pool
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Migrate creates the tables and the indexes AutoMigrate cannot express
func Migrate(db *gorm.DB) error {
	if err := db.Exec(`create extension if not exists vector;`).Error; err != nil {
		return fmt.Errorf("failed to enable pgvector: %w", err)
	}

	if err := db.AutoMigrate(
		&taskctrl.EmbeddingTask{},
		&workerctrl.WorkerRecord{},
		&matchctrl.Match{},
		&entityctrl.Job{},
		&entityctrl.Candidate{},
	); err != nil {
		return fmt.Errorf("failed to auto-migrate: %w", err)
	}

	stmts := []string{
		// at most one active task per (entity, task type); a failure with a scheduled retry is still active
		`create unique index if not exists uq_embedding_tasks_active
on embedding_tasks(entity_kind, entity_id, task_type)
where status in ('pending', 'processing') or (status = 'failed' and next_retry_at is not null);`,
		`create index if not exists idx_embedding_tasks_claim on embedding_tasks(status, priority, created_at);`,
		`create index if not exists idx_embedding_tasks_retry on embedding_tasks(next_retry_at) where status = 'failed' and next_retry_at is not null;`,
		`create index if not exists idx_embedding_tasks_processing on embedding_tasks(processing_started_at) where status = 'processing';`,
		`create index if not exists idx_embedding_tasks_terminal on embedding_tasks(updated_at) where status in ('completed', 'failed');`,
		`create index if not exists idx_worker_records_stopped on worker_records(updated_at) where status = 'stopped';`,
		`create index if not exists idx_match_records_candidate on match_records(candidate_id, score desc);`,
		`create index if not exists idx_match_records_job_score on match_records(job_id, score desc);`,
	}
	for _, s := range stmts {
		if err := db.Exec(s).Error; err != nil {
			return fmt.Errorf("index exec failed: %w (sql=%s)", err, s)
		}
	}
	return nil
}

// newGormLogger routes gorm warnings and slow queries to logr
func newGormLogger(log logr.Logger) logger.Interface {
	return logger.New(logrWriter{log: log.WithName("gorm")}, logger.Config{
		SlowThreshold:             500 * time.Millisecond,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
	})
}

type logrWriter struct {
	log logr.Logger
}

func (w logrWriter) Printf(format string, args ...interface{}) {
	w.log.Info(fmt.Sprintf(format, args...))
}
