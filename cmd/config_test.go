package cmd

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"jobmatch/src/core/entity"
	"jobmatch/src/core/queue"
	"jobmatch/src/fsutil"
	"jobmatch/src/infrastructure/integrations/openai"
)

// resetConfig rebuilds the global viper state; tests using it must not run in parallel
func resetConfig(t *testing.T) {
	t.Helper()

	viper.Reset()
	t.Cleanup(viper.Reset)
	settingDefaultConfig()
}

func TestWorkerSettingsFromEnv(t *testing.T) {
	t.Setenv("WORKER_MEMORY_COOLDOWN", "5s")
	t.Setenv("WORKER_INTER_TASK_DELAY", "250ms")
	t.Setenv("WORKER_MAINTENANCE_INTERVAL", "2m")
	t.Setenv("WORKER_BATCH_SIZE", "25")
	t.Setenv("MATCHING_LIMIT", "10")
	t.Setenv("ALERT_COOLDOWN", "1m")
	resetConfig(t)

	cfg := workerConfig("w1")
	require.Equal(t, 5*time.Second, cfg.MemoryCooldown)
	require.Equal(t, 250*time.Millisecond, cfg.InterTaskDelay)
	require.Equal(t, 2*time.Minute, cfg.MaintenanceInterval)
	require.Equal(t, 25, cfg.BatchSize)
	require.Equal(t, 10, cfg.MatchLimit)
	require.Equal(t, time.Minute, viper.GetDuration("alert.cooldown"))
}

func TestWorkerDefaults(t *testing.T) {
	resetConfig(t)

	cfg := workerConfig("w1")
	require.Equal(t, 30*time.Second, cfg.MemoryCooldown)
	require.Equal(t, 100*time.Millisecond, cfg.InterTaskDelay)
	require.NoError(t, cfg.Validate())
}

func TestWorkerChecksProviderBeforeStorage(t *testing.T) {
	t.Setenv("EMBEDDING_PROVIDER", "openai")
	t.Setenv("OPENAI_API_KEY", "")
	// nothing listens here; reaching storage first would surface a connection error instead
	t.Setenv("POSTGRES_HOST", "127.0.0.1")
	t.Setenv("POSTGRES_PORT", "1")
	t.Setenv("WORKER_ID", "w-startup")
	resetConfig(t)

	workerCmd.SetContext(context.Background())
	err := runWorker(workerCmd, nil)
	require.ErrorIs(t, err, openai.ErrMissingAPIKey)
}

func TestArchiveShowReadsLocalArchive(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ARCHIVE_BACKEND", "local")
	t.Setenv("ARCHIVE_LOCAL_DIR", dir)
	resetConfig(t)
	ctx := context.Background()

	archive, err := newTaskArchive(ctx)
	require.NoError(t, err)
	require.NoError(t, archive.Archive(ctx, []queue.Task{
		{ID: 1, EntityKind: entity.KindJob, EntityID: "j1", TaskType: queue.TaskTypeGenerateEmbedding, Status: queue.TaskStatusCompleted},
		{ID: 2, EntityKind: entity.KindCandidate, EntityID: "c1", TaskType: queue.TaskTypeComputeSimilarity, Status: queue.TaskStatusCompleted},
	}))

	store, err := fsutil.NewLocalObjectStore(dir)
	require.NoError(t, err)
	objects, err := store.List(viper.GetString("archive.bucket"))
	require.NoError(t, err)
	require.Len(t, objects, 1)

	var out bytes.Buffer
	archiveShowCmd.SetContext(ctx)
	archiveShowCmd.SetOut(&out)
	archiveShowCmd.SetErr(&bytes.Buffer{})
	require.NoError(t, archiveShowCmd.RunE(archiveShowCmd, []string{objects[0]}))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	require.Contains(t, lines[1], `"entity_id":"c1"`)
}
