package fsutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLocalObjectStore(t *testing.T) {
	t.Parallel()

	store, err := NewLocalObjectStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.PutObject(ctx, "task-archive", "2024/03/01/a.json", "application/json", []byte(`[1]`)))
	require.NoError(t, store.PutObject(ctx, "task-archive", "b.json", "application/json", []byte(`[2]`)))
	require.NoError(t, store.PutObject(ctx, "task-archive", "b.json", "application/json", []byte(`[3]`)))

	data, err := store.GetObject(ctx, "task-archive", "b.json")
	require.NoError(t, err)
	require.Equal(t, `[3]`, string(data))

	names, err := store.List("task-archive")
	require.NoError(t, err)
	require.Equal(t, []string{"2024/03/01/a.json", "b.json"}, names)

	names, err = store.List("empty")
	require.NoError(t, err)
	require.Empty(t, names)
}

func TestLocalObjectStoreRejectsEscapes(t *testing.T) {
	t.Parallel()

	store, err := NewLocalObjectStore(t.TempDir())
	require.NoError(t, err)

	require.Error(t, store.PutObject(context.Background(), "..", "x.json", "", nil))
	require.Error(t, store.PutObject(context.Background(), "bucket", "../../x.json", "", nil))

	_, err = NewLocalObjectStore(" ")
	require.Error(t, err)
}
