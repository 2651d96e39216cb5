package serverless

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/richinsley/comfyworker/job"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := NewRedisClient(mr.Addr(), "", 0)
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisStore(rdb, time.Hour), mr
}

func TestJobStores(t *testing.T) {
	redisStore, _ := setupRedisStore(t)
	stores := map[string]JobStore{
		"memory": NewMemoryStore(),
		"redis":  redisStore,
	}
	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := store.Get(ctx, "missing")
			assert.ErrorIs(t, err, ErrJobNotFound)

			rec := &JobRecord{ID: "j1", Status: JobInProgress, CreatedAt: time.Now().UTC()}
			require.NoError(t, store.Put(ctx, rec))

			rec.Finish(job.Failed("j1", job.OperationImageGen, job.NewValidationError("bad")), time.Now())
			require.NoError(t, store.Put(ctx, rec))

			got, err := store.Get(ctx, "j1")
			require.NoError(t, err)
			assert.Equal(t, JobFailed, got.Status)
			assert.Equal(t, "bad", got.Error)
			require.NotNil(t, got.Output)
			assert.Equal(t, job.KindValidation, got.Output.ErrorKind)
		})
	}
}

func TestRedisStore_TTL(t *testing.T) {
	store, mr := setupRedisStore(t)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, &JobRecord{ID: "j2", Status: JobInQueue}))

	assert.Equal(t, time.Hour, mr.TTL("comfyworker:job:j2"))
	mr.FastForward(2 * time.Hour)

	_, err := store.Get(ctx, "j2")
	assert.ErrorIs(t, err, ErrJobNotFound)
}
