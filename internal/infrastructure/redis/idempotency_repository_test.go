package redis

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jhoicas/Ventas-api/internal/domain/entity"
)

// getRedisClient conecta a REDIS_ADDR (localhost:6379 por defecto) o salta el test.
func getRedisClient(t *testing.T) *goredis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		t.Skipf("Redis no disponible: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func newRef(t *testing.T, client *goredis.Client) string {
	ref := "test-" + uuid.NewString()
	t.Cleanup(func() { client.Del(context.Background(), idempotencyKey(ref)) })
	return ref
}

// ── Claim ─────────────────────────────────────────────────────────────────────

func TestRedisIdempotency_ClaimOnce(t *testing.T) {
	client := getRedisClient(t)
	repo := NewIdempotencyRepository(client, time.Hour)
	ctx := context.Background()
	ref := newRef(t, client)
	now := time.Now().UTC()

	claimed, existing, err := repo.Claim(ctx, ref, now, time.Minute)
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Nil(t, existing)

	claimed, existing, err = repo.Claim(ctx, ref, now, time.Minute)
	require.NoError(t, err)
	assert.False(t, claimed)
	require.NotNil(t, existing)
	assert.Equal(t, entity.IdempotencyProcessing, existing.Status)
}

func TestRedisIdempotency_StaleClaimIsReclaimed(t *testing.T) {
	client := getRedisClient(t)
	repo := NewIdempotencyRepository(client, time.Hour)
	ctx := context.Background()
	ref := newRef(t, client)
	old := time.Now().UTC().Add(-time.Hour)

	claimed, _, err := repo.Claim(ctx, ref, old, 2*time.Hour)
	require.NoError(t, err)
	require.True(t, claimed)

	claimed, _, err = repo.Claim(ctx, ref, time.Now().UTC(), time.Minute)
	require.NoError(t, err)
	assert.True(t, claimed, "un claim processing vencido debe poder reclamarse")
}

func TestRedisIdempotency_ConcurrentClaimsSingleWinner(t *testing.T) {
	client := getRedisClient(t)
	repo := NewIdempotencyRepository(client, time.Hour)
	ctx := context.Background()
	ref := newRef(t, client)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, _, err := repo.Claim(ctx, ref, time.Now().UTC(), time.Minute)
			if err == nil && claimed {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

// ── Complete / Delete ─────────────────────────────────────────────────────────

func TestRedisIdempotency_CompleteIsNotDeleted(t *testing.T) {
	client := getRedisClient(t)
	repo := NewIdempotencyRepository(client, time.Hour)
	ctx := context.Background()
	ref := newRef(t, client)
	now := time.Now().UTC()

	_, _, err := repo.Claim(ctx, ref, now, time.Minute)
	require.NoError(t, err)
	require.NoError(t, repo.Complete(ctx, &entity.IdempotencyRecord{
		Reference: ref, Status: entity.IdempotencySucceeded, SaleID: "sale-1", ClaimedAt: now, CompletedAt: &now,
	}))

	require.NoError(t, repo.Delete(ctx, ref))

	rec, err := repo.Get(ctx, ref)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, entity.IdempotencySucceeded, rec.Status)
	assert.Equal(t, "sale-1", rec.SaleID)

	ttl := client.TTL(ctx, idempotencyKey(ref)).Val()
	assert.Greater(t, ttl, time.Duration(0))
}

func TestRedisIdempotency_DeleteProcessing(t *testing.T) {
	client := getRedisClient(t)
	repo := NewIdempotencyRepository(client, time.Hour)
	ctx := context.Background()
	ref := newRef(t, client)

	_, _, err := repo.Claim(ctx, ref, time.Now().UTC(), time.Minute)
	require.NoError(t, err)
	require.NoError(t, repo.Delete(ctx, ref))

	rec, err := repo.Get(ctx, ref)
	require.NoError(t, err)
	assert.Nil(t, rec)

	// Borrar una referencia inexistente no es un error.
	require.NoError(t, repo.Delete(ctx, ref))
}
