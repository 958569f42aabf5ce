package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/jhoicas/Ventas-api/internal/domain/entity"
	"github.com/jhoicas/Ventas-api/internal/domain/repository"
)

var _ repository.IdempotencyRepository = (*IdempotencyRepo)(nil)

const (
	idempotencyKeyPrefix = "ventas:idem:"
	maxClaimAttempts     = 3
)

// deleteProcessingScript borra la clave solo si el registro sigue en processing.
var deleteProcessingScript = goredis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
	return 0
end
local rec = cjson.decode(raw)
if rec['status'] == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// IdempotencyRepo registro de idempotencia compartido entre réplicas sobre Redis.
// Cada referencia es una clave con el registro serializado en JSON.
type IdempotencyRepo struct {
	client    *goredis.Client
	retention time.Duration
}

// NewIdempotencyRepository construye el adaptador. retention es el TTL de los resultados
// terminales (0 = sin expiración).
func NewIdempotencyRepository(client *goredis.Client, retention time.Duration) *IdempotencyRepo {
	return &IdempotencyRepo{client: client, retention: retention}
}

func idempotencyKey(reference string) string {
	return idempotencyKeyPrefix + reference
}

// Claim usa WATCH/MULTI: crea el registro processing si la clave no existe o si su claim
// está vencido; si otra réplica modifica la clave entre medio se reintenta.
func (r *IdempotencyRepo) Claim(ctx context.Context, reference string, now time.Time, staleAfter time.Duration) (bool, *entity.IdempotencyRecord, error) {
	key := idempotencyKey(reference)
	fresh := entity.IdempotencyRecord{
		Reference: reference,
		Status:    entity.IdempotencyProcessing,
		ClaimedAt: now,
	}
	payload, err := json.Marshal(fresh)
	if err != nil {
		return false, nil, fmt.Errorf("encode idempotency record: %w", err)
	}

	// Un claim processing sin dueño expira solo cuando ya habría sido reclamable.
	var processingTTL time.Duration
	if staleAfter > 0 {
		processingTTL = 2 * staleAfter
	}

	var (
		claimed  bool
		existing *entity.IdempotencyRecord
	)
	txf := func(tx *goredis.Tx) error {
		claimed, existing = false, nil
		cur, err := decodeRecord(tx.Get(ctx, key).Bytes())
		if err != nil {
			return err
		}
		if cur != nil {
			stale := cur.Status == entity.IdempotencyProcessing && staleAfter > 0 && now.Sub(cur.ClaimedAt) > staleAfter
			if !stale {
				existing = cur
				return nil
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, payload, processingTTL)
			return nil
		})
		if err != nil {
			return err
		}
		claimed = true
		return nil
	}

	for attempt := 0; attempt < maxClaimAttempts; attempt++ {
		err := r.client.Watch(ctx, txf, key)
		if err == nil {
			return claimed, existing, nil
		}
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		return false, nil, fmt.Errorf("claim idempotency key: %w", err)
	}
	return false, nil, fmt.Errorf("claim idempotency key %s: %w", reference, goredis.TxFailedErr)
}

// Complete guarda el resultado terminal con el TTL de retención.
func (r *IdempotencyRepo) Complete(ctx context.Context, rec *entity.IdempotencyRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode idempotency record: %w", err)
	}
	if err := r.client.Set(ctx, idempotencyKey(rec.Reference), payload, r.retention).Err(); err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	return nil
}

// Delete libera un claim que sigue en processing.
func (r *IdempotencyRepo) Delete(ctx context.Context, reference string) error {
	err := deleteProcessingScript.Run(ctx, r.client, []string{idempotencyKey(reference)}, entity.IdempotencyProcessing).Err()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return fmt.Errorf("delete idempotency key: %w", err)
	}
	return nil
}

// Get devuelve el registro o (nil, nil).
func (r *IdempotencyRepo) Get(ctx context.Context, reference string) (*entity.IdempotencyRecord, error) {
	rec, err := decodeRecord(r.client.Get(ctx, idempotencyKey(reference)).Bytes())
	if err != nil {
		return nil, fmt.Errorf("get idempotency key: %w", err)
	}
	return rec, nil
}

func decodeRecord(raw []byte, err error) (*entity.IdempotencyRecord, error) {
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var rec entity.IdempotencyRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode idempotency record: %w", err)
	}
	return &rec, nil
}
