package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mworlabs/lotteryd/models"
)

const (
	keyGame       = "lotteryd:game:%s"
	keyGameStatus = "lotteryd:game:%s:status"
	keyActiveSet  = "lotteryd:games:active"
	keyUserGames  = "lotteryd:user:%s:games"
	keyPayment    = "lotteryd:payment:%s"
	keyPayStatus  = "lotteryd:payment:%s:status"
	keyRefundList = "lotteryd:refunds"
	keyDueSet     = "lotteryd:due"
	keyLease      = "lotteryd:lease:%s"
)

// casScript flips a status key only when it holds the expected value.
var casScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  redis.call('SET', KEYS[1], ARGV[2], 'KEEPTTL')
  return 1
end
return 0
`)

// claimDueScript pops at most ARGV[2] members due at or before ARGV[1].
// Popping inside the script makes the claim atomic across instances.
var claimDueScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], 0, ARGV[1], 'LIMIT', 0, ARGV[2])
for _, member in ipairs(due) do
  redis.call('ZREM', KEYS[1], member)
end
return due
`)

// renewLeaseScript extends a lease only for its current holder.
var renewLeaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  return 1
end
return 0
`)

// releaseLeaseScript deletes a lease only for its current holder.
var releaseLeaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Redis implements Store on a single redis instance shared by both
// process instances.
type Redis struct {
	client      *redis.Client
	snapshotTTL time.Duration
}

func NewRedis(addr, password string, db int, snapshotTTL time.Duration) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &Redis{client: client, snapshotTTL: snapshotTTL}, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

// --- GameStore ---

func (r *Redis) SaveGame(ctx context.Context, game *models.Game) error {
	data, err := json.Marshal(game)
	if err != nil {
		return fmt.Errorf("marshal game: %w", err)
	}

	// The status cell moves only through UpdateGameStatus. Saving a
	// snapshot just creates the cell for a new game and keeps its TTL in
	// step; a stale read-modify-write landing late cannot roll it back.
	statusKey := fmt.Sprintf(keyGameStatus, game.ID)
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, fmt.Sprintf(keyGame, game.ID), data, r.snapshotTTL)
	pipe.SetNX(ctx, statusKey, string(game.Status), r.snapshotTTL)
	pipe.Expire(ctx, statusKey, r.snapshotTTL)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *Redis) LoadGame(ctx context.Context, gameID string) (*models.Game, error) {
	data, err := r.client.Get(ctx, fmt.Sprintf(keyGame, gameID)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var game models.Game
	if err := json.Unmarshal(data, &game); err != nil {
		return nil, fmt.Errorf("unmarshal game: %w", err)
	}
	return &game, nil
}

func (r *Redis) UpdateGameStatus(ctx context.Context, gameID string, from, to models.GameStatus) error {
	ok, err := casScript.Run(ctx, r.client,
		[]string{fmt.Sprintf(keyGameStatus, gameID)},
		string(from), string(to)).Int()
	if err != nil {
		return err
	}
	if ok != 1 {
		return ErrCASConflict
	}
	return nil
}

func (r *Redis) AddActiveGame(ctx context.Context, gameID string) error {
	return r.client.SAdd(ctx, keyActiveSet, gameID).Err()
}

func (r *Redis) RemoveActiveGame(ctx context.Context, gameID string) error {
	return r.client.SRem(ctx, keyActiveSet, gameID).Err()
}

func (r *Redis) ActiveGames(ctx context.Context) ([]string, error) {
	return r.client.SMembers(ctx, keyActiveSet).Result()
}

func (r *Redis) AddUserGame(ctx context.Context, userID, gameID string) error {
	return r.client.SAdd(ctx, fmt.Sprintf(keyUserGames, userID), gameID).Err()
}

func (r *Redis) UserGames(ctx context.Context, userID string) ([]string, error) {
	return r.client.SMembers(ctx, fmt.Sprintf(keyUserGames, userID)).Result()
}

// --- PaymentStore ---

func (r *Redis) SavePayment(ctx context.Context, rec *models.PaymentRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal payment: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, fmt.Sprintf(keyPayment, rec.Reference), data, r.snapshotTTL)
	pipe.Set(ctx, fmt.Sprintf(keyPayStatus, rec.Reference), string(rec.Status), r.snapshotTTL)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *Redis) LoadPayment(ctx context.Context, reference string) (*models.PaymentRecord, error) {
	data, err := r.client.Get(ctx, fmt.Sprintf(keyPayment, reference)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var rec models.PaymentRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal payment: %w", err)
	}
	return &rec, nil
}

func (r *Redis) UpdatePaymentStatus(ctx context.Context, reference string, from, to models.PaymentStatus) error {
	ok, err := casScript.Run(ctx, r.client,
		[]string{fmt.Sprintf(keyPayStatus, reference)},
		string(from), string(to)).Int()
	if err != nil {
		return err
	}
	if ok != 1 {
		return ErrCASConflict
	}
	return nil
}

// --- RefundQueue ---

func (r *Redis) PushRefund(ctx context.Context, req *models.RefundRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal refund: %w", err)
	}
	return r.client.RPush(ctx, keyRefundList, data).Err()
}

func (r *Redis) PopRefund(ctx context.Context, timeout time.Duration) (*models.RefundRequest, error) {
	res, err := r.client.BLPop(ctx, timeout, keyRefundList).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	// BLPop returns [key, value].
	var req models.RefundRequest
	if err := json.Unmarshal([]byte(res[1]), &req); err != nil {
		return nil, fmt.Errorf("unmarshal refund: %w", err)
	}
	return &req, nil
}

// --- DueStore ---

func (r *Redis) ScheduleDue(ctx context.Context, rec *models.DueRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal due record: %w", err)
	}
	return r.client.ZAdd(ctx, keyDueSet, redis.Z{
		Score:  float64(rec.At.UnixMilli()),
		Member: data,
	}).Err()
}

func (r *Redis) CancelDue(ctx context.Context, kind models.DueKind, gameID string) error {
	members, err := r.client.ZRange(ctx, keyDueSet, 0, -1).Result()
	if err != nil {
		return err
	}
	for _, m := range members {
		var rec models.DueRecord
		if json.Unmarshal([]byte(m), &rec) != nil {
			continue
		}
		if rec.Kind == kind && rec.GameID == gameID {
			if err := r.client.ZRem(ctx, keyDueSet, m).Err(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Redis) ClaimDue(ctx context.Context, now time.Time, limit int) ([]models.DueRecord, error) {
	res, err := claimDueScript.Run(ctx, r.client,
		[]string{keyDueSet},
		now.UnixMilli(), limit).StringSlice()
	if err != nil {
		return nil, err
	}

	records := make([]models.DueRecord, 0, len(res))
	for _, m := range res {
		var rec models.DueRecord
		if err := json.Unmarshal([]byte(m), &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// --- LeaseStore ---

func (r *Redis) AcquireLease(ctx context.Context, gameID, instanceID string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, fmt.Sprintf(keyLease, gameID), instanceID, ttl).Result()
}

func (r *Redis) RenewLease(ctx context.Context, gameID, instanceID string, ttl time.Duration) (bool, error) {
	ok, err := renewLeaseScript.Run(ctx, r.client,
		[]string{fmt.Sprintf(keyLease, gameID)},
		instanceID, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return ok == 1, nil
}

func (r *Redis) ReleaseLease(ctx context.Context, gameID, instanceID string) error {
	return releaseLeaseScript.Run(ctx, r.client,
		[]string{fmt.Sprintf(keyLease, gameID)},
		instanceID).Err()
}

func (r *Redis) LeaseHolder(ctx context.Context, gameID string) (string, error) {
	holder, err := r.client.Get(ctx, fmt.Sprintf(keyLease, gameID)).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	return holder, err
}

// --- PubSub ---

func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	return r.client.Publish(ctx, channel, payload).Err()
}

func (r *Redis) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	sub := r.client.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, nil, err
	}

	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			out <- []byte(msg.Payload)
		}
	}()

	return out, func() { sub.Close() }, nil
}
