package poller

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

const (
	dueKey        = "poll:due"
	lockKey       = "poll_cycle_lock"
	lockTTL       = 30 * time.Second
	itemKeyPrefix = "poll:item:"
	itemTTL       = 30 * time.Minute

	balanceKeyPrefix = "provider:balance:"
)

// releaseLock deletes the cycle lock only when this instance still holds it.
var releaseLock = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Connect opens the shared cache connection and verifies it.
func Connect(addr, password string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// DueIndex is the time-ordered poll queue: one sorted-set member per live
// activation, scored by the next poll time in epoch milliseconds. Attempt
// counters ride in per-item hashes so the adaptive schedule survives
// restarts.
type DueIndex struct {
	client    *redis.Client
	lockToken string
}

func NewDueIndex(client *redis.Client) *DueIndex {
	return &DueIndex{
		client:    client,
		lockToken: uuid.NewString(),
	}
}

// ItemState is the per-activation polling memory.
type ItemState struct {
	Attempt int
	Errors  int
}

// Schedule adds or moves an activation's next poll time.
func (d *DueIndex) Schedule(ctx context.Context, activationID uuid.UUID, at time.Time) error {
	err := d.client.ZAdd(ctx, dueKey, redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: activationID.String(),
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to schedule poll: %w", err)
	}
	return nil
}

// Reschedule updates the due time and the polling memory in one round trip.
func (d *DueIndex) Reschedule(ctx context.Context, activationID uuid.UUID, at time.Time, state ItemState) error {
	itemKey := itemKeyPrefix + activationID.String()

	pipe := d.client.Pipeline()
	pipe.ZAdd(ctx, dueKey, redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: activationID.String(),
	})
	pipe.HSet(ctx, itemKey, "attempt", state.Attempt, "errors", state.Errors)
	pipe.Expire(ctx, itemKey, itemTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to reschedule poll: %w", err)
	}
	return nil
}

// Remove drops activations from the index together with their state hashes.
func (d *DueIndex) Remove(ctx context.Context, activationIDs ...uuid.UUID) error {
	if len(activationIDs) == 0 {
		return nil
	}

	members := make([]any, len(activationIDs))
	pipe := d.client.Pipeline()
	for i, id := range activationIDs {
		members[i] = id.String()
		pipe.Del(ctx, itemKeyPrefix+id.String())
	}
	pipe.ZRem(ctx, dueKey, members...)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to remove poll entries: %w", err)
	}
	return nil
}

// Due returns up to limit activation ids whose poll time has passed.
func (d *DueIndex) Due(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	members, err := d.client.ZRangeByScore(ctx, dueKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read due index: %w", err)
	}

	ids := make([]uuid.UUID, 0, len(members))
	for _, m := range members {
		id, err := uuid.Parse(m)
		if err != nil {
			// Unparseable members can only come from manual pokes; drop them.
			d.client.ZRem(ctx, dueKey, m)
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// States loads the polling memory for a batch of activations. Missing hashes
// come back zero-valued.
func (d *DueIndex) States(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]ItemState, error) {
	states := make(map[uuid.UUID]ItemState, len(ids))
	if len(ids) == 0 {
		return states, nil
	}

	pipe := d.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, itemKeyPrefix+id.String())
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to load poll states: %w", err)
	}

	for i, id := range ids {
		fields := cmds[i].Val()
		var st ItemState
		st.Attempt, _ = strconv.Atoi(fields["attempt"])
		st.Errors, _ = strconv.Atoi(fields["errors"])
		states[id] = st
	}
	return states, nil
}

// AcquireLock takes the single-writer cycle lock. A false return means
// another instance is running the cycle.
func (d *DueIndex) AcquireLock(ctx context.Context) (bool, error) {
	ok, err := d.client.SetNX(ctx, lockKey, d.lockToken, lockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire poll lock: %w", err)
	}
	return ok, nil
}

// ReleaseLock frees the cycle lock if this instance still owns it. An
// expired lock is not an error; the TTL already let someone else in.
func (d *DueIndex) ReleaseLock(ctx context.Context) error {
	if err := releaseLock.Run(ctx, d.client, []string{lockKey}, d.lockToken).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to release poll lock: %w", err)
	}
	return nil
}

// BalanceCache is the cache-aside store for upstream provider balances.
type BalanceCache struct {
	client *redis.Client
}

func NewBalanceCache(client *redis.Client) *BalanceCache {
	return &BalanceCache{client: client}
}

// ProviderBalance returns the cached balance and whether it was present.
func (c *BalanceCache) ProviderBalance(ctx context.Context, name string) (decimal.Decimal, bool, error) {
	val, err := c.client.Get(ctx, balanceKeyPrefix+name).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("failed to read cached balance: %w", err)
	}

	balance, err := decimal.NewFromString(val)
	if err != nil {
		// A corrupt entry behaves like a miss and gets overwritten.
		return decimal.Zero, false, nil
	}
	return balance, true, nil
}

func (c *BalanceCache) SetProviderBalance(ctx context.Context, name string, balance decimal.Decimal, ttl time.Duration) error {
	if err := c.client.Set(ctx, balanceKeyPrefix+name, balance.String(), ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache balance: %w", err)
	}
	return nil
}
