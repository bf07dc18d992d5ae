// Package syncutil provides bounded per-key locking.
package syncutil

import (
	"context"
	"hash/fnv"
	"strings"
)

// DefaultShards is the shard count used by NewKeyLocks.
const DefaultShards = 256

// KeyLocks serializes work per string key over a fixed pool of channel-based
// mutexes. Memory stays bounded however many keys are seen; unrelated keys
// occasionally share a shard. Never acquire a second key while holding one:
// two keys on the same shard would deadlock.
type KeyLocks struct {
	shards []chan struct{}
}

// NewKeyLocks creates a lock pool with DefaultShards shards.
func NewKeyLocks() *KeyLocks {
	return NewKeyLocksN(DefaultShards)
}

// NewKeyLocksN creates a lock pool with n shards (minimum 1).
func NewKeyLocksN(n int) *KeyLocks {
	n = max(n, 1)
	k := &KeyLocks{shards: make([]chan struct{}, n)}
	for i := range k.shards {
		k.shards[i] = make(chan struct{}, 1)
		k.shards[i] <- struct{}{}
	}
	return k
}

// Key joins parts into a composite lock key, e.g. Key(accountID, action).
func Key(parts ...string) string {
	return strings.Join(parts, "\x1f")
}

// Lock acquires key, giving up when ctx is done. On success the returned
// function releases the lock and must be called exactly once.
func (k *KeyLocks) Lock(ctx context.Context, key string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	shard := k.shards[k.shardIdx(key)]
	select {
	case <-shard:
		return func() { shard <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (k *KeyLocks) shardIdx(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % uint32(len(k.shards))
}
