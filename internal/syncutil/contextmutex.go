package syncutil

import "context"

// ContextShardedMutex is a sharded per-key mutex whose acquisition can be
// abandoned on context cancellation. Settlement uses it to serialize
// attempts per order without letting a cancelled request wait forever on
// a shard held by a slow chain call.
type ContextShardedMutex struct {
	shards []chan struct{}
}

// NewContextShardedMutex creates the mutex with every shard unlocked.
// The zero value is not usable.
func NewContextShardedMutex() *ContextShardedMutex {
	m := &ContextShardedMutex{shards: make([]chan struct{}, shardCount)}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
		m.shards[i] <- struct{}{}
	}
	return m
}

// LockContext acquires the shard for key, or gives up when ctx is done.
// On success the returned function releases the shard and must be called
// exactly once.
func (m *ContextShardedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	shard := m.shards[shardIndex(key)]
	select {
	case <-shard:
		return func() { shard <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
