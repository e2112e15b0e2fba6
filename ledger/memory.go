package ledger

import (
	"context"
	"hash/fnv"
	"sync"
)

const memoryShards = 32

type memoryShard struct {
	mu       sync.Mutex
	balances map[string]int64
	applied  map[string]struct{}
}

// MemoryStore is the in-process Store used by tests and local runs. Keys
// are sharded so unrelated (owner, asset) pairs never share a lock.
type MemoryStore struct {
	shards [memoryShards]memoryShard
}

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	for i := range s.shards {
		s.shards[i].balances = make(map[string]int64)
		s.shards[i].applied = make(map[string]struct{})
	}
	return s
}

func (s *MemoryStore) shard(key string) *memoryShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &s.shards[h.Sum32()%memoryShards]
}

func ledgerKey(owner, asset string) string {
	return owner + "\x00" + asset
}

func (s *MemoryStore) Balance(ctx context.Context, owner, asset string) (int64, error) {
	key := ledgerKey(owner, asset)
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.balances[key], nil
}

func (s *MemoryStore) TryDebit(ctx context.Context, owner, asset string, amount int64) (bool, error) {
	if err := checkDebitAmount(amount); err != nil {
		return false, err
	}
	key := ledgerKey(owner, asset)
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.balances[key] < amount {
		return false, nil
	}
	sh.balances[key] -= amount
	return true, nil
}

func (s *MemoryStore) Credit(ctx context.Context, owner, asset string, amount int64) error {
	if err := checkCreditAmount(amount); err != nil {
		return err
	}
	key := ledgerKey(owner, asset)
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.balances[key] += amount
	return nil
}

func (s *MemoryStore) CreditOnce(ctx context.Context, owner, asset string, amount int64, ref string) (bool, error) {
	if err := checkCreditAmount(amount); err != nil {
		return false, err
	}
	if err := checkCreditRef(ref); err != nil {
		return false, err
	}
	key := ledgerKey(owner, asset)
	refKey := key + "\x00" + ref
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, done := sh.applied[refKey]; done {
		return false, nil
	}
	sh.balances[key] += amount
	sh.applied[refKey] = struct{}{}
	return true, nil
}
