package targetmap

import (
	"hash/fnv"
	"sync"

	"github.com/qiao-bo/justbuild/internal/analysed"
	"github.com/qiao-bo/justbuild/internal/expression"
)

const resultShards = 64

type resultShard struct {
	mu      sync.Mutex
	entries map[string]*analysed.Target
}

// ResultMap deduplicates fully analysed targets by (target, effective
// configuration) and hands out stable pointers: after Add, equivalent
// analyses share one value.
type ResultMap struct {
	shards [resultShards]resultShard
}

// NewResultMap creates an empty registry.
func NewResultMap() *ResultMap {
	m := &ResultMap{}
	for i := range m.shards {
		m.shards[i].entries = map[string]*analysed.Target{}
	}
	return m
}

func (m *ResultMap) shard(key string) *resultShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &m.shards[h.Sum32()%resultShards]
}

// Add returns the registered target for (target, conf), installing
// candidate if none is present yet.
func (m *ResultMap) Add(target expression.EntityName, conf expression.Configuration, candidate *analysed.Target) *analysed.Target {
	key := target.String() + "#" + conf.ID()
	shard := m.shard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if existing, ok := shard.entries[key]; ok {
		return existing
	}
	shard.entries[key] = candidate
	return candidate
}

// Size reports the number of registered targets.
func (m *ResultMap) Size() int {
	total := 0
	for i := range m.shards {
		m.shards[i].mu.Lock()
		total += len(m.shards[i].entries)
		m.shards[i].mu.Unlock()
	}
	return total
}
