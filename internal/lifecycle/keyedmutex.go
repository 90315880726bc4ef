package lifecycle

import (
	"hash/fnv"
	"sync"
)

// keyedMutex serializes work per fingerprint without a global lock: keys hash
// onto a fixed set of shards, so admissions for the same fingerprint always
// contend while unrelated fingerprints almost always proceed in parallel.
type keyedMutex struct {
	shards [keyedMutexShards]sync.Mutex
}

const keyedMutexShards = 128

func (k *keyedMutex) Lock(key string) func() {
	h := fnv.New32a()
	h.Write([]byte(key))
	shard := &k.shards[h.Sum32()%keyedMutexShards]
	shard.Lock()
	return shard.Unlock
}
