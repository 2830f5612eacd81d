package bucketing

import (
	"hash"
	"sync"

	"github.com/spaolacci/murmur3"
)

const DefaultShards = 32

// BucketingManager maps keys onto a fixed number of buckets with murmur3 so
// that the same key always lands in the same bucket within a process.
type BucketingManager struct {
	buckets    int
	hasherPool sync.Pool
}

func NewBucketingManager(buckets int) *BucketingManager {
	if buckets <= 0 {
		buckets = DefaultShards
	}

	bm := &BucketingManager{buckets: buckets}

	// Create pool of hash functions to avoid allocation overhead
	bm.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New32()
		},
	}

	return bm
}

// Buckets returns the number of buckets keys are spread over.
func (bm *BucketingManager) Buckets() int {
	return bm.buckets
}

// BucketFor returns the bucket for key, in [0, Buckets()).
func (bm *BucketingManager) BucketFor(key string) int {
	h := bm.hasherPool.Get().(hash.Hash32)
	defer bm.hasherPool.Put(h)

	h.Reset()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(bm.buckets))
}
