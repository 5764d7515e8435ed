package buckets

import "sort"

// bucketMap keeps one symbol's buckets at a single resolution: a hash map
// for O(1) access by bucket start plus a sorted key slice maintained
// incrementally so range scans never re-sort.
type bucketMap struct {
	res     Resolution
	maxSize int
	byStart map[int64]*Bucket
	sorted  []int64 // ascending bucket starts
}

func newBucketMap(res Resolution, maxSize int) *bucketMap {
	return &bucketMap{
		res:     res,
		maxSize: maxSize,
		byStart: make(map[int64]*Bucket),
		sorted:  make([]int64, 0, maxSize),
	}
}

func (bm *bucketMap) get(start int64) (*Bucket, bool) {
	b, ok := bm.byStart[start]
	return b, ok
}

// put inserts a new bucket and evicts the oldest entries past capacity.
func (bm *bucketMap) put(b *Bucket) {
	if _, exists := bm.byStart[b.Start]; !exists {
		i := sort.Search(len(bm.sorted), func(i int) bool { return bm.sorted[i] >= b.Start })
		bm.sorted = append(bm.sorted, 0)
		copy(bm.sorted[i+1:], bm.sorted[i:])
		bm.sorted[i] = b.Start
	}
	bm.byStart[b.Start] = b

	for len(bm.sorted) > bm.maxSize {
		oldest := bm.sorted[0]
		bm.sorted = bm.sorted[1:]
		delete(bm.byStart, oldest)
	}
}

// inRange returns copies of the buckets whose start lies in [fromMs, toMs],
// ascending. Copies keep readers isolated from concurrent merges.
func (bm *bucketMap) inRange(fromMs, toMs int64) []Bucket {
	lo := sort.Search(len(bm.sorted), func(i int) bool { return bm.sorted[i] >= fromMs })
	hi := sort.Search(len(bm.sorted), func(i int) bool { return bm.sorted[i] > toMs })
	if lo >= hi {
		return nil
	}
	out := make([]Bucket, 0, hi-lo)
	for _, start := range bm.sorted[lo:hi] {
		out = append(out, *bm.byStart[start])
	}
	return out
}

func (bm *bucketMap) size() int {
	return len(bm.sorted)
}
