package dataset

import (
	"fmt"
	"math/rand"
)

// Batch is a contiguous copy of Size examples.
type Batch struct {
	X    []float32 // [Size, Features] row-major
	Y    []int32   // [Size]
	Size int
}

// Batches iterates a dataset in mini-batches. Each Reset starts a new epoch,
// reshuffling when a random source is set.
//
// Example:
//
//	it := dataset.NewBatches(ds, 32, rng)
//	for batch, ok := it.Next(); ok; batch, ok = it.Next() {
//	    ...
//	}
//	it.Reset()
type Batches struct {
	ds        *Dataset
	batchSize int
	dropLast  bool
	rng       *rand.Rand
	order     []int
	pos       int
}

// NewBatches creates an iterator. A nil rng keeps the dataset order.
func NewBatches(ds *Dataset, batchSize int, rng *rand.Rand) (*Batches, error) {
	if batchSize < 1 {
		return nil, fmt.Errorf("%w: batch size must be positive, got %d", ErrInvalid, batchSize)
	}
	b := &Batches{ds: ds, batchSize: batchSize, rng: rng}
	b.Reset()
	return b, nil
}

// DropLast skips a final batch smaller than the batch size.
func (b *Batches) DropLast(drop bool) *Batches {
	b.dropLast = drop
	return b
}

// Reset rewinds to the first batch.
func (b *Batches) Reset() {
	n := b.ds.Len()
	if b.order == nil {
		b.order = make([]int, n)
	}
	for i := range b.order {
		b.order[i] = i
	}
	if b.rng != nil {
		b.rng.Shuffle(n, func(i, j int) {
			b.order[i], b.order[j] = b.order[j], b.order[i]
		})
	}
	b.pos = 0
}

// Len returns the number of batches per epoch.
func (b *Batches) Len() int {
	n := b.ds.Len()
	if b.dropLast {
		return n / b.batchSize
	}
	return (n + b.batchSize - 1) / b.batchSize
}

// Next returns the next batch, or false at the end of the epoch.
func (b *Batches) Next() (Batch, bool) {
	remaining := len(b.order) - b.pos
	if remaining <= 0 || (b.dropLast && remaining < b.batchSize) {
		return Batch{}, false
	}

	size := min(b.batchSize, remaining)
	features := b.ds.Features
	batch := Batch{
		X:    make([]float32, size*features),
		Y:    make([]int32, size),
		Size: size,
	}
	for i, idx := range b.order[b.pos : b.pos+size] {
		x, y := b.ds.Example(idx)
		copy(batch.X[i*features:], x)
		batch.Y[i] = y
	}
	b.pos += size
	return batch, true
}
