package ml

import (
	"math/rand/v2"
)

// ------ DATA HANDLING HELPERS ------
func NewIndexList(size int) []int {
	indices := make([]int, size)
	for i := range indices {
		indices[i] = i
	}
	return indices
}

func ShuffleIndices(rng *rand.Rand, indices []int) {
	rng.Shuffle(len(indices), func(i, j int) {
		indices[i], indices[j] = indices[j], indices[i]
	})
}

// SplitBatches cuts indices into ceil(n/batchSize) nearly equal chunks.
// The first n%k chunks get one extra element, so chunk sizes differ by at
// most one and no chunk is empty. The chunks alias indices.
func SplitBatches(indices []int, batchSize int) [][]int {
	n := len(indices)
	if n == 0 {
		return nil
	}
	if batchSize < 1 {
		batchSize = 1
	}
	k := (n + batchSize - 1) / batchSize
	base, extra := n/k, n%k

	batches := make([][]int, 0, k)
	start := 0
	for i := 0; i < k; i++ {
		size := base
		if i < extra {
			size++
		}
		batches = append(batches, indices[start:start+size])
		start += size
	}
	return batches
}

// Gather copies specific rows from the global storage into a contiguous
// batch matrix, so the global array never has to be reshuffled.
func Gather(
	batchIndices []int, // rows to copy, in batch order
	globalX []float64, // the full immutable data, row-major
	inputDim int, // e.g. D*D pixels per image
	destX *Matrix, // destination, len(batchIndices) x inputDim
) {
	rowSize := inputDim
	for localRowIdx, realDataIdx := range batchIndices {
		srcStart := realDataIdx * rowSize
		dstStart := localRowIdx * rowSize
		copy(destX.data[dstStart:dstStart+rowSize], globalX[srcStart:srcStart+rowSize])
	}
}
