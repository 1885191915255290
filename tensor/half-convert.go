package tensor

import (
	"runtime"
	"sync"

	"github.com/klauspost/cpuid/v2"
	"github.com/x448/float16"
)

// Precision conversion of large tensors runs in parallel chunks. Physical
// cores are what matter for these compute-bound loops; hyperthreads only add
// scheduling overhead.
var convertWorkers = 1

// parallelThreshold is the element count below which conversion stays on the
// calling goroutine.
const parallelThreshold = 1 << 16

func init() {
	workers := cpuid.CPU.PhysicalCores
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	convertWorkers = workers
}

func toHalfSlice(dst []float16.Float16, src []float32) []float16.Float16 {
	forEachChunk(len(src), func(lo, hi int) {
		for i := lo; i < hi; i++ {
			dst[i] = float16.Fromfloat32(src[i])
		}
	})
	return dst
}

func toFloatSlice(dst []float32, src []float16.Float16) []float32 {
	forEachChunk(len(src), func(lo, hi int) {
		for i := lo; i < hi; i++ {
			dst[i] = src[i].Float32()
		}
	})
	return dst
}

// forEachChunk splits [0,n) into contiguous chunks and runs body over them,
// concurrently when n is large enough to pay for the goroutines.
func forEachChunk(n int, body func(lo, hi int)) {
	if n < parallelThreshold || convertWorkers <= 1 {
		body(0, n)
		return
	}
	chunk := (n + convertWorkers - 1) / convertWorkers
	var wg sync.WaitGroup
	for lo := 0; lo < n; lo += chunk {
		hi := lo + chunk
		if hi > n {
			hi = n
		}
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			body(lo, hi)
		}(lo, hi)
	}
	wg.Wait()
}
