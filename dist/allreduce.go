package dist

import (
	"fmt"

	"gonum.org/v1/gonum/blas/blas32"

	"github.com/tsawler/go-amp/nn"
	"github.com/tsawler/go-amp/tensor"
)

// Reducer sums a buffer element-wise across all training workers in place.
// Implementations wrap whatever collective backend the deployment uses.
type Reducer interface {
	AllReduce(buf []float32) error
	WorldSize() int
}

// LocalReducer is the single-worker reducer. Reductions are no-ops.
type LocalReducer struct{}

// AllReduce leaves the buffer unchanged.
func (LocalReducer) AllReduce(buf []float32) error { return nil }

// WorldSize reports a single worker.
func (LocalReducer) WorldSize() int { return 1 }

var reducer Reducer = LocalReducer{}

// SetReducer installs the reducer used by AllReduceGrads. It should be called
// once during process setup, before training starts. Passing nil restores the
// single-worker default.
func SetReducer(r Reducer) {
	if r == nil {
		reducer = LocalReducer{}
		return
	}
	reducer = r
}

// AllReduceGrads synchronizes the gradients of params across workers and
// averages them by world size. When coalesce is true, gradients are flattened
// into buckets of at most bucketSizeMB megabytes so the reducer sees a few
// large buffers instead of many small ones; a non-positive bucket size means
// one bucket per data type. Parameters without a gradient are skipped.
func AllReduceGrads(params []*nn.Parameter, coalesce bool, bucketSizeMB int) error {
	grads := make([]*tensor.Tensor, 0, len(params))
	for _, p := range params {
		if p == nil || !p.RequiresGrad || p.Grad == nil {
			continue
		}
		grads = append(grads, p.Grad)
	}
	if len(grads) == 0 {
		return nil
	}

	r := reducer
	if coalesce {
		return allReduceCoalesced(r, grads, bucketSizeMB)
	}
	for i, g := range grads {
		if err := reduceTensor(r, g); err != nil {
			return fmt.Errorf("allreduce gradient %d: %w", i, err)
		}
	}
	return nil
}

func allReduceCoalesced(r Reducer, grads []*tensor.Tensor, bucketSizeMB int) error {
	bucketBytes := 0
	if bucketSizeMB > 0 {
		bucketBytes = bucketSizeMB * 1024 * 1024
	}
	for i, bucket := range Buckets(grads, bucketBytes) {
		flat := flatten(bucket)
		if err := r.AllReduce(flat); err != nil {
			return fmt.Errorf("allreduce bucket %d: %w", i, err)
		}
		averageInPlace(flat, r.WorldSize())
		if err := scatter(bucket, flat); err != nil {
			return fmt.Errorf("scatter bucket %d: %w", i, err)
		}
	}
	return nil
}

func reduceTensor(r Reducer, g *tensor.Tensor) error {
	if g.Dtype == tensor.Float32 {
		if err := r.AllReduce(g.Data); err != nil {
			return err
		}
		averageInPlace(g.Data, r.WorldSize())
		return nil
	}
	buf := g.Float32s()
	if err := r.AllReduce(buf); err != nil {
		return err
	}
	averageInPlace(buf, r.WorldSize())
	return g.SetFloat32s(buf)
}

// Buckets groups tensors of the same data type into buckets holding at most
// bucketBytes bytes each, preserving tensor order within a bucket. A
// non-positive budget yields a single bucket per data type. A tensor larger
// than the budget occupies a bucket by itself.
func Buckets(tensors []*tensor.Tensor, bucketBytes int) [][]*tensor.Tensor {
	var (
		result [][]*tensor.Tensor
		order  []tensor.DType
	)
	open := make(map[tensor.DType][]*tensor.Tensor)
	openBytes := make(map[tensor.DType]int)

	for _, t := range tensors {
		if t == nil {
			continue
		}
		if _, seen := open[t.Dtype]; !seen {
			order = append(order, t.Dtype)
		}
		size := t.NumElements() * t.Dtype.Size()
		if bucketBytes > 0 && openBytes[t.Dtype] > 0 && openBytes[t.Dtype]+size > bucketBytes {
			result = append(result, open[t.Dtype])
			open[t.Dtype] = nil
			openBytes[t.Dtype] = 0
		}
		open[t.Dtype] = append(open[t.Dtype], t)
		openBytes[t.Dtype] += size
	}
	for _, dt := range order {
		if len(open[dt]) > 0 {
			result = append(result, open[dt])
		}
	}
	return result
}

func flatten(bucket []*tensor.Tensor) []float32 {
	total := 0
	for _, t := range bucket {
		total += t.NumElements()
	}
	flat := make([]float32, 0, total)
	for _, t := range bucket {
		flat = append(flat, t.Float32s()...)
	}
	return flat
}

func scatter(bucket []*tensor.Tensor, flat []float32) error {
	offset := 0
	for _, t := range bucket {
		n := t.NumElements()
		if err := t.SetFloat32s(flat[offset : offset+n]); err != nil {
			return err
		}
		offset += n
	}
	return nil
}

func averageInPlace(buf []float32, worldSize int) {
	if worldSize <= 1 || len(buf) == 0 {
		return
	}
	blas32.Scal(1/float32(worldSize), blas32.Vector{N: len(buf), Inc: 1, Data: buf})
}
