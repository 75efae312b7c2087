package fallback

import (
	"fmt"
	"slices"
)

type tensor struct {
	dims   []int64
	values []float32
}

func newTensor(dims []int64) *tensor {
	return &tensor{
		dims:   slices.Clone(dims),
		values: make([]float32, numElements(dims)),
	}
}

func (t *tensor) NDimensions() int {
	return len(t.dims)
}

// matrixDims views t as a matrix, as Gemm and MatMul require.
func (t *tensor) matrixDims() (int, int, error) {
	switch len(t.dims) {
	case 1:
		return 1, int(t.dims[0]), nil
	case 2:
		return int(t.dims[0]), int(t.dims[1]), nil
	default:
		return 0, 0, fmt.Errorf("expected a matrix, got dims %v", t.dims)
	}
}
