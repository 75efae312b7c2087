package fallback

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

type opFunc func(node Node, inputs []*tensor) (*tensor, error)

var ops = map[string]opFunc{
	"Gemm":              gemm,
	"MatMul":            matMul,
	"Add":               binary(func(a, b float32) float32 { return a + b }),
	"Sub":               binary(func(a, b float32) float32 { return a - b }),
	"Mul":               binary(func(a, b float32) float32 { return a * b }),
	"Sigmoid":           unary(sigmoid),
	"Tanh":              unary(func(x float32) float32 { return float32(math.Tanh(float64(x))) }),
	"Relu":              unary(func(x float32) float32 { return max(x, 0) }),
	"Identity":          unary(func(x float32) float32 { return x }),
	"Dropout":           unary(func(x float32) float32 { return x }),
	"Flatten":           flatten,
	"GlobalAveragePool": globalAveragePool,
}

func sigmoid(x float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(x))))
}

func requireInputs(node Node, inputs []*tensor, min int) error {
	if len(inputs) < min {
		return fmt.Errorf("%s %q: expected at least %d inputs, got %d", node.Op, node.Out, min, len(inputs))
	}
	return nil
}

func unary(f func(float32) float32) opFunc {
	return func(node Node, inputs []*tensor) (*tensor, error) {
		if err := requireInputs(node, inputs, 1); err != nil {
			return nil, err
		}
		source := inputs[0]
		result := newTensor(source.dims)
		for i, v := range source.values {
			result.values[i] = f(v)
		}
		return result, nil
	}
}

// binary applies f elementwise. The smaller operand is repeated over the
// trailing dimensions of the larger one.
func binary(f func(a, b float32) float32) opFunc {
	return func(node Node, inputs []*tensor) (*tensor, error) {
		if err := requireInputs(node, inputs, 2); err != nil {
			return nil, err
		}
		a, b := inputs[0], inputs[1]
		na, nb := len(a.values), len(b.values)

		var result *tensor
		switch {
		case na == nb:
			result = newTensor(a.dims)
		case nb != 0 && na%nb == 0:
			result = newTensor(a.dims)
		case na != 0 && nb%na == 0:
			result = newTensor(b.dims)
		default:
			return nil, fmt.Errorf("%s %q: cannot broadcast dims %v and %v", node.Op, node.Out, a.dims, b.dims)
		}

		for i := range result.values {
			result.values[i] = f(a.values[i%na], b.values[i%nb])
		}
		return result, nil
	}
}

func toDense(t *tensor) (*mat.Dense, error) {
	rows, cols, err := t.matrixDims()
	if err != nil {
		return nil, err
	}
	data := make([]float64, len(t.values))
	for i, v := range t.values {
		data[i] = float64(v)
	}
	return mat.NewDense(rows, cols, data), nil
}

func multiply(node Node, a, b *tensor) (*mat.Dense, error) {
	aDense, err := toDense(a)
	if err != nil {
		return nil, fmt.Errorf("%s %q: input A: %w", node.Op, node.Out, err)
	}
	bDense, err := toDense(b)
	if err != nil {
		return nil, fmt.Errorf("%s %q: input B: %w", node.Op, node.Out, err)
	}

	var aMatrix, bMatrix mat.Matrix = aDense, bDense
	if node.Attributes["transA"] != 0 {
		aMatrix = aDense.T()
	}
	if node.Attributes["transB"] != 0 {
		bMatrix = bDense.T()
	}

	_, ac := aMatrix.Dims()
	br, _ := bMatrix.Dims()
	if ac != br {
		return nil, fmt.Errorf("%s %q: inner dimensions do not match (%d vs %d)", node.Op, node.Out, ac, br)
	}

	var product mat.Dense
	product.Mul(aMatrix, bMatrix)
	return &product, nil
}

func fromDense(m *mat.Dense) *tensor {
	rows, cols := m.Dims()
	result := newTensor([]int64{int64(rows), int64(cols)})
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			result.values[r*cols+c] = float32(m.At(r, c))
		}
	}
	return result
}

func matMul(node Node, inputs []*tensor) (*tensor, error) {
	if err := requireInputs(node, inputs, 2); err != nil {
		return nil, err
	}
	product, err := multiply(node, inputs[0], inputs[1])
	if err != nil {
		return nil, err
	}
	return fromDense(product), nil
}

// gemm computes A·B + C, with C broadcast over rows.
func gemm(node Node, inputs []*tensor) (*tensor, error) {
	if err := requireInputs(node, inputs, 2); err != nil {
		return nil, err
	}
	product, err := multiply(node, inputs[0], inputs[1])
	if err != nil {
		return nil, err
	}
	result := fromDense(product)
	if len(inputs) < 3 {
		return result, nil
	}

	bias := inputs[2].values
	if len(bias) == 0 || len(result.values)%len(bias) != 0 {
		return nil, fmt.Errorf("%s %q: cannot broadcast bias dims %v to %v", node.Op, node.Out, inputs[2].dims, result.dims)
	}
	for i := range result.values {
		result.values[i] += bias[i%len(bias)]
	}
	return result, nil
}

func flatten(node Node, inputs []*tensor) (*tensor, error) {
	if err := requireInputs(node, inputs, 1); err != nil {
		return nil, err
	}
	source := inputs[0]
	axis := 1
	if v, ok := node.Attributes["axis"]; ok {
		axis = int(v)
	}
	if axis < 0 || axis > source.NDimensions() {
		return nil, fmt.Errorf("%s %q: axis %d out of range for dims %v", node.Op, node.Out, axis, source.dims)
	}
	outer := numElements(source.dims[:axis])
	inner := numElements(source.dims[axis:])
	result := newTensor([]int64{int64(outer), int64(inner)})
	copy(result.values, source.values)
	return result, nil
}

// globalAveragePool averages each channel of an NCHW tensor.
func globalAveragePool(node Node, inputs []*tensor) (*tensor, error) {
	if err := requireInputs(node, inputs, 1); err != nil {
		return nil, err
	}
	source := inputs[0]
	if source.NDimensions() < 3 {
		return nil, fmt.Errorf("%s %q: expected at least 3 dimensions, got %v", node.Op, node.Out, source.dims)
	}

	dims := make([]int64, source.NDimensions())
	dims[0], dims[1] = source.dims[0], source.dims[1]
	for i := 2; i < len(dims); i++ {
		dims[i] = 1
	}
	result := newTensor(dims)

	spatial := numElements(source.dims[2:])
	for i := range result.values {
		sum := float64(0)
		for _, v := range source.values[i*spatial : (i+1)*spatial] {
			sum += float64(v)
		}
		result.values[i] = float32(sum / float64(spatial))
	}
	return result, nil
}
