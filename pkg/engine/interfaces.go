package engine

import (
	"context"
	"io"
)

type DataType string

const (
	DataTypeFloat32 DataType = "float32"
)

// TensorSpec declares a named tensor with a fixed shape.
// A dimension of -1 is dynamic and only valid in model metadata.
type TensorSpec struct {
	Name     string
	Shape    []int64
	DataType DataType
}

func (s TensorSpec) NumElements() int {
	n := 1
	for _, d := range s.Shape {
		n *= int(d)
	}
	return n
}

// Graph is a compiled, independently executable piece of a model.
//
// Graphs are not safe for concurrent use: a single caller writes inputs,
// calls Execute and reads outputs.
type Graph interface {
	io.Closer

	// Float32 returns the buffer for the named input or output.
	// Input buffers may be written by the caller and are consumed by Execute.
	// Output buffers are overwritten by the next call to Execute.
	Float32(name string) ([]float32, error)

	// Execute recomputes all outputs from the current input buffers.
	Execute(ctx context.Context) error

	Inputs() []TensorSpec
	Outputs() []TensorSpec
}

// ModelInfo lists the graph inputs and outputs a model file declares.
type ModelInfo struct {
	Inputs  []TensorSpec
	Outputs []TensorSpec
}

func (m *ModelInfo) HasOutput(name string) bool {
	for _, o := range m.Outputs {
		if o.Name == name {
			return true
		}
	}
	return false
}

type CompileOptions struct {
	// Inputs are the tensors the caller will write. Every input must be
	// declared by the model with a compatible shape.
	Inputs []TensorSpec

	// Outputs are the tensors the caller will read.
	Outputs []string

	Options Options
}

// Backend compiles model files into runnable graphs.
type Backend interface {
	Name() string

	Inspect(ctx context.Context, modelPath string) (*ModelInfo, error)

	Compile(ctx context.Context, modelPath string, opts CompileOptions) (Graph, error)
}
