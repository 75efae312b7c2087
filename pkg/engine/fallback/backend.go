package fallback

import (
	"context"
	"fmt"
	"slices"

	"k8s.io/klog/v2"

	"k8s.io/examples/AI/imagecaption/pkg/engine"
)

const BackendName = "fallback"

func init() {
	engine.RegisterBackend(&Backend{})
}

// Backend evaluates CBOR model descriptions on the CPU in pure Go.
// It is slow but has no native dependencies.
type Backend struct{}

var _ engine.Backend = (*Backend)(nil)

func (b *Backend) Name() string {
	return BackendName
}

func (b *Backend) Inspect(ctx context.Context, modelPath string) (*engine.ModelInfo, error) {
	model, err := Load(modelPath)
	if err != nil {
		return nil, err
	}
	return model.info(), nil
}

func (b *Backend) Compile(ctx context.Context, modelPath string, opts engine.CompileOptions) (engine.Graph, error) {
	model, err := Load(modelPath)
	if err != nil {
		return nil, err
	}
	g, err := CompileModel(ctx, model, opts)
	if err != nil {
		return nil, err
	}
	return g, nil
}

// CompileModel compiles an in-memory model description.
func CompileModel(ctx context.Context, model *Model, opts engine.CompileOptions) (*Graph, error) {
	log := klog.FromContext(ctx)

	if err := model.Validate(); err != nil {
		return nil, fmt.Errorf("invalid model %q: %w", model.Name, err)
	}

	g := &Graph{
		constants: make(map[string]*tensor),
		inputs:    make(map[string]*tensor),
		outputs:   make(map[string]*tensor),
	}

	modelInputs := make(map[string]ValueInfo, len(model.Inputs))
	for _, in := range model.Inputs {
		modelInputs[in.Name] = in
	}

	available := make(map[string]bool)
	for _, spec := range opts.Inputs {
		if spec.DataType != "" && spec.DataType != engine.DataTypeFloat32 {
			return nil, fmt.Errorf("input %q: unsupported data type %q", spec.Name, spec.DataType)
		}
		modelInput, ok := modelInputs[spec.Name]
		if !ok {
			return nil, fmt.Errorf("input %q is not declared by model %q: %w", spec.Name, model.Name, engine.ErrUnknownTensor)
		}
		if !engine.ShapeCompatible(spec.Shape, modelInput.Dims) {
			return nil, fmt.Errorf("input %q: declared shape %v does not match model shape %v: %w", spec.Name, spec.Shape, modelInput.Dims, engine.ErrShapeMismatch)
		}
		if _, ok := g.inputs[spec.Name]; ok {
			return nil, fmt.Errorf("input %q declared more than once", spec.Name)
		}
		g.inputs[spec.Name] = newTensor(spec.Shape)
		g.inputSpecs = append(g.inputSpecs, engine.TensorSpec{Name: spec.Name, Shape: slices.Clone(spec.Shape), DataType: engine.DataTypeFloat32})
		available[spec.Name] = true
	}
	for _, init := range model.Initializers {
		g.constants[init.Name] = &tensor{dims: init.Dims, values: init.Values}
		available[init.Name] = true
	}

	order, err := engine.BuildDAG(model.Nodes, available, opts.Outputs)
	if err != nil {
		return nil, fmt.Errorf("building evaluation order for %v: %w", opts.Outputs, err)
	}
	g.order = order
	g.outputNames = slices.Clone(opts.Outputs)

	// A dry run on zeroed inputs resolves the output shapes, so buffers can be
	// allocated once and shape errors surface at compile time.
	values, err := g.evaluate()
	if err != nil {
		return nil, fmt.Errorf("resolving output shapes: %w", err)
	}
	for _, name := range g.outputNames {
		value, ok := values[name]
		if !ok {
			return nil, fmt.Errorf("output %q: %w", name, engine.ErrUnknownTensor)
		}
		g.outputs[name] = newTensor(value.dims)
		g.outputSpecs = append(g.outputSpecs, engine.TensorSpec{Name: name, Shape: slices.Clone(value.dims), DataType: engine.DataTypeFloat32})
	}

	log.V(2).Info("compiled fallback graph", "model", model.Name, "inputs", len(g.inputSpecs), "outputs", g.outputNames, "nodes", len(g.order))
	return g, nil
}

// Graph is a compiled subgraph of a fallback model.
type Graph struct {
	constants map[string]*tensor
	inputs    map[string]*tensor
	outputs   map[string]*tensor

	inputSpecs  []engine.TensorSpec
	outputSpecs []engine.TensorSpec
	outputNames []string

	order  []Node
	closed bool
}

var _ engine.Graph = (*Graph)(nil)

func (g *Graph) Inputs() []engine.TensorSpec {
	return g.inputSpecs
}

func (g *Graph) Outputs() []engine.TensorSpec {
	return g.outputSpecs
}

func (g *Graph) Float32(name string) ([]float32, error) {
	if g.closed {
		return nil, fmt.Errorf("graph is closed")
	}
	if t, ok := g.inputs[name]; ok {
		return t.values, nil
	}
	if t, ok := g.outputs[name]; ok {
		return t.values, nil
	}
	return nil, fmt.Errorf("tensor %q: %w", name, engine.ErrUnknownTensor)
}

func (g *Graph) Execute(ctx context.Context) error {
	if g.closed {
		return fmt.Errorf("graph is closed")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	values, err := g.evaluate()
	if err != nil {
		return err
	}

	for _, name := range g.outputNames {
		value := values[name]
		out := g.outputs[name]
		if len(value.values) != len(out.values) {
			return fmt.Errorf("output %q changed shape from %v to %v: %w", name, out.dims, value.dims, engine.ErrShapeMismatch)
		}
		copy(out.values, value.values)
	}
	return nil
}

func (g *Graph) evaluate() (map[string]*tensor, error) {
	values := make(map[string]*tensor, len(g.constants)+len(g.inputs)+len(g.order))
	for name, t := range g.constants {
		values[name] = t
	}
	for name, t := range g.inputs {
		values[name] = t
	}

	for _, node := range g.order {
		inputs := make([]*tensor, len(node.Inputs))
		for i, name := range node.Inputs {
			t, ok := values[name]
			if !ok {
				return nil, fmt.Errorf("node %q: source tensor %q not found", node.Out, name)
			}
			inputs[i] = t
		}
		result, err := ops[node.Op](node, inputs)
		if err != nil {
			return nil, err
		}
		values[node.Out] = result
	}
	return values, nil
}

func (g *Graph) Close() error {
	g.closed = true
	g.constants = nil
	g.inputs = nil
	g.outputs = nil
	return nil
}
