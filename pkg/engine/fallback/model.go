package fallback

import (
	"fmt"
	"os"

	"github.com/fxamacker/cbor/v2"

	"k8s.io/examples/AI/imagecaption/pkg/engine"
)

// Model is the description of a computation graph that the fallback backend
// can evaluate. It is stored on disk as CBOR.
type Model struct {
	Name string `cbor:"name"`

	Inputs  []ValueInfo `cbor:"inputs"`
	Outputs []ValueInfo `cbor:"outputs"`

	Initializers []Initializer `cbor:"initializers"`
	Nodes        []Node        `cbor:"nodes"`
}

type ValueInfo struct {
	Name string  `cbor:"name"`
	Dims []int64 `cbor:"dims"`
}

// Initializer is a constant tensor, typically a weight or bias.
type Initializer struct {
	Name   string    `cbor:"name"`
	Dims   []int64   `cbor:"dims"`
	Values []float32 `cbor:"values"`
}

type Node struct {
	Name       string           `cbor:"name,omitempty"`
	Op         string           `cbor:"op"`
	Inputs     []string         `cbor:"inputs"`
	Out        string           `cbor:"output"`
	Attributes map[string]int64 `cbor:"attributes,omitempty"`
}

var _ engine.Node = Node{}

func (n Node) Output() string {
	return n.Out
}

func (n Node) Dependencies() []string {
	return n.Inputs
}

// Load reads a model description from path.
func Load(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading model %q: %w", path, err)
	}
	model := &Model{}
	if err := cbor.Unmarshal(data, model); err != nil {
		return nil, fmt.Errorf("decoding model %q: %w", path, err)
	}
	if err := model.Validate(); err != nil {
		return nil, fmt.Errorf("invalid model %q: %w", path, err)
	}
	return model, nil
}

// Save writes a model description to path.
func Save(path string, model *Model) error {
	if err := model.Validate(); err != nil {
		return err
	}
	data, err := cbor.Marshal(model)
	if err != nil {
		return fmt.Errorf("encoding model: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing model %q: %w", path, err)
	}
	return nil
}

// Validate checks that names are unique and that initializers hold as many
// values as their dimensions require.
func (m *Model) Validate() error {
	seen := make(map[string]bool)
	define := func(name string) error {
		if name == "" {
			return fmt.Errorf("empty tensor name")
		}
		if seen[name] {
			return fmt.Errorf("tensor %q defined more than once", name)
		}
		seen[name] = true
		return nil
	}

	for _, in := range m.Inputs {
		if err := define(in.Name); err != nil {
			return err
		}
	}
	for _, init := range m.Initializers {
		if err := define(init.Name); err != nil {
			return err
		}
		if n := numElements(init.Dims); n != len(init.Values) {
			return fmt.Errorf("initializer %q has dims %v (%d elements) but %d values", init.Name, init.Dims, n, len(init.Values))
		}
	}
	for _, node := range m.Nodes {
		if err := define(node.Out); err != nil {
			return err
		}
		if _, ok := ops[node.Op]; !ok {
			return fmt.Errorf("node %q: unsupported operation %q", node.Out, node.Op)
		}
	}
	for _, out := range m.Outputs {
		if !seen[out.Name] {
			return fmt.Errorf("graph output %q is not produced by any node", out.Name)
		}
	}
	return nil
}

func (m *Model) info() *engine.ModelInfo {
	info := &engine.ModelInfo{}
	for _, in := range m.Inputs {
		info.Inputs = append(info.Inputs, engine.TensorSpec{Name: in.Name, Shape: in.Dims, DataType: engine.DataTypeFloat32})
	}
	for _, out := range m.Outputs {
		info.Outputs = append(info.Outputs, engine.TensorSpec{Name: out.Name, Shape: out.Dims, DataType: engine.DataTypeFloat32})
	}
	return info
}

func numElements(dims []int64) int {
	n := 1
	for _, d := range dims {
		n *= int(d)
	}
	return n
}
