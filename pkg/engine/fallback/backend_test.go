package fallback

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"k8s.io/examples/AI/imagecaption/pkg/engine"
)

// affineModel computes y = sigmoid(x·w + b) and z = x·w.
func affineModel() *Model {
	return &Model{
		Name:    "affine",
		Inputs:  []ValueInfo{{Name: "x", Dims: []int64{1, 2}}},
		Outputs: []ValueInfo{{Name: "y", Dims: []int64{1, 2}}, {Name: "z", Dims: []int64{1, 2}}},
		Initializers: []Initializer{
			{Name: "w", Dims: []int64{2, 2}, Values: []float32{1, 0, 0, -1}},
			{Name: "b", Dims: []int64{2}, Values: []float32{0, 1}},
		},
		Nodes: []Node{
			{Op: "MatMul", Inputs: []string{"x", "w"}, Out: "z"},
			{Op: "Add", Inputs: []string{"z", "b"}, Out: "logits"},
			{Op: "Sigmoid", Inputs: []string{"logits"}, Out: "y"},
		},
	}
}

func xSpec(dims ...int64) engine.TensorSpec {
	return engine.TensorSpec{Name: "x", Shape: dims, DataType: engine.DataTypeFloat32}
}

func TestSaveLoad(t *testing.T) {
	p := filepath.Join(t.TempDir(), "model.cbor")
	model := affineModel()
	model.Nodes[0].Attributes = map[string]int64{"transB": 0}

	if err := Save(p, model); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	loaded, err := Load(p)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if diff := cmp.Diff(model, loaded); diff != "" {
		t.Errorf("model changed on round trip (-saved +loaded):\n%s", diff)
	}
}

func TestValidate(t *testing.T) {
	grid := []struct {
		name   string
		mutate func(m *Model)
	}{
		{name: "unsupported op", mutate: func(m *Model) { m.Nodes[2].Op = "Softmax" }},
		{name: "duplicate tensor", mutate: func(m *Model) { m.Nodes[1].Out = "z" }},
		{name: "short initializer", mutate: func(m *Model) { m.Initializers[0].Values = m.Initializers[0].Values[:3] }},
		{name: "unproduced output", mutate: func(m *Model) { m.Outputs[0].Name = "missing" }},
	}

	for _, g := range grid {
		t.Run(g.name, func(t *testing.T) {
			m := affineModel()
			g.mutate(m)
			if err := m.Validate(); err == nil {
				t.Errorf("expected validation error")
			}
			if err := Save(filepath.Join(t.TempDir(), "model.cbor"), m); err == nil {
				t.Errorf("expected Save to reject the model")
			}
		})
	}
}

func TestCompileAndExecute(t *testing.T) {
	ctx := context.Background()
	g, err := CompileModel(ctx, affineModel(), engine.CompileOptions{
		Inputs:  []engine.TensorSpec{xSpec(1, 2)},
		Outputs: []string{"y"},
	})
	if err != nil {
		t.Fatalf("CompileModel failed: %v", err)
	}
	defer g.Close()

	if diff := cmp.Diff([]engine.TensorSpec{{Name: "y", Shape: []int64{1, 2}, DataType: engine.DataTypeFloat32}}, g.Outputs()); diff != "" {
		t.Errorf("outputs mismatch (-want +got):\n%s", diff)
	}
	// z is not requested, so only the sigmoid path is evaluated
	if _, err := g.Float32("z"); !errors.Is(err, engine.ErrUnknownTensor) {
		t.Errorf("expected unrequested tensor to be unknown, got %v", err)
	}

	if err := engine.CopyIn(g, "x", []float32{0, 1}); err != nil {
		t.Fatalf("CopyIn failed: %v", err)
	}
	if err := g.Execute(ctx); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	y, err := g.Float32("y")
	if err != nil {
		t.Fatalf("Float32 failed: %v", err)
	}
	// logits = [0, -1] + [0, 1]
	if diff := cmp.Diff([]float32{0.5, 0.5}, y); diff != "" {
		t.Errorf("y mismatch (-want +got):\n%s", diff)
	}

	// buffers are reused between executions
	if err := engine.CopyIn(g, "x", []float32{0, -1}); err != nil {
		t.Fatalf("CopyIn failed: %v", err)
	}
	if err := g.Execute(ctx); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if y[1] != sigmoid(2) {
		t.Errorf("y[1] = %v, expected %v", y[1], sigmoid(2))
	}
}

func TestCompileErrors(t *testing.T) {
	grid := []struct {
		name   string
		opts   engine.CompileOptions
		target error
	}{
		{
			name:   "shape mismatch",
			opts:   engine.CompileOptions{Inputs: []engine.TensorSpec{xSpec(1, 3)}, Outputs: []string{"y"}},
			target: engine.ErrShapeMismatch,
		},
		{
			name:   "undeclared input",
			opts:   engine.CompileOptions{Inputs: []engine.TensorSpec{{Name: "h", Shape: []int64{1, 2}}}, Outputs: []string{"y"}},
			target: engine.ErrUnknownTensor,
		},
		{
			name:   "unknown output",
			opts:   engine.CompileOptions{Inputs: []engine.TensorSpec{xSpec(1, 2)}, Outputs: []string{"q"}},
			target: engine.ErrUnknownTensor,
		},
		{
			name:   "input not supplied",
			opts:   engine.CompileOptions{Outputs: []string{"y"}},
			target: engine.ErrUnknownTensor,
		},
	}

	for _, g := range grid {
		t.Run(g.name, func(t *testing.T) {
			_, err := CompileModel(context.Background(), affineModel(), g.opts)
			if !errors.Is(err, g.target) {
				t.Errorf("expected %v, got %v", g.target, err)
			}
		})
	}
}

func TestExecuteHonoursContext(t *testing.T) {
	g, err := CompileModel(context.Background(), affineModel(), engine.CompileOptions{
		Inputs:  []engine.TensorSpec{xSpec(1, 2)},
		Outputs: []string{"z"},
	})
	if err != nil {
		t.Fatalf("CompileModel failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := g.Execute(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}

	if err := g.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := g.Execute(context.Background()); err == nil {
		t.Errorf("expected Execute on a closed graph to fail")
	}
}

func TestBackendFromFile(t *testing.T) {
	ctx := context.Background()
	p := filepath.Join(t.TempDir(), "model.cbor")
	if err := Save(p, affineModel()); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	backend, err := engine.GetBackend(BackendName)
	if err != nil {
		t.Fatalf("GetBackend failed: %v", err)
	}
	info, err := backend.Inspect(ctx, p)
	if err != nil {
		t.Fatalf("Inspect failed: %v", err)
	}
	if !info.HasOutput("y") || !info.HasOutput("z") || info.HasOutput("logits") {
		t.Errorf("unexpected outputs %+v", info.Outputs)
	}

	graph, err := backend.Compile(ctx, p, engine.CompileOptions{Inputs: []engine.TensorSpec{xSpec(1, 2)}, Outputs: []string{"z"}})
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	defer graph.Close()

	if _, err := backend.Compile(ctx, filepath.Join(t.TempDir(), "missing.cbor"), engine.CompileOptions{}); err == nil {
		t.Errorf("expected Compile of a missing file to fail")
	}
}
