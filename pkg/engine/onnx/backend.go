//go:build onnx

// Package onnx runs caption models with ONNX Runtime.
//
// The shared library is located from ONNXRUNTIME_LIB (a file) or
// ONNXRUNTIME_ROOT (a directory containing lib/), falling back to the
// system loader path.
package onnx

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"k8s.io/klog/v2"

	"k8s.io/examples/AI/imagecaption/pkg/engine"
)

const BackendName = "onnx"

func init() {
	engine.RegisterBackend(&Backend{}, "mkldnn")
}

type Backend struct {
	initOnce sync.Once
	initErr  error
}

var _ engine.Backend = (*Backend)(nil)

func (b *Backend) Name() string {
	return BackendName
}

func (b *Backend) init() error {
	b.initOnce.Do(func() {
		if lib := libraryPath(); lib != "" {
			ort.SetSharedLibraryPath(lib)
		}
		b.initErr = ort.InitializeEnvironment()
	})
	return b.initErr
}

func libraryPath() string {
	if lib := os.Getenv("ONNXRUNTIME_LIB"); lib != "" {
		return lib
	}
	root := os.Getenv("ONNXRUNTIME_ROOT")
	if root == "" {
		return ""
	}
	name := "libonnxruntime.so"
	switch runtime.GOOS {
	case "darwin":
		name = "libonnxruntime.dylib"
	case "windows":
		name = "onnxruntime.dll"
	}
	for _, dir := range []string{filepath.Join(root, runtime.GOOS+"-"+runtime.GOARCH, "lib"), filepath.Join(root, "lib")} {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func (b *Backend) Inspect(ctx context.Context, modelPath string) (*engine.ModelInfo, error) {
	if err := b.init(); err != nil {
		return nil, fmt.Errorf("initializing ONNX Runtime: %w", err)
	}
	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("reading model %q: %w", modelPath, err)
	}

	info := &engine.ModelInfo{}
	for _, in := range inputs {
		info.Inputs = append(info.Inputs, tensorSpec(in))
	}
	for _, out := range outputs {
		info.Outputs = append(info.Outputs, tensorSpec(out))
	}
	return info, nil
}

func tensorSpec(info ort.InputOutputInfo) engine.TensorSpec {
	spec := engine.TensorSpec{Name: info.Name, Shape: slices.Clone([]int64(info.Dimensions))}
	if info.DataType == ort.TensorElementDataTypeFloat {
		spec.DataType = engine.DataTypeFloat32
	} else {
		spec.DataType = engine.DataType(fmt.Sprintf("onnx element type %d", info.DataType))
	}
	return spec
}

// Compile creates a session that feeds the declared inputs and fetches only
// the requested outputs. Model inputs the subgraph does not declare are fed
// with zeros.
func (b *Backend) Compile(ctx context.Context, modelPath string, opts engine.CompileOptions) (engine.Graph, error) {
	log := klog.FromContext(ctx)

	info, err := b.Inspect(ctx, modelPath)
	if err != nil {
		return nil, err
	}

	g := &Graph{
		buffers: make(map[string][]float32),
	}
	success := false
	defer func() {
		if !success {
			g.Close()
		}
	}()

	declared := make(map[string]engine.TensorSpec, len(opts.Inputs))
	for _, spec := range opts.Inputs {
		declared[spec.Name] = spec
	}
	var inputNames []string
	var inputValues []ort.Value
	for _, modelInput := range info.Inputs {
		if modelInput.DataType != engine.DataTypeFloat32 {
			return nil, fmt.Errorf("input %q: unsupported data type %q", modelInput.Name, modelInput.DataType)
		}
		shape := staticShape(modelInput.Shape)
		spec, ok := declared[modelInput.Name]
		if ok {
			if !engine.ShapeCompatible(spec.Shape, modelInput.Shape) {
				return nil, fmt.Errorf("input %q: declared shape %v does not match model shape %v: %w", spec.Name, spec.Shape, modelInput.Shape, engine.ErrShapeMismatch)
			}
			shape = spec.Shape
			delete(declared, spec.Name)
		}

		t, err := ort.NewEmptyTensor[float32](ort.NewShape(shape...))
		if err != nil {
			return nil, fmt.Errorf("allocating input %q: %w", modelInput.Name, err)
		}
		g.values = append(g.values, t)
		inputNames = append(inputNames, modelInput.Name)
		inputValues = append(inputValues, t)
		if ok {
			g.buffers[spec.Name] = t.GetData()
			g.inputSpecs = append(g.inputSpecs, engine.TensorSpec{Name: spec.Name, Shape: slices.Clone(shape), DataType: engine.DataTypeFloat32})
		}
	}
	for _, spec := range opts.Inputs {
		if _, ok := declared[spec.Name]; ok {
			return nil, fmt.Errorf("input %q is not declared by model %q: %w", spec.Name, modelPath, engine.ErrUnknownTensor)
		}
	}

	var outputValues []ort.Value
	for _, name := range opts.Outputs {
		i := slices.IndexFunc(info.Outputs, func(s engine.TensorSpec) bool { return s.Name == name })
		if i < 0 {
			return nil, fmt.Errorf("output %q: %w", name, engine.ErrUnknownTensor)
		}
		shape := staticShape(info.Outputs[i].Shape)
		t, err := ort.NewEmptyTensor[float32](ort.NewShape(shape...))
		if err != nil {
			return nil, fmt.Errorf("allocating output %q: %w", name, err)
		}
		g.values = append(g.values, t)
		outputValues = append(outputValues, t)
		g.buffers[name] = t.GetData()
		g.outputSpecs = append(g.outputSpecs, engine.TensorSpec{Name: name, Shape: shape, DataType: engine.DataTypeFloat32})
	}

	sessionOpts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("creating session options: %w", err)
	}
	defer sessionOpts.Destroy()
	if opts.Options.NumThreads > 0 {
		if err := sessionOpts.SetIntraOpNumThreads(opts.Options.NumThreads); err != nil {
			return nil, fmt.Errorf("setting thread count: %w", err)
		}
	}

	session, err := ort.NewAdvancedSession(modelPath, inputNames, opts.Outputs, inputValues, outputValues, sessionOpts)
	if err != nil {
		return nil, fmt.Errorf("creating session for %v: %w", opts.Outputs, err)
	}
	g.session = session

	log.V(2).Info("compiled onnx graph", "model", modelPath, "inputs", len(g.inputSpecs), "outputs", opts.Outputs, "threads", opts.Options.NumThreads)
	success = true
	return g, nil
}

// staticShape resolves dynamic dimensions to 1, the batch size used for
// captioning.
func staticShape(shape []int64) []int64 {
	out := slices.Clone(shape)
	for i, d := range out {
		if d < 0 {
			out[i] = 1
		}
	}
	return out
}

// Graph is an ONNX Runtime session bound to preallocated tensors.
type Graph struct {
	session *ort.AdvancedSession
	values  []*ort.Tensor[float32]

	buffers     map[string][]float32
	inputSpecs  []engine.TensorSpec
	outputSpecs []engine.TensorSpec
}

var _ engine.Graph = (*Graph)(nil)

func (g *Graph) Inputs() []engine.TensorSpec {
	return g.inputSpecs
}

func (g *Graph) Outputs() []engine.TensorSpec {
	return g.outputSpecs
}

func (g *Graph) Float32(name string) ([]float32, error) {
	b, ok := g.buffers[name]
	if !ok {
		return nil, fmt.Errorf("tensor %q: %w", name, engine.ErrUnknownTensor)
	}
	return b, nil
}

func (g *Graph) Execute(ctx context.Context) error {
	if g.session == nil {
		return fmt.Errorf("graph is closed")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return g.session.Run()
}

func (g *Graph) Close() error {
	var errs []error
	if g.session != nil {
		errs = append(errs, g.session.Destroy())
		g.session = nil
	}
	for _, t := range g.values {
		errs = append(errs, t.Destroy())
	}
	g.values = nil
	g.buffers = nil
	return errors.Join(errs...)
}
