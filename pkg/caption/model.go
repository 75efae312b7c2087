package caption

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"k8s.io/examples/AI/imagecaption/pkg/engine"
)

// Model is a loaded caption model. It owns its compiled graphs, which are
// shared by all sessions; only one session may be open at a time.
type Model struct {
	config Config

	imageEncoder *imageEncoder
	wordEncoder  *wordEncoder
	cell         recurrentCell
	decoder      *decoder

	// active is set while a Session owns the graphs.
	active atomic.Bool
}

type graphPlan struct {
	stage   string
	inputs  []engine.TensorSpec
	outputs []string
}

func float32Spec(name string, shape ...int64) engine.TensorSpec {
	return engine.TensorSpec{Name: name, Shape: shape, DataType: engine.DataTypeFloat32}
}

func (c Config) graphPlans(fused bool) [4]graphPlan {
	size, vocab, hidden := int64(c.ImageSize), int64(c.VocabSize), int64(c.HiddenSize)

	lstm := graphPlan{
		stage:   stageLSTM,
		inputs:  []engine.TensorSpec{float32Spec(LSTMX, 1, hidden), float32Spec(LSTMH, 1, hidden)},
		outputs: []string{LSTMA, LSTMI, LSTMF, LSTMO},
	}
	if fused {
		lstm = graphPlan{
			stage:   stageLSTM,
			inputs:  []engine.TensorSpec{float32Spec(LSTMX, 1, hidden), float32Spec(LSTMHIn, 1, hidden), float32Spec(LSTMCIn, 1, hidden)},
			outputs: []string{LSTMHOut, LSTMCOut},
		}
	}

	return [4]graphPlan{
		{
			stage:   stageEmbedImage,
			inputs:  []engine.TensorSpec{float32Spec(EmbedImgIn, 1, 3, size, size)},
			outputs: []string{EmbedImgOut},
		},
		{
			stage:   stageEmbedWord,
			inputs:  []engine.TensorSpec{float32Spec(EmbedWordIn, 1, vocab)},
			outputs: []string{EmbedWordOut},
		},
		lstm,
		{
			stage:   stageDecode,
			inputs:  []engine.TensorSpec{float32Spec(DecodeCaptionIn, 1, hidden)},
			outputs: []string{DecodeCaptionOut},
		},
	}
}

// hasFusedCell decides how the recurrent step is computed: from hidden and
// cell outputs when the model exposes them, otherwise from the raw gates.
func hasFusedCell(info *engine.ModelInfo) (bool, error) {
	if info.HasOutput(LSTMHOut) && info.HasOutput(LSTMCOut) {
		return true, nil
	}
	for _, name := range []string{LSTMA, LSTMI, LSTMF, LSTMO} {
		if !info.HasOutput(name) {
			return false, fmt.Errorf("model exposes neither %s/%s nor gate output %s: %w", LSTMHOut, LSTMCOut, name, engine.ErrUnknownTensor)
		}
	}
	return false, nil
}

// Load compiles the four caption graphs from the model at modelPath.
func Load(ctx context.Context, modelPath string, cfg Config) (*Model, error) {
	log := klog.FromContext(ctx)

	if err := cfg.validate(); err != nil {
		return nil, &ModelBuildError{Err: err}
	}
	backend, err := engine.GetBackend(cfg.Backend)
	if err != nil {
		return nil, &ModelBuildError{Stage: "backend", Err: err}
	}
	options, err := engine.ParseOptions(cfg.BackendConfig)
	if err != nil {
		return nil, &ModelBuildError{Stage: "backend", Err: err}
	}

	info, err := backend.Inspect(ctx, modelPath)
	if err != nil {
		return nil, &ModelBuildError{Stage: "model", Err: err}
	}
	fused, err := hasFusedCell(info)
	if err != nil {
		return nil, &ModelBuildError{Stage: stageLSTM, Err: err}
	}

	log.Info("compiling caption model", "path", modelPath, "backend", backend.Name(), "fusedCell", fused)

	plans := cfg.graphPlans(fused)
	var graphs [4]engine.Graph

	g, gctx := errgroup.WithContext(ctx)
	for i, plan := range plans {
		g.Go(func() error {
			graph, err := backend.Compile(gctx, modelPath, engine.CompileOptions{
				Inputs:  plan.inputs,
				Outputs: plan.outputs,
				Options: options,
			})
			if err != nil {
				return &ModelBuildError{Stage: plan.stage, Err: err}
			}
			graphs[i] = graph
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		closeGraphs(ctx, graphs[:])
		return nil, err
	}

	m, err := newModel(cfg, graphs, fused)
	if err != nil {
		closeGraphs(ctx, graphs[:])
		return nil, err
	}
	return m, nil
}

type outputCheck struct {
	stage string
	graph engine.Graph
	want  map[string]int
}

func newModel(cfg Config, graphs [4]engine.Graph, fused bool) (*Model, error) {
	hidden := cfg.HiddenSize
	lstmWant := map[string]int{LSTMA: hidden, LSTMI: hidden, LSTMF: hidden, LSTMO: hidden}
	if fused {
		lstmWant = map[string]int{LSTMHOut: hidden, LSTMCOut: hidden}
	}
	checks := []outputCheck{
		{stageEmbedImage, graphs[0], map[string]int{EmbedImgOut: hidden}},
		{stageEmbedWord, graphs[1], map[string]int{EmbedWordOut: hidden}},
		{stageLSTM, graphs[2], lstmWant},
		{stageDecode, graphs[3], map[string]int{DecodeCaptionOut: cfg.VocabSize}},
	}
	for _, check := range checks {
		if err := checkOutputs(check.graph, check.want); err != nil {
			return nil, &ModelBuildError{Stage: check.stage, Err: err}
		}
	}

	m := &Model{
		config:       cfg,
		imageEncoder: newImageEncoder(graphs[0], cfg),
		wordEncoder:  newWordEncoder(graphs[1], cfg),
		decoder:      &decoder{graph: graphs[3], vocabSize: cfg.VocabSize},
	}
	if fused {
		m.cell = &fusedCell{graph: graphs[2]}
	} else {
		m.cell = &gateCell{graph: graphs[2]}
	}
	return m, nil
}

// checkOutputs verifies output sizes where the graph reports static shapes.
func checkOutputs(graph engine.Graph, want map[string]int) error {
	for _, spec := range graph.Outputs() {
		n, ok := want[spec.Name]
		if !ok || !isStatic(spec.Shape) {
			continue
		}
		if got := spec.NumElements(); got != n {
			return fmt.Errorf("output %q has shape %v (%d elements), expected %d elements: %w", spec.Name, spec.Shape, got, n, engine.ErrShapeMismatch)
		}
	}
	return nil
}

func isStatic(shape []int64) bool {
	for _, d := range shape {
		if d < 0 {
			return false
		}
	}
	return true
}

func closeGraphs(ctx context.Context, graphs []engine.Graph) {
	log := klog.FromContext(ctx)
	for _, g := range graphs {
		if g == nil {
			continue
		}
		if err := g.Close(); err != nil {
			log.Error(err, "closing graph")
		}
	}
}

func (m *Model) Config() Config {
	return m.config
}

// Predict encodes img, primes the recurrent cell and returns a Session
// that produces the caption one word at a time.
//
// A Model runs one Session at a time. Until the Session reaches the end of
// the caption, fails, or is closed, further calls return ErrSessionActive.
// Callers that stop reading early must call Close; an abandoned Session
// only releases the model once it is garbage collected.
func (m *Model) Predict(ctx context.Context, img image.Image, opts ...SessionOption) (*Session, error) {
	if !m.active.CompareAndSwap(false, true) {
		return nil, ErrSessionActive
	}

	s := newSession(m, opts...)
	if err := s.prime(ctx, img); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Caption generates a complete caption for img, stopping after
// DefaultMaxSteps steps if the model never produces the stop token.
// On error, the words produced so far are returned with the error.
func (m *Model) Caption(ctx context.Context, img image.Image, opts ...SessionOption) ([]Word, error) {
	opts = append([]SessionOption{WithMaxSteps(DefaultMaxSteps)}, opts...)
	s, err := m.Predict(ctx, img, opts...)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	var words []Word
	for w, err := range s.Words(ctx) {
		if err != nil {
			return words, err
		}
		words = append(words, w)
	}
	return words, nil
}

// Close releases the compiled graphs.
func (m *Model) Close() error {
	return errors.Join(
		m.imageEncoder.graph.Close(),
		m.wordEncoder.graph.Close(),
		m.cell.close(),
		m.decoder.graph.Close(),
	)
}
