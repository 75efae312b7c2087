package caption

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"k8s.io/examples/AI/imagecaption/pkg/engine"
)

// fakeGraph is an in-memory engine.Graph whose Execute is supplied by the test.
type fakeGraph struct {
	buffers map[string][]float32
	inputs  []engine.TensorSpec
	outputs []engine.TensorSpec

	execute    func(g *fakeGraph) error
	executions int
	closed     bool
}

var _ engine.Graph = (*fakeGraph)(nil)

func newFakeGraph(inputs, outputs []engine.TensorSpec, execute func(g *fakeGraph) error) *fakeGraph {
	g := &fakeGraph{
		buffers: make(map[string][]float32),
		inputs:  inputs,
		outputs: outputs,
		execute: execute,
	}
	for _, spec := range slices.Concat(inputs, outputs) {
		g.buffers[spec.Name] = make([]float32, spec.NumElements())
	}
	return g
}

func (g *fakeGraph) Float32(name string) ([]float32, error) {
	b, ok := g.buffers[name]
	if !ok {
		return nil, fmt.Errorf("tensor %q: %w", name, engine.ErrUnknownTensor)
	}
	return b, nil
}

func (g *fakeGraph) Execute(ctx context.Context) error {
	g.executions++
	if g.execute == nil {
		return nil
	}
	return g.execute(g)
}

func (g *fakeGraph) Inputs() []engine.TensorSpec  { return g.inputs }
func (g *fakeGraph) Outputs() []engine.TensorSpec { return g.outputs }

func (g *fakeGraph) Close() error {
	g.closed = true
	return nil
}

var errExecute = errors.New("execute failed")

// fakeModel wires fake graphs into a Model. The decoder emits tokens in
// order, repeating the last one when the script runs out.
type fakeModel struct {
	*Model

	image, word, lstm, decode *fakeGraph

	// wordTokens records the token fed to the word encoder on every step.
	wordTokens []Token

	// lstmInputs records the hidden and cell inputs of every cell step.
	lstmInputs [][2][]float32
}

func testConfig() Config {
	return Config{ImageSize: 4, VocabSize: 10, HiddenSize: 3, Backend: "fake"}
}

func newFakeModel(cfg Config, tokens []Token) *fakeModel {
	fm := &fakeModel{}
	plans := cfg.graphPlans(true)
	hidden := int64(cfg.HiddenSize)

	fm.image = newFakeGraph(plans[0].inputs, []engine.TensorSpec{float32Spec(EmbedImgOut, 1, hidden)}, func(g *fakeGraph) error {
		for i := range g.buffers[EmbedImgOut] {
			g.buffers[EmbedImgOut][i] = 1
		}
		return nil
	})

	fm.word = newFakeGraph(plans[1].inputs, []engine.TensorSpec{float32Spec(EmbedWordOut, 1, hidden)}, func(g *fakeGraph) error {
		t := slices.Index(g.buffers[EmbedWordIn], 1)
		fm.wordTokens = append(fm.wordTokens, Token(t))
		for i := range g.buffers[EmbedWordOut] {
			g.buffers[EmbedWordOut][i] = float32(t)
		}
		return nil
	})

	fm.lstm = newFakeGraph(plans[2].inputs, []engine.TensorSpec{float32Spec(LSTMHOut, 1, hidden), float32Spec(LSTMCOut, 1, hidden)}, func(g *fakeGraph) error {
		h, c := slices.Clone(g.buffers[LSTMHIn]), slices.Clone(g.buffers[LSTMCIn])
		fm.lstmInputs = append(fm.lstmInputs, [2][]float32{h, c})
		x := g.buffers[LSTMX]
		for i := range x {
			g.buffers[LSTMHOut][i] = h[i] + x[i]
			g.buffers[LSTMCOut][i] = c[i] + 1
		}
		return nil
	})

	fm.decode = newFakeGraph(plans[3].inputs, []engine.TensorSpec{float32Spec(DecodeCaptionOut, 1, int64(cfg.VocabSize))}, func(g *fakeGraph) error {
		step := g.executions - 1
		t := tokens[min(step, len(tokens)-1)]
		scores := g.buffers[DecodeCaptionOut]
		clear(scores)
		scores[t] = 1
		return nil
	})

	m, err := newModel(cfg, [4]engine.Graph{fm.image, fm.word, fm.lstm, fm.decode}, true)
	if err != nil {
		panic(err)
	}
	fm.Model = m
	return fm
}
