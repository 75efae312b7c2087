package caption

import (
	"context"
	"math"

	"k8s.io/examples/AI/imagecaption/pkg/engine"
)

// state is the recurrent state threaded between steps.
type state struct {
	hidden []float32
	cell   []float32
}

func newState(hiddenSize int) *state {
	return &state{
		hidden: make([]float32, hiddenSize),
		cell:   make([]float32, hiddenSize),
	}
}

func (s *state) reset() {
	clear(s.hidden)
	clear(s.cell)
}

// recurrentCell advances the recurrent state by one step.
// Which implementation is used depends on the outputs the compiled graph
// exposes, and is decided once when the model is loaded.
type recurrentCell interface {
	step(ctx context.Context, x []float32, s *state) error
	close() error
}

// fusedCell drives a graph that computes the next hidden and cell state.
type fusedCell struct {
	graph engine.Graph
}

func (c *fusedCell) step(ctx context.Context, x []float32, s *state) error {
	if err := engine.CopyIn(c.graph, LSTMX, x); err != nil {
		return &InferenceError{Stage: stageLSTM, Err: err}
	}
	if err := engine.CopyIn(c.graph, LSTMHIn, s.hidden); err != nil {
		return &InferenceError{Stage: stageLSTM, Err: err}
	}
	if err := engine.CopyIn(c.graph, LSTMCIn, s.cell); err != nil {
		return &InferenceError{Stage: stageLSTM, Err: err}
	}

	if err := c.graph.Execute(ctx); err != nil {
		return &InferenceError{Stage: stageLSTM, Err: err}
	}

	if err := engine.CopyOut(c.graph, LSTMHOut, s.hidden); err != nil {
		return &InferenceError{Stage: stageLSTM, Err: err}
	}
	if err := engine.CopyOut(c.graph, LSTMCOut, s.cell); err != nil {
		return &InferenceError{Stage: stageLSTM, Err: err}
	}
	return nil
}

func (c *fusedCell) close() error {
	return c.graph.Close()
}

// gateCell drives a graph that only exposes the four gate pre-activations,
// and applies the LSTM update itself.
type gateCell struct {
	graph engine.Graph
}

func (c *gateCell) step(ctx context.Context, x []float32, s *state) error {
	if err := engine.CopyIn(c.graph, LSTMX, x); err != nil {
		return &InferenceError{Stage: stageLSTM, Err: err}
	}
	if err := engine.CopyIn(c.graph, LSTMH, s.hidden); err != nil {
		return &InferenceError{Stage: stageLSTM, Err: err}
	}

	if err := c.graph.Execute(ctx); err != nil {
		return &InferenceError{Stage: stageLSTM, Err: err}
	}

	var gates [4][]float32
	for i, name := range []string{LSTMA, LSTMI, LSTMF, LSTMO} {
		values, err := c.graph.Float32(name)
		if err != nil {
			return &InferenceError{Stage: stageLSTM, Err: err}
		}
		if len(values) != len(s.hidden) {
			return &InferenceError{Stage: stageLSTM, Err: engine.ErrShapeMismatch}
		}
		gates[i] = values
	}

	lstmUpdate(s, gates[0], gates[1], gates[2], gates[3])
	return nil
}

func (c *gateCell) close() error {
	return c.graph.Close()
}

// lstmUpdate applies one LSTM step in place, given the candidate (a), input
// (i), forget (f) and output (o) gate pre-activations:
//
//	c' = tanh(a) * σ(i) + σ(f) * c
//	h' = σ(o) * tanh(c')
func lstmUpdate(s *state, a, i, f, o []float32) {
	for k := range s.cell {
		c := math.Tanh(float64(a[k]))*sigmoid(i[k]) + sigmoid(f[k])*float64(s.cell[k])
		s.cell[k] = float32(c)
		s.hidden[k] = float32(sigmoid(o[k]) * math.Tanh(float64(s.cell[k])))
	}
}

func sigmoid(x float32) float64 {
	return 1 / (1 + math.Exp(-float64(x)))
}
