package caption

import (
	"context"
	"fmt"
	"math"

	"k8s.io/examples/AI/imagecaption/pkg/engine"
)

// decoder greedily picks the highest scoring token for a hidden state.
type decoder struct {
	graph     engine.Graph
	vocabSize int
}

func (d *decoder) decode(ctx context.Context, hidden []float32) (Token, error) {
	if err := engine.CopyIn(d.graph, DecodeCaptionIn, hidden); err != nil {
		return 0, &InferenceError{Stage: stageDecode, Err: err}
	}
	if err := d.graph.Execute(ctx); err != nil {
		return 0, &InferenceError{Stage: stageDecode, Err: err}
	}
	scores, err := d.graph.Float32(DecodeCaptionOut)
	if err != nil {
		return 0, &InferenceError{Stage: stageDecode, Err: err}
	}
	if len(scores) != d.vocabSize {
		return 0, &InferenceError{Stage: stageDecode, Err: fmt.Errorf("decoder produced %d scores, expected %d: %w", len(scores), d.vocabSize, engine.ErrShapeMismatch)}
	}
	return Token(argmax(scores)), nil
}

// argmax returns the index of the largest score, preferring the first index
// on ties. NaN scores are never chosen over a real score.
func argmax(scores []float32) int {
	best := 0
	for i := 1; i < len(scores); i++ {
		if scores[i] > scores[best] || (isNaN(scores[best]) && !isNaN(scores[i])) {
			best = i
		}
	}
	return best
}

func isNaN(v float32) bool {
	return math.IsNaN(float64(v))
}
