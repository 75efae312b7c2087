package caption

import (
	"context"
	"fmt"
	"image"

	"k8s.io/examples/AI/imagecaption/pkg/engine"
	"k8s.io/examples/AI/imagecaption/pkg/imageproc"
)

const (
	stageEmbedImage = "image encoder"
	stageEmbedWord  = "word encoder"
	stageLSTM       = "recurrent cell"
	stageDecode     = "caption decoder"
)

// imageEncoder maps an image to its feature vector.
type imageEncoder struct {
	graph engine.Graph
	size  int

	// out is owned by the encoder and overwritten on every call.
	out []float32
}

func newImageEncoder(graph engine.Graph, cfg Config) *imageEncoder {
	return &imageEncoder{
		graph: graph,
		size:  cfg.ImageSize,
		out:   make([]float32, cfg.HiddenSize),
	}
}

func (e *imageEncoder) encode(ctx context.Context, img image.Image) ([]float32, error) {
	resized := imageproc.ResizeNearest(img, e.size)

	in, err := e.graph.Float32(EmbedImgIn)
	if err != nil {
		return nil, &InferenceError{Stage: stageEmbedImage, Err: err}
	}
	if err := imageproc.PlanarBGR(resized, in); err != nil {
		return nil, &InferenceError{Stage: stageEmbedImage, Err: err}
	}

	if err := e.graph.Execute(ctx); err != nil {
		return nil, &InferenceError{Stage: stageEmbedImage, Err: err}
	}
	if err := engine.CopyOut(e.graph, EmbedImgOut, e.out); err != nil {
		return nil, &InferenceError{Stage: stageEmbedImage, Err: err}
	}
	return e.out, nil
}

// wordEncoder maps the previous token to its embedding.
type wordEncoder struct {
	graph engine.Graph
	out   []float32
}

func newWordEncoder(graph engine.Graph, cfg Config) *wordEncoder {
	return &wordEncoder{
		graph: graph,
		out:   make([]float32, cfg.HiddenSize),
	}
}

func (e *wordEncoder) encode(ctx context.Context, t Token) ([]float32, error) {
	in, err := e.graph.Float32(EmbedWordIn)
	if err != nil {
		return nil, &InferenceError{Stage: stageEmbedWord, Err: err}
	}
	if int(t) < 0 || int(t) >= len(in) {
		// The decoder only produces indices of its score buffer, which has
		// the same length as the one-hot input.
		panic(fmt.Sprintf("token %d out of range for one-hot input of length %d", t, len(in)))
	}
	clear(in)
	in[t] = 1

	if err := e.graph.Execute(ctx); err != nil {
		return nil, &InferenceError{Stage: stageEmbedWord, Err: err}
	}
	if err := engine.CopyOut(e.graph, EmbedWordOut, e.out); err != nil {
		return nil, &InferenceError{Stage: stageEmbedWord, Err: err}
	}
	return e.out, nil
}
