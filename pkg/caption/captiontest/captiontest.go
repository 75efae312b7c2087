// Package captiontest builds small caption models for the fallback backend,
// for use in tests.
package captiontest

import (
	"math/rand/v2"
	"path/filepath"
	"testing"

	"k8s.io/examples/AI/imagecaption/pkg/caption"
	"k8s.io/examples/AI/imagecaption/pkg/engine/fallback"
)

// Config returns a small model geometry.
func Config() caption.Config {
	return caption.Config{
		ImageSize:  8,
		VocabSize:  12,
		HiddenSize: 6,
		Backend:    fallback.BackendName,
	}
}

type builder struct {
	rng   *rand.Rand
	model *fallback.Model
}

func (b *builder) weight(name string, dims ...int64) string {
	n := 1
	for _, d := range dims {
		n *= int(d)
	}
	values := make([]float32, n)
	for i := range values {
		values[i] = float32(b.rng.NormFloat64() * 0.5)
	}
	b.model.Initializers = append(b.model.Initializers, fallback.Initializer{Name: name, Dims: dims, Values: values})
	return name
}

func (b *builder) node(op string, output string, inputs ...string) string {
	b.model.Nodes = append(b.model.Nodes, fallback.Node{Op: op, Out: output, Inputs: inputs})
	return output
}

func (b *builder) input(name string, dims ...int64) {
	b.model.Inputs = append(b.model.Inputs, fallback.ValueInfo{Name: name, Dims: dims})
}

func (b *builder) output(name string, dims ...int64) {
	b.model.Outputs = append(b.model.Outputs, fallback.ValueInfo{Name: name, Dims: dims})
}

// NewModel builds a randomly initialised caption model with the tensor
// names the caption package expects. The same seed always produces the same
// weights. If fused is set the model computes the LSTM hidden and cell state
// itself; otherwise it only exposes the gate pre-activations.
func NewModel(cfg caption.Config, seed uint64, fused bool) *fallback.Model {
	b := &builder{
		rng:   rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		model: &fallback.Model{Name: "caption-test"},
	}
	size, vocab, hidden := int64(cfg.ImageSize), int64(cfg.VocabSize), int64(cfg.HiddenSize)

	// image encoder: average each channel, then project
	b.input(caption.EmbedImgIn, 1, 3, size, size)
	b.node("GlobalAveragePool", "img_pool", caption.EmbedImgIn)
	b.node("Flatten", "img_flat", "img_pool")
	b.node("Gemm", caption.EmbedImgOut, "img_flat", b.weight("img_w", 3, hidden), b.weight("img_b", hidden))
	b.output(caption.EmbedImgOut, 1, hidden)

	// word encoder
	b.input(caption.EmbedWordIn, 1, vocab)
	b.node("Gemm", caption.EmbedWordOut, caption.EmbedWordIn, b.weight("word_w", vocab, hidden), b.weight("word_b", hidden))
	b.output(caption.EmbedWordOut, 1, hidden)

	// recurrent cell
	hIn := caption.LSTMH
	if fused {
		hIn = caption.LSTMHIn
	}
	b.input(caption.LSTMX, 1, hidden)
	b.input(hIn, 1, hidden)
	gates := map[string]string{"a": caption.LSTMA, "i": caption.LSTMI, "f": caption.LSTMF, "o": caption.LSTMO}
	for _, gate := range []string{"a", "i", "f", "o"} {
		x := b.node("Gemm", "lstm_x_"+gate, caption.LSTMX, b.weight("lstm_wx_"+gate, hidden, hidden), b.weight("lstm_bx_"+gate, hidden))
		h := b.node("Gemm", "lstm_h_"+gate, hIn, b.weight("lstm_wh_"+gate, hidden, hidden), b.weight("lstm_bh_"+gate, hidden))
		b.node("Add", gates[gate], x, h)
		if !fused {
			b.output(gates[gate], 1, hidden)
		}
	}
	if fused {
		b.input(caption.LSTMCIn, 1, hidden)
		b.node("Tanh", "lstm_tanh_a", caption.LSTMA)
		b.node("Sigmoid", "lstm_sig_i", caption.LSTMI)
		b.node("Sigmoid", "lstm_sig_f", caption.LSTMF)
		b.node("Sigmoid", "lstm_sig_o", caption.LSTMO)
		b.node("Mul", "lstm_new", "lstm_tanh_a", "lstm_sig_i")
		b.node("Mul", "lstm_keep", "lstm_sig_f", caption.LSTMCIn)
		b.node("Add", caption.LSTMCOut, "lstm_new", "lstm_keep")
		b.node("Tanh", "lstm_tanh_c", caption.LSTMCOut)
		b.node("Mul", caption.LSTMHOut, "lstm_sig_o", "lstm_tanh_c")
		b.output(caption.LSTMHOut, 1, hidden)
		b.output(caption.LSTMCOut, 1, hidden)
	}

	// decoder
	b.input(caption.DecodeCaptionIn, 1, hidden)
	b.node("Dropout", "decode_dropout", caption.DecodeCaptionIn)
	b.node("Gemm", caption.DecodeCaptionOut, "decode_dropout", b.weight("decode_w", hidden, vocab), b.weight("decode_b", vocab))
	b.output(caption.DecodeCaptionOut, 1, vocab)

	return b.model
}

// WriteModel saves model into a temporary directory and returns its path.
func WriteModel(t testing.TB, model *fallback.Model) string {
	t.Helper()

	p := filepath.Join(t.TempDir(), "model.cbor")
	if err := fallback.Save(p, model); err != nil {
		t.Fatalf("saving model: %v", err)
	}
	return p
}
