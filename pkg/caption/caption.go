// Package caption generates image captions by driving an encoder-decoder
// LSTM that is split into four compiled graphs: an image encoder, a word
// encoder, the recurrent cell and the caption decoder.
//
// Each graph is stateless. The Session feeds outputs of one step into the
// inputs of the next and owns the recurrent (hidden, cell) state.
package caption

import (
	"errors"
	"fmt"
)

const (
	DefaultImageSize  = 224
	DefaultVocabSize  = 8942
	DefaultHiddenSize = 512

	// DefaultMaxSteps bounds eager caption generation when the model never
	// produces the stop token.
	DefaultMaxSteps = 30
)

// Tensor names in the exported caption model.
const (
	EmbedImgIn  = "embed_img_in"
	EmbedImgOut = "embed_img_out"

	EmbedWordIn  = "embed_word_in"
	EmbedWordOut = "embed_word_out"

	// Fused recurrent cell: the graph computes the next hidden and cell state.
	LSTMX    = "lstm_x"
	LSTMHIn  = "lstm_h_in"
	LSTMCIn  = "lstm_c_in"
	LSTMHOut = "lstm_h_out"
	LSTMCOut = "lstm_c_out"

	// Raw-gate recurrent cell: the graph only exposes gate pre-activations.
	LSTMH = "lstm_h"
	LSTMA = "lstm_a"
	LSTMI = "lstm_i"
	LSTMF = "lstm_f"
	LSTMO = "lstm_o"

	DecodeCaptionIn  = "decode_caption_in"
	DecodeCaptionOut = "decode_caption_out"
)

// Token is a raw decoder output.
type Token int

const (
	TokenStart   Token = 0
	TokenStop    Token = 1
	TokenUnknown Token = 2

	// firstWordToken is the token of vocabulary entry 0.
	firstWordToken Token = 3
)

// Word is one element of a caption: an index into the vocabulary, or an
// unknown word when Known is false.
type Word struct {
	Index int
	Known bool
}

func KnownWord(index int) Word {
	return Word{Index: index, Known: true}
}

func UnknownWord() Word {
	return Word{}
}

func (w Word) String() string {
	if !w.Known {
		return "<unk>"
	}
	return fmt.Sprintf("#%d", w.Index)
}

// Word maps a token to a caption element. stop is true for the stop token,
// which ends the caption without adding to it.
// Both the start token and the unknown token map to an unknown word.
func (t Token) Word() (w Word, stop bool) {
	switch t {
	case TokenStop:
		return Word{}, true
	case TokenStart, TokenUnknown:
		return UnknownWord(), false
	default:
		return KnownWord(int(t - firstWordToken)), false
	}
}

// Config describes the model geometry and how to compile it.
type Config struct {
	// ImageSize is the side of the square encoder input.
	ImageSize int

	// VocabSize is the number of token classes, sentinels included: the
	// length of the word encoder's one-hot input and of the decoder scores.
	VocabSize int

	HiddenSize int

	// Backend selects the inference engine, e.g. "fallback" or "onnx".
	Backend string

	// BackendConfig is passed to the backend, e.g. "threads=4".
	BackendConfig string
}

func DefaultConfig() Config {
	return Config{
		ImageSize:  DefaultImageSize,
		VocabSize:  DefaultVocabSize,
		HiddenSize: DefaultHiddenSize,
		Backend:    "fallback",
	}
}

func (c Config) validate() error {
	if c.ImageSize <= 0 || c.VocabSize <= 0 || c.HiddenSize <= 0 {
		return fmt.Errorf("invalid model geometry: image size %d, vocab size %d, hidden size %d", c.ImageSize, c.VocabSize, c.HiddenSize)
	}
	if c.VocabSize <= int(firstWordToken) {
		return fmt.Errorf("vocab size %d leaves no room for words after the sentinel tokens", c.VocabSize)
	}
	return nil
}

// ErrSessionActive is returned by Predict while another session of the same
// model has not been closed.
var ErrSessionActive = errors.New("model already has an active session")

// ModelBuildError reports a model that could not be loaded or compiled.
type ModelBuildError struct {
	Stage string
	Err   error
}

func (e *ModelBuildError) Error() string {
	if e.Stage == "" {
		return fmt.Sprintf("building model: %v", e.Err)
	}
	return fmt.Sprintf("building %s: %v", e.Stage, e.Err)
}

func (e *ModelBuildError) Unwrap() error {
	return e.Err
}

// InferenceError reports a failed graph execution, or a graph that broke its
// contract (for example by producing an out-of-range token).
type InferenceError struct {
	Stage string
	Err   error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("running %s: %v", e.Stage, e.Err)
}

func (e *InferenceError) Unwrap() error {
	return e.Err
}
