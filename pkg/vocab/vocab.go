// Package vocab maps caption word indices to their text.
package vocab

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"k8s.io/examples/AI/imagecaption/pkg/caption"
)

// Unknown is printed in place of words the model could not name.
const Unknown = "<unk>"

// LoadError reports a vocabulary file that could not be read.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("loading vocabulary %q: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// Vocabulary is read-only once loaded. Line i of the file is word index i.
type Vocabulary struct {
	words []string
}

func Load(path string) (*Vocabulary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	defer f.Close()

	v := &Vocabulary{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		v.words = append(v.words, strings.TrimSuffix(scanner.Text(), "\r"))
	}
	if err := scanner.Err(); err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	return v, nil
}

func New(words []string) *Vocabulary {
	return &Vocabulary{words: words}
}

func (v *Vocabulary) Len() int {
	return len(v.words)
}

func (v *Vocabulary) Lookup(i int) (string, bool) {
	if i < 0 || i >= len(v.words) {
		return "", false
	}
	return v.words[i], true
}

// Word returns the text for w, or Unknown.
func (v *Vocabulary) Word(w caption.Word) (string, error) {
	if !w.Known {
		return Unknown, nil
	}
	s, ok := v.Lookup(w.Index)
	if !ok {
		return "", fmt.Errorf("word index %d out of range for vocabulary of %d words", w.Index, len(v.words))
	}
	return s, nil
}

// Detokenize joins the words of a caption, each followed by a space.
func (v *Vocabulary) Detokenize(words []caption.Word) (string, error) {
	var sb strings.Builder

	for _, w := range words {
		s, err := v.Word(w)
		if err != nil {
			return "", fmt.Errorf("failed to convert word to string: %w", err)
		}
		sb.WriteString(s)
		sb.WriteString(" ")
	}

	return sb.String(), nil
}
