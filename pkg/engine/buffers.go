package engine

import "fmt"

// CopyIn writes src into the named buffer of g.
func CopyIn(g Graph, name string, src []float32) error {
	dst, err := g.Float32(name)
	if err != nil {
		return err
	}
	if len(dst) != len(src) {
		return fmt.Errorf("writing tensor %q: buffer has %d elements, got %d: %w", name, len(dst), len(src), ErrShapeMismatch)
	}
	copy(dst, src)
	return nil
}

// CopyOut copies the named buffer of g into dst, so that the values
// survive the next Execute.
func CopyOut(g Graph, name string, dst []float32) error {
	src, err := g.Float32(name)
	if err != nil {
		return err
	}
	if len(dst) != len(src) {
		return fmt.Errorf("reading tensor %q: buffer has %d elements, expected %d: %w", name, len(src), len(dst), ErrShapeMismatch)
	}
	copy(dst, src)
	return nil
}

// ShapeCompatible reports whether a declared shape matches a model shape,
// treating -1 in the model shape as a dynamic dimension.
func ShapeCompatible(declared, model []int64) bool {
	if len(declared) != len(model) {
		return false
	}
	for i, d := range model {
		if d != -1 && d != declared[i] {
			return false
		}
	}
	return true
}
