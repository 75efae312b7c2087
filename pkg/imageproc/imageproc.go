// Package imageproc decodes images and converts them into the planar,
// mean-subtracted layout expected by the caption image encoder.
package imageproc

import (
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"

	"golang.org/x/image/draw"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// BGRMean is the per-channel mean subtracted from each pixel, in the
// blue, green, red order the encoder was trained with.
var BGRMean = [3]float32{103.939, 116.779, 123.68}

// DecodeError reports an image that could not be read or decoded.
type DecodeError struct {
	Path string
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("decoding image: %v", e.Err)
	}
	return fmt.Sprintf("decoding image %q: %v", e.Path, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Open reads and decodes the image at path.
func Open(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &DecodeError{Path: path, Err: err}
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, &DecodeError{Path: path, Err: err}
	}
	return img, nil
}

// Decode decodes an image from r, returning the name of its format.
func Decode(r io.Reader) (image.Image, string, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, "", &DecodeError{Err: err}
	}
	return img, format, nil
}

// ResizeNearest scales img to size×size with nearest-neighbor sampling.
// The aspect ratio is not preserved. Colors are kept non-premultiplied, so
// translucent pixels keep their stored channel values.
func ResizeNearest(img image.Image, size int) *image.NRGBA {
	dst := image.NewNRGBA(image.Rect(0, 0, size, size))
	draw.NearestNeighbor.Scale(dst, dst.Rect, img, img.Bounds(), draw.Src, nil)
	return dst
}

// PlanarBGR writes img into dst as three planes (blue, green, red), each
// with BGRMean subtracted. Alpha is ignored. dst must hold
// 3*width*height values.
func PlanarBGR(img *image.NRGBA, dst []float32) error {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	plane := width * height
	if len(dst) != 3*plane {
		return fmt.Errorf("destination has %d values, expected %d for a %dx%d image", len(dst), 3*plane, width, height)
	}

	for y := 0; y < height; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < width; x++ {
			r, g, b := row[4*x], row[4*x+1], row[4*x+2]
			i := y*width + x
			dst[0*plane+i] = float32(b) - BGRMean[0]
			dst[1*plane+i] = float32(g) - BGRMean[1]
			dst[2*plane+i] = float32(r) - BGRMean[2]
		}
	}
	return nil
}
