package processor

import (
	"bytes"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
)

// Decodable input types.
var supportedInputs = []string{
	"image/jpeg",
	"image/png",
	"image/gif",
	"image/bmp",
	"image/tiff",
}

var contentTypes = map[imaging.Format]string{
	imaging.JPEG: "image/jpeg",
	imaging.PNG:  "image/png",
	imaging.GIF:  "image/gif",
	imaging.BMP:  "image/bmp",
	imaging.TIFF: "image/tiff",
}

// Transformer produces fixed-dimension thumbnails. The same input and
// output key always produce the same bytes.
type Transformer struct {
	width       int
	height      int
	jpegQuality int
}

// NewTransformer creates a Transformer for width×height outputs.
func NewTransformer(width, height, jpegQuality int) *Transformer {
	return &Transformer{width: width, height: height, jpegQuality: jpegQuality}
}

// Transform decodes data, centre-crops and scales it to the target size and
// encodes it in the format implied by outputKey's extension, falling back to
// JPEG. key names the input for error reporting.
func (t *Transformer) Transform(key string, data []byte, outputKey string) ([]byte, string, error) {
	if len(data) == 0 {
		return nil, "", &UnsupportedInputError{Key: key, Reason: "empty object"}
	}

	mt := mimetype.Detect(data)
	if !mimetype.EqualsAny(mt.String(), supportedInputs...) {
		return nil, "", &UnsupportedInputError{Key: key, Reason: "content type " + mt.String()}
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, "", &UnsupportedInputError{Key: key, Reason: "decode failed", Err: err}
	}

	out := t.resize(img)

	format, err := imaging.FormatFromFilename(outputKey)
	if err != nil {
		format = imaging.JPEG
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, out, format, imaging.JPEGQuality(t.jpegQuality)); err != nil {
		return nil, "", fmt.Errorf("encode %s: %w", outputKey, err)
	}

	return buf.Bytes(), contentTypes[format], nil
}

func (t *Transformer) resize(img image.Image) *image.NRGBA {
	return imaging.Fill(img, t.width, t.height, imaging.Center, imaging.Lanczos)
}
