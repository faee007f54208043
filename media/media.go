// Package media prepares image data for upload: MIME detection, dimension
// probing, and downscaling oversized images under the blob size cap.
package media

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"math"
	"net/http"

	"golang.org/x/image/draw"

	_ "image/gif"
)

// MaxBlobBytes is the service-side blob size cap (976.56 KiB).
var MaxBlobBytes = int(math.Floor(976.56 * 1024))

// maxDownscalePasses bounds the fit loop. Each pass shrinks the pixel area,
// so in practice two or three passes suffice.
const maxDownscalePasses = 10

// DetectMIME sniffs the content type from the first bytes of data.
func DetectMIME(data []byte) string {
	return http.DetectContentType(data)
}

// Dimensions reports the pixel width and height of an encoded image without
// decoding the full pixel data.
func Dimensions(data []byte) (width, height int, err error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, fmt.Errorf("decode image config: %w", err)
	}
	return cfg.Width, cfg.Height, nil
}

// FitUnderLimit returns data unchanged when it is already under MaxBlobBytes;
// otherwise it decodes the image and downscales it until the re-encoded form
// fits. The returned MIME type reflects the output encoding, which stays PNG
// for PNG input and is JPEG otherwise.
func FitUnderLimit(data []byte) ([]byte, string, error) {
	if len(data) <= MaxBlobBytes {
		return data, DetectMIME(data), nil
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("decode oversized image: %w", err)
	}

	// Scale by the square root of the byte ratio as a first guess, since
	// encoded size tracks pixel area roughly linearly.
	scale := math.Sqrt(float64(MaxBlobBytes) / float64(len(data)))
	for pass := 0; pass < maxDownscalePasses; pass++ {
		scaled := resize(img, scale)
		out, mime, err := encode(scaled, format)
		if err != nil {
			return nil, "", err
		}
		if len(out) <= MaxBlobBytes {
			return out, mime, nil
		}
		scale *= 0.8
	}
	return nil, "", fmt.Errorf("image does not fit under %d bytes after %d downscale passes", MaxBlobBytes, maxDownscalePasses)
}

func resize(img image.Image, scale float64) image.Image {
	b := img.Bounds()
	w := int(float64(b.Dx()) * scale)
	h := int(float64(b.Dy()) * scale)
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}

func encode(img image.Image, format string) ([]byte, string, error) {
	var buf bytes.Buffer
	if format == "png" {
		if err := png.Encode(&buf, img); err != nil {
			return nil, "", fmt.Errorf("encode png: %w", err)
		}
		return buf.Bytes(), "image/png", nil
	}
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85}); err != nil {
		return nil, "", fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), "image/jpeg", nil
}
