// Package transcode optionally re-encodes media between download and
// upload. Images are recompressed and thumbnailed; audio, video and
// documents pass through untouched. When recompression does not save
// enough, the original bytes are kept and the key retains its extension.
package transcode

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	"github.com/nfnt/resize"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/flowpbx/archiver/internal/objstore"
)

const (
	jpegQuality      = 80
	thumbMaxDim      = 320
	// Recompression must save at least this fraction or the original wins.
	minSavingsRatio = 0.10
)

// Result describes the processed payload.
type Result struct {
	Data         []byte
	Ext          string
	ContentType  string
	Compressed   bool
	OriginalSize int64
	NewSize      int64
	Ratio        float64

	// Image-only extras.
	Width     int
	Height    int
	Thumbnail []byte // JPEG; nil for non-images
}

// Process runs the payload through detection and, for images, through
// recompression and thumbnailing. Non-image payloads are returned
// unchanged with their detected type.
func Process(data []byte, filename string) Result {
	det := objstore.DetectMIME(head(data), filename)
	res := Result{
		Data:         data,
		Ext:          det.Ext,
		ContentType:  det.ContentType,
		OriginalSize: int64(len(data)),
		NewSize:      int64(len(data)),
		Ratio:        1,
	}

	switch det.ContentType {
	case "image/jpeg", "image/png", "image/gif", "image/webp", "image/bmp":
	default:
		return res
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		// Corrupt or unsupported image data; archive it as-is.
		return res
	}

	bounds := img.Bounds()
	res.Width = bounds.Dx()
	res.Height = bounds.Dy()
	res.Thumbnail = thumbnail(img)

	// GIFs may be animated and webp has no stdlib encoder; recompress
	// only the formats a JPEG round-trip preserves.
	if det.ContentType != "image/jpeg" && det.ContentType != "image/png" && det.ContentType != "image/bmp" {
		return res
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return res
	}

	newSize := int64(buf.Len())
	if float64(newSize) > float64(res.OriginalSize)*(1-minSavingsRatio) {
		return res
	}

	res.Data = buf.Bytes()
	res.Ext = "jpg"
	res.ContentType = "image/jpeg"
	res.Compressed = true
	res.NewSize = newSize
	res.Ratio = float64(newSize) / float64(res.OriginalSize)
	return res
}

func head(data []byte) []byte {
	if len(data) > 12 {
		return data[:12]
	}
	return data
}

func thumbnail(img image.Image) []byte {
	b := img.Bounds()
	if b.Dx() <= thumbMaxDim && b.Dy() <= thumbMaxDim {
		// Already small; a separate thumbnail would not save anything.
		return nil
	}
	small := resize.Thumbnail(thumbMaxDim, thumbMaxDim, img, resize.Lanczos3)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, small, &jpeg.Options{Quality: 75}); err != nil {
		return nil
	}
	return buf.Bytes()
}

// String implements a short log form.
func (r Result) String() string {
	if !r.Compressed {
		return fmt.Sprintf("%s passthrough (%d bytes)", r.ContentType, r.OriginalSize)
	}
	return fmt.Sprintf("%s %d -> %d bytes (%.0f%%)", r.ContentType, r.OriginalSize, r.NewSize, r.Ratio*100)
}
