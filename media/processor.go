package media

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"math"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"
)

const (
	PreviewJpegQuality   = 85
	PreviewFileExtension = ".jpg"
	PreviewContentType   = "image/jpeg"
)

// Processor renders previews of catalog images. It relies on a Store
// implementation for reading originals and saving the results.
type Processor struct {
	store  Store
	logger *zap.Logger
}

func NewProcessor(store Store, logger *zap.Logger) *Processor {
	return &Processor{store: store, logger: logger.Named("media.processor")}
}

// previewSize scales (w, h) so the longest side is at most maxSize.
func previewSize(w, h, maxSize int) (int, int) {
	if w <= maxSize && h <= maxSize {
		return w, h
	}
	var newWidth, newHeight int
	if w > h {
		newWidth = maxSize
		newHeight = int(math.Round(float64(h) * (float64(maxSize) / float64(w))))
	} else {
		newHeight = maxSize
		newWidth = int(math.Round(float64(w) * (float64(maxSize) / float64(h))))
	}
	return max(1, newWidth), max(1, newHeight)
}

// GeneratePreview decodes the object under sourceKey and stores a JPEG whose
// longest side matches maxSize at PreviewKey(checksum). Returns the stored key.
func (p *Processor) GeneratePreview(ctx context.Context, sourceKey, checksum string, maxSize int) (string, error) {
	rc, _, err := p.store.Open(ctx, sourceKey)
	if err != nil {
		return "", fmt.Errorf("failed to open source %s: %w", sourceKey, err)
	}
	defer rc.Close()

	img, err := imaging.Decode(rc, imaging.AutoOrientation(true))
	if err != nil {
		return "", fmt.Errorf("failed to decode source %s: %w", sourceKey, err)
	}
	return p.savePreview(ctx, img, checksum, maxSize)
}

func (p *Processor) savePreview(ctx context.Context, src image.Image, checksum string, maxSize int) (string, error) {
	bounds := src.Bounds()
	if bounds.Dx() <= 0 || bounds.Dy() <= 0 {
		return "", fmt.Errorf("invalid image dimensions: %dx%d", bounds.Dx(), bounds.Dy())
	}
	w, h := previewSize(bounds.Dx(), bounds.Dy(), maxSize)
	preview := imaging.Resize(src, w, h, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, preview, imaging.JPEG, imaging.JPEGQuality(PreviewJpegQuality)); err != nil {
		return "", fmt.Errorf("preview encoding failed: %w", err)
	}

	key, err := p.store.Save(ctx, PreviewKey(checksum), io.Reader(&buf), PreviewContentType)
	if err != nil {
		return "", fmt.Errorf("failed to save preview via store: %w", err)
	}
	p.logger.Info("generated preview", zap.String("key", key), zap.Int("width", w), zap.Int("height", h))
	return key, nil
}
