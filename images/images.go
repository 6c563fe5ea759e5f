// Package images validates uploads and stores normalized images and thumbnails.
package images

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"basement/config"
	"basement/metrics"
	"basement/models"
	"basement/utils"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

// ErrStorage wraps object store failures during upload.
var ErrStorage = errors.New("image storage unavailable")

// Rejection is a validation failure the uploader can fix.
type Rejection struct {
	Code    string
	Message string
}

func (r *Rejection) Error() string { return r.Message }

func reject(code, format string, args ...any) *Rejection {
	return &Rejection{Code: code, Message: fmt.Sprintf(format, args...)}
}

// accepted maps upload MIME types to the format they are stored as.
// WebP has no pure-Go encoder, so it is stored as PNG.
var accepted = map[string]struct {
	format imaging.Format
	ext    string
	mime   string
}{
	"image/jpeg": {imaging.JPEG, "jpg", "image/jpeg"},
	"image/png":  {imaging.PNG, "png", "image/png"},
	"image/gif":  {imaging.GIF, "gif", "image/gif"},
	"image/webp": {imaging.PNG, "png", "image/png"},
}

type Config struct {
	MaxBytes       int64
	MaxWidth       int
	MaxHeight      int
	ThumbSize      int
	Quality        int
	ThumbQuality   int
	StorageTimeout time.Duration
}

// DefaultConfig returns the stock upload limits.
func DefaultConfig() Config {
	return Config{
		MaxBytes:       config.MaxImageBytes,
		MaxWidth:       config.MaxImageWidth,
		MaxHeight:      config.MaxImageHeight,
		ThumbSize:      config.ThumbnailSize,
		Quality:        config.ImageQuality,
		ThumbQuality:   config.ThumbnailQuality,
		StorageTimeout: 10 * time.Second,
	}
}

// Upload is an image as received from the client.
type Upload struct {
	Data     []byte
	MimeType string
	Filename string
}

// Stored is where an accepted image and its thumbnail live.
type Stored struct {
	ImageURL string
	ThumbURL string
	Hash     string
}

// Index finds images already stored under a content hash.
type Index interface {
	FindImageByHash(ctx context.Context, hash string) (models.ImageRef, bool, error)
}

type Pipeline struct {
	store  models.StorageService
	index  Index
	cfg    Config
	logger *slog.Logger
}

// NewPipeline creates a pipeline writing to store. index may be nil.
func NewPipeline(store models.StorageService, index Index, cfg Config, logger *slog.Logger) *Pipeline {
	if cfg.StorageTimeout <= 0 {
		cfg.StorageTimeout = 10 * time.Second
	}
	return &Pipeline{store: store, index: index, cfg: cfg, logger: logger}
}

// Validate checks size, type and pixel dimensions before anything is decoded in full.
// It returns the upload's canonical MIME type.
func (p *Pipeline) Validate(u Upload) (string, error) {
	if len(u.Data) == 0 {
		return "", reject("image_empty", "Image file is empty.")
	}
	if int64(len(u.Data)) > p.cfg.MaxBytes {
		return "", reject("image_too_large", "Image is larger than the %dMB limit.", p.cfg.MaxBytes/1024/1024)
	}

	sniffed := http.DetectContentType(u.Data)
	declared := canonicalMime(u.MimeType)
	if declared == "" {
		declared = sniffed
	}
	if _, ok := accepted[declared]; !ok {
		return "", reject("image_type", "Unsupported file type: %s. Only JPG, PNG, GIF and WebP are allowed.", declared)
	}
	if sniffed != declared {
		return "", reject("image_mismatch", "File content (%s) does not match its declared type (%s).", sniffed, declared)
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(u.Data))
	if err != nil {
		return "", reject("image_decode", "Invalid image, could not read its header.")
	}
	if cfg.Width > p.cfg.MaxWidth || cfg.Height > p.cfg.MaxHeight {
		return "", reject("image_dimensions", "Image dimensions (%dx%d) exceed maximum (%dx%d).", cfg.Width, cfg.Height, p.cfg.MaxWidth, p.cfg.MaxHeight)
	}
	return declared, nil
}

func canonicalMime(m string) string {
	mt, _, err := mime.ParseMediaType(m)
	if err != nil {
		mt = m
	}
	mt = strings.ToLower(strings.TrimSpace(mt))
	if mt == "image/jpg" || mt == "image/pjpeg" {
		return "image/jpeg"
	}
	return mt
}

// Process validates an upload, then stores it and its thumbnail. Identical images
// resolve to the same objects.
func (p *Pipeline) Process(ctx context.Context, u Upload) (Stored, error) {
	mimeType, err := p.Validate(u)
	if err != nil {
		return Stored{}, err
	}

	img, err := imaging.Decode(bytes.NewReader(u.Data), imaging.AutoOrientation(true))
	if err != nil {
		return Stored{}, reject("image_decode", "Invalid image, could not decode it.")
	}
	normalized, err := encode(img, accepted[mimeType].format, p.cfg.Quality)
	if err != nil {
		return Stored{}, fmt.Errorf("failed to encode image: %w", err)
	}
	hash := contentHash(normalized)

	if p.index != nil {
		ref, ok, err := p.index.FindImageByHash(ctx, hash)
		if err != nil {
			p.logger.Warn("Failed to check for existing image hash", "hash", hash, "error", err)
		} else if ok {
			return Stored{ImageURL: ref.ImageURL, ThumbURL: ref.ThumbURL, Hash: hash}, nil
		}
	}

	imageURL, err := p.put(ctx, hash+"."+accepted[mimeType].ext, normalized, accepted[mimeType].mime)
	if err != nil {
		return Stored{}, err
	}
	thumbURL, err := p.Thumbnail(ctx, img, hash)
	if err != nil {
		p.Delete(ctx, imageURL, "")
		return Stored{}, err
	}

	p.logger.Info("Stored image", "hash", hash, "filename", utils.SanitizeFilename(u.Filename), "bytes", len(normalized))
	return Stored{ImageURL: imageURL, ThumbURL: thumbURL, Hash: hash}, nil
}

// Store normalizes raw image bytes and writes them under their content hash.
// Decoding applies EXIF orientation and re-encoding drops all metadata.
func (p *Pipeline) Store(ctx context.Context, data []byte, mimeType string) (url, hash string, err error) {
	kind, ok := accepted[canonicalMime(mimeType)]
	if !ok {
		return "", "", reject("image_type", "Unsupported file type: %s.", mimeType)
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return "", "", reject("image_decode", "Invalid image, could not decode it.")
	}
	normalized, err := encode(img, kind.format, p.cfg.Quality)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode image: %w", err)
	}
	hash = contentHash(normalized)
	url, err = p.put(ctx, hash+"."+kind.ext, normalized, kind.mime)
	return url, hash, err
}

// Thumbnail fits img inside the thumbnail box without upscaling and stores it as JPEG.
func (p *Pipeline) Thumbnail(ctx context.Context, img image.Image, hash string) (string, error) {
	thumb := imaging.Fit(img, p.cfg.ThumbSize, p.cfg.ThumbSize, imaging.Lanczos)
	// JPEG has no alpha; flatten onto white.
	bg := imaging.New(thumb.Bounds().Dx(), thumb.Bounds().Dy(), color.White)
	flat := imaging.Overlay(bg, thumb, image.Pt(0, 0), 1.0)

	data, err := encode(flat, imaging.JPEG, p.cfg.ThumbQuality)
	if err != nil {
		return "", fmt.Errorf("failed to encode thumbnail: %w", err)
	}
	return p.put(ctx, hash+"_thumb.jpg", data, "image/jpeg")
}

// Delete removes an image and its thumbnail. Failures are logged and counted, never returned.
func (p *Pipeline) Delete(ctx context.Context, imageURL, thumbURL string) {
	if imageURL == "" && thumbURL == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, p.cfg.StorageTimeout)
	defer cancel()
	if err := p.store.Delete(ctx, imageURL, thumbURL); err != nil {
		metrics.ImageCleanupFailed()
		p.logger.Warn("Failed to delete stored image", "image", imageURL, "thumb", thumbURL, "error", err)
	}
}

func (p *Pipeline) put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.StorageTimeout)
	defer cancel()
	url, err := p.store.Put(ctx, key, data, contentType)
	if err != nil {
		return "", fmt.Errorf("%w: put %s: %v", ErrStorage, key, err)
	}
	return url, nil
}

func encode(img image.Image, format imaging.Format, quality int) ([]byte, error) {
	var buf bytes.Buffer
	var err error
	if format == imaging.JPEG {
		err = imaging.Encode(&buf, img, format, imaging.JPEGQuality(quality))
	} else {
		err = imaging.Encode(&buf, img, format)
	}
	return buf.Bytes(), err
}

func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
