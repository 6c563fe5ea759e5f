package images

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"basement/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLogger = slog.New(slog.NewJSONHandler(io.Discard, nil))

// memStore is an in-memory StorageService that doubles as a hash index.
type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
	deleted []string
	failPut func(key string) bool
	failDel bool
}

func newMemStore() *memStore {
	return &memStore{objects: make(map[string][]byte)}
}

func (m *memStore) Put(_ context.Context, key string, data []byte, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failPut != nil && m.failPut(key) {
		return "", errors.New("bucket unreachable")
	}
	m.puts++
	m.objects[key] = append([]byte(nil), data...)
	return "/uploads/" + key, nil
}

func (m *memStore) Delete(_ context.Context, urls ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, urls...)
	if m.failDel {
		return errors.New("bucket unreachable")
	}
	for _, u := range urls {
		delete(m.objects, strings.TrimPrefix(u, "/uploads/"))
	}
	return nil
}

func (m *memStore) FindImageByHash(_ context.Context, hash string) (models.ImageRef, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.objects {
		if strings.HasPrefix(key, hash+".") {
			return models.ImageRef{ImageURL: "/uploads/" + key, ThumbURL: "/uploads/" + hash + "_thumb.jpg", Hash: hash}, true, nil
		}
	}
	return models.ImageRef{}, false, nil
}

func (m *memStore) object(url string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.objects[strings.TrimPrefix(url, "/uploads/")]
}

func testImage(w, h int) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	return img
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, testImage(w, h)))
	return buf.Bytes()
}

func jpegBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, testImage(w, h), nil))
	return buf.Bytes()
}

func gifBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, gif.Encode(&buf, testImage(w, h), nil))
	return buf.Bytes()
}

// withExif inserts an APP1 Exif segment right after the JPEG start marker.
func withExif(jpg []byte) []byte {
	payload := []byte("Exif\x00\x00MM\x00\x2a\x00\x00\x00\x08\x00\x00\x00\x00\x00\x00GPS-secret-location")
	seg := []byte{0xFF, 0xE1, byte((len(payload) + 2) >> 8), byte(len(payload) + 2)}
	out := append([]byte{}, jpg[:2]...)
	out = append(out, seg...)
	out = append(out, payload...)
	return append(out, jpg[2:]...)
}

func newTestPipeline(store *memStore, cfg Config) *Pipeline {
	return NewPipeline(store, store, cfg, testLogger)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxBytes = 64 * 1024
	cfg.MaxWidth, cfg.MaxHeight = 300, 300
	p := newTestPipeline(newMemStore(), cfg)

	pngData := pngBytes(t, 20, 20)
	testCases := []struct {
		name     string
		upload   Upload
		wantCode string
		wantMime string
	}{
		{"Valid PNG", Upload{Data: pngData, MimeType: "image/png"}, "", "image/png"},
		{"Valid JPEG Alias", Upload{Data: jpegBytes(t, 20, 20), MimeType: "image/jpg"}, "", "image/jpeg"},
		{"Valid GIF", Upload{Data: gifBytes(t, 20, 20), MimeType: "image/gif"}, "", "image/gif"},
		{"Sniffed When Undeclared", Upload{Data: pngData}, "", "image/png"},
		{"Empty", Upload{MimeType: "image/png"}, "image_empty", ""},
		{"Too Many Bytes", Upload{Data: make([]byte, 65*1024), MimeType: "image/png"}, "image_too_large", ""},
		{"Unsupported Type", Upload{Data: []byte("%PDF-1.4"), MimeType: "application/pdf"}, "image_type", ""},
		{"Declared Type Mismatch", Upload{Data: pngData, MimeType: "image/jpeg"}, "image_mismatch", ""},
		{"Text Posing As Image", Upload{Data: []byte("hello there"), MimeType: "image/png"}, "image_mismatch", ""},
		{"Corrupt Body", Upload{Data: append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 40)...), MimeType: "image/png"}, "image_decode", ""},
		{"Oversized Dimensions", Upload{Data: pngBytes(t, 400, 10), MimeType: "image/png"}, "image_dimensions", ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := p.Validate(tc.upload)
			if tc.wantCode == "" {
				require.NoError(t, err)
				assert.Equal(t, tc.wantMime, got)
				return
			}
			var rej *Rejection
			require.ErrorAs(t, err, &rej)
			assert.Equal(t, tc.wantCode, rej.Code)
			assert.NotEmpty(t, rej.Message)
		})
	}
}

func TestProcessStoresImageAndThumbnail(t *testing.T) {
	store := newMemStore()
	p := newTestPipeline(store, DefaultConfig())

	stored, err := p.Process(context.Background(), Upload{Data: pngBytes(t, 1000, 500), MimeType: "image/png", Filename: "../cat.png"})
	require.NoError(t, err)

	assert.Len(t, stored.Hash, 64)
	assert.Equal(t, "/uploads/"+stored.Hash+".png", stored.ImageURL)
	assert.Equal(t, "/uploads/"+stored.Hash+"_thumb.jpg", stored.ThumbURL)
	assert.Equal(t, 2, store.puts)

	thumb, format, err := image.Decode(bytes.NewReader(store.object(stored.ThumbURL)))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, 250, thumb.Bounds().Dx())
	assert.Equal(t, 125, thumb.Bounds().Dy())
}

func TestThumbnailNeverUpscales(t *testing.T) {
	store := newMemStore()
	p := newTestPipeline(store, DefaultConfig())

	stored, err := p.Process(context.Background(), Upload{Data: gifBytes(t, 100, 80), MimeType: "image/gif"})
	require.NoError(t, err)

	cfg, _, err := image.DecodeConfig(bytes.NewReader(store.object(stored.ThumbURL)))
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.Width)
	assert.Equal(t, 80, cfg.Height)
	assert.True(t, strings.HasSuffix(stored.ImageURL, ".gif"))
}

func TestProcessStripsMetadata(t *testing.T) {
	store := newMemStore()
	p := newTestPipeline(store, DefaultConfig())

	data := withExif(jpegBytes(t, 64, 64))
	require.True(t, bytes.Contains(data, []byte("GPS-secret-location")))

	stored, err := p.Process(context.Background(), Upload{Data: data, MimeType: "image/jpeg"})
	require.NoError(t, err)

	for _, url := range []string{stored.ImageURL, stored.ThumbURL} {
		obj := store.object(url)
		require.NotEmpty(t, obj)
		assert.False(t, bytes.Contains(obj, []byte("Exif")), "%s still carries Exif", url)
		assert.False(t, bytes.Contains(obj, []byte("GPS-secret-location")), "%s still carries metadata", url)
	}
}

func TestProcessDeduplicates(t *testing.T) {
	store := newMemStore()
	p := newTestPipeline(store, DefaultConfig())
	data := pngBytes(t, 50, 50)

	first, err := p.Process(context.Background(), Upload{Data: data, MimeType: "image/png"})
	require.NoError(t, err)
	second, err := p.Process(context.Background(), Upload{Data: data, MimeType: "image/png"})
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 2, store.puts, "a duplicate upload should not be stored again")
}

func TestProcessStorageFailures(t *testing.T) {
	t.Run("Image Put Fails", func(t *testing.T) {
		store := newMemStore()
		store.failPut = func(string) bool { return true }
		_, err := newTestPipeline(store, DefaultConfig()).Process(context.Background(), Upload{Data: pngBytes(t, 10, 10), MimeType: "image/png"})
		assert.ErrorIs(t, err, ErrStorage)
	})

	t.Run("Thumbnail Put Fails Cleans Up", func(t *testing.T) {
		store := newMemStore()
		store.failPut = func(key string) bool { return strings.HasSuffix(key, "_thumb.jpg") }
		_, err := newTestPipeline(store, DefaultConfig()).Process(context.Background(), Upload{Data: pngBytes(t, 10, 10), MimeType: "image/png"})
		assert.ErrorIs(t, err, ErrStorage)
		require.Len(t, store.deleted, 2)
		assert.True(t, strings.HasSuffix(store.deleted[0], ".png"))
		assert.Empty(t, store.objects, "the orphaned image should be removed")
	})
}

func TestDeleteIsBestEffort(t *testing.T) {
	store := newMemStore()
	store.failDel = true
	p := newTestPipeline(store, DefaultConfig())

	// Must not panic or block; the failure is only logged.
	p.Delete(context.Background(), "/uploads/a.png", "/uploads/a_thumb.jpg")
	assert.Equal(t, []string{"/uploads/a.png", "/uploads/a_thumb.jpg"}, store.deleted)

	p.Delete(context.Background(), "", "")
	assert.Len(t, store.deleted, 2, "nothing to delete for an empty ref")
}

func TestStore(t *testing.T) {
	store := newMemStore()
	p := newTestPipeline(store, DefaultConfig())

	url, hash, err := p.Store(context.Background(), jpegBytes(t, 30, 30), "image/pjpeg")
	require.NoError(t, err)
	assert.Equal(t, "/uploads/"+hash+".jpg", url)

	_, _, err = p.Store(context.Background(), []byte("nope"), "text/plain")
	var rej *Rejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, "image_type", rej.Code)
}
