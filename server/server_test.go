package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaos-io/bgstudio/codec"
	"github.com/chaos-io/bgstudio/config"
	"github.com/chaos-io/bgstudio/composite/rembg"
	"github.com/chaos-io/bgstudio/health"
	"github.com/chaos-io/bgstudio/pipeline"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type removerFunc func(ctx context.Context, img image.Image) (image.Image, error)

func (f removerFunc) Remove(ctx context.Context, img image.Image) (image.Image, error) {
	return f(ctx, img)
}

type pingRemover struct {
	rembg.DefaultRemBG
	err error
}

func (p *pingRemover) Ping(context.Context) error { return p.err }

func newTestServer(t *testing.T, remover rembg.Remover, mutate func(*config.Config)) *Server {
	t.Helper()

	cfg := config.Default()
	if mutate != nil {
		mutate(&cfg)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := pipeline.New(remover,
		pipeline.WithSegmentTimeout(cfg.Pipeline.SegmentTimeout),
		pipeline.WithMaxPixels(cfg.Pipeline.MaxPixels),
		pipeline.WithLogger(logger),
	)
	return New(cfg, p, nil, logger)
}

func solidPNG(t *testing.T, w, h int, c color.NRGBA) []byte {
	t.Helper()

	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func multipartBody(t *testing.T, field string, data []byte) (*bytes.Buffer, string) {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(field, "upload.png")
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func do(s *Server, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()

	var body struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Error
}

func assertAllRGB(t *testing.T, img image.Image, want color.RGBA, delta float64) {
	t.Helper()

	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			got := color.RGBAModel.Convert(img.At(x, y)).(color.RGBA)
			require.InDelta(t, want.R, got.R, delta, "R at (%d,%d)", x, y)
			require.InDelta(t, want.G, got.G, delta, "G at (%d,%d)", x, y)
			require.InDelta(t, want.B, got.B, delta, "B at (%d,%d)", x, y)
			require.Equal(t, uint8(255), got.A, "A at (%d,%d)", x, y)
		}
	}
}

func TestRoot(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, nil, nil)
	w := do(s, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"message":"Hello Sales Studio!"}`, w.Body.String())
}

func TestReady(t *testing.T) {
	t.Parallel()

	t.Run("no checker", func(t *testing.T) {
		t.Parallel()
		s := newTestServer(t, nil, nil)
		w := do(s, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("unhealthy backend", func(t *testing.T) {
		t.Parallel()
		s := newTestServer(t, nil, nil)
		s.checker = health.NewChecker(&pingRemover{err: errors.New("down")}, s.logger)
		s.checker.Check(context.Background())

		w := do(s, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Contains(t, w.Body.String(), "down")
	})

	t.Run("healthy backend", func(t *testing.T) {
		t.Parallel()
		s := newTestServer(t, nil, nil)
		s.checker = health.NewChecker(&pingRemover{}, s.logger)
		s.checker.Check(context.Background())

		w := do(s, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestProcessImage_LosslessRawBody(t *testing.T) {
	t.Parallel()

	src := solidPNG(t, 6, 4, color.NRGBA{R: 10, G: 20, B: 30, A: 128})
	s := newTestServer(t, nil, nil)

	w := do(s, httptest.NewRequest(http.MethodPost, "/process-image", bytes.NewReader(src)))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), `processed_image.png`)

	got, format, err := codec.DecodeBytes(w.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "png", format)
	assert.Equal(t, image.Rect(0, 0, 6, 4), got.Bounds())
	assert.Equal(t, color.NRGBA{R: 10, G: 20, B: 30, A: 128}, color.NRGBAModel.Convert(got.At(3, 2)))
}

func TestProcessImage_Multipart(t *testing.T) {
	t.Parallel()

	src := solidPNG(t, 5, 5, color.NRGBA{R: 200, A: 255})
	body, ct := multipartBody(t, "file", src)
	req := httptest.NewRequest(http.MethodPost, "/process-image", body)
	req.Header.Set("Content-Type", ct)

	w := do(newTestServer(t, nil, nil), req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
}

func TestProcessImage_MultipartMissingField(t *testing.T) {
	t.Parallel()

	body, ct := multipartBody(t, "image", solidPNG(t, 2, 2, color.NRGBA{A: 255}))
	req := httptest.NewRequest(http.MethodPost, "/process-image", body)
	req.Header.Set("Content-Type", ct)

	w := do(newTestServer(t, nil, nil), req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decodeError(t, w), "file")
}

func TestProcessImageWhite(t *testing.T) {
	t.Parallel()

	t.Run("opaque subject keeps its color as jpeg", func(t *testing.T) {
		t.Parallel()

		src := solidPNG(t, 16, 16, color.NRGBA{R: 255, A: 255})
		w := do(newTestServer(t, nil, nil),
			httptest.NewRequest(http.MethodPost, "/process-image-white", bytes.NewReader(src)))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, "image/jpeg", w.Header().Get("Content-Type"))

		got, format, err := codec.DecodeBytes(w.Body.Bytes())
		require.NoError(t, err)
		assert.Equal(t, "jpeg", format)
		assertAllRGB(t, got, color.RGBA{R: 255, A: 255}, 3)
	})

	t.Run("empty mask gives a white png", func(t *testing.T) {
		t.Parallel()

		src := solidPNG(t, 8, 8, color.NRGBA{G: 255, A: 255})
		s := newTestServer(t, rembg.NewStaticMaskRemBG(rembg.UniformMask(8, 8, 0)), nil)
		w := do(s, httptest.NewRequest(http.MethodPost, "/process-image-white?format=png", bytes.NewReader(src)))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, "image/png", w.Header().Get("Content-Type"))

		got, _, err := codec.DecodeBytes(w.Body.Bytes())
		require.NoError(t, err)
		assertAllRGB(t, got, color.RGBA{R: 255, G: 255, B: 255, A: 255}, 0)
	})

	t.Run("background query on the generic route", func(t *testing.T) {
		t.Parallel()

		src := solidPNG(t, 4, 4, color.NRGBA{B: 255, A: 255})
		s := newTestServer(t, rembg.NewStaticMaskRemBG(rembg.UniformMask(4, 4, 0)), nil)
		w := do(s, httptest.NewRequest(http.MethodPost, "/process-image?background=white&format=webp", bytes.NewReader(src)))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, "image/webp", w.Header().Get("Content-Type"))
	})
}

func TestProcessImageBlur(t *testing.T) {
	t.Parallel()

	src := solidPNG(t, 20, 20, color.NRGBA{R: 90, G: 120, B: 150, A: 255})
	s := newTestServer(t, rembg.NewStaticMaskRemBG(rembg.UniformMask(20, 20, 0)), nil)

	w := do(s, httptest.NewRequest(http.MethodPost, "/process-image-blur?format=png", bytes.NewReader(src)))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	got, _, err := codec.DecodeBytes(w.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 20, 20), got.Bounds())
	assertAllRGB(t, got, color.RGBA{R: 90, G: 120, B: 150, A: 255}, 1)
}

func TestProcess_BadRequests(t *testing.T) {
	t.Parallel()

	src := solidPNG(t, 2, 2, color.NRGBA{A: 255})
	tests := []struct {
		name string
		path string
		body []byte
		want string
	}{
		{name: "garbage body", path: "/process-image", body: []byte("not an image"), want: "unknown"},
		{name: "empty body", path: "/process-image", body: nil, want: "empty"},
		{name: "unknown background", path: "/process-image?background=sepia", body: src, want: "sepia"},
		{name: "unknown format", path: "/process-image-white?format=gif", body: src, want: "gif"},
		{name: "quality not a number", path: "/process-image-white?quality=high", body: src, want: "quality"},
		{name: "quality out of range", path: "/process-image-white?quality=101", body: src, want: "quality"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			w := do(newTestServer(t, nil, nil),
				httptest.NewRequest(http.MethodPost, tt.path, bytes.NewReader(tt.body)))
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, strings.ToLower(decodeError(t, w)), tt.want)
		})
	}
}

func TestProcess_UploadTooLarge(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, nil, func(c *config.Config) { c.Server.MaxUploadBytes = 16 })
	src := solidPNG(t, 32, 32, color.NRGBA{R: 1, G: 2, B: 3, A: 255})
	require.Greater(t, len(src), 16)

	t.Run("raw body", func(t *testing.T) {
		t.Parallel()
		w := do(s, httptest.NewRequest(http.MethodPost, "/process-image", bytes.NewReader(src)))
		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	})

	t.Run("multipart", func(t *testing.T) {
		t.Parallel()
		body, ct := multipartBody(t, "file", src)
		req := httptest.NewRequest(http.MethodPost, "/process-image-white", body)
		req.Header.Set("Content-Type", ct)

		w := do(s, req)
		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	})
}

func TestProcess_TooManyPixels(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, nil, func(c *config.Config) { c.Pipeline.MaxPixels = 15 })

	w := do(s, httptest.NewRequest(http.MethodPost, "/process-image",
		bytes.NewReader(solidPNG(t, 4, 4, color.NRGBA{A: 255}))))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Contains(t, decodeError(t, w), "too many pixels")

	w = do(s, httptest.NewRequest(http.MethodPost, "/process-image",
		bytes.NewReader(solidPNG(t, 3, 5, color.NRGBA{A: 255}))))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestProcess_SegmentationFailure(t *testing.T) {
	t.Parallel()

	failing := removerFunc(func(context.Context, image.Image) (image.Image, error) {
		return nil, errors.New("model exploded")
	})
	src := solidPNG(t, 4, 4, color.NRGBA{R: 255, A: 255})

	w := do(newTestServer(t, failing, nil),
		httptest.NewRequest(http.MethodPost, "/process-image-white", bytes.NewReader(src)))
	assert.Equal(t, http.StatusBadGateway, w.Code)
	msg := decodeError(t, w)
	assert.Equal(t, "background removal failed", msg)
	assert.NotContains(t, msg, "exploded")
}

func TestProcess_NoneSkipsSegmentation(t *testing.T) {
	t.Parallel()

	failing := removerFunc(func(context.Context, image.Image) (image.Image, error) {
		return nil, errors.New("should not be called")
	})
	src := solidPNG(t, 4, 4, color.NRGBA{R: 255, A: 255})

	w := do(newTestServer(t, failing, nil),
		httptest.NewRequest(http.MethodPost, "/process-image", bytes.NewReader(src)))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequestID(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderRequestID, "abc-123")
	w := do(s, req)
	assert.Equal(t, "abc-123", w.Header().Get(HeaderRequestID))

	w = do(s, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Len(t, w.Header().Get(HeaderRequestID), 27)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderRequestID, strings.Repeat("x", 100))
	w = do(s, req)
	assert.Len(t, w.Header().Get(HeaderRequestID), 27)
}

func TestCORS(t *testing.T) {
	t.Parallel()

	t.Run("wildcard preflight", func(t *testing.T) {
		t.Parallel()

		req := httptest.NewRequest(http.MethodOptions, "/process-image", nil)
		req.Header.Set("Origin", "https://studio.example.com")
		w := do(newTestServer(t, nil, nil), req)

		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
		assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "POST")
	})

	t.Run("allow list", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, nil, func(c *config.Config) {
			c.Server.CORSOrigins = []string{"https://studio.example.com"}
		})

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Origin", "https://studio.example.com")
		w := do(s, req)
		assert.Equal(t, "https://studio.example.com", w.Header().Get("Access-Control-Allow-Origin"))

		req = httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Origin", "https://evil.example.com")
		w = do(s, req)
		assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestStatusFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "decode", err: &pipeline.Error{Stage: pipeline.DecodeFailed, Err: &codec.DecodeError{Err: codec.ErrUnknownFormat}}, want: http.StatusBadRequest},
		{name: "bad request", err: errBadRequest, want: http.StatusBadRequest},
		{name: "too large", err: &codec.DecodeError{Err: &http.MaxBytesError{Limit: 1}}, want: http.StatusRequestEntityTooLarge},
		{name: "too many pixels", err: &codec.DecodeError{Format: "png", Err: codec.ErrTooManyPixels}, want: http.StatusRequestEntityTooLarge},
		{name: "segmentation", err: &pipeline.Error{Stage: pipeline.SegmentationFailed, Err: &rembg.Error{Backend: "remote", Err: context.DeadlineExceeded}}, want: http.StatusBadGateway},
		{name: "encode", err: &pipeline.Error{Stage: pipeline.EncodeFailed, Err: &codec.EncodeError{Format: codec.FormatJPEG, Err: codec.ErrInvalidQuality}}, want: http.StatusInternalServerError},
		{name: "other", err: errors.New("boom"), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}
