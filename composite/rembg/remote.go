package rembg

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/chaos-io/bgstudio/codec"
	nhttp "github.com/chaos-io/bgstudio/util/http"
)

const (
	RemoteBackend = "remote"

	removePath = "api/remove"
)

// RemoteRemBG calls a rembg compatible HTTP server:
//
//	curl -X POST "$BASE_URL/api/remove?model=u2net" -F "file=@my_image.png" -o cutout.png
//
// The response is an image with the subject in its alpha channel.
type RemoteRemBG struct {
	baseURL string
	model   string
	timeout time.Duration
	cli     nhttp.IClient
	logger  *slog.Logger
}

type RemoteOption func(*RemoteRemBG)

// WithModel selects the server side model (u2net, isnet-general-use, birefnet-general, ...).
func WithModel(model string) RemoteOption {
	return func(r *RemoteRemBG) { r.model = model }
}

func WithRequestTimeout(d time.Duration) RemoteOption {
	return func(r *RemoteRemBG) { r.timeout = d }
}

func WithHTTPClient(cli nhttp.IClient) RemoteOption {
	return func(r *RemoteRemBG) { r.cli = cli }
}

func WithLogger(l *slog.Logger) RemoteOption {
	return func(r *RemoteRemBG) { r.logger = l }
}

func NewRemoteRemBG(baseURL string, opts ...RemoteOption) *RemoteRemBG {
	r := &RemoteRemBG{
		baseURL: strings.TrimRight(baseURL, "/") + "/",
		cli:     nhttp.NewHTTPClient(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RemoteRemBG) Remove(ctx context.Context, img image.Image) (image.Image, error) {
	body, contentType, err := r.uploadBody(img)
	if err != nil {
		return nil, err
	}

	var raw []byte
	reqParam := &nhttp.RequestParam{
		RequestURI: r.removeURL(),
		Method:     http.MethodPost,
		Header:     map[string]string{"Content-Type": contentType, "Accept": "image/png"},
		Body:       body,
		Response:   &raw,
		Timeout:    r.timeout,
	}
	if err := r.cli.DoHTTPRequest(ctx, reqParam); err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}

	r.logger.DebugContext(ctx, "get the response", "status", reqParam.StatusCode, "bytes", len(raw))

	cutout, format, err := codec.DecodeBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	r.logger.DebugContext(ctx, "decoded cutout", "format", format, "size", cutout.Bounds().Size())
	return cutout, nil
}

// Ping checks that the server answers at all.
func (r *RemoteRemBG) Ping(ctx context.Context) error {
	reqParam := &nhttp.RequestParam{
		RequestURI: r.baseURL,
		Method:     http.MethodGet,
		Timeout:    5 * time.Second,
	}
	if err := r.cli.DoHTTPRequest(ctx, reqParam); err != nil {
		return fmt.Errorf("ping %s: %w", r.baseURL, err)
	}
	return nil
}

func (r *RemoteRemBG) removeURL() string {
	u := r.baseURL + removePath
	if r.model != "" {
		u += "?model=" + url.QueryEscape(r.model)
	}
	return u
}

// uploadBody encodes img losslessly into a multipart form with a single "file" field.
func (r *RemoteRemBG) uploadBody(img image.Image) (*bytes.Buffer, string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", "image.png")
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}
	if err := codec.Encode(part, img, codec.Options{Format: codec.FormatPNG}); err != nil {
		return nil, "", fmt.Errorf("encode upload: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}
	return body, writer.FormDataContentType(), nil
}
