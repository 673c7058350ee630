// Package pipeline ties decoding, segmentation, background synthesis,
// compositing and encoding together for one request.
//
// A Pipeline holds no per-request state and is safe for concurrent use.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chaos-io/bgstudio/codec"
	"github.com/chaos-io/bgstudio/composite"
	"github.com/chaos-io/bgstudio/composite/rembg"
	"github.com/chaos-io/bgstudio/util"
)

const DefaultSegmentTimeout = 30 * time.Second

// CompositeRequest is one unit of work, built fresh per request.
type CompositeRequest struct {
	Image        image.Image
	SourceFormat string
	Background   composite.Mode
	// Radius is the blur sigma for composite.ModeBlur; 0 disables blurring.
	Radius float64
	// Format defaults to png for ModeNone and jpeg otherwise.
	Format codec.Format
	// Quality defaults to the pipeline quality (95) for jpeg.
	Quality int
}

// CompositeResult is the encoded output of a request.
type CompositeResult struct {
	Image   image.Image
	Format  codec.Format
	Quality int
	Data    []byte
	Stage   Stage
}

func (r *CompositeResult) ContentType() string {
	return r.Format.ContentType()
}

type Pipeline struct {
	remover        rembg.Remover
	backend        string
	segmentTimeout time.Duration
	maxSide        int
	maxPixels      int
	quality        int
	logger         *slog.Logger
}

type Option func(*Pipeline)

// WithSegmentTimeout bounds each segmentation call. A timeout is a
// SegmentationFailed, never retried.
func WithSegmentTimeout(d time.Duration) Option {
	return func(p *Pipeline) { p.segmentTimeout = d }
}

// WithMaxPixels rejects uploads whose header declares more than n pixels,
// before they are decoded. 0 disables it.
func WithMaxPixels(n int) Option {
	return func(p *Pipeline) { p.maxPixels = n }
}

// WithMaxSide downscales uploads whose longest side exceeds n before
// segmentation. ModeNone output is never resized. 0 disables it.
func WithMaxSide(n int) Option {
	return func(p *Pipeline) { p.maxSide = n }
}

func WithQuality(q int) Option {
	return func(p *Pipeline) { p.quality = q }
}

// WithBackendName labels segmentation errors and logs.
func WithBackendName(name string) Option {
	return func(p *Pipeline) { p.backend = name }
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

func New(remover rembg.Remover, opts ...Option) *Pipeline {
	if remover == nil {
		remover = rembg.NewDefaultRemBG()
	}
	p := &Pipeline{
		remover:        remover,
		backend:        "default",
		segmentTimeout: DefaultSegmentTimeout,
		maxPixels:      codec.DefaultMaxPixels,
		quality:        codec.DefaultQuality,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// DecodeRequest reads an upload into a request for the given background.
func (p *Pipeline) DecodeRequest(r io.Reader, mode composite.Mode) (*CompositeRequest, error) {
	img, format, err := codec.DecodeLimit(r, p.maxPixels)
	if err != nil {
		return nil, &Error{Stage: DecodeFailed, Err: err}
	}
	return &CompositeRequest{Image: img, SourceFormat: format, Background: mode}, nil
}

// Process runs req to completion or to the first failure. No partial output
// is returned together with an error.
func (p *Pipeline) Process(ctx context.Context, req *CompositeRequest) (*CompositeResult, error) {
	logger := p.logger.With("request_id", RequestIDFromContext(ctx))
	defer util.TraceContext(ctx, logger, "pipeline")()

	res, err := p.process(ctx, logger, req)
	if err != nil {
		var pe *Error
		if !errors.As(err, &pe) {
			err = &Error{Stage: StageOf(err), Err: err}
		}
		logFailure(ctx, logger, err)
		return nil, err
	}
	return res, nil
}

func (p *Pipeline) process(ctx context.Context, logger *slog.Logger, req *CompositeRequest) (*CompositeResult, error) {
	if req == nil || req.Image == nil {
		return nil, &Error{Stage: DecodeFailed, Err: &codec.DecodeError{Err: errors.New("no image in request")}}
	}
	mode := req.Background
	if mode == "" {
		mode = composite.ModeNone
	}
	logger.DebugContext(ctx, "stage", "stage", Decoded.String(), "format", req.SourceFormat, "size", req.Image.Bounds().Size())

	var out image.Image
	switch mode {
	case composite.ModeNone:
		out = req.Image
	case composite.ModeWhite, composite.ModeBlur:
		src := composite.ResizeWithinMax(req.Image, p.maxSide)
		composited, err := p.composite(ctx, logger, src, mode, req.Radius)
		if err != nil {
			return nil, err
		}
		out = composited
	default:
		return nil, &Error{Stage: CompositeFailed, Err: fmt.Errorf("%w: %q", composite.ErrUnknownMode, mode)}
	}

	opts := p.encodeOptions(req, mode)
	done := util.TraceContext(ctx, logger, "encode", "format", opts.Format)
	data, err := codec.EncodeBytes(out, opts)
	done()
	if err != nil {
		return nil, &Error{Stage: EncodeFailed, Err: err}
	}
	logger.DebugContext(ctx, "stage", "stage", Encoded.String(), "bytes", len(data))

	return &CompositeResult{
		Image:   out,
		Format:  opts.Format,
		Quality: opts.Quality,
		Data:    data,
		Stage:   Encoded,
	}, nil
}

// composite segments and synthesizes concurrently, then blends.
func (p *Pipeline) composite(ctx context.Context, logger *slog.Logger, src image.Image, mode composite.Mode, radius float64) (*image.RGBA, error) {
	var (
		foreground image.Image
		background image.Image
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.DebugContext(gctx, "stage", "stage", SegmentationRequested.String(), "backend", p.backend)
		defer util.TraceContext(gctx, logger, "segment", "backend", p.backend)()

		fg, err := p.segment(gctx, src)
		if err != nil {
			return &Error{Stage: SegmentationFailed, Err: err}
		}
		foreground = fg
		logger.DebugContext(gctx, "stage", "stage", SegmentationComplete.String())
		return nil
	})
	g.Go(func() error {
		defer util.TraceContext(gctx, logger, "synthesize", "mode", mode, "radius", radius)()

		bg, err := composite.Synthesize(src, mode, composite.Params{Radius: radius})
		if err != nil {
			return &Error{Stage: CompositeFailed, Err: err}
		}
		background = bg
		logger.DebugContext(gctx, "stage", "stage", BackgroundSynthesized.String())
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out, err := composite.Composite(foreground, background)
	if err != nil {
		return nil, &Error{Stage: CompositeFailed, Err: err}
	}
	logger.DebugContext(ctx, "stage", "stage", Composited.String())
	return out, nil
}

// segment calls the remover under the segmentation timeout. A remover that
// ignores its context still cannot hold the request past the deadline.
func (p *Pipeline) segment(ctx context.Context, img image.Image) (image.Image, error) {
	if p.segmentTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.segmentTimeout)
		defer cancel()
	}

	type result struct {
		img image.Image
		err error
	}
	ch := make(chan result, 1)
	go func() {
		out, err := p.remover.Remove(ctx, img)
		ch <- result{out, err}
	}()

	select {
	case <-ctx.Done():
		return nil, &rembg.Error{Backend: p.backend, Err: ctx.Err()}
	case r := <-ch:
		if r.err != nil {
			return nil, &rembg.Error{Backend: p.backend, Err: r.err}
		}
		if r.img == nil {
			return nil, &rembg.Error{Backend: p.backend, Err: errors.New("remover returned no image")}
		}
		return r.img, nil
	}
}

func (p *Pipeline) encodeOptions(req *CompositeRequest, mode composite.Mode) codec.Options {
	format := req.Format
	if format == "" {
		if mode == composite.ModeNone {
			format = codec.FormatPNG
		} else {
			format = codec.FormatJPEG
		}
	}
	quality := req.Quality
	if quality == 0 && format == codec.FormatJPEG {
		quality = p.quality
	}
	return codec.Options{Format: format, Quality: quality}
}

func logFailure(ctx context.Context, logger *slog.Logger, err error) {
	stage := StageOf(err)
	switch stage {
	case DecodeFailed:
		logger.InfoContext(ctx, "pipeline rejected input", "stage", stage.String(), "err", err)
	case SegmentationFailed:
		logger.WarnContext(ctx, "pipeline failed", "stage", stage.String(), "err", err)
	default:
		logger.ErrorContext(ctx, "pipeline failed", "stage", stage.String(), "err", err)
	}
}
