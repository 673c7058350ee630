package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/chaos-io/bgstudio/composite/rembg"
	"github.com/chaos-io/bgstudio/config"
	"github.com/chaos-io/bgstudio/health"
	"github.com/chaos-io/bgstudio/pipeline"
	"github.com/chaos-io/bgstudio/server"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to a YAML config file")
		inPath     = flag.String("in", "", "process one image (path or http(s) URL) and exit")
		outPath    = flag.String("out", "./output/processed_image", "output path for -in, extension is added")
		background = flag.String("background", "white", "background for -in: none, white or blur")
		format     = flag.String("format", "", "output format for -in: png, jpeg or webp")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	remover, closeRemover, err := newRemover(cfg.RemBG, logger)
	if err != nil {
		logger.Error("init segmentation backend", "backend", cfg.RemBG.Backend, "err", err)
		os.Exit(1)
	}
	defer closeRemover()

	p := pipeline.New(remover,
		pipeline.WithBackendName(cfg.RemBG.Backend),
		pipeline.WithSegmentTimeout(cfg.Pipeline.SegmentTimeout),
		pipeline.WithMaxSide(cfg.Pipeline.MaxSide),
		pipeline.WithMaxPixels(cfg.Pipeline.MaxPixels),
		pipeline.WithQuality(cfg.Pipeline.JPEGQuality),
		pipeline.WithLogger(logger),
	)

	if *inPath != "" {
		job := oneShot{
			in:         *inPath,
			out:        *outPath,
			background: *background,
			format:     *format,
			radius:     cfg.Pipeline.BlurRadius,
		}
		written, err := job.run(context.Background(), p)
		if err != nil {
			logger.Error("process image", "in", *inPath, "err", err)
			closeRemover()
			os.Exit(1)
		}
		logger.Info("done", "out", written)
		return
	}

	if err := serve(cfg, p, remover, logger); err != nil {
		logger.Error("server", "err", err)
		closeRemover()
		os.Exit(1)
	}
}

func newLogger(cfg config.Log) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})), nil
}

// newRemover builds the configured segmentation backend. Uploads that already
// carry transparency skip it.
func newRemover(cfg config.RemBG, logger *slog.Logger) (rembg.Remover, func(), error) {
	noop := func() {}
	switch cfg.Backend {
	case config.BackendNone:
		return rembg.NewDefaultRemBG(), noop, nil
	case config.BackendRemote:
		remote := rembg.NewRemoteRemBG(cfg.URL,
			rembg.WithModel(cfg.Model),
			rembg.WithLogger(logger),
		)
		return rembg.NewAlphaRemBG(remote), noop, nil
	case config.BackendONNX:
		u2, err := rembg.NewU2NetRemBG(rembg.U2NetConfig{
			ModelPath:   cfg.ONNXModel,
			LibraryPath: cfg.ONNXLibrary,
			Threads:     cfg.ONNXThreads,
		}, logger)
		if err != nil {
			return nil, noop, err
		}
		closer := func() {
			if err := u2.Close(); err != nil {
				logger.Warn("close onnx session", "err", err)
			}
		}
		return rembg.NewAlphaRemBG(u2), closer, nil
	default:
		return nil, noop, fmt.Errorf("unknown rembg backend %q", cfg.Backend)
	}
}

func serve(cfg config.Config, p *pipeline.Pipeline, remover rembg.Remover, logger *slog.Logger) error {
	gin.SetMode(gin.ReleaseMode)

	checker := health.NewChecker(remover, logger)
	if err := checker.Start(cfg.RemBG.HealthSpec); err != nil {
		return err
	}
	defer checker.Stop()

	srv := server.New(cfg, p, checker, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return <-errCh
}
