package rembg

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"
	"runtime"

	"github.com/nfnt/resize"
	ort "github.com/yalue/onnxruntime_go"
	"golang.org/x/image/draw"

	"github.com/chaos-io/bgstudio/composite"
)

const (
	U2NetBackend = "onnx"

	u2netSize = 320
)

var (
	u2netMean = [3]float32{0.485, 0.456, 0.406}
	u2netStd  = [3]float32{0.229, 0.224, 0.225}
)

// U2NetConfig points at the model and the native onnxruntime library.
type U2NetConfig struct {
	ModelPath   string
	LibraryPath string
	// Threads limits intra-op parallelism, 0 lets onnxruntime decide.
	Threads int
}

// U2NetRemBG runs a U²-Net style salient object model in process. It is
// loaded once and shared by all requests; every Remove call gets its own
// tensors so the session can be used concurrently.
type U2NetRemBG struct {
	session    *ort.DynamicAdvancedSession
	inputName  string
	outputName string
	logger     *slog.Logger
}

func NewU2NetRemBG(cfg U2NetConfig, logger *slog.Logger) (*U2NetRemBG, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, fmt.Errorf("model file: %w", err)
	}
	if cfg.LibraryPath != "" {
		if _, err := os.Stat(cfg.LibraryPath); err != nil {
			return nil, fmt.Errorf("onnxruntime library: %w", err)
		}
		ort.SetSharedLibraryPath(cfg.LibraryPath)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("initialize onnxruntime environment: %w", err)
		}
	}

	inputs, outputs, err := ort.GetInputOutputInfo(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("read model io info: %w", err)
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return nil, errors.New("model has no inputs or outputs")
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("create session options: %w", err)
	}
	defer func() {
		_ = options.Destroy()
	}()

	threads := cfg.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	if err := options.SetIntraOpNumThreads(threads); err != nil {
		return nil, fmt.Errorf("set intra op threads: %w", err)
	}

	// the first output is the fused saliency map, the rest are side outputs
	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath,
		[]string{inputs[0].Name}, []string{outputs[0].Name}, options)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	logger.Info("u2net model loaded",
		"model", cfg.ModelPath,
		"input", inputs[0].Name,
		"output", outputs[0].Name,
		"threads", threads)

	return &U2NetRemBG{
		session:    session,
		inputName:  inputs[0].Name,
		outputName: outputs[0].Name,
		logger:     logger,
	}, nil
}

func (u *U2NetRemBG) Remove(ctx context.Context, img image.Image) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	input, err := ort.NewTensor(ort.NewShape(1, 3, u2netSize, u2netSize), preprocess(img))
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}
	defer func() {
		_ = input.Destroy()
	}()

	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 1, u2netSize, u2netSize))
	if err != nil {
		return nil, fmt.Errorf("create output tensor: %w", err)
	}
	defer func() {
		_ = output.Destroy()
	}()

	if err := u.session.Run([]ort.Value{input}, []ort.Value{output}); err != nil {
		return nil, fmt.Errorf("run session: %w", err)
	}
	// onnxruntime cannot be interrupted, report a deadline that passed meanwhile
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b := img.Bounds()
	mask := postprocess(output.GetData(), b.Dx(), b.Dy())
	return composite.ApplyMask(img, mask)
}

// Close releases the native session. The shared environment is left alone.
func (u *U2NetRemBG) Close() error {
	if u.session == nil {
		return nil
	}
	err := u.session.Destroy()
	u.session = nil
	return err
}

// preprocess resizes img to the model size and lays it out as normalised
// NCHW float32: scaled by the largest channel value, then ImageNet mean/std.
func preprocess(img image.Image) []float32 {
	small := composite.ToNRGBA(resize.Resize(u2netSize, u2netSize, img, resize.Lanczos3))

	var peak uint8
	for i, v := range small.Pix {
		if i%4 != 3 && v > peak {
			peak = v
		}
	}
	scale := float32(1)
	if peak > 0 {
		scale = 1 / float32(peak)
	}

	const plane = u2netSize * u2netSize
	data := make([]float32, 3*plane)
	for y := 0; y < u2netSize; y++ {
		row := small.Pix[y*small.Stride:]
		for x := 0; x < u2netSize; x++ {
			i := y*u2netSize + x
			for c := 0; c < 3; c++ {
				v := float32(row[x*4+c]) * scale
				data[c*plane+i] = (v - u2netMean[c]) / u2netStd[c]
			}
		}
	}
	return data
}

// postprocess min-max normalises the prediction into a gray mask and scales
// it back to the source size.
func postprocess(pred []float32, w, h int) *image.Gray {
	lo, hi := pred[0], pred[0]
	for _, v := range pred {
		lo = min(lo, v)
		hi = max(hi, v)
	}
	span := hi - lo

	mask := image.NewGray(image.Rect(0, 0, u2netSize, u2netSize))
	for i, v := range pred[:u2netSize*u2netSize] {
		n := float32(0)
		if span > 0 {
			n = (v - lo) / span
		}
		mask.Pix[i] = uint8(n*255 + 0.5)
	}

	if w == u2netSize && h == u2netSize {
		return mask
	}
	resized := resize.Resize(uint(w), uint(h), mask, resize.Lanczos3)
	if g, ok := resized.(*image.Gray); ok {
		return g
	}
	gray := image.NewGray(resized.Bounds())
	draw.Draw(gray, gray.Bounds(), resized, resized.Bounds().Min, draw.Src)
	return gray
}
