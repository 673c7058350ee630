package pipeline

import (
	"errors"
	"fmt"

	"github.com/chaos-io/bgstudio/codec"
	"github.com/chaos-io/bgstudio/composite"
	"github.com/chaos-io/bgstudio/composite/rembg"
)

// Error is a terminal pipeline failure. Err is one of *codec.DecodeError,
// *rembg.Error, *composite.DimensionMismatchError or *codec.EncodeError in
// the normal case and can be matched with errors.As.
type Error struct {
	Stage Stage
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// StageOf returns the terminal stage recorded in err, or CompositeFailed for
// errors that did not come from a pipeline.
func StageOf(err error) Stage {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Stage
	}

	var (
		decErr *codec.DecodeError
		segErr *rembg.Error
		dimErr *composite.DimensionMismatchError
		encErr *codec.EncodeError
	)
	switch {
	case errors.As(err, &decErr):
		return DecodeFailed
	case errors.As(err, &segErr):
		return SegmentationFailed
	case errors.As(err, &dimErr):
		return CompositeFailed
	case errors.As(err, &encErr):
		return EncodeFailed
	default:
		return CompositeFailed
	}
}
