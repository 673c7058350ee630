package pipeline

// Stage is where a request is in the pipeline. The happy path only moves
// forward; the *Failed stages are terminal.
type Stage int

const (
	Received Stage = iota
	Decoded
	SegmentationRequested
	SegmentationComplete
	BackgroundSynthesized
	Composited
	Encoded
	Responded

	DecodeFailed
	SegmentationFailed
	CompositeFailed
	EncodeFailed
)

var stageNames = [...]string{
	Received:              "received",
	Decoded:               "decoded",
	SegmentationRequested: "segmentation_requested",
	SegmentationComplete:  "segmentation_complete",
	BackgroundSynthesized: "background_synthesized",
	Composited:            "composited",
	Encoded:               "encoded",
	Responded:             "responded",
	DecodeFailed:          "decode_failed",
	SegmentationFailed:    "segmentation_failed",
	CompositeFailed:       "composite_failed",
	EncodeFailed:          "encode_failed",
}

func (s Stage) String() string {
	if s >= 0 && int(s) < len(stageNames) {
		return stageNames[s]
	}
	return "unknown"
}

// Failed reports whether s is a terminal failure.
func (s Stage) Failed() bool {
	return s >= DecodeFailed && s <= EncodeFailed
}
