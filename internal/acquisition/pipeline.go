// Package acquisition turns a captured photo into a palm ROI using an external hand detector.
package acquisition

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"go.uber.org/zap"

	"github.com/example/palm-id/internal/imaging"
	"github.com/example/palm-id/internal/logging"
	"github.com/example/palm-id/internal/palm"
)

var (
	// ErrNoDetection means no usable hand was found. Nothing is produced.
	ErrNoDetection = errors.New("acquisition: no hand detected")
	// ErrUndecodable means the captured bytes are not a supported image.
	ErrUndecodable = errors.New("acquisition: undecodable image")
)

// DetectionFailure reports that the detector could not be created or run.
type DetectionFailure struct {
	Stage string
	Err   error
}

func (e *DetectionFailure) Error() string {
	return fmt.Sprintf("acquisition: detector %s failed: %v", e.Stage, e.Err)
}

func (e *DetectionFailure) Unwrap() error { return e.Err }

// Detection is one hand found by a Detector.
type Detection struct {
	// Side is SideUnknown when the detector gave no handedness.
	Side  palm.Side
	Score float64
	// Region is in pixel coordinates of the analysed image.
	Region image.Rectangle
}

// Detector finds hands in an image. Instances are used for one image and then closed.
type Detector interface {
	Detect(ctx context.Context, img image.Image) ([]Detection, error)
	Close() error
}

// DetectorFactory allocates a fresh Detector.
type DetectorFactory func(ctx context.Context) (Detector, error)

// Result is a successful acquisition.
type Result struct {
	Print   palm.Print
	Hands   int
	Elapsed time.Duration
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithMaxSide downsizes ROIs whose width or height exceeds n pixels.
func WithMaxSide(n int) Option {
	return func(p *Pipeline) { p.maxSide = n }
}

// Pipeline runs detection and cropping. It keeps no state between calls.
type Pipeline struct {
	newDetector DetectorFactory
	logger      *zap.Logger
	maxSide     int
}

// NewPipeline constructs a pipeline that allocates a detector per call.
func NewPipeline(factory DetectorFactory, logger *zap.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		newDetector: factory,
		logger:      logger.Named("acquisition"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// AcquireBytes decodes a captured photo and then runs Acquire.
func (p *Pipeline) AcquireBytes(ctx context.Context, requestID string, data []byte) (Result, error) {
	img, format, err := imaging.Decode(data)
	if err != nil {
		return Result{}, logging.NewOperationError("acquisition.decode", requestID, fmt.Errorf("%w: %w", ErrUndecodable, err))
	}
	logging.WithOperation(p.logger, "acquisition.decode", requestID).Debug("capture decoded",
		zap.String("format", format),
		zap.Int("width", img.Bounds().Dx()),
		zap.Int("height", img.Bounds().Dy()))
	return p.Acquire(ctx, requestID, img)
}

// Acquire runs the detector once on img and crops the first detected hand.
// Additional hands are ignored.
func (p *Pipeline) Acquire(ctx context.Context, requestID string, img image.Image) (Result, error) {
	opLogger := logging.WithOperation(p.logger, "acquisition.acquire", requestID)
	start := time.Now()

	detector, err := p.newDetector(ctx)
	if err != nil {
		opLogger.Error("detector initialisation failed", zap.Error(err))
		return Result{}, logging.NewOperationError("acquisition.acquire", requestID, &DetectionFailure{Stage: "init", Err: err})
	}
	defer func() {
		if cerr := detector.Close(); cerr != nil {
			opLogger.Warn("failed to release detector", zap.Error(cerr))
		}
	}()

	detections, err := detector.Detect(ctx, img)
	elapsed := time.Since(start)
	if err != nil {
		opLogger.Error("detector execution failed", zap.Error(err), zap.Duration("elapsed", elapsed))
		return Result{}, logging.NewOperationError("acquisition.acquire", requestID, &DetectionFailure{Stage: "detect", Err: err})
	}

	if len(detections) == 0 || detections[0].Side == palm.SideUnknown {
		opLogger.Info("no hand detected", zap.Int("detections", len(detections)), zap.Duration("elapsed", elapsed))
		return Result{}, logging.NewOperationError("acquisition.acquire", requestID, ErrNoDetection)
	}

	primary := detections[0]
	roi := imaging.Crop(img, primary.Region)
	if roi == nil {
		opLogger.Info("detected region lies outside the image", zap.Stringer("region", primary.Region))
		return Result{}, logging.NewOperationError("acquisition.acquire", requestID, ErrNoDetection)
	}

	extracted := palm.NewPrint(primary.Side, imaging.FitWithin(roi, p.maxSide))
	opLogger.Info("palm roi extracted",
		zap.String("print_id", extracted.ID),
		zap.Stringer("side", primary.Side),
		zap.Int("hands", len(detections)),
		zap.Float64("score", primary.Score),
		zap.Duration("elapsed", elapsed))

	return Result{Print: extracted, Hands: len(detections), Elapsed: elapsed}, nil
}

// UserMessage maps an acquisition error to the text shown to the operator.
func UserMessage(err error) string {
	var failure *DetectionFailure
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNoDetection):
		return "No hands detected in the image."
	case errors.Is(err, ErrUndecodable):
		return "Failed to read picture"
	case errors.As(err, &failure):
		return "Hand detection failed"
	default:
		return "Hand detection failed"
	}
}
