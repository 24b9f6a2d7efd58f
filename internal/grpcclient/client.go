// Package grpcclient adapts the hand landmark gRPC service to acquisition.Detector.
package grpcclient

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/palm-id/internal/acquisition"
	"github.com/example/palm-id/internal/imaging"
	"github.com/example/palm-id/internal/logging"
	"github.com/example/palm-id/internal/palm"
)

// DetectMethod is the full gRPC method name of the landmark service.
const DetectMethod = "/handlandmarker.v1.HandLandmarker/Detect"

// ErrDetectorClosed is returned by Detect after Close.
var ErrDetectorClosed = errors.New("grpcclient: detector closed")

// Options tunes the landmark service per request.
type Options struct {
	MaxHands                   int
	MinHandDetectionConfidence float64
	MinHandPresenceConfidence  float64
	MinTrackingConfidence      float64
	Delegate                   string
	// InputMirrored is false for rear-camera captures, whose labels are swapped.
	InputMirrored bool
	// Padding grows the landmark box by this fraction of its side.
	Padding float64
}

// DialHandLandmarker returns a ready-to-use connection to the landmark service.
func DialHandLandmarker(ctx context.Context, addr string, logger *zap.Logger, extra ...grpc.DialOption) (*grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	}, extra...)

	conn, err := grpc.DialContext(dialCtx, addr, opts...)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_hand_landmarker", "", err)
		logger.Error("failed to dial hand landmarker", zap.Error(wrapped), zap.String("addr", addr))
		return nil, wrapped
	}
	return conn, nil
}

// NewDetectorFactory returns a factory whose detectors share conn. Closing a
// detector does not close conn.
func NewDetectorFactory(conn grpc.ClientConnInterface, opts Options, logger *zap.Logger) acquisition.DetectorFactory {
	logger = logger.Named("hand_landmarker")
	return func(context.Context) (acquisition.Detector, error) {
		if conn == nil {
			return nil, errors.New("grpcclient: no connection to hand landmarker")
		}
		return &landmarker{conn: conn, opts: opts, logger: logger}, nil
	}
}

type landmarker struct {
	conn   grpc.ClientConnInterface
	opts   Options
	logger *zap.Logger
	closed atomic.Bool
}

func (l *landmarker) Detect(ctx context.Context, img image.Image) ([]acquisition.Detection, error) {
	if l.closed.Load() {
		return nil, ErrDetectorClosed
	}

	req, err := l.request(img)
	if err != nil {
		return nil, err
	}

	resp := new(structpb.Struct)
	if err := l.conn.Invoke(ctx, DetectMethod, req, resp); err != nil {
		wrapped := logging.NewOperationError("grpcclient.detect", "", err)
		l.logger.Error("hand landmarker call failed", zap.Error(wrapped))
		return nil, wrapped
	}

	detections := l.parse(resp, img.Bounds())
	l.logger.Debug("hand landmarker answered",
		zap.Int("hands", len(detections)),
		zap.Float64("inference_ms", resp.GetFields()["inference_ms"].GetNumberValue()))
	return detections, nil
}

func (l *landmarker) Close() error {
	l.closed.Store(true)
	return nil
}

func (l *landmarker) request(img image.Image) (*structpb.Struct, error) {
	data, err := imaging.EncodePNG(img)
	if err != nil {
		return nil, err
	}
	req, err := structpb.NewStruct(map[string]any{
		"image_png":                     base64.StdEncoding.EncodeToString(data),
		"max_hands":                     l.opts.MaxHands,
		"min_hand_detection_confidence": l.opts.MinHandDetectionConfidence,
		"min_hand_presence_confidence":  l.opts.MinHandPresenceConfidence,
		"min_tracking_confidence":       l.opts.MinTrackingConfidence,
		"delegate":                      l.opts.Delegate,
	})
	if err != nil {
		return nil, fmt.Errorf("grpcclient: build request: %w", err)
	}
	return req, nil
}

func (l *landmarker) parse(resp *structpb.Struct, bounds image.Rectangle) []acquisition.Detection {
	hands := resp.GetFields()["hands"].GetListValue().GetValues()
	detections := make([]acquisition.Detection, 0, len(hands))
	for _, hand := range hands {
		fields := hand.GetStructValue().GetFields()

		side, _ := palm.ParseSide(fields["handedness"].GetStringValue())
		if !l.opts.InputMirrored {
			side = side.Opposite()
		}

		marks := fields["landmarks"].GetListValue().GetValues()
		points := make([]acquisition.Point, 0, len(marks))
		for _, mark := range marks {
			xy := mark.GetStructValue().GetFields()
			points = append(points, acquisition.Point{
				X: xy["x"].GetNumberValue(),
				Y: xy["y"].GetNumberValue(),
			})
		}

		detections = append(detections, acquisition.Detection{
			Side:   side,
			Score:  fields["score"].GetNumberValue(),
			Region: acquisition.RegionFromLandmarks(points, bounds, l.opts.Padding),
		})
	}
	return detections
}
