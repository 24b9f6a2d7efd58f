package grpcclient

import (
	"context"
	"encoding/base64"
	"errors"
	"image"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/palm-id/internal/imaging"
	"github.com/example/palm-id/internal/palm"
)

type fakeLandmarker struct {
	mu       sync.Mutex
	requests []*structpb.Struct
	reply    map[string]any
	err      error
}

func (f *fakeLandmarker) detect(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	f.mu.Lock()
	f.requests = append(f.requests, in)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return structpb.NewStruct(f.reply)
}

var landmarkerDesc = grpc.ServiceDesc{
	ServiceName: "handlandmarker.v1.HandLandmarker",
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "Detect",
		Handler: func(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			return srv.(*fakeLandmarker).detect(ctx, in)
		},
	}},
}

func startLandmarker(t *testing.T, fake *fakeLandmarker) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	srv.RegisterService(&landmarkerDesc, fake)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := DialHandLandmarker(context.Background(), "bufnet", zap.NewNop(),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func oneHand(label string) map[string]any {
	return map[string]any{
		"inference_ms": 12.5,
		"hands": []any{
			map[string]any{
				"handedness": label,
				"score":      0.97,
				"landmarks": []any{
					map[string]any{"x": 0.25, "y": 0.25},
					map[string]any{"x": 0.75, "y": 0.75},
				},
			},
		},
	}
}

func TestDetect_RearCameraSwapsHandedness(t *testing.T) {
	fake := &fakeLandmarker{reply: oneHand("Right")}
	conn := startLandmarker(t, fake)

	factory := NewDetectorFactory(conn, Options{MaxHands: 1, MinHandDetectionConfidence: 0.5, Delegate: "CPU"}, zap.NewNop())
	detector, err := factory(context.Background())
	require.NoError(t, err)
	defer detector.Close()

	detections, err := detector.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 100, 100)))
	require.NoError(t, err)
	require.Len(t, detections, 1)
	require.Equal(t, palm.SideLeft, detections[0].Side)
	require.InDelta(t, 0.97, detections[0].Score, 1e-9)
	require.Equal(t, image.Rect(25, 25, 75, 75), detections[0].Region)

	require.Len(t, fake.requests, 1)
	fields := fake.requests[0].GetFields()
	require.Equal(t, float64(1), fields["max_hands"].GetNumberValue())
	require.Equal(t, "CPU", fields["delegate"].GetStringValue())
	raw, err := base64.StdEncoding.DecodeString(fields["image_png"].GetStringValue())
	require.NoError(t, err)
	img, format, err := imaging.Decode(raw)
	require.NoError(t, err)
	require.Equal(t, "png", format)
	require.Equal(t, 100, img.Bounds().Dx())
}

func TestDetect_MirroredInputKeepsLabel(t *testing.T) {
	conn := startLandmarker(t, &fakeLandmarker{reply: oneHand("right")})

	detector, err := NewDetectorFactory(conn, Options{InputMirrored: true}, zap.NewNop())(context.Background())
	require.NoError(t, err)

	detections, err := detector.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 40, 40)))
	require.NoError(t, err)
	require.Equal(t, palm.SideRight, detections[0].Side)
}

func TestDetect_UnknownLabelAndNoHands(t *testing.T) {
	conn := startLandmarker(t, &fakeLandmarker{reply: oneHand("both")})
	detector, err := NewDetectorFactory(conn, Options{}, zap.NewNop())(context.Background())
	require.NoError(t, err)

	detections, err := detector.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 40, 40)))
	require.NoError(t, err)
	require.Equal(t, palm.SideUnknown, detections[0].Side)

	conn = startLandmarker(t, &fakeLandmarker{reply: map[string]any{"hands": []any{}}})
	detector, err = NewDetectorFactory(conn, Options{}, zap.NewNop())(context.Background())
	require.NoError(t, err)
	detections, err = detector.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 40, 40)))
	require.NoError(t, err)
	require.Empty(t, detections)
}

func TestDetect_ServiceError(t *testing.T) {
	conn := startLandmarker(t, &fakeLandmarker{err: status.Error(codes.Unavailable, "gpu busy")})
	detector, err := NewDetectorFactory(conn, Options{}, zap.NewNop())(context.Background())
	require.NoError(t, err)

	_, err = detector.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 8, 8)))
	require.Error(t, err)
	require.Equal(t, codes.Unavailable, status.Code(errors.Unwrap(err)))
}

func TestDetect_AfterClose(t *testing.T) {
	conn := startLandmarker(t, &fakeLandmarker{reply: oneHand("Left")})
	detector, err := NewDetectorFactory(conn, Options{}, zap.NewNop())(context.Background())
	require.NoError(t, err)
	require.NoError(t, detector.Close())

	_, err = detector.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 8, 8)))
	require.ErrorIs(t, err, ErrDetectorClosed)
}

func TestFactory_NilConn(t *testing.T) {
	_, err := NewDetectorFactory(nil, Options{}, zap.NewNop())(context.Background())
	require.Error(t, err)
}
