package enrollment

import (
	"context"
	"errors"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/palm-id/internal/acquisition"
	"github.com/example/palm-id/internal/palm"
)

// sideAcquirer reads the side from the first byte of the capture: 'L' or 'R'.
type sideAcquirer struct {
	mu    sync.Mutex
	order []byte
}

func (a *sideAcquirer) AcquireBytes(_ context.Context, _ string, data []byte) (acquisition.Result, error) {
	a.mu.Lock()
	a.order = append(a.order, data[0])
	a.mu.Unlock()

	switch data[0] {
	case 'L':
		return acquisition.Result{Print: palm.NewPrint(palm.SideLeft, image.NewGray(image.Rect(0, 0, 1, 1))), Hands: 1}, nil
	case 'R':
		return acquisition.Result{Print: palm.NewPrint(palm.SideRight, image.NewGray(image.Rect(0, 0, 1, 1))), Hands: 1}, nil
	default:
		return acquisition.Result{}, acquisition.ErrNoDetection
	}
}

func newTestSession(t *testing.T) (*Session, *sideAcquirer) {
	t.Helper()
	acq := &sideAcquirer{}
	s := NewSession(2, acq, zap.NewNop())
	t.Cleanup(s.Close)
	return s, acq
}

func TestSession_CaptureUntilReady(t *testing.T) {
	s, _ := newTestSession(t)
	ctx := context.Background()

	res, err := s.Capture(ctx, []byte("L"))
	require.NoError(t, err)
	require.Equal(t, palm.SideLeft, res.Side)
	require.Equal(t, 1, res.Status.Left)
	require.Equal(t, HintMorePictures, res.Status.Hint)

	for _, c := range []string{"L", "R", "R"} {
		_, err := s.Capture(ctx, []byte(c))
		require.NoError(t, err)
	}

	st, err := s.Status()
	require.NoError(t, err)
	require.True(t, st.ReadyForCapture)
	require.False(t, st.ReadyForSubmission)
	require.Equal(t, HintUsername, st.Hint)

	_, err = s.Snapshot()
	require.ErrorIs(t, err, ErrNotReady)

	require.NoError(t, s.SetName("erin"))
	req, err := s.Snapshot()
	require.NoError(t, err)
	require.Equal(t, "erin", req.Name)
	require.Len(t, req.Left, 2)
	require.Len(t, req.Right, 2)

	st, err = s.Status()
	require.NoError(t, err)
	require.Empty(t, st.Hint)
}

func TestSession_RejectedCaptureLeavesBufferUntouched(t *testing.T) {
	s, _ := newTestSession(t)

	_, err := s.Capture(context.Background(), []byte("x"))
	require.ErrorIs(t, err, acquisition.ErrNoDetection)

	st, err := s.Status()
	require.NoError(t, err)
	require.Zero(t, st.Left+st.Right)
}

func TestSession_ConcurrentCapturesAreSerialized(t *testing.T) {
	s, acq := newTestSession(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			side := "L"
			if i%2 == 1 {
				side = "R"
			}
			_, err := s.Capture(context.Background(), []byte(side))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	st, err := s.Status()
	require.NoError(t, err)
	require.Equal(t, 2, st.Left)
	require.Equal(t, 2, st.Right)
	require.Len(t, acq.order, 20)
}

func TestSession_ResetAndRecordSubmission(t *testing.T) {
	s, _ := newTestSession(t)
	_, err := s.Capture(context.Background(), []byte("R"))
	require.NoError(t, err)
	require.NoError(t, s.SetName("frank"))
	require.NoError(t, s.RecordSubmission("sub-1", "Register success"))

	require.NoError(t, s.Reset())
	st, err := s.Status()
	require.NoError(t, err)
	require.Zero(t, st.Right)
	require.Empty(t, st.Name)
	require.Equal(t, "sub-1", st.LastSubmission)
	require.Equal(t, "Register success", st.LastMessage)
}

func TestSession_ClosedSessionRejectsCalls(t *testing.T) {
	s, _ := newTestSession(t)
	s.Close()
	s.Close()

	_, err := s.Capture(context.Background(), []byte("L"))
	require.ErrorIs(t, err, ErrSessionClosed)
	require.ErrorIs(t, s.SetName("x"), ErrSessionClosed)
	_, err = s.Status()
	require.ErrorIs(t, err, ErrSessionClosed)
	_, err = s.Snapshot()
	require.ErrorIs(t, err, ErrSessionClosed)
}

type blockingAcquirer struct{ release chan struct{} }

func (b blockingAcquirer) AcquireBytes(ctx context.Context, _ string, _ []byte) (acquisition.Result, error) {
	select {
	case <-b.release:
		return acquisition.Result{}, errors.New("released")
	case <-ctx.Done():
		return acquisition.Result{}, ctx.Err()
	}
}

func TestSession_CaptureHonoursContext(t *testing.T) {
	acq := blockingAcquirer{release: make(chan struct{})}
	s := NewSession(2, acq, zap.NewNop())
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.Capture(ctx, []byte("L"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
