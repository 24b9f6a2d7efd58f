package enrollment

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/palm-id/internal/acquisition"
	"github.com/example/palm-id/internal/palm"
)

const (
	HintMorePictures = "Please take more pictures"
	HintUsername     = "Please input your username"
)

// ErrSessionClosed is returned by every Session method after Close.
var ErrSessionClosed = errors.New("enrollment: session closed")

// Acquirer turns raw capture bytes into a palm print.
type Acquirer interface {
	AcquireBytes(ctx context.Context, requestID string, data []byte) (acquisition.Result, error)
}

// Status is a read-only view of a session's buffer.
type Status struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	Left               int       `json:"left"`
	Right              int       `json:"right"`
	Capacity           int       `json:"capacity"`
	ReadyForCapture    bool      `json:"ready_for_capture"`
	ReadyForSubmission bool      `json:"ready_for_submission"`
	Hint               string    `json:"hint,omitempty"`
	LastSubmission     string    `json:"last_submission,omitempty"`
	LastMessage        string    `json:"last_message,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// CaptureResult describes one processed capture.
type CaptureResult struct {
	RequestID string
	Side      palm.Side
	Hands     int
	Elapsed   time.Duration
	Status    Status
}

type captureJob struct {
	ctx   context.Context
	data  []byte
	reply chan captureReply
}

type captureReply struct {
	result CaptureResult
	err    error
}

// Session owns one Buffer. A buffer actor goroutine is the only code touching
// the buffer, and a capture worker runs decode, detect, crop and add in order.
type Session struct {
	id        string
	createdAt time.Time
	acquirer  Acquirer
	logger    *zap.Logger

	buffer   *Buffer
	lastID   string
	lastMsg  string
	commands chan func()
	captures chan captureJob

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewSession starts a session with its two goroutines. Close must be called.
func NewSession(capacity int, acquirer Acquirer, logger *zap.Logger) *Session {
	id := uuid.NewString()
	s := &Session{
		id:        id,
		createdAt: time.Now().UTC(),
		acquirer:  acquirer,
		logger:    logger.Named("enrollment").With(zap.String("session_id", id)),
		buffer:    NewBuffer(capacity),
		commands:  make(chan func()),
		captures:  make(chan captureJob),
		done:      make(chan struct{}),
	}
	s.wg.Add(2)
	go s.runBuffer()
	go s.runCaptures()
	s.logger.Info("enrollment session started", zap.Int("capacity", s.buffer.Capacity()))
	return s
}

// ID identifies the session.
func (s *Session) ID() string { return s.id }

// Capture processes one photo and adds the resulting print. Captures are
// handled one at a time in arrival order.
func (s *Session) Capture(ctx context.Context, data []byte) (CaptureResult, error) {
	job := captureJob{ctx: ctx, data: data, reply: make(chan captureReply, 1)}
	select {
	case s.captures <- job:
	case <-s.done:
		return CaptureResult{}, ErrSessionClosed
	case <-ctx.Done():
		return CaptureResult{}, ctx.Err()
	}

	select {
	case r := <-job.reply:
		return r.result, r.err
	case <-s.done:
		return CaptureResult{}, ErrSessionClosed
	case <-ctx.Done():
		return CaptureResult{}, ctx.Err()
	}
}

func (s *Session) SetName(name string) error {
	return s.do(func() { s.buffer.SetName(name) })
}

func (s *Session) Status() (Status, error) {
	var st Status
	err := s.do(func() { st = s.status() })
	return st, err
}

// Snapshot returns the buffer contents, or ErrNotReady.
func (s *Session) Snapshot() (palm.EnrollmentRequest, error) {
	var (
		req  palm.EnrollmentRequest
		serr error
	)
	if err := s.do(func() { req, serr = s.buffer.Snapshot() }); err != nil {
		return palm.EnrollmentRequest{}, err
	}
	return req, serr
}

func (s *Session) Reset() error {
	return s.do(s.buffer.Reset)
}

// RecordSubmission stores the outcome of the latest enrollment submission.
func (s *Session) RecordSubmission(requestID, message string) error {
	return s.do(func() {
		s.lastID = requestID
		s.lastMsg = message
	})
}

// Close stops both goroutines. It is safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
		s.logger.Info("enrollment session closed")
	})
}

// do runs fn on the buffer actor and waits for it to finish.
func (s *Session) do(fn func()) error {
	finished := make(chan struct{})
	select {
	case s.commands <- func() { fn(); close(finished) }:
	case <-s.done:
		return ErrSessionClosed
	}
	<-finished
	return nil
}

func (s *Session) runBuffer() {
	defer s.wg.Done()
	for {
		select {
		case cmd := <-s.commands:
			cmd()
		case <-s.done:
			return
		}
	}
}

func (s *Session) runCaptures() {
	defer s.wg.Done()
	for {
		select {
		case job := <-s.captures:
			result, err := s.capture(job.ctx, job.data)
			job.reply <- captureReply{result: result, err: err}
		case <-s.done:
			return
		}
	}
}

func (s *Session) capture(ctx context.Context, data []byte) (CaptureResult, error) {
	requestID := uuid.NewString()
	res, err := s.acquirer.AcquireBytes(ctx, requestID, data)
	if err != nil {
		s.logger.Info("capture rejected", zap.String("request_id", requestID), zap.Error(err))
		return CaptureResult{RequestID: requestID}, err
	}

	var st Status
	if err := s.do(func() {
		s.buffer.AddPrint(res.Print)
		st = s.status()
	}); err != nil {
		return CaptureResult{RequestID: requestID}, err
	}

	s.logger.Info("print added",
		zap.String("request_id", requestID),
		zap.Stringer("side", res.Print.Side),
		zap.Int("left", st.Left),
		zap.Int("right", st.Right))
	return CaptureResult{
		RequestID: requestID,
		Side:      res.Print.Side,
		Hands:     res.Hands,
		Elapsed:   res.Elapsed,
		Status:    st,
	}, nil
}

// status must run on the buffer actor.
func (s *Session) status() Status {
	st := Status{
		ID:                 s.id,
		Name:               s.buffer.Name(),
		Left:               s.buffer.Count(palm.SideLeft),
		Right:              s.buffer.Count(palm.SideRight),
		Capacity:           s.buffer.Capacity(),
		ReadyForCapture:    s.buffer.ReadyForCapture(),
		ReadyForSubmission: s.buffer.ReadyForSubmission(),
		LastSubmission:     s.lastID,
		LastMessage:        s.lastMsg,
		CreatedAt:          s.createdAt,
	}
	switch {
	case !st.ReadyForCapture:
		st.Hint = HintMorePictures
	case !st.ReadyForSubmission:
		st.Hint = HintUsername
	}
	return st
}
