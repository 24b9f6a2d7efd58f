package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/palm-id/internal/enrollment"
	"github.com/example/palm-id/internal/logging"
	"github.com/example/palm-id/internal/palm"
	"github.com/example/palm-id/internal/repository"
	"github.com/example/palm-id/internal/retry"
	"github.com/example/palm-id/internal/submission"
)

var (
	// ErrSessionNotFound is returned for unknown sessions and sessions owned by someone else.
	ErrSessionNotFound = errors.New("usecase: enrollment session not found")
	// ErrSubmissionNotFound is returned when no status exists for a submission.
	ErrSubmissionNotFound = errors.New("usecase: submission not found")
)

// Submission states.
const (
	StateProcessing = "processing"
	StateCompleted  = "completed"
	StateFailed     = "failed"
)

// NotReadyError carries the hint shown when an enrollment cannot be submitted.
type NotReadyError struct {
	Hint string
}

func (e *NotReadyError) Error() string { return e.Hint }

func (e *NotReadyError) Is(target error) bool { return target == enrollment.ErrNotReady }

// SubmissionRepository defines the persistence operations needed by the use case.
type SubmissionRepository interface {
	SaveLog(ctx context.Context, log *repository.SubmissionLog) error
	FindByRequestIDAndOwner(ctx context.Context, requestID, owner string) (*repository.SubmissionLog, error)
	AggregateMetrics(ctx context.Context, owner string) ([]repository.KindAggregate, error)
}

// Submitter sends ROIs to the biometric server without blocking.
type Submitter interface {
	SubmitRecognition(ctx context.Context, roi image.Image, onComplete func(submission.RecognitionOutcome)) string
	SubmitEnrollment(ctx context.Context, req palm.EnrollmentRequest, onComplete func(submission.EnrollmentOutcome)) string
}

// SubmissionStatus is what callers poll for after an asynchronous submission.
type SubmissionStatus struct {
	RequestID   string    `json:"request_id"`
	Owner       string    `json:"owner"`
	Kind        string    `json:"kind"`
	State       string    `json:"state"`
	HTTPStatus  int       `json:"http_status,omitempty"`
	Message     string    `json:"message,omitempty"`
	ElapsedMs   int64     `json:"elapsed_ms,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// RecognitionTicket is returned once a recognition ROI has been handed to the submitter.
type RecognitionTicket struct {
	RequestID     string
	Side          palm.Side
	Hands         int
	InferenceTime time.Duration
}

type sessionEntry struct {
	owner    string
	session  *enrollment.Session
	lastSeen time.Time
}

// Option configures a PalmService.
type Option func(*PalmService)

// WithIdleTimeout closes sessions that have not been used for d. Zero disables reaping.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *PalmService) {
		s.idleTimeout = d
	}
}

// PalmService coordinates capture sessions, recognition and submission bookkeeping.
type PalmService struct {
	acquirer       enrollment.Acquirer
	submitter      Submitter
	repo           SubmissionRepository
	cache       Cache
	capacity    int
	logger      *zap.Logger
	retry       retry.Policy
	idleTimeout time.Duration
	now         func() time.Time

	mu       sync.Mutex
	sessions map[string]*sessionEntry
	inflight sync.WaitGroup

	stopJanitor chan struct{}
	janitorDone chan struct{}
	closeOnce   sync.Once
}

// NewPalmService constructs a new use case instance.
func NewPalmService(acquirer enrollment.Acquirer, submitter Submitter, repo SubmissionRepository, cache Cache, capacity int, logger *zap.Logger, opts ...Option) *PalmService {
	policy := retry.DefaultPolicy("redis")
	policy.Expected = func(err error) bool { return errors.Is(err, redis.Nil) }
	s := &PalmService{
		acquirer:    acquirer,
		submitter:   submitter,
		repo:        repo,
		cache:       cache,
		capacity:    capacity,
		logger:      logger.Named("palm_usecase"),
		retry:       policy,
		now:         time.Now,
		sessions:    make(map[string]*sessionEntry),
		stopJanitor: make(chan struct{}),
		janitorDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.idleTimeout > 0 {
		go s.reapIdleSessions()
	} else {
		close(s.janitorDone)
	}
	return s
}

// StartSession opens an enrollment session for owner.
func (s *PalmService) StartSession(owner string) (enrollment.Status, error) {
	session := enrollment.NewSession(s.capacity, s.acquirer, s.logger)
	s.mu.Lock()
	s.sessions[session.ID()] = &sessionEntry{owner: owner, session: session, lastSeen: s.now()}
	s.mu.Unlock()
	return session.Status()
}

// SessionStatus reports a session's counts, readiness and hint.
func (s *PalmService) SessionStatus(owner, sessionID string) (enrollment.Status, error) {
	session, err := s.lookup(owner, sessionID)
	if err != nil {
		return enrollment.Status{}, err
	}
	return session.Status()
}

// SetSessionName updates the display name used for the enrollment.
func (s *PalmService) SetSessionName(owner, sessionID, name string) (enrollment.Status, error) {
	session, err := s.lookup(owner, sessionID)
	if err != nil {
		return enrollment.Status{}, err
	}
	if err := session.SetName(name); err != nil {
		return enrollment.Status{}, err
	}
	return session.Status()
}

// Capture runs acquisition on a photo and adds the print to the session.
func (s *PalmService) Capture(ctx context.Context, owner, sessionID string, data []byte) (enrollment.CaptureResult, error) {
	session, err := s.lookup(owner, sessionID)
	if err != nil {
		return enrollment.CaptureResult{}, err
	}
	return session.Capture(ctx, data)
}

// SubmitEnrollment snapshots the session and submits it. The buffer is kept
// so a failed registration can be resubmitted.
func (s *PalmService) SubmitEnrollment(ctx context.Context, owner, sessionID string) (string, error) {
	session, err := s.lookup(owner, sessionID)
	if err != nil {
		return "", err
	}

	req, err := session.Snapshot()
	if errors.Is(err, enrollment.ErrNotReady) {
		st, serr := session.Status()
		if serr != nil {
			return "", serr
		}
		return "", &NotReadyError{Hint: st.Hint}
	}
	if err != nil {
		return "", err
	}

	ready := make(chan struct{})
	s.inflight.Add(1)
	requestID := s.submitter.SubmitEnrollment(context.WithoutCancel(ctx), req, func(outcome submission.EnrollmentOutcome) {
		defer s.inflight.Done()
		<-ready
		s.finishEnrollment(owner, req.Name, session, outcome)
	})
	defer close(ready)

	s.markProcessing(ctx, requestID, owner, repository.KindEnrollment)
	logging.WithOperation(s.logger, "usecase.submit_enrollment", requestID).Info("enrollment submitted",
		zap.String("session_id", sessionID),
		zap.Int("left", len(req.Left)),
		zap.Int("right", len(req.Right)))
	return requestID, nil
}

// EndSession closes the session and forgets it.
func (s *PalmService) EndSession(owner, sessionID string) error {
	s.mu.Lock()
	entry, ok := s.sessions[sessionID]
	if !ok || entry.owner != owner {
		s.mu.Unlock()
		return ErrSessionNotFound
	}
	delete(s.sessions, sessionID)
	s.mu.Unlock()

	entry.session.Close()
	return nil
}

// Recognize acquires an ROI from data and submits it for identification.
func (s *PalmService) Recognize(ctx context.Context, owner string, data []byte) (RecognitionTicket, error) {
	acquireID := uuid.NewString()
	res, err := s.acquirer.AcquireBytes(ctx, acquireID, data)
	if err != nil {
		return RecognitionTicket{}, err
	}

	ready := make(chan struct{})
	s.inflight.Add(1)
	requestID := s.submitter.SubmitRecognition(context.WithoutCancel(ctx), res.Print.Image, func(outcome submission.RecognitionOutcome) {
		defer s.inflight.Done()
		<-ready
		s.finishRecognition(owner, outcome)
	})
	defer close(ready)

	s.markProcessing(ctx, requestID, owner, repository.KindRecognition)
	logging.WithOperation(s.logger, "usecase.recognize", requestID).Info("recognition submitted",
		zap.Stringer("side", res.Print.Side),
		zap.Duration("inference", res.Elapsed))
	return RecognitionTicket{
		RequestID:     requestID,
		Side:          res.Print.Side,
		Hands:         res.Hands,
		InferenceTime: res.Elapsed,
	}, nil
}

// GetSubmission returns the cached status or falls back to the submission log.
func (s *PalmService) GetSubmission(ctx context.Context, owner, requestID string) (*SubmissionStatus, error) {
	opLogger := logging.WithOperation(s.logger, "usecase.get_submission", requestID)
	cached, err := s.withRedisGet(ctx, requestID, "cache.get.submission", submissionKey(requestID))
	if err == nil {
		var st SubmissionStatus
		if jerr := json.Unmarshal([]byte(cached), &st); jerr != nil {
			opLogger.Warn("failed to decode cached submission", zap.Error(jerr))
		} else if st.Owner == owner {
			return &st, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		opLogger.Warn("failed to read cache", zap.Error(err))
	}

	log, err := s.repo.FindByRequestIDAndOwner(ctx, requestID, owner)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrSubmissionNotFound
	}
	if err != nil {
		return nil, err
	}
	return statusFromLog(log), nil
}

// CloseAll stops the idle reaper, ends every session and waits for in-flight submissions.
func (s *PalmService) CloseAll() {
	s.closeOnce.Do(func() { close(s.stopJanitor) })
	<-s.janitorDone

	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*sessionEntry)
	s.mu.Unlock()

	for _, entry := range sessions {
		entry.session.Close()
	}
	s.inflight.Wait()
}

func (s *PalmService) lookup(owner, sessionID string) (*enrollment.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.sessions[sessionID]
	if !ok || entry.owner != owner {
		return nil, ErrSessionNotFound
	}
	entry.lastSeen = s.now()
	return entry.session, nil
}

func (s *PalmService) reapIdleSessions() {
	defer close(s.janitorDone)

	interval := s.idleTimeout / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopJanitor:
			return
		case <-ticker.C:
			s.closeIdleSessions()
		}
	}
}

// closeIdleSessions ends sessions whose last use is at least idleTimeout old.
func (s *PalmService) closeIdleSessions() int {
	cutoff := s.now().Add(-s.idleTimeout)

	s.mu.Lock()
	var idle []*sessionEntry
	for id, entry := range s.sessions {
		if !entry.lastSeen.After(cutoff) {
			idle = append(idle, entry)
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()

	for _, entry := range idle {
		entry.session.Close()
		s.logger.Info("closed idle enrollment session",
			zap.String("session_id", entry.session.ID()),
			zap.String("owner", entry.owner))
	}
	return len(idle)
}

func (s *PalmService) markProcessing(ctx context.Context, requestID, owner, kind string) {
	st := SubmissionStatus{RequestID: requestID, Owner: owner, Kind: kind, State: StateProcessing}
	s.cacheStatus(ctx, st, processingTTL, "cache.set.processing")
}

func (s *PalmService) finishRecognition(owner string, outcome submission.RecognitionOutcome) {
	st := SubmissionStatus{
		RequestID:   outcome.RequestID,
		Owner:       owner,
		Kind:        repository.KindRecognition,
		State:       StateCompleted,
		HTTPStatus:  outcome.Status,
		Message:     outcome.Message(),
		ElapsedMs:   outcome.Elapsed.Milliseconds(),
		CompletedAt: time.Now().UTC(),
	}
	if outcome.Err != nil {
		st.State = StateFailed
	}
	s.finish(st, "", outcome.Err == nil)
}

func (s *PalmService) finishEnrollment(owner, username string, session *enrollment.Session, outcome submission.EnrollmentOutcome) {
	st := SubmissionStatus{
		RequestID:   outcome.RequestID,
		Owner:       owner,
		Kind:        repository.KindEnrollment,
		State:       StateCompleted,
		HTTPStatus:  outcome.Status,
		Message:     outcome.Message(),
		ElapsedMs:   outcome.Elapsed.Milliseconds(),
		CompletedAt: time.Now().UTC(),
	}
	if !outcome.Success() {
		st.State = StateFailed
	}
	if err := session.RecordSubmission(outcome.RequestID, st.Message); err != nil && !errors.Is(err, enrollment.ErrSessionClosed) {
		logging.WithOperation(s.logger, "usecase.finish_enrollment", outcome.RequestID).Warn("failed to record outcome on session", zap.Error(err))
	}
	s.finish(st, username, outcome.Success())
}

func (s *PalmService) finish(st SubmissionStatus, username string, success bool) {
	ctx := context.Background()
	opLogger := logging.WithOperation(s.logger, "usecase.finish_submission", st.RequestID)

	log := &repository.SubmissionLog{
		RequestID: st.RequestID,
		Owner:     st.Owner,
		Kind:      st.Kind,
		Username:  username,
		Status:    st.HTTPStatus,
		Success:   success,
		Message:   st.Message,
		ElapsedMs: st.ElapsedMs,
		CreatedAt: st.CompletedAt,
	}
	if err := s.repo.SaveLog(ctx, log); err != nil {
		opLogger.Error("failed to persist submission log", zap.Error(err))
	}

	s.cacheStatus(ctx, st, resultTTL, "cache.set.result")
	opLogger.Info("submission finished",
		zap.String("kind", st.Kind),
		zap.String("state", st.State),
		zap.Int("http_status", st.HTTPStatus),
		zap.Int64("elapsed_ms", st.ElapsedMs))
}

func (s *PalmService) cacheStatus(ctx context.Context, st SubmissionStatus, ttl time.Duration, operation string) {
	serialized, err := json.Marshal(st)
	if err != nil {
		logging.WithOperation(s.logger, operation, st.RequestID).Error("failed to serialize submission status", zap.Error(err))
		return
	}
	if err := s.withRedisRetry(ctx, st.RequestID, operation, func() error {
		return s.cache.Set(ctx, submissionKey(st.RequestID), string(serialized), ttl)
	}); err != nil {
		logging.WithOperation(s.logger, operation, st.RequestID).Error("failed to cache submission status", zap.Error(err))
	}
}

func statusFromLog(log *repository.SubmissionLog) *SubmissionStatus {
	state := StateCompleted
	if !log.Success {
		state = StateFailed
	}
	return &SubmissionStatus{
		RequestID:   log.RequestID,
		Owner:       log.Owner,
		Kind:        log.Kind,
		State:       state,
		HTTPStatus:  log.Status,
		Message:     log.Message,
		ElapsedMs:   log.ElapsedMs,
		CompletedAt: log.CreatedAt,
	}
}
