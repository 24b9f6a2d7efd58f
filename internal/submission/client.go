// Package submission sends recognition and enrollment requests to the biometric server.
package submission

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/palm-id/internal/logging"
	"github.com/example/palm-id/internal/palm"
	"github.com/example/palm-id/internal/protocol"
)

// FallbackResult replaces a recognition result that could not be parsed.
const FallbackResult = "Error parsing response"

const maxResponseBytes = 1 << 20

// ErrParse marks a recognition body without a usable "result" scalar.
var ErrParse = errors.New("submission: unparseable recognition response")

// Doer sends HTTP requests. *transport.Transport satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// TransportError reports that no response reached the client.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Retryable is always true: nothing reached the server's application layer.
func (e *TransportError) Retryable() bool { return true }

// HTTPError reports a response outside the 2xx range.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("server returned status %d", e.Status)
}

// RecognitionOutcome is delivered once per recognition attempt.
type RecognitionOutcome struct {
	RequestID string
	Status    int
	// Result is the server's answer, or FallbackResult when ParseErr is set.
	Result   string
	ParseErr error
	// Err is non-nil only when no response was obtained.
	Err     error
	Elapsed time.Duration
}

// Message renders the outcome for display.
func (o RecognitionOutcome) Message() string {
	if o.Err != nil {
		return "Recognition request failed"
	}
	return "User Info: " + o.Result
}

// EnrollmentOutcome is delivered once per enrollment attempt.
type EnrollmentOutcome struct {
	RequestID string
	Status    int
	// Err is a *TransportError, an *HTTPError, or a local encoding failure.
	Err     error
	Elapsed time.Duration
}

// Success reports a 2xx response.
func (o EnrollmentOutcome) Success() bool { return o.Err == nil }

// Message renders the outcome for display.
func (o EnrollmentOutcome) Message() string {
	var httpErr *HTTPError
	switch {
	case o.Err == nil:
		return "Register success"
	case errors.As(o.Err, &httpErr):
		return fmt.Sprintf("Register failed: %d", httpErr.Status)
	default:
		return "Failed to register user"
	}
}

// Client issues requests through an injected transport. It never retries.
type Client struct {
	doer    Doer
	baseURL string
	logger  *zap.Logger
}

// NewClient constructs a client for the server at baseURL.
func NewClient(doer Doer, baseURL string, logger *zap.Logger) *Client {
	return &Client{
		doer:    doer,
		baseURL: baseURL,
		logger:  logger.Named("submission"),
	}
}

// SubmitRecognition starts a recognition exchange and returns its request ID
// without waiting. onComplete runs exactly once, on another goroutine.
func (c *Client) SubmitRecognition(ctx context.Context, roi image.Image, onComplete func(RecognitionOutcome)) string {
	requestID := uuid.NewString()
	go func() {
		onComplete(c.Recognize(ctx, requestID, roi))
	}()
	return requestID
}

// SubmitEnrollment starts an enrollment exchange and returns its request ID
// without waiting. onComplete runs exactly once, on another goroutine.
func (c *Client) SubmitEnrollment(ctx context.Context, req palm.EnrollmentRequest, onComplete func(EnrollmentOutcome)) string {
	requestID := uuid.NewString()
	go func() {
		onComplete(c.Enroll(ctx, requestID, req))
	}()
	return requestID
}

// Recognize performs a recognition exchange synchronously.
func (c *Client) Recognize(ctx context.Context, requestID string, roi image.Image) RecognitionOutcome {
	start := time.Now()
	opLogger := logging.WithOperation(c.logger, "submission.recognize", requestID)
	outcome := RecognitionOutcome{RequestID: requestID}

	req, err := protocol.NewRecognitionRequest(ctx, c.baseURL, roi)
	if err != nil {
		outcome.Err = logging.NewOperationError("submission.build_recognition", requestID, err)
		outcome.Elapsed = time.Since(start)
		opLogger.Error("failed to build recognition request", zap.Error(outcome.Err))
		return outcome
	}

	status, body, err := c.exchange(req)
	outcome.Elapsed = time.Since(start)
	if err != nil {
		outcome.Err = logging.NewOperationError("submission.recognize", requestID, err)
		opLogger.Warn("recognition transport failure", zap.Error(err))
		return outcome
	}

	outcome.Status = status
	outcome.Result, outcome.ParseErr = parseRecognition(body)
	if outcome.ParseErr != nil {
		opLogger.Warn("failed to parse recognition response",
			zap.Int("status", status), zap.Error(outcome.ParseErr))
	} else {
		opLogger.Info("recognition completed",
			zap.Int("status", status), zap.Duration("elapsed", outcome.Elapsed))
	}
	return outcome
}

// Enroll performs an enrollment exchange synchronously.
func (c *Client) Enroll(ctx context.Context, requestID string, enrollment palm.EnrollmentRequest) EnrollmentOutcome {
	start := time.Now()
	opLogger := logging.WithOperation(c.logger, "submission.enroll", requestID)
	outcome := EnrollmentOutcome{RequestID: requestID}

	req, err := protocol.NewEnrollmentRequest(ctx, c.baseURL, enrollment)
	if err != nil {
		outcome.Err = logging.NewOperationError("submission.build_enrollment", requestID, err)
		outcome.Elapsed = time.Since(start)
		opLogger.Error("failed to build enrollment request", zap.Error(outcome.Err))
		return outcome
	}

	status, body, err := c.exchange(req)
	outcome.Elapsed = time.Since(start)
	if err != nil {
		outcome.Err = logging.NewOperationError("submission.enroll", requestID, err)
		opLogger.Warn("enrollment transport failure", zap.Error(err))
		return outcome
	}

	outcome.Status = status
	if status < 200 || status > 299 {
		outcome.Err = logging.NewOperationError("submission.enroll", requestID, &HTTPError{Status: status, Body: string(body)})
		opLogger.Warn("enrollment rejected", zap.Int("status", status))
		return outcome
	}

	opLogger.Info("enrollment accepted",
		zap.Int("status", status),
		zap.Int("left_images", len(enrollment.Left)),
		zap.Int("right_images", len(enrollment.Right)),
		zap.Duration("elapsed", outcome.Elapsed))
	return outcome
}

func (c *Client) exchange(req *http.Request) (int, []byte, error) {
	resp, err := c.doer.Do(req)
	if err != nil {
		return 0, nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, &TransportError{Err: fmt.Errorf("read response: %w", err)}
	}
	return resp.StatusCode, body, nil
}

// parseRecognition renders the "result" scalar as text. Numbers keep their
// literal form, so 42 yields "42" and 1e3 yields "1e3".
func parseRecognition(body []byte) (string, error) {
	var resp protocol.RecognitionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return FallbackResult, fmt.Errorf("%w: %w", ErrParse, err)
	}
	if len(resp.Result) == 0 || bytes.Equal(resp.Result, []byte("null")) {
		return FallbackResult, fmt.Errorf("%w: missing result", ErrParse)
	}

	dec := json.NewDecoder(bytes.NewReader(resp.Result))
	dec.UseNumber()
	var value any
	if err := dec.Decode(&value); err != nil {
		return FallbackResult, fmt.Errorf("%w: %w", ErrParse, err)
	}
	switch v := value.(type) {
	case string:
		return v, nil
	case json.Number:
		return v.String(), nil
	case bool:
		return strconv.FormatBool(v), nil
	default:
		return FallbackResult, fmt.Errorf("%w: result is %T", ErrParse, value)
	}
}
