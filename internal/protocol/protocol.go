// Package protocol builds the HTTP requests understood by the biometric server.
package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/example/palm-id/internal/imaging"
	"github.com/example/palm-id/internal/palm"
)

const (
	RecognizePath = "/recognize_native"
	RegisterPath  = "/register_native"

	// Boundary frames the recognition multipart body. The server expects this
	// exact value; the header and the writer are both derived from it.
	Boundary = "1d78c868-e5b2-40c4-8a92-653584190dd3"

	MultipartContentType = "multipart/form-data; boundary=" + Boundary
	JSONContentType      = "application/json"

	filePartName        = "file"
	filePartContentType = "text/plain; charset=utf-8"
)

// EnrollmentPayload is the JSON body of a registration request.
type EnrollmentPayload struct {
	Username    string   `json:"username"`
	LeftImages  []string `json:"left_images"`
	RightImages []string `json:"right_images"`
}

// RecognitionResponse is the JSON body returned by the recognition endpoint.
// Result is kept raw: servers answer with a string, a number or a boolean.
type RecognitionResponse struct {
	Result json.RawMessage `json:"result"`
}

// RecognitionBody encodes roi into the multipart body of a recognition request.
func RecognitionBody(roi image.Image) ([]byte, error) {
	uri, err := imaging.EncodeDataURI(roi)
	if err != nil {
		return nil, err
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	if err := writer.SetBoundary(Boundary); err != nil {
		return nil, fmt.Errorf("protocol: set boundary: %w", err)
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q`, filePartName))
	header.Set("Content-Type", filePartContentType)
	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, fmt.Errorf("protocol: create part: %w", err)
	}
	if _, err := part.Write([]byte(uri)); err != nil {
		return nil, fmt.Errorf("protocol: write part: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("protocol: close multipart: %w", err)
	}
	return body.Bytes(), nil
}

// NewRecognitionRequest builds POST {baseURL}/recognize_native for a single ROI.
func NewRecognitionRequest(ctx context.Context, baseURL string, roi image.Image) (*http.Request, error) {
	body, err := RecognitionBody(roi)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint(baseURL, RecognizePath), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("protocol: new recognition request: %w", err)
	}
	req.Header.Set("Content-Type", MultipartContentType)
	return req, nil
}

// EnrollmentBody converts a buffer snapshot into its wire form.
// Image order within each side is preserved.
func EnrollmentBody(req palm.EnrollmentRequest) (EnrollmentPayload, error) {
	left, err := encodeAll(req.Left)
	if err != nil {
		return EnrollmentPayload{}, fmt.Errorf("protocol: encode left images: %w", err)
	}
	right, err := encodeAll(req.Right)
	if err != nil {
		return EnrollmentPayload{}, fmt.Errorf("protocol: encode right images: %w", err)
	}
	return EnrollmentPayload{
		Username:    req.Name,
		LeftImages:  left,
		RightImages: right,
	}, nil
}

// NewEnrollmentRequest builds POST {baseURL}/register_native.
func NewEnrollmentRequest(ctx context.Context, baseURL string, enrollment palm.EnrollmentRequest) (*http.Request, error) {
	payload, err := EnrollmentBody(enrollment)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal enrollment: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint(baseURL, RegisterPath), bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("protocol: new enrollment request: %w", err)
	}
	req.Header.Set("Content-Type", JSONContentType)
	return req, nil
}

func encodeAll(prints []palm.Print) ([]string, error) {
	out := make([]string, 0, len(prints))
	for i, p := range prints {
		uri, err := imaging.EncodeDataURI(p.Image)
		if err != nil {
			return nil, fmt.Errorf("image %d: %w", i, err)
		}
		out = append(out, uri)
	}
	return out, nil
}

func endpoint(baseURL, path string) string {
	return strings.TrimRight(baseURL, "/") + path
}
