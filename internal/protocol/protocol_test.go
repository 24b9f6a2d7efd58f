package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/example/palm-id/internal/imaging"
	"github.com/example/palm-id/internal/palm"
)

func solid(c color.RGBA) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestRecognitionBoundaryMatchesHeader(t *testing.T) {
	req, err := NewRecognitionRequest(context.Background(), "https://palm.example:5000/", solid(color.RGBA{R: 200, A: 255}))
	require.NoError(t, err)

	require.Equal(t, http.MethodPost, req.Method)
	require.Equal(t, "https://palm.example:5000/recognize_native", req.URL.String())

	mediaType, params, err := mime.ParseMediaType(req.Header.Get("Content-Type"))
	require.NoError(t, err)
	require.Equal(t, "multipart/form-data", mediaType)
	require.Equal(t, Boundary, params["boundary"])

	body, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(body, []byte("--"+Boundary+"\r\n")))
	require.True(t, bytes.HasSuffix(body, []byte("\r\n--"+Boundary+"--\r\n")))
}

func TestRecognitionPartCarriesDataURI(t *testing.T) {
	roi := solid(color.RGBA{G: 99, A: 255})
	req, err := NewRecognitionRequest(context.Background(), "https://palm.example", roi)
	require.NoError(t, err)

	_, params, err := mime.ParseMediaType(req.Header.Get("Content-Type"))
	require.NoError(t, err)
	reader := multipart.NewReader(req.Body, params["boundary"])

	part, err := reader.NextPart()
	require.NoError(t, err)
	require.Equal(t, "file", part.FormName())
	require.Equal(t, "", part.FileName())
	require.True(t, strings.HasPrefix(part.Header.Get("Content-Type"), "text/plain"))

	content, err := io.ReadAll(part)
	require.NoError(t, err)

	want, err := imaging.EncodePNG(roi)
	require.NoError(t, err)
	got, err := imaging.DecodeDataURI(string(content))
	require.NoError(t, err)
	require.Equal(t, want, got)

	_, err = reader.NextPart()
	require.ErrorIs(t, err, io.EOF)
}

func TestEnrollmentRequestShape(t *testing.T) {
	left := []palm.Print{
		palm.NewPrint(palm.SideLeft, solid(color.RGBA{R: 1, A: 255})),
		palm.NewPrint(palm.SideLeft, solid(color.RGBA{R: 2, A: 255})),
	}
	right := []palm.Print{
		palm.NewPrint(palm.SideRight, solid(color.RGBA{B: 3, A: 255})),
		palm.NewPrint(palm.SideRight, solid(color.RGBA{B: 4, A: 255})),
	}

	req, err := NewEnrollmentRequest(context.Background(), "https://palm.example", palm.EnrollmentRequest{
		Name:  "alice",
		Left:  left,
		Right: right,
	})
	require.NoError(t, err)
	require.Equal(t, "https://palm.example/register_native", req.URL.String())
	require.Equal(t, "application/json", req.Header.Get("Content-Type"))

	var raw map[string]json.RawMessage
	require.NoError(t, json.NewDecoder(req.Body).Decode(&raw))
	require.Len(t, raw, 3)
	require.Contains(t, raw, "username")
	require.Contains(t, raw, "left_images")
	require.Contains(t, raw, "right_images")

	var payload EnrollmentPayload
	body, _ := json.Marshal(raw)
	require.NoError(t, json.Unmarshal(body, &payload))
	require.Equal(t, "alice", payload.Username)
	require.Len(t, payload.LeftImages, 2)
	require.Len(t, payload.RightImages, 2)

	for i, p := range left {
		want, err := imaging.EncodeDataURI(p.Image)
		require.NoError(t, err)
		require.Equal(t, want, payload.LeftImages[i], "left image %d out of order", i)
	}
	for i, p := range right {
		want, err := imaging.EncodeDataURI(p.Image)
		require.NoError(t, err)
		require.Equal(t, want, payload.RightImages[i], "right image %d out of order", i)
	}
}

func TestEnrollmentEmptySidesEncodeAsArrays(t *testing.T) {
	payload, err := EnrollmentBody(palm.EnrollmentRequest{Name: "bob"})
	require.NoError(t, err)

	data, err := json.Marshal(payload)
	require.NoError(t, err)
	require.JSONEq(t, `{"username":"bob","left_images":[],"right_images":[]}`, string(data))
}
