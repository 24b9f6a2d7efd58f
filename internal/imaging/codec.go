// Package imaging encodes ROI images for the wire and decodes captured photos.
package imaging

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/png"
	"strings"
)

// DataURIPrefix is prepended to every base64 PNG sent to the biometric server.
const DataURIPrefix = "data:image/png;base64,"

// ErrDataURIPrefix is returned when a data URI does not start with DataURIPrefix.
var ErrDataURIPrefix = errors.New("imaging: data uri missing png base64 prefix")

var pngEncoder = png.Encoder{CompressionLevel: png.DefaultCompression}

// EncodePNG losslessly encodes img. Identical input yields identical bytes.
func EncodePNG(img image.Image) ([]byte, error) {
	if img == nil {
		return nil, errors.New("imaging: nil image")
	}
	var buf bytes.Buffer
	if err := pngEncoder.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("imaging: encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// ToDataURI wraps PNG bytes in a base64 data URI.
func ToDataURI(pngBytes []byte) string {
	return DataURIPrefix + base64.StdEncoding.EncodeToString(pngBytes)
}

// EncodeDataURI is EncodePNG followed by ToDataURI.
func EncodeDataURI(img image.Image) (string, error) {
	data, err := EncodePNG(img)
	if err != nil {
		return "", err
	}
	return ToDataURI(data), nil
}

// DecodeDataURI strips DataURIPrefix and decodes the base64 payload.
// Embedded line breaks are ignored.
func DecodeDataURI(uri string) ([]byte, error) {
	payload, ok := strings.CutPrefix(uri, DataURIPrefix)
	if !ok {
		return nil, ErrDataURIPrefix
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("imaging: decode base64: %w", err)
	}
	return data, nil
}
