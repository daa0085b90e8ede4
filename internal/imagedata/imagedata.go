// Package imagedata decodes base64 image payloads received from clients.
package imagedata

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrEmpty is returned when the payload carries no image data.
var ErrEmpty = errors.New("empty image payload")

// Image is a decoded frame ready to be attached to a model request.
type Image struct {
	Data     []byte
	MIMEType string
}

// StripDataURI removes a "data:<mime>;base64," header if present.
func StripDataURI(payload string) string {
	payload = strings.TrimSpace(payload)
	if !strings.HasPrefix(payload, "data:") {
		return payload
	}
	if i := strings.IndexByte(payload, ','); i >= 0 {
		return payload[i+1:]
	}
	return payload
}

// Decode strips an optional data-URI header and base64-decodes the payload.
// The MIME type is sniffed from the decoded bytes; non-image content is rejected.
func Decode(payload string) (*Image, error) {
	encoded := StripDataURI(payload)
	if encoded == "" {
		return nil, ErrEmpty
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		// Some clients send unpadded or URL-safe payloads.
		var rawErr error
		data, rawErr = base64.RawStdEncoding.DecodeString(strings.TrimRight(encoded, "="))
		if rawErr != nil {
			data, rawErr = base64.URLEncoding.DecodeString(encoded)
		}
		if rawErr != nil {
			return nil, fmt.Errorf("decode base64 image: %w", err)
		}
	}
	if len(data) == 0 {
		return nil, ErrEmpty
	}

	mime := http.DetectContentType(data)
	if !strings.HasPrefix(mime, "image/") {
		return nil, fmt.Errorf("unsupported image content type %q", mime)
	}

	return &Image{Data: data, MIMEType: mime}, nil
}
