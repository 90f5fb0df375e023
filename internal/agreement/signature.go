package agreement

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// MaxSignatureBytes caps the decoded size of a drawn signature image.
const MaxSignatureBytes = 512 << 10

var ErrInvalidSignature = errors.New("signature must be a base64 png or jpeg data url")

// ParseSignature decodes a data URL produced by a signature pad and returns
// its media type and image bytes.
func ParseSignature(dataURL string) (string, []byte, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(dataURL), "data:")
	if !ok {
		return "", nil, ErrInvalidSignature
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, ErrInvalidSignature
	}
	mediaType, encoding, ok := strings.Cut(meta, ";")
	if !ok || encoding != "base64" {
		return "", nil, ErrInvalidSignature
	}
	mediaType = strings.ToLower(mediaType)
	switch mediaType {
	case "image/png", "image/jpeg", "image/jpg":
	default:
		return "", nil, ErrInvalidSignature
	}
	if base64.StdEncoding.DecodedLen(len(payload)) > MaxSignatureBytes+3 {
		return "", nil, fmt.Errorf("%w: larger than %d bytes", ErrInvalidSignature, MaxSignatureBytes)
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil || len(data) == 0 {
		return "", nil, ErrInvalidSignature
	}
	if len(data) > MaxSignatureBytes {
		return "", nil, fmt.Errorf("%w: larger than %d bytes", ErrInvalidSignature, MaxSignatureBytes)
	}
	return mediaType, data, nil
}
