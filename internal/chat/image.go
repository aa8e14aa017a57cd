package chat

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
)

// MaxImageBytes is the largest image accepted for a chat turn.
const MaxImageBytes = 5 << 20 // 5MB

var (
	// ErrImageTooLarge is returned for images over MaxImageBytes.
	ErrImageTooLarge = errors.New("image exceeds size limit")
	// ErrUnsupportedImageType is returned for content outside the allow-list.
	ErrUnsupportedImageType = errors.New("unsupported image type")
)

var allowedImageTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
	"image/gif":  true,
}

// EncodeImageDataURI validates raw image bytes and encodes them as a
// self-describing data URI. Validation failures happen before any encoding
// and must never reach the network.
func EncodeImageDataURI(data []byte) (string, error) {
	if len(data) == 0 {
		return "", errors.New("empty image")
	}
	if len(data) > MaxImageBytes {
		return "", fmt.Errorf("%w: %d bytes (limit %d)", ErrImageTooLarge, len(data), MaxImageBytes)
	}

	mimeType := http.DetectContentType(data)
	if !allowedImageTypes[mimeType] {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedImageType, mimeType)
	}

	return fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(data)), nil
}
