package storage

import (
	"fmt"
	"strings"

	"github.com/dunamismax/portraitflow/internal/domain"
	"github.com/dunamismax/portraitflow/internal/id"
)

var uploadExtensions = map[string]string{
	"image/jpeg": "jpg",
	"image/png":  "png",
	"image/webp": "webp",
}

// UploadKey validates a staged upload request and returns the object key the
// caller must PUT to: uploads/{user}/{random}.{ext}.
func UploadKey(userID, contentType string, size, maxBytes int64) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" || strings.ContainsAny(userID, "/.") {
		return "", fmt.Errorf("%w: invalid user id", domain.ErrInvalidRequest)
	}
	ext, ok := uploadExtensions[strings.ToLower(strings.TrimSpace(contentType))]
	if !ok {
		return "", fmt.Errorf("%w: unsupported content type %q (allowed: image/jpeg, image/png, image/webp)", domain.ErrInvalidRequest, contentType)
	}
	if size <= 0 {
		return "", fmt.Errorf("%w: fileSize must be positive", domain.ErrInvalidRequest)
	}
	if maxBytes > 0 && size > maxBytes {
		return "", fmt.Errorf("%w: file exceeds %d bytes", domain.ErrInvalidRequest, maxBytes)
	}
	return fmt.Sprintf("%s%s/%s.%s", domain.UploadKeyPrefix, userID, id.New(), ext), nil
}
