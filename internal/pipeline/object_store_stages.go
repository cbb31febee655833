package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path"
)

const outputPrefix = "generated"

type objectReader interface {
	ReadObject(ctx context.Context, objectKey string) ([]byte, error)
}

type objectWriter interface {
	WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error
}

type ObjectStoreFetcher struct {
	Uploads objectReader
}

func (f ObjectStoreFetcher) Fetch(ctx context.Context, req Request) ([]byte, error) {
	if f.Uploads == nil {
		return nil, errors.New("upload storage is required")
	}
	return f.Uploads.ReadObject(ctx, req.InputRef)
}

// ObjectStoreEmitter writes to a key derived only from the user and job ids,
// so a retried attempt overwrites the earlier output.
type ObjectStoreEmitter struct {
	Results objectWriter
}

func (e ObjectStoreEmitter) Emit(ctx context.Context, req Request, img Image) (string, error) {
	if e.Results == nil {
		return "", errors.New("result storage is required")
	}
	objectKey := OutputKey(req.UserID, req.JobID, img.Format)
	if err := e.Results.WriteObject(ctx, objectKey, img.Data, contentTypeForFormat(img.Format)); err != nil {
		return "", fmt.Errorf("write result: %w", err)
	}
	return objectKey, nil
}

// OutputKey returns generated/{user}/{job}.{ext}.
func OutputKey(userID, jobID, format string) string {
	return path.Join(
		outputPrefix,
		sanitizePathToken(userID),
		fmt.Sprintf("%s.%s", sanitizePathToken(jobID), normalizeOutputFormat(format)),
	)
}

func contentTypeForFormat(format string) string {
	switch normalizeOutputFormat(format) {
	case "jpeg":
		return "image/jpeg"
	case "webp":
		return "image/webp"
	default:
		return "image/png"
	}
}

func normalizeOutputFormat(format string) string {
	switch format {
	case "jpg":
		return "jpeg"
	case "jpeg", "png", "webp":
		return format
	default:
		return "png"
	}
}
