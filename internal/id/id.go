package id

import (
	"strings"

	"github.com/google/uuid"
)

const jobPrefix = "job_"

// NewJob returns a job identifier of the form job_<12 hex chars>.
func NewJob() string {
	return jobPrefix + hexString(uuid.New())[:12]
}

// New returns a bare random identifier, used for staged upload object names.
func New() string {
	return hexString(uuid.New())
}

func hexString(u uuid.UUID) string {
	return strings.ReplaceAll(u.String(), "-", "")
}
