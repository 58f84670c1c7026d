package donutupload

import (
	"strings"

	"github.com/google/uuid"
)

// NewUploadID returns a random id for a new upload.
func NewUploadID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
