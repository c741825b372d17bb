package paths

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"go-civitai-daemon/internal/helpers"
	"go-civitai-daemon/internal/models"
)

// ErrInvalidFilename is returned when a job's filename cannot be used as a single path segment.
var ErrInvalidFilename = errors.New("invalid target filename")

// ErrOutsideRoot is returned when a resolved path would escape the download root.
var ErrOutsideRoot = errors.New("resolved path escapes download root")

// Destination resolves <root>/<category>/<filename> for a job.
// The category is sanitised into one segment; the filename must already be one.
func Destination(root string, job *models.Job) (string, error) {
	filename := strings.TrimSpace(job.Filename)
	if filename == "" || filename == "." || filename == ".." ||
		strings.ContainsAny(filename, `/\`) || strings.ContainsRune(filename, 0) {
		return "", fmt.Errorf("%w: %q", ErrInvalidFilename, job.Filename)
	}

	category := helpers.SanitizeSegment(job.Category, models.DefaultCategory)
	dest := filepath.Join(root, category, filename)

	rel, err := filepath.Rel(root, dest)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, dest)
	}
	return dest, nil
}

// CategoryDir returns the directory a job's file lands in.
func CategoryDir(root string, job *models.Job) string {
	return filepath.Join(root, helpers.SanitizeSegment(job.Category, models.DefaultCategory))
}
