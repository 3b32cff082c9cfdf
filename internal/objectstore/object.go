// Package objectstore is a small blob-style document store: objects live in
// named containers on the local filesystem, are served over HTTP, and every
// successful write or delete is announced on Kafka.
package objectstore

import (
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/docflow/pkg/errors"
)

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Container   string    `json:"container"`
	Name        string    `json:"name"`
	ContentType string    `json:"contentType"`
	Size        int64     `json:"size"`
	SHA256      string    `json:"sha256"`
	ModifiedAt  time.Time `json:"modifiedAt"`
}

// FileName is the last path segment of the object name.
func (o ObjectInfo) FileName() string {
	return path.Base(o.Name)
}

// Object is an object's metadata together with its content.
type Object struct {
	Info    ObjectInfo
	Content []byte
}

var containerPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,62}$`)

// ValidateContainer checks a container name: lower-case letters, digits and
// dashes, 2 to 63 characters.
func ValidateContainer(container string) error {
	if !containerPattern.MatchString(container) {
		return apperrors.Newf(apperrors.ErrInvalidInput, 400, "invalid container name %q", container)
	}
	return nil
}

// ValidateName rejects object names that could escape the container or
// collide with temporary files.
func ValidateName(name string) error {
	switch {
	case name == "", len(name) > 1024:
		return apperrors.Newf(apperrors.ErrInvalidInput, 400, "invalid object name length")
	case strings.HasPrefix(name, "/"), strings.Contains(name, "\\"), strings.ContainsRune(name, 0):
		return apperrors.Newf(apperrors.ErrInvalidInput, 400, "invalid object name %q", name)
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == "" || seg == "." || seg == ".." || strings.HasPrefix(seg, ".tmp-") {
			return apperrors.Newf(apperrors.ErrInvalidInput, 400, "invalid object name %q", name)
		}
	}
	return nil
}

var contentTypes = map[string]string{
	"pdf":  "application/pdf",
	"png":  "image/png",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"tiff": "image/tiff",
	"tif":  "image/tiff",
	"bmp":  "image/bmp",
	"docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
}

// ContentTypeFor maps a file extension to the MIME type sent to the
// extraction service.
func ContentTypeFor(name string) string {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(name), "."))
	if ct, ok := contentTypes[ext]; ok {
		return ct
	}
	return "application/octet-stream"
}

func objectRef(container, name string) string {
	return fmt.Sprintf("%s/%s", container, name)
}
