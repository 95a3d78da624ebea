// Package validators checks client input before it reaches the upload pipeline
package validators

import (
	"errors"
	"fmt"
	"mime"
	"mime/multipart"
	"net/http"
	"slices"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

var (
	ErrFileTooLarge        = errors.New("file too large")
	ErrFileNameTooLong     = errors.New("file name is too long")
	ErrFileTypeUnsupported = errors.New("unsupported file type")
	ErrNoFile              = errors.New("no file provided")
	ErrTooManyFiles        = errors.New("too many files")
)

const (
	maxFileNameSize = 255

	DefaultMaxFileSize = 2 << 30
	DefaultMaxFiles    = 100
)

// DefaultAllowedTypes covers the common video, image and audio formats plus
// the containers scene and project files are usually shipped in
var DefaultAllowedTypes = []string{
	"video/mp4", "video/webm", "video/quicktime", "video/x-msvideo", "video/x-matroska", "video/mpeg", "video/ogg",
	"image/jpeg", "image/png", "image/gif", "image/webp", "image/svg+xml", "image/bmp", "image/tiff", "image/avif",
	"audio/mpeg", "audio/mp3", "audio/wav", "audio/x-wav", "audio/wave", "audio/ogg", "audio/webm", "audio/aac",
	"audio/flac", "audio/x-flac", "audio/mp4", "audio/x-m4a",
	"application/json", "application/zip",
}

// UploadValidator enforces the limits applied to every uploaded part
type UploadValidator struct {
	MaxFileSize  int64
	MaxFiles     int
	AllowedTypes []string
}

func NewUploadValidator(maxFileSize int64, maxFiles int, allowed []string) *UploadValidator {
	if maxFileSize <= 0 {
		maxFileSize = DefaultMaxFileSize
	}

	if maxFiles <= 0 {
		maxFiles = DefaultMaxFiles
	}

	if len(allowed) == 0 {
		allowed = DefaultAllowedTypes
	}

	normalized := make([]string, 0, len(allowed))
	for _, a := range allowed {
		if a = strings.ToLower(strings.TrimSpace(a)); a != "" {
			normalized = append(normalized, a)
		}
	}

	return &UploadValidator{
		MaxFileSize:  maxFileSize,
		MaxFiles:     maxFiles,
		AllowedTypes: normalized,
	}
}

// ValidateCount checks the number of parts in a batch
func (v *UploadValidator) ValidateCount(n int) (int, error) {
	if n == 0 {
		return http.StatusBadRequest, ErrNoFile
	}

	if n > v.MaxFiles {
		return http.StatusBadRequest, fmt.Errorf("%w, at most %d per upload", ErrTooManyFiles, v.MaxFiles)
	}

	return 0, nil
}

// Allowed reports whether the MIME type is on the allow list. Entries ending
// in "/*" allow the whole top level type.
func (v *UploadValidator) Allowed(mimeType string) bool {
	for _, a := range v.AllowedTypes {
		if prefix, ok := strings.CutSuffix(a, "/*"); ok {
			if strings.HasPrefix(mimeType, prefix+"/") {
				return true
			}

			continue
		}

		if a == mimeType {
			return true
		}
	}

	return false
}

// Validate checks a single part and returns its MIME type. The declared
// Content-Type is used unless it's missing or generic, then the content is
// sniffed instead.
func (v *UploadValidator) Validate(fh *multipart.FileHeader) (string, int, error) {
	if fh == nil {
		return "", http.StatusBadRequest, ErrNoFile
	}

	if len(fh.Filename) > maxFileNameSize {
		return "", http.StatusBadRequest, ErrFileNameTooLong
	}

	if fh.Size > v.MaxFileSize {
		return "", http.StatusRequestEntityTooLarge, ErrFileTooLarge
	}

	mimeType := normalizeMIME(fh.Header.Get("Content-Type"))

	if isGeneric(mimeType) {
		f, err := fh.Open()
		if err != nil {
			return "", http.StatusInternalServerError, err
		}
		defer f.Close()

		detected, err := mimetype.DetectReader(f)
		if err != nil {
			return "", http.StatusInternalServerError, err
		}

		mimeType = normalizeMIME(detected.String())
	}

	if !v.Allowed(mimeType) {
		return "", http.StatusBadRequest, fmt.Errorf("%w %q", ErrFileTypeUnsupported, mimeType)
	}

	return mimeType, 0, nil
}

func normalizeMIME(s string) string {
	if s == "" {
		return ""
	}

	mt, _, err := mime.ParseMediaType(s)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(s))
	}

	return mt
}

func isGeneric(mimeType string) bool {
	return slices.Contains([]string{"", "application/octet-stream", "binary/octet-stream"}, mimeType)
}
