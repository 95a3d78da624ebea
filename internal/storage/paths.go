// Package storage maps users and files onto the on-disk asset tree and
// optionally mirrors stored assets to object storage
package storage

import (
	"bitwise74/asset-api/internal/model"
	"bitwise74/asset-api/pkg/util"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	ThumbnailDir = "thumbnails"
	dirPerm      = 0o700
	filePerm     = 0o600

	placeAttempts = 10
)

var (
	ErrOutsideRoot   = errors.New("path escapes storage root")
	ErrInvalidUserID = errors.New("invalid user id")
)

// ValidateUserID checks that userID can be used as a single directory name
// under the root
func ValidateUserID(userID string) error {
	if userID == "" || userID != filepath.Base(userID) || strings.HasPrefix(userID, ".") || strings.ContainsAny(userID, `/\`) {
		return fmt.Errorf("%w %q", ErrInvalidUserID, userID)
	}

	return nil
}

// Resolver maps (userID, fileType, filename) onto <root>/<userID>/<fileType>/<filename>.
// Apart from EnsureUserDirectories and PlaceFile it performs no I/O.
type Resolver struct {
	root string
}

func NewResolver(root string) (*Resolver, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage root, %w", err)
	}

	return &Resolver{root: filepath.Clean(abs)}, nil
}

func (r *Resolver) Root() string {
	return r.root
}

func (r *Resolver) StorageRoot(userID string) string {
	return filepath.Join(r.root, userID)
}

func (r *Resolver) FilePath(userID, fileType, filename string) string {
	return filepath.Join(r.root, userID, fileType, filename)
}

func (r *Resolver) ThumbnailDir(userID string) string {
	return filepath.Join(r.root, userID, ThumbnailDir)
}

// Rel converts an absolute path under the root into the slash separated
// form stored in the database
func (r *Resolver) Rel(abs string) (string, error) {
	rel, err := filepath.Rel(r.root, abs)
	if err != nil {
		return "", err
	}

	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrOutsideRoot
	}

	return filepath.ToSlash(rel), nil
}

// Abs converts a stored relative path back into an absolute one
func (r *Resolver) Abs(rel string) (string, error) {
	if rel == "" || filepath.IsAbs(rel) {
		return "", ErrOutsideRoot
	}

	p := filepath.Join(r.root, filepath.FromSlash(rel))
	if p != r.root && !strings.HasPrefix(p, r.root+string(filepath.Separator)) {
		return "", ErrOutsideRoot
	}

	return p, nil
}

// EnsureUserDirectories creates the user's root, one directory per file type
// and the thumbnails directory. Safe to call repeatedly and concurrently.
func (r *Resolver) EnsureUserDirectories(userID string) error {
	if err := ValidateUserID(userID); err != nil {
		return err
	}

	dirs := append([]string{}, model.FileTypes...)
	dirs = append(dirs, ThumbnailDir)

	for _, d := range dirs {
		p := filepath.Join(r.StorageRoot(userID), d)

		// MkdirAll treats an existing directory as success, which also covers
		// a concurrent request creating it first
		if err := os.MkdirAll(p, dirPerm); err != nil {
			return fmt.Errorf("failed to create directory %s, %w", p, err)
		}
	}

	return nil
}

// GenerateFileName builds the permanent name <unixMillis>-<sanitizedStem><ext>
func GenerateFileName(original string, now time.Time) string {
	return strconv.FormatInt(now.UnixMilli(), 10) + "-" + util.SanitizeStem(original) + util.SafeExt(original)
}

// PlaceFile renames the staged file into the user's fileType directory and
// returns the absolute destination. On a name collision a random suffix is
// added to the stem. The staged file is untouched if the rename fails.
//
// The name is reserved with an O_EXCL placeholder before the rename, since
// rename replaces whatever already sits at the destination.
func (r *Resolver) PlaceFile(staged, userID, fileType, original string, now time.Time) (string, error) {
	ext := util.SafeExt(original)
	base := strings.TrimSuffix(GenerateFileName(original, now), ext)

	for attempt := range placeAttempts {
		name := base + ext
		if attempt > 0 {
			name = base + "-" + util.RandStr(4) + ext
		}

		dest := r.FilePath(userID, fileType, name)

		f, err := os.OpenFile(dest, os.O_CREATE|os.O_EXCL|os.O_WRONLY, filePerm)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("failed to reserve file name, %w", err)
		}
		f.Close()

		if err := os.Rename(staged, dest); err != nil {
			os.Remove(dest)
			return "", fmt.Errorf("failed to move staged file, %w", err)
		}

		return dest, nil
	}

	return "", fmt.Errorf("no free file name for %s after %d attempts", base+ext, placeAttempts)
}
