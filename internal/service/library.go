package service

import (
	"bitwise74/asset-api/internal/model"
	"bitwise74/asset-api/internal/repository"
	"bitwise74/asset-api/internal/storage"
	"context"
	"errors"
	"os"

	"go.uber.org/zap"
)

// Library is the query and mutation surface over stored files. User routes
// pass the authenticated user's id, admin routes pass the target user's id.
type Library struct {
	files    *repository.FileRepository
	resolver *storage.Resolver
	mirror   storage.Mirror
}

func NewLibrary(files *repository.FileRepository, r *storage.Resolver, m storage.Mirror) *Library {
	if m == nil {
		m = storage.NopMirror{}
	}

	return &Library{files: files, resolver: r, mirror: m}
}

func (l *Library) List(ctx context.Context, userID string, f repository.ListFilter) ([]model.UserFile, error) {
	if f.SortBy != "" && !repository.ValidSortBy(f.SortBy) {
		return nil, validationErr("cannot sort by %q", f.SortBy)
	}

	if f.SortOrder != "" && f.SortOrder != "asc" && f.SortOrder != "desc" {
		return nil, validationErr("sort order must be asc or desc")
	}

	if f.Limit < 0 || f.Offset < 0 {
		return nil, validationErr("limit and offset must not be negative")
	}

	return l.files.List(ctx, userID, f)
}

func (l *Library) Get(ctx context.Context, id, userID string) (*model.UserFile, error) {
	return l.files.Get(ctx, id, userID)
}

// Open returns the file row and the absolute path of its content
func (l *Library) Open(ctx context.Context, id, userID string) (*model.UserFile, string, error) {
	f, err := l.files.Get(ctx, id, userID)
	if err != nil {
		return nil, "", err
	}

	abs, err := l.resolver.Abs(f.FilePath)
	if err != nil {
		return nil, "", err
	}

	return f, abs, nil
}

// Thumbnail returns the absolute path of the file's thumbnail
func (l *Library) Thumbnail(ctx context.Context, id, userID string) (string, error) {
	f, err := l.files.Get(ctx, id, userID)
	if err != nil {
		return "", err
	}

	if f.ThumbnailPath == nil {
		return "", repository.ErrNotFound
	}

	return l.resolver.Abs(*f.ThumbnailPath)
}

// Delete removes the row and releases its quota, then removes the files from
// disk and the mirror. Cleanup is best effort and never restores the row.
func (l *Library) Delete(ctx context.Context, id, userID string) (*model.UserFile, error) {
	f, err := l.files.Delete(ctx, id, userID)
	if err != nil {
		return nil, err
	}

	keys := []string{f.FilePath}

	if abs, err := l.resolver.Abs(f.FilePath); err != nil {
		zap.L().Warn("Deleted file has an invalid path", zap.String("path", f.FilePath), zap.Error(err))
	} else if err := os.Remove(abs); err != nil && !errors.Is(err, os.ErrNotExist) {
		zap.L().Warn("Failed to remove deleted file from disk",
			zap.String("user_id", userID),
			zap.String("path", f.FilePath),
			zap.Bool("inconsistency", true),
			zap.Error(err))
	}

	if f.ThumbnailPath != nil {
		keys = append(keys, *f.ThumbnailPath)

		if abs, err := l.resolver.Abs(*f.ThumbnailPath); err == nil {
			os.Remove(abs)
		}
	}

	if err := l.mirror.Delete(ctx, keys...); err != nil {
		zap.L().Warn("Failed to remove deleted file from mirror", zap.Strings("keys", keys), zap.Error(err))
	}

	return f, nil
}

func (l *Library) ToggleFavorite(ctx context.Context, id, userID string) (*model.UserFile, error) {
	return l.files.ToggleFavorite(ctx, id, userID)
}

func (l *Library) UpdateTags(ctx context.Context, id, userID string, tags []string) (*model.UserFile, error) {
	tags, err := NormalizeTags(tags)
	if err != nil {
		return nil, err
	}

	return l.files.UpdateTags(ctx, id, userID, tags)
}
