// Package repository is the metadata store for stored assets
package repository

import (
	"bitwise74/asset-api/internal/model"
	"bitwise74/asset-api/internal/quota"
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

var ErrNotFound = errors.New("file not found")

const (
	DefaultLimit = 50
	MaxLimit     = 250
)

// Sortable columns, keyed by the name clients use
var sortColumns = map[string]string{
	"uploadDate":   "upload_date",
	"createdAt":    "created_at",
	"fileName":     "file_name",
	"originalName": "original_name",
	"fileSize":     "file_size",
	"fileType":     "file_type",
	"isFavorite":   "is_favorite",
}

// ListFilter narrows List. Every set field is ANDed together, the set fields
// (Tags, UsageTags, CharacterNames) match rows containing any of the values.
type ListFilter struct {
	FileType       string
	PackageName    string
	AssetCategory  string
	AudioCategory  string
	IsFavorite     *bool
	Tags           []string
	UsageTags      []string
	CharacterNames []string

	SortBy    string
	SortOrder string
	Limit     int
	Offset    int
}

// ValidSortBy reports whether s names a sortable column
func ValidSortBy(s string) bool {
	_, ok := sortColumns[s]
	return ok
}

// FileRepository persists UserFile rows. Insert and Delete keep the quota
// ledger in the same transaction, there is no other way to add or remove rows.
type FileRepository struct {
	db     *gorm.DB
	ledger *quota.Ledger
}

func NewFileRepository(db *gorm.DB, ledger *quota.Ledger) *FileRepository {
	return &FileRepository{db: db, ledger: ledger}
}

// Insert creates the row and reserves its size in the user's quota. If the
// reservation would overflow the cap nothing is written and a
// *quota.QuotaExceededError is returned.
func (r *FileRepository) Insert(ctx context.Context, f *model.UserFile) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := r.ledger.RecordFileAdded(tx, f.UserID, f.FileSize); err != nil {
			return err
		}

		if err := tx.Create(f).Error; err != nil {
			return fmt.Errorf("failed to save file record, %w", err)
		}

		return nil
	})
}

func (r *FileRepository) List(ctx context.Context, userID string, f ListFilter) ([]model.UserFile, error) {
	q := r.db.
		WithContext(ctx).
		Where("user_id = ?", userID)

	if f.FileType != "" {
		q = q.Where("file_type = ?", f.FileType)
	}
	if f.PackageName != "" {
		q = q.Where("package_name = ?", f.PackageName)
	}
	if f.AssetCategory != "" {
		q = q.Where("asset_category = ?", f.AssetCategory)
	}
	if f.AudioCategory != "" {
		q = q.Where("audio_category = ?", f.AudioCategory)
	}
	if f.IsFavorite != nil {
		q = q.Where("is_favorite = ?", *f.IsFavorite)
	}

	q = containsAny(q, "tags", f.Tags)
	q = containsAny(q, "usage_tags", f.UsageTags)
	q = containsAny(q, "character_names", f.CharacterNames)

	col, ok := sortColumns[f.SortBy]
	if !ok {
		col = "upload_date"
	}

	dir := "desc"
	if strings.EqualFold(f.SortOrder, "asc") {
		dir = "asc"
	}

	limit := f.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	limit = min(limit, MaxLimit)

	var files []model.UserFile

	err := q.
		Order(col + " " + dir).
		Order("id").
		Offset(max(0, f.Offset)).
		Limit(limit).
		Find(&files).
		Error
	if err != nil {
		return nil, fmt.Errorf("failed to list files, %w", err)
	}

	return files, nil
}

// containsAny matches rows whose comma joined column holds at least one of values
func containsAny(q *gorm.DB, column string, values []string) *gorm.DB {
	if len(values) == 0 {
		return q
	}

	conds := make([]string, 0, len(values))
	args := make([]any, 0, len(values))

	for _, v := range values {
		conds = append(conds, "(',' || "+column+" || ',') LIKE ? ESCAPE '\\'")
		args = append(args, "%,"+escapeLike(v)+",%")
	}

	return q.Where("("+strings.Join(conds, " OR ")+")", args...)
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// Get returns the file only if userID owns it
func (r *FileRepository) Get(ctx context.Context, id, userID string) (*model.UserFile, error) {
	return r.get(r.db.WithContext(ctx), id, userID)
}

func (r *FileRepository) get(tx *gorm.DB, id, userID string) (*model.UserFile, error) {
	var f model.UserFile

	err := tx.
		Where("id = ? AND user_id = ?", id, userID).
		First(&f).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("failed to fetch file, %w", err)
	}

	return &f, nil
}

// Delete removes the row and releases its quota, returning what was deleted so
// the caller can clean up the physical files
func (r *FileRepository) Delete(ctx context.Context, id, userID string) (*model.UserFile, error) {
	var deleted *model.UserFile

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		f, err := r.get(tx, id, userID)
		if err != nil {
			return err
		}

		res := tx.
			Where("id = ? AND user_id = ?", id, userID).
			Delete(&model.UserFile{})
		if res.Error != nil {
			return fmt.Errorf("failed to delete file record, %w", res.Error)
		}

		// Lost a race with another delete of the same row
		if res.RowsAffected == 0 {
			return ErrNotFound
		}

		if err := r.ledger.RecordFileRemoved(tx, userID, f.FileSize); err != nil {
			return err
		}

		deleted = f
		return nil
	})
	if err != nil {
		return nil, err
	}

	return deleted, nil
}

// ToggleFavorite flips the favorite flag in a single statement and returns the updated row
func (r *FileRepository) ToggleFavorite(ctx context.Context, id, userID string) (*model.UserFile, error) {
	var f *model.UserFile

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.
			Model(&model.UserFile{}).
			Where("id = ? AND user_id = ?", id, userID).
			Update("is_favorite", gorm.Expr("NOT is_favorite"))
		if res.Error != nil {
			return fmt.Errorf("failed to toggle favorite, %w", res.Error)
		}

		if res.RowsAffected == 0 {
			return ErrNotFound
		}

		var err error
		f, err = r.get(tx, id, userID)
		return err
	})
	if err != nil {
		return nil, err
	}

	return f, nil
}

// UpdateTags replaces the file's tag set
func (r *FileRepository) UpdateTags(ctx context.Context, id, userID string, tags []string) (*model.UserFile, error) {
	var f *model.UserFile

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.
			Model(&model.UserFile{}).
			Where("id = ? AND user_id = ?", id, userID).
			Update("tags", model.StringSlice(tags))
		if res.Error != nil {
			return fmt.Errorf("failed to update tags, %w", res.Error)
		}

		if res.RowsAffected == 0 {
			return ErrNotFound
		}

		var err error
		f, err = r.get(tx, id, userID)
		return err
	})
	if err != nil {
		return nil, err
	}

	return f, nil
}

// StoredPaths returns every file and thumbnail path recorded for the user,
// keyed by path with the owning row id as value
func (r *FileRepository) StoredPaths(ctx context.Context, userID string) (files map[string]string, thumbs map[string]string, err error) {
	var rows []struct {
		ID            string
		FilePath      string
		ThumbnailPath *string
	}

	err = r.db.
		WithContext(ctx).
		Model(&model.UserFile{}).
		Where("user_id = ?", userID).
		Select("id", "file_path", "thumbnail_path").
		Find(&rows).
		Error
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list stored paths, %w", err)
	}

	files = make(map[string]string, len(rows))
	thumbs = make(map[string]string, len(rows))

	for _, row := range rows {
		files[row.FilePath] = row.ID
		if row.ThumbnailPath != nil {
			thumbs[*row.ThumbnailPath] = row.ID
		}
	}

	return files, thumbs, nil
}

// UserIDs returns every user that has either a file row or a ledger row
func (r *FileRepository) UserIDs(ctx context.Context) ([]string, error) {
	var fromFiles, fromLedger []string

	db := r.db.WithContext(ctx)

	if err := db.Model(&model.UserFile{}).Distinct().Pluck("user_id", &fromFiles).Error; err != nil {
		return nil, fmt.Errorf("failed to list file owners, %w", err)
	}

	if err := db.Model(&model.UserStorage{}).Pluck("user_id", &fromLedger).Error; err != nil {
		return nil, fmt.Errorf("failed to list ledger users, %w", err)
	}

	seen := make(map[string]struct{}, len(fromFiles)+len(fromLedger))
	out := make([]string, 0, len(fromFiles)+len(fromLedger))

	for _, id := range append(fromFiles, fromLedger...) {
		if _, ok := seen[id]; ok {
			continue
		}

		seen[id] = struct{}{}
		out = append(out, id)
	}

	return out, nil
}
