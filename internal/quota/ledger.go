// Package quota keeps the per-user storage ledger. Increments and decrements
// take the caller's transaction so they commit or roll back together with the
// file row they account for.
package quota

import (
	"bitwise74/asset-api/internal/model"
	"bitwise74/asset-api/pkg/util"
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrQuotaExceeded = errors.New("storage quota exceeded")
	ErrInvalidSize   = errors.New("size must not be negative")
)

// QuotaExceededError carries the usage at the time of rejection so it can be
// shown to the user
type QuotaExceededError struct {
	Usage    Usage
	Incoming int64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("storage quota exceeded: %s of %s used, %s requested",
		util.FormatBytes(e.Usage.TotalBytes, 2),
		util.FormatBytes(e.Usage.MaxBytes, 2),
		util.FormatBytes(e.Incoming, 2))
}

func (e *QuotaExceededError) Is(target error) bool {
	return target == ErrQuotaExceeded
}

type Usage struct {
	TotalBytes     int64   `json:"totalBytes"`
	MaxBytes       int64   `json:"maxBytes"`
	FileCount      int64   `json:"fileCount"`
	Percentage     float64 `json:"percentage"`
	AvailableBytes int64   `json:"availableBytes"`
	TotalFormatted string  `json:"totalFormatted"`
	MaxFormatted   string  `json:"maxFormatted"`
}

func usageOf(s model.UserStorage) Usage {
	u := Usage{
		TotalBytes:     s.TotalBytes,
		MaxBytes:       s.MaxBytes,
		FileCount:      s.FileCount,
		AvailableBytes: max(0, s.MaxBytes-s.TotalBytes),
		TotalFormatted: util.FormatBytes(s.TotalBytes, 2),
		MaxFormatted:   util.FormatBytes(s.MaxBytes, 2),
	}

	if s.MaxBytes > 0 {
		u.Percentage = float64(s.TotalBytes) / float64(s.MaxBytes) * 100
	}

	return u
}

// Aggregate is the admin rollup over every ledger row
type Aggregate struct {
	TotalUsers     int64   `json:"totalUsers"`
	TotalBytesUsed int64   `json:"totalBytesUsed"`
	TotalQuota     int64   `json:"totalQuota"`
	AverageBytes   float64 `json:"averageBytesUsed"`
	TotalFiles     int64   `json:"totalFiles"`
}

type Ledger struct {
	db         *gorm.DB
	defaultMax int64
}

func NewLedger(db *gorm.DB, defaultMax int64) *Ledger {
	return &Ledger{db: db, defaultMax: defaultMax}
}

func (l *Ledger) DefaultMax() int64 {
	return l.defaultMax
}

// Ensure creates the user's row inside tx if it's missing. Concurrent callers
// can't create duplicates thanks to ON CONFLICT DO NOTHING.
func (l *Ledger) Ensure(tx *gorm.DB, userID string, maxBytes *int64) error {
	row := model.UserStorage{
		UserID:   userID,
		MaxBytes: l.defaultMax,
	}

	if maxBytes != nil {
		row.MaxBytes = *maxBytes
	}

	return tx.
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row).
		Error
}

// Initialize creates the ledger row if it doesn't exist yet and returns the
// current usage. An existing row keeps its cap and usage.
func (l *Ledger) Initialize(ctx context.Context, userID string, maxBytes *int64) (Usage, error) {
	if maxBytes != nil && *maxBytes < 0 {
		return Usage{}, ErrInvalidSize
	}

	if err := l.Ensure(l.db.WithContext(ctx), userID, maxBytes); err != nil {
		return Usage{}, fmt.Errorf("failed to initialize storage row, %w", err)
	}

	return l.Usage(ctx, userID)
}

// Usage returns the user's current usage. Users without a row get a zero
// snapshot against the default cap, the row is not created.
func (l *Ledger) Usage(ctx context.Context, userID string) (Usage, error) {
	return l.usage(l.db.WithContext(ctx), userID)
}

func (l *Ledger) usage(tx *gorm.DB, userID string) (Usage, error) {
	var row model.UserStorage

	err := tx.
		Where("user_id = ?", userID).
		Limit(1).
		Find(&row).
		Error
	if err != nil {
		return Usage{}, fmt.Errorf("failed to read storage row, %w", err)
	}

	if row.UserID == "" {
		return usageOf(model.UserStorage{UserID: userID, MaxBytes: l.defaultMax}), nil
	}

	return usageOf(row), nil
}

// CheckAvailable reports whether incoming bytes fit into the user's quota
// right now. It's advisory, RecordFileAdded is what enforces the cap.
func (l *Ledger) CheckAvailable(ctx context.Context, userID string, incoming int64) (bool, error) {
	u, err := l.Usage(ctx, userID)
	if err != nil {
		return false, err
	}

	return u.TotalBytes+incoming <= u.MaxBytes, nil
}

// UpdateQuota sets the user's cap without touching usage
func (l *Ledger) UpdateQuota(ctx context.Context, userID string, newMax int64) (Usage, error) {
	if newMax < 0 {
		return Usage{}, ErrInvalidSize
	}

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := l.Ensure(tx, userID, &newMax); err != nil {
			return err
		}

		return tx.
			Model(&model.UserStorage{}).
			Where("user_id = ?", userID).
			Update("max_bytes", newMax).
			Error
	})
	if err != nil {
		return Usage{}, fmt.Errorf("failed to update quota, %w", err)
	}

	return l.Usage(ctx, userID)
}

// RecordFileAdded reserves bytes and one file slot inside tx. The update only
// applies if the new total stays within the cap, so two racing uploads can't
// both get through. Returns a *QuotaExceededError otherwise.
func (l *Ledger) RecordFileAdded(tx *gorm.DB, userID string, bytes int64) error {
	if bytes < 0 {
		return ErrInvalidSize
	}

	if err := l.Ensure(tx, userID, nil); err != nil {
		return fmt.Errorf("failed to ensure storage row, %w", err)
	}

	res := tx.
		Model(&model.UserStorage{}).
		Where("user_id = ? AND total_bytes + ? <= max_bytes", userID, bytes).
		Updates(map[string]any{
			"total_bytes": gorm.Expr("total_bytes + ?", bytes),
			"file_count":  gorm.Expr("file_count + ?", 1),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to increment used storage, %w", res.Error)
	}

	if res.RowsAffected == 0 {
		u, err := l.usage(tx, userID)
		if err != nil {
			return err
		}

		return &QuotaExceededError{Usage: u, Incoming: bytes}
	}

	return nil
}

// RecordFileRemoved releases bytes and one file slot inside tx
func (l *Ledger) RecordFileRemoved(tx *gorm.DB, userID string, bytes int64) error {
	if bytes < 0 {
		return ErrInvalidSize
	}

	res := tx.
		Model(&model.UserStorage{}).
		Where("user_id = ?", userID).
		Updates(map[string]any{
			"total_bytes": gorm.Expr("total_bytes - ?", bytes),
			"file_count":  gorm.Expr("file_count - ?", 1),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to decrement used storage, %w", res.Error)
	}

	if res.RowsAffected == 0 {
		zap.L().Warn("Removed a file for a user without a storage row",
			zap.String("user_id", userID),
			zap.Bool("inconsistency", true))
	}

	return nil
}

// lockRow adds FOR UPDATE to the ledger row read. SQLite has no row locks,
// its single write transaction already excludes every other writer.
func lockRow(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "sqlite" {
		return tx
	}

	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

// Recompute rebuilds the user's totals from the live file rows. The ledger
// row is locked before the file rows are summed, so an insert racing the
// recompute waits on its own increment until the new totals are written.
func (l *Ledger) Recompute(ctx context.Context, userID string) (Usage, error) {
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := l.Ensure(tx, userID, nil); err != nil {
			return err
		}

		var row model.UserStorage
		if err := lockRow(tx).Where("user_id = ?", userID).Take(&row).Error; err != nil {
			return err
		}

		var agg struct {
			Total int64
			Count int64
		}

		err := tx.
			Model(&model.UserFile{}).
			Where("user_id = ?", userID).
			Select("COALESCE(SUM(file_size), 0) AS total, COUNT(*) AS count").
			Scan(&agg).
			Error
		if err != nil {
			return err
		}

		return tx.
			Model(&model.UserStorage{}).
			Where("user_id = ?", userID).
			Updates(map[string]any{
				"total_bytes": agg.Total,
				"file_count":  agg.Count,
			}).
			Error
	})
	if err != nil {
		return Usage{}, fmt.Errorf("failed to recompute storage usage, %w", err)
	}

	return l.Usage(ctx, userID)
}

// AggregateStats sums up every user's ledger row
func (l *Ledger) AggregateStats(ctx context.Context) (Aggregate, error) {
	var agg Aggregate

	err := l.db.
		WithContext(ctx).
		Model(&model.UserStorage{}).
		Select("COUNT(*) AS total_users, " +
			"COALESCE(SUM(total_bytes), 0) AS total_bytes_used, " +
			"COALESCE(SUM(max_bytes), 0) AS total_quota, " +
			"COALESCE(SUM(file_count), 0) AS total_files").
		Scan(&agg).
		Error
	if err != nil {
		return Aggregate{}, fmt.Errorf("failed to aggregate storage stats, %w", err)
	}

	if agg.TotalUsers > 0 {
		agg.AverageBytes = float64(agg.TotalBytesUsed) / float64(agg.TotalUsers)
	}

	return agg, nil
}
