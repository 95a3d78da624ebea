package quota

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"bitwise74/asset-api/db"
	"bitwise74/asset-api/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const mb = int64(1 << 20)

func newLedger(t *testing.T, defaultMax int64) (*Ledger, *gorm.DB) {
	t.Helper()

	d, err := db.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	return NewLedger(d, defaultMax), d
}

func TestUsageWithoutRowIsSynthesized(t *testing.T) {
	l, d := newLedger(t, 10*mb)

	u, err := l.Usage(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Equal(t, int64(0), u.TotalBytes)
	assert.Equal(t, 10*mb, u.MaxBytes)
	assert.Equal(t, 10*mb, u.AvailableBytes)
	assert.Zero(t, u.Percentage)

	var count int64
	require.NoError(t, d.Model(&model.UserStorage{}).Count(&count).Error)
	assert.Zero(t, count, "Usage must not create the row")
}

func TestInitializeDoesNotReset(t *testing.T) {
	l, d := newLedger(t, 10*mb)
	ctx := context.Background()

	custom := 20 * mb
	u, err := l.Initialize(ctx, "u1", &custom)
	require.NoError(t, err)
	assert.Equal(t, custom, u.MaxBytes)

	require.NoError(t, d.Transaction(func(tx *gorm.DB) error {
		return l.RecordFileAdded(tx, "u1", 3*mb)
	}))

	u, err = l.Initialize(ctx, "u1", nil)
	require.NoError(t, err)
	assert.Equal(t, custom, u.MaxBytes)
	assert.Equal(t, 3*mb, u.TotalBytes)
	assert.Equal(t, int64(1), u.FileCount)
}

func TestInitializeConcurrentCreatesOneRow(t *testing.T) {
	l, d := newLedger(t, 10*mb)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Initialize(context.Background(), "u1", nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	var count int64
	require.NoError(t, d.Model(&model.UserStorage{}).Where("user_id = ?", "u1").Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestCheckAvailable(t *testing.T) {
	l, d := newLedger(t, 10*mb)
	ctx := context.Background()

	ok, err := l.CheckAvailable(ctx, "u1", 10*mb)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, d.Transaction(func(tx *gorm.DB) error {
		return l.RecordFileAdded(tx, "u1", 5*mb)
	}))

	ok, err = l.CheckAvailable(ctx, "u1", 5*mb)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.CheckAvailable(ctx, "u1", 6*mb)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRecordFileAddedRefusesOverCap(t *testing.T) {
	l, d := newLedger(t, 10*mb)

	require.NoError(t, d.Transaction(func(tx *gorm.DB) error {
		return l.RecordFileAdded(tx, "u1", 5*mb)
	}))

	err := d.Transaction(func(tx *gorm.DB) error {
		return l.RecordFileAdded(tx, "u1", 6*mb)
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	var qe *QuotaExceededError
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, 5*mb, qe.Usage.TotalBytes)
	assert.Equal(t, 6*mb, qe.Incoming)

	u, err := l.Usage(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 5*mb, u.TotalBytes)
	assert.Equal(t, int64(1), u.FileCount)
	assert.Equal(t, float64(50), u.Percentage)
}

func TestRecordFileAddedRollsBackWithTransaction(t *testing.T) {
	l, d := newLedger(t, 10*mb)

	boom := errors.New("insert failed")
	err := d.Transaction(func(tx *gorm.DB) error {
		if err := l.RecordFileAdded(tx, "u1", 4*mb); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	u, err := l.Usage(context.Background(), "u1")
	require.NoError(t, err)
	assert.Zero(t, u.TotalBytes)
	assert.Zero(t, u.FileCount)
}

func TestConcurrentReservationsNeverExceedCap(t *testing.T) {
	l, d := newLedger(t, 10*mb)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)

	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()

			err := d.Transaction(func(tx *gorm.DB) error {
				return l.RecordFileAdded(tx, "u1", 6*mb)
			})
			if err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
				return
			}

			assert.ErrorIs(t, err, ErrQuotaExceeded)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, accepted)

	u, err := l.Usage(context.Background(), "u1")
	require.NoError(t, err)
	assert.LessOrEqual(t, u.TotalBytes, u.MaxBytes)
	assert.Equal(t, 6*mb, u.TotalBytes)
}

func TestRecordFileRemoved(t *testing.T) {
	l, d := newLedger(t, 10*mb)

	require.NoError(t, d.Transaction(func(tx *gorm.DB) error {
		if err := l.RecordFileAdded(tx, "u1", 2*mb); err != nil {
			return err
		}
		return l.RecordFileAdded(tx, "u1", 3*mb)
	}))

	require.NoError(t, d.Transaction(func(tx *gorm.DB) error {
		return l.RecordFileRemoved(tx, "u1", 2*mb)
	}))

	u, err := l.Usage(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 3*mb, u.TotalBytes)
	assert.Equal(t, int64(1), u.FileCount)

	assert.ErrorIs(t, l.RecordFileRemoved(d, "u1", -1), ErrInvalidSize)
	assert.ErrorIs(t, l.RecordFileAdded(d, "u1", -1), ErrInvalidSize)
}

func TestUpdateQuotaKeepsUsage(t *testing.T) {
	l, d := newLedger(t, 10*mb)
	ctx := context.Background()

	require.NoError(t, d.Transaction(func(tx *gorm.DB) error {
		return l.RecordFileAdded(tx, "u1", 8*mb)
	}))

	u, err := l.UpdateQuota(ctx, "u1", 4*mb)
	require.NoError(t, err)
	assert.Equal(t, 4*mb, u.MaxBytes)
	assert.Equal(t, 8*mb, u.TotalBytes)
	assert.Zero(t, u.AvailableBytes)
	assert.Equal(t, float64(200), u.Percentage)

	u, err = l.UpdateQuota(ctx, "fresh", 1*mb)
	require.NoError(t, err)
	assert.Equal(t, 1*mb, u.MaxBytes)

	_, err = l.UpdateQuota(ctx, "u1", -5)
	assert.ErrorIs(t, err, ErrInvalidSize)
}

func TestRecomputeFixesDrift(t *testing.T) {
	l, d := newLedger(t, 10*mb)
	ctx := context.Background()

	require.NoError(t, d.Create(&model.UserFile{UserID: "u1", FileName: "a", OriginalName: "a", FileType: "image", FileSize: mb, FilePath: "u1/image/a"}).Error)
	require.NoError(t, d.Create(&model.UserFile{UserID: "u1", FileName: "b", OriginalName: "b", FileType: "image", FileSize: 2 * mb, FilePath: "u1/image/b"}).Error)
	require.NoError(t, d.Create(&model.UserFile{UserID: "u2", FileName: "c", OriginalName: "c", FileType: "image", FileSize: 7 * mb, FilePath: "u2/image/c"}).Error)

	_, err := l.Initialize(ctx, "u1", nil)
	require.NoError(t, err)

	u, err := l.Recompute(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 3*mb, u.TotalBytes)
	assert.Equal(t, int64(2), u.FileCount)
}

func TestRecomputeLocksLedgerRow(t *testing.T) {
	pg, err := gorm.Open(postgres.New(postgres.Config{DSN: "host=localhost user=test dbname=test"}), &gorm.Config{
		DryRun:               true,
		DisableAutomaticPing: true,
	})
	require.NoError(t, err)

	read := func(tx *gorm.DB) *gorm.DB {
		var row model.UserStorage
		return lockRow(tx).Where("user_id = ?", "u1").Take(&row)
	}

	assert.Contains(t, pg.ToSQL(read), "FOR UPDATE")

	_, lite := newLedger(t, 10*mb)
	assert.NotContains(t, lite.ToSQL(read), "FOR UPDATE")
}

func TestRecomputeWithConcurrentInserts(t *testing.T) {
	l, d := newLedger(t, 100*mb)
	ctx := context.Background()

	var wg sync.WaitGroup

	for i := range 10 {
		wg.Add(2)

		go func() {
			defer wg.Done()

			err := d.Transaction(func(tx *gorm.DB) error {
				if err := l.RecordFileAdded(tx, "u1", mb); err != nil {
					return err
				}

				name := fmt.Sprintf("f%d", i)
				return tx.Create(&model.UserFile{UserID: "u1", FileName: name, OriginalName: name, FileType: "image", FileSize: mb, FilePath: "u1/image/" + name}).Error
			})
			assert.NoError(t, err)
		}()

		go func() {
			defer wg.Done()

			_, err := l.Recompute(ctx, "u1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	u, err := l.Usage(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 10*mb, u.TotalBytes)
	assert.Equal(t, int64(10), u.FileCount)
}

func TestAggregateStats(t *testing.T) {
	l, d := newLedger(t, 10*mb)
	ctx := context.Background()

	agg, err := l.AggregateStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, agg.TotalUsers)
	assert.Zero(t, agg.AverageBytes)

	require.NoError(t, d.Transaction(func(tx *gorm.DB) error {
		if err := l.RecordFileAdded(tx, "u1", 2*mb); err != nil {
			return err
		}
		return l.RecordFileAdded(tx, "u2", 4*mb)
	}))

	agg, err = l.AggregateStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), agg.TotalUsers)
	assert.Equal(t, 6*mb, agg.TotalBytesUsed)
	assert.Equal(t, 20*mb, agg.TotalQuota)
	assert.Equal(t, float64(3*mb), agg.AverageBytes)
	assert.Equal(t, int64(2), agg.TotalFiles)
}
