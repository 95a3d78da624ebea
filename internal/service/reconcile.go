package service

import (
	"bitwise74/asset-api/internal/model"
	"bitwise74/asset-api/internal/quota"
	"bitwise74/asset-api/internal/repository"
	"bitwise74/asset-api/internal/storage"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"
)

type ReconcileConfig struct {
	// Files younger than this are skipped, they may belong to an upload in flight
	GracePeriod time.Duration
	// Delete orphaned files instead of only reporting them
	RemoveOrphans bool
	StagingDir    string
}

// Drift is a ledger row that didn't match its files
type Drift struct {
	UserID string      `json:"userId"`
	Before quota.Usage `json:"before"`
	After  quota.Usage `json:"after"`
}

type SweepReport struct {
	Users          int       `json:"users"`
	OrphanFiles    []string  `json:"orphanFiles"`
	RemovedOrphans int       `json:"removedOrphans"`
	DanglingRows   []string  `json:"danglingRows"`
	StaleStaging   int       `json:"staleStaging"`
	Drift          []Drift   `json:"drift"`
	StartedAt      time.Time `json:"startedAt"`
	Took           string    `json:"took"`
}

// Reconciler compares the storage tree against the metadata rows and
// rebuilds the quota ledger from them
type Reconciler struct {
	files    *repository.FileRepository
	ledger   *quota.Ledger
	resolver *storage.Resolver
	cfg      ReconcileConfig
	now      func() time.Time
}

func NewReconciler(files *repository.FileRepository, l *quota.Ledger, r *storage.Resolver, c ReconcileConfig) *Reconciler {
	return &Reconciler{
		files:    files,
		ledger:   l,
		resolver: r,
		cfg:      c,
		now:      time.Now,
	}
}

// Start runs Sweep every t until ctx is done
func (r *Reconciler) Start(ctx context.Context, t time.Duration) {
	ticker := time.NewTicker(t)

	zap.L().Debug("Reconciliation sweep attached", zap.Duration("tick_every", t))

	go func() {
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := r.Sweep(ctx); err != nil {
					zap.L().Error("Reconciliation sweep failed", zap.Error(err))
				}
			}
		}
	}()
}

func (r *Reconciler) Sweep(ctx context.Context) (*SweepReport, error) {
	rep := &SweepReport{
		OrphanFiles:  []string{},
		DanglingRows: []string{},
		Drift:        []Drift{},
		StartedAt:    r.now(),
	}

	users, err := r.users(ctx)
	if err != nil {
		return nil, err
	}

	for _, userID := range users {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if err := r.sweepUser(ctx, userID, rep); err != nil {
			return nil, fmt.Errorf("failed to reconcile user %s, %w", userID, err)
		}

		rep.Users++
	}

	if err := r.sweepStaging(rep); err != nil {
		zap.L().Warn("Failed to clean staging directory", zap.Error(err))
	}

	rep.Took = r.now().Sub(rep.StartedAt).String()

	zap.L().Info("Reconciliation sweep finished",
		zap.Int("users", rep.Users),
		zap.Int("orphans", len(rep.OrphanFiles)),
		zap.Int("removed_orphans", rep.RemovedOrphans),
		zap.Int("dangling_rows", len(rep.DanglingRows)),
		zap.Int("stale_staging", rep.StaleStaging),
		zap.Int("drift", len(rep.Drift)))

	return rep, nil
}

// users returns everyone with a row in either table or a directory on disk
func (r *Reconciler) users(ctx context.Context) ([]string, error) {
	ids, err := r.files.UserIDs(ctx)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(r.resolver.Root())
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read storage root, %w", err)
	}

	stagingAbs, _ := filepath.Abs(r.cfg.StagingDir)

	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() || strings.HasPrefix(name, ".") || slices.Contains(ids, name) {
			continue
		}

		if r.cfg.StagingDir != "" && filepath.Join(r.resolver.Root(), name) == stagingAbs {
			continue
		}

		ids = append(ids, name)
	}

	slices.Sort(ids)
	return ids, nil
}

func (r *Reconciler) sweepUser(ctx context.Context, userID string, rep *SweepReport) error {
	files, thumbs, err := r.files.StoredPaths(ctx, userID)
	if err != nil {
		return err
	}

	dirs := append(slices.Clone(model.FileTypes), storage.ThumbnailDir)
	cutoff := r.now().Add(-r.cfg.GracePeriod)

	for _, dir := range dirs {
		abs := filepath.Join(r.resolver.StorageRoot(userID), dir)

		entries, err := os.ReadDir(abs)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}

			return fmt.Errorf("failed to read %s, %w", abs, err)
		}

		for _, e := range entries {
			if !e.Type().IsRegular() {
				continue
			}

			rel := path.Join(userID, dir, e.Name())

			known := files
			if dir == storage.ThumbnailDir {
				known = thumbs
			}

			if _, ok := known[rel]; ok {
				continue
			}

			info, err := e.Info()
			if err != nil || info.ModTime().After(cutoff) {
				continue
			}

			rep.OrphanFiles = append(rep.OrphanFiles, rel)

			if !r.cfg.RemoveOrphans {
				zap.L().Warn("Found orphaned file", zap.String("path", rel), zap.Bool("inconsistency", true))
				continue
			}

			if err := os.Remove(filepath.Join(abs, e.Name())); err != nil {
				zap.L().Warn("Failed to remove orphaned file", zap.String("path", rel), zap.Error(err))
				continue
			}

			rep.RemovedOrphans++
		}
	}

	for rel, id := range files {
		abs, err := r.resolver.Abs(rel)
		if err == nil {
			_, err = os.Stat(abs)
		}

		if err != nil {
			rep.DanglingRows = append(rep.DanglingRows, id)
			zap.L().Warn("File row points at a missing file",
				zap.String("user_id", userID),
				zap.String("file_id", id),
				zap.String("path", rel),
				zap.Bool("inconsistency", true))
		}
	}

	before, err := r.ledger.Usage(ctx, userID)
	if err != nil {
		return err
	}

	// Users that only have a directory don't get a ledger row
	if len(files) == 0 && before.FileCount == 0 && before.TotalBytes == 0 {
		return nil
	}

	after, err := r.ledger.Recompute(ctx, userID)
	if err != nil {
		return err
	}

	if before.TotalBytes != after.TotalBytes || before.FileCount != after.FileCount {
		rep.Drift = append(rep.Drift, Drift{UserID: userID, Before: before, After: after})

		zap.L().Warn("Storage ledger drifted from file rows",
			zap.String("user_id", userID),
			zap.Int64("before_bytes", before.TotalBytes),
			zap.Int64("after_bytes", after.TotalBytes),
			zap.Int64("before_files", before.FileCount),
			zap.Int64("after_files", after.FileCount),
			zap.Bool("inconsistency", true))
	}

	return nil
}

// sweepStaging removes staged uploads older than the grace period
func (r *Reconciler) sweepStaging(rep *SweepReport) error {
	if r.cfg.StagingDir == "" {
		return nil
	}

	entries, err := os.ReadDir(r.cfg.StagingDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}

		return err
	}

	cutoff := r.now().Add(-r.cfg.GracePeriod)

	for _, e := range entries {
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}

		if err := os.RemoveAll(filepath.Join(r.cfg.StagingDir, e.Name())); err != nil {
			zap.L().Warn("Failed to remove stale staged upload", zap.String("name", e.Name()), zap.Error(err))
			continue
		}

		rep.StaleStaging++
	}

	return nil
}
