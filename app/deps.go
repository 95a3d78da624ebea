package app

import (
	"bitwise74/asset-api/db"
	"bitwise74/asset-api/internal"
	"bitwise74/asset-api/internal/quota"
	"bitwise74/asset-api/internal/repository"
	"bitwise74/asset-api/internal/service"
	"bitwise74/asset-api/internal/storage"
	"bitwise74/asset-api/pkg/validators"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	gray  = "\x1b[90m"
	reset = "\x1b[0m"
)

// MakeLogger replaces the global zap logger with a colored development
// logger at app.log_level
func MakeLogger() error {
	level, err := zapcore.ParseLevel(viper.GetString("app.log_level"))
	if err != nil {
		return err
	}

	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cfg.EncoderConfig.EncodeTime = func(t time.Time, pae zapcore.PrimitiveArrayEncoder) {
		pae.AppendString(gray + t.Format("15:04:05.000") + reset)
	}
	cfg.EncoderConfig.EncodeCaller = func(ec zapcore.EntryCaller, pae zapcore.PrimitiveArrayEncoder) {
		pae.AppendString(gray + ec.TrimmedPath() + reset)
	}

	cfg.DisableStacktrace = true

	log, err := cfg.Build()
	if err != nil {
		return err
	}

	zap.ReplaceGlobals(log)
	return nil
}

// NewDeps builds everything the handlers need from the loaded config. The
// returned function stops the background workers.
func NewDeps(ctx context.Context) (*internal.Deps, func(), error) {
	d := &internal.Deps{
		StagingDir: viper.GetString("storage.staging_dir"),
	}

	gdb, err := db.New()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize database, %w", err)
	}
	d.DB = gdb

	d.Resolver, err = storage.NewResolver(viper.GetString("storage.root"))
	if err != nil {
		return nil, nil, err
	}

	if err := os.MkdirAll(d.StagingDir, 0o700); err != nil {
		return nil, nil, fmt.Errorf("failed to create staging directory, %w", err)
	}

	d.Mirror = storage.NopMirror{}
	if viper.GetBool("mirror.enabled") {
		m, err := storage.NewS3Mirror(ctx, storage.S3Config{
			Region:    viper.GetString("aws.region"),
			Bucket:    viper.GetString("aws.bucket"),
			AccessKey: viper.GetString("aws.access_key"),
			SecretKey: viper.GetString("aws.secret_access_key"),
			Endpoint:  viper.GetString("aws.endpoint"),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize S3 mirror, %w", err)
		}

		d.Mirror = m
	}

	d.Ledger = quota.NewLedger(gdb, viper.GetInt64("storage.default_quota"))
	d.Files = repository.NewFileRepository(gdb, d.Ledger)

	d.JobQueue = service.NewJobQueue(service.QueueConfig{
		Binary:  viper.GetString("ffmpeg.path"),
		Workers: viper.GetInt("ffmpeg.workers"),
		MaxJobs: viper.GetInt("ffmpeg.max_jobs"),
		HWAccel: viper.GetString("ffmpeg.hwaccel"),
	})

	deriver := service.NewMediaDeriver(d.Resolver, d.JobQueue, service.Prober{
		Binary:  viper.GetString("ffmpeg.ffprobe_path"),
		Timeout: viper.GetDuration("ffmpeg.timeout"),
	}, viper.GetDuration("ffmpeg.timeout"))

	d.Pipeline = service.NewPipeline(d.Resolver, d.Ledger, d.Files, deriver, d.Mirror, viper.GetInt("upload.concurrency"))
	d.Library = service.NewLibrary(d.Files, d.Resolver, d.Mirror)

	d.Reconciler = service.NewReconciler(d.Files, d.Ledger, d.Resolver, service.ReconcileConfig{
		GracePeriod:   viper.GetDuration("reconcile.grace_period"),
		RemoveOrphans: viper.GetBool("reconcile.remove_orphans"),
		StagingDir:    d.StagingDir,
	})

	d.Validator = validators.NewUploadValidator(
		viper.GetInt64("upload.max_size"),
		viper.GetInt("upload.max_files"),
		viper.GetStringSlice("upload.allowed_types"),
	)

	d.JobQueue.StartWorkerPool()

	sweepCtx, cancel := context.WithCancel(ctx)
	if every := viper.GetDuration("reconcile.interval"); every > 0 {
		d.Reconciler.Start(sweepCtx, every)
	}

	stop := func() {
		cancel()
		d.JobQueue.Abort()

		if sqlDB, err := gdb.DB(); err == nil {
			sqlDB.Close()
		}
	}

	return d, stop, nil
}
