// Package service contains the upload pipeline and the background
// processing around stored assets
package service

import (
	"bitwise74/asset-api/internal/model"
	"bitwise74/asset-api/internal/storage"
	"bitwise74/asset-api/pkg/util"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/disintegration/imaging"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"go.uber.org/zap"

	// Registers the webp decoder with image.Decode
	_ "golang.org/x/image/webp"
)

const (
	ThumbWidth   = 400
	ThumbHeight  = 225
	ThumbQuality = 80

	// Seconds into a video the thumbnail frame is taken from
	frameOffset = 2.0
)

// Derived holds what could be extracted from a stored file. Fields are nil
// when derivation failed or doesn't apply to the file type.
type Derived struct {
	ThumbnailPath *string
	Resolution    *string

	// Set for videos, read while picking the thumbnail frame
	Duration        *string
	DurationSeconds float64
}

type Deriver interface {
	// Derive creates the thumbnail and reads the resolution of an image or
	// video. A partial result is returned alongside any error.
	Derive(ctx context.Context, absPath, userID, fileType string) (Derived, error)
	// Duration returns the formatted duration and the raw seconds
	Duration(ctx context.Context, absPath string) (*string, float64, error)
}

type MediaDeriver struct {
	resolver *storage.Resolver
	queue    *JobQueue
	probe    Prober
	timeout  time.Duration
}

// NewMediaDeriver uses queue for video frame extraction, each extraction is
// bounded by timeout when it's positive
func NewMediaDeriver(r *storage.Resolver, queue *JobQueue, probe Prober, timeout time.Duration) *MediaDeriver {
	return &MediaDeriver{
		resolver: r,
		queue:    queue,
		probe:    probe,
		timeout:  timeout,
	}
}

func (m *MediaDeriver) Derive(ctx context.Context, absPath, userID, fileType string) (Derived, error) {
	switch fileType {
	case model.FileTypeImage:
		return m.deriveImage(absPath, userID)
	case model.FileTypeVideo:
		return m.deriveVideo(ctx, absPath, userID)
	default:
		return Derived{}, nil
	}
}

func (m *MediaDeriver) thumbnailDest(userID string) (string, error) {
	id, err := gonanoid.New()
	if err != nil {
		return "", fmt.Errorf("failed to generate thumbnail name, %w", err)
	}

	return filepath.Join(m.resolver.ThumbnailDir(userID), id+".jpg"), nil
}

func (m *MediaDeriver) deriveImage(absPath, userID string) (Derived, error) {
	var d Derived

	img, err := imaging.Open(absPath, imaging.AutoOrientation(true))
	if err != nil {
		return d, fmt.Errorf("failed to decode image, %w", err)
	}

	b := img.Bounds()
	res := fmt.Sprintf("%dx%d", b.Dx(), b.Dy())
	d.Resolution = &res

	dest, err := m.thumbnailDest(userID)
	if err != nil {
		return d, err
	}

	thumb := imaging.Fill(img, ThumbWidth, ThumbHeight, imaging.Center, imaging.Lanczos)

	if err := imaging.Save(thumb, dest, imaging.JPEGQuality(ThumbQuality)); err != nil {
		os.Remove(dest)
		return d, fmt.Errorf("failed to write thumbnail, %w", err)
	}

	rel, err := m.resolver.Rel(dest)
	if err != nil {
		os.Remove(dest)
		return d, err
	}

	d.ThumbnailPath = &rel
	return d, nil
}

func (m *MediaDeriver) deriveVideo(ctx context.Context, absPath, userID string) (Derived, error) {
	var d Derived
	var errs []error

	w, h, err := m.probe.Resolution(ctx, absPath)
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to probe resolution, %w", err))
	} else {
		res := fmt.Sprintf("%dx%d", w, h)
		d.Resolution = &res
	}

	offset := frameOffset
	if dur, err := m.probe.Duration(ctx, absPath); err == nil && dur > 0 {
		f := util.FormatDuration(dur)
		d.Duration = &f
		d.DurationSeconds = dur

		if dur < frameOffset {
			offset = dur / 2
		}
	}

	dest, err := m.thumbnailDest(userID)
	if err != nil {
		return d, errors.Join(append(errs, err)...)
	}

	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	vf := fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=increase,crop=%d:%d", ThumbWidth, ThumbHeight, ThumbWidth, ThumbHeight)

	err = m.queue.Run(ctx, userID, []string{
		"-loglevel", "error",
		"-ss", util.FloatToTimestamp(offset),
		"-i", absPath,
		"-frames:v", "1",
		"-vf", vf,
		"-q:v", "3",
		"-y", dest,
	})
	if err != nil {
		os.Remove(dest)
		return d, errors.Join(append(errs, fmt.Errorf("failed to extract frame, %w", err))...)
	}

	rel, err := m.resolver.Rel(dest)
	if err != nil {
		os.Remove(dest)
		return d, errors.Join(append(errs, err)...)
	}

	d.ThumbnailPath = &rel
	return d, errors.Join(errs...)
}

func (m *MediaDeriver) Duration(ctx context.Context, absPath string) (*string, float64, error) {
	secs, err := m.probe.Duration(ctx, absPath)
	if err != nil {
		return nil, 0, err
	}

	if secs <= 0 {
		zap.L().Debug("Probe returned a non positive duration", zap.Float64("seconds", secs))
		return nil, 0, fmt.Errorf("invalid duration %f", secs)
	}

	s := util.FormatDuration(secs)
	return &s, secs, nil
}
