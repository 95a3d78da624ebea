package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

var ErrNoVideoStream = errors.New("no video stream")

// Prober wraps ffprobe
type Prober struct {
	Binary  string
	Timeout time.Duration
}

func (p Prober) run(ctx context.Context, args ...string) (string, error) {
	bin := p.Binary
	if bin == "" {
		bin = "ffprobe"
	}

	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, bin, args...)

	var stdOut, stdErr bytes.Buffer
	cmd.Stdout = &stdOut
	cmd.Stderr = &stdErr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("ffprobe failed, %w (%s)", err, strings.TrimSpace(stdErr.String()))
	}

	return strings.TrimSpace(stdOut.String()), nil
}

// Duration returns the container duration in seconds
func (p Prober) Duration(ctx context.Context, path string) (float64, error) {
	zap.L().Debug("Running FFprobe to determine duration", zap.String("path", path))

	out, err := p.run(ctx, "-v", "error", "-show_entries", "format=duration", "-of", "default=noprint_wrappers=1:nokey=1", "-i", path)
	if err != nil {
		return 0, err
	}

	d, err := strconv.ParseFloat(out, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed duration %q, %w", out, err)
	}

	return d, nil
}

// Resolution returns the width and height of the first video stream
func (p Prober) Resolution(ctx context.Context, path string) (int, int, error) {
	out, err := p.run(ctx, "-v", "error", "-select_streams", "v:0", "-show_entries", "stream=width,height", "-of", "csv=s=x:p=0", "-i", path)
	if err != nil {
		return 0, 0, err
	}

	if out == "" {
		return 0, 0, ErrNoVideoStream
	}

	// Some builds print a trailing separator
	parts := strings.Split(strings.Trim(strings.SplitN(out, "\n", 2)[0], "x"), "x")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("malformed resolution %q", out)
	}

	w, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, fmt.Errorf("malformed width %q, %w", parts[0], err)
	}

	h, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, fmt.Errorf("malformed height %q, %w", parts[1], err)
	}

	return w, h, nil
}
