package service

import (
	"bitwise74/asset-api/pkg/util"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

var (
	ErrQueueFull   = errors.New("job queue full")
	ErrQueueClosed = errors.New("job queue closed")
)

type FFmpegJob struct {
	ID     string
	UserID string
	Args   []string
	Output io.Writer
	Ctx    context.Context
	Done   chan error
}

type QueueConfig struct {
	Binary  string
	Workers int
	MaxJobs int
	// HWAccel is passed to -hwaccel. "auto" picks one based on the detected GPU
	HWAccel string
}

// JobQueue runs ffmpeg with a fixed number of workers. At most MaxJobs jobs
// wait for a worker, anything beyond that is refused with ErrQueueFull.
type JobQueue struct {
	jobs    chan *FFmpegJob
	running atomic.Int32
	workers int
	binary  string
	hwaccel string

	// Cancelled by Abort, every running process is tied to it
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

func NewJobQueue(c QueueConfig) *JobQueue {
	if c.Workers <= 0 {
		c.Workers = 1
	}

	if c.Binary == "" {
		c.Binary = "ffmpeg"
	}

	if c.HWAccel == "auto" {
		c.HWAccel = detectHWAccel()
	}

	zap.L().Debug("Initializing job queue",
		zap.Int("workers", c.Workers),
		zap.Int("max_jobs", c.MaxJobs),
		zap.String("hwaccel", c.HWAccel))

	ctx, cancel := context.WithCancel(context.Background())

	return &JobQueue{
		ctx:     ctx,
		cancel:  cancel,
		jobs:    make(chan *FFmpegJob, max(0, c.MaxJobs)),
		workers: c.Workers,
		binary:  c.Binary,
		hwaccel: c.HWAccel,
	}
}

func detectHWAccel() string {
	vendor, err := util.DetectGPU()
	if err != nil {
		zap.L().Debug("No GPU detected, using software decoding", zap.Error(err))
		return ""
	}

	switch vendor {
	case "nvidia":
		return "cuda"
	case "intel", "amd":
		return "vaapi"
	default:
		return ""
	}
}

func (q *JobQueue) StartWorkerPool() {
	for range q.workers {
		go q.worker()
	}
}

// Stop lets the workers finish what's already queued and exit
func (q *JobQueue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
}

// Abort stops the queue and kills every ffmpeg process still running
func (q *JobQueue) Abort() {
	q.Stop()
	q.cancel()
}

// Pending returns the number of queued and running jobs
func (q *JobQueue) Pending() int32 {
	return q.running.Load()
}

func (q *JobQueue) worker() {
	for job := range q.jobs {
		err := q.runFFmpegJob(job)

		job.Done <- err
		close(job.Done)

		q.running.Add(-1)

		if err != nil {
			zap.L().Error("FFmpeg job finished with an error",
				zap.String("user_id", job.UserID),
				zap.String("job_id", job.ID),
				zap.Error(err))
		} else {
			zap.L().Debug("FFmpeg job finished successfully", zap.String("job_id", job.ID))
		}
	}
}

func (q *JobQueue) Enqueue(job *FFmpegJob) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.jobs <- job:
		q.running.Add(1)
		zap.L().Debug("New ffmpeg job enqueued", zap.Int32("enqueued", q.running.Load()), zap.String("user_id", job.UserID))
		return nil
	default:
		return ErrQueueFull
	}
}

// Run enqueues args and waits for the job to finish or ctx to end
func (q *JobQueue) Run(ctx context.Context, userID string, args []string) error {
	job := &FFmpegJob{
		ID:     util.RandStr(5),
		UserID: userID,
		Args:   args,
		Ctx:    ctx,
		Done:   make(chan error, 1),
	}

	if err := q.Enqueue(job); err != nil {
		return err
	}

	select {
	case err := <-job.Done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// The -hwaccel flag has to come before the input it applies to
func (q *JobQueue) addHWAccelFlags(args []string) []string {
	if q.hwaccel == "" {
		return args
	}

	for i, arg := range args {
		if arg == "-i" {
			out := make([]string, 0, len(args)+2)
			out = append(out, args[:i]...)
			out = append(out, "-hwaccel", q.hwaccel)
			return append(out, args[i:]...)
		}
	}

	return args
}

func (q *JobQueue) runFFmpegJob(job *FFmpegJob) error {
	if len(job.Args) == 0 {
		return errors.New("no arguments provided")
	}

	ctx, cancel := util.MergeContexts(job.Ctx, q.ctx)
	defer cancel()

	if err := ctx.Err(); err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, q.binary, q.addHWAccelFlags(job.Args)...)

	zap.L().Debug("Running FFmpeg command", zap.String("cmd", cmd.String()))

	stderrBuf := &bytes.Buffer{}
	cmd.Stderr = stderrBuf

	if job.Output != nil {
		cmd.Stdout = job.Output
	}

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg failed, %w (%s)", err, strings.TrimSpace(stderrBuf.String()))
	}

	return nil
}
