package service

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddHWAccelFlags(t *testing.T) {
	q := NewJobQueue(QueueConfig{HWAccel: "cuda"})

	args := []string{"-loglevel", "error", "-i", "in.mp4", "out.jpg"}
	got := q.addHWAccelFlags(args)

	assert.Equal(t, []string{"-loglevel", "error", "-hwaccel", "cuda", "-i", "in.mp4", "out.jpg"}, got)
	assert.Equal(t, []string{"-loglevel", "error", "-i", "in.mp4", "out.jpg"}, args, "input must not be modified")

	// Leading -i
	assert.Equal(t, []string{"-hwaccel", "cuda", "-i", "x"}, q.addHWAccelFlags([]string{"-i", "x"}))

	plain := NewJobQueue(QueueConfig{})
	assert.Equal(t, args, plain.addHWAccelFlags(args))
}

func TestJobQueueFull(t *testing.T) {
	// No workers are started so nothing drains the queue
	q := NewJobQueue(QueueConfig{MaxJobs: 1})

	job := func() *FFmpegJob {
		return &FFmpegJob{Args: []string{"-version"}, Ctx: context.Background(), Done: make(chan error, 1)}
	}

	require.NoError(t, q.Enqueue(job()))
	assert.ErrorIs(t, q.Enqueue(job()), ErrQueueFull)
	assert.Equal(t, int32(1), q.Pending())

	q.Stop()
	q.Stop()
	assert.ErrorIs(t, q.Enqueue(job()), ErrQueueClosed)
}

func TestJobQueueRunReportsFailure(t *testing.T) {
	q := NewJobQueue(QueueConfig{Binary: "/nonexistent/ffmpeg", Workers: 1, MaxJobs: 1})
	q.StartWorkerPool()
	defer q.Stop()

	err := q.Run(context.Background(), "u1", []string{"-i", "x"})
	assert.Error(t, err)

	assert.Eventually(t, func() bool { return q.Pending() == 0 }, time.Second, 10*time.Millisecond)
}

func TestJobQueueRunCancelled(t *testing.T) {
	q := NewJobQueue(QueueConfig{MaxJobs: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Nobody works the queue, Run must still return once ctx is done
	err := q.Run(ctx, "u1", []string{"-version"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestJobQueueAbortKillsRunningJobs(t *testing.T) {
	bin, err := exec.LookPath("sleep")
	if err != nil {
		t.Skip("sleep not available")
	}

	q := NewJobQueue(QueueConfig{Binary: bin, Workers: 1, MaxJobs: 1})
	q.StartWorkerPool()

	done := make(chan error, 1)
	go func() { done <- q.Run(context.Background(), "u1", []string{"30"}) }()

	require.Eventually(t, func() bool { return q.Pending() == 1 }, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	q.Abort()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("job wasn't killed")
	}

	assert.ErrorIs(t, q.Enqueue(&FFmpegJob{Args: []string{"1"}, Ctx: context.Background(), Done: make(chan error, 1)}), ErrQueueClosed)
}
