package service

import (
	"bitwise74/asset-api/db"
	"bitwise74/asset-api/internal/model"
	"bitwise74/asset-api/internal/quota"
	"bitwise74/asset-api/internal/repository"
	"bitwise74/asset-api/internal/storage"
	"bitwise74/asset-api/pkg/util"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const kb = int64(1024)

type testEnv struct {
	db       *gorm.DB
	resolver *storage.Resolver
	ledger   *quota.Ledger
	files    *repository.FileRepository
	staging  string
}

func newEnv(t *testing.T, capBytes int64) *testEnv {
	t.Helper()

	dir := t.TempDir()

	d, err := db.Open("sqlite", filepath.Join(dir, "test.db"))
	require.NoError(t, err)

	r, err := storage.NewResolver(filepath.Join(dir, "storage"))
	require.NoError(t, err)

	staging := filepath.Join(dir, "staging")
	require.NoError(t, os.MkdirAll(staging, 0o700))

	l := quota.NewLedger(d, capBytes)

	return &testEnv{
		db:       d,
		resolver: r,
		ledger:   l,
		files:    repository.NewFileRepository(d, l),
		staging:  staging,
	}
}

// stage writes size bytes into the staging dir and returns the upload for it
func (e *testEnv) stage(t *testing.T, name, mime string, size int64) Upload {
	t.Helper()

	p := filepath.Join(e.staging, util.RandStr(8))
	require.NoError(t, os.WriteFile(p, make([]byte, size), 0o600))

	return Upload{
		Path:         p,
		OriginalName: name,
		MimeType:     mime,
		Size:         size,
	}
}

func (e *testEnv) pipeline(d Deriver, f FileStore) *Pipeline {
	if f == nil {
		f = e.files
	}

	return NewPipeline(e.resolver, e.ledger, f, d, nil, 4)
}

type stubDeriver struct {
	resolver *storage.Resolver
	fail     bool
	seconds  float64

	durationCalls atomic.Int32
}

func (s *stubDeriver) Derive(_ context.Context, absPath, userID, fileType string) (Derived, error) {
	if s.fail {
		return Derived{}, errors.New("decoder exploded")
	}

	p := filepath.Join(s.resolver.ThumbnailDir(userID), filepath.Base(absPath)+".jpg")
	if err := os.WriteFile(p, []byte("thumb"), 0o600); err != nil {
		return Derived{}, err
	}

	rel, err := s.resolver.Rel(p)
	if err != nil {
		return Derived{}, err
	}

	res := "1920x1080"
	d := Derived{ThumbnailPath: &rel, Resolution: &res}

	// Videos are probed for their length while picking the frame
	if fileType == model.FileTypeVideo && s.seconds > 0 {
		dur := util.FormatDuration(s.seconds)
		d.Duration = &dur
		d.DurationSeconds = s.seconds
	}

	return d, nil
}

func (s *stubDeriver) Duration(context.Context, string) (*string, float64, error) {
	s.durationCalls.Add(1)

	if s.fail || s.seconds == 0 {
		return nil, 0, errors.New("no duration")
	}

	d := util.FormatDuration(s.seconds)
	return &d, s.seconds, nil
}

type failingStore struct{}

func (failingStore) Insert(context.Context, *model.UserFile) error {
	return errors.New("database unavailable")
}

func assertGone(t *testing.T, p string) {
	t.Helper()

	_, err := os.Stat(p)
	assert.ErrorIs(t, err, os.ErrNotExist, p)
}

func TestIngestStoresImage(t *testing.T) {
	e := newEnv(t, 100*kb)
	p := e.pipeline(&stubDeriver{resolver: e.resolver}, nil)

	up := e.stage(t, "My Photo!.PNG", "image/png", 10*kb)
	up.Meta.Tags = []string{" hero ", "hero", "intro"}

	res := p.Ingest(context.Background(), "u1", up)
	require.NoError(t, res.Err)
	require.Equal(t, StateStored, res.State)
	require.NotNil(t, res.File)

	f := res.File
	assert.Equal(t, model.FileTypeImage, f.FileType)
	assert.Equal(t, "My Photo!.PNG", f.OriginalName)
	assert.Regexp(t, `^u1/image/\d+-My_Photo_\.png$`, f.FilePath)
	assert.Equal(t, model.StringSlice{"hero", "intro"}, f.Tags)
	require.NotNil(t, f.ThumbnailPath)
	assert.Equal(t, "1920x1080", *f.Resolution)
	assert.Nil(t, f.Duration)

	abs, err := e.resolver.Abs(f.FilePath)
	require.NoError(t, err)
	info, err := os.Stat(abs)
	require.NoError(t, err)
	assert.Equal(t, 10*kb, info.Size())

	assertGone(t, up.Path)

	u, err := e.ledger.Usage(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 10*kb, u.TotalBytes)
	assert.Equal(t, int64(1), u.FileCount)
}

func TestIngestDerivationFailureIsNotFatal(t *testing.T) {
	e := newEnv(t, 100*kb)
	p := e.pipeline(&stubDeriver{resolver: e.resolver, fail: true}, nil)

	res := p.Ingest(context.Background(), "u1", e.stage(t, "clip.mp4", "video/mp4", kb))
	require.NoError(t, res.Err)
	assert.Equal(t, StateStored, res.State)
	assert.Nil(t, res.File.ThumbnailPath)
	assert.Nil(t, res.File.Resolution)
	assert.Nil(t, res.File.Duration)
}

func TestIngestVideoReusesDerivedDuration(t *testing.T) {
	e := newEnv(t, 100*kb)
	d := &stubDeriver{resolver: e.resolver, seconds: 95}
	p := e.pipeline(d, nil)

	res := p.Ingest(context.Background(), "u1", e.stage(t, "clip.mp4", "video/mp4", kb))
	require.NoError(t, res.Err)

	require.NotNil(t, res.File.Duration)
	assert.Equal(t, "01:35", *res.File.Duration)
	assert.Zero(t, d.durationCalls.Load(), "video length must not be probed twice")
}

func TestIngestAudioFillsDuration(t *testing.T) {
	e := newEnv(t, 100*kb)
	p := e.pipeline(&stubDeriver{resolver: e.resolver, seconds: 3725}, nil)

	res := p.Ingest(context.Background(), "u1", e.stage(t, "theme.mp3", "audio/mpeg", kb))
	require.NoError(t, res.Err)

	f := res.File
	assert.Equal(t, model.FileTypeAudio, f.FileType)
	require.NotNil(t, f.Duration)
	assert.Equal(t, "01:02:05", *f.Duration)
	require.NotNil(t, f.AudioDurationSeconds)
	assert.Equal(t, 3725.0, *f.AudioDurationSeconds)
	assert.Nil(t, f.ThumbnailPath, "audio gets no thumbnail")

	given := 12.5
	up := e.stage(t, "sting.wav", "audio/wav", kb)
	up.Meta.AudioDurationSeconds = &given

	res = p.Ingest(context.Background(), "u1", up)
	require.NoError(t, res.Err)
	assert.Equal(t, 12.5, *res.File.AudioDurationSeconds)
}

func TestIngestFileTypeOverride(t *testing.T) {
	e := newEnv(t, 100*kb)
	p := e.pipeline(&stubDeriver{resolver: e.resolver}, nil)

	up := e.stage(t, "level.json", "application/json", kb)
	up.Meta.FileType = model.FileTypeScene

	res := p.Ingest(context.Background(), "u1", up)
	require.NoError(t, res.Err)
	assert.Equal(t, model.FileTypeScene, res.File.FileType)
	assert.Regexp(t, `^u1/scene/`, res.File.FilePath)

	up = e.stage(t, "level.json", "application/json", kb)
	up.Meta.FileType = "spreadsheet"

	res = p.Ingest(context.Background(), "u1", up)
	assert.ErrorIs(t, res.Err, ErrValidation)
	assert.Equal(t, StateRejected, res.State)
	assertGone(t, up.Path)
}

func TestIngestRejectsUnsupportedMIME(t *testing.T) {
	e := newEnv(t, 100*kb)
	p := e.pipeline(&stubDeriver{resolver: e.resolver}, nil)

	up := e.stage(t, "notes.txt", "text/plain", kb)

	res := p.Ingest(context.Background(), "u1", up)
	assert.ErrorIs(t, res.Err, ErrValidation)
	assert.Equal(t, KindValidation, ErrorKind(res.Err))
	assert.Equal(t, StateRejected, res.State)
	assertGone(t, up.Path)

	// Rejected before any directory or row is created
	assertGone(t, e.resolver.StorageRoot("u1"))
}

func TestIngestRejectsMalformedTags(t *testing.T) {
	e := newEnv(t, 100*kb)
	p := e.pipeline(&stubDeriver{resolver: e.resolver}, nil)

	up := e.stage(t, "a.png", "image/png", kb)
	up.Meta.UsageTags = []string{"a,b"}

	res := p.Ingest(context.Background(), "u1", up)
	assert.ErrorIs(t, res.Err, ErrValidation)
	assertGone(t, up.Path)
}

func TestIngestQuotaExceeded(t *testing.T) {
	e := newEnv(t, 10*kb)
	p := e.pipeline(&stubDeriver{resolver: e.resolver}, nil)
	ctx := context.Background()

	res := p.Ingest(ctx, "u1", e.stage(t, "a.png", "image/png", 5*kb))
	require.NoError(t, res.Err)

	up := e.stage(t, "b.png", "image/png", 6*kb)
	res = p.Ingest(ctx, "u1", up)

	require.ErrorIs(t, res.Err, quota.ErrQuotaExceeded)
	assert.Equal(t, StateRejected, res.State)
	assert.Equal(t, KindQuotaExceeded, ErrorKind(res.Err))

	var qe *quota.QuotaExceededError
	require.ErrorAs(t, res.Err, &qe)
	assert.Equal(t, 5*kb, qe.Usage.TotalBytes)
	assert.Equal(t, 10*kb, qe.Usage.MaxBytes)

	assertGone(t, up.Path)

	u, err := e.ledger.Usage(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 5*kb, u.TotalBytes)
	assert.Equal(t, int64(1), u.FileCount)

	files, err := e.files.List(ctx, "u1", repository.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestIngestRollsBackWhenPersistFails(t *testing.T) {
	e := newEnv(t, 100*kb)
	p := e.pipeline(&stubDeriver{resolver: e.resolver}, failingStore{})

	up := e.stage(t, "a.png", "image/png", kb)

	res := p.Ingest(context.Background(), "u1", up)
	require.Error(t, res.Err)
	assert.Equal(t, StateFailedCleanedUp, res.State)
	assertGone(t, up.Path)

	for _, dir := range []string{model.FileTypeImage, storage.ThumbnailDir} {
		entries, err := os.ReadDir(filepath.Join(e.resolver.StorageRoot("u1"), dir))
		require.NoError(t, err)
		assert.Empty(t, entries, dir)
	}

	u, err := e.ledger.Usage(context.Background(), "u1")
	require.NoError(t, err)
	assert.Zero(t, u.TotalBytes)
}

func TestIngestRenameFailureKeepsStaging(t *testing.T) {
	e := newEnv(t, 100*kb)
	p := e.pipeline(&stubDeriver{resolver: e.resolver}, nil)

	up := e.stage(t, "a.png", "image/png", kb)

	// A file where the user's directory should be makes directory creation fail
	require.NoError(t, os.MkdirAll(e.resolver.Root(), 0o700))
	require.NoError(t, os.WriteFile(e.resolver.StorageRoot("u1"), nil, 0o600))

	res := p.Ingest(context.Background(), "u1", up)
	require.ErrorIs(t, res.Err, ErrTransientIO)
	assert.Equal(t, KindIO, ErrorKind(res.Err))
	assert.Equal(t, StateRejected, res.State)

	_, err := os.Stat(up.Path)
	assert.NoError(t, err, "staged file must be left in place")
}

func TestIngestCancelledBeforeCommit(t *testing.T) {
	e := newEnv(t, 100*kb)
	p := e.pipeline(&stubDeriver{resolver: e.resolver}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	up := e.stage(t, "a.png", "image/png", kb)

	res := p.Ingest(ctx, "u1", up)
	require.Error(t, res.Err)
	assert.Equal(t, StateRejected, res.State)
	assertGone(t, up.Path)

	files, err := e.files.List(context.Background(), "u1", repository.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestIngestBatchKeepsOrderAndIsolation(t *testing.T) {
	e := newEnv(t, 100*kb)
	p := e.pipeline(&stubDeriver{resolver: e.resolver}, nil)

	uploads := []Upload{
		e.stage(t, "one.png", "image/png", kb),
		e.stage(t, "two.txt", "text/plain", kb),
		e.stage(t, "three.mp4", "video/mp4", 2*kb),
		e.stage(t, "four.huge", "video/mp4", 200*kb),
		e.stage(t, "five.ogg", "audio/ogg", kb),
	}

	results := p.IngestBatch(context.Background(), "u1", uploads)
	require.Len(t, results, len(uploads))

	for i, r := range results {
		assert.Equal(t, uploads[i].OriginalName, r.OriginalName)
	}

	assert.NoError(t, results[0].Err)
	assert.ErrorIs(t, results[1].Err, ErrValidation)
	assert.NoError(t, results[2].Err)
	assert.ErrorIs(t, results[3].Err, quota.ErrQuotaExceeded)
	assert.NoError(t, results[4].Err)

	u, err := e.ledger.Usage(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 4*kb, u.TotalBytes)
	assert.Equal(t, int64(3), u.FileCount)
}

func TestIngestConcurrentUploadsNeverExceedQuota(t *testing.T) {
	e := newEnv(t, 10*kb)
	p := e.pipeline(&stubDeriver{resolver: e.resolver}, nil)

	const n = 6

	uploads := make([]Upload, n)
	for i := range uploads {
		uploads[i] = e.stage(t, fmt.Sprintf("f%d.png", i), "image/png", 6*kb)
	}

	results := make([]Result, n)

	var wg sync.WaitGroup
	for i := range uploads {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = p.Ingest(context.Background(), "u1", uploads[i])
		}()
	}
	wg.Wait()

	stored := 0
	for _, r := range results {
		if r.Err == nil {
			stored++
			continue
		}

		assert.ErrorIs(t, r.Err, quota.ErrQuotaExceeded)
		assert.Contains(t, []State{StateRejected, StateFailedCleanedUp}, r.State)
	}

	assert.Equal(t, 1, stored)

	u, err := e.ledger.Usage(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 6*kb, u.TotalBytes)
	assert.Equal(t, int64(1), u.FileCount)

	entries, err := os.ReadDir(filepath.Join(e.resolver.StorageRoot("u1"), model.FileTypeImage))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "losers must not leave files behind")

	for _, up := range uploads {
		assertGone(t, up.Path)
	}
}

func TestStateTerminal(t *testing.T) {
	for _, s := range []State{StateReceived, StateClassified, StateQuotaChecked, StateCommitted, StateDerived} {
		assert.False(t, s.Terminal(), s.String())
	}

	for _, s := range []State{StateStored, StateRejected, StateFailedCleanedUp, StateInconsistent} {
		assert.True(t, s.Terminal(), s.String())
	}
}
