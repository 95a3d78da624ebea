package service

import (
	"bitwise74/asset-api/internal/model"
	"bitwise74/asset-api/internal/quota"
	"bitwise74/asset-api/internal/storage"
	"context"
	"errors"
	"os"
	"path"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
)

// State of a single file moving through the pipeline
type State int

const (
	StateReceived State = iota
	StateClassified
	StateQuotaChecked
	StateCommitted
	StateDerived
	StateStored
	StateRejected
	StateFailedCleanedUp
	StateInconsistent
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateClassified:
		return "classified"
	case StateQuotaChecked:
		return "quota_checked"
	case StateCommitted:
		return "committed"
	case StateDerived:
		return "derived"
	case StateStored:
		return "stored"
	case StateRejected:
		return "rejected"
	case StateFailedCleanedUp:
		return "failed_cleaned_up"
	case StateInconsistent:
		return "inconsistent"
	default:
		return "unknown"
	}
}

func (s State) Terminal() bool {
	return s >= StateStored
}

// Metadata is what the client sends along with an upload
type Metadata struct {
	// Overrides the type derived from the MIME type
	FileType    string   `json:"fileType"`
	PackageName *string  `json:"packageName"`
	Tags        []string `json:"tags"`

	AssetCategory     *string  `json:"assetCategory"`
	UsageTags         []string `json:"usageTags"`
	CharacterNames    []string `json:"characterNames"`
	ObjectDescription *string  `json:"objectDescription"`
	SceneLocation     *string  `json:"sceneLocation"`
	HasAlphaChannel   bool     `json:"hasAlphaChannel"`

	AudioCategory        *string  `json:"audioCategory"`
	AudioDurationSeconds *float64 `json:"audioDurationSeconds"`
	AudioStyle           *string  `json:"audioStyle"`
	AudioVocals          *bool    `json:"audioVocals"`
	AudioLyrics          *string  `json:"audioLyrics"`
	AudioTempo           *int     `json:"audioTempo"`
	AudioKey             *string  `json:"audioKey"`
	VoiceoverType        *string  `json:"voiceoverType"`
	VoiceoverScript      *string  `json:"voiceoverScript"`

	AIMetadata map[string]any `json:"aiMetadata"`
}

// Upload is a file already written to the staging area
type Upload struct {
	Path         string
	OriginalName string
	MimeType     string
	Size         int64
	Meta         Metadata
}

type Result struct {
	OriginalName string
	State        State
	File         *model.UserFile
	Err          error
}

type QuotaChecker interface {
	Initialize(ctx context.Context, userID string, maxBytes *int64) (quota.Usage, error)
	Usage(ctx context.Context, userID string) (quota.Usage, error)
	CheckAvailable(ctx context.Context, userID string, incoming int64) (bool, error)
}

// FileStore persists a file row together with its quota increment
type FileStore interface {
	Insert(ctx context.Context, f *model.UserFile) error
}

type Pipeline struct {
	resolver    *storage.Resolver
	quota       QuotaChecker
	files       FileStore
	deriver     Deriver
	mirror      storage.Mirror
	concurrency int
	now         func() time.Time
}

func NewPipeline(r *storage.Resolver, q QuotaChecker, f FileStore, d Deriver, m storage.Mirror, concurrency int) *Pipeline {
	if m == nil {
		m = storage.NopMirror{}
	}

	return &Pipeline{
		resolver:    r,
		quota:       q,
		files:       f,
		deriver:     d,
		mirror:      m,
		concurrency: max(1, concurrency),
		now:         time.Now,
	}
}

// IngestBatch runs every upload independently, a failing file never stops
// its siblings. Results are in input order.
func (p *Pipeline) IngestBatch(ctx context.Context, userID string, uploads []Upload) []Result {
	results := make([]Result, len(uploads))

	var g errgroup.Group
	g.SetLimit(p.concurrency)

	for i, up := range uploads {
		g.Go(func() error {
			results[i] = p.Ingest(ctx, userID, up)
			return nil
		})
	}

	g.Wait()
	return results
}

// Ingest moves one staged file into permanent storage and records it
func (p *Pipeline) Ingest(ctx context.Context, userID string, up Upload) Result {
	in := &ingestion{
		p:      p,
		userID: userID,
		up:     up,
		state:  StateReceived,
	}

	steps := []func(context.Context) error{
		in.classify,
		in.checkQuota,
		in.commit,
		in.derive,
		in.persist,
	}

	for _, step := range steps {
		if err := step(ctx); err != nil {
			zap.L().Debug("Upload did not complete",
				zap.String("user_id", userID),
				zap.String("file", up.OriginalName),
				zap.Stringer("state", in.state),
				zap.Error(err))

			return Result{OriginalName: up.OriginalName, State: in.state, Err: err}
		}
	}

	in.mirror(ctx)

	return Result{OriginalName: up.OriginalName, State: in.state, File: in.file}
}

// ingestion carries one file through the pipeline. Every step either moves
// state forward or sets a terminal state and returns an error.
type ingestion struct {
	p      *Pipeline
	userID string
	up     Upload
	state  State

	fileType     string
	meta         Metadata
	dest         string
	rel          string
	derived      Derived
	duration     *string
	durationSecs float64
	file         *model.UserFile
}

func (in *ingestion) reject(err error, removeStaging bool) error {
	if removeStaging {
		if rmErr := os.Remove(in.up.Path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			zap.L().Warn("Failed to remove staged file",
				zap.String("path", in.up.Path),
				zap.Error(rmErr))
		}
	}

	in.state = StateRejected
	return err
}

// ClassifyMIME maps a MIME type onto a file type, "" if none applies
func ClassifyMIME(mime string) string {
	mime = strings.ToLower(strings.TrimSpace(mime))

	switch {
	case strings.HasPrefix(mime, "video/"):
		return model.FileTypeVideo
	case strings.HasPrefix(mime, "image/"):
		return model.FileTypeImage
	case strings.HasPrefix(mime, "audio/"):
		return model.FileTypeAudio
	default:
		return ""
	}
}

func (in *ingestion) classify(context.Context) error {
	ft := in.up.Meta.FileType
	if ft != "" {
		if !slices.Contains(model.FileTypes, ft) {
			return in.reject(validationErr("unknown file type %q", ft), true)
		}
	} else {
		ft = ClassifyMIME(in.up.MimeType)
		if ft == "" {
			return in.reject(validationErr("unsupported file type %q", in.up.MimeType), true)
		}
	}

	if in.up.Size < 0 {
		return in.reject(validationErr("invalid file size"), true)
	}

	meta := in.up.Meta

	var err error
	for _, set := range []*[]string{&meta.Tags, &meta.UsageTags, &meta.CharacterNames} {
		if *set, err = NormalizeTags(*set); err != nil {
			return in.reject(err, true)
		}
	}

	in.fileType = ft
	in.meta = meta
	in.state = StateClassified
	return nil
}

func (in *ingestion) checkQuota(ctx context.Context) error {
	if _, err := in.p.quota.Initialize(ctx, in.userID, nil); err != nil {
		return in.reject(err, true)
	}

	ok, err := in.p.quota.CheckAvailable(ctx, in.userID, in.up.Size)
	if err != nil {
		return in.reject(err, true)
	}

	if !ok {
		usage, err := in.p.quota.Usage(ctx, in.userID)
		if err != nil {
			return in.reject(err, true)
		}

		return in.reject(&quota.QuotaExceededError{Usage: usage, Incoming: in.up.Size}, true)
	}

	in.state = StateQuotaChecked
	return nil
}

func (in *ingestion) commit(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return in.reject(err, true)
	}

	if err := in.p.resolver.EnsureUserDirectories(in.userID); err != nil {
		return in.reject(&TransientIOError{Op: "create user directories", Err: err}, false)
	}

	dest, err := in.p.resolver.PlaceFile(in.up.Path, in.userID, in.fileType, in.up.OriginalName, in.p.now())
	if err != nil {
		return in.reject(&TransientIOError{Op: "move file into storage", Err: err}, false)
	}

	rel, err := in.p.resolver.Rel(dest)
	if err != nil {
		in.dest = dest
		return in.rollback(err)
	}

	in.dest = dest
	in.rel = rel
	in.state = StateCommitted
	return nil
}

// derive never fails the upload, derivation errors are only logged
func (in *ingestion) derive(ctx context.Context) error {
	if in.fileType == model.FileTypeImage || in.fileType == model.FileTypeVideo {
		d, err := in.p.deriver.Derive(ctx, in.dest, in.userID, in.fileType)
		if err != nil {
			zap.L().Warn("Failed to derive thumbnail",
				zap.String("user_id", in.userID),
				zap.String("path", in.rel),
				zap.Error(err))
		}

		in.derived = d
	}

	in.duration = in.derived.Duration
	in.durationSecs = in.derived.DurationSeconds

	if in.duration == nil && (in.fileType == model.FileTypeVideo || in.fileType == model.FileTypeAudio) {
		dur, secs, err := in.p.deriver.Duration(ctx, in.dest)
		if err != nil {
			zap.L().Warn("Failed to derive duration",
				zap.String("user_id", in.userID),
				zap.String("path", in.rel),
				zap.Error(err))
		}

		in.duration = dur
		in.durationSecs = secs
	}

	in.state = StateDerived
	return nil
}

func (in *ingestion) record() *model.UserFile {
	m := in.meta

	f := &model.UserFile{
		UserID:       in.userID,
		FileName:     path.Base(in.rel),
		OriginalName: in.up.OriginalName,
		FileType:     in.fileType,
		MimeType:     in.up.MimeType,
		FileSize:     in.up.Size,
		FilePath:     in.rel,

		ThumbnailPath: in.derived.ThumbnailPath,
		Resolution:    in.derived.Resolution,
		Duration:      in.duration,

		PackageName: m.PackageName,
		Tags:        m.Tags,

		AssetCategory:     m.AssetCategory,
		UsageTags:         m.UsageTags,
		CharacterNames:    m.CharacterNames,
		ObjectDescription: m.ObjectDescription,
		SceneLocation:     m.SceneLocation,
		HasAlphaChannel:   m.HasAlphaChannel,

		AudioCategory:        m.AudioCategory,
		AudioDurationSeconds: m.AudioDurationSeconds,
		AudioStyle:           m.AudioStyle,
		AudioVocals:          m.AudioVocals,
		AudioLyrics:          m.AudioLyrics,
		AudioTempo:           m.AudioTempo,
		AudioKey:             m.AudioKey,
		VoiceoverType:        m.VoiceoverType,
		VoiceoverScript:      m.VoiceoverScript,

		UploadDate: in.p.now().UTC(),
	}

	if m.AIMetadata != nil {
		f.AIMetadata = datatypes.JSONMap(m.AIMetadata)
	}

	if in.fileType == model.FileTypeAudio && f.AudioDurationSeconds == nil && in.durationSecs > 0 {
		secs := in.durationSecs
		f.AudioDurationSeconds = &secs
	}

	return f
}

func (in *ingestion) persist(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return in.rollback(err)
	}

	f := in.record()

	if err := in.p.files.Insert(ctx, f); err != nil {
		return in.rollback(err)
	}

	in.file = f
	in.state = StateStored
	return nil
}

// rollback removes everything commit and derive wrote to disk. If that
// fails too the file is left for the reconciliation sweep.
func (in *ingestion) rollback(cause error) error {
	var errs []error

	paths := []string{in.dest}
	if in.derived.ThumbnailPath != nil {
		if abs, err := in.p.resolver.Abs(*in.derived.ThumbnailPath); err == nil {
			paths = append(paths, abs)
		}
	}

	for _, p := range paths {
		if p == "" {
			continue
		}

		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		in.state = StateInconsistent

		zap.L().Warn("Failed to roll back stored file, it has no metadata row",
			zap.String("user_id", in.userID),
			zap.String("path", in.rel),
			zap.Bool("inconsistency", true),
			zap.NamedError("cause", cause),
			zap.Error(errors.Join(errs...)))

		return cause
	}

	in.state = StateFailedCleanedUp
	return cause
}

// mirror copies the stored file and thumbnail to the object mirror. Failures
// only get logged, the local copy is the source of truth.
func (in *ingestion) mirror(ctx context.Context) {
	f := in.file

	if err := in.p.mirror.Put(ctx, f.FilePath, in.dest, f.MimeType); err != nil {
		zap.L().Warn("Failed to mirror file", zap.String("path", f.FilePath), zap.Error(err))
	}

	if f.ThumbnailPath == nil {
		return
	}

	abs, err := in.p.resolver.Abs(*f.ThumbnailPath)
	if err != nil {
		return
	}

	if err := in.p.mirror.Put(ctx, *f.ThumbnailPath, abs, "image/jpeg"); err != nil {
		zap.L().Warn("Failed to mirror thumbnail", zap.String("path", *f.ThumbnailPath), zap.Error(err))
	}
}
