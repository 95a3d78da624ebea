// Package model defines database models
package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	FileTypeVideo   = "video"
	FileTypeImage   = "image"
	FileTypeScene   = "scene"
	FileTypeProject = "project"
	FileTypeAudio   = "audio"
)

// FileTypes lists every directory a user's storage root is split into
var FileTypes = []string{FileTypeVideo, FileTypeImage, FileTypeScene, FileTypeProject, FileTypeAudio}

// UserFile is one stored asset. Only the tags and the favorite flag are
// mutable after the row is created.
type UserFile struct {
	ID           string `gorm:"primaryKey;size:36" json:"id"`
	UserID       string `gorm:"index;not null" json:"userId"`
	FileName     string `gorm:"not null" json:"fileName"`     // <unixMillis>-<stem><ext>
	OriginalName string `gorm:"not null" json:"originalName"` // What the client sent, used for downloads
	FileType     string `gorm:"index;not null" json:"fileType"`
	MimeType     string `json:"mimeType"`
	FileSize     int64  `gorm:"not null" json:"fileSize"`
	FilePath     string `gorm:"not null" json:"filePath"` // Relative to the storage root

	// Derived, nil when derivation failed or doesn't apply
	ThumbnailPath *string `json:"thumbnailPath"`
	Resolution    *string `json:"resolution"`
	Duration      *string `json:"duration"`

	PackageName *string     `gorm:"index" json:"packageName"`
	Tags        StringSlice `json:"tags"`
	IsFavorite  bool        `gorm:"not null" json:"isFavorite"`

	AssetCategory     *string     `gorm:"index" json:"assetCategory"`
	UsageTags         StringSlice `json:"usageTags"`
	CharacterNames    StringSlice `json:"characterNames"`
	ObjectDescription *string     `json:"objectDescription"`
	SceneLocation     *string     `json:"sceneLocation"`
	HasAlphaChannel   bool        `gorm:"not null" json:"hasAlphaChannel"`

	AudioCategory        *string  `gorm:"index" json:"audioCategory"`
	AudioDurationSeconds *float64 `json:"audioDurationSeconds"`
	AudioStyle           *string  `json:"audioStyle"`
	AudioVocals          *bool    `json:"audioVocals"`
	AudioLyrics          *string  `json:"audioLyrics"`
	AudioTempo           *int     `json:"audioTempo"`
	AudioKey             *string  `json:"audioKey"`
	VoiceoverType        *string  `json:"voiceoverType"`
	VoiceoverScript      *string  `json:"voiceoverScript"`

	// Reserved for automated tagging
	AIMetadata datatypes.JSONMap `json:"aiMetadata"`

	UploadDate time.Time `gorm:"index;not null" json:"uploadDate"`
	CreatedAt  time.Time `gorm:"not null" json:"createdAt"`
}

func (UserFile) TableName() string {
	return "user_files"
}

func (f *UserFile) BeforeCreate(tx *gorm.DB) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}

	if f.UploadDate.IsZero() {
		f.UploadDate = time.Now().UTC()
	}

	return nil
}
