package model

import "time"

// UserStorage is the per-user quota ledger row. TotalBytes and FileCount always
// equal the aggregate over the user's live UserFile rows.
type UserStorage struct {
	UserID     string    `gorm:"primaryKey" json:"userId"`
	MaxBytes   int64     `gorm:"not null" json:"maxBytes"`
	TotalBytes int64     `gorm:"not null;default:0" json:"totalBytes"`
	FileCount  int64     `gorm:"not null;default:0" json:"fileCount"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

func (UserStorage) TableName() string {
	return "user_storage"
}
