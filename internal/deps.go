package internal

import (
	"bitwise74/asset-api/internal/quota"
	"bitwise74/asset-api/internal/repository"
	"bitwise74/asset-api/internal/service"
	"bitwise74/asset-api/internal/storage"
	"bitwise74/asset-api/pkg/validators"

	"gorm.io/gorm"
)

type Deps struct {
	DB         *gorm.DB
	Resolver   *storage.Resolver
	Mirror     storage.Mirror
	Ledger     *quota.Ledger
	Files      *repository.FileRepository
	Library    *service.Library
	Pipeline   *service.Pipeline
	Reconciler *service.Reconciler
	JobQueue   *service.JobQueue
	Validator  *validators.UploadValidator
	StagingDir string
}
