package model

import (
	"atelier/internal/entity"
	"context"
	"time"
)

// Repository 定义数据库操作接口
type Repository interface {
	// 用户管理
	CreateUser(ctx context.Context, user *entity.DbUser) error
	GetUserByEmail(ctx context.Context, email string) (*entity.DbUser, error)
	GetUserByID(ctx context.Context, id uint) (*entity.DbUser, error)
	CountUsers(ctx context.Context) (int64, error)

	// 创建任务行
	InsertCreatedImage(ctx context.Context, image *entity.DbCreatedImage) error
	// SelectCreatedImageByID loads a row by id. When userID is non-zero the
	// row must belong to that user.
	SelectCreatedImageByID(ctx context.Context, id uint, userID uint) (*entity.DbCreatedImage, error)
	ListCreatedImages(ctx context.Context, params *entity.CreatedImageQuery) ([]entity.DbCreatedImage, *entity.Meta, error)
	// UpdateCreatedImageJobCompleted finalises a row as completed with the
	// uploaded file details and the full meta record.
	UpdateCreatedImageJobCompleted(ctx context.Context, id uint, done entity.ImageCompletion) error
	// UpdateCreatedImageJobFailed finalises a row as failed. The meta record
	// carries error, error_code and the credits_refunded flag.
	UpdateCreatedImageJobFailed(ctx context.Context, id uint, meta entity.CreationMeta) error
	// ResetCreatedImageForRetry puts a row back into creating with a fresh
	// meta record, keeping the same id.
	ResetCreatedImageForRetry(ctx context.Context, id uint, meta entity.CreationMeta) error

	// 服务器
	CreateServer(ctx context.Context, server *entity.DbServer) error
	SelectServerByID(ctx context.Context, id uint) (*entity.DbServer, error)
	ListServers(ctx context.Context, includeInactive bool) ([]entity.DbServer, error)

	// 积分
	SelectUserCredits(ctx context.Context, userID uint) (*entity.DbUserCredits, error)
	// UpdateUserCreditsBalance upserts the balance row. Last write wins.
	UpdateUserCreditsBalance(ctx context.Context, userID uint, balance float64) error
	UpdateUserCreditsDailyClaim(ctx context.Context, userID uint, balance float64, claimedAt time.Time) error
}
