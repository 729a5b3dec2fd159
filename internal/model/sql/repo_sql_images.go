package sql

import (
	"atelier/internal/entity"
	"context"
	"fmt"
	"strings"
)

// InsertCreatedImage inserts a new created image row.
func (r *GormRepository) InsertCreatedImage(ctx context.Context, image *entity.DbCreatedImage) error {
	if r == nil || r.db == nil {
		return fmt.Errorf("repository not initialised")
	}
	if image == nil {
		return fmt.Errorf("image is nil")
	}
	if err := image.Meta.Validate(); err != nil {
		return fmt.Errorf("invalid meta: %w", err)
	}
	return r.db.WithContext(ctx).Create(image).Error
}

// SelectCreatedImageByID loads a created image row. A non-zero userID
// restricts the lookup to rows owned by that user.
func (r *GormRepository) SelectCreatedImageByID(ctx context.Context, id uint, userID uint) (*entity.DbCreatedImage, error) {
	if r == nil || r.db == nil {
		return nil, fmt.Errorf("repository not initialised")
	}
	if id == 0 {
		return nil, fmt.Errorf("invalid created image id")
	}

	query := r.db.WithContext(ctx).Where("id = ?", id)
	if userID > 0 {
		query = query.Where("user_id = ?", userID)
	}

	var image entity.DbCreatedImage
	if err := query.First(&image).Error; err != nil {
		return nil, err
	}
	return &image, nil
}

// ListCreatedImages retrieves paginated created image rows.
func (r *GormRepository) ListCreatedImages(ctx context.Context, params *entity.CreatedImageQuery) ([]entity.DbCreatedImage, *entity.Meta, error) {
	if r == nil || r.db == nil {
		return nil, nil, fmt.Errorf("repository not initialised")
	}

	query := r.db.WithContext(ctx).Model(&entity.DbCreatedImage{})
	if params != nil {
		if !params.IncludeAll && params.UserID > 0 {
			query = query.Where("user_id = ?", params.UserID)
		}
		if trimmed := strings.ToLower(strings.TrimSpace(params.Status)); trimmed != "" && trimmed != "all" {
			query = query.Where("status = ?", trimmed)
		}
	}

	var totalCount int64
	if err := query.Count(&totalCount).Error; err != nil {
		return nil, nil, err
	}

	page := 1
	pageSize := 20
	if params != nil {
		if params.Page > 0 {
			page = int(params.Page)
		}
		if params.PageSize > 0 {
			pageSize = int(params.PageSize)
		}
	}

	offset := (page - 1) * pageSize
	if offset < 0 {
		offset = 0
	}

	var images []entity.DbCreatedImage
	if err := query.Order("created_at DESC, id DESC").Offset(offset).Limit(pageSize).Find(&images).Error; err != nil {
		return nil, nil, err
	}

	meta := r.calculatePagination(totalCount, page, pageSize)
	return images, meta, nil
}

// UpdateCreatedImageJobCompleted finalises a row as completed.
func (r *GormRepository) UpdateCreatedImageJobCompleted(ctx context.Context, id uint, done entity.ImageCompletion) error {
	if r == nil || r.db == nil {
		return fmt.Errorf("repository not initialised")
	}
	if id == 0 {
		return fmt.Errorf("invalid created image id")
	}
	if err := done.Meta.Validate(); err != nil {
		return fmt.Errorf("invalid meta: %w", err)
	}

	updates := map[string]interface{}{
		"status":   entity.ImageStatusCompleted,
		"filename": done.Filename,
		"url":      done.URL,
		"width":    done.Width,
		"height":   done.Height,
		"color":    done.Color,
		"meta":     done.Meta,
	}
	return r.db.WithContext(ctx).Model(&entity.DbCreatedImage{}).Where("id = ?", id).Updates(updates).Error
}

// UpdateCreatedImageJobFailed finalises a row as failed.
func (r *GormRepository) UpdateCreatedImageJobFailed(ctx context.Context, id uint, meta entity.CreationMeta) error {
	if r == nil || r.db == nil {
		return fmt.Errorf("repository not initialised")
	}
	if id == 0 {
		return fmt.Errorf("invalid created image id")
	}
	if err := meta.Validate(); err != nil {
		return fmt.Errorf("invalid meta: %w", err)
	}

	updates := map[string]interface{}{
		"status": entity.ImageStatusFailed,
		"meta":   meta,
	}
	return r.db.WithContext(ctx).Model(&entity.DbCreatedImage{}).Where("id = ?", id).Updates(updates).Error
}

// ResetCreatedImageForRetry puts a failed or stale row back into creating
// with a fresh meta record, reusing the same id.
func (r *GormRepository) ResetCreatedImageForRetry(ctx context.Context, id uint, meta entity.CreationMeta) error {
	if r == nil || r.db == nil {
		return fmt.Errorf("repository not initialised")
	}
	if id == 0 {
		return fmt.Errorf("invalid created image id")
	}
	if err := meta.Validate(); err != nil {
		return fmt.Errorf("invalid meta: %w", err)
	}

	updates := map[string]interface{}{
		"status":   entity.ImageStatusCreating,
		"filename": entity.PlaceholderFilename,
		"url":      "",
		"width":    0,
		"height":   0,
		"color":    "",
		"meta":     meta,
	}
	return r.db.WithContext(ctx).Model(&entity.DbCreatedImage{}).Where("id = ?", id).Updates(updates).Error
}
