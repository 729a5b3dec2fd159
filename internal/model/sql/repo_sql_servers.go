package sql

import (
	"atelier/internal/entity"
	"context"
	"fmt"
)

// CreateServer inserts a new provider server row.
func (r *GormRepository) CreateServer(ctx context.Context, server *entity.DbServer) error {
	if r == nil || r.db == nil {
		return fmt.Errorf("repository not initialised")
	}
	if server == nil {
		return fmt.Errorf("server is nil")
	}
	return r.db.WithContext(ctx).Create(server).Error
}

// SelectServerByID loads a provider server by primary key.
func (r *GormRepository) SelectServerByID(ctx context.Context, id uint) (*entity.DbServer, error) {
	if r == nil || r.db == nil {
		return nil, fmt.Errorf("repository not initialised")
	}
	if id == 0 {
		return nil, fmt.Errorf("invalid server id")
	}

	var server entity.DbServer
	if err := r.db.WithContext(ctx).First(&server, id).Error; err != nil {
		return nil, err
	}
	return &server, nil
}

// ListServers returns registered provider servers, optionally including
// inactive ones.
func (r *GormRepository) ListServers(ctx context.Context, includeInactive bool) ([]entity.DbServer, error) {
	if r == nil || r.db == nil {
		return nil, fmt.Errorf("repository not initialised")
	}

	query := r.db.WithContext(ctx).Model(&entity.DbServer{})
	if !includeInactive {
		query = query.Where("status = ?", entity.ServerStatusActive)
	}

	var servers []entity.DbServer
	if err := query.Order("id ASC").Find(&servers).Error; err != nil {
		return nil, err
	}
	return servers, nil
}
