package model

import (
	"atelier/internal/entity"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"
)

// MemoryRepository is an in-memory Repository used by tests and by DB-less
// deployments. It is an explicit injected object, not process-global state;
// ids are allocated from per-table arenas. Missing rows are reported with
// gorm.ErrRecordNotFound so callers handle both backends identically.
type MemoryRepository struct {
	mu sync.Mutex

	nextUserID   uint
	nextImageID  uint
	nextServerID uint

	users   map[uint]entity.DbUser
	images  map[uint]entity.DbCreatedImage
	servers map[uint]entity.DbServer
	credits map[uint]entity.DbUserCredits
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		nextUserID:   1,
		nextImageID:  1,
		nextServerID: 1,
		users:        make(map[uint]entity.DbUser),
		images:       make(map[uint]entity.DbCreatedImage),
		servers:      make(map[uint]entity.DbServer),
		credits:      make(map[uint]entity.DbUserCredits),
	}
}

// CreateUser inserts a new user and assigns an id.
func (r *MemoryRepository) CreateUser(ctx context.Context, user *entity.DbUser) error {
	if user == nil {
		return fmt.Errorf("user is nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	email := strings.ToLower(strings.TrimSpace(user.Email))
	for _, existing := range r.users {
		if existing.Email == email {
			return gorm.ErrDuplicatedKey
		}
	}

	user.ID = r.nextUserID
	r.nextUserID++
	user.Email = email
	now := time.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now
	r.users[user.ID] = *user
	return nil
}

// GetUserByEmail loads a user by normalised email.
func (r *MemoryRepository) GetUserByEmail(ctx context.Context, email string) (*entity.DbUser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	email = strings.ToLower(strings.TrimSpace(email))
	for _, user := range r.users {
		if user.Email == email {
			out := user
			return &out, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

// GetUserByID loads a user by id.
func (r *MemoryRepository) GetUserByID(ctx context.Context, id uint) (*entity.DbUser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	user, ok := r.users[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	out := user
	return &out, nil
}

// CountUsers returns the number of users.
func (r *MemoryRepository) CountUsers(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int64(len(r.users)), nil
}

// InsertCreatedImage inserts a created image row and assigns an id.
func (r *MemoryRepository) InsertCreatedImage(ctx context.Context, image *entity.DbCreatedImage) error {
	if image == nil {
		return fmt.Errorf("image is nil")
	}
	if err := image.Meta.Validate(); err != nil {
		return fmt.Errorf("invalid meta: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	image.ID = r.nextImageID
	r.nextImageID++
	now := time.Now().UTC()
	image.CreatedAt = now
	image.UpdatedAt = now
	r.images[image.ID] = *image
	return nil
}

// SelectCreatedImageByID loads a row, optionally scoped to a user.
func (r *MemoryRepository) SelectCreatedImageByID(ctx context.Context, id uint, userID uint) (*entity.DbCreatedImage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	image, ok := r.images[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	if userID > 0 && image.UserID != userID {
		return nil, gorm.ErrRecordNotFound
	}
	out := image
	return &out, nil
}

// ListCreatedImages returns paginated rows, newest first.
func (r *MemoryRepository) ListCreatedImages(ctx context.Context, params *entity.CreatedImageQuery) ([]entity.DbCreatedImage, *entity.Meta, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var rows []entity.DbCreatedImage
	for _, image := range r.images {
		if params != nil {
			if !params.IncludeAll && params.UserID > 0 && image.UserID != params.UserID {
				continue
			}
			status := strings.ToLower(strings.TrimSpace(params.Status))
			if status != "" && status != "all" && image.Status != status {
				continue
			}
		}
		rows = append(rows, image)
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].ID > rows[j].ID
		}
		return rows[i].CreatedAt.After(rows[j].CreatedAt)
	})

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

	total := int64(len(rows))
	start := (page - 1) * pageSize
	if start > len(rows) {
		start = len(rows)
	}
	end := start + pageSize
	if end > len(rows) {
		end = len(rows)
	}

	meta := &entity.Meta{Page: int64(page), PageSize: int64(pageSize), Total: total}
	return rows[start:end], meta, nil
}

// UpdateCreatedImageJobCompleted finalises a row as completed.
func (r *MemoryRepository) UpdateCreatedImageJobCompleted(ctx context.Context, id uint, done entity.ImageCompletion) error {
	if err := done.Meta.Validate(); err != nil {
		return fmt.Errorf("invalid meta: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	image, ok := r.images[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	image.Status = entity.ImageStatusCompleted
	image.Filename = done.Filename
	image.URL = done.URL
	image.Width = done.Width
	image.Height = done.Height
	image.Color = done.Color
	image.Meta = done.Meta
	image.UpdatedAt = time.Now().UTC()
	r.images[id] = image
	return nil
}

// UpdateCreatedImageJobFailed finalises a row as failed.
func (r *MemoryRepository) UpdateCreatedImageJobFailed(ctx context.Context, id uint, meta entity.CreationMeta) error {
	if err := meta.Validate(); err != nil {
		return fmt.Errorf("invalid meta: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	image, ok := r.images[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	image.Status = entity.ImageStatusFailed
	image.Meta = meta
	image.UpdatedAt = time.Now().UTC()
	r.images[id] = image
	return nil
}

// ResetCreatedImageForRetry puts a row back into creating, same id.
func (r *MemoryRepository) ResetCreatedImageForRetry(ctx context.Context, id uint, meta entity.CreationMeta) error {
	if err := meta.Validate(); err != nil {
		return fmt.Errorf("invalid meta: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	image, ok := r.images[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	image.Status = entity.ImageStatusCreating
	image.Filename = entity.PlaceholderFilename
	image.URL = ""
	image.Width = 0
	image.Height = 0
	image.Color = ""
	image.Meta = meta
	image.UpdatedAt = time.Now().UTC()
	r.images[id] = image
	return nil
}

// CreateServer inserts a server row and assigns an id.
func (r *MemoryRepository) CreateServer(ctx context.Context, server *entity.DbServer) error {
	if server == nil {
		return fmt.Errorf("server is nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	server.ID = r.nextServerID
	r.nextServerID++
	now := time.Now().UTC()
	server.CreatedAt = now
	server.UpdatedAt = now
	r.servers[server.ID] = *server
	return nil
}

// SelectServerByID loads a server row.
func (r *MemoryRepository) SelectServerByID(ctx context.Context, id uint) (*entity.DbServer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	server, ok := r.servers[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	out := server
	return &out, nil
}

// ListServers returns server rows ordered by id.
func (r *MemoryRepository) ListServers(ctx context.Context, includeInactive bool) ([]entity.DbServer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var servers []entity.DbServer
	for _, server := range r.servers {
		if !includeInactive && server.Status != entity.ServerStatusActive {
			continue
		}
		servers = append(servers, server)
	}
	sort.Slice(servers, func(i, j int) bool { return servers[i].ID < servers[j].ID })
	return servers, nil
}

// SelectUserCredits loads a credit row.
func (r *MemoryRepository) SelectUserCredits(ctx context.Context, userID uint) (*entity.DbUserCredits, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	credits, ok := r.credits[userID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	out := credits
	return &out, nil
}

// UpdateUserCreditsBalance upserts the balance row.
func (r *MemoryRepository) UpdateUserCreditsBalance(ctx context.Context, userID uint, balance float64) error {
	if userID == 0 {
		return fmt.Errorf("invalid user id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	credits, ok := r.credits[userID]
	if !ok {
		credits = entity.DbUserCredits{UserID: userID, CreatedAt: time.Now().UTC()}
	}
	credits.Balance = balance
	credits.UpdatedAt = time.Now().UTC()
	r.credits[userID] = credits
	return nil
}

// UpdateUserCreditsDailyClaim records a daily claim with the new balance.
func (r *MemoryRepository) UpdateUserCreditsDailyClaim(ctx context.Context, userID uint, balance float64, claimedAt time.Time) error {
	if userID == 0 {
		return fmt.Errorf("invalid user id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	credits, ok := r.credits[userID]
	if !ok {
		credits = entity.DbUserCredits{UserID: userID, CreatedAt: time.Now().UTC()}
	}
	credits.Balance = balance
	credits.LastDailyClaimAt = &claimedAt
	credits.UpdatedAt = time.Now().UTC()
	r.credits[userID] = credits
	return nil
}

var _ Repository = (*MemoryRepository)(nil)
