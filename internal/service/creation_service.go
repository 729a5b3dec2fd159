package service

import (
	"atelier/internal/config"
	"atelier/internal/credits"
	"atelier/internal/entity"
	"atelier/internal/jobs"
	"atelier/internal/model"
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// CreationService owns the creation-request lifecycle: validation, billing,
// the durable initial row, and handing the job to the dispatcher. The three
// request shapes (new, retry-in-place, mutate-from-source) all converge on
// the same debit-insert-dispatch sequence.
type CreationService struct {
	repo            model.Repository
	ledger          *credits.Ledger
	dispatcher      jobs.Dispatcher
	publicBaseURL   string
	providerTimeout time.Duration
	retryBuffer     time.Duration
}

// NewCreationService wires the service from configuration.
func NewCreationService(cfg config.Config, repo model.Repository, ledger *credits.Ledger, dispatcher jobs.Dispatcher) *CreationService {
	return &CreationService{
		repo:            repo,
		ledger:          ledger,
		dispatcher:      dispatcher,
		publicBaseURL:   strings.TrimRight(strings.TrimSpace(cfg.PublicBaseURL), "/"),
		providerTimeout: time.Duration(cfg.ProviderTimeoutSeconds) * time.Second,
		retryBuffer:     time.Duration(cfg.RetryBufferSeconds) * time.Second,
	}
}

// Create handles POST /api/create. The row is written before the job is
// dispatched so a crash after the debit still leaves an auditable row.
func (s *CreationService) Create(ctx context.Context, userID uint, isAdmin bool, req *entity.CreateImageRequest) (*entity.CreateImageResponse, error) {
	if req == nil {
		return nil, NewValidationError("request body is required")
	}
	if req.ServerID == 0 {
		return nil, NewValidationError("server_id is required")
	}
	if strings.TrimSpace(req.Method) == "" {
		return nil, NewValidationError("method is required")
	}
	if len(strings.TrimSpace(req.CreationToken)) < entity.MinCreationTokenLength {
		return nil, NewValidationError("creation_token must be at least %d characters", entity.MinCreationTokenLength)
	}
	if req.RetryOfID != 0 && req.MutateOfID != 0 {
		return nil, NewValidationError("retry_of_id and mutate_of_id are mutually exclusive")
	}

	server, err := s.repo.SelectServerByID(ctx, req.ServerID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &NotFoundError{Resource: "server", ID: req.ServerID}
		}
		return nil, err
	}
	if !server.IsActive() {
		return nil, NewValidationError("server %d is not active", server.ID)
	}
	if _, ok := server.Methods[req.Method]; !ok {
		return nil, NewValidationError("method %q is not available on server %d", req.Method, server.ID)
	}
	cost := server.Methods.CreditsFor(req.Method)

	if req.RetryOfID != 0 {
		return s.retryInPlace(ctx, userID, isAdmin, server, cost, req)
	}

	args := req.Args
	var history entity.UintArray
	if req.MutateOfID != 0 {
		source, err := s.resolveMutationSource(ctx, userID, isAdmin, req.MutateOfID)
		if err != nil {
			return nil, err
		}
		history = append(append(entity.UintArray{}, source.Meta.History...), source.ID)
		args = s.normalizeImageArgs(args)
	}

	remaining, err := s.debit(ctx, userID, cost)
	if err != nil {
		return nil, err
	}

	meta := s.buildMeta(server, cost, req, history)
	row := &entity.DbCreatedImage{
		UserID:   userID,
		Filename: entity.PlaceholderFilename,
		Status:   entity.ImageStatusCreating,
		Meta:     meta,
	}
	row.Meta.Args = args
	if err := s.repo.InsertCreatedImage(ctx, row); err != nil {
		return nil, err
	}

	if err := s.dispatch(ctx, row.ID, userID, server.ID, req.Method, args, cost); err != nil {
		return nil, err
	}

	return &entity.CreateImageResponse{
		ID:               row.ID,
		Status:           row.Status,
		CreatedAt:        row.CreatedAt,
		Meta:             row.Meta,
		CreditsRemaining: remaining,
	}, nil
}

// retryInPlace resets a failed (or timed-out creating) row back to creating
// under the same id. Existing history is preserved; a never-refunded prior
// cost is refunded before the re-debit so the user is charged exactly once
// per attempt. The refund is recorded on the row before the ledger credit,
// so a retry that fails at the re-debit leaves the attempt marked refunded.
func (s *CreationService) retryInPlace(ctx context.Context, userID uint, isAdmin bool, server *entity.DbServer, cost float64, req *entity.CreateImageRequest) (*entity.CreateImageResponse, error) {
	ownerFilter := userID
	if isAdmin {
		ownerFilter = 0
	}
	row, err := s.repo.SelectCreatedImageByID(ctx, req.RetryOfID, ownerFilter)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &NotFoundError{Resource: "created image", ID: req.RetryOfID}
		}
		return nil, err
	}

	now := time.Now().UTC()
	switch row.Status {
	case entity.ImageStatusFailed:
	case entity.ImageStatusCreating:
		if !row.Meta.TimedOut(now) {
			return nil, NewStateConflictError("creation %d is still in progress", row.ID)
		}
	default:
		return nil, NewStateConflictError("creation %d is %s and cannot be retried", row.ID, row.Status)
	}

	if !row.Meta.CreditsRefunded && row.Meta.CreditCost > 0 {
		refunded := row.Meta
		refunded.CreditsRefunded = true
		if refunded.ErrorCode == "" {
			failedAt := now
			refunded.FailedAt = &failedAt
			refunded.ErrorCode = "timeout"
			refunded.Error = "creation timed out"
		}
		if err := s.repo.UpdateCreatedImageJobFailed(ctx, row.ID, refunded); err != nil {
			return nil, err
		}
		row.Meta = refunded
		if _, err := s.ledger.Credit(ctx, row.UserID, refunded.CreditCost); err != nil {
			return nil, err
		}
	}

	remaining, err := s.debit(ctx, userID, cost)
	if err != nil {
		return nil, err
	}

	meta := s.buildMeta(server, cost, req, row.Meta.History)
	if err := s.repo.ResetCreatedImageForRetry(ctx, row.ID, meta); err != nil {
		return nil, err
	}

	if err := s.dispatch(ctx, row.ID, row.UserID, server.ID, req.Method, req.Args, cost); err != nil {
		return nil, err
	}

	return &entity.CreateImageResponse{
		ID:               row.ID,
		Status:           entity.ImageStatusCreating,
		CreatedAt:        row.CreatedAt,
		Meta:             meta,
		CreditsRemaining: remaining,
	}, nil
}

// MarkStaleFailed transitions a creating row whose recovery deadline has
// passed to failed without touching the provider, refunding the attempt
// once. It enables the client to follow up with a fresh creation request.
func (s *CreationService) MarkStaleFailed(ctx context.Context, userID uint, isAdmin bool, id uint) error {
	ownerFilter := userID
	if isAdmin {
		ownerFilter = 0
	}
	row, err := s.repo.SelectCreatedImageByID(ctx, id, ownerFilter)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &NotFoundError{Resource: "created image", ID: id}
		}
		return err
	}
	if row.Status != entity.ImageStatusCreating {
		return NewStateConflictError("creation %d is %s, not creating", row.ID, row.Status)
	}
	now := time.Now().UTC()
	if !row.Meta.TimedOut(now) {
		return NewStateConflictError("creation %d has not reached its recovery deadline", row.ID)
	}

	meta := row.Meta
	failedAt := now
	meta.FailedAt = &failedAt
	meta.ErrorCode = "timeout"
	meta.Error = "creation timed out"
	if !meta.StartedAt.IsZero() {
		meta.DurationMS = now.Sub(meta.StartedAt).Milliseconds()
	}

	refund := !meta.CreditsRefunded && meta.CreditCost > 0
	if refund {
		meta.CreditsRefunded = true
	}
	if err := s.repo.UpdateCreatedImageJobFailed(ctx, row.ID, meta); err != nil {
		return err
	}
	if refund {
		if _, err := s.ledger.Credit(ctx, row.UserID, meta.CreditCost); err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"created_image_id": row.ID,
				"user_id":          row.UserID,
			}).Error("failed to refund stale creation")
		}
	}
	return nil
}

// GetImage returns a single row visible to the caller.
func (s *CreationService) GetImage(ctx context.Context, userID uint, isAdmin bool, id uint) (*entity.DbCreatedImage, error) {
	row, err := s.repo.SelectCreatedImageByID(ctx, id, 0)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &NotFoundError{Resource: "created image", ID: id}
		}
		return nil, err
	}
	if !row.VisibleTo(userID, isAdmin) {
		return nil, &NotFoundError{Resource: "created image", ID: id}
	}
	return row, nil
}

// ListImages returns the caller's creations, newest first.
func (s *CreationService) ListImages(ctx context.Context, userID uint, isAdmin bool, query *entity.CreatedImageQuery) (*entity.CreatedImageListResponse, error) {
	if query == nil {
		query = &entity.CreatedImageQuery{}
	}
	query.UserID = userID
	query.IncludeAll = isAdmin && query.IncludeAll
	images, meta, err := s.repo.ListCreatedImages(ctx, query)
	if err != nil {
		return nil, err
	}
	return &entity.CreatedImageListResponse{Images: images, Meta: meta}, nil
}

func (s *CreationService) resolveMutationSource(ctx context.Context, userID uint, isAdmin bool, id uint) (*entity.DbCreatedImage, error) {
	source, err := s.repo.SelectCreatedImageByID(ctx, id, 0)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &NotFoundError{Resource: "created image", ID: id}
		}
		return nil, err
	}
	if !source.VisibleTo(userID, isAdmin) {
		return nil, &NotFoundError{Resource: "created image", ID: id}
	}
	return source, nil
}

// debit checks the balance and subtracts the cost, returning the remaining
// balance. The check and the write are separate repository calls; a crash
// in between loses at most one debit, never a row.
func (s *CreationService) debit(ctx context.Context, userID uint, cost float64) (float64, error) {
	balance, err := s.ledger.Balance(ctx, userID)
	if err != nil {
		return 0, err
	}
	if balance < cost {
		return 0, &InsufficientCreditsError{Required: cost, Current: balance}
	}
	return s.ledger.Debit(ctx, userID, cost)
}

func (s *CreationService) buildMeta(server *entity.DbServer, cost float64, req *entity.CreateImageRequest, history entity.UintArray) entity.CreationMeta {
	now := time.Now().UTC()
	methodName := req.Method
	if entry, ok := server.Methods[req.Method]; ok && entry.DisplayName != "" {
		methodName = entry.DisplayName
	}
	return entity.CreationMeta{
		Version:       entity.CreationMetaVersion,
		CreationToken: req.CreationToken,
		ServerID:      server.ID,
		ServerName:    server.Name,
		ServerURL:     server.ServerURL,
		Method:        req.Method,
		MethodName:    methodName,
		Args:          req.Args,
		StartedAt:     now,
		TimeoutAt:     now.Add(s.providerTimeout + s.retryBuffer),
		CreditCost:    cost,
		History:       history,
		MutateOfID:    req.MutateOfID,
	}
}

func (s *CreationService) dispatch(ctx context.Context, imageID, userID, serverID uint, method string, args entity.JSONMap, cost float64) error {
	job := jobs.CreationJob{
		CreatedImageID: imageID,
		UserID:         userID,
		ServerID:       serverID,
		Method:         method,
		Args:           args,
		CreditCost:     cost,
	}
	return s.dispatcher.Dispatch(ctx, job)
}

// normalizeImageArgs rewrites args.image_url to a same-origin URL. Mutation
// sources are always files this deployment served, so a foreign origin in
// the URL is client noise to be stripped, keeping path, query and fragment.
func (s *CreationService) normalizeImageArgs(args entity.JSONMap) entity.JSONMap {
	if args == nil {
		return nil
	}
	raw, ok := args["image_url"].(string)
	if !ok || strings.TrimSpace(raw) == "" {
		return args
	}
	normalized := s.normalizeImageURL(raw)
	if normalized == raw {
		return args
	}
	out := args.Clone()
	out["image_url"] = normalized
	return out
}

func (s *CreationService) normalizeImageURL(raw string) string {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return raw
	}
	if parsed.Host == "" && parsed.Scheme == "" {
		// Already relative.
		if s.publicBaseURL == "" {
			return raw
		}
		return s.publicBaseURL + ensureLeadingSlash(parsed.RequestURI()) + fragmentSuffix(parsed)
	}
	rebuilt := ensureLeadingSlash(parsed.RequestURI()) + fragmentSuffix(parsed)
	if s.publicBaseURL == "" {
		return rebuilt
	}
	return s.publicBaseURL + rebuilt
}

func ensureLeadingSlash(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		return "/" + p
	}
	return p
}

func fragmentSuffix(u *url.URL) string {
	if u.Fragment == "" {
		return ""
	}
	return "#" + u.Fragment
}
