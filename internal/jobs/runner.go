package jobs

import (
	"atelier/internal/credits"
	"atelier/internal/entity"
	"atelier/internal/model"
	"atelier/internal/storage"
	"atelier/internal/utils"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	// ErrorCodeTimeout marks attempts that exceeded the provider deadline.
	ErrorCodeTimeout = "timeout"
	// ErrorCodeProviderError marks network failures, non-2xx responses and
	// unavailable servers.
	ErrorCodeProviderError = "provider_error"

	// serverOwnerShare is the fraction of the credit cost paid to the
	// provider server's owner on success.
	serverOwnerShare = 0.30

	defaultImageDimension = 1024

	// maxImageBytes bounds the provider response body.
	maxImageBytes = 32 << 20
)

// Runner executes one creation job against a provider server and finalises
// the row. It may be invoked from a background goroutine or from the queue
// webhook, possibly more than once for the same image id; the status check
// on the loaded row makes redelivery a safe no-op.
type Runner struct {
	repo            model.Repository
	ledger          *credits.Ledger
	storage         storage.Storage
	client          *http.Client
	providerTimeout time.Duration
}

// NewRunner creates a runner. providerTimeout bounds the outbound provider
// call; zero falls back to 50 seconds.
func NewRunner(repo model.Repository, ledger *credits.Ledger, store storage.Storage, providerTimeout time.Duration) *Runner {
	if providerTimeout <= 0 {
		providerTimeout = 50 * time.Second
	}
	return &Runner{
		repo:            repo,
		ledger:          ledger,
		storage:         store,
		client:          &http.Client{Timeout: providerTimeout},
		providerTimeout: providerTimeout,
	}
}

// Run executes the job. It returns an error only for malformed payloads and
// persistence failures; provider-level failures are written into the row's
// meta and reported as a normal result.
func (r *Runner) Run(ctx context.Context, job CreationJob) (RunResult, error) {
	if err := job.Validate(); err != nil {
		return RunResult{}, err
	}
	if r == nil || r.repo == nil {
		return RunResult{}, fmt.Errorf("runner is not configured")
	}

	image, err := r.repo.SelectCreatedImageByID(ctx, job.CreatedImageID, job.UserID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Row deleted since dispatch. Nothing to do.
			return RunResult{OK: false, Reason: "not_found"}, nil
		}
		return RunResult{}, fmt.Errorf("load created image: %w", err)
	}

	if image.Status != entity.ImageStatusCreating {
		logrus.WithFields(logrus.Fields{
			"created_image_id": image.ID,
			"status":           image.Status,
		}).Info("creation job redelivered for finalised row, skipping")
		return RunResult{OK: true, Skipped: true}, nil
	}

	server, err := r.repo.SelectServerByID(ctx, job.ServerID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return RunResult{}, fmt.Errorf("load server: %w", err)
	}
	if server == nil || !server.IsActive() {
		if err := r.failJob(ctx, image, ErrorCodeProviderError, "server is not available"); err != nil {
			return RunResult{}, err
		}
		return RunResult{OK: true, Reason: ErrorCodeProviderError}, nil
	}

	data, resp, callErr := r.callProvider(ctx, server, job)
	if callErr != nil {
		code := ErrorCodeProviderError
		if isTimeout(callErr) {
			code = ErrorCodeTimeout
		}
		if err := r.failJob(ctx, image, code, callErr.Error()); err != nil {
			return RunResult{}, err
		}
		return RunResult{OK: true, Reason: code}, nil
	}

	done, err := r.buildCompletion(image, data, resp)
	if err != nil {
		return RunResult{}, err
	}
	if err := r.repo.UpdateCreatedImageJobCompleted(ctx, image.ID, done); err != nil {
		return RunResult{}, fmt.Errorf("finalise completed row: %w", err)
	}

	r.payServerOwner(ctx, server, job)

	logrus.WithFields(logrus.Fields{
		"created_image_id": image.ID,
		"filename":         done.Filename,
		"duration_ms":      done.Meta.DurationMS,
	}).Info("creation job completed")
	return RunResult{OK: true}, nil
}

// callProvider performs the provider invocation with a bounded timeout.
func (r *Runner) callProvider(ctx context.Context, server *entity.DbServer, job CreationJob) ([]byte, *http.Response, error) {
	body, err := json.Marshal(map[string]interface{}{
		"method": job.Method,
		"args":   job.Args,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("marshal provider request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, r.providerTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, server.ServerURL, bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("create provider request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token := strings.TrimSpace(server.AuthToken); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("call provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, nil, fmt.Errorf("provider http %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return nil, nil, fmt.Errorf("read provider response: %w", err)
	}
	if len(data) == 0 {
		return nil, nil, fmt.Errorf("provider returned empty body")
	}
	return data, resp, nil
}

// buildCompletion uploads the image bytes and assembles the final row state.
func (r *Runner) buildCompletion(image *entity.DbCreatedImage, data []byte, resp *http.Response) (entity.ImageCompletion, error) {
	if r.storage == nil {
		return entity.ImageCompletion{}, fmt.Errorf("storage is not configured")
	}

	ext := utils.ExtensionFromMime(resp.Header.Get("Content-Type"))
	if ext == "" {
		ext = utils.ExtensionFromMime(http.DetectContentType(data))
	}
	if ext == "" {
		ext = "png"
	}
	filename := fmt.Sprintf("%s.%s", uuid.NewString(), ext)

	uploadCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	url, err := r.storage.UploadImage(uploadCtx, data, filename)
	if err != nil {
		return entity.ImageCompletion{}, fmt.Errorf("upload image: %w", err)
	}

	now := time.Now().UTC()
	meta := image.Meta
	meta.CompletedAt = &now
	if !meta.StartedAt.IsZero() {
		meta.DurationMS = now.Sub(meta.StartedAt).Milliseconds()
	}

	return entity.ImageCompletion{
		Filename: filename,
		URL:      url,
		Width:    headerDimension(resp, "X-Image-Width"),
		Height:   headerDimension(resp, "X-Image-Height"),
		Color:    strings.TrimSpace(resp.Header.Get("X-Image-Color")),
		Meta:     meta,
	}, nil
}

// failJob finalises the row as failed and refunds the attempt's cost at
// most once. The credits_refunded flag is persisted in the same failure
// write that triggers the refund.
func (r *Runner) failJob(ctx context.Context, image *entity.DbCreatedImage, code, message string) error {
	now := time.Now().UTC()
	meta := image.Meta
	meta.FailedAt = &now
	meta.ErrorCode = code
	meta.Error = message
	if !meta.StartedAt.IsZero() {
		meta.DurationMS = now.Sub(meta.StartedAt).Milliseconds()
	}

	refund := !meta.CreditsRefunded && meta.CreditCost > 0
	if refund {
		meta.CreditsRefunded = true
	}

	if err := r.repo.UpdateCreatedImageJobFailed(ctx, image.ID, meta); err != nil {
		return fmt.Errorf("finalise failed row: %w", err)
	}

	if refund && r.ledger != nil {
		if _, err := r.ledger.Credit(ctx, image.UserID, meta.CreditCost); err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"created_image_id": image.ID,
				"user_id":          image.UserID,
			}).Error("failed to refund credits")
		}
	}

	logrus.WithFields(logrus.Fields{
		"created_image_id": image.ID,
		"error_code":       code,
		"error":            message,
	}).Warn("creation job failed")
	return nil
}

// payServerOwner credits the server owner their share of the cost. Best
// effort: a failure here never fails the job.
func (r *Runner) payServerOwner(ctx context.Context, server *entity.DbServer, job CreationJob) {
	if r.ledger == nil || server.OwnerID == 0 || job.CreditCost <= 0 {
		return
	}
	share := job.CreditCost * serverOwnerShare
	if _, err := r.ledger.Credit(ctx, server.OwnerID, share); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"server_id": server.ID,
			"owner_id":  server.OwnerID,
		}).Warn("failed to credit server owner")
	}
}

func headerDimension(resp *http.Response, header string) int {
	raw := strings.TrimSpace(resp.Header.Get(header))
	if raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			return parsed
		}
	}
	return defaultImageDimension
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
