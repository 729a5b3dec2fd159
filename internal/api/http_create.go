package api

import (
	"atelier/internal/entity"
	"atelier/internal/jobs"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// maxWorkerBodyBytes bounds the queue callback body.
const maxWorkerBodyBytes = 1 << 20

// CreateImage handles POST /api/create: validates the request, debits the
// caller, writes the creating row and dispatches the job. The response is
// returned before the provider is called.
func (h *HTTPHandler) CreateImage(c *gin.Context) {
	user := CurrentUser(c)
	if user == nil {
		Unauthorized(c, "authentication required")
		return
	}

	var req entity.CreateImageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		InvalidPayload(c)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()

	resp, err := h.creationService.Create(ctx, user.ID, user.IsAdmin(), &req)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// WorkerCallback handles POST /api/create/worker: the queue delivering a
// previously published job payload. The signature header is verified
// against the signing keys before the body is trusted; deliveries are
// at-least-once, so the runner treats repeats as no-ops.
func (h *HTTPHandler) WorkerCallback(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWorkerBodyBytes))
	if err != nil {
		InvalidPayload(c)
		return
	}

	if h.verifier == nil {
		Unauthorized(c, "worker callbacks are not configured")
		return
	}
	if err := h.verifier.Verify(c.GetHeader(jobs.SignatureHeader), body); err != nil {
		logrus.WithError(err).Warn("rejected worker callback with bad signature")
		Unauthorized(c, "invalid signature")
		return
	}

	var job jobs.CreationJob
	if err := json.Unmarshal(body, &job); err != nil {
		InvalidPayload(c)
		return
	}

	result, err := h.runner.Run(c.Request.Context(), job)
	if err != nil {
		// Malformed payloads and persistence errors reach here; the queue
		// retries on 500.
		logrus.WithError(err).WithField("created_image_id", job.CreatedImageID).Error("worker run failed")
		InternalError(c, "job execution failed")
		return
	}
	c.JSON(http.StatusOK, result)
}

// RetryImage handles POST /api/create/images/:id/retry: the client-triggered
// stale-to-failed transition. No provider call happens here; the client
// follows up with a fresh creation request.
func (h *HTTPHandler) RetryImage(c *gin.Context) {
	user := CurrentUser(c)
	if user == nil {
		Unauthorized(c, "authentication required")
		return
	}

	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		BadRequest(c, ErrCodeInvalidRequest, "invalid image id")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	if err := h.creationService.MarkStaleFailed(ctx, user.ID, user.IsAdmin(), uint(id)); err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
