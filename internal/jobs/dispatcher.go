package jobs

import (
	"atelier/internal/config"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Dispatcher hands a creation job to the runner. The strategy is selected
// once at configuration time: publish to the external queue, or execute in
// a background goroutine of this process. Redelivery semantics belong to
// the queue; dispatchers never retry.
type Dispatcher interface {
	Dispatch(ctx context.Context, job CreationJob) error
}

const (
	DispatchModeLocal = "local"
	DispatchModeQueue = "queue"
)

// NewDispatcher selects the dispatch strategy from configuration. A queue
// deployment without a publish token is a fatal configuration error.
func NewDispatcher(cfg config.Config, runner *Runner) (Dispatcher, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.DispatchMode))
	switch mode {
	case "", DispatchModeLocal:
		return NewLocalDispatcher(runner, nil), nil
	case DispatchModeQueue:
		return NewQueueDispatcher(cfg.QueueURL, cfg.QueueToken, cfg.WorkerCallbackURL)
	default:
		return nil, fmt.Errorf("unsupported dispatch mode: %s", cfg.DispatchMode)
	}
}

// QueueDispatcher publishes job payloads to the external queue, which later
// delivers them to the worker webhook with a verifiable signature.
type QueueDispatcher struct {
	client      *http.Client
	queueURL    string
	token       string
	callbackURL string
}

// NewQueueDispatcher creates the queue-backed dispatcher. The publish token
// and the callback URL are required; missing either is a configuration
// error raised here rather than silently dropping jobs later.
func NewQueueDispatcher(queueURL, token, callbackURL string) (*QueueDispatcher, error) {
	queueURL = strings.TrimRight(strings.TrimSpace(queueURL), "/")
	if queueURL == "" {
		return nil, errors.New("queue url is not configured")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("queue token is not configured")
	}
	callbackURL = strings.TrimSpace(callbackURL)
	if callbackURL == "" {
		return nil, errors.New("worker callback url is not configured")
	}
	return &QueueDispatcher{
		client:      &http.Client{Timeout: 15 * time.Second},
		queueURL:    queueURL,
		token:       token,
		callbackURL: callbackURL,
	}, nil
}

// Dispatch publishes the payload. A non-2xx publish response is raised to
// the caller.
func (d *QueueDispatcher) Dispatch(ctx context.Context, job CreationJob) error {
	if d == nil || d.client == nil {
		return errors.New("queue dispatcher is not configured")
	}
	if err := job.Validate(); err != nil {
		return err
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job payload: %w", err)
	}

	publishURL := fmt.Sprintf("%s/v2/publish/%s", d.queueURL, d.callbackURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, publishURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create publish request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+d.token)

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("publish job: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("publish job http %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	logrus.WithFields(logrus.Fields{
		"created_image_id": job.CreatedImageID,
		"server_id":        job.ServerID,
		"method":           job.Method,
	}).Info("published creation job")
	return nil
}

// FailureSink receives errors from background job executions. Failures at
// this point belong to the row's meta, not to the original request, so the
// sink only observes them.
type FailureSink func(job CreationJob, err error)

// LocalDispatcher executes jobs in a supervised background goroutine of the
// current process. The HTTP response has already been sent when the job
// runs; failures and panics go to the failure sink, never to the caller.
type LocalDispatcher struct {
	runner *Runner
	sink   FailureSink
	wg     sync.WaitGroup
}

// NewLocalDispatcher creates the in-process dispatcher. A nil sink falls
// back to structured logging.
func NewLocalDispatcher(runner *Runner, sink FailureSink) *LocalDispatcher {
	if sink == nil {
		sink = logFailure
	}
	return &LocalDispatcher{runner: runner, sink: sink}
}

// Dispatch schedules the job and returns immediately.
func (d *LocalDispatcher) Dispatch(ctx context.Context, job CreationJob) error {
	if d == nil || d.runner == nil {
		return errors.New("local dispatcher is not configured")
	}
	if err := job.Validate(); err != nil {
		return err
	}

	d.wg.Add(1)
	go d.execute(job)
	return nil
}

func (d *LocalDispatcher) execute(job CreationJob) {
	defer d.wg.Done()
	defer func() {
		if rec := recover(); rec != nil {
			d.sink(job, fmt.Errorf("job panicked: %v", rec))
		}
	}()

	// Detached from the request context on purpose: the client already got
	// its "creating" response.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	if _, err := d.runner.Run(ctx, job); err != nil {
		d.sink(job, err)
	}
}

// Wait blocks until all scheduled jobs finished. Used by tests and by
// graceful shutdown.
func (d *LocalDispatcher) Wait() {
	d.wg.Wait()
}

func logFailure(job CreationJob, err error) {
	logrus.WithError(err).WithFields(logrus.Fields{
		"created_image_id": job.CreatedImageID,
		"user_id":          job.UserID,
		"server_id":        job.ServerID,
	}).Error("background creation job failed")
}

var _ Dispatcher = (*QueueDispatcher)(nil)
var _ Dispatcher = (*LocalDispatcher)(nil)
