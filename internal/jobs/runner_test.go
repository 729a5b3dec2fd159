package jobs

import (
	"atelier/internal/credits"
	"atelier/internal/entity"
	"atelier/internal/model"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubStorage struct {
	uploads []string
	fail    bool
}

func (s *stubStorage) UploadImage(ctx context.Context, data []byte, filename string) (string, error) {
	if s.fail {
		return "", fmt.Errorf("bucket unavailable")
	}
	s.uploads = append(s.uploads, filename)
	return "https://cdn.test/" + filename, nil
}

type runnerFixture struct {
	repo    *model.MemoryRepository
	ledger  *credits.Ledger
	storage *stubStorage
	runner  *Runner

	userID   uint
	ownerID  uint
	serverID uint
	imageID  uint
}

func newRunnerFixture(t *testing.T, serverURL string) *runnerFixture {
	t.Helper()
	ctx := context.Background()
	repo := model.NewMemoryRepository()
	ledger := credits.NewLedger(repo)
	store := &stubStorage{}

	user := &entity.DbUser{Email: "user@example.com", Role: entity.UserRoleUser, IsActive: true}
	require.NoError(t, repo.CreateUser(ctx, user))
	owner := &entity.DbUser{Email: "owner@example.com", Role: entity.UserRoleUser, IsActive: true}
	require.NoError(t, repo.CreateUser(ctx, owner))

	server := &entity.DbServer{
		OwnerID:   owner.ID,
		Name:      "test provider",
		ServerURL: serverURL,
		AuthToken: "provider-token",
		Status:    entity.ServerStatusActive,
		Methods:   entity.MethodMap{"txt2img": {Credits: entity.MethodCredits(1)}},
	}
	require.NoError(t, repo.CreateServer(ctx, server))

	now := time.Now().UTC()
	image := &entity.DbCreatedImage{
		UserID:   user.ID,
		Filename: entity.PlaceholderFilename,
		Status:   entity.ImageStatusCreating,
		Meta: entity.CreationMeta{
			Version:    entity.CreationMetaVersion,
			ServerID:   server.ID,
			ServerName: server.Name,
			Method:     "txt2img",
			StartedAt:  now,
			TimeoutAt:  now.Add(80 * time.Second),
			CreditCost: 1,
		},
	}
	require.NoError(t, repo.InsertCreatedImage(ctx, image))

	return &runnerFixture{
		repo:     repo,
		ledger:   ledger,
		storage:  store,
		runner:   NewRunner(repo, ledger, store, 2*time.Second),
		userID:   user.ID,
		ownerID:  owner.ID,
		serverID: server.ID,
		imageID:  image.ID,
	}
}

func (f *runnerFixture) job() CreationJob {
	return CreationJob{
		CreatedImageID: f.imageID,
		UserID:         f.userID,
		ServerID:       f.serverID,
		Method:         "txt2img",
		CreditCost:     1,
	}
}

func TestRunnerSuccess(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("X-Image-Width", "512")
		w.Header().Set("X-Image-Height", "768")
		w.Header().Set("X-Image-Color", "#aabbcc")
		w.Write([]byte("png-bytes"))
	}))
	defer srv.Close()

	f := newRunnerFixture(t, srv.URL)
	ctx := context.Background()

	result, err := f.runner.Run(ctx, f.job())
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.False(t, result.Skipped)

	assert.Equal(t, "Bearer provider-token", gotAuth)

	row, err := f.repo.SelectCreatedImageByID(ctx, f.imageID, 0)
	require.NoError(t, err)
	assert.Equal(t, entity.ImageStatusCompleted, row.Status)
	assert.True(t, strings.HasSuffix(row.Filename, ".png"))
	assert.Equal(t, "https://cdn.test/"+row.Filename, row.URL)
	assert.Equal(t, 512, row.Width)
	assert.Equal(t, 768, row.Height)
	assert.Equal(t, "#aabbcc", row.Color)
	require.NotNil(t, row.Meta.CompletedAt)
	assert.False(t, row.Meta.CreditsRefunded)

	// Server owner received their share of the cost.
	balance, err := f.ledger.Balance(ctx, f.ownerID)
	require.NoError(t, err)
	assert.InDelta(t, 0.3, balance, 1e-9)
}

func TestRunnerDefaultDimensions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write([]byte("jpeg-bytes"))
	}))
	defer srv.Close()

	f := newRunnerFixture(t, srv.URL)
	ctx := context.Background()

	_, err := f.runner.Run(ctx, f.job())
	require.NoError(t, err)

	row, err := f.repo.SelectCreatedImageByID(ctx, f.imageID, 0)
	require.NoError(t, err)
	assert.Equal(t, 1024, row.Width)
	assert.Equal(t, 1024, row.Height)
	assert.True(t, strings.HasSuffix(row.Filename, ".jpg"))
}

func TestRunnerProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model exploded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := newRunnerFixture(t, srv.URL)
	ctx := context.Background()

	result, err := f.runner.Run(ctx, f.job())
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.Equal(t, ErrorCodeProviderError, result.Reason)

	row, err := f.repo.SelectCreatedImageByID(ctx, f.imageID, 0)
	require.NoError(t, err)
	assert.Equal(t, entity.ImageStatusFailed, row.Status)
	assert.Equal(t, ErrorCodeProviderError, row.Meta.ErrorCode)
	assert.Contains(t, row.Meta.Error, "model exploded")
	assert.True(t, row.Meta.CreditsRefunded)
	require.NotNil(t, row.Meta.FailedAt)

	// The cost was refunded exactly once.
	balance, err := f.ledger.Balance(ctx, f.userID)
	require.NoError(t, err)
	assert.Equal(t, 1.0, balance)
}

func TestRunnerTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
		w.Write([]byte("too late"))
	}))
	defer srv.Close()

	f := newRunnerFixture(t, srv.URL)
	f.runner = NewRunner(f.repo, f.ledger, f.storage, 50*time.Millisecond)
	ctx := context.Background()

	result, err := f.runner.Run(ctx, f.job())
	require.NoError(t, err)
	assert.Equal(t, ErrorCodeTimeout, result.Reason)

	row, err := f.repo.SelectCreatedImageByID(ctx, f.imageID, 0)
	require.NoError(t, err)
	assert.Equal(t, entity.ImageStatusFailed, row.Status)
	assert.Equal(t, ErrorCodeTimeout, row.Meta.ErrorCode)
	assert.True(t, row.Meta.CreditsRefunded)
}

func TestRunnerUnavailableServer(t *testing.T) {
	tests := []struct {
		name     string
		inactive bool
	}{
		{name: "server deleted"},
		{name: "server inactive", inactive: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newRunnerFixture(t, "http://127.0.0.1:0")

			job := f.job()
			if tt.inactive {
				// The server was deactivated after dispatch.
				retired := &entity.DbServer{
					OwnerID:   f.ownerID,
					Name:      "retired provider",
					ServerURL: "http://127.0.0.1:0",
					Status:    entity.ServerStatusInactive,
					Methods:   entity.MethodMap{"txt2img": {Credits: entity.MethodCredits(1)}},
				}
				require.NoError(t, f.repo.CreateServer(ctx, retired))
				job.ServerID = retired.ID
			} else {
				job.ServerID = 99
			}

			result, err := f.runner.Run(ctx, job)
			require.NoError(t, err)
			assert.Equal(t, ErrorCodeProviderError, result.Reason)

			row, err := f.repo.SelectCreatedImageByID(ctx, f.imageID, 0)
			require.NoError(t, err)
			assert.Equal(t, entity.ImageStatusFailed, row.Status)
			assert.True(t, row.Meta.CreditsRefunded)
		})
	}
}

func TestRunnerRedeliveryIsNoOp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("png-bytes"))
	}))
	defer srv.Close()

	f := newRunnerFixture(t, srv.URL)
	ctx := context.Background()

	_, err := f.runner.Run(ctx, f.job())
	require.NoError(t, err)

	// The queue delivers at least once; the second delivery must not call
	// the provider or upload again.
	result, err := f.runner.Run(ctx, f.job())
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.True(t, result.Skipped)
	assert.Len(t, f.storage.uploads, 1)

	balance, err := f.ledger.Balance(ctx, f.ownerID)
	require.NoError(t, err)
	assert.InDelta(t, 0.3, balance, 1e-9)
}

func TestRunnerMissingRow(t *testing.T) {
	f := newRunnerFixture(t, "http://127.0.0.1:0")

	job := f.job()
	job.CreatedImageID = 4242

	result, err := f.runner.Run(context.Background(), job)
	require.NoError(t, err)
	assert.False(t, result.OK)
	assert.Equal(t, "not_found", result.Reason)
}

func TestRunnerRejectsMalformedPayload(t *testing.T) {
	f := newRunnerFixture(t, "http://127.0.0.1:0")

	tests := []struct {
		name   string
		mutate func(*CreationJob)
	}{
		{name: "missing image id", mutate: func(j *CreationJob) { j.CreatedImageID = 0 }},
		{name: "missing user id", mutate: func(j *CreationJob) { j.UserID = 0 }},
		{name: "missing server id", mutate: func(j *CreationJob) { j.ServerID = 0 }},
		{name: "missing method", mutate: func(j *CreationJob) { j.Method = "" }},
		{name: "negative cost", mutate: func(j *CreationJob) { j.CreditCost = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := f.job()
			tt.mutate(&job)
			_, err := f.runner.Run(context.Background(), job)
			assert.Error(t, err)
		})
	}
}

func TestCreationJobZeroCostIsValid(t *testing.T) {
	// Free methods dispatch jobs with credit_cost 0.
	job := CreationJob{CreatedImageID: 1, UserID: 2, ServerID: 3, Method: "preview"}
	assert.NoError(t, job.Validate())
}

func TestRunnerUploadFailureKeepsRowCreating(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("png-bytes"))
	}))
	defer srv.Close()

	f := newRunnerFixture(t, srv.URL)
	f.storage.fail = true
	ctx := context.Background()

	_, err := f.runner.Run(ctx, f.job())
	require.Error(t, err)

	// The row stays creating so queue redelivery or the stale-timeout path
	// can still resolve it.
	row, err := f.repo.SelectCreatedImageByID(ctx, f.imageID, 0)
	require.NoError(t, err)
	assert.Equal(t, entity.ImageStatusCreating, row.Status)
}
