package service

import (
	"atelier/internal/config"
	"atelier/internal/credits"
	"atelier/internal/entity"
	"atelier/internal/jobs"
	"atelier/internal/model"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubDispatcher struct {
	dispatched []jobs.CreationJob
	err        error
}

func (d *stubDispatcher) Dispatch(ctx context.Context, job jobs.CreationJob) error {
	if d.err != nil {
		return d.err
	}
	d.dispatched = append(d.dispatched, job)
	return nil
}

type serviceFixture struct {
	repo       *model.MemoryRepository
	ledger     *credits.Ledger
	dispatcher *stubDispatcher
	svc        *CreationService

	userID   uint
	serverID uint
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	ctx := context.Background()
	repo := model.NewMemoryRepository()
	ledger := credits.NewLedger(repo)
	dispatcher := &stubDispatcher{}

	cfg := config.Config{
		PublicBaseURL:          "https://atelier.example.com",
		ProviderTimeoutSeconds: 50,
		RetryBufferSeconds:     30,
	}
	svc := NewCreationService(cfg, repo, ledger, dispatcher)

	user := &entity.DbUser{Email: "user@example.com", Role: entity.UserRoleUser, IsActive: true}
	require.NoError(t, repo.CreateUser(ctx, user))

	server := &entity.DbServer{
		OwnerID:   user.ID,
		Name:      "test provider",
		ServerURL: "https://provider.example.com/generate",
		Status:    entity.ServerStatusActive,
		Methods: entity.MethodMap{
			"txt2img": {Credits: entity.MethodCredits(1)},
			"upscale": {},
		},
	}
	require.NoError(t, repo.CreateServer(ctx, server))

	_, err := ledger.Credit(ctx, user.ID, 3)
	require.NoError(t, err)

	return &serviceFixture{
		repo:       repo,
		ledger:     ledger,
		dispatcher: dispatcher,
		svc:        svc,
		userID:     user.ID,
		serverID:   server.ID,
	}
}

func (f *serviceFixture) request() *entity.CreateImageRequest {
	return &entity.CreateImageRequest{
		ServerID:      f.serverID,
		Method:        "txt2img",
		Args:          entity.JSONMap{"prompt": "a lighthouse"},
		CreationToken: "token-1234567890",
	}
}

func TestCreateValidation(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*entity.CreateImageRequest)
	}{
		{name: "missing server id", mutate: func(r *entity.CreateImageRequest) { r.ServerID = 0 }},
		{name: "missing method", mutate: func(r *entity.CreateImageRequest) { r.Method = " " }},
		{name: "short creation token", mutate: func(r *entity.CreateImageRequest) { r.CreationToken = "short" }},
		{name: "retry and mutate together", mutate: func(r *entity.CreateImageRequest) {
			r.RetryOfID = 1
			r.MutateOfID = 2
		}},
		{name: "unknown method", mutate: func(r *entity.CreateImageRequest) { r.Method = "inpaint" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := f.request()
			tt.mutate(req)
			_, err := f.svc.Create(ctx, f.userID, false, req)
			var validationErr *ValidationError
			assert.ErrorAs(t, err, &validationErr)
		})
	}
}

func TestCreateServerNotFound(t *testing.T) {
	f := newServiceFixture(t)

	req := f.request()
	req.ServerID = 99
	_, err := f.svc.Create(context.Background(), f.userID, false, req)

	var notFoundErr *NotFoundError
	assert.ErrorAs(t, err, &notFoundErr)
}

func TestCreateInactiveServer(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	inactive := &entity.DbServer{
		Name:      "retired",
		ServerURL: "https://retired.example.com",
		Status:    entity.ServerStatusInactive,
		Methods:   entity.MethodMap{"txt2img": {Credits: entity.MethodCredits(1)}},
	}
	require.NoError(t, f.repo.CreateServer(ctx, inactive))

	req := f.request()
	req.ServerID = inactive.ID
	_, err := f.svc.Create(ctx, f.userID, false, req)

	var validationErr *ValidationError
	assert.ErrorAs(t, err, &validationErr)
}

func TestCreateInsufficientCredits(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	// Drain the balance down to less than the method cost.
	_, err := f.ledger.Debit(ctx, f.userID, 2.5)
	require.NoError(t, err)

	_, err = f.svc.Create(ctx, f.userID, false, f.request())

	var insufficientErr *InsufficientCreditsError
	require.ErrorAs(t, err, &insufficientErr)
	assert.Equal(t, 1.0, insufficientErr.Required)
	assert.Equal(t, 0.5, insufficientErr.Current)
	assert.Empty(t, f.dispatcher.dispatched)
}

func TestCreateNew(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	resp, err := f.svc.Create(ctx, f.userID, false, f.request())
	require.NoError(t, err)

	assert.Equal(t, entity.ImageStatusCreating, resp.Status)
	assert.Equal(t, 2.0, resp.CreditsRemaining)
	assert.Equal(t, 1.0, resp.Meta.CreditCost)
	assert.Equal(t, "token-1234567890", resp.Meta.CreationToken)
	assert.Equal(t, "test provider", resp.Meta.ServerName)

	// timeout_at is fixed at creation: started_at + provider timeout + buffer.
	expected := resp.Meta.StartedAt.Add(80 * time.Second)
	assert.Equal(t, expected, resp.Meta.TimeoutAt)

	row, err := f.repo.SelectCreatedImageByID(ctx, resp.ID, f.userID)
	require.NoError(t, err)
	assert.Equal(t, entity.PlaceholderFilename, row.Filename)
	assert.Equal(t, entity.ImageStatusCreating, row.Status)

	require.Len(t, f.dispatcher.dispatched, 1)
	job := f.dispatcher.dispatched[0]
	assert.Equal(t, resp.ID, job.CreatedImageID)
	assert.Equal(t, f.userID, job.UserID)
	assert.Equal(t, 1.0, job.CreditCost)
}

func TestCreateDefaultMethodCost(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	req := f.request()
	req.Method = "upscale"
	resp, err := f.svc.Create(ctx, f.userID, false, req)
	require.NoError(t, err)

	assert.Equal(t, entity.DefaultMethodCredits, resp.Meta.CreditCost)
	assert.Equal(t, 2.5, resp.CreditsRemaining)
}

func TestCreateMutateBuildsHistory(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	first, err := f.svc.Create(ctx, f.userID, false, f.request())
	require.NoError(t, err)

	req := f.request()
	req.MutateOfID = first.ID
	second, err := f.svc.Create(ctx, f.userID, false, req)
	require.NoError(t, err)
	assert.Equal(t, entity.UintArray{first.ID}, second.Meta.History)
	assert.Equal(t, first.ID, second.Meta.MutateOfID)

	req = f.request()
	req.MutateOfID = second.ID
	third, err := f.svc.Create(ctx, f.userID, false, req)
	require.NoError(t, err)
	assert.Equal(t, entity.UintArray{first.ID, second.ID}, third.Meta.History)
}

func TestCreateMutateInvisibleSource(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	other := &entity.DbUser{Email: "other@example.com", Role: entity.UserRoleUser, IsActive: true}
	require.NoError(t, f.repo.CreateUser(ctx, other))
	_, err := f.ledger.Credit(ctx, other.ID, 3)
	require.NoError(t, err)

	// A private image owned by someone else is not a valid mutation source.
	source, err := f.svc.Create(ctx, other.ID, false, f.request())
	require.NoError(t, err)

	req := f.request()
	req.MutateOfID = source.ID
	_, err = f.svc.Create(ctx, f.userID, false, req)

	var notFoundErr *NotFoundError
	assert.ErrorAs(t, err, &notFoundErr)
}

func TestCreateMutateNormalizesImageURL(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	source, err := f.svc.Create(ctx, f.userID, false, f.request())
	require.NoError(t, err)

	req := f.request()
	req.MutateOfID = source.ID
	req.Args = entity.JSONMap{
		"prompt":    "brighter",
		"image_url": "https://evil.example.net/files/2026/08/a.png?v=2#frag",
	}
	resp, err := f.svc.Create(ctx, f.userID, false, req)
	require.NoError(t, err)

	assert.Equal(t, "https://atelier.example.com/files/2026/08/a.png?v=2#frag", resp.Meta.Args["image_url"])
	// The original request map is not mutated.
	assert.Equal(t, "https://evil.example.net/files/2026/08/a.png?v=2#frag", req.Args["image_url"])
}

func TestRetryInPlace(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	first, err := f.svc.Create(ctx, f.userID, false, f.request())
	require.NoError(t, err)

	// Fail the attempt without refunding, as if the process died mid-run.
	meta := first.Meta
	failedAt := time.Now().UTC()
	meta.FailedAt = &failedAt
	meta.ErrorCode = "provider_error"
	meta.Error = "connection refused"
	require.NoError(t, f.repo.UpdateCreatedImageJobFailed(ctx, first.ID, meta))

	balanceBefore, err := f.ledger.Balance(ctx, f.userID)
	require.NoError(t, err)
	assert.Equal(t, 2.0, balanceBefore)

	req := f.request()
	req.RetryOfID = first.ID
	resp, err := f.svc.Create(ctx, f.userID, false, req)
	require.NoError(t, err)

	// Same id, fresh attempt. The unrefunded prior cost came back before the
	// re-debit, so the balance is unchanged overall.
	assert.Equal(t, first.ID, resp.ID)
	assert.Equal(t, entity.ImageStatusCreating, resp.Status)
	assert.Equal(t, 2.0, resp.CreditsRemaining)
	assert.Nil(t, resp.Meta.FailedAt)
	assert.Empty(t, resp.Meta.ErrorCode)

	row, err := f.repo.SelectCreatedImageByID(ctx, first.ID, f.userID)
	require.NoError(t, err)
	assert.Equal(t, entity.ImageStatusCreating, row.Status)
	assert.Equal(t, entity.PlaceholderFilename, row.Filename)

	require.Len(t, f.dispatcher.dispatched, 2)
	assert.Equal(t, first.ID, f.dispatcher.dispatched[1].CreatedImageID)
}

func TestRetryPreservesHistory(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	first, err := f.svc.Create(ctx, f.userID, false, f.request())
	require.NoError(t, err)

	req := f.request()
	req.MutateOfID = first.ID
	second, err := f.svc.Create(ctx, f.userID, false, req)
	require.NoError(t, err)

	meta := second.Meta
	failedAt := time.Now().UTC()
	meta.FailedAt = &failedAt
	meta.ErrorCode = "timeout"
	meta.CreditsRefunded = true
	require.NoError(t, f.repo.UpdateCreatedImageJobFailed(ctx, second.ID, meta))

	req = f.request()
	req.RetryOfID = second.ID
	resp, err := f.svc.Create(ctx, f.userID, false, req)
	require.NoError(t, err)
	assert.Equal(t, entity.UintArray{first.ID}, resp.Meta.History)
}

func TestRetryRefundedAttemptIsNotRefundedAgain(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	first, err := f.svc.Create(ctx, f.userID, false, f.request())
	require.NoError(t, err)

	// The runner already refunded this failure.
	meta := first.Meta
	failedAt := time.Now().UTC()
	meta.FailedAt = &failedAt
	meta.ErrorCode = "provider_error"
	meta.CreditsRefunded = true
	require.NoError(t, f.repo.UpdateCreatedImageJobFailed(ctx, first.ID, meta))
	_, err = f.ledger.Credit(ctx, f.userID, 1)
	require.NoError(t, err)

	req := f.request()
	req.RetryOfID = first.ID
	resp, err := f.svc.Create(ctx, f.userID, false, req)
	require.NoError(t, err)
	assert.Equal(t, 2.0, resp.CreditsRemaining)
}

func TestRetryRefundRecordedWhenRedebitFails(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	created, err := f.svc.Create(ctx, f.userID, false, f.request())
	require.NoError(t, err)

	// Time the attempt out without refunding it, then spend the rest of the
	// balance so the retry's re-debit cannot succeed.
	meta := created.Meta
	meta.StartedAt = time.Now().UTC().Add(-10 * time.Minute)
	meta.TimeoutAt = time.Now().UTC().Add(-9 * time.Minute)
	require.NoError(t, f.repo.ResetCreatedImageForRetry(ctx, created.ID, meta))
	_, err = f.ledger.Debit(ctx, f.userID, 2)
	require.NoError(t, err)

	pricey := &entity.DbServer{
		Name:      "pricey",
		ServerURL: "https://pricey.example.com/generate",
		Status:    entity.ServerStatusActive,
		Methods:   entity.MethodMap{"hires": {Credits: entity.MethodCredits(100)}},
	}
	require.NoError(t, f.repo.CreateServer(ctx, pricey))

	retry := func() error {
		req := f.request()
		req.ServerID = pricey.ID
		req.Method = "hires"
		req.RetryOfID = created.ID
		_, err := f.svc.Create(ctx, f.userID, false, req)
		return err
	}

	var insufficientErr *InsufficientCreditsError
	require.ErrorAs(t, retry(), &insufficientErr)

	// The prior cost came back exactly once; the attempt is finalised as
	// failed with the refund recorded.
	balance, err := f.ledger.Balance(ctx, f.userID)
	require.NoError(t, err)
	assert.Equal(t, 1.0, balance)

	row, err := f.repo.SelectCreatedImageByID(ctx, created.ID, f.userID)
	require.NoError(t, err)
	assert.Equal(t, entity.ImageStatusFailed, row.Status)
	assert.True(t, row.Meta.CreditsRefunded)
	assert.Equal(t, "timeout", row.Meta.ErrorCode)

	// Repeating the retry does not refund the same attempt again.
	require.ErrorAs(t, retry(), &insufficientErr)
	require.ErrorAs(t, retry(), &insufficientErr)
	balance, err = f.ledger.Balance(ctx, f.userID)
	require.NoError(t, err)
	assert.Equal(t, 1.0, balance)
	assert.Len(t, f.dispatcher.dispatched, 1)
}

func TestCreateFreeMethod(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	free := &entity.DbServer{
		Name:      "free tier",
		ServerURL: "https://free.example.com/generate",
		Status:    entity.ServerStatusActive,
		Methods:   entity.MethodMap{"preview": {Credits: entity.MethodCredits(0)}},
	}
	require.NoError(t, f.repo.CreateServer(ctx, free))

	req := f.request()
	req.ServerID = free.ID
	req.Method = "preview"
	resp, err := f.svc.Create(ctx, f.userID, false, req)
	require.NoError(t, err)

	// An explicit zero price charges nothing; only an absent price falls
	// back to the default.
	assert.Equal(t, 0.0, resp.Meta.CreditCost)
	assert.Equal(t, 3.0, resp.CreditsRemaining)
	require.Len(t, f.dispatcher.dispatched, 1)
	assert.Equal(t, 0.0, f.dispatcher.dispatched[0].CreditCost)
}

func TestRetryStateGates(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	inProgress, err := f.svc.Create(ctx, f.userID, false, f.request())
	require.NoError(t, err)

	t.Run("still creating", func(t *testing.T) {
		req := f.request()
		req.RetryOfID = inProgress.ID
		_, err := f.svc.Create(ctx, f.userID, false, req)
		var stateErr *StateConflictError
		assert.ErrorAs(t, err, &stateErr)
	})

	t.Run("completed", func(t *testing.T) {
		done, err := f.svc.Create(ctx, f.userID, false, f.request())
		require.NoError(t, err)
		meta := done.Meta
		completedAt := time.Now().UTC()
		meta.CompletedAt = &completedAt
		require.NoError(t, f.repo.UpdateCreatedImageJobCompleted(ctx, done.ID, entity.ImageCompletion{
			Filename: "done.png",
			URL:      "/files/done.png",
			Meta:     meta,
		}))

		req := f.request()
		req.RetryOfID = done.ID
		_, err = f.svc.Create(ctx, f.userID, false, req)
		var stateErr *StateConflictError
		assert.ErrorAs(t, err, &stateErr)
	})

	t.Run("missing row", func(t *testing.T) {
		req := f.request()
		req.RetryOfID = 4242
		_, err := f.svc.Create(ctx, f.userID, false, req)
		var notFoundErr *NotFoundError
		assert.ErrorAs(t, err, &notFoundErr)
	})

	t.Run("creating past deadline", func(t *testing.T) {
		stale, err := f.svc.Create(ctx, f.userID, false, f.request())
		require.NoError(t, err)

		// Rewind the deadline as if the attempt was dispatched long ago.
		meta := stale.Meta
		meta.StartedAt = time.Now().UTC().Add(-10 * time.Minute)
		meta.TimeoutAt = time.Now().UTC().Add(-9 * time.Minute)
		require.NoError(t, f.repo.ResetCreatedImageForRetry(ctx, stale.ID, meta))

		req := f.request()
		req.RetryOfID = stale.ID
		resp, err := f.svc.Create(ctx, f.userID, false, req)
		require.NoError(t, err)
		assert.Equal(t, stale.ID, resp.ID)
	})
}

func TestMarkStaleFailed(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	created, err := f.svc.Create(ctx, f.userID, false, f.request())
	require.NoError(t, err)

	t.Run("before deadline", func(t *testing.T) {
		err := f.svc.MarkStaleFailed(ctx, f.userID, false, created.ID)
		var stateErr *StateConflictError
		assert.ErrorAs(t, err, &stateErr)
	})

	t.Run("after deadline", func(t *testing.T) {
		meta := created.Meta
		meta.StartedAt = time.Now().UTC().Add(-10 * time.Minute)
		meta.TimeoutAt = time.Now().UTC().Add(-9 * time.Minute)
		require.NoError(t, f.repo.ResetCreatedImageForRetry(ctx, created.ID, meta))

		balanceBefore, err := f.ledger.Balance(ctx, f.userID)
		require.NoError(t, err)

		require.NoError(t, f.svc.MarkStaleFailed(ctx, f.userID, false, created.ID))

		row, err := f.repo.SelectCreatedImageByID(ctx, created.ID, f.userID)
		require.NoError(t, err)
		assert.Equal(t, entity.ImageStatusFailed, row.Status)
		assert.Equal(t, "timeout", row.Meta.ErrorCode)
		assert.True(t, row.Meta.CreditsRefunded)
		require.NotNil(t, row.Meta.FailedAt)

		balanceAfter, err := f.ledger.Balance(ctx, f.userID)
		require.NoError(t, err)
		assert.Equal(t, balanceBefore+1, balanceAfter)
	})

	t.Run("already failed", func(t *testing.T) {
		err := f.svc.MarkStaleFailed(ctx, f.userID, false, created.ID)
		var stateErr *StateConflictError
		assert.ErrorAs(t, err, &stateErr)
	})

	t.Run("not owned", func(t *testing.T) {
		other := &entity.DbUser{Email: "stranger@example.com", Role: entity.UserRoleUser, IsActive: true}
		require.NoError(t, f.repo.CreateUser(ctx, other))

		err := f.svc.MarkStaleFailed(ctx, other.ID, false, created.ID)
		var notFoundErr *NotFoundError
		assert.ErrorAs(t, err, &notFoundErr)
	})
}

func TestGetImageVisibility(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	created, err := f.svc.Create(ctx, f.userID, false, f.request())
	require.NoError(t, err)

	other := &entity.DbUser{Email: "viewer@example.com", Role: entity.UserRoleUser, IsActive: true}
	require.NoError(t, f.repo.CreateUser(ctx, other))

	t.Run("owner", func(t *testing.T) {
		row, err := f.svc.GetImage(ctx, f.userID, false, created.ID)
		require.NoError(t, err)
		assert.Equal(t, created.ID, row.ID)
	})

	t.Run("stranger", func(t *testing.T) {
		_, err := f.svc.GetImage(ctx, other.ID, false, created.ID)
		var notFoundErr *NotFoundError
		assert.ErrorAs(t, err, &notFoundErr)
	})

	t.Run("admin", func(t *testing.T) {
		row, err := f.svc.GetImage(ctx, other.ID, true, created.ID)
		require.NoError(t, err)
		assert.Equal(t, created.ID, row.ID)
	})
}

func TestNormalizeImageURL(t *testing.T) {
	f := newServiceFixture(t)

	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "foreign origin stripped",
			in:   "https://evil.example.net/files/a.png",
			want: "https://atelier.example.com/files/a.png",
		},
		{
			name: "query and fragment kept",
			in:   "http://other.example.org/files/a.png?v=1#top",
			want: "https://atelier.example.com/files/a.png?v=1#top",
		},
		{
			name: "relative path anchored",
			in:   "/files/a.png",
			want: "https://atelier.example.com/files/a.png",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, f.svc.normalizeImageURL(tt.in))
		})
	}
}
