package repository

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/loan-portal/internal/model"
)

func newTestPostgres(t *testing.T) *PostgresRepository {
	t.Helper()

	dsn := os.Getenv("DATABASE_URI")
	if dsn == "" {
		t.Skip("DATABASE_URI is not set")
	}

	repo, err := NewPostgresRepository(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

// seedApplication создаёт банк, отделение, отдел и заявку в статусе submitted.
func seedApplication(t *testing.T, repo *PostgresRepository) *model.Application {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	suffix := uuid.NewString()[:8]

	bank := &model.Bank{ID: uuid.New(), Name: "State Bank " + suffix, Active: true, CreatedAt: now}
	require.NoError(t, repo.CreateBank(ctx, bank))

	branch := &model.Branch{ID: uuid.New(), BankID: bank.ID, Name: "Raipur Main", Active: true, CreatedAt: now}
	require.NoError(t, repo.CreateBranch(ctx, branch, &model.User{
		ID: uuid.New(), Username: "branch-" + suffix, PasswordHash: []byte("x"), Active: true, CreatedAt: now,
	}))

	dept := &model.Department{ID: uuid.New(), Name: "Agriculture " + suffix, Active: true, CreatedAt: now}
	deptUser := &model.User{ID: uuid.New(), Username: "dept-" + suffix, PasswordHash: []byte("x"), Active: true, CreatedAt: now}
	require.NoError(t, repo.CreateDepartment(ctx, dept, deptUser))

	app := &model.Application{
		ID:            uuid.New(),
		Type:          model.ApplicationTypeIndividual,
		ApplicantName: "Ravi Kumar",
		Address:       "Raipur",
		BankID:        bank.ID,
		BranchID:      branch.ID,
		DepartmentID:  &dept.ID,
		SubmittedBy:   deptUser.ID,
		Status:        model.StatusSubmitted,
		History:       []model.HistoryEntry{{At: now, By: deptUser.Username, Action: model.ActionSubmitted}},
		CreatedAt:     now,
	}
	require.NoError(t, repo.InsertApplication(ctx, app))
	return app
}

func TestPostgresConditionalUpdate(t *testing.T) {
	repo := newTestPostgres(t)
	ctx := context.Background()
	app := seedApplication(t, repo)

	approve := ApplicationPatch{
		Status: model.StatusApproved,
		Entry:  model.HistoryEntry{At: time.Now().UTC(), By: "admin", Action: model.ActionApprove, Reason: "documents verified"},
	}
	ok, err := repo.ConditionalUpdate(ctx, app.ID, model.StatusSubmitted, approve)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.ConditionalUpdate(ctx, app.ID, model.StatusSubmitted, approve)
	require.NoError(t, err)
	assert.False(t, ok, "stale expected status must not match")

	ref := "NEFT-0042"
	for _, p := range []struct {
		from  model.Status
		patch ApplicationPatch
	}{
		{model.StatusApproved, ApplicationPatch{Status: model.StatusSanctioned, Entry: model.HistoryEntry{By: "branch", Action: model.ActionSanction}}},
		{model.StatusSanctioned, ApplicationPatch{Status: model.StatusDisbursed, DisbursementRef: &ref, Entry: model.HistoryEntry{By: "branch", Action: model.ActionDisburse, DisbursementRef: ref}}},
	} {
		ok, err := repo.ConditionalUpdate(ctx, app.ID, p.from, p.patch)
		require.NoError(t, err)
		require.True(t, ok, "transition from %s", p.from)
	}

	got, err := repo.FindApplication(ctx, app.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDisbursed, got.Status)
	require.NotNil(t, got.DisbursementRef)
	assert.Equal(t, ref, *got.DisbursementRef)

	require.Len(t, got.History, 4)
	actions := make([]model.Action, 0, len(got.History))
	for _, e := range got.History {
		actions = append(actions, e.Action)
	}
	assert.Equal(t, []model.Action{model.ActionSubmitted, model.ActionApprove, model.ActionSanction, model.ActionDisburse}, actions)
	assert.Equal(t, "documents verified", got.History[1].Reason)
	assert.Equal(t, ref, got.History[3].DisbursementRef)

	ok, err = repo.ConditionalUpdate(ctx, uuid.New(), model.StatusSubmitted, approve)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPostgresConditionalUpdateConcurrent(t *testing.T) {
	repo := newTestPostgres(t)
	ctx := context.Background()
	app := seedApplication(t, repo)

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := repo.ConditionalUpdate(ctx, app.ID, model.StatusSubmitted, ApplicationPatch{
				Status: model.StatusApproved,
				Entry:  model.HistoryEntry{By: "admin", Action: model.ActionApprove},
			})
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, success)

	got, err := repo.FindApplication(ctx, app.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusApproved, got.Status)
	assert.Len(t, got.History, 2)
}
