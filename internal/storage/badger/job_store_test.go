package badger

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/group-scraper/internal/scrape"
)

func openTestStore(t *testing.T) *JobStore {
	t.Helper()
	store, err := Open(Config{Path: t.TempDir(), KeepCompleted: scrape.DefaultKeepCompleted}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})
	return store
}

func targets(n int) []scrape.Target {
	out := make([]scrape.Target, n)
	for i := range out {
		out[i] = scrape.Target{ID: fmt.Sprintf("g%d", i), Name: fmt.Sprintf("Group %d", i)}
	}
	return out
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := Open(Config{}, nil)
	require.Error(t, err)
}

func TestJobStorePersistsAcrossReopen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()

	store, err := Open(Config{Path: dir}, zap.NewNop())
	require.NoError(t, err)
	job := scrape.NewJob("job-1", targets(3), time.Unix(100, 0).UTC())
	require.NoError(t, store.CreateJob(ctx, job))
	require.ErrorIs(t, store.CreateJob(ctx, job), scrape.ErrJobExists)

	results := job.Clone().Results
	results[0].Status = scrape.TargetStatusSuccess
	results[0].PostsScraped = scrape.IntPtr(12)
	_, err = store.UpdateJob(ctx, job.ID, scrape.JobPatch{
		Status:       scrape.StatusPtr(scrape.JobStatusRunning),
		StartedAt:    scrape.TimePtr(time.Unix(101, 0).UTC()),
		CurrentIndex: scrape.IntPtr(1),
		Results:      results,
		SuccessCount: scrape.IntPtr(1),
	})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := Open(Config{Path: dir}, zap.NewNop())
	require.NoError(t, err)
	defer func() { require.NoError(t, reopened.Close()) }()

	active, found, err := reopened.GetActiveJob(ctx)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, job.ID, active.ID)
	require.Equal(t, 1, active.CurrentIndex)
	require.Len(t, active.Results, 3)
	require.Equal(t, scrape.TargetStatusSuccess, active.Results[0].Status)
	require.Equal(t, 12, *active.Results[0].PostsScraped)
}

func TestJobStoreUpdateConflictAndNotFound(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.UpdateJob(ctx, "missing", scrape.JobPatch{})
	require.ErrorIs(t, err, scrape.ErrJobNotFound)

	job := scrape.NewJob("job-1", targets(1), time.Unix(1, 0))
	job.Status = scrape.JobStatusCancelled
	require.NoError(t, store.CreateJob(ctx, job))

	_, err = store.UpdateJob(ctx, job.ID, scrape.JobPatch{
		Status: scrape.StatusPtr(scrape.JobStatusCompleted),
	}.Expect(scrape.JobStatusRunning))
	require.ErrorIs(t, err, scrape.ErrStatusConflict)

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, scrape.JobStatusCancelled, got.Status)
}

func TestJobStoreCleanupOldJobs(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		job := scrape.NewJob(fmt.Sprintf("done-%d", i), targets(1), time.Unix(int64(i), 0))
		job.Status = scrape.JobStatusCompleted
		job.CompletedAt = scrape.TimePtr(time.Unix(int64(100+i), 0))
		require.NoError(t, store.CreateJob(ctx, job))
	}
	running := scrape.NewJob("running", targets(1), time.Unix(50, 0))
	running.Status = scrape.JobStatusRunning
	require.NoError(t, store.CreateJob(ctx, running))

	deleted, err := store.CleanupOldJobs(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, deleted)

	jobs, err := store.ListJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 4)

	require.NoError(t, store.DeleteJob(ctx, "running"))
	require.NoError(t, store.DeleteJob(ctx, "running"))
	_, found, err := store.GetActiveJob(ctx)
	require.NoError(t, err)
	require.False(t, found)
}
