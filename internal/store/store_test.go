package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	st, err := Open(Config{
		Driver:   "sqlite",
		DSN:      ":memory:",
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)
	require.NoError(t, st.AutoMigrate())

	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestJobStatusValidAndTerminal(t *testing.T) {
	cases := []struct {
		status   JobStatus
		valid    bool
		terminal bool
	}{
		{JobPending, true, false},
		{JobQueued, true, false},
		{JobRunning, true, false},
		{JobSucceeded, true, true},
		{JobFailed, true, true},
		{JobCancelled, true, true},
		{JobStatus("BOGUS"), false, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.valid, tc.status.Valid(), "Valid(%s)", tc.status)
		assert.Equal(t, tc.terminal, tc.status.IsTerminal(), "IsTerminal(%s)", tc.status)
	}
}

func TestStringSetHas(t *testing.T) {
	have := StringSet{"gpu", "linux", "fast"}

	assert.True(t, have.Has(nil), "empty requirement always matches")
	assert.True(t, have.Has(StringSet{"gpu"}))
	assert.True(t, have.Has(StringSet{"gpu", "linux"}))
	assert.False(t, have.Has(StringSet{"gpu", "windows"}))
}

func TestUpsertAndGetJob(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	job := &Job{Prompt: "do the thing", Status: JobPending}
	require.NoError(t, st.UpsertJob(ctx, job))
	require.NotEqual(t, uuid.UUID{}, job.ID, "BeforeCreate should mint a UUIDv7 id")

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "do the thing", got.Prompt)
	assert.Equal(t, JobPending, got.Status)

	_, err = st.GetJob(ctx, uuid.Must(uuid.NewV7()))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAssignJobIsConditional(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	job := &Job{Prompt: "assign me", Status: JobPending}
	require.NoError(t, st.UpsertJob(ctx, job))

	nodeA := uuid.Must(uuid.NewV7())
	ok, err := st.AssignJob(ctx, job.ID, nodeA)
	require.NoError(t, err)
	assert.True(t, ok, "first assign on a PENDING job should succeed")

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobRunning, got.Status)
	require.NotNil(t, got.TargetNodeID)
	assert.Equal(t, nodeA, *got.TargetNodeID)

	nodeB := uuid.Must(uuid.NewV7())
	ok, err = st.AssignJob(ctx, job.ID, nodeB)
	require.NoError(t, err)
	assert.False(t, ok, "a RUNNING job must not be assignable a second time")

	got, err = st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, nodeA, *got.TargetNodeID, "the losing assign must not have changed the target node")
}

// TestAssignJobConcurrentRace exercises the CAS under real concurrency:
// exactly one of N concurrent assign attempts on the same job may win.
func TestAssignJobConcurrentRace(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	job := &Job{Prompt: "contended", Status: JobPending}
	require.NoError(t, st.UpsertJob(ctx, job))

	const attempts = 8
	var wg sync.WaitGroup
	results := make([]bool, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := st.AssignJob(ctx, job.ID, uuid.Must(uuid.NewV7()))
			assert.NoError(t, err)
			results[i] = ok
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, ok := range results {
		if ok {
			wins++
		}
	}
	assert.Equal(t, 1, wins, "exactly one concurrent assign attempt may win")
}

func TestUpdateJobStatusIgnoresTerminal(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	job := &Job{Prompt: "finish", Status: JobSucceeded, FinishedAt: timePtr(time.Now().UTC())}
	require.NoError(t, st.UpsertJob(ctx, job))

	err := st.UpdateJobStatus(ctx, job.ID, StatusUpdate{Status: JobFailed})
	require.NoError(t, err, "updating a terminal job is a silent no-op, not an error")

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobSucceeded, got.Status, "status must not regress once terminal")
}

func TestUpdateJobStatusSetsFinishedAtOnTerminal(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	job := &Job{Prompt: "run", Status: JobRunning}
	require.NoError(t, st.UpsertJob(ctx, job))

	summary := "all good"
	require.NoError(t, st.UpdateJobStatus(ctx, job.ID, StatusUpdate{
		Status:        JobSucceeded,
		ResultSummary: &summary,
	}))

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobSucceeded, got.Status)
	assert.Equal(t, "all good", got.ResultSummary)
	require.NotNil(t, got.FinishedAt)
}

func TestUpdateJobStatusRejectsInvalidStatus(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	job := &Job{Prompt: "run", Status: JobPending}
	require.NoError(t, st.UpsertJob(ctx, job))

	err := st.UpdateJobStatus(ctx, job.ID, StatusUpdate{Status: JobStatus("NOT_A_STATUS")})
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestAppendJobLogSequencesMonotonically(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	job := &Job{Prompt: "logged", Status: JobRunning}
	require.NoError(t, st.UpsertJob(ctx, job))

	seq1, err := st.AppendJobLog(ctx, job.ID, LogInfo, "first", time.Now().UTC())
	require.NoError(t, err)
	seq2, err := st.AppendJobLog(ctx, job.ID, LogInfo, "second", time.Now().UTC())
	require.NoError(t, err)
	seq3, err := st.AppendJobLog(ctx, job.ID, LogWarning, "third", time.Now().UTC())
	require.NoError(t, err)

	assert.Equal(t, []uint64{1, 2, 3}, []uint64{seq1, seq2, seq3})

	logs, err := st.ListJobLogs(ctx, job.ID, 100, nil)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, "first", logs[0].Text)
	assert.Equal(t, "third", logs[2].Text)

	after := uint64(1)
	logs, err = st.ListJobLogs(ctx, job.ID, 100, &after)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, uint64(2), logs[0].Seq)
}

func TestExpireRunningJobsAndExpireJob(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	stale := &Job{Prompt: "stale", Status: JobRunning}
	require.NoError(t, st.UpsertJob(ctx, stale))

	n, err := st.ExpireRunningJobs(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := st.GetJob(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, JobFailed, got.Status)
	require.NotNil(t, got.FinishedAt)

	// ExpireJob on an already-terminal job reports ErrNotFound (it only
	// matches rows currently RUNNING).
	err = st.ExpireJob(ctx, stale.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	running := &Job{Prompt: "live", Status: JobRunning}
	require.NoError(t, st.UpsertJob(ctx, running))
	require.NoError(t, st.ExpireJob(ctx, running.ID))

	got, err = st.GetJob(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, JobFailed, got.Status)
}

func TestPruneTerminalJobsDeletesOldRowsAndLogs(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	old := &Job{Prompt: "old", Status: JobSucceeded, FinishedAt: timePtr(time.Now().UTC().Add(-48 * time.Hour))}
	require.NoError(t, st.UpsertJob(ctx, old))
	_, err := st.AppendJobLog(ctx, old.ID, LogInfo, "done", time.Now().UTC())
	require.NoError(t, err)

	recent := &Job{Prompt: "recent", Status: JobSucceeded, FinishedAt: timePtr(time.Now().UTC())}
	require.NoError(t, st.UpsertJob(ctx, recent))

	n, err := st.PruneTerminalJobs(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = st.GetJob(ctx, old.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	logs, err := st.ListJobLogs(ctx, old.ID, 100, nil)
	require.NoError(t, err)
	assert.Empty(t, logs, "pruning a job must also delete its logs")

	_, err = st.GetJob(ctx, recent.ID)
	assert.NoError(t, err, "a recently finished job must survive the prune")
}

func TestUpsertAndGetNode(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	id := uuid.Must(uuid.NewV7())
	node := &Node{
		ID:          id,
		DisplayName: "worker-1",
		Tags:        StringSet{"gpu"},
		Status:      NodeOnline,
		LastSeenAt:  time.Now().UTC(),
	}
	require.NoError(t, st.UpsertNode(ctx, node))

	got, err := st.GetNode(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "worker-1", got.DisplayName)
	assert.Equal(t, NodeOnline, got.Status)

	_, err = st.GetNode(ctx, uuid.Must(uuid.NewV7()))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUserTokenRoundTripsEncrypted(t *testing.T) {
	require.NoError(t, InitEncryption([]byte("01234567890123456789012345678901"[:32])))

	st := newTestStore(t)
	ctx := context.Background()

	tok := &UserToken{
		UserID:      "u1",
		Provider:    "slack",
		AccessToken: EncryptedString("xoxb-secret"),
	}
	require.NoError(t, st.SetUserToken(ctx, tok))

	got, err := st.GetUserToken(ctx, "u1", "slack")
	require.NoError(t, err)
	assert.Equal(t, EncryptedString("xoxb-secret"), got.AccessToken)
}

func timePtr(t time.Time) *time.Time { return &t }
