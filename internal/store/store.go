package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// dispatchedSentinel is the result_summary value written by AssignJob, per
// the spec's conditional-acquire contract.
const dispatchedSentinel = "dispatched"

// Store is the Store (C1) component. The zero value is not usable — build
// one with Open.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger

	// seqMu and seqCache implement the per-job log sequence cache described
	// in §5: a single mutex serialises appenders within this process, and a
	// cache miss (first append for a job, or after a restart, when the cache
	// is cold) falls back to MAX(seq). A cached counter does not see rows
	// written by another process.
	seqMu    sync.Mutex
	seqCache map[string]uint64
}

// AutoMigrate is an additional, idempotent schema sync on top of the SQL
// migrations, covering any GORM-level column defaults the raw migration
// omitted. Safe to call on every startup.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(&Job{}, &Node{}, &JobLog{}, &UserToken{})
}

// UpsertJob inserts or replaces a job by id.
func (s *Store) UpsertJob(ctx context.Context, job *Job) error {
	if err := s.db.WithContext(ctx).Save(job).Error; err != nil {
		return fmt.Errorf("store: upsert job: %w", err)
	}
	return nil
}

// GetJob performs a point lookup. Returns ErrNotFound if no row exists.
func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*Job, error) {
	var job Job
	err := s.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get job: %w", err)
	}
	return &job, nil
}

// ListJobs returns the most recent jobs first, optionally filtered by status.
func (s *Store) ListJobs(ctx context.Context, limit int, status *JobStatus) ([]Job, error) {
	q := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit)
	if status != nil {
		q = q.Where("status = ?", *status)
	}
	var jobs []Job
	if err := q.Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("store: list jobs: %w", err)
	}
	return jobs, nil
}

// ListJobsByStatus returns jobs whose status is in statuses, oldest first —
// this ordering IS the dispatcher's scheduling order (§4.5).
func (s *Store) ListJobsByStatus(ctx context.Context, statuses []JobStatus, limit int) ([]Job, error) {
	var jobs []Job
	if err := s.db.WithContext(ctx).
		Where("status IN ?", statuses).
		Order("created_at ASC").
		Limit(limit).
		Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("store: list jobs by status: %w", err)
	}
	return jobs, nil
}

// StatusUpdate carries the sparse fields accepted by UpdateJobStatus. A nil
// pointer means "leave unchanged".
type StatusUpdate struct {
	Status        JobStatus
	LogPath       *string
	ResultSummary *string
	ErrorMessage  *string
}

// UpdateJobStatus applies a sparse update to a job's status and optional
// fields. If the current status is already terminal, the update is ignored
// with a warning log rather than rejected with an error — the open question
// in §9 resolved toward the spec's recommended default. If the new status
// is terminal, finished_at is set to now.
func (s *Store) UpdateJobStatus(ctx context.Context, id uuid.UUID, upd StatusUpdate) error {
	if !upd.Status.Valid() {
		return ErrInvalidStatus
	}

	var job Job
	if err := s.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("store: update job status: load: %w", err)
	}

	if job.Status.IsTerminal() {
		s.logger.Warn("ignoring status update for job already in a terminal status",
			zap.String("job_id", id.String()),
			zap.String("current_status", string(job.Status)),
			zap.String("attempted_status", string(upd.Status)),
		)
		return nil
	}

	fields := map[string]any{
		"status":     upd.Status,
		"updated_at": time.Now().UTC(),
	}
	if upd.LogPath != nil {
		fields["log_path"] = *upd.LogPath
	}
	if upd.ResultSummary != nil {
		fields["result_summary"] = *upd.ResultSummary
	}
	if upd.ErrorMessage != nil {
		fields["error_message"] = *upd.ErrorMessage
	}
	if upd.Status.IsTerminal() {
		fields["finished_at"] = time.Now().UTC()
	}

	result := s.db.WithContext(ctx).Model(&Job{}).Where("id = ?", id).Updates(fields)
	if result.Error != nil {
		return fmt.Errorf("store: update job status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// AssignJob is the concurrency-safe acquire primitive: a conditional
// transition from {PENDING, QUEUED} to RUNNING, binding the job to nodeID.
// Returns true iff exactly one row changed. The dispatcher treats false as
// "someone else took it" and moves on without retrying.
func (s *Store) AssignJob(ctx context.Context, id, nodeID uuid.UUID) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&Job{}).
		Where("id = ? AND status IN ?", id, []JobStatus{JobPending, JobQueued}).
		Updates(map[string]any{
			"status":         JobRunning,
			"target_node_id": nodeID,
			"result_summary": dispatchedSentinel,
			"updated_at":     time.Now().UTC(),
		})
	if result.Error != nil {
		return false, fmt.Errorf("store: assign job: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// AppendJobLog appends a log line with the next sequence number for jobID.
// The in-memory cache is consulted first; on a miss (first append since
// process start, or after a restart) the current max is read from the
// table. Appenders within this process are serialised by seqMu and never
// collide or leave a gap; on a cache hit the table is not re-read, so rows
// appended by another process sharing the database are not accounted for.
func (s *Store) AppendJobLog(ctx context.Context, jobID uuid.UUID, level JobLogLevel, text string, ts time.Time) (uint64, error) {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()

	key := jobID.String()
	seq, ok := s.seqCache[key]
	if !ok {
		var max struct{ Max uint64 }
		if err := s.db.WithContext(ctx).
			Model(&JobLog{}).
			Select("COALESCE(MAX(seq), 0) AS max").
			Where("job_id = ?", jobID).
			Scan(&max).Error; err != nil {
			return 0, fmt.Errorf("store: append job log: read max seq: %w", err)
		}
		seq = max.Max
	}

	seq++
	entry := JobLog{
		JobID:     jobID,
		Seq:       seq,
		Timestamp: ts,
		Level:     level,
		Text:      text,
	}
	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return 0, fmt.Errorf("store: append job log: %w", err)
	}

	s.seqCache[key] = seq
	return seq, nil
}

// ListJobLogs returns log lines for jobID ordered by sequence ascending,
// optionally starting strictly after afterSeq. limit is capped by the
// caller (the HTTP surface caps it at 1000).
func (s *Store) ListJobLogs(ctx context.Context, jobID uuid.UUID, limit int, afterSeq *uint64) ([]JobLog, error) {
	q := s.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("seq ASC").
		Limit(limit)
	if afterSeq != nil {
		q = q.Where("seq > ?", *afterSeq)
	}
	var logs []JobLog
	if err := q.Find(&logs).Error; err != nil {
		return nil, fmt.Errorf("store: list job logs: %w", err)
	}
	return logs, nil
}

// UpsertNode inserts or replaces a node row by id.
func (s *Store) UpsertNode(ctx context.Context, node *Node) error {
	if node.CreatedAt.IsZero() {
		node.CreatedAt = time.Now().UTC()
	}
	node.UpdatedAt = time.Now().UTC()
	if err := s.db.WithContext(ctx).Save(node).Error; err != nil {
		return fmt.Errorf("store: upsert node: %w", err)
	}
	return nil
}

// GetNode performs a point lookup. Returns ErrNotFound if no row exists.
func (s *Store) GetNode(ctx context.Context, id uuid.UUID) (*Node, error) {
	var node Node
	err := s.db.WithContext(ctx).First(&node, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get node: %w", err)
	}
	return &node, nil
}

// ListNodes returns every known node row.
func (s *Store) ListNodes(ctx context.Context) ([]Node, error) {
	var nodes []Node
	if err := s.db.WithContext(ctx).Order("created_at ASC").Find(&nodes).Error; err != nil {
		return nil, fmt.Errorf("store: list nodes: %w", err)
	}
	return nodes, nil
}

// SetUserToken inserts or replaces a provider-keyed credential.
func (s *Store) SetUserToken(ctx context.Context, token *UserToken) error {
	if err := s.db.WithContext(ctx).Save(token).Error; err != nil {
		return fmt.Errorf("store: set user token: %w", err)
	}
	return nil
}

// GetUserToken performs a point lookup by (userID, provider).
func (s *Store) GetUserToken(ctx context.Context, userID, provider string) (*UserToken, error) {
	var token UserToken
	err := s.db.WithContext(ctx).
		First(&token, "user_id = ? AND provider = ?", userID, provider).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get user token: %w", err)
	}
	return &token, nil
}

// ExpireRunningJobs force-transitions RUNNING jobs whose last update
// predates the cutoff to FAILED. Used by the startup sweep (gated by
// --expire-running-on-start); the operator override endpoint uses ExpireJob.
func (s *Store) ExpireRunningJobs(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	now := time.Now().UTC()
	result := s.db.WithContext(ctx).
		Model(&Job{}).
		Where("status = ? AND updated_at < ?", JobRunning, cutoff).
		Updates(map[string]any{
			"status":        JobFailed,
			"error_message": "expired: master restarted while job was RUNNING",
			"finished_at":   now,
			"updated_at":    now,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("store: expire running jobs: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// ExpireJob force-transitions a single RUNNING job to FAILED, regardless of
// age — the operator override for POST /api/jobs/{id}/expire.
func (s *Store) ExpireJob(ctx context.Context, id uuid.UUID) error {
	now := time.Now().UTC()
	result := s.db.WithContext(ctx).
		Model(&Job{}).
		Where("id = ? AND status = ?", id, JobRunning).
		Updates(map[string]any{
			"status":        JobFailed,
			"error_message": "expired by operator",
			"finished_at":   now,
			"updated_at":    now,
		})
	if result.Error != nil {
		return fmt.Errorf("store: expire job: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// PruneTerminalJobs deletes terminal jobs (and their logs) whose finished_at
// predates the cutoff. Supplements the original system, which never pruned.
func (s *Store) PruneTerminalJobs(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	var ids []uuid.UUID
	if err := s.db.WithContext(ctx).
		Model(&Job{}).
		Where("status IN ? AND finished_at < ?", []JobStatus{JobSucceeded, JobFailed, JobCancelled}, cutoff).
		Pluck("id", &ids).Error; err != nil {
		return 0, fmt.Errorf("store: prune: select candidates: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("job_id IN ?", ids).Delete(&JobLog{}).Error; err != nil {
			return fmt.Errorf("delete job logs: %w", err)
		}
		if err := tx.Where("id IN ?", ids).Delete(&Job{}).Error; err != nil {
			return fmt.Errorf("delete jobs: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("store: prune terminal jobs: %w", err)
	}
	return int64(len(ids)), nil
}
