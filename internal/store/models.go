package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// base contains the fields shared by every row. ID uses UUID v7 (time-ordered)
// so that primary-key order matches creation order without a separate sort,
// and so dispatcher queries that rely on creation-time ascending order can
// simply order by id when a more specific column is not indexed.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null;index"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// JobStatus enumerates a job's lifecycle state. SUCCEEDED, FAILED and
// CANCELLED are terminal and absorbing — UpdateJobStatus ignores any update
// to a job already in one of them.
type JobStatus string

const (
	JobPending   JobStatus = "PENDING"
	JobQueued    JobStatus = "QUEUED"
	JobRunning   JobStatus = "RUNNING"
	JobSucceeded JobStatus = "SUCCEEDED"
	JobFailed    JobStatus = "FAILED"
	JobCancelled JobStatus = "CANCELLED"
)

// IsTerminal reports whether the status is absorbing.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is one of the recognised enum values.
func (s JobStatus) Valid() bool {
	switch s {
	case JobPending, JobQueued, JobRunning, JobSucceeded, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// NodeStatus enumerates a node's runtime liveness as tracked by the
// connection registry and health monitor.
type NodeStatus string

const (
	NodeOnline       NodeStatus = "ONLINE"
	NodeIdle         NodeStatus = "IDLE"
	NodeBusy         NodeStatus = "BUSY"
	NodeUnresponsive NodeStatus = "UNRESPONSIVE"
	NodeOffline      NodeStatus = "OFFLINE"
)

// RepositorySpec is a single repository reference attached to a job.
type RepositorySpec struct {
	URL    string `json:"url"`
	Branch string `json:"branch,omitempty"`
	Subpath string `json:"subpath,omitempty"`
}

// RepositoryList is the GORM value type for Job.Repositories: stored as a
// JSON array in a single text column, since GORM has no first-class support
// for slices of structs without a join table, and a job's repository list
// is never queried by its contents.
type RepositoryList []RepositorySpec

func (r RepositoryList) Value() (driver.Value, error) {
	if len(r) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("store: marshal repositories: %w", err)
	}
	return string(b), nil
}

func (r *RepositoryList) Scan(value any) error {
	if value == nil {
		*r = nil
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("store: RepositoryList.Scan: unsupported type %T", value)
	}
	if len(raw) == 0 {
		*r = nil
		return nil
	}
	return json.Unmarshal(raw, r)
}

// StringSet is the GORM value type for tag sets: a JSON array of strings.
type StringSet []string

func (s StringSet) Value() (driver.Value, error) {
	if len(s) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("store: marshal string set: %w", err)
	}
	return string(b), nil
}

func (s *StringSet) Scan(value any) error {
	if value == nil {
		*s = nil
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("store: StringSet.Scan: unsupported type %T", value)
	}
	if len(raw) == 0 {
		*s = nil
		return nil
	}
	return json.Unmarshal(raw, s)
}

// Has reports whether the set is a superset of required — the tag-match
// rule from the dispatcher: requested tags must be a subset of the node's
// tag set.
func (s StringSet) Has(required StringSet) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(s))
	for _, t := range s {
		have[t] = struct{}{}
	}
	for _, t := range required {
		if _, ok := have[t]; !ok {
			return false
		}
	}
	return true
}

// StringMap is the GORM value type for free-form string-to-string metadata
// and capabilities maps.
type StringMap map[string]string

func (m StringMap) Value() (driver.Value, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("store: marshal string map: %w", err)
	}
	return string(b), nil
}

func (m *StringMap) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("store: StringMap.Scan: unsupported type %T", value)
	}
	if len(raw) == 0 {
		*m = nil
		return nil
	}
	return json.Unmarshal(raw, m)
}

// Job is a unit of work submitted to the master and eventually assigned to
// exactly one node, or left queued pending capacity.
type Job struct {
	base
	Prompt         string         `gorm:"type:text;not null"`
	Status         JobStatus      `gorm:"type:text;not null;index"`
	TargetNodeID   *uuid.UUID     `gorm:"type:text;index"`
	RequestedTags  StringSet      `gorm:"type:text;not null;default:'[]'"`
	Repositories   RepositoryList `gorm:"type:text;not null;default:'[]'"`
	Metadata       StringMap      `gorm:"type:text;not null;default:'{}'"`
	LogPath        string         `gorm:"type:text;default:''"`
	ResultSummary  string         `gorm:"type:text;default:''"`
	ErrorMessage   string         `gorm:"type:text;default:''"`
	FinishedAt     *time.Time
}

// Node is a worker known to the master, identified by an id minted on
// connect. A row exists for every connection the registry has ever seen;
// it is never deleted on disconnect, only marked OFFLINE.
type Node struct {
	ID           uuid.UUID  `gorm:"type:text;primaryKey"`
	DisplayName  string     `gorm:"not null;default:''"`
	Tags         StringSet  `gorm:"type:text;not null;default:'[]'"`
	Capabilities StringMap  `gorm:"type:text;not null;default:'{}'"`
	Status       NodeStatus `gorm:"type:text;not null;default:'OFFLINE'"`
	LastSeenAt   time.Time  `gorm:"not null"`
	CreatedAt    time.Time  `gorm:"not null"`
	UpdatedAt    time.Time  `gorm:"not null"`
}

// JobLogLevel enumerates the severity of a job-log entry.
type JobLogLevel string

const (
	LogInfo    JobLogLevel = "info"
	LogWarning JobLogLevel = "warning"
	LogError   JobLogLevel = "error"
)

// JobLog is one append-only log line for a job, keyed by (JobID, Seq).
// Sequence numbers are dense and strictly monotonic per job.
type JobLog struct {
	JobID     uuid.UUID   `gorm:"type:text;primaryKey;index:idx_job_logs_job_seq"`
	Seq       uint64      `gorm:"primaryKey"`
	Timestamp time.Time   `gorm:"not null"`
	Level     JobLogLevel `gorm:"type:text;not null"`
	Text      string      `gorm:"type:text;not null"`
}

// UserToken is a provider-keyed credential, opaque to the scheduler. It
// shares the Store because the bridge collaborators (chat relays) persist
// their third-party OAuth state alongside job/node data, but no core
// operation reads or writes it.
type UserToken struct {
	UserID       string    `gorm:"type:text;primaryKey"`
	Provider     string    `gorm:"type:text;primaryKey"`
	AccessToken  EncryptedString `gorm:"type:text;not null"`
	RefreshToken EncryptedString `gorm:"type:text;default:''"`
	ExpiresAt    *time.Time
	Metadata     StringMap `gorm:"type:text;not null;default:'{}'"`
	UpdatedAt    time.Time `gorm:"not null;autoUpdateTime"`
}
