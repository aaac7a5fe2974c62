package ingest

import (
	"sync"
	"time"

	"github.com/scrypster/recall/pkg/types"
)

// JobState is the lifecycle state of a submitted ingestion job.
type JobState string

const (
	JobQueued    JobState = "queued"
	JobActive    JobState = "active"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

// SubmitRequest describes one statement to ingest.
type SubmitRequest struct {
	// User is the requesting tenant context, including lane and tier.
	User types.UserContext `json:"user"`

	// Text is the raw statement to remember.
	Text string `json:"text"`

	// EmbeddingOnly skips graph extraction for this job even when the
	// lane and tier would allow it.
	EmbeddingOnly bool `json:"embedding_only,omitempty"`

	// ClientKey is an optional caller-chosen key for the logical event
	// behind this submission. It is echoed back on the job status so the
	// caller can detect duplicate submissions of the same event.
	ClientKey string `json:"client_key,omitempty"`

	// Metadata carries opaque caller annotations through to the job
	// status unchanged.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// JobStatus is a point-in-time snapshot of a job's progress.
type JobStatus struct {
	ID    string   `json:"id"`
	State JobState `json:"state"`

	// ClientKey and Metadata are echoed from the submission.
	ClientKey string            `json:"client_key,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`

	// Progress is a coarse 0-100 indicator.
	Progress int `json:"progress"`

	// Error holds the final failure message for failed jobs.
	Error string `json:"error,omitempty"`

	// Results, populated on completion.
	MemoryID          string `json:"memory_id,omitempty"`
	EntityCount       int    `json:"entity_count"`
	RelationshipCount int    `json:"relationship_count"`

	// CostCharged is the actual cost deducted, in credits.
	CostCharged int64 `json:"cost_charged"`

	// DeductionFailed records a post-commit deduction failure: the write
	// is durable but the charge did not land and needs reconciliation.
	DeductionFailed bool `json:"deduction_failed,omitempty"`

	Attempts    int        `json:"attempts"`
	SubmittedAt time.Time  `json:"submitted_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// job is the internal unit of work flowing through the queue.
type job struct {
	id      string
	request SubmitRequest
}

// jobRegistry tracks job statuses in memory. Statuses survive until the
// process exits; callers poll them shortly after submission.
type jobRegistry struct {
	mu   sync.RWMutex
	jobs map[string]*JobStatus
}

func newJobRegistry() *jobRegistry {
	return &jobRegistry{jobs: make(map[string]*JobStatus)}
}

func (r *jobRegistry) add(id string, request SubmitRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[id] = &JobStatus{
		ID:          id,
		State:       JobQueued,
		ClientKey:   request.ClientKey,
		Metadata:    request.Metadata,
		SubmittedAt: time.Now().UTC(),
	}
}

// get returns a copy so callers never observe a snapshot mid-update.
func (r *jobRegistry) get(id string) (*JobStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	status, ok := r.jobs[id]
	if !ok {
		return nil, false
	}
	snapshot := *status
	return &snapshot, true
}

// update applies fn to the job's status under the lock.
func (r *jobRegistry) update(id string, fn func(*JobStatus)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if status, ok := r.jobs[id]; ok {
		fn(status)
	}
}

func (r *jobRegistry) markActive(id string, attempt int) {
	r.update(id, func(s *JobStatus) {
		s.State = JobActive
		s.Progress = 10
		s.Attempts = attempt
	})
}

func (r *jobRegistry) markFailed(id string, err error) {
	now := time.Now().UTC()
	r.update(id, func(s *JobStatus) {
		s.State = JobFailed
		s.Progress = 100
		s.Error = err.Error()
		s.CompletedAt = &now
	})
}
