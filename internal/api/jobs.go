package api

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"pdfcards/internal/pipeline"
)

const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusComplete   = "complete"
	JobStatusFailed     = "failed"
	JobStatusCancelled  = "cancelled"
)

// GenerationJob tracks an asynchronous generation request that the
// frontend polls.
type GenerationJob struct {
	ID        string         `json:"jobId"`
	DeckID    int64          `json:"deckId"`
	Status    string         `json:"status"`
	Step      string         `json:"step,omitempty"`
	Message   string         `json:"message,omitempty"`
	Current   int            `json:"current"`
	Total     int            `json:"total"`
	Percent   int            `json:"percent"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	Result    *GenerationDTO `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	ErrorKind string         `json:"errorKind,omitempty"`
	Retryable bool           `json:"retryable,omitempty"`
}

type JobManager struct {
	mu      sync.RWMutex
	jobs    map[string]*GenerationJob
	cancels map[string]context.CancelFunc
}

func NewJobManager() *JobManager {
	return &JobManager{
		jobs:    make(map[string]*GenerationJob),
		cancels: make(map[string]context.CancelFunc),
	}
}

// CreateJob registers a job whose work runs under the returned context.
func (m *JobManager) CreateJob(parent context.Context, deckID int64) (context.Context, *GenerationJob) {
	ctx, cancel := context.WithCancel(parent)
	now := time.Now().UTC()
	job := &GenerationJob{
		ID:        uuid.NewString(),
		DeckID:    deckID,
		Status:    JobStatusPending,
		Total:     100,
		CreatedAt: now,
		UpdatedAt: now,
	}

	m.mu.Lock()
	m.jobs[job.ID] = job
	m.cancels[job.ID] = cancel
	m.mu.Unlock()

	return ctx, job.clone()
}

func (m *JobManager) GetJob(id string) (*GenerationJob, bool) {
	m.mu.RLock()
	job, ok := m.jobs[id]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return job.clone(), true
}

// Cancel stops a running job. It reports false for unknown or finished jobs.
func (m *JobManager) Cancel(id string) bool {
	m.mu.Lock()
	cancel, ok := m.cancels[id]
	m.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

// CancelAll stops every running job, for shutdown.
func (m *JobManager) CancelAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cancel := range m.cancels {
		cancel()
	}
}

func (m *JobManager) MarkProcessing(id string) {
	m.withJob(id, func(job *GenerationJob) {
		job.Status = JobStatusProcessing
	})
}

func (m *JobManager) UpdateProgress(id, step, message string, current, total int) {
	m.withJob(id, func(job *GenerationJob) {
		job.Step = step
		job.Message = message
		job.Current = current
		job.Total = total
		job.Percent = percent(current, total)
	})
}

func (m *JobManager) MarkCompleted(id string, result GenerationDTO) {
	m.finish(id, func(job *GenerationJob) {
		job.Status = JobStatusComplete
		job.Step = "complete"
		job.Current, job.Total, job.Percent = 100, 100, 100
		job.Result = &result
	})
}

func (m *JobManager) MarkFailed(id string, err error) {
	m.finish(id, func(job *GenerationJob) {
		job.Status = JobStatusFailed
		if pipeline.KindOf(err) == pipeline.KindCancelled {
			job.Status = JobStatusCancelled
		}
		job.Error = strings.TrimSpace(err.Error())
		job.ErrorKind = string(pipeline.KindOf(err))
		job.Retryable = pipeline.Retryable(err)
	})
}

func (m *JobManager) finish(id string, fn func(job *GenerationJob)) {
	m.mu.Lock()
	if cancel, ok := m.cancels[id]; ok {
		cancel()
		delete(m.cancels, id)
	}
	m.mu.Unlock()
	m.withJob(id, fn)
}

func (m *JobManager) withJob(id string, fn func(job *GenerationJob)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return
	}
	fn(job)
	job.UpdatedAt = time.Now().UTC()
}

func (job *GenerationJob) clone() *GenerationJob {
	if job == nil {
		return nil
	}
	copyJob := *job
	if job.Result != nil {
		res := *job.Result
		res.Flashcards = append([]pipeline.Flashcard(nil), job.Result.Flashcards...)
		res.Warnings = append([]pipeline.Warning(nil), job.Result.Warnings...)
		copyJob.Result = &res
	}
	return &copyJob
}

func percent(current, total int) int {
	if total <= 0 {
		if current <= 0 {
			return 0
		}
		if current > 100 {
			return 100
		}
		return current
	}
	if current <= 0 {
		return 0
	}
	if current >= total {
		return 100
	}
	return int((float64(current) / float64(total)) * 100)
}
