package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/justestif/go-spotify-history-sync/internal/db"
	"github.com/justestif/go-spotify-history-sync/internal/queue"
)

// TaskProcessImport is the queue task name for running an import job.
const TaskProcessImport = "import:process"

// processPayload is the queue payload for TaskProcessImport.
type processPayload struct {
	JobID    string `json:"job_id"`
	UserID   string `json:"user_id"`
	FilePath string `json:"file_path"`
}

// JobCreator creates and fails durable job rows. Satisfied by
// *db.ImportRepository.
type JobCreator interface {
	Create(ctx context.Context, job *db.ImportJob) error
	Get(ctx context.Context, id string) (*db.ImportJob, error)
	MarkFailed(ctx context.Context, id, errorMessage string) error
}

// Enqueuer hands jobs to the background queue. Satisfied by
// *queue.Queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, name string, payload any, opts queue.Options) error
}

// Service accepts uploaded exports and hands them to the pipeline via
// the queue.
type Service struct {
	jobs     JobCreator
	enqueuer Enqueuer
	pipeline *Pipeline
	logger   *log.Logger
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithServiceLogger sets the logger.
func WithServiceLogger(logger *log.Logger) ServiceOption {
	return func(s *Service) { s.logger = logger }
}

// NewService creates a Service.
func NewService(jobs JobCreator, enqueuer Enqueuer, pipeline *Pipeline, opts ...ServiceOption) *Service {
	s := &Service{
		jobs:     jobs,
		enqueuer: enqueuer,
		pipeline: pipeline,
		logger:   log.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit registers an import for a spooled export file and enqueues the
// processing task. filePath must be readable by the worker process.
// Retried uploads get distinct job ids and never collide.
func (s *Service) Submit(ctx context.Context, userID, fileName, filePath string) (*db.ImportJob, error) {
	job := &db.ImportJob{
		ID:       fmt.Sprintf("%s-%s", userID, uuid.New().String()),
		UserID:   userID,
		FileName: fileName,
		Status:   db.ImportStatusPending,
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("creating import job: %w", err)
	}

	payload := processPayload{JobID: job.ID, UserID: userID, FilePath: filePath}
	if err := s.enqueuer.Enqueue(ctx, TaskProcessImport, payload, queue.Options{JobID: job.ID}); err != nil {
		// The row exists but no worker will ever pick it up; fail it now
		// rather than leave an orphaned PENDING record.
		if failErr := s.jobs.MarkFailed(ctx, job.ID, "queue handoff failed: "+err.Error()); failErr != nil {
			s.logger.Error("failing orphaned job", "job", job.ID, "err", failErr)
		}
		return nil, fmt.Errorf("enqueueing import job: %w", err)
	}

	s.logger.Info("import submitted", "job", job.ID, "user", userID, "file", fileName)
	return job, nil
}

// Job returns the durable job row.
func (s *Service) Job(ctx context.Context, id string) (*db.ImportJob, error) {
	return s.jobs.Get(ctx, id)
}

// ProcessTask is the queue handler for TaskProcessImport. It opens the
// spooled file, runs the pipeline, and removes the spool file when the
// job reaches a terminal state.
func (s *Service) ProcessTask(ctx context.Context, raw json.RawMessage) error {
	var payload processPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("decoding import payload: %w", err)
	}

	f, err := os.Open(payload.FilePath)
	if err != nil {
		if failErr := s.jobs.MarkFailed(ctx, payload.JobID, "opening spooled export: "+err.Error()); failErr != nil {
			s.logger.Error("marking job failed", "job", payload.JobID, "err", failErr)
		}
		return fmt.Errorf("opening spooled export: %w", err)
	}
	defer f.Close()

	runErr := s.pipeline.Run(ctx, payload.JobID, payload.UserID, f)

	if err := os.Remove(payload.FilePath); err != nil {
		s.logger.Error("removing spool file", "path", payload.FilePath, "err", err)
	}
	return runErr
}
