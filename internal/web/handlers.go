package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"

	"github.com/justestif/go-spotify-history-sync/internal/cache"
	"github.com/justestif/go-spotify-history-sync/internal/db"
	"github.com/justestif/go-spotify-history-sync/internal/tokens"
)

// maxUploadBytes caps a single export upload. Extended history files
// run a few hundred MB at most.
const maxUploadBytes = 512 << 20

// ImportService accepts uploads and reports job state. Satisfied by
// *importer.Service.
type ImportService interface {
	Submit(ctx context.Context, userID, fileName, filePath string) (*db.ImportJob, error)
	Job(ctx context.Context, id string) (*db.ImportJob, error)
}

// ProgressReader reads the fast-path progress mirror. Satisfied by
// *cache.Store.
type ProgressReader interface {
	GetImportProgress(ctx context.Context, jobID string) (*cache.ImportProgress, error)
}

// CredentialStore registers user refresh tokens. Satisfied by
// *db.AuthRepository.
type CredentialStore interface {
	Upsert(ctx context.Context, userID string, encryptedRefreshToken []byte) error
}

// Pinger is a dependency the health endpoint checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers contains the HTTP handlers for the sync service.
type Handlers struct {
	imports  ImportService
	progress ProgressReader
	auth     CredentialStore
	cipher   *tokens.Cipher
	database Pinger
	store    Pinger
	spoolDir string
	logger   *log.Logger
}

// NewHandlers creates a Handlers instance. spoolDir must exist and be
// writable; uploads are staged there until the worker consumes them.
func NewHandlers(imports ImportService, progress ProgressReader, auth CredentialStore, cipher *tokens.Cipher, database, store Pinger, spoolDir string, logger *log.Logger) *Handlers {
	return &Handlers{
		imports:  imports,
		progress: progress,
		auth:     auth,
		cipher:   cipher,
		database: database,
		store:    store,
		spoolDir: spoolDir,
		logger:   logger,
	}
}

// ConnectUser registers a user's refresh token
// (POST /v1/users/{userID}/auth).
func (h *Handlers) ConnectUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.RefreshToken == "" {
		respondError(w, http.StatusBadRequest, "refresh_token is required")
		return
	}

	encrypted, err := h.cipher.Encrypt(body.RefreshToken)
	if err != nil {
		h.logger.Error("encrypting refresh token", "user", userID, "err", err)
		respondError(w, http.StatusInternalServerError, "failed to store credentials")
		return
	}
	if err := h.auth.Upsert(r.Context(), userID, encrypted); err != nil {
		h.logger.Error("storing credentials", "user", userID, "err", err)
		respondError(w, http.StatusInternalServerError, "failed to store credentials")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// SubmitImport accepts an extended streaming history export and queues
// it for processing (POST /v1/users/{userID}/imports). The body is the
// raw JSON export; it is spooled to disk, never buffered in memory.
func (h *Handlers) SubmitImport(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	fileName := r.URL.Query().Get("filename")
	if fileName == "" {
		fileName = "endsong.json"
	}

	spool, err := os.CreateTemp(h.spoolDir, "import-*.json")
	if err != nil {
		h.logger.Error("creating spool file", "err", err)
		respondError(w, http.StatusInternalServerError, "failed to accept upload")
		return
	}

	limited := http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if _, err := io.Copy(spool, limited); err != nil {
		spool.Close()
		os.Remove(spool.Name())
		respondError(w, http.StatusBadRequest, "reading upload: "+err.Error())
		return
	}
	if err := spool.Close(); err != nil {
		os.Remove(spool.Name())
		h.logger.Error("closing spool file", "err", err)
		respondError(w, http.StatusInternalServerError, "failed to accept upload")
		return
	}

	job, err := h.imports.Submit(r.Context(), userID, fileName, spool.Name())
	if err != nil {
		os.Remove(spool.Name())
		h.logger.Error("submitting import", "user", userID, "err", err)
		respondError(w, http.StatusServiceUnavailable, "failed to queue import")
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]string{
		"job_id": job.ID,
		"status": job.Status,
	})
}

// importProgressResponse is the polling payload for one import job.
type importProgressResponse struct {
	JobID            string `json:"job_id"`
	Status           string `json:"status"`
	TotalRecords     int    `json:"total_records"`
	ProcessedRecords int    `json:"processed_records"`
	AddedRecords     int    `json:"added_records"`
	SkippedRecords   int    `json:"skipped_records"`
	ErrorMessage     string `json:"error_message,omitempty"`
}

// ImportProgress reports an import job's progress
// (GET /v1/imports/{jobID}). The fast-path mirror answers when present;
// otherwise the durable row does.
func (h *Handlers) ImportProgress(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	mirror, err := h.progress.GetImportProgress(r.Context(), jobID)
	if err != nil {
		h.logger.Error("reading progress mirror", "job", jobID, "err", err)
	}
	if mirror != nil {
		respondJSON(w, http.StatusOK, importProgressResponse{
			JobID:            jobID,
			Status:           mirror.Status,
			TotalRecords:     mirror.TotalRecords,
			ProcessedRecords: mirror.ProcessedRecords,
			AddedRecords:     mirror.AddedRecords,
			SkippedRecords:   mirror.SkippedRecords,
			ErrorMessage:     mirror.ErrorMessage,
		})
		return
	}

	job, err := h.imports.Job(r.Context(), jobID)
	if errors.Is(err, db.ErrNotFound) {
		respondError(w, http.StatusNotFound, "unknown import job")
		return
	}
	if err != nil {
		h.logger.Error("reading import job", "job", jobID, "err", err)
		respondError(w, http.StatusInternalServerError, "failed to read job")
		return
	}

	resp := importProgressResponse{
		JobID:            job.ID,
		Status:           job.Status,
		TotalRecords:     job.TotalEvents,
		ProcessedRecords: job.ProcessedEvents,
	}
	if job.ErrorMessage != nil {
		resp.ErrorMessage = *job.ErrorMessage
	}
	respondJSON(w, http.StatusOK, resp)
}

// Health reports whether the durable and ephemeral stores are reachable
// (GET /healthz).
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]string{"database": "ok", "cache": "ok"}
	healthy := true
	if err := h.database.Ping(ctx); err != nil {
		checks["database"] = err.Error()
		healthy = false
	}
	if err := h.store.Ping(ctx); err != nil {
		checks["cache"] = err.Error()
		healthy = false
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, checks)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
