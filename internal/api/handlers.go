// Package api implements the Admin/Status HTTP surface described in
// spec.md §6: election-level tally/decryption/combine submission and the
// job/status/results polling endpoints clients use to track them.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/amarvote/orchestrator-core/internal/domain"
	"github.com/amarvote/orchestrator-core/internal/metrics"
	"github.com/amarvote/orchestrator-core/internal/orcherr"
	"github.com/amarvote/orchestrator-core/internal/planner"
)

func newJobID() string { return uuid.NewString() }

// Planner is the subset of internal/planner the tally/create endpoint calls.
type Planner interface {
	Plan(ctx context.Context, electionID string) (*planner.PlanResult, error)
}

// ProgressTracker is the subset of internal/progress the guardian endpoints call.
type ProgressTracker interface {
	Submit(ctx context.Context, electionID, guardianID string, credentialBlob []byte) (*domain.PartialDecryptionStatus, error)
	Status(ctx context.Context, electionID, guardianID string) (*domain.PartialDecryptionStatus, error)
}

// Scheduler is the subset of internal/scheduler the combine/decryption
// endpoint registers the resulting job with.
type Scheduler interface {
	RegisterJob(jobID string, operation domain.OperationKind, electionID string, chunkIDs []string)
}

// Store is the subset of internal/store the API reads and writes job and
// results rows through.
type Store interface {
	CreateJob(ctx context.Context, job domain.Job) error
	LoadJob(ctx context.Context, jobID string) (*domain.Job, error)
	FindChunkIdsByElection(ctx context.Context, electionID string) ([]string, error)
	LoadCachedResults(ctx context.Context, electionID string) ([]json.RawMessage, error)
	Ping(ctx context.Context) error
}

// Handler serves the Admin/Status API (spec.md §6).
type Handler struct {
	store     Store
	planner   Planner
	progress  ProgressTracker
	scheduler Scheduler
	logger    *logrus.Logger
	metrics   *metrics.Metrics
}

// NewHandler builds a Handler wiring the core's planner, progress tracker,
// scheduler, and store behind the HTTP surface.
func NewHandler(st Store, pl Planner, pr ProgressTracker, sch Scheduler, logger *logrus.Logger, m *metrics.Metrics) *Handler {
	if logger == nil {
		logger = logrus.New()
	}
	return &Handler{store: st, planner: pl, progress: pr, scheduler: sch, logger: logger, metrics: m}
}

// RegisterRoutes registers the health surface and spec.md §6's six Admin/
// Status endpoints.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", h.handleHealth).Methods("GET")
	r.HandleFunc("/ready", h.wrap("/ready", h.handleReady)).Methods("GET")
	r.HandleFunc("/live", h.handleLive).Methods("GET")

	r.HandleFunc("/api/tally/create", h.wrap("/api/tally/create", h.handleTallyCreate)).Methods("POST")
	r.HandleFunc("/api/guardian/initiate-decryption", h.wrap("/api/guardian/initiate-decryption", h.handleInitiateDecryption)).Methods("POST")
	r.HandleFunc("/api/guardian/decryption-status/{electionId}/{guardianId}", h.wrap("/api/guardian/decryption-status", h.handleDecryptionStatus)).Methods("GET")
	r.HandleFunc("/api/combine/decryption", h.wrap("/api/combine/decryption", h.handleCombineDecryption)).Methods("POST")
	r.HandleFunc("/api/jobs/{jobId}/status", h.wrap("/api/jobs/status", h.handleJobStatus)).Methods("GET")
	r.HandleFunc("/api/election/{id}/cached-results", h.wrap("/api/election/cached-results", h.handleCachedResults)).Methods("GET")
}

// wrap records the request/response metric around a domain handler, mirroring
// the pattern the health handlers below use directly.
func (h *Handler) wrap(label string, fn func(w http.ResponseWriter, r *http.Request) int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		status := fn(w, r)
		if h.metrics != nil {
			h.metrics.RecordHTTPRequest(r.Context(), r.Method, label, status, time.Since(start), 0)
		}
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	metrics.HealthHandler()(w, r)
	if h.metrics != nil {
		h.metrics.RecordHTTPRequest(r.Context(), r.Method, "/health", http.StatusOK, time.Since(start), 0)
	}
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) int {
	recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	metrics.ReadinessHandler(h.store.Ping)(recorder, r)
	return recorder.status
}

func (h *Handler) handleLive(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	metrics.LivenessHandler()(w, r)
	if h.metrics != nil {
		h.metrics.RecordHTTPRequest(r.Context(), r.Method, "/live", http.StatusOK, time.Since(start), 0)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// --- request/response bodies (spec.md §6) ---------------------------------

type tallyCreateRequest struct {
	ElectionID string `json:"electionId"`
}

type tallyCreateResponse struct {
	JobID       string `json:"jobId"`
	TotalChunks int    `json:"totalChunks"`
	PollURL     string `json:"pollUrl"`
}

type initiateDecryptionRequest struct {
	ElectionID     string `json:"electionId"`
	GuardianID     string `json:"guardianId"`
	CredentialBlob []byte `json:"credentialBlob"`
}

type initiateDecryptionResponse struct {
	JobID string `json:"jobId"`
}

type combineDecryptionRequest struct {
	ElectionID string `json:"electionId"`
}

type combineDecryptionResponse struct {
	JobID string `json:"jobId"`
}

type jobStatusResponse struct {
	State           domain.JobState `json:"state"`
	TotalChunks     int             `json:"totalChunks"`
	ProcessedChunks int             `json:"processedChunks"`
	FailedChunks    int             `json:"failedChunks"`
	StartedAt       *time.Time      `json:"startedAt"`
	CompletedAt     *time.Time      `json:"completedAt"`
	ErrorMessage    string          `json:"errorMessage"`
}

type errorResponse struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// --- handlers ---------------------------------------------------------------

func (h *Handler) handleTallyCreate(w http.ResponseWriter, r *http.Request) int {
	var req tallyCreateRequest
	if !decodeJSON(w, r, &req) {
		return http.StatusBadRequest
	}
	if req.ElectionID == "" {
		return writeError(w, orcherr.New(orcherr.InvalidInput, "electionId is required"))
	}

	ctx := r.Context()
	result, err := h.planner.Plan(ctx, req.ElectionID)
	if err != nil {
		return writeError(w, err)
	}

	jobID := newJobID()
	job := domain.Job{ID: jobID, ElectionID: req.ElectionID, Operation: domain.OpTally, TotalChunks: result.ChunkCount}
	if err := h.store.CreateJob(ctx, job); err != nil {
		return writeError(w, fmt.Errorf("api: create tally job: %w", err))
	}
	h.scheduler.RegisterJob(jobID, domain.OpTally, req.ElectionID, result.ChunkIDs)

	return writeJSON(w, http.StatusAccepted, tallyCreateResponse{
		JobID:       jobID,
		TotalChunks: result.ChunkCount,
		PollURL:     fmt.Sprintf("/api/jobs/%s/status", jobID),
	})
}

func (h *Handler) handleInitiateDecryption(w http.ResponseWriter, r *http.Request) int {
	var req initiateDecryptionRequest
	if !decodeJSON(w, r, &req) {
		return http.StatusBadRequest
	}
	if req.ElectionID == "" || req.GuardianID == "" {
		return writeError(w, orcherr.New(orcherr.InvalidInput, "electionId and guardianId are required"))
	}

	status, err := h.progress.Submit(r.Context(), req.ElectionID, req.GuardianID, req.CredentialBlob)
	if err != nil {
		if orcherr.Is(err, orcherr.InvalidCredential) {
			return writeError(w, err)
		}
		if orcherr.Is(err, orcherr.DuplicateSubmission) {
			return writeJSON(w, http.StatusAccepted, statusToResponse(status))
		}
		return writeError(w, err)
	}
	return writeJSON(w, http.StatusAccepted, statusToResponse(status))
}

func statusToResponse(status *domain.PartialDecryptionStatus) any {
	if status == nil {
		return initiateDecryptionResponse{}
	}
	return status
}

func (h *Handler) handleDecryptionStatus(w http.ResponseWriter, r *http.Request) int {
	vars := mux.Vars(r)
	electionID, guardianID := vars["electionId"], vars["guardianId"]

	status, err := h.progress.Status(r.Context(), electionID, guardianID)
	if err != nil {
		return writeError(w, err)
	}
	if status == nil {
		return writeError(w, orcherr.New(orcherr.InvalidInput, "no decryption submission found for this guardian"))
	}
	return writeJSON(w, http.StatusOK, status)
}

func (h *Handler) handleCombineDecryption(w http.ResponseWriter, r *http.Request) int {
	var req combineDecryptionRequest
	if !decodeJSON(w, r, &req) {
		return http.StatusBadRequest
	}
	if req.ElectionID == "" {
		return writeError(w, orcherr.New(orcherr.InvalidInput, "electionId is required"))
	}

	ctx := r.Context()
	chunkIDs, err := h.store.FindChunkIdsByElection(ctx, req.ElectionID)
	if err != nil {
		return writeError(w, fmt.Errorf("api: find chunks for election %s: %w", req.ElectionID, err))
	}
	if len(chunkIDs) == 0 {
		return writeError(w, orcherr.New(orcherr.InvalidInput, fmt.Sprintf("election %s has not been chunked", req.ElectionID)))
	}

	jobID := newJobID()
	job := domain.Job{ID: jobID, ElectionID: req.ElectionID, Operation: domain.OpCombine, TotalChunks: len(chunkIDs)}
	if err := h.store.CreateJob(ctx, job); err != nil {
		return writeError(w, fmt.Errorf("api: create combine job: %w", err))
	}
	h.scheduler.RegisterJob(jobID, domain.OpCombine, req.ElectionID, chunkIDs)

	return writeJSON(w, http.StatusAccepted, combineDecryptionResponse{JobID: jobID})
}

func (h *Handler) handleJobStatus(w http.ResponseWriter, r *http.Request) int {
	jobID := mux.Vars(r)["jobId"]

	job, err := h.store.LoadJob(r.Context(), jobID)
	if err != nil {
		return writeError(w, err)
	}
	if job == nil {
		return writeError(w, orcherr.New(orcherr.InvalidInput, fmt.Sprintf("job %s not found", jobID)))
	}

	return writeJSON(w, http.StatusOK, jobStatusResponse{
		State:           job.State,
		TotalChunks:     job.TotalChunks,
		ProcessedChunks: job.ProcessedChunks,
		FailedChunks:    job.FailedChunks,
		StartedAt:       job.StartedAt,
		CompletedAt:     job.CompletedAt,
		ErrorMessage:    job.ErrorMessage,
	})
}

func (h *Handler) handleCachedResults(w http.ResponseWriter, r *http.Request) int {
	electionID := mux.Vars(r)["id"]

	results, err := h.store.LoadCachedResults(r.Context(), electionID)
	if err != nil {
		return writeError(w, fmt.Errorf("api: load cached results for election %s: %w", electionID, err))
	}
	if len(results) == 0 {
		return writeJSON(w, http.StatusNotFound, errorResponse{Message: "Results not yet available"})
	}
	return writeJSON(w, http.StatusOK, results)
}

// --- helpers ----------------------------------------------------------------

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil && err != io.EOF {
		writeError(w, orcherr.New(orcherr.InvalidInput, "malformed request body: "+err.Error()))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) int {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
	return status
}

// writeError maps a classified orcherr.Error to its HTTP status (spec.md §7)
// and falls back to 500 for anything uncategorized.
func writeError(w http.ResponseWriter, err error) int {
	var classified *orcherr.Error
	if orcherr.As(err, &classified) {
		status := httpStatusFor(classified.Kind)
		return writeJSON(w, status, errorResponse{Kind: string(classified.Kind), Message: classified.Message})
	}
	return writeJSON(w, http.StatusInternalServerError, errorResponse{Kind: "INTERNAL", Message: err.Error()})
}

func httpStatusFor(kind orcherr.Kind) int {
	switch kind {
	case orcherr.InvalidInput, orcherr.InvalidCredential:
		return http.StatusBadRequest
	case orcherr.DuplicateSubmission:
		return http.StatusConflict
	case orcherr.Planner:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
