package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amarvote/orchestrator-core/internal/domain"
	"github.com/amarvote/orchestrator-core/internal/orcherr"
	"github.com/amarvote/orchestrator-core/internal/planner"
)

type fakeStore struct {
	pingErr      error
	createErr    error
	createdJobs  []domain.Job
	job          *domain.Job
	jobErr       error
	chunkIDs     []string
	chunkErr     error
	results      []json.RawMessage
	resultsErr   error
}

func (s *fakeStore) Ping(ctx context.Context) error { return s.pingErr }

func (s *fakeStore) CreateJob(ctx context.Context, job domain.Job) error {
	if s.createErr != nil {
		return s.createErr
	}
	s.createdJobs = append(s.createdJobs, job)
	return nil
}

func (s *fakeStore) LoadJob(ctx context.Context, jobID string) (*domain.Job, error) {
	return s.job, s.jobErr
}

func (s *fakeStore) FindChunkIdsByElection(ctx context.Context, electionID string) ([]string, error) {
	return s.chunkIDs, s.chunkErr
}

func (s *fakeStore) LoadCachedResults(ctx context.Context, electionID string) ([]json.RawMessage, error) {
	return s.results, s.resultsErr
}

type fakePlanner struct {
	result *planner.PlanResult
	err    error
}

func (p *fakePlanner) Plan(ctx context.Context, electionID string) (*planner.PlanResult, error) {
	return p.result, p.err
}

type fakeProgress struct {
	submitStatus *domain.PartialDecryptionStatus
	submitErr    error
	statusStatus *domain.PartialDecryptionStatus
	statusErr    error
}

func (p *fakeProgress) Submit(ctx context.Context, electionID, guardianID string, credentialBlob []byte) (*domain.PartialDecryptionStatus, error) {
	return p.submitStatus, p.submitErr
}

func (p *fakeProgress) Status(ctx context.Context, electionID, guardianID string) (*domain.PartialDecryptionStatus, error) {
	return p.statusStatus, p.statusErr
}

type fakeScheduler struct {
	registered []string
}

func (s *fakeScheduler) RegisterJob(jobID string, operation domain.OperationKind, electionID string, chunkIDs []string) {
	s.registered = append(s.registered, jobID)
}

func newTestHandler(st *fakeStore, pl *fakePlanner, pr *fakeProgress, sch *fakeScheduler) (*Handler, *mux.Router) {
	h := NewHandler(st, pl, pr, sch, nil, nil)
	r := mux.NewRouter()
	h.RegisterRoutes(r)
	return h, r
}

func TestTallyCreate_AcceptsAndRegistersJob(t *testing.T) {
	st := &fakeStore{}
	pl := &fakePlanner{result: &planner.PlanResult{ElectionID: "e1", ChunkIDs: []string{"c1", "c2"}, ChunkCount: 2}}
	sch := &fakeScheduler{}
	_, router := newTestHandler(st, pl, &fakeProgress{}, sch)

	body, _ := json.Marshal(tallyCreateRequest{ElectionID: "e1"})
	req := httptest.NewRequest(http.MethodPost, "/api/tally/create", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp tallyCreateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.TotalChunks)
	assert.NotEmpty(t, resp.JobID)
	require.Len(t, st.createdJobs, 1)
	assert.Equal(t, domain.OpTally, st.createdJobs[0].Operation)
	require.Len(t, sch.registered, 1)
}

func TestTallyCreate_RejectsMissingElectionID(t *testing.T) {
	_, router := newTestHandler(&fakeStore{}, &fakePlanner{}, &fakeProgress{}, &fakeScheduler{})

	req := httptest.NewRequest(http.MethodPost, "/api/tally/create", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTallyCreate_SurfacesPlannerConflictAs409(t *testing.T) {
	pl := &fakePlanner{err: orcherr.New(orcherr.Planner, "election e1 is already chunked")}
	_, router := newTestHandler(&fakeStore{}, pl, &fakeProgress{}, &fakeScheduler{})

	body, _ := json.Marshal(tallyCreateRequest{ElectionID: "e1"})
	req := httptest.NewRequest(http.MethodPost, "/api/tally/create", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestInitiateDecryption_InvalidCredentialReturns400(t *testing.T) {
	pr := &fakeProgress{submitErr: orcherr.InvalidCredentialError(nil), submitStatus: &domain.PartialDecryptionStatus{State: domain.GuardianFailed}}
	_, router := newTestHandler(&fakeStore{}, &fakePlanner{}, pr, &fakeScheduler{})

	body, _ := json.Marshal(initiateDecryptionRequest{ElectionID: "e1", GuardianID: "g1", CredentialBlob: []byte("bad")})
	req := httptest.NewRequest(http.MethodPost, "/api/guardian/initiate-decryption", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(orcherr.InvalidCredential), resp.Kind)
}

func TestInitiateDecryption_AcceptsValidSubmission(t *testing.T) {
	pr := &fakeProgress{submitStatus: &domain.PartialDecryptionStatus{ElectionID: "e1", GuardianID: "g1", State: domain.GuardianInProgress}}
	_, router := newTestHandler(&fakeStore{}, &fakePlanner{}, pr, &fakeScheduler{})

	body, _ := json.Marshal(initiateDecryptionRequest{ElectionID: "e1", GuardianID: "g1", CredentialBlob: []byte("good")})
	req := httptest.NewRequest(http.MethodPost, "/api/guardian/initiate-decryption", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestDecryptionStatus_ReturnsNotFoundErrorWhenNoSubmission(t *testing.T) {
	_, router := newTestHandler(&fakeStore{}, &fakePlanner{}, &fakeProgress{}, &fakeScheduler{})

	req := httptest.NewRequest(http.MethodGet, "/api/guardian/decryption-status/e1/g1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCombineDecryption_RejectsUnchunkedElection(t *testing.T) {
	_, router := newTestHandler(&fakeStore{}, &fakePlanner{}, &fakeProgress{}, &fakeScheduler{})

	body, _ := json.Marshal(combineDecryptionRequest{ElectionID: "e1"})
	req := httptest.NewRequest(http.MethodPost, "/api/combine/decryption", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCombineDecryption_AcceptsAndRegistersJob(t *testing.T) {
	st := &fakeStore{chunkIDs: []string{"c1", "c2", "c3"}}
	sch := &fakeScheduler{}
	_, router := newTestHandler(st, &fakePlanner{}, &fakeProgress{}, sch)

	body, _ := json.Marshal(combineDecryptionRequest{ElectionID: "e1"})
	req := httptest.NewRequest(http.MethodPost, "/api/combine/decryption", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, sch.registered, 1)
	require.Len(t, st.createdJobs, 1)
	assert.Equal(t, domain.OpCombine, st.createdJobs[0].Operation)
}

func TestJobStatus_ReturnsSnapshot(t *testing.T) {
	st := &fakeStore{job: &domain.Job{ID: "j1", State: domain.JobInProgress, TotalChunks: 5, ProcessedChunks: 2}}
	_, router := newTestHandler(st, &fakePlanner{}, &fakeProgress{}, &fakeScheduler{})

	req := httptest.NewRequest(http.MethodGet, "/api/jobs/j1/status", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp jobStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, domain.JobInProgress, resp.State)
	assert.Equal(t, 2, resp.ProcessedChunks)
}

func TestCachedResults_Returns404WhenNoneReady(t *testing.T) {
	_, router := newTestHandler(&fakeStore{}, &fakePlanner{}, &fakeProgress{}, &fakeScheduler{})

	req := httptest.NewRequest(http.MethodGet, "/api/election/e1/cached-results", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCachedResults_Returns200WhenReady(t *testing.T) {
	st := &fakeStore{results: []json.RawMessage{json.RawMessage(`{"selection":"yes","count":5}`)}}
	_, router := newTestHandler(st, &fakePlanner{}, &fakeProgress{}, &fakeScheduler{})

	req := httptest.NewRequest(http.MethodGet, "/api/election/e1/cached-results", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthAndLive_AlwaysOK(t *testing.T) {
	_, router := newTestHandler(&fakeStore{}, &fakePlanner{}, &fakeProgress{}, &fakeScheduler{})

	for _, path := range []string{"/health", "/live"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestReady_ReflectsStorePingFailure(t *testing.T) {
	st := &fakeStore{pingErr: assertErr{}}
	_, router := newTestHandler(st, &fakePlanner{}, &fakeProgress{}, &fakeScheduler{})

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

type assertErr struct{}

func (assertErr) Error() string { return "store unavailable" }
