package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amarvote/orchestrator-core/internal/audit"
	"github.com/amarvote/orchestrator-core/internal/domain"
	"github.com/amarvote/orchestrator-core/internal/queue"
	"github.com/amarvote/orchestrator-core/internal/store"
)

// fakeCrypto is an in-memory cryptoclient.Client double returning a
// caller-supplied response (or error) for PostJSON.
type fakeCrypto struct {
	mu        sync.Mutex
	responses map[string]any
	err       error
	calls     []string
}

func (f *fakeCrypto) PostJSON(ctx context.Context, endpoint string, body any, out any) error {
	f.mu.Lock()
	f.calls = append(f.calls, endpoint)
	f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	resp, ok := f.responses[endpoint]
	if !ok {
		return nil
	}
	data, _ := json.Marshal(resp)
	return json.Unmarshal(data, out)
}

func (f *fakeCrypto) Stats() (available, leased, pending int) { return 1, 0, 0 }
func (f *fakeCrypto) Close()                                  {}

// fakeScheduler records the callbacks workers make back to the scheduler.
type fakeScheduler struct {
	mu         sync.Mutex
	processing []string
	completed  []string
	failed     []string
	registered []domain.Job
	templates  []domain.ChunkMessage
}

func (s *fakeScheduler) ReportChunkProcessing(jobID, chunkID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processing = append(s.processing, jobID+"/"+chunkID)
}
func (s *fakeScheduler) ReportChunkCompleted(jobID, chunkID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, jobID+"/"+chunkID)
}
func (s *fakeScheduler) ReportChunkFailed(jobID, chunkID, errorMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = append(s.failed, jobID+"/"+chunkID)
}
func (s *fakeScheduler) RegisterJob(jobID string, operation domain.OperationKind, electionID string, chunkIDs []string) {
	s.RegisterJobWithTemplate(jobID, operation, electionID, chunkIDs, domain.ChunkMessage{})
}
func (s *fakeScheduler) RegisterJobWithTemplate(jobID string, operation domain.OperationKind, electionID string, chunkIDs []string, template domain.ChunkMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registered = append(s.registered, domain.Job{ID: jobID, Operation: operation, ElectionID: electionID, TotalChunks: len(chunkIDs)})
	s.templates = append(s.templates, template)
}

// fakeStore is an in-memory double of worker.Store sufficient for the four
// worker kinds' unit tests.
type fakeStore struct {
	mu sync.Mutex

	ballotCiphertexts map[string][]string
	chunkTallies      map[string]string
	chunkResults      map[string]string
	chunksByElection  map[string][]string

	partialShares     []domain.PartialShare
	compensatedShares []domain.CompensatedShare

	jobs         map[string]*domain.Job
	jobProgress  map[string]*store.JobProgress
	statuses     map[string]*domain.PartialDecryptionStatus
	decrypted    map[string]bool
	quorum       int
	guardians    []domain.Guardian
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		ballotCiphertexts: map[string][]string{},
		chunkTallies:      map[string]string{},
		chunkResults:      map[string]string{},
		chunksByElection:  map[string][]string{},
		jobs:              map[string]*domain.Job{},
		jobProgress:       map[string]*store.JobProgress{},
		statuses:          map[string]*domain.PartialDecryptionStatus{},
		decrypted:         map[string]bool{},
		quorum:            1,
	}
}

func (s *fakeStore) FindChunkIdsByElection(ctx context.Context, electionID string) ([]string, error) {
	return s.chunksByElection[electionID], nil
}
func (s *fakeStore) LoadChunkCiphertextById(ctx context.Context, chunkID string) (string, error) {
	return s.chunkTallies[chunkID], nil
}
func (s *fakeStore) LoadBallotCiphertextsForChunk(ctx context.Context, chunkID string) ([]string, error) {
	return s.ballotCiphertexts[chunkID], nil
}
func (s *fakeStore) UpdateChunkEncryptedTally(ctx context.Context, chunkID, ciphertext string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunkTallies[chunkID] = ciphertext
	return nil
}
func (s *fakeStore) UpdateChunkResult(ctx context.Context, chunkID, resultJSON string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunkResults[chunkID] = resultJSON
	return nil
}
func (s *fakeStore) InsertPartialShare(ctx context.Context, share domain.PartialShare) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partialShares = append(s.partialShares, share)
	return nil
}
func (s *fakeStore) InsertCompensatedShare(ctx context.Context, share domain.CompensatedShare) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.compensatedShares = append(s.compensatedShares, share)
	return nil
}
func (s *fakeStore) LoadPartialSharesForChunk(ctx context.Context, chunkID string) (map[string]string, error) {
	out := map[string]string{}
	for _, p := range s.partialShares {
		if p.ChunkID == chunkID {
			out[p.GuardianID] = p.Share
		}
	}
	return out, nil
}
func (s *fakeStore) LoadCompensatedSharesForChunk(ctx context.Context, chunkID string) (map[store.CompensatedKey]string, error) {
	out := map[store.CompensatedKey]string{}
	for _, c := range s.compensatedShares {
		if c.ChunkID == chunkID {
			out[store.CompensatedKey{Source: c.SourceID, Target: c.TargetID}] = c.Share
		}
	}
	return out, nil
}
func (s *fakeStore) CreateJob(ctx context.Context, job domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := job
	j.State = domain.JobPending
	s.jobs[job.ID] = &j
	s.jobProgress[job.ID] = &store.JobProgress{TotalChunks: job.TotalChunks, State: domain.JobPending}
	return nil
}
func (s *fakeStore) IncrementJobProgress(ctx context.Context, jobID string, failed bool) (*store.JobProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.jobProgress[jobID]
	if !ok {
		return nil, errors.New("job not found")
	}
	if failed {
		p.FailedChunks++
	} else {
		p.ProcessedChunks++
	}
	if p.ProcessedChunks+p.FailedChunks >= p.TotalChunks && !p.State.Terminal() {
		if p.FailedChunks > 0 {
			p.State = domain.JobFailed
		} else {
			p.State = domain.JobCompleted
		}
	}
	cp := *p
	return &cp, nil
}
func (s *fakeStore) UpsertPartialDecryptionStatus(ctx context.Context, status domain.PartialDecryptionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := status
	s.statuses[status.ElectionID+"/"+status.GuardianID] = &st
	return nil
}
func (s *fakeStore) MarkPartialDecryptionStatus(ctx context.Context, electionID, guardianID string, state domain.GuardianState, phase domain.GuardianPhase, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := electionID + "/" + guardianID
	st, ok := s.statuses[key]
	if !ok {
		st = &domain.PartialDecryptionStatus{ElectionID: electionID, GuardianID: guardianID}
		s.statuses[key] = st
	}
	st.State = state
	st.Phase = phase
	st.LastError = lastError
	return nil
}
func (s *fakeStore) LoadPartialDecryptionStatus(ctx context.Context, electionID, guardianID string) (*domain.PartialDecryptionStatus, error) {
	return s.statuses[electionID+"/"+guardianID], nil
}
func (s *fakeStore) MarkGuardianDecrypted(ctx context.Context, electionID, guardianID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decrypted[electionID+"/"+guardianID] = true
	return nil
}
func (s *fakeStore) CountDecryptedGuardians(ctx context.Context, electionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for k, v := range s.decrypted {
		if v && len(k) > len(electionID) && k[:len(electionID)] == electionID {
			count++
		}
	}
	return count, nil
}
func (s *fakeStore) LoadElectionQuorum(ctx context.Context, electionID string) (int, error) {
	return s.quorum, nil
}
func (s *fakeStore) LoadElectionGuardians(ctx context.Context, electionID string) ([]domain.Guardian, error) {
	return s.guardians, nil
}

// fakeConsumer serves a fixed slice of deliveries, one per Receive call.
type fakeConsumer struct {
	mu        sync.Mutex
	pending   []*queue.Delivery
	acked     []string
	idCounter int
}

func (c *fakeConsumer) push(msg domain.ChunkMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.idCounter++
	c.pending = append(c.pending, &queue.Delivery{ID: time.Now().Format("150405.000000") + "-0", Message: msg})
}

func (c *fakeConsumer) Receive(ctx context.Context, block time.Duration) (*queue.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return nil, nil
	}
	d := c.pending[0]
	c.pending = c.pending[1:]
	return d, nil
}

func (c *fakeConsumer) Ack(ctx context.Context, messageID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acked = append(c.acked, messageID)
	return nil
}

func TestTallyWorker_ProcessPersistsTallyAndCompletesJob(t *testing.T) {
	st := newFakeStore()
	st.ballotCiphertexts["chunk-1"] = []string{"ct-1", "ct-2"}
	st.jobProgress["job-1"] = &store.JobProgress{TotalChunks: 1}

	crypto := &fakeCrypto{responses: map[string]any{tallyEndpoint: tallyResponse{EncryptedTally: "agg-tally"}}}
	sched := &fakeScheduler{}
	w := NewTallyWorker(nil, sched, st, crypto, audit.NewLogger(10, nil), nil, nil)

	err := w.process(context.Background(), domain.ChunkMessage{JobID: "job-1", ChunkID: "chunk-1", ElectionID: "election-1", Operation: domain.OpTally})
	require.NoError(t, err)

	assert.Equal(t, "agg-tally", st.chunkTallies["chunk-1"])
	assert.Equal(t, domain.JobCompleted, st.jobProgress["job-1"].State)
}

func TestTallyWorker_CryptoFailurePropagatesError(t *testing.T) {
	st := newFakeStore()
	st.jobProgress["job-1"] = &store.JobProgress{TotalChunks: 1}
	crypto := &fakeCrypto{err: errors.New("service unavailable")}
	w := NewTallyWorker(nil, &fakeScheduler{}, st, crypto, audit.NewLogger(10, nil), nil, nil)

	err := w.process(context.Background(), domain.ChunkMessage{JobID: "job-1", ChunkID: "chunk-1", ElectionID: "election-1"})
	assert.Error(t, err)
}

func TestPartialWorker_SingleGuardianElectionCompletesOutright(t *testing.T) {
	st := newFakeStore()
	st.quorum = 1
	st.guardians = []domain.Guardian{{ID: "g1"}}
	st.jobProgress["job-1"] = &store.JobProgress{TotalChunks: 1}
	crypto := &fakeCrypto{responses: map[string]any{partialEndpoint: partialResponse{Share: "share-1"}}}
	sched := &fakeScheduler{}
	w := NewPartialWorker(nil, sched, st, crypto, audit.NewLogger(10, nil), nil, nil)

	err := w.process(context.Background(), domain.ChunkMessage{JobID: "job-1", ChunkID: "chunk-1", ElectionID: "e1", GuardianID: "g1"})
	require.NoError(t, err)

	require.Len(t, st.partialShares, 1)
	assert.Equal(t, "share-1", st.partialShares[0].Share)
	assert.True(t, st.decrypted["e1/g1"])
	assert.Equal(t, domain.GuardianCompleted, st.statuses["e1/g1"].State)
	assert.Empty(t, sched.registered, "single-guardian election must not create a compensated job")
}

func TestPartialWorker_MultiGuardianElectionCreatesCompensatedJob(t *testing.T) {
	st := newFakeStore()
	st.quorum = 2
	st.guardians = []domain.Guardian{{ID: "g1"}, {ID: "g2"}, {ID: "g3"}}
	st.jobProgress["job-1"] = &store.JobProgress{TotalChunks: 1}
	crypto := &fakeCrypto{responses: map[string]any{partialEndpoint: partialResponse{Share: "share-1"}}}
	sched := &fakeScheduler{}
	w := NewPartialWorker(nil, sched, st, crypto, audit.NewLogger(10, nil), nil, nil)

	err := w.process(context.Background(), domain.ChunkMessage{JobID: "job-1", ChunkID: "chunk-1", ElectionID: "e1", GuardianID: "g1"})
	require.NoError(t, err)

	assert.False(t, st.decrypted["e1/g1"], "guardian isn't decrypted until its compensated job also completes")
	assert.Equal(t, domain.GuardianPhase(domain.PhaseCompensated), st.statuses["e1/g1"].Phase)
	require.Len(t, sched.registered, 1)
	assert.Equal(t, domain.OpCompensated, sched.registered[0].Operation)
	assert.Equal(t, 2, sched.registered[0].TotalChunks, "two absent guardians (g2, g3)")
	require.Len(t, sched.templates, 1)
	assert.Equal(t, "g1", sched.templates[0].SourceGuardianID, "compensated dispatch template carries the source guardian forward")
}

func TestCompensatedWorker_FinalTargetCompletesSourceGuardian(t *testing.T) {
	st := newFakeStore()
	st.chunksByElection["e1"] = []string{"chunk-1", "chunk-2"}
	st.chunkTallies["chunk-1"] = "tally-1"
	st.chunkTallies["chunk-2"] = "tally-2"
	st.guardians = []domain.Guardian{{ID: "g2", PublicKey: "pk2", SequenceOrder: 2}}
	st.jobProgress["job-c1"] = &store.JobProgress{TotalChunks: 1}

	crypto := &fakeCrypto{responses: map[string]any{
		compensatedEndpoint: compensatedResponse{SharesByChunk: map[string]string{"chunk-1": "s1", "chunk-2": "s2"}},
	}}
	sched := &fakeScheduler{}
	w := NewCompensatedWorker(nil, sched, st, crypto, audit.NewLogger(10, nil), nil, nil)

	err := w.process(context.Background(), domain.ChunkMessage{
		JobID: "job-c1", ChunkID: "g2", ElectionID: "e1",
		SourceGuardianID: "g1", SourceUnsealedShare: "unsealed",
	})
	require.NoError(t, err)

	require.Len(t, st.compensatedShares, 2)
	assert.True(t, st.decrypted["e1/g1"])
	assert.Equal(t, domain.GuardianCompleted, st.statuses["e1/g1"].State)
}

func TestCombineWorker_RefusesBelowQuorum(t *testing.T) {
	st := newFakeStore()
	st.quorum = 2
	w := NewCombineWorker(nil, &fakeScheduler{}, st, &fakeCrypto{}, audit.NewLogger(10, nil), nil, nil)

	err := w.process(context.Background(), domain.ChunkMessage{JobID: "job-1", ChunkID: "chunk-1", ElectionID: "e1"})
	assert.Error(t, err)
}

func TestCombineWorker_CombinesAndPersistsResult(t *testing.T) {
	st := newFakeStore()
	st.quorum = 1
	st.decrypted["e1/g1"] = true
	st.chunkTallies["chunk-1"] = "tally-1"
	st.partialShares = []domain.PartialShare{{ElectionID: "e1", ChunkID: "chunk-1", GuardianID: "g1", Share: "s1"}}
	st.jobProgress["job-1"] = &store.JobProgress{TotalChunks: 1}

	resultJSON := json.RawMessage(`{"selection-1":42}`)
	crypto := &fakeCrypto{responses: map[string]any{combineEndpoint: combineResponse{Result: resultJSON}}}
	w := NewCombineWorker(nil, &fakeScheduler{}, st, crypto, audit.NewLogger(10, nil), nil, nil)

	err := w.process(context.Background(), domain.ChunkMessage{JobID: "job-1", ChunkID: "chunk-1", ElectionID: "e1"})
	require.NoError(t, err)
	assert.JSONEq(t, string(resultJSON), st.chunkResults["chunk-1"])
	assert.Equal(t, domain.JobCompleted, st.jobProgress["job-1"].State)
}

func TestBaseWorker_HandleLocksPerJobChunkAndAcksOnce(t *testing.T) {
	st := newFakeStore()
	st.ballotCiphertexts["chunk-1"] = []string{"ct"}
	st.jobProgress["job-1"] = &store.JobProgress{TotalChunks: 1}
	crypto := &fakeCrypto{responses: map[string]any{tallyEndpoint: tallyResponse{EncryptedTally: "t"}}}
	sched := &fakeScheduler{}
	consumer := &fakeConsumer{}
	w := NewTallyWorker(consumer, sched, st, crypto, audit.NewLogger(10, nil), nil, nil)

	consumer.push(domain.ChunkMessage{JobID: "job-1", ChunkID: "chunk-1", ElectionID: "e1"})
	delivery, err := consumer.Receive(context.Background(), time.Second)
	require.NoError(t, err)
	require.NotNil(t, delivery)

	w.handle(context.Background(), delivery, w.process)

	assert.Len(t, sched.processing, 1)
	assert.Len(t, sched.completed, 1)
	assert.Len(t, consumer.acked, 1)
}

func TestBaseWorker_HandleReportsFailureWithoutPanicking(t *testing.T) {
	st := newFakeStore()
	crypto := &fakeCrypto{err: errors.New("boom")}
	sched := &fakeScheduler{}
	consumer := &fakeConsumer{}
	w := NewTallyWorker(consumer, sched, st, crypto, audit.NewLogger(10, nil), nil, nil)

	consumer.push(domain.ChunkMessage{JobID: "job-1", ChunkID: "chunk-1", ElectionID: "e1"})
	delivery, err := consumer.Receive(context.Background(), time.Second)
	require.NoError(t, err)

	w.handle(context.Background(), delivery, w.process)

	assert.Len(t, sched.failed, 1)
	assert.Empty(t, sched.completed)
}
