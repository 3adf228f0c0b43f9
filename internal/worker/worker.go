// Package worker implements the four chunk-processing worker kinds
// described in spec.md §4.6: tally, partial-decryption, compensated-share,
// and combine. All four share the same nine-step lifecycle — acquire a
// per-(job,chunk) lock, report PROCESSING, load projection-only data, call
// the crypto service, persist, advance job progress, clear per-chunk state,
// and report COMPLETED or FAILED — and differ only in payload shape and
// completion side effects.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/amarvote/orchestrator-core/internal/audit"
	"github.com/amarvote/orchestrator-core/internal/cryptoclient"
	"github.com/amarvote/orchestrator-core/internal/domain"
	"github.com/amarvote/orchestrator-core/internal/metrics"
	"github.com/amarvote/orchestrator-core/internal/queue"
	"github.com/amarvote/orchestrator-core/internal/store"
)

const receiveBlock = 5 * time.Second

// Store is the subset of internal/store the worker pool depends on.
type Store interface {
	FindChunkIdsByElection(ctx context.Context, electionID string) ([]string, error)
	LoadChunkCiphertextById(ctx context.Context, chunkID string) (string, error)
	LoadBallotCiphertextsForChunk(ctx context.Context, chunkID string) ([]string, error)
	UpdateChunkEncryptedTally(ctx context.Context, chunkID, ciphertext string) error
	UpdateChunkResult(ctx context.Context, chunkID, resultJSON string) error
	InsertPartialShare(ctx context.Context, share domain.PartialShare) error
	InsertCompensatedShare(ctx context.Context, share domain.CompensatedShare) error
	LoadPartialSharesForChunk(ctx context.Context, chunkID string) (map[string]string, error)
	LoadCompensatedSharesForChunk(ctx context.Context, chunkID string) (map[store.CompensatedKey]string, error)
	CreateJob(ctx context.Context, job domain.Job) error
	IncrementJobProgress(ctx context.Context, jobID string, failed bool) (*store.JobProgress, error)
	UpsertPartialDecryptionStatus(ctx context.Context, status domain.PartialDecryptionStatus) error
	MarkPartialDecryptionStatus(ctx context.Context, electionID, guardianID string, state domain.GuardianState, phase domain.GuardianPhase, lastError string) error
	LoadPartialDecryptionStatus(ctx context.Context, electionID, guardianID string) (*domain.PartialDecryptionStatus, error)
	MarkGuardianDecrypted(ctx context.Context, electionID, guardianID string) error
	CountDecryptedGuardians(ctx context.Context, electionID string) (int, error)
	LoadElectionQuorum(ctx context.Context, electionID string) (int, error)
	LoadElectionGuardians(ctx context.Context, electionID string) ([]domain.Guardian, error)
}

// Consumer is the subset of internal/queue a worker reads messages from.
type Consumer interface {
	Receive(ctx context.Context, block time.Duration) (*queue.Delivery, error)
	Ack(ctx context.Context, messageID string) error
}

// Scheduler is the subset of internal/scheduler a worker reports back to,
// plus the registration call used to create the follow-on compensated job.
type Scheduler interface {
	ReportChunkProcessing(jobID, chunkID string)
	ReportChunkCompleted(jobID, chunkID string)
	ReportChunkFailed(jobID, chunkID, errorMsg string)
	RegisterJob(jobID string, operation domain.OperationKind, electionID string, chunkIDs []string)
	RegisterJobWithTemplate(jobID string, operation domain.OperationKind, electionID string, chunkIDs []string, template domain.ChunkMessage)
}

// baseWorker holds everything common to all four kinds: the per-(job,chunk)
// lock map serializing redelivered copies of the same message (spec.md
// §4.6 step 1), the queue it consumes from, and its reporting collaborators.
type baseWorker struct {
	consumer  Consumer
	scheduler Scheduler
	store     Store
	crypto    cryptoclient.Client
	audit     audit.Logger
	metrics   *metrics.Metrics
	log       *logrus.Entry

	locks sync.Map // key "jobID/chunkID" -> *sync.Mutex
}

func (w *baseWorker) lockFor(jobID, chunkID string) *sync.Mutex {
	key := jobID + "/" + chunkID
	v, _ := w.locks.LoadOrStore(key, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// runLoop drains the consumer's stream, handing each delivery to process
// under its per-(job,chunk) lock, until ctx is cancelled.
func (w *baseWorker) runLoop(ctx context.Context, process func(context.Context, domain.ChunkMessage) error) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		delivery, err := w.consumer.Receive(ctx, receiveBlock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.WithError(err).Error("failed to receive message")
			continue
		}
		if delivery == nil {
			continue
		}
		w.handle(ctx, delivery, process)
	}
}

func (w *baseWorker) handle(ctx context.Context, delivery *queue.Delivery, process func(context.Context, domain.ChunkMessage) error) {
	msg := delivery.Message
	mu := w.lockFor(msg.JobID, msg.ChunkID)
	mu.Lock()
	defer mu.Unlock()

	log := w.log.WithFields(logrus.Fields{"job_id": msg.JobID, "chunk_id": msg.ChunkID, "operation": msg.Operation})

	w.scheduler.ReportChunkProcessing(msg.JobID, msg.ChunkID)

	if err := process(ctx, msg); err != nil {
		log.WithError(err).Warn("chunk processing failed, reporting to scheduler for retry")
		w.scheduler.ReportChunkFailed(msg.JobID, msg.ChunkID, err.Error())
	} else {
		w.scheduler.ReportChunkCompleted(msg.JobID, msg.ChunkID)
	}

	// The store issues one short transaction per chunk and never retains an
	// identity map between calls, so there is nothing further to clear here
	// (spec.md §4.6 step 7) beyond releasing this chunk's lock entry.
	w.locks.Delete(msg.JobID + "/" + msg.ChunkID)

	if err := w.consumer.Ack(ctx, delivery.ID); err != nil {
		log.WithError(err).Error("failed to ack message")
	}
}

// --- Tally worker -----------------------------------------------------

const tallyEndpoint = "/api/tally/chunk"

type tallyRequest struct {
	ElectionID        string   `json:"electionId"`
	BallotCiphertexts []string `json:"ballotCiphertexts"`
}

type tallyResponse struct {
	EncryptedTally string `json:"encryptedTally"`
}

// TallyWorker aggregates one chunk's ballot ciphertexts into a single
// encrypted tally (spec.md §4.6 "Tally worker").
type TallyWorker struct {
	*baseWorker
}

// NewTallyWorker builds a TallyWorker over an existing TALLY queue consumer.
func NewTallyWorker(consumer Consumer, scheduler Scheduler, st Store, crypto cryptoclient.Client, auditLog audit.Logger, m *metrics.Metrics, log *logrus.Logger) *TallyWorker {
	if log == nil {
		log = logrus.New()
	}
	return &TallyWorker{&baseWorker{
		consumer: consumer, scheduler: scheduler, store: st, crypto: crypto,
		audit: auditLog, metrics: m, log: log.WithField("component", "worker.tally"),
	}}
}

// Run consumes TALLY chunk messages until ctx is cancelled.
func (w *TallyWorker) Run(ctx context.Context) {
	w.runLoop(ctx, w.process)
}

func (w *TallyWorker) process(ctx context.Context, msg domain.ChunkMessage) error {
	start := time.Now()

	ciphertexts, err := w.store.LoadBallotCiphertextsForChunk(ctx, msg.ChunkID)
	if err != nil {
		return fmt.Errorf("tally: load ballot ciphertexts for chunk %s: %w", msg.ChunkID, err)
	}

	var resp tallyResponse
	req := tallyRequest{ElectionID: msg.ElectionID, BallotCiphertexts: ciphertexts}
	if err := w.crypto.PostJSON(ctx, tallyEndpoint, req, &resp); err != nil {
		w.audit.LogTallyChunkCompleted(msg.ElectionID, msg.JobID, msg.ChunkID, false, err, time.Since(start))
		return fmt.Errorf("tally: crypto service call for chunk %s: %w", msg.ChunkID, err)
	}

	if err := w.store.UpdateChunkEncryptedTally(ctx, msg.ChunkID, resp.EncryptedTally); err != nil {
		return fmt.Errorf("tally: persist chunk %s: %w", msg.ChunkID, err)
	}

	progress, err := w.store.IncrementJobProgress(ctx, msg.JobID, false)
	if err != nil {
		return fmt.Errorf("tally: increment job %s progress: %w", msg.JobID, err)
	}
	if w.metrics != nil && progress.State.Terminal() {
		w.metrics.RecordJobTerminal(string(domain.OpTally), string(progress.State))
	}

	w.audit.LogTallyChunkCompleted(msg.ElectionID, msg.JobID, msg.ChunkID, true, nil, time.Since(start))
	return nil
}

// --- Partial-decryption worker -----------------------------------------

const partialEndpoint = "/api/decrypt/partial"

type partialRequest struct {
	ElectionID            string   `json:"electionId"`
	GuardianID            string   `json:"guardianId"`
	GuardianUnsealedShare string   `json:"guardianUnsealedShare"`
	EncryptedTally        string   `json:"encryptedTally"`
	BallotCiphertexts     []string `json:"ballotCiphertexts"`
}

type partialResponse struct {
	Share string `json:"share"`
}

// PartialWorker produces one guardian's partial decryption share of one
// chunk's encrypted tally (spec.md §4.6 "Partial-decryption worker").
type PartialWorker struct {
	*baseWorker
}

// NewPartialWorker builds a PartialWorker over an existing PARTIAL queue consumer.
func NewPartialWorker(consumer Consumer, scheduler Scheduler, st Store, crypto cryptoclient.Client, auditLog audit.Logger, m *metrics.Metrics, log *logrus.Logger) *PartialWorker {
	if log == nil {
		log = logrus.New()
	}
	return &PartialWorker{&baseWorker{
		consumer: consumer, scheduler: scheduler, store: st, crypto: crypto,
		audit: auditLog, metrics: m, log: log.WithField("component", "worker.partial"),
	}}
}

// Run consumes PARTIAL chunk messages until ctx is cancelled.
func (w *PartialWorker) Run(ctx context.Context) {
	w.runLoop(ctx, w.process)
}

func (w *PartialWorker) process(ctx context.Context, msg domain.ChunkMessage) error {
	tally, err := w.store.LoadChunkCiphertextById(ctx, msg.ChunkID)
	if err != nil {
		return fmt.Errorf("partial: load chunk tally %s: %w", msg.ChunkID, err)
	}
	ciphertexts, err := w.store.LoadBallotCiphertextsForChunk(ctx, msg.ChunkID)
	if err != nil {
		return fmt.Errorf("partial: load ballot ciphertexts for chunk %s: %w", msg.ChunkID, err)
	}

	var resp partialResponse
	req := partialRequest{
		ElectionID: msg.ElectionID, GuardianID: msg.GuardianID,
		GuardianUnsealedShare: msg.GuardianUnsealedShare,
		EncryptedTally:        tally, BallotCiphertexts: ciphertexts,
	}
	if err := w.crypto.PostJSON(ctx, partialEndpoint, req, &resp); err != nil {
		return fmt.Errorf("partial: crypto service call for chunk %s: %w", msg.ChunkID, err)
	}

	share := domain.PartialShare{ElectionID: msg.ElectionID, ChunkID: msg.ChunkID, GuardianID: msg.GuardianID, Share: resp.Share}
	if err := w.store.InsertPartialShare(ctx, share); err != nil {
		return fmt.Errorf("partial: persist share for chunk %s: %w", msg.ChunkID, err)
	}

	progress, err := w.store.IncrementJobProgress(ctx, msg.JobID, false)
	if err != nil {
		return fmt.Errorf("partial: increment job %s progress: %w", msg.JobID, err)
	}

	w.audit.LogPartialSubmitted(msg.ElectionID, msg.JobID, msg.GuardianID, true, nil)

	if !progress.State.Terminal() {
		return nil
	}
	if w.metrics != nil {
		w.metrics.RecordJobTerminal(string(domain.OpPartial), string(progress.State))
	}
	return w.onPartialJobComplete(ctx, msg)
}

// onPartialJobComplete runs the completion side effects from spec.md §4.6:
// a single-guardian election completes outright; otherwise the guardian's
// status moves from PARTIAL to COMPENSATED phase and a follow-on
// compensated job is registered (Open Questions decision 1: new job id,
// because a compensated job's totalChunks counts absent-guardian targets,
// not ballot chunks).
func (w *PartialWorker) onPartialJobComplete(ctx context.Context, msg domain.ChunkMessage) error {
	quorum, err := w.store.LoadElectionQuorum(ctx, msg.ElectionID)
	if err != nil {
		return fmt.Errorf("partial: load quorum for election %s: %w", msg.ElectionID, err)
	}

	guardians, err := w.store.LoadElectionGuardians(ctx, msg.ElectionID)
	if err != nil {
		return fmt.Errorf("partial: load guardians for election %s: %w", msg.ElectionID, err)
	}
	var absent []domain.Guardian
	for _, g := range guardians {
		if g.ID != msg.GuardianID {
			absent = append(absent, g)
		}
	}

	if quorum <= 1 || len(absent) == 0 {
		if err := w.store.MarkGuardianDecrypted(ctx, msg.ElectionID, msg.GuardianID); err != nil {
			return fmt.Errorf("partial: mark guardian %s decrypted: %w", msg.GuardianID, err)
		}
		if err := w.store.MarkPartialDecryptionStatus(ctx, msg.ElectionID, msg.GuardianID, domain.GuardianCompleted, domain.PhaseCompleted, ""); err != nil {
			return fmt.Errorf("partial: mark status completed for guardian %s: %w", msg.GuardianID, err)
		}
		w.audit.LogGuardianCompleted(msg.ElectionID, msg.GuardianID)
		return nil
	}

	if err := w.store.MarkPartialDecryptionStatus(ctx, msg.ElectionID, msg.GuardianID, domain.GuardianInProgress, domain.PhaseCompensated, ""); err != nil {
		return fmt.Errorf("partial: transition guardian %s to compensated phase: %w", msg.GuardianID, err)
	}

	compensatedJobID := fmt.Sprintf("%s-compensated-%s", msg.JobID, msg.GuardianID)
	targetIDs := make([]string, len(absent))
	for i, g := range absent {
		targetIDs[i] = g.ID
	}
	job := domain.Job{ID: compensatedJobID, ElectionID: msg.ElectionID, Operation: domain.OpCompensated, TotalChunks: len(targetIDs)}
	if err := w.store.CreateJob(ctx, job); err != nil {
		return fmt.Errorf("partial: create compensated job for guardian %s: %w", msg.GuardianID, err)
	}
	template := domain.ChunkMessage{
		SourceGuardianID:    msg.GuardianID,
		SourceUnsealedShare: msg.GuardianUnsealedShare,
	}
	w.scheduler.RegisterJobWithTemplate(compensatedJobID, domain.OpCompensated, msg.ElectionID, targetIDs, template)
	if w.metrics != nil {
		w.metrics.RecordJobCreated(string(domain.OpCompensated))
	}
	return nil
}

// --- Compensated worker --------------------------------------------------

const compensatedEndpoint = "/api/decrypt/compensated"

type compensatedRequest struct {
	ElectionID             string            `json:"electionId"`
	SourceGuardianID       string            `json:"sourceGuardianId"`
	SourceUnsealedShare    string            `json:"sourceUnsealedShare"`
	TargetGuardianID       string            `json:"targetGuardianId"`
	TargetPublicKey        string            `json:"targetPublicKey"`
	TargetSequenceOrder    int               `json:"targetSequenceOrder"`
	PolynomialBackupDigest string            `json:"polynomialBackupDigest"`
	ChunkEncryptedTallies  map[string]string `json:"chunkEncryptedTallies"`
}

type compensatedResponse struct {
	SharesByChunk map[string]string `json:"sharesByChunk"`
}

// CompensatedWorker produces the shares a present source guardian creates
// on behalf of one absent target guardian, one per real ballot chunk
// (spec.md §4.6 "Compensated worker"). Each dispatched work item
// corresponds to one (source, target) pair; the chunk set is re-derived
// from the election rather than carried on the message, per spec.md §3's
// "the worker re-derives the chunk set at dispatch time".
type CompensatedWorker struct {
	*baseWorker
}

// NewCompensatedWorker builds a CompensatedWorker over an existing
// COMPENSATED queue consumer.
func NewCompensatedWorker(consumer Consumer, scheduler Scheduler, st Store, crypto cryptoclient.Client, auditLog audit.Logger, m *metrics.Metrics, log *logrus.Logger) *CompensatedWorker {
	if log == nil {
		log = logrus.New()
	}
	return &CompensatedWorker{&baseWorker{
		consumer: consumer, scheduler: scheduler, store: st, crypto: crypto,
		audit: auditLog, metrics: m, log: log.WithField("component", "worker.compensated"),
	}}
}

// Run consumes COMPENSATED work items until ctx is cancelled.
func (w *CompensatedWorker) Run(ctx context.Context) {
	w.runLoop(ctx, w.process)
}

func (w *CompensatedWorker) process(ctx context.Context, msg domain.ChunkMessage) error {
	targetGuardianID := msg.ChunkID // the dispatched "chunk" id is the target guardian id for this operation kind

	chunkIDs, err := w.store.FindChunkIdsByElection(ctx, msg.ElectionID)
	if err != nil {
		return fmt.Errorf("compensated: find chunks for election %s: %w", msg.ElectionID, err)
	}

	tallies := make(map[string]string, len(chunkIDs))
	for _, chunkID := range chunkIDs {
		tally, err := w.store.LoadChunkCiphertextById(ctx, chunkID)
		if err != nil {
			return fmt.Errorf("compensated: load tally for chunk %s: %w", chunkID, err)
		}
		tallies[chunkID] = tally
	}

	guardians, err := w.store.LoadElectionGuardians(ctx, msg.ElectionID)
	if err != nil {
		return fmt.Errorf("compensated: load guardians for election %s: %w", msg.ElectionID, err)
	}
	var target *domain.Guardian
	for i := range guardians {
		if guardians[i].ID == targetGuardianID {
			target = &guardians[i]
			break
		}
	}
	if target == nil {
		return fmt.Errorf("compensated: target guardian %s not found in election %s", targetGuardianID, msg.ElectionID)
	}

	var resp compensatedResponse
	req := compensatedRequest{
		ElectionID: msg.ElectionID, SourceGuardianID: msg.SourceGuardianID,
		SourceUnsealedShare: msg.SourceUnsealedShare, TargetGuardianID: targetGuardianID,
		TargetPublicKey: target.PublicKey, TargetSequenceOrder: target.SequenceOrder,
		PolynomialBackupDigest: msg.PolynomialBackupDigest, ChunkEncryptedTallies: tallies,
	}
	if err := w.crypto.PostJSON(ctx, compensatedEndpoint, req, &resp); err != nil {
		return fmt.Errorf("compensated: crypto service call for target %s: %w", targetGuardianID, err)
	}

	for chunkID, share := range resp.SharesByChunk {
		cs := domain.CompensatedShare{ElectionID: msg.ElectionID, ChunkID: chunkID, SourceID: msg.SourceGuardianID, TargetID: targetGuardianID, Share: share}
		if err := w.store.InsertCompensatedShare(ctx, cs); err != nil {
			return fmt.Errorf("compensated: persist share for chunk %s: %w", chunkID, err)
		}
	}

	progress, err := w.store.IncrementJobProgress(ctx, msg.JobID, false)
	if err != nil {
		return fmt.Errorf("compensated: increment job %s progress: %w", msg.JobID, err)
	}
	if !progress.State.Terminal() {
		return nil
	}
	if w.metrics != nil {
		w.metrics.RecordJobTerminal(string(domain.OpCompensated), string(progress.State))
	}

	// Final target compensated for: the source guardian has now covered
	// every absent guardian, so its own status completes and its roster
	// flag is set (spec.md §4.6 "On final chunk ... mark the source's
	// PartialDecryptionStatus COMPLETED").
	if err := w.store.MarkGuardianDecrypted(ctx, msg.ElectionID, msg.SourceGuardianID); err != nil {
		return fmt.Errorf("compensated: mark source guardian %s decrypted: %w", msg.SourceGuardianID, err)
	}
	if err := w.store.MarkPartialDecryptionStatus(ctx, msg.ElectionID, msg.SourceGuardianID, domain.GuardianCompleted, domain.PhaseCompleted, ""); err != nil {
		return fmt.Errorf("compensated: mark status completed for guardian %s: %w", msg.SourceGuardianID, err)
	}
	w.audit.LogGuardianCompleted(msg.ElectionID, msg.SourceGuardianID)
	return nil
}

// --- Combine worker -------------------------------------------------------

const combineEndpoint = "/api/decrypt/combine"

type combineRequest struct {
	ElectionID        string            `json:"electionId"`
	ChunkID           string            `json:"chunkId"`
	EncryptedTally    string            `json:"encryptedTally"`
	PartialShares     map[string]string `json:"partialShares"`     // guardianId -> share
	CompensatedShares map[string]string `json:"compensatedShares"` // "source|target" -> share
}

type combineResponse struct {
	Result json.RawMessage `json:"result"`
}

// CombineWorker reconstructs one chunk's plaintext per-selection result
// from its partial and compensated shares, once quorum is satisfied
// (spec.md §4.6 "Combine worker").
type CombineWorker struct {
	*baseWorker
}

// NewCombineWorker builds a CombineWorker over an existing COMBINE queue consumer.
func NewCombineWorker(consumer Consumer, scheduler Scheduler, st Store, crypto cryptoclient.Client, auditLog audit.Logger, m *metrics.Metrics, log *logrus.Logger) *CombineWorker {
	if log == nil {
		log = logrus.New()
	}
	return &CombineWorker{&baseWorker{
		consumer: consumer, scheduler: scheduler, store: st, crypto: crypto,
		audit: auditLog, metrics: m, log: log.WithField("component", "worker.combine"),
	}}
}

// Run consumes COMBINE chunk messages until ctx is cancelled.
func (w *CombineWorker) Run(ctx context.Context) {
	w.runLoop(ctx, w.process)
}

func (w *CombineWorker) process(ctx context.Context, msg domain.ChunkMessage) error {
	start := time.Now()

	quorum, err := w.store.LoadElectionQuorum(ctx, msg.ElectionID)
	if err != nil {
		return fmt.Errorf("combine: load quorum for election %s: %w", msg.ElectionID, err)
	}
	decrypted, err := w.store.CountDecryptedGuardians(ctx, msg.ElectionID)
	if err != nil {
		return fmt.Errorf("combine: count decrypted guardians for election %s: %w", msg.ElectionID, err)
	}
	if decrypted < quorum {
		return fmt.Errorf("combine: quorum not yet satisfied for election %s (%d/%d guardians decrypted)", msg.ElectionID, decrypted, quorum)
	}

	tally, err := w.store.LoadChunkCiphertextById(ctx, msg.ChunkID)
	if err != nil {
		return fmt.Errorf("combine: load tally for chunk %s: %w", msg.ChunkID, err)
	}
	partials, err := w.store.LoadPartialSharesForChunk(ctx, msg.ChunkID)
	if err != nil {
		return fmt.Errorf("combine: load partial shares for chunk %s: %w", msg.ChunkID, err)
	}
	compensated, err := w.store.LoadCompensatedSharesForChunk(ctx, msg.ChunkID)
	if err != nil {
		return fmt.Errorf("combine: load compensated shares for chunk %s: %w", msg.ChunkID, err)
	}
	flatCompensated := make(map[string]string, len(compensated))
	for key, share := range compensated {
		flatCompensated[key.Source+"|"+key.Target] = share
	}

	var resp combineResponse
	req := combineRequest{ElectionID: msg.ElectionID, ChunkID: msg.ChunkID, EncryptedTally: tally, PartialShares: partials, CompensatedShares: flatCompensated}
	if err := w.crypto.PostJSON(ctx, combineEndpoint, req, &resp); err != nil {
		w.audit.LogCombineCompleted(msg.ElectionID, msg.JobID, 0, false, err, time.Since(start))
		return fmt.Errorf("combine: crypto service call for chunk %s: %w", msg.ChunkID, err)
	}

	if err := w.store.UpdateChunkResult(ctx, msg.ChunkID, string(resp.Result)); err != nil {
		return fmt.Errorf("combine: persist result for chunk %s: %w", msg.ChunkID, err)
	}

	progress, err := w.store.IncrementJobProgress(ctx, msg.JobID, false)
	if err != nil {
		return fmt.Errorf("combine: increment job %s progress: %w", msg.JobID, err)
	}
	if progress.State.Terminal() {
		if w.metrics != nil {
			w.metrics.RecordJobTerminal(string(domain.OpCombine), string(progress.State))
		}
		w.audit.LogCombineCompleted(msg.ElectionID, msg.JobID, progress.TotalChunks, progress.State == domain.JobCompleted, nil, time.Since(start))
	}
	return nil
}
