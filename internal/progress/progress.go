// Package progress implements the ProgressTracker described in spec.md
// §4.7: the pre-validation gate that unseals a guardian's credential before
// any chunk work is scheduled, single-flight submission handling, and the
// idempotent status state machine callers poll.
package progress

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/amarvote/orchestrator-core/internal/domain"
	"github.com/amarvote/orchestrator-core/internal/orcherr"
	"github.com/amarvote/orchestrator-core/internal/unseal"
)

// Store is the subset of internal/store the ProgressTracker depends on.
type Store interface {
	LoadGuardian(ctx context.Context, electionID, guardianID string) (*domain.Guardian, error)
	LoadPartialDecryptionStatus(ctx context.Context, electionID, guardianID string) (*domain.PartialDecryptionStatus, error)
	UpsertPartialDecryptionStatus(ctx context.Context, status domain.PartialDecryptionStatus) error
	MarkPartialDecryptionStatus(ctx context.Context, electionID, guardianID string, state domain.GuardianState, phase domain.GuardianPhase, lastError string) error
	CreateJob(ctx context.Context, job domain.Job) error
	FindChunkIdsByElection(ctx context.Context, electionID string) ([]string, error)
}

// Scheduler is the subset of internal/scheduler the ProgressTracker
// registers the newly-created job with.
type Scheduler interface {
	RegisterJobWithTemplate(jobID string, operation domain.OperationKind, electionID string, chunkIDs []string, template domain.ChunkMessage)
}

// Unsealer is the subset of internal/unseal the pre-validation gate calls.
type Unsealer interface {
	Unseal(ctx context.Context, credentialBlob []byte, guardian domain.Guardian) (*unseal.UnsealedShare, error)
}

// Tracker is the ProgressTracker (spec.md §4.7).
type Tracker struct {
	store     Store
	scheduler Scheduler
	unsealer  Unsealer
	log       *logrus.Entry

	locks sync.Map // key "electionID/guardianID" -> *sync.Mutex
}

// New builds a Tracker.
func New(store Store, scheduler Scheduler, unsealer Unsealer, log *logrus.Logger) *Tracker {
	if log == nil {
		log = logrus.New()
	}
	return &Tracker{store: store, scheduler: scheduler, unsealer: unsealer, log: log.WithField("component", "progress")}
}

func (t *Tracker) lockFor(electionID, guardianID string) *sync.Mutex {
	key := electionID + "/" + guardianID
	v, _ := t.locks.LoadOrStore(key, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Submit handles a guardian's partial-decryption credential submission
// (spec.md §4.7): it holds the (electionID, guardianID) in-process lock
// across the pre-validation gate and status-row creation to close the
// TOCTOU window between two simultaneous submissions, then returns the
// newly-created job's status.
func (t *Tracker) Submit(ctx context.Context, electionID, guardianID string, credentialBlob []byte) (*domain.PartialDecryptionStatus, error) {
	mu := t.lockFor(electionID, guardianID)
	mu.Lock()
	defer mu.Unlock()

	existing, err := t.store.LoadPartialDecryptionStatus(ctx, electionID, guardianID)
	if err != nil {
		return nil, fmt.Errorf("progress: load status for guardian %s: %w", guardianID, err)
	}
	if existing != nil {
		switch existing.State {
		case domain.GuardianInProgress, domain.GuardianPending:
			return existing, orcherr.New(orcherr.DuplicateSubmission, fmt.Sprintf("guardian %s already has a decryption in progress", guardianID))
		case domain.GuardianCompleted:
			return existing, nil
		}
		// FAILED: fall through and accept the resubmission.
	}

	guardian, err := t.store.LoadGuardian(ctx, electionID, guardianID)
	if err != nil {
		return nil, fmt.Errorf("progress: load guardian %s: %w", guardianID, err)
	}

	// Pre-validation gate: an invalid credential is an immediate synchronous
	// failure. No broker traffic occurs and no chunk is ever scheduled
	// (spec.md §4.7 — processing thousands of chunks against a bad
	// credential wastes minutes of work).
	unsealed, err := t.unsealer.Unseal(ctx, credentialBlob, *guardian)
	if err != nil {
		failed := &domain.PartialDecryptionStatus{
			ElectionID: electionID, GuardianID: guardianID,
			State: domain.GuardianFailed, Phase: domain.PhasePartial,
			ContactEmail: guardian.ContactEmail, ContactName: guardian.DisplayName,
			LastError: orcherr.InvalidCredentialMessage,
		}
		if upsertErr := t.store.UpsertPartialDecryptionStatus(ctx, *failed); upsertErr != nil {
			t.log.WithError(upsertErr).WithField("guardian_id", guardianID).Error("failed to persist FAILED status after invalid credential")
		}
		return failed, err
	}
	defer unsealed.Clear()

	chunkIDs, err := t.store.FindChunkIdsByElection(ctx, electionID)
	if err != nil {
		return nil, fmt.Errorf("progress: find chunks for election %s: %w", electionID, err)
	}
	if len(chunkIDs) == 0 {
		return nil, orcherr.New(orcherr.InvalidInput, fmt.Sprintf("election %s has not been chunked", electionID))
	}

	status := domain.PartialDecryptionStatus{
		ElectionID: electionID, GuardianID: guardianID,
		State: domain.GuardianInProgress, Phase: domain.PhasePartial,
		TotalChunks: len(chunkIDs), ContactEmail: guardian.ContactEmail, ContactName: guardian.DisplayName,
	}
	if err := t.store.UpsertPartialDecryptionStatus(ctx, status); err != nil {
		return nil, fmt.Errorf("progress: create status row for guardian %s: %w", guardianID, err)
	}

	jobID := uuid.NewString()
	job := domain.Job{ID: jobID, ElectionID: electionID, Operation: domain.OpPartial, TotalChunks: len(chunkIDs)}
	if err := t.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("progress: create job for guardian %s: %w", guardianID, err)
	}

	template := domain.ChunkMessage{
		GuardianID:            guardianID,
		GuardianUnsealedShare: string(unsealed.Material),
	}
	t.scheduler.RegisterJobWithTemplate(jobID, domain.OpPartial, electionID, chunkIDs, template)

	t.log.WithFields(logrus.Fields{"election_id": electionID, "guardian_id": guardianID, "job_id": jobID, "chunk_count": len(chunkIDs)}).Info("submission accepted")

	return &status, nil
}

// Status returns the guardian's current decryption progress, or nil if no
// submission has ever been made.
func (t *Tracker) Status(ctx context.Context, electionID, guardianID string) (*domain.PartialDecryptionStatus, error) {
	status, err := t.store.LoadPartialDecryptionStatus(ctx, electionID, guardianID)
	if err != nil {
		return nil, fmt.Errorf("progress: load status for guardian %s: %w", guardianID, err)
	}
	return status, nil
}
